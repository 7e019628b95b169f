package clients

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/grafov/m3u8"
	"github.com/vodworks/vod-pipeline/log"
	"github.com/vodworks/vod-pipeline/video"
)

// ObjectReader is the part of Storage that manifest helpers need.
type ObjectReader interface {
	Read(ctx context.Context, uri string) (io.ReadCloser, error)
}

// ChunkEntry is one source chunk referenced by the split stage's playlist,
// in source time order.
type ChunkEntry struct {
	Name     string
	Duration float64
}

// DownloadChunkManifest fetches and parses the chunk playlist written by the
// split stage. The entry order is the source time order and must be preserved
// by every downstream stage.
func DownloadChunkManifest(ctx context.Context, store ObjectReader, uri string) ([]ChunkEntry, error) {
	rc, err := store.Read(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("error downloading chunk manifest %s: %w", log.RedactURL(uri), err)
	}
	defer rc.Close()

	chunks, err := ParseChunkManifest(rc)
	if err != nil {
		return nil, fmt.Errorf("error parsing chunk manifest %s: %w", log.RedactURL(uri), err)
	}
	return chunks, nil
}

// ParseChunkManifest decodes a chunk playlist from r, preserving entry order.
func ParseChunkManifest(r io.Reader) ([]ChunkEntry, error) {
	playlist, playlistType, err := m3u8.DecodeFrom(r, true)
	if err != nil {
		return nil, fmt.Errorf("error decoding manifest: %w", err)
	}
	if playlistType != m3u8.MEDIA {
		return nil, fmt.Errorf("manifest is not a media playlist")
	}
	mediaPlaylist, ok := playlist.(*m3u8.MediaPlaylist)
	if !ok || mediaPlaylist == nil {
		return nil, fmt.Errorf("failed to parse manifest as a media playlist")
	}

	var chunks []ChunkEntry
	for _, segment := range mediaPlaylist.Segments {
		// The segments slice is a ring buffer, a nil element marks the end
		if segment == nil {
			break
		}
		chunks = append(chunks, ChunkEntry{
			Name:     segment.URI,
			Duration: segment.Duration,
		})
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("manifest contains no chunks")
	}
	return chunks, nil
}

// BuildMasterManifest renders the master playlist referencing one media
// playlist per rendition, located at "{rendition}/index.m3u8" relative to the
// master.
func BuildMasterManifest(profiles []video.Profile) (string, error) {
	if len(profiles) == 0 {
		return "", fmt.Errorf("no profiles to build master manifest from")
	}
	master := m3u8.NewMasterPlaylist()
	master.SetVersion(3)
	for _, profile := range profiles {
		master.Append(
			fmt.Sprintf("%s/index.m3u8", profile.Name),
			&m3u8.MediaPlaylist{},
			m3u8.VariantParams{
				Bandwidth:  uint32(profile.Bitrate),
				Resolution: fmt.Sprintf("%dx%d", profile.Width, profile.Height),
				Name:       profile.Name,
			},
		)
	}
	manifest := master.Encode().String()
	if !strings.HasPrefix(manifest, "#EXTM3U") {
		return "", fmt.Errorf("generated master manifest is malformed")
	}
	return manifest, nil
}
