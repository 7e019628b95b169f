package clients

import (
	"context"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vodworks/vod-pipeline/video"
)

const chunkManifest = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-MEDIA-SEQUENCE:0
#EXT-X-ALLOW-CACHE:YES
#EXT-X-TARGETDURATION:61
#EXTINF:60.000000,
source_00000.ts
#EXTINF:60.000000,
source_00001.ts
#EXTINF:42.500000,
source_00002.ts
#EXT-X-ENDLIST
`

func TestParseChunkManifestPreservesOrder(t *testing.T) {
	chunks, err := ParseChunkManifest(strings.NewReader(chunkManifest))
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	for i, chunk := range chunks {
		require.Equal(t, fmt.Sprintf("source_%05d.ts", i), chunk.Name)
	}
	require.InDelta(t, 60.0, chunks[0].Duration, 0.001)
	require.InDelta(t, 42.5, chunks[2].Duration, 0.001)
}

func TestParseChunkManifestRejectsMaster(t *testing.T) {
	master := `#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=3000000,RESOLUTION=1280x720
720p/index.m3u8
`
	_, err := ParseChunkManifest(strings.NewReader(master))
	require.Error(t, err)
}

func TestParseChunkManifestRejectsEmpty(t *testing.T) {
	empty := `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:0
#EXT-X-ENDLIST
`
	_, err := ParseChunkManifest(strings.NewReader(empty))
	require.Error(t, err)
}

type manifestReader struct {
	body string
	err  error
}

func (m *manifestReader) Read(ctx context.Context, uri string) (io.ReadCloser, error) {
	if m.err != nil {
		return nil, m.err
	}
	return io.NopCloser(strings.NewReader(m.body)), nil
}

func TestDownloadChunkManifest(t *testing.T) {
	chunks, err := DownloadChunkManifest(context.Background(), &manifestReader{body: chunkManifest}, "file:///tmp/source.m3u8")
	require.NoError(t, err)
	require.Len(t, chunks, 3)

	_, err = DownloadChunkManifest(context.Background(), &manifestReader{err: fmt.Errorf("boom")}, "file:///tmp/source.m3u8")
	require.Error(t, err)
}

func TestBuildMasterManifest(t *testing.T) {
	profiles := []video.Profile{
		{Name: "720p", Width: 1280, Height: 720, Bitrate: 3_000_000},
		{Name: "360p", Width: 640, Height: 360, Bitrate: 800_000},
	}
	manifest, err := BuildMasterManifest(profiles)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(manifest, "#EXTM3U"))
	require.Contains(t, manifest, "720p/index.m3u8")
	require.Contains(t, manifest, "360p/index.m3u8")
	require.Contains(t, manifest, "BANDWIDTH=3000000")
	require.Contains(t, manifest, "RESOLUTION=1280x720")
	// Renditions appear in the ladder's order
	require.Less(t, strings.Index(manifest, "720p/index.m3u8"), strings.Index(manifest, "360p/index.m3u8"))
}

func TestBuildMasterManifestNoProfiles(t *testing.T) {
	_, err := BuildMasterManifest(nil)
	require.Error(t, err)
}
