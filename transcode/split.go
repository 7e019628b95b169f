package transcode

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	ffmpeg "github.com/u2takey/ffmpeg-go"
	"github.com/vodworks/vod-pipeline/checkpoint"
	"github.com/vodworks/vod-pipeline/clients"
	"github.com/vodworks/vod-pipeline/log"
	"github.com/vodworks/vod-pipeline/subprocess"
)

const chunkPlaylistName = "source.m3u8"

// Split slices the source into fixed-duration chunks without re-encoding and
// checkpoints them to temporary storage. The chunk playlist is uploaded only
// after every chunk it references, so its presence marks the split stage
// complete. Chunk naming is deterministic: re-invoking Split after an
// interruption rewrites identical chunks instead of corrupting or
// duplicating the already-checkpointed ones.
func (inv *Invoker) Split(ctx context.Context, p Params) ([]clients.ChunkEntry, error) {
	scratch, err := inv.scratchDir("split")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(scratch)

	playlistPath := filepath.Join(scratch, chunkPlaylistName)
	tail := subprocess.NewTailBuffer(20)
	cmd := splitCmd(p, scratch, playlistPath)
	cmd.Stderr = subprocess.EngineStderr(tail)

	log.Log(p.JobID, "splitting source", "source", log.RedactURL(p.SourceURL), "chunk_duration", p.Preset.ChunkDuration)
	if err := subprocess.Run(ctx, p.JobID, cmd, inv.GracePeriod); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, NewFailure("split", err, tail.String())
	}

	playlistFile, err := os.Open(playlistPath)
	if err != nil {
		return nil, NewFailure("split", fmt.Errorf("engine produced no chunk playlist: %w", err), tail.String())
	}
	chunks, err := clients.ParseChunkManifest(playlistFile)
	playlistFile.Close()
	if err != nil {
		return nil, NewFailure("split", fmt.Errorf("unusable chunk playlist: %w", err), tail.String())
	}

	for i, chunk := range chunks {
		localPath := filepath.Join(scratch, chunk.Name)
		if err := inv.upload(ctx, localPath, inv.tempURI(p, checkpoint.SourceChunk(i))); err != nil {
			return nil, err
		}
	}
	// Playlist last: it is the stage's completion checkpoint
	if err := inv.upload(ctx, playlistPath, inv.tempURI(p, checkpoint.ChunkManifest())); err != nil {
		return nil, err
	}

	log.Log(p.JobID, "split complete", "chunks", len(chunks))
	return chunks, nil
}

func splitCmd(p Params, scratch, playlistPath string) *exec.Cmd {
	return ffmpeg.Input(p.SourceURL).
		Output(filepath.Join(scratch, "source_%05d.ts"), ffmpeg.KwArgs{
			"c":                 "copy",
			"f":                 "segment",
			"segment_list":      playlistPath,
			"segment_list_type": "m3u8",
			"segment_format":    "mpegts",
			"segment_time":      int(p.Preset.ChunkDuration.Seconds()),
		}).
		OverWriteOutput().
		Compile()
}
