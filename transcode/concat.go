package transcode

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	ffmpeg "github.com/u2takey/ffmpeg-go"
	"github.com/vodworks/vod-pipeline/checkpoint"
	"github.com/vodworks/vod-pipeline/clients"
	"github.com/vodworks/vod-pipeline/log"
	"github.com/vodworks/vod-pipeline/subprocess"
)

// ConcatAndSegment reassembles the transcoded chunks of every rendition in
// source order and segments them into the final HLS output under a local
// staging directory, ready for publication. The caller owns the returned
// directory and removes it after publishing; on error it is cleaned up here.
func (inv *Invoker) ConcatAndSegment(ctx context.Context, p Params, chunks []clients.ChunkEntry) (outDir string, err error) {
	outDir, err = inv.scratchDir("publish")
	if err != nil {
		return "", err
	}
	defer func() {
		if err != nil {
			os.RemoveAll(outDir)
		}
	}()

	for _, profile := range p.Profiles {
		if err = inv.concatRendition(ctx, p, profile.Name, len(chunks), outDir); err != nil {
			return "", err
		}
	}

	master, err := clients.BuildMasterManifest(p.Profiles)
	if err != nil {
		return "", err
	}
	if err = os.WriteFile(filepath.Join(outDir, checkpoint.MasterManifest()), []byte(master), 0644); err != nil {
		return "", fmt.Errorf("error writing master manifest: %w", err)
	}
	return outDir, nil
}

func (inv *Invoker) concatRendition(ctx context.Context, p Params, rendition string, chunkCount int, outDir string) error {
	scratch, err := inv.scratchDir("concat")
	if err != nil {
		return err
	}
	defer os.RemoveAll(scratch)

	// The concat demuxer needs local inputs, so chunks are staged down first
	listing := []string{"ffconcat version 1.0"}
	for i := 0; i < chunkCount; i++ {
		localChunk := filepath.Join(scratch, fmt.Sprintf("chunk_%05d.ts", i))
		if err := inv.download(ctx, inv.tempURI(p, checkpoint.TranscodedChunk(rendition, i)), localChunk); err != nil {
			return err
		}
		listing = append(listing, fmt.Sprintf("file '%s'", filepath.Base(localChunk)))
	}
	concatPath := filepath.Join(scratch, "concat.ffconcat")
	concatBody := strings.Join(listing, "\n") + "\n"
	if err := os.WriteFile(concatPath, []byte(concatBody), 0644); err != nil {
		return fmt.Errorf("error writing concat listing: %w", err)
	}
	// Checkpoint the listing for the audit trail; resumption does not need it
	if err := inv.Store.Write(ctx, inv.tempURI(p, checkpoint.ConcatList(rendition)), strings.NewReader(concatBody)); err != nil {
		log.LogError(p.JobID, "failed to checkpoint concat listing", err, "rendition", rendition)
	}

	renditionDir := filepath.Join(outDir, rendition)
	if err := os.MkdirAll(renditionDir, 0755); err != nil {
		return fmt.Errorf("mkdir %q: %w", renditionDir, err)
	}

	tail := subprocess.NewTailBuffer(20)
	cmd := concatCmd(p, concatPath, renditionDir)
	cmd.Stderr = subprocess.EngineStderr(tail)

	stage := fmt.Sprintf("concat[%s]", rendition)
	log.Log(p.JobID, "concatenating and segmenting rendition", "rendition", rendition, "chunks", chunkCount)
	if err := subprocess.Run(ctx, p.JobID, cmd, inv.GracePeriod); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return NewFailure(stage, err, tail.String())
	}
	return nil
}

func concatCmd(p Params, concatPath, renditionDir string) *exec.Cmd {
	return ffmpeg.Input(concatPath, ffmpeg.KwArgs{"f": "concat", "safe": "0"}).
		Output(filepath.Join(renditionDir, "index.m3u8"), ffmpeg.KwArgs{
			"c":                    "copy",
			"f":                    "hls",
			"hls_time":             int(p.Preset.SegmentDuration.Seconds()),
			"hls_playlist_type":    "vod",
			"hls_segment_filename": filepath.Join(renditionDir, "seg_%05d.ts"),
			"muxdelay":             "0",
		}).
		OverWriteOutput().
		Compile()
}
