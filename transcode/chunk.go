package transcode

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	ffmpeg "github.com/u2takey/ffmpeg-go"
	"github.com/vodworks/vod-pipeline/checkpoint"
	"github.com/vodworks/vod-pipeline/log"
	"github.com/vodworks/vod-pipeline/subprocess"
	"github.com/vodworks/vod-pipeline/video"
)

// TranscodeChunk transcodes one source chunk to one rendition and writes the
// result under its deterministic checkpoint key. Timestamps are preserved
// (-copyts) so that concatenation reassembles the original timeline without
// gaps or overlaps regardless of which attempt produced each chunk.
func (inv *Invoker) TranscodeChunk(ctx context.Context, p Params, index int, profile video.Profile) error {
	scratch, err := inv.scratchDir("chunk")
	if err != nil {
		return err
	}
	defer os.RemoveAll(scratch)

	localSrc := filepath.Join(scratch, "source.ts")
	if err := inv.download(ctx, inv.tempURI(p, checkpoint.SourceChunk(index)), localSrc); err != nil {
		return err
	}

	localDst := filepath.Join(scratch, "out.ts")
	tail := subprocess.NewTailBuffer(20)
	cmd := chunkCmd(p, profile, localSrc, localDst)
	cmd.Stderr = subprocess.EngineStderr(tail)

	stage := fmt.Sprintf("transcode[%d/%s]", index, profile.Name)
	log.Log(p.JobID, "transcoding chunk", "chunk", index, "rendition", profile.Name)
	if err := subprocess.Run(ctx, p.JobID, cmd, inv.GracePeriod); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return NewFailure(stage, err, tail.String())
	}

	info, err := os.Stat(localDst)
	if err != nil || info.Size() == 0 {
		return NewFailure(stage, fmt.Errorf("engine produced no output"), tail.String())
	}

	return inv.upload(ctx, localDst, inv.tempURI(p, checkpoint.TranscodedChunk(profile.Name, index)))
}

func chunkCmd(p Params, profile video.Profile, localSrc, localDst string) *exec.Cmd {
	return ffmpeg.Input(localSrc).
		Output(localDst, ffmpeg.KwArgs{
			"vf":               fmt.Sprintf("scale=%d:%d", profile.Width, profile.Height),
			"c:v":              "libx264",
			"preset":           "veryfast",
			"crf":              23,
			"maxrate":          profile.Bitrate,
			"bufsize":          profile.BufSize,
			"pix_fmt":          "yuv420p",
			"force_key_frames": fmt.Sprintf("expr:gte(t,n_forced*%d)", int(p.Preset.SegmentDuration.Seconds())),
			"c:a":              "aac",
			"b:a":              profile.AudioBitrate,
			"ar":               48000,
			"ac":               2,
			"f":                "mpegts",
			"copyts":           "",
			"muxdelay":         "0",
		}).
		OverWriteOutput().
		Compile()
}
