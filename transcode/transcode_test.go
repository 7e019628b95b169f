package transcode

import (
	"fmt"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	xerrors "github.com/vodworks/vod-pipeline/errors"
	"github.com/vodworks/vod-pipeline/video"
)

func testParams(t *testing.T) Params {
	t.Helper()
	tempURL, err := url.Parse("file:///data/tmp")
	require.NoError(t, err)
	return Params{
		JobID:     "test-job",
		Basename:  "c0ffee",
		SourceURL: "http://media.example.com/source.mp4",
		TempURL:   tempURL,
		Preset:    video.DefaultPreset(60*time.Second, 4*time.Second),
		Profiles:  []video.Profile{{Name: "720p", Width: 1280, Height: 720, Bitrate: 3_000_000, BufSize: 6_000_000, AudioBitrate: 192_000}},
	}
}

func argString(args []string) string {
	return strings.Join(args, " ")
}

func TestSplitCmdArgs(t *testing.T) {
	p := testParams(t)
	cmd := splitCmd(p, "/scratch", "/scratch/source.m3u8")
	args := argString(cmd.Args)

	require.Contains(t, args, "-i http://media.example.com/source.mp4")
	require.Contains(t, args, "-c copy")
	require.Contains(t, args, "-f segment")
	require.Contains(t, args, "-segment_time 60")
	require.Contains(t, args, "-segment_list /scratch/source.m3u8")
	require.Contains(t, args, "/scratch/source_%05d.ts")
	require.Contains(t, args, "-y")
}

func TestChunkCmdArgs(t *testing.T) {
	p := testParams(t)
	cmd := chunkCmd(p, p.Profiles[0], "/scratch/source.ts", "/scratch/out.ts")
	args := argString(cmd.Args)

	require.Contains(t, args, "-vf scale=1280:720")
	require.Contains(t, args, "-c:v libx264")
	require.Contains(t, args, "-maxrate 3000000")
	require.Contains(t, args, "-bufsize 6000000")
	require.Contains(t, args, "-force_key_frames expr:gte(t,n_forced*4)")
	require.Contains(t, args, "-copyts")
	require.Contains(t, args, "-f mpegts")
	require.Contains(t, args, "-b:a 192000")
}

func TestConcatCmdArgs(t *testing.T) {
	p := testParams(t)
	cmd := concatCmd(p, "/scratch/concat.ffconcat", "/out/720p")
	args := argString(cmd.Args)

	require.Contains(t, args, "-f concat")
	require.Contains(t, args, "-safe 0")
	require.Contains(t, args, "-i /scratch/concat.ffconcat")
	require.Contains(t, args, "-c copy")
	require.Contains(t, args, "-hls_time 4")
	require.Contains(t, args, "-hls_playlist_type vod")
	require.Contains(t, args, "-hls_segment_filename /out/720p/seg_%05d.ts")
	require.Contains(t, args, "/out/720p/index.m3u8")
}

func TestFailureClassification(t *testing.T) {
	retryable := NewFailure("split", fmt.Errorf("exit status 1"), "Connection timed out")
	require.False(t, xerrors.IsUnretriable(retryable))

	malformed := NewFailure("split", fmt.Errorf("exit status 1"), "source.mp4: Invalid data found when processing input")
	require.True(t, xerrors.IsUnretriable(malformed))

	var f *Failure
	require.ErrorAs(t, malformed, &f)
	require.Equal(t, "split", f.Stage)
	require.Contains(t, f.Error(), "Invalid data found")
}

func TestTempURIUsesCheckpointKeys(t *testing.T) {
	p := testParams(t)
	inv := &Invoker{}
	require.Equal(t,
		"file:///data/tmp/c0ffee/sources/source_00003.ts",
		inv.tempURI(p, "sources/source_00003.ts"),
	)
}
