package video

import (
	"context"
	"strconv"
	"time"

	"github.com/vodworks/vod-pipeline/log"
	"gopkg.in/vansante/go-ffprobe.v2"
)

// analysisWindow is how much of the source the analyzer is allowed to decode
// when deriving a frame rate. Decoded frames are counted in memory and
// discarded, nothing is written to disk.
const analysisWindow = 5 * time.Second

// Analyzer derives fields the probing tool could not supply, commonly frame
// rate or exact duration for damaged or streamed sources. Each heuristic is
// best-effort: a field that cannot be derived stays zero and the description
// is marked invalid for downstream stages to reject.
type Analyzer struct {
	Timeout time.Duration
}

// Fill returns a copy of iv with derivable missing fields populated.
func (a *Analyzer) Fill(ctx context.Context, jobID string, iv InputVideo, uri string) (InputVideo, error) {
	videoTrack, err := iv.GetTrack(TrackTypeVideo)
	if err != nil {
		return iv, err
	}

	if videoTrack.FPS == 0 {
		fps, err := a.countPrefixFrameRate(ctx, uri)
		if err != nil {
			log.LogError(jobID, "frame rate analysis failed", err, "source", log.RedactURL(uri))
		} else if fps > 0 {
			log.Log(jobID, "derived frame rate from decoded prefix", "fps", fps)
			videoTrack.FPS = fps
		}
	}

	if iv.Duration == 0 && videoTrack.FPS > 0 {
		// A damaged container can still carry a per-stream frame count
		if frames := a.totalFrames(ctx, uri); frames > 0 {
			iv.Duration = float64(frames) / videoTrack.FPS
			log.Log(jobID, "derived duration from frame count", "frames", frames, "duration", iv.Duration)
		}
	}

	for i := range iv.Tracks {
		if iv.Tracks[i].Type == TrackTypeVideo {
			iv.Tracks[i].FPS = videoTrack.FPS
			if iv.Tracks[i].DurationSec == 0 {
				iv.Tracks[i].DurationSec = iv.Duration
			}
			break
		}
	}
	iv.Valid = iv.Duration > 0 && videoTrack.FPS > 0
	return iv, nil
}

// countPrefixFrameRate decodes a bounded prefix of the source and infers the
// frame rate from the number of frames it yields.
func (a *Analyzer) countPrefixFrameRate(ctx context.Context, uri string) (float64, error) {
	probeCtx, cancel := context.WithTimeout(ctx, a.Timeout)
	defer cancel()
	data, err := ffprobe.ProbeURL(probeCtx, uri,
		"-loglevel", "error",
		"-select_streams", "v:0",
		"-count_frames",
		"-read_intervals", "%+"+strconv.Itoa(int(analysisWindow.Seconds())),
	)
	if err != nil {
		return 0, err
	}
	stream := data.FirstVideoStream()
	if stream == nil {
		return 0, nil
	}
	frames, err := strconv.ParseInt(stream.NbReadFrames, 10, 64)
	if err != nil || frames == 0 {
		return 0, nil
	}
	return float64(frames) / analysisWindow.Seconds(), nil
}

func (a *Analyzer) totalFrames(ctx context.Context, uri string) int64 {
	probeCtx, cancel := context.WithTimeout(ctx, a.Timeout)
	defer cancel()
	data, err := ffprobe.ProbeURL(probeCtx, uri, "-loglevel", "error")
	if err != nil {
		return 0
	}
	stream := data.FirstVideoStream()
	if stream == nil {
		return 0
	}
	frames, err := strconv.ParseInt(stream.NbFrames, 10, 64)
	if err != nil {
		return 0
	}
	return frames
}
