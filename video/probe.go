package video

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	xerrors "github.com/vodworks/vod-pipeline/errors"
	"github.com/vodworks/vod-pipeline/log"
	"gopkg.in/vansante/go-ffprobe.v2"
)

// Prober inspects a source media location and returns its description.
type Prober interface {
	Inspect(ctx context.Context, jobID, uri string) (InputVideo, error)
}

// Probe runs ffprobe against a locator. It is read-only: the source is never
// mutated. Fields ffprobe cannot supply are filled in by the Analyzer where
// possible; an InputVideo that still has no duration or video track after
// analysis is reported as an inspection failure.
type Probe struct {
	Timeout  time.Duration
	Analyzer *Analyzer
}

func NewProbe(timeout time.Duration) *Probe {
	return &Probe{
		Timeout:  timeout,
		Analyzer: &Analyzer{Timeout: timeout},
	}
}

func (p *Probe) Inspect(ctx context.Context, jobID, uri string) (InputVideo, error) {
	data, err := p.runProbe(ctx, uri)
	if err != nil {
		return InputVideo{}, xerrors.Unretriable(fmt.Errorf("error probing %s: %w", log.RedactURL(uri), err))
	}
	iv, err := ParseProbeData(data)
	if err != nil {
		return InputVideo{}, xerrors.Unretriable(fmt.Errorf("error parsing probe output for %s: %w", log.RedactURL(uri), err))
	}
	if p.Analyzer != nil && !iv.Valid {
		iv, err = p.Analyzer.Fill(ctx, jobID, iv, uri)
		if err != nil {
			return InputVideo{}, xerrors.Unretriable(fmt.Errorf("error analyzing %s: %w", log.RedactURL(uri), err))
		}
	}
	if !iv.Valid {
		return InputVideo{}, xerrors.Unretriable(fmt.Errorf("source %s has no usable duration or video stream", log.RedactURL(uri)))
	}
	return iv, nil
}

func (p *Probe) runProbe(ctx context.Context, uri string) (*ffprobe.ProbeData, error) {
	var data *ffprobe.ProbeData
	operation := func() error {
		probeCtx, probeCancel := context.WithTimeout(ctx, p.Timeout)
		defer probeCancel()
		var err error
		data, err = ffprobe.ProbeURL(probeCtx, uri, "-loglevel", "error")
		return err
	}

	backOff := backoff.NewExponentialBackOff()
	backOff.InitialInterval = 500 * time.Millisecond
	backOff.MaxInterval = 2 * time.Second
	backOff.MaxElapsedTime = 0
	if err := backoff.Retry(operation, backoff.WithMaxRetries(backOff, 3)); err != nil {
		return nil, err
	}
	return data, nil
}

// ParseProbeData converts raw ffprobe output into an InputVideo. Fields the
// probe could not supply are left zero for the Analyzer; Valid is set only
// when duration and a video track with a usable frame rate are both present.
func ParseProbeData(probeData *ffprobe.ProbeData) (InputVideo, error) {
	if probeData == nil || probeData.Format == nil {
		return InputVideo{}, errors.New("format information missing")
	}
	videoStream := probeData.FirstVideoStream()
	if videoStream == nil {
		return InputVideo{}, errors.New("no video stream found")
	}

	bitRateValue := videoStream.BitRate
	if bitRateValue == "" {
		bitRateValue = probeData.Format.BitRate
	}
	// bitrate is optional; the profile selector falls back to ladder defaults
	bitrate, _ := strconv.ParseInt(bitRateValue, 10, 64)

	size, _ := strconv.ParseInt(probeData.Format.Size, 10, 64)

	fps, err := ParseFraction(videoStream.AvgFrameRate)
	if err != nil {
		return InputVideo{}, fmt.Errorf("error parsing avg frame rate: %w", err)
	}
	if fps == 0 {
		// r_frame_rate can still be valid when avg_frame_rate is not,
		// commonly for HLS sources
		fps, err = ParseFraction(videoStream.RFrameRate)
		if err != nil {
			return InputVideo{}, fmt.Errorf("error parsing real frame rate: %w", err)
		}
	}

	duration, err := strconv.ParseFloat(videoStream.Duration, 64)
	if err != nil || duration == 0 {
		duration = probeData.Format.DurationSeconds
	}

	iv := InputVideo{
		Format: probeData.Format.FormatName,
		Tracks: []InputTrack{
			{
				Type:        TrackTypeVideo,
				Codec:       videoStream.CodecName,
				Bitrate:     bitrate,
				DurationSec: duration,
				VideoTrack: VideoTrack{
					Width:       int64(videoStream.Width),
					Height:      int64(videoStream.Height),
					FPS:         fps,
					PixelFormat: videoStream.PixFmt,
				},
			},
		},
		Duration:  duration,
		SizeBytes: size,
	}
	iv = addAudioTrack(probeData, iv)
	iv.Valid = iv.Duration > 0 && fps > 0
	return iv, nil
}

func addAudioTrack(probeData *ffprobe.ProbeData, iv InputVideo) InputVideo {
	audioStream := probeData.FirstAudioStream()
	if audioStream == nil {
		return iv
	}
	sampleRate, _ := strconv.Atoi(audioStream.SampleRate)
	bitrate, _ := strconv.ParseInt(audioStream.BitRate, 10, 64)
	iv.Tracks = append(iv.Tracks, InputTrack{
		Type:    TrackTypeAudio,
		Codec:   audioStream.CodecName,
		Bitrate: bitrate,
		AudioTrack: AudioTrack{
			Channels:   audioStream.Channels,
			SampleRate: sampleRate,
			SampleBits: audioStream.BitsPerSample,
		},
	})
	return iv
}

// ParseFraction parses ffprobe rational values like "30000/1001" as well as
// plain decimals. "0/0" is valid for some tracks and parses to 0.
func ParseFraction(fraction string) (float64, error) {
	if fraction == "" {
		return 0, nil
	}
	parts := strings.SplitN(fraction, "/", 2)
	if len(parts) < 2 {
		value, err := strconv.ParseFloat(fraction, 64)
		if err != nil {
			return 0, fmt.Errorf("error parsing fraction %q: %w", fraction, err)
		}
		return value, nil
	}
	num, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("error parsing fraction numerator %q: %w", fraction, err)
	}
	den, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("error parsing fraction denominator %q: %w", fraction, err)
	}
	if den == 0 {
		if num == 0 {
			return 0, nil
		}
		return 0, errors.New("invalid fraction denominator 0")
	}
	return float64(num) / float64(den), nil
}
