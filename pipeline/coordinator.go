// Package pipeline drives a transcode job through its stages: claim the
// video, inspect the source, split it into chunks, transcode every chunk,
// reassemble the renditions into HLS and publish the result. Every stage
// checkpoints its artifacts under deterministic names so that a resumed job
// skips the work a previous attempt already finished.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vodworks/vod-pipeline/cache"
	"github.com/vodworks/vod-pipeline/checkpoint"
	"github.com/vodworks/vod-pipeline/clients"
	"github.com/vodworks/vod-pipeline/ledger"
	"github.com/vodworks/vod-pipeline/log"
	"github.com/vodworks/vod-pipeline/metrics"
	"github.com/vodworks/vod-pipeline/transcode"
	"github.com/vodworks/vod-pipeline/video"
)

// ErrInterrupted means the job stopped because the worker is shutting down.
// The session is deliberately left running: the checkpoints are intact and
// the video stays held until an operator reclaims it or the same worker
// never existed to begin with. Interruption is not a job failure.
var ErrInterrupted = errors.New("job interrupted by shutdown")

// Stage names as reported in job status and metrics.
const (
	StageStarting      = "starting"
	StageSplitting     = "splitting"
	StageTranscoding   = "transcoding"
	StageConcatenating = "concatenating"
	StagePublishing    = "publishing"
)

type Ledger interface {
	Claim(ctx context.Context, videoID int64) (*ledger.Claim, error)
	Complete(ctx context.Context, sessionID int64, outcome, detail string) error
}

type Storage interface {
	Exists(ctx context.Context, uri string) (bool, error)
	Read(ctx context.Context, uri string) (io.ReadCloser, error)
	Write(ctx context.Context, uri string, data io.Reader) error
	WriteMany(ctx context.Context, uris []string, open func() (io.ReadCloser, error)) (int, error)
}

type Prober interface {
	Inspect(ctx context.Context, jobID, uri string) (video.InputVideo, error)
}

type Invoker interface {
	Split(ctx context.Context, p transcode.Params) ([]clients.ChunkEntry, error)
	TranscodeChunk(ctx context.Context, p transcode.Params, index int, profile video.Profile) error
	ConcatAndSegment(ctx context.Context, p transcode.Params, chunks []clients.ChunkEntry) (string, error)
}

// JobPayload is one queue delivery: process this video.
type JobPayload struct {
	VideoID int64  `json:"video_id"`
	JobID   string `json:"job_id"`
}

// JobInfo is the in-memory record of a running job, exposed for status
// introspection.
type JobInfo struct {
	JobID     string    `json:"job_id"`
	VideoID   int64     `json:"video_id"`
	Basename  string    `json:"basename"`
	Stage     string    `json:"stage"`
	Chunk     int       `json:"chunk"`
	Chunks    int       `json:"chunks"`
	StartedAt time.Time `json:"started_at"`
}

type Coordinator struct {
	Ledger     Ledger
	Store      Storage
	Prober     Prober
	Invoker    Invoker
	TempURL    *url.URL
	ResultURLs []*url.URL
	Preset     video.Preset

	// PlaybackURLs renders the public playlist links for a published video.
	// Optional, only used for the completion log line.
	PlaybackURLs func(basename string) []string

	jobs *cache.Cache[*JobInfo]
}

func NewCoordinator(led Ledger, store Storage, prober Prober, invoker Invoker, tempURL *url.URL, resultURLs []*url.URL, preset video.Preset) *Coordinator {
	return &Coordinator{
		Ledger:     led,
		Store:      store,
		Prober:     prober,
		Invoker:    invoker,
		TempURL:    tempURL,
		ResultURLs: resultURLs,
		Preset:     preset,
		jobs:       cache.New[*JobInfo](),
	}
}

// Jobs lists the jobs currently held by this worker.
func (c *Coordinator) Jobs() []*JobInfo {
	var out []*JobInfo
	for _, key := range c.jobs.GetKeys() {
		if job := c.jobs.Get(key); job != nil {
			out = append(out, job)
		}
	}
	return out
}

// RunJob processes one delivery end to end. Ledger claim errors pass through
// unwrapped so the consumer can decide the delivery's fate. Any other error
// settles the session as a failure, except interruption, which leaves the
// session running and returns ErrInterrupted.
func (c *Coordinator) RunJob(ctx context.Context, payload JobPayload) error {
	claim, err := c.Ledger.Claim(ctx, payload.VideoID)
	if err != nil {
		return err
	}

	job := &JobInfo{
		JobID:     payload.JobID,
		VideoID:   payload.VideoID,
		Basename:  claim.Basename,
		Stage:     StageStarting,
		StartedAt: time.Now(),
	}
	c.jobs.Store(payload.JobID, job)
	defer c.jobs.Remove(payload.JobID)
	metrics.Metrics.JobsInFlight.Inc()
	defer metrics.Metrics.JobsInFlight.Dec()

	log.AddContext(payload.JobID, "video_id", payload.VideoID, "basename", claim.Basename)
	log.Log(payload.JobID, "job claimed", "source", log.RedactURL(claim.Source))

	err = c.runStages(ctx, job, claim)
	switch {
	case err == nil:
		metrics.Metrics.JobsCompleted.WithLabelValues("success").Inc()
		metrics.Metrics.JobDuration.Observe(time.Since(job.StartedAt).Seconds())
		if c.PlaybackURLs != nil {
			log.Log(payload.JobID, "video published", "playback_urls", strings.Join(c.PlaybackURLs(claim.Basename), ","))
		}
		return c.Ledger.Complete(ctx, claim.SessionID, ledger.OutcomeSuccess, "")
	case errors.Is(err, ErrInterrupted) || ctx.Err() != nil:
		// No ledger mutation on shutdown, the session keeps the video held
		metrics.Metrics.JobsCompleted.WithLabelValues("interrupted").Inc()
		log.Log(payload.JobID, "job interrupted, session left running")
		return ErrInterrupted
	default:
		metrics.Metrics.JobsCompleted.WithLabelValues("failure").Inc()
		log.LogError(payload.JobID, "job failed", err)
		if cerr := c.Ledger.Complete(context.WithoutCancel(ctx), claim.SessionID, ledger.OutcomeFailure, err.Error()); cerr != nil {
			log.LogError(payload.JobID, "failed to settle session after job failure", cerr)
		}
		return err
	}
}

func (c *Coordinator) runStages(ctx context.Context, job *JobInfo, claim *ledger.Claim) error {
	iv, err := c.Prober.Inspect(ctx, job.JobID, claim.Source)
	if err != nil {
		return fmt.Errorf("source inspection failed: %w", err)
	}
	profiles, err := c.Preset.SelectProfiles(iv)
	if err != nil {
		return fmt.Errorf("no usable renditions for source: %w", err)
	}
	params := transcode.Params{
		JobID:     job.JobID,
		Basename:  claim.Basename,
		SourceURL: claim.Source,
		TempURL:   c.TempURL,
		Preset:    c.Preset,
		Profiles:  profiles,
	}

	chunks, err := c.splitStage(ctx, job, params)
	if err != nil {
		return err
	}
	job.Chunks = len(chunks)

	if err := c.transcodeStage(ctx, job, params, chunks); err != nil {
		return err
	}

	c.setStage(job, StageConcatenating)
	start := time.Now()
	outDir, err := c.Invoker.ConcatAndSegment(ctx, params, chunks)
	if err != nil {
		if ctx.Err() != nil {
			return ErrInterrupted
		}
		return err
	}
	defer os.RemoveAll(outDir)
	metrics.Metrics.StageDuration.WithLabelValues(StageConcatenating).Observe(time.Since(start).Seconds())

	c.setStage(job, StagePublishing)
	start = time.Now()
	if err := c.publish(ctx, job, outDir); err != nil {
		return err
	}
	metrics.Metrics.StageDuration.WithLabelValues(StagePublishing).Observe(time.Since(start).Seconds())

	log.Log(job.JobID, "job complete", "chunks", len(chunks), "renditions", len(profiles))
	return nil
}

// splitStage produces the chunk set, reusing a previous attempt's when its
// completion checkpoint, the chunk playlist, is already in place.
func (c *Coordinator) splitStage(ctx context.Context, job *JobInfo, params transcode.Params) ([]clients.ChunkEntry, error) {
	c.setStage(job, StageSplitting)
	manifestURI := checkpoint.Resolve(c.TempURL, job.Basename, checkpoint.ChunkManifest())

	done, err := c.Store.Exists(ctx, manifestURI)
	if err != nil {
		return nil, fmt.Errorf("error checking split checkpoint: %w", err)
	}
	if done {
		log.Log(job.JobID, "split checkpoint found, reusing chunks")
		return clients.DownloadChunkManifest(ctx, c.Store, manifestURI)
	}

	start := time.Now()
	chunks, err := c.Invoker.Split(ctx, params)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrInterrupted
		}
		return nil, err
	}
	metrics.Metrics.StageDuration.WithLabelValues(StageSplitting).Observe(time.Since(start).Seconds())
	return chunks, nil
}

// transcodeStage works through chunks strictly in order, one engine process
// at a time. A chunk whose checkpoint object already exists is skipped, so a
// resumed job fast-forwards through everything a previous attempt finished.
// Shutdown is honored between chunks, never by abandoning one half-written.
func (c *Coordinator) transcodeStage(ctx context.Context, job *JobInfo, params transcode.Params, chunks []clients.ChunkEntry) error {
	c.setStage(job, StageTranscoding)
	start := time.Now()
	for i := range chunks {
		if ctx.Err() != nil {
			return ErrInterrupted
		}
		job.Chunk = i
		for _, profile := range params.Profiles {
			uri := checkpoint.Resolve(c.TempURL, job.Basename, checkpoint.TranscodedChunk(profile.Name, i))
			done, err := c.Store.Exists(ctx, uri)
			if err != nil {
				return fmt.Errorf("error checking chunk checkpoint: %w", err)
			}
			if done {
				metrics.Metrics.ChunksSkipped.Inc()
				continue
			}
			if err := c.Invoker.TranscodeChunk(ctx, params, i, profile); err != nil {
				if ctx.Err() != nil {
					return ErrInterrupted
				}
				return err
			}
			metrics.Metrics.ChunksTranscoded.Inc()
		}
	}
	metrics.Metrics.StageDuration.WithLabelValues(StageTranscoding).Observe(time.Since(start).Seconds())
	return nil
}

// publish copies the staged HLS tree to every result root. Destinations are
// independent: a root that fails is logged and skipped, and the job only
// fails when an object lands nowhere at all.
func (c *Coordinator) publish(ctx context.Context, job *JobInfo, outDir string) error {
	var degraded bool
	err := filepath.WalkDir(outDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(outDir, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		uris := make([]string, 0, len(c.ResultURLs))
		for _, root := range c.ResultURLs {
			uris = append(uris, checkpoint.Resolve(root, job.Basename, key))
		}
		ok, err := c.Store.WriteMany(ctx, uris, func() (io.ReadCloser, error) {
			return os.Open(path)
		})
		if err != nil {
			return fmt.Errorf("publishing %q failed everywhere: %w", key, err)
		}
		metrics.Metrics.PublishDestOK.Add(float64(ok))
		metrics.Metrics.PublishDestFailed.Add(float64(len(uris) - ok))
		if ok < len(uris) {
			degraded = true
			log.Log(job.JobID, "published with degraded redundancy", "object", key, "ok", ok, "want", len(uris))
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return ErrInterrupted
		}
		return err
	}
	if degraded {
		log.Log(job.JobID, "publish finished degraded, some destinations missed objects")
	}
	return nil
}

func (c *Coordinator) setStage(job *JobInfo, stage string) {
	job.Stage = stage
	log.Log(job.JobID, "entering stage", "stage", stage)
}
