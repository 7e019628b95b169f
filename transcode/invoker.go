// Package transcode wraps the external ffmpeg engine for the three pipeline
// jobs: splitting a source into fixed-duration chunks, transcoding one chunk
// to one rendition, and concatenating transcoded chunks into the final HLS
// output. Every operation spawns exactly one engine process, streams its
// diagnostics, and supports cooperative termination through the caller's
// context.
package transcode

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/vodworks/vod-pipeline/checkpoint"
	"github.com/vodworks/vod-pipeline/log"
	"github.com/vodworks/vod-pipeline/video"
)

// Storage is the part of the storage client the invoker needs.
type Storage interface {
	Read(ctx context.Context, uri string) (io.ReadCloser, error)
	Write(ctx context.Context, uri string, data io.Reader) error
}

// Params carries the job identity and locations shared by all stages.
type Params struct {
	JobID     string
	Basename  string
	SourceURL string
	TempURL   *url.URL
	Preset    video.Preset
	Profiles  []video.Profile
}

type Invoker struct {
	Store       Storage
	WorkDir     string
	GracePeriod time.Duration
}

func NewInvoker(store Storage, workDir string, gracePeriod time.Duration) *Invoker {
	return &Invoker{
		Store:       store,
		WorkDir:     workDir,
		GracePeriod: gracePeriod,
	}
}

func (inv *Invoker) scratchDir(stage string) (string, error) {
	dir, err := os.MkdirTemp(inv.WorkDir, "vod-"+stage+"-*")
	if err != nil {
		return "", fmt.Errorf("error creating scratch dir for %s stage: %w", stage, err)
	}
	return dir, nil
}

// download copies a storage object to a local scratch path.
func (inv *Invoker) download(ctx context.Context, uri, localPath string) error {
	rc, err := inv.Store.Read(ctx, uri)
	if err != nil {
		return fmt.Errorf("error downloading %s: %w", log.RedactURL(uri), err)
	}
	defer rc.Close()
	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return fmt.Errorf("mkdir for %q: %w", localPath, err)
	}
	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("error creating %q: %w", localPath, err)
	}
	defer f.Close()
	if _, err := io.Copy(f, rc); err != nil {
		return fmt.Errorf("error downloading %s to %q: %w", log.RedactURL(uri), localPath, err)
	}
	return nil
}

// upload copies a local scratch file to a storage object.
func (inv *Invoker) upload(ctx context.Context, localPath, uri string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("error opening %q: %w", localPath, err)
	}
	defer f.Close()
	if err := inv.Store.Write(ctx, uri, f); err != nil {
		return fmt.Errorf("error uploading %q to %s: %w", localPath, log.RedactURL(uri), err)
	}
	return nil
}

func (inv *Invoker) tempURI(p Params, key string) string {
	return checkpoint.Resolve(p.TempURL, p.Basename, key)
}
