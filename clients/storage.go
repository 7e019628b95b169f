package clients

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	xerrors "github.com/vodworks/vod-pipeline/errors"
	"github.com/vodworks/vod-pipeline/log"
)

// Storage gives the pipeline uniform access to artifact locations addressed
// by URI. file:// maps to local path operations with directory auto-creation,
// http:// and https:// map to HEAD/GET plus PUT or POST uploads. The write
// verb is configurable because some deployments sit behind servers whose
// chunked-output handling cannot accept PUT.
type Storage struct {
	httpClient  *http.Client
	writeMethod string
}

func NewStorage(connectTimeout, requestTimeout time.Duration, writeMethod string) *Storage {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.Logger = nil
	client.HTTPClient = &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout: connectTimeout,
			}).DialContext,
		},
		// Pipeline jobs must stay cancellable, so every request gets a
		// finite deadline even when the caller's context has none.
		Timeout: requestTimeout,
	}
	return &Storage{
		httpClient:  client.StandardClient(),
		writeMethod: writeMethod,
	}
}

// Exists reports whether an object is present at uri. A missing object is not
// an error; errors mean the answer could not be determined.
func (s *Storage) Exists(ctx context.Context, uri string) (bool, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return false, xerrors.Unretriable(fmt.Errorf("invalid storage URI %q: %w", uri, err))
	}
	switch u.Scheme {
	case "file":
		_, err := os.Stat(u.Path)
		if os.IsNotExist(err) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("stat %q: %w", u.Path, err)
		}
		return true, nil
	case "http", "https":
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, uri, nil)
		if err != nil {
			return false, xerrors.Unretriable(fmt.Errorf("error creating http request: %w", err))
		}
		resp, err := s.httpClient.Do(req)
		if err != nil {
			return false, fmt.Errorf("error on existence request for %s: %w", log.RedactURL(uri), err)
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			return false, nil
		}
		if resp.StatusCode >= 300 {
			return false, fmt.Errorf("bad status code from existence request for %s: %d", log.RedactURL(uri), resp.StatusCode)
		}
		return true, nil
	default:
		return false, xerrors.Unretriable(fmt.Errorf("unsupported storage scheme %q", u.Scheme))
	}
}

// Read opens the object at uri for reading. Missing objects yield an
// ObjectNotFoundError.
func (s *Storage) Read(ctx context.Context, uri string) (io.ReadCloser, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, xerrors.Unretriable(fmt.Errorf("invalid storage URI %q: %w", uri, err))
	}
	switch u.Scheme {
	case "file":
		f, err := os.Open(u.Path)
		if os.IsNotExist(err) {
			return nil, xerrors.NewObjectNotFoundError(fmt.Sprintf("object not found: %s", u.Path), err)
		}
		if err != nil {
			return nil, fmt.Errorf("open %q: %w", u.Path, err)
		}
		return f, nil
	case "http", "https":
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
		if err != nil {
			return nil, xerrors.Unretriable(fmt.Errorf("error creating http request: %w", err))
		}
		resp, err := s.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("error on read request for %s: %w", log.RedactURL(uri), err)
		}
		if resp.StatusCode == http.StatusNotFound {
			resp.Body.Close()
			return nil, xerrors.NewObjectNotFoundError(fmt.Sprintf("object not found: %s", log.RedactURL(uri)), nil)
		}
		if resp.StatusCode >= 300 {
			resp.Body.Close()
			err := fmt.Errorf("bad status code from read request for %s: %d", log.RedactURL(uri), resp.StatusCode)
			if resp.StatusCode < 500 {
				err = xerrors.Unretriable(err)
			}
			return nil, err
		}
		return resp.Body, nil
	default:
		return nil, xerrors.Unretriable(fmt.Errorf("unsupported storage scheme %q", u.Scheme))
	}
}

// Write stores data under uri, failing fast on the first error. Local writes
// go through a temporary name in the destination directory and are renamed
// into place, so an interrupted write never leaves a name indistinguishable
// from a complete artifact.
func (s *Storage) Write(ctx context.Context, uri string, data io.Reader) error {
	u, err := url.Parse(uri)
	if err != nil {
		return xerrors.Unretriable(fmt.Errorf("invalid storage URI %q: %w", uri, err))
	}
	switch u.Scheme {
	case "file":
		return writeLocal(u.Path, data)
	case "http", "https":
		req, err := http.NewRequestWithContext(ctx, s.writeMethod, uri, data)
		if err != nil {
			return xerrors.Unretriable(fmt.Errorf("error creating http request: %w", err))
		}
		resp, err := s.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("error on write request for %s: %w", log.RedactURL(uri), err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			err := fmt.Errorf("bad status code from write request for %s: %d", log.RedactURL(uri), resp.StatusCode)
			if resp.StatusCode < 500 {
				err = xerrors.Unretriable(err)
			}
			return err
		}
		return nil
	default:
		return xerrors.Unretriable(fmt.Errorf("unsupported storage scheme %q", u.Scheme))
	}
}

func writeLocal(path string, data io.Reader) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("mkdir %q: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file in %q: %w", dir, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %q: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %q: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename %q into place: %w", path, err)
	}
	return nil
}

// WriteMany writes one object to every destination URI independently and
// returns the number of destinations that succeeded. Partial success is for
// the caller to treat as degraded; zero successes returns the last error.
// This trades strict consistency for availability: a published video with one
// live origin beats a failed job with none.
func (s *Storage) WriteMany(ctx context.Context, uris []string, open func() (io.ReadCloser, error)) (int, error) {
	var ok int
	var lastErr error
	for _, uri := range uris {
		data, err := open()
		if err != nil {
			return ok, fmt.Errorf("error opening source for %s: %w", log.RedactURL(uri), err)
		}
		err = s.Write(ctx, uri, data)
		data.Close()
		if err != nil {
			lastErr = err
			log.LogNoJobID("redundant write failed", "dest", log.RedactURL(uri), "err", err)
			continue
		}
		ok++
	}
	if ok == 0 && lastErr != nil {
		return 0, fmt.Errorf("all %d destinations failed: %w", len(uris), lastErr)
	}
	return ok, nil
}
