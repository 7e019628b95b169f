package config

import (
	"flag"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Cli is the full configuration surface of the worker, populated once in
// main() and handed to component constructors. Core logic never reads flags
// or environment variables directly.
type Cli struct {
	HTTPAddress        string
	DatabaseURL        string
	AMQPConnectionURL  string
	QueueName          string
	TempStorageURL     *url.URL
	ResultStorageURLs  []*url.URL
	EdgeURLs           []*url.URL
	VideoURLTemplate   string
	StorageWriteMethod string
	ConnectTimeout     time.Duration
	RequestTimeout     time.Duration
	ChunkDuration      time.Duration
	SegmentDuration    time.Duration
	StopGracePeriod    time.Duration
	RetryCountdown     time.Duration
	WorkDir            string
}

// PlaybackURL renders the public playlist link for a published video on the
// given edge host. Edge selection is left to the player.
func (cli *Cli) PlaybackURL(edge *url.URL, basename string) string {
	u := strings.ReplaceAll(cli.VideoURLTemplate, "{edge}", strings.TrimRight(edge.String(), "/"))
	return strings.ReplaceAll(u, "{basename}", basename)
}

func parseURL(s string, dest **url.URL) error {
	u, err := url.Parse(s)
	if err != nil {
		return err
	}
	if _, err = url.ParseQuery(u.RawQuery); err != nil {
		return err
	}
	*dest = u
	return nil
}

func URLVarFlag(fs *flag.FlagSet, dest **url.URL, name, value, usage string) {
	if err := parseURL(value, dest); err != nil {
		panic(err)
	}
	fs.Func(name, usage, func(s string) error {
		return parseURL(s, dest)
	})
}

func URLSliceVarFlag(fs *flag.FlagSet, dest *[]*url.URL, name, value, usage string) {
	if err := parseURLs(value, dest); err != nil {
		panic(err)
	}
	fs.Func(name, usage, func(s string) error {
		return parseURLs(s, dest)
	})
}

func parseURLs(s string, dest *[]*url.URL) error {
	if s == "" {
		*dest = nil
		return nil
	}
	strs := strings.Split(s, ",")
	urls := make([]*url.URL, len(strs))
	for i, str := range strs {
		if err := parseURL(str, &urls[i]); err != nil {
			return err
		}
	}
	*dest = urls
	return nil
}

// Validate checks the parts of the configuration without usable defaults.
func (cli *Cli) Validate() error {
	if cli.TempStorageURL == nil || cli.TempStorageURL.String() == "" {
		return fmt.Errorf("temp-storage is required")
	}
	if len(cli.ResultStorageURLs) == 0 {
		return fmt.Errorf("at least one result-storage URL is required")
	}
	switch cli.StorageWriteMethod {
	case "PUT", "POST":
	default:
		return fmt.Errorf("storage-write-method must be PUT or POST, got %q", cli.StorageWriteMethod)
	}
	if cli.ChunkDuration < cli.SegmentDuration {
		return fmt.Errorf("chunk-duration %s must not be shorter than segment-duration %s", cli.ChunkDuration, cli.SegmentDuration)
	}
	return nil
}
