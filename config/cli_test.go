package config

import (
	"flag"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestURLSliceVarFlag(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var urls []*url.URL
	URLSliceVarFlag(fs, &urls, "result-storage", "", "")

	require.NoError(t, fs.Parse([]string{"-result-storage", "file:///data/results,http://origin:8080/results"}))
	require.Len(t, urls, 2)
	require.Equal(t, "file", urls[0].Scheme)
	require.Equal(t, "http://origin:8080/results", urls[1].String())
}

func TestPlaybackURL(t *testing.T) {
	cli := &Cli{VideoURLTemplate: "{edge}/results/{basename}/index.m3u8"}
	edge, _ := url.Parse("http://edge-1.example.com/")
	require.Equal(t,
		"http://edge-1.example.com/results/c0ffee/index.m3u8",
		cli.PlaybackURL(edge, "c0ffee"),
	)
}

func TestValidate(t *testing.T) {
	temp, _ := url.Parse("file:///data/tmp")
	results, _ := url.Parse("file:///data/results")
	cli := &Cli{
		TempStorageURL:     temp,
		ResultStorageURLs:  []*url.URL{results},
		StorageWriteMethod: "PUT",
		ChunkDuration:      60 * time.Second,
		SegmentDuration:    4 * time.Second,
	}
	require.NoError(t, cli.Validate())

	cli.StorageWriteMethod = "PATCH"
	require.Error(t, cli.Validate())

	cli.StorageWriteMethod = "POST"
	cli.SegmentDuration = 2 * time.Minute
	require.Error(t, cli.Validate())

	cli.SegmentDuration = 4 * time.Second
	cli.ResultStorageURLs = nil
	require.Error(t, cli.Validate())
}
