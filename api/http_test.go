package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vodworks/vod-pipeline/pipeline"
)

type fakeAdmin struct {
	running     bool
	reclaimed   int64
	requeueErr  error
	requeued    []int64
	reclaimedID int64
}

func (f *fakeAdmin) ForceReclaim(ctx context.Context, videoID int64) (int64, error) {
	f.reclaimedID = videoID
	return f.reclaimed, nil
}

func (f *fakeAdmin) IsRunning(ctx context.Context, videoID int64) (bool, error) {
	return f.running, nil
}

func (f *fakeAdmin) Requeue(ctx context.Context, videoID int64) error {
	if f.requeueErr != nil {
		return f.requeueErr
	}
	f.requeued = append(f.requeued, videoID)
	return nil
}

func testServer(admin *fakeAdmin) *httptest.Server {
	coord := &pipeline.Coordinator{}
	return httptest.NewServer(NewRouter(coord, admin))
}

func TestHealthcheck(t *testing.T) {
	srv := testServer(&fakeAdmin{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/ok")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	require.Equal(t, "OK", string(body))
}

func TestMetricsEndpoint(t *testing.T) {
	srv := testServer(&fakeAdmin{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRunningStatus(t *testing.T) {
	admin := &fakeAdmin{running: true}
	srv := testServer(admin)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/videos/42/running")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]bool
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.True(t, body["running"])
}

func TestReclaim(t *testing.T) {
	admin := &fakeAdmin{reclaimed: 1}
	srv := testServer(admin)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/videos/42/reclaim", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 42, admin.reclaimedID)

	var body map[string]int64
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.EqualValues(t, 1, body["reclaimed"])
}

func TestRequeue(t *testing.T) {
	admin := &fakeAdmin{}
	srv := testServer(admin)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/videos/42/requeue", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []int64{42}, admin.requeued)
}

func TestRequeueConflict(t *testing.T) {
	admin := &fakeAdmin{requeueErr: fmt.Errorf("video 42 not in error state")}
	srv := testServer(admin)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/videos/42/requeue", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestBadVideoID(t *testing.T) {
	srv := testServer(&fakeAdmin{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/videos/notanumber/running")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
