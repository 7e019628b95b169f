// Package api exposes the worker's operational surface: health, metrics,
// running job status and the operator actions on the session ledger. The
// pipeline itself is driven by the queue, not by this API.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vodworks/vod-pipeline/config"
	"github.com/vodworks/vod-pipeline/log"
	"github.com/vodworks/vod-pipeline/pipeline"
)

// LedgerAdmin is the slice of the ledger exposed to operators. Reclaiming is
// deliberately manual, so it lives here and nowhere else.
type LedgerAdmin interface {
	ForceReclaim(ctx context.Context, videoID int64) (int64, error)
	IsRunning(ctx context.Context, videoID int64) (bool, error)
	Requeue(ctx context.Context, videoID int64) error
}

func ListenAndServe(ctx context.Context, addr string, coord *pipeline.Coordinator, admin LedgerAdmin) error {
	router := NewRouter(coord, admin)
	server := &http.Server{
		Addr:              addr,
		ReadHeaderTimeout: 10 * time.Second,
		Handler:           router,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.LogNoJobID("listening", "addr", addr, "version", config.Version)
	err := server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func NewRouter(coord *pipeline.Coordinator, admin LedgerAdmin) *httprouter.Router {
	router := httprouter.New()

	router.GET("/ok", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "OK")
	})
	router.Handler("GET", "/metrics", promhttp.Handler())

	router.GET("/jobs", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		writeJSON(w, http.StatusOK, coord.Jobs())
	})

	router.GET("/videos/:id/running", func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
		videoID, err := parseVideoID(params)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		running, err := admin.IsRunning(r.Context(), videoID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"running": running})
	})

	router.POST("/videos/:id/reclaim", func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
		videoID, err := parseVideoID(params)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		reclaimed, err := admin.ForceReclaim(r.Context(), videoID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		log.LogNoJobID("operator reclaimed sessions", "video_id", videoID, "sessions", reclaimed)
		writeJSON(w, http.StatusOK, map[string]int64{"reclaimed": reclaimed})
	})

	router.POST("/videos/:id/requeue", func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
		videoID, err := parseVideoID(params)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := admin.Requeue(r.Context(), videoID); err != nil {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "queued"})
	})

	return router
}

func parseVideoID(params httprouter.Params) (int64, error) {
	videoID, err := strconv.ParseInt(params.ByName("id"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid video id %q", params.ByName("id"))
	}
	return videoID, nil
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
