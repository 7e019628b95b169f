package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PipelineMetrics struct {
	Version           *prometheus.GaugeVec
	JobsInFlight      prometheus.Gauge
	JobsCompleted     *prometheus.CounterVec
	JobDuration       prometheus.Histogram
	StageDuration     *prometheus.HistogramVec
	ChunksTranscoded  prometheus.Counter
	ChunksSkipped     prometheus.Counter
	PublishDestOK     prometheus.Counter
	PublishDestFailed prometheus.Counter
	QueueDeliveries   *prometheus.CounterVec
	ClaimConflicts    prometheus.Counter
}

var Metrics = NewMetrics()

func NewMetrics() *PipelineMetrics {
	return &PipelineMetrics{
		Version: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "version",
			Help: "Current build version",
		}, []string{"app", "version"}),
		JobsInFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vod_jobs_in_flight",
			Help: "Number of transcode jobs currently running",
		}),
		JobsCompleted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vod_jobs_completed_total",
			Help: "Count of finished transcode jobs by result",
		}, []string{"result"}),
		JobDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "vod_job_duration_seconds",
			Help:    "End to end duration of successful transcode jobs",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12),
		}),
		StageDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vod_stage_duration_seconds",
			Help:    "Duration of individual pipeline stages",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}, []string{"stage"}),
		ChunksTranscoded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vod_chunks_transcoded_total",
			Help: "Count of chunk transcodes actually executed",
		}),
		ChunksSkipped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vod_chunks_skipped_total",
			Help: "Count of chunk transcodes skipped because a checkpoint already existed",
		}),
		PublishDestOK: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vod_publish_destinations_ok_total",
			Help: "Count of successful writes to publish destinations",
		}),
		PublishDestFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vod_publish_destinations_failed_total",
			Help: "Count of failed writes to publish destinations",
		}),
		QueueDeliveries: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vod_queue_deliveries_total",
			Help: "Count of queue deliveries by disposition",
		}, []string{"disposition"}),
		ClaimConflicts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vod_claim_conflicts_total",
			Help: "Count of deliveries rejected because another session held the video",
		}),
	}
}
