package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type ClientMetrics struct {
	RetryCount      *prometheus.GaugeVec
	FailureCount    *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

type TranscodeAPIMetrics struct {
	UploadRequestCount         prometheus.Counter
	UploadRequestDurationSec   *prometheus.SummaryVec
	JobsStarted                *prometheus.CounterVec
	JobsCompleted              *prometheus.CounterVec
	JobsFailed                 *prometheus.CounterVec
	JobsStalled                *prometheus.CounterVec
	StageDurationSec           *prometheus.HistogramVec
	EncodeDurationSec          *prometheus.HistogramVec
	QueueDepth                 *prometheus.GaugeVec
	PlaylistRewriteDurationSec prometheus.Histogram
	SegmentBytesProxied        prometheus.Counter

	WebhookClient     ClientMetrics
	ObjectStoreClient ClientMetrics
}

func NewMetrics() *TranscodeAPIMetrics {
	m := &TranscodeAPIMetrics{
		// /v1/upload request metrics
		UploadRequestCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: "upload_request_count",
			Help: "The total number of requests to /v1/upload",
		}),
		UploadRequestDurationSec: promauto.NewSummaryVec(prometheus.SummaryOpts{
			Name: "upload_request_duration_seconds",
			Help: "The latency of the requests made to /v1/upload in seconds broken up by success and status code",
		}, []string{"success", "status_code"}),

		// job lifecycle metrics, labelled by queue lane
		JobsStarted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "transcode_jobs_started_count",
			Help: "The total number of jobs moved into processing, by queue",
		}, []string{"queue"}),
		JobsCompleted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "transcode_jobs_completed_count",
			Help: "The total number of jobs that reached completed, by queue",
		}, []string{"queue"}),
		JobsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "transcode_jobs_failed_count",
			Help: "The total number of jobs that reached failed, by queue",
		}, []string{"queue"}),
		JobsStalled: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "transcode_jobs_stalled_count",
			Help: "The total number of stall recoveries, by queue",
		}, []string{"queue"}),
		StageDurationSec: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "transcode_stage_duration_seconds",
			Help:    "Time taken to run one stage of a job end to end",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"queue", "success"}),
		EncodeDurationSec: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "transcode_encode_duration_seconds",
			Help:    "Time taken to encode a single rendition",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"resolution"}),
		QueueDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "transcode_queue_depth",
			Help: "Number of queue entries by queue and state",
		}, []string{"queue", "state"}),

		// hls proxy metrics
		PlaylistRewriteDurationSec: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "hls_playlist_rewrite_duration_seconds",
			Help:    "Time taken to fetch and rewrite a playlist",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		SegmentBytesProxied: promauto.NewCounter(prometheus.CounterOpts{
			Name: "hls_segment_bytes_proxied",
			Help: "Total segment bytes streamed through the proxy",
		}),

		// Clients metrics

		WebhookClient: ClientMetrics{
			RetryCount: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "webhook_client_retry_count",
				Help: "The number of retries needed for a successful webhook delivery",
			}, []string{"host"}),
			FailureCount: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "webhook_client_failure_count",
				Help: "The total number of failed webhook deliveries",
			}, []string{"host", "status_code"}),
			RequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "webhook_client_request_duration",
				Help:    "Time taken to deliver a webhook",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			}, []string{"host"}),
		},
		ObjectStoreClient: ClientMetrics{
			RetryCount: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "object_store_retry_count",
				Help: "The number of retries needed for a successful object store call",
			}, []string{"host", "operation"}),
			FailureCount: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "object_store_failure_count",
				Help: "The total number of failed object store calls",
			}, []string{"host", "operation"}),
			RequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "object_store_request_duration",
				Help:    "Time taken for object store calls",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			}, []string{"host", "operation"}),
		},
	}

	return m
}

var Metrics = NewMetrics()
