// internal/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HttpRequestsTotal counts admin API requests.
	HttpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of http requests handled by the service.",
		},
		[]string{"path", "method", "code"},
	)

	// FramesTotal counts protocol frames by direction (sent/received) and frame type.
	FramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frames_total",
			Help: "Total number of protocol frames sent or received.",
		},
		[]string{"direction", "type"},
	)

	// FrameErrorsTotal counts frames rejected on decode, by reason (checksum/protocol).
	FrameErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frame_errors_total",
			Help: "Total number of frames rejected on decode.",
		},
		[]string{"reason"},
	)

	// SessionsTotal counts finished transfer sessions by outcome.
	SessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessions_total",
			Help: "Total number of transfer sessions by terminal outcome.",
		},
		[]string{"worker_type", "outcome"},
	)

	// ActiveSessions is the number of sessions currently held by the worker.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "active_sessions",
			Help: "Number of transfer sessions currently tracked, attached or detached.",
		},
	)

	// TransferBytesTotal counts payload bytes moved, by stage (upload/download).
	TransferBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transfer_bytes_total",
			Help: "Total payload bytes transferred by stage.",
		},
		[]string{"stage"},
	)

	// RegisteredWorkers is the number of workers in the registry by type.
	RegisteredWorkers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "registered_workers",
			Help: "Number of workers currently registered with the dispatcher.",
		},
		[]string{"worker_type"},
	)

	// DispatchTotal counts worker selections by type and result (assigned/no_worker).
	DispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_total",
			Help: "Total number of worker selection requests.",
		},
		[]string{"worker_type", "result"},
	)

	// DistortDuration observes backend run time by worker type and status.
	DistortDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "distort_duration_seconds",
			Help:    "Time spent inside distortion backends.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "status"},
	)
)
