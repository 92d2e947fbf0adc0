package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TransportRequests 按调用与结果统计对任务后端的请求。
	TransportRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pbpanel",
		Subsystem: "transport",
		Name:      "requests_total",
		Help:      "Requests sent to the job backend.",
	}, []string{"call", "outcome"})

	TransportDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pbpanel",
		Subsystem: "transport",
		Name:      "request_duration_seconds",
		Help:      "Job backend request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"call"})

	PollTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pbpanel",
		Subsystem: "poller",
		Name:      "ticks_total",
		Help:      "Polling ticks by job kind and outcome.",
	}, []string{"kind", "outcome"})

	// PollState 为 1 表示处于 POLLING。
	PollState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pbpanel",
		Subsystem: "poller",
		Name:      "polling",
		Help:      "1 while the poller for a job kind is polling.",
	}, []string{"kind"})

	BackendJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pbpanel",
		Subsystem: "backend",
		Name:      "jobs_total",
		Help:      "Jobs finished by the job backend by kind and final status.",
	}, []string{"kind", "status"})
)
