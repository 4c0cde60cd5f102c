package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	EnqueuedJobs  prometheus.Counter
	ProcessedJobs prometheus.Counter
	FailedJobs    prometheus.Counter
	UpdatesTotal  prometheus.Counter

	Turns        *prometheus.CounterVec
	ToolCalls    *prometheus.CounterVec
	Approvals    *prometheus.CounterVec
	CacheLookups *prometheus.CounterVec
	TurnDuration prometheus.Histogram
	ActiveTurns  prometheus.Gauge
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			EnqueuedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "notebot",
				Name:      "queue_enqueued_total",
				Help:      "Total turn jobs enqueued to redis stream",
			}),
			ProcessedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "notebot",
				Name:      "queue_processed_total",
				Help:      "Total turn jobs successfully processed",
			}),
			FailedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "notebot",
				Name:      "queue_failed_total",
				Help:      "Total turn jobs failed during processing",
			}),
			UpdatesTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "notebot",
				Name:      "telegram_updates_total",
				Help:      "Total telegram updates received",
			}),
			Turns: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "notebot",
				Name:      "turns_total",
				Help:      "Finished turns by outcome",
			}, []string{"outcome"}),
			ToolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "notebot",
				Name:      "tool_calls_total",
				Help:      "Tool calls observed by policy decision",
			}, []string{"decision"}),
			Approvals: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "notebot",
				Name:      "approvals_total",
				Help:      "Approval requests by resulting status",
			}, []string{"status"}),
			CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "notebot",
				Name:      "response_cache_lookups_total",
				Help:      "Response cache lookups by result",
			}, []string{"result"}),
			TurnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "notebot",
				Name:      "turn_duration_seconds",
				Help:      "Wall time of a turn from submit to done",
				Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
			}),
			ActiveTurns: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "notebot",
				Name:      "turns_active",
				Help:      "Turns currently in flight in this process",
			}),
		}
		prometheus.MustRegister(
			global.EnqueuedJobs, global.ProcessedJobs, global.FailedJobs, global.UpdatesTotal,
			global.Turns, global.ToolCalls, global.Approvals, global.CacheLookups,
			global.TurnDuration, global.ActiveTurns,
		)
	})
	return global
}
