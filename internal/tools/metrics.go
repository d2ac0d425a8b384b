package tools

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	execDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "antigravity",
		Subsystem: "tools",
		Name:      "execution_duration_seconds",
		Help:      "Tool execution latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"tool"})

	execTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "antigravity",
		Subsystem: "tools",
		Name:      "executions_total",
		Help:      "Tool executions by outcome.",
	}, []string{"tool", "outcome"})

	execRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "antigravity",
		Subsystem: "tools",
		Name:      "retries_total",
		Help:      "Transient-failure retries by tool.",
	}, []string{"tool"})
)
