// Package metrics exposes Prometheus collectors for the balance guard.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const namespace = "balanceguard"

var (
	ProtectionChecksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "protection_checks_total",
		Help: "Protection decisions by operation type and outcome",
	}, []string{"operation_type", "outcome"})

	ProtectionCheckSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Name: "protection_check_seconds",
		Help:    "Latency of a protection decision",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	})

	BalanceCacheTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "balance_cache_total",
		Help: "Provider balance reads by cache source (fresh, cached, stale)",
	}, []string{"provider", "source"})

	ProviderErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "provider_errors_total",
		Help: "Provider balance fetch failures",
	}, []string{"provider"})

	ProviderBalance = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Name: "provider_balance",
		Help: "Last observed provider balance",
	}, []string{"provider", "currency"})

	AlertsSentTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "alerts_sent_total",
		Help: "Balance alerts dispatched",
	}, []string{"provider", "level"})

	NotificationsDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "notifications_dropped_total",
		Help: "Admin notifications dropped because the dispatch queue was full",
	})

	AuditWriteFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "audit_write_failures_total",
		Help: "Protection audit rows that failed to persist",
	})
)

// Init registers every collector on a fresh registry.
func Init(logger zerolog.Logger) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	toRegister := []prometheus.Collector{
		ProtectionChecksTotal, ProtectionCheckSeconds, BalanceCacheTotal, ProviderErrorsTotal,
		ProviderBalance, AlertsSentTotal, NotificationsDroppedTotal, AuditWriteFailuresTotal,
		collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}
	for _, c := range toRegister {
		if err := reg.Register(c); err != nil {
			logger.Warn().Err(err).Msg("metric registration failed")
		}
	}
	logger.Info().Msg("prometheus metrics initialized")
	return reg
}

// Handler serves the registry in the Prometheus text format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
