// Package metrics exposes the kernel's Prometheus surface. The
// registry is per-instance, never the global default, so tests can
// build as many as they want.
package metrics

import (
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// InternalOnlyEnv relocates the scrape endpoint from /metrics to
// /internal/metrics when set to a truthy value.
const InternalOnlyEnv = "METRICS_INTERNAL_ONLY"

// InternalOnly reports whether the env toggle holds a truthy value
// (1, true, yes, on; any case).
func InternalOnly() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(InternalOnlyEnv))) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Registry owns the kernel metrics.
type Registry struct {
	reg       *prometheus.Registry
	ticks     *prometheus.CounterVec
	startedAt time.Time
	startOnce sync.Once
}

// New builds a registry with kernel_uptime_seconds and
// kernel_ticks_total registered.
func New() *Registry {
	r := &Registry{
		reg:       prometheus.NewRegistry(),
		startedAt: time.Now(),
	}

	r.reg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "kernel_uptime_seconds",
			Help: "Seconds since the kernel started.",
		},
		func() float64 { return time.Since(r.startedAt).Seconds() },
	))

	r.ticks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kernel_ticks_total",
			Help: "Drive executions recorded by the scheduler.",
		},
		[]string{"drive"},
	)
	r.reg.MustRegister(r.ticks)

	return r
}

// MarkStarted pins the uptime origin to the daemon's actual start, not
// registry construction. Only the first call wins.
func (r *Registry) MarkStarted(t time.Time) {
	r.startOnce.Do(func() { r.startedAt = t })
}

// RecordTick counts one execution of a drive. The label value appears
// on first use, so the counter carries one series per drive ever
// observed.
func (r *Registry) RecordTick(drive string) {
	r.ticks.WithLabelValues(drive).Inc()
}

// SeedTicks primes the per-drive counters from persisted totals so the
// series survive a restart.
func (r *Registry) SeedTicks(counts map[string]int64) {
	for drive, n := range counts {
		r.ticks.WithLabelValues(drive).Add(float64(n))
	}
}

// Handler returns the scrape handler bound to this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
