// Package metrics exposes the scheduler's own health signals —
// preemptions, forced terminations, penalty sleeps, per-VM memory
// usage — as Prometheus collectors, in the registry-plus-promhttp
// style of oriys-nova/internal/metrics/prometheus.go. Wiring these
// counters into the hot path is internal/sched's job (see
// internal/sched/vm.go); this package only owns the collectors
// and the optional HTTP listener that serves them.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors is the fixed set of scheduler metrics this service
// exports. A nil *Collectors is valid and every Record*/Set* method on
// it becomes a no-op, so internal/sched can record against it
// unconditionally whether or not metrics were enabled at startup.
type Collectors struct {
	registry *prometheus.Registry

	preemptionsTotal     prometheus.Counter
	forceTerminatesTotal prometheus.Counter
	penaltySleepsTotal   prometheus.Counter
	vmMemoryUsedBytes    *prometheus.GaugeVec
	vmScriptCount        *prometheus.GaugeVec
}

// New constructs a registered set of collectors under namespace
// "townscript".
func New() *Collectors {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	c := &Collectors{
		registry: registry,
		preemptionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "townscript",
			Name:      "preemptions_total",
			Help:      "Total number of CPU-time preemptions across every VM.",
		}),
		forceTerminatesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "townscript",
			Name:      "force_terminates_total",
			Help:      "Total number of threads stopped for exceeding their strike limit.",
		}),
		penaltySleepsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "townscript",
			Name:      "penalty_sleeps_total",
			Help:      "Total number of forced penalty sleeps imposed on runaway threads (including rate-limit rejections, which share the same strike path).",
		}),
		vmMemoryUsedBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "townscript",
			Name:      "vm_memory_used_bytes",
			Help:      "Bytes currently allocated against a VM's memory cap.",
		}, []string{"user_id"}),
		vmScriptCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "townscript",
			Name:      "vm_script_count",
			Help:      "Number of live Scripts in a VM.",
		}, []string{"user_id"}),
	}

	registry.MustRegister(
		c.preemptionsTotal,
		c.forceTerminatesTotal,
		c.penaltySleepsTotal,
		c.vmMemoryUsedBytes,
		c.vmScriptCount,
	)
	return c
}

func (c *Collectors) RecordPreempt() {
	if c == nil {
		return
	}
	c.preemptionsTotal.Inc()
}

func (c *Collectors) RecordForceTerminate() {
	if c == nil {
		return
	}
	c.forceTerminatesTotal.Inc()
}

func (c *Collectors) RecordPenaltySleep() {
	if c == nil {
		return
	}
	c.penaltySleepsTotal.Inc()
}

func (c *Collectors) SetVMMemoryUsed(userID string, bytes int64) {
	if c == nil {
		return
	}
	c.vmMemoryUsedBytes.WithLabelValues(userID).Set(float64(bytes))
}

func (c *Collectors) SetVMScriptCount(userID string, count int) {
	if c == nil {
		return
	}
	c.vmScriptCount.WithLabelValues(userID).Set(float64(count))
}

// Handler returns the /metrics HTTP handler for these collectors.
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Serve starts an HTTP server exposing /metrics on addr (it listens on
// addr exactly as given; it is loopback-only only if addr is), and
// blocks until ctx is cancelled, at which point the server is shut
// down. Intended to run on its own goroutine from cmd/townscriptd.
func (c *Collectors) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return srv.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}
