package metrics

import (
	"context"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/core-tools/hsu-scanmaster/pkg/errors"
	"github.com/core-tools/hsu-scanmaster/pkg/supervisor"
)

const namespace = "scanmaster"

var allStatuses = []supervisor.Status{
	supervisor.StatusIdle,
	supervisor.StatusRunning,
	supervisor.StatusPaused,
	supervisor.StatusHitDetected,
	supervisor.StatusCompleted,
	supervisor.StatusError,
	supervisor.StatusStopped,
}

// Recorder turns the supervisor event stream into Prometheus metrics.
// It owns a private registry so several recorders can coexist in tests.
type Recorder struct {
	registry *prometheus.Registry

	scansTotal        prometheus.Counter
	linesTotal        prometheus.Counter
	transitionsTotal  *prometheus.CounterVec
	currentStatus     *prometheus.GaugeVec
	elapsedSeconds    prometheus.Gauge
	lastSessionFailed prometheus.Gauge

	mu          sync.Mutex
	lastSession string
}

func NewRecorder() (*Recorder, error) {
	r := &Recorder{registry: prometheus.NewRegistry()}

	r.scansTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scans_total",
		Help:      "Total number of scan sessions started",
	})
	r.linesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "lines_forwarded_total",
		Help:      "Total number of scanner lines forwarded to subscribers",
	})
	r.transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "status_transitions_total",
		Help:      "Total number of status changes by target status",
	}, []string{"status"})
	r.currentStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "status",
		Help:      "Current supervisor status (1 for the active status, 0 otherwise)",
	}, []string{"status"})
	r.elapsedSeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "elapsed_seconds",
		Help:      "Wall time of the current or last scan in seconds",
	})
	r.lastSessionFailed = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_scan_failed",
		Help:      "1 if the last scan ended in the error status",
	})

	collectors := []prometheus.Collector{
		r.scansTotal,
		r.linesTotal,
		r.transitionsTotal,
		r.currentStatus,
		r.elapsedSeconds,
		r.lastSessionFailed,
	}
	for _, c := range collectors {
		if err := r.registry.Register(c); err != nil {
			return nil, errors.NewInternalError("failed to register metric", err)
		}
	}

	r.setStatus(supervisor.StatusIdle)
	return r, nil
}

// Observe applies one event
func (r *Recorder) Observe(event supervisor.Event) {
	r.mu.Lock()
	if event.SessionID != "" && event.SessionID != r.lastSession {
		r.lastSession = event.SessionID
		r.scansTotal.Inc()
		r.lastSessionFailed.Set(0)
	}
	r.mu.Unlock()

	switch event.Type {
	case supervisor.EventLogLine:
		r.linesTotal.Inc()
	case supervisor.EventStatusChanged:
		r.transitionsTotal.WithLabelValues(string(event.Status)).Inc()
		r.setStatus(event.Status)
		if event.Status == supervisor.StatusError {
			r.lastSessionFailed.Set(1)
		}
	case supervisor.EventElapsedTick:
		r.elapsedSeconds.Set(event.Elapsed.Seconds())
	}
}

// Run observes events until the channel closes or ctx is done
func (r *Recorder) Run(ctx context.Context, events <-chan supervisor.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-events:
			if !ok {
				return nil
			}
			r.Observe(event)
		}
	}
}

// Handler serves the registry in the Prometheus exposition format
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

func (r *Recorder) setStatus(current supervisor.Status) {
	for _, status := range allStatuses {
		value := 0.0
		if status == current {
			value = 1
		}
		r.currentStatus.WithLabelValues(string(status)).Set(value)
	}
}
