// Package metrics exports run, tool and server measurements to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/stellarlinkco/clawcore/internal/mcp"
)

var serverStates = []mcp.State{mcp.StateStopped, mcp.StateStarting, mcp.StateRunning, mcp.StateFailed}

// Recorder implements engine.Recorder and observes supervisor transitions.
type Recorder struct {
	registry *prometheus.Registry

	toolCalls    *prometheus.CounterVec
	toolDuration *prometheus.HistogramVec
	runs         *prometheus.CounterVec
	serverState  *prometheus.GaugeVec
}

// New registers the collectors on a fresh registry, along with the Go
// runtime and process collectors.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)
	return &Recorder{
		registry: reg,
		toolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clawcore_tool_calls_total",
			Help: "Tool calls by tool and result status",
		}, []string{"tool", "status"}),
		toolDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clawcore_tool_call_duration_seconds",
			Help:    "Tool call latency in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		}, []string{"tool"}),
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clawcore_runs_total",
			Help: "Agent runs by terminal outcome",
		}, []string{"outcome"}),
		serverState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "clawcore_mcp_server_state",
			Help: "1 for the current state of each external tool server",
		}, []string{"server", "state"}),
	}
}

func (r *Recorder) ToolCall(name, status string, d time.Duration) {
	r.toolCalls.WithLabelValues(name, status).Inc()
	if d > 0 {
		r.toolDuration.WithLabelValues(name).Observe(d.Seconds())
	}
}

func (r *Recorder) Run(status string) {
	r.runs.WithLabelValues(status).Inc()
}

// ServerState matches mcp.WithStateHook.
func (r *Recorder) ServerState(name string, state mcp.State) {
	for _, s := range serverStates {
		v := 0.0
		if s == state {
			v = 1
		}
		r.serverState.WithLabelValues(name, string(s)).Set(v)
	}
}

func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx ends.
func (r *Recorder) Serve(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info().Str("addr", addr).Msg("prometheus metrics enabled at /metrics")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
