package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vcmilei"

var (
	registry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests processed.",
	}, []string{"handler", "method", "code"})

	httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"handler", "method"})

	orchestrationRounds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "orchestration_rounds",
		Help:      "Completion rounds used by a single orchestration run.",
		Buckets:   []float64{1, 2, 3, 5, 8, 13, 21, 34, 50},
	}, []string{"agent", "exhausted"})

	toolCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tool_calls_total",
		Help:      "Tool executions requested by the model, by outcome.",
	}, []string{"tool", "outcome"})

	dispatchedItems = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dispatched_items_total",
		Help:      "Feed items handed to a handler, by outcome.",
	}, []string{"feed", "outcome"})

	memoryWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "memory_writes_total",
		Help:      "Memory record persistence attempts, by category and outcome.",
	}, []string{"category", "outcome"})
)

func init() {
	registry.MustRegister(
		httpRequests,
		httpDuration,
		orchestrationRounds,
		toolCalls,
		dispatchedItems,
		memoryWrites,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveOrchestration records how many rounds a run took and whether it hit the round limit.
func ObserveOrchestration(agent string, rounds int, exhausted bool) {
	orchestrationRounds.WithLabelValues(agent, strconv.FormatBool(exhausted)).Observe(float64(rounds))
}

// ObserveToolCall counts a tool execution. Outcome is one of ok, failed,
// invalid or unknown.
func ObserveToolCall(tool, outcome string) {
	toolCalls.WithLabelValues(tool, outcome).Inc()
}

// ObserveDispatch counts a feed item handed to a handler.
func ObserveDispatch(feed, outcome string) {
	dispatchedItems.WithLabelValues(feed, outcome).Inc()
}

// ObserveMemoryWrite counts a memory persistence attempt.
func ObserveMemoryWrite(category string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}
	memoryWrites.WithLabelValues(category, outcome).Inc()
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
