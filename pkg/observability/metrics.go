// Package observability exposes Prometheus counters for the runtime
// and an optional scrape endpoint. The RPC channel owns stdout, so the
// endpoint listens on its own address when configured.
package observability

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/codeloom-ai/codeloom/pkg/agent"
	"github.com/codeloom-ai/codeloom/pkg/logger"
	"github.com/codeloom-ai/codeloom/pkg/tokens"
	"github.com/codeloom-ai/codeloom/pkg/toolhost"
)

// Metrics bundles the runtime's counters behind one registry.
type Metrics struct {
	registry *prometheus.Registry

	TurnsTotal     prometheus.Counter
	TurnErrors     prometheus.Counter
	TokensTotal    *prometheus.CounterVec
	ToolCallsTotal *prometheus.CounterVec
	RequestsTotal  *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		TurnsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "codeloom_turns_total",
			Help: "Completed conversational turns.",
		}),
		TurnErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "codeloom_turn_errors_total",
			Help: "Turns that ended in an error response.",
		}),
		TokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "codeloom_tokens_total",
			Help: "Tokens recorded in the ledger, by direction.",
		}, []string{"direction"}),
		ToolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "codeloom_tool_calls_total",
			Help: "Tool invocations, by tool name.",
		}, []string{"tool"}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "codeloom_rpc_requests_total",
			Help: "RPC requests handled, by method.",
		}, []string{"method"}),
	}

	registry.MustRegister(m.TurnsTotal, m.TurnErrors, m.TokensTotal, m.ToolCallsTotal, m.RequestsTotal)
	return m
}

// ObserveLedger feeds the token counters from ledger inserts.
func (m *Metrics) ObserveLedger(ledger *tokens.Ledger) {
	ledger.Subscribe(func(usage tokens.Usage) {
		m.TokensTotal.WithLabelValues("input").Add(float64(usage.InputTokens))
		m.TokensTotal.WithLabelValues("output").Add(float64(usage.OutputTokens))
	})
}

// ObserveTools wraps a tool runner so every invocation bumps the
// per-tool counter before reaching the host.
func (m *Metrics) ObserveTools(runner agent.ToolRunner) agent.ToolRunner {
	return &observedTools{runner: runner, calls: m.ToolCallsTotal}
}

type observedTools struct {
	runner agent.ToolRunner
	calls  *prometheus.CounterVec
}

func (o *observedTools) ListTools() []toolhost.ToolEntry {
	return o.runner.ListTools()
}

func (o *observedTools) CallTool(ctx context.Context, name string, args map[string]interface{}) (*toolhost.ToolResult, error) {
	o.calls.WithLabelValues(name).Inc()
	return o.runner.CallTool(ctx, name, args)
}

// Serve starts the scrape endpoint in the background. An empty addr
// disables it.
func (m *Metrics) Serve(addr string) *http.Server {
	if addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.GetLogger().Warn("metrics endpoint failed", "addr", addr, "error", err)
		}
	}()
	return srv
}
