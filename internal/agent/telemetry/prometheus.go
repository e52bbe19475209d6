package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus collectors are registered once on the default registry and
// exported by the server's /metrics handler.
var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portalpilot_runs_total",
		Help: "Workflow runs by outcome.",
	}, []string{"status"})

	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "portalpilot_run_duration_seconds",
		Help:    "End-to-end workflow run duration.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	})

	agentExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portalpilot_agent_executions_total",
		Help: "Agent invocations by type and outcome.",
	}, []string{"agent", "status"})

	actionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "portalpilot_action_duration_seconds",
		Help:    "Automation action latency by action.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"action"})

	actionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portalpilot_actions_total",
		Help: "Automation actions by action and outcome.",
	}, []string{"action", "status"})

	taskRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "portalpilot_task_retries_total",
		Help: "Task auto-retries after review rejection.",
	})

	llmTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portalpilot_llm_tokens_total",
		Help: "Reasoning-provider tokens by model.",
	}, []string{"model"})

	llmCost = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portalpilot_llm_cost_usd_total",
		Help: "Estimated reasoning-provider spend by model.",
	}, []string{"model"})
)

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

func observeRun(event RunEvent) {
	runsTotal.WithLabelValues(statusLabel(event.Success)).Inc()
	runDuration.Observe(event.Duration.Seconds())
}

func observeAgent(event AgentEvent) {
	agentExecutions.WithLabelValues(event.AgentType, statusLabel(event.Success)).Inc()
	if event.ModelUsed != "" {
		llmTokens.WithLabelValues(event.ModelUsed).Add(float64(event.TokensUsed))
		llmCost.WithLabelValues(event.ModelUsed).Add(event.Cost)
	}
}

func observeAction(event ActionEvent) {
	actionsTotal.WithLabelValues(event.Action, statusLabel(event.Success)).Inc()
	actionDuration.WithLabelValues(event.Action).Observe(event.Duration.Seconds())
}
