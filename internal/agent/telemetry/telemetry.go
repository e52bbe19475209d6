package telemetry

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/avelsher/portalpilot/config"
)

// Telemetry provides run/agent/action monitoring and cost tracking.
type Telemetry struct {
	config      config.TelemetryConfig
	logger      *log.Logger
	metrics     *Metrics
	costTracker *CostTracker
	mu          sync.RWMutex
}

// Metrics holds aggregate performance metrics.
type Metrics struct {
	// Workflow run metrics
	TotalRuns      int64
	SuccessfulRuns int64
	FailedRuns     int64
	AverageRunTime time.Duration

	// Agent metrics
	AgentExecutions   map[string]int64
	AgentSuccessRates map[string]float64
	AgentAverageTimes map[string]time.Duration

	// LLM metrics
	LLMRequests   map[string]int64
	LLMTokensUsed map[string]int64

	// Automation action metrics
	ActionRequests     map[string]int64
	ActionSuccessRates map[string]float64
	ActionAverageTimes map[string]time.Duration
}

// CostTracker tracks reasoning-provider spend.
type CostTracker struct {
	ModelCosts     map[string]float64
	OperationCosts map[string]float64
	TotalCost      float64
	TotalTokens    int64
}

// RunEvent represents a complete workflow run.
type RunEvent struct {
	ID         string
	Goal       string
	StartTime  time.Time
	EndTime    time.Time
	Duration   time.Duration
	Success    bool
	Error      string
	Cost       float64
	TokensUsed int64
	Tasks      int
}

// AgentEvent represents one agent invocation.
type AgentEvent struct {
	ID         string
	AgentType  string
	Duration   time.Duration
	Success    bool
	Error      string
	Cost       float64
	TokensUsed int64
	ModelUsed  string
}

// ActionEvent represents one automation capability call.
type ActionEvent struct {
	ID       string
	Action   string
	Duration time.Duration
	Success  bool
	Error    string
}

// NewTelemetry creates a new telemetry instance.
func NewTelemetry(config config.TelemetryConfig) *Telemetry {
	t := &Telemetry{
		config: config,
		logger: log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
		metrics: &Metrics{
			AgentExecutions:    make(map[string]int64),
			AgentSuccessRates:  make(map[string]float64),
			AgentAverageTimes:  make(map[string]time.Duration),
			LLMRequests:        make(map[string]int64),
			LLMTokensUsed:      make(map[string]int64),
			ActionRequests:     make(map[string]int64),
			ActionSuccessRates: make(map[string]float64),
			ActionAverageTimes: make(map[string]time.Duration),
		},
		costTracker: &CostTracker{
			ModelCosts:     make(map[string]float64),
			OperationCosts: make(map[string]float64),
		},
	}

	if config.Enabled && config.PeriodicLogs {
		go t.startMetricsCollection()
	}

	return t
}

// RecordRunEvent records a complete workflow run.
func (t *Telemetry) RecordRunEvent(ctx context.Context, event RunEvent) {
	if !t.config.Enabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.TotalRuns++
	if event.Success {
		t.metrics.SuccessfulRuns++
	} else {
		t.metrics.FailedRuns++
	}

	if t.metrics.TotalRuns == 1 {
		t.metrics.AverageRunTime = event.Duration
	} else {
		total := t.metrics.AverageRunTime * time.Duration(t.metrics.TotalRuns-1)
		t.metrics.AverageRunTime = (total + event.Duration) / time.Duration(t.metrics.TotalRuns)
	}

	t.costTracker.TotalCost += event.Cost
	t.costTracker.TotalTokens += event.TokensUsed

	observeRun(event)

	t.logger.Printf("Run Event: ID=%s, Success=%t, Duration=%v, Cost=$%.4f, Tokens=%d, Tasks=%d",
		event.ID, event.Success, event.Duration, event.Cost, event.TokensUsed, event.Tasks)
}

// RecordAgentEvent records an agent execution event.
func (t *Telemetry) RecordAgentEvent(ctx context.Context, event AgentEvent) {
	if !t.config.Enabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.AgentExecutions[event.AgentType]++

	currentSuccess := t.metrics.AgentSuccessRates[event.AgentType]
	currentExecutions := t.metrics.AgentExecutions[event.AgentType]
	if event.Success {
		currentSuccess += 1.0
	}
	t.metrics.AgentSuccessRates[event.AgentType] = currentSuccess / float64(currentExecutions)

	currentAvg := t.metrics.AgentAverageTimes[event.AgentType]
	if currentExecutions == 1 {
		t.metrics.AgentAverageTimes[event.AgentType] = event.Duration
	} else {
		total := currentAvg * time.Duration(currentExecutions-1)
		t.metrics.AgentAverageTimes[event.AgentType] = (total + event.Duration) / time.Duration(currentExecutions)
	}

	if event.ModelUsed != "" {
		t.metrics.LLMRequests[event.ModelUsed]++
		t.metrics.LLMTokensUsed[event.ModelUsed] += event.TokensUsed
		t.costTracker.ModelCosts[event.ModelUsed] += event.Cost
	}
	t.costTracker.TotalCost += event.Cost
	t.costTracker.TotalTokens += event.TokensUsed

	observeAgent(event)

	t.logger.Printf("Agent Event: Type=%s, Success=%t, Duration=%v, Cost=$%.4f",
		event.AgentType, event.Success, event.Duration, event.Cost)
}

// RecordActionEvent records an automation capability call.
func (t *Telemetry) RecordActionEvent(ctx context.Context, event ActionEvent) {
	if !t.config.Enabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.ActionRequests[event.Action]++

	currentSuccess := t.metrics.ActionSuccessRates[event.Action]
	currentRequests := t.metrics.ActionRequests[event.Action]
	if event.Success {
		currentSuccess += 1.0
	}
	t.metrics.ActionSuccessRates[event.Action] = currentSuccess / float64(currentRequests)

	currentAvg := t.metrics.ActionAverageTimes[event.Action]
	if currentRequests == 1 {
		t.metrics.ActionAverageTimes[event.Action] = event.Duration
	} else {
		total := currentAvg * time.Duration(currentRequests-1)
		t.metrics.ActionAverageTimes[event.Action] = (total + event.Duration) / time.Duration(currentRequests)
	}

	observeAction(event)

	t.logger.Printf("Action Event: Action=%s, Success=%t, Duration=%v",
		event.Action, event.Success, event.Duration)
}

// RecordRetry counts one auto-retry of a task.
func (t *Telemetry) RecordRetry(taskID string) {
	if !t.config.Enabled {
		return
	}
	taskRetries.Inc()
	t.logger.Printf("Retry: task=%s", taskID)
}

// GetMetrics returns a copy of the current metrics.
func (t *Telemetry) GetMetrics() Metrics {
	t.mu.RLock()
	defer t.mu.RUnlock()

	metrics := *t.metrics
	metrics.AgentExecutions = copyInt64Map(t.metrics.AgentExecutions)
	metrics.AgentSuccessRates = copyFloatMap(t.metrics.AgentSuccessRates)
	metrics.AgentAverageTimes = copyDurationMap(t.metrics.AgentAverageTimes)
	metrics.LLMRequests = copyInt64Map(t.metrics.LLMRequests)
	metrics.LLMTokensUsed = copyInt64Map(t.metrics.LLMTokensUsed)
	metrics.ActionRequests = copyInt64Map(t.metrics.ActionRequests)
	metrics.ActionSuccessRates = copyFloatMap(t.metrics.ActionSuccessRates)
	metrics.ActionAverageTimes = copyDurationMap(t.metrics.ActionAverageTimes)
	return metrics
}

// CostSummary provides a summary of reasoning-provider spend.
type CostSummary struct {
	TotalCost      float64
	TotalTokens    int64
	ModelCosts     map[string]float64
	OperationCosts map[string]float64
}

// GetCostSummary returns current cost summary.
func (t *Telemetry) GetCostSummary() CostSummary {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return CostSummary{
		TotalCost:      t.costTracker.TotalCost,
		TotalTokens:    t.costTracker.TotalTokens,
		ModelCosts:     copyFloatMap(t.costTracker.ModelCosts),
		OperationCosts: copyFloatMap(t.costTracker.OperationCosts),
	}
}

func (t *Telemetry) startMetricsCollection() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		metrics := t.GetMetrics()
		costs := t.GetCostSummary()

		t.logger.Printf("Metrics Snapshot: Runs=%d/%d, AvgTime=%v, TotalCost=$%.4f, TotalTokens=%d",
			metrics.SuccessfulRuns, metrics.TotalRuns,
			metrics.AverageRunTime, costs.TotalCost, costs.TotalTokens)
	}
}

// Shutdown logs a final report.
func (t *Telemetry) Shutdown() {
	metrics := t.GetMetrics()
	costs := t.GetCostSummary()

	t.logger.Printf("Final Report: Runs=%d (ok=%d, failed=%d), AvgTime=%v, Cost=$%.4f, Tokens=%d",
		metrics.TotalRuns, metrics.SuccessfulRuns, metrics.FailedRuns,
		metrics.AverageRunTime, costs.TotalCost, costs.TotalTokens)
}

func copyInt64Map(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyFloatMap(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyDurationMap(in map[string]time.Duration) map[string]time.Duration {
	out := make(map[string]time.Duration, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
