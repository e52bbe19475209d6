package core

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/avelsher/portalpilot/config"
	"github.com/avelsher/portalpilot/internal/agent/telemetry"
	"github.com/avelsher/portalpilot/internal/capability"
)

var workflowTracer = otel.Tracer("portalpilot/agent/orchestrator")

// StatusNotifier receives live status updates for in-flight runs.
type StatusNotifier func(RunStatus)

// Orchestrator drives the workflow loop: plan, review, execute each
// task with research and result review, then compile the output. Runs
// are strictly sequential; one orchestrator handles one run at a time
// per browser session.
type Orchestrator struct {
	config     *config.Config
	logger     *log.Logger
	telemetry  *telemetry.Telemetry
	registry   *capability.Registry
	llm        ReasoningProvider
	automation AutomationClient

	planner    *Planner
	reviewer   *Reviewer
	researcher *Researcher
	executor   *Executor

	mu       sync.RWMutex
	statuses map[string]RunStatus
	notifier StatusNotifier
}

// NewOrchestrator wires the agent roster around the given capabilities.
func NewOrchestrator(cfg *config.Config, tele *telemetry.Telemetry, registry *capability.Registry, llm ReasoningProvider, automation AutomationClient) *Orchestrator {
	return &Orchestrator{
		config:     cfg,
		logger:     log.New(log.Writer(), "[ORCH] ", log.LstdFlags),
		telemetry:  tele,
		registry:   registry,
		llm:        llm,
		automation: automation,
		planner:    NewPlanner(cfg, llm, tele),
		reviewer:   NewReviewer(cfg, llm, tele),
		researcher: NewResearcher(cfg, llm, tele),
		executor:   NewExecutor(cfg, llm, automation, registry, tele),
		statuses:   map[string]RunStatus{},
	}
}

// SetStatusNotifier registers a sink for live status updates, e.g. a
// redis cache. Must be called before RunWorkflow.
func (o *Orchestrator) SetStatusNotifier(fn StatusNotifier) {
	o.notifier = fn
}

// GetStatus returns the last published status for a run id.
func (o *Orchestrator) GetStatus(runID string) (RunStatus, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	st, ok := o.statuses[runID]
	return st, ok
}

// Research answers a free-form query against a fresh session. Exposed
// for the API's research endpoint.
func (o *Orchestrator) Research(ctx context.Context, goal, query string) (ResearchResult, error) {
	sc := NewSessionContext(goal)
	return o.researcher.Research(ctx, sc, query)
}

// RunWorkflow executes one goal end to end and always returns a
// structured result: failures, timeouts, and even panics inside agents
// are folded into WorkflowResult rather than surfaced as errors.
func (o *Orchestrator) RunWorkflow(ctx context.Context, goal string, wf WorkflowConfig) (result WorkflowResult) {
	runID := uuid.New().String()
	start := time.Now()
	sc := NewSessionContext(goal)
	result = WorkflowResult{RunID: runID, Goal: goal, CreatedAt: start}

	defer func() {
		if r := recover(); r != nil {
			o.logger.Printf("run %s: unrecoverable fault: %v", runID, r)
			result.Success = false
			result.Error = fmt.Sprintf("unrecoverable fault: %v", r)
			result.Duration = time.Since(start)
			result.History = sc.History()
			o.publishStatus(RunStatus{RunID: runID, Phase: "error", Error: result.Error, StartedAt: start, LastUpdated: time.Now()})
		}
		o.telemetry.RecordRunEvent(context.Background(), telemetry.RunEvent{
			ID:        runID,
			Goal:      goal,
			StartTime: start,
			EndTime:   time.Now(),
			Duration:  result.Duration,
			Success:   result.Success,
			Error:     result.Error,
			Tasks:     result.TotalTasks,
		})
	}()

	ctx, runSpan := workflowTracer.Start(ctx, "workflow.run")
	defer runSpan.End()

	o.logger.Printf("run %s: goal %q", runID, goal)
	o.publishStatus(RunStatus{RunID: runID, Phase: "planning", StartedAt: start, LastUpdated: time.Now()})

	pctx, planSpan := workflowTracer.Start(ctx, "workflow.plan")
	plan := o.planner.CreatePlan(pctx, sc)
	planSpan.End()

	if wf.RequireReview && len(plan.Tasks) > 0 {
		o.publishStatus(RunStatus{RunID: runID, Phase: "plan_review", TotalTasks: len(plan.Tasks), StartedAt: start, LastUpdated: time.Now()})
		rev := o.reviewer.ReviewPlan(ctx, sc, plan)
		if !rev.Approved {
			// one corrective pass; the revised plan is accepted as is
			plan = o.planner.RevisePlan(ctx, sc, rev.Feedback)
		}
	}

	retries := map[string]int{}
	replans := 0
	deadline := start.Add(wf.Timeout)
	var planExhausted bool

	for i := 0; i < wf.MaxIterations; i++ {
		// advisory timeout, sampled between iterations only: a task
		// already started is allowed to finish
		if time.Now().After(deadline) {
			sc.AppendHistory(RoleOrchestrator, "timeout", map[string]interface{}{"elapsed": time.Since(start).String()}, nil)
			o.logger.Printf("run %s: timeout after %v", runID, time.Since(start))
			break
		}

		task, ok := sc.NextTask()
		if !ok {
			break
		}
		inProgress := TaskInProgress
		sc.UpdateTask(task.ID, TaskPatch{Status: &inProgress})
		o.publishStatus(RunStatus{
			RunID:          runID,
			Phase:          "executing",
			CurrentTask:    task.Description,
			CompletedTasks: len(sc.CompletedTasks()),
			TotalTasks:     len(sc.CompletedTasks()) + len(sc.PendingTasks()),
			StartedAt:      start,
			LastUpdated:    time.Now(),
		})

		snapshot := o.researcher.GatherContext(sc, task)

		ectx, taskSpan := workflowTracer.Start(ctx, "workflow.execute_task",
			trace.WithAttributes(attribute.String("task.id", task.ID)))
		execRes := o.executor.Execute(ectx, sc, task, snapshot)
		if execRes.Success {
			taskSpan.SetStatus(codes.Ok, "")
		} else {
			taskSpan.SetStatus(codes.Error, execRes.Error)
		}
		taskSpan.End()

		if execRes.Success {
			reviewNotes := ""
			approved := true
			if wf.RequireReview {
				rev := o.reviewer.ReviewTaskResult(ctx, sc, task, execRes.Output)
				approved = rev.Approved
				reviewNotes = rev.Feedback
			}
			if approved {
				sc.CompleteTask(task.ID, map[string]interface{}{
					"success":      true,
					"data":         execRes.Output,
					"review_notes": reviewNotes,
				})
				delete(retries, task.ID)
				continue
			}
			if wf.AutoRetry && retries[task.ID] < wf.RetryLimit && o.executor.RetrySafe(execRes) {
				retries[task.ID]++
				o.telemetry.RecordRetry(task.ID)
				pending := TaskPending
				sc.UpdateTask(task.ID, TaskPatch{Status: &pending})
			}
			// otherwise the task keeps its rejected status and is never
			// selected again
			continue
		}

		failed := TaskFailed
		sc.UpdateTask(task.ID, TaskPatch{
			Status: &failed,
			Result: map[string]interface{}{"success": false, "error": execRes.Error},
		})
		sc.AppendHistory(RoleOrchestrator, "task_failed", map[string]interface{}{"task_id": task.ID, "error": execRes.Error}, nil)
		runSpan.AddEvent("task failed", trace.WithAttributes(attribute.String("error", execRes.Error)))

		if replans < wf.MaxReplans {
			replans++
			revised := o.planner.RevisePlan(ctx, sc, fmt.Sprintf("task %q failed: %s", task.Description, execRes.Error))
			if len(revised.Tasks) == 0 {
				planExhausted = true
				result.Error = "planner produced no recovery plan after a task failure"
				break
			}
		}
	}

	o.publishStatus(RunStatus{
		RunID:          runID,
		Phase:          "compiling",
		CompletedTasks: len(sc.CompletedTasks()),
		TotalTasks:     len(sc.CompletedTasks()) + len(sc.PendingTasks()),
		StartedAt:      start,
		LastUpdated:    time.Now(),
	})

	result.Output = compileOutput(sc)
	completed := sc.CompletedTasks()
	pending := sc.PendingTasks()
	result.CompletedTasks = len(completed)
	result.TotalTasks = len(completed) + len(pending)
	result.Success = len(pending) == 0 && !planExhausted
	if len(pending) > 0 && result.Error == "" {
		result.Error = fmt.Sprintf("%d of %d tasks unfinished", len(pending), result.TotalTasks)
	}
	result.Duration = time.Since(start)
	result.History = sc.History()

	phase := "done"
	if !result.Success {
		phase = "error"
	}
	o.publishStatus(RunStatus{
		RunID:          runID,
		Phase:          phase,
		CompletedTasks: result.CompletedTasks,
		TotalTasks:     result.TotalTasks,
		Error:          result.Error,
		StartedAt:      start,
		LastUpdated:    time.Now(),
	})
	o.logger.Printf("run %s: success=%t completed=%d/%d in %v", runID, result.Success, result.CompletedTasks, result.TotalTasks, result.Duration)
	return result
}

func compileOutput(sc *SessionContext) CompiledOutput {
	out := CompiledOutput{
		State:   sc.State(),
		Results: []TaskOutcome{},
		Memory:  sc.MemoryValues(),
	}
	for _, t := range sc.CompletedTasks() {
		out.Results = append(out.Results, TaskOutcome{Description: t.Description, Result: t.Result})
	}
	return out
}

func (o *Orchestrator) publishStatus(st RunStatus) {
	o.mu.Lock()
	o.statuses[st.RunID] = st
	o.mu.Unlock()
	if o.notifier != nil {
		o.notifier(st)
	}
}
