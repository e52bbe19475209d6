package core

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"
)

func newTestOrchestrator(llm ReasoningProvider, auto AutomationClient) *Orchestrator {
	return NewOrchestrator(testConfig(), testTelemetry(), testRegistry(), llm, auto)
}

// rejectTaskResults approves plans but rejects every task result.
func rejectTaskResults(prompt string) string {
	if strings.Contains(prompt, "Proposed plan:") {
		return `{"approved": true}`
	}
	return `{"approved": false, "feedback": "output does not satisfy the task"}`
}

func TestRunWorkflowHappyPath(t *testing.T) {
	llm := &scriptedLLM{
		planResponses: []string{`{"tasks": [
  {"description": "log in to the portal", "priority": 4},
  {"description": "read the dashboard", "priority": 3}
]}`},
		executeResponses: []string{
			`{"action": "login", "params": {}}`,
			`{"action": "get_page_state", "params": {}}`,
		},
	}
	auto := newStubAutomation()
	auto.results[ActionGetPageState] = ActionResult{Success: true, Data: map[string]interface{}{"current_page": "dashboard"}}

	o := newTestOrchestrator(llm, auto)
	res := o.RunWorkflow(context.Background(), "check the dashboard", DefaultWorkflowConfig())

	if !res.Success {
		t.Fatalf("expected success, got error %q", res.Error)
	}
	if res.CompletedTasks != 2 || res.TotalTasks != 2 {
		t.Fatalf("completed=%d total=%d", res.CompletedTasks, res.TotalTasks)
	}
	if res.Output.State[StateKeyLoggedIn] != true {
		t.Fatalf("login side effect missing from compiled state: %v", res.Output.State)
	}
	if res.Output.State[StateKeyCurrentPage] != "dashboard" {
		t.Fatalf("page state missing from compiled state: %v", res.Output.State)
	}
	if len(res.Output.Results) != 2 {
		t.Fatalf("compiled results wrong: %v", res.Output.Results)
	}
	if len(res.History) == 0 {
		t.Fatalf("history log empty")
	}

	st, ok := o.GetStatus(res.RunID)
	if !ok || st.Phase != "done" {
		t.Fatalf("final status wrong: %+v ok=%t", st, ok)
	}
}

func TestRunWorkflowZeroTaskPlanSucceeds(t *testing.T) {
	llm := &scriptedLLM{planResponses: []string{`{"tasks": []}`}}
	o := newTestOrchestrator(llm, newStubAutomation())

	res := o.RunWorkflow(context.Background(), "do nothing in particular", DefaultWorkflowConfig())
	if !res.Success {
		t.Fatalf("a zero-task plan terminates successfully, got error %q", res.Error)
	}
	if res.CompletedTasks != 0 || res.TotalTasks != 0 {
		t.Fatalf("completed=%d total=%d", res.CompletedTasks, res.TotalTasks)
	}
}

func TestRunWorkflowRetryBound(t *testing.T) {
	llm := &scriptedLLM{
		planResponses:    []string{`{"tasks": [{"description": "fill the timesheet form"}]}`},
		executeResponses: []string{`{"action": "fill_form", "params": {"fields": {"hours": "8"}}}`},
		reviewFn:         rejectTaskResults,
	}
	auto := newStubAutomation()
	o := newTestOrchestrator(llm, auto)

	wf := DefaultWorkflowConfig()
	wf.RetryLimit = 2
	res := o.RunWorkflow(context.Background(), "log my hours", wf)

	if res.Success {
		t.Fatalf("persistently rejected task must fail the run")
	}
	if got := auto.count(ActionFillForm); got != 3 {
		t.Fatalf("task must execute retryLimit+1 = 3 times, got %d", got)
	}
	if res.CompletedTasks != 0 {
		t.Fatalf("rejected task must never reach completedTasks")
	}
}

func TestRunWorkflowSubmissionNeverRetried(t *testing.T) {
	llm := &scriptedLLM{
		planResponses:    []string{`{"tasks": [{"description": "submit the form"}]}`},
		executeResponses: []string{`{"action": "submit_form", "params": {}}`},
		reviewFn:         rejectTaskResults,
	}
	auto := newStubAutomation()
	o := newTestOrchestrator(llm, auto)

	res := o.RunWorkflow(context.Background(), "submit it", DefaultWorkflowConfig())
	if res.Success {
		t.Fatalf("rejected submission must fail the run")
	}
	if got := auto.count(ActionSubmitForm); got != 1 {
		t.Fatalf("submission actions must never be auto-retried, got %d executions", got)
	}
}

func TestRunWorkflowTimeout(t *testing.T) {
	llm := &scriptedLLM{
		planResponses:    []string{`{"tasks": [{"description": "log in"}]}`},
		executeResponses: []string{`{"action": "login", "params": {}}`},
	}
	auto := newStubAutomation()
	o := newTestOrchestrator(llm, auto)

	wf := DefaultWorkflowConfig()
	wf.Timeout = -time.Second // deadline already passed when the loop starts
	res := o.RunWorkflow(context.Background(), "slow goal", wf)

	if res.Success {
		t.Fatalf("timed-out run with pending tasks must fail")
	}
	if len(auto.calls) != 0 {
		t.Fatalf("no task may start after the deadline, got %v", auto.calls)
	}
	timedOut := false
	for _, h := range res.History {
		if h.Action == "timeout" {
			timedOut = true
		}
	}
	if !timedOut {
		t.Fatalf("timeout must be recorded in the history log")
	}
}

func TestRunWorkflowFailureTriggersSingleReplan(t *testing.T) {
	llm := &scriptedLLM{
		planResponses: []string{
			`{"tasks": [{"description": "fill the form"}]}`,
			`{"tasks": [{"description": "read the page instead"}]}`,
		},
		executeResponses: []string{
			`{"action": "fill_form", "params": {"fields": {}}}`,
			`{"action": "get_page_state", "params": {}}`,
		},
	}
	auto := newStubAutomation()
	auto.errs[ActionFillForm] = fmt.Errorf("portal returned 500")
	o := newTestOrchestrator(llm, auto)

	res := o.RunWorkflow(context.Background(), "recover from failure", DefaultWorkflowConfig())
	if !res.Success {
		t.Fatalf("revised plan should have recovered the run: %q", res.Error)
	}
	if llm.planCalls != 2 {
		t.Fatalf("expected exactly one revise after the failure, planner called %d times", llm.planCalls)
	}
}

func TestRunWorkflowEmptyReplanFailsRun(t *testing.T) {
	llm := &scriptedLLM{
		planResponses: []string{
			`{"tasks": [{"description": "fill the form"}]}`,
			`{"tasks": []}`,
		},
		executeResponses: []string{`{"action": "fill_form", "params": {"fields": {}}}`},
	}
	auto := newStubAutomation()
	auto.errs[ActionFillForm] = fmt.Errorf("portal unreachable")
	o := newTestOrchestrator(llm, auto)

	res := o.RunWorkflow(context.Background(), "goal", DefaultWorkflowConfig())
	if res.Success {
		t.Fatalf("empty recovery plan after a failure must not count as success")
	}
	if res.Error == "" {
		t.Fatalf("expected an error summary")
	}
}

func TestRunWorkflowDependencyDeadlock(t *testing.T) {
	llm := &scriptedLLM{
		planResponses: []string{`{"tasks": [
  {"description": "submit the form"},
  {"description": "verify the submission", "dependencies": [0]}
]}`},
		executeResponses: []string{`{"action": "submit_form", "params": {}}`},
		reviewFn:         rejectTaskResults,
	}
	auto := newStubAutomation()
	o := newTestOrchestrator(llm, auto)

	res := o.RunWorkflow(context.Background(), "submit and verify", DefaultWorkflowConfig())
	if res.Success {
		t.Fatalf("deadlocked run must fail")
	}
	// the rejected submission blocks its dependent forever
	if res.TotalTasks != 2 || res.CompletedTasks != 0 {
		t.Fatalf("completed=%d total=%d", res.CompletedTasks, res.TotalTasks)
	}
	if got := auto.count(ActionSubmitForm); got != 1 {
		t.Fatalf("blocked dependent must never execute, submit ran %d times", got)
	}
}

func TestRunWorkflowRecoversFromPanic(t *testing.T) {
	llm := &scriptedLLM{panicOn: plannerSystem}
	o := newTestOrchestrator(llm, newStubAutomation())

	res := o.RunWorkflow(context.Background(), "goal", DefaultWorkflowConfig())
	if res.Success {
		t.Fatalf("panicking agent must not yield success")
	}
	if !strings.Contains(res.Error, "unrecoverable fault") {
		t.Fatalf("panic must surface as a structured error, got %q", res.Error)
	}
}

func TestRunWorkflowReviewDisabled(t *testing.T) {
	llm := &scriptedLLM{
		planResponses:    []string{`{"tasks": [{"description": "log in"}]}`},
		executeResponses: []string{`{"action": "login", "params": {}}`},
		reviewFn: func(string) string {
			return `{"approved": false, "feedback": "should never be consulted"}`
		},
	}
	auto := newStubAutomation()
	o := newTestOrchestrator(llm, auto)

	wf := DefaultWorkflowConfig()
	wf.RequireReview = false
	res := o.RunWorkflow(context.Background(), "goal", wf)

	if !res.Success {
		t.Fatalf("with review disabled the run should succeed: %q", res.Error)
	}
	if llm.reviewCalls != 0 {
		t.Fatalf("reviewer consulted %d times with review disabled", llm.reviewCalls)
	}
}

func TestRunWorkflowPlanReviewRevision(t *testing.T) {
	llm := &scriptedLLM{
		planResponses: []string{
			`{"tasks": [{"description": "submit without logging in"}]}`,
			`{"tasks": [{"description": "log in first"}]}`,
		},
		executeResponses: []string{`{"action": "login", "params": {}}`},
		reviewFn: func(prompt string) string {
			if strings.Contains(prompt, "submit without logging in") {
				return `{"approved": false, "feedback": "plan skips authentication"}`
			}
			return `{"approved": true}`
		},
	}
	auto := newStubAutomation()
	o := newTestOrchestrator(llm, auto)

	res := o.RunWorkflow(context.Background(), "submit the report", DefaultWorkflowConfig())
	if !res.Success {
		t.Fatalf("revised plan should run: %q", res.Error)
	}
	if llm.planCalls != 2 {
		t.Fatalf("plan rejection must trigger exactly one revision, planner called %d times", llm.planCalls)
	}
	if res.Output.Results[0].Description != "log in first" {
		t.Fatalf("revised task not executed: %+v", res.Output.Results)
	}
}

func TestStatusNotifier(t *testing.T) {
	llm := &scriptedLLM{planResponses: []string{`{"tasks": []}`}}
	o := newTestOrchestrator(llm, newStubAutomation())

	var phases []string
	o.SetStatusNotifier(func(st RunStatus) { phases = append(phases, st.Phase) })

	o.RunWorkflow(context.Background(), "goal", DefaultWorkflowConfig())
	if len(phases) == 0 || phases[0] != "planning" {
		t.Fatalf("notifier did not observe the planning phase: %v", phases)
	}
	if phases[len(phases)-1] != "done" {
		t.Fatalf("notifier did not observe the terminal phase: %v", phases)
	}
}
