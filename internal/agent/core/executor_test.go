package core

import (
	"context"
	"fmt"
	"testing"
)

func newTestExecutor(llm ReasoningProvider, auto AutomationClient) *Executor {
	return NewExecutor(testConfig(), llm, auto, testRegistry(), testTelemetry())
}

func TestExecuteUnparseableChoiceSkipsAutomation(t *testing.T) {
	auto := newStubAutomation()
	e := newTestExecutor(&scriptedLLM{executeResponses: []string{"I would click around a bit."}}, auto)
	sc := NewSessionContext("goal")

	res := e.Execute(context.Background(), sc, newTestTask("t1", "do something", 3), ResearchSnapshot{})
	if res.Success {
		t.Fatalf("unparseable choice must fail the task")
	}
	if len(res.Actions) != 0 {
		t.Fatalf("no automation call may be attempted, got %v", res.Actions)
	}
	if len(auto.calls) != 0 {
		t.Fatalf("automation touched: %v", auto.calls)
	}
}

func TestExecuteUnknownActionRefused(t *testing.T) {
	auto := newStubAutomation()
	e := newTestExecutor(&scriptedLLM{executeResponses: []string{`{"action": "delete_database", "params": {}}`}}, auto)
	sc := NewSessionContext("goal")

	res := e.Execute(context.Background(), sc, newTestTask("t1", "tidy up", 3), ResearchSnapshot{})
	if res.Success || len(auto.calls) != 0 {
		t.Fatalf("unregistered action must be refused without touching the portal")
	}
}

func TestExecuteLoginSideEffect(t *testing.T) {
	auto := newStubAutomation()
	e := newTestExecutor(&scriptedLLM{executeResponses: []string{`{"action": "login", "params": {}}`}}, auto)
	sc := NewSessionContext("goal")

	res := e.Execute(context.Background(), sc, newTestTask("t1", "log in", 3), ResearchSnapshot{})
	if !res.Success {
		t.Fatalf("execution failed: %s", res.Error)
	}
	if sc.State()[StateKeyLoggedIn] != true {
		t.Fatalf("login success must set is_logged_in")
	}
	if len(res.Actions) != 1 || res.Actions[0].Type != ActionLogin {
		t.Fatalf("expected one recorded login action: %v", res.Actions)
	}
}

func TestExecuteListEntitiesStoresMemory(t *testing.T) {
	auto := newStubAutomation()
	auto.results[ActionListEntities] = ActionResult{
		Success: true,
		Data:    map[string]interface{}{"entities": []interface{}{"Acme Ltd", "Globex"}},
	}
	e := newTestExecutor(&scriptedLLM{executeResponses: []string{`{"action": "list_entities", "params": {}}`}}, auto)
	sc := NewSessionContext("goal")

	e.Execute(context.Background(), sc, newTestTask("t1", "fetch entities", 3), ResearchSnapshot{})
	v, ok := sc.GetMemory(MemoryKeyEntities)
	if !ok {
		t.Fatalf("entities memory not written")
	}
	if items, _ := v.([]interface{}); len(items) != 2 {
		t.Fatalf("unexpected entities: %v", v)
	}
}

func TestExecuteFillFormMemoryWrittenEvenOnFailure(t *testing.T) {
	auto := newStubAutomation()
	auto.errs[ActionFillForm] = fmt.Errorf("element not found")
	e := newTestExecutor(&scriptedLLM{executeResponses: []string{`{"action": "fill_form", "params": {"fields": {"hours": "8"}}}`}}, auto)
	sc := NewSessionContext("goal")

	res := e.Execute(context.Background(), sc, newTestTask("t1", "fill the form", 3), ResearchSnapshot{})
	if res.Success {
		t.Fatalf("expected failure")
	}
	if res.Error == "" {
		t.Fatalf("capability failure must carry the error")
	}
	if _, ok := sc.GetMemory(MemoryKeyFormData); !ok {
		t.Fatalf("form_data must be recorded regardless of outcome")
	}
}

func TestExecuteSelectEntityStateOnSuccessOnly(t *testing.T) {
	auto := newStubAutomation()
	auto.results[ActionSelectEntity] = ActionResult{Success: false}
	e := newTestExecutor(&scriptedLLM{executeResponses: []string{`{"action": "select_entity", "params": {"entity": "Acme Ltd"}}`}}, auto)
	sc := NewSessionContext("goal")

	res := e.Execute(context.Background(), sc, newTestTask("t1", "pick Acme", 3), ResearchSnapshot{})
	if res.Success {
		t.Fatalf("expected reported failure")
	}
	if _, ok := sc.State()[StateKeySelectedEntity]; ok {
		t.Fatalf("selected_entity must not be set on failure")
	}

	auto.results[ActionSelectEntity] = ActionResult{Success: true}
	e.Execute(context.Background(), sc, newTestTask("t2", "pick Acme again", 3), ResearchSnapshot{})
	if sc.State()[StateKeySelectedEntity] != "Acme Ltd" {
		t.Fatalf("selected_entity not set on success: %v", sc.State())
	}
}

func TestRetrySafeScoping(t *testing.T) {
	e := newTestExecutor(&scriptedLLM{}, newStubAutomation())

	submit := ExecutionResult{Actions: []ExecutedAction{{Type: ActionSubmitForm}}}
	if e.RetrySafe(submit) {
		t.Fatalf("submit_form results must not be retry-safe")
	}
	fill := ExecutionResult{Actions: []ExecutedAction{{Type: ActionFillForm}}}
	if !e.RetrySafe(fill) {
		t.Fatalf("fill_form results should be retry-safe")
	}
	none := ExecutionResult{}
	if !e.RetrySafe(none) {
		t.Fatalf("a task that never touched the portal is safe to retry")
	}
}
