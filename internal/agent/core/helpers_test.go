package core

import (
	"context"
	"fmt"

	"github.com/avelsher/portalpilot/config"
	"github.com/avelsher/portalpilot/internal/agent/telemetry"
	"github.com/avelsher/portalpilot/internal/capability"
)

// scriptedLLM routes responses by the system prompt of the calling
// agent so tests do not depend on call ordering.
type scriptedLLM struct {
	planResponses []string
	planCalls     int

	reviewFn    func(prompt string) string
	reviewCalls int

	executeResponses []string
	executeCalls     int

	researchResponse string

	panicOn string // system prompt that triggers a panic
}

func (s *scriptedLLM) Generate(ctx context.Context, system, prompt, model string, options map[string]interface{}) (string, error) {
	text, _, _, err := s.GenerateWithTokens(ctx, system, prompt, model, options)
	return text, err
}

func (s *scriptedLLM) GenerateWithTokens(ctx context.Context, system, prompt, model string, options map[string]interface{}) (string, int64, int64, error) {
	if s.panicOn != "" && system == s.panicOn {
		panic("scripted provider fault")
	}
	switch system {
	case plannerSystem:
		if s.planCalls < len(s.planResponses) {
			r := s.planResponses[s.planCalls]
			s.planCalls++
			return r, 10, 5, nil
		}
		return "", 0, 0, fmt.Errorf("no scripted plan response")
	case reviewerSystem:
		s.reviewCalls++
		if s.reviewFn != nil {
			return s.reviewFn(prompt), 10, 5, nil
		}
		return `{"approved": true, "feedback": "ok"}`, 10, 5, nil
	case executorSystem:
		if len(s.executeResponses) == 0 {
			return "", 0, 0, fmt.Errorf("no scripted execute response")
		}
		idx := s.executeCalls
		if idx >= len(s.executeResponses) {
			idx = len(s.executeResponses) - 1
		}
		s.executeCalls++
		return s.executeResponses[idx], 10, 5, nil
	case researcherSystem:
		if s.researchResponse != "" {
			return s.researchResponse, 10, 5, nil
		}
		return "not json", 10, 5, nil
	}
	return "", 0, 0, fmt.Errorf("unexpected system prompt")
}

func (s *scriptedLLM) CalculateCost(inputTokens, outputTokens int64, model string) float64 {
	return 0
}

// erroringLLM fails every call.
type erroringLLM struct{}

func (e *erroringLLM) Generate(ctx context.Context, system, prompt, model string, options map[string]interface{}) (string, error) {
	return "", fmt.Errorf("provider unavailable")
}

func (e *erroringLLM) GenerateWithTokens(ctx context.Context, system, prompt, model string, options map[string]interface{}) (string, int64, int64, error) {
	return "", 0, 0, fmt.Errorf("provider unavailable")
}

func (e *erroringLLM) CalculateCost(inputTokens, outputTokens int64, model string) float64 {
	return 0
}

// stubAutomation records calls and replies from a script.
type stubAutomation struct {
	results map[Action]ActionResult
	errs    map[Action]error
	calls   []Action
}

func newStubAutomation() *stubAutomation {
	return &stubAutomation{
		results: map[Action]ActionResult{},
		errs:    map[Action]error{},
	}
}

func (s *stubAutomation) invoke(action Action) (ActionResult, error) {
	s.calls = append(s.calls, action)
	if err, ok := s.errs[action]; ok {
		return ActionResult{}, err
	}
	if r, ok := s.results[action]; ok {
		return r, nil
	}
	return ActionResult{Success: true, Data: map[string]interface{}{}}, nil
}

func (s *stubAutomation) count(action Action) int {
	n := 0
	for _, a := range s.calls {
		if a == action {
			n++
		}
	}
	return n
}

func (s *stubAutomation) Login(ctx context.Context, params map[string]interface{}) (ActionResult, error) {
	return s.invoke(ActionLogin)
}
func (s *stubAutomation) ListEntities(ctx context.Context, params map[string]interface{}) (ActionResult, error) {
	return s.invoke(ActionListEntities)
}
func (s *stubAutomation) SelectEntity(ctx context.Context, params map[string]interface{}) (ActionResult, error) {
	return s.invoke(ActionSelectEntity)
}
func (s *stubAutomation) NavigateToForm(ctx context.Context, params map[string]interface{}) (ActionResult, error) {
	return s.invoke(ActionNavigateToForm)
}
func (s *stubAutomation) FillForm(ctx context.Context, params map[string]interface{}) (ActionResult, error) {
	return s.invoke(ActionFillForm)
}
func (s *stubAutomation) SubmitForm(ctx context.Context, params map[string]interface{}) (ActionResult, error) {
	return s.invoke(ActionSubmitForm)
}
func (s *stubAutomation) GetPageState(ctx context.Context, params map[string]interface{}) (ActionResult, error) {
	return s.invoke(ActionGetPageState)
}

func testConfig() *config.Config {
	return &config.Config{}
}

func testTelemetry() *telemetry.Telemetry {
	return telemetry.NewTelemetry(config.TelemetryConfig{})
}

func testRegistry() *capability.Registry {
	reg, err := capability.NewRegistry(capability.DefaultToolCards(), "", nil)
	if err != nil {
		panic(err)
	}
	return reg
}
