package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/avelsher/portalpilot/config"
	"github.com/avelsher/portalpilot/internal/agent/telemetry"
	"github.com/avelsher/portalpilot/internal/capability"
)

// Executor turns one task into one concrete automation call. The
// reasoning provider chooses the action and parameters; the dispatch is
// a fixed switch over the registered vocabulary. Side effects on the
// shared context are applied here, next to the calls that earn them.
type Executor struct {
	config     *config.Config
	logger     *log.Logger
	llm        ReasoningProvider
	automation AutomationClient
	registry   *capability.Registry
	telemetry  *telemetry.Telemetry
}

// NewExecutor creates an executor agent.
func NewExecutor(cfg *config.Config, llm ReasoningProvider, automation AutomationClient, registry *capability.Registry, tele *telemetry.Telemetry) *Executor {
	return &Executor{
		config:     cfg,
		logger:     log.New(log.Writer(), "[EXECUTOR] ", log.LstdFlags),
		llm:        llm,
		automation: automation,
		registry:   registry,
		telemetry:  tele,
	}
}

const executorSystem = `You operate a web portal through a fixed action vocabulary. Given one task and the session context, choose exactly one action and its parameters. Respond with JSON only:
{"action": "login", "params": {}}`

// Execute runs a single task. A response that cannot be mapped to a
// registered action fails the task without touching the portal; an
// automation call that errors or reports failure fails the task with
// whatever side effects already happened left in place.
func (e *Executor) Execute(ctx context.Context, sc *SessionContext, task Task, research ResearchSnapshot) ExecutionResult {
	result := ExecutionResult{TaskID: task.ID, Actions: []ExecutedAction{}}

	action, params, ok := e.chooseAction(ctx, sc, task, research)
	if !ok {
		result.Error = "could not determine an action for the task"
		sc.AppendHistory(RoleExecutor, "execute", map[string]interface{}{"task_id": task.ID}, result)
		return result
	}
	if _, registered := e.registry.Tool(string(action)); !registered {
		result.Error = fmt.Sprintf("action %q is not registered", action)
		sc.AppendHistory(RoleExecutor, "execute", map[string]interface{}{"task_id": task.ID, "action": action}, result)
		return result
	}

	// form_data is recorded before the attempt so a later retry can
	// reuse it even when the portal call fails
	if action == ActionFillForm {
		sc.SetMemory(MemoryKeyFormData, params, RoleExecutor, 0)
	}

	start := time.Now()
	ar, err := e.dispatch(ctx, action, params)
	executed := ExecutedAction{
		Type:        action,
		Description: task.Description,
		Success:     err == nil && ar.Success,
		Result:      ar.Data,
	}
	result.Actions = append(result.Actions, executed)

	e.telemetry.RecordActionEvent(ctx, telemetry.ActionEvent{
		ID:       uuid.New().String(),
		Action:   string(action),
		Duration: time.Since(start),
		Success:  executed.Success,
	})

	if err != nil {
		result.Error = err.Error()
		e.logger.Printf("action %s failed: %v", action, err)
		sc.AppendHistory(RoleExecutor, "execute", map[string]interface{}{"task_id": task.ID, "action": action, "params": params}, result)
		return result
	}

	result.Success = ar.Success
	result.Output = ar.Data
	e.applySideEffects(sc, action, params, ar)

	sc.AppendHistory(RoleExecutor, "execute", map[string]interface{}{"task_id": task.ID, "action": action, "params": params}, result)
	return result
}

// RetrySafe reports whether the executed action may run again after a
// review rejection.
func (e *Executor) RetrySafe(res ExecutionResult) bool {
	if len(res.Actions) == 0 {
		return true // nothing touched the portal
	}
	return e.registry.RetrySafe(string(res.Actions[0].Type))
}

func (e *Executor) chooseAction(ctx context.Context, sc *SessionContext, task Task, research ResearchSnapshot) (Action, map[string]interface{}, bool) {
	model := modelFor(e.config, e.config.LLM.Routing.Execution)
	raw, inTok, outTok, err := e.llm.GenerateWithTokens(ctx, executorSystem, e.createExecutionPrompt(sc, task, research), model, nil)
	if err != nil {
		e.logger.Printf("provider error choosing action: %v", err)
		return "", nil, false
	}
	e.telemetry.RecordAgentEvent(ctx, telemetry.AgentEvent{
		ID:         task.ID,
		AgentType:  string(RoleExecutor),
		Success:    true,
		Cost:       e.llm.CalculateCost(inTok, outTok, model),
		TokensUsed: inTok + outTok,
		ModelUsed:  model,
	})

	var parsed struct {
		Action string                 `json:"action"`
		Params map[string]interface{} `json:"params"`
	}
	if !decodeLoose(raw, &parsed) || strings.TrimSpace(parsed.Action) == "" {
		return "", nil, false
	}
	params := parsed.Params
	if params == nil {
		params = map[string]interface{}{}
	}
	return Action(parsed.Action), params, true
}

func (e *Executor) createExecutionPrompt(sc *SessionContext, task Task, research ResearchSnapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n\n", task.Description)
	if snap, err := json.Marshal(research); err == nil {
		fmt.Fprintf(&b, "Session context:\n%s\n", string(snap))
	}
	b.WriteString("\nActions:\n")
	b.WriteString("- login {}\n")
	b.WriteString("- list_entities {}\n")
	b.WriteString("- select_entity {\"entity\": \"<name or id>\"}\n")
	b.WriteString("- navigate_to_form {}\n")
	b.WriteString("- fill_form {\"fields\": {\"<field>\": \"<value>\"}}\n")
	b.WriteString("- submit_form {}\n")
	b.WriteString("- get_page_state {}\n")
	b.WriteString("\nChoose one action now.")
	return b.String()
}

func (e *Executor) dispatch(ctx context.Context, action Action, params map[string]interface{}) (ActionResult, error) {
	switch action {
	case ActionLogin:
		return e.automation.Login(ctx, params)
	case ActionListEntities:
		return e.automation.ListEntities(ctx, params)
	case ActionSelectEntity:
		return e.automation.SelectEntity(ctx, params)
	case ActionNavigateToForm:
		return e.automation.NavigateToForm(ctx, params)
	case ActionFillForm:
		return e.automation.FillForm(ctx, params)
	case ActionSubmitForm:
		return e.automation.SubmitForm(ctx, params)
	case ActionGetPageState:
		return e.automation.GetPageState(ctx, params)
	default:
		return ActionResult{}, fmt.Errorf("unknown action %q", action)
	}
}

func (e *Executor) applySideEffects(sc *SessionContext, action Action, params map[string]interface{}, ar ActionResult) {
	switch action {
	case ActionLogin:
		if ar.Success {
			sc.UpdateState(map[string]interface{}{StateKeyLoggedIn: true}, RoleExecutor)
		}
	case ActionListEntities:
		if ar.Success {
			if entities, ok := ar.Data["entities"]; ok {
				sc.SetMemory(MemoryKeyEntities, entities, RoleExecutor, 0)
			}
		}
	case ActionSelectEntity:
		if ar.Success {
			sc.UpdateState(map[string]interface{}{StateKeySelectedEntity: params["entity"]}, RoleExecutor)
		}
	case ActionNavigateToForm, ActionSubmitForm, ActionGetPageState:
		if ar.Success {
			if page, ok := ar.Data["current_page"]; ok {
				sc.UpdateState(map[string]interface{}{StateKeyCurrentPage: page}, RoleExecutor)
			}
		}
	}
}
