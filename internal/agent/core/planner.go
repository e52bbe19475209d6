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
)

// Planner decomposes a goal into an ordered batch of atomic tasks. It
// never fails: when the provider response cannot be parsed, or the
// provider itself errors, the result is an empty plan and the run
// terminates gracefully downstream.
type Planner struct {
	config    *config.Config
	logger    *log.Logger
	llm       ReasoningProvider
	telemetry *telemetry.Telemetry
}

// NewPlanner creates a planner agent.
func NewPlanner(cfg *config.Config, llm ReasoningProvider, tele *telemetry.Telemetry) *Planner {
	return &Planner{
		config:    cfg,
		logger:    log.New(log.Writer(), "[PLANNER] ", log.LstdFlags),
		llm:       llm,
		telemetry: tele,
	}
}

const plannerSystem = `You are a planning agent for automating a web portal through a fixed set of browser actions. Decompose the user's goal into a short list of atomic tasks. Each task should correspond to roughly one portal action. Respond with JSON only:
{"tasks": [{"description": "...", "priority": 3, "dependencies": [0]}]}
Priority is 1-5 (higher runs first among ready tasks). Dependencies are zero-based indexes of tasks in this same list that must complete first.`

// CreatePlan produces and installs a plan for the session goal.
func (p *Planner) CreatePlan(ctx context.Context, sc *SessionContext) Plan {
	return p.plan(ctx, sc, p.createPlanningPrompt(sc), "create_plan")
}

// RevisePlan produces a corrective plan from reviewer or executor
// feedback. The new tasks replace the pending queue; completed tasks are
// untouched.
func (p *Planner) RevisePlan(ctx context.Context, sc *SessionContext, feedback string) Plan {
	return p.plan(ctx, sc, p.createRevisionPrompt(sc, feedback), "revise_plan")
}

func (p *Planner) plan(ctx context.Context, sc *SessionContext, prompt, operation string) Plan {
	start := time.Now()
	model := modelFor(p.config, p.config.LLM.Routing.Planning)

	raw, inTok, outTok, err := p.llm.GenerateWithTokens(ctx, plannerSystem, prompt, model, nil)
	if err != nil {
		p.logger.Printf("%s: provider error, returning empty plan: %v", operation, err)
		raw = ""
	}

	plan := p.parsePlanningResponse(raw, sc.Goal)
	sc.SetPlan(plan)
	sc.AppendHistory(RolePlanner, operation, map[string]interface{}{"goal": sc.Goal}, map[string]interface{}{"plan_id": plan.ID, "tasks": len(plan.Tasks)})

	p.telemetry.RecordAgentEvent(ctx, telemetry.AgentEvent{
		ID:         plan.ID,
		AgentType:  string(RolePlanner),
		Duration:   time.Since(start),
		Success:    len(plan.Tasks) > 0,
		Cost:       p.llm.CalculateCost(inTok, outTok, model),
		TokensUsed: inTok + outTok,
		ModelUsed:  model,
	})
	p.logger.Printf("%s: %d tasks for goal %q", operation, len(plan.Tasks), sc.Goal)
	return plan
}

func (p *Planner) createPlanningPrompt(sc *SessionContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n\n", sc.Goal)
	writeSessionState(&b, sc)
	b.WriteString("\nAvailable actions:\n")
	for _, a := range Actions() {
		fmt.Fprintf(&b, "- %s\n", a)
	}
	b.WriteString("\nProduce the task list now.")
	return b.String()
}

func (p *Planner) createRevisionPrompt(sc *SessionContext, feedback string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n\n", sc.Goal)
	writeSessionState(&b, sc)
	if completed := sc.CompletedTasks(); len(completed) > 0 {
		b.WriteString("\nAlready completed (do not repeat):\n")
		for _, t := range completed {
			fmt.Fprintf(&b, "- %s\n", t.Description)
		}
	}
	if pending := sc.PendingTasks(); len(pending) > 0 {
		b.WriteString("\nPrevious remaining tasks (superseded by your new list):\n")
		for _, t := range pending {
			fmt.Fprintf(&b, "- [%s] %s\n", t.Status, t.Description)
		}
	}
	fmt.Fprintf(&b, "\nFeedback on the previous plan:\n%s\n", feedback)
	b.WriteString("\nAvailable actions:\n")
	for _, a := range Actions() {
		fmt.Fprintf(&b, "- %s\n", a)
	}
	b.WriteString("\nProduce a corrected task list for the remaining work.")
	return b.String()
}

func writeSessionState(b *strings.Builder, sc *SessionContext) {
	state := sc.State()
	fmt.Fprintf(b, "Session state: logged_in=%v, current_page=%v, selected_entity=%v\n",
		state[StateKeyLoggedIn], state[StateKeyCurrentPage], state[StateKeySelectedEntity])
}

// parsePlanningResponse extracts tasks from the model output. Index
// dependencies are resolved to the generated task ids; out-of-range or
// self references are dropped. Any parse failure yields an empty plan.
func (p *Planner) parsePlanningResponse(raw, goal string) Plan {
	plan := Plan{
		ID:        uuid.New().String(),
		Goal:      goal,
		CreatedAt: time.Now(),
	}

	var parsed struct {
		Tasks []struct {
			Description  string          `json:"description"`
			Priority     int             `json:"priority"`
			Dependencies json.RawMessage `json:"dependencies"`
		} `json:"tasks"`
	}
	obj := extractFirstJSON(raw)
	if obj == "" || json.Unmarshal([]byte(obj), &parsed) != nil {
		p.logger.Printf("planning response unparseable, returning empty plan")
		return plan
	}

	now := time.Now()
	ids := make([]string, len(parsed.Tasks))
	for i := range parsed.Tasks {
		ids[i] = uuid.New().String()
	}
	for i, pt := range parsed.Tasks {
		if strings.TrimSpace(pt.Description) == "" {
			continue
		}
		priority := pt.Priority
		if priority < 1 || priority > 5 {
			priority = 3
		}
		var deps []string
		var idxs []int
		if len(pt.Dependencies) > 0 && json.Unmarshal(pt.Dependencies, &idxs) == nil {
			for _, idx := range idxs {
				if idx >= 0 && idx < len(ids) && idx != i {
					deps = append(deps, ids[idx])
				}
			}
		}
		plan.Tasks = append(plan.Tasks, Task{
			ID:           ids[i],
			Description:  pt.Description,
			Status:       TaskPending,
			Priority:     priority,
			Dependencies: deps,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
	}
	plan.EstimatedSteps = len(plan.Tasks)
	return plan
}

// modelFor resolves a routing entry, falling back to the configured
// fallback model.
func modelFor(cfg *config.Config, routed string) string {
	if routed != "" {
		return routed
	}
	return cfg.LLM.Routing.Fallback
}
