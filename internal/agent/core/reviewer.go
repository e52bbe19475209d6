package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/avelsher/portalpilot/config"
	"github.com/avelsher/portalpilot/internal/agent/telemetry"
)

// Reviewer gates plan quality and task results. The review step must
// never wedge a run: an unparseable or errored provider response
// defaults to approval. The reviewer is the only writer of the approved
// and rejected task statuses.
type Reviewer struct {
	config    *config.Config
	logger    *log.Logger
	llm       ReasoningProvider
	telemetry *telemetry.Telemetry
}

// NewReviewer creates a reviewer agent.
func NewReviewer(cfg *config.Config, llm ReasoningProvider, tele *telemetry.Telemetry) *Reviewer {
	return &Reviewer{
		config:    cfg,
		logger:    log.New(log.Writer(), "[REVIEWER] ", log.LstdFlags),
		llm:       llm,
		telemetry: tele,
	}
}

const reviewerSystem = `You review steps of an automated web-portal workflow. Judge whether the given subject actually advances the stated goal. Respond with JSON only:
{"approved": true, "feedback": "...", "suggestions": ["..."]}`

// ReviewPlan evaluates a freshly created plan against the goal.
func (r *Reviewer) ReviewPlan(ctx context.Context, sc *SessionContext, plan Plan) Review {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n\nProposed plan:\n", plan.Goal)
	for i, t := range plan.Tasks {
		fmt.Fprintf(&b, "%d. [p%d] %s\n", i+1, t.Priority, t.Description)
	}
	b.WriteString("\nDoes this plan plausibly achieve the goal? Review it now.")

	rev := r.review(ctx, b.String(), plan.ID)
	sc.AppendHistory(RoleReviewer, "review_plan", map[string]interface{}{"plan_id": plan.ID}, rev)
	return rev
}

// ReviewTaskResult evaluates one task's execution output and records the
// verdict on the task itself: approved or rejected.
func (r *Reviewer) ReviewTaskResult(ctx context.Context, sc *SessionContext, task Task, output map[string]interface{}) Review {
	outJSON, _ := json.Marshal(output)
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n\nTask: %s\n\nExecution output:\n%s\n", sc.Goal, task.Description, string(outJSON))
	b.WriteString("\nDid this output satisfy the task? Review it now.")

	rev := r.review(ctx, b.String(), task.ID)

	status := TaskApproved
	if !rev.Approved {
		status = TaskRejected
	}
	sc.UpdateTask(task.ID, TaskPatch{Status: &status})
	sc.AppendHistory(RoleReviewer, "review_task_result", map[string]interface{}{"task_id": task.ID}, rev)
	return rev
}

func (r *Reviewer) review(ctx context.Context, prompt, subjectID string) Review {
	start := time.Now()
	model := modelFor(r.config, r.config.LLM.Routing.Review)

	rev := Review{
		SubjectID:  subjectID,
		Approved:   true, // fail-open default
		ReviewedAt: time.Now(),
	}

	raw, inTok, outTok, err := r.llm.GenerateWithTokens(ctx, reviewerSystem, prompt, model, nil)
	if err != nil {
		r.logger.Printf("provider error, defaulting to approval: %v", err)
		return rev
	}

	var parsed map[string]interface{}
	if !decodeLoose(raw, &parsed) {
		r.logger.Printf("review response unparseable, defaulting to approval")
		return rev
	}
	if v, ok := parsed["approved"]; ok {
		rev.Approved = asBool(v, true)
	}
	rev.Feedback = asString(parsed["feedback"])
	rev.Suggestions = asStringSlice(parsed["suggestions"])

	r.telemetry.RecordAgentEvent(ctx, telemetry.AgentEvent{
		ID:         subjectID,
		AgentType:  string(RoleReviewer),
		Duration:   time.Since(start),
		Success:    true,
		Cost:       r.llm.CalculateCost(inTok, outTok, model),
		TokensUsed: inTok + outTok,
		ModelUsed:  model,
	})
	return rev
}
