package core

import (
	"context"
	"time"
)

// AgentRole identifies which decision-making unit produced a record.
type AgentRole string

const (
	RolePlanner      AgentRole = "planner"
	RoleReviewer     AgentRole = "reviewer"
	RoleResearcher   AgentRole = "researcher"
	RoleExecutor     AgentRole = "executor"
	RoleOrchestrator AgentRole = "orchestrator"
)

// Roles returns the fixed agent-role roster.
func Roles() []AgentRole {
	return []AgentRole{RolePlanner, RoleReviewer, RoleResearcher, RoleExecutor, RoleOrchestrator}
}

// TaskStatus is the lifecycle state of a single task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskApproved   TaskStatus = "approved"
	TaskRejected   TaskStatus = "rejected"
	TaskFailed     TaskStatus = "failed"
	TaskCompleted  TaskStatus = "completed"
)

// Action names the fixed automation vocabulary against the portal.
type Action string

const (
	ActionLogin          Action = "login"
	ActionListEntities   Action = "list_entities"
	ActionSelectEntity   Action = "select_entity"
	ActionNavigateToForm Action = "navigate_to_form"
	ActionFillForm       Action = "fill_form"
	ActionSubmitForm     Action = "submit_form"
	ActionGetPageState   Action = "get_page_state"
)

// Actions returns the full action vocabulary in a stable order.
func Actions() []Action {
	return []Action{
		ActionLogin, ActionListEntities, ActionSelectEntity,
		ActionNavigateToForm, ActionFillForm, ActionSubmitForm, ActionGetPageState,
	}
}

// Well-known memory keys shared between agents.
const (
	MemoryKeyEntities = "entities"  // entity list fetched from the portal
	MemoryKeyFormData = "form_data" // working payload for the submission form
)

// Well-known state keys.
const (
	StateKeyLoggedIn       = "is_logged_in"
	StateKeyCurrentPage    = "current_page"
	StateKeySelectedEntity = "selected_entity"
)

// Task represents one atomic unit of work produced by the planner.
// Dependencies hold other task ids; they are declared by the planner and
// enforced by NextTask selection.
type Task struct {
	ID           string                 `json:"id"`
	Description  string                 `json:"description"`
	Status       TaskStatus             `json:"status"`
	Priority     int                    `json:"priority"` // 1-5, higher is more important
	Dependencies []string               `json:"dependencies,omitempty"`
	Result       map[string]interface{} `json:"result,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

// Plan is an ordered batch of tasks produced to satisfy a goal.
type Plan struct {
	ID             string    `json:"id"`
	Goal           string    `json:"goal"`
	Tasks          []Task    `json:"tasks"`
	EstimatedSteps int       `json:"estimated_steps"`
	CreatedAt      time.Time `json:"created_at"`
}

// Review is an approve/reject verdict with feedback. It is transient:
// produced and consumed within one loop iteration, retained only in the
// history log.
type Review struct {
	SubjectID   string    `json:"subject_id"`
	Approved    bool      `json:"approved"`
	Feedback    string    `json:"feedback"`
	Suggestions []string  `json:"suggestions,omitempty"`
	ReviewedAt  time.Time `json:"reviewed_at"`
}

// MemoryItem is a keyed, overwritable value used to pass data between
// steps without re-deriving it. Last write wins per key. A zero TTL
// means the item never expires.
type MemoryItem struct {
	ID        string        `json:"id"`
	Key       string        `json:"key"`
	Value     interface{}   `json:"value"`
	Source    AgentRole     `json:"source"`
	Timestamp time.Time     `json:"timestamp"`
	TTL       time.Duration `json:"ttl,omitempty"`
}

// HistoryEntry is an immutable audit record of one agent action. The
// history log is append-only and never consulted by control logic.
type HistoryEntry struct {
	ID        string      `json:"id"`
	Agent     AgentRole   `json:"agent"`
	Action    string      `json:"action"`
	Input     interface{} `json:"input,omitempty"`
	Output    interface{} `json:"output,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// ActionResult is the outcome of a single automation capability call.
type ActionResult struct {
	Success bool                   `json:"success"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// ExecutedAction records one automation call made on behalf of a task.
type ExecutedAction struct {
	Type        Action                 `json:"type"`
	Description string                 `json:"description"`
	Success     bool                   `json:"success"`
	Result      map[string]interface{} `json:"result,omitempty"`
}

// ExecutionResult is the executor's verdict for one task. An empty
// Actions list with Success=false means no automation call was attempted
// (the action choice could not be parsed), which is distinct from an
// automation call that returned success=false.
type ExecutionResult struct {
	TaskID  string                 `json:"task_id"`
	Success bool                   `json:"success"`
	Output  map[string]interface{} `json:"output,omitempty"`
	Actions []ExecutedAction       `json:"actions"`
	Error   string                 `json:"error,omitempty"`
}

// CompletedTaskSummary is the researcher's view of a finished task.
type CompletedTaskSummary struct {
	Description string                 `json:"description"`
	Result      map[string]interface{} `json:"result,omitempty"`
}

// ResearchSnapshot is the contextual snapshot a task needs before
// execution: session state, the two working memory keys, and the last
// three completed tasks. Assembling it has no side effects and cannot
// fail; absent data yields nil fields.
type ResearchSnapshot struct {
	State       map[string]interface{} `json:"state"`
	Entities    interface{}            `json:"entities,omitempty"`
	FormData    interface{}            `json:"form_data,omitempty"`
	RecentTasks []CompletedTaskSummary `json:"recent_tasks,omitempty"`
}

// ResearchResult is the outcome of a free-form research query.
// Confidence is advisory only; no component branches on it.
type ResearchResult struct {
	Findings   []string `json:"findings"`
	Sources    []string `json:"sources"`
	Confidence float64  `json:"confidence"`
}

// WorkflowConfig carries per-run loop settings.
type WorkflowConfig struct {
	MaxIterations int           `json:"max_iterations"`
	RequireReview bool          `json:"require_review"`
	AutoRetry     bool          `json:"auto_retry"`
	RetryLimit    int           `json:"retry_limit"`
	Timeout       time.Duration `json:"timeout"`
	MaxReplans    int           `json:"max_replans"`
}

// DefaultWorkflowConfig returns the documented defaults.
func DefaultWorkflowConfig() WorkflowConfig {
	return WorkflowConfig{
		MaxIterations: 15,
		RequireReview: true,
		AutoRetry:     true,
		RetryLimit:    2,
		Timeout:       300 * time.Second,
		MaxReplans:    1,
	}
}

// TaskOutcome pairs a completed task's description with its result for
// the compiled output.
type TaskOutcome struct {
	Description string                 `json:"description"`
	Result      map[string]interface{} `json:"result,omitempty"`
}

// CompiledOutput is the final state/results/memory triple returned to
// the caller.
type CompiledOutput struct {
	State   map[string]interface{} `json:"state"`
	Results []TaskOutcome          `json:"results"`
	Memory  map[string]interface{} `json:"memory"`
}

// WorkflowResult is what every run returns: the caller always receives a
// structured result, never a raw panic.
type WorkflowResult struct {
	RunID          string         `json:"run_id"`
	Goal           string         `json:"goal"`
	Success        bool           `json:"success"`
	CompletedTasks int            `json:"completed_tasks"`
	TotalTasks     int            `json:"total_tasks"`
	Output         CompiledOutput `json:"output"`
	Error          string         `json:"error,omitempty"`
	Duration       time.Duration  `json:"duration"`
	History        []HistoryEntry `json:"history"`
	CreatedAt      time.Time      `json:"created_at"`
}

// RunStatus is the live view of an in-flight run.
type RunStatus struct {
	RunID          string    `json:"run_id"`
	Phase          string    `json:"phase"` // planning, plan_review, executing, compiling, error
	CurrentTask    string    `json:"current_task,omitempty"`
	CompletedTasks int       `json:"completed_tasks"`
	TotalTasks     int       `json:"total_tasks"`
	Error          string    `json:"error,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	LastUpdated    time.Time `json:"last_updated"`
}

// ReasoningProvider is the external text-in/text-out decision-making
// service every agent consults. Its output is treated as possibly
// malformed text; callers must tolerate missing or broken JSON.
type ReasoningProvider interface {
	// Generate produces a completion for the given system instructions
	// and user prompt.
	Generate(ctx context.Context, system, prompt, model string, options map[string]interface{}) (string, error)

	// GenerateWithTokens additionally reports input/output token usage.
	GenerateWithTokens(ctx context.Context, system, prompt, model string, options map[string]interface{}) (string, int64, int64, error)

	// CalculateCost converts token usage into an estimated USD cost.
	CalculateCost(inputTokens, outputTokens int64, model string) float64
}

// AutomationClient performs the concrete browser-side effects a task
// requires. Actions are not guaranteed idempotent; repeated invocation
// may produce duplicate side effects on the remote system. The client
// wraps a single reusable browser session and is not safe for use by
// concurrent workflow sessions without external serialization.
type AutomationClient interface {
	Login(ctx context.Context, params map[string]interface{}) (ActionResult, error)
	ListEntities(ctx context.Context, params map[string]interface{}) (ActionResult, error)
	SelectEntity(ctx context.Context, params map[string]interface{}) (ActionResult, error)
	NavigateToForm(ctx context.Context, params map[string]interface{}) (ActionResult, error)
	FillForm(ctx context.Context, params map[string]interface{}) (ActionResult, error)
	SubmitForm(ctx context.Context, params map[string]interface{}) (ActionResult, error)
	GetPageState(ctx context.Context, params map[string]interface{}) (ActionResult, error)
}
