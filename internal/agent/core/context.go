package core

import (
	"time"

	"github.com/google/uuid"
)

// SessionContext is the shared mutable workspace for one workflow run.
// The orchestrator owns it and hands a pointer to each agent in turn;
// the run loop is strictly sequential, so no locking is done here. None
// of the mutators fail: writes to absent task ids are silent no-ops and
// reads of absent keys report absence.
type SessionContext struct {
	SessionID string
	Goal      string

	currentPlan    *Plan
	pendingTasks   []Task
	completedTasks []Task
	memory         map[string]MemoryItem
	state          map[string]interface{}
	history        []HistoryEntry

	now func() time.Time // test seam
}

// NewSessionContext creates an empty session for the given goal.
func NewSessionContext(goal string) *SessionContext {
	return &SessionContext{
		SessionID: uuid.New().String(),
		Goal:      goal,
		memory:    map[string]MemoryItem{},
		state:     map[string]interface{}{},
		now:       time.Now,
	}
}

// UpdateState merges the partial update into the session state and
// records the write in the history log.
func (sc *SessionContext) UpdateState(partial map[string]interface{}, source AgentRole) {
	if len(partial) == 0 {
		return
	}
	for k, v := range partial {
		sc.state[k] = v
	}
	sc.AppendHistory(source, "update_state", partial, nil)
}

// SetMemory stores a keyed value, overwriting any previous item under
// the same key. A zero ttl means the item never expires.
func (sc *SessionContext) SetMemory(key string, value interface{}, source AgentRole, ttl time.Duration) {
	sc.memory[key] = MemoryItem{
		ID:        uuid.New().String(),
		Key:       key,
		Value:     value,
		Source:    source,
		Timestamp: sc.now(),
		TTL:       ttl,
	}
}

// GetMemory returns the value stored under key. Expired items are
// treated as absent.
func (sc *SessionContext) GetMemory(key string) (interface{}, bool) {
	item, ok := sc.memory[key]
	if !ok {
		return nil, false
	}
	if item.TTL > 0 && sc.now().After(item.Timestamp.Add(item.TTL)) {
		return nil, false
	}
	return item.Value, true
}

// SetPlan installs a plan: its tasks become the pending queue, replacing
// whatever was pending. Completed tasks are preserved.
func (sc *SessionContext) SetPlan(plan Plan) {
	sc.currentPlan = &plan
	sc.pendingTasks = make([]Task, len(plan.Tasks))
	copy(sc.pendingTasks, plan.Tasks)
	sc.AppendHistory(RolePlanner, "set_plan", map[string]interface{}{"plan_id": plan.ID, "tasks": len(plan.Tasks)}, nil)
}

// Plan returns the current plan, or nil before planning.
func (sc *SessionContext) Plan() *Plan {
	return sc.currentPlan
}

// TaskPatch is a partial task update; nil fields are left unchanged.
type TaskPatch struct {
	Status   *TaskStatus
	Result   map[string]interface{}
	Priority *int
}

// UpdateTask applies a patch to a pending task. Unknown ids are no-ops.
func (sc *SessionContext) UpdateTask(id string, patch TaskPatch) {
	for i := range sc.pendingTasks {
		if sc.pendingTasks[i].ID != id {
			continue
		}
		if patch.Status != nil {
			sc.pendingTasks[i].Status = *patch.Status
		}
		if patch.Result != nil {
			sc.pendingTasks[i].Result = patch.Result
		}
		if patch.Priority != nil {
			sc.pendingTasks[i].Priority = *patch.Priority
		}
		sc.pendingTasks[i].UpdatedAt = sc.now()
		return
	}
}

// CompleteTask moves a pending task to the completed list with the given
// result and status completed. Calling it again for the same id, or for
// an id that was never pending, changes nothing: a task is never in both
// queues and never completed twice.
func (sc *SessionContext) CompleteTask(id string, result map[string]interface{}) {
	for i := range sc.pendingTasks {
		if sc.pendingTasks[i].ID != id {
			continue
		}
		t := sc.pendingTasks[i]
		t.Status = TaskCompleted
		t.Result = result
		t.UpdatedAt = sc.now()
		sc.pendingTasks = append(sc.pendingTasks[:i], sc.pendingTasks[i+1:]...)
		sc.completedTasks = append(sc.completedTasks, t)
		return
	}
}

// NextTask returns the next runnable task: among pending tasks in status
// pending or approved whose dependencies have all completed, the one
// with the highest priority, ties broken by insertion order. The second
// return is false when nothing is runnable, including the dependency
// deadlock case where tasks remain pending but none is ready.
func (sc *SessionContext) NextTask() (Task, bool) {
	done := make(map[string]bool, len(sc.completedTasks))
	for _, t := range sc.completedTasks {
		done[t.ID] = true
	}
	best := -1
	for i, t := range sc.pendingTasks {
		if t.Status != TaskPending && t.Status != TaskApproved {
			continue
		}
		ready := true
		for _, dep := range t.Dependencies {
			if !done[dep] {
				ready = false
				break
			}
		}
		if !ready {
			continue
		}
		if best < 0 || t.Priority > sc.pendingTasks[best].Priority {
			best = i
		}
	}
	if best < 0 {
		return Task{}, false
	}
	return sc.pendingTasks[best], true
}

// AppendHistory records an immutable audit entry.
func (sc *SessionContext) AppendHistory(agent AgentRole, action string, input, output interface{}) {
	sc.history = append(sc.history, HistoryEntry{
		ID:        uuid.New().String(),
		Agent:     agent,
		Action:    action,
		Input:     input,
		Output:    output,
		Timestamp: sc.now(),
	})
}

// History returns a copy of the audit log.
func (sc *SessionContext) History() []HistoryEntry {
	out := make([]HistoryEntry, len(sc.history))
	copy(out, sc.history)
	return out
}

// State returns a copy of the session state.
func (sc *SessionContext) State() map[string]interface{} {
	out := make(map[string]interface{}, len(sc.state))
	for k, v := range sc.state {
		out[k] = v
	}
	return out
}

// MemoryValues flattens unexpired memory into a key/value map.
func (sc *SessionContext) MemoryValues() map[string]interface{} {
	out := make(map[string]interface{}, len(sc.memory))
	for k := range sc.memory {
		if v, ok := sc.GetMemory(k); ok {
			out[k] = v
		}
	}
	return out
}

// PendingTasks returns a copy of the pending queue.
func (sc *SessionContext) PendingTasks() []Task {
	out := make([]Task, len(sc.pendingTasks))
	copy(out, sc.pendingTasks)
	return out
}

// CompletedTasks returns a copy of the completed list in completion order.
func (sc *SessionContext) CompletedTasks() []Task {
	out := make([]Task, len(sc.completedTasks))
	copy(out, sc.completedTasks)
	return out
}

// RecentCompleted returns up to n of the most recently completed tasks,
// newest last.
func (sc *SessionContext) RecentCompleted(n int) []Task {
	if n <= 0 || len(sc.completedTasks) == 0 {
		return nil
	}
	if n > len(sc.completedTasks) {
		n = len(sc.completedTasks)
	}
	out := make([]Task, n)
	copy(out, sc.completedTasks[len(sc.completedTasks)-n:])
	return out
}
