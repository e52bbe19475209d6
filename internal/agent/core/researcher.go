package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/blevesearch/bleve"

	"github.com/avelsher/portalpilot/config"
	"github.com/avelsher/portalpilot/internal/agent/telemetry"
)

// Researcher assembles the contextual snapshot a task needs before
// execution and answers free-form research queries over the session so
// far.
type Researcher struct {
	config    *config.Config
	logger    *log.Logger
	llm       ReasoningProvider
	telemetry *telemetry.Telemetry
}

// NewResearcher creates a researcher agent.
func NewResearcher(cfg *config.Config, llm ReasoningProvider, tele *telemetry.Telemetry) *Researcher {
	return &Researcher{
		config:    cfg,
		logger:    log.New(log.Writer(), "[RESEARCHER] ", log.LstdFlags),
		llm:       llm,
		telemetry: tele,
	}
}

// GatherContext snapshots what the given task needs: session state, the
// entity and form-data memory keys, and the last three completed tasks.
// It is a pure read: no side effects, no failure modes. Absent data
// yields nil fields.
func (r *Researcher) GatherContext(sc *SessionContext, task Task) ResearchSnapshot {
	snap := ResearchSnapshot{State: sc.State()}
	if v, ok := sc.GetMemory(MemoryKeyEntities); ok {
		snap.Entities = v
	}
	if v, ok := sc.GetMemory(MemoryKeyFormData); ok {
		snap.FormData = v
	}
	for _, t := range sc.RecentCompleted(3) {
		snap.RecentTasks = append(snap.RecentTasks, CompletedTaskSummary{
			Description: t.Description,
			Result:      t.Result,
		})
	}
	sc.AppendHistory(RoleResearcher, "gather_context", map[string]interface{}{"task_id": task.ID}, nil)
	return snap
}

const researcherSystem = `You answer research questions about an in-flight web-portal automation session using only the provided excerpts from its audit log and completed tasks. Respond with JSON only:
{"findings": ["..."], "confidence": 0.8}`

// Research answers a free-form query by ranking the session's history
// entries and completed-task results in an in-memory index, then asking
// the reasoning provider to summarize the top hits. When the provider's
// answer cannot be parsed the raw ranked snippets are returned as
// findings. Confidence is advisory; nothing branches on it.
func (r *Researcher) Research(ctx context.Context, sc *SessionContext, query string) (ResearchResult, error) {
	start := time.Now()

	docs, hits, maxScore, err := r.searchSession(sc, query)
	if err != nil {
		return ResearchResult{}, fmt.Errorf("indexing session: %w", err)
	}

	result := ResearchResult{Findings: []string{}, Sources: []string{}}
	var snippets []string
	for _, id := range hits {
		result.Sources = append(result.Sources, id)
		snippets = append(snippets, docs[id])
	}

	model := modelFor(r.config, r.config.LLM.Routing.Research)
	prompt := r.createResearchPrompt(sc.Goal, query, snippets)
	raw, inTok, outTok, genErr := r.llm.GenerateWithTokens(ctx, researcherSystem, prompt, model, nil)

	var parsed map[string]interface{}
	if genErr == nil && decodeLoose(raw, &parsed) {
		result.Findings = asStringSlice(parsed["findings"])
		result.Confidence = asFloat(parsed["confidence"])
	} else {
		// fall back to the ranked snippets themselves
		result.Findings = snippets
		result.Confidence = maxScore
		if result.Confidence > 1 {
			result.Confidence = 1
		}
	}

	sc.AppendHistory(RoleResearcher, "research", map[string]interface{}{"query": query}, result)
	r.telemetry.RecordAgentEvent(ctx, telemetry.AgentEvent{
		ID:         sc.SessionID,
		AgentType:  string(RoleResearcher),
		Duration:   time.Since(start),
		Success:    genErr == nil,
		Cost:       r.llm.CalculateCost(inTok, outTok, model),
		TokensUsed: inTok + outTok,
		ModelUsed:  model,
	})
	return result, nil
}

// searchSession builds a throwaway in-memory index over the session's
// history and completed tasks and returns the top ranked document ids.
func (r *Researcher) searchSession(sc *SessionContext, query string) (map[string]string, []string, float64, error) {
	mapping := bleve.NewIndexMapping()
	idx, err := bleve.NewMemOnly(mapping)
	if err != nil {
		return nil, nil, 0, err
	}
	defer idx.Close()

	docs := map[string]string{}
	for _, h := range sc.History() {
		text := fmt.Sprintf("%s %s", h.Agent, h.Action)
		if h.Input != nil {
			if b, err := json.Marshal(h.Input); err == nil {
				text += " " + string(b)
			}
		}
		if h.Output != nil {
			if b, err := json.Marshal(h.Output); err == nil {
				text += " " + string(b)
			}
		}
		id := "history:" + h.ID
		docs[id] = text
		if err := idx.Index(id, map[string]interface{}{"text": text}); err != nil {
			return nil, nil, 0, err
		}
	}
	for _, t := range sc.CompletedTasks() {
		text := t.Description
		if t.Result != nil {
			if b, err := json.Marshal(t.Result); err == nil {
				text += " " + string(b)
			}
		}
		id := "task:" + t.ID
		docs[id] = text
		if err := idx.Index(id, map[string]interface{}{"text": text}); err != nil {
			return nil, nil, 0, err
		}
	}

	req := bleve.NewSearchRequest(bleve.NewMatchQuery(query))
	req.Size = 5
	res, err := idx.Search(req)
	if err != nil {
		return nil, nil, 0, err
	}
	ids := make([]string, 0, len(res.Hits))
	for _, hit := range res.Hits {
		ids = append(ids, hit.ID)
	}
	return docs, ids, res.MaxScore, nil
}

func (r *Researcher) createResearchPrompt(goal, query string, snippets []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal of the session: %s\n\nQuestion: %s\n\n", goal, query)
	if len(snippets) == 0 {
		b.WriteString("No session records matched the question.\n")
	} else {
		b.WriteString("Matching session records, most relevant first:\n")
		for i, s := range snippets {
			fmt.Fprintf(&b, "%d. %s\n", i+1, s)
		}
	}
	b.WriteString("\nAnswer the question from these records only.")
	return b.String()
}
