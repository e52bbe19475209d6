package capability

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Side-effect classes attached to automation actions. An action carrying
// SideEffectSubmission mutates remote records and is never auto-retried.
const (
	SideEffectSession    = "session"
	SideEffectNavigation = "navigation"
	SideEffectFormState  = "form_state"
	SideEffectSubmission = "submission"
	SideEffectNetwork    = "network"
)

// ToolCard represents registry metadata for one automation action.
type ToolCard struct {
	Name         string                 `json:"name"`
	Version      string                 `json:"version"`
	Description  string                 `json:"description"`
	Action       string                 `json:"action"`
	InputSchema  map[string]interface{} `json:"input_schema"`
	OutputSchema map[string]interface{} `json:"output_schema"`
	SideEffects  []string               `json:"side_effects"`
	Checksum     string                 `json:"checksum"`
	Signature    string                 `json:"signature"`
}

// DefaultToolCards returns the built-in cards for the portal action
// vocabulary with minimal schemas.
func DefaultToolCards() []ToolCard {
	empty := func() map[string]interface{} {
		return map[string]interface{}{
			"$schema": "https://json-schema.org/draft/2020-12/schema",
			"type":    "object",
		}
	}
	return []ToolCard{
		{Name: "login", Version: "v1", Description: "Authenticates against the portal", Action: "login", InputSchema: empty(), OutputSchema: empty(), SideEffects: []string{SideEffectSession}},
		{Name: "list_entities", Version: "v1", Description: "Fetches the entity list", Action: "list_entities", InputSchema: empty(), OutputSchema: empty(), SideEffects: []string{SideEffectNetwork}},
		{Name: "select_entity", Version: "v1", Description: "Selects an entity by name or id", Action: "select_entity", InputSchema: empty(), OutputSchema: empty(), SideEffects: []string{SideEffectNavigation}},
		{Name: "navigate_to_form", Version: "v1", Description: "Opens the submission form", Action: "navigate_to_form", InputSchema: empty(), OutputSchema: empty(), SideEffects: []string{SideEffectNavigation}},
		{Name: "fill_form", Version: "v1", Description: "Fills form fields", Action: "fill_form", InputSchema: empty(), OutputSchema: empty(), SideEffects: []string{SideEffectFormState}},
		{Name: "submit_form", Version: "v1", Description: "Submits the form", Action: "submit_form", InputSchema: empty(), OutputSchema: empty(), SideEffects: []string{SideEffectSubmission}},
		{Name: "get_page_state", Version: "v1", Description: "Reads the current page without mutating it", Action: "get_page_state", InputSchema: empty(), OutputSchema: empty()},
	}
}

// Registry holds validated ToolCards keyed by action name.
type Registry struct {
	tools map[string]ToolCard
}

// ErrToolMissing indicates a required action is not registered.
var ErrToolMissing = fmt.Errorf("required tool missing")

// NewRegistry validates ToolCards and ensures required actions exist.
func NewRegistry(cards []ToolCard, signingSecret string, required []string) (*Registry, error) {
	reg := &Registry{tools: make(map[string]ToolCard)}
	for _, tc := range cards {
		if err := validateSignature(tc, signingSecret); err != nil {
			return nil, fmt.Errorf("tool %s@%s signature invalid: %w", tc.Name, tc.Version, err)
		}
		existing, ok := reg.tools[tc.Action]
		if !ok || versionGreater(tc.Version, existing.Version) {
			reg.tools[tc.Action] = tc
		}
	}
	if len(required) == 0 {
		required = []string{"login", "list_entities", "select_entity", "navigate_to_form", "fill_form", "submit_form", "get_page_state"}
	}
	for _, r := range required {
		if _, ok := reg.tools[r]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrToolMissing, r)
		}
	}
	return reg, nil
}

// Tool returns the ToolCard for an action.
func (r *Registry) Tool(action string) (ToolCard, bool) {
	if r == nil {
		return ToolCard{}, false
	}
	tc, ok := r.tools[action]
	return tc, ok
}

// RetrySafe reports whether an action may be re-run after a review
// rejection. Unknown actions are not retry-safe.
func (r *Registry) RetrySafe(action string) bool {
	tc, ok := r.Tool(action)
	if !ok {
		return false
	}
	for _, se := range tc.SideEffects {
		if se == SideEffectSubmission {
			return false
		}
	}
	return true
}

// ComputeChecksum returns a deterministic hash of the ToolCard payload (excluding signature field).
func ComputeChecksum(tc ToolCard) (string, error) {
	payload := map[string]interface{}{
		"name":          tc.Name,
		"version":       tc.Version,
		"description":   tc.Description,
		"action":        tc.Action,
		"input_schema":  tc.InputSchema,
		"output_schema": tc.OutputSchema,
		"side_effects":  tc.SideEffects,
	}
	normalized, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(normalized)
	return hex.EncodeToString(sum[:]), nil
}

// SignToolCard computes an HMAC signature using the signing secret.
func SignToolCard(tc ToolCard, secret string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("signing secret is empty")
	}
	checksum, err := ComputeChecksum(tc)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(checksum))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

func validateSignature(tc ToolCard, secret string) error {
	if secret == "" {
		return nil
	}
	expected, err := SignToolCard(tc, secret)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(expected), []byte(tc.Signature)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

func versionGreater(a, b string) bool {
	if a == b {
		return false
	}
	// naive semver compare
	return compareVersions(splitVersion(a), splitVersion(b)) > 0
}

func splitVersion(v string) []int {
	parts := strings.Split(strings.TrimPrefix(v, "v"), ".")
	out := make([]int, len(parts))
	for i, p := range parts {
		fmt.Sscanf(p, "%d", &out[i])
	}
	return out
}

func compareVersions(a, b []int) int {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		ai, bi := 0, 0
		if i < len(a) {
			ai = a[i]
		}
		if i < len(b) {
			bi = b[i]
		}
		if ai > bi {
			return 1
		}
		if ai < bi {
			return -1
		}
	}
	return 0
}
