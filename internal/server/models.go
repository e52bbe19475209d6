package server

// HTTPError is the unified error envelope.
type HTTPError struct {
	Error string `json:"error"`
}

// AuthSignupRequest is the signup payload.
type AuthSignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthLoginRequest is the login payload.
type AuthLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// TokenResponse carries a signed JWT.
type TokenResponse struct {
	Token string `json:"token"`
}

// RunRequest starts one workflow run. Zero-valued knobs fall back to
// the configured workflow defaults.
type RunRequest struct {
	Goal          string `json:"goal"`
	MaxIterations int    `json:"max_iterations,omitempty"`
	RequireReview *bool  `json:"require_review,omitempty"`
	AutoRetry     *bool  `json:"auto_retry,omitempty"`
	RetryLimit    int    `json:"retry_limit,omitempty"`
	TimeoutMS     int64  `json:"timeout_ms,omitempty"`
}

// ResearchRequest asks a free-form question about a goal.
type ResearchRequest struct {
	Goal  string `json:"goal,omitempty"`
	Query string `json:"query"`
}

// ScheduleRequest stores a recurring goal.
type ScheduleRequest struct {
	Goal     string `json:"goal"`
	CronSpec string `json:"cron_spec"`
}

// StatusResponse is the health/status document: recognized config
// sections, the agent roster and the action vocabulary.
type StatusResponse struct {
	Status         string   `json:"status"`
	RecognizedKeys []string `json:"recognized_config_keys"`
	Agents         []string `json:"agents"`
	Actions        []string `json:"actions"`
}
