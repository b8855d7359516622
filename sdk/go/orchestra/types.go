package orchestra

// TokenRequest is the credential payload accepted by the token endpoint.
type TokenRequest struct {
	GrantType    string `json:"grant_type"`
	Username     string `json:"username,omitempty"`
	Password     string `json:"password,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// TokenPair contains the issued access and refresh tokens.
type TokenPair struct {
	AccessToken      string `json:"access_token"`
	ExpiresIn        int64  `json:"expires_in"`
	RefreshToken     string `json:"refresh_token,omitempty"`
	RefreshExpiresIn int64  `json:"refresh_expires_in,omitempty"`
	TokenType        string `json:"token_type"`
}

// Seed pre-populates a context scope with named fields before execution.
type Seed struct {
	Key    string         `json:"key"`
	Fields map[string]any `json:"fields"`
}

// RetryPolicy controls how often and with which backoff a failed step is
// retried. Delay fields use Go duration syntax, for example "500ms" or "2s".
type RetryPolicy struct {
	MaxAttempts    int     `json:"max_attempts"`
	Backoff        string  `json:"backoff,omitempty"`
	Delay          string  `json:"delay,omitempty"`
	MaxDelay       string  `json:"max_delay,omitempty"`
	Multiplier     float64 `json:"multiplier,omitempty"`
	RetryOnTimeout bool    `json:"retry_on_timeout,omitempty"`
}

// PrunePolicy bounds per-scope context growth.
type PrunePolicy struct {
	MaxEntries int `json:"max_entries,omitempty"`
	MaxTokens  int `json:"max_tokens,omitempty"`
}

// StepDefinition describes a single step of a workflow graph.
type StepDefinition struct {
	Name                string         `json:"name"`
	Action              string         `json:"action,omitempty"`
	Provider            string         `json:"provider,omitempty"`
	Model               string         `json:"model,omitempty"`
	System              string         `json:"system,omitempty"`
	Prompt              string         `json:"prompt,omitempty"`
	Params              map[string]any `json:"params,omitempty"`
	DependsOn           []string       `json:"depends_on,omitempty"`
	Group               string         `json:"group,omitempty"`
	SaveAs              string         `json:"save_as,omitempty"`
	Stream              bool           `json:"stream,omitempty"`
	Timeout             string         `json:"timeout,omitempty"`
	Retry               *RetryPolicy   `json:"retry,omitempty"`
	OnDependencyFailure string         `json:"on_dependency_failure,omitempty"`
}

// WorkflowDefinition is the declarative description of a workflow.
type WorkflowDefinition struct {
	Name            string           `json:"name"`
	Description     string           `json:"description,omitempty"`
	Steps           []StepDefinition `json:"steps"`
	FailFast        bool             `json:"fail_fast,omitempty"`
	MaxConcurrency  int              `json:"max_concurrency,omitempty"`
	DefaultProvider string           `json:"default_provider,omitempty"`
	DefaultModel    string           `json:"default_model,omitempty"`
	DefaultTimeout  string           `json:"default_timeout,omitempty"`
	DefaultRetry    *RetryPolicy     `json:"default_retry,omitempty"`
	Prune           *PrunePolicy     `json:"prune,omitempty"`
	SeedSet         string           `json:"seed_set,omitempty"`
	Seeds           []Seed           `json:"seeds,omitempty"`
	Metadata        map[string]any   `json:"metadata,omitempty"`
}

// WorkflowSubmission represents the payload required to create a workflow.
// Setting Sync executes the workflow within the submitting request.
type WorkflowSubmission struct {
	ID         string             `json:"id,omitempty"`
	Definition WorkflowDefinition `json:"definition"`
	SeedSet    string             `json:"seed_set,omitempty"`
	Seeds      []Seed             `json:"seeds,omitempty"`
	Sync       bool               `json:"sync,omitempty"`
}

// Workflow lifecycle statuses reported by the server.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// StepAttempt records a single execution attempt of a step.
type StepAttempt struct {
	Number       int    `json:"number"`
	StartedAt    int64  `json:"started_at"`
	FinishedAt   int64  `json:"finished_at"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// StepRecord tracks the execution state of a single workflow step.
type StepRecord struct {
	Name         string        `json:"name"`
	Key          string        `json:"key"`
	Status       string        `json:"status"`
	Attempts     []StepAttempt `json:"attempts,omitempty"`
	StartedAt    int64         `json:"started_at,omitempty"`
	FinishedAt   int64         `json:"finished_at,omitempty"`
	ErrorCode    string        `json:"error_code,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
}

// Workflow is the full server-side record of a submitted workflow.
type Workflow struct {
	ID           string             `json:"id"`
	Name         string             `json:"name"`
	Definition   WorkflowDefinition `json:"definition"`
	Seeds        []Seed             `json:"seeds,omitempty"`
	Status       string             `json:"status"`
	Steps        []StepRecord       `json:"steps"`
	Result       map[string]any     `json:"result,omitempty"`
	ErrorCode    string             `json:"error_code,omitempty"`
	ErrorMessage string             `json:"error_message,omitempty"`
	Attempts     int                `json:"attempts"`
	MaxRetries   int                `json:"max_retries"`
	CreatedAt    int64              `json:"created_at"`
	UpdatedAt    int64              `json:"updated_at"`
	StartedAt    int64              `json:"started_at,omitempty"`
	FinishedAt   int64              `json:"finished_at,omitempty"`
}

// Terminal reports whether the workflow reached a final state.
func (w *Workflow) Terminal() bool {
	switch w.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// WorkflowStats aggregates workflow counts grouped by status.
type WorkflowStats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Running         int   `json:"running"`
	Paused          int   `json:"paused"`
	Completed       int   `json:"completed"`
	Failed          int   `json:"failed"`
	Cancelled       int   `json:"cancelled"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

// Usage counts the tokens consumed by a model call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`
}

// ChainStep is one prompt of a linear reasoning chain. Prompts may reference
// earlier outputs with {step.field} placeholders.
type ChainStep struct {
	Name     string         `json:"name"`
	Prompt   string         `json:"prompt"`
	Provider string         `json:"provider,omitempty"`
	Model    string         `json:"model,omitempty"`
	Params   map[string]any `json:"params,omitempty"`
}

// ChainRequest submits a reasoning chain. A non-empty Session scopes the run
// to a persistent conversation whose context survives across solves.
type ChainRequest struct {
	ID         string      `json:"id,omitempty"`
	Session    string      `json:"session,omitempty"`
	Steps      []ChainStep `json:"steps"`
	Seeds      []Seed      `json:"seeds,omitempty"`
	Visibility string      `json:"visibility,omitempty"`
}

// ChainStepResult records the resolved prompt and model output of one step.
type ChainStepResult struct {
	Name         string `json:"name"`
	Prompt       string `json:"prompt"`
	Result       string `json:"result"`
	Model        string `json:"model,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        Usage  `json:"usage,omitempty"`
	StartedAt    int64  `json:"started_at"`
	FinishedAt   int64  `json:"finished_at"`
}

// ChainResult is the outcome of a chain solve. On failure the steps completed
// before the halt are still present.
type ChainResult struct {
	ChainID      string            `json:"chain_id"`
	Session      string            `json:"session,omitempty"`
	Status       string            `json:"status"`
	Steps        []ChainStepResult `json:"steps,omitempty"`
	Final        *ChainStepResult  `json:"final,omitempty"`
	FailedStep   string            `json:"failed_step,omitempty"`
	ErrorCode    string            `json:"error_code,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	Usage        Usage             `json:"usage,omitempty"`
	CreatedAt    int64             `json:"created_at"`
}

// PluginDescriptor summarizes a plugin known to the server.
type PluginDescriptor struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Type   string `json:"type"`
	State  string `json:"state"`
	Source string `json:"source"`
}
