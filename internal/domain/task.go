package domain

import (
	"encoding/json"
	"time"
	"unicode"
	"unicode/utf8"
)

// Status represents where a task currently lives in the queue.
type Status string

const (
	StatusPending  Status = "pending"
	StatusInFlight Status = "in_flight"
	StatusDone     Status = "done"
	StatusDead     Status = "dead"
)

// IsTerminal returns true if the task will never be claimed again.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusDead
}

const maxIDLength = 512

// Task is a unit of crawl work: one target handle of one kind.
type Task struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	Target      string          `json:"target"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Status      Status          `json:"status"`
	Attempts    int             `json:"attempts"`
	Reclaims    int             `json:"reclaims"`
	LastError   string          `json:"last_error,omitempty"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	ClaimedAt   *time.Time      `json:"claimed_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// TaskID builds the canonical identifier for a kind/target pair.
func TaskID(kind, target string) string {
	return kind + ":" + target
}

// NewTask returns a pending task for target under kind.
func NewTask(kind, target string, payload json.RawMessage) *Task {
	return &Task{
		ID:      TaskID(kind, target),
		Kind:    kind,
		Target:  target,
		Payload: payload,
		Status:  StatusPending,
	}
}

// Validate checks the task is syntactically acceptable for enqueueing.
func (t *Task) Validate() error {
	if t == nil {
		return &InvalidTaskError{Reason: "nil task"}
	}
	if err := validateID(t.ID); err != "" {
		return &InvalidTaskError{TaskID: t.ID, Reason: err}
	}
	if !validKind(t.Kind) {
		return &InvalidTaskError{TaskID: t.ID, Reason: "kind must match [a-z][a-z0-9_-]{0,31}"}
	}
	if len(t.Payload) > 0 && !json.Valid(t.Payload) {
		return &InvalidTaskError{TaskID: t.ID, Reason: "payload is not valid JSON"}
	}
	return nil
}

func validateID(id string) string {
	switch {
	case id == "":
		return "empty id"
	case len(id) > maxIDLength:
		return "id longer than 512 bytes"
	case !utf8.ValidString(id):
		return "id is not valid UTF-8"
	}
	first, _ := utf8.DecodeRuneInString(id)
	last, _ := utf8.DecodeLastRuneInString(id)
	if unicode.IsSpace(first) || unicode.IsSpace(last) {
		return "id has leading or trailing whitespace"
	}
	for _, r := range id {
		if unicode.IsControl(r) {
			return "id contains control characters"
		}
	}
	return ""
}

func validKind(kind string) bool {
	if kind == "" || len(kind) > 32 {
		return false
	}
	for i, r := range kind {
		switch {
		case r >= 'a' && r <= 'z':
		case i > 0 && (r >= '0' && r <= '9' || r == '_' || r == '-'):
		default:
			return false
		}
	}
	return true
}

// Result is what the fetch-and-extract collaborator produced for a task.
type Result struct {
	TaskID     string            `json:"task_id"`
	URL        string            `json:"url,omitempty"`
	StatusCode int               `json:"status_code,omitempty"`
	Title      string            `json:"title,omitempty"`
	Fields     map[string]string `json:"fields,omitempty"`
	Discovered []*Task           `json:"discovered,omitempty"`
	FetchedAt  time.Time         `json:"fetched_at"`
	DurationMs int64             `json:"duration_ms"`
}

// Outcome is the result of a single execution attempt.
type Outcome string

const (
	OutcomeDone     Outcome = "done"
	OutcomeRetry    Outcome = "retry"
	OutcomeDead     Outcome = "dead"
	OutcomeDeferred Outcome = "deferred"
)

// TaskExecution records a single execution attempt of a task.
type TaskExecution struct {
	ID         string    `json:"id"`
	TaskID     string    `json:"task_id"`
	Kind       string    `json:"kind"`
	WorkerID   string    `json:"worker_id"`
	Attempt    int       `json:"attempt"`
	Outcome    Outcome   `json:"outcome"`
	DurationMs int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
	ExecutedAt time.Time `json:"executed_at"`
}
