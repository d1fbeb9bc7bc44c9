package models

import "time"

// RunStatus represents the current state of a test run
type RunStatus string

const (
	StatusQueued    RunStatus = "QUEUED"
	StatusRunning   RunStatus = "RUNNING"
	StatusCompleted RunStatus = "COMPLETED"
	StatusError     RunStatus = "ERROR"
)

// Run tracks one execution of a stored test across engines
type Run struct {
	ID         string           `json:"id"`
	TestID     string           `json:"testId"`
	Status     RunStatus        `json:"status"`
	Engines    []EngineKind     `json:"engines"`
	SessionID  string           `json:"sessionId,omitempty"`
	Display    string           `json:"display,omitempty"`
	StartedAt  time.Time        `json:"startedAt"`
	FinishedAt *time.Time       `json:"finishedAt,omitempty"`
	Result     *AggregateResult `json:"result,omitempty"`
	Error      string           `json:"error,omitempty"`
	LiveURL    string           `json:"liveUrl,omitempty"`
}

// Finished reports whether the run reached a terminal state
func (r *Run) Finished() bool {
	return r.Status == StatusCompleted || r.Status == StatusError
}

// Test is a stored regression test
type Test struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Script string `json:"-"`
}

// ExecuteRequest is the parsed form of an execute call
type ExecuteRequest struct {
	TestID  string
	Engines []EngineKind
	Async   bool
}

// ExecuteResponse is returned by the execute endpoints
type ExecuteResponse struct {
	Message string `json:"message,omitempty"`
	Run     *Run   `json:"run"`
}

// ErrorResponse is the JSON body of every failed request
type ErrorResponse struct {
	Error string `json:"error"`
}
