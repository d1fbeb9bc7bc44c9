package models

import "time"

// OutcomeStatus is the per-engine verdict
type OutcomeStatus string

const (
	OutcomeSuccess OutcomeStatus = "success"
	OutcomeFailure OutcomeStatus = "failure"
)

// FailureKind classifies why a runner did not succeed
type FailureKind string

const (
	FailureUnsupportedEngine FailureKind = "unsupported_engine"
	FailureLaunch            FailureKind = "launch_failed"
	FailureScript            FailureKind = "script_failed"
	FailureTimeout           FailureKind = "timeout"
	FailureCanceled          FailureKind = "canceled"
)

// RunOutcome is the result of running one script against one engine
type RunOutcome struct {
	Engine   EngineKind    `json:"engine"`
	Status   OutcomeStatus `json:"status"`
	Failure  FailureKind   `json:"failure,omitempty"`
	Detail   string        `json:"detail,omitempty"`
	Step     *int          `json:"step,omitempty"` // index of the failing script step
	Duration time.Duration `json:"durationNs"`
}

// Succeeded reports whether the engine passed
func (o RunOutcome) Succeeded() bool {
	return o.Status == OutcomeSuccess
}

// SuccessPolicy decides the overall verdict from per-engine outcomes
type SuccessPolicy string

const (
	PolicyAll      SuccessPolicy = "all"
	PolicyMajority SuccessPolicy = "majority"
)

// Valid reports whether p is a known policy
func (p SuccessPolicy) Valid() bool {
	return p == PolicyAll || p == PolicyMajority
}

// AggregateResult is the orchestrator's answer for one run.
// Outcomes follow the order engines were requested in.
type AggregateResult struct {
	Success  bool          `json:"success"`
	Policy   SuccessPolicy `json:"policy"`
	Outcomes []RunOutcome  `json:"outcomes"`
}

// NewAggregateResult builds the result and applies the policy
func NewAggregateResult(outcomes []RunOutcome, policy SuccessPolicy) *AggregateResult {
	if !policy.Valid() {
		policy = PolicyAll
	}

	passed := 0
	for _, o := range outcomes {
		if o.Succeeded() {
			passed++
		}
	}

	var success bool
	switch policy {
	case PolicyMajority:
		success = passed*2 > len(outcomes)
	default:
		success = len(outcomes) > 0 && passed == len(outcomes)
	}

	return &AggregateResult{
		Success:  success,
		Policy:   policy,
		Outcomes: outcomes,
	}
}

// Failed returns the outcomes that did not succeed
func (r *AggregateResult) Failed() []RunOutcome {
	var failed []RunOutcome
	for _, o := range r.Outcomes {
		if !o.Succeeded() {
			failed = append(failed, o)
		}
	}
	return failed
}
