package task

import (
	"time"

	"github.com/mfigueira/mordomo/internal/router"
	"github.com/mfigueira/mordomo/internal/safety"
	"github.com/mfigueira/mordomo/internal/skill"
)

// State is a task's position in its lifecycle. Transitions are monotonic;
// BLOCKED, SUCCEEDED and FAILED are terminal.
type State string

const (
	StateCreated              State = "CREATED"
	StateClassified           State = "CLASSIFIED"
	StateAllowed              State = "ALLOWED"
	StateAwaitingConfirmation State = "AWAITING_CONFIRMATION"
	StateBlocked              State = "BLOCKED"
	StateRunning              State = "RUNNING"
	StateSucceeded            State = "SUCCEEDED"
	StateFailed               State = "FAILED"
)

var transitions = map[State][]State{
	StateCreated:              {StateClassified},
	StateClassified:           {StateAllowed, StateAwaitingConfirmation, StateBlocked},
	StateAwaitingConfirmation: {StateAllowed, StateBlocked},
	StateAllowed:              {StateRunning},
	StateRunning:              {StateSucceeded, StateFailed},
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s State) CanTransitionTo(next State) bool {
	for _, n := range transitions[s] {
		if n == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	switch s {
	case StateBlocked, StateSucceeded, StateFailed:
		return true
	}
	return false
}

// Failure and block reasons recorded on tasks and audit records.
const (
	ReasonUnknownSkill     = "UnknownSkill"
	ReasonUnknownAction    = "UnknownAction"
	ReasonSafetyBlocked    = "SafetyBlocked"
	ReasonExecutionError   = "ExecutionError"
	ReasonTimeout          = "Timeout"
	ReasonDenied           = "Denied"
	ReasonCanceled         = "Canceled"
	ReasonAuditWriteFailed = "AuditWriteFailed"
)

// Task is the unit of tracked execution. The executor owns it from creation
// to terminal state; reads go through Executor.Get/List which return copies.
type Task struct {
	ID         string          `json:"id"`
	Command    *router.Command `json:"command"`
	State      State           `json:"state"`
	Decision   safety.Decision `json:"decision,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Detail     string          `json:"detail,omitempty"`
	Result     *skill.Result   `json:"result,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	StartedAt  time.Time       `json:"started_at,omitzero"`
	FinishedAt time.Time       `json:"finished_at,omitzero"`
}

// Filter narrows Executor.List. Zero values mean "any".
type Filter struct {
	Skill string
	State State
}
