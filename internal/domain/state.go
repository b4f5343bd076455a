package domain

import (
	"errors"
	"fmt"
	"time"
)

// State is a work item lifecycle state.
type State string

const (
	StateTriggered            State = "Triggered"
	StateAnalyzing            State = "Analyzing"
	StateQuestionsPosted      State = "QuestionsPosted"
	StateAwaitingAnswers      State = "AwaitingAnswers"
	StateAnswersReceived      State = "AnswersReceived"
	StatePlanning             State = "Planning"
	StatePlanPosted           State = "PlanPosted"
	StatePlanUnderReview      State = "PlanUnderReview"
	StatePlanApproved         State = "PlanApproved"
	StatePlanRejected         State = "PlanRejected"
	StateImplementing         State = "Implementing"
	StatePRCreated            State = "PRCreated"
	StateImplementationFailed State = "ImplementationFailed"
	StateInReview             State = "InReview"
	StateCompleted            State = "Completed"
	StateCancelled            State = "Cancelled"
	StateFailed               State = "Failed"
)

// AllStates lists every state in lifecycle order.
var AllStates = []State{
	StateTriggered,
	StateAnalyzing,
	StateQuestionsPosted,
	StateAwaitingAnswers,
	StateAnswersReceived,
	StatePlanning,
	StatePlanPosted,
	StatePlanUnderReview,
	StatePlanApproved,
	StatePlanRejected,
	StateImplementing,
	StatePRCreated,
	StateImplementationFailed,
	StateInReview,
	StateCompleted,
	StateCancelled,
	StateFailed,
}

var transitions = map[State][]State{
	StateTriggered:            {StateAnalyzing, StateCancelled, StateFailed},
	StateAnalyzing:            {StateQuestionsPosted, StateAnswersReceived, StateCancelled, StateFailed},
	StateQuestionsPosted:      {StateAwaitingAnswers, StateCancelled, StateFailed},
	StateAwaitingAnswers:      {StateAnswersReceived, StateCancelled, StateFailed},
	StateAnswersReceived:      {StatePlanning, StateCancelled, StateFailed},
	StatePlanning:             {StatePlanPosted, StateCancelled, StateFailed},
	StatePlanPosted:           {StatePlanUnderReview, StateCancelled, StateFailed},
	StatePlanUnderReview:      {StatePlanApproved, StatePlanRejected, StateCancelled},
	StatePlanRejected:         {StatePlanning, StateCancelled, StateFailed},
	StatePlanApproved:         {StateImplementing, StateCompleted, StateCancelled},
	StateImplementing:         {StatePRCreated, StateImplementationFailed, StateCancelled},
	StateImplementationFailed: {StateImplementing, StateFailed},
	StatePRCreated:            {StateInReview, StateCancelled},
	StateInReview:             {StateCompleted, StateFailed},
	StateCompleted:            nil,
	StateCancelled:            nil,
	StateFailed:               nil,
}

// ErrInvalidTransition is matched by every InvalidTransitionError.
var ErrInvalidTransition = errors.New("invalid transition")

// InvalidTransitionError reports a disallowed state move.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid work item transition %s -> %s", e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether s has no outgoing transitions.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// ParseState converts a stored or user-supplied name into a State.
func ParseState(v string) (State, error) {
	s := State(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown state %q", v)
	}
	return s, nil
}

// ValidTransitions returns the states reachable from s in one move.
func ValidTransitions(s State) []State {
	next := transitions[s]
	out := make([]State, len(next))
	copy(out, next)
	return out
}

// CanTransition reports whether from -> to is in the allow-list.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StateChange is a pending lifecycle change recorded by TransitionTo.
type StateChange struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// CanTransitionTo reports whether the work item may move to s.
func (w *WorkItem) CanTransitionTo(s State) bool {
	return CanTransition(w.State, s)
}

// ValidTransitions returns the states the work item may move to next.
func (w *WorkItem) ValidTransitions() []State {
	return ValidTransitions(w.State)
}

// TransitionTo validates and applies a state change. The change is queued
// on the work item until the caller drains it with TakeChanges.
func (w *WorkItem) TransitionTo(to State, reason string, now time.Time) error {
	if !CanTransition(w.State, to) {
		return &InvalidTransitionError{From: w.State, To: to}
	}
	now = now.UTC()
	w.changes = append(w.changes, StateChange{From: w.State, To: to, Reason: reason, At: now})
	w.State = to
	w.UpdatedAt = now
	if to.Terminal() {
		w.CompletedAt = &now
	}
	return nil
}

// TakeChanges returns and clears the queued state changes.
func (w *WorkItem) TakeChanges() []StateChange {
	out := w.changes
	w.changes = nil
	return out
}
