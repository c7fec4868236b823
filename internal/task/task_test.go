package task

import "testing"

func TestStateTransitions(t *testing.T) {
	allowed := []struct{ from, to State }{
		{StateCreated, StateClassified},
		{StateClassified, StateAllowed},
		{StateClassified, StateAwaitingConfirmation},
		{StateClassified, StateBlocked},
		{StateAwaitingConfirmation, StateAllowed},
		{StateAwaitingConfirmation, StateBlocked},
		{StateAllowed, StateRunning},
		{StateRunning, StateSucceeded},
		{StateRunning, StateFailed},
	}
	for _, tr := range allowed {
		if !tr.from.CanTransitionTo(tr.to) {
			t.Errorf("%s -> %s rejected, want allowed", tr.from, tr.to)
		}
	}

	forbidden := []struct{ from, to State }{
		{StateCreated, StateRunning},
		{StateCreated, StateSucceeded},
		{StateAllowed, StateSucceeded},
		{StateRunning, StateAllowed},
		{StateBlocked, StateAllowed},
		{StateSucceeded, StateRunning},
		{StateFailed, StateRunning},
		{StateSucceeded, StateFailed},
	}
	for _, tr := range forbidden {
		if tr.from.CanTransitionTo(tr.to) {
			t.Errorf("%s -> %s allowed, want rejected", tr.from, tr.to)
		}
	}
}

func TestTerminalStates(t *testing.T) {
	terminal := map[State]bool{
		StateCreated:              false,
		StateClassified:           false,
		StateAllowed:              false,
		StateAwaitingConfirmation: false,
		StateRunning:              false,
		StateBlocked:              true,
		StateSucceeded:            true,
		StateFailed:               true,
	}
	for s, want := range terminal {
		if got := s.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", s, got, want)
		}
	}
}
