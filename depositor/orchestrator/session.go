package orchestrator

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/piggyvault/piggy-hub/depositor/models"
)

// State of a session's preview/execute state machine
type State int

const (
	StateIdle State = iota
	StatePreviewing
	StatePreviewed
	StateExecuting
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePreviewing:
		return "previewing"
	case StatePreviewed:
		return "previewed"
	case StateExecuting:
		return "executing"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// busy reports whether an operation is in flight
func (s State) busy() bool {
	return s == StatePreviewing || s == StateExecuting
}

// Session is the context of one user: the account the batched operation is
// submitted for and the chain it runs on. Its state machine admits one
// preview or execute at a time.
type Session struct {
	ID        string
	Account   common.Address
	ChainID   uint64
	CreatedAt time.Time

	mu           sync.Mutex
	state        State
	selection    *models.SourceSelection
	lastOutcome  *models.OperationOutcome
	lastError    string
	lastActivity time.Time
}

// State returns the current state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastOutcome returns the outcome of the most recent execute, if any
func (s *Session) LastOutcome() *models.OperationOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastOutcome
}

// LastError returns the message of the most recent failure
func (s *Session) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

// Selection returns the selection of the live preview, if any
func (s *Session) Selection() *models.SourceSelection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selection
}

// begin moves the session into an in-flight state and returns the state it
// left. It fails with ErrSessionBusy while another operation runs.
func (s *Session) begin(next State, now time.Time) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.busy() {
		return s.state, models.ErrSessionBusy
	}
	prev := s.state
	s.state = next
	s.lastActivity = now
	return prev, nil
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = now
}

// idleSince reports whether the session is at rest and saw no operation
// after cutoff
func (s *Session) idleSince(cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.state.busy() && s.lastActivity.Before(cutoff)
}

func (s *Session) previewed(selection models.SourceSelection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StatePreviewed
	s.selection = &selection
	s.lastError = ""
}

func (s *Session) failed(err error, outcome *models.OperationOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateFailed
	s.selection = nil
	s.lastError = err.Error()
	if outcome != nil {
		s.lastOutcome = outcome
	}
}

func (s *Session) succeeded(outcome *models.OperationOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateSucceeded
	s.selection = nil
	s.lastOutcome = outcome
	s.lastError = ""
}

// restore puts back the state an aborted begin left
func (s *Session) restore(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}
