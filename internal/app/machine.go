package app

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/jo-hoe/markdrop/internal/common"
	"github.com/jo-hoe/markdrop/internal/document"
	"github.com/jo-hoe/markdrop/internal/util"
)

// Status is the active variant of the conversion state.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

var (
	ErrBusy            = errors.New("a conversion is in progress")
	ErrNotProcessing   = errors.New("no conversion in progress")
	ErrStaleConversion = errors.New("conversion id does not match the active conversion")
)

// Failure is the user-facing description of a failed conversion.
type Failure struct {
	Title   string `json:"title"`
	Message string `json:"message"`
}

// NewFailure builds a Failure with the standard title. An empty message is
// replaced by the generic fallback.
func NewFailure(message string) Failure {
	if strings.TrimSpace(message) == "" {
		message = common.FallbackFailure
	}
	return Failure{Title: common.FailureTitle, Message: message}
}

// State is an immutable snapshot of a Machine.
type State struct {
	Status       Status
	ConversionID string               // set while processing and after settlement
	File         *document.SourceFile // nil when idle
	Markdown     string               // set when completed
	Failure      *Failure             // set on error
}

// OriginalName is the selected file's display name, or "" when idle.
func (s State) OriginalName() string {
	if s.File == nil {
		return ""
	}
	return s.File.Name
}

// Machine sequences a single conversion at a time:
// idle -> processing -> completed|error -> (reset) idle.
type Machine struct {
	mu        sync.Mutex
	state     State
	settled   chan struct{} // closed when the active conversion settles
	onDiscard func(document.SourceFile)
}

// NewMachine returns an idle Machine. onDiscard, if set, is called with the
// stored file whenever a reset drops it.
func NewMachine(onDiscard func(document.SourceFile)) *Machine {
	return &Machine{
		state:     State{Status: StatusIdle},
		onDiscard: onDiscard,
	}
}

// State returns a snapshot of the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot()
}

func (m *Machine) snapshot() State {
	s := m.state
	if s.File != nil {
		f := *s.File
		s.File = &f
	}
	if s.Failure != nil {
		f := *s.Failure
		s.Failure = &f
	}
	return s
}

// SelectFile starts a conversion for file and returns its id.
// It only succeeds from idle; otherwise ErrBusy is returned and nothing changes.
func (m *Machine) SelectFile(file document.SourceFile) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Status != StatusIdle {
		return "", ErrBusy
	}
	id := util.NewID()
	f := file
	m.state = State{
		Status:       StatusProcessing,
		ConversionID: id,
		File:         &f,
	}
	m.settled = make(chan struct{})
	return id, nil
}

// Complete settles the active conversion with its Markdown result.
// Blank results never reach completed; they settle as an empty-response failure.
func (m *Machine) Complete(conversionID, markdown string) error {
	if strings.TrimSpace(markdown) == "" {
		return m.Fail(conversionID, NewFailure(common.EmptyResponseFailure))
	}
	return m.settle(conversionID, func(s *State) {
		s.Status = StatusCompleted
		s.Markdown = markdown
	})
}

// Fail settles the active conversion with f. The title is always the standard one.
func (m *Machine) Fail(conversionID string, f Failure) error {
	f = NewFailure(f.Message)
	return m.settle(conversionID, func(s *State) {
		s.Status = StatusError
		s.Failure = &f
	})
}

func (m *Machine) settle(conversionID string, apply func(*State)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Status != StatusProcessing {
		return ErrNotProcessing
	}
	if m.state.ConversionID != conversionID {
		return ErrStaleConversion
	}
	apply(&m.state)
	close(m.settled)
	return nil
}

// Reset returns a settled machine to idle, dropping file, result and failure.
// Resetting an idle machine is a no-op; resetting while processing yields ErrBusy.
func (m *Machine) Reset() error {
	m.mu.Lock()
	switch m.state.Status {
	case StatusIdle:
		m.mu.Unlock()
		return nil
	case StatusProcessing:
		m.mu.Unlock()
		return ErrBusy
	}
	dropped := m.state.File
	m.state = State{Status: StatusIdle}
	m.settled = nil
	m.mu.Unlock()

	if dropped != nil && m.onDiscard != nil {
		m.onDiscard(*dropped)
	}
	return nil
}

// Wait blocks until the active conversion settles or ctx is done, and returns
// the state at that point. It returns immediately when nothing is in flight.
func (m *Machine) Wait(ctx context.Context) (State, error) {
	m.mu.Lock()
	if m.state.Status != StatusProcessing {
		s := m.snapshot()
		m.mu.Unlock()
		return s, nil
	}
	ch := m.settled
	m.mu.Unlock()

	select {
	case <-ch:
		return m.State(), nil
	case <-ctx.Done():
		return m.State(), ctx.Err()
	}
}
