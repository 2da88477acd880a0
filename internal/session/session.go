package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jo-hoe/markdrop/internal/app"
	"github.com/jo-hoe/markdrop/internal/document"
	"github.com/jo-hoe/markdrop/internal/jobs"
	"github.com/jo-hoe/markdrop/internal/util"
)

var (
	ErrNotFound = errors.New("session not found")
	// ErrUnavailable means the conversion could not be scheduled; the session
	// has already been settled with a failure.
	ErrUnavailable = errors.New("conversion could not be scheduled")
)

// queueFullFailure is shown when no worker slot is available.
const queueFullFailure = "The server is busy. Please try again in a moment."

// Dispatcher schedules conversions. *jobs.Queue satisfies it.
type Dispatcher interface {
	Enqueue(item jobs.WorkItem) error
}

// FileStore releases stored uploads. *upload.Uploader satisfies it.
type FileStore interface {
	Discard(f document.SourceFile) error
}

// Session is one user's conversion context.
type Session struct {
	ID        string
	CreatedAt time.Time
	Machine   *app.Machine

	lastSeen time.Time
}

// Manager owns every live session.
type Manager struct {
	log        *slog.Logger
	dispatcher Dispatcher
	files      FileStore
	ttl        time.Duration
	now        func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager returns a Manager. A non-positive ttl disables expiry.
func NewManager(log *slog.Logger, d Dispatcher, files FileStore, ttl time.Duration) *Manager {
	return &Manager{
		log:        log,
		dispatcher: d,
		files:      files,
		ttl:        ttl,
		now:        time.Now,
		sessions:   make(map[string]*Session),
	}
}

// Create starts a new idle session.
func (m *Manager) Create() *Session {
	now := m.now()
	s := &Session{
		ID:        util.NewID(),
		CreatedAt: now,
		lastSeen:  now,
	}
	s.Machine = app.NewMachine(m.discard)

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	m.log.Debug("session created", "session_id", s.ID)
	return s
}

// Get returns the session and marks it as recently used.
func (m *Manager) Get(id string) (*Session, error) {
	if !util.ValidID(id) {
		return nil, ErrNotFound
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	s.lastSeen = m.now()
	return s, nil
}

// Len reports the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// SelectFile starts converting file in session id. The file is released
// again if the session cannot accept it.
func (m *Manager) SelectFile(id string, file document.SourceFile) (app.State, error) {
	s, err := m.Get(id)
	if err != nil {
		m.discard(file)
		return app.State{}, err
	}
	convID, err := s.Machine.SelectFile(file)
	if err != nil {
		m.discard(file)
		return s.Machine.State(), err
	}

	item := jobs.WorkItem{
		Job: jobs.Job{
			ID:        convID,
			SessionID: s.ID,
			File:      file,
			CreatedAt: m.now(),
		},
		Machine: s.Machine,
	}
	if err := m.dispatcher.Enqueue(item); err != nil {
		m.log.Warn("enqueue failed", "session_id", s.ID, "job_id", convID, "err", err)
		_ = s.Machine.Fail(convID, app.NewFailure(queueFullFailure))
		return s.Machine.State(), fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return s.Machine.State(), nil
}

// Reset returns session id to idle.
func (m *Manager) Reset(id string) (app.State, error) {
	s, err := m.Get(id)
	if err != nil {
		return app.State{}, err
	}
	if err := s.Machine.Reset(); err != nil {
		return s.Machine.State(), err
	}
	return s.Machine.State(), nil
}

// Delete removes a settled or idle session. Sessions that are processing
// yield app.ErrBusy and stay.
func (m *Manager) Delete(id string) error {
	if !util.ValidID(id) {
		return ErrNotFound
	}
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if err := s.Machine.Reset(); err != nil {
		m.mu.Unlock()
		return err
	}
	delete(m.sessions, id)
	m.mu.Unlock()
	m.log.Debug("session deleted", "session_id", id)
	return nil
}

// Sweep drops sessions not used for longer than the ttl. Sessions that are
// processing are kept until they settle. It returns the number removed.
func (m *Manager) Sweep() int {
	if m.ttl <= 0 {
		return 0
	}
	cutoff := m.now().Add(-m.ttl)

	m.mu.Lock()
	var expired []*Session
	for id, s := range m.sessions {
		if !s.lastSeen.Before(cutoff) {
			continue
		}
		if s.Machine.State().Status == app.StatusProcessing {
			continue
		}
		delete(m.sessions, id)
		expired = append(expired, s)
	}
	m.mu.Unlock()

	for _, s := range expired {
		if err := s.Machine.Reset(); err != nil {
			m.log.Warn("reset expired session", "session_id", s.ID, "err", err)
		}
	}
	if len(expired) > 0 {
		m.log.Info("expired sessions removed", "count", len(expired))
	}
	return len(expired)
}

// Run sweeps every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if m.ttl <= 0 || interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.Sweep()
		}
	}
}

// Close releases the uploads of every settled session.
func (m *Manager) Close() {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()
	for _, s := range all {
		_ = s.Machine.Reset()
	}
}

func (m *Manager) discard(f document.SourceFile) {
	if m.files == nil {
		return
	}
	if err := m.files.Discard(f); err != nil {
		m.log.Warn("discard upload", "path", f.Path, "err", err)
	}
}
