package grading

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// StreamOpener starts the gateway grading stream for a request.
type StreamOpener interface {
	OpenStream(ctx context.Context, generationType string, payload map[string]any, modelClass string) (io.ReadCloser, error)
}

// Manager owns grading sessions keyed by caller handle. One session is in
// flight per logical slot (user); starting a new one implicitly cancels
// the previous one for that slot.
type Manager struct {
	opener    StreamOpener
	processor *Processor

	mu       sync.Mutex
	sessions map[string]*Session // session id -> session
	slots    map[string]*Session // slot -> current session
}

// NewManager wires a session manager.
func NewManager(opener StreamOpener) *Manager {
	return &Manager{
		opener:    opener,
		processor: NewProcessor(),
		sessions:  make(map[string]*Session),
		slots:     make(map[string]*Session),
	}
}

// Start opens a grading stream for the slot and begins consuming it in the
// background. The previous in-flight session for the slot, if any, is
// cancelled first.
func (m *Manager) Start(ctx context.Context, slot, generationType string, payload map[string]any, modelClass string) (*Session, error) {
	sess := NewSession()
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sess.cancel = cancel

	m.mu.Lock()
	if prev, ok := m.slots[slot]; ok && prev.cancel != nil {
		prev.cancel()
	}
	m.slots[slot] = sess
	m.sessions[sess.ID()] = sess
	m.mu.Unlock()

	sess.setStage(StatusStarting, "")

	stream, err := m.opener.OpenStream(streamCtx, generationType, payload, modelClass)
	if err != nil {
		cancel()
		sess.fail(err.Error())
		return sess, fmt.Errorf("open grading stream: %w", err)
	}

	go func() {
		defer cancel()
		defer stream.Close()
		if err := m.processor.Run(streamCtx, sess, stream); err != nil && streamCtx.Err() == nil {
			slog.Warn("grading stream ended with error", "session_id", sess.ID(), "err", err)
		}
	}()
	return sess, nil
}

// Get returns a session by id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	return sess, ok
}

// Cancel stops the session's stream reader and resets it to idle. The
// session handle stays valid for reuse by the same caller.
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return false
	}
	if sess.cancel != nil {
		sess.cancel()
	}
	sess.reset()
	return true
}

// Dispose drops a session entirely.
func (m *Manager) Dispose(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return
	}
	if sess.cancel != nil {
		sess.cancel()
	}
	delete(m.sessions, id)
	for slot, cur := range m.slots {
		if cur == sess {
			delete(m.slots, slot)
		}
	}
}
