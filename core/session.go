package core

import (
	"context"
	"sync"
	"time"
)

type SessionState int

const (
	// SessionUnknown is the initial state while a persisted token is still
	// being validated.
	SessionUnknown SessionState = iota
	SessionSignedOut
	SessionSignedIn
)

const defaultResolveTimeout = 3 * time.Second

// SessionTracker holds the session lifecycle state machine:
// Unknown -> SignedOut | SignedIn. Resolve bounds the Unknown state with a
// timeout so a caller is never stuck loading; this is a liveness guarantee
// only, and the tracker may transiently report SignedOut while resolution is
// still in flight.
type SessionTracker struct {
	mu       sync.Mutex
	state    SessionState
	session  *Session
	resolved chan struct{}
	once     sync.Once
	timeout  time.Duration
}

func NewSessionTracker(timeout time.Duration) *SessionTracker {
	if timeout <= 0 {
		timeout = defaultResolveTimeout
	}
	return &SessionTracker{
		resolved: make(chan struct{}),
		timeout:  timeout,
	}
}

func (t *SessionTracker) SetSignedIn(session *Session) {
	t.mu.Lock()
	t.state = SessionSignedIn
	t.session = session
	t.mu.Unlock()
	t.once.Do(func() { close(t.resolved) })
}

func (t *SessionTracker) SetSignedOut() {
	t.mu.Lock()
	t.state = SessionSignedOut
	t.session = nil
	t.mu.Unlock()
	t.once.Do(func() { close(t.resolved) })
}

// Resolve blocks until the state leaves Unknown, the timeout elapses, or ctx
// is cancelled. On timeout the state is forced to SignedOut.
func (t *SessionTracker) Resolve(ctx context.Context) (SessionState, *Session) {
	timer := time.NewTimer(t.timeout)
	defer timer.Stop()

	select {
	case <-t.resolved:
	case <-timer.C:
		t.mu.Lock()
		if t.state == SessionUnknown {
			t.state = SessionSignedOut
		}
		t.mu.Unlock()
	case <-ctx.Done():
	}
	return t.State()
}

func (t *SessionTracker) State() (SessionState, *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state, t.session
}

// ProfileComplete reports whether the signed-in identity has finished
// profile setup.
func (t *SessionTracker) ProfileComplete() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == SessionSignedIn && t.session != nil && !t.session.IsNewUser
}
