// Package media defines the pipeline collaborator the signaling core
// negotiates against.
//
// The relay never inspects media payloads; a Pipeline consumes the two
// parties' offers and produces answers. The production implementation is
// pion-backed (see pion.go); tests substitute scripted fakes.
package media

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/peerline/one2one-signal/internal/metrics"
)

// ErrTooManySessions is returned by a quota-limited pipeline when the global
// concurrent session cap is reached.
var ErrTooManySessions = errors.New("too many media sessions")

// Pipeline creates media sessions for accepted calls.
//
// CreateSession may block (it is an asynchronous boundary for the
// coordinator) and is always paired with Session.Release.
type Pipeline interface {
	CreateSession(ctx context.Context, callerID, calleeID string) (Session, error)
}

// Session is one negotiated media session shared by exactly two parties.
type Session interface {
	// GenerateAnswer consumes one party's offer and returns the negotiated
	// answer for that party. May block; bounded by ctx.
	GenerateAnswer(ctx context.Context, partyID, offer string) (string, error)

	// ForwardCandidate relays one opaque connectivity candidate for a party.
	// Implementations must not block the caller.
	ForwardCandidate(partyID string, candidate json.RawMessage) error

	// Release frees the session's resources. Idempotent.
	Release()
}

// Limiter enforces a global cap on concurrently active sessions of an inner
// Pipeline. max <= 0 means unlimited.
type Limiter struct {
	inner Pipeline
	max   int
	m     *metrics.Metrics

	mu     sync.Mutex
	active int
}

func NewLimiter(inner Pipeline, max int, m *metrics.Metrics) *Limiter {
	return &Limiter{inner: inner, max: max, m: m}
}

// Active returns the number of sessions created and not yet released.
func (l *Limiter) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

func (l *Limiter) CreateSession(ctx context.Context, callerID, calleeID string) (Session, error) {
	l.mu.Lock()
	if l.max > 0 && l.active >= l.max {
		l.mu.Unlock()
		if l.m != nil {
			l.m.Inc(metrics.DropTooManyMedia)
		}
		return nil, ErrTooManySessions
	}
	l.active++
	l.mu.Unlock()

	sess, err := l.inner.CreateSession(ctx, callerID, calleeID)
	if err != nil {
		l.release()
		return nil, err
	}
	return &limitedSession{Session: sess, limiter: l}, nil
}

func (l *Limiter) release() {
	l.mu.Lock()
	if l.active > 0 {
		l.active--
	}
	l.mu.Unlock()
}

type limitedSession struct {
	Session
	limiter *Limiter
	once    sync.Once
}

func (s *limitedSession) Release() {
	s.once.Do(func() {
		s.Session.Release()
		s.limiter.release()
	})
}
