// Package call implements the signaling core: the participant registry, the
// per-participant candidate queue, and the negotiation coordinator that
// drives call setup and teardown between exactly two parties.
//
// All state in this package is owned by the Coordinator and mutated only
// while its lock is held; the only suspension points are media pipeline
// calls (session creation and answer generation).
package call

import (
	"errors"

	"github.com/peerline/one2one-signal/internal/protocol"
)

var (
	ErrEmptyName = errors.New("empty participant name")
	ErrNameTaken = errors.New("name already registered")
	ErrIDTaken   = errors.New("id already registered")

	// ErrNotRegistered is returned when a call-lifecycle operation arrives
	// from a connection that never registered (or already unregistered).
	ErrNotRegistered = errors.New("participant not registered")
)

// Conn pushes messages to one participant's transport. Send returns an error
// when the underlying channel is gone; senders decide whether that is fatal.
type Conn interface {
	Send(msg protocol.Message) error
}

// Participant is one connected party. The session pointer is shared with the
// peer while a call is being negotiated or active, so both sides' views
// derive from a single source of truth.
type Participant struct {
	ID   string
	Name string

	conn Conn

	session      *Session
	pendingOffer string
}

func (p *Participant) send(msg protocol.Message) error {
	return p.conn.Send(msg)
}

// Peer returns the name of the participant currently paired with p, or "".
func (p *Participant) Peer() string {
	if p.session == nil {
		return ""
	}
	if other := p.session.peerOf(p); other != nil {
		return other.Name
	}
	return ""
}

// Registry is an in-memory directory of active participants, indexed by
// connection id and by display name. Not safe for concurrent use on its own;
// the Coordinator serializes access.
type Registry struct {
	byID   map[string]*Participant
	byName map[string]*Participant
}

func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[string]*Participant),
		byName: make(map[string]*Participant),
	}
}

// Register creates a participant and inserts it into both indexes, or fails
// without side effects.
func (r *Registry) Register(id, name string, conn Conn) (*Participant, error) {
	if name == "" {
		return nil, ErrEmptyName
	}
	if _, ok := r.byID[id]; ok {
		return nil, ErrIDTaken
	}
	if _, ok := r.byName[name]; ok {
		return nil, ErrNameTaken
	}

	p := &Participant{ID: id, Name: name, conn: conn}
	r.byID[id] = p
	r.byName[name] = p
	return p, nil
}

func (r *Registry) ByID(id string) *Participant {
	return r.byID[id]
}

func (r *Registry) ByName(name string) *Participant {
	return r.byName[name]
}

// Unregister removes both index entries for id. No-op if absent. Peer
// notification is the Coordinator's responsibility.
func (r *Registry) Unregister(id string) {
	p, ok := r.byID[id]
	if !ok {
		return
	}
	delete(r.byID, id)
	delete(r.byName, p.Name)
}

func (r *Registry) Count() int {
	return len(r.byID)
}
