package call

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/peerline/one2one-signal/internal/media"
	"github.com/peerline/one2one-signal/internal/metrics"
	"github.com/peerline/one2one-signal/internal/protocol"
)

// Coordinator owns the registry, the candidate queue, and every active
// Session, and drives the negotiation state machine.
//
// One message is handled to completion with respect to registry and session
// mutation before another may interleave: every exported method takes the
// coordinator lock, and the lock is dropped only across media pipeline calls
// (the declared suspension points). After each suspension the coordinator
// revalidates that teardown did not win the race before committing results.
type Coordinator struct {
	log      *slog.Logger
	m        *metrics.Metrics
	pipeline media.Pipeline

	mu       sync.Mutex
	registry *Registry
	queue    *CandidateQueue
}

func NewCoordinator(pipeline media.Pipeline, log *slog.Logger, m *metrics.Metrics) *Coordinator {
	return &Coordinator{
		log:      log,
		m:        m,
		pipeline: pipeline,
		registry: NewRegistry(),
		queue:    NewCandidateQueue(),
	}
}

// Register admits a new participant and acks the outcome on conn. The
// rejection reasons mirror what registration can actually violate: an empty
// name, a taken name, or a connection registering twice.
func (c *Coordinator) Register(id, name string, conn Conn) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, err := c.registry.Register(id, name, conn)
	if err != nil {
		c.m.Inc(metrics.RegisterRejected)
		c.deliver(conn, "register reject", protocol.RegisterRejected(registerRejectReason(id, name, err)))
		return err
	}

	c.m.Inc(metrics.Registrations)
	c.log.Info("participant registered", "id", id, "name", name)
	c.deliver(p.conn, "register ack", protocol.RegisterAccepted())
	return nil
}

func registerRejectReason(id, name string, err error) string {
	switch err {
	case ErrEmptyName:
		return "empty user name"
	case ErrNameTaken:
		return fmt.Sprintf("user %s is already registered", name)
	case ErrIDTaken:
		return fmt.Sprintf("session %s is already registered", id)
	default:
		return err.Error()
	}
}

// Call starts a negotiation: the caller (identified by connection id) dials
// calleeName with an opaque offer.
func (c *Coordinator) Call(callerID, calleeName, offer string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	caller := c.registry.ByID(callerID)
	if caller == nil {
		return ErrNotRegistered
	}

	if caller.session != nil {
		c.m.Inc(metrics.CallsRejected)
		c.deliver(caller.conn, "busy caller reject", protocol.CallRejected("you are already in a call"))
		return nil
	}

	callee := c.registry.ByName(calleeName)
	if callee == nil {
		c.m.Inc(metrics.CallsRejected)
		c.deliver(caller.conn, "unknown callee reject", protocol.CallRejected(fmt.Sprintf("%s is not registered", calleeName)))
		return nil
	}
	if callee == caller {
		c.m.Inc(metrics.CallsRejected)
		c.deliver(caller.conn, "self call reject", protocol.CallRejected("cannot call yourself"))
		return nil
	}
	if callee.session != nil {
		c.m.Inc(metrics.CallsRejected)
		c.deliver(caller.conn, "busy callee reject", protocol.CallRejected(fmt.Sprintf("%s is busy", calleeName)))
		return nil
	}

	s := &Session{Caller: caller, Callee: callee, state: StateOffering}
	caller.session = s
	callee.session = s
	caller.pendingOffer = offer

	c.m.Inc(metrics.CallsPlaced)
	c.log.Info("call placed", "caller", caller.Name, "callee", callee.Name)

	if err := callee.send(protocol.IncomingCall(caller.Name)); err != nil {
		// The callee's channel is gone; undo the pairing before anyone
		// observes it and tell the caller why.
		c.m.Inc(metrics.DeliveryFailures)
		c.detach(s)
		c.m.Inc(metrics.CallsRejected)
		c.deliver(caller.conn, "delivery failure reject",
			protocol.CallRejected(fmt.Sprintf("could not reach %s: %v", calleeName, err)))
	}
	return nil
}

// Response handles the callee's accept/reject verdict for a pending call
// from callerName. On accept it builds the media session and generates the
// caller's answer before the callee's, so a late failure never leaves the
// caller believing in a half-established call.
func (c *Coordinator) Response(ctx context.Context, calleeID, callerName string, accept bool, calleeOffer string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	callee := c.registry.ByID(calleeID)
	if callee == nil {
		return ErrNotRegistered
	}

	// Candidates buffered before any session existed are stale now that a
	// fresh decision is being made.
	c.queue.Clear(calleeID)

	caller := c.registry.ByName(callerName)
	if caller == nil {
		if s := callee.session; s != nil {
			c.detach(s)
		}
		c.deliver(callee.conn, "unknown caller abort",
			protocol.StopCommunication(fmt.Sprintf("%s is no longer registered", callerName)))
		return nil
	}

	s := callee.session
	if s == nil || s.Caller != caller || s.Callee != callee {
		c.deliver(callee.conn, "stale response abort",
			protocol.StopCommunication(fmt.Sprintf("no pending call from %s", callerName)))
		return nil
	}

	if !accept {
		c.detach(s)
		c.m.Inc(metrics.CallsRejected)
		c.log.Info("call declined", "caller", caller.Name, "callee", callee.Name)
		c.deliver(caller.conn, "declined reject",
			protocol.CallRejected(fmt.Sprintf("%s declined the call", callee.Name)))
		return nil
	}

	s.state = StateNegotiating
	callerOffer := caller.pendingOffer
	caller.pendingOffer = ""

	var ms media.Session
	var perr error
	c.suspend(func() {
		ms, perr = c.pipeline.CreateSession(ctx, caller.ID, callee.ID)
	})
	if !c.sessionLive(s, caller, callee) {
		// Teardown won the race while the pipeline was being built; the
		// hang-up path has already notified whoever remains.
		if ms != nil {
			ms.Release()
		}
		return nil
	}
	if perr != nil {
		c.abortNegotiation(s, fmt.Sprintf("media session unavailable: %v", perr))
		return nil
	}

	s.media = ms
	c.drainToPipeline(s, caller.ID)
	c.drainToPipeline(s, callee.ID)

	// Raced teardown and pipeline failures are both settled inside
	// generateAnswer; either way there is nothing more to do here.
	callerAnswer, err := c.generateAnswer(ctx, s, caller, callee, caller.ID, callerOffer)
	if err != nil {
		return nil
	}
	calleeAnswer, err := c.generateAnswer(ctx, s, caller, callee, callee.ID, calleeOffer)
	if err != nil {
		return nil
	}

	s.state = StateInCall
	c.m.Inc(metrics.CallsAccepted)
	c.log.Info("call established", "caller", caller.Name, "callee", callee.Name)

	c.deliver(callee.conn, "start communication", protocol.StartCommunication(calleeAnswer))
	c.deliver(caller.conn, "call accepted", protocol.CallAccepted(callerAnswer))
	return nil
}

// generateAnswer runs one pipeline answer step for partyID, revalidating the
// session afterwards. A non-nil error means the negotiation is over, either
// because teardown raced it (nothing left to do) or because the pipeline
// failed (both sides have been told).
func (c *Coordinator) generateAnswer(ctx context.Context, s *Session, caller, callee *Participant, partyID, offer string) (string, error) {
	ms := s.media

	var answer string
	var err error
	c.suspend(func() {
		answer, err = ms.GenerateAnswer(ctx, partyID, offer)
	})
	if !c.sessionLive(s, caller, callee) {
		return "", fmt.Errorf("session torn down during negotiation")
	}
	if err != nil {
		c.abortNegotiation(s, fmt.Sprintf("media negotiation failed: %v", err))
		return "", err
	}
	return answer, nil
}

// Candidate relays one opaque connectivity candidate: straight into the
// media session when one exists, buffered otherwise.
func (c *Coordinator) Candidate(id string, candidate json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := c.registry.ByID(id)
	if p == nil {
		return ErrNotRegistered
	}

	if s := p.session; s != nil && s.media != nil {
		c.m.Inc(metrics.CandidatesRelayed)
		if err := s.media.ForwardCandidate(id, candidate); err != nil {
			c.log.Warn("candidate relay failed", "id", id, "err", err)
		}
		return nil
	}

	c.m.Inc(metrics.CandidatesQueued)
	c.queue.Enqueue(id, candidate)
	return nil
}

// Stop tears down the participant's session, notifying the counterpart.
// Safe to call when no session exists.
func (c *Coordinator) Stop(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := c.registry.ByID(id)
	if p == nil {
		return ErrNotRegistered
	}
	c.hangUp(p)
	return nil
}

// Disconnect is the terminal transition for a connection: it fires the
// hang-up once and removes the participant from the registry. The transport
// layer guarantees it is invoked exactly once per connection even when both
// an error and a close event occur.
func (c *Coordinator) Disconnect(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := c.registry.ByID(id)
	if p == nil {
		return
	}
	c.hangUp(p)
	c.registry.Unregister(id)
	c.log.Info("participant unregistered", "id", id, "name", p.Name)
}

// Participants reports the number of registered participants.
func (c *Coordinator) Participants() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registry.Count()
}

// hangUp implements the idempotent teardown transition. Caller holds c.mu.
func (c *Coordinator) hangUp(p *Participant) {
	c.queue.Clear(p.ID)

	s := p.session
	if s == nil {
		return
	}

	if s.media != nil {
		s.media.Release()
		s.media = nil
	}

	peer := s.peerOf(p)
	prior := s.state
	c.detach(s)
	c.m.Inc(metrics.Hangups)
	c.log.Info("call torn down", "by", p.Name, "state", prior.String())

	if peer != nil {
		c.deliver(peer.conn, "hangup notice", protocol.StopCommunication("remote party hung up"))
	}
}

// abortNegotiation rolls a failed acceptance back to a consistent idle pair:
// the pipeline resource is released, the caller is rejected, the callee gets
// a session abort. Caller holds c.mu.
func (c *Coordinator) abortNegotiation(s *Session, reason string) {
	caller, callee := s.Caller, s.Callee

	if s.media != nil {
		s.media.Release()
		s.media = nil
	}
	c.detach(s)

	c.m.Inc(metrics.PipelineFailures)
	c.log.Warn("negotiation aborted", "caller", caller.Name, "callee", callee.Name, "reason", reason)

	c.deliver(caller.conn, "pipeline failure reject", protocol.CallRejected(reason))
	c.deliver(callee.conn, "pipeline failure abort", protocol.StopCommunication(reason))
}

// detach terminates s and disconnects both participants from it, discarding
// any candidates still buffered for either side so they cannot leak into a
// later session. Caller holds c.mu.
func (c *Coordinator) detach(s *Session) {
	s.state = StateTerminated
	c.queue.Clear(s.Caller.ID)
	c.queue.Clear(s.Callee.ID)
	if s.Caller.session == s {
		s.Caller.session = nil
		s.Caller.pendingOffer = ""
	}
	if s.Callee.session == s {
		s.Callee.session = nil
		s.Callee.pendingOffer = ""
	}
}

// sessionLive reports whether s is still the active session of both
// participants and has not been torn down. Used after every suspension.
// Caller holds c.mu.
func (c *Coordinator) sessionLive(s *Session, caller, callee *Participant) bool {
	return s.state == StateNegotiating &&
		caller.session == s && callee.session == s &&
		c.registry.ByID(caller.ID) == caller &&
		c.registry.ByID(callee.ID) == callee
}

// drainToPipeline flushes a participant's buffered candidates into the now
// ready media session. Caller holds c.mu.
func (c *Coordinator) drainToPipeline(s *Session, participantID string) {
	err := c.queue.DrainTo(participantID, func(cand json.RawMessage) error {
		c.m.Inc(metrics.CandidatesRelayed)
		return s.media.ForwardCandidate(participantID, cand)
	})
	if err != nil {
		c.log.Warn("buffered candidate relay failed", "id", participantID, "err", err)
	}
}

// deliver sends best-effort: a failed notification is logged and counted,
// never escalated. The counterpart's next action will find the stale state
// and self-correct.
func (c *Coordinator) deliver(conn Conn, what string, msg protocol.Message) {
	if err := conn.Send(msg); err != nil {
		c.m.Inc(metrics.DeliveryFailures)
		c.log.Warn("delivery failed", "message", what, "err", err)
	}
}

// suspend runs fn with the coordinator lock released. The caller must
// revalidate any session state it relies on afterwards.
func (c *Coordinator) suspend(fn func()) {
	c.mu.Unlock()
	defer c.mu.Lock()
	fn()
}
