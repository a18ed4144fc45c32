package call

import "github.com/peerline/one2one-signal/internal/media"

// SessionState tracks a negotiation from the caller's first offer to an
// established call. Terminated is a sink: a session never leaves it, which
// lets in-flight pipeline work detect that teardown won the race.
type SessionState int

const (
	// StateOffering: the caller sent a call, awaiting the callee's verdict.
	StateOffering SessionState = iota
	// StateNegotiating: the callee accepted, pipeline work is in flight.
	StateNegotiating
	// StateInCall: both sides hold negotiated answers.
	StateInCall
	// StateTerminated: torn down by hang-up, disconnect, or failure.
	StateTerminated
)

func (s SessionState) String() string {
	switch s {
	case StateOffering:
		return "offering"
	case StateNegotiating:
		return "negotiating"
	case StateInCall:
		return "in_call"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Session is the single shared record of one caller/callee pairing. Both
// participants point at the same Session, so there are no independently
// mutated peer mirrors that could diverge under disconnect races.
type Session struct {
	Caller *Participant
	Callee *Participant

	state SessionState

	// media is set once the pipeline session exists; candidates are relayed
	// directly from then on instead of being queued.
	media media.Session
}

func (s *Session) State() SessionState {
	return s.state
}

func (s *Session) peerOf(p *Participant) *Participant {
	switch p {
	case s.Caller:
		return s.Callee
	case s.Callee:
		return s.Caller
	default:
		return nil
	}
}
