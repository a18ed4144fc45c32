package media

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// NewAPI constructs the server-side pion API used for pipeline
// PeerConnections, with pion's internal logs routed into slog.
func NewAPI(log *slog.Logger) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.LoggerFactory = NewLoggerFactory(log)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithSettingEngine(se),
	), nil
}

// Pion is the production Pipeline: each session owns one server-side
// PeerConnection per party, so both legs of a call terminate at the relay.
type Pion struct {
	api           *webrtc.API
	iceServers    []webrtc.ICEServer
	answerTimeout time.Duration
	log           *slog.Logger
}

func NewPion(api *webrtc.API, iceServers []webrtc.ICEServer, answerTimeout time.Duration, log *slog.Logger) *Pion {
	if answerTimeout <= 0 {
		answerTimeout = 2 * time.Second
	}
	return &Pion{
		api:           api,
		iceServers:    iceServers,
		answerTimeout: answerTimeout,
		log:           log,
	}
}

func (p *Pion) CreateSession(ctx context.Context, callerID, calleeID string) (Session, error) {
	s := &pionSession{
		answerTimeout: p.answerTimeout,
		log:           p.log,
		endpoints:     make(map[string]*pionEndpoint, 2),
	}

	for _, id := range []string{callerID, calleeID} {
		pc, err := p.api.NewPeerConnection(webrtc.Configuration{ICEServers: p.iceServers})
		if err != nil {
			s.Release()
			return nil, fmt.Errorf("create peer connection for %s: %w", id, err)
		}
		s.endpoints[id] = &pionEndpoint{pc: pc}
	}

	return s, nil
}

type pionEndpoint struct {
	pc        *webrtc.PeerConnection
	remoteSet bool

	// Candidates forwarded before this endpoint's remote description is set;
	// pion rejects AddICECandidate until then.
	pending []webrtc.ICECandidateInit
}

type pionSession struct {
	answerTimeout time.Duration
	log           *slog.Logger

	mu        sync.Mutex
	endpoints map[string]*pionEndpoint
	closeOnce sync.Once
}

func (s *pionSession) GenerateAnswer(ctx context.Context, partyID, offer string) (string, error) {
	s.mu.Lock()
	ep, ok := s.endpoints[partyID]
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("unknown party %q", partyID)
	}

	pc := ep.pc
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offer,
	}); err != nil {
		return "", fmt.Errorf("set remote description: %w", err)
	}

	s.mu.Lock()
	ep.remoteSet = true
	pending := ep.pending
	ep.pending = nil
	s.mu.Unlock()

	for _, cand := range pending {
		if err := pc.AddICECandidate(cand); err != nil {
			s.log.Warn("dropping buffered candidate", "party_id", partyID, "err", err)
		}
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}

	// Non-trickle toward clients: gather before returning the answer so the
	// SDP carries the relay's candidates.
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.answerTimeout)
	defer cancel()
	select {
	case <-gatherComplete:
	case <-waitCtx.Done():
	}

	local := pc.LocalDescription()
	if local == nil {
		return "", fmt.Errorf("missing local description after gathering")
	}
	return local.SDP, nil
}

func (s *pionSession) ForwardCandidate(partyID string, candidate json.RawMessage) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(candidate, &init); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	if init.Candidate == "" {
		// End-of-candidates marker; nothing to feed pion.
		return nil
	}

	s.mu.Lock()
	ep, ok := s.endpoints[partyID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown party %q", partyID)
	}
	if !ep.remoteSet {
		ep.pending = append(ep.pending, init)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	return ep.pc.AddICECandidate(init)
}

func (s *pionSession) Release() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		endpoints := s.endpoints
		s.endpoints = nil
		s.mu.Unlock()

		for id, ep := range endpoints {
			if err := ep.pc.Close(); err != nil {
				s.log.Warn("closing pipeline peer connection", "party_id", id, "err", err)
			}
		}
	})
}
