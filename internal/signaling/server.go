// Package signaling exposes the call coordinator over a WebSocket endpoint.
//
// Each connection gets one reader goroutine; a write mutex serializes frames
// from the coordinator and the keepalive ticker. The coordinator's Disconnect
// is invoked exactly once per connection regardless of how the read loop ends.
package signaling

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/peerline/one2one-signal/internal/call"
	"github.com/peerline/one2one-signal/internal/config"
	"github.com/peerline/one2one-signal/internal/metrics"
	"github.com/peerline/one2one-signal/internal/protocol"
	"github.com/peerline/one2one-signal/internal/ratelimit"
)

const wsWriteWait = 1 * time.Second

type Server struct {
	log   *slog.Logger
	m     *metrics.Metrics
	coord *call.Coordinator

	idleTimeout          time.Duration
	pingInterval         time.Duration
	maxMessageBytes      int64
	maxMessagesPerSecond int

	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*wsConn]struct{}
}

func NewServer(cfg config.Config, coord *call.Coordinator, logger *slog.Logger, m *metrics.Metrics) *Server {
	return &Server{
		log:   logger,
		m:     m,
		coord: coord,

		idleTimeout:          cfg.WSIdleTimeout,
		pingInterval:         cfg.WSPingInterval,
		maxMessageBytes:      cfg.MaxMessageBytes,
		maxMessagesPerSecond: cfg.MaxMessagesPerSecond,

		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[*wsConn]struct{}),
	}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /one2one", s.handleWebSocket)
}

// Close force-closes every live connection. Used during shutdown after the
// HTTP server stops accepting new ones.
func (s *Server) Close() {
	s.mu.Lock()
	conns := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = nil
	s.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &wsConn{
		srv:  s,
		id:   uuid.NewString(),
		conn: conn,
		log:  s.log.With("conn", r.RemoteAddr),
		limiter: ratelimit.NewTokenBucket(
			ratelimit.RealClock{},
			int64(s.maxMessagesPerSecond),
			int64(s.maxMessagesPerSecond),
		),
		done: make(chan struct{}),
	}

	s.track(c)
	s.m.Inc(metrics.ConnectionsOpened)
	c.run(r.Context())
}

func (s *Server) track(c *wsConn) {
	s.mu.Lock()
	if s.conns != nil {
		s.conns[c] = struct{}{}
	}
	s.mu.Unlock()
}

func (s *Server) untrack(c *wsConn) {
	s.mu.Lock()
	if s.conns != nil {
		delete(s.conns, c)
	}
	s.mu.Unlock()
}

// wsConn is one signaling connection. It implements call.Conn, so the
// coordinator can push messages to it while the read loop is blocked.
type wsConn struct {
	srv  *Server
	id   string
	conn *websocket.Conn
	log  *slog.Logger

	limiter *ratelimit.TokenBucket

	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

// Send marshals msg and writes it with a bounded deadline. Safe for
// concurrent use.
func (c *wsConn) Send(msg protocol.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteJSON(msg)
}

func (c *wsConn) run(ctx context.Context) {
	defer func() {
		c.close()
		c.srv.untrack(c)
		c.srv.coord.Disconnect(c.id)
		c.srv.m.Inc(metrics.ConnectionsClosed)
	}()

	c.conn.SetReadLimit(c.srv.maxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.srv.idleTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.srv.idleTimeout))
	})

	go c.pingLoop()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("read loop ended", "err", err)
			}
			return
		}

		// Rate limit after the read so bytes already queued in the TCP
		// buffer are consumed before an abortive close.
		if !c.limiter.Allow(1) {
			c.srv.m.Inc(metrics.DropRateLimited)
			c.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		// A data frame also proves liveness.
		_ = c.conn.SetReadDeadline(time.Now().Add(c.srv.idleTimeout))

		msg, err := protocol.Parse(data)
		if err != nil {
			if errors.Is(err, protocol.ErrUnknownType) {
				c.srv.m.Inc(metrics.UnknownMessages)
			}
			_ = c.Send(protocol.ErrorReply(err.Error()))
			continue
		}

		if err := c.dispatch(ctx, msg); err != nil {
			_ = c.Send(protocol.ErrorReply(err.Error()))
		}
	}
}

func (c *wsConn) dispatch(ctx context.Context, msg protocol.Message) error {
	switch msg.Type {
	case protocol.TypeRegister:
		// Rejections are acked on the connection by the coordinator; the
		// connection stays open so the client can retry with another name.
		_ = c.srv.coord.Register(c.id, msg.Name, c)
		return nil
	case protocol.TypeCall:
		return c.translateErr(c.srv.coord.Call(c.id, msg.To, msg.Offer))
	case protocol.TypeCallResponse:
		accept := msg.Response == protocol.ResponseAccept
		return c.translateErr(c.srv.coord.Response(ctx, c.id, msg.From, accept, msg.Offer))
	case protocol.TypeCandidate:
		return c.translateErr(c.srv.coord.Candidate(c.id, msg.Candidate))
	case protocol.TypeStop:
		return c.translateErr(c.srv.coord.Stop(c.id))
	default:
		c.srv.m.Inc(metrics.UnknownMessages)
		return protocol.ErrUnknownType
	}
}

func (c *wsConn) translateErr(err error) error {
	if errors.Is(err, call.ErrNotRegistered) {
		return errors.New("register first")
	}
	return err
}

func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(c.srv.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) closeWith(code int, reason string) {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
	c.writeMu.Unlock()
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
