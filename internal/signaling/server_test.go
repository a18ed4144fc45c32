package signaling

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/peerline/one2one-signal/internal/call"
	"github.com/peerline/one2one-signal/internal/config"
	"github.com/peerline/one2one-signal/internal/httpserver"
	"github.com/peerline/one2one-signal/internal/media"
	"github.com/peerline/one2one-signal/internal/metrics"
	"github.com/peerline/one2one-signal/internal/protocol"
)

type echoSession struct{}

func (echoSession) GenerateAnswer(ctx context.Context, partyID, offer string) (string, error) {
	return "sdp-answer:" + offer, nil
}

func (echoSession) ForwardCandidate(partyID string, candidate json.RawMessage) error { return nil }

func (echoSession) Release() {}

type echoPipeline struct{}

func (echoPipeline) CreateSession(ctx context.Context, callerID, calleeID string) (media.Session, error) {
	return echoSession{}, nil
}

func testServerConfig() config.Config {
	return config.Config{
		WSIdleTimeout:        10 * time.Second,
		WSPingInterval:       time.Second,
		MaxMessageBytes:      64 * 1024,
		MaxMessagesPerSecond: 50,
	}
}

func startSignalingServer(t *testing.T, cfg config.Config, pipe media.Pipeline) string {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	coord := call.NewCoordinator(pipe, log, m)
	srv := NewServer(cfg, coord, log, m)

	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)

	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})

	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/one2one"
}

type testClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialClient(t *testing.T, url string) *testClient {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &testClient{t: t, conn: conn}
}

func (c *testClient) send(raw string) {
	c.t.Helper()
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *testClient) recv() protocol.Message {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.t.Fatalf("unmarshal %q: %v", data, err)
	}
	return msg
}

func (c *testClient) register(name string) {
	c.t.Helper()
	c.send(`{"type":"register","name":"` + name + `"}`)
	if msg := c.recv(); msg.Type != protocol.TypeRegisterResponse || msg.Response != protocol.ResponseAccepted {
		c.t.Fatalf("register %s: got %+v", name, msg)
	}
}

func TestSignaling_CallAcceptedEndToEnd(t *testing.T) {
	url := startSignalingServer(t, testServerConfig(), echoPipeline{})

	alice := dialClient(t, url)
	bob := dialClient(t, url)
	alice.register("alice")
	bob.register("bob")

	alice.send(`{"type":"call","to":"bob","offer":"v=0 alice"}`)

	incoming := bob.recv()
	if incoming.Type != protocol.TypeIncomingCall || incoming.From != "alice" {
		t.Fatalf("incoming call: got %+v", incoming)
	}

	bob.send(`{"type":"callResponse","from":"alice","response":"accept","offer":"v=0 bob"}`)

	start := bob.recv()
	if start.Type != protocol.TypeStartCommunication || start.Answer != "sdp-answer:v=0 bob" {
		t.Fatalf("startCommunication: got %+v", start)
	}

	accepted := alice.recv()
	if accepted.Type != protocol.TypeCallResponse || accepted.Response != protocol.ResponseAccepted {
		t.Fatalf("callResponse: got %+v", accepted)
	}
	if accepted.Answer != "sdp-answer:v=0 alice" {
		t.Fatalf("caller got answer %q, want the one for its own offer", accepted.Answer)
	}
}

func TestSignaling_RejectFlow(t *testing.T) {
	url := startSignalingServer(t, testServerConfig(), echoPipeline{})

	alice := dialClient(t, url)
	bob := dialClient(t, url)
	alice.register("alice")
	bob.register("bob")

	alice.send(`{"type":"call","to":"bob","offer":"v=0"}`)
	if msg := bob.recv(); msg.Type != protocol.TypeIncomingCall {
		t.Fatalf("incoming call: got %+v", msg)
	}

	bob.send(`{"type":"callResponse","from":"alice","response":"reject"}`)

	rejected := alice.recv()
	if rejected.Type != protocol.TypeCallResponse || rejected.Response != protocol.ResponseRejected {
		t.Fatalf("expected rejection, got %+v", rejected)
	}
	if !strings.Contains(rejected.Reason, "declined") {
		t.Fatalf("unexpected reason %q", rejected.Reason)
	}
}

func TestSignaling_DuplicateNameRejectedButConnectionSurvives(t *testing.T) {
	url := startSignalingServer(t, testServerConfig(), echoPipeline{})

	first := dialClient(t, url)
	first.register("alice")

	second := dialClient(t, url)
	second.send(`{"type":"register","name":"alice"}`)
	msg := second.recv()
	if msg.Type != protocol.TypeRegisterResponse || msg.Response != protocol.ResponseRejected {
		t.Fatalf("expected register rejection, got %+v", msg)
	}

	// The connection is still usable: retry under a free name.
	second.register("bob")
}

func TestSignaling_UnknownTypeGetsErrorReply(t *testing.T) {
	url := startSignalingServer(t, testServerConfig(), echoPipeline{})

	c := dialClient(t, url)
	c.send(`{"type":"subscribe"}`)
	msg := c.recv()
	if msg.Type != protocol.TypeError {
		t.Fatalf("expected error reply, got %+v", msg)
	}
	if !strings.Contains(msg.Message, "unknown message type") {
		t.Fatalf("unexpected error message %q", msg.Message)
	}

	// Still connected afterwards.
	c.register("carol")
}

func TestSignaling_MalformedJSONGetsErrorReply(t *testing.T) {
	url := startSignalingServer(t, testServerConfig(), echoPipeline{})

	c := dialClient(t, url)
	c.send(`{"type":`)
	if msg := c.recv(); msg.Type != protocol.TypeError {
		t.Fatalf("expected error reply, got %+v", msg)
	}
}

func TestSignaling_CallBeforeRegister(t *testing.T) {
	url := startSignalingServer(t, testServerConfig(), echoPipeline{})

	c := dialClient(t, url)
	c.send(`{"type":"call","to":"bob","offer":"v=0"}`)
	msg := c.recv()
	if msg.Type != protocol.TypeError || !strings.Contains(msg.Message, "register first") {
		t.Fatalf("expected register-first error, got %+v", msg)
	}
}

func TestSignaling_PeerDisconnectPropagatesHangup(t *testing.T) {
	url := startSignalingServer(t, testServerConfig(), echoPipeline{})

	alice := dialClient(t, url)
	bob := dialClient(t, url)
	alice.register("alice")
	bob.register("bob")

	alice.send(`{"type":"call","to":"bob","offer":"v=0 alice"}`)
	if msg := bob.recv(); msg.Type != protocol.TypeIncomingCall {
		t.Fatalf("incoming call: got %+v", msg)
	}
	bob.send(`{"type":"callResponse","from":"alice","response":"accept","offer":"v=0 bob"}`)
	if msg := bob.recv(); msg.Type != protocol.TypeStartCommunication {
		t.Fatalf("startCommunication: got %+v", msg)
	}
	if msg := alice.recv(); msg.Type != protocol.TypeCallResponse {
		t.Fatalf("callResponse: got %+v", msg)
	}

	_ = alice.conn.Close()

	stop := bob.recv()
	if stop.Type != protocol.TypeStopCommunication {
		t.Fatalf("expected stopCommunication, got %+v", stop)
	}
	if !strings.Contains(stop.Reason, "hung up") {
		t.Fatalf("unexpected reason %q", stop.Reason)
	}
}

func TestSignaling_NameFreedAfterDisconnect(t *testing.T) {
	url := startSignalingServer(t, testServerConfig(), echoPipeline{})

	first := dialClient(t, url)
	first.register("alice")
	_ = first.conn.Close()

	// Unregistration races the close; retry briefly.
	second := dialClient(t, url)
	deadline := time.Now().Add(2 * time.Second)
	for {
		second.send(`{"type":"register","name":"alice"}`)
		msg := second.recv()
		if msg.Response == protocol.ResponseAccepted {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("name never freed: %+v", msg)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestSignaling_RateLimitClosesConnection(t *testing.T) {
	cfg := testServerConfig()
	cfg.MaxMessagesPerSecond = 1
	url := startSignalingServer(t, cfg, echoPipeline{})

	c := dialClient(t, url)
	c.register("alice")

	// The bucket holds one token; the registration spent it. An immediate
	// burst must trip the limiter and close the connection.
	closed := false
	for i := 0; i < 5 && !closed; i++ {
		if err := c.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"stop"}`)); err != nil {
			closed = true
			break
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
				closed = true
			}
			break
		}
	}
	if !closed {
		t.Fatalf("expected the connection to be closed for flooding")
	}
}

func TestSignaling_OversizedMessageDisconnects(t *testing.T) {
	cfg := testServerConfig()
	cfg.MaxMessageBytes = 128
	url := startSignalingServer(t, cfg, echoPipeline{})

	c := dialClient(t, url)
	c.send(`{"type":"call","to":"bob","offer":"` + strings.Repeat("a", 1024) + `"}`)

	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := c.conn.ReadMessage(); err == nil {
		t.Fatalf("expected the connection to drop on an oversized frame")
	}
}

// The binary serves the WebSocket route through httpserver's middleware
// chain, so the upgrade must work against the wrapped ResponseWriter, not
// just a bare mux.
func TestSignaling_UpgradeThroughHTTPServerMiddleware(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	coord := call.NewCoordinator(echoPipeline{}, log, m)

	cfg := testServerConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	sig := NewServer(cfg, coord, log, m)

	hsrv := httpserver.New(cfg, log, httpserver.BuildInfo{Commit: "abc", BuildTime: "time"})
	sig.RegisterRoutes(hsrv.Mux())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- hsrv.Serve(ln)
	}()
	t.Cleanup(func() {
		sig.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = hsrv.Shutdown(ctx)
		<-errCh
	})

	url := "ws://" + ln.Addr().String() + "/one2one"
	alice := dialClient(t, url)
	bob := dialClient(t, url)
	alice.register("alice")
	bob.register("bob")

	alice.send(`{"type":"call","to":"bob","offer":"v=0 alice"}`)
	if incoming := bob.recv(); incoming.Type != protocol.TypeIncomingCall || incoming.From != "alice" {
		t.Fatalf("incoming call: got %+v", incoming)
	}
}
