package waclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"wabridge/internal/retry"
	"wabridge/internal/session"
	logx "wabridge/pkg/logx"
)

// fakeAgent is a scripted protocol agent behind a websocket endpoint.
type fakeAgent struct {
	t  *testing.T
	mu sync.Mutex

	conn *websocket.Conn
	srv  *httptest.Server

	// silentConnect acks connect requests but answers with a pairing
	// event instead of connected, keeping the session in its waiting
	// state.
	silentConnect bool
	authDir       string
}

func startFakeAgent(t *testing.T) *fakeAgent {
	t.Helper()
	a := &fakeAgent{t: t}
	up := websocket.Upgrader{}
	a.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		a.mu.Lock()
		a.conn = conn
		a.mu.Unlock()
		a.serve(conn)
	}))
	t.Cleanup(a.srv.Close)
	return a
}

func (a *fakeAgent) url() string {
	return "ws" + strings.TrimPrefix(a.srv.URL, "http")
}

func (a *fakeAgent) serve(conn *websocket.Conn) {
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		resp := frame{ID: f.ID}
		switch f.Op {
		case "connect":
			var p struct {
				AuthDir string `json:"auth_dir"`
			}
			_ = json.Unmarshal(f.Params, &p)
			a.mu.Lock()
			a.authDir = p.AuthDir
			silent := a.silentConnect
			a.mu.Unlock()
			a.writeJSON(conn, resp)
			if silent {
				a.writeJSON(conn, frame{Event: "pairing", Data: mustJSON(map[string]any{"code": "qr-pending"})})
			} else {
				a.writeJSON(conn, frame{Event: "connected", Data: mustJSON(map[string]any{"identity": "bridge@wa"})})
			}
		case "send_text":
			var p struct {
				GroupJID string `json:"group_jid"`
				Text     string `json:"text"`
			}
			_ = json.Unmarshal(f.Params, &p)
			if p.Text == "reject me" {
				resp.Error = &agentError{Code: 403, Message: "not allowed"}
			} else if p.GroupJID == "" {
				resp.Error = &agentError{Code: 400, Message: "missing group"}
			} else {
				resp.Result = mustJSON(map[string]any{"message_id": "m1"})
			}
			a.writeJSON(conn, resp)
		case "resolve_group":
			resp.Result = mustJSON(map[string]any{"jid": "resolved@g.us"})
			a.writeJSON(conn, resp)
		case "participants":
			resp.Result = mustJSON(map[string]any{
				"participants": []map[string]any{
					{"jid": "a@wa", "is_admin": true},
					{"jid": "b@wa"},
				},
			})
			a.writeJSON(conn, resp)
		case "disconnect", "wipe_credentials":
			a.writeJSON(conn, resp)
		default:
			resp.Error = &agentError{Code: 501, Message: "unknown op"}
			a.writeJSON(conn, resp)
		}
	}
}

func (a *fakeAgent) writeJSON(conn *websocket.Conn, v any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	_ = conn.WriteJSON(v)
}

func (a *fakeAgent) emit(event string, data map[string]any) {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		a.t.Fatal("no agent connection yet")
	}
	a.writeJSON(conn, frame{Event: event, Data: mustJSON(data)})
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func startClient(t *testing.T, agent *fakeAgent) (*Client, chan session.Event) {
	t.Helper()
	return startClientCfg(t, Config{URL: agent.url(), CallTimeout: 2 * time.Second})
}

func startClientCfg(t *testing.T, cfg Config) (*Client, chan session.Event) {
	t.Helper()
	c := New(cfg, logx.Nop())
	events := make(chan session.Event, 16)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := c.Start(ctx, events); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Wait until the dial loop has attached.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		attached := c.conn != nil
		c.mu.Unlock()
		if attached {
			return c, events
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("client never attached to the agent")
	return nil, nil
}

func waitEvent(t *testing.T, events chan session.Event, kind session.EventKind) session.Event {
	t.Helper()
	for {
		select {
		case ev := <-events:
			if ev.Kind == kind {
				return ev
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

func TestConnectForwardsLifecycleEvents(t *testing.T) {
	t.Parallel()
	agent := startFakeAgent(t)
	c, events := startClient(t, agent)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	ev := waitEvent(t, events, session.EventConnected)
	if ev.Identity != "bridge@wa" {
		t.Fatalf("identity = %q", ev.Identity)
	}

	agent.emit("disconnected", map[string]any{"reason": "logged out", "code": 401, "logged_out": true})
	ev = waitEvent(t, events, session.EventDisconnected)
	if !ev.LoggedOut || ev.ErrorCode != 401 || ev.Reason != "logged out" {
		t.Fatalf("event = %+v", ev)
	}
}

func TestPairingEventCarriesCode(t *testing.T) {
	t.Parallel()
	agent := startFakeAgent(t)
	_, events := startClient(t, agent)

	agent.emit("pairing", map[string]any{"code": "qr-payload"})
	ev := waitEvent(t, events, session.EventPairing)
	if ev.Code != "qr-payload" {
		t.Fatalf("code = %q", ev.Code)
	}
}

func TestSendText(t *testing.T) {
	t.Parallel()
	agent := startFakeAgent(t)
	c, _ := startClient(t, agent)

	id, err := c.SendText(context.Background(), "g1@g.us", "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if id != "m1" {
		t.Fatalf("id = %q", id)
	}
}

func TestRejectionIsPermanent(t *testing.T) {
	t.Parallel()
	agent := startFakeAgent(t)
	c, _ := startClient(t, agent)

	_, err := c.SendText(context.Background(), "g1@g.us", "reject me")
	if err == nil {
		t.Fatal("expected rejection")
	}
	if !retry.IsPermanent(err) {
		t.Fatalf("4xx agent error must be permanent, got %v", err)
	}

	// 5xx stays transient so the dispatch retry loop may try again.
	err = c.call(context.Background(), "bogus_op", nil, nil)
	if err == nil || retry.IsPermanent(err) {
		t.Fatalf("5xx agent error must stay transient, got %v", err)
	}
}

func TestResolveGroupAndParticipants(t *testing.T) {
	t.Parallel()
	agent := startFakeAgent(t)
	c, _ := startClient(t, agent)

	jid, err := c.ResolveGroupName(context.Background(), "Ops Room")
	if err != nil || jid != "resolved@g.us" {
		t.Fatalf("resolve: jid=%q err=%v", jid, err)
	}

	parts, err := c.GroupParticipants(context.Background(), jid)
	if err != nil {
		t.Fatalf("participants: %v", err)
	}
	if len(parts) != 2 || !parts[0].IsAdmin || parts[1].JID != "b@wa" {
		t.Fatalf("participants = %+v", parts)
	}
}

func TestAgentDropSurfacesDisconnect(t *testing.T) {
	t.Parallel()
	agent := startFakeAgent(t)
	c, events := startClient(t, agent)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitEvent(t, events, session.EventConnected)

	// Kill the agent side; the client must surface a synthetic disconnect.
	agent.mu.Lock()
	_ = agent.conn.Close()
	agent.mu.Unlock()

	ev := waitEvent(t, events, session.EventDisconnected)
	if ev.LoggedOut {
		t.Fatal("a link loss is not a deauthorization")
	}

	// Calls while detached fail fast.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := c.SendText(context.Background(), "g1@g.us", "hi"); err != nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("send should fail while the agent link is down")
}

func TestLinkDropDuringPairingSurfacesDisconnect(t *testing.T) {
	t.Parallel()
	agent := startFakeAgent(t)
	agent.mu.Lock()
	agent.silentConnect = true
	agent.mu.Unlock()
	c, events := startClient(t, agent)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitEvent(t, events, session.EventPairing)

	// The link dies before the session ever came up. A disconnect must
	// still be surfaced, or the session manager would wait in
	// connecting/qr_wait forever with no reconnect timer armed.
	agent.mu.Lock()
	_ = agent.conn.Close()
	agent.mu.Unlock()

	ev := waitEvent(t, events, session.EventDisconnected)
	if ev.LoggedOut {
		t.Fatal("a link loss is not a deauthorization")
	}
}

func TestConnectPassesAuthDir(t *testing.T) {
	t.Parallel()
	agent := startFakeAgent(t)
	c, _ := startClientCfg(t, Config{
		URL:         agent.url(),
		CallTimeout: 2 * time.Second,
		AuthDir:     "/var/lib/wabridge/auth",
	})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	agent.mu.Lock()
	got := agent.authDir
	agent.mu.Unlock()
	if got != "/var/lib/wabridge/auth" {
		t.Fatalf("agent saw auth_dir = %q", got)
	}
}
