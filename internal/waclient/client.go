// Package waclient implements session.Client against the protocol agent,
// the sidecar process that owns the wire-level session cryptography. The
// bridge talks to it over a single local websocket: requests go out as
// small JSON frames with correlation ids, lifecycle events come back
// unsolicited on the same connection.
package waclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"wabridge/internal/retry"
	"wabridge/internal/session"
	logx "wabridge/pkg/logx"
)

const (
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = (pongWait * 9) / 10
	maxMsgSize  = 1 << 20
	redialDelay = 2 * time.Second
)

type Config struct {
	// URL is the agent's websocket endpoint.
	URL string // default "ws://127.0.0.1:3500/ws"

	// CallTimeout bounds a single request/response exchange when the
	// caller's context has no earlier deadline.
	CallTimeout time.Duration // default 30s

	// AuthDir is where the agent persists credential material. Sent with
	// every connect request.
	AuthDir string
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = "ws://127.0.0.1:3500/ws"
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	return c
}

// frame is both directions of the agent protocol. Requests carry ID+Op,
// responses echo ID, events carry Event.
type frame struct {
	ID     string          `json:"id,omitempty"`
	Op     string          `json:"op,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`

	OK     *bool           `json:"ok,omitempty"`
	Error  *agentError     `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`

	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// agentError is the agent's structured failure. Codes follow HTTP
// conventions: 4xx means the network or agent rejected the request and a
// retry cannot help, 5xx and transport failures are transient.
type agentError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *agentError) Error() string {
	return fmt.Sprintf("agent: %d %s", e.Code, e.Message)
}

func (e *agentError) rejection() bool { return e.Code >= 400 && e.Code < 500 }

var errAgentDown = errors.New("protocol agent unreachable")

type Client struct {
	cfg Config
	log logx.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan *frame

	out chan<- session.Event

	// connected mirrors whether we forwarded a connected event since the
	// last disconnect; attempting covers the span from an acked connect
	// request until the session settles, pairing wait included. A websocket
	// drop during either is surfaced as exactly one synthetic disconnect,
	// otherwise the session manager would wait on a dead link forever.
	connected  bool
	attempting bool
}

func New(cfg Config, log logx.Logger) *Client {
	return &Client{
		cfg:     cfg.withDefaults(),
		log:     log,
		pending: map[string]chan *frame{},
	}
}

// Start binds the event channel and launches the dial/read loop. The loop
// keeps redialing the agent until ctx ends; callers see a down agent as
// transient call errors plus a synthetic disconnect event.
func (c *Client) Start(ctx context.Context, out chan<- session.Event) error {
	c.mu.Lock()
	if c.out != nil {
		c.mu.Unlock()
		return errors.New("already started")
	}
	c.out = out
	c.mu.Unlock()

	go c.run(ctx)
	return nil
}

func (c *Client) run(ctx context.Context) {
	for {
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Warn("agent dial failed", logx.Err(err))
		} else {
			c.log.Info("agent link established", logx.String("url", c.cfg.URL))
			c.readLoop(ctx, conn)
			c.dropConn(conn)
			if ctx.Err() != nil {
				return
			}
			c.log.Warn("agent link lost")
		}

		t := time.NewTimer(redialDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dctx, c.cfg.URL, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(maxMsgSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return conn, nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	pingT := time.NewTicker(pingPeriod)
	defer pingT.Stop()
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeWait))
				_ = conn.Close()
				return
			case <-pingT.C:
				c.mu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
				c.mu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("agent read error", logx.Err(err))
			}
			return
		}
		switch {
		case f.Event != "":
			c.forwardEvent(f)
		case f.ID != "":
			c.mu.Lock()
			ch, ok := c.pending[f.ID]
			if ok {
				delete(c.pending, f.ID)
			}
			c.mu.Unlock()
			if ok {
				fc := f
				ch <- &fc
			}
		}
	}
}

// dropConn clears the active connection and fails every in-flight call.
// A drop while the session was up, or while a connect attempt or pairing
// wait was outstanding, becomes a synthetic disconnect so the session
// manager's view tracks reality.
func (c *Client) dropConn(conn *websocket.Conn) {
	_ = conn.Close()

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	waiters := c.pending
	c.pending = map[string]chan *frame{}
	wasActive := c.connected || c.attempting
	c.connected = false
	c.attempting = false
	out := c.out
	c.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
	if wasActive && out != nil {
		out <- session.Event{Kind: session.EventDisconnected, Reason: "agent connection lost"}
	}
}

func (c *Client) forwardEvent(f frame) {
	c.mu.Lock()
	out := c.out
	c.mu.Unlock()
	if out == nil {
		return
	}

	switch f.Event {
	case "pairing":
		var d struct {
			Code string `json:"code"`
		}
		_ = json.Unmarshal(f.Data, &d)
		out <- session.Event{Kind: session.EventPairing, Code: d.Code}
	case "connected":
		var d struct {
			Identity string `json:"identity"`
		}
		_ = json.Unmarshal(f.Data, &d)
		c.mu.Lock()
		c.connected = true
		c.attempting = false
		c.mu.Unlock()
		out <- session.Event{Kind: session.EventConnected, Identity: d.Identity}
	case "disconnected":
		var d struct {
			Reason    string `json:"reason"`
			Code      int    `json:"code"`
			LoggedOut bool   `json:"logged_out"`
		}
		_ = json.Unmarshal(f.Data, &d)
		c.mu.Lock()
		c.connected = false
		c.attempting = false
		c.mu.Unlock()
		out <- session.Event{Kind: session.EventDisconnected, Reason: d.Reason, ErrorCode: d.Code, LoggedOut: d.LoggedOut}
	default:
		c.log.Debug("unknown agent event", logx.String("event", f.Event))
	}
}

// call performs one request/response exchange on the active connection.
func (c *Client) call(ctx context.Context, op string, params, result any) error {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return err
		}
		raw = b
	}
	req := frame{ID: uuid.NewString(), Op: op, Params: raw}
	respCh := make(chan *frame, 1)

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return errAgentDown
	}
	c.pending[req.ID] = respCh
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := conn.WriteJSON(req)
	c.mu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
		return fmt.Errorf("agent write: %w", err)
	}

	wctx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()
	}

	select {
	case <-wctx.Done():
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
		return wctx.Err()
	case resp, ok := <-respCh:
		if !ok {
			return errAgentDown
		}
		if resp.Error != nil {
			if resp.Error.rejection() {
				return retry.Permanent(resp.Error)
			}
			return resp.Error
		}
		if result != nil && len(resp.Result) > 0 {
			return json.Unmarshal(resp.Result, result)
		}
		return nil
	}
}

func (c *Client) Connect(ctx context.Context) error {
	params := struct {
		AuthDir string `json:"auth_dir,omitempty"`
	}{AuthDir: c.cfg.AuthDir}

	c.mu.Lock()
	c.attempting = true
	c.mu.Unlock()
	if err := c.call(ctx, "connect", params, nil); err != nil {
		c.mu.Lock()
		c.attempting = false
		c.mu.Unlock()
		return err
	}
	return nil
}

// Disconnect is best effort; the agent also tears down on link loss.
func (c *Client) Disconnect() {
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	err := c.call(ctx, "disconnect", nil, nil)
	c.mu.Lock()
	c.attempting = false
	c.mu.Unlock()
	if err != nil && !errors.Is(err, errAgentDown) {
		c.log.Debug("agent disconnect call failed", logx.Err(err))
	}
}

func (c *Client) WipeCredentials() error {
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	return c.call(ctx, "wipe_credentials", nil, nil)
}

func (c *Client) SendText(ctx context.Context, groupJID, text string) (string, error) {
	var res struct {
		MessageID string `json:"message_id"`
	}
	params := struct {
		GroupJID string `json:"group_jid"`
		Text     string `json:"text"`
	}{GroupJID: groupJID, Text: text}
	if err := c.call(ctx, "send_text", params, &res); err != nil {
		return "", err
	}
	if res.MessageID == "" {
		return "", errors.New("agent returned empty message id")
	}
	return res.MessageID, nil
}

func (c *Client) ResolveGroupName(ctx context.Context, name string) (string, error) {
	var res struct {
		JID string `json:"jid"`
	}
	params := struct {
		Name string `json:"name"`
	}{Name: name}
	if err := c.call(ctx, "resolve_group", params, &res); err != nil {
		return "", err
	}
	if res.JID == "" {
		return "", fmt.Errorf("group %q not found", name)
	}
	return res.JID, nil
}

func (c *Client) GroupParticipants(ctx context.Context, groupJID string) ([]session.Participant, error) {
	var res struct {
		Participants []struct {
			JID     string `json:"jid"`
			IsAdmin bool   `json:"is_admin"`
		} `json:"participants"`
	}
	params := struct {
		GroupJID string `json:"group_jid"`
	}{GroupJID: groupJID}
	if err := c.call(ctx, "participants", params, &res); err != nil {
		return nil, err
	}
	parts := make([]session.Participant, 0, len(res.Participants))
	for _, p := range res.Participants {
		parts = append(parts, session.Participant{JID: p.JID, IsAdmin: p.IsAdmin})
	}
	return parts, nil
}
