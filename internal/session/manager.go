package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"wabridge/internal/eventbus"
	"wabridge/internal/metrics"
	"wabridge/internal/retry"
	logx "wabridge/pkg/logx"
)

var (
	// ErrUnavailable: no authenticated connection right now.
	ErrUnavailable = errors.New("session unavailable")
	// ErrNeedsRelink: auto-reconnect is suspended pending a fresh pairing.
	ErrNeedsRelink = errors.New("session needs manual relink")
	// ErrGuardFailed: the configured supervisor identity is missing from
	// the destination group.
	ErrGuardFailed = errors.New("supervisor guard check failed")
)

type Config struct {
	GroupJID      string
	GroupName     string
	SupervisorJID string

	ReconnectBase time.Duration // default 2s
	ReconnectMax  time.Duration // default 60s
	ChallengeTTL  time.Duration // default 120s
}

func (c Config) withDefaults() Config {
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = 2 * time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 60 * time.Second
	}
	if c.ChallengeTTL <= 0 {
		c.ChallengeTTL = 120 * time.Second
	}
	return c
}

const lastErrorsKept = 5

// Manager owns the single upstream connection and its authentication
// lifecycle. All state mutations happen on lifecycle events or explicit
// relink requests; the run loop is the only writer of connection state.
type Manager struct {
	cfg    Config
	client Client
	log    logx.Logger
	bus    eventbus.Bus
	met    *metrics.Registry

	mu                   sync.Mutex
	status               Status
	identity             string
	lastSeen             time.Time
	lastDisconnectReason string
	lastDisconnectCode   int
	disconnectCount      int
	reconnectAttempt     int
	needsRelink          bool
	chal                 *challenge

	// Resolved once per connection.
	groupJID string
	guardErr error

	readyCh chan struct{}

	// connectReq pokes the run loop to (re)connect outside the backoff
	// timer (initial start, manual relink).
	connectReq chan struct{}

	lastErrors []string

	now func() time.Time
}

func NewManager(cfg Config, client Client, log logx.Logger, bus eventbus.Bus, met *metrics.Registry) *Manager {
	return &Manager{
		cfg:        cfg.withDefaults(),
		client:     client,
		log:        log,
		bus:        bus,
		met:        met,
		status:     StatusDisconnected,
		readyCh:    make(chan struct{}),
		connectReq: make(chan struct{}, 1),
		now:        time.Now,
	}
}

// StartConnection requests a connection attempt. Safe to call repeatedly;
// requests collapse into one pending attempt.
func (m *Manager) StartConnection() {
	select {
	case m.connectReq <- struct{}{}:
	default:
	}
}

// WaitReady blocks until the session is authenticated or ctx ends.
func (m *Manager) WaitReady(ctx context.Context) error {
	m.mu.Lock()
	ch := m.readyCh
	connected := m.status == StatusConnected
	m.mu.Unlock()
	if connected {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run is the session event loop. It consumes client lifecycle events,
// drives reconnection with exponential backoff, and owns every state
// transition. It blocks until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	events := make(chan Event, 16)
	if err := m.client.Start(ctx, events); err != nil {
		return fmt.Errorf("client start: %w", err)
	}

	m.StartConnection()

	var reconnectC <-chan time.Time
	var reconnectT *time.Timer
	stopTimer := func() {
		if reconnectT != nil {
			reconnectT.Stop()
			reconnectT = nil
			reconnectC = nil
		}
	}
	defer stopTimer()

	for {
		select {
		case <-ctx.Done():
			m.client.Disconnect()
			return nil

		case <-m.connectReq:
			stopTimer()
			if delay, again := m.connect(ctx); again {
				reconnectT = time.NewTimer(delay)
				reconnectC = reconnectT.C
			}

		case <-reconnectC:
			stopTimer()
			if delay, again := m.connect(ctx); again {
				reconnectT = time.NewTimer(delay)
				reconnectC = reconnectT.C
			}

		case ev := <-events:
			if delay, again := m.handleEvent(ctx, ev); again {
				stopTimer()
				reconnectT = time.NewTimer(delay)
				reconnectC = reconnectT.C
			}
		}
	}
}

// connect performs one attempt. A failed attempt counts as a disconnect so
// the same backoff schedule applies; the returned (delay, true) asks the
// run loop to arm the reconnect timer.
func (m *Manager) connect(ctx context.Context) (time.Duration, bool) {
	m.mu.Lock()
	if m.status == StatusConnected || m.status == StatusConnecting {
		m.mu.Unlock()
		return 0, false
	}
	if m.needsRelink {
		// Manual relink path goes through Relink(); a stray timer or
		// request must not bypass the suspension.
		m.mu.Unlock()
		return 0, false
	}
	m.clearChallengeLocked()
	if err := m.setStatusLocked(StatusConnecting); err != nil {
		m.mu.Unlock()
		m.log.Error("session state error", logx.Err(err))
		return 0, false
	}
	attempt := m.reconnectAttempt
	m.mu.Unlock()

	m.log.Info("connecting", logx.Int("attempt", attempt))
	if err := m.client.Connect(ctx); err != nil {
		m.recordError("connect: " + sanitize(err))
		m.log.Warn("connect attempt failed", logx.Err(err))
		return m.handleEvent(ctx, Event{Kind: EventDisconnected, Reason: "connect_failed"})
	}
	return 0, false
}

// handleEvent applies one lifecycle event. It returns (delay, true) when a
// reconnect should be scheduled.
func (m *Manager) handleEvent(ctx context.Context, ev Event) (time.Duration, bool) {
	switch ev.Kind {
	case EventPairing:
		m.onPairing(ev)
		return 0, false
	case EventConnected:
		m.onConnected(ctx, ev)
		return 0, false
	case EventDisconnected:
		return m.onDisconnected(ev)
	default:
		m.log.Warn("unknown session event", logx.String("kind", string(ev.Kind)))
		return 0, false
	}
}

func (m *Manager) onPairing(ev Event) {
	m.mu.Lock()
	if err := m.setStatusLocked(StatusQRWait); err != nil {
		m.mu.Unlock()
		m.log.Error("session state error", logx.Err(err))
		return
	}
	m.setChallengeLocked(ev.Code)
	ttl := m.cfg.ChallengeTTL
	m.mu.Unlock()

	// Never log the code itself.
	m.log.Info("pairing challenge issued", logx.Duration("ttl", ttl))
	m.bus.Publish(eventbus.Event{Type: eventbus.TypeSessionPairing})
}

func (m *Manager) onConnected(ctx context.Context, ev Event) {
	m.mu.Lock()
	if err := m.setStatusLocked(StatusConnected); err != nil {
		m.mu.Unlock()
		m.log.Error("session state error", logx.Err(err))
		return
	}
	m.identity = ev.Identity
	m.lastSeen = m.now()
	m.reconnectAttempt = 0
	m.needsRelink = false
	m.clearChallengeLocked()
	close(m.readyCh)
	m.readyCh = make(chan struct{})
	m.mu.Unlock()

	m.met.Reconnect()
	m.log.Info("session connected", logx.String("identity", ev.Identity))

	// Resolve the destination and run the guard once per connection.
	groupJID, guardErr := m.resolveDestination(ctx)
	m.mu.Lock()
	m.groupJID = groupJID
	m.guardErr = guardErr
	m.mu.Unlock()

	if guardErr != nil {
		m.recordError("guard: " + sanitize(guardErr))
		m.log.Warn("destination guard failed; sends will be rejected", logx.Err(guardErr))
	}

	m.bus.Publish(eventbus.Event{Type: eventbus.TypeSessionConnected, Data: ev.Identity})
}

func (m *Manager) onDisconnected(ev Event) (time.Duration, bool) {
	m.mu.Lock()
	if err := m.setStatusLocked(StatusDisconnected); err != nil {
		m.mu.Unlock()
		m.log.Error("session state error", logx.Err(err))
		return 0, false
	}
	m.disconnectCount++
	m.lastDisconnectReason = ev.Reason
	m.lastDisconnectCode = ev.ErrorCode
	m.groupJID = ""
	m.guardErr = nil

	relink := classifyLoggedOut(ev)
	if relink {
		m.needsRelink = true
		m.identity = ""
		m.clearChallengeLocked()
	}
	attempt := m.reconnectAttempt
	if !relink {
		m.reconnectAttempt++
	}
	count := m.disconnectCount
	m.mu.Unlock()

	m.met.Disconnect()
	m.recordError(fmt.Sprintf("disconnect(%d): %s", ev.ErrorCode, sanitize(errors.New(ev.Reason))))

	if relink {
		m.log.Error("session deauthorized; manual relink required",
			logx.String("reason", ev.Reason), logx.Int("code", ev.ErrorCode))
		m.bus.Publish(eventbus.Event{Type: eventbus.TypeSessionNeedsRelink, Data: ev.Reason})
		return 0, false
	}

	delay := reconnectDelay(m.cfg.ReconnectBase, m.cfg.ReconnectMax, attempt)
	m.log.Warn("session disconnected; reconnect scheduled",
		logx.String("reason", ev.Reason),
		logx.Int("code", ev.ErrorCode),
		logx.Int("disconnects", count),
		logx.Duration("delay", delay))
	m.bus.Publish(eventbus.Event{Type: eventbus.TypeSessionDisconnected, Data: ev.Reason})
	return delay, true
}

// classifyLoggedOut decides whether a disconnect is an explicit,
// irrecoverable deauthorization. 401 is the protocol's "logged out" code;
// the reason string is a fallback for clients that don't set codes.
func classifyLoggedOut(ev Event) bool {
	if ev.LoggedOut || ev.ErrorCode == 401 {
		return true
	}
	r := strings.ToLower(ev.Reason)
	return strings.Contains(r, "logged out") || strings.Contains(r, "deauthorized")
}

func (m *Manager) resolveDestination(ctx context.Context) (string, error) {
	rctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	jid := strings.TrimSpace(m.cfg.GroupJID)
	if jid == "" {
		resolved, err := m.client.ResolveGroupName(rctx, m.cfg.GroupName)
		if err != nil {
			return "", fmt.Errorf("resolve group %q: %w", m.cfg.GroupName, err)
		}
		jid = resolved
	}

	if sup := strings.TrimSpace(m.cfg.SupervisorJID); sup != "" {
		parts, err := m.client.GroupParticipants(rctx, jid)
		if err != nil {
			return jid, fmt.Errorf("guard: list participants: %w", err)
		}
		found := false
		for _, p := range parts {
			if p.JID == sup {
				found = true
				break
			}
		}
		if !found {
			return jid, ErrGuardFailed
		}
	}
	return jid, nil
}

// SendToTarget issues one network send to the resolved destination group.
// No retry or rate limiting happens here; the dispatch gateway composes
// those around this call.
func (m *Manager) SendToTarget(ctx context.Context, text string) (messageID, groupJID string, err error) {
	m.mu.Lock()
	switch {
	case m.needsRelink:
		m.mu.Unlock()
		return "", "", retry.Permanent(ErrNeedsRelink)
	case m.status != StatusConnected:
		m.mu.Unlock()
		return "", "", retry.Permanent(ErrUnavailable)
	case m.guardErr != nil:
		err := m.guardErr
		m.mu.Unlock()
		// Redacted: the guard error names no identities.
		return "", "", retry.Permanent(fmt.Errorf("destination rejected: %w", err))
	case m.groupJID == "":
		m.mu.Unlock()
		return "", "", retry.Permanent(ErrUnavailable)
	}
	jid := m.groupJID
	m.mu.Unlock()

	id, err := m.client.SendText(ctx, jid, text)
	if err != nil {
		m.mu.Lock()
		disconnected := m.status != StatusConnected
		m.mu.Unlock()
		if disconnected {
			// The connection dropped mid-send; surface as unavailable so
			// the caller doesn't retry into a dead session.
			return "", jid, retry.Permanent(fmt.Errorf("%w: %s", ErrUnavailable, sanitize(err)))
		}
		return "", jid, err
	}

	m.mu.Lock()
	m.lastSeen = m.now()
	m.mu.Unlock()
	return id, jid, nil
}

// Relink clears the manual-relink latch and forces a fresh connection.
// With wipeAuth the persisted credentials are removed first so the client
// must issue a new pairing challenge.
func (m *Manager) Relink(wipeAuth bool) error {
	m.client.Disconnect()

	m.mu.Lock()
	m.needsRelink = false
	m.identity = ""
	m.clearChallengeLocked()
	if m.status != StatusDisconnected {
		// Disconnect event may still be in flight; force the state so the
		// connect request isn't ignored.
		m.status = StatusDisconnected
	}
	m.reconnectAttempt = 0
	m.mu.Unlock()

	if wipeAuth {
		if err := m.client.WipeCredentials(); err != nil {
			return fmt.Errorf("wipe credentials: %w", err)
		}
	}

	m.log.Info("relink requested", logx.Bool("wipe_auth", wipeAuth))
	m.StartConnection()
	return nil
}

func (m *Manager) recordError(summary string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastErrors = append(m.lastErrors, m.now().UTC().Format(time.RFC3339)+" "+summary)
	if len(m.lastErrors) > lastErrorsKept {
		m.lastErrors = m.lastErrors[len(m.lastErrors)-lastErrorsKept:]
	}
}

// sanitize trims an error down to a short, secret-free summary. Errors from
// the client may embed device identifiers; keep only the first line, capped.
func sanitize(err error) string {
	if err == nil {
		return ""
	}
	s := err.Error()
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
