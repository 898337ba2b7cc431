// Package dispatch is the single entry point for "send this text to the
// destination group". It validates input, chunks oversized text, enforces
// idempotency, and composes the rate limiter, circuit breaker, and
// retry/backoff policy around the session send.
package dispatch

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"time"

	"wabridge/internal/metrics"
	"wabridge/internal/ratelimit"
	"wabridge/internal/retry"
	"wabridge/internal/session"
	"wabridge/internal/storage"
	logx "wabridge/pkg/logx"
)

// Sender is the session facet the gateway needs.
type Sender interface {
	SendToTarget(ctx context.Context, text string) (messageID, groupJID string, err error)
	// DestinationJID is a stable identifier for the fixed destination,
	// usable as a rate-limit scope even before the session connects.
	DestinationJID() string
}

// Admitter is the rate-limit facet the gateway needs.
type Admitter interface {
	Allow(ctx context.Context, scope ratelimit.Scope, n int) (ratelimit.Result, error)
}

// CircuitBreaker is the breaker facet the gateway needs.
type CircuitBreaker interface {
	Allow() error
	RecordSuccess()
	RecordFailure()
}

type Config struct {
	Channel string // rate-limit channel scope; default "whatsapp_web"

	ChunkSize int // max runes per chunk; default 3500
	MaxChunks int // default 10

	Retry retry.Policy

	IdempotencyTTL time.Duration // default 24h

	JitterMin time.Duration // default 400ms
	JitterMax time.Duration // default 900ms
}

func (c Config) withDefaults() Config {
	if c.Channel == "" {
		c.Channel = "whatsapp_web"
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 3500
	}
	if c.MaxChunks <= 0 {
		c.MaxChunks = 10
	}
	if c.IdempotencyTTL <= 0 {
		c.IdempotencyTTL = 24 * time.Hour
	}
	if c.JitterMin <= 0 {
		c.JitterMin = 400 * time.Millisecond
	}
	if c.JitterMax <= c.JitterMin {
		c.JitterMax = c.JitterMin + 500*time.Millisecond
	}
	return c
}

// Request is one send request.
type Request struct {
	Text           string
	IdempotencyKey string
	CorrelationID  string
	// ScopeChannel overrides the configured channel scope (rare; used when
	// several logical publishers share one bridge).
	ScopeChannel string
}

// Result is the successful outcome.
type Result struct {
	MessageIDs []string
	GroupJID   string
	// Deduplicated is true when the result was replayed from an
	// idempotency record and no network send happened.
	Deduplicated bool
}

type Gateway struct {
	sender Sender
	limit  Admitter
	brk    CircuitBreaker
	store  storage.Store // nil when disabled; used for the publication log
	idem   idemCache
	met    *metrics.Registry
	log    logx.Logger

	mu  sync.Mutex
	cfg Config

	rngMu sync.Mutex
	rng   *rand.Rand
}

func New(cfg Config, sender Sender, limit Admitter, brk CircuitBreaker, store storage.Store, met *metrics.Registry, log logx.Logger) *Gateway {
	g := &Gateway{
		sender: sender,
		limit:  limit,
		brk:    brk,
		store:  store,
		met:    met,
		log:    log,
		cfg:    cfg.withDefaults(),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if store != nil {
		g.idem = storeIdem{st: store}
	} else {
		g.idem = newMemIdem()
	}
	return g
}

// Apply swaps the hot-reloadable knobs.
func (g *Gateway) Apply(cfg Config) {
	g.mu.Lock()
	g.cfg = cfg.withDefaults()
	g.mu.Unlock()
}

func (g *Gateway) config() Config {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cfg
}

// Send performs one request end to end. Chunks of one request are strictly
// ordered; ordering across concurrent requests is best-effort only.
func (g *Gateway) Send(ctx context.Context, req Request) (Result, error) {
	cfg := g.config()
	log := g.log.With(
		logx.String("corr_id", req.CorrelationID),
		logx.String("channel", scopeChannel(cfg, req)),
	)

	text := req.Text
	if strings.TrimSpace(text) == "" {
		return Result{}, newErr(CodeInvalidInput, "text is empty")
	}

	// Idempotent replay: no network call, no rate-limit consumption.
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		if rec, ok, err := g.idem.Get(ctx, key); err == nil && ok {
			log.Info("send deduplicated", logx.String("outcome", "replayed"))
			return Result{MessageIDs: rec.MessageIDs, GroupJID: rec.GroupJID, Deduplicated: true}, nil
		} else if err != nil {
			log.Warn("idempotency lookup failed; proceeding", logx.Err(err))
		}
	}

	chunks := chunkText(text, cfg.ChunkSize)
	if len(chunks) > cfg.MaxChunks {
		return Result{}, newErr(CodeTooManyChunks, "text would need too many chunks")
	}

	scope := ratelimit.Scope{Channel: scopeChannel(cfg, req), GroupJID: g.sender.DestinationJID()}
	res, err := g.limit.Allow(ctx, scope, len(chunks))
	if err != nil {
		return Result{}, wrapErr(CodeSendFailed, "rate limiter error", err)
	}
	if !res.OK {
		g.met.RateLimited()
		g.audit(ctx, cfg, req, "rate_limited", nil, 0, res.Limit)
		log.Warn("send rate limited", logx.String("window", res.Limit), logx.Int("chunks", len(chunks)))
		return Result{}, newErr(CodeRateLimited, "rate limit exceeded: "+res.Limit)
	}

	if err := g.brk.Allow(); err != nil {
		g.met.CircuitOpen()
		g.audit(ctx, cfg, req, "circuit_open", nil, 0, "")
		log.Warn("send rejected by circuit breaker")
		return Result{}, newErr(CodeCircuitOpen, "circuit breaker open")
	}

	ids, groupJID, attempts, sendErr := g.sendChunks(ctx, cfg, chunks)
	if sendErr != nil {
		g.met.SendFailed()
		g.reportFailure(sendErr)
		g.audit(ctx, cfg, req, "failed", ids, attempts, sanitizeErr(sendErr))
		log.Warn("send failed",
			logx.String("outcome", "failed"),
			logx.Int("chunks_sent", len(ids)),
			logx.Int("attempts", attempts),
			logx.Err(sendErr))
		return Result{}, g.mapSendError(sendErr, ids)
	}

	g.brk.RecordSuccess()
	g.met.SendSuccess()

	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		now := time.Now()
		rec := storage.IdempotencyRecord{
			MessageIDs: ids,
			GroupJID:   groupJID,
			CreatedAt:  now,
			ExpiresAt:  now.Add(cfg.IdempotencyTTL),
		}
		if err := g.idem.Put(ctx, key, rec); err != nil {
			log.Warn("idempotency record write failed", logx.Err(err))
		}
	}

	g.audit(ctx, cfg, req, "sent", ids, attempts, "")
	log.Info("send completed",
		logx.String("outcome", "sent"),
		logx.String("group_jid", groupJID),
		logx.Int("chunks", len(ids)),
		logx.Int("attempts", attempts))
	return Result{MessageIDs: ids, GroupJID: groupJID}, nil
}

// sendChunks delivers chunks in order, with jitter between them and
// retry/backoff around each. On the first non-transient failure the rest
// are abandoned; already-sent ids are returned for error context.
func (g *Gateway) sendChunks(ctx context.Context, cfg Config, chunks []string) (ids []string, groupJID string, attempts int, err error) {
	// Per-request RNG: retry delays must not share an unlocked rand.Rand
	// across concurrent requests.
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for i, chunk := range chunks {
		if i > 0 {
			if err := g.sleepJitter(ctx, cfg); err != nil {
				return ids, groupJID, attempts, err
			}
		}

		var id string
		n, sendErr := retry.Do(ctx, cfg.Retry, rng, func(ctx context.Context) error {
			var cerr error
			id, groupJID, cerr = g.sender.SendToTarget(ctx, chunk)
			return cerr
		})
		attempts += n
		if sendErr != nil {
			return ids, groupJID, attempts, sendErr
		}
		ids = append(ids, id)
	}
	return ids, groupJID, attempts, nil
}

func (g *Gateway) sleepJitter(ctx context.Context, cfg Config) error {
	g.rngMu.Lock()
	span := int64(cfg.JitterMax - cfg.JitterMin)
	d := cfg.JitterMin + time.Duration(g.rng.Int63n(span))
	g.rngMu.Unlock()

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// reportFailure feeds the breaker only for failures that reflect the
// upstream network rejecting the send. Session-unavailable and relink
// conditions are connection-level, handled by the session manager; a
// cancelled or expired caller context says nothing about the upstream.
func (g *Gateway) reportFailure(err error) {
	if errors.Is(err, session.ErrUnavailable) || errors.Is(err, session.ErrNeedsRelink) || errors.Is(err, session.ErrGuardFailed) {
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	g.brk.RecordFailure()
}

func (g *Gateway) mapSendError(err error, sentIDs []string) error {
	var code Code
	var msg string
	switch {
	case errors.Is(err, session.ErrNeedsRelink):
		code, msg = CodeNeedsRelink, "session requires manual relink"
	case errors.Is(err, session.ErrUnavailable):
		code, msg = CodeUnavailable, "session not connected"
	default:
		code, msg = CodeSendFailed, "send failed"
	}
	return &Error{Code: code, Msg: msg, SentIDs: sentIDs, Err: err}
}

// audit appends a publication row; storage being disabled or failing never
// affects the request outcome.
func (g *Gateway) audit(ctx context.Context, cfg Config, req Request, status string, ids []string, attempts int, errSummary string) {
	if g.store == nil {
		return
	}
	p := storage.Publication{
		Channel:       scopeChannel(cfg, req),
		Status:        status,
		ExternalID:    strings.Join(ids, ","),
		Attempts:      attempts,
		CorrelationID: req.CorrelationID,
		Error:         errSummary,
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := g.store.AppendPublication(actx, p); err != nil {
		g.log.Warn("publication log write failed", logx.Err(err))
	}
}

func scopeChannel(cfg Config, req Request) string {
	if s := strings.TrimSpace(req.ScopeChannel); s != "" {
		return s
	}
	return cfg.Channel
}

func sanitizeErr(err error) string {
	if err == nil {
		return ""
	}
	s := err.Error()
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
