// Package alert pushes high-signal operator notifications to a Telegram
// chat. It subscribes to the event bus and forwards only the events an
// operator must act on or wants to know about: relink required, pairing
// challenge issued, breaker transitions, session up/down.
//
// Delivery is best effort. A rate limiter bounds the outbound flow; events
// beyond the budget are dropped, not queued, so an upstream flap cannot
// build an alert backlog.
package alert

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"wabridge/internal/eventbus"
	logx "wabridge/pkg/logx"
)

type Config struct {
	Enabled    bool
	Token      string
	ChatID     int64
	RatePerSec int // default 1
}

func (c Config) withDefaults() Config {
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	return c
}

type Service struct {
	log logx.Logger
	bus eventbus.Bus

	mu     sync.Mutex
	cfg    Config
	bot    *tele.Bot
	lim    *rate.Limiter
	chatID int64
}

// New builds the service. The bot is constructed offline so a dead Telegram
// endpoint cannot block startup; the first failing send will be logged.
func New(cfg Config, log logx.Logger, bus eventbus.Bus) (*Service, error) {
	cfg = cfg.withDefaults()
	s := &Service{log: log, bus: bus, cfg: cfg, chatID: cfg.ChatID}
	s.lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)

	if cfg.Enabled {
		if cfg.Token == "" || cfg.ChatID == 0 {
			return nil, errors.New("alerts enabled but token or chat_id missing")
		}
		bot, err := tele.NewBot(tele.Settings{Token: cfg.Token, Offline: true})
		if err != nil {
			return nil, fmt.Errorf("alert bot: %w", err)
		}
		s.bot = bot
	}
	return s, nil
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled && s.bot != nil
}

// Apply hot-swaps the throttle and target chat. Token changes need a
// restart; the bot handle is not rebuilt.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.Token != s.cfg.Token {
		s.log.Warn("alerts token changed; restart required for change to take effect")
		cfg.Token = s.cfg.Token
	}
	s.cfg = cfg
	s.chatID = cfg.ChatID
	s.lim.SetLimit(rate.Limit(cfg.RatePerSec))
	s.lim.SetBurst(cfg.RatePerSec)
}

// Run consumes bus events until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	events, unsub := s.bus.Subscribe(32)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			if msg := format(e); msg != "" {
				s.deliver(msg)
			}
		}
	}
}

// format maps a bus event to the operator-facing text. Payloads are short
// reason strings; message bodies never travel on the bus.
func format(e eventbus.Event) string {
	switch e.Type {
	case eventbus.TypeSessionNeedsRelink:
		return "🔴 session deauthorized, manual relink required: " + dataString(e)
	case eventbus.TypeSessionPairing:
		return "🟡 pairing challenge issued, scan it before it expires"
	case eventbus.TypeSessionConnected:
		return "🟢 session connected"
	case eventbus.TypeSessionDisconnected:
		return "🟠 session disconnected: " + dataString(e)
	case eventbus.TypeBreakerOpened:
		return "🔴 circuit breaker opened, sends suspended"
	case eventbus.TypeBreakerClosed:
		return "🟢 circuit breaker closed, sends resumed"
	default:
		return ""
	}
}

func dataString(e eventbus.Event) string {
	if s, ok := e.Data.(string); ok && s != "" {
		return s
	}
	return "unknown"
}

func (s *Service) deliver(msg string) {
	s.mu.Lock()
	enabled := s.cfg.Enabled && s.bot != nil
	bot := s.bot
	chatID := s.chatID
	allowed := s.lim.Allow()
	s.mu.Unlock()

	if !enabled {
		return
	}
	if !allowed {
		s.log.Debug("alert dropped by throttle")
		return
	}
	if _, err := bot.Send(tele.ChatID(chatID), msg, tele.NoPreview); err != nil {
		s.log.Warn("alert delivery failed", logx.Err(err))
	}
}

// Announce sends a one-off message outside the bus flow, used for startup
// and shutdown notices.
func (s *Service) Announce(msg string) {
	s.deliver(fmt.Sprintf("%s (%s)", msg, time.Now().UTC().Format(time.RFC3339)))
}
