// Package httpapi exposes the bridge's HTTP surface: health and session
// introspection, the pairing challenge, metrics, the send endpoint, and
// the manual relink control.
//
// Every route except /health requires a bearer token. There is a single
// route tree; operational and publishing clients share it.
package httpapi

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"wabridge/internal/breaker"
	"wabridge/internal/dispatch"
	"wabridge/internal/metrics"
	"wabridge/internal/session"
	logx "wabridge/pkg/logx"
)

// SessionControl is the session facet the API serves and drives.
type SessionControl interface {
	Snapshot() session.Snapshot
	CurrentChallenge() (code string, expiresAt time.Time)
	Relink(wipeAuth bool) error
}

// Dispatcher accepts send requests.
type Dispatcher interface {
	Send(ctx context.Context, req dispatch.Request) (dispatch.Result, error)
}

// BreakerView exposes the breaker state for /health.
type BreakerView interface {
	Snapshot() breaker.Snapshot
}

type Config struct {
	Listen string

	// NetcheckURL is probed by GET /netcheck.
	NetcheckURL string // default "https://web.whatsapp.com"

	ShutdownTimeout time.Duration // default 5s
}

func (c Config) withDefaults() Config {
	if c.NetcheckURL == "" {
		c.NetcheckURL = "https://web.whatsapp.com"
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	return c
}

type Service struct {
	cfg  Config
	log  logx.Logger
	sess SessionControl
	disp Dispatcher
	met  *metrics.Registry
	brk  BreakerView

	// token returns the current auth token; empty disables the protected
	// routes with 503. Read per request so hot reload applies.
	token func() string

	mu   sync.Mutex
	srv  *http.Server
	up   time.Time
	http *http.Client
}

func New(cfg Config, sess SessionControl, disp Dispatcher, met *metrics.Registry, brk BreakerView, token func() string, log logx.Logger) *Service {
	s := &Service{
		cfg:   cfg.withDefaults(),
		log:   log,
		sess:  sess,
		disp:  disp,
		met:   met,
		brk:   brk,
		token: token,
		http:  &http.Client{Timeout: 5 * time.Second},
	}
	return s
}

func (s *Service) router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.correlate)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	p := r.NewRoute().Subrouter()
	p.Use(s.authenticate)
	p.HandleFunc("/session", s.handleSession).Methods(http.MethodGet)
	p.HandleFunc("/qr", s.handleQR).Methods(http.MethodGet)
	p.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	p.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
	p.HandleFunc("/netcheck", s.handleNetcheck).Methods(http.MethodGet)
	p.HandleFunc("/send", s.handleSend).Methods(http.MethodPost)
	p.HandleFunc("/reconnect", s.handleReconnect).Methods(http.MethodPost)
	return r
}

// Start binds the listener and serves in a background goroutine. Serve
// errors other than graceful close are logged, not fatal to the process;
// the health of the bridge is the session, not the API socket.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}
	s.up = time.Now()
	s.srv = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	srv := s.srv
	go func() {
		s.log.Info("http api listening", logx.String("addr", s.cfg.Listen))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("http api stopped", logx.Err(err))
		}
	}()
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	sctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(sctx)
}
