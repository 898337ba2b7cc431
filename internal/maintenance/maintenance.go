// Package maintenance runs scheduled housekeeping against the durable
// store: expired rate counters and idempotency records are removed, and
// the publication audit log is trimmed to its retention window.
package maintenance

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"wabridge/internal/storage"
	logx "wabridge/pkg/logx"
)

type Config struct {
	// PruneSchedule is a standard 5-field cron spec.
	PruneSchedule string // default "*/10 * * * *"
	// PublicationRetention bounds the audit log.
	PublicationRetention time.Duration // default 720h
}

func (c Config) withDefaults() Config {
	if c.PruneSchedule == "" {
		c.PruneSchedule = "*/10 * * * *"
	}
	if c.PublicationRetention <= 0 {
		c.PublicationRetention = 720 * time.Hour
	}
	return c
}

type Service struct {
	cfg   Config
	store storage.Store
	log   logx.Logger
	cron  *cron.Cron
}

// New returns a disabled no-op service when store is nil.
func New(cfg Config, store storage.Store, log logx.Logger) *Service {
	return &Service{cfg: cfg.withDefaults(), store: store, log: log}
}

func (s *Service) Enabled() bool { return s.store != nil }

func (s *Service) Start(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(s.cfg.PruneSchedule, func() { s.prune(ctx) }); err != nil {
		return err
	}
	s.cron = c
	c.Start()
	s.log.Info("maintenance scheduled",
		logx.String("spec", s.cfg.PruneSchedule),
		logx.Duration("publication_retention", s.cfg.PublicationRetention))
	return nil
}

// Stop waits for an in-flight prune to finish.
func (s *Service) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

func (s *Service) prune(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	start := time.Now()
	if err := s.store.PruneExpired(pctx, start, s.cfg.PublicationRetention); err != nil {
		s.log.Warn("prune failed", logx.Err(err))
		return
	}
	s.log.Debug("prune completed", logx.Duration("took", time.Since(start)))
}
