package maintenance

import (
	"context"
	"sync"
	"testing"
	"time"

	"wabridge/internal/storage"
	logx "wabridge/pkg/logx"
)

type pruneRecorder struct {
	mu        sync.Mutex
	calls     int
	retention time.Duration
}

func (p *pruneRecorder) GetCounters(context.Context, []string) (map[string]int64, error) {
	return nil, nil
}
func (p *pruneRecorder) IncrCounters(context.Context, []storage.CounterIncr) error { return nil }
func (p *pruneRecorder) PutIdempotency(context.Context, string, storage.IdempotencyRecord) error {
	return nil
}
func (p *pruneRecorder) GetIdempotency(context.Context, string) (storage.IdempotencyRecord, bool, error) {
	return storage.IdempotencyRecord{}, false, nil
}
func (p *pruneRecorder) AppendPublication(context.Context, storage.Publication) error { return nil }
func (p *pruneRecorder) PruneExpired(_ context.Context, _ time.Time, retention time.Duration) error {
	p.mu.Lock()
	p.calls++
	p.retention = retention
	p.mu.Unlock()
	return nil
}
func (p *pruneRecorder) Close() error { return nil }

func TestDisabledWithoutStore(t *testing.T) {
	t.Parallel()
	s := New(Config{}, nil, logx.Nop())
	if s.Enabled() {
		t.Fatal("service should be disabled without a store")
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	s.Stop() // no-op
}

func TestPrunePassesRetention(t *testing.T) {
	t.Parallel()
	rec := &pruneRecorder{}
	s := New(Config{PublicationRetention: 48 * time.Hour}, rec, logx.Nop())
	s.prune(context.Background())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.calls != 1 || rec.retention != 48*time.Hour {
		t.Fatalf("calls=%d retention=%v", rec.calls, rec.retention)
	}
}

func TestDefaults(t *testing.T) {
	t.Parallel()
	cfg := Config{}.withDefaults()
	if cfg.PruneSchedule != "*/10 * * * *" {
		t.Fatalf("schedule = %q", cfg.PruneSchedule)
	}
	if cfg.PublicationRetention != 720*time.Hour {
		t.Fatalf("retention = %v", cfg.PublicationRetention)
	}
}

func TestStartRejectsBadSchedule(t *testing.T) {
	t.Parallel()
	s := New(Config{PruneSchedule: "not a cron spec"}, &pruneRecorder{}, logx.Nop())
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("invalid cron spec must be rejected")
	}
}
