package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "wabridge/pkg/logx"
)

type Manager struct {
	path string

	mu  sync.RWMutex
	cfg *Config

	// subsMu guards the subscriber list and ensures we never send on a
	// channel that is concurrently being closed in Unsubscribe().
	subsMu sync.Mutex
	subs   []chan *Config

	log       logx.Logger
	validator func(cfg *Config) error

	// lastHash tracks the last committed config content so editor-triggered
	// duplicate write events don't cause redundant publishes.
	lastHash uint64
}

func NewManager(path string) *Manager {
	return &Manager{path: path, validator: Validate}
}

func (m *Manager) SetLogger(log logx.Logger) { m.log = log }

func (m *Manager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	jb, err := coerceToJSONBytes(m.path, b)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	// Reject trailing tokens (e.g. concatenated JSON).
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("invalid config: trailing data")
		}
		return nil, err
	}
	return &cfg, nil
}

// Load parses, validates, and commits the config file.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	if err := m.validator(cfg); err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *Manager) Commit(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.lastHash = hashConfig(cfg)
	m.mu.Unlock()
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *Manager) Unsubscribe(ch chan *Config) {
	if ch == nil {
		return
	}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s == ch {
			last := len(m.subs) - 1
			m.subs[i] = m.subs[last]
			m.subs[last] = nil
			m.subs = m.subs[:last]
			close(ch)
			return
		}
	}
}

func (m *Manager) publish(cfg *Config) {
	// Hold subsMu while sending to avoid send-on-closed panics.
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		if ch == nil {
			continue
		}
		// Deliver the latest config; if the buffer is full, drop one
		// stale item and push the newest.
		select {
		case ch <- cfg:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- cfg:
			default:
			}
		}
	}
}

// Watch re-reads the config file on change and publishes validated updates
// to subscribers. It blocks until ctx is cancelled.
func (m *Manager) Watch(ctx context.Context) error {
	dir := filepath.Dir(m.path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watch init: %w", err)
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("config watch %s: %w", dir, err)
	}

	// Debounce to ride out partial writes and editor rename dances.
	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	reload := func() {
		cfg, err := m.Parse()
		if err != nil {
			m.log.Warn("config parse failed", logx.String("path", m.path), logx.Err(err))
			return
		}

		h := hashConfig(cfg)
		m.mu.RLock()
		unchanged := h != 0 && h == m.lastHash
		m.mu.RUnlock()
		if unchanged {
			return
		}

		if err := m.validator(cfg); err != nil {
			m.log.Warn("config rejected", logx.String("path", m.path), logx.Err(err))
			return
		}

		m.Commit(cfg)
		m.publish(cfg)
		m.log.Info("config reloaded", logx.String("path", m.path))
	}
	schedule := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(250*time.Millisecond, reload)
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	target := filepath.Clean(m.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return fmt.Errorf("config watcher closed")
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				schedule()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return fmt.Errorf("config watcher closed")
			}
			m.log.Warn("config watch error", logx.Err(err))
		}
	}
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// Redacted returns a copy safe for logging or config-change summaries.
func Redacted(cfg *Config) *Config {
	if cfg == nil {
		return nil
	}
	cp := *cfg
	if strings.TrimSpace(cp.AuthToken) != "" {
		cp.AuthToken = "<set>"
	}
	if cp.Alerts != nil {
		a := *cp.Alerts
		if strings.TrimSpace(a.Token) != "" {
			a.Token = "<set>"
		}
		cp.Alerts = &a
	}
	return &cp
}
