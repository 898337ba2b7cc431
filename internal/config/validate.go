package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate rejects configs the bridge cannot run with. It is also used by
// the watcher before committing a reloaded file, so it must not have side
// effects.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(cfg.Listen) == "" {
		return errors.New("listen is required")
	}

	s := cfg.Session
	if strings.TrimSpace(s.AuthDir) == "" {
		return errors.New("session.auth_dir is required")
	}
	jid := strings.TrimSpace(s.GroupJID) != ""
	name := strings.TrimSpace(s.GroupName) != ""
	if jid == name {
		return errors.New("session: exactly one of group_jid or group_name must be set")
	}

	if cfg.Limits.PerMinute < 0 || cfg.Limits.PerHour < 0 {
		return errors.New("limits: capacities must be >= 0")
	}
	if cfg.Limits.PerMinute > 0 && cfg.Limits.PerHour > 0 && cfg.Limits.PerMinute > cfg.Limits.PerHour {
		return fmt.Errorf("limits: per_minute (%d) exceeds per_hour (%d)", cfg.Limits.PerMinute, cfg.Limits.PerHour)
	}

	if cfg.Dispatch.MaxChunks < 0 || cfg.Dispatch.ChunkSize < 0 || cfg.Dispatch.RetryMax < 0 {
		return errors.New("dispatch: negative values are not allowed")
	}

	if cfg.Breaker.Threshold < 0 {
		return errors.New("breaker.threshold must be >= 0")
	}

	if st := cfg.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "none", "sqlite", "sqlite3":
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", st.Driver)
		}
	}

	if a := cfg.Alerts; a != nil && a.Enabled {
		if strings.TrimSpace(a.Token) == "" {
			return errors.New("alerts.token is required when alerts are enabled")
		}
		if a.ChatID == 0 {
			return errors.New("alerts.chat_id is required when alerts are enabled")
		}
	}

	// Durations are validated here so a hot reload with a typo is rejected
	// before any service sees it.
	durations := []struct{ path, raw string }{
		{"session.reconnect_base", s.ReconnectBase},
		{"session.reconnect_max", s.ReconnectMax},
		{"session.challenge_ttl", s.ChallengeTTL},
		{"dispatch.retry_base", cfg.Dispatch.RetryBase},
		{"dispatch.retry_max_delay", cfg.Dispatch.RetryMaxDelay},
		{"dispatch.idempotency_ttl", cfg.Dispatch.IdempotencyTTL},
		{"dispatch.jitter_min", cfg.Dispatch.JitterMin},
		{"dispatch.jitter_max", cfg.Dispatch.JitterMax},
		{"breaker.open_for", cfg.Breaker.OpenFor},
	}
	if st := cfg.Storage; st != nil {
		durations = append(durations, struct{ path, raw string }{"storage.busy_timeout", st.BusyTimeout})
	}
	if m := cfg.Maintain; m != nil {
		durations = append(durations, struct{ path, raw string }{"maintenance.publication_retention", m.PublicationRetention})
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}
	return nil
}

// ParseDurationField parses one duration-valued config field. Empty means
// zero so optional fields can be omitted; negatives are rejected. path
// names the field in the error, matching the messages Validate produces.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault substitutes def when the field is empty or zero,
// used by the component config mapping where every duration has a default.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
