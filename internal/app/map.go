package app

import (
	"strings"

	"wabridge/internal/alert"
	"wabridge/internal/config"
	"wabridge/internal/dispatch"
	"wabridge/internal/maintenance"
	"wabridge/internal/ratelimit"
	"wabridge/internal/retry"
	"wabridge/internal/session"
	"wabridge/internal/storage"
	"wabridge/internal/waclient"

	brk "wabridge/internal/breaker"
	logx "wabridge/pkg/logx"
)

// Mapping from the file config to per-component configs. Duration strings
// were already validated by config.Validate; errors here still propagate
// so a mapping bug cannot silently fall back to defaults.

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg.Storage == nil {
		return storage.Config{}, nil
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, nil
}

func mapSessionConfig(cfg *config.Config) (session.Config, error) {
	base, err := config.ParseDurationOrDefault("session.reconnect_base", cfg.Session.ReconnectBase, 0)
	if err != nil {
		return session.Config{}, err
	}
	max, err := config.ParseDurationOrDefault("session.reconnect_max", cfg.Session.ReconnectMax, 0)
	if err != nil {
		return session.Config{}, err
	}
	ttl, err := config.ParseDurationOrDefault("session.challenge_ttl", cfg.Session.ChallengeTTL, 0)
	if err != nil {
		return session.Config{}, err
	}
	return session.Config{
		GroupJID:      strings.TrimSpace(cfg.Session.GroupJID),
		GroupName:     strings.TrimSpace(cfg.Session.GroupName),
		SupervisorJID: strings.TrimSpace(cfg.Session.SupervisorJID),
		ReconnectBase: base,
		ReconnectMax:  max,
		ChallengeTTL:  ttl,
	}, nil
}

func mapAgentConfig(cfg *config.Config) waclient.Config {
	return waclient.Config{
		URL:     cfg.Session.AgentURL,
		AuthDir: strings.TrimSpace(cfg.Session.AuthDir),
	}
}

func mapLimitsConfig(cfg *config.Config) ratelimit.Config {
	return ratelimit.Config{
		PerMinute: cfg.Limits.PerMinute,
		PerHour:   cfg.Limits.PerHour,
	}
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	d := cfg.Dispatch
	retryBase, err := config.ParseDurationOrDefault("dispatch.retry_base", d.RetryBase, 0)
	if err != nil {
		return dispatch.Config{}, err
	}
	retryCap, err := config.ParseDurationOrDefault("dispatch.retry_max_delay", d.RetryMaxDelay, 0)
	if err != nil {
		return dispatch.Config{}, err
	}
	idemTTL, err := config.ParseDurationOrDefault("dispatch.idempotency_ttl", d.IdempotencyTTL, 0)
	if err != nil {
		return dispatch.Config{}, err
	}
	jMin, err := config.ParseDurationOrDefault("dispatch.jitter_min", d.JitterMin, 0)
	if err != nil {
		return dispatch.Config{}, err
	}
	jMax, err := config.ParseDurationOrDefault("dispatch.jitter_max", d.JitterMax, 0)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		Channel:   cfg.Limits.Channel,
		ChunkSize: d.ChunkSize,
		MaxChunks: d.MaxChunks,
		Retry: retry.Policy{
			MaxAttempts: d.RetryMax,
			Base:        retryBase,
			Cap:         retryCap,
		},
		IdempotencyTTL: idemTTL,
		JitterMin:      jMin,
		JitterMax:      jMax,
	}, nil
}

func mapBreakerConfig(cfg *config.Config) (brk.Config, error) {
	openFor, err := config.ParseDurationOrDefault("breaker.open_for", cfg.Breaker.OpenFor, 0)
	if err != nil {
		return brk.Config{}, err
	}
	return brk.Config{
		Threshold:    cfg.Breaker.Threshold,
		OpenDuration: openFor,
	}, nil
}

func mapAlertsConfig(cfg *config.Config) alert.Config {
	if cfg.Alerts == nil {
		return alert.Config{}
	}
	return alert.Config{
		Enabled:    cfg.Alerts.Enabled,
		Token:      cfg.Alerts.Token,
		ChatID:     cfg.Alerts.ChatID,
		RatePerSec: cfg.Alerts.RatePerSec,
	}
}

func mapMaintainConfig(cfg *config.Config) (maintenance.Config, error) {
	if cfg.Maintain == nil {
		return maintenance.Config{}, nil
	}
	retention, err := config.ParseDurationOrDefault("maintenance.publication_retention", cfg.Maintain.PublicationRetention, 0)
	if err != nil {
		return maintenance.Config{}, err
	}
	return maintenance.Config{
		PruneSchedule:        cfg.Maintain.PruneSchedule,
		PublicationRetention: retention,
	}, nil
}
