// Package app assembles the bridge: config, logging, storage, the session
// manager and its protocol agent link, the dispatch gateway, the HTTP API,
// alerts, and maintenance. It owns startup order and graceful shutdown.
package app

import (
	"context"
	"fmt"
	"time"

	"wabridge/internal/alert"
	"wabridge/internal/breaker"
	"wabridge/internal/config"
	"wabridge/internal/dispatch"
	"wabridge/internal/eventbus"
	"wabridge/internal/httpapi"
	"wabridge/internal/maintenance"
	"wabridge/internal/metrics"
	"wabridge/internal/ratelimit"
	"wabridge/internal/runtime/supervisor"
	"wabridge/internal/session"
	"wabridge/internal/storage"
	"wabridge/internal/waclient"
	logx "wabridge/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	met  *metrics.Registry

	store  storage.Store
	brk    *breaker.Breaker
	limit  *ratelimit.Limiter
	client *waclient.Client
	sess   *session.Manager
	gw     *dispatch.Gateway
	api    *httpapi.Service
	alerts *alert.Service
	maint  *maintenance.Service
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	bus := eventbus.New()
	met := metrics.New()

	// Storage (optional).
	var store storage.Store
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err = storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	if store != nil {
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	} else {
		log.Warn("storage disabled; rate limits and idempotency will not survive restarts")
	}

	brkCfg, err := mapBreakerConfig(cfg)
	if err != nil {
		return nil, err
	}
	brk := breaker.New(brkCfg, breaker.WithTransition(func(from, to breaker.State) {
		switch {
		case to == breaker.StateOpen:
			bus.Publish(eventbus.Event{Type: eventbus.TypeBreakerOpened})
		case to == breaker.StateClosed && from != breaker.StateClosed:
			bus.Publish(eventbus.Event{Type: eventbus.TypeBreakerClosed})
		}
	}))

	limit := ratelimit.New(store, mapLimitsConfig(cfg), log.With(logx.String("comp", "ratelimit")))

	client := waclient.New(mapAgentConfig(cfg), log.With(logx.String("comp", "agent")))
	sessCfg, err := mapSessionConfig(cfg)
	if err != nil {
		return nil, err
	}
	sess := session.NewManager(sessCfg, client, log.With(logx.String("comp", "session")), bus, met)

	dispCfg, err := mapDispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	gw := dispatch.New(dispCfg, sess, limit, brk, store, met, log.With(logx.String("comp", "dispatch")))

	alerts, err := alert.New(mapAlertsConfig(cfg), log.With(logx.String("comp", "alerts")), bus)
	if err != nil {
		return nil, err
	}

	maintCfg, err := mapMaintainConfig(cfg)
	if err != nil {
		return nil, err
	}
	maint := maintenance.New(maintCfg, store, log.With(logx.String("comp", "maintenance")))

	api := httpapi.New(httpapi.Config{
		Listen:      cfg.Listen,
		NetcheckURL: cfg.Session.NetcheckURL,
	}, sess, gw, met, brk, func() string {
		return cfgm.Get().AuthToken
	}, log.With(logx.String("comp", "http")))

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		met:     met,
		store:   store,
		brk:     brk,
		limit:   limit,
		client:  client,
		sess:    sess,
		gw:      gw,
		api:     api,
		alerts:  alerts,
		maint:   maint,
	}, nil
}

// Done is closed when the supervisor context ends.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))

	if err := a.api.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("http api: %w", err)
	}
	if err := a.maint.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("maintenance: %w", err)
	}

	a.sup.Go("session.run", a.sess.Run)
	if a.alerts.Enabled() {
		a.sup.Go("alerts.run", a.alerts.Run)
	}
	a.sup.GoRestart("config.watch", time.Second, a.cfgm.Watch)
	a.startReloadLoop()

	a.alerts.Announce("wabridge started")
	a.log.Info("app started")
	return nil
}

// startReloadLoop applies hot-reloadable config sections. Listen address,
// storage, and session wiring need a restart; changing those logs a
// warning instead of half-applying.
func (a *App) startReloadLoop() {
	sub := a.cfgm.Subscribe(8)
	prev := a.cfgm.Get()
	a.sup.Go("config.reload", func(ctx context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return nil
			case cfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts, keep only the newest.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							cfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyReload(prev, cfg)
				prev = cfg
			}
		}
	})
}

func (a *App) applyReload(prev, cfg *config.Config) {
	a.logs.Apply(mapLoggingConfig(cfg))
	a.limit.Apply(mapLimitsConfig(cfg))
	if dispCfg, err := mapDispatchConfig(cfg); err == nil {
		a.gw.Apply(dispCfg)
	} else {
		a.log.Warn("dispatch config not applied", logx.Err(err))
	}
	a.alerts.Apply(mapAlertsConfig(cfg))

	if prev != nil {
		if prev.Listen != cfg.Listen {
			a.log.Warn("listen address changed; restart required")
		}
		if fmt.Sprint(prev.Storage) != fmt.Sprint(cfg.Storage) {
			a.log.Warn("storage config changed; restart required")
		}
		if prev.Session != cfg.Session {
			a.log.Warn("session config changed; restart required")
		}
	}
	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context) error {
	a.alerts.Announce("wabridge stopping")

	if err := a.api.Stop(ctx); err != nil {
		a.log.Warn("http api shutdown", logx.Err(err))
	}
	a.maint.Stop()

	var err error
	if a.sup != nil {
		err = a.sup.Stop(ctx)
	}
	if a.store != nil {
		if cerr := a.store.Close(); cerr != nil {
			a.log.Warn("storage close", logx.Err(cerr))
		}
	}
	a.log.Info("app stopped")
	_ = a.logs.Close()
	return err
}
