// Package app wires the configuration, the chat platform client and the
// webhook server into one supervised process.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"worksnotify/internal/audit"
	"worksnotify/internal/compose"
	"worksnotify/internal/config"
	"worksnotify/internal/credential"
	"worksnotify/internal/dispatch"
	"worksnotify/internal/eventbus"
	"worksnotify/internal/maintenance"
	"worksnotify/internal/observability/pprof"
	rtsup "worksnotify/internal/runtime/supervisor"
	"worksnotify/internal/server"
	"worksnotify/internal/storage"
	kit "worksnotify/internal/transport"
	"worksnotify/internal/transport/telegram"
	"worksnotify/internal/webhook"
	"worksnotify/internal/works"
	logx "worksnotify/pkg/logx"
	"worksnotify/pkg/systemd"
)

type Options struct {
	ConfigPath string
	// Getenv overrides the environment lookup for PORT (tests).
	Getenv func(string) string
	// Keyring overrides the OS keyring (tests).
	Keyring credential.Getter
}

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service

	bus    eventbus.Bus
	store  storage.Store
	tokens *works.TokenProvider
	client *works.Client

	disp   *dispatch.Dispatcher
	hook   *webhook.Handler
	srv    *server.Server
	rec    *audit.Recorder
	maint  *maintenance.Service
	pprof  *pprof.Service
	report credential.Report
}

// New loads the config and credentials and builds every component. Nothing
// runs until Start.
func New(opts Options) (*App, error) {
	cfgm := config.NewManager(opts.ConfigPath, logx.Nop())
	if opts.Getenv != nil {
		cfgm.SetGetenv(opts.Getenv)
	}
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	dur, err := config.Resolve(cfg)
	if err != nil {
		return nil, err
	}

	var chat kit.TextSender
	if cfg.Logging.Telegram.Enabled {
		s, err := telegram.New(telegram.Config{Token: cfg.Logging.Telegram.Token})
		if err != nil {
			return nil, fmt.Errorf("logging.telegram: %w", err)
		}
		chat = s
	}
	logSvc, root := logx.New(mapLogging(cfg), chat)
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root.With(logx.String("comp", "config")))

	creds, report, err := loadCredentials(cfg.Credentials, opts.Keyring)
	if err != nil {
		// Whatever was found is still usable.
		log.Warn("credential lookup incomplete", logx.Err(err))
	}
	if missing := report.Missing(); len(missing) > 0 {
		log.Warn("platform credentials missing; notifications will fail until they are set",
			logx.Strings("missing", missing))
	}

	bus := eventbus.New()

	var store storage.Store
	if sc, ok := mapStorage(cfg, dur); ok {
		store, err = storage.Open(sc, root.With(logx.String("comp", "storage")))
		if err != nil {
			_ = logSvc.Close()
			return nil, fmt.Errorf("storage: %w", err)
		}
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	tokens := works.NewTokenProvider(creds,
		works.WithTokenURL(cfg.Works.TokenURL),
		works.WithScope(cfg.Works.Scope),
		works.WithBuffer(dur.TokenBuffer),
		works.WithAssertionTTL(dur.AssertionTTL),
		works.WithHTTPClient(&http.Client{Timeout: dur.HTTPTimeout}),
		works.WithLogger(root.With(logx.String("comp", "token"))),
	)
	client := works.NewClient(works.ClientConfig{
		APIBase: cfg.Works.APIBase,
		BotID:   creds.BotID,
		Timeout: dur.HTTPTimeout,
	}, tokens)

	disp := dispatch.New(mapDispatch(cfg), client, tokens, bus, root.With(logx.String("comp", "dispatch")))

	hookOpts := []webhook.Option{
		webhook.WithBus(bus),
		webhook.WithLogger(root.With(logx.String("comp", "webhook"))),
	}
	if store != nil {
		hookOpts = append(hookOpts, webhook.WithDeduper(webhook.StoreDedup{Store: store}))
	}
	hook := webhook.NewHandler(mapWebhook(cfg, dur), disp, hookOpts...)

	a := &App{
		cfgm:   cfgm,
		log:    log,
		logs:   logSvc,
		bus:    bus,
		store:  store,
		tokens: tokens,
		client: client,
		disp:   disp,
		hook:   hook,
		srv:    server.New(mapServer(cfg, dur), hook, disp, root),
		pprof:  pprof.New(mapPprof(cfg), root),
		report: report,
	}
	var pruner maintenance.Pruner
	if store != nil {
		pruner = store
		a.rec = audit.New(bus, store, root.With(logx.String("comp", "audit")))
	}
	var warmer maintenance.Warmer
	if len(creds.Missing()) == 0 {
		warmer = tokens
	}
	a.maint = maintenance.New(mapMaintenance(cfg, dur), pruner, warmer, root.With(logx.String("comp", "maintenance")))
	if err := a.maint.Validate(mapMaintenance(cfg, dur)); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func loadCredentials(cc config.CredentialsConfig, override credential.Getter) (works.Credentials, credential.Report, error) {
	opts := credential.Options{EnvFile: cc.EnvFile, Keyring: override}
	if opts.Keyring == nil && cc.Keyring {
		ring, err := credential.OpenKeyring(credential.KeyringOptions{
			Service: cc.KeyringService,
			Backend: cc.KeyringBackend,
			Dir:     cc.KeyringDir,
		})
		if err != nil {
			creds, rep, lerr := credential.Load(opts)
			return creds, rep, errors.Join(fmt.Errorf("keyring: %w", err), lerr)
		}
		opts.Keyring = ring
	}
	return credential.Load(opts)
}

// Credentials says where each credential came from.
func (a *App) Credentials() credential.Report { return a.report }

// Addr returns the webhook listener address once serving.
func (a *App) Addr() string { return a.srv.Addr() }

// Done is closed when the app supervisor stops (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start runs the server and background loops. It returns once the
// listener is bound, or with the error that prevented it.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	if a.rec != nil {
		a.sup.Go("audit.recorder", a.rec.Run)
	}
	if err := a.maint.Start(runCtx); err != nil {
		return err
	}
	if err := a.pprof.Reconfigure(runCtx, mapPprof(a.cfgm.Get())); err != nil {
		// pprof is optional; keep serving webhooks.
		a.log.Warn("pprof not started", logx.Err(err))
	}

	ready := make(chan struct{})
	a.sup.Go("http.serve", func(c context.Context) error {
		return a.srv.Run(c, func(addr string) { close(ready) })
	})
	select {
	case <-ready:
	case <-runCtx.Done():
		if err := a.sup.Wait(context.Background()); err != nil {
			return err
		}
		return runCtx.Err()
	}

	sub := a.cfgm.Subscribe(1)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case next, ok := <-sub:
				if !ok {
					return nil
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	if iv := systemd.WatchdogInterval(); iv > 0 {
		a.sup.Go("systemd.watchdog", func(c context.Context) error {
			return systemd.Watchdog(c, iv, func() bool { return a.srv.Addr() != "" })
		})
	}
	if ok, err := systemd.Ready(); err != nil {
		a.log.Warn("sd_notify failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}
	a.log.Info("app started", logx.String("addr", a.srv.Addr()))
	return nil
}

// applyConfig pushes a validated config into the running components.
// Listener address, credentials and storage need a restart.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	dur, err := config.Resolve(next)
	if err != nil {
		a.log.Warn("config update rejected", logx.Err(err))
		return
	}
	sections, fields := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		return
	}
	if restart := config.RestartRequired(prev, next); len(restart) > 0 {
		a.log.Warn("restart required for some changes", logx.Strings("keys", restart))
	}

	a.logs.Apply(mapLogging(next))
	a.disp.Apply(mapDispatch(next))
	a.hook.Apply(mapWebhook(next, dur))
	a.srv.Apply(mapServer(next, dur))
	if err := a.maint.Apply(mapMaintenance(next, dur)); err != nil {
		a.log.Warn("maintenance config rejected; keeping previous", logx.Err(err))
	}
	if err := a.pprof.Reconfigure(ctx, mapPprof(next)); err != nil {
		a.log.Warn("pprof reconfigure failed", logx.Err(err))
	}
	a.log.Info("config applied", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, fields...)...)
}

// Stop shuts everything down within ctx. Each step is bounded so one slow
// component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.Close()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = systemd.Stopping()
	a.sup.Cancel()

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()
		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()
		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	// The server drains in-flight requests when its context is cancelled;
	// waiting on the supervisor covers it.
	step("supervisor", 15*time.Second, a.sup.Wait)
	step("maintenance", 2*time.Second, func(c context.Context) error { a.maint.Stop(c); return nil })
	step("pprof", time.Second, func(c context.Context) error { a.pprof.Stop(c); return nil })
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	return a.logs.Close()
}

// Close releases resources for an app that was never started.
func (a *App) Close() {
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

// SendTest pushes the configured test message to channel, or to the test
// channel from the config when channel is empty.
func (a *App) SendTest(ctx context.Context, channel string) (dispatch.Result, error) {
	cfg := a.cfgm.Get()
	dur, err := config.Resolve(cfg)
	if err != nil {
		return dispatch.Result{}, err
	}
	sc := mapServer(cfg, dur)
	if channel = strings.TrimSpace(channel); channel == "" {
		channel = sc.TestChannelID
	}
	if channel == "" {
		return dispatch.Result{}, errors.New("no channel: set notify.test_channel_id or pass --channel")
	}
	return a.disp.SendToChannel(ctx, channel, compose.Message{Event: "test", Text: sc.TestMessage})
}

// History returns recent delivery rows, newest first.
func (a *App) History(ctx context.Context, limit int) ([]storage.Delivery, error) {
	if a.store == nil {
		return nil, storage.ErrDisabled
	}
	return a.store.RecentDeliveries(ctx, limit)
}
