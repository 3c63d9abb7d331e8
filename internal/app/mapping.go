package app

import (
	"strings"

	"worksnotify/internal/config"
	"worksnotify/internal/dispatch"
	"worksnotify/internal/maintenance"
	"worksnotify/internal/observability/pprof"
	"worksnotify/internal/server"
	"worksnotify/internal/storage"
	kit "worksnotify/internal/transport"
	"worksnotify/internal/webhook"
	logx "worksnotify/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File:    logx.FileConfig{Enabled: lc.File.Enabled, Path: lc.File.Path},
		Chat: logx.ChatConfig{
			Enabled:    lc.Telegram.Enabled,
			Target:     kit.ChatTarget{ChatID: lc.Telegram.ChatID, ThreadID: lc.Telegram.ThreadID},
			MinLevel:   lc.Telegram.MinLevel,
			RatePerSec: lc.Telegram.RatePerSec,
		},
	}
}

func mapServer(cfg *config.Config, d config.Durations) server.Config {
	test := strings.TrimSpace(cfg.Notify.TestChannelID)
	if test == "" {
		test = strings.TrimSpace(cfg.Notify.ChannelID)
	}
	return server.Config{
		Addr:            cfg.Server.Addr,
		WebhookSecret:   strings.TrimSpace(cfg.Server.WebhookSecret),
		RatePerSec:      cfg.Server.RatePerSec,
		Burst:           cfg.Server.Burst,
		ReadTimeout:     d.ReadTimeout,
		WriteTimeout:    d.WriteTimeout,
		ShutdownTimeout: d.ShutdownTimeout,
		MaxBodyBytes:    cfg.Server.MaxBodyBytes,
		TestChannelID:   test,
		TestMessage:     cfg.Notify.TestMessage,
	}
}

func mapWebhook(cfg *config.Config, d config.Durations) webhook.Config {
	return webhook.Config{
		BaseURL: cfg.Notify.PortalURL,
		Routes: webhook.Routes{
			ChannelID:  cfg.Notify.ChannelID,
			Recipients: cfg.Notify.Recipients,
		},
		DedupWindow: d.DedupWindow,
	}
}

func mapDispatch(cfg *config.Config) dispatch.Config {
	return dispatch.Config{Concurrency: cfg.Notify.Concurrency, RatePerSec: cfg.Notify.RatePerSec}
}

func mapMaintenance(cfg *config.Config, d config.Durations) maintenance.Config {
	return maintenance.Config{
		PruneCron:     cfg.Maintenance.PruneCron,
		Retention:     d.Retention,
		TokenWarmCron: cfg.Maintenance.TokenWarmCron,
		Timezone:      cfg.Maintenance.Timezone,
	}
}

func mapPprof(cfg *config.Config) pprof.Config {
	return pprof.Config{
		Enabled:       cfg.Pprof.Enabled,
		Addr:          cfg.Pprof.Addr,
		Token:         cfg.Pprof.Token,
		AllowInsecure: cfg.Pprof.AllowInsecure,
	}
}

// mapStorage reports false when no store is configured.
func mapStorage(cfg *config.Config, d config.Durations) (storage.Config, bool) {
	if cfg.Storage == nil {
		return storage.Config{}, false
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false
	}
	return storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout: d.BusyTimeout,
	}, true
}
