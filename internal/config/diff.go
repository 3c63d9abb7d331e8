package config

import (
	"reflect"
	"strings"

	logx "worksnotify/pkg/logx"
)

// SummarizeChange lists the sections that differ between two configs and
// safe fields for logging. Secrets are reported only as "set" flags.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		fields  []logx.Field
	)

	if !reflect.DeepEqual(oldCfg.Server, newCfg.Server) {
		changed = append(changed, "server")
		fields = append(fields,
			logx.String("server.addr", newCfg.Server.Addr),
			logx.Int("server.rate_per_sec", newCfg.Server.RatePerSec),
			logx.Bool("server.secret_set", strings.TrimSpace(newCfg.Server.WebhookSecret) != ""),
		)
	}
	if oldCfg.Works != newCfg.Works {
		changed = append(changed, "works")
		fields = append(fields, logx.String("works.api_base", newCfg.Works.APIBase))
	}
	if !reflect.DeepEqual(oldCfg.Notify, newCfg.Notify) {
		changed = append(changed, "notify")
		fields = append(fields,
			logx.Bool("notify.channel_set", strings.TrimSpace(newCfg.Notify.ChannelID) != ""),
			logx.Int("notify.recipient_groups", len(newCfg.Notify.Recipients)),
			logx.Int("notify.concurrency", newCfg.Notify.Concurrency),
			logx.Int("notify.rate_per_sec", newCfg.Notify.RatePerSec),
			logx.String("notify.dedup_window", newCfg.Notify.DedupWindow),
		)
	}
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		fields = append(fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram", newCfg.Logging.Telegram.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
	}
	if oldCfg.Maintenance != newCfg.Maintenance {
		changed = append(changed, "maintenance")
		fields = append(fields, logx.String("maintenance.prune_cron", newCfg.Maintenance.PruneCron))
	}
	if oldCfg.Credentials != newCfg.Credentials {
		changed = append(changed, "credentials")
	}
	if oldCfg.Pprof != newCfg.Pprof {
		changed = append(changed, "pprof")
		fields = append(fields,
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.String("pprof.addr", newCfg.Pprof.Addr),
			logx.Bool("pprof.token_set", strings.TrimSpace(newCfg.Pprof.Token) != ""),
		)
	}
	return changed, fields
}

// RestartRequired names the changed sections hot reload cannot apply: the
// listener address and timeouts, platform endpoints, storage and credential
// sources.
func RestartRequired(oldCfg, newCfg *Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var out []string
	a, b := oldCfg.Server, newCfg.Server
	if a.Addr != b.Addr || a.ReadTimeout != b.ReadTimeout || a.WriteTimeout != b.WriteTimeout || a.MaxBodyBytes != b.MaxBodyBytes {
		out = append(out, "server")
	}
	if oldCfg.Works != newCfg.Works {
		out = append(out, "works")
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		out = append(out, "storage")
	}
	if oldCfg.Credentials != newCfg.Credentials {
		out = append(out, "credentials")
	}
	return out
}
