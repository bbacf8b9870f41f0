package config

import (
	"reflect"

	"msgsched/pkg/logx"
)

// Change describes a reload.
type Change struct {
	// Sections lists the top-level keys that differ.
	Sections []string
	// Fields are safe to log; secrets are reported as set/unset only.
	Fields []logx.Field
	// RestartRequired is true when a section that is only read at boot changed.
	RestartRequired bool
}

// live sections are applied without a restart.
var live = map[string]bool{"logging": true, "gate": true, "dispatch": true}

// Diff compares two configs section by section.
func Diff(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change
	mark := func(name string, differ bool, fields ...logx.Field) {
		if !differ {
			return
		}
		ch.Sections = append(ch.Sections, name)
		ch.Fields = append(ch.Fields, fields...)
		if !live[name] {
			ch.RestartRequired = true
		}
	}

	mark("logging", oldCfg.Logging != newCfg.Logging,
		logx.String("logging.level", newCfg.Logging.Level),
		logx.Bool("logging.console", newCfg.Logging.Console),
		logx.Bool("logging.json", newCfg.Logging.JSON),
		logx.Bool("logging.file", newCfg.Logging.File.Enabled),
	)
	mark("http", !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP),
		logx.String("http.addr", newCfg.HTTP.Addr),
		logx.Bool("http.pprof", newCfg.HTTP.Pprof.Enabled),
	)
	mark("storage", oldCfg.Storage != newCfg.Storage,
		logx.String("storage.driver", newCfg.Storage.Driver),
	)
	mark("gate", oldCfg.Gate != newCfg.Gate,
		logx.Bool("gate.enabled", newCfg.Gate.URL != ""),
		logx.String("gate.window", newCfg.Gate.Window),
		logx.String("gate.timeout", newCfg.Gate.Timeout),
	)
	mark("dispatch", oldCfg.Dispatch != newCfg.Dispatch,
		logx.Bool("dispatch.url_set", newCfg.Dispatch.URL != ""),
		logx.String("dispatch.timeout", newCfg.Dispatch.Timeout),
		logx.Any("dispatch.rate_per_sec", newCfg.Dispatch.RatePerSec),
	)
	mark("recovery", oldCfg.Recovery.ReconcileSpecOrDefault() != newCfg.Recovery.ReconcileSpecOrDefault(),
		logx.String("recovery.reconcile_spec", newCfg.Recovery.ReconcileSpecOrDefault()),
	)
	mark("scheduler", oldCfg.Scheduler != newCfg.Scheduler,
		logx.Int("scheduler.task_log_size", newCfg.Scheduler.TaskLogSize),
	)
	mark("cache", oldCfg.Cache != newCfg.Cache,
		logx.Bool("cache.enabled", newCfg.Cache.RedisAddr != ""),
	)
	mark("alert", oldCfg.Alert != newCfg.Alert,
		logx.Bool("alert.enabled", newCfg.Alert.TelegramToken != "" && newCfg.Alert.ChatID != 0),
	)
	return ch
}
