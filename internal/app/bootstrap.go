package app

import (
	"strings"
	"time"

	"msgsched/internal/alert"
	"msgsched/internal/api"
	"msgsched/internal/config"
	"msgsched/internal/dispatch"
	"msgsched/internal/gate"
	"msgsched/internal/scheduler"
	"msgsched/internal/statuscache"
	"msgsched/internal/storage"
	"msgsched/pkg/logx"
)

// The mappers below run on validated configs, so duration errors cannot occur
// and empty values fall back to the component defaults.

func loggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func storageConfig(cfg *config.Config) storage.Config {
	sc := cfg.Storage
	return storage.Config{
		Driver:      strings.TrimSpace(sc.Driver),
		Path:        strings.TrimSpace(sc.Path),
		DSN:         strings.TrimSpace(sc.DSN),
		MongoURI:    strings.TrimSpace(sc.MongoURI),
		MongoDB:     strings.TrimSpace(sc.MongoDB),
		BusyTimeout: config.DurationOr(sc.BusyTimeout, 0),
	}
}

func gateConfig(cfg *config.Config) gate.Config {
	return gate.Config{
		URL:     strings.TrimSpace(cfg.Gate.URL),
		Window:  config.DurationOr(cfg.Gate.Window, gate.DefaultWindow),
		Timeout: config.DurationOr(cfg.Gate.Timeout, gate.DefaultTimeout),
	}
}

func dispatchConfig(cfg *config.Config) dispatch.Config {
	return dispatch.Config{
		URL:        strings.TrimSpace(cfg.Dispatch.URL),
		Timeout:    config.DurationOr(cfg.Dispatch.Timeout, dispatch.DefaultTimeout),
		RatePerSec: cfg.Dispatch.RatePerSec,
	}
}

func schedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		ReconcileSpec: cfg.Recovery.ReconcileSpecOrDefault(),
		TaskLogSize:   cfg.Scheduler.TaskLogSize,
		StopTimeout:   config.DurationOr(cfg.Scheduler.StopTimeout, scheduler.DefaultStopTimeout),
	}
}

func apiConfig(cfg *config.Config) api.Config {
	h := cfg.HTTP
	return api.Config{
		Addr:            strings.TrimSpace(h.Addr),
		CORSOrigins:     h.CORSOrigins,
		ReadTimeout:     config.DurationOr(h.ReadTimeout, 15*time.Second),
		WriteTimeout:    config.DurationOr(h.WriteTimeout, 30*time.Second),
		IdleTimeout:     config.DurationOr(h.IdleTimeout, 60*time.Second),
		ShutdownTimeout: config.DurationOr(h.ShutdownTimeout, 10*time.Second),
		Pprof:           api.PprofConfig{Enabled: h.Pprof.Enabled, Token: h.Pprof.Token},
	}
}

// cacheConfig reports false when no Redis address is configured.
func cacheConfig(cfg *config.Config) (statuscache.Config, bool) {
	c := cfg.Cache
	addr := strings.TrimSpace(c.RedisAddr)
	if addr == "" {
		return statuscache.Config{}, false
	}
	return statuscache.Config{
		Addr:     addr,
		Password: c.RedisPassword,
		DB:       c.RedisDB,
		TTL:      config.DurationOr(c.TTL, statuscache.DefaultTTL),
	}, true
}

func alertConfig(cfg *config.Config) alert.Config {
	return alert.Config{
		Token:      strings.TrimSpace(cfg.Alert.TelegramToken),
		ChatID:     cfg.Alert.ChatID,
		RatePerMin: cfg.Alert.RatePerMin,
	}
}
