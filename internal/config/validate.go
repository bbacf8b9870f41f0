package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"

	"msgsched/pkg/logx"
)

var drivers = map[string]bool{"": true, "memory": true, "file": true, "sqlite": true, "postgres": true, "mongo": true}

// Validate reports every problem in cfg at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDuration(path, raw)
		add(err)
	}

	if c.Logging.Level != "" && !logx.ValidLevel(c.Logging.Level) {
		add(fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}
	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		add(errors.New("logging.file.path: required when file logging is enabled"))
	}

	dur("http.read_timeout", c.HTTP.ReadTimeout)
	dur("http.write_timeout", c.HTTP.WriteTimeout)
	dur("http.idle_timeout", c.HTTP.IdleTimeout)
	dur("http.shutdown_timeout", c.HTTP.ShutdownTimeout)

	drv := strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	if !drivers[drv] {
		add(fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	switch drv {
	case "file", "sqlite":
		if strings.TrimSpace(c.Storage.Path) == "" {
			add(fmt.Errorf("storage.path: required for driver %s", drv))
		}
	case "postgres":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			add(errors.New("storage.dsn: required for driver postgres"))
		}
	case "mongo":
		if strings.TrimSpace(c.Storage.MongoURI) == "" {
			add(errors.New("storage.mongo_uri: required for driver mongo"))
		}
	}
	dur("storage.busy_timeout", c.Storage.BusyTimeout)

	add(checkURL("gate.url", c.Gate.URL))
	dur("gate.window", c.Gate.Window)
	dur("gate.timeout", c.Gate.Timeout)

	add(checkURL("dispatch.url", c.Dispatch.URL))
	dur("dispatch.timeout", c.Dispatch.Timeout)
	if c.Dispatch.RatePerSec < 0 {
		add(errors.New("dispatch.rate_per_sec: must be >= 0"))
	}

	if spec := c.Recovery.ReconcileSpecOrDefault(); spec != "" {
		p := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		if _, err := p.Parse(spec); err != nil {
			add(fmt.Errorf("recovery.reconcile_spec: %w", err))
		}
	}

	if c.Scheduler.TaskLogSize < 0 {
		add(errors.New("scheduler.task_log_size: must be >= 0"))
	}
	dur("scheduler.stop_timeout", c.Scheduler.StopTimeout)
	dur("cache.ttl", c.Cache.TTL)

	if (c.Alert.TelegramToken == "") != (c.Alert.ChatID == 0) {
		add(errors.New("alert: telegram_token and chat_id must be set together"))
	}
	if c.Alert.RatePerMin < 0 {
		add(errors.New("alert.rate_per_min: must be >= 0"))
	}
	return errors.Join(errs...)
}

func checkURL(path, raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s: invalid http url %q", path, raw)
	}
	return nil
}
