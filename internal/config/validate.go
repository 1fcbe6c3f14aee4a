package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate checks value ranges and duration syntax. It does not apply defaults.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	durations := map[string]string{
		"telegram.poll_timeout": cfg.Telegram.PollTimeout,
		"storage.busy_timeout":  cfg.Storage.BusyTimeout,
		"queue.retry_ttl":       cfg.Queue.RetryTTL,
		"queue.reconnect_base":  cfg.Queue.ReconnectBase,
		"queue.reconnect_max":   cfg.Queue.ReconnectMax,
		"gateway.rate_window":   cfg.Gateway.RateWindow,
		"gateway.session_ttl":   cfg.Gateway.SessionTTL,
		"gateway.ping_interval": cfg.Gateway.PingInterval,
		"reply.timeout_margin":  cfg.Reply.TimeoutMargin,
		"dispatch.send_delay":   cfg.Dispatch.SendDelay,
		"dispatch.lease_ttl":    cfg.Dispatch.LeaseTTL,
		"api.token_ttl":         cfg.API.TokenTTL,
		"scheduler.retention":   cfg.Scheduler.Retention,
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	if cfg.Telegram.Enabled && strings.TrimSpace(cfg.Telegram.Token) == "" {
		errs = append(errs, errors.New("telegram.token is required when telegram.enabled"))
	}
	if cfg.Queue.Enabled && strings.TrimSpace(cfg.Queue.URL) == "" {
		errs = append(errs, errors.New("queue.url is required when queue.enabled"))
	}
	if cfg.Queue.Prefetch < 0 {
		errs = append(errs, errors.New("queue.prefetch must be >= 0"))
	}
	if cfg.Queue.MaxRedeliveries != nil && *cfg.Queue.MaxRedeliveries < 0 {
		errs = append(errs, errors.New("queue.max_redeliveries must be >= 0"))
	}
	if cfg.Gateway.RateLimit != nil && *cfg.Gateway.RateLimit < 0 {
		errs = append(errs, errors.New("gateway.rate_limit must be >= 0"))
	}
	if cfg.Reply.MaxPasswordAttempts < 0 {
		errs = append(errs, errors.New("reply.max_password_attempts must be >= 0"))
	}
	if cfg.Dispatch.BatchSize < 0 {
		errs = append(errs, errors.New("dispatch.batch_size must be >= 0"))
	}
	if cfg.Dispatch.RetryCeiling < 0 {
		errs = append(errs, errors.New("dispatch.retry_ceiling must be >= 0"))
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Dispatch.LeaseBackend)) {
	case "", "redis", "sql":
	default:
		errs = append(errs, fmt.Errorf("dispatch.lease_backend: unknown backend %q", cfg.Dispatch.LeaseBackend))
	}
	if strings.EqualFold(cfg.Dispatch.LeaseBackend, "redis") && strings.TrimSpace(cfg.Redis.Addr) == "" {
		errs = append(errs, errors.New("dispatch.lease_backend=redis requires redis.addr"))
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Report.Format)) {
	case "", "csv", "xlsx":
	default:
		errs = append(errs, fmt.Errorf("report.format: unknown format %q", cfg.Report.Format))
	}
	for _, tz := range []struct{ path, name string }{
		{"reply.timezone", cfg.Reply.Timezone},
		{"scheduler.timezone", cfg.Scheduler.Timezone},
	} {
		if strings.TrimSpace(tz.name) == "" {
			continue
		}
		if _, err := time.LoadLocation(strings.TrimSpace(tz.name)); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", tz.path, err))
		}
	}
	return errors.Join(errs...)
}
