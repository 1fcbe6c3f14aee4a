package app

import (
	"fmt"
	"strings"
	"time"

	"notifyhub/internal/api"
	"notifyhub/internal/config"
	"notifyhub/internal/dispatch"
	"notifyhub/internal/gateway"
	"notifyhub/internal/notifier"
	"notifyhub/internal/queue"
	"notifyhub/internal/reply"
	"notifyhub/internal/report"
	"notifyhub/internal/sender"
	"notifyhub/internal/storage"
	"notifyhub/internal/task/scheduler"
	"notifyhub/pkg/logx"
)

const (
	defaultStoragePath  = "./data/notifyhub.db"
	defaultDispatchSpec = "1m"
	defaultMaintenance  = "5m"
	defaultLeaseTTL     = 10 * time.Minute
)

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled: l.File.Enabled,
			Path:    l.File.Path,
		},
		Operator: logx.OperatorConfig{
			Enabled:    l.Operator.Enabled,
			ChatID:     l.Operator.ChatID,
			ThreadID:   l.Operator.ThreadID,
			MinLevel:   l.Operator.MinLevel,
			RatePerSec: l.Operator.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "sqlite", "sqlite3":
		if path == "" {
			path = defaultStoragePath
		}
	case "memory":
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
}

func mapQueueConfig(cfg *config.Config) (queue.Config, error) {
	qc := cfg.Queue
	retryTTL, err := config.ParseDurationField("queue.retry_ttl", qc.RetryTTL)
	if err != nil {
		return queue.Config{}, err
	}
	base, err := config.ParseDurationField("queue.reconnect_base", qc.ReconnectBase)
	if err != nil {
		return queue.Config{}, err
	}
	maxWait, err := config.ParseDurationField("queue.reconnect_max", qc.ReconnectMax)
	if err != nil {
		return queue.Config{}, err
	}
	redeliveries := queue.DefaultMaxRedeliveries
	if qc.MaxRedeliveries != nil {
		redeliveries = *qc.MaxRedeliveries
	}
	return queue.Config{
		URL:             qc.URL,
		Queue:           qc.Queue,
		DeadExchange:    qc.DeadExchange,
		RetryQueue:      qc.RetryQueue,
		FinalQueue:      qc.FinalQueue,
		RetryTTL:        retryTTL,
		Prefetch:        qc.Prefetch,
		MaxRedeliveries: redeliveries,
		ReconnectBase:   base,
		ReconnectMax:    maxWait,
	}, nil
}

const defaultInboundLimit = 30

// gatewaySettings bundles the hub config with the inbound rate limit, which
// is wired into the limiter rather than the hub.
type gatewaySettings struct {
	Hub        gateway.Config
	RateLimit  int
	RateWindow time.Duration
}

func mapGatewayConfig(cfg *config.Config) (gatewaySettings, error) {
	gc := cfg.Gateway
	window, err := config.ParseDurationOrDefault("gateway.rate_window", gc.RateWindow, 10*time.Second)
	if err != nil {
		return gatewaySettings{}, err
	}
	ttl, err := config.ParseDurationField("gateway.session_ttl", gc.SessionTTL)
	if err != nil {
		return gatewaySettings{}, err
	}
	ping, err := config.ParseDurationField("gateway.ping_interval", gc.PingInterval)
	if err != nil {
		return gatewaySettings{}, err
	}
	limit := defaultInboundLimit
	if gc.RateLimit != nil {
		limit = *gc.RateLimit
	}
	return gatewaySettings{
		Hub: gateway.Config{
			InstanceID:   strings.TrimSpace(gc.InstanceID),
			SendBuffer:   gc.SendBuffer,
			SessionTTL:   ttl,
			PingInterval: ping,
		},
		RateLimit:  limit,
		RateWindow: window,
	}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	margin, err := config.ParseDurationField("reply.timeout_margin", cfg.Reply.TimeoutMargin)
	if err != nil {
		return notifier.Config{}, err
	}
	retention, err := config.ParseDurationField("scheduler.retention", cfg.Scheduler.Retention)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Consume:       true,
		TimeoutMargin: margin,
		Retention:     retention,
	}, nil
}

func mapReplyConfig(cfg *config.Config) (reply.Config, error) {
	rc := cfg.Reply
	margin, err := config.ParseDurationField("reply.timeout_margin", rc.TimeoutMargin)
	if err != nil {
		return reply.Config{}, err
	}
	loc := time.UTC
	if tz := strings.TrimSpace(rc.Timezone); tz != "" {
		if loc, err = time.LoadLocation(tz); err != nil {
			return reply.Config{}, fmt.Errorf("reply.timezone: invalid %q: %w", tz, err)
		}
	}
	return reply.Config{
		TimeoutMargin:       margin,
		PasswordInfix:       rc.PasswordInfix,
		MaxPasswordAttempts: rc.MaxPasswordAttempts,
		Location:            loc,
	}, nil
}

func mapDispatchConfig(cfg *config.Config) dispatch.Config {
	return dispatch.Config{
		BatchSize:    cfg.Dispatch.BatchSize,
		RetryCeiling: cfg.Dispatch.RetryCeiling,
		Paused:       cfg.Dispatch.Paused,
		BotUsername:  strings.TrimPrefix(strings.TrimSpace(cfg.Telegram.BotUsername), "@"),
	}
}

func mapSenderConfig(cfg *config.Config) (sender.Config, error) {
	d, err := config.ParseDurationField("dispatch.send_delay", cfg.Dispatch.SendDelay)
	if err != nil {
		return sender.Config{}, err
	}
	return sender.Config{MinInterval: d}, nil
}

func mapReportConfig(cfg *config.Config) report.Config {
	return report.Config{
		Operators: append([]int64(nil), cfg.Report.Operators...),
		Format:    cfg.Report.Format,
	}
}

func mapAPIConfig(cfg *config.Config) api.Config {
	return api.Config{
		Addr:       strings.TrimSpace(cfg.API.Addr),
		AdminToken: cfg.API.AdminToken,
		Pprof:      cfg.API.Pprof,
	}
}

// scheduleSettings are the two periodic triggers the app registers.
type scheduleSettings struct {
	Dispatch    string
	Maintenance string
	LeaseTTL    time.Duration
}

func mapScheduleConfig(cfg *config.Config) (scheduleSettings, error) {
	out := scheduleSettings{
		Dispatch:    strings.TrimSpace(cfg.Dispatch.Schedule),
		Maintenance: strings.TrimSpace(cfg.Scheduler.Maintenance),
	}
	if out.Dispatch == "" {
		out.Dispatch = defaultDispatchSpec
	}
	if out.Maintenance == "" {
		out.Maintenance = defaultMaintenance
	}
	if _, err := scheduler.ParseSchedule(out.Dispatch); err != nil {
		return out, fmt.Errorf("dispatch.schedule: %w", err)
	}
	if _, err := scheduler.ParseSchedule(out.Maintenance); err != nil {
		return out, fmt.Errorf("scheduler.maintenance: %w", err)
	}
	ttl, err := config.ParseDurationOrDefault("dispatch.lease_ttl", cfg.Dispatch.LeaseTTL, defaultLeaseTTL)
	if err != nil {
		return out, err
	}
	out.LeaseTTL = ttl
	return out, nil
}

// validate runs the static checks plus everything the mappers reject, so a
// bad hot reload is refused before it is committed.
func validate(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapQueueConfig(cfg); err != nil {
		return err
	}
	if _, err := mapGatewayConfig(cfg); err != nil {
		return err
	}
	if _, err := mapReplyConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSenderConfig(cfg); err != nil {
		return err
	}
	_, err := mapScheduleConfig(cfg)
	return err
}
