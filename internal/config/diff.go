package config

import (
	"reflect"

	"notifyhub/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured fields for logging. Secrets (tokens, passwords) are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.operator", newCfg.Logging.Operator.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Bool("dispatch.paused", newCfg.Dispatch.Paused),
			logx.Int("dispatch.batch_size", newCfg.Dispatch.BatchSize),
			logx.Int("dispatch.retry_ceiling", newCfg.Dispatch.RetryCeiling),
			logx.String("dispatch.send_delay", newCfg.Dispatch.SendDelay),
		)
	}
	if !reflect.DeepEqual(oldCfg.Report, newCfg.Report) {
		changed = append(changed, "report")
		attrs = append(attrs,
			logx.Int("report.operators", len(newCfg.Report.Operators)),
			logx.String("report.format", newCfg.Report.Format),
		)
	}
	if !reflect.DeepEqual(oldCfg.Reply, newCfg.Reply) {
		changed = append(changed, "reply")
		attrs = append(attrs,
			logx.String("reply.timeout_margin", newCfg.Reply.TimeoutMargin),
			logx.Int("reply.max_password_attempts", newCfg.Reply.MaxPasswordAttempts),
		)
	}

	// Sections below need a restart to take effect; report them so the operator knows.
	restart := map[string]bool{
		"telegram":  !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram),
		"storage":   !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage),
		"queue":     !reflect.DeepEqual(oldCfg.Queue, newCfg.Queue),
		"redis":     !reflect.DeepEqual(oldCfg.Redis, newCfg.Redis),
		"api":       !reflect.DeepEqual(oldCfg.API, newCfg.API),
		"gateway":   !reflect.DeepEqual(oldCfg.Gateway, newCfg.Gateway),
		"scheduler": !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler),
	}
	for _, name := range []string{"telegram", "storage", "queue", "redis", "api", "gateway", "scheduler"} {
		if restart[name] {
			changed = append(changed, name+"(restart)")
		}
	}
	return changed, attrs
}
