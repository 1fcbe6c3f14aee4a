package app

import (
	"context"
	"slices"
	"strings"

	"notifyhub/internal/config"
	"notifyhub/internal/task/scheduler"
	"notifyhub/pkg/logx"
)

// reloadLoop applies committed config changes to the live services. Sections
// that need a restart are only reported.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	// Track last applied config to generate a safe diff summary for logx.
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					drained = true
				}
			}
			if newCfg == nil {
				continue
			}
			sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
			a.apply(sections, newCfg)
			lastApplied = newCfg

			if len(sections) > 0 {
				fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
				a.log.Info("config reloaded", fields...)
			} else {
				a.log.Info("config reloaded (no changes)")
			}
		}
	}
}

// apply pushes the changed sections into the services. Mappers cannot fail
// here: the validator already ran them before commit.
func (a *App) apply(sections []string, cfg *config.Config) {
	changed := func(name string) bool { return slices.Contains(sections, name) }

	if changed("logging") {
		a.logs.Apply(mapLogConfig(cfg))
	}
	// dispatch.paused from a reload overrides an operator pause made through
	// the API; untouched sections leave it alone.
	if changed("dispatch") {
		a.disp.Apply(mapDispatchConfig(cfg))
		if scfg, err := mapSenderConfig(cfg); err == nil {
			a.snd.Apply(scfg)
		}
	}
	if changed("report") {
		a.reporter.Apply(mapReportConfig(cfg))
	}
	if changed("reply") {
		if rcfg, err := mapReplyConfig(cfg); err == nil {
			a.replies.Apply(rcfg)
		}
		if ncfg, err := mapNotifierConfig(cfg); err == nil {
			a.notif.Apply(ncfg)
		}
	}
	if changed("scheduler(restart)") {
		a.sched.Apply(scheduler.Config{Timezone: cfg.Scheduler.Timezone})
		if ncfg, err := mapNotifierConfig(cfg); err == nil {
			a.notif.Apply(ncfg)
		}
	}
	for _, s := range sections {
		if strings.HasSuffix(s, "(restart)") && s != "scheduler(restart)" {
			a.log.Warn("config section changed; restart required for changes to take effect",
				logx.String("section", strings.TrimSuffix(s, "(restart)")))
		}
	}
}
