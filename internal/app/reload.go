package app

import (
	"context"
	"strings"
	"time"

	"publisher/internal/config"
	logx "publisher/pkg/logx"
)

// reloadLoop applies every committed config until ctx is done. Bursts are
// coalesced so only the latest config is applied.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	lastApplied := a.config()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			if newCfg == nil {
				continue
			}
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// applyConfig pushes the hot-reloadable parts of newCfg into the running
// services. Sections that need a restart are only reported.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range sections {
		if config.RestartRequired(s) {
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	if a.logs != nil {
		a.logs.Apply(mapLogConfig(newCfg))
	}

	if sc, err := mapSchedulerConfig(newCfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		prev := a.sched.Enabled()
		a.sched.Apply(sc)
		if prev != sc.Enabled {
			a.log.Info("scheduling kill switch changed", logx.Bool("enabled", sc.Enabled))
		}
	}

	if pc, err := mapPublishConfig(newCfg); err != nil {
		a.log.Warn("invalid publishing config; keeping previous", logx.Err(err))
	} else {
		a.pipeline.Apply(pc)
	}

	if err := a.registerRecurring(newCfg); err != nil {
		a.log.Warn("recurring jobs not updated", logx.Err(err))
	}

	if prev := a.migrating.Swap(newCfg.Keyring.MigrationEnabled); prev != newCfg.Keyring.MigrationEnabled {
		a.log.Info("keyring migration toggled", logx.Bool("enabled", newCfg.Keyring.MigrationEnabled))
	}

	if ncfg, err := mapNotifierConfig(newCfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		prev := a.notif.Enabled()
		a.notif.Apply(ncfg)
		switch {
		case prev && !ncfg.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !prev && ncfg.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(context.WithoutCancel(ctx))
		}
	}

	a.log.Info("config reloaded", fields...)
}
