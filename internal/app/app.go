package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"rssbot/internal/config"
	"rssbot/internal/relay"
	rtsup "rssbot/internal/runtime/supervisor"
	"rssbot/internal/transport"
	logx "rssbot/pkg/logx"
	"rssbot/pkg/systemd"
)

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

type supervised interface {
	Supervisor() *rtsup.Supervisor
}

func (a *App) supervisors() map[string]rtsup.Snapshot {
	out := map[string]rtsup.Snapshot{}
	if a.sup != nil {
		out["app"] = a.sup.Snapshot()
	}
	if sp, ok := a.adapter.(supervised); ok {
		if sup := sp.Supervisor(); sup != nil {
			out["matrix"] = sup.Snapshot()
		}
	}
	if sup := a.notif.Supervisor(); sup != nil {
		out["notifier"] = sup.Snapshot()
	}
	if sup := a.status.Supervisor(); sup != nil {
		out["status"] = sup.Snapshot()
	}
	return out
}

// healthy fails once the app supervisor has recorded a fatal error.
func (a *App) healthy() error {
	if a.sup == nil {
		return errors.New("not started")
	}
	if err := a.sup.Err(); err != nil {
		return err
	}
	if a.sup.Context().Err() != nil {
		return errors.New("stopping")
	}
	return nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapNotifierConfig(cfg); err != nil {
			return err
		}
		_, _, err := mapFetchLimits(cfg)
		return err
	})

	// Credentials first: nothing else works without them.
	if v, ok := a.adapter.(interface{ Verify(context.Context) error }); ok {
		if err := v.Verify(runCtx); err != nil {
			return fmt.Errorf("matrix login: %w", err)
		}
	}

	if a.store != nil {
		lctx, cancel := context.WithTimeout(runCtx, 30*time.Second)
		ids, err := a.store.LoadKnown(lctx)
		cancel()
		if err != nil {
			return fmt.Errorf("load known identifiers (%s): %w", a.store.Driver(), err)
		}
		a.engine.Seed(ids)
		a.log.Info("known identifiers loaded", logx.String("driver", a.store.Driver()), logx.Int("count", len(ids)))
	} else {
		a.log.Warn("storage disabled; known identifiers are kept in memory only")
	}

	a.notif.Start(runCtx)
	a.status.Start(runCtx)

	cfg := a.cfgm.Get()
	if err := a.flush.Start(runCtx, cfg.Storage.FlushSchedule); err != nil {
		return fmt.Errorf("storage.flush_schedule: %w", err)
	}

	// The event loop must run before the adapter's initial room discovery,
	// which blocks on the channel.
	a.sup.Go("events.dispatch", func(c context.Context) error {
		return a.eventLoop(c)
	})
	if err := a.adapter.Start(runCtx, a.events); err != nil {
		return err
	}

	a.sup.Go("relay.run", func(c context.Context) error {
		return a.engine.Run(c)
	})

	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					a.log.Trace("event", logx.String("type", e.Type), logx.Any("data", e.Data))
				}
			}
		})
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		systemd.Watchdog(c, a.log.With(logx.String("comp", "systemd")), a.healthy)
	})
	systemd.Ready(a.log)

	feeds := len(a.engine.Snapshot().Feeds)
	systemd.Status(a.log, fmt.Sprintf("relaying %d feeds", feeds))
	a.log.Info("app started", logx.String("user", a.adapter.UserID()), logx.Int("feeds", feeds))
	return nil
}

// eventLoop applies transport events to the engine until ctx is done.
func (a *App) eventLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-a.events:
			a.handleEvent(ctx, ev)
		}
	}
}

func (a *App) handleEvent(ctx context.Context, ev transport.Event) {
	log := a.log.With(logx.String("room", ev.RoomID))
	switch ev.Kind {
	case transport.EventRoomConfig:
		if err := a.engine.SetRoomConfig(ev.RoomID, ev.Content); err != nil {
			if errors.Is(err, relay.ErrInvalidConfig) {
				log.Warn("room config rejected; keeping previous", logx.Err(err))
				return
			}
			log.Error("room config not applied", logx.Err(err))
			return
		}
		log.Info("room config applied", logx.Int("feeds", len(a.engine.RoomFeeds(ev.RoomID))))
	case transport.EventRoomLeft:
		a.engine.RemoveRoom(ev.RoomID)
		log.Info("left room; subscriptions dropped")
	case transport.EventCommand:
		plain, html := commandReply(a.prefix, ev.Text, a.engine.RoomFeeds(ev.RoomID))
		sctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		if err := a.adapter.SendNotice(sctx, ev.RoomID, plain, html); err != nil {
			log.Warn("command reply failed", logx.String("sender", ev.Sender), logx.Err(err))
		}
	default:
		log.Debug("unhandled transport event", logx.String("kind", string(ev.Kind)))
	}
}

// applyConfig fans a reloaded config out to the live components.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLogConfig(newCfg))
	a.logs.SetSinks(alertSinks(newCfg, a.adapter, a.log)...)

	if conc, timeout, err := mapFetchLimits(newCfg); err != nil {
		a.log.Warn("invalid fetch config; keeping previous", logx.Err(err))
	} else {
		a.engine.SetFetchLimits(conc, timeout)
	}

	if ncfg, err := mapNotifierConfig(newCfg); err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
	}

	if oldCfg.Storage.FlushSchedule != newCfg.Storage.FlushSchedule {
		if err := a.flush.Start(ctx, newCfg.Storage.FlushSchedule); err != nil {
			a.log.Warn("invalid flush schedule; keeping previous", logx.Err(err))
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	if len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.Strings("sections", restart))
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	systemd.Stopping(a.log)

	a.sup.Cancel()

	// step bounds one shutdown phase so a stuck component can't stall the rest.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			limit = min(limit, time.Until(dl))
		}
		if limit <= 0 {
			a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("flush.cron", time.Second, func(c context.Context) error { a.flush.Stop(c); return nil })
	step("adapter", 3*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	// Drain queued announcements before the final save so nothing is lost twice.
	step("notifier", 5*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("relay.flush", 5*time.Second, func(c context.Context) error { return a.engine.Flush(c) })
	step("status", time.Second, func(c context.Context) error { a.status.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
