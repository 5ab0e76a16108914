// Package app assembles the relay: config, logging, storage, the Telegram
// transport, the relay engine, maintenance and the ops endpoint.
package app

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"chanrelay/internal/config"
	"chanrelay/internal/maintenance"
	"chanrelay/internal/ops"
	"chanrelay/internal/relay"
	rtsup "chanrelay/internal/runtime/supervisor"
	"chanrelay/internal/storage"
	"chanrelay/internal/transport"
	"chanrelay/internal/transport/msgindex"
	telegram "chanrelay/internal/transport/telegram/adapter"
	logx "chanrelay/pkg/logx"
)

// channelAdapter is the transport side the app drives.
type channelAdapter interface {
	transport.Channel
	logx.ChatSender
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Supervisor() *rtsup.Supervisor
}

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service

	store   storage.Store
	index   transport.Index
	adapter channelAdapter

	relay *relay.Supervisor
	maint *maintenance.Service
	ops   *ops.Server

	relayRunning bool
}

// New loads the config and builds every component. Nothing runs until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	ov, err := config.LoadOverrides(nil)
	if err != nil {
		return nil, err
	}
	cfgm.SetOverrides(ov)
	cfg, err := cfgm.Load(ctx)
	if err != nil {
		return nil, err
	}

	logs, root := logx.New(mapLogging(cfg))
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root.With(logx.String("comp", "config")))

	a := &App{cfgm: cfgm, log: log, logs: logs}
	if err := a.build(ctx, cfg, root); err != nil {
		a.closeOpened()
		_ = logs.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, cfg *config.Config, root logx.Logger) error {
	sc, err := mapStorage(cfg)
	if err != nil {
		return err
	}
	if a.store, err = storage.Open(sc, root); err != nil {
		return err
	}
	if a.index, err = msgindex.Open(ctx, mapIndex(cfg)); err != nil {
		return err
	}

	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, config.DefaultPollTimeout)
	if err != nil {
		return err
	}
	ad, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: poll},
		a.index, root.With(logx.String("comp", "telegram")))
	if err != nil {
		return err
	}
	a.adapter = ad
	a.logs.SetChatSender(ad)

	opts, err := mapEngine(cfg, root)
	if err != nil {
		return err
	}
	a.relay = relay.NewSupervisor(a.store, a.adapter, opts)
	a.maint = maintenance.New(a.relay, a.index, root)
	a.ops = ops.New(ops.Sources{
		Jobs:        a.relay,
		Runtime:     a.runtimeSnapshots,
		Maintenance: a.maint.Snapshot,
		Ready:       a.ready,
	}, root)
	return nil
}

func (a *App) closeOpened() {
	if a.index != nil {
		_ = a.index.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}

func (a *App) runtimeSnapshots() map[string]rtsup.Snapshot {
	out := map[string]rtsup.Snapshot{}
	if a.sup != nil {
		out["app"] = a.sup.Snapshot()
	}
	if h := a.relay.Host(); h != nil {
		out["relay"] = h.Snapshot()
	}
	if s := a.adapter.Supervisor(); s != nil {
		out["telegram"] = s.Snapshot()
	}
	return out
}

func (a *App) ready() bool {
	select {
	case <-a.relay.Ready():
		return true
	default:
		return false
	}
}

// Done is closed when the app context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()
	cfg := a.cfgm.Get()

	if err := a.adapter.Start(runCtx); err != nil {
		return err
	}
	if _, err := syncSeeds(runCtx, a.store, a.relay, cfg.Jobs, a.log); err != nil {
		// A bad seed must not keep the other jobs from running.
		a.log.Warn("some job seeds failed", logx.Err(err))
	}
	a.sup.Go("relay", a.relay.Run)
	a.relayRunning = true

	ms, err := mapMaintenance(cfg)
	if err != nil {
		return err
	}
	if err := a.maint.Start(runCtx, ms); err != nil {
		return err
	}
	a.applyOps(runCtx, cfg)

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started", logx.String("config", a.cfgm.Path()))
	return nil
}

// applyConfig pushes the live-reloadable sections of next into the running
// components.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	ch := config.SummarizeChange(prev, next)
	if ch.Empty() {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Fields...)
	a.log.Debug("config change summary", fields...)
	if len(ch.RestartRequired) > 0 {
		a.log.Warn("config sections changed that need a restart",
			logx.String("sections", strings.Join(ch.RestartRequired, ",")))
	}

	if ch.Has("logging") {
		a.logs.Apply(mapLogging(next))
	}
	if ch.Has("maintenance") {
		if ms, err := mapMaintenance(next); err != nil {
			a.log.Warn("invalid maintenance config; keeping previous", logx.Err(err))
		} else if err := a.maint.Apply(ms); err != nil {
			a.log.Warn("maintenance reschedule failed", logx.Err(err))
		}
	}
	if ch.Has("ops") {
		a.applyOps(ctx, next)
	}
	if ch.Has("jobs") {
		if _, err := syncSeeds(ctx, a.store, a.relay, next.Jobs, a.log); err != nil {
			a.log.Warn("some job seeds failed", logx.Err(err))
		}
	}
	a.log.Info("config reloaded", fields...)
}

func (a *App) applyOps(ctx context.Context, cfg *config.Config) {
	oc, err := mapOps(cfg)
	if err != nil {
		a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
		return
	}
	if err := a.ops.Apply(ctx, oc); err != nil {
		a.log.Error("ops endpoint not started", logx.Err(err))
	}
}

// Stop shuts components down in dependency order: the ops endpoint and
// maintenance first, then the runners, then the transport and the stores.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, stopTimeout(a.cfgm.Get()))
		defer cancel()
	}

	a.step(ctx, "ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	a.step(ctx, "maintenance", 2*time.Second, a.maint.Stop)

	// Runners finish their current send and return.
	a.sup.Cancel()
	if a.relayRunning {
		a.step(ctx, "relay", 5*time.Second, a.relay.Wait)
	}
	a.step(ctx, "adapter", 2*time.Second, a.adapter.Stop)
	a.step(ctx, "index", time.Second, func(context.Context) error { return a.index.Close() })
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	return a.logs.Close()
}

// step runs one shutdown step bounded by max and by ctx, so a stuck component
// cannot hold up the rest.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped; deadline reached", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- errors.Newf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name), logx.Err(stepCtx.Err()), logx.Duration("elapsed", time.Since(start)))
		go func() {
			err := <-done
			took := time.Since(start)
			if err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			} else {
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
			}
		}()
	}
}
