package relay

import (
	"time"

	"golang.org/x/time/rate"

	logx "chanrelay/pkg/logx"
)

// Defaults for Options.
const (
	DefaultForwardDelay     = 2 * time.Second
	DefaultDeletePacing     = time.Second
	DefaultDeleteChunk      = 100
	DefaultCooldown         = 60 * time.Second
	DefaultWindowCap        = 100
	DefaultWindowMultiplier = 5
	DefaultMaxPhaseRetries  = 5
)

// Options tunes the engine. Zero values take the defaults above.
type Options struct {
	// ForwardDelay separates two copies sent by the same runner.
	ForwardDelay time.Duration
	// DeletePacing separates two bulk-delete calls of the same runner.
	DeletePacing time.Duration
	DeleteChunk  int
	// Cooldown is the pause after a failed cycle.
	Cooldown time.Duration

	WindowCap        int64
	WindowMultiplier int64

	// MaxPhaseRetries bounds the rate-limit retries of a single phase.
	MaxPhaseRetries int
	// RetentionKeepOnFailure keeps forward records whose bulk delete failed,
	// so the next cycle tries again.
	RetentionKeepOnFailure bool

	// NoPacing disables ForwardDelay and DeletePacing. Tests only.
	NoPacing bool

	Clock Clock
	Log   logx.Logger
}

func (o Options) withDefaults() Options {
	if o.ForwardDelay <= 0 {
		o.ForwardDelay = DefaultForwardDelay
	}
	if o.DeletePacing <= 0 {
		o.DeletePacing = DefaultDeletePacing
	}
	if o.DeleteChunk <= 0 {
		o.DeleteChunk = DefaultDeleteChunk
	}
	if o.Cooldown <= 0 {
		o.Cooldown = DefaultCooldown
	}
	if o.WindowCap <= 0 {
		o.WindowCap = DefaultWindowCap
	}
	if o.WindowMultiplier <= 0 {
		o.WindowMultiplier = DefaultWindowMultiplier
	}
	if o.MaxPhaseRetries <= 0 {
		o.MaxPhaseRetries = DefaultMaxPhaseRetries
	}
	if o.Clock == nil {
		o.Clock = SystemClock()
	}
	if o.Log.IsZero() {
		o.Log = logx.Nop()
	}
	return o
}

// pacer returns a limiter releasing one token per every, burst 1.
func (o Options) pacer(every time.Duration) *rate.Limiter {
	if o.NoPacing {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(every), 1)
}

// Clock is the engine's time source. Every sleep goes through After.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func SystemClock() Clock { return systemClock{} }
