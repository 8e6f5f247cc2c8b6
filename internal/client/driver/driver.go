// Package driver runs the background sync loop: probe the server, run a
// cycle, back off on failure, and report progress to observers.
package driver

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/and161185/lexsync/internal/client/replica"
	"github.com/and161185/lexsync/internal/errs"
)

// State is the connection state shown to the user.
type State string

// States, in the order a healthy cycle passes through them.
const (
	Offline    State = "offline"
	Connecting State = "connecting"
	Online     State = "online"
	Syncing    State = "syncing"
	Error      State = "error"
)

// EventKind classifies events.
type EventKind int

// Event kinds.
const (
	StateChanged EventKind = iota
	SyncCompleted
	SyncFailed
)

// Event is delivered to observers on the driver goroutine.
type Event struct {
	Kind   EventKind
	State  State
	Prev   State
	Report replica.Report
	Err    error
	At     time.Time
}

// Cycler runs sync cycles against the local replica.
type Cycler interface {
	Cycle(ctx context.Context, full bool) (replica.Report, error)
	Reseed(ctx context.Context) (int, error)
}

// Prober checks server reachability.
type Prober interface {
	Health(ctx context.Context) error
}

// Options tune a Driver. Zero values take defaults.
type Options struct {
	Interval     time.Duration // default 60s
	MinBackoff   time.Duration // first retry delay after a failure; default 1s
	ProbeTimeout time.Duration // default 10s
	Log          *zap.Logger
}

// Driver owns the loop. Create with New, start with Run.
type Driver struct {
	cycler Cycler
	prober Prober
	opts   Options
	log    *zap.Logger

	syncNow chan struct{}
	syncAll chan struct{}

	mu        sync.Mutex
	state     State
	observers []func(Event)
}

// New returns a driver in the offline state.
func New(c Cycler, p Prober, opts Options) *Driver {
	if opts.Interval <= 0 {
		opts.Interval = 60 * time.Second
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = time.Second
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 10 * time.Second
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	return &Driver{
		cycler:  c,
		prober:  p,
		opts:    opts,
		log:     opts.Log,
		syncNow: make(chan struct{}, 1),
		syncAll: make(chan struct{}, 1),
		state:   Offline,
	}
}

// Subscribe registers an observer. Observers must not block.
func (d *Driver) Subscribe(fn func(Event)) {
	d.mu.Lock()
	d.observers = append(d.observers, fn)
	d.mu.Unlock()
}

// State returns the current state.
func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// SyncNow requests a cycle without waiting for the interval.
func (d *Driver) SyncNow() {
	select {
	case d.syncNow <- struct{}{}:
	default:
	}
}

// ForceSyncAll requests a reseed of the outbox from every local row followed
// by a cycle.
func (d *Driver) ForceSyncAll() {
	select {
	case d.syncAll <- struct{}{}:
	default:
	}
}

func (d *Driver) newBackoff() retry.Backoff {
	return retry.WithCappedDuration(d.opts.Interval, retry.NewExponential(d.opts.MinBackoff))
}

// Run loops until ctx is done. The first cycle starts immediately. After a
// failure that needs a new login, only SyncNow or ForceSyncAll start a cycle.
func (d *Driver) Run(ctx context.Context) error {
	backoff := d.newBackoff()
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		full := false
		select {
		case <-ctx.Done():
			d.setState(Offline)
			return nil
		case <-timer.C:
		case <-d.syncNow:
		case <-d.syncAll:
			full = true
		}

		wait := d.opts.Interval
		paused := false
		switch err := d.attempt(ctx, full); {
		case err == nil:
			backoff = d.newBackoff()
		case RequiresLogin(err):
			d.log.Warn("automatic sync paused until the next manual sync", zap.Error(err))
			paused = true
		default:
			wait, _ = backoff.Next()
		}
		if ctx.Err() != nil {
			d.setState(Offline)
			return nil
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if !paused {
			timer.Reset(wait)
		}
	}
}

// RequiresLogin reports failures that retrying cannot fix: rejected
// credentials or a device that is not approved.
func RequiresLogin(err error) bool {
	return errors.Is(err, errs.ErrAuthFailed) || errors.Is(err, errs.ErrDeviceNotApproved)
}

// attempt probes and runs one cycle. A nil error means the cycle committed.
func (d *Driver) attempt(ctx context.Context, full bool) error {
	if s := d.State(); s != Online {
		d.setState(Connecting)
	}
	pctx, cancel := context.WithTimeout(ctx, d.opts.ProbeTimeout)
	err := d.prober.Health(pctx)
	cancel()
	if err != nil {
		if ctx.Err() == nil {
			d.log.Info("server unreachable", zap.Error(err))
			d.emit(Event{Kind: SyncFailed, Err: err})
		}
		d.setState(Offline)
		return err
	}
	d.setState(Online)

	if full {
		n, err := d.cycler.Reseed(ctx)
		if err != nil {
			d.failed(ctx, err)
			return err
		}
		d.log.Info("force sync all", zap.Int("queued", n))
	}

	d.setState(Syncing)
	rep, err := d.cycler.Cycle(ctx, full)
	if err != nil {
		d.failed(ctx, err)
		return err
	}
	d.emit(Event{Kind: SyncCompleted, Report: rep})
	d.setState(Online)
	return nil
}

func (d *Driver) failed(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	d.log.Warn("sync cycle failed", zap.Error(err))
	d.emit(Event{Kind: SyncFailed, Err: err})
	d.setState(Error)
	d.setState(Offline)
}

func (d *Driver) setState(s State) {
	d.mu.Lock()
	prev := d.state
	d.state = s
	d.mu.Unlock()
	if prev != s {
		d.emit(Event{Kind: StateChanged, State: s, Prev: prev})
	}
}

func (d *Driver) emit(e Event) {
	if e.State == "" {
		e.State = d.State()
	}
	e.At = time.Now()
	d.mu.Lock()
	obs := make([]func(Event), len(d.observers))
	copy(obs, d.observers)
	d.mu.Unlock()
	for _, fn := range obs {
		fn(e)
	}
}
