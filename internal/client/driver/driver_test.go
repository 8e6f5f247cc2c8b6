package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/lexsync/internal/client/replica"
	"github.com/and161185/lexsync/internal/errs"
)

type fakeCycler struct {
	mu      sync.Mutex
	err     error
	block   bool
	reseeds int
	calls   chan bool
}

func newCycler() *fakeCycler { return &fakeCycler{calls: make(chan bool, 64)} }

func (f *fakeCycler) Cycle(ctx context.Context, full bool) (replica.Report, error) {
	f.mu.Lock()
	err, block := f.err, f.block
	f.mu.Unlock()
	f.calls <- full
	if block {
		<-ctx.Done()
		return replica.Report{}, ctx.Err()
	}
	return replica.Report{Sent: 1, Cursor: 9}, err
}

func (f *fakeCycler) Reseed(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reseeds++
	return 3, nil
}

type fakeProber struct {
	err   error
	calls atomic.Int32
}

func (p *fakeProber) Health(context.Context) error {
	p.calls.Add(1)
	return p.err
}

func start(t *testing.T, d *Driver) (chan Event, context.CancelFunc, <-chan error) {
	t.Helper()
	events := make(chan Event, 256)
	d.Subscribe(func(e Event) {
		select {
		case events <- e:
		default:
		}
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- d.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return events, cancel, done
}

func waitFor(t *testing.T, events <-chan Event, match func(Event) bool) []Event {
	t.Helper()
	var seen []Event
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-events:
			seen = append(seen, e)
			if match(e) {
				return seen
			}
		case <-deadline:
			t.Fatalf("event not observed; saw %d events", len(seen))
		}
	}
}

func waitCall(t *testing.T, c *fakeCycler) bool {
	t.Helper()
	select {
	case full := <-c.calls:
		return full
	case <-time.After(2 * time.Second):
		t.Fatal("cycle not called")
		return false
	}
}

func states(events []Event) []State {
	var out []State
	for _, e := range events {
		if e.Kind == StateChanged {
			out = append(out, e.State)
		}
	}
	return out
}

func TestRun_HealthyCycleStates(t *testing.T) {
	c := newCycler()
	d := New(c, &fakeProber{}, Options{Interval: time.Hour, Log: zaptest.NewLogger(t)})
	events, _, _ := start(t, d)

	seen := waitFor(t, events, func(e Event) bool { return e.Kind == SyncCompleted })
	require.Equal(t, []State{Connecting, Online, Syncing}, states(seen))
	require.Equal(t, 9, int(seen[len(seen)-1].Report.Cursor))

	next := waitFor(t, events, func(e Event) bool { return e.Kind == StateChanged })
	require.Equal(t, Online, next[0].State)
	require.Equal(t, Syncing, next[0].Prev)
	require.Equal(t, Online, d.State())
}

func TestSyncNowAndForceSyncAll(t *testing.T) {
	c := newCycler()
	d := New(c, &fakeProber{}, Options{Interval: time.Hour})
	events, _, _ := start(t, d)

	require.False(t, waitCall(t, c))
	waitFor(t, events, func(e Event) bool { return e.Kind == SyncCompleted })

	d.SyncNow()
	require.False(t, waitCall(t, c))
	waitFor(t, events, func(e Event) bool { return e.Kind == SyncCompleted })

	d.ForceSyncAll()
	require.True(t, waitCall(t, c))
	c.mu.Lock()
	require.Equal(t, 1, c.reseeds)
	c.mu.Unlock()
}

func TestProbeFailureBacksOff(t *testing.T) {
	c := newCycler()
	p := &fakeProber{err: errs.ErrTransientTransport}
	d := New(c, p, Options{Interval: time.Hour, MinBackoff: 10 * time.Millisecond})
	events, _, _ := start(t, d)

	seen := waitFor(t, events, func(e Event) bool { return e.Kind == SyncFailed })
	require.ErrorIs(t, seen[len(seen)-1].Err, errs.ErrTransientTransport)

	require.Eventually(t, func() bool { return p.calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	require.Empty(t, c.calls)
	require.Equal(t, Offline, d.State())
}

func TestCycleFailureGoesThroughError(t *testing.T) {
	c := newCycler()
	c.err = errors.New("boom")
	d := New(c, &fakeProber{}, Options{Interval: time.Hour, MinBackoff: time.Hour})
	events, _, _ := start(t, d)

	seen := waitFor(t, events, func(e Event) bool { return e.Kind == StateChanged && e.Prev == Error })
	require.Equal(t, []State{Connecting, Online, Syncing, Error, Offline}, states(seen))
}

func TestStopsPromptly(t *testing.T) {
	c := newCycler()
	c.block = true
	d := New(c, &fakeProber{}, Options{Interval: time.Hour})
	_, cancel, done := start(t, d)

	waitCall(t, c)
	began := time.Now()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("driver did not stop within one second")
	}
	require.Less(t, time.Since(began), time.Second)
	require.Equal(t, Offline, d.State())
}

func TestBackoffCappedAtInterval(t *testing.T) {
	d := New(nil, nil, Options{Interval: 3 * time.Second})
	b := d.newBackoff()
	var got []time.Duration
	for i := 0; i < 4; i++ {
		v, stop := b.Next()
		require.False(t, stop)
		got = append(got, v)
	}
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second}, got)
}

func TestAuthFailurePausesUntilSyncNow(t *testing.T) {
	c := newCycler()
	c.err = fmt.Errorf("sync: %w", errs.ErrAuthFailed)
	d := New(c, &fakeProber{}, Options{Interval: time.Hour, MinBackoff: 5 * time.Millisecond})
	events, _, _ := start(t, d)

	seen := waitFor(t, events, func(e Event) bool { return e.Kind == SyncFailed })
	require.ErrorIs(t, seen[len(seen)-1].Err, errs.ErrAuthFailed)
	waitCall(t, c)
	require.Eventually(t, func() bool { return d.State() == Offline }, time.Second, 5*time.Millisecond)

	require.Never(t, func() bool { return len(c.calls) > 0 }, 100*time.Millisecond, 10*time.Millisecond)

	c.mu.Lock()
	c.err = nil
	c.mu.Unlock()
	d.SyncNow()
	waitCall(t, c)
	waitFor(t, events, func(e Event) bool { return e.Kind == SyncCompleted })
}

func TestRequiresLogin(t *testing.T) {
	require.True(t, RequiresLogin(fmt.Errorf("x: %w", errs.ErrAuthFailed)))
	require.True(t, RequiresLogin(errs.ErrDeviceNotApproved))
	require.False(t, RequiresLogin(errs.ErrTransientTransport))
	require.False(t, RequiresLogin(nil))
}
