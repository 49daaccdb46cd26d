package connectivity

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []EventKind
	ch     chan EventKind
}

func newRecorder(m *Monitor) (*recorder, func()) {
	r := &recorder{ch: make(chan EventKind, 32)}
	cancel := m.Subscribe(func(ev Event) {
		r.mu.Lock()
		r.events = append(r.events, ev.Kind)
		r.mu.Unlock()
		r.ch <- ev.Kind
	})
	return r, cancel
}

func (r *recorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]EventKind(nil), r.events...)
}

func (r *recorder) wait(t *testing.T, want EventKind) {
	t.Helper()
	select {
	case got := <-r.ch:
		require.Equal(t, want, got)
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", want)
	}
}

func TestMonitorEmitsOnlyTransitions(t *testing.T) {
	m := NewMonitor(false)
	rec, cancel := newRecorder(m)

	assert.False(t, m.SetOnline(false))
	assert.True(t, m.SetOnline(true))
	assert.False(t, m.SetOnline(true))
	assert.True(t, m.Online())
	assert.True(t, m.SetOnline(false))
	m.RequestSync()

	assert.Equal(t, []EventKind{WentOnline, WentOffline, SyncRequested}, rec.kinds())

	cancel()
	cancel()
	m.SetOnline(true)
	assert.Len(t, rec.kinds(), 3)
}

func TestMonitorListenerOrder(t *testing.T) {
	m := NewMonitor(true)
	var order []string
	m.Subscribe(func(Event) { order = append(order, "first") })
	m.Subscribe(func(Event) { order = append(order, "second") })
	m.RequestSync()
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestBackoffDelay(t *testing.T) {
	base, max := time.Second, 10*time.Second
	assert.Equal(t, time.Second, BackoffDelay(base, max, 0))
	assert.Equal(t, 4*time.Second, BackoffDelay(base, max, 2))
	assert.Equal(t, max, BackoffDelay(base, max, 4))
	assert.Equal(t, max, BackoffDelay(base, max, 60))
}

func TestJitteredInterval(t *testing.T) {
	base := 10 * time.Second
	assert.Equal(t, base, jitteredInterval(base, 0, 0.2))
	assert.Equal(t, 8*time.Second, jitteredInterval(base, 0.2, 0))
	assert.Equal(t, 10*time.Second, jitteredInterval(base, 0.2, 0.5))
	assert.Equal(t, 12*time.Second, jitteredInterval(base, 0.2, 1))
	assert.Equal(t, 0.0, clampJitterRatio(-1))
	assert.Equal(t, 1.0, clampJitterRatio(3))
}

func TestRetrySchedulerFiresOnceAndBacksOff(t *testing.T) {
	m := NewMonitor(true)
	rec, cancel := newRecorder(m)
	defer cancel()

	s := NewRetryScheduler(m, RetryOptions{BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond, Logger: zerolog.Nop()})
	defer s.Stop()

	first := s.Schedule()
	assert.Equal(t, time.Millisecond, first)
	assert.Zero(t, s.Schedule(), "a pending retry coalesces further registrations")
	rec.wait(t, SyncRequested)
	require.Eventually(t, func() bool { return !s.Pending() }, time.Second, time.Millisecond)

	assert.Equal(t, 2*time.Millisecond, s.Schedule())
	rec.wait(t, SyncRequested)
}

func TestRetrySchedulerReset(t *testing.T) {
	s := NewRetryScheduler(NewMonitor(true), RetryOptions{BaseDelay: time.Hour, MaxDelay: 4 * time.Hour})
	defer s.Stop()
	assert.Equal(t, time.Hour, s.Schedule())
	assert.True(t, s.Pending())
	s.Reset()
	assert.False(t, s.Pending())
	assert.Equal(t, time.Hour, s.Schedule(), "reset restarts the backoff")
}

func TestRetrySchedulerStop(t *testing.T) {
	m := NewMonitor(true)
	s := NewRetryScheduler(m, RetryOptions{})
	s.Stop()
	assert.Zero(t, s.Schedule())
	assert.False(t, s.Pending())
}

func TestProberUpdatesMonitor(t *testing.T) {
	m := NewMonitor(false)
	rec, cancel := newRecorder(m)
	defer cancel()

	var mu sync.Mutex
	var failing bool
	p := NewProber(PingFunc(func(context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		if failing {
			return errors.New("connection refused")
		}
		return nil
	}), m, ProbeOptions{Interval: time.Millisecond})

	assert.True(t, p.ProbeOnce(context.Background()))
	assert.True(t, p.ProbeOnce(context.Background()))
	mu.Lock()
	failing = true
	mu.Unlock()
	assert.False(t, p.ProbeOnce(context.Background()))
	assert.Equal(t, []EventKind{WentOnline, WentOffline}, rec.kinds())

	rec.wait(t, WentOnline)
	rec.wait(t, WentOffline)

	mu.Lock()
	failing = false
	mu.Unlock()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	rec.wait(t, WentOnline)
	mu.Lock()
	failing = true
	mu.Unlock()
	rec.wait(t, WentOffline)
	stop()
	<-done
}

func TestProberIgnoresCancelledProbe(t *testing.T) {
	m := NewMonitor(true)
	p := NewProber(PingFunc(func(ctx context.Context) error { return ctx.Err() }), m, ProbeOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.True(t, p.ProbeOnce(ctx))
	assert.True(t, m.Online())
}

func TestTriggerWatcherRequestsSync(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "triggers", "sync")
	m := NewMonitor(true)
	rec, cancel := newRecorder(m)
	defer cancel()

	tw, err := NewTriggerWatcher(path, m, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, tw.Start())
	require.Error(t, tw.Start())

	require.NoError(t, Touch(filepath.Join(dir, "triggers", "other"), time.Now()))
	require.NoError(t, Touch(path, time.Now()))
	rec.wait(t, SyncRequested)

	require.NoError(t, tw.Close())
}
