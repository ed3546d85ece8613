//go:build linux

package receiver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/cilium/ebpf"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sys/unix"

	"github.com/romshark/rxbench/afxdp"
	"github.com/romshark/rxbench/config"
	"github.com/romshark/rxbench/stats"
)

// fakeBackend records one 64-byte packet per tick until stopped.
type fakeBackend struct {
	stats *stats.Stats
	tick  time.Duration

	initErr error
	runErr  error // returned from Start once failAt packets are recorded
	failAt  uint64

	stop     chan struct{}
	stopOnce sync.Once

	inits, starts, stops, releases atomic.Int32
}

func newFakeBackend(st *stats.Stats) *fakeBackend {
	return &fakeBackend{
		stats: st,
		tick:  10 * time.Millisecond,
		stop:  make(chan struct{}),
	}
}

func (b *fakeBackend) Init(config.Config) error {
	b.inits.Add(1)
	return b.initErr
}

func (b *fakeBackend) Start(ctx context.Context) error {
	b.starts.Add(1)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.stop:
			return nil
		case <-time.After(b.tick):
		}
		b.stats.Record(64)
		if b.runErr != nil && b.stats.Snapshot().Packets >= b.failAt {
			return b.runErr
		}
	}
}

func (b *fakeBackend) Stop() error {
	b.stops.Add(1)
	b.stopOnce.Do(func() { close(b.stop) })
	return nil
}

func (b *fakeBackend) Release() error {
	b.releases.Add(1)
	return nil
}

func newTestReceiver(t *testing.T) (*Receiver, *fakeBackend) {
	t.Helper()
	st := stats.New()
	b := newFakeBackend(st)
	return newReceiver(ModeCopy, st, b, zaptest.NewLogger(t)), b
}

func testConfig() config.Config {
	c := config.Default()
	c.Interface = "lo"
	return c
}

func TestNewUnsupportedMode(t *testing.T) {
	r, err := New(ModeUserspaceDriver, nil)
	assert.ErrorIs(t, err, ErrUnsupportedMode)
	assert.Nil(t, r)

	r, err = New(Mode(42), nil)
	assert.ErrorIs(t, err, ErrUnsupportedMode)
	assert.Nil(t, r)
}

func TestNewAcquiresNothing(t *testing.T) {
	for _, m := range []Mode{ModeCopy, ModeZeroCopy} {
		r, err := New(m, zaptest.NewLogger(t))
		require.NoError(t, err)
		assert.Equal(t, m, r.Mode())
		assert.Equal(t, StateCreated, r.State())
		assert.False(t, r.IsRunning())

		// Release before Init is safe and idempotent.
		require.NoError(t, r.Release())
		require.NoError(t, r.Release())
		assert.Equal(t, StateReleased, r.State())
	}
}

func TestLifecycle(t *testing.T) {
	r, b := newTestReceiver(t)

	require.ErrorIs(t, r.Start(context.Background()), ErrState, "start before init")
	require.NoError(t, r.Stop(), "stop before start is a no-op")

	require.NoError(t, r.Init(testConfig()))
	assert.Equal(t, StateInitialized, r.State())
	require.ErrorIs(t, r.Init(testConfig()), ErrState, "second init")

	done := make(chan error, 1)
	go func() { done <- r.Start(context.Background()) }()
	require.Eventually(t, r.IsRunning, time.Second, time.Millisecond)
	assert.Equal(t, StateRunning, r.State())
	require.ErrorIs(t, r.Release(), ErrState, "release while running")

	require.Eventually(t, func() bool {
		return r.Stats().Snapshot().Packets >= 3
	}, 5*time.Second, time.Millisecond)

	// Stop from another goroutine, as a signal handler would.
	require.NoError(t, r.Stop())
	require.NoError(t, r.Stop())
	require.NoError(t, <-done)

	assert.Equal(t, StateStopped, r.State())
	assert.False(t, r.IsRunning())
	assert.Equal(t, int32(1), b.stops.Load())
	require.NoError(t, r.Stop(), "stop after stop")

	snap := r.Stats().Snapshot()
	assert.Positive(t, snap.Elapsed)
	assert.Equal(t, snap.Packets*64, snap.Bytes)

	// The interval is closed: elapsed no longer grows.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, snap.Elapsed, r.Stats().Snapshot().Elapsed)

	require.ErrorIs(t, r.Start(context.Background()), ErrState, "restart")

	require.NoError(t, r.Release())
	require.NoError(t, r.Release())
	assert.Equal(t, int32(1), b.releases.Load())
	assert.Equal(t, StateReleased, r.State())
}

func TestStartContextCancel(t *testing.T) {
	r, _ := newTestReceiver(t)
	require.NoError(t, r.Init(testConfig()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, r.Start(ctx))
	assert.Equal(t, StateStopped, r.State())
}

func TestStopBeforeStart(t *testing.T) {
	r, b := newTestReceiver(t)
	require.NoError(t, r.Init(testConfig()))

	// A signal landing between Init and Start.
	require.NoError(t, r.Stop())
	assert.Equal(t, StateInitialized, r.State())

	done := make(chan error, 1)
	go func() { done <- r.Start(context.Background()) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		require.NoError(t, r.Stop())
		t.Fatalf("receiver kept running, state=%s", r.State())
	}

	assert.Equal(t, StateStopped, r.State())
	assert.False(t, r.IsRunning())
	assert.Zero(t, b.starts.Load())
	assert.Zero(t, r.Stats().Snapshot().Packets)

	require.NoError(t, r.Release())
	assert.Equal(t, int32(1), b.releases.Load())
}

func TestStartCanceledContext(t *testing.T) {
	r, _ := newTestReceiver(t)
	require.NoError(t, r.Init(testConfig()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, r.Start(ctx))
	assert.Equal(t, StateStopped, r.State())
	require.NoError(t, r.Release())
}

func TestBoundedDuration(t *testing.T) {
	r, b := newTestReceiver(t)
	b.tick = 50 * time.Millisecond

	conf := testConfig()
	conf.Duration = 2 * time.Second
	require.NoError(t, r.Init(conf))

	start := time.Now()
	require.NoError(t, r.Start(context.Background()))
	took := time.Since(start)

	assert.GreaterOrEqual(t, took, 2*time.Second)
	assert.Less(t, took, 3*time.Second)
	assert.Equal(t, int32(1), b.stops.Load())

	snap := r.Stats().Snapshot()
	assert.InDelta(t, 2.0, snap.Elapsed.Seconds(), 0.5)
	assert.Positive(t, snap.Packets)
}

func TestInitFailure(t *testing.T) {
	r, b := newTestReceiver(t)
	b.initErr = errors.Join(ErrBind, errors.New("no such device"))

	err := r.Init(testConfig())
	assert.ErrorIs(t, err, ErrBind)
	assert.Equal(t, StateCreated, r.State())

	require.NoError(t, r.Release())
	assert.Equal(t, StateReleased, r.State())
}

func TestInitInvalidConfig(t *testing.T) {
	r, b := newTestReceiver(t)
	conf := testConfig()
	conf.Interface = ""

	assert.ErrorIs(t, r.Init(conf), config.ErrNoInterface)
	assert.Zero(t, b.inits.Load())
}

func TestBackendFatalError(t *testing.T) {
	r, b := newTestReceiver(t)
	b.runErr = errors.New("device went away")
	b.failAt = 5
	require.NoError(t, r.Init(testConfig()))

	err := r.Start(context.Background())
	assert.ErrorIs(t, err, b.runErr)
	assert.Equal(t, StateStopped, r.State())

	// Counters gathered before the failure survive for the report.
	assert.Equal(t, uint64(5), r.Stats().Snapshot().Packets)
	require.NoError(t, r.Release())
}

func TestClassifyInitErr(t *testing.T) {
	for _, tt := range []struct {
		name string
		err  error
		want error
	}{
		{"no device", unix.ENODEV, ErrBind},
		{"not permitted", unix.EPERM, ErrBind},
		{"access denied", fmt.Errorf("creating xsks_map: %w", unix.EACCES), ErrBind},
		{"no AF_XDP", unix.EAFNOSUPPORT, ErrBind},
		{"protocol", unix.EPROTONOSUPPORT, ErrBind},
		{"attach unsupported", fmt.Errorf("attaching XDP: %w", unix.EOPNOTSUPP), ErrBind},
		{"ebpf unsupported", fmt.Errorf("loading XDP program: %w", ebpf.ErrNotSupported), ErrBind},
		{"queue", fmt.Errorf("%w: 8 >= 4", afxdp.ErrQueueOutOfRange), ErrBind},
		{"out of memory", fmt.Errorf("mmap fill ring: %w", unix.ENOMEM), ErrResource},
		{"busy", unix.EBUSY, ErrResource},
		{"other", errors.New("ring region is empty"), ErrResource},
	} {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyInitErr("eth0", "opening socket", tt.err)
			assert.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, err, tt.err)
			other := ErrResource
			if tt.want == ErrResource {
				other = ErrBind
			}
			assert.NotErrorIs(t, err, other)
			assert.Contains(t, err.Error(), "opening socket")
		})
	}
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{
		"socket":     ModeCopy,
		"copy":       ModeCopy,
		"AF_XDP":     ModeZeroCopy,
		"xdp":        ModeZeroCopy,
		"zerocopy":   ModeZeroCopy,
		"dpdk":       ModeUserspaceDriver,
		" userspace": ModeUserspaceDriver,
	} {
		m, err := ParseMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, m, in)
	}
	_, err := ParseMode("netmap")
	assert.ErrorIs(t, err, ErrUnknownMode)

	var m Mode
	require.NoError(t, m.UnmarshalText([]byte("af_xdp")))
	assert.Equal(t, ModeZeroCopy, m)
	b, err := m.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "af_xdp", string(b))
	assert.Equal(t, "Mode(9)", Mode(9).String())
}
