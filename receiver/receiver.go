//go:build linux

// Package receiver puts the capture backends behind one lifecycle:
// Created → Initialized → Running → Stopped → Released.
package receiver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cilium/ebpf"
	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/romshark/rxbench/afxdp"
	"github.com/romshark/rxbench/config"
	"github.com/romshark/rxbench/stats"
)

var (
	// ErrBind reports that the interface or queue could not be resolved
	// or bound.
	ErrBind = errors.New("binding to interface")
	// ErrResource reports a failure to acquire sockets, memory or rings.
	ErrResource = errors.New("acquiring receive resources")
	// ErrUnsupportedMode is returned for modes without a backend.
	ErrUnsupportedMode = errors.New("unsupported receive mode")
	ErrUnknownMode     = errors.New("unknown receive mode")
	// ErrState is returned by operations invalid in the current state.
	ErrState = errors.New("invalid receiver state")
)

// classifyInitErr wraps a failed Init step in ErrBind when the interface,
// queue, privileges or kernel support are missing, and in ErrResource
// otherwise.
func classifyInitErr(iface, op string, err error) error {
	if isBindErr(err) {
		return fmt.Errorf("%w %q: %s: %w", ErrBind, iface, op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrResource, op, err)
}

func isBindErr(err error) bool {
	var notFound netlink.LinkNotFoundError
	if errors.As(err, &notFound) {
		return true
	}
	for _, target := range []error{
		afxdp.ErrQueueOutOfRange,
		ebpf.ErrNotSupported,
		unix.ENODEV,
		unix.EPERM,
		unix.EACCES,
		unix.EOPNOTSUPP,
		unix.EPROTONOSUPPORT,
		unix.EAFNOSUPPORT,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Backend is one capture strategy.
type Backend interface {
	// Init acquires every resource the receive loop needs.
	// On failure it releases whatever it acquired.
	Init(conf config.Config) error
	// Start runs the receive loop until Stop, ctx is done or a fatal error.
	Start(ctx context.Context) error
	// Stop asks a running loop to exit. It must not block.
	Stop() error
	// Release frees all resources. Safe to call repeatedly and without Init.
	Release() error
}

type State int32

const (
	StateCreated State = iota
	StateInitialized
	StateRunning
	StateStopped
	StateReleased
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateReleased:
		return "released"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Receiver drives a backend through its lifecycle and owns the
// statistics it records into.
type Receiver struct {
	mode    Mode
	log     *zap.Logger
	stats   *stats.Stats
	backend Backend

	running atomic.Bool

	mu          sync.Mutex
	state       State
	conf        config.Config
	cancel      context.CancelFunc
	timer       *time.Timer
	stopPending bool // Stop called between Init and Start
}

// New selects the backend for mode. The choice is final.
func New(mode Mode, log *zap.Logger) (*Receiver, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.Stringer("mode", mode))
	st := stats.New()

	var b Backend
	switch mode {
	case ModeCopy:
		b = newSocketBackend(st, log)
	case ModeZeroCopy:
		b = newXDPBackend(st, log)
	case ModeUserspaceDriver:
		var err error
		if b, err = newDPDKBackend(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMode, mode)
	}
	return newReceiver(mode, st, b, log), nil
}

func newReceiver(mode Mode, st *stats.Stats, b Backend, log *zap.Logger) *Receiver {
	return &Receiver{
		mode:    mode,
		log:     log,
		stats:   st,
		backend: b,
		state:   StateCreated,
	}
}

func (r *Receiver) Mode() Mode { return r.mode }

// Stats returns the counters the backend records into.
func (r *Receiver) Stats() *stats.Stats { return r.stats }

// IsRunning reports whether the receive loop should keep going.
func (r *Receiver) IsRunning() bool { return r.running.Load() }

func (r *Receiver) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Init validates conf and acquires the backend's resources.
func (r *Receiver) Init(conf config.Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateCreated {
		return fmt.Errorf("%w: init while %s", ErrState, r.state)
	}
	if err := conf.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}
	if err := r.backend.Init(conf); err != nil {
		return err
	}
	r.conf = conf
	r.state = StateInitialized
	r.log.Info("receiver initialized",
		zap.String("iface", conf.Interface),
		zap.Bool("promiscuous", conf.Promiscuous),
		zap.Duration("duration", conf.Duration))
	return nil
}

// Start runs the receive loop and blocks until it exits. When the
// configured duration is positive the receiver stops itself after it.
// The statistics interval spans exactly the loop.
func (r *Receiver) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateInitialized {
		r.mu.Unlock()
		return fmt.Errorf("%w: start while %s", ErrState, r.state)
	}
	if r.stopPending {
		now := time.Now()
		r.stats.Begin(now)
		r.stats.End(now)
		r.state = StateStopped
		r.mu.Unlock()
		r.log.Info("stop requested before start, receive loop skipped")
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.state = StateRunning
	r.running.Store(true)
	r.stats.Begin(time.Now())
	if d := r.conf.Duration; d > 0 {
		r.timer = time.AfterFunc(d, func() {
			r.log.Info("run duration reached", zap.Duration("duration", d))
			if err := r.Stop(); err != nil {
				r.log.Error("stopping receiver", zap.Error(err))
			}
		})
	}
	r.mu.Unlock()

	r.log.Info("receive loop started")
	err := r.backend.Start(ctx)

	r.mu.Lock()
	r.stats.End(time.Now())
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	cancel()
	r.running.Store(false)
	r.state = StateStopped
	r.mu.Unlock()

	if err != nil {
		r.log.Error("receive loop failed", zap.Error(err))
		return err
	}
	r.log.Info("receive loop stopped")
	return nil
}

// Stop asks a running receiver to stop; the loop exits on its next
// iteration. An initialized receiver remembers the request and Start
// returns without running the loop. Safe from any goroutine; a no-op in
// every other state.
func (r *Receiver) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == StateInitialized {
		r.stopPending = true
		return nil
	}
	if r.state != StateRunning || !r.running.Load() {
		return nil
	}
	r.running.Store(false)
	r.cancel()
	return r.backend.Stop()
}

// Release frees the backend's resources. It is a no-op once released
// and safe after a failed Init.
func (r *Receiver) Release() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case StateReleased:
		return nil
	case StateRunning:
		return fmt.Errorf("%w: release while %s", ErrState, r.state)
	}
	r.state = StateReleased
	if err := r.backend.Release(); err != nil {
		return fmt.Errorf("releasing %s backend: %w", r.mode, err)
	}
	return nil
}
