//go:build linux

package afxdp

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	ErrFillExhausted     = errors.New("fill ring has no room for the initial frames")
	ErrInvalidDescriptor = errors.New("receive descriptor outside the umem")
)

// Recorder accumulates what the engine observes.
type Recorder interface {
	RecordBatch(packets, bytes uint64)
	RecordDropped(n uint64)
}

// FrameCounts is where every UMEM frame currently is.
// Free+Kernel+InUse always equals Total between two Poll calls.
type FrameCounts struct {
	Free   uint32 // in the userspace free pool
	Kernel uint32 // on the fill or RX ring, or held by the driver
	InUse  uint32 // peeked from RX, not yet back on fill
	Total  uint32
}

// Engine runs the receive/recycle cycle of one Socket.
//
// WARNING: Poll and Run are not safe for concurrent use; Stop is.
type Engine struct {
	sock    *Socket
	rec     Recorder
	log     *zap.Logger
	batch   uint32
	timeout time.Duration

	addrs []uint64

	primed      bool
	kernelOwned uint32
	inUse       uint32
	lastDropped uint64

	stopped atomic.Bool
}

// NewEngine makes an engine over an open socket.
func NewEngine(sock *Socket, rec Recorder, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	conf := sock.Config()
	return &Engine{
		sock:    sock,
		rec:     rec,
		log:     log,
		batch:   conf.BatchSize,
		timeout: conf.WaitTimeout,
		addrs:   make([]uint64, conf.BatchSize),
	}
}

// Prime hands the kernel one frame per free slot of the fill ring,
// bounded by the number of frames in the UMEM.
// Calling it again is a no-op.
func (e *Engine) Prime() error {
	if e.primed {
		return nil
	}
	umem, fill := e.sock.umem, e.sock.fill

	n := min(umem.FreeFrames(), fill.Size())
	idx, reserved := fill.Reserve(n)
	if reserved != n {
		return fmt.Errorf("%w: want %d, free %d", ErrFillExhausted, n, fill.Free())
	}
	for i := range n {
		addr, _ := umem.Alloc()
		fill.Set(idx+i, addr)
	}
	fill.Submit(n)
	e.kernelOwned += n
	e.primed = true

	e.log.Debug("fill ring primed", zap.Uint32("frames", n))
	return nil
}

// Poll runs one iteration: it takes up to one batch of descriptors from
// the RX ring, records them and returns their frames to the fill ring.
// When RX is empty it waits for readiness instead, bounded by the
// socket's wait timeout. It returns the number of packets received.
// A non-nil error is fatal for the receive loop.
func (e *Engine) Poll() (int, error) {
	rx := e.sock.rx
	idx, n := rx.Peek(e.batch)
	if n == 0 {
		if e.sock.fill.NeedWakeup() {
			if err := e.sock.kernel.WakeupFill(); err != nil {
				return 0, fmt.Errorf("waking up fill ring: %w", err)
			}
		}
		if err := e.sock.kernel.Wait(e.timeout); err != nil {
			return 0, fmt.Errorf("waiting for RX: %w", err)
		}
		return 0, nil
	}

	debug := e.log.Core().Enabled(zap.DebugLevel)
	umem := e.sock.umem
	addrs := e.addrs[:n]
	var bytes uint64
	for i := range n {
		d := rx.At(idx + i)
		// The payload is read in place; resolving it only checks bounds.
		if _, err := umem.Frame(d.Addr, d.Len); err != nil {
			return 0, fmt.Errorf("%w: %w", ErrInvalidDescriptor, err)
		}
		addrs[i] = umem.FrameBase(d.Addr)
		bytes += uint64(d.Len)
		if debug {
			e.log.Debug("packet received",
				zap.Uint64("addr", d.Addr), zap.Uint32("len", d.Len))
		}
	}
	rx.Release(n)
	e.kernelOwned -= n
	e.inUse += n

	e.rec.RecordBatch(uint64(n), bytes)

	if err := e.recycle(addrs); err != nil {
		return int(n), err
	}
	return int(n), nil
}

// recycle puts frames back on the fill ring. A short ring is retried
// after kicking the kernel; no address is ever dropped.
func (e *Engine) recycle(addrs []uint64) error {
	fill := e.sock.fill
	stalled := false
	for len(addrs) > 0 {
		n := min(uint32(len(addrs)), fill.Free())
		if n == 0 {
			if !stalled {
				stalled = true
				e.log.Debug("fill ring full, waiting for the kernel",
					zap.Int("pending", len(addrs)))
			}
			if err := e.sock.kernel.WakeupFill(); err != nil {
				return fmt.Errorf("waking up fill ring: %w", err)
			}
			runtime.Gosched()
			continue
		}
		idx, _ := fill.Reserve(n)
		for i := range n {
			fill.Set(idx+i, addrs[i])
		}
		fill.Submit(n)
		e.inUse -= n
		e.kernelOwned += n
		addrs = addrs[n:]
	}
	if fill.NeedWakeup() {
		if err := e.sock.kernel.WakeupFill(); err != nil {
			return fmt.Errorf("waking up fill ring: %w", err)
		}
	}
	return nil
}

// Run polls until Stop is called, ctx is done or the kernel fails.
// Kernel-side drops are recorded once on the way out.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Prime(); err != nil {
		return err
	}
	defer e.recordKernelDrops()

	for !e.stopped.Load() && ctx.Err() == nil {
		if _, err := e.Poll(); err != nil {
			e.log.Error("receive loop terminated", zap.Error(err))
			return err
		}
	}
	return nil
}

// Stop makes Run return after the current iteration.
func (e *Engine) Stop() { e.stopped.Store(true) }

// Stopped reports whether Stop was called.
func (e *Engine) Stopped() bool { return e.stopped.Load() }

// Frames reports where the UMEM frames are.
func (e *Engine) Frames() FrameCounts {
	return FrameCounts{
		Free:   e.sock.umem.FreeFrames(),
		Kernel: e.kernelOwned,
		InUse:  e.inUse,
		Total:  e.sock.umem.NumFrames(),
	}
}

func (e *Engine) recordKernelDrops() {
	st, err := e.sock.kernel.Statistics()
	if err != nil {
		e.log.Warn("reading XDP statistics", zap.Error(err))
		return
	}
	if d := st.Dropped(); d > e.lastDropped {
		e.rec.RecordDropped(d - e.lastDropped)
		e.lastDropped = d
	}
}
