//go:build linux

// Package afxdp implements a zero-copy AF_XDP receive path.
// Interface owns the XDP classifier program and its xsks_map.
// Socket is an AF_XDP socket bound to one RX queue, with its UMEM and rings.
// Engine drives the receive/recycle cycle over a Socket.
//
// Terminology mapping (kernel ↔ userspace):
//
//   - RX ring: descriptors of received packets, kernel to userspace.
//   - FQ ring: UMEM addresses userspace provides to kernel for RX.
//   - TX ring: descriptors userspace sends to NIC (mapped, unused).
//   - CQ ring: completed TX buffers returned by kernel (mapped, unused).
package afxdp

import (
	"errors"
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

var (
	ErrRingRegionEmpty   = errors.New("ring region is empty")
	ErrRingRegionShort   = errors.New("ring region shorter than its descriptors")
	ErrNumFramesTooSmall = errors.New("NumFrames must be > 0")
	ErrQueueOutOfRange   = errors.New("queue id out of range for interface")
	ErrInterfaceClosed   = errors.New("interface is closed")
)

const (
	DefaultNumFrames          = 4096
	DefaultFrameSize          = 2048
	DefaultFillRingSize       = 2048
	DefaultCompletionRingSize = 2048
	DefaultRxRingSize         = 2048
	DefaultTxRingSize         = 2048
	DefaultBatchSize          = 64
	DefaultWaitTimeout        = time.Second
)

type SocketConfig struct {
	// QueueID identifies the NIC RX queue to bind to.
	QueueID uint32
	// NumFrames is the total number of UMEM frames allocated.
	NumFrames uint32
	// FrameSize defines the size of each UMEM frame in bytes.
	FrameSize uint32
	// FillSize sets the number of entries in the fill ring.
	FillSize uint32
	// CqSize sets the number of entries in the completion ring.
	CqSize uint32
	// RxSize sets the number of descriptors in the RX ring.
	RxSize uint32
	// TxSize sets the number of descriptors in the TX ring.
	TxSize uint32
	// BatchSize caps the descriptors handled per receive iteration.
	BatchSize uint32
	// WaitTimeout bounds each wait for RX readiness.
	WaitTimeout time.Duration
}

func (c *SocketConfig) ValidateAndSetDefaults() error {
	if c.NumFrames == 0 {
		c.NumFrames = DefaultNumFrames
	}
	if c.FrameSize == 0 {
		c.FrameSize = DefaultFrameSize
	}
	if c.FillSize == 0 {
		c.FillSize = DefaultFillRingSize
	}
	if c.CqSize == 0 {
		c.CqSize = DefaultCompletionRingSize
	}
	if c.RxSize == 0 {
		c.RxSize = DefaultRxRingSize
	}
	if c.TxSize == 0 {
		c.TxSize = DefaultTxRingSize
	}
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = DefaultWaitTimeout
	}
	for _, size := range [...]uint32{c.FillSize, c.CqSize, c.RxSize, c.TxSize} {
		if size&(size-1) != 0 {
			return fmt.Errorf("%w: %d", ErrRingSize, size)
		}
	}
	return checkFrameGeometry(c.NumFrames, c.FrameSize)
}

/*---- Kernel structs ----*/

// sockaddr_xdp is defined in linux/if_xdp.h
// See https://elixir.bootlin.com/linux/v5.15.77/source/include/uapi/linux/if_xdp.h#L32
type sockaddr_xdp struct {
	Family       uint16
	Flags        uint16
	Ifindex      uint32
	QueueID      uint32
	SharedUmemFD uint32
}

// xdp_ring_offset is defined in linux/if_xdp.h
// See https://elixir.bootlin.com/linux/v5.15.77/source/include/uapi/linux/if_xdp.h#L43
type xdp_ring_offset struct {
	Producer uint64
	Consumer uint64
	Desc     uint64
	Flags    uint64
}

// xdp_mmap_offsets is defined in linux/if_xdp.h
// https://elixir.bootlin.com/linux/v5.15.77/source/include/uapi/linux/if_xdp.h#L50
type xdp_mmap_offsets struct {
	Rx xdp_ring_offset
	Tx xdp_ring_offset
	Fr xdp_ring_offset
	Cr xdp_ring_offset
}

// xdp_umem_reg is defined in linux/if_xdp.h
// See https://elixir.bootlin.com/linux/v5.15.77/source/include/uapi/linux/if_xdp.h#L67
type xdp_umem_reg struct {
	Addr      uint64
	Len       uint64
	ChunkSize uint32
	Headroom  uint32
}

// xdp_statistics is defined in linux/if_xdp.h
// See https://elixir.bootlin.com/linux/v5.15.77/source/include/uapi/linux/if_xdp.h#L80
type xdp_statistics struct {
	RxDropped            uint64
	RxInvalidDescs       uint64
	TxInvalidDescs       uint64
	RxRingFull           uint64
	RxFillRingEmptyDescs uint64
	TxRingEmptyDescs     uint64
}

// Dropped returns the packets the kernel could not deliver to the socket.
func (s xdp_statistics) Dropped() uint64 { return s.RxDropped + s.RxRingFull }

func rawBind(fd int, sa *sockaddr_xdp) error {
	_, _, e := unix.Syscall(unix.SYS_BIND,
		uintptr(fd),
		uintptr(unsafe.Pointer(sa)),
		unsafe.Sizeof(*sa),
	)
	if e != 0 {
		return e
	}
	return nil
}

func setsockopt(fd, level, name int, val unsafe.Pointer, vallen uintptr) error {
	_, _, e := unix.Syscall6(unix.SYS_SETSOCKOPT,
		uintptr(fd), uintptr(level), uintptr(name),
		uintptr(val), vallen, 0)
	if e != 0 {
		return e
	}
	return nil
}

func getsockopt(fd, level, name int, val unsafe.Pointer, vallen uintptr) error {
	l := uint32(vallen) // socklen_t
	_, _, e := unix.Syscall6(unix.SYS_GETSOCKOPT,
		uintptr(fd),
		uintptr(level),
		uintptr(name),
		uintptr(val),
		uintptr(unsafe.Pointer(&l)),
		0,
	)
	if e != 0 {
		return e
	}
	return nil
}

/*---- Kernel side of a socket ----*/

// kernel is what the receive path needs from the AF_XDP file descriptor.
type kernel interface {
	// Wait blocks until RX is readable or timeout expires.
	Wait(timeout time.Duration) error
	// WakeupFill kicks the driver to look at the fill ring again.
	WakeupFill() error
	Statistics() (xdp_statistics, error)
	Close() error
}

// xsk is the kernel of a bound AF_XDP socket.
type xsk struct {
	fd      int
	regions [][]byte

	iface      *Interface
	queue      uint32
	registered bool
}

// Wait polls the socket for readability.
// Returns nil when the socket becomes readable OR when the timeout expires.
// Returns a non-nil error only for real system call failures.
func (x *xsk) Wait(timeout time.Duration) error {
	for {
		_, err := unix.Poll([]unix.PollFd{{
			Fd:     int32(x.fd),
			Events: unix.POLLIN,
		}}, int(timeout.Milliseconds()))

		if err == nil {
			return nil
		}

		// EINTR is not treated as an error and will never be surfaced to the caller.
		// This ensures stable behavior in environments where signals are delivered
		// (profilers, debuggers, timers, SIGCHLD, etc.).
		if err == unix.EINTR {
			continue // Retry on signal interruption.
		}

		return err
	}
}

// WakeupFill issues the zero-length recvfrom() AF_XDP treats as a doorbell
// for the fill ring when XDP_USE_NEED_WAKEUP is enabled.
func (x *xsk) WakeupFill() error {
	_, _, e := unix.Syscall6(unix.SYS_RECVFROM,
		uintptr(x.fd), 0, 0, unix.MSG_DONTWAIT, 0, 0)
	switch e {
	case 0, unix.EAGAIN, unix.EBUSY, unix.EINTR, unix.ENOBUFS, unix.ENETDOWN:
		return nil
	}
	return e
}

func (x *xsk) Statistics() (xdp_statistics, error) {
	var st xdp_statistics
	err := getsockopt(x.fd, unix.SOL_XDP, unix.XDP_STATISTICS,
		unsafe.Pointer(&st), unsafe.Sizeof(st))
	return st, err
}

// Close unregisters the socket from xsks_map, closes it and unmaps its rings.
func (x *xsk) Close() error {
	var errs []error
	if x.registered {
		if err := x.iface.unregisterXSK(x.queue); err != nil {
			errs = append(errs, fmt.Errorf("unregistering XSK: %w", err))
		}
		x.registered = false
	}
	if x.fd >= 0 {
		if err := unix.Close(x.fd); err != nil {
			errs = append(errs, fmt.Errorf("closing fd: %w", err))
		}
		x.fd = -1
	}
	for _, r := range x.regions {
		if err := unix.Munmap(r); err != nil {
			errs = append(errs, err)
		}
	}
	x.regions = nil
	return errors.Join(errs...)
}

/*---- Socket ----*/

// Socket is an AF_XDP socket with its UMEM and four rings.
//
// WARNING: Socket is not safe for concurrent use.
type Socket struct {
	conf       SocketConfig
	isZerocopy bool

	umem *UMEM
	fill *ProdRing[uint64]
	comp *ConsRing[uint64]
	rx   *ConsRing[Desc]
	tx   *ProdRing[Desc]

	kernel kernel
	closed bool
}

// Open creates and initializes an AF_XDP socket.
// It allocates UMEM, maps rings, configures kernel structures,
// binds to the target NIC queue and registers the socket in xsks_map.
// On failure everything acquired so far is released.
func (i *Interface) Open(conf SocketConfig) (s *Socket, err error) {
	if i.xsks == nil {
		return nil, ErrInterfaceClosed
	}
	// Apply defaults if necessary.
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	if conf.QueueID >= i.numQueues {
		return nil, fmt.Errorf("%w: %d >= %d", ErrQueueOutOfRange, conf.QueueID, i.numQueues)
	}

	// AF_XDP socket.
	fd, err := unix.Socket(unix.AF_XDP, unix.SOCK_RAW, 0)
	if err != nil {
		return nil, fmt.Errorf("opening AF_XDP socket: %w", err)
	}
	k := &xsk{fd: fd, iface: i, queue: conf.QueueID}

	// UMEM registration.
	umem, err := NewUMEM(conf.NumFrames, conf.FrameSize)
	if err != nil {
		_ = k.Close()
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = k.Close()
			_ = umem.Close()
		}
	}()

	buf := umem.Bytes()
	reg := xdp_umem_reg{
		Addr:      uint64(uintptr(unsafe.Pointer(&buf[0]))),
		Len:       uint64(len(buf)),
		ChunkSize: conf.FrameSize,
		Headroom:  0,
	}
	if err := setsockopt(
		fd, unix.SOL_XDP, unix.XDP_UMEM_REG,
		unsafe.Pointer(&reg), unsafe.Sizeof(reg),
	); err != nil {
		return nil, fmt.Errorf("setsockopt XDP_UMEM_REG: %w", err)
	}

	// Ring sizes.
	for _, opt := range [...]struct {
		name string
		opt  int
		size uint32
	}{
		{"XDP_UMEM_FILL_RING", unix.XDP_UMEM_FILL_RING, conf.FillSize},
		{"XDP_UMEM_COMPLETION_RING", unix.XDP_UMEM_COMPLETION_RING, conf.CqSize},
		{"XDP_RX_RING", unix.XDP_RX_RING, conf.RxSize},
		{"XDP_TX_RING", unix.XDP_TX_RING, conf.TxSize},
	} {
		size := opt.size
		if err := setsockopt(
			fd, unix.SOL_XDP, opt.opt,
			unsafe.Pointer(&size), unsafe.Sizeof(size),
		); err != nil {
			return nil, fmt.Errorf("setsockopt %s: %w", opt.name, err)
		}
	}

	// Query mmap offsets for all rings.
	var offs xdp_mmap_offsets
	if err := getsockopt(
		fd, unix.SOL_XDP, unix.XDP_MMAP_OFFSETS,
		unsafe.Pointer(&offs), unsafe.Sizeof(offs),
	); err != nil {
		return nil, fmt.Errorf("getsockopt XDP_MMAP_OFFSETS: %w", err)
	}

	mmapRing := func(name string, off xdp_ring_offset, size uint32, entrySize uintptr, pgoff int64) ([]byte, error) {
		length := int(uintptr(off.Desc) + uintptr(size)*entrySize)
		region, err := unix.Mmap(fd, pgoff, length,
			unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
		if err != nil {
			return nil, fmt.Errorf("mmap %s ring: %w", name, err)
		}
		k.regions = append(k.regions, region)
		return region, nil
	}

	descSize := unsafe.Sizeof(Desc{})
	addrSize := unsafe.Sizeof(uint64(0))

	fqRegion, err := mmapRing("FQ", offs.Fr, conf.FillSize, addrSize, unix.XDP_UMEM_PGOFF_FILL_RING)
	if err != nil {
		return nil, err
	}
	cqRegion, err := mmapRing("CQ", offs.Cr, conf.CqSize, addrSize, unix.XDP_UMEM_PGOFF_COMPLETION_RING)
	if err != nil {
		return nil, err
	}
	rxRegion, err := mmapRing("RX", offs.Rx, conf.RxSize, descSize, unix.XDP_PGOFF_RX_RING)
	if err != nil {
		return nil, err
	}
	txRegion, err := mmapRing("TX", offs.Tx, conf.TxSize, descSize, unix.XDP_PGOFF_TX_RING)
	if err != nil {
		return nil, err
	}

	// Build queues.
	fill, err := prodRingFromRegion[uint64](fqRegion, offs.Fr, conf.FillSize)
	if err != nil {
		return nil, fmt.Errorf("making FQ queue: %w", err)
	}
	comp, err := consRingFromRegion[uint64](cqRegion, offs.Cr, conf.CqSize)
	if err != nil {
		return nil, fmt.Errorf("making CQ queue: %w", err)
	}
	rx, err := consRingFromRegion[Desc](rxRegion, offs.Rx, conf.RxSize)
	if err != nil {
		return nil, fmt.Errorf("making RX queue: %w", err)
	}
	tx, err := prodRingFromRegion[Desc](txRegion, offs.Tx, conf.TxSize)
	if err != nil {
		return nil, fmt.Errorf("making TX queue: %w", err)
	}

	// Bind AF_XDP socket to iface:queue.
	sa := &sockaddr_xdp{
		Family:  unix.AF_XDP,
		Ifindex: uint32(i.ifaceIndex),
		QueueID: conf.QueueID,
	}

	zerocopy := i.preferZerocopy
	if zerocopy {
		sa.Flags = unix.XDP_ZEROCOPY | unix.XDP_USE_NEED_WAKEUP
	} else {
		sa.Flags = unix.XDP_COPY | unix.XDP_USE_NEED_WAKEUP
	}

	err = rawBind(fd, sa)
	if err != nil && zerocopy {
		// If zerocopy is not supported for this queue, fall back to copy mode.
		if errno, ok := err.(unix.Errno); ok && errno == unix.EPROTONOSUPPORT {
			sa.Flags = unix.XDP_COPY | unix.XDP_USE_NEED_WAKEUP
			zerocopy = false
			err = rawBind(fd, sa)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("binding socket: %w", err)
	}

	if err := i.registerXSK(fd, conf.QueueID); err != nil {
		return nil, fmt.Errorf("registering XSK: %w", err)
	}
	k.registered = true

	return newSocket(conf, zerocopy, umem, fill, comp, rx, tx, k), nil
}

func newSocket(
	conf SocketConfig, zerocopy bool, umem *UMEM,
	fill *ProdRing[uint64], comp *ConsRing[uint64],
	rx *ConsRing[Desc], tx *ProdRing[Desc],
	k kernel,
) *Socket {
	return &Socket{
		conf:       conf,
		isZerocopy: zerocopy,
		umem:       umem,
		fill:       fill,
		comp:       comp,
		rx:         rx,
		tx:         tx,
		kernel:     k,
	}
}

func prodRingFromRegion[T any](region []byte, off xdp_ring_offset, size uint32) (*ProdRing[T], error) {
	prod, cons, flags, entries, err := ringFromRegion[T](region, off, size)
	if err != nil {
		return nil, err
	}
	return NewProdRing(prod, cons, flags, entries)
}

func consRingFromRegion[T any](region []byte, off xdp_ring_offset, size uint32) (*ConsRing[T], error) {
	prod, cons, flags, entries, err := ringFromRegion[T](region, off, size)
	if err != nil {
		return nil, err
	}
	return NewConsRing(prod, cons, flags, entries)
}

// IsZerocopy reports whether the socket is operating in zero-copy mode.
// May return false even if PreferZerocopy was true because the corresponding queue
// may not support XDP_ZEROCOPY mode and the socket fall back to XDP_COPY automatically.
func (s *Socket) IsZerocopy() bool { return s.isZerocopy }

// Config returns the socket configuration with defaults applied.
func (s *Socket) Config() SocketConfig { return s.conf }

func (s *Socket) UMEM() *UMEM { return s.umem }
func (s *Socket) Fill() *ProdRing[uint64] { return s.fill }
func (s *Socket) Completion() *ConsRing[uint64] { return s.comp }
func (s *Socket) RX() *ConsRing[Desc] { return s.rx }
func (s *Socket) TX() *ProdRing[Desc] { return s.tx }

// Close releases the socket, its rings and the UMEM. Calling it again is a no-op.
func (s *Socket) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	if err := s.kernel.Close(); err != nil {
		errs = append(errs, err)
	}
	// The rings point into unmapped memory from here on.
	s.fill, s.comp, s.rx, s.tx = nil, nil, nil, nil
	if err := s.umem.Close(); err != nil {
		errs = append(errs, fmt.Errorf("unmapping UMEM: %w", err))
	}
	return errors.Join(errs...)
}
