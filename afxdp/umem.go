//go:build linux

package afxdp

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

var (
	ErrUMEMClosed      = errors.New("umem is closed")
	ErrFrameOutOfRange = errors.New("frame address out of umem range")
	ErrFrameMisaligned = errors.New("frame address not aligned to frame size")
	ErrFrameDoubleFree = errors.New("frame already free")
	ErrFrameSize       = errors.New("frame size must be a power of two >= 2048")
)

// UMEM is the packet buffer arena shared with the kernel. It is divided
// into NumFrames frames of FrameSize bytes, each identified by its byte
// offset (index × FrameSize).
//
// Frames that were never handed to the kernel sit in a LIFO free pool.
// Frames are never unmapped individually; Close releases the arena as a
// whole.
type UMEM struct {
	buf       []byte
	frameSize uint32
	numFrames uint32

	free   []uint64
	isFree []bool

	unmap func([]byte) error
}

// NewUMEM maps an anonymous, page-backed arena of numFrames×frameSize bytes.
func NewUMEM(numFrames, frameSize uint32) (*UMEM, error) {
	if err := checkFrameGeometry(numFrames, frameSize); err != nil {
		return nil, err
	}
	buf, err := unix.Mmap(-1, 0, int(numFrames)*int(frameSize),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_POPULATE,
	)
	if err != nil {
		return nil, fmt.Errorf("mmap UMEM: %w", err)
	}
	return makeUMEM(buf, numFrames, frameSize, unix.Munmap), nil
}

func checkFrameGeometry(numFrames, frameSize uint32) error {
	if numFrames == 0 {
		return ErrNumFramesTooSmall
	}
	if frameSize < 2048 || frameSize&(frameSize-1) != 0 {
		return ErrFrameSize
	}
	return nil
}

func makeUMEM(buf []byte, numFrames, frameSize uint32, unmap func([]byte) error) *UMEM {
	u := &UMEM{
		buf:       buf,
		frameSize: frameSize,
		numFrames: numFrames,
		free:      make([]uint64, numFrames),
		isFree:    make([]bool, numFrames),
		unmap:     unmap,
	}
	// Pop order yields frame 0 first.
	for i := range numFrames {
		u.free[numFrames-1-i] = u.FrameAddr(i)
		u.isFree[i] = true
	}
	return u
}

// FrameSize returns the size of one frame in bytes.
func (u *UMEM) FrameSize() uint32 { return u.frameSize }

// NumFrames returns the total number of frames in the arena.
func (u *UMEM) NumFrames() uint32 { return u.numFrames }

// FreeFrames returns the number of frames in the free pool.
func (u *UMEM) FreeFrames() uint32 { return uint32(len(u.free)) }

// FrameAddr returns the address of frame i.
func (u *UMEM) FrameAddr(i uint32) uint64 { return uint64(i) * uint64(u.frameSize) }

// FrameIndex returns the index of the frame containing addr.
func (u *UMEM) FrameIndex(addr uint64) uint32 { return uint32(addr / uint64(u.frameSize)) }

// FrameBase strips any in-frame offset from addr. The kernel reports
// receive addresses past the XDP headroom; the fill ring wants the
// frame start back.
func (u *UMEM) FrameBase(addr uint64) uint64 { return addr &^ uint64(u.frameSize-1) }

// Valid reports whether addr lies inside the arena.
func (u *UMEM) Valid(addr uint64) bool {
	return u.buf != nil && addr < uint64(len(u.buf))
}

// Frame returns the length bytes at addr, which must not cross the frame.
func (u *UMEM) Frame(addr uint64, length uint32) ([]byte, error) {
	if u.buf == nil {
		return nil, ErrUMEMClosed
	}
	if !u.Valid(addr) || addr+uint64(length) > u.FrameBase(addr)+uint64(u.frameSize) {
		return nil, fmt.Errorf("%w: addr=%d len=%d", ErrFrameOutOfRange, addr, length)
	}
	return u.buf[addr : addr+uint64(length)], nil
}

// Alloc takes a frame from the free pool.
func (u *UMEM) Alloc() (addr uint64, ok bool) {
	if len(u.free) == 0 {
		return 0, false
	}
	addr = u.free[len(u.free)-1]
	u.free = u.free[:len(u.free)-1]
	u.isFree[u.FrameIndex(addr)] = false
	return addr, true
}

// Free returns a frame to the pool.
func (u *UMEM) Free(addr uint64) error {
	switch {
	case !u.Valid(addr):
		return fmt.Errorf("%w: %d", ErrFrameOutOfRange, addr)
	case addr%uint64(u.frameSize) != 0:
		return fmt.Errorf("%w: %d", ErrFrameMisaligned, addr)
	}
	i := u.FrameIndex(addr)
	if u.isFree[i] {
		return fmt.Errorf("%w: %d", ErrFrameDoubleFree, addr)
	}
	u.isFree[i] = true
	u.free = append(u.free, addr)
	return nil
}

// Bytes exposes the whole arena, for UMEM registration.
func (u *UMEM) Bytes() []byte { return u.buf }

// Close unmaps the arena. Calling it again is a no-op.
func (u *UMEM) Close() error {
	if u.buf == nil {
		return nil
	}
	buf := u.buf
	u.buf, u.free = nil, nil
	if u.unmap != nil {
		return u.unmap(buf)
	}
	return nil
}
