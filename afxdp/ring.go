//go:build linux

package afxdp

import (
	"errors"
	"sync/atomic"
	"unsafe"
)

var ErrRingSize = errors.New("ring size must be a non-zero power of two")

// xdpRingNeedWakeup is XDP_RING_NEED_WAKEUP from linux/if_xdp.h.
const xdpRingNeedWakeup = 1 << 0

// Desc mirrors struct xdp_desc.
// See https://elixir.bootlin.com/linux/v5.15.77/source/include/uapi/linux/if_xdp.h#L103
type Desc struct {
	Addr    uint64
	Len     uint32
	Options uint32
}

// ring is the memory shared by both sides of a single-producer,
// single-consumer descriptor queue.
// The producer cursor is written only by the producer and the consumer
// cursor only by the consumer; each side reads the other's cursor with
// an atomic load matching the writer's atomic store.
type ring[T any] struct {
	mask     uint32
	size     uint32
	producer *uint32
	consumer *uint32
	flags    *uint32
	entries  []T
}

func makeRing[T any](producer, consumer, flags *uint32, entries []T) (ring[T], error) {
	size := uint32(len(entries))
	if size == 0 || size&(size-1) != 0 {
		return ring[T]{}, ErrRingSize
	}
	return ring[T]{
		mask:     size - 1,
		size:     size,
		producer: producer,
		consumer: consumer,
		flags:    flags,
		entries:  entries,
	}, nil
}

// Size returns the ring capacity.
func (r *ring[T]) Size() uint32 { return r.size }

// Pending returns the number of published but not yet released entries.
func (r *ring[T]) Pending() uint32 {
	return atomic.LoadUint32(r.producer) - atomic.LoadUint32(r.consumer)
}

// ProdRing is the producer view of a ring: the Fill and Transmit rings
// from userspace, or the Receive and Completion rings from the kernel side.
type ProdRing[T any] struct {
	ring[T]

	// cachedProd is the next slot to reserve; it runs ahead of the
	// published producer cursor by the reserved, unsubmitted slots.
	cachedProd uint32
	// cachedCons is the last observed consumer cursor plus the ring size.
	cachedCons uint32
}

// NewProdRing builds a producer view over shared cursors and entries.
func NewProdRing[T any](producer, consumer, flags *uint32, entries []T) (*ProdRing[T], error) {
	r, err := makeRing(producer, consumer, flags, entries)
	if err != nil {
		return nil, err
	}
	return &ProdRing[T]{
		ring:       r,
		cachedProd: atomic.LoadUint32(producer),
		cachedCons: atomic.LoadUint32(consumer) + r.size,
	}, nil
}

// Free returns the number of slots that can currently be reserved.
func (r *ProdRing[T]) Free() uint32 {
	r.cachedCons = atomic.LoadUint32(r.consumer) + r.size
	return r.cachedCons - r.cachedProd
}

// Reserve claims n contiguous slots and returns the index of the first.
// It is all-or-nothing: when fewer than n slots are free it reserves
// nothing and returns 0, and the caller retries later.
func (r *ProdRing[T]) Reserve(n uint32) (idx uint32, reserved uint32) {
	if n == 0 {
		return 0, 0
	}
	if r.cachedCons-r.cachedProd < n {
		if r.Free() < n {
			return 0, 0
		}
	}
	idx = r.cachedProd
	r.cachedProd += n
	return idx, n
}

// Set writes v into the reserved slot idx.
func (r *ProdRing[T]) Set(idx uint32, v T) { r.entries[idx&r.mask] = v }

// Submit publishes the next n reserved slots to the consumer.
func (r *ProdRing[T]) Submit(n uint32) {
	// Entries are written; now publish the producer cursor.
	atomic.StoreUint32(r.producer, atomic.LoadUint32(r.producer)+n)
}

// Reserved returns the number of reserved but unsubmitted slots.
func (r *ProdRing[T]) Reserved() uint32 {
	return r.cachedProd - atomic.LoadUint32(r.producer)
}

// NeedWakeup reports whether the kernel asked to be kicked before it
// looks at this ring again (XDP_USE_NEED_WAKEUP).
func (r *ProdRing[T]) NeedWakeup() bool {
	return r.flags != nil && atomic.LoadUint32(r.flags)&xdpRingNeedWakeup != 0
}

// ConsRing is the consumer view of a ring: the Receive and Completion
// rings from userspace, or the Fill and Transmit rings from the kernel side.
type ConsRing[T any] struct {
	ring[T]

	// cachedCons is the next slot to peek; it runs ahead of the published
	// consumer cursor by the peeked, unreleased entries.
	cachedCons uint32
	// cachedProd is the last observed producer cursor.
	cachedProd uint32
}

// NewConsRing builds a consumer view over shared cursors and entries.
func NewConsRing[T any](producer, consumer, flags *uint32, entries []T) (*ConsRing[T], error) {
	r, err := makeRing(producer, consumer, flags, entries)
	if err != nil {
		return nil, err
	}
	return &ConsRing[T]{
		ring:       r,
		cachedCons: atomic.LoadUint32(consumer),
		cachedProd: atomic.LoadUint32(producer),
	}, nil
}

// Peek returns the index of the first of up to max available entries
// and their count, 0 if the ring is empty. Peeked entries stay owned by
// the consumer until Release.
func (r *ConsRing[T]) Peek(max uint32) (idx uint32, n uint32) {
	entries := r.cachedProd - r.cachedCons
	if entries == 0 {
		r.cachedProd = atomic.LoadUint32(r.producer)
		entries = r.cachedProd - r.cachedCons
	}
	n = min(entries, max)
	idx = r.cachedCons
	r.cachedCons += n
	return idx, n
}

// At returns the entry at a peeked index.
func (r *ConsRing[T]) At(idx uint32) T { return r.entries[idx&r.mask] }

// Release hands n peeked entries back to the producer.
func (r *ConsRing[T]) Release(n uint32) {
	atomic.StoreUint32(r.consumer, atomic.LoadUint32(r.consumer)+n)
}

// NeedWakeup reports whether the kernel set XDP_RING_NEED_WAKEUP.
func (r *ConsRing[T]) NeedWakeup() bool {
	return r.flags != nil && atomic.LoadUint32(r.flags)&xdpRingNeedWakeup != 0
}

// ringFromRegion overlays a ring on an mmapped region using the kernel's
// reported offsets.
func ringFromRegion[T any](region []byte, off xdp_ring_offset, size uint32) (
	producer, consumer, flags *uint32, entries []T, err error,
) {
	if len(region) == 0 {
		return nil, nil, nil, nil, ErrRingRegionEmpty
	}
	var zero T
	if uintptr(off.Desc)+uintptr(size)*unsafe.Sizeof(zero) > uintptr(len(region)) {
		return nil, nil, nil, nil, ErrRingRegionShort
	}
	base := unsafe.Pointer(&region[0])
	producer = (*uint32)(unsafe.Add(base, off.Producer))
	consumer = (*uint32)(unsafe.Add(base, off.Consumer))
	flags = (*uint32)(unsafe.Add(base, off.Flags))
	entries = unsafe.Slice((*T)(unsafe.Add(base, off.Desc)), size)
	return producer, consumer, flags, entries, nil
}
