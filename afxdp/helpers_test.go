//go:build linux

package afxdp

// sharedRing is Go-allocated memory laid out like one mmapped AF_XDP ring.
// It lets both views of a ring live in the same process.
type sharedRing[T any] struct {
	producer uint32
	_        [60]byte // keep the cursors on separate cache lines
	consumer uint32
	_        [60]byte
	flags    uint32
	entries  []T
}

func newSharedRing[T any](size uint32) *sharedRing[T] {
	return &sharedRing[T]{entries: make([]T, size)}
}

func (s *sharedRing[T]) prod() (*ProdRing[T], error) {
	return NewProdRing(&s.producer, &s.consumer, &s.flags, s.entries)
}

func (s *sharedRing[T]) cons() (*ConsRing[T], error) {
	return NewConsRing(&s.producer, &s.consumer, &s.flags, s.entries)
}

// newHeapUMEM backs the arena with Go memory, for use without a kernel.
func newHeapUMEM(numFrames, frameSize uint32) (*UMEM, error) {
	if err := checkFrameGeometry(numFrames, frameSize); err != nil {
		return nil, err
	}
	buf := make([]byte, int(numFrames)*int(frameSize))
	return makeUMEM(buf, numFrames, frameSize, nil), nil
}
