//go:build linux

package afxdp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUMEMGeometry(t *testing.T) {
	_, err := newHeapUMEM(0, 2048)
	assert.ErrorIs(t, err, ErrNumFramesTooSmall)
	_, err = newHeapUMEM(16, 1000)
	assert.ErrorIs(t, err, ErrFrameSize)
	_, err = newHeapUMEM(16, 1024)
	assert.ErrorIs(t, err, ErrFrameSize)

	u, err := newHeapUMEM(16, 4096)
	require.NoError(t, err)
	assert.Len(t, u.Bytes(), 16*4096)
	assert.Equal(t, uint32(16), u.FreeFrames())
	assert.Equal(t, uint64(3*4096), u.FrameAddr(3))
	assert.Equal(t, uint32(3), u.FrameIndex(3*4096+100))
	assert.Equal(t, uint64(3*4096), u.FrameBase(3*4096+256))
}

func TestUMEMAllocFree(t *testing.T) {
	u, err := newHeapUMEM(4, 2048)
	require.NoError(t, err)

	var got []uint64
	for {
		addr, ok := u.Alloc()
		if !ok {
			break
		}
		got = append(got, addr)
	}
	assert.Equal(t, []uint64{0, 2048, 4096, 6144}, got)
	assert.Zero(t, u.FreeFrames())

	require.NoError(t, u.Free(4096))
	assert.ErrorIs(t, u.Free(4096), ErrFrameDoubleFree)
	assert.ErrorIs(t, u.Free(4096+64), ErrFrameMisaligned)
	assert.ErrorIs(t, u.Free(4*2048), ErrFrameOutOfRange)
	assert.Equal(t, uint32(1), u.FreeFrames())

	addr, ok := u.Alloc()
	require.True(t, ok)
	assert.Equal(t, uint64(4096), addr)
}

func TestUMEMFrame(t *testing.T) {
	u, err := newHeapUMEM(2, 2048)
	require.NoError(t, err)

	b, err := u.Frame(2048+256, 100)
	require.NoError(t, err)
	assert.Len(t, b, 100)

	// Writes through the view land in the arena: no copy is made.
	b[0] = 0xAB
	assert.Equal(t, byte(0xAB), u.Bytes()[2048+256])

	_, err = u.Frame(2048+2000, 100)
	assert.ErrorIs(t, err, ErrFrameOutOfRange, "crosses the frame end")
	_, err = u.Frame(4096, 1)
	assert.ErrorIs(t, err, ErrFrameOutOfRange)

	require.NoError(t, u.Close())
	require.NoError(t, u.Close())
	_, err = u.Frame(0, 1)
	assert.ErrorIs(t, err, ErrUMEMClosed)
	assert.False(t, u.Valid(0))
}

func TestUMEMMapped(t *testing.T) {
	u, err := NewUMEM(8, 2048)
	require.NoError(t, err)
	assert.Len(t, u.Bytes(), 8*2048)
	u.Bytes()[8*2048-1] = 1
	require.NoError(t, u.Close())
}
