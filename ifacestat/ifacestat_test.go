package ifacestat

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"
)

func fakeLinks(t *testing.T, links map[string]*netlink.LinkStatistics) {
	t.Helper()
	orig := linkStatistics
	t.Cleanup(func() { linkStatistics = orig })
	linkStatistics = func(name string) (*netlink.LinkStatistics, error) {
		ls, ok := links[name]
		if !ok {
			return nil, errors.New("Link not found")
		}
		return ls, nil
	}
}

func TestSnapshotSince(t *testing.T) {
	eth0 := &netlink.LinkStatistics{RxPackets: 100, RxBytes: 6400, RxDropped: 1, TxPackets: 7}
	fakeLinks(t, map[string]*netlink.LinkStatistics{"eth0": eth0})

	before, err := Snapshot([]string{"eth0"})
	require.NoError(t, err)
	assert.Equal(t, IfaceStats{
		RxPackets: 100, RxBytes: 6400, RxDropped: 1, RxMissed: 0,
		TxPackets: 7, TxBytes: 0,
	}, before["eth0"])

	eth0.RxPackets, eth0.RxBytes, eth0.RxMissedErrors = 1100, 70400, 3

	after, err := Snapshot([]string{"eth0"}, RxPackets, RxBytes, RxMissed)
	require.NoError(t, err)
	assert.Len(t, after["eth0"], 3)

	diff := after.Since(before)
	assert.Equal(t, uint64(1000), diff["eth0"][RxPackets])
	assert.Equal(t, uint64(64000), diff["eth0"][RxBytes])
	assert.Equal(t, uint64(3), diff["eth0"][RxMissed])
}

func TestSnapshotMissingLink(t *testing.T) {
	fakeLinks(t, nil)
	_, err := Snapshot([]string{"nope0"})
	assert.ErrorContains(t, err, "reading nope0")
}

func TestPrint(t *testing.T) {
	s := Stats{
		"eth1": {RxPackets: 5, RxBytes: 320},
		"eth0": {RxPackets: 1500000, RxBytes: 96000000, RxDropped: 2, TxPackets: 1},
	}
	var buf bytes.Buffer
	require.NoError(t, Print(&buf, s, map[string]string{"eth0": "capture"}))

	out := buf.String()
	assert.Contains(t, out, "eth0 (capture):\n")
	assert.Contains(t, out, "eth1 :\n")
	assert.Contains(t, out, "96,000,000")
	assert.Contains(t, out, "96 MB")
	assert.Contains(t, out, "dropped=2 missed=0")
	assert.Less(t, bytes.Index(buf.Bytes(), []byte("eth0")), bytes.Index(buf.Bytes(), []byte("eth1")))
}

func TestCounterString(t *testing.T) {
	for _, c := range AllCounters {
		assert.NotEmpty(t, c.String())
	}
	assert.Empty(t, Counter(99).String())
}
