// Package ifacestat snapshots NIC counters through netlink so a run can
// be compared against what the interface itself saw.
package ifacestat

import (
	"fmt"
	"io"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/vishvananda/netlink"
)

type Counter int

const (
	RxPackets Counter = iota
	RxBytes
	RxDropped
	RxMissed
	TxPackets
	TxBytes
)

// AllCounters lists every counter Snapshot can read.
var AllCounters = []Counter{RxPackets, RxBytes, RxDropped, RxMissed, TxPackets, TxBytes}

func (c Counter) String() string {
	switch c {
	case RxPackets:
		return "rx_packets"
	case RxBytes:
		return "rx_bytes"
	case RxDropped:
		return "rx_dropped"
	case RxMissed:
		return "rx_missed_errors"
	case TxPackets:
		return "tx_packets"
	case TxBytes:
		return "tx_bytes"
	}
	return ""
}

func (c Counter) from(ls *netlink.LinkStatistics) uint64 {
	switch c {
	case RxPackets:
		return ls.RxPackets
	case RxBytes:
		return ls.RxBytes
	case RxDropped:
		return ls.RxDropped
	case RxMissed:
		return ls.RxMissedErrors
	case TxPackets:
		return ls.TxPackets
	case TxBytes:
		return ls.TxBytes
	}
	return 0
}

// Per-interface values.
type IfaceStats map[Counter]uint64

// Multi-interface stats.
type Stats map[string]IfaceStats

// linkStatistics is swapped out in tests.
var linkStatistics = func(name string) (*netlink.LinkStatistics, error) {
	l, err := netlink.LinkByName(name)
	if err != nil {
		return nil, err
	}
	if l.Attrs().Statistics == nil {
		return &netlink.LinkStatistics{}, nil
	}
	return l.Attrs().Statistics, nil
}

// Snapshot reads the given counters of all interfaces.
// Without counters it reads AllCounters.
func Snapshot(ifaces []string, counters ...Counter) (Stats, error) {
	if len(counters) == 0 {
		counters = AllCounters
	}
	s := make(Stats, len(ifaces))
	for _, iface := range ifaces {
		ls, err := linkStatistics(iface)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", iface, err)
		}
		vals := make(IfaceStats, len(counters))
		for _, c := range counters {
			vals[c] = c.from(ls)
		}
		s[iface] = vals
	}
	return s, nil
}

// Since computes s(now) - old.
func (s Stats) Since(old Stats) Stats {
	out := make(Stats)
	for ifc, now := range s {
		prev := old[ifc]
		diff := make(IfaceStats, len(now))
		for ctr, v := range now {
			diff[ctr] = v - prev[ctr]
		}
		out[ifc] = diff
	}
	return out
}

func Print(w io.Writer, s Stats, aliases map[string]string) error {
	ifaces := make([]string, 0, len(s))
	for iface := range s {
		ifaces = append(ifaces, iface)
	}
	slices.Sort(ifaces)

	for _, iface := range ifaces {
		stats := s[iface]

		rxPkts := stats[RxPackets]
		rxBytes := stats[RxBytes]
		txPkts := stats[TxPackets]
		txBytes := stats[TxBytes]

		var err error
		if alias, ok := aliases[iface]; ok {
			_, err = fmt.Fprintf(w, "%s (%s):\n", iface, alias)
		} else {
			_, err = fmt.Fprintf(w, "%s :\n", iface)
		}
		if err != nil {
			return err
		}

		if _, err := fmt.Fprintf(w, "  RX   %-12d  ≈ %-8s (%s)  dropped=%d missed=%d\n",
			rxPkts, humanize.Bytes(rxBytes), humanize.Comma(int64(rxBytes)),
			stats[RxDropped], stats[RxMissed],
		); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "  TX   %-12d  ≈ %-8s (%s)\n",
			txPkts, humanize.Bytes(txBytes), humanize.Comma(int64(txBytes)),
		); err != nil {
			return err
		}
	}

	return nil
}
