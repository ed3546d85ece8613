// Package stats aggregates receive counters shared between a receive loop
// and the goroutines observing it.
package stats

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Stats is a mutex-guarded set of receive counters.
// The zero value is ready to use.
type Stats struct {
	mu sync.Mutex

	packets uint64
	bytes   uint64
	dropped uint64
	copies  uint64

	start time.Time
	end   time.Time

	now func() time.Time
}

// New returns a zeroed Stats.
func New() *Stats { return &Stats{} }

func (s *Stats) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

// Record accounts for one received packet of size bytes.
func (s *Stats) Record(size uint32) {
	s.mu.Lock()
	s.packets++
	s.bytes += uint64(size)
	s.mu.Unlock()
}

// RecordBatch accounts for a batch of packets totalling bytes.
func (s *Stats) RecordBatch(packets, bytes uint64) {
	if packets == 0 {
		return
	}
	s.mu.Lock()
	s.packets += packets
	s.bytes += bytes
	s.mu.Unlock()
}

// RecordDropped accounts for n packets the kernel dropped before delivery.
func (s *Stats) RecordDropped(n uint64) {
	s.mu.Lock()
	s.dropped += n
	s.mu.Unlock()
}

// RecordCopies accounts for n kernel-to-user payload copies.
func (s *Stats) RecordCopies(n uint64) {
	s.mu.Lock()
	s.copies += n
	s.mu.Unlock()
}

// Begin stamps the start of the measured interval.
func (s *Stats) Begin(t time.Time) {
	s.mu.Lock()
	s.start, s.end = t, time.Time{}
	s.mu.Unlock()
}

// End stamps the end of the measured interval.
func (s *Stats) End(t time.Time) {
	s.mu.Lock()
	s.end = t
	s.mu.Unlock()
}

// Reset zeroes all counters and timestamps.
func (s *Stats) Reset() {
	s.mu.Lock()
	s.packets, s.bytes, s.dropped, s.copies = 0, 0, 0, 0
	s.start, s.end = time.Time{}, time.Time{}
	s.mu.Unlock()
}

// Summary is a consistent point-in-time view of Stats.
type Summary struct {
	Packets uint64
	Bytes   uint64
	Dropped uint64
	Copies  uint64
	Elapsed time.Duration

	// PPS and BPS are zero when Elapsed is zero.
	PPS float64
	BPS float64
}

// Snapshot computes rates over the measured interval. While the interval
// is still open the elapsed time runs up to now.
func (s *Stats) Snapshot() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum := Summary{
		Packets: s.packets,
		Bytes:   s.bytes,
		Dropped: s.dropped,
		Copies:  s.copies,
	}
	if s.start.IsZero() {
		return sum
	}
	end := s.end
	if end.IsZero() {
		end = s.clock()
	}
	if end.After(s.start) {
		sum.Elapsed = end.Sub(s.start)
	}
	if sec := sum.Elapsed.Seconds(); sec > 0 {
		sum.PPS = float64(sum.Packets) / sec
		sum.BPS = float64(sum.Bytes) * 8 / sec
	}
	return sum
}

// MB returns received bytes in mebibytes.
func (s Summary) MB() float64 { return float64(s.Bytes) / (1024 * 1024) }

// Mbps returns the bit rate in megabits per second.
func (s Summary) Mbps() float64 { return s.BPS / 1e6 }

// CopiesPerPacket returns the average number of payload copies per packet.
func (s Summary) CopiesPerPacket() float64 {
	if s.Packets == 0 {
		return 0
	}
	return float64(s.Copies) / float64(s.Packets)
}

// Print writes the final report.
func (s Summary) Print(w io.Writer) error {
	p := message.NewPrinter(language.English)
	var err error
	printf := func(format string, a ...any) {
		if err == nil {
			_, err = p.Fprintf(w, format, a...)
		}
	}

	printf("\n========== Statistics ==========\n")
	printf(" Run time:            %.2f s\n", s.Elapsed.Seconds())
	printf(" Packets received:    %d\n", s.Packets)
	printf(" Bytes received:      %d (%.2f MB)\n", s.Bytes, s.MB())
	printf(" Packets dropped:     %d\n", s.Dropped)
	printf(" Packet rate:         %.2f PPS\n", s.PPS)
	printf(" Bit rate:            %.2f Mbps\n", s.Mbps())
	printf(" Memory copy count:   %d\n", s.Copies)
	if s.Packets > 0 {
		printf(" Avg copies/packet:   %.2f\n", s.CopiesPerPacket())
	}
	printf("================================\n")
	return err
}

// Monitor prints one progress line per interval until ctx is canceled.
func Monitor(ctx context.Context, s *Stats, w io.Writer, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()

	var (
		lastPackets uint64
		lastBytes   uint64
		maxPPS      float64
		maxMbps     float64
	)
	lastTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			elapsed := now.Sub(lastTime).Seconds()
			if elapsed <= 0 {
				continue
			}
			snap := s.Snapshot()

			pps := float64(snap.Packets-lastPackets) / elapsed
			mbps := float64((snap.Bytes-lastBytes)*8) / elapsed / 1e6
			maxPPS = max(maxPPS, pps)
			maxMbps = max(maxMbps, mbps)

			fmt.Fprintf(w,
				"total=%s (%s) | cur=%.0f pps %.2f Mbit/s | max=%.0f pps %.2f Mbit/s\n",
				humanize.Comma(int64(snap.Packets)), humanize.IBytes(snap.Bytes),
				pps, mbps, maxPPS, maxMbps,
			)

			lastPackets, lastBytes, lastTime = snap.Packets, snap.Bytes, now
		}
	}
}
