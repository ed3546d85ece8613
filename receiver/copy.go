//go:build linux

package receiver

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"

	"github.com/romshark/rxbench/config"
	"github.com/romshark/rxbench/stats"
)

// socketBackend receives through a raw AF_PACKET socket. Every read
// copies one packet from kernel to user memory.
type socketBackend struct {
	stats *stats.Stats
	log   *zap.Logger

	fd      int
	ifindex int
	buf     []byte

	stopped atomic.Bool
}

func newSocketBackend(st *stats.Stats, log *zap.Logger) *socketBackend {
	return &socketBackend{stats: st, log: log, fd: -1}
}

// htons converts a short (uint16) from host-to-network byte order.
func htons(i uint16) uint16 {
	return (i<<8)&0xff00 | i>>8
}

func (b *socketBackend) Init(conf config.Config) (err error) {
	link, err := netlink.LinkByName(conf.Interface)
	if err != nil {
		return classifyInitErr(conf.Interface, "getting interface", err)
	}
	b.ifindex = link.Attrs().Index

	proto := htons(unix.ETH_P_ALL)
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(proto))
	if err != nil {
		return classifyInitErr(conf.Interface, "opening packet socket", err)
	}
	b.fd = fd
	defer func() {
		if err != nil {
			_ = b.Release()
		}
	}()

	if err := unix.Bind(fd, &unix.SockaddrLinklayer{
		Protocol: proto,
		Ifindex:  b.ifindex,
	}); err != nil {
		return classifyInitErr(conf.Interface, "binding packet socket", err)
	}

	tv := unix.NsecToTimeval(conf.Timeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		return classifyInitErr(conf.Interface, "setsockopt SO_RCVTIMEO", err)
	}

	if conf.Promiscuous {
		// The membership goes away with the socket.
		if err := unix.SetsockoptPacketMreq(fd, unix.SOL_PACKET, unix.PACKET_ADD_MEMBERSHIP,
			&unix.PacketMreq{
				Ifindex: int32(b.ifindex),
				Type:    unix.PACKET_MR_PROMISC,
			}); err != nil {
			return classifyInitErr(conf.Interface, "enabling promiscuous mode", err)
		}
	}

	if err := b.setSnaplen(conf.BufferSize); err != nil {
		return classifyInitErr(conf.Interface, "setting snaplen", err)
	}
	b.buf = make([]byte, conf.BufferSize)

	b.log.Info("packet socket ready",
		zap.String("iface", conf.Interface),
		zap.Int("ifindex", b.ifindex),
		zap.Uint32("snaplen", conf.BufferSize),
		zap.Duration("timeout", conf.Timeout))
	return nil
}

// setSnaplen attaches an accept-all filter that truncates every packet
// to snaplen bytes before it is queued on the socket.
func (b *socketBackend) setSnaplen(snaplen uint32) error {
	filter, err := bpf.Assemble([]bpf.Instruction{
		bpf.RetConstant{Val: snaplen},
	})
	if err != nil {
		return fmt.Errorf("assembling socket filter: %w", err)
	}
	p := unix.SockFprog{
		Len:    uint16(len(filter)),
		Filter: (*unix.SockFilter)(unsafe.Pointer(&filter[0])),
	}
	if err := unix.SetsockoptSockFprog(b.fd, unix.SOL_SOCKET, unix.SO_ATTACH_FILTER, &p); err != nil {
		return fmt.Errorf("attaching socket filter: %w", err)
	}
	return nil
}

func (b *socketBackend) Start(ctx context.Context) error {
	if b.fd < 0 {
		return ErrState
	}
	defer b.recordDrops()

	debug := b.log.Core().Enabled(zap.DebugLevel)
	for !b.stopped.Load() && ctx.Err() == nil {
		n, err := unix.Read(b.fd, b.buf)
		if err != nil {
			switch err {
			case unix.EAGAIN, unix.EINTR:
				// Receive timeout or signal; check for stop.
				continue
			}
			return fmt.Errorf("reading packet socket: %w", err)
		}
		b.stats.Record(uint32(n))
		b.stats.RecordCopies(1)
		if debug {
			b.log.Debug("packet received", zap.Int("len", n))
		}
	}
	return nil
}

func (b *socketBackend) recordDrops() {
	st, err := unix.GetsockoptTpacketStats(b.fd, unix.SOL_PACKET, unix.PACKET_STATISTICS)
	if err != nil {
		b.log.Warn("reading PACKET_STATISTICS", zap.Error(err))
		return
	}
	b.stats.RecordDropped(uint64(st.Drops))
}

func (b *socketBackend) Stop() error {
	b.stopped.Store(true)
	return nil
}

func (b *socketBackend) Release() error {
	if b.fd < 0 {
		return nil
	}
	fd := b.fd
	b.fd = -1
	b.buf = nil
	if err := unix.Close(fd); err != nil && !errors.Is(err, unix.EBADF) {
		return fmt.Errorf("closing packet socket: %w", err)
	}
	return nil
}
