//go:build linux

package receiver

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/romshark/rxbench/afxdp"
	"github.com/romshark/rxbench/config"
	"github.com/romshark/rxbench/stats"
)

// xdpBackend receives through an AF_XDP socket on one RX queue.
type xdpBackend struct {
	stats *stats.Stats
	log   *zap.Logger

	iface  *afxdp.Interface
	sock   *afxdp.Socket
	engine *afxdp.Engine
}

func newXDPBackend(st *stats.Stats, log *zap.Logger) *xdpBackend {
	return &xdpBackend{stats: st, log: log}
}

func (b *xdpBackend) Init(conf config.Config) (err error) {
	defer func() {
		if err != nil {
			if rerr := b.Release(); rerr != nil {
				b.log.Warn("releasing after failed init", zap.Error(rerr))
			}
		}
	}()

	b.iface, err = afxdp.MakeInterface(conf.Interface, afxdp.InterfaceConfig{
		PreferZerocopy: conf.XDP.PreferZerocopy,
		Promiscuous:    conf.Promiscuous,
	}, b.log)
	if err != nil {
		return classifyInitErr(conf.Interface, "preparing interface", err)
	}

	b.sock, err = b.iface.Open(afxdp.SocketConfig{
		QueueID:     conf.XDP.Queue,
		NumFrames:   conf.XDP.NumFrames,
		FrameSize:   conf.XDP.FrameSize,
		FillSize:    conf.XDP.FillSize,
		RxSize:      conf.XDP.RxSize,
		BatchSize:   conf.XDP.BatchSize,
		WaitTimeout: conf.Timeout,
	})
	if err != nil {
		return classifyInitErr(conf.Interface, "opening AF_XDP socket", err)
	}

	b.engine = afxdp.NewEngine(b.sock, b.stats, b.log)
	if err := b.engine.Prime(); err != nil {
		return fmt.Errorf("%w: %w", ErrResource, err)
	}

	sc := b.sock.Config()
	b.log.Info("AF_XDP socket ready",
		zap.Uint32("queue", sc.QueueID),
		zap.Bool("zerocopy", b.sock.IsZerocopy()),
		zap.Bool("driver_mode", b.iface.DriverMode()),
		zap.Uint32("frames", sc.NumFrames),
		zap.Uint32("frame_size", sc.FrameSize),
		zap.Uint32("batch", sc.BatchSize))
	if !b.sock.IsZerocopy() {
		b.log.Warn("queue does not support XDP_ZEROCOPY, the kernel copies into the UMEM")
	}
	return nil
}

func (b *xdpBackend) Start(ctx context.Context) error {
	if b.engine == nil {
		return ErrState
	}
	return b.engine.Run(ctx)
}

func (b *xdpBackend) Stop() error {
	if b.engine != nil {
		b.engine.Stop()
	}
	return nil
}

func (b *xdpBackend) Release() error {
	var errs []error
	if b.sock != nil {
		if err := b.sock.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing socket: %w", err))
		}
		b.sock, b.engine = nil, nil
	}
	if b.iface != nil {
		if err := b.iface.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing interface: %w", err))
		}
		b.iface = nil
	}
	return errors.Join(errs...)
}
