//go:build linux

package afxdp

import (
	"errors"
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/rlimit"
	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
)

const (
	// xdpMDRxQueueIndex is offsetof(struct xdp_md, rx_queue_index).
	xdpMDRxQueueIndex = 16
	// xdpPass is returned for queues without a registered socket.
	xdpPass = 2
)

// InterfaceConfig controls how AF_XDP is attached to a network interface.
type InterfaceConfig struct {
	PreferZerocopy bool
	// Promiscuous puts the link into promiscuous mode for the lifetime
	// of the Interface.
	Promiscuous bool
}

// Interface represents a NIC with an XDP program attached for AF_XDP use.
// It owns the XDP program and the xsks_map and can create AF_XDP sockets
// bound to individual hardware queues.
type Interface struct {
	ifaceName      string
	ifaceIndex     int
	numQueues      uint32
	preferZerocopy bool
	driverMode     bool

	nl         netlink.Link
	setPromisc bool
	log        *zap.Logger
	link       link.Link
	prog       *ebpf.Program
	xsks       *ebpf.Map
}

// MakeInterface attaches the XDP program to the given interface name
// and returns an Interface handle that can open AF_XDP sockets on its queues.
// The XDP program is attached once per Interface.
func MakeInterface(iface string, conf InterfaceConfig, log *zap.Logger) (_ *Interface, err error) {
	if log == nil {
		log = zap.NewNop()
	}
	nl, err := netlink.LinkByName(iface)
	if err != nil {
		return nil, fmt.Errorf("getting interface: %w", err)
	}
	attrs := nl.Attrs()

	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("removing memlock limit: %w", err)
	}

	i := &Interface{
		ifaceName:      iface,
		ifaceIndex:     attrs.Index,
		numQueues:      uint32(max(attrs.NumRxQueues, 1)),
		preferZerocopy: conf.PreferZerocopy,
		nl:             nl,
		log:            log.With(zap.String("iface", iface)),
	}
	defer func() {
		if err != nil {
			_ = i.Close()
		}
	}()

	if err := i.attachXDP(); err != nil {
		return nil, fmt.Errorf("attaching XDP program: %w", err)
	}

	if conf.Promiscuous && attrs.Promisc == 0 {
		if err := netlink.SetPromiscOn(nl); err != nil {
			return nil, fmt.Errorf("enabling promiscuous mode: %w", err)
		}
		i.setPromisc = true
	}

	i.log.Debug("XDP program attached",
		zap.Int("ifindex", i.ifaceIndex),
		zap.Uint32("rx_queues", i.numQueues),
		zap.Bool("driver_mode", i.driverMode))
	return i, nil
}

// Name returns the interface name.
func (i *Interface) Name() string { return i.ifaceName }

// Index returns the interface index.
func (i *Interface) Index() int { return i.ifaceIndex }

// NumQueues returns the number of RX queues sockets can bind to.
func (i *Interface) NumQueues() uint32 { return i.numQueues }

// DriverMode reports whether the program runs in native driver mode
// rather than generic (SKB) mode.
func (i *Interface) DriverMode() bool { return i.driverMode }

// Close detaches the XDP program from the interface and frees the underlying
// eBPF resources owned by this Interface. It does not close any Socket instances;
// those must be closed separately before closing the Interface.
func (i *Interface) Close() error {
	var errs []error
	if i.link != nil {
		if err := i.link.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing XDP link: %w", err))
		}
		i.link = nil
	}
	if i.prog != nil {
		if err := i.prog.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing XDP program: %w", err))
		}
		i.prog = nil
	}
	if i.xsks != nil {
		if err := i.xsks.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing xsks_map: %w", err))
		}
		i.xsks = nil
	}
	if i.setPromisc {
		if err := netlink.SetPromiscOff(i.nl); err != nil {
			errs = append(errs, fmt.Errorf("restoring promiscuous mode: %w", err))
		}
		i.setPromisc = false
	}
	return errors.Join(errs...)
}

// classifierSpec redirects every frame to the socket registered for its
// RX queue, and passes it up the stack when there is none.
func classifierSpec(xsks *ebpf.Map) *ebpf.ProgramSpec {
	return &ebpf.ProgramSpec{
		Name:    "xdp_sock_prog",
		Type:    ebpf.XDP,
		License: "GPL",
		Instructions: asm.Instructions{
			// r2 = ctx->rx_queue_index
			asm.LoadMem(asm.R2, asm.R1, xdpMDRxQueueIndex, asm.Word),
			asm.LoadMapPtr(asm.R1, xsks.FD()),
			// r3 = XDP_PASS, the action when the map slot is empty
			asm.Mov.Imm(asm.R3, xdpPass),
			asm.FnRedirectMap.Call(),
			asm.Return(),
		},
	}
}

// attachXDP loads the classifier and attaches it to the interface.
// When zerocopy is preferred, driver mode is tried first.
func (i *Interface) attachXDP() error {
	xsks, err := ebpf.NewMap(&ebpf.MapSpec{
		Name:       "xsks_map",
		Type:       ebpf.XSKMap,
		KeySize:    4,
		ValueSize:  4,
		MaxEntries: i.numQueues,
	})
	if err != nil {
		return fmt.Errorf("creating xsks_map: %w", err)
	}
	i.xsks = xsks

	prog, err := ebpf.NewProgram(classifierSpec(xsks))
	if err != nil {
		return fmt.Errorf("loading XDP program: %w", err)
	}
	i.prog = prog

	opts := link.XDPOptions{
		Program:   prog,
		Interface: i.ifaceIndex,
	}
	if i.preferZerocopy {
		// Request driver-mode XDP for zerocopy.
		opts.Flags = link.XDPDriverMode
		l, err := link.AttachXDP(opts)
		if err == nil {
			i.link, i.driverMode = l, true
			return nil
		}
		i.log.Warn("driver mode XDP unavailable, falling back to generic mode", zap.Error(err))
	}

	opts.Flags = link.XDPGenericMode
	l, err := link.AttachXDP(opts)
	if err != nil {
		return fmt.Errorf("attaching XDP: %w", err)
	}
	i.link = l
	return nil
}

// registerXSK registers the socket FD in the xsks_map for the given queue.
// This allows the XDP program to redirect packets to the correct AF_XDP socket.
func (i *Interface) registerXSK(fd int, queue uint32) error {
	if i.xsks == nil {
		return ErrInterfaceClosed
	}
	return i.xsks.Update(queue, uint32(fd), ebpf.UpdateAny)
}

func (i *Interface) unregisterXSK(queue uint32) error {
	if i.xsks == nil {
		// Closing the map already dropped every entry.
		return nil
	}
	return i.xsks.Delete(queue)
}
