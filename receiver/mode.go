//go:build linux

package receiver

import (
	"fmt"
	"strings"
)

// Mode selects a capture strategy.
type Mode int

const (
	// ModeCopy receives through a raw packet socket, one copy per packet.
	ModeCopy Mode = iota
	// ModeZeroCopy receives through AF_XDP into a shared UMEM.
	ModeZeroCopy
	// ModeUserspaceDriver is a kernel-bypass driver. Not available.
	ModeUserspaceDriver
)

func (m Mode) String() string {
	switch m {
	case ModeCopy:
		return "socket"
	case ModeZeroCopy:
		return "af_xdp"
	case ModeUserspaceDriver:
		return "dpdk"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode accepts a mode name or one of its aliases, case-insensitively.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "socket", "copy":
		return ModeCopy, nil
	case "af_xdp", "afxdp", "xdp", "zerocopy":
		return ModeZeroCopy, nil
	case "dpdk", "userspace":
		return ModeUserspaceDriver, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *Mode) UnmarshalText(b []byte) error {
	v, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}
