//go:build linux

package receiver

// newDPDKBackend would bind a userspace poll-mode driver. No such driver
// is linked in, so construction always fails and nothing is acquired.
func newDPDKBackend() (Backend, error) {
	return nil, ErrUnsupportedMode
}
