//go:build !linux

package procinfo

import "errors"

// ReadPeerMemory has no cross-address-space read primitive on this
// platform, so it always fails closed.
func ReadPeerMemory(pid uint32, addr uint64, n int) ([]byte, error) {
	return nil, errors.New("procinfo: cross-address-space reads are unsupported on this platform")
}
