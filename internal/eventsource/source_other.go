//go:build !linux

package eventsource

import "errors"

// Open is unsupported outside Linux: the tracepoint ABI, the raw bpf(2)
// syscall, and the ring buffer mmap layout are all Linux-specific.
func Open(objPath string, ringBufSize uint32) (Source, error) {
	return nil, errors.New("eventsource: kernel syscall tracing is only supported on linux")
}
