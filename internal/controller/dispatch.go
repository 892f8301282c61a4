package controller

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
	"syscall"
	"time"

	"github.com/tripwire/sentinel/internal/alert"
	"github.com/tripwire/sentinel/internal/eventsource"
	"github.com/tripwire/sentinel/internal/procinfo"
)

// Standard x86-64 Linux syscall numbers the Correlation Engine's dispatch
// needs to decode. Grimoire matches against the raw event directly and has
// its own copy of these in patterns_builtin.go; this package does not
// import that one since the two don't share a numbering representation.
const (
	nrRead    uint32 = 0
	nrWrite   uint32 = 1
	nrOpen    uint32 = 2
	nrClose   uint32 = 3
	nrSocket  uint32 = 41
	nrConnect uint32 = 42
	nrOpenat  uint32 = 257
)

// correlationSyscalls is the fixed set of syscalls the Correlation Engine's
// state machine needs observed, independent of whatever the Grimoire
// pattern database happens to reference.
var correlationSyscalls = []uint32{nrRead, nrWrite, nrOpen, nrClose, nrSocket, nrConnect, nrOpenat}

const maxPeekBytes = 4096

// afInet is the address family value of a struct sockaddr_in, per
// <sys/socket.h>.
const afInet = 2

// pendingOpen records an open()/openat() call whose eventual file
// descriptor is not known until a later syscall references it (see
// dispatchCorrelation's doc comment).
type pendingOpen struct {
	path        string
	timestampNs uint64
}

func nsToTime(ns uint64) time.Time {
	return time.Unix(0, int64(ns))
}

// dispatchCorrelation decodes one raw syscall event into the Correlation
// Engine's semantic calls and returns the single alert produced, if any.
//
// The kernel-side tracepoint this daemon attaches to is raw_syscalls/sys_enter
// (see eventsource/source_linux.go): every record captures a syscall's
// arguments at entry, never its return value. Two pieces of information the
// engine's state machine would ideally key on are therefore not directly
// observable from evt.Args:
//
//   - the file descriptor a socket()/open()/openat() call is about to
//     return. For sockets, this dispatcher sidesteps the problem entirely:
//     connect(fd, addr, len) carries the real fd as its own first argument,
//     so OnSocket and OnConnect are both raised at connect time using that
//     value, rather than at the preceding socket() call. For opens, the fd
//     is genuinely unknowable until a later syscall uses it; the dispatcher
//     holds the path in pendingOpens and raises OnOpen lazily, on the pid's
//     next read(), using the read's fd and the open's original timestamp so
//     the engine's timing math is unaffected by the deferral.
//   - the number of bytes a read()/write() actually transferred. The
//     requested length (the buffer-size argument) is used instead, which is
//     the only byte count an entry-only tracepoint can provide.
func (c *Controller) dispatchCorrelation(evt eventsource.SyscallEvent) *alert.Alert {
	pid := evt.PID
	now := nsToTime(evt.TimestampNs)

	switch evt.SyscallNr {
	case nrConnect:
		fd := int(evt.Args[0])
		ip, port, ok := decodeSockaddrIn(pid, evt.Args[1])
		if !ok {
			return nil
		}
		c.correlation.OnSocket(pid, now, fd)
		c.correlation.OnConnect(pid, now, fd, ip, port)
		return nil

	case nrOpen:
		path, ok := readPeerCString(pid, evt.Args[0])
		if ok {
			c.pendingOpens[pid] = pendingOpen{path: path, timestampNs: evt.TimestampNs}
		}
		return nil

	case nrOpenat:
		path, ok := readPeerCString(pid, evt.Args[1])
		if ok {
			c.pendingOpens[pid] = pendingOpen{path: path, timestampNs: evt.TimestampNs}
		}
		return nil

	case nrRead:
		fd := int(evt.Args[0])
		count := int(evt.Args[2])

		var warn *alert.Alert
		if pending, ok := c.pendingOpens[pid]; ok {
			delete(c.pendingOpens, pid)
			warn = c.correlation.OnOpen(pid, nsToTime(pending.timestampNs), fd, pending.path)
		}
		c.correlation.OnRead(pid, now, fd, count)
		return warn

	case nrWrite:
		fd := int(evt.Args[0])
		count := int(evt.Args[2])
		a := c.correlation.OnWrite(pid, now, fd, count)
		if a != nil && c.correlation.AutoTerminate() {
			if err := syscall.Kill(int(pid), syscall.SIGKILL); err != nil {
				c.logger.Warn("controller: auto_terminate kill failed",
					slog.Uint64("pid", uint64(pid)), slog.Any("error", err))
			}
		}
		return a

	case nrClose:
		fd := int(evt.Args[0])
		c.correlation.OnClose(pid, now, fd)
		return nil
	}

	return nil
}

// readPeerCString reads up to maxPeekBytes from pid at addr and trims it at
// the first NUL byte. ok is false if the memory could not be read at all.
func readPeerCString(pid uint32, addr uint64) (string, bool) {
	raw, err := procinfo.ReadPeerMemory(pid, addr, maxPeekBytes)
	if err != nil {
		return "", false
	}
	if idx := bytes.IndexByte(raw, 0); idx >= 0 {
		raw = raw[:idx]
	}
	return string(raw), true
}

// decodeSockaddrIn reads a struct sockaddr_in from pid's memory at addr and
// extracts its dotted-quad address and port. ok is false if the memory
// could not be read or the family is not AF_INET — IPv6 sockets are not
// scored by the Correlation Engine, matching spec's IPv4-only private-range
// table.
func decodeSockaddrIn(pid uint32, addr uint64) (ip string, port uint16, ok bool) {
	raw, err := procinfo.ReadPeerMemory(pid, addr, 16)
	if err != nil || len(raw) < 8 {
		return "", 0, false
	}
	family := binary.LittleEndian.Uint16(raw[0:2])
	if family != afInet {
		return "", 0, false
	}
	port = binary.BigEndian.Uint16(raw[2:4])
	ip = fmt.Sprintf("%d.%d.%d.%d", raw[4], raw[5], raw[6], raw[7])
	return ip, port, true
}
