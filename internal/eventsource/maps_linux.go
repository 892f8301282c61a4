//go:build linux

package eventsource

import (
	"encoding/binary"
	"fmt"
	"unsafe"
)

// statsKey mirrors the kernel-side map key: (pid, syscall_nr).
type statsKey struct {
	pid       uint32
	syscallNr uint32
}

func mapLookup(mapFD int, key, value []byte) (bool, error) {
	attr := bpfMapElemAttr{
		mapFD: uint32(mapFD),
		key:   uint64(uintptr(unsafe.Pointer(&key[0]))),
		value: uint64(uintptr(unsafe.Pointer(&value[0]))),
	}
	_, err := bpfSyscall(bpfCmdMapLookupElem, unsafe.Pointer(&attr), unsafe.Sizeof(attr))
	if err != nil {
		return false, err
	}
	return true, nil
}

func mapGetNextKey(mapFD int, key []byte, nextKey []byte) (bool, error) {
	var attr bpfMapElemAttr
	attr.mapFD = uint32(mapFD)
	if key != nil {
		attr.key = uint64(uintptr(unsafe.Pointer(&key[0])))
	}
	attr.value = uint64(uintptr(unsafe.Pointer(&nextKey[0]))) // next_key reuses the value field slot in this ABI variant

	_, err := bpfSyscall(bpfCmdMapGetNextKey, unsafe.Pointer(&attr), unsafe.Sizeof(attr))
	if err != nil {
		return false, err // ENOENT signals end-of-iteration; caller checks errno
	}
	return true, nil
}

func mapUpdateElem(mapFD int, key, value []byte) error {
	attr := bpfMapElemAttr{
		mapFD: uint32(mapFD),
		key:   uint64(uintptr(unsafe.Pointer(&key[0]))),
		value: uint64(uintptr(unsafe.Pointer(&value[0]))),
	}
	_, err := bpfSyscall(bpfCmdMapUpdateElem, unsafe.Pointer(&attr), unsafe.Sizeof(attr))
	return err
}

// scrapeStatsMap walks the entire syscall_stats hash map via repeated
// BPF_MAP_GET_NEXT_KEY/BPF_MAP_LOOKUP_ELEM calls.
func scrapeStatsMap(mapFD int) ([]StatsSample, error) {
	var samples []StatsSample

	key := make([]byte, 8) // statsKey is 8 bytes: pid(4) + syscall_nr(4)
	haveKey := false

	for {
		nextKey := make([]byte, 8)
		var cur []byte
		if haveKey {
			cur = key
		}
		ok, err := mapGetNextKey(mapFD, cur, nextKey)
		if !ok {
			if err != nil {
				break // ENOENT: end of map
			}
			break
		}

		value := make([]byte, 8)
		if found, _ := mapLookup(mapFD, nextKey, value); found {
			samples = append(samples, StatsSample{
				PID:       binary.LittleEndian.Uint32(nextKey[0:4]),
				SyscallNr: binary.LittleEndian.Uint32(nextKey[4:8]),
				Count:     binary.LittleEndian.Uint64(value),
			})
		}

		key = nextKey
		haveKey = true
	}

	return samples, nil
}

// setMonitoredSyscalls writes a present(=1) entry for each of nrs into the
// monitored_syscalls set, restricting which syscalls the kernel-side
// program emits full argument records for.
func setMonitoredSyscalls(mapFD int, nrs []uint32) error {
	if mapFD <= 0 {
		return fmt.Errorf("monitored_syscalls map not present in bpf object")
	}
	one := make([]byte, 4)
	binary.LittleEndian.PutUint32(one, 1)

	for _, nr := range nrs {
		key := make([]byte, 4)
		binary.LittleEndian.PutUint32(key, nr)
		if err := mapUpdateElem(mapFD, key, one); err != nil {
			return fmt.Errorf("update monitored_syscalls for nr %d: %w", nr, err)
		}
	}
	return nil
}

// decodeSyscallEvent parses one ring-buffer payload into a SyscallEvent. The
// wire layout is {timestamp_ns u64, pid u32, syscall_nr u32, args[6]u64},
// matching the kernel-side event struct described in spec.md §3.
func decodeSyscallEvent(payload []byte) (SyscallEvent, error) {
	const wantLen = 8 + 4 + 4 + 6*8
	if len(payload) < wantLen {
		return SyscallEvent{}, fmt.Errorf("eventsource: short event record (%d bytes, want %d)", len(payload), wantLen)
	}
	var evt SyscallEvent
	evt.TimestampNs = binary.LittleEndian.Uint64(payload[0:8])
	evt.PID = binary.LittleEndian.Uint32(payload[8:12])
	evt.SyscallNr = binary.LittleEndian.Uint32(payload[12:16])
	for i := 0; i < 6; i++ {
		off := 16 + i*8
		evt.Args[i] = binary.LittleEndian.Uint64(payload[off : off+8])
	}
	return evt, nil
}
