//go:build linux

package eventsource

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"unsafe"
)

// ─── BPF syscall constants (from <linux/bpf.h>, never change) ─────────────

const (
	bpfCmdMapCreate uintptr = 0
	bpfCmdMapUpdateElem uintptr = 2
	bpfCmdMapLookupElem uintptr = 1
	bpfCmdMapGetNextKey uintptr = 4
	bpfCmdProgLoad  uintptr = 5

	bpfMapTypeHash    uint32 = 1
	bpfMapTypeRingBuf uint32 = 27

	bpfProgTypeTracepoint uint32 = 5

	bpfOpLdImm64 uint8 = 0x18
	bpfPseudoMapFD uint8 = 1

	bpfRingBufBusyBit    uint32 = 1 << 31
	bpfRingBufDiscardBit uint32 = 1 << 30
	bpfRingBufHdrSize    uint32 = 8

	bpfLogLevel uint32 = 1
)

const (
	perfTypeTracepoint uint32 = 1

	perfEventIOCEnable = 0x00002400
	perfEventIOCSetBPF = 0x40044408

	tracepointIDDir = "/sys/kernel/debug/tracing/events"
)

// mapName identifies the three maps the kernel-side program is expected to
// expose, per spec.md §3: the event ring buffer, the statistics hash, and
// the monitored-syscalls set that restricts full-argument emission.
const (
	mapNameEvents            = "events"
	mapNameStats             = "syscall_stats"
	mapNameMonitoredSyscalls = "monitored_syscalls"
)

func bpfSyscall(cmd uintptr, attr unsafe.Pointer, attrSize uintptr) (int, error) {
	fd, _, errno := syscall.RawSyscall(syscall.SYS_BPF, cmd, uintptr(attr), attrSize)
	if errno != 0 {
		return -1, errno
	}
	return int(fd), nil
}

func perfEventOpen(attr *perfEventAttr, pid, cpu, groupFD int) (int, error) {
	fd, _, errno := syscall.RawSyscall6(
		syscall.SYS_PERF_EVENT_OPEN,
		uintptr(unsafe.Pointer(attr)),
		uintptr(pid), uintptr(cpu), uintptr(groupFD),
		0, 0,
	)
	if errno != 0 {
		return -1, errno
	}
	return int(fd), nil
}

func ioctlFd(fd int, req uint, arg uintptr) error {
	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), uintptr(req), arg)
	if errno != 0 {
		return errno
	}
	return nil
}

type bpfMapCreateAttr struct {
	mapType    uint32
	keySize    uint32
	valueSize  uint32
	maxEntries uint32
	mapFlags   uint32
	_          [76]byte
}

type bpfMapElemAttr struct {
	mapFD uint32
	_     uint32
	key   uint64
	value uint64
	flags uint64
}

type bpfProgLoadAttr struct {
	progType           uint32
	insnCnt            uint32
	insns              uint64
	license            uint64
	logLevel           uint32
	logSize            uint32
	logBuf             uint64
	kernVersion        uint32
	progFlags          uint32
	progName           [16]byte
	progIfindex        uint32
	expectedAttachType uint32
	progBTFFd          uint32
	funcInfoRecSize    uint32
	funcInfo           uint64
	funcInfoCnt        uint32
	lineInfoRecSize    uint32
	lineInfo           uint64
	lineInfoCnt        uint32
	attachBTFId        uint32
	attachProgFd       uint32
}

type perfEventAttr struct {
	eventType  uint32
	size       uint32
	config     uint64
	sampleFreq uint64
	sampleType uint64
	readFormat uint64
	bits       uint64
	wakeupEventsOrWatermark uint32
	bpType                  uint32
	bpAddr                  uint64
	bpLen                   uint64
}

type bpfInsn struct {
	code uint8
	regs uint8
	off  int16
	imm  int32
}

// bpfMapSpec is a map definition parsed from the ELF maps section.
type bpfMapSpec struct {
	mapType    uint32
	keySize    uint32
	valueSize  uint32
	maxEntries uint32
}

type bpfRela struct {
	insnIdx uint64
	symName string
}

type bpfElf struct {
	license  string
	mapDefs  map[string]bpfMapSpec
	progs    map[string][]bpfInsn
	relaSecs map[string][]bpfRela
}

func parseBPFELF(r io.ReaderAt) (*bpfElf, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("parse ELF: %w", err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 {
		return nil, fmt.Errorf("expected 64-bit ELF, got %v", f.Class)
	}
	if f.ByteOrder != binary.LittleEndian {
		return nil, errors.New("BPF objects must be little-endian")
	}

	out := &bpfElf{
		mapDefs:  make(map[string]bpfMapSpec),
		progs:    make(map[string][]bpfInsn),
		relaSecs: make(map[string][]bpfRela),
	}

	syms, err := f.Symbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, fmt.Errorf("read symbol table: %w", err)
	}

	for _, sec := range f.Sections {
		switch {
		case sec.Name == "license":
			b, err := sec.Data()
			if err != nil {
				return nil, fmt.Errorf("read license: %w", err)
			}
			out.license = strings.TrimRight(string(b), "\x00")

		case sec.Name == ".maps" || sec.Name == "maps":
			if err := parseMapsSection(f, sec, syms, out); err != nil {
				return nil, err
			}

		case strings.HasPrefix(sec.Name, "tracepoint/"):
			insns, err := readBPFInsns(sec)
			if err != nil {
				return nil, fmt.Errorf("read program %q: %w", sec.Name, err)
			}
			out.progs[sec.Name] = insns

		case strings.HasPrefix(sec.Name, ".rel") && strings.Contains(sec.Name, "tracepoint/"):
			relas, err := readRelas(f, sec, syms)
			if err != nil {
				return nil, fmt.Errorf("read relocations for %q: %w", sec.Name, err)
			}
			progSec := strings.TrimPrefix(sec.Name, ".rel")
			out.relaSecs[progSec] = relas
		}
	}

	if len(out.progs) == 0 {
		return nil, errors.New("no tracepoint programs found in object")
	}
	return out, nil
}

func parseMapsSection(f *elf.File, sec *elf.Section, syms []elf.Symbol, out *bpfElf) error {
	data, err := sec.Data()
	if err != nil {
		return fmt.Errorf("read maps section: %w", err)
	}
	const entrySize = 16 // type, key_size, value_size, max_entries, u32 each
	for _, sym := range syms {
		if sym.Section != elf.SectionIndex(sectionIndexOf(f, sec)) {
			continue
		}
		off := sym.Value
		if off+entrySize > uint64(len(data)) {
			continue
		}
		spec := bpfMapSpec{
			mapType:    binary.LittleEndian.Uint32(data[off:]),
			keySize:    binary.LittleEndian.Uint32(data[off+4:]),
			valueSize:  binary.LittleEndian.Uint32(data[off+8:]),
			maxEntries: binary.LittleEndian.Uint32(data[off+12:]),
		}
		out.mapDefs[sym.Name] = spec
	}
	return nil
}

func sectionIndexOf(f *elf.File, target *elf.Section) int {
	for i, s := range f.Sections {
		if s == target {
			return i
		}
	}
	return -1
}

func readBPFInsns(sec *elf.Section) ([]bpfInsn, error) {
	data, err := sec.Data()
	if err != nil {
		return nil, err
	}
	const insnSize = 8
	if len(data)%insnSize != 0 {
		return nil, fmt.Errorf("program section size %d not a multiple of %d", len(data), insnSize)
	}
	out := make([]bpfInsn, 0, len(data)/insnSize)
	for i := 0; i < len(data); i += insnSize {
		out = append(out, bpfInsn{
			code: data[i],
			regs: data[i+1],
			off:  int16(binary.LittleEndian.Uint16(data[i+2:])),
			imm:  int32(binary.LittleEndian.Uint32(data[i+4:])),
		})
	}
	return out, nil
}

func readRelas(f *elf.File, sec *elf.Section, syms []elf.Symbol) ([]bpfRela, error) {
	data, err := sec.Data()
	if err != nil {
		return nil, err
	}
	const relaEntrySize = 24 // r_offset(8) + r_info(8) + r_addend(8)
	out := make([]bpfRela, 0, len(data)/relaEntrySize)
	for i := 0; i+relaEntrySize <= len(data); i += relaEntrySize {
		offset := binary.LittleEndian.Uint64(data[i:])
		info := binary.LittleEndian.Uint64(data[i+8:])
		symIdx := info >> 32
		if int(symIdx) >= len(syms) {
			continue
		}
		out = append(out, bpfRela{insnIdx: offset / 8, symName: syms[symIdx].Name})
	}
	return out, nil
}

// object holds everything needed to attach the kernel-side program and
// service the maps it exposes.
type object struct {
	eventsMapFD   int
	statsMapFD    int
	monitoredMapFD int

	progFD int

	statsKeySize   uint32
	statsValueSize uint32
}

func loadBPFObject(objPath string) (*object, error) {
	f, err := os.Open(objPath)
	if err != nil {
		return nil, fmt.Errorf("open bpf object %q: %w", objPath, err)
	}
	defer f.Close()

	parsed, err := parseBPFELF(f)
	if err != nil {
		return nil, err
	}

	mapFDs := make(map[string]int, len(parsed.mapDefs))
	for name, spec := range parsed.mapDefs {
		fd, err := createMap(name, spec)
		if err != nil {
			for _, openFD := range mapFDs {
				syscall.Close(openFD)
			}
			return nil, fmt.Errorf("create map %q: %w", name, err)
		}
		mapFDs[name] = fd
	}

	eventsFD, ok := mapFDs[mapNameEvents]
	if !ok {
		return nil, fmt.Errorf("bpf object missing required map %q", mapNameEvents)
	}
	statsFD, ok := mapFDs[mapNameStats]
	if !ok {
		return nil, fmt.Errorf("bpf object missing required map %q", mapNameStats)
	}
	monitoredFD := mapFDs[mapNameMonitoredSyscalls] // optional

	var progSection string
	var insns []bpfInsn
	for sec, i := range parsed.progs {
		progSection, insns = sec, i
		break
	}
	if insns == nil {
		return nil, errors.New("no program instructions found")
	}

	applyMapRelocations(insns, parsed.relaSecs[progSection], mapFDs)

	progFD, err := loadProgram(insns, parsed.license)
	if err != nil {
		return nil, fmt.Errorf("load program: %w", err)
	}

	statsSpec := parsed.mapDefs[mapNameStats]

	return &object{
		eventsMapFD:    eventsFD,
		statsMapFD:     statsFD,
		monitoredMapFD: monitoredFD,
		progFD:         progFD,
		statsKeySize:   statsSpec.keySize,
		statsValueSize: statsSpec.valueSize,
	}, nil
}

func createMap(name string, spec bpfMapSpec) (int, error) {
	attr := bpfMapCreateAttr{
		mapType:    spec.mapType,
		keySize:    spec.keySize,
		valueSize:  spec.valueSize,
		maxEntries: spec.maxEntries,
	}
	fd, err := bpfSyscall(bpfCmdMapCreate, unsafe.Pointer(&attr), unsafe.Sizeof(attr))
	if err != nil {
		return -1, fmt.Errorf("bpf(BPF_MAP_CREATE) for %q: %w", name, err)
	}
	return fd, nil
}

// applyMapRelocations patches LD_IMM64 instructions that reference a map
// symbol with that map's live file descriptor, per the BPF_PSEUDO_MAP_FD ABI.
func applyMapRelocations(insns []bpfInsn, relas []bpfRela, mapFDs map[string]int) {
	for _, rela := range relas {
		fd, ok := mapFDs[rela.symName]
		if !ok || int(rela.insnIdx) >= len(insns) {
			continue
		}
		insns[rela.insnIdx].regs = (insns[rela.insnIdx].regs & 0x0f) | (bpfPseudoMapFD << 4)
		insns[rela.insnIdx].imm = int32(fd)
	}
}

func loadProgram(insns []bpfInsn, license string) (int, error) {
	buf := make([]byte, len(insns)*8)
	for i, insn := range insns {
		buf[i*8] = insn.code
		buf[i*8+1] = insn.regs
		binary.LittleEndian.PutUint16(buf[i*8+2:], uint16(insn.off))
		binary.LittleEndian.PutUint32(buf[i*8+4:], uint32(insn.imm))
	}
	licenseBuf := append([]byte(license), 0)

	logBuf := make([]byte, 4096)

	var progName [16]byte
	copy(progName[:], shortProgName("sentinel_trace"))

	attr := bpfProgLoadAttr{
		progType:    bpfProgTypeTracepoint,
		insnCnt:     uint32(len(insns)),
		insns:       uint64(uintptr(unsafe.Pointer(&buf[0]))),
		license:     uint64(uintptr(unsafe.Pointer(&licenseBuf[0]))),
		logLevel:    bpfLogLevel,
		logSize:     uint32(len(logBuf)),
		logBuf:      uint64(uintptr(unsafe.Pointer(&logBuf[0]))),
		kernVersion: 0,
		progName:    progName,
	}

	fd, err := bpfSyscall(bpfCmdProgLoad, unsafe.Pointer(&attr), unsafe.Sizeof(attr))
	if err != nil {
		return -1, fmt.Errorf("bpf(BPF_PROG_LOAD): %w: %s", err, extractLog(logBuf))
	}
	runtime.KeepAlive(buf)
	runtime.KeepAlive(licenseBuf)
	return fd, nil
}

func shortProgName(name string) []byte {
	if len(name) > 15 {
		name = name[:15]
	}
	return []byte(name)
}

func extractLog(buf []byte) string {
	if idx := bytes.IndexByte(buf, 0); idx >= 0 {
		buf = buf[:idx]
	}
	return string(buf)
}

// attachTracepoint opens one perf event per CPU for the raw_syscalls/sys_enter
// tracepoint and attaches progFD to each.
func attachTracepoint(progFD int, category, name string) ([]int, error) {
	id, err := readTracepointID(category, name)
	if err != nil {
		return nil, err
	}

	numCPU := runtime.NumCPU()
	fds := make([]int, 0, numCPU)
	for cpu := 0; cpu < numCPU; cpu++ {
		attr := &perfEventAttr{
			eventType: perfTypeTracepoint,
			size:      uint32(unsafe.Sizeof(perfEventAttr{})),
			config:    id,
		}
		fd, err := perfEventOpen(attr, -1, cpu, -1)
		if err != nil {
			for _, f := range fds {
				syscall.Close(f)
			}
			return nil, fmt.Errorf("perf_event_open cpu %d: %w", cpu, err)
		}
		if err := ioctlFd(fd, perfEventIOCSetBPF, uintptr(progFD)); err != nil {
			syscall.Close(fd)
			for _, f := range fds {
				syscall.Close(f)
			}
			return nil, fmt.Errorf("PERF_EVENT_IOC_SET_BPF cpu %d: %w", cpu, err)
		}
		if err := ioctlFd(fd, perfEventIOCEnable, 0); err != nil {
			syscall.Close(fd)
			for _, f := range fds {
				syscall.Close(f)
			}
			return nil, fmt.Errorf("PERF_EVENT_IOC_ENABLE cpu %d: %w", cpu, err)
		}
		fds = append(fds, fd)
	}
	return fds, nil
}

func readTracepointID(category, name string) (uint64, error) {
	path := filepath.Join(tracepointIDDir, category, name, "id")
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read tracepoint id %q: %w", path, err)
	}
	id, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse tracepoint id %q: %w", path, err)
	}
	return id, nil
}
