// Package hwdetect classifies the host into a capacity tier at startup and
// derives a Sizing (a warm-tier capacity and a scrape batch) from it.
// cmd/sentineld logs that Sizing when hw_autoscale is set; no component is
// sized from it, since the Grimoire has no warm tier and the scrape tick
// does not read ScrapeBatch. It never influences
// hot-tier correctness or the hot tier's fixed per-pid memory budget — those
// are governed by spec-mandated constants regardless of tier.
//
// Implemented on the standard library only: classifying a host by CPU count
// and memory is routine sizing logic, not a concern any library in the
// retrieval pack addresses (see DESIGN.md).
package hwdetect

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// Tier is a coarse classification of host capacity.
type Tier string

const (
	TierLow      Tier = "low"
	TierStandard Tier = "standard"
	TierHigh     Tier = "high"
)

// Sizing is the set of capacity-dependent parameters derived from Tier.
type Sizing struct {
	Tier Tier

	// WarmTierCapacity is the maximum number of patterns the Grimoire's
	// optional warm tier may hold.
	WarmTierCapacity int

	// ScrapeBatch bounds how many pids the 1Hz scrape tick processes per
	// invocation before yielding back to the ring-buffer poll.
	ScrapeBatch int
}

const (
	lowCPUThreshold  = 2
	highCPUThreshold = 8

	lowMemThresholdKiB  = 2 * 1024 * 1024  // 2 GiB
	highMemThresholdKiB = 16 * 1024 * 1024 // 16 GiB
)

// Detect classifies the current host and returns its Sizing. It never
// returns an error: when /proc/meminfo is unreadable (non-Linux, or a
// restricted container), memory is treated as unknown and classification
// falls back to CPU count alone.
func Detect() Sizing {
	cpus := runtime.NumCPU()
	memKiB, haveMem := readMemTotalKiB()

	tier := classify(cpus, memKiB, haveMem)
	return sizingForTier(tier)
}

func classify(cpus int, memKiB int64, haveMem bool) Tier {
	cpuTier := TierStandard
	switch {
	case cpus <= lowCPUThreshold:
		cpuTier = TierLow
	case cpus >= highCPUThreshold:
		cpuTier = TierHigh
	}

	if !haveMem {
		return cpuTier
	}

	memTier := TierStandard
	switch {
	case memKiB <= lowMemThresholdKiB:
		memTier = TierLow
	case memKiB >= highMemThresholdKiB:
		memTier = TierHigh
	}

	// The lower of the two classifications governs: a high-CPU, low-memory
	// box is still memory-constrained.
	return minTier(cpuTier, memTier)
}

func minTier(a, b Tier) Tier {
	rank := map[Tier]int{TierLow: 0, TierStandard: 1, TierHigh: 2}
	if rank[a] <= rank[b] {
		return a
	}
	return b
}

func sizingForTier(t Tier) Sizing {
	switch t {
	case TierLow:
		return Sizing{Tier: t, WarmTierCapacity: 256, ScrapeBatch: 64}
	case TierHigh:
		return Sizing{Tier: t, WarmTierCapacity: 4096, ScrapeBatch: 1024}
	default:
		return Sizing{Tier: TierStandard, WarmTierCapacity: 1024, ScrapeBatch: 256}
	}
}

// readMemTotalKiB parses the MemTotal field of /proc/meminfo. It returns
// haveMem=false rather than an error when the file or field is absent, so
// Detect can fall back to CPU-only classification on non-Linux hosts.
func readMemTotalKiB() (kib int64, haveMem bool) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0, false
		}
		v, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0, false
		}
		return v, true
	}
	return 0, false
}

func (s Sizing) String() string {
	return fmt.Sprintf("tier=%s warm_tier_capacity=%d scrape_batch=%d", s.Tier, s.WarmTierCapacity, s.ScrapeBatch)
}
