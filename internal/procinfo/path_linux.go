//go:build linux

package procinfo

import "strconv"

func procExePath(pid uint32) string {
	return "/proc/" + strconv.FormatUint(uint64(pid), 10) + "/exe"
}
