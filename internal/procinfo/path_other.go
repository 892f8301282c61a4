//go:build !linux

package procinfo

// procExePath has no /proc equivalent on this platform; returning an
// unreadable path makes resolveBasename fail closed rather than guess.
func procExePath(pid uint32) string {
	return ""
}
