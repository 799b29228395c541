//go:build unix

package api

import (
	"os"
	"syscall"
)

func pid() int { return os.Getpid() }

// openFDs counts this process's descriptors via /dev/fd, which Linux and
// the BSDs both provide.
func openFDs() int {
	entries, err := os.ReadDir("/dev/fd")
	if err != nil {
		return -1
	}
	// ReadDir itself holds one descriptor open on the directory.
	return len(entries) - 1
}

func fdLimit() int {
	var rl syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rl); err != nil {
		return -1
	}
	if rl.Cur > 1<<31-1 {
		return -1
	}
	return int(rl.Cur)
}
