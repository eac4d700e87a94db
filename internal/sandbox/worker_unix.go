//go:build linux

package sandbox

import (
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// applyResourceLimits sets OS-level resource constraints on Linux. The
// heap cap arrives via GOMEMLIMIT, which the runtime enforces itself; an
// RLIMIT_AS cap would count the runtime's virtual address-space
// reservations and kill the worker before it could serve anything.
func applyResourceLimits() {
	if cpuStr := os.Getenv("SANDBOX_CPU_SEC"); cpuStr != "" {
		if cpuSec, err := strconv.ParseInt(cpuStr, 10, 64); err == nil && cpuSec > 0 {
			rl := unix.Rlimit{Cur: uint64(cpuSec), Max: uint64(cpuSec)}
			unix.Setrlimit(unix.RLIMIT_CPU, &rl)
		}
	}

	// No child processes, no file creation.
	zero := unix.Rlimit{Cur: 0, Max: 0}
	unix.Setrlimit(unix.RLIMIT_NPROC, &zero)
	unix.Setrlimit(unix.RLIMIT_FSIZE, &zero)
}

// cpuTimeMillis returns the process's consumed CPU time (user + system).
func cpuTimeMillis() int64 {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return 0
	}
	user := ru.Utime.Sec*1000 + ru.Utime.Usec/1000
	sys := ru.Stime.Sec*1000 + ru.Stime.Usec/1000
	return user + sys
}
