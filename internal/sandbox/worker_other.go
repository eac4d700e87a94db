//go:build !linux

package sandbox

// applyResourceLimits is a no-op on non-Linux platforms. The host still
// enforces the wall-clock timeout and kills overrunning workers.
func applyResourceLimits() {}

// cpuTimeMillis returns 0 where rusage is unavailable; the host falls
// back to approximating CPU time with wall time.
func cpuTimeMillis() int64 { return 0 }
