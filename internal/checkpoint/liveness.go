package checkpoint

import (
	"github.com/shirou/gopsutil/v3/process"
)

// SystemLiveness reports whether a PID refers to a live process, using the
// OS process table. Errors are treated as "not alive" so a failed lookup
// classifies the owning job as crashed rather than still running.
func SystemLiveness(pid int) bool {
	if pid <= 0 {
		return false
	}
	alive, err := process.PidExists(int32(pid))
	if err != nil {
		return false
	}
	return alive
}
