//go:build linux

package sched

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// maxCPUs is CPU_SETSIZE.
const maxCPUs = 1024

// SetAffinity pins the calling OS thread to cpus. Callers should hold the
// thread with runtime.LockOSThread.
func SetAffinity(cpus []int) error {
	var set unix.CPUSet
	set.Zero()
	for _, c := range cpus {
		if c < 0 || c >= maxCPUs {
			return fmt.Errorf("sched: cpu %d out of range", c)
		}
		set.Set(c)
	}
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("sched_setaffinity: %w", err)
	}
	return nil
}

// Affinity returns the CPU set of the calling OS thread.
func Affinity() ([]int, error) {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return nil, fmt.Errorf("sched_getaffinity: %w", err)
	}
	var out []int
	for c := 0; c < maxCPUs; c++ {
		if set.IsSet(c) {
			out = append(out, c)
		}
	}
	return out, nil
}

// SetPriority moves the calling OS thread to SCHED_RR at p's level, or
// back to SCHED_OTHER for PriorityNone. Raising priority normally needs
// CAP_SYS_NICE.
func SetPriority(p Priority) error {
	attr := unix.SchedAttr{Size: unix.SizeofSchedAttr}
	if p == PriorityNone {
		attr.Policy = unix.SCHED_NORMAL
	} else {
		attr.Policy = unix.SCHED_RR
		attr.Priority = uint32(p.Level())
	}
	if err := unix.SchedSetAttr(0, &attr, 0); err != nil {
		return fmt.Errorf("sched_setattr: %w", err)
	}
	return nil
}
