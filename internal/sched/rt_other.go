//go:build !linux

package sched

// SetAffinity is not implemented on this platform.
func SetAffinity(cpus []int) error { return ErrUnsupported }

// Affinity is not implemented on this platform.
func Affinity() ([]int, error) { return nil, ErrUnsupported }

// SetPriority is not implemented on this platform.
func SetPriority(p Priority) error { return ErrUnsupported }
