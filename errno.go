package kmock

import "golang.org/x/sys/unix"

// Shim entry points report modeled kernel failures the way the real primitives do: zero or positive
// for success, a negated errno for failure. Graceful failures flow back to the driver under test
// through these values so its error-handling branches stay reachable; Go errors are reserved for
// harness-facing calls and internal faults.

func errno(e unix.Errno) int {
	return -int(e)
}

// Errno recovers the errno from a negative shim return value, 0 for success values. Harness-facing.
func Errno(ret int) unix.Errno {
	if ret >= 0 {
		return 0
	}
	return unix.Errno(-ret)
}
