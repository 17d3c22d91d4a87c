// Copyright (C) 2016  Arista Networks, Inc.
// Use of this source code is governed by the Apache License 2.0
// that can be found in the COPYING file.

package monotime

import (
	"time"
	_ "unsafe" // for go:linkname
)

//go:linkname nanotime runtime.nanotime
func nanotime() int64

// Now returns the current time in nanoseconds from a monotonic clock.
// The absolute value is meaningless and only comparable to other values
// returned by Now on the same machine.
func Now() uint64 {
	return uint64(nanotime())
}

// Since returns the amount of time elapsed since t, where t was obtained
// from a prior call to Now.
func Since(t uint64) time.Duration {
	return time.Duration(Now() - t)
}
