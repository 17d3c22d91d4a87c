// Copyright (c) 2024 Arista Networks, Inc.
// Use of this source code is governed by the Apache License 2.0
// that can be found in the COPYING file.

package xhash

import "errors"

// Errors surfaced to callers, per the error handling design: DuplicateKey
// and NotFound are ordinary results, not exceptional conditions, but are
// expressed as errors; on success the internal insert path reports the
// placement path (target/neighbor/next/prev/stash) alongside a nil error,
// which Insert records in its metrics.
var (
	// ErrDuplicateKey is returned by Insert when the key already exists.
	ErrDuplicateKey = errors.New("xhash: duplicate key")
	// ErrNotFound is returned by Get and Delete when the key is absent.
	ErrNotFound = errors.New("xhash: key not found")
	// ErrClosed is returned by any operation on an index after Shutdown.
	ErrClosed = errors.New("xhash: index is shut down")
)

// Internal error kinds; not returned from the public Index API, except
// errLockFailed, which Insert, Get and Delete return once 64 consecutive
// attempts have failed on lock contention or a stale segment.
// errLockFailed and errBucketFull/errSegmentFull drive retries at the
// segment and directory layer respectively. errSplitInternal is fatal:
// it indicates an invariant violation during split and halts writes.
// errStaleSegment signals that the segment a caller routed to no longer
// owns hash's pattern because a split completed underneath it; the
// directory layer re-routes and retries, the mechanism spec.md section
// 4.2 calls out as the defense against a reader or writer observing a
// split in progress.
var (
	errLockFailed    = errors.New("xhash: could not acquire bucket lock")
	errBucketFull    = errors.New("xhash: bucket is full")
	errSegmentFull   = errors.New("xhash: segment is full")
	errSplitInternal = errors.New("xhash: invariant violated during segment split")
	errStaleSegment  = errors.New("xhash: segment no longer owns this hash's pattern")
)
