// Copyright (c) 2024 Arista Networks, Inc.
// Use of this source code is governed by the Apache License 2.0
// that can be found in the COPYING file.

package xhash

import (
	"math/bits"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/aristanetworks/xhash/key"
	"github.com/aristanetworks/xhash/logger"
)

// directoryView is an immutable snapshot of the routing table: once
// published via directory.view.Store, its segments slice is never
// mutated in place. A split that needs to repoint slots builds a fresh
// slice and publishes a fresh view, so a reader holding a pointer to an
// older view never observes a torn update.
type directoryView struct {
	segments    []*segment
	globalDepth uint8
	version     uint64 // bumped on every publish, for DebugString/metrics snapshots
	depthCount  int    // number of live segments, for metrics
}

// directory routes a hash to its owning segment, per spec.md section 4.3:
// segments[hash >> (64 - globalDepth)]. A split either republishes a
// segment's slots in place (new_local_depth <= globalDepth) or doubles
// the directory (new_local_depth > globalDepth), following the
// pointer-swing-on-grow idiom hash.Map's hashGrow() uses for its own bucket
// array, generalized here from a 2x-only doubling to an arbitrary power
// of two.
type directory struct {
	hasher  key.Hasher
	log     logger.Logger
	metrics *metrics
	reclaim *reclaimer

	// writeMu is the single-writer directory lock of spec.md section 4.3
	// step 4: only one goroutine at a time may publish a split or double
	// the directory. Readers never take it; they load view without any
	// lock and tolerate a segment pointer going stale mid-retry (the
	// retry loop re-resolves it via errStaleSegment).
	writeMu sync.Mutex

	view atomic.Pointer[directoryView]
}

func newDirectory(hasher key.Hasher, log logger.Logger, m *metrics, initialCapacity int) *directory {
	if initialCapacity == 0 {
		initialCapacity = 1
	}
	if bits.OnesCount(uint(initialCapacity)) != 1 {
		log.Fatalf("xhash: InitialCapacity %d is not a power of two", initialCapacity)
	}
	globalDepth := uint8(bits.TrailingZeros(uint(initialCapacity)))

	segments := make([]*segment, initialCapacity)
	for i := range segments {
		segments[i] = newSegment(globalDepth, uint64(i))
	}

	d := &directory{
		hasher:  hasher,
		log:     log,
		metrics: m,
		reclaim: newReclaimer(),
	}
	d.view.Store(&directoryView{
		segments:    segments,
		globalDepth: globalDepth,
		depthCount:  initialCapacity,
	})
	return d
}

// route returns the segment currently responsible for hash, without
// taking any lock: it loads the current published view and indexes into
// its (immutable) segments slice directly, per spec.md section 5's
// lock-free read path.
func (d *directory) route(hash uint64) *segment {
	v := d.view.Load()
	idx := hash >> (64 - v.globalDepth)
	return v.segments[idx]
}

// splitBackoff paces the retries insert/get/delete make after
// errLockFailed or errStaleSegment, i.e. while another goroutine holds a
// bucket lock or is mid-split: short, jittered, capped, per the
// retry-on-contention idiom backoff/v4 is built for. A retry after
// errSegmentFull follows the split directly, without a pause.
func splitBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Microsecond
	b.MaxInterval = 2 * time.Millisecond
	b.MaxElapsedTime = 0 // caller bounds retries by count, not elapsed time
	return b
}

// insert resolves hash to a segment and inserts, growing the directory
// and splitting the segment as many times as needed when it is full.
func (d *directory) insert(k key.Key, v []byte, hash uint64) (placementKind, error) {
	id := d.reclaim.pin()
	defer d.reclaim.unpin(id)

	boff := splitBackoff()
	for attempt := 0; attempt < 64; attempt++ {
		seg := d.route(hash)
		metaHash := metaHashOf(hash)
		kind, err := seg.insert(k, v, hash, metaHash)
		switch err {
		case nil, ErrDuplicateKey:
			return kind, err
		case errLockFailed, errStaleSegment:
			// errStaleSegment means a split moved hash's range to a
			// sibling between routing and locking; re-routing picks up
			// the sibling once the directory has been published.
			time.Sleep(boff.NextBackOff())
			continue
		case errSegmentFull:
			if splitErr := d.growAndSplit(seg, hash); splitErr != nil {
				return 0, splitErr
			}
			continue
		default:
			return 0, err
		}
	}
	return 0, errLockFailed
}

// get resolves hash to a segment and looks up k, re-routing and retrying
// when the segment it lands on turns out to have been split out from
// under it (see segment.lookup's final pattern check).
func (d *directory) get(k key.Key, hash uint64) ([]byte, error) {
	id := d.reclaim.pin()
	defer d.reclaim.unpin(id)

	boff := splitBackoff()
	for attempt := 0; attempt < 64; attempt++ {
		seg := d.route(hash)
		val, err := seg.lookup(k, hash, metaHashOf(hash))
		if err == errStaleSegment {
			time.Sleep(boff.NextBackOff())
			continue
		}
		return val, err
	}
	return nil, errLockFailed
}

func (d *directory) delete(k key.Key, hash uint64) error {
	id := d.reclaim.pin()
	defer d.reclaim.unpin(id)

	boff := splitBackoff()
	for attempt := 0; attempt < 64; attempt++ {
		seg := d.route(hash)
		err := seg.delete(k, hash, metaHashOf(hash))
		if err == errLockFailed || err == errStaleSegment {
			time.Sleep(boff.NextBackOff())
			continue
		}
		return err
	}
	return errLockFailed
}

// growAndSplit runs spec.md section 4.3's SegmentFull handler: lock every
// bucket of the full segment, re-resolve the directory entry in case
// another writer already split it out from under the caller, split it,
// then publish the sibling either in place or behind a directory
// doubling, all under the single-writer directory lock.
func (d *directory) growAndSplit(fullSeg *segment, hash uint64) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	// Another writer may have already split this exact segment while we
	// waited for writeMu; re-resolving and comparing pointers avoids a
	// redundant, or worse double, split.
	current := d.route(hash)
	if current != fullSeg {
		return nil
	}

	fullSeg.lockAll()
	fullSeg.stateMu.Lock()
	fullSeg.state = segmentSplitting
	fullSeg.stateMu.Unlock()

	sibling, err := fullSeg.split(d.hasher)
	if err != nil {
		fullSeg.unlockAll()
		// split only ever fails with errSplitInternal, an invariant
		// violation (the source segment was unique-checked on every key
		// before splitting began). There is no safe way to continue
		// serving writes against a segment whose split was left
		// half-done, so this aborts rather than returning the error to
		// the caller per spec.md section 7's error handling table.
		d.log.Fatalf("xhash: segment split failed, local depth %d: %v", fullSeg.depth(), err)
		return err
	}
	fullSeg.unlockAll()

	d.metrics.observeSplit()
	d.publish(fullSeg, sibling)
	return nil
}

// publish installs sibling into the directory next to fullSeg, doubling
// the directory first if sibling's local depth exceeds the current
// global depth. Called only while holding writeMu, so it is the single
// writer of d.view; it always builds a fresh segments slice rather than
// mutating the previously published one in place, so a reader that
// loaded the old view through route() never observes a torn update.
func (d *directory) publish(fullSeg, sibling *segment) {
	cur := d.view.Load()
	newLocalDepth := sibling.depth()

	var next *directoryView
	if newLocalDepth <= cur.globalDepth {
		// In-place republication: every directory slot whose pattern
		// matches sibling's now points at sibling instead of fullSeg.
		segs := make([]*segment, len(cur.segments))
		copy(segs, cur.segments)
		for i := range segs {
			if segs[i] != fullSeg {
				continue
			}
			slotPattern := uint64(i) >> (uint(cur.globalDepth) - uint(newLocalDepth))
			if slotPattern == sibling.pattern {
				segs[i] = sibling
			}
		}
		next = &directoryView{
			segments:    segs,
			globalDepth: cur.globalDepth,
			version:     cur.version + 1,
			depthCount:  cur.depthCount + 1,
		}
		d.log.Infof("xhash: segment split in place, new local depth %d, global depth %d", newLocalDepth, cur.globalDepth)
	} else {
		// Directory doubling: every existing slot fans out into two,
		// both initially pointing at the old segment; then the slots
		// matching sibling's pattern are repointed. This generalizes
		// hash.Map's hashGrow() pointer swing from "always 2x" to "grow
		// until newLocalDepth bits fit".
		globalDepth := cur.globalDepth
		segs := cur.segments
		for globalDepth < newLocalDepth {
			old := segs
			grown := make([]*segment, len(old)*2)
			for i, seg := range old {
				grown[2*i] = seg
				grown[2*i+1] = seg
			}
			segs = grown
			globalDepth++
			d.metrics.observeDoubling()
		}
		shift := uint(globalDepth) - uint(newLocalDepth)
		for i := range segs {
			if segs[i] != fullSeg {
				continue
			}
			if uint64(i)>>shift == sibling.pattern {
				segs[i] = sibling
			}
		}
		next = &directoryView{
			segments:    segs,
			globalDepth: globalDepth,
			version:     cur.version + 1,
			depthCount:  cur.depthCount + 1,
		}
		d.log.Infof("xhash: directory doubled to global depth %d", globalDepth)
	}

	d.view.Store(next)
	// cur is unreachable for routing the instant next is published, but
	// a reader that already loaded it via route() may still be
	// mid-lookup against its segments slice; retire lets that reader
	// finish before it is dropped.
	old := cur
	d.reclaim.retire(func() { old = nil })
}

// depth returns the current global depth and live segment count.
func (d *directory) depth() (uint8, int) {
	v := d.view.Load()
	return v.globalDepth, v.depthCount
}

// snapshot returns the current segment list and global depth for
// DebugString/metrics. Since a published view's segments slice is never
// mutated in place, the caller can walk it directly without a copy.
func (d *directory) snapshot() ([]*segment, uint8, uint64) {
	v := d.view.Load()
	return v.segments, v.globalDepth, v.version
}
