// Copyright (c) 2024 Arista Networks, Inc.
// Use of this source code is governed by the Apache License 2.0
// that can be found in the COPYING file.

package xhash

import (
	"math/bits"
	"sync"

	"github.com/aristanetworks/xhash/key"
)

// Per spec.md section 3 ("Segment"): 64 primary buckets routed by the
// mid-hash bits, plus 2 stash buckets shared by the whole segment,
// confirmed against original_source/table.rs's K_NUM_BUCKET/K_STASH_BUCKET.
const (
	numPrimaryBuckets = 64
	numStashBuckets   = 2
	bucketIndexBits   = 6 // log2(numPrimaryBuckets)
	fingerBits        = 8 // low bits of the hash consumed as meta_hash
)

// placementKind classifies where an insert landed, for the per-path
// counters spec.md section 8 scenario 1 calls out by name.
type placementKind int

const (
	placementTarget placementKind = iota
	placementNeighbor
	placementNextDisplace
	placementPrevDisplace
	placementStash
)

func (p placementKind) String() string {
	switch p {
	case placementTarget:
		return "target"
	case placementNeighbor:
		return "neighbor"
	case placementNextDisplace:
		return "next"
	case placementPrevDisplace:
		return "prev"
	case placementStash:
		return "stash"
	default:
		return "unknown"
	}
}

type segmentState int

const (
	segmentNormal segmentState = iota
	segmentSplitting
	// segmentMerging is never entered: segment merge is a spec Non-goal
	// (split-only index), kept for parity with the state machine the
	// design is grounded on.
	segmentMerging
	segmentNew
)

// segment is a group of numPrimaryBuckets primary buckets plus
// numStashBuckets stash buckets responsible for every key whose hash's
// top localDepth bits equal pattern.
type segment struct {
	buckets [numPrimaryBuckets]bucket
	stash   [numStashBuckets]bucket

	// stateMu guards localDepth/pattern/state, which are otherwise only
	// read (never concurrently written outside of split, which already
	// holds every primary bucket's lock). It exists so DebugString and
	// metrics can take a consistent snapshot without acquiring all 64
	// bucket locks.
	stateMu    sync.Mutex
	localDepth uint8
	pattern    uint64
	state      segmentState
}

func newSegment(localDepth uint8, pattern uint64) *segment {
	return &segment{localDepth: localDepth, pattern: pattern}
}

func (s *segment) depth() uint8 {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.localDepth
}

// patternMatches reports whether hash still belongs to this segment,
// i.e. whether a split has not moved its owning range to a sibling out
// from under a caller that routed here before the split completed. Per
// spec.md section 4.1's directory.route definition, hash belongs to a
// segment iff hash's top localDepth bits equal pattern.
func (s *segment) patternMatches(hash uint64) bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return hash>>(64-s.localDepth) == s.pattern
}

func bucketIndex(hash uint64) int {
	return int((hash >> fingerBits) & (numPrimaryBuckets - 1))
}

func metaHashOf(hash uint64) uint8 {
	return uint8(hash)
}

// lockAll acquires every primary bucket's lock in ascending index order,
// the order segment split requires.
func (s *segment) lockAll() {
	for i := range s.buckets {
		s.buckets[i].lock.Lock()
	}
}

func (s *segment) unlockAll() {
	for i := range s.buckets {
		s.buckets[i].lock.Unlock()
	}
}

// stashAcquire is a small helper bundling the lazily-locked stash state
// shared by insert and delete: stash buckets are only locked when an
// operation actually needs to read or write them, always after T and N,
// in ascending stash index order — a fixed order that, combined with
// insert/delete never holding two segments' locks at once, rules out
// deadlock.
type stashAcquire struct {
	seg    *segment
	locked [numStashBuckets]bool
}

func (sa *stashAcquire) ensure() []*bucket {
	ptrs := make([]*bucket, numStashBuckets)
	for i := range sa.seg.stash {
		if !sa.locked[i] {
			sa.seg.stash[i].lock.Lock()
			sa.locked[i] = true
		}
		ptrs[i] = &sa.seg.stash[i]
	}
	return ptrs
}

func (sa *stashAcquire) release() {
	for i := range sa.locked {
		if sa.locked[i] {
			sa.seg.stash[i].lock.Unlock()
			sa.locked[i] = false
		}
	}
}

// insert runs the balanced-insert algorithm of spec.md section 4.2:
// unique check, then (if both target and neighbor are full) next-
// displace, prev-displace, stash fallback, or SegmentFull.
func (s *segment) insert(k key.Key, v []byte, hash uint64, metaHash uint8) (placementKind, error) {
	bix := bucketIndex(hash)
	nbix := (bix + 1) % numPrimaryBuckets
	T := &s.buckets[bix]
	N := &s.buckets[nbix]

	T.lock.Lock()
	// A split can run to completion while this call was blocked
	// acquiring T's lock (split takes every bucket lock in lockAll
	// before narrowing localDepth/pattern and releasing them). Checked
	// here, before N is even touched, because once T is held no split
	// can proceed until this insert finishes: the check result cannot
	// go stale for the remainder of the call.
	if !s.patternMatches(hash) {
		T.lock.Unlock()
		return 0, errStaleSegment
	}
	if !N.lock.TryLock() {
		T.lock.Unlock()
		return 0, errLockFailed
	}

	sa := stashAcquire{seg: s}
	unlock := func() {
		sa.release()
		N.lock.Unlock()
		T.lock.Unlock()
	}

	var stashPtrs []*bucket
	if T.testStashCheck() || N.testStashCheck() {
		stashPtrs = sa.ensure()
	}
	if !T.uniqueCheck(metaHash, k, N, stashPtrs) {
		unlock()
		return 0, ErrDuplicateKey
	}

	if T.full() && N.full() {
		if idx, ok := N.findOrgDisplacement(); ok {
			next := &s.buckets[(bix+2)%numPrimaryBuckets]
			if next.lock.TryLock() {
				moved := N.pairs[idx]
				mh := N.fingerArray[idx]
				if _, err := next.insert(moved.key, moved.value, mh, true); err == nil {
					N.clearSlot(idx)
					N.pairs[idx] = pairSlot{}
					N.fingerArray[idx] = 0
					N.insertAt(idx, k, v, metaHash, true)
					next.lock.Unlock()
					unlock()
					return placementNextDisplace, nil
				}
				next.lock.Unlock()
			}
		}
		if idx, ok := T.findProbeDisplacement(); ok {
			prev := &s.buckets[(bix+numPrimaryBuckets-1)%numPrimaryBuckets]
			if prev.lock.TryLock() {
				moved := T.pairs[idx]
				mh := T.fingerArray[idx]
				if _, err := prev.insert(moved.key, moved.value, mh, false); err == nil {
					T.clearSlot(idx)
					T.pairs[idx] = pairSlot{}
					T.fingerArray[idx] = 0
					T.insertAt(idx, k, v, metaHash, false)
					prev.lock.Unlock()
					unlock()
					return placementPrevDisplace, nil
				}
				prev.lock.Unlock()
			}
		}
		stashPtrs = sa.ensure()
		for i, st := range stashPtrs {
			if !st.full() {
				st.insert(k, v, metaHash, false)
				T.setIndicator(metaHash, N, uint8(i))
				unlock()
				return placementStash, nil
			}
		}
		unlock()
		return 0, errSegmentFull
	}

	if T.count() <= N.count() {
		_, _ = T.insert(k, v, metaHash, false)
		unlock()
		return placementTarget, nil
	}
	_, _ = N.insert(k, v, metaHash, true)
	unlock()
	return placementNeighbor, nil
}

// insertForSplit is insert's sibling for redistributing keys during a
// split: it skips uniqueCheck (the source segment already guaranteed
// uniqueness for every live key, and split only ever moves a key it has
// not yet placed in the sibling), per spec.md section 9's Open Question
// decision. It locks one bucket at a time, except on the stash path,
// which holds the stash bucket, T and N together while recording the
// overflow indicator.
func (s *segment) insertForSplit(k key.Key, v []byte, hash uint64, metaHash uint8) (placementKind, error) {
	bix := bucketIndex(hash)
	nbix := (bix + 1) % numPrimaryBuckets
	T := &s.buckets[bix]
	N := &s.buckets[nbix]

	T.lock.Lock()
	if !T.full() {
		_, _ = T.insert(k, v, metaHash, false)
		T.lock.Unlock()
		return placementTarget, nil
	}
	T.lock.Unlock()

	N.lock.Lock()
	if !N.full() {
		_, _ = N.insert(k, v, metaHash, true)
		N.lock.Unlock()
		return placementNeighbor, nil
	}
	N.lock.Unlock()

	for i := range s.stash {
		st := &s.stash[i]
		st.lock.Lock()
		if !st.full() {
			st.insert(k, v, metaHash, false)
			T.lock.Lock()
			N.lock.Lock()
			T.setIndicator(metaHash, N, uint8(i))
			N.lock.Unlock()
			T.lock.Unlock()
			st.lock.Unlock()
			return placementStash, nil
		}
		st.lock.Unlock()
	}
	return 0, errSplitInternal
}

// lookup runs spec.md section 4.2's lookup algorithm: check target, then
// neighbor, then (only if either bucket's stash-check hint fired) every
// stash bucket in order.
func (s *segment) lookup(k key.Key, hash uint64, metaHash uint8) ([]byte, error) {
	bix := bucketIndex(hash)
	T := &s.buckets[bix]
	N := &s.buckets[(bix+1)%numPrimaryBuckets]

	var needStash bool
	for {
		val, found, hint, retry := T.checkAndGet(metaHash, k, false)
		if retry {
			continue
		}
		if found {
			return val, nil
		}
		needStash = hint
		break
	}
	for {
		val, found, hint, retry := N.checkAndGet(metaHash, k, true)
		if retry {
			continue
		}
		if found {
			return val, nil
		}
		needStash = needStash || hint
		break
	}
	if needStash {
		for i := range s.stash {
			for {
				val, found, _, retry := s.stash[i].checkAndGet(metaHash, k, false)
				if retry {
					continue
				}
				if found {
					return val, nil
				}
				break
			}
		}
	}
	// A miss is ambiguous: the key may simply be absent, or a split
	// that started after this call began may have already moved it to
	// a sibling segment. Re-checking the pattern here (rather than
	// before the scan) catches both a segment that was already stale
	// and one that became stale mid-lookup, since lookup never holds a
	// bucket lock across the whole call the way insert/delete do.
	if !s.patternMatches(hash) {
		return nil, errStaleSegment
	}
	return nil, ErrNotFound
}

// delete runs a lock-probe-delete over target, neighbor, then every
// stash bucket, clearing the origin/neighbor overflow indicator when the
// deleted entry lived in the stash.
func (s *segment) delete(k key.Key, hash uint64, metaHash uint8) error {
	bix := bucketIndex(hash)
	T := &s.buckets[bix]
	N := &s.buckets[(bix+1)%numPrimaryBuckets]

	T.lock.Lock()
	if !N.lock.TryLock() {
		T.lock.Unlock()
		return errLockFailed
	}
	defer func() {
		N.lock.Unlock()
		T.lock.Unlock()
	}()

	if T.delete(metaHash, k, false) {
		return nil
	}
	if N.delete(metaHash, k, true) {
		return nil
	}
	if !T.testStashCheck() && !N.testStashCheck() {
		// Same ambiguity as lookup's final miss: the key may be absent,
		// or it may already have been relocated to a sibling by a split
		// that raced this delete to T/N's locks.
		if !s.patternMatches(hash) {
			return errStaleSegment
		}
		return ErrNotFound
	}
	for i := range s.stash {
		st := &s.stash[i]
		st.lock.Lock()
		ok := st.delete(metaHash, k, false)
		st.lock.Unlock()
		if ok {
			T.unsetIndicator(metaHash, N, uint8(i))
			return nil
		}
	}
	if !s.patternMatches(hash) {
		return errStaleSegment
	}
	return ErrNotFound
}

// split carves this segment's live pairs into a new sibling. The caller
// must already hold every primary bucket lock of s (state == Splitting)
// per spec.md section 4.2's split algorithm.
func (s *segment) split(hasher key.Hasher) (*segment, error) {
	s.stateMu.Lock()
	newDepth := s.localDepth + 1
	oldPattern := s.pattern
	s.stateMu.Unlock()

	sibling := newSegment(newDepth, (oldPattern<<1)|1)

	var toClear [numPrimaryBuckets]uint32 // bitmask of cleared primary slots per bucket

	for bi := range s.buckets {
		b := &s.buckets[bi]
		alloc := b.allocBitmap()
		for alloc != 0 {
			si := bits.TrailingZeros32(alloc)
			alloc &^= 1 << uint(si)
			pair := b.pairs[si]
			h := hasher(pair.key)
			if (h >> (64 - newDepth)) != sibling.pattern {
				continue
			}
			mh := b.fingerArray[si]
			if _, err := sibling.insertForSplit(pair.key, pair.value, h, mh); err != nil {
				return nil, errSplitInternal
			}
			toClear[bi] |= 1 << uint(si)
		}
	}

	for i := range s.stash {
		st := &s.stash[i]
		alloc := st.allocBitmap()
		for alloc != 0 {
			si := bits.TrailingZeros32(alloc)
			alloc &^= 1 << uint(si)
			pair := st.pairs[si]
			h := hasher(pair.key)
			if (h >> (64 - newDepth)) != sibling.pattern {
				continue
			}
			mh := st.fingerArray[si]
			if _, err := sibling.insertForSplit(pair.key, pair.value, h, mh); err != nil {
				return nil, errSplitInternal
			}
			st.clearSlot(si)
			st.pairs[si] = pairSlot{}
			st.fingerArray[si] = 0
			bix := bucketIndex(h)
			T := &s.buckets[bix]
			N := &s.buckets[(bix+1)%numPrimaryBuckets]
			T.unsetIndicator(mh, N, uint8(i))
		}
	}

	for bi := range s.buckets {
		mask := toClear[bi]
		if mask == 0 {
			continue
		}
		b := &s.buckets[bi]
		for mask != 0 {
			si := bits.TrailingZeros32(mask)
			mask &^= 1 << uint(si)
			b.pairs[si] = pairSlot{}
			b.fingerArray[si] = 0
			b.clearSlot(si)
		}
	}

	s.stateMu.Lock()
	s.pattern = oldPattern << 1
	s.localDepth = newDepth
	s.state = segmentNormal
	s.stateMu.Unlock()

	return sibling, nil
}
