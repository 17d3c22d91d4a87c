// Copyright (c) 2024 Arista Networks, Inc.
// Use of this source code is governed by the Apache License 2.0
// that can be found in the COPYING file.

package xhash

import (
	"math/bits"

	"github.com/aristanetworks/xhash/key"
)

// Per spec.md section 3 ("Bucket"): 14 primary slots plus 4 overflow
// fingerprint slots tracking spills into this segment's stash, confirmed
// bit-for-bit against original_source/bucket.rs's K_NUM_PAIR_PER_BUCKET,
// COUNT_MASK, OVERFLOW_BITMAP_MASK and OVERFLOW_SET constants.
const (
	numSlots           = 14
	numOverflowFingers = 4

	countMask  uint32 = (1 << 4) - 1
	memberMask uint32 = (1 << numSlots) - 1
	allocMask  uint32 = (1 << numSlots) - 1
	memberBase        = 4
	allocBase         = 18

	overflowValidMask uint8 = (1 << numOverflowFingers) - 1
	overflowSetHint   uint8 = 1 << numOverflowFingers

	// stashMask is 1 bit wide (log2(numStashBuckets) with numStashBuckets
	// == 2), not the 2 bits overflowIndex's per-item field has room for;
	// see DESIGN.md's Open Question log. The second bit is reserved.
	stashMask uint8 = 1
)

// pairSlot stores one key/value pair. Values are copied on insert, per
// the data model ("The index stores values by value").
type pairSlot struct {
	key   key.Key
	value []byte
}

// bucket is a fixed 14-primary-slot cell plus the metadata needed to
// track spills into the segment's stash. Every field except lock is only
// ever mutated while lock is held by the writer; readers access them
// through the beginRead/validateRead sequence-lock protocol.
type bucket struct {
	lock seqLock

	// bitmap packs allocation (bits 18..31), membership (bits 4..17) and
	// occupancy count (bits 0..3) into one word, mutated as a unit so
	// count always equals popcount(allocation). Splitting these into
	// separate fields would break the single-store atomicity the
	// optimistic reader protocol depends on (Design Notes, "Bit-packed
	// metadata word").
	bitmap uint32

	fingerArray [numSlots + numOverflowFingers]uint8
	pairs       [numSlots]pairSlot

	overflowBitmap uint8
	overflowIndex  uint8
	overflowMember uint8
	overflowCount  uint8
}

func (b *bucket) allocBitmap() uint32 {
	return (b.bitmap >> allocBase) & allocMask
}

func (b *bucket) memberBitmap() uint32 {
	return (b.bitmap >> memberBase) & memberMask
}

func (b *bucket) count() uint32 {
	return b.bitmap & countMask
}

func (b *bucket) full() bool {
	return b.count() == numSlots
}

// findEmptySlot returns the lowest free primary slot, or -1 if the
// bucket is full.
func (b *bucket) findEmptySlot() int {
	if b.full() {
		return -1
	}
	free := ^b.allocBitmap() & allocMask
	return bits.TrailingZeros32(free)
}

// setSlot marks idx allocated (and, if probe, a member/probed slot),
// incrementing the redundant occupancy counter in the same store. probe
// marks an entry whose natural target is the left neighbor and which is
// hosted here.
func (b *bucket) setSlot(idx int, probe bool) {
	bm := b.bitmap | (1 << (uint(idx) + allocBase))
	if probe {
		bm |= 1 << (uint(idx) + memberBase)
	}
	b.bitmap = bm + 1
}

// clearSlot undoes setSlot.
func (b *bucket) clearSlot(idx int) {
	bm := b.bitmap &^ (1 << (uint(idx) + allocBase))
	bm &^= 1 << (uint(idx) + memberBase)
	b.bitmap = bm - 1
}

// insert places key/value into the lowest free primary slot. Caller must
// hold the bucket's lock.
func (b *bucket) insert(k key.Key, v []byte, metaHash uint8, probe bool) (int, error) {
	slot := b.findEmptySlot()
	if slot < 0 {
		return -1, errBucketFull
	}
	b.insertAt(slot, k, v, metaHash, probe)
	return slot, nil
}

// insertAt places key/value at a specific already-known-free slot, used
// by the displacement paths that locate the slot separately from the
// act of freeing it.
func (b *bucket) insertAt(slot int, k key.Key, v []byte, metaHash uint8, probe bool) {
	val := make([]byte, len(v))
	copy(val, v)
	b.pairs[slot] = pairSlot{key: k, value: val}
	b.fingerArray[slot] = metaHash
	b.setSlot(slot, probe)
}

// candidateMask returns the set of primary slots that might hold key,
// given probe selects membership (hosted, probed entries) or its
// complement (owned, origin entries).
func (b *bucket) candidateMask(metaHash uint8, probe bool) uint32 {
	var fpMatch uint32
	for i := 0; i < numSlots; i++ {
		if b.fingerArray[i] == metaHash {
			fpMatch |= 1 << uint(i)
		}
	}
	mask := fpMatch & b.allocBitmap()
	if probe {
		mask &= b.memberBitmap()
	} else {
		mask &^= b.memberBitmap()
	}
	return mask
}

// checkAndGetLocked scans the candidate slots under an already-held
// lock (used by writers who need a definitive answer, e.g. uniqueCheck).
func (b *bucket) checkAndGetLocked(metaHash uint8, k key.Key, probe bool) ([]byte, bool) {
	mask := b.candidateMask(metaHash, probe)
	for mask != 0 {
		i := bits.TrailingZeros32(mask)
		mask &^= 1 << uint(i)
		if b.pairs[i].key.Equal(k) {
			return b.pairs[i].value, true
		}
	}
	return nil, false
}

// checkAndGet performs the lock-free optimistic read: snapshot the
// version, scan, and report whether the snapshot was inconsistent
// (retry == true) so the caller can loop. On success found/value are
// only meaningful when retry is false. stashHint reports, under the same
// version-validated snapshot, whether the bucket's OVERFLOW_SET bit was
// set, so callers can decide whether to consult the stash without a
// second, separately-racy read of overflowBitmap.
func (b *bucket) checkAndGet(metaHash uint8, k key.Key, probe bool) (value []byte, found, stashHint, retry bool) {
	seq, locked := b.lock.beginRead()
	if locked {
		return nil, false, false, true
	}
	value, found = b.checkAndGetLocked(metaHash, k, probe)
	stashHint = b.testStashCheck()
	if found {
		cp := make([]byte, len(value))
		copy(cp, value)
		value = cp
	}
	if !b.lock.validateRead(seq) {
		return nil, false, false, true
	}
	return value, found, stashHint, false
}

// delete removes key from the candidate slots, zeroing the pair so it
// doesn't keep referenced memory alive. Caller must hold the lock.
func (b *bucket) delete(metaHash uint8, k key.Key, probe bool) bool {
	mask := b.candidateMask(metaHash, probe)
	for mask != 0 {
		i := bits.TrailingZeros32(mask)
		mask &^= 1 << uint(i)
		if b.pairs[i].key.Equal(k) {
			b.pairs[i] = pairSlot{}
			b.fingerArray[i] = 0
			b.clearSlot(i)
			return true
		}
	}
	return false
}

// testStashCheck reports the OVERFLOW_SET stash-check hint: if clear, no
// lookup needs to consult the stash on account of this bucket.
func (b *bucket) testStashCheck() bool {
	return b.overflowBitmap&overflowSetHint != 0
}

func (b *bucket) clearStashCheck() {
	b.overflowBitmap &^= overflowSetHint
}

func (b *bucket) setStashCheck() {
	b.overflowBitmap |= overflowSetHint
}

// findOrgDisplacement returns the lowest slot whose membership bit is
// clear: an entry owned by this bucket, eligible to be shoved right to
// the neighbor where it would become a probed entry.
func (b *bucket) findOrgDisplacement() (int, bool) {
	owned := b.allocBitmap() &^ b.memberBitmap()
	if owned == 0 {
		return 0, false
	}
	return bits.TrailingZeros32(owned), true
}

// findProbeDisplacement returns the lowest slot whose membership bit is
// set: a probed entry hosted here, shovable left to its origin's
// neighbor-slot.
func (b *bucket) findProbeDisplacement() (int, bool) {
	probed := b.allocBitmap() & b.memberBitmap()
	if probed == 0 {
		return 0, false
	}
	return bits.TrailingZeros32(probed), true
}

// setIndicator registers an overflow of metaHash into stash bucket
// stashPos, trying (in order) a free fingerprint slot on this bucket,
// then one on neighbor, then falling back to the unresolvable
// overflowCount. Caller holds the locks of both b and neighbor.
func (b *bucket) setIndicator(metaHash uint8, neighbor *bucket, stashPos uint8) {
	mask := ^b.overflowBitmap & overflowValidMask
	if idx := bits.TrailingZeros8(mask); idx < numOverflowFingers {
		b.fingerArray[numSlots+idx] = metaHash
		b.overflowBitmap |= 1 << uint(idx)
		b.overflowIndex = (b.overflowIndex &^ (3 << uint(idx*2))) | (stashPos << uint(idx*2))
		b.setStashCheck()
		return
	}
	mask = ^neighbor.overflowBitmap & overflowValidMask
	if idx := bits.TrailingZeros8(mask); idx < numOverflowFingers {
		neighbor.fingerArray[numSlots+idx] = metaHash
		neighbor.overflowBitmap |= 1 << uint(idx)
		neighbor.overflowIndex = (neighbor.overflowIndex &^ (3 << uint(idx*2))) | (stashPos << uint(idx*2))
		neighbor.overflowMember |= 1 << uint(idx)
		neighbor.setStashCheck()
		b.setStashCheck()
		return
	}
	b.overflowCount++
	b.setStashCheck()
}

// unsetIndicator reverses setIndicator for a spill that lived in stash
// bucket stashPos, clearing OVERFLOW_SET on both once neither bucket
// retains any indicator and both overflowCounts are zero. Caller holds the locks of
// both b and neighbor.
func (b *bucket) unsetIndicator(metaHash uint8, neighbor *bucket, stashPos uint8) {
	cleared := false
	mask := b.overflowBitmap & overflowValidMask
	for i := 0; i < numOverflowFingers; i++ {
		if mask&(1<<uint(i)) == 0 {
			continue
		}
		if b.fingerArray[numSlots+i] != metaHash {
			continue
		}
		if b.overflowMember&(1<<uint(i)) != 0 {
			continue
		}
		if uint8(b.overflowIndex>>uint(i*2))&stashMask != stashPos&stashMask {
			continue
		}
		b.overflowBitmap &^= 1 << uint(i)
		b.overflowIndex &^= 3 << uint(i*2)
		cleared = true
		break
	}
	if !cleared {
		mask = neighbor.overflowBitmap & overflowValidMask
		for i := 0; i < numOverflowFingers; i++ {
			if mask&(1<<uint(i)) == 0 {
				continue
			}
			if neighbor.fingerArray[numSlots+i] != metaHash {
				continue
			}
			if neighbor.overflowMember&(1<<uint(i)) == 0 {
				continue
			}
			if uint8(neighbor.overflowIndex>>uint(i*2))&stashMask != stashPos&stashMask {
				continue
			}
			neighbor.overflowBitmap &^= 1 << uint(i)
			neighbor.overflowIndex &^= 3 << uint(i*2)
			neighbor.overflowMember &^= 1 << uint(i)
			cleared = true
			break
		}
	}
	if !cleared && b.overflowCount > 0 {
		b.overflowCount--
	}
	selfClear := b.overflowBitmap&overflowValidMask == 0 && b.overflowCount == 0
	neighborClear := neighbor.overflowBitmap&overflowValidMask == 0 && neighbor.overflowCount == 0
	if selfClear && neighborClear {
		b.clearStashCheck()
		neighbor.clearStashCheck()
	}
}

// uniqueCheck reports whether key is absent from b, neighbor, and — only
// when a stash-check hint fires — the reachable stash buckets. Caller
// holds the locks of b and neighbor (and, if consulted, the stash
// buckets).
func (b *bucket) uniqueCheck(metaHash uint8, k key.Key, neighbor *bucket, stash []*bucket) bool {
	if _, found := b.checkAndGetLocked(metaHash, k, false); found {
		return false
	}
	if _, found := neighbor.checkAndGetLocked(metaHash, k, true); found {
		return false
	}
	if !b.testStashCheck() && !neighbor.testStashCheck() {
		return true
	}
	for _, s := range stash {
		if s == nil {
			continue
		}
		if _, found := s.checkAndGetLocked(metaHash, k, false); found {
			return false
		}
	}
	return true
}

// reset clears the bucket back to empty, used when a segment is
// recycled or during teardown.
func (b *bucket) reset() {
	*b = bucket{}
}
