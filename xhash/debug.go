// Copyright (c) 2024 Arista Networks, Inc.
// Use of this source code is governed by the Apache License 2.0
// that can be found in the COPYING file.

package xhash

import (
	"fmt"
	"strings"

	"github.com/aristanetworks/xhash/sliceutils"
)

// DebugString walks the directory, every segment, and every bucket,
// rendering occupancy and overflow state. It is a diagnostic, not an API
// for programmatic introspection: the format is unspecified and may
// change. Modeled on hash.Map's own DebugString, generalized from a
// single flat bucket array to a directory of segments.
func (idx *Index) DebugString() string {
	segs, globalDepth, version := idx.dir.snapshot()

	var buf strings.Builder
	fmt.Fprintf(&buf, "global depth: %d, directory version: %d, directory slots: %d\n",
		globalDepth, version, len(segs))

	printed := map[*segment]bool{}
	for slot, seg := range segs {
		if printed[seg] {
			continue
		}
		printed[seg] = true
		fmt.Fprintf(&buf, "segment at slot %d: local depth %d, pattern %0*b\n",
			slot, seg.depth(), seg.depth(), seg.pattern)
		writeSegmentDebug(&buf, seg)
	}
	return buf.String()
}

func writeSegmentDebug(buf *strings.Builder, s *segment) {
	for i := range s.buckets {
		writeBucketDebug(buf, fmt.Sprintf("bucket[%d]", i), &s.buckets[i])
	}
	for i := range s.stash {
		writeBucketDebug(buf, fmt.Sprintf("stash[%d]", i), &s.stash[i])
	}
}

func writeBucketDebug(buf *strings.Builder, label string, b *bucket) {
	fmt.Fprintf(buf, "  %s: count=%d alloc=%014b member=%014b overflow=%d stashHint=%t\n",
		label, b.count(), b.allocBitmap(), b.memberBitmap(), b.overflowCount, b.testStashCheck())
	alloc := b.allocBitmap()
	keys := make([]string, 0, numSlots)
	for i := 0; i < numSlots; i++ {
		if alloc&(1<<uint(i)) == 0 {
			continue
		}
		keys = append(keys, b.pairs[i].key.String())
	}
	if len(keys) == 0 {
		return
	}
	for _, v := range sliceutils.ToAnySlice(keys) {
		fmt.Fprintf(buf, "    %v\n", v)
	}
}
