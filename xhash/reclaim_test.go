// Copyright (c) 2024 Arista Networks, Inc.
// Use of this source code is governed by the Apache License 2.0
// that can be found in the COPYING file.

package xhash

import "testing"

func TestReclaimerFreesOnceReaderUnpins(t *testing.T) {
	r := newReclaimer()
	id := r.pin()

	freed := false
	r.retire(func() { freed = true })
	if freed {
		t.Fatal("expected retire to defer freeing while a reader is still pinned")
	}

	r.unpin(id)
	r.drain()
	if !freed {
		t.Fatal("expected the retired object to be freed once the pinning reader unpinned")
	}
}

func TestReclaimerFreesImmediatelyWithNoReaders(t *testing.T) {
	r := newReclaimer()
	freed := false
	r.retire(func() { freed = true })
	if !freed {
		t.Fatal("expected retire to free immediately when nothing is pinned")
	}
}

func TestReclaimerKeepsLaterRetirementsPendingForOlderReaders(t *testing.T) {
	r := newReclaimer()
	id := r.pin()

	var order []int
	r.retire(func() { order = append(order, 1) })
	r.retire(func() { order = append(order, 2) })
	if len(order) != 0 {
		t.Fatalf("expected both retirements deferred, got order=%v", order)
	}

	r.unpin(id)
	r.drain()
	if len(order) != 2 {
		t.Fatalf("expected both retirements to run once unpinned, got order=%v", order)
	}
}
