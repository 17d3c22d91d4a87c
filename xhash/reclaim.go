// Copyright (c) 2024 Arista Networks, Inc.
// Use of this source code is governed by the Apache License 2.0
// that can be found in the COPYING file.

package xhash

import (
	"sync"
	"sync/atomic"

	"github.com/aristanetworks/xhash/hashmap"
	"github.com/aristanetworks/xhash/sync/semaphore"
)

// reclaimer defers freeing a retired segment or directory array until no
// in-flight reader can still hold a pointer to it, per spec.md section 5's
// safe-memory-reclamation requirement. It is an epoch scheme: every
// reader pins the current global epoch before it starts dereferencing
// directory/segment pointers and unpins when done; a retired object is
// only actually freed once every pinned reader's epoch is newer than the
// epoch it was retired at.
//
// The pinned-reader table reuses hashmap.Hashmap, the open-addressed
// Robin-Hood map, guarded here by a mutex since Hashmap itself assumes a
// single writer.
type reclaimer struct {
	epoch atomic.Uint64

	mu      sync.Mutex
	nextID  int64
	pinned  *hashmap.Hashmap[int64, uint64]
	retired []retiredObj

	// drainSem bounds how many goroutines may concurrently run a drain
	// pass, so a burst of splits doesn't pile up redundant table scans.
	drainSem *semaphore.Weighted
}

type retiredObj struct {
	epoch uint64
	free  func()
}

func newReclaimer() *reclaimer {
	return &reclaimer{
		pinned:   hashmap.New[int64, uint64](16, func(id int64) uint64 { return uint64(id) }, func(a, b int64) bool { return a == b }),
		drainSem: semaphore.NewWeighted(1),
	}
}

// pin records the caller's participation at the current epoch and
// returns a token to pass to unpin when the caller is done touching
// segment/directory memory.
func (r *reclaimer) pin() int64 {
	e := r.epoch.Load()
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.pinned.Set(id, e)
	r.mu.Unlock()
	return id
}

func (r *reclaimer) unpin(id int64) {
	r.mu.Lock()
	r.pinned.Delete(id)
	r.mu.Unlock()
}

// retire schedules free to run once every reader pinned at or before the
// current epoch has unpinned. It bumps the epoch so readers that pin
// afterward are never blocking this retirement.
func (r *reclaimer) retire(free func()) {
	r.mu.Lock()
	e := r.epoch.Add(1) - 1
	r.retired = append(r.retired, retiredObj{epoch: e, free: free})
	r.mu.Unlock()
	r.drain()
}

// drain frees every retired object whose epoch predates every currently
// pinned reader's epoch. It is safe to call concurrently; drainSem
// ensures only one scan runs at a time, and a goroutine that loses the
// race simply leaves its retirements for the winner's scan to pick up
// (retire always calls drain, so nothing is stranded).
func (r *reclaimer) drain() {
	if !r.drainSem.TryAcquire(1) {
		return
	}
	defer r.drainSem.Release(1)

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.retired) == 0 {
		return
	}
	minPinned := r.epoch.Load()
	r.pinned.Range(func(_ int64, e uint64) bool {
		if e < minPinned {
			minPinned = e
		}
		return true
	})

	kept := r.retired[:0]
	for _, item := range r.retired {
		if item.epoch < minPinned {
			item.free()
			continue
		}
		kept = append(kept, item)
	}
	r.retired = kept
}
