// Copyright (c) 2024 Arista Networks, Inc.
// Use of this source code is governed by the Apache License 2.0
// that can be found in the COPYING file.

package xhash

import (
	"runtime"
	"sync/atomic"
)

// seqLock packs a single-writer exclusive lock and a read-validation
// sequence counter into one 32-bit word, per Design Note #9: a blocking
// writer lock combined with lock-free readers via a version counter
// packed into the same word as the lock bit. Bit 31 is the lock; bits
// 0..30 are the sequence, incremented on every unlock.
type seqLock struct {
	word atomic.Uint32
}

const lockBit uint32 = 1 << 31
const seqMask uint32 = lockBit - 1

// Lock spins until it acquires the exclusive lock. Spin-waits are
// unbounded by design: callers needing a deadline must abort externally.
func (l *seqLock) Lock() {
	for {
		if l.TryLock() {
			return
		}
		runtime.Gosched()
	}
}

// TryLock makes a single attempt to acquire the exclusive lock.
func (l *seqLock) TryLock() bool {
	v := l.word.Load()
	if v&lockBit != 0 {
		return false
	}
	return l.word.CompareAndSwap(v, v|lockBit)
}

// Unlock releases the exclusive lock and bumps the sequence counter. The
// caller must hold the lock.
func (l *seqLock) Unlock() {
	v := l.word.Load()
	next := (v & seqMask) + 1
	l.word.Store(next & seqMask)
}

// beginRead returns the current sequence number and whether a writer
// currently holds the lock. Callers should retry if locked is true.
func (l *seqLock) beginRead() (seq uint32, locked bool) {
	v := l.word.Load()
	return v & seqMask, v&lockBit != 0
}

// validateRead reports whether the lock is still unlocked and its
// sequence is unchanged since the matching beginRead, i.e. whether a
// read straddling the two calls observed a consistent snapshot.
func (l *seqLock) validateRead(seq uint32) bool {
	v := l.word.Load()
	return v&lockBit == 0 && v&seqMask == seq
}
