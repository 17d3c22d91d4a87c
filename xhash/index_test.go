// Copyright (c) 2024 Arista Networks, Inc.
// Use of this source code is governed by the Apache License 2.0
// that can be found in the COPYING file.

package xhash

import (
	"fmt"
	"sync"
	"testing"

	"golang.org/x/exp/rand"
	"golang.org/x/sync/errgroup"

	"github.com/aristanetworks/xhash/hash"
	"github.com/aristanetworks/xhash/key"
	"github.com/aristanetworks/xhash/test"
)

func TestIndexFillThenReadBack(t *testing.T) {
	idx := New(Options{})
	const n = 14500
	for i := 0; i < n; i++ {
		k := key.FromString(fmt.Sprintf("fill-%d", i))
		if err := idx.Insert(k, []byte(fmt.Sprintf("value-%d", i))); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	for i := 0; i < n; i++ {
		k := key.FromString(fmt.Sprintf("fill-%d", i))
		got, err := idx.Get(k)
		if err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
		want := []byte(fmt.Sprintf("value-%d", i))
		if !test.DeepEqual(got, want) {
			t.Fatalf("get %d: %s", i, test.Diff(got, want))
		}
	}
	stats := idx.Stats()
	if stats.Segments < 2 {
		t.Fatalf("expected splitting to have produced multiple segments for %d keys, got %d", n, stats.Segments)
	}
}

func TestIndexDeleteHalf(t *testing.T) {
	idx := New(Options{})
	const n = 5000
	keys := make([]key.Key, n)
	for i := range keys {
		keys[i] = key.FromString(fmt.Sprintf("dh-%d", i))
		if err := idx.Insert(keys[i], []byte("v")); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	for i := 0; i < n; i += 2 {
		if err := idx.Delete(keys[i]); err != nil {
			t.Fatalf("delete %d: %v", i, err)
		}
	}
	for i, k := range keys {
		_, err := idx.Get(k)
		wantErr := ErrNotFound
		if i%2 != 0 {
			wantErr = nil
		}
		if err != wantErr {
			t.Errorf("get %d: got err %v, want %v", i, err, wantErr)
		}
	}
}

func TestIndexRejectsDuplicateInsert(t *testing.T) {
	idx := New(Options{})
	k := key.FromString("only-one")
	if err := idx.Insert(k, []byte("v1")); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := idx.Insert(k, []byte("v2")); err != ErrDuplicateKey {
		t.Fatalf("second insert: expected ErrDuplicateKey, got %v", err)
	}
	val, err := idx.Get(k)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(val) != "v1" {
		t.Fatalf("duplicate insert must not overwrite: got %q, want %q", val, "v1")
	}
}

func TestIndexShutdownRejectsFurtherOps(t *testing.T) {
	idx := New(Options{})
	k := key.FromString("k")
	if err := idx.Insert(k, []byte("v")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	idx.Shutdown()
	if err := idx.Insert(k, []byte("v2")); err != ErrClosed {
		t.Fatalf("insert after shutdown: expected ErrClosed, got %v", err)
	}
	if _, err := idx.Get(k); err != ErrClosed {
		t.Fatalf("get after shutdown: expected ErrClosed, got %v", err)
	}
	if err := idx.Delete(k); err != ErrClosed {
		t.Fatalf("delete after shutdown: expected ErrClosed, got %v", err)
	}
}

// TestIndexVariableLengthKeysWithFingerprintCollisions exercises both of
// key.Key's shapes (inline and pointed) in the same segment, together
// with enough similar keys that some are likely to share a meta_hash, in
// which case uniqueCheck and lookup must fall through to a real key
// comparison instead of trusting the fingerprint alone.
func TestIndexVariableLengthKeysWithFingerprintCollisions(t *testing.T) {
	idx := New(Options{})
	short := key.FromString("short")
	long := key.FromString("a key long enough to exceed the inline width by a wide margin")
	if short.IsPointer() {
		t.Fatal("test fixture assumption broken: short key should be inline")
	}
	if !long.IsPointer() {
		t.Fatal("test fixture assumption broken: long key should be pointed")
	}

	// key.Key holds a byte slice and so cannot be a Go map key; the
	// entries are kept as a slice of pairs instead.
	type entry struct {
		k key.Key
		v []byte
	}
	entries := []entry{
		{short, []byte("short-value")},
		{long, []byte("long-value")},
	}
	for i := 0; i < 64; i++ {
		// Keys sharing a long common prefix are likely, under a
		// reasonable hash, to occasionally collide on an 8-bit
		// fingerprint; lookup correctness must not depend on avoiding
		// that collision.
		entries = append(entries, entry{key.FromString(fmt.Sprintf("collision-prefix-%d", i)), []byte(fmt.Sprintf("v%d", i))})
	}
	for _, e := range entries {
		if err := idx.Insert(e.k, e.v); err != nil {
			t.Fatalf("insert %q: %v", e.k, err)
		}
	}
	for _, e := range entries {
		k, want := e.k, e.v
		got, err := idx.Get(k)
		if err != nil {
			t.Fatalf("get %q: %v", k, err)
		}
		if !test.DeepEqual(got, want) {
			t.Fatalf("get %q: %s", k, test.Diff(got, want))
		}
	}
}

// TestIndexConcurrentReadersDuringWrites runs one writer inserting and
// splitting against eight concurrent readers, checking every read
// against a single-threaded oracle built on hash.Map, per the optimistic
// version-lock protocol's safety requirement: a reader must never
// observe a torn write.
func TestIndexConcurrentReadersDuringWrites(t *testing.T) {
	idx := New(Options{})
	const n = 4000
	keys := make([]key.Key, n)
	values := make([][]byte, n)
	oracle := hash.New[key.Key, []byte](
		func(a, b key.Key) bool { return a.Equal(b) },
		func(k key.Key) uint64 { return idx.dir.hasher(k) },
	)
	var oracleMu sync.Mutex
	for i := range keys {
		keys[i] = key.FromString(fmt.Sprintf("race-%d", i))
		values[i] = []byte(fmt.Sprintf("val-%d", i))
	}

	var g errgroup.Group
	g.Go(func() error {
		for i, k := range keys {
			if err := idx.Insert(k, values[i]); err != nil {
				return fmt.Errorf("insert %d: %w", i, err)
			}
			oracleMu.Lock()
			oracle.Set(k, values[i])
			oracleMu.Unlock()
		}
		return nil
	})

	const readerCount = 8
	for r := 0; r < readerCount; r++ {
		rnd := rand.New(rand.NewSource(uint64(r) + 1))
		g.Go(func() error {
			for i := 0; i < n*4; i++ {
				pick := rnd.Intn(n)
				got, err := idx.Get(keys[pick])
				if err == ErrNotFound {
					continue // not yet inserted by the writer
				}
				if err != nil {
					return fmt.Errorf("get %d: %w", pick, err)
				}
				oracleMu.Lock()
				want, ok := oracle.Get(keys[pick])
				oracleMu.Unlock()
				if ok && !test.DeepEqual(got, want) {
					return fmt.Errorf("reader observed torn value for key %d: %s", pick, test.Diff(got, want))
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

// TestIndexConcurrentWritersDuringSplits runs several writers inserting
// disjoint key ranges at once, driving the same directory through many
// splits and doublings while more than one writer can be blocked on a
// segment's bucket locks when growAndSplit runs. This is the scenario
// cmd/xhashbench's default Writers: 4 exercises: every key must still be
// found by Get afterward, i.e. no key a writer raced a split on is
// stranded in a segment the directory no longer routes hashes matching
// its pattern to.
func TestIndexConcurrentWritersDuringSplits(t *testing.T) {
	idx := New(Options{})
	const writerCount = 4
	const perWriter = 2000
	const n = writerCount * perWriter

	keys := make([]key.Key, n)
	values := make([][]byte, n)
	for i := range keys {
		keys[i] = key.FromString(fmt.Sprintf("stranding-%d", i))
		values[i] = []byte(fmt.Sprintf("val-%d", i))
	}

	var g errgroup.Group
	for w := 0; w < writerCount; w++ {
		w := w
		g.Go(func() error {
			for i := w; i < n; i += writerCount {
				if err := idx.Insert(keys[i], values[i]); err != nil {
					return fmt.Errorf("insert %d: %w", i, err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	for i, k := range keys {
		got, err := idx.Get(k)
		if err != nil {
			t.Fatalf("get %d after concurrent inserts: %v (key stranded in a stale segment?)", i, err)
		}
		if !test.DeepEqual(got, values[i]) {
			t.Fatalf("get %d: %s", i, test.Diff(got, values[i]))
		}
	}
}
