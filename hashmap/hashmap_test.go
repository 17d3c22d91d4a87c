// Copyright (c) 2019 Arista Networks, Inc.
// Use of this source code is governed by the Apache License 2.0
// that can be found in the COPYING file.

package hashmap

import (
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/aristanetworks/xhash/key"
)

type dumbHashable struct {
	dumb interface{}
}

func (d dumbHashable) Equal(other interface{}) bool {
	if o, ok := other.(dumbHashable); ok {
		return d.dumb == o.dumb
	}
	return false
}

func (d dumbHashable) Hash() uint64 {
	return 1234567890
}

func TestMapSetGet(t *testing.T) {
	m := New[Hashable, any](0,
		func(h Hashable) uint64 { return h.Hash() },
		func(x, y Hashable) bool { return x.Equal(y) })
	tests := []struct {
		setkey interface{}
		getkey interface{}
		val    interface{}
		found  bool
	}{{
		setkey: dumbHashable{dumb: "hashable1"},
		getkey: dumbHashable{dumb: "hashable1"},
		val:    1,
		found:  true,
	}, {
		getkey: dumbHashable{dumb: "hashable2"},
		val:    nil,
		found:  false,
	}, {
		setkey: dumbHashable{dumb: "hashable2"},
		getkey: dumbHashable{dumb: "hashable2"},
		val:    2,
		found:  true,
	}, {
		getkey: dumbHashable{dumb: "hashable42"},
		val:    nil,
		found:  false,
	}}
	for _, tcase := range tests {
		if tcase.setkey != nil {
			m.Set(tcase.setkey.(Hashable), tcase.val)
		}
		val, found := m.Get(tcase.getkey.(Hashable))
		if found != tcase.found {
			t.Errorf("found is %t, but expected found %t", found, tcase.found)
		}
		if val != tcase.val {
			t.Errorf("val is %v for key %v, but expected val %v", val, tcase.getkey, tcase.val)
		}
	}
	t.Log(m.debug())
}

func TestMapRange(t *testing.T) {
	m := New[int, string](0, func(i int) uint64 { return uint64(i) }, func(a, b int) bool { return a == b })
	want := map[int]string{1: "a", 2: "b", 3: "c"}
	for k, v := range want {
		m.Set(k, v)
	}
	got := map[int]string{}
	m.Range(func(k int, v string) bool {
		got[k] = v
		return true
	})
	if len(got) != len(want) {
		t.Fatalf("Range visited %d entries, want %d", len(got), len(want))
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("Range entry %d = %q, want %q", k, got[k], v)
		}
	}
}

func TestMapRangeStopsEarly(t *testing.T) {
	m := New[int, int](0, func(i int) uint64 { return uint64(i) }, func(a, b int) bool { return a == b })
	for i := 0; i < 10; i++ {
		m.Set(i, i)
	}
	seen := 0
	m.Range(func(k, v int) bool {
		seen++
		return false
	})
	if seen != 1 {
		t.Fatalf("Range visited %d entries after a false return, want 1", seen)
	}
}

func newKeyHashable(k key.Key, h key.Hasher) Hashable {
	return keyHashable{k: k, h: h(k)}
}

type keyHashable struct {
	k key.Key
	h uint64
}

func (k keyHashable) Hash() uint64 { return k.h }
func (k keyHashable) Equal(other interface{}) bool {
	o, ok := other.(keyHashable)
	return ok && k.k.Equal(o.k)
}

func BenchmarkMapGrow(b *testing.B) {
	hasher := key.DefaultHasher()
	keys := make([]Hashable, 150)
	for j := 0; j < len(keys); j++ {
		keys[j] = newKeyHashable(key.FromString(fmt.Sprintf("foobar-%d", j)), hasher)
	}
	b.Run("Hashmap", func(b *testing.B) {
		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			m := New[Hashable, any](0,
				func(h Hashable) uint64 { return h.Hash() },
				func(x, y Hashable) bool { return x.Equal(y) })
			for j := 0; j < len(keys); j++ {
				m.Set(keys[j], "foobar")
			}
			if m.Len() != len(keys) {
				b.Fatal(m)
			}
		}
	})
	b.Run("Hashmap-presize", func(b *testing.B) {
		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			m := New[Hashable, any](150,
				func(h Hashable) uint64 { return h.Hash() },
				func(x, y Hashable) bool { return x.Equal(y) })
			for j := 0; j < len(keys); j++ {
				m.Set(keys[j], "foobar")
			}
			if m.Len() != len(keys) {
				b.Fatal(m)
			}
		}
	})
}

func BenchmarkMapGet(b *testing.B) {
	hasher := key.DefaultHasher()
	keys := make([]Hashable, 150)
	for j := 0; j < len(keys); j++ {
		keys[j] = newKeyHashable(key.FromString(fmt.Sprintf("foobar-%d", j)), hasher)
	}
	keysRandomOrder := make([]Hashable, len(keys))
	copy(keysRandomOrder, keys)
	rand.Shuffle(len(keysRandomOrder), func(i, j int) {
		keysRandomOrder[i], keysRandomOrder[j] = keysRandomOrder[j], keysRandomOrder[i]
	})
	m := New[Hashable, any](0,
		func(h Hashable) uint64 { return h.Hash() },
		func(x, y Hashable) bool { return x.Equal(y) })
	for j := 0; j < len(keys); j++ {
		m.Set(keys[j], "foobar")
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		for _, k := range keysRandomOrder {
			_, ok := m.Get(k)
			if !ok {
				b.Fatal("didn't find key")
			}
		}
	}
}

func (m *Hashmap[K, V]) debug() string {
	var buf strings.Builder

	for i, ent := range m.entries {
		var (
			k        string
			distance int
		)
		if !ent.occupied {
			k = "<empty>"
		} else {
			if ent.tombstone {
				k = "<tombstone>"
			} else {
				k = fmt.Sprint(ent.key)
			}
			distance = i - m.position(ent.hash)
			if distance < 0 {
				distance += len(m.entries)
			}
		}
		fmt.Fprintf(&buf, "%d %d %s\n", i, distance, k)
	}

	return buf.String()
}
