// Copyright (c) 2024 Arista Networks, Inc.
// Use of this source code is governed by the Apache License 2.0
// that can be found in the COPYING file.

package key

import (
	"strings"
	"testing"
)

func TestNewShape(t *testing.T) {
	short := New([]byte("hello"))
	if short.IsPointer() {
		t.Fatal("expected inline shape for a short key")
	}
	long := New([]byte(strings.Repeat("x", inlineWidth+1)))
	if !long.IsPointer() {
		t.Fatal("expected pointed shape for a key past inlineWidth")
	}
}

func TestEqual(t *testing.T) {
	cases := []struct {
		a, b  string
		equal bool
	}{
		{"foo", "foo", true},
		{"foo", "bar", false},
		{strings.Repeat("a", 40), strings.Repeat("a", 40), true},
		{strings.Repeat("a", 40), strings.Repeat("a", 41), false},
		{"short", strings.Repeat("a", 40), false},
	}
	for _, c := range cases {
		a, b := FromString(c.a), FromString(c.b)
		if got := a.Equal(b); got != c.equal {
			t.Errorf("Equal(%q, %q) = %v, want %v", c.a, c.b, got, c.equal)
		}
	}
}

func TestBytesRoundTrip(t *testing.T) {
	for _, s := range []string{"", "a", "exactly15chars!", strings.Repeat("z", 64)} {
		k := FromString(s)
		if got := string(k.Bytes()); got != s {
			t.Errorf("Bytes() = %q, want %q", got, s)
		}
		if k.Len() != len(s) {
			t.Errorf("Len() = %d, want %d", k.Len(), len(s))
		}
	}
}

func TestDefaultHasherDistinguishesKeys(t *testing.T) {
	h := DefaultHasher()
	seen := map[uint64]string{}
	for _, s := range []string{"foo", "bar", "baz", "quux", strings.Repeat("q", 30)} {
		sum := h(FromString(s))
		if other, ok := seen[sum]; ok {
			t.Fatalf("hash collision between %q and %q", s, other)
		}
		seen[sum] = s
	}
}

func TestDefaultHasherStableWithinLifetime(t *testing.T) {
	h := DefaultHasher()
	k := FromString("stable")
	if h(k) != h(k) {
		t.Fatal("hash of the same key changed within one hasher's lifetime")
	}
}
