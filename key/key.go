// Copyright (c) 2024 Arista Networks, Inc.
// Use of this source code is governed by the Apache License 2.0
// that can be found in the COPYING file.

// Package key implements the two key shapes xhash indexes on: a
// fixed-width inline key compared by equality, and a length-prefixed
// pointed (variable length) key compared lexicographically. A Key
// carries a single is-pointer flag selecting which comparison path to
// take, per the data model in the index's specification.
package key

import "bytes"

// Key is a tagged union of an inline, fixed-width key and a pointed,
// variable-length byte key. The zero Key is an empty inline key.
type Key struct {
	inline    [inlineWidth]byte
	inlineLen uint8
	pointed   []byte
	isPointer bool
}

// inlineWidth bounds the fixed-width shape. Keys up to this length are
// stored inline without a heap allocation; longer keys are stored as a
// pointed, length-prefixed byte sequence.
const inlineWidth = 15

// New builds a Key from raw bytes, choosing the inline shape when b fits
// and the pointed shape otherwise.
func New(b []byte) Key {
	if len(b) <= inlineWidth {
		var k Key
		copy(k.inline[:], b)
		k.inlineLen = uint8(len(b))
		return k
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return Key{pointed: cp, isPointer: true}
}

// FromString builds a Key from a string without requiring the caller to
// convert to []byte first.
func FromString(s string) Key {
	return New([]byte(s))
}

// IsPointer reports whether k uses the pointed (variable-length) shape.
func (k Key) IsPointer() bool {
	return k.isPointer
}

// Bytes returns the raw key bytes. The returned slice must not be
// retained past the lifetime of the Key for inline keys sharing storage
// with it is not guaranteed, but is never mutated by xhash.
func (k Key) Bytes() []byte {
	if k.isPointer {
		return k.pointed
	}
	return k.inline[:k.inlineLen]
}

// Len returns the number of key bytes.
func (k Key) Len() int {
	if k.isPointer {
		return len(k.pointed)
	}
	return int(k.inlineLen)
}

// Equal reports whether k and other represent the same key. Inline keys
// compare by equality of their fixed-width representation; pointed keys
// compare lexicographically via their byte contents.
func (k Key) Equal(other Key) bool {
	if k.isPointer != other.isPointer {
		return k.Len() == other.Len() && bytes.Equal(k.Bytes(), other.Bytes())
	}
	if k.isPointer {
		return bytes.Equal(k.pointed, other.pointed)
	}
	return k.inlineLen == other.inlineLen && k.inline == other.inline
}

// String renders k for logging and debug output.
func (k Key) String() string {
	return string(k.Bytes())
}
