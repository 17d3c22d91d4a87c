// Copyright (c) 2024 Arista Networks, Inc.
// Use of this source code is governed by the Apache License 2.0
// that can be found in the COPYING file.

package key

import "hash/maphash"

// Hasher produces a stable, uniform 64-bit hash of a Key. The index's
// hash contract requires that the top 8 bits and the low 8 bits of the
// result be statistically independent, since both are consumed as
// distinct fields by the directory and the bucket fingerprint.
type Hasher func(k Key) uint64

// DefaultHasher returns a Hasher seeded once at construction time, so
// hash values are stable for the lifetime of the index but not stable
// across process restarts (as required: only intra-process stability is
// needed, and a fixed seed would let an adversarial key sequence degrade
// every index the same way).
func DefaultHasher() Hasher {
	seed := maphash.MakeSeed()
	return func(k Key) uint64 {
		if k.isPointer {
			return maphash.Bytes(seed, k.pointed)
		}
		return maphash.Bytes(seed, k.inline[:k.inlineLen])
	}
}
