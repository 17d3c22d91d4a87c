// Copyright (c) 2024 Arista Networks, Inc.
// Use of this source code is governed by the Apache License 2.0
// that can be found in the COPYING file.

// Package xhash implements a concurrent extendible hash index: a
// directory of segments, each a fixed array of cache-line-sized buckets,
// supporting low-latency point insert/get/delete over byte-string keys
// and values.
//
// Reads are lock-free and proceed optimistically against a per-bucket
// version lock; writes take fine-grained per-bucket locks in a fixed
// order. A segment that fills up splits in place, and the directory
// doubles when a split needs more routing bits than it currently has.
//
// The index does not persist data, scan ranges, or support transactions;
// see the Non-goals listed in SPEC_FULL.md.
package xhash
