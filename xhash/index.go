// Copyright (c) 2024 Arista Networks, Inc.
// Use of this source code is governed by the Apache License 2.0
// that can be found in the COPYING file.

package xhash

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aristanetworks/xhash/glog"
	"github.com/aristanetworks/xhash/key"
	"github.com/aristanetworks/xhash/logger"
)

// Options configures a new Index. The zero value is valid: it hashes keys
// with key.DefaultHasher, logs through glog, registers no metrics, and
// starts with a single segment.
type Options struct {
	// Hasher computes the 64-bit hash routing a key to its bucket.
	// Defaults to key.DefaultHasher().
	Hasher key.Hasher
	// Logger receives split/doubling diagnostics. Defaults to glog.
	Logger logger.Logger
	// Registerer, if non-nil, gets the index's prometheus collectors
	// registered against it.
	Registerer prometheus.Registerer
	// MetricsNamespace prefixes every registered metric name.
	MetricsNamespace string
	// InitialCapacity is the number of segments the directory starts
	// with, per spec.md section 6's new(initial_capacity): it must be a
	// power of two, C >= 1, and the index starts with global depth
	// log2(C). Defaults to 1 (global depth 0). A value that is not a
	// power of two is a construction-time error, reported by aborting
	// the same way an invariant violation during split does.
	InitialCapacity int
}

// Index is a concurrent extendible hash index mapping byte-string keys to
// byte-string values. The zero value is not usable; construct one with
// New. An Index is safe for concurrent use by multiple goroutines.
type Index struct {
	dir     *directory
	metrics *metrics
	closed  atomic.Bool
}

// New constructs an empty Index.
func New(opts Options) *Index {
	if opts.Hasher == nil {
		opts.Hasher = key.DefaultHasher()
	}
	if opts.Logger == nil {
		opts.Logger = &glog.Glog{}
	}
	if opts.InitialCapacity == 0 {
		opts.InitialCapacity = 1
	}
	m := newMetrics(opts.Registerer, opts.MetricsNamespace)
	return &Index{
		dir:     newDirectory(opts.Hasher, opts.Logger, m, opts.InitialCapacity),
		metrics: m,
	}
}

// Insert adds key/value to the index. It returns ErrDuplicateKey if key
// is already present, and ErrClosed if the index has been shut down.
func (idx *Index) Insert(k key.Key, value []byte) error {
	if idx.closed.Load() {
		return ErrClosed
	}
	defer idx.metrics.timeOp("insert")()

	hash := idx.dir.hasher(k)
	kind, err := idx.dir.insert(k, value, hash)
	if err != nil {
		return err
	}
	idx.metrics.observePlacement(kind)
	return nil
}

// Get returns the value associated with key, or ErrNotFound.
func (idx *Index) Get(k key.Key) ([]byte, error) {
	if idx.closed.Load() {
		return nil, ErrClosed
	}
	defer idx.metrics.timeOp("get")()

	hash := idx.dir.hasher(k)
	return idx.dir.get(k, hash)
}

// Delete removes key from the index, or returns ErrNotFound.
func (idx *Index) Delete(k key.Key) error {
	if idx.closed.Load() {
		return ErrClosed
	}
	defer idx.metrics.timeOp("delete")()

	hash := idx.dir.hasher(k)
	return idx.dir.delete(k, hash)
}

// Shutdown marks the index closed; subsequent operations return
// ErrClosed. Shutdown does not release directory/segment memory itself,
// leaving that to the garbage collector once the caller drops its last
// reference to idx.
func (idx *Index) Shutdown() {
	idx.closed.Store(true)
}

// Stats reports a point-in-time snapshot of directory shape, refreshing
// the gauges registered with Options.Registerer along the way.
type Stats struct {
	GlobalDepth uint8
	Segments    int
}

// Stats returns the current directory shape.
func (idx *Index) Stats() Stats {
	globalDepth, segments := idx.dir.depth()
	idx.metrics.setDepth(globalDepth, segments)
	return Stats{GlobalDepth: globalDepth, Segments: segments}
}
