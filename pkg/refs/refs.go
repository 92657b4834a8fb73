// Copyright 2026 The Osmium Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package refs provides an atomic reference counter for frame metadata
// slots and page-table nodes.
package refs

import "sync/atomic"

// Counter keeps a reference count using atomic operations and calls the
// destructor when the count reaches zero.
//
// The zero Counter holds zero references; Init must be called before use.
type Counter struct {
	// refCount is composed of two fields:
	//
	//	[32-bit speculative references]:[32-bit real references]
	//
	// Speculative references are used for TryIncRef, to avoid a
	// CompareAndSwap loop.
	refCount atomic.Int64
}

// Init sets the count to n references. It may only be used on a counter
// that holds no references.
func (r *Counter) Init(n int64) {
	if v := r.refCount.Load(); int32(v) != 0 {
		panic("initializing live refcount")
	}
	r.refCount.Store(n)
}

// ReadRefs returns the current number of references. The returned count is
// inherently racy and is unsafe to use without external synchronization.
func (r *Counter) ReadRefs() int64 {
	return int64(int32(r.refCount.Load()))
}

// IncRef increments the reference count. It is a fatal invariant violation
// to resurrect a counter that has already reached zero.
func (r *Counter) IncRef() {
	if v := r.refCount.Add(1); int32(v) <= 0 {
		panic("incrementing non-positive ref count")
	}
}

// TryIncRef attempts to increment the reference count, unless the count has
// already reached zero. If false is returned the object is already dead.
//
// A speculative reference is first acquired so that concurrent TryIncRef
// calls can distinguish each other from genuine references.
func (r *Counter) TryIncRef() bool {
	const speculativeRef = 1 << 32
	v := r.refCount.Add(speculativeRef)
	if int32(v) <= 0 {
		// This object has already been freed.
		r.refCount.Add(-speculativeRef)
		return false
	}

	// Turn into a real reference.
	r.refCount.Add(-speculativeRef + 1)
	return true
}

// DecRef decrements the reference count. When the count reaches zero,
// destroy is called exactly once, synchronously. Decrementing below zero
// is a fatal invariant violation.
func (r *Counter) DecRef(destroy func()) {
	switch v := int32(r.refCount.Add(-1)); {
	case v < 0:
		panic("decrementing non-positive ref count")

	case v == 0:
		if destroy != nil {
			destroy()
		}
	}
}
