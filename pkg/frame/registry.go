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

// Package frame implements the frame metadata registry and the owning
// handles over physical page frames.
//
// Every physical page has exactly one metadata slot, addressed by a
// deterministic, invertible mapping from its physical address. A slot
// records the frame's kind tag, an atomic reference count and the
// kind-specific payload. The reference count reaching zero is the sole
// trigger for returning the frame to the allocator.
package frame

import (
	"fmt"
	"sync"

	"osmium.dev/osmium/pkg/errors"
	"osmium.dev/osmium/pkg/paging"
	"osmium.dev/osmium/pkg/refs"
)

const (
	// MetaSlotSize is the fixed size of one metadata slot in the
	// side-table address layout.
	MetaSlotSize = 64

	// MetaBase is the base address of the metadata side table in the
	// layout exposed by FrameToMeta.
	MetaBase = 0xffff_e000_0000_0000
)

// Allocator is the physical-frame allocator consumed by the registry.
//
// Implementations return ranges of previously-freed (or never-allocated)
// page frames; they never hand out a frame whose slot is live.
type Allocator interface {
	// Alloc reserves count contiguous frames and returns the physical
	// address of the first. It returns errors.ErrNoMemory when no such
	// run is available.
	Alloc(count int) (paging.Paddr, error)

	// Dealloc returns count contiguous frames starting at pa.
	Dealloc(pa paging.Paddr, count int)
}

// Zeroer is optionally implemented by allocators that can clear frame
// contents.
type Zeroer interface {
	ZeroRange(pa paging.Paddr, count int)
}

// AllocOptions configures frame and segment allocation.
type AllocOptions struct {
	// Zeroed requests that the frame contents be cleared before the
	// handle is returned.
	Zeroed bool
}

// slot is the per-frame metadata record.
type slot struct {
	mu      sync.Mutex
	kind    Kind
	payload any
	refs    refs.Counter
}

// Registry is the frame metadata side table.
type Registry struct {
	alloc Allocator
	slots []slot
}

// NewRegistry creates a registry covering nframes frames starting at
// physical address zero, backed by the given allocator.
func NewRegistry(alloc Allocator, nframes int) *Registry {
	return &Registry{
		alloc: alloc,
		slots: make([]slot, nframes),
	}
}

// FrameToMeta returns the side-table address of the slot for pa.
func FrameToMeta(pa paging.Paddr) uint64 {
	return MetaBase + uint64(pa)/paging.PageSize*MetaSlotSize
}

// MetaToFrame is the inverse of FrameToMeta.
func MetaToFrame(meta uint64) paging.Paddr {
	return paging.Paddr((meta - MetaBase) / MetaSlotSize * paging.PageSize)
}

// slotFor returns the slot of the frame at pa.
func (r *Registry) slotFor(pa paging.Paddr) *slot {
	if !paging.IsAligned(uint64(pa), paging.PageSize) {
		panic(fmt.Sprintf("unaligned frame address %#x", pa))
	}
	return &r.slots[pa/paging.PageSize]
}

// NFrames returns the number of frames the registry covers.
func (r *Registry) NFrames() int {
	return len(r.slots)
}

// AllocFrame reserves one unused frame, setting its slot to the requested
// kind with a reference count of one.
func (r *Registry) AllocFrame(kind Kind, payload any, opts AllocOptions) (*Frame, error) {
	if kind == KindUnused {
		return nil, errors.ErrInvalidArgs
	}
	pa, err := r.alloc.Alloc(1)
	if err != nil {
		return nil, err
	}
	r.initSlot(pa, kind, payload, opts)
	return &Frame{r: r, pa: pa}, nil
}

// AllocSegment reserves count contiguous frames of one kind. The payloadOf
// function, if non-nil, produces the metadata payload of the i'th frame.
func (r *Registry) AllocSegment(count int, kind Kind, payloadOf func(i int) any, opts AllocOptions) (*Segment, error) {
	if count <= 0 || kind == KindUnused {
		return nil, errors.ErrInvalidArgs
	}
	pa, err := r.alloc.Alloc(count)
	if err != nil {
		return nil, err
	}
	for i := 0; i < count; i++ {
		var payload any
		if payloadOf != nil {
			payload = payloadOf(i)
		}
		r.initSlot(pa+paging.Paddr(i*paging.PageSize), kind, payload, opts)
	}
	return &Segment{
		r:     r,
		kind:  kind,
		start: pa,
		end:   pa + paging.Paddr(count*paging.PageSize),
		owned: true,
	}, nil
}

// initSlot transitions one slot from Unused to a live kind.
func (r *Registry) initSlot(pa paging.Paddr, kind Kind, payload any, opts AllocOptions) {
	s := r.slotFor(pa)
	s.mu.Lock()
	if s.kind != KindUnused {
		s.mu.Unlock()
		panic(fmt.Sprintf("allocator returned live frame %#x (kind %v)", pa, s.kind))
	}
	s.kind = kind
	s.payload = payload
	s.refs.Init(1)
	s.mu.Unlock()
	if opts.Zeroed {
		if z, ok := r.alloc.(Zeroer); ok {
			z.ZeroRange(pa, 1)
		}
	}
}

// Retype changes the kind of count frames starting at pa.
//
// Retyping is only legal while the caller holds the sole reference to each
// frame and the frames are untyped. Retyping a frame with outstanding
// references is a fatal invariant violation: stale typed accesses through
// other handles could otherwise read reinterpreted memory.
func (r *Registry) Retype(pa paging.Paddr, count int, kind Kind, payloadOf func(i int) any) {
	if kind == KindUnused {
		panic("retype to Unused")
	}
	for i := 0; i < count; i++ {
		s := r.slotFor(pa + paging.Paddr(i*paging.PageSize))
		s.mu.Lock()
		if s.kind != KindUntyped {
			s.mu.Unlock()
			panic(fmt.Sprintf("retyping %v frame %#x", s.kind, pa))
		}
		if n := s.refs.ReadRefs(); n != 1 {
			s.mu.Unlock()
			panic(fmt.Sprintf("retyping frame %#x with %d outstanding references", pa, n))
		}
		s.kind = kind
		if payloadOf != nil {
			s.payload = payloadOf(i)
		} else {
			s.payload = nil
		}
		s.mu.Unlock()
	}
}

// KindOf returns the kind tag of the frame at pa.
func (r *Registry) KindOf(pa paging.Paddr) Kind {
	s := r.slotFor(pa)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kind
}

// release returns one frame to the allocator. Called exactly once, when the
// slot's reference count reaches zero.
func (r *Registry) release(pa paging.Paddr) {
	s := r.slotFor(pa)
	s.mu.Lock()
	s.kind = KindUnused
	s.payload = nil
	s.mu.Unlock()
	r.alloc.Dealloc(pa, 1)
}

// Meta returns the typed metadata payload of f.
//
// The slot's payload must be a *T; a mismatch returns a TypeMismatchError
// and leaves the handle untouched.
func Meta[T any](f *Frame) (*T, error) {
	s := f.r.slotFor(f.pa)
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payload.(*T)
	if !ok {
		return nil, &errors.TypeMismatchError{
			Want: fmt.Sprintf("%T", (*T)(nil)),
			Got:  fmt.Sprintf("%T", s.payload),
		}
	}
	return p, nil
}
