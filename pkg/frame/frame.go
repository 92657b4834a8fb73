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

package frame

import (
	"fmt"

	"osmium.dev/osmium/pkg/paging"
)

// Frame is an owning handle on one physical page frame. Each live handle
// accounts for exactly one reference in the frame's metadata slot.
//
// Handles must be explicitly ended with Drop or by transferring ownership
// (for example into a page-table mapping). Cloning produces an independent
// handle; the frame is returned to the allocator when the last handle ends.
type Frame struct {
	r  *Registry
	pa paging.Paddr
}

// Paddr returns the physical address of the frame.
func (f *Frame) Paddr() paging.Paddr {
	return f.pa
}

// Size returns the frame size in bytes.
func (f *Frame) Size() uint64 {
	return paging.PageSize
}

// Kind returns the frame's runtime kind tag.
func (f *Frame) Kind() Kind {
	return f.r.KindOf(f.pa)
}

// RefCount returns the frame's current reference count. The value is racy
// in the presence of other handles and is only meaningful as a diagnostic.
func (f *Frame) RefCount() int64 {
	return f.r.slotFor(f.pa).refs.ReadRefs()
}

// Clone returns a new independent handle on the same frame.
func (f *Frame) Clone() *Frame {
	f.r.slotFor(f.pa).refs.IncRef()
	return &Frame{r: f.r, pa: f.pa}
}

// Drop ends this handle. If it was the last one, the frame is returned to
// the allocator synchronously. Dropping the same handle twice panics.
func (f *Frame) Drop() {
	r, pa := f.r, f.pa
	if r == nil {
		panic("dropping dead frame handle")
	}
	f.r = nil
	r.slotFor(pa).refs.DecRef(func() {
		r.release(pa)
	})
}

// Typed is a frame handle statically annotated with its metadata type. It
// borrows the underlying handle: the *Frame it was derived from remains the
// owner.
type Typed[T any] struct {
	f *Frame
}

// AsTyped checks that f's metadata payload is a *T and returns the typed
// view. On a tag mismatch the error describes both types and f remains
// valid and untouched; no ownership is lost either way.
func AsTyped[T any](f *Frame) (Typed[T], error) {
	if _, err := Meta[T](f); err != nil {
		return Typed[T]{}, err
	}
	return Typed[T]{f: f}, nil
}

// Frame returns the type-erased handle. Erasure always succeeds.
func (t Typed[T]) Frame() *Frame {
	return t.f
}

// Meta returns the typed metadata payload.
func (t Typed[T]) Meta() *T {
	p, err := Meta[T](t.f)
	if err != nil {
		// AsTyped verified the tag and kinds never change while
		// references are live.
		panic(fmt.Sprintf("typed frame %#x: %v", t.f.pa, err))
	}
	return p
}
