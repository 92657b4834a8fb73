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

// Segment is a handle on a contiguous range of frames of one kind. An owned
// segment accounts for one reference per covered frame; a slice borrows the
// references of the segment it was cut from.
type Segment struct {
	r     *Registry
	kind  Kind
	start paging.Paddr
	end   paging.Paddr

	// owned is false for borrowed sub-views created by Slice. Dropping a
	// borrowed view is a no-op.
	owned bool
}

// StartPaddr returns the physical address of the first frame.
func (s *Segment) StartPaddr() paging.Paddr {
	return s.start
}

// EndPaddr returns the exclusive physical upper bound.
func (s *Segment) EndPaddr() paging.Paddr {
	return s.end
}

// Size returns the segment length in bytes.
func (s *Segment) Size() uint64 {
	return uint64(s.end - s.start)
}

// NFrames returns the number of frames covered.
func (s *Segment) NFrames() int {
	return int(s.Size() / paging.PageSize)
}

// Kind returns the kind tag shared by every frame in the segment.
func (s *Segment) Kind() Kind {
	return s.kind
}

// Split cuts the segment at the given byte offset, consuming it and
// returning two independent owned segments. The per-frame reference counts
// are untouched; each half takes over the references of the frames it
// covers. The offset must be page-aligned and strictly inside the segment.
func (s *Segment) Split(offset uint64) (*Segment, *Segment) {
	if !s.owned {
		panic("splitting borrowed segment view")
	}
	if !paging.IsAligned(offset, paging.PageSize) || offset == 0 || offset >= s.Size() {
		panic(fmt.Sprintf("split offset %#x outside segment of %#x bytes", offset, s.Size()))
	}
	r, kind, start, end := s.r, s.kind, s.start, s.end
	s.r = nil
	mid := start + paging.Paddr(offset)
	left := &Segment{r: r, kind: kind, start: start, end: mid, owned: true}
	right := &Segment{r: r, kind: kind, start: mid, end: end, owned: true}
	return left, right
}

// Slice returns a borrowed view of the frames within [offset, offset+length).
// The view shares the parent's references: it must not be used, and in
// particular not iterated, after the parent segment is dropped.
func (s *Segment) Slice(offset, length uint64) *Segment {
	if !paging.IsAligned(offset, paging.PageSize) || !paging.IsAligned(length, paging.PageSize) ||
		length == 0 || offset+length > s.Size() {
		panic(fmt.Sprintf("slice [%#x, %#x) outside segment of %#x bytes", offset, offset+length, s.Size()))
	}
	return &Segment{
		r:     s.r,
		kind:  s.kind,
		start: s.start + paging.Paddr(offset),
		end:   s.start + paging.Paddr(offset+length),
	}
}

// Clone returns a new owned segment over the same frames, incrementing each
// frame's reference count. Cloning a borrowed view is legal and yields an
// owned segment.
func (s *Segment) Clone() *Segment {
	for pa := s.start; pa < s.end; pa += paging.PageSize {
		s.r.slotFor(pa).refs.IncRef()
	}
	return &Segment{r: s.r, kind: s.kind, start: s.start, end: s.end, owned: true}
}

// Frames consumes an owned segment, converting it into one handle per
// frame. No reference counts change; each handle takes over the reference
// the segment held on its frame.
func (s *Segment) Frames() []*Frame {
	if !s.owned {
		panic("consuming borrowed segment view")
	}
	r, start, end := s.r, s.start, s.end
	s.r = nil
	frames := make([]*Frame, 0, (end-start)/paging.PageSize)
	for pa := start; pa < end; pa += paging.PageSize {
		frames = append(frames, &Frame{r: r, pa: pa})
	}
	return frames
}

// TakeFirst consumes the first frame off an owned segment, shrinking the
// segment by one page. It returns nil once the segment is exhausted.
func (s *Segment) TakeFirst() *Frame {
	if !s.owned {
		panic("consuming borrowed segment view")
	}
	if s.r == nil || s.start >= s.end {
		return nil
	}
	f := &Frame{r: s.r, pa: s.start}
	s.start += paging.PageSize
	return f
}

// Drop ends the segment. For an owned segment every covered frame loses one
// reference; for a borrowed view this is a no-op.
func (s *Segment) Drop() {
	if !s.owned {
		return
	}
	r, start, end := s.r, s.start, s.end
	if r == nil {
		return
	}
	s.r = nil
	for pa := start; pa < end; pa += paging.PageSize {
		p := pa
		r.slotFor(p).refs.DecRef(func() {
			r.release(p)
		})
	}
}
