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

package pagetables

import (
	"fmt"

	"osmium.dev/osmium/pkg/errors"
	"osmium.dev/osmium/pkg/frame"
	"osmium.dev/osmium/pkg/paging"
)

// ItemKind discriminates cursor items.
type ItemKind int

// Possible ItemKind values.
const (
	// ItemNotMapped is a gap.
	ItemNotMapped ItemKind = iota

	// ItemMapped is a tracked leaf owning a frame handle.
	ItemMapped

	// ItemUntracked is an untracked leaf over a raw physical range.
	ItemUntracked
)

// Item is what a cursor sees at one position: a gap or a single leaf.
type Item struct {
	Kind ItemKind

	// Range is the item's virtual extent. For leaves this is the whole
	// leaf's extent, which can reach outside the cursor's range when a
	// large page straddles it; gaps are clamped to the cursor.
	Range paging.Range

	// Frame is an owned handle on the mapped frame of an ItemMapped
	// item. Query hands out a clone the caller must drop; TakeNext
	// hands out the mapping's own handle.
	Frame *frame.Frame

	// Paddr is the physical base of a leaf item.
	Paddr paging.Paddr

	// Prop holds a leaf item's page properties.
	Prop paging.PageProperty
}

// Cursor is a read cursor. It owns its range exclusively until Close: no
// other cursor, mutating or not, can overlap it.
type Cursor struct {
	pt     *PageTables
	rng    paging.Range
	va     paging.Vaddr
	closed bool
}

// Range returns the cursor's virtual range.
func (c *Cursor) Range() paging.Range {
	return c.rng
}

// VirtAddr returns the cursor's current position.
func (c *Cursor) VirtAddr() paging.Vaddr {
	return c.va
}

// Jump repositions the cursor. The target must be page-aligned and within
// the cursor's range; jumping to the range's end leaves the cursor
// exhausted.
func (c *Cursor) Jump(va paging.Vaddr) error {
	if !paging.IsAligned(uint64(va), paging.PageSize) || va < c.rng.Start || va > c.rng.End {
		return errors.ErrInvalidArgs
	}
	c.va = va
	return nil
}

// Close releases the cursor's range. Double close is a no-op.
func (c *Cursor) Close() {
	if c.closed {
		return
	}
	c.closed = true
	c.pt.locks.release(c.rng)
}

// query reports the item at va without moving the cursor. Consecutive
// absent entries are coalesced into a single gap item, clamped to the
// cursor's range.
func (c *Cursor) query(va paging.Vaddr) Item {
	item := c.queryAt(va)
	for item.Kind == ItemNotMapped && item.Range.End < c.rng.End {
		next := c.queryAt(item.Range.End)
		if next.Kind != ItemNotMapped {
			break
		}
		item.Range.End = next.Range.End
	}
	return item
}

// queryAt walks to va and reports the single entry covering it.
func (c *Cursor) queryAt(va paging.Vaddr) Item {
	p := c.pt
	n := p.root
	n.mu.Lock()
	for {
		idx := p.consts.IndexAt(n.level, va)
		raw := n.raws[idx]
		span := p.consts.PageSizeAt(n.level)
		start := paging.Vaddr(paging.RoundDown(uint64(va), span))

		if !p.codec.IsPresent(raw) {
			end := min(start+paging.Vaddr(span), c.rng.End)
			n.mu.Unlock()
			return Item{Kind: ItemNotMapped, Range: paging.Range{Start: va, End: end}}
		}
		if p.codec.IsLeafAt(raw, n.level) {
			item := Item{
				Range: paging.Range{Start: start, End: start + paging.Vaddr(span)},
				Paddr: p.codec.Paddr(raw, n.level),
				Prop:  p.codec.Properties(raw, n.level),
			}
			if f := n.frames[idx]; f != nil {
				item.Kind = ItemMapped
				item.Frame = f.Clone()
			} else {
				item.Kind = ItemUntracked
			}
			n.mu.Unlock()
			return item
		}
		child := n.children[idx]
		child.mu.Lock()
		n.mu.Unlock()
		n = child
	}
}

// Query reports the item at the cursor's position without consuming it or
// moving the cursor. The frame handle of a mapped item is a clone the
// caller must drop.
//
// Precondition: the cursor is not exhausted.
func (c *Cursor) Query() Item {
	if c.va >= c.rng.End {
		panic("querying an exhausted cursor")
	}
	return c.query(c.va)
}

// Next returns the item at the cursor's position and advances past it. It
// returns false once the cursor is exhausted.
func (c *Cursor) Next() (Item, bool) {
	if c.va >= c.rng.End {
		return Item{}, false
	}
	item := c.Query()
	c.va = min(item.Range.End, c.rng.End)
	return item, true
}

// CursorMut is a mutating cursor.
type CursorMut struct {
	Cursor

	// reclaimed holds the backing frames of page-table nodes emptied by
	// this cursor. Stale upper-level entries naming them can survive in
	// TLBs, so they are handed to the caller for reclamation after the
	// next invalidation rather than freed in place.
	reclaimed []*frame.Frame
}

// TakeReclaimed returns and clears the backing frames of nodes this cursor
// has emptied. Callers keep them alive until the TLB invalidation covering
// the mutation completes; frames still held at Close are dropped there.
func (c *CursorMut) TakeReclaimed() []*frame.Frame {
	r := c.reclaimed
	c.reclaimed = nil
	return r
}

// Close implements Cursor.Close, additionally dropping any reclaimed node
// frames that were never taken.
func (c *CursorMut) Close() {
	for _, f := range c.reclaimed {
		f.Drop()
	}
	c.reclaimed = nil
	c.Cursor.Close()
}

func unlockPath(path []*node) {
	for i := len(path) - 1; i >= 0; i-- {
		path[i].mu.Unlock()
	}
}

// seek walks from the root toward targetLevel for va, locking the whole
// path. It stops early at a present leaf above targetLevel, or at an
// absent entry when alloc is false; with alloc set, missing intermediate
// nodes are created. The caller inspects the last node and must unlock the
// path.
func (c *CursorMut) seek(va paging.Vaddr, targetLevel int, alloc bool) ([]*node, error) {
	p := c.pt
	n := p.root
	n.mu.Lock()
	path := []*node{n}
	for n.level > targetLevel {
		idx := p.consts.IndexAt(n.level, va)
		raw := n.raws[idx]
		if !p.codec.IsPresent(raw) {
			if !alloc {
				return path, nil
			}
			child, err := p.allocNode(n.level - 1)
			if err != nil {
				unlockPath(path)
				return nil, err
			}
			p.setChild(n, idx, child)
		} else if p.codec.IsLeafAt(raw, n.level) {
			return path, nil
		}
		child := n.children[idx]
		if child == nil {
			panic(fmt.Sprintf("node pointer at level %d without child node", n.level))
		}
		child.mu.Lock()
		path = append(path, child)
		n = child
	}
	return path, nil
}

// reclaimPath detaches nodes on the locked path that the last mutation
// emptied, queueing their backing frames for deferred reclamation. va is
// the address of the mutated entry.
func (c *CursorMut) reclaimPath(path []*node, va paging.Vaddr) {
	p := c.pt
	for i := len(path) - 1; i >= 1; i-- {
		n := path[i]
		if n.nr > 0 || n.refs.ReadRefs() != 1 {
			return
		}
		parent := path[i-1]
		pidx := p.consts.IndexAt(parent.level, va)
		delete(parent.children, pidx)
		parent.raws[pidx] = 0
		parent.nr--
		c.reclaimed = append(c.reclaimed, n.takeBacking())
	}
}

// pickLevel returns the largest legal leaf level for mapping pa at va with
// the given number of bytes remaining.
func (c *CursorMut) pickLevel(va paging.Vaddr, pa paging.Paddr, remaining uint64) int {
	level := 1
	for l := 2; l <= c.pt.consts.HighestLeafLevel; l++ {
		span := c.pt.consts.PageSizeAt(l)
		if uint64(va)%span != 0 || uint64(pa)%span != 0 || remaining < span {
			break
		}
		level = l
	}
	return level
}

// Map installs a tracked mapping of f at the cursor's position, consuming
// the handle, and advances past it. The largest page size legal for the
// position, the frame's address and the remaining range is chosen
// automatically, so an aligned frame mapped into a large aligned range
// becomes a single large leaf.
//
// An existing mapping at the position is replaced and its frame handle
// returned; the caller owns it and is responsible for TLB invalidation
// before dropping it. On error the passed handle is not consumed.
//
// Precondition: the cursor is not exhausted.
func (c *CursorMut) Map(f *frame.Frame, prop paging.PageProperty) (*frame.Frame, error) {
	if c.va >= c.rng.End {
		panic("mapping on an exhausted cursor")
	}
	level := c.pickLevel(c.va, f.Paddr(), uint64(c.rng.End-c.va))
	for {
		path, err := c.seek(c.va, level, true)
		if err != nil {
			return nil, err
		}
		n := path[len(path)-1]
		idx := c.pt.consts.IndexAt(n.level, c.va)
		raw := n.raws[idx]

		if n.level > level {
			// A large leaf covers the position but extends past
			// what we may replace.
			if n.frames[idx] != nil {
				unlockPath(path)
				panic(fmt.Sprintf("partially remapping a tracked large page at %#x", uint64(c.va)))
			}
			err := c.pt.splitLeaf(n, idx)
			unlockPath(path)
			if err != nil {
				return nil, err
			}
			continue
		}

		if c.pt.codec.IsPresent(raw) && !c.pt.codec.IsLeafAt(raw, n.level) {
			// An existing subtree wins over large-page selection;
			// map at finer granularity instead of discarding it.
			unlockPath(path)
			level--
			continue
		}

		var old *frame.Frame
		if c.pt.codec.IsPresent(raw) {
			old = n.clearEntry(idx)
		}
		c.pt.setLeaf(n, idx, f, prop)
		unlockPath(path)
		c.va += paging.Vaddr(c.pt.consts.PageSizeAt(level))
		return old, nil
	}
}

// MapUntracked installs untracked mappings of [pa, pa+length) at the
// cursor's position and advances past them, choosing the largest legal
// page sizes. No frame ownership is involved; the physical range is the
// caller's to manage. Only kernel tables may carry untracked mappings.
func (c *CursorMut) MapUntracked(pa paging.Paddr, length uint64, prop paging.PageProperty) error {
	if c.pt.mode != Kernel {
		panic("untracked mapping in a user table")
	}
	if length == 0 ||
		!paging.IsAligned(uint64(pa), paging.PageSize) ||
		!paging.IsAligned(length, paging.PageSize) ||
		uint64(c.rng.End-c.va) < length {
		return errors.ErrInvalidArgs
	}
	end := c.va + paging.Vaddr(length)
	for c.va < end {
		level := c.pickLevel(c.va, pa, uint64(end-c.va))
		for {
			path, err := c.seek(c.va, level, true)
			if err != nil {
				return err
			}
			n := path[len(path)-1]
			idx := c.pt.consts.IndexAt(n.level, c.va)
			raw := n.raws[idx]

			if n.level > level {
				if n.frames[idx] != nil {
					unlockPath(path)
					panic(fmt.Sprintf("partially remapping a tracked large page at %#x", uint64(c.va)))
				}
				err := c.pt.splitLeaf(n, idx)
				unlockPath(path)
				if err != nil {
					return err
				}
				continue
			}
			if c.pt.codec.IsPresent(raw) && !c.pt.codec.IsLeafAt(raw, n.level) {
				// An existing subtree forces finer granularity.
				unlockPath(path)
				if level == 1 {
					panic("node pointer at level 1")
				}
				level--
				continue
			}
			if n.frames[idx] != nil {
				unlockPath(path)
				panic(fmt.Sprintf("untracked mapping over a tracked leaf at %#x", uint64(c.va)))
			}
			if !c.pt.codec.IsPresent(raw) {
				n.nr++
			}
			n.raws[idx] = c.pt.codec.NewLeaf(pa, n.level, prop)
			unlockPath(path)
			break
		}
		span := c.pt.consts.PageSizeAt(level)
		c.va += paging.Vaddr(span)
		pa += paging.Paddr(span)
	}
	return nil
}

// TakeNext finds the next item within limit bytes of the cursor's
// position, consumes it if it is a mapping, and advances past it. For
// mapped items ownership of the frame handle transfers to the caller, who
// must not drop it before the TLB invalidation retiring the mapping.
//
// A gap is returned as one ItemNotMapped item covering it. Consuming part
// of an untracked large page splits it; a tracked large page that cannot
// be consumed whole panics.
//
// Precondition: the cursor is not exhausted.
func (c *CursorMut) TakeNext(limit uint64) Item {
	if c.va >= c.rng.End {
		panic("taking from an exhausted cursor")
	}
	limit = paging.RoundUp(limit, uint64(paging.PageSize))
	end := min(c.rng.End, c.va+paging.Vaddr(limit))
	for {
		path, err := c.seek(c.va, 1, false)
		if err != nil {
			panic("non-allocating seek failed")
		}
		n := path[len(path)-1]
		idx := c.pt.consts.IndexAt(n.level, c.va)
		raw := n.raws[idx]
		span := c.pt.consts.PageSizeAt(n.level)
		leafStart := paging.Vaddr(paging.RoundDown(uint64(c.va), span))
		leafEnd := leafStart + paging.Vaddr(span)

		if !c.pt.codec.IsPresent(raw) {
			gapEnd := min(end, leafEnd)
			unlockPath(path)
			item := Item{Kind: ItemNotMapped, Range: paging.Range{Start: c.va, End: gapEnd}}
			c.va = gapEnd
			return item
		}

		if leafStart < c.va || leafEnd > end {
			if n.frames[idx] != nil {
				unlockPath(path)
				panic(fmt.Sprintf("partially unmapping a tracked large page at %#x", uint64(c.va)))
			}
			err := c.pt.splitLeaf(n, idx)
			unlockPath(path)
			if err != nil {
				// Splitting exists to preserve the untouched
				// remainder; without memory for it the unmap
				// cannot proceed safely.
				panic(fmt.Sprintf("splitting large page at %#x: %v", uint64(c.va), err))
			}
			continue
		}

		pa := c.pt.codec.Paddr(raw, n.level)
		prop := c.pt.codec.Properties(raw, n.level)
		f := n.clearEntry(idx)
		c.reclaimPath(path, c.va)
		unlockPath(path)
		c.va = leafEnd

		item := Item{
			Range: paging.Range{Start: leafStart, End: leafEnd},
			Paddr: pa,
			Prop:  prop,
		}
		if f != nil {
			item.Kind = ItemMapped
			item.Frame = f
		} else {
			item.Kind = ItemUntracked
		}
		return item
	}
}

// ProtectNext finds the next mapping within limit bytes of the cursor's
// position, applies mut to its properties in place, and advances past it.
// It returns the affected range, or false if no mapping was found before
// the limit. Partially covered untracked large pages are split first;
// partially covering a tracked large page panics.
func (c *CursorMut) ProtectNext(limit uint64, mut func(*paging.PageProperty)) (paging.Range, bool) {
	if c.va >= c.rng.End {
		return paging.Range{}, false
	}
	limit = paging.RoundUp(limit, uint64(paging.PageSize))
	end := min(c.rng.End, c.va+paging.Vaddr(limit))
	for c.va < end {
		path, err := c.seek(c.va, 1, false)
		if err != nil {
			panic("non-allocating seek failed")
		}
		n := path[len(path)-1]
		idx := c.pt.consts.IndexAt(n.level, c.va)
		raw := n.raws[idx]
		span := c.pt.consts.PageSizeAt(n.level)
		leafStart := paging.Vaddr(paging.RoundDown(uint64(c.va), span))
		leafEnd := leafStart + paging.Vaddr(span)

		if !c.pt.codec.IsPresent(raw) {
			unlockPath(path)
			c.va = min(end, leafEnd)
			continue
		}

		if leafStart < c.va || leafEnd > end {
			if n.frames[idx] != nil {
				unlockPath(path)
				panic(fmt.Sprintf("partially protecting a tracked large page at %#x", uint64(c.va)))
			}
			err := c.pt.splitLeaf(n, idx)
			unlockPath(path)
			if err != nil {
				panic(fmt.Sprintf("splitting large page at %#x: %v", uint64(c.va), err))
			}
			continue
		}

		prop := c.pt.codec.Properties(raw, n.level)
		mut(&prop)
		n.raws[idx] = c.pt.codec.SetProperties(raw, n.level, prop)
		unlockPath(path)
		c.va = leafEnd
		return paging.Range{Start: leafStart, End: leafEnd}, true
	}
	return paging.Range{}, false
}

// CopyFrom copies length bytes worth of mappings from src's position to
// this cursor's position, cloning each mapped frame and applying mut to
// the properties of the installed copies only; src's mappings are left
// exactly as they were. Both cursors advance by length.
//
// The destination range must be entirely unmapped beforehand and the
// source must not contain untracked mappings or partially covered large
// pages; violations panic.
func (c *CursorMut) CopyFrom(src *CursorMut, length uint64, mut func(*paging.PageProperty)) error {
	if length == 0 || !paging.IsAligned(length, uint64(paging.PageSize)) ||
		uint64(c.rng.End-c.va) < length || uint64(src.rng.End-src.va) < length {
		return errors.ErrInvalidArgs
	}
	dstStart, srcStart := c.va, src.va
	srcEnd := srcStart + paging.Vaddr(length)

	for va := dstStart; va < dstStart+paging.Vaddr(length); {
		item := c.query(va)
		if item.Kind != ItemNotMapped {
			if item.Frame != nil {
				item.Frame.Drop()
			}
			panic(fmt.Sprintf("copying into a mapped destination at %#x", uint64(va)))
		}
		va = item.Range.End
	}

	for va := srcStart; va < srcEnd; {
		item := src.query(va)
		switch item.Kind {
		case ItemNotMapped:
			va = min(item.Range.End, srcEnd)
			continue
		case ItemUntracked:
			panic(fmt.Sprintf("copying an untracked mapping at %#x", uint64(va)))
		}
		if item.Range.Start < srcStart || item.Range.End > srcEnd {
			item.Frame.Drop()
			panic(fmt.Sprintf("partially copying a large page at %#x", uint64(va)))
		}

		prop := item.Prop
		mut(&prop)
		dva := dstStart + (item.Range.Start - srcStart)
		if err := c.install(dva, item.Range.Len(), item.Frame, prop); err != nil {
			item.Frame.Drop()
			return err
		}
		va = item.Range.End
	}

	c.va = dstStart + paging.Vaddr(length)
	src.va = srcStart + paging.Vaddr(length)
	return nil
}

// install places a tracked leaf of the given span at dva, consuming f.
//
// Precondition: the destination entry is absent and dva is span-aligned.
func (c *CursorMut) install(dva paging.Vaddr, span uint64, f *frame.Frame, prop paging.PageProperty) error {
	level := 0
	for l := 1; l <= c.pt.consts.NrLevels; l++ {
		if c.pt.consts.PageSizeAt(l) == span {
			level = l
			break
		}
	}
	if level == 0 || !paging.IsAligned(uint64(dva), span) {
		panic(fmt.Sprintf("misaligned destination %#x for a %#x-byte page", uint64(dva), span))
	}
	path, err := c.seek(dva, level, true)
	if err != nil {
		return err
	}
	n := path[len(path)-1]
	if n.level != level {
		unlockPath(path)
		panic(fmt.Sprintf("destination entry at %#x is occupied", uint64(dva)))
	}
	idx := c.pt.consts.IndexAt(n.level, dva)
	if c.pt.codec.IsPresent(n.raws[idx]) {
		unlockPath(path)
		panic(fmt.Sprintf("destination entry at %#x is occupied", uint64(dva)))
	}
	c.pt.setLeaf(n, idx, f, prop)
	unlockPath(path)
	return nil
}
