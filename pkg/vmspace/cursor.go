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

package vmspace

import (
	"fmt"

	"osmium.dev/osmium/pkg/arch"
	"osmium.dev/osmium/pkg/frame"
	"osmium.dev/osmium/pkg/paging"
	"osmium.dev/osmium/pkg/pagetables"
	"osmium.dev/osmium/pkg/tlb"
)

// Cursor is a read cursor over an address space. It keeps the space's
// activation lock shared, so Clear fails while it is open.
type Cursor struct {
	s *VmSpace
	c *pagetables.Cursor
}

// Range returns the cursor's virtual range.
func (c *Cursor) Range() paging.Range { return c.c.Range() }

// VirtAddr returns the cursor's current position.
func (c *Cursor) VirtAddr() paging.Vaddr { return c.c.VirtAddr() }

// Jump repositions the cursor within its range.
func (c *Cursor) Jump(va paging.Vaddr) error { return c.c.Jump(va) }

// Query reports the item at the cursor's position without moving. Mapped
// items carry a cloned frame handle the caller must drop.
func (c *Cursor) Query() pagetables.Item { return c.c.Query() }

// Next returns the item at the cursor's position and advances past it.
func (c *Cursor) Next() (pagetables.Item, bool) { return c.c.Next() }

// Close releases the cursor.
func (c *Cursor) Close() {
	c.c.Close()
	c.s.activation.RUnlock()
}

// CursorMut is a mutating cursor over an address space (or, opened through
// Kernel.CursorMut, over kernel space). Every mutation it makes is paired
// with the TLB invalidation that makes it coherent, through a flusher
// targeting the CPUs the space is active on.
type CursorMut struct {
	s  *VmSpace // nil for kernel cursors
	k  *Kernel
	c  *pagetables.CursorMut
	fl *tlb.Flusher
}

// Range returns the cursor's virtual range.
func (c *CursorMut) Range() paging.Range { return c.c.Range() }

// VirtAddr returns the cursor's current position.
func (c *CursorMut) VirtAddr() paging.Vaddr { return c.c.VirtAddr() }

// Jump repositions the cursor within its range.
func (c *CursorMut) Jump(va paging.Vaddr) error { return c.c.Jump(va) }

// Query reports the item at the cursor's position without moving. Mapped
// items carry a cloned frame handle the caller must drop.
func (c *CursorMut) Query() pagetables.Item { return c.c.Query() }

// Next returns the item at the cursor's position and advances past it.
func (c *CursorMut) Next() (pagetables.Item, bool) { return c.c.Next() }

// Flusher returns the cursor's TLB flusher, for callers that batch their
// own invalidations.
func (c *CursorMut) Flusher() *tlb.Flusher { return c.fl }

// Map installs a tracked mapping of f at the cursor's position, consuming
// the handle, and advances past it. A replaced mapping is flushed and its
// frame released once the flush completes. On error the handle is not
// consumed.
func (c *CursorMut) Map(f *frame.Frame, prop paging.PageProperty) error {
	va := c.c.VirtAddr()
	old, err := c.c.Map(f, prop)
	if err != nil {
		return err
	}
	if old != nil {
		c.fl.IssueWithFrame(arch.FlushOpRange(paging.Range{Start: va, End: c.c.VirtAddr()}), old)
		c.fl.Dispatch()
	}
	return nil
}

// MapUntracked installs untracked kernel mappings of [pa, pa+length) at
// the cursor's position. Only kernel cursors may do this.
func (c *CursorMut) MapUntracked(pa paging.Paddr, length uint64, prop paging.PageProperty) error {
	return c.c.MapUntracked(pa, length, prop)
}

// Unmap removes every mapping in the next length bytes and advances past
// them. Unmapped frames are released only after the TLB invalidation
// retiring them has completed on every CPU the space is active on.
//
// User address spaces hold tracked mappings only; encountering an
// untracked one is a fatal corruption.
func (c *CursorMut) Unmap(length uint64) {
	if length == 0 || !paging.IsAligned(length, uint64(paging.PageSize)) {
		panic(fmt.Sprintf("unmapping %#x bytes", length))
	}
	if remaining := uint64(c.c.Range().End - c.c.VirtAddr()); length > remaining {
		panic(fmt.Sprintf("unmapping %#x bytes with %#x left in the cursor's range", length, remaining))
	}
	end := c.c.VirtAddr() + paging.Vaddr(length)
	for c.c.VirtAddr() < end {
		item := c.c.TakeNext(uint64(end - c.c.VirtAddr()))
		switch item.Kind {
		case pagetables.ItemMapped:
			c.fl.IssueWithFrame(arch.FlushOpRange(item.Range), item.Frame)
		case pagetables.ItemUntracked:
			if c.s != nil {
				panic(fmt.Sprintf("untracked mapping at %#x in a user address space", uint64(item.Range.Start)))
			}
			c.fl.Issue(arch.FlushOpRange(item.Range))
		}
	}
	for _, nf := range c.c.TakeReclaimed() {
		c.fl.KeepAlive(nf)
	}
	c.fl.Dispatch()
}

// Protect applies mut to the properties of every mapping in the next
// length bytes and advances past them, flushing each touched range.
func (c *CursorMut) Protect(length uint64, mut func(*paging.PageProperty)) {
	end := c.c.VirtAddr() + paging.Vaddr(length)
	for c.c.VirtAddr() < end {
		rng, ok := c.c.ProtectNext(uint64(end-c.c.VirtAddr()), mut)
		if !ok {
			break
		}
		c.fl.Issue(arch.FlushOpRange(rng))
	}
	c.fl.Dispatch()
}

// CopyFrom clones the mappings in the next length bytes of src into this
// cursor's position, applying mut to the properties of the installed
// copies only; src's own mappings and properties are untouched. Both
// cursors advance by length.
//
// Sharing is by frame reference: the copies alias the same frames until
// either side replaces its mapping, which is the building block for
// copy-on-write forks.
func (c *CursorMut) CopyFrom(src *CursorMut, length uint64, mut func(*paging.PageProperty)) error {
	return c.c.CopyFrom(src.c, length, mut)
}

// Close dispatches pending invalidations and releases the cursor.
func (c *CursorMut) Close() {
	for _, nf := range c.c.TakeReclaimed() {
		c.fl.KeepAlive(nf)
	}
	c.c.Close()
	c.fl.Release()
	if c.s != nil {
		c.s.activation.RUnlock()
	}
}
