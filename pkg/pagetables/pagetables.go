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

// Package pagetables implements a multi-level radix page table with
// cursor-based traversal.
//
// The table is generic over the paging geometry and the entry encoding: a
// paging.Consts describes the tree shape, an EntryCodec the architecture's
// entry bits. Mappings are either tracked, holding an owning handle on the
// mapped frame, or untracked raw physical ranges available to kernel
// tables only.
//
// All traversal and mutation happens through cursors. A cursor owns its
// virtual range exclusively for its lifetime, so entries within it cannot
// change under the cursor's feet.
package pagetables

import (
	"fmt"

	"osmium.dev/osmium/pkg/errors"
	"osmium.dev/osmium/pkg/frame"
	"osmium.dev/osmium/pkg/paging"
)

// Mode restricts which half of the address space a table serves.
type Mode int

const (
	// User tables translate the lower half. Their upper half mirrors the
	// kernel table they were created from.
	User Mode = iota

	// Kernel tables translate the upper half and may carry untracked
	// mappings.
	Kernel
)

// PageTables is one page table: a radix tree of nodes from level
// Consts.NrLevels down to level 1.
type PageTables struct {
	mode   Mode
	consts paging.Consts
	codec  EntryCodec
	reg    *frame.Registry

	root  *node
	locks *rangeLock
}

// New creates an empty page table.
func New(reg *frame.Registry, codec EntryCodec, consts paging.Consts, mode Mode) (*PageTables, error) {
	p := &PageTables{
		mode:   mode,
		consts: consts,
		codec:  codec,
		reg:    reg,
		locks:  newRangeLock(),
	}
	root, err := p.allocNode(consts.NrLevels)
	if err != nil {
		return nil, err
	}
	p.root = root
	return p, nil
}

// Mode returns the table's mode.
func (p *PageTables) Mode() Mode {
	return p.mode
}

// Consts returns the table's paging geometry.
func (p *PageTables) Consts() paging.Consts {
	return p.consts
}

// RootPaddr returns the physical address of the root node, the value an
// activation loads into the page-table base register.
func (p *PageTables) RootPaddr() paging.Paddr {
	return p.root.backing.Paddr()
}

// kernelHalfStart returns the first root index of the kernel half.
func (p *PageTables) kernelHalfStart() int {
	return p.consts.EntriesPerNode() / 2
}

// MakeSharedTables pre-populates the kernel-half root entries covering r
// with child nodes, so that user tables created afterwards share those
// subtrees. Kernel mappings made underneath them later become visible in
// every sharing table without further work.
func (p *PageTables) MakeSharedTables(r paging.Range) error {
	if p.mode != Kernel {
		panic("sharing kernel subtrees of a user table")
	}
	if err := p.checkRange(r); err != nil {
		return err
	}
	rootLevel := p.consts.NrLevels
	first := p.consts.IndexAt(rootLevel, r.Start)
	last := p.consts.IndexAt(rootLevel, r.End-1)

	p.root.mu.Lock()
	defer p.root.mu.Unlock()
	for idx := first; idx <= last; idx++ {
		if p.codec.IsPresent(p.root.raws[idx]) {
			continue
		}
		child, err := p.allocNode(rootLevel - 1)
		if err != nil {
			return err
		}
		p.setChild(p.root, idx, child)
	}
	return nil
}

// ShareKernelHalf pre-populates every kernel-half root entry, covering the
// whole kernel half including the top entry that a Range cannot express
// without wrapping.
func (p *PageTables) ShareKernelHalf() error {
	if p.mode != Kernel {
		panic("sharing kernel subtrees of a user table")
	}
	rootLevel := p.consts.NrLevels
	p.root.mu.Lock()
	defer p.root.mu.Unlock()
	for idx := p.kernelHalfStart(); idx < p.consts.EntriesPerNode(); idx++ {
		if p.codec.IsPresent(p.root.raws[idx]) {
			continue
		}
		child, err := p.allocNode(rootLevel - 1)
		if err != nil {
			return err
		}
		p.setChild(p.root, idx, child)
	}
	return nil
}

// NewUserTable creates a user table whose kernel half shares this kernel
// table's subtrees. The shared root entries are copied by value; root-level
// kernel changes made after this call are not reflected in the new table,
// which is why kernel space is laid out through MakeSharedTables first.
func (p *PageTables) NewUserTable() (*PageTables, error) {
	if p.mode != Kernel {
		panic("forking user table from a user table")
	}
	u := &PageTables{
		mode:   User,
		consts: p.consts,
		codec:  p.codec,
		reg:    p.reg,
		locks:  newRangeLock(),
	}
	root, err := u.allocNode(p.consts.NrLevels)
	if err != nil {
		return nil, err
	}
	u.root = root

	p.root.mu.Lock()
	defer p.root.mu.Unlock()
	for idx := p.kernelHalfStart(); idx < p.consts.EntriesPerNode(); idx++ {
		raw := p.root.raws[idx]
		if !p.codec.IsPresent(raw) {
			continue
		}
		if p.codec.IsLeafAt(raw, p.consts.NrLevels) {
			// Root-level leaves cannot be shared by reference.
			u.root.raws[idx] = raw
			u.root.nr++
			continue
		}
		child := p.root.children[idx]
		child.refs.IncRef()
		u.root.raws[idx] = raw
		if u.root.children == nil {
			u.root.children = make(map[int]*node)
		}
		u.root.children[idx] = child
		u.root.nr++
	}
	return u, nil
}

// Drop destroys the table, releasing every node and every tracked frame it
// owns. Shared kernel subtrees survive as long as any sharing table does.
//
// The caller must guarantee no cursor is alive and the table is not active
// on any CPU.
func (p *PageTables) Drop() {
	root := p.root
	p.root = nil
	p.releaseNode(root)
}

// Clear removes every user-half mapping. Shared kernel-half entries are
// untouched. Tracked frames are dropped synchronously; the caller must
// guarantee no cursor is alive and invalidate the TLB of any CPU the table
// is active on before user code runs again.
func (p *PageTables) Clear() {
	p.root.mu.Lock()
	defer p.root.mu.Unlock()
	for idx := 0; idx < p.kernelHalfStart(); idx++ {
		raw := p.root.raws[idx]
		if !p.codec.IsPresent(raw) {
			continue
		}
		if child := p.root.children[idx]; child != nil {
			delete(p.root.children, idx)
			p.releaseNode(child)
		}
		if f := p.root.clearEntry(idx); f != nil {
			f.Drop()
		}
	}
}

// checkRange validates a cursor range against the table's mode.
func (p *PageTables) checkRange(r paging.Range) error {
	if !r.WellFormed() {
		return errors.ErrInvalidArgs
	}
	switch p.mode {
	case User:
		if r.End > p.consts.MaxUserAddr() {
			return errors.ErrInvalidArgs
		}
	case Kernel:
		if r.Start < p.consts.KernelBase() {
			return errors.ErrInvalidArgs
		}
	}
	return nil
}

// Cursor creates a read cursor over r, waiting for overlapping cursors to
// finish.
func (p *PageTables) Cursor(r paging.Range) (*Cursor, error) {
	return p.newCursor(r, false)
}

// TryCursor is Cursor, but fails with ErrBusy instead of waiting.
func (p *PageTables) TryCursor(r paging.Range) (*Cursor, error) {
	return p.newCursor(r, true)
}

// CursorMut creates a mutating cursor over r, waiting for overlapping
// cursors to finish.
func (p *PageTables) CursorMut(r paging.Range) (*CursorMut, error) {
	return p.newCursorMut(r, false)
}

// TryCursorMut is CursorMut, but fails with ErrBusy instead of waiting.
func (p *PageTables) TryCursorMut(r paging.Range) (*CursorMut, error) {
	return p.newCursorMut(r, true)
}

func (p *PageTables) newCursor(r paging.Range, try bool) (*Cursor, error) {
	if err := p.checkRange(r); err != nil {
		return nil, err
	}
	if err := p.locks.acquire(r, try); err != nil {
		return nil, err
	}
	return &Cursor{pt: p, rng: r, va: r.Start}, nil
}

func (p *PageTables) newCursorMut(r paging.Range, try bool) (*CursorMut, error) {
	if err := p.checkRange(r); err != nil {
		return nil, err
	}
	if err := p.locks.acquire(r, try); err != nil {
		return nil, err
	}
	return &CursorMut{Cursor: Cursor{pt: p, rng: r, va: r.Start}}, nil
}

// QueryOne translates a single virtual address without taking a cursor.
// It returns the physical address va maps to and the leaf's properties.
// The result is a racy snapshot unless the caller excludes writers.
func (p *PageTables) QueryOne(va paging.Vaddr) (paging.Paddr, paging.PageProperty, bool) {
	n := p.root
	n.mu.Lock()
	for {
		idx := p.consts.IndexAt(n.level, va)
		raw := n.raws[idx]
		if !p.codec.IsPresent(raw) {
			n.mu.Unlock()
			return 0, paging.PageProperty{}, false
		}
		if p.codec.IsLeafAt(raw, n.level) {
			span := p.consts.PageSizeAt(n.level)
			off := uint64(va) & (span - 1)
			pa := p.codec.Paddr(raw, n.level) + paging.Paddr(off)
			prop := p.codec.Properties(raw, n.level)
			n.mu.Unlock()
			return pa, prop, true
		}
		child := n.children[idx]
		if child == nil {
			panic(fmt.Sprintf("node pointer at level %d without child node", n.level))
		}
		child.mu.Lock()
		n.mu.Unlock()
		n = child
	}
}
