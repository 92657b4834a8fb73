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
	"sync"

	"osmium.dev/osmium/pkg/frame"
	"osmium.dev/osmium/pkg/paging"
	"osmium.dev/osmium/pkg/refs"
)

// node is one page-table node: a backing frame holding raw entries, plus
// the bookkeeping the walker needs alongside the raw encoding.
//
// Walks lock nodes top-down, either hand-over-hand (reads) or keeping the
// whole path locked (mutations), so lock acquisition order is consistent
// across all walkers.
type node struct {
	// level is the node's radix-tree level; entries of a level-1 node
	// are base-page leaves.
	level int

	// backing is the KindPageTableNode frame holding the raw entries.
	// It is nil once the node has been reclaimed.
	backing *frame.Frame

	// refs counts the tables sharing this node. Only kernel-half
	// subtrees are ever shared.
	refs refs.Counter

	mu sync.Mutex

	// raws holds the encoded entries, interpreted by the table's codec.
	raws []uint64

	// children holds the child node of every node-pointer entry.
	children map[int]*node

	// frames holds the owned frame handle of every tracked leaf entry.
	// Untracked leaves have a raw entry and nothing else.
	frames map[int]*frame.Frame

	// nr is the number of present entries.
	nr int
}

// allocNode allocates a zeroed node at the given level.
func (p *PageTables) allocNode(level int) (*node, error) {
	backing, err := p.reg.AllocFrame(frame.KindPageTableNode, nil, frame.AllocOptions{Zeroed: true})
	if err != nil {
		return nil, err
	}
	n := &node{
		level:   level,
		backing: backing,
		raws:    make([]uint64, p.consts.EntriesPerNode()),
	}
	n.refs.Init(1)
	return n, nil
}

// setChild installs a node-pointer entry.
//
// Precondition: n is locked and entry idx is absent.
func (p *PageTables) setChild(n *node, idx int, child *node) {
	n.raws[idx] = p.codec.NewNodePointer(child.backing.Paddr())
	if n.children == nil {
		n.children = make(map[int]*node)
	}
	n.children[idx] = child
	n.nr++
}

// setLeaf installs a tracked leaf entry, taking ownership of f.
//
// Precondition: n is locked and entry idx is absent.
func (p *PageTables) setLeaf(n *node, idx int, f *frame.Frame, prop paging.PageProperty) {
	n.raws[idx] = p.codec.NewLeaf(f.Paddr(), n.level, prop)
	if n.frames == nil {
		n.frames = make(map[int]*frame.Frame)
	}
	n.frames[idx] = f
	n.nr++
}

// clearEntry removes entry idx, returning the tracked frame it owned, if
// any. Child node pointers must be detached by the caller beforehand.
//
// Precondition: n is locked and entry idx is present.
func (n *node) clearEntry(idx int) *frame.Frame {
	f := n.frames[idx]
	if f != nil {
		delete(n.frames, idx)
	}
	n.raws[idx] = 0
	n.nr--
	return f
}

// takeBacking detaches and returns the node's backing frame for deferred
// reclamation.
//
// Precondition: the node is empty and unreferenced by any table.
func (n *node) takeBacking() *frame.Frame {
	f := n.backing
	n.backing = nil
	return f
}

// releaseNode drops one reference on a subtree, destroying it when the
// last reference goes away. Destruction drops tracked leaf frames and
// backing frames synchronously; callers are responsible for any TLB
// invalidation ordering.
func (p *PageTables) releaseNode(n *node) {
	n.refs.DecRef(func() {
		for _, child := range n.children {
			p.releaseNode(child)
		}
		for _, f := range n.frames {
			f.Drop()
		}
		n.children = nil
		n.frames = nil
		if n.backing != nil {
			n.backing.Drop()
		}
	})
}

// splitLeaf replaces the untracked leaf at entry idx with a child node of
// base-or-smaller leaves covering the same physical range with the same
// properties.
//
// Precondition: n is locked, entry idx is an untracked leaf, n.level > 1.
func (p *PageTables) splitLeaf(n *node, idx int) error {
	raw := n.raws[idx]
	pa := p.codec.Paddr(raw, n.level)
	prop := p.codec.Properties(raw, n.level)

	child, err := p.allocNode(n.level - 1)
	if err != nil {
		return err
	}
	span := p.consts.PageSizeAt(n.level - 1)
	for i := range child.raws {
		child.raws[i] = p.codec.NewLeaf(pa+paging.Paddr(uint64(i)*span), child.level, prop)
	}
	child.nr = len(child.raws)

	n.raws[idx] = p.codec.NewNodePointer(child.backing.Paddr())
	if n.children == nil {
		n.children = make(map[int]*node)
	}
	n.children[idx] = child
	return nil
}
