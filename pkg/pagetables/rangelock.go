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

	"github.com/google/btree"

	"osmium.dev/osmium/pkg/errors"
	"osmium.dev/osmium/pkg/paging"
)

// rangeLock serializes cursors: at most one cursor may hold any given
// virtual address. Held ranges are kept in a B-tree ordered by start
// address; blocked acquirers wait on a condition broadcast at every
// release.
type rangeLock struct {
	mu   sync.Mutex
	cond *sync.Cond
	tree *btree.BTreeG[lockedRange]
}

type lockedRange struct {
	start, end paging.Vaddr
}

func lockedRangeLess(a, b lockedRange) bool {
	if a.start != b.start {
		return a.start < b.start
	}
	return a.end < b.end
}

func newRangeLock() *rangeLock {
	l := &rangeLock{
		tree: btree.NewG(8, lockedRangeLess),
	}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// overlapsLocked reports whether any held range intersects r.
//
// Precondition: l.mu is held.
func (l *rangeLock) overlapsLocked(r paging.Range) bool {
	found := false
	l.tree.AscendLessThan(lockedRange{start: r.End}, func(it lockedRange) bool {
		if it.end > r.Start {
			found = true
			return false
		}
		return true
	})
	return found
}

// acquire takes exclusive ownership of r. When try is set it fails fast
// with ErrBusy instead of blocking behind an overlapping holder.
func (l *rangeLock) acquire(r paging.Range, try bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.overlapsLocked(r) {
		if try {
			return errors.ErrBusy
		}
		l.cond.Wait()
	}
	l.tree.ReplaceOrInsert(lockedRange{start: r.Start, end: r.End})
	return nil
}

// release gives up ownership of r and wakes all waiters.
func (l *rangeLock) release(r paging.Range) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.tree.Delete(lockedRange{start: r.Start, end: r.End}); !ok {
		panic("releasing range that is not held")
	}
	l.cond.Broadcast()
}
