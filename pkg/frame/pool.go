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
	"sync"

	"github.com/sirupsen/logrus"

	"osmium.dev/osmium/pkg/errors"
	"osmium.dev/osmium/pkg/paging"
)

// Pool is an in-process physical memory backend: a flat byte arena carved
// into page frames, with a first-fit allocator over a used bitmap.
//
// First-fit keeps allocation deterministic: a freed frame is the first
// candidate for the next single-frame allocation, which the frame lifecycle
// relies on nothing but makes exhaustion behavior easy to reason about.
type Pool struct {
	mu   sync.Mutex
	mem  []byte
	used []bool

	// hint is the lowest index that might be free.
	hint int

	allocated int
}

// NewPool creates a pool of nframes frames backed by anonymous memory.
func NewPool(nframes int) *Pool {
	return &Pool{
		mem:  make([]byte, nframes*paging.PageSize),
		used: make([]bool, nframes),
	}
}

// NFrames returns the pool capacity in frames.
func (p *Pool) NFrames() int {
	return len(p.used)
}

// Allocated returns the number of frames currently allocated.
func (p *Pool) Allocated() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocated
}

// Alloc implements Allocator.Alloc.
func (p *Pool) Alloc(count int) (paging.Paddr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if count <= 0 {
		return 0, errors.ErrInvalidArgs
	}
	for i := p.hint; i+count <= len(p.used); i++ {
		run := 0
		for run < count && !p.used[i+run] {
			run++
		}
		if run < count {
			i += run
			continue
		}
		for j := 0; j < count; j++ {
			p.used[i+j] = true
		}
		if i == p.hint && count == 1 {
			p.hint = i + 1
		}
		p.allocated += count
		return paging.Paddr(i * paging.PageSize), nil
	}
	logrus.WithFields(logrus.Fields{
		"want":      count,
		"allocated": p.allocated,
		"capacity":  len(p.used),
	}).Warn("Frame pool exhausted")
	return 0, errors.ErrNoMemory
}

// Dealloc implements Allocator.Dealloc.
func (p *Pool) Dealloc(pa paging.Paddr, count int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := int(pa / paging.PageSize)
	for j := 0; j < count; j++ {
		if !p.used[i+j] {
			panic(fmt.Sprintf("double free of frame %#x", pa+paging.Paddr(j*paging.PageSize)))
		}
		p.used[i+j] = false
	}
	if i < p.hint {
		p.hint = i
	}
	p.allocated -= count
}

// ZeroRange implements Zeroer.ZeroRange.
func (p *Pool) ZeroRange(pa paging.Paddr, count int) {
	b := p.Bytes(pa, uint64(count)*paging.PageSize)
	for i := range b {
		b[i] = 0
	}
}

// Bytes returns the backing bytes of the physical range [pa, pa+length).
// The range must fall entirely inside the pool.
func (p *Pool) Bytes(pa paging.Paddr, length uint64) []byte {
	if uint64(pa)+length > uint64(len(p.mem)) {
		panic(fmt.Sprintf("physical range [%#x, %#x) outside pool of %#x bytes", pa, uint64(pa)+length, len(p.mem)))
	}
	return p.mem[pa : uint64(pa)+length : uint64(pa)+length]
}
