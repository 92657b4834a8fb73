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

// Package cpuset provides compact CPU identifier sets, including an atomic
// variant used to track which CPUs have an address space activated.
package cpuset

import (
	"fmt"
	"math/bits"
	"sync/atomic"
)

// MaxCPUs is the largest supported number of CPUs.
const MaxCPUs = 64

// CpuSet is a bitmask of CPU identifiers. The zero value is the empty set.
type CpuSet struct {
	mask uint64
}

// FromSlice builds a set from explicit CPU identifiers.
func FromSlice(cpus []int) CpuSet {
	var s CpuSet
	for _, cpu := range cpus {
		s.Add(cpu)
	}
	return s
}

func checkCPU(cpu int) {
	if cpu < 0 || cpu >= MaxCPUs {
		panic(fmt.Sprintf("CPU %d out of range [0, %d)", cpu, MaxCPUs))
	}
}

// Add inserts cpu into the set.
func (s *CpuSet) Add(cpu int) {
	checkCPU(cpu)
	s.mask |= 1 << uint(cpu)
}

// Remove deletes cpu from the set.
func (s *CpuSet) Remove(cpu int) {
	checkCPU(cpu)
	s.mask &^= 1 << uint(cpu)
}

// Contains returns true iff cpu is in the set.
func (s CpuSet) Contains(cpu int) bool {
	checkCPU(cpu)
	return s.mask&(1<<uint(cpu)) != 0
}

// IsEmpty returns true iff the set holds no CPUs.
func (s CpuSet) IsEmpty() bool {
	return s.mask == 0
}

// Count returns the number of CPUs in the set.
func (s CpuSet) Count() int {
	return bits.OnesCount64(s.mask)
}

// Slice returns the CPU identifiers in ascending order.
func (s CpuSet) Slice() []int {
	cpus := make([]int, 0, s.Count())
	for m := s.mask; m != 0; m &= m - 1 {
		cpus = append(cpus, bits.TrailingZeros64(m))
	}
	return cpus
}

// String implements fmt.Stringer.String.
func (s CpuSet) String() string {
	return fmt.Sprintf("%v", s.Slice())
}

// AtomicCpuSet is a CpuSet safe for concurrent per-CPU updates. Element
// operations are atomic individually; Load observes some interleaving of
// concurrent updates, which is all activation tracking needs.
type AtomicCpuSet struct {
	mask atomic.Uint64
}

// Add atomically inserts cpu into the set.
func (s *AtomicCpuSet) Add(cpu int) {
	checkCPU(cpu)
	bit := uint64(1) << uint(cpu)
	for {
		old := s.mask.Load()
		if old&bit != 0 || s.mask.CompareAndSwap(old, old|bit) {
			return
		}
	}
}

// Remove atomically deletes cpu from the set.
func (s *AtomicCpuSet) Remove(cpu int) {
	checkCPU(cpu)
	bit := uint64(1) << uint(cpu)
	for {
		old := s.mask.Load()
		if old&bit == 0 || s.mask.CompareAndSwap(old, old&^bit) {
			return
		}
	}
}

// Contains atomically tests membership of cpu.
func (s *AtomicCpuSet) Contains(cpu int) bool {
	checkCPU(cpu)
	return s.mask.Load()&(1<<uint(cpu)) != 0
}

// Load returns a snapshot of the set.
func (s *AtomicCpuSet) Load() CpuSet {
	return CpuSet{mask: s.mask.Load()}
}
