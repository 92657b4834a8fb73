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

package arch

import (
	"fmt"
	"sync"

	"osmium.dev/osmium/pkg/paging"
)

// RemoteInvalidation records one remote shootdown sent by a SimMachine.
type RemoteInvalidation struct {
	CPUs []int
	Op   FlushOp
}

// SimMachine is an in-process Machine for tests and single-address-space
// hosting. It tracks the active root per CPU and records every invalidation
// it is asked to perform.
type SimMachine struct {
	numCPUs int

	mu sync.Mutex

	// current is the CPU the caller is modeled to run on. Tests move it
	// with SetCurrentCPU.
	current int

	preemptDepth int
	roots        []paging.Paddr
	localOps     [][]FlushOp
	remoteOps    []RemoteInvalidation
}

// NewSimMachine creates a simulated machine with numCPUs CPUs, all idle
// with no page table active.
func NewSimMachine(numCPUs int) *SimMachine {
	if numCPUs <= 0 {
		panic("machine needs at least one CPU")
	}
	return &SimMachine{
		numCPUs:  numCPUs,
		roots:    make([]paging.Paddr, numCPUs),
		localOps: make([][]FlushOp, numCPUs),
	}
}

// NumCPUs implements Machine.NumCPUs.
func (m *SimMachine) NumCPUs() int {
	return m.numCPUs
}

// CurrentCPU implements Machine.CurrentCPU.
func (m *SimMachine) CurrentCPU() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// SetCurrentCPU moves the modeled caller to the given CPU. It panics while
// preemption is disabled.
func (m *SimMachine) SetCurrentCPU(cpu int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cpu < 0 || cpu >= m.numCPUs {
		panic(fmt.Sprintf("CPU %d out of range [0, %d)", cpu, m.numCPUs))
	}
	if m.preemptDepth > 0 {
		panic("migrating with preemption disabled")
	}
	m.current = cpu
}

// DisablePreemption implements Machine.DisablePreemption.
func (m *SimMachine) DisablePreemption() func() {
	m.mu.Lock()
	m.preemptDepth++
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.preemptDepth == 0 {
			panic("unbalanced preemption enable")
		}
		m.preemptDepth--
	}
}

// ActivateTable implements Machine.ActivateTable.
func (m *SimMachine) ActivateTable(cpu int, root paging.Paddr, _ paging.CachePolicy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roots[cpu] = root
}

// CurrentTablePaddr implements Machine.CurrentTablePaddr.
func (m *SimMachine) CurrentTablePaddr(cpu int) paging.Paddr {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.roots[cpu]
}

// LocalInvalidate implements Machine.LocalInvalidate.
func (m *SimMachine) LocalInvalidate(cpu int, op FlushOp) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.localOps[cpu] = append(m.localOps[cpu], op)
}

// SendRemoteInvalidation implements Machine.SendRemoteInvalidation.
func (m *SimMachine) SendRemoteInvalidation(cpus []int, op FlushOp) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(cpus) == 0 {
		return
	}
	recorded := append([]int(nil), cpus...)
	m.remoteOps = append(m.remoteOps, RemoteInvalidation{CPUs: recorded, Op: op})
	for _, cpu := range cpus {
		m.localOps[cpu] = append(m.localOps[cpu], op)
	}
}

// LocalInvalidations returns the invalidations performed on cpu, in order.
func (m *SimMachine) LocalInvalidations(cpu int) []FlushOp {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]FlushOp(nil), m.localOps[cpu]...)
}

// RemoteInvalidations returns the remote shootdowns sent so far, in order.
func (m *SimMachine) RemoteInvalidations() []RemoteInvalidation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RemoteInvalidation(nil), m.remoteOps...)
}

// ResetInvalidations clears the recorded invalidation history.
func (m *SimMachine) ResetInvalidations() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for cpu := range m.localOps {
		m.localOps[cpu] = nil
	}
	m.remoteOps = nil
}
