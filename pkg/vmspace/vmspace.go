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

// Package vmspace ties the virtual-memory core together: user address
// spaces over shared kernel page tables, CPU activation tracking, TLB
// coherence for every mutation, and fallible user-memory access.
package vmspace

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"osmium.dev/osmium/pkg/arch"
	"osmium.dev/osmium/pkg/cpuset"
	"osmium.dev/osmium/pkg/errors"
	"osmium.dev/osmium/pkg/frame"
	"osmium.dev/osmium/pkg/paging"
	"osmium.dev/osmium/pkg/pagetables"
	"osmium.dev/osmium/pkg/tlb"
)

// Kernel is the machine-wide virtual-memory context: the kernel page table
// every address space shares its upper half with, the frame registry, and
// the per-CPU record of which space is active where.
type Kernel struct {
	machine arch.Machine
	pool    *frame.Pool
	reg     *frame.Registry
	consts  paging.Consts
	kpt     *pagetables.PageTables

	// allCPUs targets kernel-half flushes at every CPU; kernel mappings
	// are visible through all tables.
	allCPUs cpuset.AtomicCpuSet

	mu sync.Mutex

	// activated records, per CPU, the space last activated there.
	activated []*VmSpace
}

// NewKernel creates the kernel context on the given machine, backed by the
// given frame pool. The kernel page table's upper half is fully populated
// with shared subtrees so that kernel mappings made at any time are
// visible in every address space.
func NewKernel(machine arch.Machine, pool *frame.Pool, codec pagetables.EntryCodec, consts paging.Consts) (*Kernel, error) {
	reg := frame.NewRegistry(pool, pool.NFrames())
	kpt, err := pagetables.New(reg, codec, consts, pagetables.Kernel)
	if err != nil {
		return nil, err
	}
	if err := kpt.ShareKernelHalf(); err != nil {
		kpt.Drop()
		return nil, err
	}
	k := &Kernel{
		machine:   machine,
		pool:      pool,
		reg:       reg,
		consts:    consts,
		kpt:       kpt,
		activated: make([]*VmSpace, machine.NumCPUs()),
	}
	for cpu := 0; cpu < machine.NumCPUs(); cpu++ {
		k.allCPUs.Add(cpu)
	}
	return k, nil
}

// Machine returns the kernel's hardware surface.
func (k *Kernel) Machine() arch.Machine {
	return k.machine
}

// Registry returns the frame metadata registry.
func (k *Kernel) Registry() *frame.Registry {
	return k.reg
}

// Consts returns the paging geometry.
func (k *Kernel) Consts() paging.Consts {
	return k.consts
}

// CursorMut opens a mutating cursor over kernel space, for untracked
// kernel mappings. Kernel mutations flush every CPU: the mappings are
// shared by all tables.
func (k *Kernel) CursorMut(r paging.Range) (*CursorMut, error) {
	c, err := k.kpt.TryCursorMut(r)
	if err != nil {
		return nil, err
	}
	return &CursorMut{
		k:  k,
		c:  c,
		fl: tlb.NewFlusher(k.machine, &k.allCPUs),
	}, nil
}

// NewVmSpace creates an empty user address space sharing the kernel half.
func (k *Kernel) NewVmSpace() (*VmSpace, error) {
	pt, err := k.kpt.NewUserTable()
	if err != nil {
		return nil, err
	}
	return &VmSpace{k: k, pt: pt}, nil
}

// PageFaultInfo describes one page fault raised against a VmSpace.
type PageFaultInfo struct {
	// Addr is the faulting virtual address.
	Addr paging.Vaddr

	// Required holds the access flags the faulting access needed.
	Required paging.PageFlags
}

// PageFaultHandler resolves page faults for one address space, typically
// by mapping the missing page through a cursor.
type PageFaultHandler func(*VmSpace, *PageFaultInfo) error

// VmSpace is one user address space.
//
// The activation lock orders cursors against Clear and Activate: cursors
// hold it shared for their lifetime, Clear and Activate need it
// exclusively.
type VmSpace struct {
	k  *Kernel
	pt *pagetables.PageTables

	activation sync.RWMutex

	// cpus tracks the CPUs this space is currently activated on; it is
	// the flush target of every mutating cursor.
	cpus cpuset.AtomicCpuSet

	handler atomic.Pointer[PageFaultHandler]
}

// Range returns the full userspace range this space can map.
func (s *VmSpace) Range() paging.Range {
	return paging.Range{Start: 0, End: s.k.consts.MaxUserAddr()}
}

// RootPaddr returns the root of the space's page table.
func (s *VmSpace) RootPaddr() paging.Paddr {
	return s.pt.RootPaddr()
}

// CPUs returns a snapshot of the CPUs the space is activated on.
func (s *VmSpace) CPUs() cpuset.CpuSet {
	return s.cpus.Load()
}

// Activate makes this the active address space of the calling CPU. The
// previous space of that CPU, if any, is deactivated in the same step.
// Activating the already-active space is a cheap no-op beyond reloading
// the root.
//
// Activate holds the activation lock exclusively: it waits for every open
// cursor on this space to close before the table switch, so a cursor
// never observes its space going live mid-mutation.
func (s *VmSpace) Activate() {
	enable := s.k.machine.DisablePreemption()
	defer enable()
	cpu := s.k.machine.CurrentCPU()

	s.activation.Lock()
	defer s.activation.Unlock()
	s.k.mu.Lock()
	defer s.k.mu.Unlock()

	last := s.k.activated[cpu]
	if last == s {
		s.k.machine.ActivateTable(cpu, s.pt.RootPaddr(), paging.CacheWriteBack)
		return
	}

	// Publish before the hardware switch so that a racing flush targets
	// this CPU from the first user-mode instruction on.
	s.cpus.Add(cpu)
	s.k.activated[cpu] = s
	s.k.machine.ActivateTable(cpu, s.pt.RootPaddr(), paging.CacheWriteBack)
	if last != nil {
		last.cpus.Remove(cpu)
	}
	logrus.WithFields(logrus.Fields{
		"cpu":  cpu,
		"root": s.pt.RootPaddr(),
	}).Debug("Activated address space")
}

// Clear removes every mapping from the space.
//
// It fails with ErrCursorsAlive while any cursor is open on the space, and
// with an ActivatedError naming the CPUs if the space is active anywhere
// but the calling CPU; remote CPUs could otherwise keep running user code
// on freed frames. Frames are released synchronously and the local TLB is
// flushed before returning.
func (s *VmSpace) Clear() error {
	enable := s.k.machine.DisablePreemption()
	defer enable()
	cpu := s.k.machine.CurrentCPU()

	if !s.activation.TryLock() {
		return errors.ErrCursorsAlive
	}
	defer s.activation.Unlock()

	active := s.cpus.Load()
	var others []int
	for _, c := range active.Slice() {
		if c != cpu {
			others = append(others, c)
		}
	}
	if len(others) > 0 {
		return &errors.ActivatedError{CPUs: others}
	}

	// Clear drops frames before the flush, inverting the usual order.
	// That is safe only here: the write lock excludes cursors, no other
	// CPU has the table active, and preemption is off, so nothing can
	// reach a stale translation before the local flush below.
	s.pt.Clear()
	if active.Contains(cpu) {
		s.k.machine.LocalInvalidate(cpu, arch.FlushOpAll())
	}
	logrus.WithField("root", s.pt.RootPaddr()).Debug("Cleared address space")
	return nil
}

// Cursor opens a read cursor over r. It fails with ErrBusy if any open
// cursor overlaps r.
func (s *VmSpace) Cursor(r paging.Range) (*Cursor, error) {
	s.activation.RLock()
	c, err := s.pt.TryCursor(r)
	if err != nil {
		s.activation.RUnlock()
		return nil, err
	}
	return &Cursor{s: s, c: c}, nil
}

// CursorMut opens a mutating cursor over r. It fails with ErrBusy if any
// open cursor overlaps r. Every mutation made through it is made TLB
// coherent on the CPUs the space is activated on.
func (s *VmSpace) CursorMut(r paging.Range) (*CursorMut, error) {
	s.activation.RLock()
	c, err := s.pt.TryCursorMut(r)
	if err != nil {
		s.activation.RUnlock()
		return nil, err
	}
	return &CursorMut{
		s:  s,
		c:  c,
		fl: tlb.NewFlusher(s.k.machine, &s.cpus),
	}, nil
}

// SetPageFaultHandler registers the space's page fault handler. Only the
// first registration takes effect; later calls return false.
func (s *VmSpace) SetPageFaultHandler(h PageFaultHandler) bool {
	return s.handler.CompareAndSwap(nil, &h)
}

// HandlePageFault dispatches a fault to the registered handler. Faults on
// a space with no handler are unhandled and reported as such.
func (s *VmSpace) HandlePageFault(info *PageFaultInfo) error {
	h := s.handler.Load()
	if h == nil {
		return errors.ErrPageFault
	}
	return (*h)(s, info)
}
