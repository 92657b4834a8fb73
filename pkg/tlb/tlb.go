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

// Package tlb batches TLB invalidations and ties the lifetime of unmapped
// frames to them.
//
// A frame whose translation may still sit in some TLB must not be freed:
// another CPU could keep accessing it through the stale entry after the
// allocator reuses it. The Flusher therefore takes ownership of frames
// alongside the invalidation that retires them, and only drops them after
// Dispatch has completed the invalidation everywhere it is needed.
package tlb

import (
	"github.com/sirupsen/logrus"

	"osmium.dev/osmium/pkg/arch"
	"osmium.dev/osmium/pkg/cpuset"
	"osmium.dev/osmium/pkg/frame"
	"osmium.dev/osmium/pkg/paging"
)

// FlushAllThreshold is the number of base pages beyond which a batch of
// pending invalidations is coalesced into a single full-TLB flush. Entering
// addresses one by one costs more than refilling the TLB past this point.
const FlushAllThreshold = 32

// Flusher accumulates TLB invalidations for one address space and the
// frames they retire.
//
// A Flusher belongs to a single owner (a mutating cursor) and is not safe
// for concurrent use. It pins the owner to its CPU for its whole lifetime
// so that the issuing CPU of every batched op stays meaningful; Release
// unpins and dispatches whatever is still pending.
type Flusher struct {
	machine arch.Machine

	// target tracks the CPUs the address space is activated on. A nil
	// target means only the issuing CPU can hold stale entries.
	target *cpuset.AtomicCpuSet

	cpu    int
	enable func()

	ops    []arch.FlushOp
	npages uint64
	all    bool
	frames []*frame.Frame
}

// NewFlusher creates a flusher issuing from the calling CPU. Preemption
// stays disabled until Release.
func NewFlusher(machine arch.Machine, target *cpuset.AtomicCpuSet) *Flusher {
	enable := machine.DisablePreemption()
	return &Flusher{
		machine: machine,
		target:  target,
		cpu:     machine.CurrentCPU(),
		enable:  enable,
	}
}

// CPU returns the issuing CPU.
func (f *Flusher) CPU() int {
	return f.cpu
}

// Issue queues one invalidation.
func (f *Flusher) Issue(op arch.FlushOp) {
	switch op.Kind {
	case arch.FlushAll:
		f.all = true
		f.ops = nil
	case arch.FlushAddress, arch.FlushRange:
		if f.all {
			return
		}
		f.npages += op.Len / paging.PageSize
		if f.npages > FlushAllThreshold {
			f.all = true
			f.ops = nil
			return
		}
		f.ops = append(f.ops, op)
	}
}

// IssueWithFrame queues one invalidation and takes ownership of the frame
// it retires. The frame is dropped by the next Dispatch, never before the
// invalidation completes.
func (f *Flusher) IssueWithFrame(op arch.FlushOp, fr *frame.Frame) {
	f.Issue(op)
	f.frames = append(f.frames, fr)
}

// KeepAlive takes ownership of a frame that must survive until the next
// Dispatch without needing an invalidation of its own, such as a reclaimed
// page-table node still reachable through stale upper-level walks.
func (f *Flusher) KeepAlive(fr *frame.Frame) {
	f.frames = append(f.frames, fr)
}

// Pending returns true iff invalidations or frames are waiting for
// Dispatch.
func (f *Flusher) Pending() bool {
	return f.all || len(f.ops) > 0 || len(f.frames) > 0
}

// Dispatch performs the queued invalidations on every CPU that may hold
// stale entries, then drops the retired frames.
func (f *Flusher) Dispatch() {
	if !f.Pending() {
		return
	}

	targets := cpuset.FromSlice([]int{f.cpu})
	if f.target != nil {
		targets = f.target.Load()
		targets.Add(f.cpu)
	}

	var remote []int
	for _, cpu := range targets.Slice() {
		if cpu != f.cpu {
			remote = append(remote, cpu)
		}
	}

	if f.all {
		f.machine.LocalInvalidate(f.cpu, arch.FlushOpAll())
		if len(remote) > 0 {
			f.machine.SendRemoteInvalidation(remote, arch.FlushOpAll())
		}
	} else {
		for _, op := range f.ops {
			f.machine.LocalInvalidate(f.cpu, op)
		}
		for _, op := range f.ops {
			if len(remote) > 0 {
				f.machine.SendRemoteInvalidation(remote, op)
			}
		}
	}

	if len(f.frames) > 0 {
		logrus.WithFields(logrus.Fields{
			"cpu":    f.cpu,
			"frames": len(f.frames),
			"remote": len(remote),
		}).Debug("Dropping frames after TLB dispatch")
	}
	for _, fr := range f.frames {
		fr.Drop()
	}

	f.ops = nil
	f.npages = 0
	f.all = false
	f.frames = nil
}

// Release dispatches anything still pending and re-enables preemption. The
// flusher must not be used afterwards.
func (f *Flusher) Release() {
	f.Dispatch()
	if f.enable != nil {
		f.enable()
		f.enable = nil
	}
}
