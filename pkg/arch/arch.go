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

// Package arch abstracts the per-CPU hardware surface the virtual-memory
// core depends on: page-table activation, TLB invalidation and preemption
// control.
package arch

import (
	"fmt"

	"osmium.dev/osmium/pkg/paging"
)

// FlushKind selects the scope of a TLB invalidation.
type FlushKind int

// Possible FlushKind values.
const (
	// FlushAddress invalidates the translation of a single virtual
	// address.
	FlushAddress FlushKind = iota

	// FlushRange invalidates every translation in a virtual range.
	FlushRange

	// FlushAll invalidates the entire TLB.
	FlushAll
)

// FlushOp is one TLB invalidation request.
type FlushOp struct {
	Kind FlushKind

	// Addr and Len describe the affected range for FlushAddress
	// (Len == PageSize) and FlushRange; both are zero for FlushAll.
	Addr paging.Vaddr
	Len  uint64
}

// FlushOpAddress returns an op invalidating the page containing va.
func FlushOpAddress(va paging.Vaddr) FlushOp {
	return FlushOp{Kind: FlushAddress, Addr: va, Len: paging.PageSize}
}

// FlushOpRange returns an op invalidating [r.Start, r.End).
func FlushOpRange(r paging.Range) FlushOp {
	return FlushOp{Kind: FlushRange, Addr: r.Start, Len: r.Len()}
}

// FlushOpAll returns an op invalidating the whole TLB.
func FlushOpAll() FlushOp {
	return FlushOp{Kind: FlushAll}
}

// String implements fmt.Stringer.String.
func (op FlushOp) String() string {
	switch op.Kind {
	case FlushAddress:
		return fmt.Sprintf("flush(%#x)", uint64(op.Addr))
	case FlushRange:
		return fmt.Sprintf("flush[%#x, %#x)", uint64(op.Addr), uint64(op.Addr)+op.Len)
	default:
		return "flush(all)"
	}
}

// Machine is the hardware surface of one multi-CPU machine.
//
// All methods are safe for concurrent use. CurrentCPU is only stable while
// preemption is disabled.
type Machine interface {
	// NumCPUs returns the number of CPUs.
	NumCPUs() int

	// CurrentCPU returns the identifier of the calling CPU.
	CurrentCPU() int

	// DisablePreemption pins the caller to its current CPU and returns
	// the function that undoes it. Nesting is permitted.
	DisablePreemption() (enable func())

	// ActivateTable installs the page table rooted at root on the given
	// CPU, with the given cache policy for the root walk.
	ActivateTable(cpu int, root paging.Paddr, cache paging.CachePolicy)

	// CurrentTablePaddr returns the root of the page table active on the
	// given CPU.
	CurrentTablePaddr(cpu int) paging.Paddr

	// LocalInvalidate performs a TLB invalidation on the calling CPU.
	LocalInvalidate(cpu int, op FlushOp)

	// SendRemoteInvalidation performs a TLB invalidation on each of the
	// given CPUs and waits for completion.
	SendRemoteInvalidation(cpus []int, op FlushOp)
}
