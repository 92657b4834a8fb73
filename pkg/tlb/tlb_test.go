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

package tlb

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"osmium.dev/osmium/pkg/arch"
	"osmium.dev/osmium/pkg/cpuset"
	"osmium.dev/osmium/pkg/frame"
	"osmium.dev/osmium/pkg/paging"
)

func TestDispatchLocalOnly(t *testing.T) {
	m := arch.NewSimMachine(4)
	f := NewFlusher(m, nil)
	defer f.Release()

	f.Issue(arch.FlushOpAddress(0x1000))
	f.Issue(arch.FlushOpRange(paging.MakeRange(0x4000, 2*paging.PageSize)))
	f.Dispatch()

	want := []arch.FlushOp{
		arch.FlushOpAddress(0x1000),
		arch.FlushOpRange(paging.MakeRange(0x4000, 2*paging.PageSize)),
	}
	if diff := cmp.Diff(want, m.LocalInvalidations(0)); diff != "" {
		t.Errorf("local invalidations mismatch (-want +got):\n%s", diff)
	}
	if got := m.RemoteInvalidations(); len(got) != 0 {
		t.Errorf("remote invalidations got %v, want none", got)
	}
}

func TestDispatchRemote(t *testing.T) {
	m := arch.NewSimMachine(4)
	var target cpuset.AtomicCpuSet
	target.Add(0)
	target.Add(2)
	target.Add(3)

	f := NewFlusher(m, &target)
	defer f.Release()

	f.Issue(arch.FlushOpAddress(0x1000))
	f.Dispatch()

	remotes := m.RemoteInvalidations()
	if len(remotes) != 1 {
		t.Fatalf("remote invalidations got %d, want 1", len(remotes))
	}
	if diff := cmp.Diff([]int{2, 3}, remotes[0].CPUs); diff != "" {
		t.Errorf("remote CPUs mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(arch.FlushOpAddress(0x1000), remotes[0].Op); diff != "" {
		t.Errorf("remote op mismatch (-want +got):\n%s", diff)
	}
}

func TestFlushAllEscalation(t *testing.T) {
	m := arch.NewSimMachine(1)
	f := NewFlusher(m, nil)
	defer f.Release()

	for i := 0; i <= FlushAllThreshold; i++ {
		f.Issue(arch.FlushOpAddress(paging.Vaddr(i * paging.PageSize)))
	}
	f.Dispatch()

	got := m.LocalInvalidations(0)
	if len(got) != 1 || got[0].Kind != arch.FlushAll {
		t.Errorf("invalidations got %v, want a single flush(all)", got)
	}
}

func TestRangeEscalation(t *testing.T) {
	m := arch.NewSimMachine(1)
	f := NewFlusher(m, nil)
	defer f.Release()

	f.Issue(arch.FlushOpRange(paging.MakeRange(0, (FlushAllThreshold+1)*paging.PageSize)))
	f.Dispatch()

	got := m.LocalInvalidations(0)
	if len(got) != 1 || got[0].Kind != arch.FlushAll {
		t.Errorf("invalidations got %v, want a single flush(all)", got)
	}
}

func TestFramesDroppedAfterDispatch(t *testing.T) {
	m := arch.NewSimMachine(2)
	pool := frame.NewPool(8)
	reg := frame.NewRegistry(pool, 8)

	fr, err := reg.AllocFrame(frame.KindAnonymous, nil, frame.AllocOptions{})
	if err != nil {
		t.Fatalf("AllocFrame got error %v, want nil", err)
	}
	node, err := reg.AllocFrame(frame.KindPageTableNode, nil, frame.AllocOptions{})
	if err != nil {
		t.Fatalf("AllocFrame got error %v, want nil", err)
	}

	f := NewFlusher(m, nil)
	f.IssueWithFrame(arch.FlushOpAddress(0x2000), fr)
	f.KeepAlive(node)
	if got := pool.Allocated(); got != 2 {
		t.Fatalf("Allocated before dispatch got %d, want 2", got)
	}

	f.Dispatch()
	if got := pool.Allocated(); got != 0 {
		t.Errorf("Allocated after dispatch got %d, want 0", got)
	}
	if got := m.LocalInvalidations(0); len(got) != 1 {
		t.Errorf("local invalidations got %v, want one op", got)
	}
	f.Release()
}

func TestReleaseDispatchesPending(t *testing.T) {
	m := arch.NewSimMachine(1)
	pool := frame.NewPool(8)
	reg := frame.NewRegistry(pool, 8)

	fr, err := reg.AllocFrame(frame.KindAnonymous, nil, frame.AllocOptions{})
	if err != nil {
		t.Fatalf("AllocFrame got error %v, want nil", err)
	}

	f := NewFlusher(m, nil)
	f.IssueWithFrame(arch.FlushOpAddress(0x3000), fr)
	f.Release()

	if got := pool.Allocated(); got != 0 {
		t.Errorf("Allocated after release got %d, want 0", got)
	}
	if got := m.LocalInvalidations(0); len(got) != 1 {
		t.Errorf("local invalidations got %v, want one op", got)
	}

	// Preemption is balanced again: the machine permits migration.
	m.SetCurrentCPU(0)
}
