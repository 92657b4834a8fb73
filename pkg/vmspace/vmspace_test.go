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

package vmspace

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"osmium.dev/osmium/pkg/arch"
	"osmium.dev/osmium/pkg/errors"
	"osmium.dev/osmium/pkg/frame"
	"osmium.dev/osmium/pkg/paging"
	"osmium.dev/osmium/pkg/pagetables"
	"osmium.dev/osmium/pkg/tlb"
)

const testPoolFrames = 4096

var rwProp = paging.UserProperty(paging.FlagsRW, paging.CacheWriteBack)

func newTestKernel(t *testing.T, numCPUs int) (*Kernel, *arch.SimMachine, *frame.Pool) {
	t.Helper()
	m := arch.NewSimMachine(numCPUs)
	pool := frame.NewPool(testPoolFrames)
	k, err := NewKernel(m, pool, pagetables.X86Codec{}, paging.DefaultConsts)
	if err != nil {
		t.Fatalf("NewKernel got error %v, want nil", err)
	}
	return k, m, pool
}

func newTestSpace(t *testing.T, k *Kernel) *VmSpace {
	t.Helper()
	s, err := k.NewVmSpace()
	if err != nil {
		t.Fatalf("NewVmSpace got error %v, want nil", err)
	}
	return s
}

func mapOne(t *testing.T, s *VmSpace, va paging.Vaddr, prop paging.PageProperty) paging.Paddr {
	t.Helper()
	c, err := s.CursorMut(paging.MakeRange(va, paging.PageSize))
	if err != nil {
		t.Fatalf("CursorMut got error %v, want nil", err)
	}
	defer c.Close()
	f, err := s.k.reg.AllocFrame(frame.KindAnonymous, nil, frame.AllocOptions{Zeroed: true})
	if err != nil {
		t.Fatalf("AllocFrame got error %v, want nil", err)
	}
	pa := f.Paddr()
	if err := c.Map(f, prop); err != nil {
		t.Fatalf("Map got error %v, want nil", err)
	}
	return pa
}

func TestActivateSwitchesSpaces(t *testing.T) {
	k, m, _ := newTestKernel(t, 2)
	s1 := newTestSpace(t, k)
	s2 := newTestSpace(t, k)

	s1.Activate()
	if got := m.CurrentTablePaddr(0); got != s1.RootPaddr() {
		t.Errorf("CPU 0 root got %#x, want %#x", got, s1.RootPaddr())
	}
	if !s1.CPUs().Contains(0) {
		t.Errorf("s1 not recorded active on CPU 0")
	}

	// Activating another space deactivates the previous one on that CPU.
	s2.Activate()
	if s1.CPUs().Contains(0) {
		t.Errorf("s1 still recorded active on CPU 0 after switch")
	}
	if !s2.CPUs().Contains(0) {
		t.Errorf("s2 not recorded active on CPU 0")
	}

	// A second CPU activates independently.
	m.SetCurrentCPU(1)
	s1.Activate()
	m.SetCurrentCPU(0)
	if !s1.CPUs().Contains(1) || !s2.CPUs().Contains(0) {
		t.Errorf("per-CPU activation mismatch: s1=%v s2=%v", s1.CPUs(), s2.CPUs())
	}
}

func TestActivateWaitsForCursors(t *testing.T) {
	k, m, _ := newTestKernel(t, 1)
	s := newTestSpace(t, k)

	c, err := s.CursorMut(paging.MakeRange(0x1000, paging.PageSize))
	if err != nil {
		t.Fatalf("CursorMut got error %v, want nil", err)
	}
	done := make(chan struct{})
	go func() {
		s.Activate()
		close(done)
	}()

	select {
	case <-done:
		t.Fatalf("Activate completed with a mutable cursor open")
	case <-time.After(10 * time.Millisecond):
	}
	if got := m.CurrentTablePaddr(0); got == s.RootPaddr() {
		t.Fatalf("table switched with a mutable cursor open")
	}

	c.Close()
	<-done
	if got := m.CurrentTablePaddr(0); got != s.RootPaddr() {
		t.Errorf("CPU 0 root got %#x, want %#x", got, s.RootPaddr())
	}
	if !s.CPUs().Contains(0) {
		t.Errorf("space not recorded active on CPU 0")
	}
}

func TestMapReadWriteRoundtrip(t *testing.T) {
	k, _, _ := newTestKernel(t, 1)
	s := newTestSpace(t, k)
	s.Activate()
	mapOne(t, s, 0x1000, rwProp)

	data := []byte("virtual memory bytes")
	w, err := s.Writer(0x1000, uint64(len(data)))
	if err != nil {
		t.Fatalf("Writer got error %v, want nil", err)
	}
	if n, err := w.Write(data); err != nil || n != len(data) {
		t.Fatalf("Write got (%d, %v), want (%d, nil)", n, err, len(data))
	}

	r, err := s.Reader(0x1000, uint64(len(data)))
	if err != nil {
		t.Fatalf("Reader got error %v, want nil", err)
	}
	got := make([]byte, len(data))
	if n, err := r.Read(got); err != nil || n != len(data) {
		t.Fatalf("Read got (%d, %v), want (%d, nil)", n, err, len(data))
	}
	if !bytes.Equal(got, data) {
		t.Errorf("Read got %q, want %q", got, data)
	}
}

func TestReaderRequiresActivation(t *testing.T) {
	k, _, _ := newTestKernel(t, 2)
	s := newTestSpace(t, k)
	other := newTestSpace(t, k)
	other.Activate()

	if _, err := s.Reader(0x1000, paging.PageSize); err != errors.ErrAccessDenied {
		t.Errorf("Reader on inactive space got %v, want ErrAccessDenied", err)
	}
	if _, err := s.Writer(0x1000, paging.PageSize); err != errors.ErrAccessDenied {
		t.Errorf("Writer on inactive space got %v, want ErrAccessDenied", err)
	}
	s.Activate()
	if _, err := s.Reader(0x1000, paging.PageSize); err != nil {
		t.Errorf("Reader on active space got %v, want nil", err)
	}
}

func TestAccessBounds(t *testing.T) {
	k, _, _ := newTestKernel(t, 1)
	s := newTestSpace(t, k)
	s.Activate()
	maxUser := uint64(paging.DefaultConsts.MaxUserAddr())

	if _, err := s.Reader(paging.Vaddr(maxUser-paging.PageSize), 2*paging.PageSize); err != errors.ErrAccessDenied {
		t.Errorf("Reader past userspace got %v, want ErrAccessDenied", err)
	}
	if _, err := s.Reader(paging.Vaddr(^uint64(0)-100), 200); err != errors.ErrAccessDenied {
		t.Errorf("Reader with wrapping range got %v, want ErrAccessDenied", err)
	}
}

func TestReadFaultsOnUnmapped(t *testing.T) {
	k, _, _ := newTestKernel(t, 1)
	s := newTestSpace(t, k)
	s.Activate()
	mapOne(t, s, 0x1000, rwProp)

	// The mapped page is delivered, the fault stops the rest.
	r, err := s.Reader(0x1000, 2*paging.PageSize)
	if err != nil {
		t.Fatalf("Reader got error %v, want nil", err)
	}
	buf := make([]byte, 2*paging.PageSize)
	n, err := r.Read(buf)
	if n != paging.PageSize || err != errors.ErrPageFault {
		t.Errorf("Read got (%d, %v), want (%d, ErrPageFault)", n, err, paging.PageSize)
	}
}

func TestWriteFaultsOnReadOnly(t *testing.T) {
	k, _, _ := newTestKernel(t, 1)
	s := newTestSpace(t, k)
	s.Activate()
	mapOne(t, s, 0x1000, paging.UserProperty(paging.FlagsR, paging.CacheWriteBack))

	w, err := s.Writer(0x1000, 8)
	if err != nil {
		t.Fatalf("Writer got error %v, want nil", err)
	}
	if n, err := w.Write([]byte("denied")); err != errors.ErrPageFault || n != 0 {
		t.Errorf("Write got (%d, %v), want (0, ErrPageFault)", n, err)
	}
}

func TestOverlappingCursorsBusy(t *testing.T) {
	k, _, _ := newTestKernel(t, 1)
	s := newTestSpace(t, k)

	c, err := s.CursorMut(paging.MakeRange(0x1000, 4*paging.PageSize))
	if err != nil {
		t.Fatalf("CursorMut got error %v, want nil", err)
	}
	if _, err := s.CursorMut(paging.MakeRange(0x2000, paging.PageSize)); err != errors.ErrBusy {
		t.Errorf("overlapping CursorMut got %v, want ErrBusy", err)
	}
	if _, err := s.Cursor(paging.MakeRange(0x1000, paging.PageSize)); err != errors.ErrBusy {
		t.Errorf("overlapping Cursor got %v, want ErrBusy", err)
	}
	c.Close()
	c2, err := s.CursorMut(paging.MakeRange(0x2000, paging.PageSize))
	if err != nil {
		t.Fatalf("CursorMut after close got error %v, want nil", err)
	}
	c2.Close()
}

func TestUnmapFlushesBeforeFrameReuse(t *testing.T) {
	k, m, pool := newTestKernel(t, 1)
	s := newTestSpace(t, k)
	s.Activate()
	pa := mapOne(t, s, 0x1000, rwProp)
	m.ResetInvalidations()
	baseline := pool.Allocated()

	c, err := s.CursorMut(paging.MakeRange(0x1000, paging.PageSize))
	if err != nil {
		t.Fatalf("CursorMut got error %v, want nil", err)
	}
	c.Unmap(paging.PageSize)
	c.Close()

	if got := k.reg.KindOf(pa); got != frame.KindUnused {
		t.Errorf("frame %#x kind after unmap got %v, want Unused", pa, got)
	}
	// The mapped frame and the three intermediate nodes are gone.
	if got := pool.Allocated(); got != baseline-4 {
		t.Errorf("Allocated got %d, want %d", got, baseline-4)
	}
	ops := m.LocalInvalidations(0)
	if len(ops) == 0 {
		t.Fatalf("no invalidation recorded for the unmap")
	}
	op := ops[0]
	if op.Kind != arch.FlushRange || op.Addr != 0x1000 || op.Len != paging.PageSize {
		t.Errorf("invalidation got %v, want flush[0x1000, 0x2000)", op)
	}
}

func TestUnmapBeyondRangePanics(t *testing.T) {
	k, _, _ := newTestKernel(t, 1)
	s := newTestSpace(t, k)

	c, err := s.CursorMut(paging.MakeRange(0x1000, paging.PageSize))
	if err != nil {
		t.Fatalf("CursorMut got error %v, want nil", err)
	}
	defer c.Close()
	defer func() {
		if recover() == nil {
			t.Errorf("Unmap past the cursor's range did not panic")
		}
	}()
	c.Unmap(2 * paging.PageSize)
}

func TestUnmapEscalatesToFlushAll(t *testing.T) {
	k, m, _ := newTestKernel(t, 1)
	s := newTestSpace(t, k)
	s.Activate()

	n := tlb.FlushAllThreshold + 4
	c, err := s.CursorMut(paging.MakeRange(0x1000, uint64(n)*paging.PageSize))
	if err != nil {
		t.Fatalf("CursorMut got error %v, want nil", err)
	}
	for i := 0; i < n; i++ {
		f, err := k.reg.AllocFrame(frame.KindAnonymous, nil, frame.AllocOptions{})
		if err != nil {
			t.Fatalf("AllocFrame got error %v, want nil", err)
		}
		if err := c.Map(f, rwProp); err != nil {
			t.Fatalf("Map got error %v, want nil", err)
		}
	}
	if err := c.Jump(0x1000); err != nil {
		t.Fatalf("Jump got error %v, want nil", err)
	}
	m.ResetInvalidations()
	c.Unmap(uint64(n) * paging.PageSize)
	c.Close()

	ops := m.LocalInvalidations(0)
	if len(ops) != 1 || ops[0].Kind != arch.FlushAll {
		t.Errorf("invalidations got %v, want a single flush(all)", ops)
	}
}

func TestUnmapShootsDownRemoteCPUs(t *testing.T) {
	k, m, _ := newTestKernel(t, 3)
	s := newTestSpace(t, k)
	m.SetCurrentCPU(2)
	s.Activate()
	m.SetCurrentCPU(0)
	s.Activate()
	mapOne(t, s, 0x1000, rwProp)
	m.ResetInvalidations()

	c, err := s.CursorMut(paging.MakeRange(0x1000, paging.PageSize))
	if err != nil {
		t.Fatalf("CursorMut got error %v, want nil", err)
	}
	c.Unmap(paging.PageSize)
	c.Close()

	remotes := m.RemoteInvalidations()
	if len(remotes) != 1 {
		t.Fatalf("remote invalidations got %d, want 1", len(remotes))
	}
	if len(remotes[0].CPUs) != 1 || remotes[0].CPUs[0] != 2 {
		t.Errorf("remote CPUs got %v, want [2]", remotes[0].CPUs)
	}
}

func TestProtectFlushes(t *testing.T) {
	k, m, _ := newTestKernel(t, 1)
	s := newTestSpace(t, k)
	s.Activate()
	mapOne(t, s, 0x1000, rwProp)
	m.ResetInvalidations()

	c, err := s.CursorMut(paging.MakeRange(0x1000, paging.PageSize))
	if err != nil {
		t.Fatalf("CursorMut got error %v, want nil", err)
	}
	c.Protect(paging.PageSize, func(p *paging.PageProperty) {
		p.Flags &^= paging.FlagWrite
	})
	c.Close()

	w, err := s.Writer(0x1000, 1)
	if err != nil {
		t.Fatalf("Writer got error %v, want nil", err)
	}
	if _, err := w.Write([]byte{1}); err != errors.ErrPageFault {
		t.Errorf("Write after protect got %v, want ErrPageFault", err)
	}
	if ops := m.LocalInvalidations(0); len(ops) == 0 {
		t.Errorf("no invalidation recorded for the protect")
	}
}

func TestClearWithCursorAlive(t *testing.T) {
	k, _, _ := newTestKernel(t, 1)
	s := newTestSpace(t, k)
	c, err := s.Cursor(paging.MakeRange(0x1000, paging.PageSize))
	if err != nil {
		t.Fatalf("Cursor got error %v, want nil", err)
	}
	if err := s.Clear(); err != errors.ErrCursorsAlive {
		t.Errorf("Clear with open cursor got %v, want ErrCursorsAlive", err)
	}
	c.Close()
	if err := s.Clear(); err != nil {
		t.Errorf("Clear after close got %v, want nil", err)
	}
}

func TestClearWhileActiveElsewhere(t *testing.T) {
	k, m, _ := newTestKernel(t, 2)
	s := newTestSpace(t, k)
	m.SetCurrentCPU(1)
	s.Activate()
	m.SetCurrentCPU(0)

	err := s.Clear()
	ae, ok := err.(*errors.ActivatedError)
	if !ok {
		t.Fatalf("Clear got %v, want *ActivatedError", err)
	}
	if len(ae.CPUs) != 1 || ae.CPUs[0] != 1 {
		t.Errorf("ActivatedError CPUs got %v, want [1]", ae.CPUs)
	}

	// Deactivating CPU 1 unblocks the clear.
	other := newTestSpace(t, k)
	m.SetCurrentCPU(1)
	other.Activate()
	m.SetCurrentCPU(0)
	if err := s.Clear(); err != nil {
		t.Errorf("Clear after deactivation got %v, want nil", err)
	}
}

func TestClearReleasesMappings(t *testing.T) {
	k, m, pool := newTestKernel(t, 1)
	s := newTestSpace(t, k)
	s.Activate()
	baseline := pool.Allocated()
	mapOne(t, s, 0x1000, rwProp)
	mapOne(t, s, 0x5000, rwProp)
	m.ResetInvalidations()

	if err := s.Clear(); err != nil {
		t.Fatalf("Clear got error %v, want nil", err)
	}
	if got := pool.Allocated(); got != baseline {
		t.Errorf("Allocated got %d, want %d", got, baseline)
	}
	r, err := s.Reader(0x1000, 1)
	if err != nil {
		t.Fatalf("Reader got error %v, want nil", err)
	}
	if _, err := r.Read(make([]byte, 1)); err != errors.ErrPageFault {
		t.Errorf("Read after clear got %v, want ErrPageFault", err)
	}
	ops := m.LocalInvalidations(0)
	if len(ops) != 1 || ops[0].Kind != arch.FlushAll {
		t.Errorf("invalidations got %v, want a single flush(all)", ops)
	}
}

func TestCopyOnWriteFork(t *testing.T) {
	k, _, _ := newTestKernel(t, 1)
	parent := newTestSpace(t, k)
	parent.Activate()
	mapOne(t, parent, 0x1000, rwProp)

	data := []byte("inherited page contents")
	w, err := parent.Writer(0x1000, uint64(len(data)))
	if err != nil {
		t.Fatalf("Writer got error %v, want nil", err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatalf("Write got error %v, want nil", err)
	}

	child := newTestSpace(t, k)
	pc, err := parent.CursorMut(paging.MakeRange(0x1000, paging.PageSize))
	if err != nil {
		t.Fatalf("parent CursorMut got error %v, want nil", err)
	}
	cc, err := child.CursorMut(paging.MakeRange(0x1000, paging.PageSize))
	if err != nil {
		t.Fatalf("child CursorMut got error %v, want nil", err)
	}
	if err := cc.CopyFrom(pc, paging.PageSize, func(p *paging.PageProperty) {
		p.Flags &^= paging.FlagWrite
	}); err != nil {
		t.Fatalf("CopyFrom got error %v, want nil", err)
	}
	cc.Close()
	pc.Close()

	// The parent's own mapping stays writable.
	w, err = parent.Writer(0x1000, 1)
	if err != nil {
		t.Fatalf("Writer got error %v, want nil", err)
	}
	if _, err := w.Write([]byte{'I'}); err != nil {
		t.Errorf("parent write after fork got %v, want nil", err)
	}
	data[0] = 'I'

	// The child sees the shared bytes, read-only.
	child.Activate()
	r, err := child.Reader(0x1000, uint64(len(data)))
	if err != nil {
		t.Fatalf("child Reader got error %v, want nil", err)
	}
	got := make([]byte, len(data))
	if _, err := r.Read(got); err != nil {
		t.Fatalf("child Read got error %v, want nil", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("child Read got %q, want %q", got, data)
	}
	cw, err := child.Writer(0x1000, 1)
	if err != nil {
		t.Fatalf("child Writer got error %v, want nil", err)
	}
	if _, err := cw.Write([]byte{'x'}); err != errors.ErrPageFault {
		t.Errorf("child write got %v, want ErrPageFault", err)
	}

	// The parent unmapping its page leaves the child's copy alive.
	pc, err = parent.CursorMut(paging.MakeRange(0x1000, paging.PageSize))
	if err != nil {
		t.Fatalf("parent CursorMut got error %v, want nil", err)
	}
	pc.Unmap(paging.PageSize)

	r, err = child.Reader(0x1000, uint64(len(data)))
	if err != nil {
		t.Fatalf("child Reader got error %v, want nil", err)
	}
	if _, err := r.Read(got); err != nil || !bytes.Equal(got, data) {
		t.Errorf("child Read after parent unmap got (%q, %v), want (%q, nil)", got, err, data)
	}

	// A sibling forked after the unmap inherits nothing.
	sibling := newTestSpace(t, k)
	if err := pc.Jump(0x1000); err != nil {
		t.Fatalf("Jump got error %v, want nil", err)
	}
	sc, err := sibling.CursorMut(paging.MakeRange(0x1000, paging.PageSize))
	if err != nil {
		t.Fatalf("sibling CursorMut got error %v, want nil", err)
	}
	if err := sc.CopyFrom(pc, paging.PageSize, func(*paging.PageProperty) {}); err != nil {
		t.Fatalf("sibling CopyFrom got error %v, want nil", err)
	}
	if err := sc.Jump(0x1000); err != nil {
		t.Fatalf("Jump got error %v, want nil", err)
	}
	if item := sc.Query(); item.Kind != pagetables.ItemNotMapped {
		t.Errorf("sibling Query got %+v, want not mapped", item)
	}
	sc.Close()
	pc.Close()
}

func TestKernelMappingsVisibleEverywhere(t *testing.T) {
	k, _, _ := newTestKernel(t, 1)
	base := paging.DefaultConsts.KernelBase()
	prop := paging.PageProperty{Flags: paging.FlagsRW, Priv: paging.PrivGlobal, Cache: paging.CacheWriteBack}

	kc, err := k.CursorMut(paging.MakeRange(base, paging.PageSize))
	if err != nil {
		t.Fatalf("kernel CursorMut got error %v, want nil", err)
	}
	if err := kc.MapUntracked(0x7000, paging.PageSize, prop); err != nil {
		t.Fatalf("MapUntracked got error %v, want nil", err)
	}
	kc.Close()

	// Spaces forked before and after the kernel mapping both see it.
	s := newTestSpace(t, k)
	if pa, _, ok := s.pt.QueryOne(base); !ok || pa != 0x7000 {
		t.Errorf("kernel mapping in new space got (%#x, %t), want (0x7000, true)", pa, ok)
	}

	kc, err = k.CursorMut(paging.MakeRange(base+paging.PageSize, paging.PageSize))
	if err != nil {
		t.Fatalf("kernel CursorMut got error %v, want nil", err)
	}
	if err := kc.MapUntracked(0x8000, paging.PageSize, prop); err != nil {
		t.Fatalf("MapUntracked got error %v, want nil", err)
	}
	kc.Close()
	if pa, _, ok := s.pt.QueryOne(base + paging.PageSize); !ok || pa != 0x8000 {
		t.Errorf("post-fork kernel mapping got (%#x, %t), want (0x8000, true)", pa, ok)
	}
}

func TestPageFaultHandler(t *testing.T) {
	k, _, _ := newTestKernel(t, 1)
	s := newTestSpace(t, k)
	s.Activate()

	// Unhandled faults are reported as faults.
	info := &PageFaultInfo{Addr: 0x1234, Required: paging.FlagsRW}
	if err := s.HandlePageFault(info); err != errors.ErrPageFault {
		t.Errorf("unhandled fault got %v, want ErrPageFault", err)
	}

	handled := 0
	h := func(fs *VmSpace, fi *PageFaultInfo) error {
		handled++
		va := paging.Vaddr(paging.RoundDown(uint64(fi.Addr), uint64(paging.PageSize)))
		c, err := fs.CursorMut(paging.MakeRange(va, paging.PageSize))
		if err != nil {
			return err
		}
		defer c.Close()
		f, err := fs.k.reg.AllocFrame(frame.KindAnonymous, nil, frame.AllocOptions{Zeroed: true})
		if err != nil {
			return err
		}
		return c.Map(f, rwProp)
	}
	if !s.SetPageFaultHandler(h) {
		t.Fatalf("SetPageFaultHandler got false, want true")
	}
	if s.SetPageFaultHandler(h) {
		t.Errorf("second SetPageFaultHandler got true, want false")
	}

	if err := s.HandlePageFault(info); err != nil {
		t.Fatalf("HandlePageFault got error %v, want nil", err)
	}
	if handled != 1 {
		t.Errorf("handler ran %d times, want 1", handled)
	}
	r, err := s.Reader(0x1000, 4)
	if err != nil {
		t.Fatalf("Reader got error %v, want nil", err)
	}
	if _, err := r.Read(make([]byte, 4)); err != nil {
		t.Errorf("Read after fault handling got %v, want nil", err)
	}
}

func TestConcurrentDisjointCursors(t *testing.T) {
	k, _, pool := newTestKernel(t, 1)
	s := newTestSpace(t, k)
	baseline := pool.Allocated()

	const workers = 8
	const pagesPerWorker = 16
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		base := paging.Vaddr(0x10_0000 * (w + 1))
		g.Go(func() error {
			length := uint64(pagesPerWorker * paging.PageSize)
			c, err := s.CursorMut(paging.Range{Start: base, End: base + paging.Vaddr(length)})
			if err != nil {
				return err
			}
			for i := 0; i < pagesPerWorker; i++ {
				f, err := k.reg.AllocFrame(frame.KindAnonymous, nil, frame.AllocOptions{})
				if err != nil {
					c.Close()
					return err
				}
				if err := c.Map(f, rwProp); err != nil {
					c.Close()
					return err
				}
			}
			if err := c.Jump(base); err != nil {
				c.Close()
				return err
			}
			for i := 0; i < pagesPerWorker; i++ {
				va := base + paging.Vaddr(i*paging.PageSize)
				if pa, _, ok := s.pt.QueryOne(va); !ok || pa == 0 {
					c.Close()
					return fmt.Errorf("lost mapping at %#x (pa %#x, ok %t)", va, pa, ok)
				}
			}
			c.Unmap(length)
			c.Close()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent cursors got error %v, want nil", err)
	}
	if got := pool.Allocated(); got != baseline {
		t.Errorf("Allocated got %d, want %d", got, baseline)
	}
}
