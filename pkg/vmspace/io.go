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
	"io"

	"osmium.dev/osmium/pkg/errors"
	"osmium.dev/osmium/pkg/paging"
)

// checkAccess validates a user-memory access against this space. The
// space must be active on the calling CPU: accesses go through the live
// translation, so a reader against an inactive space would read through
// some other space's table.
func (s *VmSpace) checkAccess(va paging.Vaddr, length uint64) error {
	enable := s.k.machine.DisablePreemption()
	defer enable()
	cpu := s.k.machine.CurrentCPU()
	if s.k.machine.CurrentTablePaddr(cpu) != s.pt.RootPaddr() {
		return errors.ErrAccessDenied
	}
	end := uint64(va) + length
	if end < uint64(va) || end > uint64(s.k.consts.MaxUserAddr()) {
		return errors.ErrAccessDenied
	}
	return nil
}

// Reader returns a fallible reader over [va, va+length) of this space.
// It fails with ErrAccessDenied unless the space is active on the calling
// CPU and the range lies entirely in userspace.
func (s *VmSpace) Reader(va paging.Vaddr, length uint64) (*VmReader, error) {
	if err := s.checkAccess(va, length); err != nil {
		return nil, err
	}
	return &VmReader{s: s, va: va, remaining: length}, nil
}

// Writer returns a fallible writer over [va, va+length) of this space,
// under the same conditions as Reader.
func (s *VmSpace) Writer(va paging.Vaddr, length uint64) (*VmWriter, error) {
	if err := s.checkAccess(va, length); err != nil {
		return nil, err
	}
	return &VmWriter{s: s, va: va, remaining: length}, nil
}

// translate resolves one access at va for up to max bytes, bounded by the
// page va falls in. The required flags model the hardware check the access
// would have taken.
func (s *VmSpace) translate(va paging.Vaddr, max uint64, required paging.PageFlags) ([]byte, error) {
	pa, prop, ok := s.pt.QueryOne(va)
	if !ok || !prop.Flags.Contains(required) {
		return nil, errors.ErrPageFault
	}
	pageEnd := paging.RoundUp(uint64(va)+1, uint64(paging.PageSize))
	n := min(max, pageEnd-uint64(va))
	return s.k.pool.Bytes(pa, n), nil
}

// VmReader reads user memory through the space's live translation. Reads
// stop with ErrPageFault at the first byte whose page is unmapped or not
// readable; bytes before it are delivered.
type VmReader struct {
	s         *VmSpace
	va        paging.Vaddr
	remaining uint64
}

// Remain returns the number of unread bytes.
func (r *VmReader) Remain() uint64 {
	return r.remaining
}

// Read implements io.Reader.Read.
func (r *VmReader) Read(p []byte) (int, error) {
	if r.remaining == 0 {
		return 0, io.EOF
	}
	total := 0
	for len(p) > 0 && r.remaining > 0 {
		src, err := r.s.translate(r.va, min(uint64(len(p)), r.remaining), paging.FlagRead)
		if err != nil {
			return total, err
		}
		n := copy(p, src)
		p = p[n:]
		r.va += paging.Vaddr(n)
		r.remaining -= uint64(n)
		total += n
	}
	return total, nil
}

// VmWriter writes user memory through the space's live translation. Writes
// stop with ErrPageFault at the first byte whose page is unmapped or not
// writable; bytes before it are committed.
type VmWriter struct {
	s         *VmSpace
	va        paging.Vaddr
	remaining uint64
}

// Remain returns the number of writable bytes left.
func (w *VmWriter) Remain() uint64 {
	return w.remaining
}

// Write implements io.Writer.Write.
func (w *VmWriter) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 && w.remaining > 0 {
		dst, err := w.s.translate(w.va, min(uint64(len(p)), w.remaining), paging.FlagsRW)
		if err != nil {
			return total, err
		}
		n := copy(dst, p)
		p = p[n:]
		w.va += paging.Vaddr(n)
		w.remaining -= uint64(n)
		total += n
	}
	if len(p) > 0 {
		return total, io.ErrShortWrite
	}
	return total, nil
}

// Fill sets count bytes to b, returning the number of bytes set before the
// first fault.
func (w *VmWriter) Fill(b byte, count uint64) (uint64, error) {
	var written uint64
	for count > 0 && w.remaining > 0 {
		dst, err := w.s.translate(w.va, min(count, w.remaining), paging.FlagsRW)
		if err != nil {
			return written, err
		}
		for i := range dst {
			dst[i] = b
		}
		n := uint64(len(dst))
		w.va += paging.Vaddr(n)
		w.remaining -= n
		count -= n
		written += n
	}
	return written, nil
}
