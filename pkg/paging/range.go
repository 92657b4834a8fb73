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

package paging

import "fmt"

// Range is a virtual address range with an exclusive upper bound.
type Range struct {
	Start Vaddr
	End   Vaddr
}

// MakeRange returns the range [va, va+length).
func MakeRange(va Vaddr, length uint64) Range {
	return Range{Start: va, End: va + Vaddr(length)}
}

// Len returns the length of the range.
func (r Range) Len() uint64 {
	return uint64(r.End - r.Start)
}

// WellFormed returns true iff the range is non-empty, does not wrap, and
// both bounds are page-aligned.
func (r Range) WellFormed() bool {
	return r.Start < r.End &&
		IsAligned(uint64(r.Start), PageSize) &&
		IsAligned(uint64(r.End), PageSize)
}

// Contains returns true iff va falls inside the range.
func (r Range) Contains(va Vaddr) bool {
	return r.Start <= va && va < r.End
}

// Overlaps returns true iff the two ranges share any address.
func (r Range) Overlaps(other Range) bool {
	return r.Start < other.End && other.Start < r.End
}

// IsSupersetOf returns true iff the range contains every address of other.
func (r Range) IsSupersetOf(other Range) bool {
	return r.Start <= other.Start && other.End <= r.End
}

// String implements fmt.Stringer.String.
func (r Range) String() string {
	return fmt.Sprintf("[%#x, %#x)", uint64(r.Start), uint64(r.End))
}
