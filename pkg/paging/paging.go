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

// Package paging defines the vocabulary types shared by the virtual-memory
// core: virtual and physical addresses, page properties, and the paging
// geometry that parameterizes the page-table radix tree.
package paging

import (
	"fmt"

	"golang.org/x/exp/constraints"
)

// Vaddr is a virtual address.
type Vaddr uint64

// Paddr is a physical address.
type Paddr uint64

// PageSize is the base page size.
const PageSize = 4096

// pageShift is log2(PageSize).
const pageShift = 12

// Consts describes a paging geometry: the shape of the multi-level radix
// tree and the split between user and kernel halves of the address space.
type Consts struct {
	// NrLevels is the number of radix-tree levels. The root node is at
	// level NrLevels, leaf-most nodes are at level 1.
	NrLevels int

	// BitsPerLevel is the number of virtual-address bits translated by
	// one level, i.e. log2 of the number of entries per node.
	BitsPerLevel int

	// AddressWidth is the number of meaningful virtual-address bits.
	AddressWidth int

	// HighestLeafLevel is the highest level at which a leaf (large page)
	// entry is legal. 1 means base pages only.
	HighestLeafLevel int
}

// DefaultConsts is the x86-64 4-level geometry: 4 KiB nodes of 512 entries,
// 48-bit addresses, and large pages up to level 3 (1 GiB).
var DefaultConsts = Consts{
	NrLevels:         4,
	BitsPerLevel:     9,
	AddressWidth:     48,
	HighestLeafLevel: 3,
}

// EntriesPerNode returns the number of entries in one page-table node.
func (c Consts) EntriesPerNode() int {
	return 1 << c.BitsPerLevel
}

// levelShift returns the virtual-address shift of the given level.
func (c Consts) levelShift(level int) uint {
	return uint(pageShift + c.BitsPerLevel*(level-1))
}

// PageSizeAt returns the size of the region covered by one entry at the
// given level. At level 1 this is PageSize.
func (c Consts) PageSizeAt(level int) uint64 {
	return 1 << c.levelShift(level)
}

// IndexAt returns the node index selected by va at the given level.
func (c Consts) IndexAt(level int, va Vaddr) int {
	return int(uint64(va)>>c.levelShift(level)) & (c.EntriesPerNode() - 1)
}

// MaxUserAddr returns the exclusive upper bound of the user half.
func (c Consts) MaxUserAddr() Vaddr {
	return 1 << (c.AddressWidth - 1)
}

// KernelBase returns the start of the kernel (upper) half. Addresses are
// sign-extended from AddressWidth bits.
func (c Consts) KernelBase() Vaddr {
	return Vaddr(^uint64(0) << (c.AddressWidth - 1))
}

// PageFlags are the permission and status bits of a mapping.
type PageFlags uint8

// Possible PageFlags bits.
const (
	FlagRead PageFlags = 1 << iota
	FlagWrite
	FlagExecute
	FlagAccessed
	FlagDirty
	FlagAvail1
	FlagAvail2
)

// Common flag combinations.
const (
	FlagsR   = FlagRead
	FlagsRW  = FlagRead | FlagWrite
	FlagsRX  = FlagRead | FlagExecute
	FlagsRWX = FlagRead | FlagWrite | FlagExecute
)

// Contains returns true iff all bits in other are set in f.
func (f PageFlags) Contains(other PageFlags) bool {
	return f&other == other
}

// String implements fmt.Stringer.String.
func (f PageFlags) String() string {
	b := [3]byte{'-', '-', '-'}
	if f&FlagRead != 0 {
		b[0] = 'r'
	}
	if f&FlagWrite != 0 {
		b[1] = 'w'
	}
	if f&FlagExecute != 0 {
		b[2] = 'x'
	}
	return string(b[:])
}

// PrivFlags are the privilege bits of a mapping.
type PrivFlags uint8

// Possible PrivFlags bits.
const (
	// PrivUser permits accesses from user mode.
	PrivUser PrivFlags = 1 << iota

	// PrivGlobal marks the mapping present in all address spaces, exempt
	// from flushes on an address-space switch.
	PrivGlobal
)

// CachePolicy specifies CPU memory access behavior for a mapping.
type CachePolicy uint8

const (
	// CacheWriteBack is the default policy for ordinary memory and must
	// be the zero value for CachePolicy.
	CacheWriteBack CachePolicy = iota

	// CacheWriteThrough forces writes to reach memory before completing.
	CacheWriteThrough

	// CacheUncacheable disables caching entirely, appropriate for
	// device memory.
	CacheUncacheable

	// CacheWriteCombine permits write buffering without caching.
	CacheWriteCombine

	// CacheWriteProtected caches reads but disallows cached writes.
	CacheWriteProtected

	// NumCachePolicies is the number of cache policies.
	NumCachePolicies
)

// String implements fmt.Stringer.String.
func (cp CachePolicy) String() string {
	switch cp {
	case CacheWriteBack:
		return "WriteBack"
	case CacheWriteThrough:
		return "WriteThrough"
	case CacheUncacheable:
		return "Uncacheable"
	case CacheWriteCombine:
		return "WriteCombine"
	case CacheWriteProtected:
		return "WriteProtected"
	default:
		return fmt.Sprintf("%d", cp)
	}
}

// PageProperty is the full set of attributes carried by one mapping.
type PageProperty struct {
	Flags PageFlags
	Priv  PrivFlags
	Cache CachePolicy
}

// UserProperty returns a PageProperty for an ordinary user mapping.
func UserProperty(flags PageFlags, cache CachePolicy) PageProperty {
	return PageProperty{Flags: flags, Priv: PrivUser, Cache: cache}
}

// RoundDown returns v rounded down to a multiple of align.
//
// Precondition: align is a power of two.
func RoundDown[T constraints.Unsigned](v, align T) T {
	return v &^ (align - 1)
}

// RoundUp returns v rounded up to a multiple of align.
//
// Precondition: align is a power of two.
func RoundUp[T constraints.Unsigned](v, align T) T {
	return RoundDown(v+align-1, align)
}

// IsAligned returns true iff v is a multiple of align.
//
// Precondition: align is a power of two.
func IsAligned[T constraints.Unsigned](v, align T) bool {
	return v&(align-1) == 0
}
