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

package pagetables

import (
	"osmium.dev/osmium/pkg/paging"
)

// EntryCodec encodes and decodes raw page-table entries for one
// architecture. The page-table walker is generic over the codec; only the
// codec knows the bit layout of an entry.
//
// A raw entry is in exactly one of three states: absent, a leaf mapping a
// physical range, or a pointer to a child node. Codecs must keep absent
// entries all-zero so that a zeroed node is an empty node.
type EntryCodec interface {
	// IsPresent returns true iff the entry maps or points to anything.
	IsPresent(raw uint64) bool

	// IsLeafAt returns true iff a present entry is a leaf at the given
	// level.
	IsLeafAt(raw uint64, level int) bool

	// NewLeaf encodes a leaf entry at the given level.
	NewLeaf(pa paging.Paddr, level int, prop paging.PageProperty) uint64

	// NewNodePointer encodes a pointer to the child node at pa.
	NewNodePointer(pa paging.Paddr) uint64

	// Paddr decodes the physical address of a present entry at the
	// given level.
	Paddr(raw uint64, level int) paging.Paddr

	// Properties decodes the page properties of a leaf entry at the
	// given level.
	Properties(raw uint64, level int) paging.PageProperty

	// SetProperties re-encodes a leaf entry at the given level with new
	// properties, preserving its physical address.
	SetProperties(raw uint64, level int, prop paging.PageProperty) uint64
}

// x86-64 entry bits.
const (
	x86Present    = 1 << 0
	x86Writable   = 1 << 1
	x86User       = 1 << 2
	x86PWT        = 1 << 3
	x86PCD        = 1 << 4
	x86Accessed   = 1 << 5
	x86Dirty      = 1 << 6
	x86Super      = 1 << 7
	x86Global     = 1 << 8
	x86Avail1     = 1 << 9
	x86Avail2     = 1 << 10
	x86PATSuper   = 1 << 12
	x86ExecuteNo  = 1 << 63
	x86AddrMask   = 0x000f_ffff_ffff_f000
	x86OptionMask = ^uint64(x86AddrMask)
)

// X86Codec is the EntryCodec for x86-64 page tables.
//
// Leaves at levels above the base use the PS bit; the PAT bit therefore
// sits at bit 7 for base-page leaves and bit 12 for larger ones, which is
// why decoding needs the level.
type X86Codec struct{}

var _ EntryCodec = X86Codec{}

// patIndex maps a cache policy onto the 3-bit PAT/PCD/PWT index, assuming
// the conventional PAT MSR programming.
func patIndex(cp paging.CachePolicy) uint64 {
	switch cp {
	case paging.CacheWriteBack:
		return 0
	case paging.CacheWriteThrough:
		return 1
	case paging.CacheUncacheable:
		return 3
	case paging.CacheWriteCombine:
		return 4
	case paging.CacheWriteProtected:
		return 5
	default:
		return 0
	}
}

func cacheOfPAT(idx uint64) paging.CachePolicy {
	switch idx {
	case 0:
		return paging.CacheWriteBack
	case 1:
		return paging.CacheWriteThrough
	case 2, 3:
		return paging.CacheUncacheable
	case 4:
		return paging.CacheWriteCombine
	case 5:
		return paging.CacheWriteProtected
	default:
		return paging.CacheWriteBack
	}
}

func x86PATBit(level int) uint64 {
	if level > 1 {
		return x86PATSuper
	}
	return x86Super
}

// IsPresent implements EntryCodec.IsPresent.
func (X86Codec) IsPresent(raw uint64) bool {
	return raw&x86Present != 0
}

// IsLeafAt implements EntryCodec.IsLeafAt.
func (X86Codec) IsLeafAt(raw uint64, level int) bool {
	if raw&x86Present == 0 {
		return false
	}
	if level == 1 {
		return true
	}
	return raw&x86Super != 0
}

// NewLeaf implements EntryCodec.NewLeaf.
func (X86Codec) NewLeaf(pa paging.Paddr, level int, prop paging.PageProperty) uint64 {
	raw := uint64(pa) & x86AddrMask
	if level > 1 {
		raw |= x86Super
	}
	return X86Codec{}.SetProperties(raw|x86Present, level, prop)
}

// NewNodePointer implements EntryCodec.NewNodePointer.
//
// Intermediate entries are maximally permissive; leaves alone decide
// access.
func (X86Codec) NewNodePointer(pa paging.Paddr) uint64 {
	return uint64(pa)&x86AddrMask | x86Present | x86Writable | x86User | x86Accessed
}

// Paddr implements EntryCodec.Paddr.
//
// Large leaves keep bit 12 for the PAT index, inside the base-page address
// mask; it is never an address bit for them, large pages being at least
// 2 MiB aligned.
func (X86Codec) Paddr(raw uint64, level int) paging.Paddr {
	addr := raw & x86AddrMask
	if level > 1 && raw&x86Super != 0 {
		addr &^= x86PATSuper
	}
	return paging.Paddr(addr)
}

// Properties implements EntryCodec.Properties.
func (X86Codec) Properties(raw uint64, level int) paging.PageProperty {
	var flags paging.PageFlags
	if raw&x86Present != 0 {
		flags |= paging.FlagRead
	}
	if raw&x86Writable != 0 {
		flags |= paging.FlagWrite
	}
	if raw&x86ExecuteNo == 0 {
		flags |= paging.FlagExecute
	}
	if raw&x86Accessed != 0 {
		flags |= paging.FlagAccessed
	}
	if raw&x86Dirty != 0 {
		flags |= paging.FlagDirty
	}
	if raw&x86Avail1 != 0 {
		flags |= paging.FlagAvail1
	}
	if raw&x86Avail2 != 0 {
		flags |= paging.FlagAvail2
	}

	var priv paging.PrivFlags
	if raw&x86User != 0 {
		priv |= paging.PrivUser
	}
	if raw&x86Global != 0 {
		priv |= paging.PrivGlobal
	}

	var pat uint64
	if raw&x86PWT != 0 {
		pat |= 1
	}
	if raw&x86PCD != 0 {
		pat |= 2
	}
	if raw&x86PATBit(level) != 0 {
		pat |= 4
	}

	return paging.PageProperty{Flags: flags, Priv: priv, Cache: cacheOfPAT(pat)}
}

// SetProperties implements EntryCodec.SetProperties.
func (X86Codec) SetProperties(raw uint64, level int, prop paging.PageProperty) uint64 {
	var super uint64
	raw &= x86AddrMask
	if level > 1 {
		// Bit 12 is the old PAT index, not an address bit.
		super = x86Super
		raw &^= x86PATSuper
	}
	raw |= x86Present | super

	if prop.Flags&paging.FlagWrite != 0 {
		raw |= x86Writable
	}
	if prop.Flags&paging.FlagExecute == 0 {
		raw |= x86ExecuteNo
	}
	if prop.Flags&paging.FlagAccessed != 0 {
		raw |= x86Accessed
	}
	if prop.Flags&paging.FlagDirty != 0 {
		raw |= x86Dirty
	}
	if prop.Flags&paging.FlagAvail1 != 0 {
		raw |= x86Avail1
	}
	if prop.Flags&paging.FlagAvail2 != 0 {
		raw |= x86Avail2
	}
	if prop.Priv&paging.PrivUser != 0 {
		raw |= x86User
	}
	if prop.Priv&paging.PrivGlobal != 0 {
		raw |= x86Global
	}

	pat := patIndex(prop.Cache)
	if pat&1 != 0 {
		raw |= x86PWT
	}
	if pat&2 != 0 {
		raw |= x86PCD
	}
	if pat&4 != 0 {
		raw |= x86PATBit(level)
	}
	return raw
}
