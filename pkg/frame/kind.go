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

package frame

import (
	"fmt"
	"sync"
)

// Kind is the runtime type tag of a frame's metadata slot. A frame's kind is
// fixed at allocation time and only changes through an explicit retype.
type Kind int32

// Built-in kinds.
const (
	// KindUnused marks a slot whose frame is free for reuse by the
	// allocator.
	KindUnused Kind = iota

	// KindUntyped marks a raw byte page with no typed metadata.
	KindUntyped

	// KindPageTableNode marks a frame backing one page-table node.
	KindPageTableNode

	// KindAnonymous marks ordinary anonymous user memory.
	KindAnonymous

	firstUserKind
)

var kindsMu sync.Mutex

var kindNames = map[Kind]string{
	KindUnused:        "Unused",
	KindUntyped:       "Untyped",
	KindPageTableNode: "PageTableNode",
	KindAnonymous:     "Anonymous",
}

var nextKind = firstUserKind

// RegisterKind registers a user-defined metadata kind. The set of kinds is
// open; registration is typically done from package init functions.
func RegisterKind(name string) Kind {
	kindsMu.Lock()
	defer kindsMu.Unlock()
	k := nextKind
	nextKind++
	kindNames[k] = name
	return k
}

// String implements fmt.Stringer.String.
func (k Kind) String() string {
	kindsMu.Lock()
	defer kindsMu.Unlock()
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int32(k))
}
