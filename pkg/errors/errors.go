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

// Package errors holds the standardized error definitions for the
// virtual-memory core.
//
// Per-operation failures are returned as typed errors; structural invariant
// violations (refcount underflow, dropping a frame with a pending TLB flush,
// retyping live frames) are not errors at all and panic instead.
package errors

import "fmt"

// Code classifies an Error.
type Code int

// Possible error codes.
const (
	CodeInvalidArgs Code = iota
	CodeNoMemory
	CodeAccessDenied
	CodeBusy
	CodeCursorsAlive
	CodeActivated
	CodeTypeMismatch
	CodePageFault
)

// Error represents a virtual-memory core error with a descriptive message.
type Error struct {
	code    Code
	message string
}

// New creates a new *Error.
func New(code Code, message string) *Error {
	return &Error{
		code:    code,
		message: message,
	}
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

// Code returns the underlying Code value.
func (e *Error) Code() Code { return e.code }

var (
	// ErrInvalidArgs is returned for misaligned or zero-length ranges, or
	// ranges outside the mode's legal bounds.
	ErrInvalidArgs = New(CodeInvalidArgs, "invalid arguments")

	// ErrNoMemory is returned when a frame or page-table node cannot be
	// allocated.
	ErrNoMemory = New(CodeNoMemory, "out of memory")

	// ErrAccessDenied is returned when a reader or writer is requested
	// against an address space that is not active on the current CPU, or
	// for an address range outside user space.
	ErrAccessDenied = New(CodeAccessDenied, "access denied")

	// ErrBusy is returned when a cursor over an overlapping virtual range
	// is already alive.
	ErrBusy = New(CodeBusy, "overlapping cursor alive")

	// ErrCursorsAlive is returned by VmSpace.Clear when cursor-held locks
	// are outstanding.
	ErrCursorsAlive = New(CodeCursorsAlive, "cursors alive")

	// ErrPageFault is returned by fallible readers and writers when a
	// page in the requested range is not mapped.
	ErrPageFault = New(CodePageFault, "page fault")
)

// ActivatedError is returned by VmSpace.Clear when the page table is
// activated on CPUs other than the caller's own. The detected CPUs are
// contained in the error.
type ActivatedError struct {
	// CPUs holds the identifiers of the CPUs the space is active on.
	CPUs []int
}

// Error implements error.Error.
func (e *ActivatedError) Error() string {
	return fmt.Sprintf("page table activated on CPUs %v", e.CPUs)
}

// Code returns CodeActivated.
func (e *ActivatedError) Code() Code { return CodeActivated }

// TypeMismatchError is returned when a typed access to frame metadata does
// not match the slot's runtime tag. The conversion that produced it leaves
// the original handle intact; no ownership is lost.
type TypeMismatchError struct {
	// Want is the requested metadata description.
	Want string

	// Got is the slot's actual metadata description.
	Got string
}

// Error implements error.Error.
func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("frame metadata type mismatch: want %s, got %s", e.Want, e.Got)
}

// Code returns CodeTypeMismatch.
func (e *TypeMismatchError) Code() Code { return CodeTypeMismatch }
