// Copyright (C) 2018-2019  Nexedi SA and Contributors.
//                          Kirill Smelkov <kirr@nexedi.com>
//
// This program is free software: you can Use, Study, Modify and Redistribute
// it under the terms of the GNU General Public License version 3, or (at your
// option) any later version, as published by the Free Software Foundation.
//
// You can also Link and Combine this program with other software covered by
// the terms of any of the Free Software licenses or any of the Open Source
// Initiative approved licenses and Convey the resulting work. Corresponding
// source of such a combination shall include the source code for all other
// software used.
//
// This program is distributed WITHOUT ANY WARRANTY; without even the implied
// warranty of MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
//
// See COPYING file for full licensing terms.
// See https://www.nexedi.com/licensing for rationale and options.

package obdb

import (
	"fmt"
)

// ReadOnlyError is raised on a write to an object whose overlay the calling
// goroutine's transaction does not own. Recoverable by checking out.
type ReadOnlyError struct {
	Object IPersistent
}

func (e *ReadOnlyError) Error() string {
	return fmt.Sprintf("%v: object is read-only; check it out first", oidOf(e.Object))
}

// ConflictError is the common base of WriteConflictError and ReadConflictError.
type ConflictError struct {
	Objects []IPersistent
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %d object(s)", len(e.Objects))
}

// WriteConflictError signals that concurrent writers mutated overlapping
// objects and no resolver was available, or the resolver failed. The
// transaction must be aborted.
type WriteConflictError struct {
	ConflictError
	Cause error // non-nil if a resolver ran and raised
}

func (e *WriteConflictError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("write conflict on %d object(s): resolver failed: %v", len(e.Objects), e.Cause)
	}
	return fmt.Sprintf("write conflict on %d object(s)", len(e.Objects))
}

func (e *WriteConflictError) Unwrap() error { return e.Cause }

// ReadConflictError signals that a concurrent commit invalidated this
// transaction's read set. The transaction must be aborted.
type ReadConflictError struct {
	ConflictError
}

// ObjectGraphError signals that commit was attempted with an object that
// has no OID and is unreachable from root.
type ObjectGraphError struct {
	Object IPersistent
}

func (e *ObjectGraphError) Error() string {
	return fmt.Sprintf("%T: object has no oid and is not reachable from root", e.Object)
}

// SerializationError wraps a codec failure. Abort-only.
type SerializationError struct {
	Cause error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialization error: %v", e.Cause)
}

func (e *SerializationError) Unwrap() error { return e.Cause }

// StorageError wraps an I/O failure, corruption beyond the last-good
// trailer, or a lock-acquisition failure from the log. Fatal for the
// current operation; the database remains usable after reopen.
type StorageError struct {
	Op    string
	Cause error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Cause)
}

func (e *StorageError) Unwrap() error { return e.Cause }

func oidOf(obj IPersistent) OID {
	if obj == nil {
		return RootOID
	}
	return obj.POid()
}
