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

// Package obdb implements an embeddable, transactional object-graph database.
//
// A Database persists a graph of user-defined records onto a single
// append-only log file (see package logstore), provides MVCC across
// goroutines within a process and across independent processes sharing the
// same log file, and serves read traffic against an in-memory, shared
// snapshot with copy-on-write for writers.
package obdb

import (
	"fmt"
)

// OID is an object identifier, opaque and stable for the lifetime of the object.
//
// OID is assigned at first commit. Unlike most zero-value-means-unset Go
// types, OID 0 is a legitimate, commonly occurring value: it is always
// the identifier of the database root (see RootOID). Whether an object
// has been assigned an OID at all is tracked separately by Persistent,
// not by comparing against zero.
type OID uint64

// RootOID is the identifier reserved for the database root object.
const RootOID OID = 0

func (oid OID) String() string { return fmt.Sprintf("%016x", uint64(oid)) }

// Serial is a per-object version counter, bumped on every successful
// commit that modifies the object. The pair (OID, Serial) uniquely
// identifies an object version.
type Serial uint64

func (s Serial) String() string { return fmt.Sprintf("%016x", uint64(s)) }

// Txid is a file-level transaction identifier, monotonically increasing
// and equal to commit order.
type Txid uint64

func (t Txid) String() string { return fmt.Sprintf("%016x", uint64(t)) }
