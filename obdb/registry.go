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
// process-wide OID -> live object map, with ghost-on-miss semantics.

import (
	"sync"

	"github.com/malthe/dobbin/codec"
)

// Factory creates a zero-value instance of an application type, used to
// materialize ghosts for a class name seen on the wire.
type Factory func() IPersistent

// registry is the Object Registry: the process-wide cache of live objects
// for one Database, keyed by OID. It also implements codec.Resolver so the
// wire encoding of a persistent reference can be resolved back to a
// (possibly ghost) live object, and so an outgoing reference can be
// substituted with its (class, oid) marker without serializing the whole
// graph reachable from it.
type registry struct {
	db *Database

	mu       sync.Mutex
	byOID    map[OID]IPersistent
	classOf  map[string]Factory
}

func newRegistry(db *Database) *registry {
	return &registry{
		db:      db,
		byOID:   map[OID]IPersistent{},
		classOf: map[string]Factory{},
	}
}

func (r *registry) registerClass(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.classOf[name] = f
}

// get returns the live object for oid, creating and caching a ghost for it
// (using the registered factory for class) if this is the first time the
// process has seen oid.
func (r *registry) get(oid OID, class string) (IPersistent, error) {
	r.mu.Lock()
	if obj, ok := r.byOID[oid]; ok {
		r.mu.Unlock()
		return obj, nil
	}
	factory, ok := r.classOf[class]
	r.mu.Unlock()
	if !ok {
		return nil, &StorageError{Op: "load", Cause: unknownClassError(class)}
	}

	obj := factory()
	obj.pbase().initGhost(r.db, oid, class, obj)

	r.mu.Lock()
	if existing, ok := r.byOID[oid]; ok {
		r.mu.Unlock()
		return existing, nil // lost the race to another goroutine loading the same oid
	}
	r.byOID[oid] = obj
	r.mu.Unlock()
	return obj, nil
}

// newInstance constructs a fresh, detached instance of the registered
// class, for use by the snapshot emitter when populating a target database.
func (r *registry) newInstance(class string) (IPersistent, error) {
	r.mu.Lock()
	factory, ok := r.classOf[class]
	r.mu.Unlock()
	if !ok {
		return nil, unknownClassError(class)
	}
	return factory(), nil
}

// lookup returns the live object for oid without creating a ghost.
func (r *registry) lookup(oid OID) (IPersistent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	obj, ok := r.byOID[oid]
	return obj, ok
}

// put caches obj as the live object for oid, e.g. just after it was
// assigned an OID at commit.
func (r *registry) put(oid OID, obj IPersistent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byOID[oid] = obj
}

// ---- codec.Resolver ----

func (r *registry) ToRef(v interface{}) (codec.Ref, bool) {
	obj, ok := v.(IPersistent)
	if !ok {
		return codec.Ref{}, false
	}
	p := obj.pbase()
	if !p.hasOID {
		// Referencing an object that has itself never been committed.
		// The Transaction Manager is responsible for having registered
		// it so it commits first in the same transaction; here we can
		// only encode what it has, which is nothing yet.
		return codec.Ref{}, false
	}
	return codec.Ref{Class: p.class, Oid: uint64(p.oid)}, true
}

func (r *registry) FromRef(ref codec.Ref) interface{} {
	obj, err := r.get(OID(ref.Oid), ref.Class)
	if err != nil {
		return nil
	}
	return obj
}

// ToBlobRef substitutes v's own ref when v is a Blob already located in
// this database's log. A Blob bound to a different Database (e.g. one
// carried across by the snapshot emitter) reports ok=false: its bytes
// live at an offset meaningful only in that other log, so txnState's
// encode pass must copy them forward via PutBlob first, same as a
// not-yet-written Stream.
func (r *registry) ToBlobRef(v interface{}) (codec.BlobRef, bool) {
	b, ok := v.(*Blob)
	if !ok || b.db != r.db {
		return codec.BlobRef{}, false
	}
	return b.ref, true
}

func (r *registry) FromBlobRef(ref codec.BlobRef) interface{} {
	return &Blob{db: r.db, ref: ref}
}

type unknownClassError string

func (e unknownClassError) Error() string { return "obdb: unregistered class " + string(e) }
