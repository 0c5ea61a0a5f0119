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
// persistent objects: the shared -> local -> sticky state machine.

import (
	"context"
	"sync"
)

// ObjectState describes the state of an in-RAM persistent object.
//
// Transitions: ghost -read-> shared -checkout-> local -commit-> sticky
// -last checkout released-> shared.
type ObjectState int

const (
	Ghost  ObjectState = iota // data not yet loaded from the log
	Shared                    // shared_dict is live; no goroutine holds an overlay
	Local                     // at least one transaction holds a writable overlay
	Sticky                    // just committed; still visible to other checked-out owners
)

func (s ObjectState) String() string {
	switch s {
	case Ghost:
		return "ghost"
	case Shared:
		return "shared"
	case Local:
		return "local"
	case Sticky:
		return "sticky"
	default:
		return "?"
	}
}

// IPersistent is implemented by every in-RAM type representing a database object.
//
// Application types embed Persistent, which provides this interface for them.
type IPersistent interface {
	POid() OID
	PSerial() Serial
	PJar() *Database

	pbase() *Persistent
}

// ConflictResolver may optionally be implemented by an application type to
// merge concurrent writes instead of failing the later committer.
//
// oldState is the state the committing transaction started from, savedState
// is that transaction's (possibly modified) overlay, and newState is the
// state some other, already-committed transaction produced in the
// meantime. ResolveConflict returns the state that should be written
// instead, or an error to fail the commit with WriteConflictError.
type ConflictResolver interface {
	ResolveConflict(oldState, savedState, newState map[string]interface{}) (map[string]interface{}, error)
}

// attrs is the dynamic attribute map backing shared_dict and overlays.
//
// Spec design note: "model with ... a dynamic attribute map held inside
// the handle" -- this is that map, generalized over any embedding type
// instead of requiring per-type generated accessors.
type attrs map[string]interface{}

func (a attrs) clone() attrs {
	b := make(attrs, len(a))
	for k, v := range a {
		b[k] = v
	}
	return b
}

// overlay is a transaction-owned writable copy of an object's shared_dict.
type overlay struct {
	owner *txnState
	base  attrs // shared_dict as observed at checkout time; input to ConflictResolver
	data  attrs
}

// Persistent is the common base embedded by every database-resident type.
//
// Its address is stable for the process lifetime: the object is never
// moved or recreated while live in the Object Registry.
type Persistent struct {
	self  IPersistent
	class string

	mu            sync.Mutex
	jar           *Database
	oid           OID
	hasOID        bool
	serial        Serial
	state         ObjectState
	shared        attrs
	overlays      map[*txnState]*overlay
	checkoutOrder []*txnState // insertion order, for deterministic resolver dispatch
}

// newPersistent wires self (the embedding application type) into a fresh,
// detached Persistent base. Call from the application type's constructor:
//
//	func NewFoo() *Foo {
//	    f := &Foo{}
//	    f.Persistent = newPersistent(f, "Foo")
//	    return f
//	}
func newPersistent(self IPersistent, class string) Persistent {
	return Persistent{
		self:     self,
		class:    class,
		state:    Local, // born local/detached, per lifecycle in the data model
		shared:   nil,
		overlays: map[*txnState]*overlay{},
	}
}

// hasOIDAssigned reports whether p has ever been assigned a real OID --
// i.e. whether it is already part of the committed object graph, as
// opposed to a new object still waiting to prove (or fail to prove)
// reachability from root this transaction (see txnState.connectGraph).
func (p *Persistent) hasOIDAssigned() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hasOID
}

func (p *Persistent) POid() OID        { return p.oid }
func (p *Persistent) PSerial() Serial  { return p.serial }
func (p *Persistent) PJar() *Database  { return p.jar }
func (p *Persistent) pbase() *Persistent { return p }

// PClass returns the class name this object was registered under.
func (p *Persistent) PClass() string { return p.class }

// attach binds a freshly created, jar-less object to db. Rejects attaching
// an object that already belongs to a different Database ("exactly one
// owning Database ever claims an object").
func (p *Persistent) attach(db *Database) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.jar != nil {
		if p.jar == db {
			return nil
		}
		return &StorageError{Op: "attach", Cause: errAlreadyOwned}
	}
	p.jar = db
	return nil
}

// initGhost turns a freshly constructed, zero-value application object
// into a not-yet-loaded ghost for oid/class, owned by db. Used by the
// Object Registry on lookup miss; never called on an object that might
// already be referenced elsewhere, so no locking is needed.
func (p *Persistent) initGhost(db *Database, oid OID, class string, self IPersistent) {
	p.self = self
	p.class = class
	p.jar = db
	p.oid = oid
	p.hasOID = true
	p.state = Ghost
	p.overlays = map[*txnState]*overlay{}
}

// activate loads shared_dict from the log if the object is still a ghost.
//
// Table: ghost --(attribute read)--> shared.
func (p *Persistent) activate(ctx context.Context) error {
	p.mu.Lock()
	if p.state != Ghost {
		p.mu.Unlock()
		return nil
	}
	db := p.jar
	oid := p.oid
	p.mu.Unlock()

	data, serial, err := db.loadLatest(ctx, oid)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == Ghost { // nobody raced us to it
		p.shared = data
		p.serial = serial
		p.state = Shared
	}
	return nil
}

// get reads an attribute, preferring owner's overlay over shared_dict.
//
// A nil owner (no active transaction) reads only shared_dict. Either way
// the object is activated first if it is still a ghost.
func (p *Persistent) get(ctx context.Context, owner *txnState, key string) (interface{}, error) {
	if err := p.activate(ctx); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if owner != nil {
		if ov, ok := p.overlays[owner]; ok {
			if v, ok := ov.data[key]; ok {
				return v, nil
			}
		}
	}
	return p.shared[key], nil
}

// set writes an attribute into owner's overlay.
//
// Returns ReadOnlyError if owner does not hold an overlay on p -- either
// because p is still shared, or because some other transaction's overlay
// is the only one checked out.
func (p *Persistent) set(owner *txnState, key string, value interface{}) error {
	if owner == nil {
		return &ReadOnlyError{Object: p.self}
	}

	p.mu.Lock()
	ov, ok := p.overlays[owner]
	p.mu.Unlock()
	if !ok {
		return &ReadOnlyError{Object: p.self}
	}

	ov.data[key] = value
	owner.register(p.self)
	return nil
}

// delete removes an attribute from owner's overlay. Unlike a missing key
// in an ordinary map, this is meaningful even though shared_dict still
// has the key: at publish time the overlay wholesale replaces
// shared_dict, so simply omitting the key is enough to drop it.
func (p *Persistent) delete(owner *txnState, key string) error {
	if owner == nil {
		return &ReadOnlyError{Object: p.self}
	}

	p.mu.Lock()
	ov, ok := p.overlays[owner]
	p.mu.Unlock()
	if !ok {
		return &ReadOnlyError{Object: p.self}
	}

	delete(ov.data, key)
	owner.register(p.self)
	return nil
}

// checkout promotes p to local state for owner, copying shared_dict
// (empty for a never-yet-persisted object) into a fresh per-owner overlay.
//
// Table: shared --checkout--> local; local --checkout(other owner)--> local.
func (p *Persistent) checkout(ctx context.Context, owner *txnState) error {
	if err := p.activate(ctx); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.overlays[owner]; ok {
		return nil // already checked out by this owner; not an error
	}

	p.overlays[owner] = &overlay{owner: owner, base: p.shared.clone(), data: p.shared.clone()}
	p.checkoutOrder = append(p.checkoutOrder, owner)
	if p.state == Shared || p.state == Sticky {
		p.state = Local
	}
	owner.trackCheckout(p)
	return nil
}

// dropOverlay discards owner's overlay (on abort, or after retraction to
// shared at commit completion). Returns the object's state after removal.
func (p *Persistent) dropOverlay(owner *txnState) ObjectState {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.overlays, owner)
	for i, o := range p.checkoutOrder {
		if o == owner {
			p.checkoutOrder = append(p.checkoutOrder[:i], p.checkoutOrder[i+1:]...)
			break
		}
	}

	if len(p.overlays) == 0 {
		if p.state == Local || p.state == Sticky {
			p.state = Shared
		}
	}
	return p.state
}

// overlayOf returns owner's writable snapshot, or nil if owner holds none.
func (p *Persistent) overlayOf(owner *txnState) attrs {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ov, ok := p.overlays[owner]; ok {
		return ov.data
	}
	return nil
}

// baseOf returns the shared_dict snapshot owner observed at checkout time,
// before its own writes and before any concurrent commit.
func (p *Persistent) baseOf(owner *txnState) attrs {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ov, ok := p.overlays[owner]; ok {
		return ov.base
	}
	return nil
}

// currentShared returns the live shared_dict, e.g. as fast-forwarded by a
// concurrent commit observed via observeIncoming.
func (p *Persistent) currentShared() attrs {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shared
}

// publish makes newState the new shared_dict, bumps serial, and transitions
// to sticky (if other owners are still checked out) or shared.
//
// Table: local --commit success--> sticky; sticky --last checkout released--> shared.
func (p *Persistent) publish(oid OID, serial Serial, newState attrs, committer *txnState) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.oid = oid
	p.hasOID = true
	p.shared = newState
	p.serial = serial

	delete(p.overlays, committer)
	for i, o := range p.checkoutOrder {
		if o == committer {
			p.checkoutOrder = append(p.checkoutOrder[:i], p.checkoutOrder[i+1:]...)
			break
		}
	}

	if len(p.overlays) == 0 {
		p.state = Shared
	} else {
		p.state = Sticky
	}
}

// observeIncoming applies a concurrently committed version of p seen during
// catch-up. If some owner still holds p checked out, that is a conflict
// pending for that owner (flagged via txnState.conflict) rather than an
// immediate error -- it only surfaces when that owner next tries to commit.
func (p *Persistent) observeIncoming(serial Serial, newState attrs) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.overlays) == 0 {
		// nobody has it checked out: safe to fast-forward shared_dict.
		p.shared = newState
		p.serial = serial
		if p.state == Ghost {
			p.state = Shared
		}
		return
	}

	// Somebody has an overlay: don't clobber it. Record what actually
	// landed so checkout()'s caller can detect/resolve the conflict at
	// commit time; shared_dict is still updated since it is read by
	// goroutines with no overlay.
	p.shared = newState
	p.serial = serial
	for owner := range p.overlays {
		owner.flagConflict(p.self)
	}
}

// Attrs returns a snapshot of every attribute currently visible to owner
// (or, if owner is nil, to a read-only caller), activating p first if
// necessary. Used by the snapshot emitter, which needs the full attribute
// set rather than one key at a time.
func (p *Persistent) Attrs(ctx context.Context, owner *txnState) (map[string]interface{}, error) {
	if err := p.activate(ctx); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if owner != nil {
		if ov, ok := p.overlays[owner]; ok {
			return map[string]interface{}(ov.data.clone()), nil
		}
	}
	return map[string]interface{}(p.shared.clone()), nil
}

var errAlreadyOwned = &ownershipError{}

type ownershipError struct{}

func (*ownershipError) Error() string { return "object already attached to another database" }
