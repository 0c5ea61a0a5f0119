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
	"context"
	"io"
	"sync"

	"github.com/malthe/dobbin/codec"
	"github.com/malthe/dobbin/logstore"
	"github.com/malthe/dobbin/transaction"
	"github.com/pkg/errors"
)

// ctxKey is an unexported type to avoid collisions with context keys defined
// in other packages, following the pattern of the standard library's own
// context examples and the teacher's zodb/connection.go.
type ctxKey int

const txnStateKey ctxKey = 0

// txnState is the per-(goroutine transaction, Database) data manager. It
// implements transaction.DataManager and tracks everything a commit needs:
// the write set, the objects checked out (for overlay cleanup), the
// serials observed at checkout time (recorded only; conflict detection
// does not read them), and the objects flagged as conflicted when
// catch-up saw a newer version of them land in the log.
type txnState struct {
	db *Database

	mu          sync.Mutex
	registered  map[IPersistent]struct{}
	checkedOut  map[IPersistent]struct{}
	seenSerial  map[OID]Serial // serial observed at checkout, keyed by already-assigned OID
	conflicted  map[IPersistent]struct{}
	lastSeenTxid logstore.Txid
	joined      bool

	pendingWrite *logstore.WriteHandle
	pendingOID   []pendingObj
	electedRoot  IPersistent
}

func newTxnState(db *Database) *txnState {
	return &txnState{
		db:         db,
		registered: map[IPersistent]struct{}{},
		checkedOut: map[IPersistent]struct{}{},
		seenSerial: map[OID]Serial{},
		conflicted: map[IPersistent]struct{}{},
	}
}

// Begin starts a transaction bound to db and returns a context carrying
// both the transaction/py-style Transaction and this database's data
// manager. Use the returned context for all subsequent Checkout/Get/Set
// calls and pass it to Commit/Abort.
func Begin(ctx context.Context, db *Database) (transaction.Transaction, context.Context) {
	txn, ctx := transaction.New(ctx)
	ts := newTxnState(db)
	ts.lastSeenTxid = db.log.LastTxid() // avoid re-flagging history already visible at Begin
	ctx = context.WithValue(ctx, txnStateKey, ts)
	return txn, ctx
}

// Commit is a convenience wrapper equivalent to transaction.Current(ctx).Commit(ctx).
func Commit(ctx context.Context) error {
	return transaction.Current(ctx).Commit(ctx)
}

// Abort is a convenience wrapper equivalent to transaction.Current(ctx).Abort().
func Abort(ctx context.Context) {
	transaction.Current(ctx).Abort()
}

func txnStateFromCtx(ctx context.Context) *txnState {
	ts, _ := ctx.Value(txnStateKey).(*txnState)
	return ts
}

func (ts *txnState) ensureJoined(ctx context.Context) {
	ts.mu.Lock()
	joined := ts.joined
	ts.joined = true
	ts.mu.Unlock()
	if !joined {
		transaction.Current(ctx).Join(ts)
	}
}

func (ts *txnState) trackCheckout(p *Persistent) {
	ts.mu.Lock()
	ts.checkedOut[p.self] = struct{}{}
	if p.hasOID {
		ts.seenSerial[p.oid] = p.serial
	}
	ts.mu.Unlock()
}

func (ts *txnState) register(obj IPersistent) {
	ts.mu.Lock()
	ts.registered[obj] = struct{}{}
	ts.mu.Unlock()
}

func (ts *txnState) flagConflict(obj IPersistent) {
	ts.mu.Lock()
	ts.conflicted[obj] = struct{}{}
	ts.mu.Unlock()
}

// Checkout must be called before an object's attributes may be modified.
// It is idempotent per (transaction, object) pair.
func Checkout(ctx context.Context, obj IPersistent) error {
	ts := txnStateFromCtx(ctx)
	if ts == nil {
		return errors.New("obdb: Checkout called outside a transaction")
	}
	ts.ensureJoined(ctx)
	return obj.pbase().checkout(ctx, ts)
}

// Get reads an attribute of obj, activating it from storage if necessary.
func Get(ctx context.Context, obj IPersistent, key string) (interface{}, error) {
	ts := txnStateFromCtx(ctx) // may be nil: read-only access outside a transaction is fine
	return obj.pbase().get(ctx, ts, key)
}

// Set writes an attribute of obj. obj must have been Checkout'd first.
func Set(ctx context.Context, obj IPersistent, key string, value interface{}) error {
	ts := txnStateFromCtx(ctx)
	if ts == nil {
		return &ReadOnlyError{Object: obj}
	}
	return obj.pbase().set(ts, key, value)
}

// Delete removes an attribute of obj. obj must have been Checkout'd first.
func Delete(ctx context.Context, obj IPersistent, key string) error {
	ts := txnStateFromCtx(ctx)
	if ts == nil {
		return &ReadOnlyError{Object: obj}
	}
	return obj.pbase().delete(ts, key)
}

// ---- transaction.DataManager ----

func (ts *txnState) Abort(txn transaction.Transaction) {
	ts.mu.Lock()
	checked := make([]IPersistent, 0, len(ts.checkedOut))
	for obj := range ts.checkedOut {
		checked = append(checked, obj)
	}
	ts.mu.Unlock()

	for _, obj := range checked {
		obj.pbase().dropOverlay(ts)
	}
}

// TPCBegin gives a transaction's objects an early, unlocked refresh
// against whatever has committed so far, so a long-running transaction's
// reads see a reasonably current view without waiting for the commit
// lock. Commit re-validates this, under the lock, right before writing.
func (ts *txnState) TPCBegin(ctx context.Context, txn transaction.Transaction) error {
	return ts.db.catchUp(ctx, ts)
}

// Commit acquires the log's commit lock for the remainder of the vote
// (released by TPCAbort, or by TPCFinish's own Commit/Discard-equivalent
// call), re-runs catch-up now that nothing else can concurrently land,
// and re-validates the conflict set against that fresher view. Skips all
// of this -- and never touches the lock -- for a transaction with nothing
// checked out or registered, so a purely read-only transaction's Commit
// is a true no-op, exactly as before this lock was introduced.
func (ts *txnState) Commit(ctx context.Context, txn transaction.Transaction) error {
	ts.mu.Lock()
	hasWork := len(ts.registered) > 0 || len(ts.checkedOut) > 0
	ts.mu.Unlock()
	if !hasWork {
		return nil
	}

	w, err := ts.db.log.BeginWrite()
	if err != nil {
		return &StorageError{Op: "commit", Cause: err}
	}
	ts.pendingWrite = w

	if err := ts.db.catchUpLocked(ts); err != nil {
		return err
	}
	return ts.checkConflicts()
}

// checkConflicts is Commit's validation proper, factored out so it can be
// re-run under the commit lock with exactly the same logic TPCBegin-time
// catch-up already exercised unlocked.
func (ts *txnState) checkConflicts() error {
	ts.mu.Lock()
	conflicted := make([]IPersistent, 0, len(ts.conflicted))
	for obj := range ts.conflicted {
		conflicted = append(conflicted, obj)
	}
	ts.mu.Unlock()

	var unresolved []IPersistent
	var lastErr error
	for _, obj := range conflicted {
		if _, written := ts.registered[obj]; !written {
			continue // read conflict handled below
		}
		if err := ts.tryResolve(obj); err != nil {
			unresolved = append(unresolved, obj)
			if _, isResolver := obj.(ConflictResolver); isResolver {
				lastErr = err // the resolver ran and raised
			}
		}
	}
	if len(unresolved) > 0 {
		return &WriteConflictError{ConflictError: ConflictError{Objects: unresolved}, Cause: lastErr}
	}

	var readConflicts []IPersistent
	for _, obj := range conflicted {
		if _, written := ts.registered[obj]; !written {
			readConflicts = append(readConflicts, obj)
		}
	}
	if len(readConflicts) > 0 {
		return &ReadConflictError{ConflictError: ConflictError{Objects: readConflicts}}
	}
	return nil
}

// tryResolve dispatches to obj's ConflictResolver, if any, merging the
// overlay's changes with what actually landed in the log.
func (ts *txnState) tryResolve(obj IPersistent) error {
	resolver, ok := obj.(ConflictResolver)
	if !ok {
		return errors.Errorf("%T: no conflict resolver and object was concurrently modified", obj)
	}
	p := obj.pbase()
	savedState := p.overlayOf(ts)
	if savedState == nil {
		return errors.Errorf("%T: conflicted but not checked out", obj)
	}
	oldState := p.baseOf(ts)
	newState := p.currentShared()

	merged, err := resolver.ResolveConflict(oldState, savedState, newState)
	if err != nil {
		return err
	}
	p.mu.Lock()
	if ov, ok := p.overlays[ts]; ok {
		ov.data = merged
	}
	p.mu.Unlock()
	return nil
}

// TPCVote verifies every checked-out object is either already part of the
// graph, written by this transaction, or referenced from an object this
// transaction writes (see connectGraph; reachability from the root itself
// is not checked, so a new object that is written but referenced from
// nowhere still commits), assigns a fresh oid to each new object
// about to be written, and only then serializes everything through the
// codec and writes the transaction's data record to the log. It does not
// yet make the write visible: that is TPCFinish's job, mirroring the
// log's own write-then-commit two-step (see logstore.Log.BeginWrite).
//
// The oid-assignment pass runs to completion before any object is
// encoded, deliberately as a separate pass from encoding: ts.registered
// is a map, so a single combined pass would assign and encode in
// unspecified order, and a new object that happens to reference another
// new, not-yet-visited one would see it still oid-less.
func (ts *txnState) TPCVote(ctx context.Context, txn transaction.Transaction) error {
	if err := ts.connectGraph(); err != nil {
		return err
	}

	ts.mu.Lock()
	objs := make([]IPersistent, 0, len(ts.registered))
	for obj := range ts.registered {
		objs = append(objs, obj)
	}
	ts.mu.Unlock()

	if len(objs) == 0 {
		return nil
	}

	w := ts.pendingWrite // acquired by Commit, which also already re-ran catch-up under it

	for _, obj := range objs {
		p := obj.pbase()
		p.mu.Lock()
		if !p.hasOID {
			p.oid = OID(w.NewOID())
			p.hasOID = true
		}
		p.mu.Unlock()
	}

	for _, obj := range objs {
		p := obj.pbase()
		overlay := p.overlayOf(ts)
		if overlay == nil {
			return &ObjectGraphError{Object: obj}
		}

		if err := ts.resolveBlobAttrs(w, overlay); err != nil {
			return err
		}

		p.mu.Lock()
		oid := p.oid
		isNew := p.serial == 0 && p.state == Local
		class := p.class
		p.mu.Unlock()

		overlay[classKey] = class
		buf, err := ts.db.codec.Encode(overlay)
		if err != nil {
			return &SerializationError{Cause: err}
		}
		if err := w.PutObject(logstore.OID(oid), buf); err != nil {
			return &StorageError{Op: "tpc-vote", Cause: err}
		}
		ts.pendingOID = append(ts.pendingOID, pendingObj{obj: obj, oid: oid, isNew: isNew, data: overlay})
	}
	return nil
}

// connectGraph verifies every checked-out object is reachable from the
// write set by commit time, mirroring the teacher's UnconnectedSync/
// tpc_vote pair: there, any object whose _p_jar is still None when votes
// are cast fails the commit with ObjectGraphError. Checking out an object
// and explicitly writing to it (Set/Delete, or Elect) is always enough on
// its own -- that registration is itself the "connected" signal, same as
// a jar.add() in the teacher. What Checkout alone does not give an object
// is membership in ts.registered; if such an object is also never
// discovered as the value of some other, registered object's attribute,
// it is a genuine orphan and fails the commit.
//
// A new (oid-less) object discovered only by walking a registered
// object's attributes -- referenced, but never itself explicitly written
// -- is folded into the write set too, exactly as the teacher's
// persistent_id calls jar.add() on any not-yet-jarred object it finds
// while pickling one that already is.
func (ts *txnState) connectGraph() error {
	ts.mu.Lock()
	checked := make([]IPersistent, 0, len(ts.checkedOut))
	for obj := range ts.checkedOut {
		checked = append(checked, obj)
	}
	registeredSet := make(map[IPersistent]bool, len(ts.registered))
	var queue []IPersistent
	for obj := range ts.registered {
		registeredSet[obj] = true
		queue = append(queue, obj)
	}
	root := ts.electedRoot
	ts.mu.Unlock()

	if root != nil && !registeredSet[root] {
		registeredSet[root] = true
		queue = append(queue, root)
	}

	connected := map[IPersistent]bool{}
	for len(queue) > 0 {
		obj := queue[len(queue)-1]
		queue = queue[:len(queue)-1]

		overlay := obj.pbase().overlayOf(ts)
		if overlay == nil {
			continue // not written by this transaction: nothing to walk through it
		}
		for _, v := range overlay {
			ref, ok := v.(IPersistent)
			if !ok || connected[ref] || registeredSet[ref] {
				continue
			}
			connected[ref] = true
			if !ref.pbase().hasOIDAssigned() {
				ts.register(ref)
				registeredSet[ref] = true
				queue = append(queue, ref)
			}
		}
	}

	for _, obj := range checked {
		if obj.pbase().hasOIDAssigned() || registeredSet[obj] || connected[obj] {
			continue
		}
		return &ObjectGraphError{Object: obj}
	}
	return nil
}

// resolveBlobAttrs substitutes a freshly written Blob for every Stream (or
// cross-database Blob) among overlay's top-level attribute values,
// draining/copying its bytes into the log via w.PutBlob. A Blob already
// bound to ts.db needs no substitution here: the codec's Resolver
// (obdb's registry) encodes it directly from its existing ref.
func (ts *txnState) resolveBlobAttrs(w *logstore.WriteHandle, ov attrs) error {
	for key, v := range ov {
		switch bv := v.(type) {
		case *Stream:
			b, err := ts.writeBlob(w, bv)
			if err != nil {
				return err
			}
			ov[key] = b
		case *Blob:
			if bv.db != ts.db {
				b, err := ts.copyBlob(w, bv)
				if err != nil {
					return err
				}
				ov[key] = b
			}
		}
	}
	return nil
}

func (ts *txnState) writeBlob(w *logstore.WriteHandle, s *Stream) (*Blob, error) {
	data, err := io.ReadAll(s.data)
	if err != nil {
		return nil, &StorageError{Op: "tpc-vote", Cause: err}
	}
	loc, err := w.PutBlob(data)
	if err != nil {
		return nil, &StorageError{Op: "tpc-vote", Cause: err}
	}
	return &Blob{db: ts.db, ref: codec.BlobRef{Offset: loc.Offset, Length: loc.Length}}, nil
}

func (ts *txnState) copyBlob(w *logstore.WriteHandle, b *Blob) (*Blob, error) {
	data, err := b.Bytes()
	if err != nil {
		return nil, err
	}
	loc, err := w.PutBlob(data)
	if err != nil {
		return nil, &StorageError{Op: "tpc-vote", Cause: err}
	}
	return &Blob{db: ts.db, ref: codec.BlobRef{Offset: loc.Offset, Length: loc.Length}}, nil
}

type pendingObj struct {
	obj   IPersistent
	oid   OID
	isNew bool
	data  attrs
}

func (ts *txnState) TPCFinish(ctx context.Context, txn transaction.Transaction) error {
	if ts.pendingWrite == nil {
		return nil
	}
	txid, err := ts.pendingWrite.Commit()
	if err != nil {
		return errors.Wrap(err, "obdb: tpc-finish")
	}
	serial := Serial(txid)
	for _, po := range ts.pendingOID {
		po.obj.pbase().publish(po.oid, serial, po.data, ts)
		ts.db.registry.put(po.oid, po.obj)
	}
	ts.lastSeenTxid = txid
	ts.db.recordTxid(txid)
	return nil
}

// TPCAbort unwinds a transaction that failed somewhere after TPCBegin
// succeeded. If the commit lock was ever acquired (Commit got as far as
// BeginWrite), a failure-marker transaction record is appended so the
// log's txid sequence -- and tx_count -- still advances: a reader must
// never see a gap where a transaction was attempted but left no trace.
// A transaction that never got that far (Commit returned early because
// there was nothing to do, or failed before BeginWrite) has nothing to
// mark.
func (ts *txnState) TPCAbort(ctx context.Context, txn transaction.Transaction) {
	if ts.pendingWrite != nil {
		ts.pendingWrite.Fail()
		ts.pendingWrite = nil
		ts.db.recordTxid(ts.db.log.LastTxid())
	}
	ts.Abort(txn)
}
