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
	"sync/atomic"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/malthe/dobbin/codec"
	"github.com/malthe/dobbin/logstore"
)

// Database is a single, embeddable object-graph database backed by one
// log file. It is safe for concurrent use by multiple goroutines, and the
// underlying log file is safe to open concurrently from multiple
// processes.
type Database struct {
	log      *logstore.Log
	codec    *codec.Codec
	registry *registry
	path     string

	txCount int64 // atomic; mirrors log.TxCount but avoids a lock on the hot TxCount() path
}

// Open opens (creating if necessary) the database file at path.
func Open(path string, opts ...Option) (*Database, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	log, err := logstore.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "obdb: open")
	}

	db := &Database{log: log, path: path}
	db.registry = newRegistry(db)
	db.codec = codec.New(db.registry)
	db.txCount = int64(log.TxCount())

	for name, f := range cfg.classes {
		db.registry.registerClass(name, f)
	}

	if cfg.verbose {
		glog.Infof("obdb: opened %s: %d object(s), %d transaction(s)", path, log.Len(), log.TxCount())
	}
	return db, nil
}

// Close releases the database's file handle. It does not wait for any
// in-flight transaction.
func (db *Database) Close() error {
	return db.log.Close()
}

// RegisterClass makes name available as a target of persistent
// references and ghost creation, via the zero-value constructor f.
// Must be called before any goroutine might load an object of that class.
func (db *Database) RegisterClass(name string, f Factory) {
	db.registry.registerClass(name, f)
}

// Len returns the number of distinct objects known to the database.
func (db *Database) Len() int {
	return db.log.Len()
}

// TxCount returns the number of transaction records in the log, failure
// markers included, as last copied from this Database's log handle: at
// Open and after each commit or failed commit made through this Database.
// Begin does not refresh it, and records appended through another handle
// on the same file are not counted.
func (db *Database) TxCount() int64 {
	return atomic.LoadInt64(&db.txCount)
}

// Root returns the database root object, ghost if not yet loaded. A
// brand-new, empty database has no root until the first call to Elect.
func (db *Database) Root(ctx context.Context) (IPersistent, error) {
	obj, ok := db.registry.lookup(RootOID)
	if !ok {
		class, hasRoot := db.rootClass()
		if !hasRoot {
			return nil, &StorageError{Op: "root", Cause: errors.New("database has no root yet")}
		}
		var err error
		obj, err = db.registry.get(RootOID, class)
		if err != nil {
			return nil, err
		}
	}
	if err := obj.pbase().activate(ctx); err != nil {
		return nil, err
	}
	return obj, nil
}

// rootClass reports the class name recorded for the root object, if any
// transaction has ever committed.
func (db *Database) rootClass() (string, bool) {
	data, _, ok := db.log.Latest(logstore.OID(RootOID))
	if !ok {
		return "", false
	}
	attrs, err := db.codec.Decode(data)
	if err != nil {
		return "", false
	}
	class, _ := attrs[classKey].(string)
	return class, class != ""
}

// classKey is a reserved attribute name carrying an object's class
// alongside its ordinary attributes, so a ghost can be constructed
// without a side index. Application attribute names beginning with "$"
// are otherwise unused by this package.
const classKey = "$class"

// Elect designates obj as the database root. Only meaningful the first
// time a database is populated; obj must have been Checkout'd already.
// The assignment takes effect on successful commit, like any other write.
func Elect(ctx context.Context, obj IPersistent) error {
	ts := txnStateFromCtx(ctx)
	if ts == nil {
		return &ReadOnlyError{Object: obj}
	}
	p := obj.pbase()
	p.mu.Lock()
	p.oid = RootOID
	p.hasOID = true
	p.mu.Unlock()

	ts.register(obj)
	ts.mu.Lock()
	ts.electedRoot = obj
	ts.mu.Unlock()
	return nil
}

// loadLatest reads and decodes the most recently committed state for oid.
func (db *Database) loadLatest(ctx context.Context, oid OID) (attrs, Serial, error) {
	data, txid, ok := db.log.Latest(logstore.OID(oid))
	if !ok {
		return attrs{}, 0, nil // never committed: an empty ghost becomes an empty shared_dict
	}
	decoded, err := db.codec.Decode(data)
	if err != nil {
		return nil, 0, &SerializationError{Cause: err}
	}
	return attrs(decoded), Serial(txid), nil
}

// catchUp folds every transaction committed since ts last looked, applying
// each to whichever live objects the registry already knows about (ghosts
// and objects never loaded locally pick the new state up lazily, on their
// next activate/loadLatest). Unlocked: safe to call at TPCBegin, before
// the commit lock is held.
func (db *Database) catchUp(ctx context.Context, ts *txnState) error {
	recs, err := db.log.ReadFrom(ts.lastSeenTxid)
	if err != nil {
		return &StorageError{Op: "catch-up", Cause: err}
	}
	return db.applyCatchUp(ts, recs)
}

// catchUpLocked is catchUp's counterpart for use once the commit lock is
// already held via ts.pendingWrite (see txnState.Commit): catch-up and
// conflict detection must be re-run immediately before voting/writing, not
// just once, unlocked, at TPCBegin. It must not call Database.catchUp /
// Log.ReadFrom, which take the shared lock themselves and would either
// deadlock on the non-reentrant commit-lock mutex or silently downgrade
// the exclusive lock already held.
func (db *Database) catchUpLocked(ts *txnState) error {
	recs, err := ts.pendingWrite.ReadFrom(ts.lastSeenTxid)
	if err != nil {
		return &StorageError{Op: "catch-up", Cause: err}
	}
	return db.applyCatchUp(ts, recs)
}

// applyCatchUp is the part of catch-up shared between the locked and
// unlocked callers: fold decoded records into the registry's live objects
// and advance ts.lastSeenTxid.
func (db *Database) applyCatchUp(ts *txnState, recs []logstore.TxnRecord) error {
	for _, rec := range recs {
		for _, o := range rec.Objects {
			oid := OID(o.Oid)
			obj, ok := db.registry.lookup(oid)
			if !ok {
				continue
			}
			decoded, err := db.codec.Decode(o.Data)
			if err != nil {
				return &SerializationError{Cause: err}
			}
			obj.pbase().observeIncoming(Serial(rec.Txid), attrs(decoded))
		}
		if rec.Txid > ts.lastSeenTxid {
			ts.lastSeenTxid = rec.Txid
		}
	}
	return nil
}

// Watch notifies the returned channel whenever the log may have gained
// new transactions, committed by this process or another one sharing the
// same file. A typical user is a long-lived reader that wants to start a
// fresh transaction on each notification instead of polling.
func (db *Database) Watch(ctx context.Context) (<-chan struct{}, error) {
	return db.log.Watch(ctx)
}

// recordTxid updates database-wide counters after a successful commit.
func (db *Database) recordTxid(txid logstore.Txid) {
	atomic.StoreInt64(&db.txCount, int64(db.log.TxCount()))
}
