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

package transaction

import (
	"context"
	"sync"
)

// transaction implements Transaction.
type transaction struct {
	mu     sync.Mutex
	status Status
	datav  []DataManager
	syncv  []Synchronizer

	// metadata
	user        string
	description string
	extension   string // XXX
}

// ctxKey is the type private to transaction package, used as key in contexts.
type ctxKey struct{}

// getTxn returns transaction associated with provided context.
// nil is returned if there is no association.
func getTxn(ctx context.Context) *transaction {
	t := ctx.Value(ctxKey{})
	if t == nil {
		return nil
	}
	return t.(*transaction)
}

// currentTxn serves Current.
func currentTxn(ctx context.Context) Transaction {
	txn := getTxn(ctx)
	if txn == nil {
		panic("transaction: no current transaction")
	}
	return txn
}

// newTxn serves New.
func newTxn(ctx context.Context) (Transaction, context.Context) {
	if getTxn(ctx) != nil {
		panic("transaction: new: nested transactions not supported")
	}

	txn := &transaction{status: Active}
	txnCtx := context.WithValue(ctx, ctxKey{}, txn)
	return txn, txnCtx
}

// Status implements Transaction.
func (txn *transaction) Status() Status {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	return txn.status
}

// Commit implements Transaction.
//
// It runs the two-phase commit protocol against every DataManager that
// joined the transaction via Join: first tpc_begin/Commit/tpc_vote on all
// of them, then, if none objected, tpc_finish; if any phase fails, the
// transaction is rolled back via tpc_abort on all data managers that had
// already been driven that far.
func (txn *transaction) Commit(ctx context.Context) (err error) {
	var datav []DataManager
	var syncv []Synchronizer

	func() {
		txn.mu.Lock()
		defer txn.mu.Unlock()

		txn.checkNotYetCompleting("commit")
		txn.status = Committing

		datav = txn.datav
		syncv = txn.syncv
	}()

	for _, s := range syncv {
		if err = s.BeforeCompletion(ctx, txn); err != nil {
			return txn.commitFail(ctx, datav, syncv, nil, err)
		}
	}

	begun := datav[:0:0]
	for _, dm := range datav {
		if err = dm.TPCBegin(ctx, txn); err != nil {
			return txn.commitFail(ctx, datav, syncv, begun, err)
		}
		begun = append(begun, dm)
	}

	for _, dm := range datav {
		if err = dm.Commit(ctx, txn); err != nil {
			return txn.commitFail(ctx, datav, syncv, begun, err)
		}
	}

	for _, dm := range datav {
		if err = dm.TPCVote(ctx, txn); err != nil {
			return txn.commitFail(ctx, datav, syncv, begun, err)
		}
	}

	for _, dm := range datav {
		if err = dm.TPCFinish(ctx, txn); err != nil {
			// per DataManager contract TPCFinish must not fail;
			// there is nothing sane left to roll back to.
			txn.mu.Lock()
			txn.status = CommitFailed
			txn.mu.Unlock()
			return err
		}
	}

	txn.mu.Lock()
	txn.status = Committed
	txn.mu.Unlock()

	for _, s := range syncv {
		s.AfterCompletion(txn)
	}

	return nil
}

// commitFail rolls back a transaction that failed before TPCFinish.
//
// begun holds the data managers whose TPCBegin already succeeded and which
// therefore need TPCAbort; the rest only need TPCAbort skipped since they
// were never driven into the two-phase commit.
func (txn *transaction) commitFail(ctx context.Context, datav []DataManager, syncv []Synchronizer, begun []DataManager, cause error) error {
	for _, dm := range begun {
		dm.TPCAbort(ctx, txn)
	}

	txn.mu.Lock()
	txn.status = CommitFailed
	txn.mu.Unlock()

	for _, s := range syncv {
		s.AfterCompletion(txn)
	}

	return cause
}

// Abort implements Transaction.
func (txn *transaction) Abort() {
	var datav []DataManager
	var syncv []Synchronizer

	// under lock: change state to aborting; extract datav/syncv
	func() {
		txn.mu.Lock()
		defer txn.mu.Unlock()

		txn.checkNotYetCompleting("abort")
		txn.status = Aborting

		datav = txn.datav; txn.datav = nil
		syncv = txn.syncv; txn.syncv = nil
	}()

	// lock released

	ctx := context.Background()

	for _, s := range syncv {
		_ = s.BeforeCompletion(ctx, txn) // best-effort; abort cannot fail
	}

	for _, dm := range datav {
		dm.Abort(txn)
	}

	txn.mu.Lock()
	txn.status = Aborted
	txn.mu.Unlock()

	for _, s := range syncv {
		s.AfterCompletion(txn)
	}
}

// Join implements Transaction.
func (txn *transaction) Join(dm DataManager) {
	txn.mu.Lock()
	defer txn.mu.Unlock()

	txn.checkNotYetCompleting("join")

	// XXX forbid double join?
	txn.datav = append(txn.datav, dm)
}

// RegisterSync implements Transaction.
func (txn *transaction) RegisterSync(sync Synchronizer) {
	txn.mu.Lock()
	defer txn.mu.Unlock()

	txn.checkNotYetCompleting("register sync")

	// XXX forbid double register?
	txn.syncv = append(txn.syncv, sync)
}

// checkNotYetCompleting asserts that transaction completion has not yet began.
//
// and panics if the assert fails.
// must be called with .mu held.
func (txn *transaction) checkNotYetCompleting(who string) {
	switch txn.status {
	case Active: // XXX + Doomed ?
		// ok
	default:
		panic("transaction: " + who + ": transaction completion already began")
	}
}

// ---- meta ----

func (txn *transaction) User() string        { return txn.user }
func (txn *transaction) Description() string { return txn.description }
func (txn *transaction) Extension() string   { return txn.extension }
