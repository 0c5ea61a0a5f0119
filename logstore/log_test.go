// Copyright (C) 2017-2019  Nexedi SA and Contributors.
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

package logstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCommitThenLatest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.odb")
	l, err := Open(path)
	require.NoError(t, err)
	defer l.Close()

	w, err := l.BeginWrite()
	require.NoError(t, err)
	oid := w.NewOID()
	require.NoError(t, w.PutObject(oid, []byte("hello")))
	txid, err := w.Commit()
	require.NoError(t, err)
	require.Equal(t, Txid(1), txid)

	data, gotTxid, ok := l.Latest(oid)
	require.True(t, ok)
	require.Equal(t, Txid(1), gotTxid)
	require.Equal(t, []byte("hello"), data)

	require.EqualValues(t, 1, l.TxCount())
	require.Equal(t, 1, l.Len())
}

func TestDiscardLeavesNothingCommitted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.odb")
	l, err := Open(path)
	require.NoError(t, err)
	defer l.Close()

	w, err := l.BeginWrite()
	require.NoError(t, err)
	require.NoError(t, w.PutObject(w.NewOID(), []byte("nope")))
	w.Discard()

	require.EqualValues(t, 0, l.TxCount())

	// the lock must have been released: a further write should not block.
	w2, err := l.BeginWrite()
	require.NoError(t, err)
	require.NoError(t, w2.PutObject(w2.NewOID(), []byte("yes")))
	_, err = w2.Commit()
	require.NoError(t, err)
	require.EqualValues(t, 1, l.TxCount())
}

func TestReadFromReturnsOnlyNewerTransactions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.odb")
	l, err := Open(path)
	require.NoError(t, err)
	defer l.Close()

	w1, _ := l.BeginWrite()
	oid1 := w1.NewOID()
	require.NoError(t, w1.PutObject(oid1, []byte("v1")))
	txid1, err := w1.Commit()
	require.NoError(t, err)

	w2, _ := l.BeginWrite()
	oid2 := w2.NewOID()
	require.NoError(t, w2.PutObject(oid2, []byte("v2")))
	_, err = w2.Commit()
	require.NoError(t, err)

	recs, err := l.ReadFrom(txid1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Len(t, recs[0].Objects, 1)
	require.Equal(t, oid2, recs[0].Objects[0].Oid)
}

func TestReopenRecoversIndex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.odb")
	l, err := Open(path)
	require.NoError(t, err)

	w, _ := l.BeginWrite()
	oid := w.NewOID()
	require.NoError(t, w.PutObject(oid, []byte("persisted")))
	_, err = w.Commit()
	require.NoError(t, err)
	require.NoError(t, l.Close())

	l2, err := Open(path)
	require.NoError(t, err)
	defer l2.Close()

	data, _, ok := l2.Latest(oid)
	require.True(t, ok)
	require.Equal(t, []byte("persisted"), data)
	require.EqualValues(t, 1, l2.TxCount())
}

func TestBlobRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.odb")
	l, err := Open(path)
	require.NoError(t, err)
	defer l.Close()

	w, err := l.BeginWrite()
	require.NoError(t, err)
	ref, err := w.PutBlob([]byte("binary payload"))
	require.NoError(t, err)
	require.NoError(t, w.PutObject(w.NewOID(), []byte("obj referencing blob")))
	_, err = w.Commit()
	require.NoError(t, err)

	got, err := l.ReadBlob(ref)
	require.NoError(t, err)
	require.Equal(t, []byte("binary payload"), got.Data)
}
