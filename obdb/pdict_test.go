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
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPersistentDictSetGetDelete(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	txn, tctx := Begin(ctx, db)
	d := NewPersistentDict()
	require.NoError(t, Checkout(tctx, d))
	require.NoError(t, DictSet(tctx, d, "a", 1))
	require.NoError(t, DictSet(tctx, d, "b", 2))
	require.NoError(t, Elect(tctx, d))
	require.NoError(t, txn.Commit(tctx))

	got, err := db.Root(ctx)
	require.NoError(t, err)
	pd := got.(*PersistentDict)

	v, ok, err := DictGet(ctx, pd, "a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, v)

	keys, err := DictKeys(ctx, pd)
	require.NoError(t, err)
	sort.Strings(keys)
	require.Equal(t, []string{"a", "b"}, keys)

	txn2, tctx2 := Begin(ctx, db)
	require.NoError(t, Checkout(tctx2, pd))
	require.NoError(t, DictDelete(tctx2, pd, "a"))
	require.NoError(t, txn2.Commit(tctx2))

	keys2, err := DictKeys(ctx, pd)
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, keys2)
}
