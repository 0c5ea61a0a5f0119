// Copyright (C) 2016-2019  Nexedi SA and Contributors.
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

package codec

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundtrip(t *testing.T) {
	c := New(nil)
	in := map[string]interface{}{
		"name":  "widget",
		"count": 3,
	}

	buf, err := c.Encode(in)
	require.NoError(t, err)

	out, err := c.Decode(buf)
	require.NoError(t, err)
	require.Equal(t, "widget", out["name"])
	require.EqualValues(t, 3, out["count"])
}

type fakeResolver struct{}

func (fakeResolver) ToRef(v interface{}) (Ref, bool) {
	if r, ok := v.(Ref); ok {
		return r, true
	}
	return Ref{}, false
}

func (fakeResolver) FromRef(ref Ref) interface{} { return ref }

func (fakeResolver) ToBlobRef(v interface{}) (BlobRef, bool) {
	if r, ok := v.(BlobRef); ok {
		return r, true
	}
	return BlobRef{}, false
}

func (fakeResolver) FromBlobRef(ref BlobRef) interface{} { return ref }

func TestEncodeDecodeSubstitutesReferences(t *testing.T) {
	c := New(fakeResolver{})
	in := map[string]interface{}{
		"child": Ref{Class: "Folder", Oid: 7},
	}

	buf, err := c.Encode(in)
	require.NoError(t, err)

	out, err := c.Decode(buf)
	require.NoError(t, err)
	require.Equal(t, Ref{Class: "Folder", Oid: 7}, out["child"])
}

func TestEncodeDecodeSubstitutesBlobRefs(t *testing.T) {
	c := New(fakeResolver{})
	in := map[string]interface{}{
		"attachment": BlobRef{Offset: 128, Length: 3},
	}

	buf, err := c.Encode(in)
	require.NoError(t, err)

	out, err := c.Decode(buf)
	require.NoError(t, err)
	require.Equal(t, BlobRef{Offset: 128, Length: 3}, out["attachment"])
}
