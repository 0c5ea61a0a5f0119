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

// Package codec serializes object attribute dictionaries to and from the
// pickle-compatible wire format used by the log, substituting references
// to other persistent objects with a compact (class, oid) marker so the
// object graph does not have to be fully materialized to serialize one
// object.
package codec

import (
	"bytes"
	"fmt"

	pickle "github.com/kisielk/og-rek"
)

// Ref is how one object's serialized state refers to another: by class
// name (so a ghost of the right Go type can be created without loading
// it) and persistent identifier.
type Ref struct {
	Class string
	Oid   uint64
}

// refTag marks the (tag, class, oid) 3-tuple used on the wire to
// distinguish a Ref from an ordinary value the application happened to
// store.
const refTag = "$obdb.ref"

// BlobRef locates an immutable binary stream attached to an object's
// attribute, appended to the log outside of ordinary attribute framing
// (see logstore.Log.PutBlob/ReadBlob). Unlike Ref it carries no live
// identity of its own -- it is encoded directly, not via the Resolver's
// ToRef half -- but decoding still goes through the Resolver so obdb can
// hand back a Blob bound to the right Database instead of a bare offset.
type BlobRef struct {
	Offset int64
	Length int64
}

// blobTag marks the 3-tuple used on the wire for a BlobRef.
const blobTag = "$obdb.blob"

// Resolver substitutes live objects for Refs while decoding, and Refs for
// live objects while encoding, plus the equivalent substitution for
// attached binary streams. Implemented by obdb's object registry; the
// codec package itself knows nothing about IPersistent or Database, to
// keep the serialization format usable standalone (e.g. by cmd/obdbtool).
type Resolver interface {
	// ToRef returns the Ref standing in for v, if v is a persistent
	// reference the codec should substitute, and ok=false otherwise.
	ToRef(v interface{}) (ref Ref, ok bool)

	// FromRef returns the ghost or live object standing in for ref.
	FromRef(ref Ref) interface{}

	// ToBlobRef returns the BlobRef standing in for v, if v is an
	// already-located attached stream, and ok=false otherwise. A stream
	// not yet located anywhere in the log (not yet written) is not the
	// Resolver's concern: obdb substitutes it for a BlobRef itself, at
	// commit time, before the value ever reaches Encode.
	ToBlobRef(v interface{}) (ref BlobRef, ok bool)

	// FromBlobRef returns the handle standing in for ref.
	FromBlobRef(ref BlobRef) interface{}
}

// Codec encodes/decodes attribute maps. The zero value has no Resolver and
// will pass through any Ref-shaped tuple unresolved, which is adequate for
// introspection tools that do not need live object identity.
type Codec struct {
	Resolver Resolver
}

// New returns a Codec that substitutes persistent references via r.
func New(r Resolver) *Codec {
	return &Codec{Resolver: r}
}

// Encode serializes an attribute map to the wire format.
func (c *Codec) Encode(attrs map[string]interface{}) ([]byte, error) {
	wire := make(map[interface{}]interface{}, len(attrs))
	for k, v := range attrs {
		wire[k] = c.encodeValue(v)
	}

	var buf bytes.Buffer
	enc := pickle.NewEncoder(&buf)
	if err := enc.Encode(wire); err != nil {
		return nil, fmt.Errorf("codec: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode deserializes an attribute map previously produced by Encode.
func (c *Codec) Decode(data []byte) (map[string]interface{}, error) {
	dec := pickle.NewDecoder(bytes.NewReader(data))
	raw, err := dec.Decode()
	if err != nil {
		return nil, fmt.Errorf("codec: decode: %w", err)
	}

	wire, ok := asMap(raw)
	if !ok {
		return nil, fmt.Errorf("codec: decode: top-level value is %T, not a mapping", raw)
	}

	out := make(map[string]interface{}, len(wire))
	for k, v := range wire {
		key, ok := k.(string)
		if !ok {
			return nil, fmt.Errorf("codec: decode: non-string attribute key %T", k)
		}
		out[key] = c.decodeValue(v)
	}
	return out, nil
}

func (c *Codec) encodeValue(v interface{}) interface{} {
	if ref, ok := v.(BlobRef); ok {
		return pickle.Tuple{blobTag, ref.Offset, ref.Length}
	}
	if c.Resolver != nil {
		if ref, ok := c.Resolver.ToRef(v); ok {
			return pickle.Tuple{refTag, ref.Class, ref.Oid}
		}
		if ref, ok := c.Resolver.ToBlobRef(v); ok {
			return pickle.Tuple{blobTag, ref.Offset, ref.Length}
		}
	}
	switch x := v.(type) {
	case map[string]interface{}:
		wire := make(map[interface{}]interface{}, len(x))
		for k, vv := range x {
			wire[k] = c.encodeValue(vv)
		}
		return wire
	case []interface{}:
		wire := make([]interface{}, len(x))
		for i, vv := range x {
			wire[i] = c.encodeValue(vv)
		}
		return wire
	default:
		return v
	}
}

func (c *Codec) decodeValue(v interface{}) interface{} {
	if t, ok := v.(pickle.Tuple); ok && len(t) == 3 {
		if tag, ok := t[0].(string); ok {
			switch tag {
			case refTag:
				class, _ := t[1].(string)
				oid, _ := asUint64(t[2])
				ref := Ref{Class: class, Oid: oid}
				if c.Resolver != nil {
					return c.Resolver.FromRef(ref)
				}
				return ref
			case blobTag:
				off, _ := asInt64(t[1])
				length, _ := asInt64(t[2])
				ref := BlobRef{Offset: off, Length: length}
				if c.Resolver != nil {
					return c.Resolver.FromBlobRef(ref)
				}
				return ref
			}
		}
	}
	switch x := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(x))
		for k, vv := range x {
			if ks, ok := k.(string); ok {
				out[ks] = c.decodeValue(vv)
			}
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, vv := range x {
			out[i] = c.decodeValue(vv)
		}
		return out
	default:
		return v
	}
}

func asMap(v interface{}) (map[interface{}]interface{}, bool) {
	m, ok := v.(map[interface{}]interface{})
	return m, ok
}

func asUint64(v interface{}) (uint64, bool) {
	switch x := v.(type) {
	case uint64:
		return x, true
	case int64:
		return uint64(x), true
	case int:
		return uint64(x), true
	default:
		return 0, false
	}
}

func asInt64(v interface{}) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case uint64:
		return int64(x), true
	case int:
		return int64(x), true
	default:
		return 0, false
	}
}
