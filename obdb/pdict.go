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
	"strings"
)

// dictKeyPrefix namespaces PersistentDict entries within the object's
// ordinary attribute map, so a PersistentDict subclass can still carry
// its own plain attributes without collision.
const dictKeyPrefix = "$dict:"

// PersistentDict is a map[string]interface{} with the same
// checkout/overlay/conflict behavior as any other persistent object's
// attributes, for applications that want a dynamically-keyed persistent
// collection rather than a fixed set of named fields.
type PersistentDict struct {
	Persistent
}

// NewPersistentDict returns a new, detached, empty PersistentDict.
func NewPersistentDict() *PersistentDict {
	d := &PersistentDict{}
	d.Persistent = newPersistent(d, "PersistentDict")
	return d
}

func dictKey(key string) string { return dictKeyPrefix + key }

// DictGet reads key from d.
func DictGet(ctx context.Context, d *PersistentDict, key string) (interface{}, bool, error) {
	v, err := Get(ctx, d, dictKey(key))
	if err != nil {
		return nil, false, err
	}
	return v, v != nil, nil
}

// DictSet writes key in d. d must have been Checkout'd first.
func DictSet(ctx context.Context, d *PersistentDict, key string, value interface{}) error {
	return Set(ctx, d, dictKey(key), value)
}

// DictDelete removes key from d. d must have been Checkout'd first.
func DictDelete(ctx context.Context, d *PersistentDict, key string) error {
	return Delete(ctx, d, dictKey(key))
}

// DictKeys returns every key currently in d.
func DictKeys(ctx context.Context, d *PersistentDict) ([]string, error) {
	attrs, err := d.Persistent.Attrs(ctx, txnStateFromCtx(ctx))
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		if strings.HasPrefix(k, dictKeyPrefix) {
			keys = append(keys, strings.TrimPrefix(k, dictKeyPrefix))
		}
	}
	return keys, nil
}

// DictLen returns the number of entries currently in d.
func DictLen(ctx context.Context, d *PersistentDict) (int, error) {
	keys, err := DictKeys(ctx, d)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}
