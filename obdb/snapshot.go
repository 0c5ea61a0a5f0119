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
// snapshot emitter: collapse a live object graph into one transaction.

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

// snapshotConcurrency bounds how many objects of one BFS level are
// activated (Attrs, possibly a storage read) at the same time.
const snapshotConcurrency = 8

// Snapshot walks src's live object graph breadth-first, starting at its
// root, and writes every reachable object into dst as a single
// transaction. dst ends up with fresh OIDs of its own; the mapping from
// src OIDs to dst objects exists only for the duration of the walk.
//
// Objects unreachable from root (e.g. ones an application kept a Go
// pointer to but never attached) are not included, mirroring the
// reachability rule enforced at ordinary commit time.
func Snapshot(ctx context.Context, src, dst *Database) error {
	root, err := src.Root(ctx)
	if err != nil {
		return errors.Wrap(err, "obdb: snapshot")
	}

	txn, dctx := Begin(ctx, dst)

	seen := map[OID]IPersistent{} // src oid -> dst object
	dstRoot, err := snapshotWalk(ctx, dctx, dst, root, seen)
	if err != nil {
		txn.Abort()
		return errors.Wrap(err, "obdb: snapshot")
	}

	if err := Elect(dctx, dstRoot); err != nil {
		txn.Abort()
		return errors.Wrap(err, "obdb: snapshot: elect root")
	}

	if err := txn.Commit(dctx); err != nil {
		return errors.Wrap(err, "obdb: snapshot: commit")
	}
	return nil
}

// frame pairs a source object with its in-progress counterpart in dst,
// for one node of the snapshot walk's BFS.
type frame struct {
	src IPersistent
	dst IPersistent
}

// snapshotWalk copies src (and everything reachable from it) into dst,
// breadth-first, returning src's counterpart in dst.
func snapshotWalk(ctx, dctx context.Context, dst *Database, root IPersistent, seen map[OID]IPersistent) (IPersistent, error) {
	rootDst, err := newShadow(dst, root)
	if err != nil {
		return nil, err
	}
	seen[root.POid()] = rootDst

	sem := semaphore.NewWeighted(snapshotConcurrency)

	level := []frame{{src: root, dst: rootDst}}
	for len(level) > 0 {
		attrsOf, err := activateLevel(ctx, sem, level)
		if err != nil {
			return nil, err
		}

		var next []frame
		for i, f := range level {
			if err := Checkout(dctx, f.dst); err != nil {
				return nil, err
			}

			for key, val := range attrsOf[i] {
				if key == classKey {
					continue
				}
				if ref, ok := val.(IPersistent); ok {
					childOid := ref.POid()
					childDst, ok := seen[childOid]
					if !ok {
						childDst, err = newShadow(dst, ref)
						if err != nil {
							return nil, err
						}
						seen[childOid] = childDst
						next = append(next, frame{src: ref, dst: childDst})
					}
					val = childDst
				}
				if err := Set(dctx, f.dst, key, val); err != nil {
					return nil, err
				}
			}
		}
		level = next
	}

	return rootDst, nil
}

// activateLevel fetches Attrs for every frame of one BFS level
// concurrently, bounded by sem, and returns them in the same order as
// level. Fetching is the only part of the walk safe (and worth) doing
// concurrently: it is what may hit storage, while the rest of the walk
// mutates dst's single transaction state and must stay sequential.
func activateLevel(ctx context.Context, sem *semaphore.Weighted, level []frame) ([]attrs, error) {
	out := make([]attrs, len(level))
	errs := make([]error, len(level))

	var wg sync.WaitGroup
	for i, f := range level {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		wg.Add(1)
		go func(i int, src IPersistent) {
			defer wg.Done()
			defer sem.Release(1)
			a, err := src.pbase().Attrs(ctx, nil)
			out[i] = attrs(a)
			errs[i] = err
		}(i, f.src)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// newShadow creates, in dst, a fresh zero-value instance of src's class.
func newShadow(dst *Database, src IPersistent) (IPersistent, error) {
	obj, err := dst.registry.newInstance(src.pbase().class)
	if err != nil {
		return nil, err
	}
	if err := obj.pbase().attach(dst); err != nil {
		return nil, err
	}
	return obj, nil
}
