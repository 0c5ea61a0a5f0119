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
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
)

// Watch notifies the returned channel whenever another process may have
// committed to the log file, so a long-lived reader can react instead of
// polling ReadFrom in a loop. The channel is closed once ctx is done or
// the underlying watch fails.
//
// Events are coalesced: a burst of writes produces at most one pending
// notification. A caller must still call ReadFrom and compare against
// what it already has, since a notification says only "something may
// have changed", not what.
func (l *Log) Watch(ctx context.Context) (<-chan struct{}, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "logstore: watch")
	}
	if err := w.Add(l.path); err != nil {
		w.Close()
		return nil, errors.Wrap(err, "logstore: watch")
	}

	notify := make(chan struct{}, 1)
	go l.watch(ctx, w, notify)
	return notify, nil
}

// watch besides relying on fsnotify also rechecks periodically, to avoid
// stalls from a dropped or coalesced OS notification.
func (l *Log) watch(ctx context.Context, w *fsnotify.Watcher, notify chan struct{}) {
	defer w.Close()
	defer close(notify)

	tick := time.NewTicker(time.Second)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			if err != fsnotify.ErrEventOverflow {
				return
			}
			// events lost, but safe: the next tick rechecks anyway.

		case _, ok := <-w.Events:
			if !ok {
				return
			}

		case <-tick.C:
		}

		select {
		case notify <- struct{}{}:
		default:
			// a notification is already pending; the reader hasn't caught up yet.
		}
	}
}
