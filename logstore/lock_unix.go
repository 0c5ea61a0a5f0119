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

// +build linux darwin freebsd

package logstore
// cross-process advisory locking via fcntl(F_SETLKW), byte-range locked
// over the whole file so independent processes opening the same log
// serialize commits the same way goroutines in one process do via Log.mu.

import (
	"os"

	"golang.org/x/sys/unix"
)

// lockKind selects the fcntl lock type: exclusive for a writer taking the
// commit lock, shared for a reader taking the catch-up lock (many readers
// may hold it at once; a writer must wait for all of them to release it).
type lockKind int16

const (
	lockShared    lockKind = unix.F_RDLCK
	lockExclusive lockKind = unix.F_WRLCK
)

// flock acquires (or blocks until it can acquire) an advisory whole-file
// lock of the given kind on f, via F_SETLKW so the calling goroutine parks
// in the kernel instead of busy-polling.
func flock(f *os.File, kind lockKind) error {
	lk := unix.Flock_t{
		Type:   int16(kind),
		Whence: int16(os.SEEK_SET),
		Start:  0,
		Len:    0, // 0 means "to end of file", i.e. whole file
	}
	return unix.FcntlFlock(f.Fd(), unix.F_SETLKW, &lk)
}

// funlock releases whatever lock the caller holds on f.
func funlock(f *os.File) error {
	lk := unix.Flock_t{
		Type:   unix.F_UNLCK,
		Whence: int16(os.SEEK_SET),
		Start:  0,
		Len:    0,
	}
	return unix.FcntlFlock(f.Fd(), unix.F_SETLK, &lk)
}
