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
// blob/stream attributes: an application-supplied reader attached to an
// object, later readable back as an immutable binary stream.

import (
	"bytes"
	"io"

	"github.com/malthe/dobbin/codec"
	"github.com/malthe/dobbin/logstore"
	"lab.nexedi.com/kirr/go123/mem"
)

// Stream wraps an application-supplied byte source for attachment as a
// persistent object's attribute, e.g. Set(ctx, obj, "attachment",
// NewStream(r)). It is write-only: the source is drained into the log at
// commit time (txnState.TPCVote), and any subsequent read of the same
// attribute -- in this process or another -- sees a Blob instead.
type Stream struct {
	data io.Reader
}

// NewStream returns a Stream wrapping r. r is read to completion once,
// during the commit that writes the attribute holding it.
func NewStream(r io.Reader) *Stream {
	return &Stream{data: r}
}

// Blob is a read-only handle onto an immutable binary stream previously
// attached via Stream. Obtained by reading back an attribute that was set
// to a Stream, from this Database or, after a Snapshot, from another one.
type Blob struct {
	db  *Database
	ref codec.BlobRef
}

// Open returns a reader positioned at the start of the blob's bytes. The
// caller must Close it.
func (b *Blob) Open() (io.ReadCloser, error) {
	buf, err := b.db.log.ReadBlob(logstore.BlobRef{Offset: b.ref.Offset, Length: b.ref.Length})
	if err != nil {
		return nil, &StorageError{Op: "blob", Cause: err}
	}
	return &blobReader{Reader: bytes.NewReader(buf.Data), buf: buf}, nil
}

// Bytes reads the blob's full contents.
func (b *Blob) Bytes() ([]byte, error) {
	r, err := b.Open()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// ForEach iterates the blob in chunks, opening its own reader and closing
// it once iteration ends -- unlike Open, the handle never escapes to the
// caller.
func (b *Blob) ForEach(fn func([]byte) error) error {
	r, err := b.Open()
	if err != nil {
		return err
	}
	defer r.Close()

	chunk := make([]byte, 32*1024)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			if ferr := fn(chunk[:n]); ferr != nil {
				return ferr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return &StorageError{Op: "blob", Cause: err}
		}
	}
}

type blobReader struct {
	*bytes.Reader
	buf *mem.Buf
}

func (r *blobReader) Close() error {
	r.buf.XRelease()
	return nil
}
