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

// Package logstore implements the append-only transaction log that backs
// an obdb database: one file per database, safely shared by multiple
// processes via POSIX advisory locking.
//
// A commit is: take the exclusive (commit) lock, append a self-describing
// transaction record terminated by a CRC32'd trailer, fsync, release the
// lock. A catch-up read is: take the shared (read) lock just long enough
// to learn the current end-of-file offset, then read committed records up
// to that offset without holding any lock. Crash recovery on Open scans
// forward from the file header, validating each record in turn, and
// truncates the file at the first record that is incomplete or fails its
// CRC; records after that point are not examined, even if well-formed.
package logstore

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
	"lab.nexedi.com/kirr/go123/mem"
	"lab.nexedi.com/kirr/go123/xerr"
)

// ObjectRecord is one object's serialized attribute data as stored (or
// replayed) within a transaction record.
type ObjectRecord struct {
	Oid  OID
	Data []byte
}

// TxnRecord is a fully decoded, committed transaction, as produced by
// ReadFrom during catch-up or initial load.
type TxnRecord struct {
	Txid    Txid
	User    string
	Desc    string
	Ext     string
	Objects []ObjectRecord
}

// BlobRef locates an immutable blob stream appended to the log.
type BlobRef struct {
	Offset int64
	Length int64
}

type objLoc struct {
	txid   Txid
	offset int64 // offset of the object's data, past its objHeader
	length uint32
}

// Log is an open handle onto a database's append-only transaction log.
// A *Log is safe for concurrent use by multiple goroutines, and the file
// it wraps is safe to open concurrently from multiple OS processes.
type Log struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	size     int64 // current valid end of file (next transaction's offset)
	nextOID  uint64
	txCount  uint64
	lastTxid Txid
	index    map[OID]objLoc
}

// Open opens (creating if necessary) the log file at path, running crash
// recovery if the file's tail is incomplete.
func Open(path string) (_ *Log, err error) {
	defer xerr.Contextf(&err, "logstore: open %s", path)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}

	l := &Log{file: f, path: path, index: map[OID]objLoc{}}
	if err2 := l.initOrRecover(); err2 != nil {
		err = xerr.First(err2, f.Close())
		return nil, err
	}
	return l, nil
}

// Close releases the underlying file descriptor. It does not release any
// lock the caller may be holding via a still-open WriteHandle.
func (l *Log) Close() error {
	return l.file.Close()
}

// Len returns the number of live objects known to the log's in-memory index.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.index)
}

// TxCount returns the number of transaction records in the log, counting
// both successful commits and the failure markers written by Fail.
func (l *Log) TxCount() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.txCount
}

// LastTxid returns the most recently committed transaction's id, or 0 if none.
func (l *Log) LastTxid() Txid {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastTxid
}

// initOrRecover reads the file header (writing one if the file is new)
// and indexes every well-formed transaction record, stopping at — and
// truncating — the first incomplete or corrupt tail record.
func (l *Log) initOrRecover() error {
	st, err := l.file.Stat()
	if err != nil {
		return errors.Wrap(err, "logstore: stat")
	}

	if st.Size() == 0 {
		hdr := make([]byte, fileHeaderSize)
		binary.BigEndian.PutUint32(hdr, FileMagic)
		if _, err := l.file.WriteAt(hdr, 0); err != nil {
			return errors.Wrap(err, "logstore: write file header")
		}
		l.size = fileHeaderSize
		// oid 0 is reserved for the database root (see obdb.RootOID);
		// ordinary NewOID allocation starts at 1.
		l.nextOID = 1
		return nil
	}

	hdr := make([]byte, fileHeaderSize)
	if _, err := io.ReadFull(l.file, hdr); err != nil {
		return errors.Wrap(err, "logstore: read file header")
	}
	if binary.BigEndian.Uint32(hdr) != FileMagic {
		return errors.New("logstore: bad file magic")
	}

	l.nextOID = 1 // oid 0 reserved for the root; overwritten below if a larger oid was ever committed

	off := int64(fileHeaderSize)
	for off < st.Size() {
		if blobLen, ok := l.tryReadBlob(off); ok {
			off += blobHeaderSize + blobLen
			continue
		}
		rec, next, ok := l.tryReadTxn(off)
		if !ok {
			break // incomplete/corrupt tail: stop indexing, truncate below
		}
		l.applyRecord(rec, off)
		off = next
	}

	if off != st.Size() {
		if err := l.file.Truncate(off); err != nil {
			return errors.Wrap(err, "logstore: truncate incomplete tail")
		}
	}
	l.size = off
	return nil
}

// tryReadTxn reads and CRC-validates the transaction record starting at
// off. ok is false if the record is truncated or fails its checksum,
// signalling the scan (forward, during recovery) to stop here.
func (l *Log) tryReadTxn(off int64) (rec TxnRecord, next int64, ok bool) {
	hbuf := make([]byte, txnHeaderSize)
	if _, err := l.file.ReadAt(hbuf, off); err != nil {
		return rec, off, false
	}
	h, err := decodeTxnHeader(hbuf)
	if err != nil {
		return rec, off, false
	}

	bodyOff := off + txnHeaderSize
	strBuf := make([]byte, int(h.LenUser)+int(h.LenDesc)+int(h.LenExt))
	if _, err := l.file.ReadAt(strBuf, bodyOff); err != nil {
		return rec, off, false
	}
	rec.User = string(strBuf[:h.LenUser])
	rec.Desc = string(strBuf[h.LenUser : int(h.LenUser)+int(h.LenDesc)])
	rec.Ext = string(strBuf[int(h.LenUser)+int(h.LenDesc):])

	objOff := bodyOff + int64(len(strBuf))
	for i := uint32(0); i < h.NObj; i++ {
		ohbuf := make([]byte, objHeaderSize)
		if _, err := l.file.ReadAt(ohbuf, objOff); err != nil {
			return rec, off, false
		}
		oh, err := decodeObjHeader(ohbuf)
		if err != nil {
			return rec, off, false
		}
		data := make([]byte, oh.DataLen)
		if _, err := l.file.ReadAt(data, objOff+objHeaderSize); err != nil {
			return rec, off, false
		}
		rec.Objects = append(rec.Objects, ObjectRecord{Oid: oh.Oid, Data: data})
		objOff += objHeaderSize + int64(oh.DataLen)
	}

	tbuf := make([]byte, trailerSize)
	if _, err := l.file.ReadAt(tbuf, objOff); err != nil {
		return rec, off, false
	}
	tr, err := decodeTrailer(tbuf)
	if err != nil {
		return rec, off, false
	}

	bodyLen := objOff - off
	full := make([]byte, bodyLen)
	if _, err := l.file.ReadAt(full, off); err != nil {
		return rec, off, false
	}
	if crc32.ChecksumIEEE(full) != tr.CRC32 {
		return rec, off, false
	}

	rec.Txid = h.Txid
	next = objOff + trailerSize
	if tr.Len != next-off {
		return rec, off, false
	}
	if h.Status != statusOK {
		rec.Objects = nil // failed commit: indexable for forensics, not for replay
	}
	return rec, next, true
}

// applyRecord folds a successfully-read transaction into the in-memory
// index and counters. off is the record's starting offset.
func (l *Log) applyRecord(rec TxnRecord, off int64) {
	l.lastTxid = rec.Txid
	if len(rec.Objects) == 0 && rec.Txid == 0 {
		return
	}
	l.txCount++

	dataOff := off + txnHeaderSize + int64(len(rec.User)+len(rec.Desc)+len(rec.Ext))
	for _, o := range rec.Objects {
		l.index[o.Oid] = objLoc{txid: rec.Txid, offset: dataOff + objHeaderSize, length: uint32(len(o.Data))}
		if uint64(o.Oid) >= l.nextOID {
			l.nextOID = uint64(o.Oid) + 1
		}
		dataOff += objHeaderSize + int64(len(o.Data))
	}
}

// Latest returns the most recently committed data for oid, if known to the
// log's index.
func (l *Log) Latest(oid OID) (data []byte, txid Txid, ok bool) {
	l.mu.Lock()
	loc, found := l.index[oid]
	l.mu.Unlock()
	if !found {
		return nil, 0, false
	}

	buf := make([]byte, loc.length)
	if _, err := l.file.ReadAt(buf, loc.offset); err != nil {
		return nil, 0, false
	}
	return buf, loc.txid, true
}

// ReadFrom returns every object written by transactions committed after
// after, in commit order, for catch-up replay. It takes the shared
// (read) lock only long enough to snapshot the current end of file.
func (l *Log) ReadFrom(after Txid) ([]TxnRecord, error) {
	if err := flock(l.file, lockShared); err != nil {
		return nil, errors.Wrap(err, "logstore: catch-up lock")
	}
	l.mu.Lock()
	end := l.size
	l.mu.Unlock()
	funlock(l.file)

	return l.scanFrom(after, end)
}

// scanFrom reads every object written by transactions committed after
// after, up to (not including) end, without taking any lock. Callers
// outside the package reach it either via ReadFrom (unlocked, snapshots
// end itself under the shared lock) or via WriteHandle.ReadFrom (the
// commit lock is already held, so end is simply the writer's own view of
// size).
func (l *Log) scanFrom(after Txid, end int64) ([]TxnRecord, error) {
	var out []TxnRecord
	off := int64(fileHeaderSize)
	for off < end {
		if blobLen, ok := l.tryReadBlob(off); ok {
			off += blobHeaderSize + blobLen
			continue
		}
		rec, next, ok := l.tryReadTxn(off)
		if !ok {
			break
		}
		if rec.Txid > after && len(rec.Objects) > 0 {
			out = append(out, rec)
		}
		off = next
	}
	return out, nil
}

// ReadFrom is the commit-lock-held counterpart of Log.ReadFrom: safe to
// call between BeginWrite and Commit/Discard/Fail, when re-validating
// catch-up and conflict detection immediately before writing (see
// obdb.txnState.Commit). Taking the shared lock or re-locking l.mu here
// would either deadlock (l.mu is not reentrant) or downgrade/release the
// exclusive commit lock already held by this WriteHandle, so it must not
// call the ordinary (locking) ReadFrom.
func (w *WriteHandle) ReadFrom(after Txid) ([]TxnRecord, error) {
	return w.log.scanFrom(after, w.log.size)
}

// tryReadBlob reports whether a blob record (rather than a transaction
// record) starts at off, returning its payload length if so.
func (l *Log) tryReadBlob(off int64) (length int64, ok bool) {
	hbuf := make([]byte, 4)
	if _, err := l.file.ReadAt(hbuf, off); err != nil {
		return 0, false
	}
	if binary.BigEndian.Uint32(hbuf) != blobMagic {
		return 0, false
	}
	full := make([]byte, blobHeaderSize)
	if _, err := l.file.ReadAt(full, off); err != nil {
		return 0, false
	}
	bh, err := decodeBlobHeader(full)
	if err != nil {
		return 0, false
	}
	return int64(bh.Len), true
}

// WriteHandle accumulates one transaction's object records under the
// log's exclusive commit lock. Exactly one of Commit, Discard or Fail must
// be called to release the lock.
type WriteHandle struct {
	log  *Log
	buf  bytes.Buffer
	oids []OID
	user, desc, ext string
	done bool
}

// BeginWrite acquires the commit lock and returns a handle for assembling
// a new transaction. The lock is held, blocking all other writers (in
// this and any other process sharing the file) and, via ReadFrom's use of
// the shared lock, momentarily blocking catch-up too, until Commit,
// Discard or Fail is called.
func (l *Log) BeginWrite() (*WriteHandle, error) {
	if err := flock(l.file, lockExclusive); err != nil {
		return nil, errors.Wrap(err, "logstore: acquire commit lock")
	}
	l.mu.Lock()
	return &WriteHandle{log: l}, nil
}

// SetMeta attaches transaction metadata, mirroring transaction.Transaction's
// User/Description/Extension.
func (w *WriteHandle) SetMeta(user, desc, ext string) {
	w.user, w.desc, w.ext = user, desc, ext
}

// NewOID allocates a fresh object identifier. Valid only between
// BeginWrite and Commit/Discard, so allocation is serialized by the
// commit lock exactly like the rest of the write.
func (w *WriteHandle) NewOID() OID {
	oid := OID(w.log.nextOID)
	w.log.nextOID++
	return oid
}

// PutObject appends oid's serialized attribute data to the transaction
// under construction.
func (w *WriteHandle) PutObject(oid OID, data []byte) error {
	oh := objHeader{Oid: oid, DataLen: uint32(len(data))}
	w.buf.Write(oh.encode())
	w.buf.Write(data)
	w.oids = append(w.oids, oid)
	return nil
}

// Commit finalizes the transaction: writes its header, accumulated object
// records and CRC-validated trailer to the log, fsyncs, and releases the
// commit lock. The returned Txid is this transaction's serial.
func (w *WriteHandle) Commit() (Txid, error) {
	if w.done {
		return 0, errors.New("logstore: write handle already finished")
	}
	w.done = true
	defer func() {
		funlock(w.log.file)
		w.log.mu.Unlock()
	}()

	txid := w.log.lastTxid + 1
	h := txnHeader{
		Txid:    txid,
		Status:  statusOK,
		NObj:    uint32(len(w.oids)),
		LenUser: uint16(len(w.user)),
		LenDesc: uint16(len(w.desc)),
		LenExt:  uint16(len(w.ext)),
	}

	var body bytes.Buffer
	body.Write(h.encode())
	body.WriteString(w.user)
	body.WriteString(w.desc)
	body.WriteString(w.ext)
	body.Write(w.buf.Bytes())

	tr := trailer{CRC32: crc32.ChecksumIEEE(body.Bytes()), Len: int64(body.Len()) + trailerSize}

	off := w.log.size
	if _, err := w.log.file.WriteAt(body.Bytes(), off); err != nil {
		return 0, errors.Wrap(err, "logstore: write transaction body")
	}
	if _, err := w.log.file.WriteAt(tr.encode(), off+int64(body.Len())); err != nil {
		return 0, errors.Wrap(err, "logstore: write trailer")
	}
	if err := w.log.file.Sync(); err != nil {
		return 0, errors.Wrap(err, "logstore: fsync")
	}

	rec := TxnRecord{Txid: txid}
	for i, oid := range w.oids {
		// re-decode not needed: we already have the bytes we wrote.
		_ = i
		rec.Objects = append(rec.Objects, ObjectRecord{Oid: oid})
	}
	w.log.applyRecordFromWrite(rec, off, body.Bytes(), w.oids, len(w.user)+len(w.desc)+len(w.ext))
	w.log.size = off + tr.Len

	return txid, nil
}

// applyRecordFromWrite updates the index from a transaction this process
// just wrote, without re-reading it back from disk.
func (l *Log) applyRecordFromWrite(rec TxnRecord, off int64, body []byte, oids []OID, metaLen int) {
	l.lastTxid = rec.Txid
	l.txCount++

	dataOff := off + txnHeaderSize + int64(metaLen)
	pos := txnHeaderSize + metaLen
	for _, oid := range oids {
		oh, _ := decodeObjHeader(body[pos : pos+objHeaderSize])
		l.index[oid] = objLoc{txid: rec.Txid, offset: dataOff + objHeaderSize, length: oh.DataLen}
		if uint64(oid) >= l.nextOID {
			l.nextOID = uint64(oid) + 1
		}
		dataOff += objHeaderSize + int64(oh.DataLen)
		pos += objHeaderSize + int(oh.DataLen)
	}
}

// Discard abandons the transaction under construction and releases the
// commit lock without modifying the file. Use this for a transaction that
// never got as far as building a write (e.g. TPCBegin's catch-up failed);
// once PutObject/PutBlob may have run, Fail is the right release instead,
// so the failure is visible to TxCount and to forensic scans.
func (w *WriteHandle) Discard() {
	if w.done {
		return
	}
	w.done = true
	funlock(w.log.file)
	w.log.mu.Unlock()
}

// Fail abandons the transaction under construction, but -- unlike Discard
// -- records a zero-object, statusFail transaction in the log before
// releasing the commit lock. This advances Txid and TxCount exactly like
// a successful commit would, so readers that counted on tx_count
// increasing can tell a vote/write failure happened, and so the wire
// format's own statusFail byte (see format.go) is ever actually
// produced. Called by obdb's TPCAbort for any commit that got as far as
// BeginWrite.
func (w *WriteHandle) Fail() error {
	if w.done {
		return nil
	}
	w.done = true
	defer func() {
		funlock(w.log.file)
		w.log.mu.Unlock()
	}()

	txid := w.log.lastTxid + 1
	h := txnHeader{Txid: txid, Status: statusFail}

	tr := trailer{CRC32: crc32.ChecksumIEEE(h.encode()), Len: txnHeaderSize + trailerSize}

	off := w.log.size
	if _, err := w.log.file.WriteAt(h.encode(), off); err != nil {
		return errors.Wrap(err, "logstore: write failure marker")
	}
	if _, err := w.log.file.WriteAt(tr.encode(), off+txnHeaderSize); err != nil {
		return errors.Wrap(err, "logstore: write failure marker trailer")
	}
	if err := w.log.file.Sync(); err != nil {
		return errors.Wrap(err, "logstore: fsync")
	}

	w.log.lastTxid = txid
	w.log.txCount++
	w.log.size = off + tr.Len
	return nil
}

// PutBlob appends an immutable blob stream directly after the current end
// of file, outside of transaction framing, and returns its location.
// Intended to be called with the commit lock held (i.e. via a WriteHandle)
// so its offset is stable once returned.
func (w *WriteHandle) PutBlob(data []byte) (BlobRef, error) {
	bh := blobHeader{Len: uint64(len(data))}
	off := w.log.size // blobs are written ahead of the pending transaction record
	full := append(bh.encode(), data...)
	if _, err := w.log.file.WriteAt(full, off); err != nil {
		return BlobRef{}, errors.Wrap(err, "logstore: write blob")
	}
	w.log.size = off + int64(len(full))
	return BlobRef{Offset: off + blobHeaderSize, Length: int64(len(data))}, nil
}

// ReadBlob reads back a blob previously written by PutBlob, returning a
// pooled buffer in the same style as the teacher's storage Load paths
// (zodb/storage/zeo/zeo.go, zodb/cache.go): the caller releases it via
// XRelease once done instead of letting the GC reclaim a plain []byte.
func (l *Log) ReadBlob(ref BlobRef) (*mem.Buf, error) {
	buf := mem.BufAlloc(int(ref.Length))
	if _, err := l.file.ReadAt(buf.Data, ref.Offset); err != nil {
		buf.XRelease()
		return nil, errors.Wrap(err, "logstore: read blob")
	}
	return buf, nil
}
