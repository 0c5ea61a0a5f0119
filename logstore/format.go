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
// on-disk record layout

import (
	"encoding/binary"
	"fmt"
)

// OID is a raw object identifier as stored in the log. Package obdb wraps
// this with its own OID type; logstore itself does not attach any meaning
// to the value beyond "the key an object record is filed under".
type OID uint64

// Txid is a raw transaction identifier, equal to commit order (1-based;
// 0 means "no transaction committed yet").
type Txid uint64

const (
	// FileMagic marks the start of a log file.
	FileMagic uint32 = 0x646f6231 // "dob1"

	// txnMagic marks the start of every transaction record, so a reader
	// re-synchronizing after corruption can scan forward for it.
	txnMagic uint32 = 0x74786e31 // "txn1"

	// blobMagic marks the start of a blob record interleaved between
	// transaction records, letting the recovery scan skip over it
	// without mistaking it for a transaction header.
	blobMagic uint32 = 0x626c6f62 // "blob"

	fileHeaderSize = 4 // FileMagic

	// txnHeaderSize: magic(4) + txid(8) + status(1) + nObj(4) +
	// lenUser(2) + lenDesc(2) + lenExtension(2)
	txnHeaderSize = 4 + 8 + 1 + 4 + 2 + 2 + 2

	// objHeaderSize: oid(8) + dataLen(4)
	objHeaderSize = 8 + 4

	// trailerSize: crc32(4) + txnLen(8), written after the transaction's
	// object records so a backward scan can find where it began.
	trailerSize = 4 + 8
)

// txnStatus records whether a transaction record represents a successful
// commit or a crash/failed commit left for forensics. Only statusOK
// transactions are returned by Log.ReadFrom for replay.
type txnStatus byte

const (
	statusOK   txnStatus = 'C' // committed
	statusFail txnStatus = 'F' // vote or write failed after TPCBegin; ignored on replay
)

// txnHeader is the fixed-size part of a transaction record, immediately
// following FileMagic, the previous transaction's trailer, or a blob
// record written ahead of it.
type txnHeader struct {
	Txid        Txid
	Status      txnStatus
	NObj        uint32
	LenUser     uint16
	LenDesc     uint16
	LenExt      uint16
}

func (h *txnHeader) encode() []byte {
	buf := make([]byte, txnHeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], txnMagic)
	binary.BigEndian.PutUint64(buf[4:12], uint64(h.Txid))
	buf[12] = byte(h.Status)
	binary.BigEndian.PutUint32(buf[13:17], h.NObj)
	binary.BigEndian.PutUint16(buf[17:19], h.LenUser)
	binary.BigEndian.PutUint16(buf[19:21], h.LenDesc)
	binary.BigEndian.PutUint16(buf[21:23], h.LenExt)
	return buf
}

func decodeTxnHeader(buf []byte) (*txnHeader, error) {
	if len(buf) < txnHeaderSize {
		return nil, fmt.Errorf("logstore: short transaction header (%d bytes)", len(buf))
	}
	magic := binary.BigEndian.Uint32(buf[0:4])
	if magic != txnMagic {
		return nil, fmt.Errorf("logstore: bad transaction magic %08x", magic)
	}
	return &txnHeader{
		Txid:    Txid(binary.BigEndian.Uint64(buf[4:12])),
		Status:  txnStatus(buf[12]),
		NObj:    binary.BigEndian.Uint32(buf[13:17]),
		LenUser: binary.BigEndian.Uint16(buf[17:19]),
		LenDesc: binary.BigEndian.Uint16(buf[19:21]),
		LenExt:  binary.BigEndian.Uint16(buf[21:23]),
	}, nil
}

// objHeader precedes each object's serialized attribute data within a
// transaction record.
type objHeader struct {
	Oid     OID
	DataLen uint32
}

func (h *objHeader) encode() []byte {
	buf := make([]byte, objHeaderSize)
	binary.BigEndian.PutUint64(buf[0:8], uint64(h.Oid))
	binary.BigEndian.PutUint32(buf[8:12], h.DataLen)
	return buf
}

func decodeObjHeader(buf []byte) (*objHeader, error) {
	if len(buf) < objHeaderSize {
		return nil, fmt.Errorf("logstore: short object header (%d bytes)", len(buf))
	}
	return &objHeader{
		Oid:     OID(binary.BigEndian.Uint64(buf[0:8])),
		DataLen: binary.BigEndian.Uint32(buf[8:12]),
	}, nil
}

// trailer closes a transaction record: a CRC32 (IEEE) over everything from
// the transaction's txnMagic up to (not including) the trailer itself, and
// the transaction record's total length, trailer included, enabling both
// forward iteration (skip Len bytes from the record's start) and backward
// iteration (seek back Len bytes from the end of the trailer).
type trailer struct {
	CRC32 uint32
	Len   int64
}

func (t *trailer) encode() []byte {
	buf := make([]byte, trailerSize)
	binary.BigEndian.PutUint32(buf[0:4], t.CRC32)
	binary.BigEndian.PutUint64(buf[4:12], uint64(t.Len))
	return buf
}

func decodeTrailer(buf []byte) (*trailer, error) {
	if len(buf) < trailerSize {
		return nil, fmt.Errorf("logstore: short trailer (%d bytes)", len(buf))
	}
	return &trailer{
		CRC32: binary.BigEndian.Uint32(buf[0:4]),
		Len:   int64(binary.BigEndian.Uint64(buf[4:12])),
	}, nil
}

// blobHeader precedes an immutable blob stream appended outside of the
// regular per-object attribute records (see WriteHandle.PutBlob). Blobs
// are located by their (offset, length) in the file (see BlobRef) instead
// of by OID, since a blob is a stream attached to an object, not the
// object itself.
type blobHeader struct {
	Len uint64
}

const blobHeaderSize = 4 + 8 // blobMagic + Len

func (h *blobHeader) encode() []byte {
	buf := make([]byte, blobHeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], blobMagic)
	binary.BigEndian.PutUint64(buf[4:12], h.Len)
	return buf
}

func decodeBlobHeader(buf []byte) (*blobHeader, error) {
	if len(buf) < blobHeaderSize {
		return nil, fmt.Errorf("logstore: short blob header (%d bytes)", len(buf))
	}
	if magic := binary.BigEndian.Uint32(buf[0:4]); magic != blobMagic {
		return nil, fmt.Errorf("logstore: bad blob magic %08x", magic)
	}
	return &blobHeader{Len: binary.BigEndian.Uint64(buf[4:12])}, nil
}
