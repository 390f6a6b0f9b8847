// Package page implements the on-disk layout of a fixed-size InnoDB-style
// page: the common FIL header/trailer (spec §3, §6) and, for index pages,
// the index header, infimum/supremum sentinels, record heap, and the
// downward-growing page directory.
package page

import (
	"encoding/binary"

	"github.com/OneOfOne/xxhash"
	"github.com/wilhasse/oss-embedded-innodb/server/innodb/common"
)

// Header is the 38-byte common page header present on every page,
// followed at serialization time by an 8-byte trailer (checksum + low
// 4 bytes of the page LSN, the "torn write" detector).
type Header struct {
	Checksum  uint32
	SpaceID   uint32
	PageNo    uint32
	PrevPage  uint32 // 0xFFFFFFFF if none
	NextPage  uint32
	PageLSN   common.LSN
	PageType  common.PageType
	FlushLSN  common.LSN // only meaningful on page 0
}

const NoPage = 0xFFFFFFFF

// WriteHeader serializes h into buf[0:FileHeaderSize]. The checksum
// field itself is filled in by writeTrailer once the full page body is
// known, so WriteHeader writes a zero checksum placeholder.
func writeHeader(buf []byte, h *Header) {
	binary.BigEndian.PutUint32(buf[0:4], 0) // checksum patched later
	binary.BigEndian.PutUint32(buf[4:8], h.SpaceID)
	binary.BigEndian.PutUint32(buf[8:12], h.PageNo)
	binary.BigEndian.PutUint32(buf[12:16], h.PrevPage)
	binary.BigEndian.PutUint32(buf[16:20], h.NextPage)
	binary.BigEndian.PutUint64(buf[20:28], uint64(h.PageLSN))
	binary.BigEndian.PutUint16(buf[28:30], uint16(h.PageType))
	binary.BigEndian.PutUint64(buf[30:38], uint64(h.FlushLSN))
}

func readHeader(buf []byte) Header {
	return Header{
		Checksum: binary.BigEndian.Uint32(buf[0:4]),
		SpaceID:  binary.BigEndian.Uint32(buf[4:8]),
		PageNo:   binary.BigEndian.Uint32(buf[8:12]),
		PrevPage: binary.BigEndian.Uint32(buf[12:16]),
		NextPage: binary.BigEndian.Uint32(buf[16:20]),
		PageLSN:  common.LSN(binary.BigEndian.Uint64(buf[20:28])),
		PageType: common.PageType(binary.BigEndian.Uint16(buf[28:30])),
		FlushLSN: common.LSN(binary.BigEndian.Uint64(buf[30:38])),
	}
}

// writeTrailer writes the 8-byte trailer at the end of the page and
// backfills the header's checksum over the page body (everything
// between the checksum field and the trailer).
func writeTrailer(buf []byte, lsn common.LSN) {
	n := len(buf)
	trailer := buf[n-common.FileTrailerSize:]
	binary.BigEndian.PutUint32(trailer[4:8], uint32(lsn))

	sum := xxhash.Checksum32(buf[4 : n-common.FileTrailerSize])
	binary.BigEndian.PutUint32(buf[0:4], sum)
	binary.BigEndian.PutUint32(trailer[0:4], sum)
}

// HeaderLSN reads just the page LSN field out of a raw page buffer,
// used by the buffer pool to stamp a freshly loaded frame without
// decoding the rest of the page.
func HeaderLSN(buf []byte) common.LSN {
	return common.LSN(binary.BigEndian.Uint64(buf[20:28]))
}

// VerifyChecksum recomputes the body checksum and compares it, and
// independently checks that the trailer's LSN low bytes match the
// header LSN (the torn-write detector, spec §3 invariants).
func VerifyChecksum(buf []byte) bool {
	if len(buf) < common.FileHeaderSize+common.FileTrailerSize {
		return false
	}
	n := len(buf)
	want := binary.BigEndian.Uint32(buf[0:4])
	got := xxhash.Checksum32(buf[4 : n-common.FileTrailerSize])
	if want != got {
		return false
	}
	trailer := buf[n-common.FileTrailerSize:]
	trailerSum := binary.BigEndian.Uint32(trailer[0:4])
	if trailerSum != got {
		return false
	}
	lsn := common.LSN(binary.BigEndian.Uint64(buf[20:28]))
	trailerLSN := binary.BigEndian.Uint32(trailer[4:8])
	return uint32(lsn) == trailerLSN
}
