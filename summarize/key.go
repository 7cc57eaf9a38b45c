// Package summarize computes multi-resolution coverage summaries of
// position-sorted alignment data.  A summary groups alignments by a
// 64-bit key combining reference sequence and position, aggregates runs
// of consecutive alignments into fixed-size groups per level, and writes
// the groups as bgzip-compressed tab-separated text.
package summarize

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"

	"github.com/grailbio/hts/sam"
)

// Key orders alignments for aggregation: the reference sequence ID in the
// high 32 bits and a position within it in the low 32.  Keys from the
// same file compare in genomic order.
type Key uint64

// MakeKey packs a reference ID and a position into a Key.
func MakeKey(refID int32, pos uint32) Key {
	return Key(uint64(uint32(refID))<<32 | uint64(pos))
}

// RefID returns the reference sequence ID of the key.
func (k Key) RefID() int32 {
	return int32(k >> 32)
}

// Pos returns the position part of the key.
func (k Key) Pos() uint32 {
	return uint32(k)
}

// Range is the 1-based closed reference interval covered by one
// alignment.
type Range struct {
	Beg, End int32
}

// CentreOfMass returns the interval midpoint.  The sum is taken at 64
// bits so positions near the top of the int32 range do not overflow.
func (r Range) CentreOfMass() uint32 {
	return uint32((int64(r.Beg) + int64(r.End)) / 2)
}

const rangeSize = 8

// Encode appends the range to buf in fixed 8-byte little-endian form.
func (r Range) Encode(buf []byte) []byte {
	var b [rangeSize]byte
	binary.LittleEndian.PutUint32(b[0:], uint32(r.Beg))
	binary.LittleEndian.PutUint32(b[4:], uint32(r.End))
	return append(buf, b[:]...)
}

// DecodeRange parses a range written by Encode.
func DecodeRange(buf []byte) (Range, error) {
	if len(buf) != rangeSize {
		return Range{}, fmt.Errorf("summarize: range value has %d bytes, want %d", len(buf), rangeSize)
	}
	return Range{
		Beg: int32(binary.LittleEndian.Uint32(buf[0:])),
		End: int32(binary.LittleEndian.Uint32(buf[4:])),
	}, nil
}

// RangeFromRecord extracts the grouping key and the covered interval from
// an alignment record.  Unmapped records return ok=false and are ignored
// by the summarizer.  Positions are converted from the record's 0-based
// half-open coordinates to 1-based closed ones, and the key position is
// the interval's centre of mass so that a group's members cluster around
// the region they cover.
func RangeFromRecord(rec *sam.Record) (key Key, rng Range, ok bool) {
	if rec.Flags&sam.Unmapped != 0 || rec.Ref == nil {
		return 0, Range{}, false
	}
	rng = Range{Beg: int32(rec.Pos) + 1, End: int32(rec.End())}
	return MakeKey(int32(rec.Ref.ID()), rng.CentreOfMass()), rng, true
}

// KeyFromLine extracts the sort key of one summary text line: the
// reference ID and interval start from the first two tab-separated
// fields.  Sorting by this key orders a summary file by position rather
// than by centre of mass.
func KeyFromLine(line []byte) (Key, error) {
	i := bytes.IndexByte(line, '\t')
	if i < 0 {
		return 0, fmt.Errorf("summarize: summary line %q has no fields", line)
	}
	rest := line[i+1:]
	j := bytes.IndexByte(rest, '\t')
	if j < 0 {
		return 0, fmt.Errorf("summarize: summary line %q has one field", line)
	}
	refID, err := strconv.ParseUint(string(line[:i]), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("summarize: bad reference ID in line %q: %v", line, err)
	}
	beg, err := strconv.ParseUint(string(rest[:j]), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("summarize: bad interval start in line %q: %v", line, err)
	}
	return MakeKey(int32(refID), uint32(beg)), nil
}
