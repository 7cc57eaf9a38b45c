// Package bgzfline reads newline-delimited text out of a BGZF-compressed
// file one byte range at a time.  A file is divided into ranges of
// compressed bytes aligned to block starts; a SplitReader over one range
// yields every line whose first byte lies inside the range, exactly once,
// no matter how the file is carved up.
package bgzfline

import (
	"io"
	"math"

	"github.com/grailbio/bamsummary/encoding/voffset"
	"github.com/grailbio/hts/bgzf"
	"github.com/pkg/errors"
)

// SplitReaderOpts configures a SplitReader.
type SplitReaderOpts struct {
	// MaxLineLength bounds the number of bytes retained per line.  Bytes
	// past the bound are silently discarded up to the next newline, and
	// the truncated line is returned.  Zero means no bound.
	MaxLineLength int
}

// SplitReader scans one compressed byte range [start, end) of a BGZF text
// file for complete lines.  The first line of a range that does not begin
// the file is skipped; it belongs to the preceding range, which reads one
// line past its own end to pick it up.  The caller retains ownership of
// the underlying reader.
type SplitReader struct {
	r          *bgzf.Reader
	start, end voffset.VOffset
	maxLine    int

	cur     voffset.VOffset
	line    []byte
	err     error
	started bool
	done    bool
}

// NewSplitReader positions r at the start of the compressed byte range
// [start, end) and returns a SplitReader over it.  start and end must be
// BGZF block start addresses (end may also be the file size).
func NewSplitReader(r *bgzf.Reader, start, end int64, optList ...SplitReaderOpts) (*SplitReader, error) {
	var opts SplitReaderOpts
	if len(optList) > 0 {
		opts = optList[0]
	}
	if opts.MaxLineLength == 0 {
		opts.MaxLineLength = math.MaxInt32
	}
	s := &SplitReader{
		r:       r,
		start:   voffset.Make(start, 0),
		end:     voffset.Make(end, 0),
		maxLine: opts.MaxLineLength,
	}
	if start != 0 {
		if err := r.Seek(s.start.BGZF()); err != nil {
			return nil, errors.Wrapf(err, "bgzfline: seek to %d", start)
		}
		// The line containing byte start-1 spills into this range and is
		// read by the previous range, so drop everything up to the first
		// newline.
		if _, err := s.readLine(); err != nil && err != io.EOF {
			return nil, err
		}
	}
	s.cur = voffset.FromBGZF(r.LastChunk().End)
	return s, nil
}

// Scan advances to the next line.  It returns false at the end of the
// range or on error; Err distinguishes the two.
func (s *SplitReader) Scan() bool {
	if s.done || s.err != nil {
		return false
	}
	// A line is in range iff its first byte is at a virtual offset no
	// greater than end.  The byte exactly at end starts the next range's
	// first (skipped) line, so reading it here is what makes every line
	// appear exactly once.
	if s.cur > s.end {
		s.done = true
		return false
	}
	ok, err := s.readLine()
	s.cur = voffset.FromBGZF(s.r.LastChunk().End)
	if err != nil {
		if err == io.EOF {
			s.done = true
			return ok
		}
		s.err = err
		return false
	}
	return ok
}

// readLine reads bytes up to and including the next newline, retaining at
// most maxLine of them in s.line (without the newline).  It reports
// whether any byte was read before EOF.
func (s *SplitReader) readLine() (bool, error) {
	s.line = s.line[:0]
	any := false
	var b [1]byte
	for {
		// Reading one byte at a time keeps LastChunk().End exact; the
		// bgzf reader buffers whole blocks, so this does not touch the
		// underlying file per byte.
		if _, err := io.ReadFull(s.r, b[:]); err != nil {
			if err == io.ErrUnexpectedEOF {
				err = io.EOF
			}
			return any, err
		}
		any = true
		if b[0] == '\n' {
			return true, nil
		}
		if len(s.line) < s.maxLine {
			s.line = append(s.line, b[0])
		}
	}
}

// Bytes returns the current line without its trailing newline.  The
// buffer is overwritten by the next Scan.
func (s *SplitReader) Bytes() []byte {
	return s.line
}

// Text returns the current line as a string.
func (s *SplitReader) Text() string {
	return string(s.line)
}

// Err returns the first error encountered, if any.  Reaching end of file
// is not an error.
func (s *SplitReader) Err() error {
	return s.err
}

// Progress reports the fraction of the range's compressed bytes consumed,
// in [0, 1].
func (s *SplitReader) Progress() float64 {
	if s.start >= s.end {
		return 0
	}
	p := float64(s.cur.File()-s.start.File()) / float64(s.end.File()-s.start.File())
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}
