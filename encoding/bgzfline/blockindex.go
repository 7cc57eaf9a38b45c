package bgzfline

import (
	"encoding/binary"
	"io"
	"io/ioutil"

	"github.com/pkg/errors"
)

// ByteRange is a half-open range of compressed file bytes.  Start and End
// are BGZF block start addresses, except that the final range's End is the
// file size.
type ByteRange struct {
	Start, End int64
}

const (
	gzipID1    = 0x1f
	gzipID2    = 0x8b
	flagExtra  = 0x04
	bsizeID1   = 66
	bsizeID2   = 67
	headerSize = 12
)

// BlockStarts scans the gzip member headers of a BGZF stream and returns
// the compressed byte address of every block start, in order.  The block
// payloads themselves are skipped, not decompressed.
func BlockStarts(r io.Reader) ([]int64, error) {
	var (
		starts []int64
		pos    int64
		hdr    [headerSize]byte
	)
	for {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if err == io.EOF {
				return starts, nil
			}
			return nil, errors.Wrapf(err, "bgzfline: block header at %d", pos)
		}
		if hdr[0] != gzipID1 || hdr[1] != gzipID2 || hdr[3]&flagExtra == 0 {
			return nil, errors.Errorf("bgzfline: not a BGZF block at %d", pos)
		}
		xlen := int(binary.LittleEndian.Uint16(hdr[10:]))
		extra := make([]byte, xlen)
		if _, err := io.ReadFull(r, extra); err != nil {
			return nil, errors.Wrapf(err, "bgzfline: extra field at %d", pos)
		}
		blockSize := int64(-1)
		for i := 0; i+4 <= len(extra); {
			slen := int(binary.LittleEndian.Uint16(extra[i+2:]))
			// A subfield whose declared payload runs past XLEN is
			// corrupt; fall through to the missing-BSIZE error rather
			// than reading out of bounds.
			if i+4+slen > len(extra) {
				break
			}
			if extra[i] == bsizeID1 && extra[i+1] == bsizeID2 && slen == 2 {
				blockSize = int64(binary.LittleEndian.Uint16(extra[i+4:])) + 1
				break
			}
			i += 4 + slen
		}
		if blockSize < 0 {
			return nil, errors.Errorf("bgzfline: no BSIZE field in block at %d", pos)
		}
		starts = append(starts, pos)
		if _, err := io.CopyN(ioutil.Discard, r, blockSize-headerSize-int64(xlen)); err != nil {
			return nil, errors.Wrapf(err, "bgzfline: block body at %d", pos)
		}
		pos += blockSize
	}
}

// Splits carves a file of the given compressed size into about n byte
// ranges aligned to the given block starts.  Ranges are nonoverlapping,
// cover the whole file, and span at least size/n bytes each; fewer than n
// ranges are returned when the file has too few blocks.
func Splits(starts []int64, size int64, n int) []ByteRange {
	if len(starts) == 0 || size <= 0 || n < 1 {
		return nil
	}
	stride := size / int64(n)
	if stride < 1 {
		stride = 1
	}
	var (
		ranges []ByteRange
		cur    int64
	)
	for _, s := range starts {
		if s > cur && s >= cur+stride {
			ranges = append(ranges, ByteRange{Start: cur, End: s})
			cur = s
		}
	}
	if cur < size {
		ranges = append(ranges, ByteRange{Start: cur, End: size})
	}
	return ranges
}
