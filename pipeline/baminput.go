package pipeline

import (
	"context"
	"encoding/binary"
	"io"

	"github.com/grailbio/bamsummary/encoding/voffset"
	"github.com/grailbio/bamsummary/summarize"
	"github.com/grailbio/base/file"
	"github.com/grailbio/hts/bam"
	"github.com/grailbio/hts/bgzf"
	"github.com/grailbio/hts/sam"
	"github.com/pkg/errors"
	"v.io/x/lib/vlog"
)

const maxRecordSize = 0xffffff

type bamBounds struct {
	start, end voffset.VOffset
}

// bamSplitBounds scans the BAM at path once, without decoding record
// bodies, and returns virtual-offset ranges holding about recordsPerSplit
// records each.  The range ends are start offsets of the records that
// begin the next range, so a reader stops exactly where its neighbor
// starts.
func bamSplitBounds(ctx context.Context, path string, recordsPerSplit int) (bounds []bamBounds, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer file.CloseAndReport(ctx, in, &err)
	bgzfReader, err := bgzf.NewReader(in.Reader(ctx), 1)
	if err != nil {
		return nil, errors.Wrapf(err, "pipeline: open %s", path)
	}
	header, err := sam.NewHeader(nil, nil)
	if err != nil {
		return nil, err
	}
	if err := header.DecodeBinary(bgzfReader); err != nil {
		return nil, errors.Wrapf(err, "pipeline: header of %s", path)
	}

	var (
		cur     = voffset.FromBGZF(bgzfReader.LastChunk().End)
		start   = cur
		n       int
		sizeBuf [4]byte
		buf     = make([]byte, maxRecordSize)
	)
	for {
		if _, err := io.ReadFull(bgzfReader, sizeBuf[:]); err != nil {
			if err == io.EOF {
				break
			}
			return nil, errors.Wrapf(err, "pipeline: record size in %s", path)
		}
		cur = voffset.FromBGZF(bgzfReader.LastChunk().Begin)
		if n > 0 && n%recordsPerSplit == 0 {
			bounds = append(bounds, bamBounds{start: start, end: cur})
			start = cur
		}
		sz := int(binary.LittleEndian.Uint32(sizeBuf[:]))
		if sz > maxRecordSize {
			return nil, errors.Errorf("pipeline: bam record in %s exceeds max: %d", path, sz)
		}
		if _, err := io.ReadFull(bgzfReader, buf[:sz]); err != nil {
			return nil, errors.Wrapf(err, "pipeline: truncated bam record in %s", path)
		}
		n++
	}
	if n > 0 {
		bounds = append(bounds, bamBounds{start: start, end: voffset.FromBGZF(bgzfReader.LastChunk().End)})
	}
	vlog.VI(1).Infof("%s: %d records in %d splits", path, n, len(bounds))
	return bounds, err
}

// BAMSplits opens the BAM at path and returns one Split per range of
// about recordsPerSplit alignments.  Each split emits the grouping key
// and encoded interval of every mapped record in its range.
func BAMSplits(ctx context.Context, path string, recordsPerSplit int) ([]Split, error) {
	if recordsPerSplit <= 0 {
		recordsPerSplit = 1 << 20
	}
	bounds, err := bamSplitBounds(ctx, path, recordsPerSplit)
	if err != nil {
		return nil, err
	}
	splits := make([]Split, 0, len(bounds))
	for _, b := range bounds {
		b := b
		splits = append(splits, func(ctx context.Context, emit func(KV) error) error {
			return scanBAMRange(ctx, path, b, emit)
		})
	}
	return splits, nil
}

func scanBAMRange(ctx context.Context, path string, b bamBounds, emit func(KV) error) (err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, in, &err)
	br, err := bam.NewReader(in.Reader(ctx), 1)
	if err != nil {
		return errors.Wrapf(err, "pipeline: open %s", path)
	}
	defer br.Close()
	if err := br.Seek(b.start.BGZF()); err != nil {
		return errors.Wrapf(err, "pipeline: seek %s to %x", path, uint64(b.start))
	}
	for {
		rec, err := br.Read()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return errors.Wrapf(err, "pipeline: read %s", path)
		}
		if voffset.FromBGZF(br.LastChunk().Begin) >= b.end {
			sam.PutInFreePool(rec)
			return nil
		}
		key, rng, ok := summarize.RangeFromRecord(rec)
		sam.PutInFreePool(rec)
		if !ok {
			continue
		}
		if err := emit(KV{Key: key, Value: rng.Encode(nil)}); err != nil {
			// Returned unwrapped so callers can recognize their own
			// sentinel errors.
			return err
		}
	}
}
