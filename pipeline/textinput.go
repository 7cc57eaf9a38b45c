package pipeline

import (
	"context"

	"github.com/grailbio/bamsummary/encoding/bgzfline"
	"github.com/grailbio/bamsummary/summarize"
	"github.com/grailbio/base/file"
	"github.com/grailbio/hts/bgzf"
	"github.com/pkg/errors"
	"v.io/x/lib/vlog"
)

// TextSplits returns one Split per compressed byte range of about
// targetBytes in the BGZF summary text file at path.  Each split emits
// every line whose first byte lies in its range, keyed for position
// sorting.  A line that does not parse fails the split; summary files
// are machine written, so a bad line means the input is not one.
func TextSplits(ctx context.Context, path string, targetBytes int64) (splits []Split, err error) {
	if targetBytes <= 0 {
		targetBytes = 1 << 25
	}
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer file.CloseAndReport(ctx, in, &err)
	info, err := in.Stat(ctx)
	if err != nil {
		return nil, err
	}
	starts, err := bgzfline.BlockStarts(in.Reader(ctx))
	if err != nil {
		return nil, err
	}
	n := int(info.Size()/targetBytes) + 1
	ranges := bgzfline.Splits(starts, info.Size(), n)
	vlog.VI(1).Infof("%s: %d blocks in %d splits", path, len(starts), len(ranges))

	splits = make([]Split, 0, len(ranges))
	for _, rng := range ranges {
		rng := rng
		splits = append(splits, func(ctx context.Context, emit func(KV) error) error {
			return scanTextRange(ctx, path, rng, emit)
		})
	}
	return splits, err
}

func scanTextRange(ctx context.Context, path string, rng bgzfline.ByteRange, emit func(KV) error) (err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, in, &err)
	br, err := bgzf.NewReader(in.Reader(ctx), 1)
	if err != nil {
		return errors.Wrapf(err, "pipeline: open %s", path)
	}
	defer br.Close()
	sr, err := bgzfline.NewSplitReader(br, rng.Start, rng.End)
	if err != nil {
		return err
	}
	for sr.Scan() {
		line := sr.Bytes()
		if len(line) == 0 {
			continue
		}
		key, err := summarize.KeyFromLine(line)
		if err != nil {
			return errors.Wrapf(err, "pipeline: %s", path)
		}
		val := make([]byte, len(line))
		copy(val, line)
		if err := emit(KV{Key: key, Value: val}); err != nil {
			return err
		}
	}
	return sr.Err()
}
