package pipeline

import (
	"context"

	"github.com/grailbio/bamsummary/summarize"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/hts/bgzf"
)

// levelOutput is one level's output part: a BGZF-compressed TSV stream.
type levelOutput struct {
	f    file.File
	bz   *bgzf.Writer
	sink *summarize.TSVSink
}

// summarizeReducer aggregates one partition's key-ordered ranges and
// writes each level's records to that level's numbered part file.
type summarizeReducer struct {
	ctx  context.Context
	agg  *summarize.Aggregator
	outs []*levelOutput
}

func newSummarizeReducer(ctx context.Context, dir, base string, levels []int, partition int) (Reducer, error) {
	r := &summarizeReducer{ctx: ctx}
	agg, err := summarize.NewAggregator(levels, func(level int) (summarize.Sink, error) {
		path := file.Join(dir, partName(summaryName(base, level), partition))
		f, err := file.Create(ctx, path)
		if err != nil {
			return nil, err
		}
		bz := bgzf.NewWriter(f.Writer(ctx), 1)
		out := &levelOutput{f: f, bz: bz, sink: summarize.NewTSVSink(tsv.NewWriter(bz))}
		r.outs = append(r.outs, out)
		return out.sink, nil
	})
	if err != nil {
		for _, out := range r.outs {
			out.bz.Close()     // nolint: errcheck
			out.f.Close(r.ctx) // nolint: errcheck
		}
		return nil, err
	}
	r.agg = agg
	return r, nil
}

func (r *summarizeReducer) Reduce(kv KV) error {
	rng, err := summarize.DecodeRange(kv.Value)
	if err != nil {
		return err
	}
	return r.agg.Add(kv.Key, rng)
}

func (r *summarizeReducer) Close() error {
	var err errors.Once
	err.Set(r.agg.Flush())
	for _, out := range r.outs {
		err.Set(out.sink.Flush())
		err.Set(out.bz.Close())
		err.Set(out.f.Close(r.ctx))
	}
	return err.Err()
}

// lineReducer copies summary lines through unchanged.  The engine hands
// it lines in key order, so its output part is position sorted.
type lineReducer struct {
	ctx context.Context
	f   file.File
	bz  *bgzf.Writer
}

func newLineReducer(ctx context.Context, path string) (Reducer, error) {
	f, err := file.Create(ctx, path)
	if err != nil {
		return nil, err
	}
	return &lineReducer{ctx: ctx, f: f, bz: bgzf.NewWriter(f.Writer(ctx), 1)}, nil
}

func (r *lineReducer) Reduce(kv KV) error {
	if _, err := r.bz.Write(kv.Value); err != nil {
		return err
	}
	_, err := r.bz.Write([]byte{'\n'})
	return err
}

func (r *lineReducer) Close() error {
	var err errors.Once
	err.Set(r.bz.Close())
	err.Set(r.f.Close(r.ctx))
	return err.Err()
}
