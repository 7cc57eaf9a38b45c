package pipeline

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/grailbio/bamsummary/summarize"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/traverse"
	"github.com/pkg/errors"
	"v.io/x/lib/vlog"
)

// bgzfEOF is the 28-byte empty BGZF block that ends a valid BGZF
// stream, per the SAM/BAM specification.
var bgzfEOF = []byte{
	0x1f, 0x8b, 0x08, 0x04, 0x00, 0x00, 0x00, 0x00, 0x00, 0xff,
	0x06, 0x00, 0x42, 0x43, 0x02, 0x00, 0x1b, 0x00, 0x03, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
}

// Phase names reported in PhaseError.
const (
	PhaseSummarize   = "summarize"
	PhaseMerge       = "merge"
	PhaseSort        = "sort"
	PhaseMergeSorted = "merge-sorted"
)

// PhaseError reports a pipeline failure with the phase and, where one
// applies, the summary level it occurred in.
type PhaseError struct {
	Phase string
	Level int
	Err   error
}

func (e *PhaseError) Error() string {
	if e.Level > 0 {
		return fmt.Sprintf("%s level %d: %v", e.Phase, e.Level, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Phase, e.Err)
}

// Opts configures a Driver.
type Opts struct {
	// WorkDir holds per-partition output parts, the partition boundary
	// files, and, when sorting, each level's unsorted intermediate.
	WorkDir string
	// Levels are the aggregation group sizes, each positive.
	Levels []int
	// Sort requests the second, position-sorting pass.
	Sort bool
	// OutputDir receives the final per-level summary files.  Empty
	// means WorkDir.
	OutputDir string
	// Partitions is the reducer count per job.  Zero means the number
	// of input splits, capped at 64.
	Partitions int
	// MaxSamples and SampleSplits bound key sampling; zero selects the
	// SampleKeys defaults.
	MaxSamples   int
	SampleSplits int
	// RecordsPerSplit sets the alignment count per summarize split.
	RecordsPerSplit int
	// TextSplitBytes sets the compressed bytes per sort-pass split.
	TextSplitBytes int64
}

// Driver runs the two-pass summarize pipeline on one alignment file.
type Driver struct {
	opts   Opts
	engine Engine
}

// NewDriver returns a Driver, validating the level list.
func NewDriver(opts Opts, engine Engine) (*Driver, error) {
	if len(opts.Levels) == 0 {
		return nil, errors.New("pipeline: no summary levels given")
	}
	for _, lvl := range opts.Levels {
		if lvl <= 0 {
			return nil, errors.Errorf("pipeline: summary level %d is not positive", lvl)
		}
	}
	if opts.WorkDir == "" {
		return nil, errors.New("pipeline: no work directory given")
	}
	return &Driver{opts: opts, engine: engine}, nil
}

// Run summarizes the BAM file at bamPath at every configured level,
// leaving one `<base>-summary<level>` file per level in the output
// directory, position sorted when Sort is set.  Failures are returned
// as *PhaseError.
func (d *Driver) Run(ctx context.Context, bamPath string) error {
	base := file.Base(bamPath)
	outDir := d.opts.OutputDir
	if outDir == "" {
		outDir = d.opts.WorkDir
	}
	merged, err := d.summarize(ctx, bamPath, base, outDir)
	if err != nil {
		return err
	}
	if !d.opts.Sort {
		return nil
	}
	return d.sortAll(ctx, base, merged, outDir)
}

// summarize runs pass 1 and returns the per-level merged file paths,
// indexed like opts.Levels.  When a sort pass follows, the merged files
// are intermediates: they go in the work directory under an .unsorted
// suffix so the sorted result can take the final name, even when the
// output directory is the work directory.
func (d *Driver) summarize(ctx context.Context, bamPath, base, outDir string) ([]string, error) {
	splits, err := BAMSplits(ctx, bamPath, d.opts.RecordsPerSplit)
	if err != nil {
		return nil, &PhaseError{Phase: PhaseSummarize, Err: err}
	}
	part, err := d.partition(ctx, splits, base)
	if err != nil {
		return nil, &PhaseError{Phase: PhaseSummarize, Err: err}
	}
	job := Job{
		Name:   PhaseSummarize,
		Splits: splits,
		Part:   part,
		NewReduce: func(partition int) (Reducer, error) {
			return newSummarizeReducer(ctx, d.opts.WorkDir, base, d.opts.Levels, partition)
		},
	}
	if err := d.engine.Run(ctx, job); err != nil {
		return nil, &PhaseError{Phase: PhaseSummarize, Err: err}
	}

	merged := make([]string, len(d.opts.Levels))
	err = traverse.Each(len(d.opts.Levels), func(i int) error {
		lvl := d.opts.Levels[i]
		out := file.Join(outDir, summaryName(base, lvl))
		if d.opts.Sort {
			out = file.Join(d.opts.WorkDir, summaryName(base, lvl)+".unsorted")
		}
		if err := d.mergeParts(ctx, d.opts.WorkDir, summaryName(base, lvl), part.NumPartitions(), out); err != nil {
			return &PhaseError{Phase: PhaseMerge, Level: lvl, Err: err}
		}
		merged[i] = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return merged, nil
}

// sortAll runs one sort job per level concurrently and waits for them in
// descending level order, deleting each level's unsorted intermediate as
// its job is confirmed.  The first failure aborts the wait; outputs of
// levels already confirmed are left intact.
func (d *Driver) sortAll(ctx context.Context, base string, merged []string, outDir string) error {
	order := make([]int, len(d.opts.Levels))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return d.opts.Levels[order[a]] > d.opts.Levels[order[b]] })

	done := make([]chan error, len(d.opts.Levels))
	for _, i := range order {
		i := i
		done[i] = make(chan error, 1)
		go func() {
			done[i] <- d.sortLevel(ctx, base, d.opts.Levels[i], merged[i], outDir)
		}()
	}
	for _, i := range order {
		if err := <-done[i]; err != nil {
			return err
		}
		if err := file.Remove(ctx, merged[i]); err != nil {
			vlog.Errorf("remove intermediate %s: %v", merged[i], err)
		}
	}
	return nil
}

// sortLevel rewrites one merged summary file in leftmost-position order:
// the same sample-partition-reduce machinery as pass 1, keyed by line
// position, with a reducer that passes lines through.  The partitioning
// alone provides the global order.
func (d *Driver) sortLevel(ctx context.Context, base string, level int, mergedPath, outDir string) error {
	splits, err := TextSplits(ctx, mergedPath, d.opts.TextSplitBytes)
	if err != nil {
		return &PhaseError{Phase: PhaseSort, Level: level, Err: err}
	}
	name := summaryName(base, level)
	part, err := d.partition(ctx, splits, name)
	if err != nil {
		return &PhaseError{Phase: PhaseSort, Level: level, Err: err}
	}
	job := Job{
		Name:   fmt.Sprintf("%s-%d", PhaseSort, level),
		Splits: splits,
		Part:   part,
		NewReduce: func(partition int) (Reducer, error) {
			return newLineReducer(ctx, file.Join(d.opts.WorkDir, partName(name, partition)))
		},
	}
	if err := d.engine.Run(ctx, job); err != nil {
		return &PhaseError{Phase: PhaseSort, Level: level, Err: err}
	}
	out := file.Join(outDir, name)
	if err := d.mergeParts(ctx, d.opts.WorkDir, name, part.NumPartitions(), out); err != nil {
		return &PhaseError{Phase: PhaseMergeSorted, Level: level, Err: err}
	}
	return nil
}

// partition samples keys from the splits, writes the boundaries beside
// the job's outputs, and returns the partitioner built from the file it
// just wrote.  Reading the boundaries back revalidates them.
func (d *Driver) partition(ctx context.Context, splits []Split, name string) (*summarize.Partitioner, error) {
	parts := d.opts.Partitions
	if parts <= 0 {
		parts = len(splits)
		if parts > 64 {
			parts = 64
		}
	}
	samples, err := SampleKeys(ctx, splits, d.opts.MaxSamples, d.opts.SampleSplits)
	if err != nil {
		return nil, err
	}
	bounds := summarize.Boundaries(samples, parts)

	path := file.Join(d.opts.WorkDir, "_partitioning"+name)
	out, err := file.Create(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := summarize.WriteBoundaries(out.Writer(ctx), bounds); err != nil {
		out.Close(ctx) // nolint: errcheck
		return nil, err
	}
	if err := out.Close(ctx); err != nil {
		return nil, err
	}
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	bounds, err = summarize.ReadBoundaries(in.Reader(ctx))
	if cerr := in.Close(ctx); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, err
	}
	return summarize.NewPartitioner(bounds)
}

// mergeParts concatenates the numbered part files of one level, in
// partition order, into out, appends the BGZF end-of-stream marker, and
// removes the parts.  BGZF streams concatenate into a valid stream, so
// the parts' bytes are copied as they are.
func (d *Driver) mergeParts(ctx context.Context, partDir, name string, nPart int, out string) (err error) {
	dst, err := file.Create(ctx, out)
	if err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, dst, &err)
	w := dst.Writer(ctx)
	for p := 0; p < nPart; p++ {
		path := file.Join(partDir, partName(name, p))
		in, err := file.Open(ctx, path)
		if err != nil {
			return err
		}
		_, err = io.Copy(w, in.Reader(ctx))
		if cerr := in.Close(ctx); err == nil {
			err = cerr
		}
		if err != nil {
			return errors.Wrapf(err, "merge %s", path)
		}
	}
	if _, err := w.Write(bgzfEOF); err != nil {
		return errors.Wrapf(err, "terminate %s", out)
	}
	for p := 0; p < nPart; p++ {
		path := file.Join(partDir, partName(name, p))
		if err := file.Remove(ctx, path); err != nil {
			vlog.Errorf("remove part %s: %v", path, err)
		}
	}
	return nil
}

func summaryName(base string, level int) string {
	return fmt.Sprintf("%s-summary%d", base, level)
}

func partName(name string, partition int) string {
	return fmt.Sprintf("%s-%06d", name, partition)
}
