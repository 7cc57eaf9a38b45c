package pipeline

import (
	"context"
	"os"
	"runtime"
	"sort"
	"sync"

	"github.com/biogo/store/llrb"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/traverse"
	"v.io/x/lib/vlog"
)

const defaultSpillBatchSize = 1 << 18

// LocalEngine runs jobs on the local machine.  Splits are read
// concurrently; each split sorts its output per partition and spills it
// to compressed run files, and each partition's runs are then merged into
// its reducer.
type LocalEngine struct {
	// Parallelism bounds concurrent splits and concurrent partition
	// reductions.  Zero means runtime.NumCPU().
	Parallelism int
	// TmpDir holds spill run files.  Empty means the system default.
	TmpDir string
	// SpillBatchSize is the number of records buffered per partition
	// before a spill.
	SpillBatchSize int
}

// runsByPartition collects spilled run paths, partition by partition.
type runsByPartition struct {
	mu   sync.Mutex
	runs [][]string
}

func (r *runsByPartition) add(partition int, path string) {
	r.mu.Lock()
	r.runs[partition] = append(r.runs[partition], path)
	r.mu.Unlock()
}

// Run executes the job.  On return every partition's reducer has been
// fed its records in ascending key order and closed, and all spill files
// have been removed.
func (e *LocalEngine) Run(ctx context.Context, job Job) error {
	parallelism := e.Parallelism
	if parallelism <= 0 {
		parallelism = runtime.NumCPU()
	}
	batchSize := e.SpillBatchSize
	if batchSize <= 0 {
		batchSize = defaultSpillBatchSize
	}
	nPart := job.Part.NumPartitions()
	runs := &runsByPartition{runs: make([][]string, nPart)}
	defer func() {
		for _, paths := range runs.runs {
			for _, path := range paths {
				if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
					vlog.Errorf("remove spill %s: %v", path, err)
				}
			}
		}
	}()

	vlog.VI(1).Infof("%s: %d splits, %d partitions", job.Name, len(job.Splits), nPart)
	err := traverse.Limit(parallelism).Each(len(job.Splits), func(i int) error {
		return e.runSplit(ctx, job, i, batchSize, runs)
	})
	if err != nil {
		return errors.E(err, job.Name)
	}
	err = traverse.Limit(parallelism).Each(nPart, func(p int) error {
		return e.reducePartition(job, p, runs.runs[p])
	})
	if err != nil {
		return errors.E(err, job.Name)
	}
	return nil
}

func (e *LocalEngine) runSplit(ctx context.Context, job Job, split, batchSize int, runs *runsByPartition) error {
	bufs := make([][]KV, job.Part.NumPartitions())
	spill := func(partition int) error {
		buf := bufs[partition]
		if len(buf) == 0 {
			return nil
		}
		// Stable so that equal keys keep their input order through the
		// shuffle.
		sort.SliceStable(buf, func(i, j int) bool { return buf[i].Key < buf[j].Key })
		w, err := newRunWriter(e.TmpDir)
		if err != nil {
			return err
		}
		for _, kv := range buf {
			if err := w.add(kv); err != nil {
				return err
			}
		}
		path, err := w.finish()
		if err != nil {
			return err
		}
		runs.add(partition, path)
		bufs[partition] = buf[:0]
		return nil
	}
	err := job.Splits[split](ctx, func(kv KV) error {
		p := job.Part.Assign(kv.Key)
		bufs[p] = append(bufs[p], kv)
		if len(bufs[p]) >= batchSize {
			return spill(p)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for p := range bufs {
		if err := spill(p); err != nil {
			return err
		}
	}
	return nil
}

// runLeaf wraps a runReader for the merge tree.  Ties on key break by
// sequence number, keeping the merge stable across runs.
type runLeaf struct {
	seq    int
	reader *runReader
}

func (l *runLeaf) Compare(c llrb.Comparable) int {
	l1 := c.(*runLeaf)
	k0, k1 := l.reader.kv().Key, l1.reader.kv().Key
	if k0 < k1 {
		return -1
	}
	if k0 > k1 {
		return 1
	}
	return l.seq - l1.seq
}

func (e *LocalEngine) reducePartition(job Job, partition int, paths []string) error {
	red, err := job.NewReduce(partition)
	if err != nil {
		return err
	}
	mergeErr := mergeRuns(paths, red.Reduce)
	closeErr := red.Close()
	if mergeErr != nil {
		return mergeErr
	}
	return closeErr
}

// mergeRuns feeds the union of the sorted runs to fn in ascending key
// order.  A binary tree keeps the smallest leaf on top; while the top
// leaf's next record still sorts below the runner-up, records are drained
// from it without touching the tree.
func mergeRuns(paths []string, fn func(KV) error) error {
	readers := make([]*runReader, 0, len(paths))
	defer func() {
		for _, r := range readers {
			r.close()
		}
	}()
	leafs := llrb.Tree{}
	for i, path := range paths {
		r, err := newRunReader(path)
		if err != nil {
			return err
		}
		readers = append(readers, r)
		if r.scan() {
			leafs.Insert(&runLeaf{seq: i, reader: r})
		} else if r.err != nil {
			return r.err
		}
	}
	for leafs.Len() > 0 {
		var top, next *runLeaf
		nth := 0
		leafs.Do(func(item llrb.Comparable) bool {
			nth++
			switch nth {
			case 1:
				top = item.(*runLeaf)
				return false
			default:
				next = item.(*runLeaf)
				return true
			}
		})
		done := false
		for {
			if err := fn(top.reader.kv()); err != nil {
				return err
			}
			done = !top.reader.scan()
			if done || (next != nil && next.Compare(top) < 0) {
				break
			}
		}
		leafs.DeleteMin()
		if !done {
			leafs.Insert(top)
		} else if top.reader.err != nil {
			return top.reader.err
		}
	}
	return nil
}
