// Package pipeline runs partitioned map-reduce style jobs over BGZF
// alignment and text inputs on the local machine.  A job reads its input
// as independent splits, routes each emitted key-value pair to a
// partition by key, and feeds every partition's pairs to a reducer in
// ascending key order.
package pipeline

import (
	"context"

	"github.com/grailbio/bamsummary/summarize"
)

// KV is one record flowing through a job.
type KV struct {
	Key   summarize.Key
	Value []byte
}

// Split reads one independent slice of the input and passes every record
// to emit.  A Split must be re-runnable; the engine may invoke it once
// for key sampling and again for the job proper.  Returning the error
// from a failed emit unwrapped lets the engine cut a split short.
type Split func(ctx context.Context, emit func(KV) error) error

// Reducer consumes one partition's records in ascending key order.
type Reducer interface {
	// Reduce is called once per record.
	Reduce(kv KV) error
	// Close is called after the last record, whether or not an error
	// occurred, and finalizes the partition's output.
	Close() error
}

// Job describes one partitioned reduction.
type Job struct {
	// Name labels the job in logs and errors.
	Name string
	// Splits are the input slices, read concurrently.
	Splits []Split
	// Part routes keys to partitions.
	Part *summarize.Partitioner
	// NewReduce returns the reducer for one partition.  It is called
	// once per partition, concurrently.
	NewReduce func(partition int) (Reducer, error)
}

// Engine runs jobs.
type Engine interface {
	Run(ctx context.Context, job Job) error
}
