package summarize

import (
	"bytes"
	"encoding/binary"
	"io"
	"sort"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
)

// Boundaries derives partition boundary keys from a sample of the key
// stream.  It returns up to parts-1 strictly ascending keys cutting the
// samples into evenly sized runs.  Duplicate quantiles collapse, so a
// skewed or tiny sample yields fewer boundaries and some partitions come
// out empty rather than the split failing.
func Boundaries(samples []Key, parts int) []Key {
	if parts < 2 || len(samples) == 0 {
		return nil
	}
	sorted := make([]Key, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	var bounds []Key
	for i := 1; i < parts; i++ {
		b := sorted[len(sorted)*i/parts]
		if len(bounds) == 0 || b > bounds[len(bounds)-1] {
			bounds = append(bounds, b)
		}
	}
	return bounds
}

// Partitioner assigns keys to partitions using a sorted boundary list.
// Partition i holds the keys below boundary i; the last partition is
// unbounded above.  Assignments respect key order, so concatenating the
// partitions' sorted outputs yields a totally ordered result.
type Partitioner struct {
	boundaries []Key
}

// NewPartitioner returns a Partitioner over the given strictly ascending
// boundaries.  An empty boundary list yields a single partition.
func NewPartitioner(boundaries []Key) (*Partitioner, error) {
	for i := 1; i < len(boundaries); i++ {
		if boundaries[i] <= boundaries[i-1] {
			return nil, errors.Errorf("summarize: partition boundaries not ascending at %d", i)
		}
	}
	return &Partitioner{boundaries: boundaries}, nil
}

// NumPartitions returns the number of partitions.
func (p *Partitioner) NumPartitions() int {
	return len(p.boundaries) + 1
}

// Assign returns the partition of the given key.
func (p *Partitioner) Assign(key Key) int {
	return sort.Search(len(p.boundaries), func(i int) bool {
		return key < p.boundaries[i]
	})
}

// boundariesMagic begins a partition boundaries file.
var boundariesMagic = []byte{'B', 'S', 'P', 'B', 0x1, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0}

// WriteBoundaries writes the boundary keys to w as a gzip stream holding
// a 16-byte magic and the keys as little-endian uint64s.  The file lets
// a rerun over the same input reuse the partitioning without resampling.
func WriteBoundaries(w io.Writer, boundaries []Key) error {
	gz := gzip.NewWriter(w)
	if _, err := gz.Write(boundariesMagic); err != nil {
		return err
	}
	for _, b := range boundaries {
		if err := binary.Write(gz, binary.LittleEndian, uint64(b)); err != nil {
			return err
		}
	}
	return gz.Close()
}

// ReadBoundaries reads a boundaries file written by WriteBoundaries,
// validating the magic and the ascending key order.
func ReadBoundaries(r io.Reader) ([]Key, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, errors.Wrap(err, "summarize: boundaries file")
	}
	defer gz.Close()
	magic := make([]byte, len(boundariesMagic))
	if _, err := io.ReadFull(gz, magic); err != nil {
		return nil, errors.Wrap(err, "summarize: boundaries magic")
	}
	if !bytes.Equal(magic, boundariesMagic) {
		return nil, errors.New("summarize: not a boundaries file")
	}
	var boundaries []Key
	for {
		var b uint64
		if err := binary.Read(gz, binary.LittleEndian, &b); err != nil {
			if err == io.EOF {
				break
			}
			return nil, errors.Wrap(err, "summarize: boundaries entry")
		}
		if n := len(boundaries); n > 0 && Key(b) <= boundaries[n-1] {
			return nil, errors.New("summarize: boundaries file out of order")
		}
		boundaries = append(boundaries, Key(b))
	}
	return boundaries, nil
}
