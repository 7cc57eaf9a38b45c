package pipeline

import (
	"bufio"
	"encoding/binary"
	"io"
	"io/ioutil"
	"os"

	"github.com/golang/snappy"
	"github.com/grailbio/bamsummary/summarize"
	"github.com/pkg/errors"
)

// Spill run format: a snappy stream of records, each a 12-byte header
// (key uint64, value length uint32, both little-endian) followed by the
// value bytes.  Records within a run are sorted by key.

const runHeaderSize = 12

// runWriter writes one sorted run of key-value pairs to a temporary
// file.
type runWriter struct {
	f  *os.File
	sn *snappy.Writer
	w  *bufio.Writer
}

func newRunWriter(dir string) (*runWriter, error) {
	f, err := ioutil.TempFile(dir, "shuffle-run")
	if err != nil {
		return nil, errors.Wrap(err, "pipeline: create spill run")
	}
	sn := snappy.NewBufferedWriter(f)
	return &runWriter{f: f, sn: sn, w: bufio.NewWriter(sn)}, nil
}

func (r *runWriter) add(kv KV) error {
	var hdr [runHeaderSize]byte
	binary.LittleEndian.PutUint64(hdr[0:], uint64(kv.Key))
	binary.LittleEndian.PutUint32(hdr[8:], uint32(len(kv.Value)))
	if _, err := r.w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := r.w.Write(kv.Value)
	return err
}

// finish flushes and closes the run, returning its path.  On error
// the run file is removed, since the caller never sees its path.
func (r *runWriter) finish() (string, error) {
	path := r.f.Name()
	err := r.w.Flush()
	if err == nil {
		err = r.sn.Close()
	}
	if cerr := r.f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path) // nolint: errcheck
		return "", err
	}
	return path, nil
}

// runReader scans one spilled run back in order.
type runReader struct {
	f   *os.File
	r   *bufio.Reader
	cur KV
	err error
}

func newRunReader(path string) (*runReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "pipeline: open spill run")
	}
	return &runReader{f: f, r: bufio.NewReader(snappy.NewReader(f))}, nil
}

// scan advances to the next record, reporting whether one was read.
func (r *runReader) scan() bool {
	if r.err != nil {
		return false
	}
	var hdr [runHeaderSize]byte
	if _, err := io.ReadFull(r.r, hdr[:]); err != nil {
		if err != io.EOF {
			r.err = errors.Wrapf(err, "pipeline: spill run %s", r.f.Name())
		}
		return false
	}
	n := binary.LittleEndian.Uint32(hdr[8:])
	val := make([]byte, n)
	if _, err := io.ReadFull(r.r, val); err != nil {
		r.err = errors.Wrapf(err, "pipeline: spill run %s", r.f.Name())
		return false
	}
	r.cur = KV{Key: summarize.Key(binary.LittleEndian.Uint64(hdr[0:])), Value: val}
	return true
}

func (r *runReader) kv() KV { return r.cur }

func (r *runReader) close() error {
	err := r.f.Close()
	if r.err != nil {
		return r.err
	}
	return err
}
