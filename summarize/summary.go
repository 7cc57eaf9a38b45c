package summarize

import "github.com/grailbio/base/tsv"

// SummaryRecord is one output group: the reference interval spanned by a
// run of alignments and the number of alignments in the run.
type SummaryRecord struct {
	RefID int32
	Range Range
	Count int32
}

// Sink receives summary records for one level, in key order.
type Sink interface {
	Write(SummaryRecord) error
}

// TSVSink writes summary records as tab-separated text, one record per
// line: reference ID, interval start, interval end, alignment count.
// The layout matches what tabix indexes with its BED preset.
type TSVSink struct {
	w *tsv.Writer
}

// NewTSVSink returns a TSVSink writing to w.
func NewTSVSink(w *tsv.Writer) *TSVSink {
	return &TSVSink{w: w}
}

// Write writes one record.
func (s *TSVSink) Write(rec SummaryRecord) error {
	s.w.WriteUint32(uint32(rec.RefID))
	s.w.WriteUint32(uint32(rec.Range.Beg))
	s.w.WriteUint32(uint32(rec.Range.End))
	s.w.WriteUint32(uint32(rec.Count))
	return s.w.EndLine()
}

// Flush flushes buffered lines to the underlying writer.
func (s *TSVSink) Flush() error {
	return s.w.Flush()
}
