package summarize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSink struct {
	recs []SummaryRecord
}

func (s *captureSink) Write(rec SummaryRecord) error {
	s.recs = append(s.recs, rec)
	return nil
}

func newTestAggregator(t *testing.T, levels []int) (*Aggregator, map[int]*captureSink) {
	sinks := map[int]*captureSink{}
	agg, err := NewAggregator(levels, func(level int) (Sink, error) {
		s := &captureSink{}
		sinks[level] = s
		return s, nil
	})
	require.NoError(t, err)
	return agg, sinks
}

func TestAggregatorLevels(t *testing.T) {
	agg, sinks := newTestAggregator(t, []int{2, 3})
	for _, rng := range []Range{
		{Beg: 10, End: 20},
		{Beg: 12, End: 22},
		{Beg: 14, End: 24},
		{Beg: 16, End: 26},
		{Beg: 18, End: 28},
	} {
		require.NoError(t, agg.Add(MakeKey(0, rng.CentreOfMass()), rng))
	}
	require.NoError(t, agg.Flush())

	assert.Equal(t, []SummaryRecord{
		{RefID: 0, Range: Range{Beg: 11, End: 21}, Count: 2},
		{RefID: 0, Range: Range{Beg: 15, End: 25}, Count: 2},
		{RefID: 0, Range: Range{Beg: 18, End: 28}, Count: 1},
	}, sinks[2].recs)
	assert.Equal(t, []SummaryRecord{
		{RefID: 0, Range: Range{Beg: 12, End: 22}, Count: 3},
		{RefID: 0, Range: Range{Beg: 17, End: 27}, Count: 2},
	}, sinks[3].recs)
}

func TestAggregatorTruncatedGroupMeans(t *testing.T) {
	agg, sinks := newTestAggregator(t, []int{2, 3})
	for _, rng := range []Range{
		{Beg: 10, End: 20},
		{Beg: 14, End: 24},
		{Beg: 20, End: 30},
		{Beg: 8, End: 18},
		{Beg: 16, End: 26},
	} {
		require.NoError(t, agg.Add(MakeKey(0, rng.CentreOfMass()), rng))
	}
	require.NoError(t, agg.Flush())

	assert.Equal(t, []SummaryRecord{
		{RefID: 0, Range: Range{Beg: 12, End: 22}, Count: 2},
		{RefID: 0, Range: Range{Beg: 14, End: 24}, Count: 2},
		{RefID: 0, Range: Range{Beg: 16, End: 26}, Count: 1},
	}, sinks[2].recs)
	// (10+14+20)/3 truncates to 14, (20+24+30)/3 to 24.
	assert.Equal(t, []SummaryRecord{
		{RefID: 0, Range: Range{Beg: 14, End: 24}, Count: 3},
		{RefID: 0, Range: Range{Beg: 12, End: 22}, Count: 2},
	}, sinks[3].recs)
}

func TestAggregatorReferenceChange(t *testing.T) {
	agg, sinks := newTestAggregator(t, []int{2, 3})
	require.NoError(t, agg.Add(MakeKey(1, 15), Range{Beg: 10, End: 20}))
	// The next alignment is on a different reference, so the single
	// buffered alignment flushes as a partial group on reference 1.
	require.NoError(t, agg.Add(MakeKey(2, 35), Range{Beg: 30, End: 40}))
	require.NoError(t, agg.Flush())

	want := []SummaryRecord{
		{RefID: 1, Range: Range{Beg: 10, End: 20}, Count: 1},
		{RefID: 2, Range: Range{Beg: 30, End: 40}, Count: 1},
	}
	assert.Equal(t, want, sinks[2].recs)
	assert.Equal(t, want, sinks[3].recs)
}

func TestAggregatorTruncatingMean(t *testing.T) {
	agg, sinks := newTestAggregator(t, []int{2})
	require.NoError(t, agg.Add(MakeKey(0, 1), Range{Beg: 1, End: 2}))
	require.NoError(t, agg.Add(MakeKey(0, 2), Range{Beg: 2, End: 3}))
	require.NoError(t, agg.Flush())
	// (1+2)/2 and (2+3)/2 round down.
	assert.Equal(t, []SummaryRecord{
		{RefID: 0, Range: Range{Beg: 1, End: 2}, Count: 2},
	}, sinks[2].recs)
}

func TestAggregatorEmptyFlush(t *testing.T) {
	agg, sinks := newTestAggregator(t, []int{2, 3})
	require.NoError(t, agg.Flush())
	assert.Empty(t, sinks[2].recs)
	assert.Empty(t, sinks[3].recs)
}
