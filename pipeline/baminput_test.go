package pipeline

import (
	"context"
	"testing"

	"github.com/grailbio/bamsummary/summarize"
	"github.com/grailbio/hts/sam"
	"github.com/grailbio/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBAMSplitsExactlyOnce(t *testing.T) {
	tmpDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	chr1, err := sam.NewReference("chr1", "", "", 100000, nil, nil)
	require.NoError(t, err)
	chr2, err := sam.NewReference("chr2", "", "", 100000, nil, nil)
	require.NoError(t, err)
	const nRecs = 50
	path := writeTestBAM(t, tmpDir, []*sam.Reference{chr1, chr2}, nRecs, 10)

	ctx := context.Background()
	for _, perSplit := range []int{1, 7, 33, 1000} {
		splits, err := BAMSplits(ctx, path, perSplit)
		require.NoError(t, err)
		if perSplit < 2*nRecs {
			assert.True(t, len(splits) > 1, "perSplit=%d", perSplit)
		}
		var got []KV
		for _, split := range splits {
			require.NoError(t, split(ctx, func(kv KV) error {
				got = append(got, kv)
				return nil
			}))
		}
		require.Len(t, got, 2*nRecs, "perSplit=%d", perSplit)

		// Ranges decode and keys carry the centre of mass.
		perRef := map[int32]int{}
		for _, kv := range got {
			rng, err := summarize.DecodeRange(kv.Value)
			require.NoError(t, err)
			assert.Equal(t, rng.CentreOfMass(), kv.Key.Pos())
			perRef[kv.Key.RefID()]++
		}
		assert.Equal(t, map[int32]int{0: nRecs, 1: nRecs}, perRef)
	}
}

func TestBAMSplitsRerunnable(t *testing.T) {
	tmpDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	chr1, err := sam.NewReference("chr1", "", "", 100000, nil, nil)
	require.NoError(t, err)
	path := writeTestBAM(t, tmpDir, []*sam.Reference{chr1}, 10, 10)

	ctx := context.Background()
	splits, err := BAMSplits(ctx, path, 4)
	require.NoError(t, err)
	require.NotEmpty(t, splits)

	count := func() int {
		n := 0
		for _, split := range splits {
			require.NoError(t, split(ctx, func(KV) error {
				n++
				return nil
			}))
		}
		return n
	}
	// Sampling runs splits once and the job runs them again.
	assert.Equal(t, 10, count())
	assert.Equal(t, 10, count())
}
