package pipeline

import (
	"context"

	"github.com/grailbio/bamsummary/summarize"
	"github.com/grailbio/base/traverse"
	"v.io/x/lib/vlog"
)

const (
	defaultMaxSamples   = 1 << 16
	defaultSampleSplits = 10
)

// stopSampling cuts a split short once its sample quota is met.  It is
// returned through emit and swallowed by SampleKeys.
type stopSampling struct{}

func (stopSampling) Error() string { return "sampling done" }

// SampleKeys reads the leading keys of a few evenly spaced splits and
// returns up to maxSamples of them, for use with summarize.Boundaries.
// Zero maxSamples or maxSplits select the defaults (65536 keys over 10
// splits).
func SampleKeys(ctx context.Context, splits []Split, maxSamples, maxSplits int) ([]summarize.Key, error) {
	if maxSamples <= 0 {
		maxSamples = defaultMaxSamples
	}
	if maxSplits <= 0 {
		maxSplits = defaultSampleSplits
	}
	if len(splits) == 0 {
		return nil, nil
	}
	if maxSplits > len(splits) {
		maxSplits = len(splits)
	}
	stride := len(splits) / maxSplits
	quota := (maxSamples + maxSplits - 1) / maxSplits

	sampled := make([][]summarize.Key, maxSplits)
	err := traverse.Each(maxSplits, func(i int) error {
		keys := make([]summarize.Key, 0, quota)
		err := splits[i*stride](ctx, func(kv KV) error {
			keys = append(keys, kv.Key)
			if len(keys) >= quota {
				return stopSampling{}
			}
			return nil
		})
		if err != nil {
			if _, ok := err.(stopSampling); !ok {
				return err
			}
		}
		sampled[i] = keys
		return nil
	})
	if err != nil {
		return nil, err
	}
	var keys []summarize.Key
	for _, s := range sampled {
		keys = append(keys, s...)
	}
	if len(keys) > maxSamples {
		keys = keys[:maxSamples]
	}
	vlog.VI(1).Infof("sampled %d keys from %d of %d splits", len(keys), maxSplits, len(splits))
	return keys, nil
}
