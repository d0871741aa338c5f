package split

import (
	"math"
	"strings"

	"github.com/gomlx/go-gguf/models/gguf"
	"github.com/pkg/errors"
)

// Keys stamped on every shard of a split model, so that a reader can find all shards and detect missing ones.
const (
	// KeySplitNo is the 0-based index of the shard (uint16).
	KeySplitNo = "split.no"
	// KeySplitCount is the number of shards (uint16).
	KeySplitCount = "split.count"
	// KeySplitTensorsCount is the number of tensors over all shards (int32).
	KeySplitTensorsCount = "split.tensors.count"
)

// MaxShards is the largest number of shards KeySplitCount can record.
const MaxShards = math.MaxUint16

// IsSplitKey reports whether key is one of the bookkeeping keys of split models.
func IsSplitKey(key string) bool {
	return strings.HasPrefix(key, "split.")
}

// InjectMetadata returns the metadata of each shard of plan. kvs go to the first shard only,
// minus any split keys, which are always recomputed: if the plan is split, every shard gets
// KeySplitNo, KeySplitCount and KeySplitTensorsCount, after the caller metadata.
//
// A "general.alignment" entry describes the layout of each file, so it goes to every shard.
func InjectMetadata(plan *Plan, kvs []gguf.KeyValue) ([][]gguf.KeyValue, error) {
	numShards := len(plan.Shards)
	perShard := make([][]gguf.KeyValue, numShards)
	if numShards == 0 {
		return perShard, nil
	}
	for _, kv := range kvs {
		switch {
		case IsSplitKey(kv.Key):
		case kv.Key == gguf.KeyAlignment:
			for i := range perShard {
				perShard[i] = append(perShard[i], kv)
			}
		default:
			perShard[0] = append(perShard[0], kv)
		}
	}
	if plan.Style == StyleNone {
		return perShard, nil
	}
	if numShards > MaxShards {
		return nil, errors.Wrapf(ErrTooManyShards, "%d shards planned, at most %d can be recorded", numShards, MaxShards)
	}
	if plan.TotalTensors > math.MaxInt32 {
		return nil, errors.Wrapf(ErrTooManyTensors, "%d tensors can't be recorded in %q", plan.TotalTensors, KeySplitTensorsCount)
	}
	for i := range perShard {
		perShard[i] = append(perShard[i],
			gguf.KeyValue{Key: KeySplitNo, Value: gguf.MustValue(uint16(i))},
			gguf.KeyValue{Key: KeySplitCount, Value: gguf.MustValue(uint16(numShards))},
			gguf.KeyValue{Key: KeySplitTensorsCount, Value: gguf.MustValue(int32(plan.TotalTensors))},
		)
	}
	return perShard, nil
}
