package split

import (
	"math"
	"testing"

	"github.com/gomlx/go-gguf/models/gguf"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func kvMap(kvs []gguf.KeyValue) map[string]any {
	m := make(map[string]any, len(kvs))
	for _, kv := range kvs {
		m[kv.Key] = kv.Raw()
	}
	return m
}

func TestInjectMetadataSplit(t *testing.T) {
	plan, err := NewPlan(makeTensors(7), mustConfig(t, Options{Split: true, MaxTensors: 3}), "model.gguf")
	require.NoError(t, err)
	caller := []gguf.KeyValue{
		{Key: "general.architecture", Value: gguf.MustValue("llama")},
		{Key: "llama.block_count", Value: gguf.MustValue(uint32(2))},
		{Key: KeySplitCount, Value: gguf.MustValue(uint16(99))}, // Stale, dropped.
	}
	perShard, err := InjectMetadata(plan, caller)
	require.NoError(t, err)
	require.Len(t, perShard, 3)

	assert.Equal(t, map[string]any{
		"general.architecture": "llama",
		"llama.block_count":    uint32(2),
		KeySplitNo:             uint16(0),
		KeySplitCount:          uint16(3),
		KeySplitTensorsCount:   int32(7),
	}, kvMap(perShard[0]))
	assert.Equal(t, "general.architecture", perShard[0][0].Key, "caller metadata comes first")
	for i := 1; i < 3; i++ {
		assert.Equal(t, map[string]any{
			KeySplitNo:           uint16(i),
			KeySplitCount:        uint16(3),
			KeySplitTensorsCount: int32(7),
		}, kvMap(perShard[i]))
	}
}

func TestInjectMetadataSmallFirstShard(t *testing.T) {
	plan, err := NewPlan(makeTensors(7), mustConfig(t, Options{Split: true, MaxTensors: 3, SmallFirstShard: true}), "model.gguf")
	require.NoError(t, err)
	perShard, err := InjectMetadata(plan, []gguf.KeyValue{{Key: "general.name", Value: gguf.MustValue("tiny")}})
	require.NoError(t, err)
	require.Len(t, perShard, 4)
	assert.Equal(t, "tiny", kvMap(perShard[0])["general.name"])
	for i, kvs := range perShard {
		m := kvMap(kvs)
		assert.Equal(t, uint16(i), m[KeySplitNo])
		assert.Equal(t, uint16(4), m[KeySplitCount])
		assert.Equal(t, int32(7), m[KeySplitTensorsCount])
		if i > 0 {
			assert.NotContains(t, m, "general.name")
		}
	}
}

func TestInjectMetadataNone(t *testing.T) {
	plan, err := NewPlan(makeTensors(5), mustConfig(t, Options{Split: true, MaxTensors: 100}), "model.gguf")
	require.NoError(t, err)
	perShard, err := InjectMetadata(plan, []gguf.KeyValue{{Key: "general.name", Value: gguf.MustValue("tiny")}})
	require.NoError(t, err)
	require.Len(t, perShard, 1)
	assert.Equal(t, map[string]any{"general.name": "tiny"}, kvMap(perShard[0]))
}

func TestInjectMetadataTooManyShards(t *testing.T) {
	plan := &Plan{Style: StyleByCount, TotalTensors: MaxShards + 1, Shards: make([]Shard, MaxShards+1)}
	_, err := InjectMetadata(plan, nil)
	assert.True(t, errors.Is(err, ErrTooManyShards))
}

func TestInjectMetadataAlignment(t *testing.T) {
	plan, err := NewPlan(makeTensors(4), mustConfig(t, Options{Split: true, MaxTensors: 2}), "model.gguf")
	require.NoError(t, err)
	perShard, err := InjectMetadata(plan, []gguf.KeyValue{
		{Key: "general.name", Value: gguf.MustValue("tiny")},
		{Key: gguf.KeyAlignment, Value: gguf.MustValue(uint32(64))},
	})
	require.NoError(t, err)
	require.Len(t, perShard, 2)
	for i, kvs := range perShard {
		assert.Equal(t, uint32(64), kvMap(kvs)[gguf.KeyAlignment], "shard %d", i)
	}
	assert.NotContains(t, kvMap(perShard[1]), "general.name")
}

func TestInjectMetadataTooManyTensors(t *testing.T) {
	plan := &Plan{Style: StyleByCount, TotalTensors: math.MaxInt32 + 1, Shards: make([]Shard, 2)}
	_, err := InjectMetadata(plan, nil)
	assert.True(t, errors.Is(err, ErrTooManyTensors))
	assert.False(t, errors.Is(err, ErrTooManyShards))
}
