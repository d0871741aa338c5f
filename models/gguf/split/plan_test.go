package split

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/gomlx/go-gguf/models/gguf"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// makeTensors returns n F32 tensors named t0, t1, ..., where tensor i has sizes[i%len(sizes)] elements.
func makeTensors(n int, sizes ...uint64) []Tensor {
	if len(sizes) == 0 {
		sizes = []uint64{1}
	}
	tensors := make([]Tensor, n)
	for i := range tensors {
		elems := sizes[i%len(sizes)]
		tensors[i] = Tensor{
			Name:  fmt.Sprintf("t%d", i),
			Shape: []uint64{elems},
			Type:  gguf.TensorTypeF32,
			Data:  make([]byte, 4*elems),
		}
	}
	return tensors
}

func tensorNames(tensors []Tensor) []string {
	names := make([]string, len(tensors))
	for i, t := range tensors {
		names[i] = t.Name
	}
	return names
}

func mustConfig(t *testing.T, opts Options) Config {
	t.Helper()
	cfg, err := NewConfig(opts)
	require.NoError(t, err)
	return cfg
}

func TestPlanNone(t *testing.T) {
	tensors := makeTensors(4)
	plan, err := NewPlan(tensors, Config{}, "out/model.gguf")
	require.NoError(t, err)
	assert.Equal(t, StyleNone, plan.Style)
	require.Len(t, plan.Shards, 1)
	assert.Equal(t, "out/model.gguf", plan.Shards[0].Path)
	assert.Equal(t, tensors, plan.Shards[0].Tensors.List())
	assert.Equal(t, uint64(16), plan.TotalBytes)
}

func TestPlanByCount(t *testing.T) {
	tensors := makeTensors(7)
	plan, err := NewPlan(tensors, mustConfig(t, Options{Split: true, MaxTensors: 3}), "model.gguf")
	require.NoError(t, err)
	assert.Equal(t, StyleByCount, plan.Style)
	require.Len(t, plan.Shards, 3)
	assert.Equal(t, []string{"t0", "t1", "t2"}, tensorNames(plan.Shards[0].Tensors.List()))
	assert.Equal(t, []string{"t3", "t4", "t5"}, tensorNames(plan.Shards[1].Tensors.List()))
	assert.Equal(t, []string{"t6"}, tensorNames(plan.Shards[2].Tensors.List()))
	for i, shard := range plan.Shards {
		assert.Equal(t, i, shard.Index)
		assert.False(t, shard.Tensors.IsMetadataOnly())
		assert.Equal(t, fmt.Sprintf("model-%05d-of-00003.gguf", i+1), shard.Path)
	}
	assert.Equal(t, uint64(4), plan.Shards[2].Bytes)
}

func TestPlanByCountSmallFirstShard(t *testing.T) {
	tensors := makeTensors(7)
	plan, err := NewPlan(tensors, mustConfig(t, Options{Split: true, MaxTensors: 3, SmallFirstShard: true}), "model.gguf")
	require.NoError(t, err)
	require.Len(t, plan.Shards, 4)
	assert.True(t, plan.Shards[0].Tensors.IsMetadataOnly())
	assert.Zero(t, plan.Shards[0].Tensors.Len())
	assert.Equal(t, "model-00001-of-00004.gguf", plan.Shards[0].Path)
	assert.Equal(t, []string{"t0", "t1", "t2"}, tensorNames(plan.Shards[1].Tensors.List()))
	assert.Equal(t, []string{"t3", "t4", "t5"}, tensorNames(plan.Shards[2].Tensors.List()))
	assert.Equal(t, []string{"t6"}, tensorNames(plan.Shards[3].Tensors.List()))
	assert.Equal(t, "model-00004-of-00004.gguf", plan.Shards[3].Path)
	assert.Equal(t, tensors, plan.Tensors())
}

func TestPlanByCountProperties(t *testing.T) {
	for n := 1; n <= 20; n++ {
		for maxTensors := uint64(1); maxTensors <= uint64(n); maxTensors++ {
			for _, small := range []bool{false, true} {
				tensors := makeTensors(n, 1, 3, 2)
				cfg := mustConfig(t, Options{Split: true, MaxTensors: maxTensors, SmallFirstShard: small})
				plan, err := NewPlan(tensors, cfg, "m.gguf")
				require.NoError(t, err)

				dataShards := plan.Shards
				if small {
					require.True(t, plan.Shards[0].Tensors.IsMetadataOnly())
					dataShards = plan.Shards[1:]
				}
				wantShards := (uint64(n) + maxTensors - 1) / maxTensors
				require.Len(t, dataShards, int(wantShards), "n=%d max=%d", n, maxTensors)
				for i, shard := range dataShards {
					if i < len(dataShards)-1 {
						assert.Equal(t, int(maxTensors), shard.Tensors.Len())
					} else {
						assert.LessOrEqual(t, shard.Tensors.Len(), int(maxTensors))
					}
				}
				assert.Equal(t, tensors, plan.Tensors(), "n=%d max=%d", n, maxTensors)
			}
		}
	}
}

func TestPlanBySize(t *testing.T) {
	// Tensor sizes in bytes: 400, 400, 400, 2000, 100, 100; at most 1024 bytes per shard.
	tensors := makeTensors(6, 100, 100, 100, 500, 25, 25)
	plan, err := NewPlan(tensors, mustConfig(t, Options{Split: true, MaxSize: "1K"}), "dir/model.gguf")
	require.NoError(t, err)
	assert.Equal(t, StyleBySize, plan.Style)
	require.Len(t, plan.Shards, 4)
	assert.Equal(t, []string{"t0", "t1"}, tensorNames(plan.Shards[0].Tensors.List()))
	assert.Equal(t, []string{"t2"}, tensorNames(plan.Shards[1].Tensors.List()))
	assert.Equal(t, []string{"t3"}, tensorNames(plan.Shards[2].Tensors.List()), "oversized tensor on its own")
	assert.Equal(t, []string{"t4", "t5"}, tensorNames(plan.Shards[3].Tensors.List()))
	assert.Equal(t, uint64(800), plan.Shards[0].Bytes)
	assert.Equal(t, filepath.Join("dir", "model-00001-of-00004.gguf"), plan.Shards[0].Path)
}

func TestPlanBySizeBound(t *testing.T) {
	sizes := []uint64{10, 300, 5, 90, 256, 1, 1, 700, 64}
	for _, maxSize := range []string{"256", "512", "1K"} {
		for _, small := range []bool{false, true} {
			tensors := makeTensors(40, sizes...)
			cfg := mustConfig(t, Options{Split: true, MaxSize: maxSize, SmallFirstShard: small})
			plan, err := NewPlan(tensors, cfg, "m.gguf")
			require.NoError(t, err)
			require.Equal(t, StyleBySize, plan.Style)

			for _, shard := range plan.Shards {
				if shard.Tensors.IsMetadataOnly() {
					continue
				}
				var sum uint64
				for _, tensor := range shard.Tensors.List() {
					sum += uint64(len(tensor.Data))
				}
				assert.Equal(t, shard.Bytes, sum)
				if sum > cfg.MaxBytes() {
					assert.Equal(t, 1, shard.Tensors.Len(), "only a single oversized tensor may exceed the limit")
				}
			}
			assert.Equal(t, tensors, plan.Tensors())
			assert.Equal(t, small, plan.Shards[0].Tensors.IsMetadataOnly())
		}
	}
}

func TestPlanFallsBackToNone(t *testing.T) {
	tensors := makeTensors(5)
	plan, err := NewPlan(tensors, mustConfig(t, Options{Split: true, MaxTensors: 100}), "model.gguf")
	require.NoError(t, err)
	assert.Equal(t, StyleNone, plan.Style)
	require.Len(t, plan.Shards, 1)
	assert.Equal(t, "model.gguf", plan.Shards[0].Path)

	plan, err = NewPlan(tensors, mustConfig(t, Options{Split: true, MaxSize: "1G", SmallFirstShard: true}), "model.gguf")
	require.NoError(t, err)
	assert.Equal(t, StyleNone, plan.Style)
	require.Len(t, plan.Shards, 1)
	assert.False(t, plan.Shards[0].Tensors.IsMetadataOnly())
}

func TestPlanInvalidTensorKind(t *testing.T) {
	tensors := makeTensors(3)
	tensors[1].Type = gguf.TensorType(200)
	_, err := NewPlan(tensors, mustConfig(t, Options{Split: true, MaxTensors: 1}), "model.gguf")
	assert.True(t, errors.Is(err, ErrInvalidTensorKind))
}

func TestPlanSummaries(t *testing.T) {
	tensors := makeTensors(3, 256)
	plan, err := NewPlan(tensors, mustConfig(t, Options{Split: true, MaxTensors: 2, SmallFirstShard: true}), "m.gguf")
	require.NoError(t, err)
	assert.Equal(t, []ShardSummary{
		{Path: "m-00001-of-00003.gguf", NumTensors: 0, Size: "negligible - metadata only"},
		{Path: "m-00002-of-00003.gguf", NumTensors: 2, Size: "2.0K"},
		{Path: "m-00003-of-00003.gguf", NumTensors: 1, Size: "1.0K"},
	}, plan.Summaries())
}

func TestShardPath(t *testing.T) {
	assert.Equal(t, "model-00002-of-00010.gguf", ShardPath("model.gguf", 2, 10))
	assert.Equal(t, "model-00001-of-00001.gguf", ShardPath("model", 1, 1))
	assert.Equal(t, filepath.Join("a", "b", "llama-7b-00003-of-00012.bin"), ShardPath(filepath.Join("a", "b", "llama-7b.bin"), 3, 12))

	base, n, total, ok := ParseShardPath(filepath.Join("a", "llama-7b-00003-of-00012.gguf"))
	require.True(t, ok)
	assert.Equal(t, filepath.Join("a", "llama-7b.gguf"), base)
	assert.Equal(t, 3, n)
	assert.Equal(t, 12, total)

	for _, path := range []string{"model.gguf", "model-1-of-2.gguf", "model-00003-of-00002.gguf", "model-00000-of-00002.gguf"} {
		_, _, _, ok := ParseShardPath(path)
		assert.False(t, ok, path)
	}
}
