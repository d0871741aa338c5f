package split

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeModel writes nTensors test tensors to base, split maxTensors per shard.
func writeModel(t *testing.T, base string, nTensors int, maxTensors uint64) {
	t.Helper()
	m := NewManager(base, "llama", mustConfig(t, Options{Split: maxTensors > 0, MaxTensors: maxTensors}))
	addTestTensors(t, m, nTensors)
	require.NoError(t, m.WriteToFile(false))
	require.NoError(t, m.Close())
}

func TestOpenShardsUnsplit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.gguf")
	writeModel(t, path, 3, 0)
	set, err := OpenShards(path)
	require.NoError(t, err)
	assert.Equal(t, []string{path}, set.Paths)
	assert.Equal(t, 3, set.TotalTensors)
	_, ok := ReadSplitInfo(set.Files[0])
	assert.False(t, ok)
}

func TestOpenShardsMissing(t *testing.T) {
	base := filepath.Join(t.TempDir(), "model.gguf")
	writeModel(t, base, 5, 2)
	require.NoError(t, os.Remove(ShardPath(base, 2, 3)))
	_, err := OpenShards(ShardPath(base, 1, 3))
	assert.True(t, errors.Is(err, ErrMissingShard), "%v", err)
}

func TestOpenShardsInconsistent(t *testing.T) {
	dirA, dirB := t.TempDir(), t.TempDir()
	baseA, baseB := filepath.Join(dirA, "model.gguf"), filepath.Join(dirB, "model.gguf")
	writeModel(t, baseA, 5, 2)
	writeModel(t, baseB, 6, 2)

	// Shard 3 of another model with the same shard count.
	other, err := os.ReadFile(ShardPath(baseB, 3, 3))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(ShardPath(baseA, 3, 3), other, 0o644))
	_, err = OpenShards(ShardPath(baseA, 1, 3))
	assert.True(t, errors.Is(err, ErrInconsistentShards), "%v", err)

	// A shard renamed to the wrong position.
	require.NoError(t, os.Rename(ShardPath(baseB, 2, 3), filepath.Join(dirB, "model-00002-of-00004.gguf")))
	_, err = OpenShards(filepath.Join(dirB, "model-00002-of-00004.gguf"))
	assert.True(t, errors.Is(err, ErrInconsistentShards), "%v", err)

	// A shard that doesn't follow the naming pattern.
	renamed := filepath.Join(dirB, "renamed.gguf")
	require.NoError(t, os.Rename(ShardPath(baseB, 1, 3), renamed))
	_, err = OpenShards(renamed)
	assert.True(t, errors.Is(err, ErrInconsistentShards), "%v", err)
}
