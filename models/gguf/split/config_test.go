package split

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestNewConfigStyle(t *testing.T) {
	for _, tc := range []struct {
		name string
		opts Options
		want Style
	}{
		{"default", Options{}, StyleNone},
		{"thresholds without split", Options{MaxTensors: 3, MaxSize: "1G"}, StyleNone},
		{"count", Options{Split: true, MaxTensors: 3}, StyleByCount},
		{"count takes precedence", Options{Split: true, MaxTensors: 3, MaxSize: "1G"}, StyleByCount},
		{"size", Options{Split: true, MaxSize: "1G"}, StyleBySize},
		{"split without thresholds", Options{Split: true}, StyleNone},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := NewConfig(tc.opts)
			require.NoError(t, err)
			assert.Equal(t, tc.want, cfg.Style())
		})
	}
}

func TestNewConfigInvalidSize(t *testing.T) {
	_, err := NewConfig(Options{Split: true, MaxSize: "12X"})
	assert.True(t, errors.Is(err, ErrInvalidSizeFormat))
	_, err = NewConfig(Options{Split: true, MaxSize: "0"})
	assert.True(t, errors.Is(err, ErrNonPositiveSize))
}

func TestConfigAccessors(t *testing.T) {
	cfg, err := NewConfig(Options{Split: true, MaxSize: "2K", SmallFirstShard: true, DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, uint64(2048), cfg.MaxBytes())
	assert.Zero(t, cfg.MaxTensors())
	assert.True(t, cfg.SmallFirstShard())
	assert.True(t, cfg.DryRun())
}

func TestEffectiveStyle(t *testing.T) {
	byCount, err := NewConfig(Options{Split: true, MaxTensors: 100})
	require.NoError(t, err)
	style, reason := byCount.EffectiveStyle(5, 1<<30)
	assert.Equal(t, StyleNone, style)
	assert.Contains(t, reason, "fewer tensors")
	style, _ = byCount.EffectiveStyle(100, 0)
	assert.Equal(t, StyleByCount, style)

	bySize, err := NewConfig(Options{Split: true, MaxSize: "1M"})
	require.NoError(t, err)
	style, reason = bySize.EffectiveStyle(1000, 1<<19)
	assert.Equal(t, StyleNone, style)
	assert.Contains(t, reason, "smaller size")
	style, reason = bySize.EffectiveStyle(1000, 1<<21)
	assert.Equal(t, StyleBySize, style)
	assert.Empty(t, reason)
}

func TestOptionsYAML(t *testing.T) {
	var opts Options
	require.NoError(t, yaml.Unmarshal([]byte(`
split: true
split_max_tensors: 256
split_max_size: 4G
small_first_shard: true
`), &opts))
	assert.Equal(t, Options{Split: true, MaxTensors: 256, MaxSize: "4G", SmallFirstShard: true}, opts)
}

func TestStyleString(t *testing.T) {
	assert.Equal(t, "none", StyleNone.String())
	assert.Equal(t, "by-count", StyleByCount.String())
	assert.Equal(t, "by-size", StyleBySize.String())
	assert.Equal(t, "Style(7)", Style(7).String())
}
