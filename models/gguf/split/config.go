package split

import (
	"fmt"

	"github.com/pkg/errors"
)

// Style selects how tensors are distributed among shards.
type Style int

const (
	// StyleNone writes every tensor to a single file.
	StyleNone Style = iota
	// StyleByCount caps the number of tensors per shard.
	StyleByCount
	// StyleBySize caps the number of tensor bytes per shard.
	StyleBySize
)

func (s Style) String() string {
	switch s {
	case StyleNone:
		return "none"
	case StyleByCount:
		return "by-count"
	case StyleBySize:
		return "by-size"
	default:
		return fmt.Sprintf("Style(%d)", int(s))
	}
}

// Options is the splitting policy as requested by the user, e.g. from flags or a YAML file.
// Use NewConfig to validate it.
type Options struct {
	// Split enables splitting. Without it, MaxTensors and MaxSize are ignored.
	Split bool `yaml:"split"`

	// MaxTensors is the maximum number of tensors per shard. If set, it takes precedence over MaxSize.
	MaxTensors uint64 `yaml:"split_max_tensors"`

	// MaxSize is the maximum tensor bytes per shard, as accepted by ParseSize (e.g. "4G").
	MaxSize string `yaml:"split_max_size"`

	// SmallFirstShard makes the first shard hold only metadata and no tensors.
	SmallFirstShard bool `yaml:"small_first_shard"`

	// DryRun plans the shards and reports them, without writing anything.
	DryRun bool `yaml:"dry_run"`
}

// Config is a validated, immutable splitting policy. The zero value writes a single file.
type Config struct {
	style           Style
	maxTensors      uint64
	maxBytes        uint64
	smallFirstShard bool
	dryRun          bool
}

// NewConfig validates opts and derives the splitting style:
// by count if MaxTensors > 0, otherwise by size if MaxSize is set, otherwise none.
func NewConfig(opts Options) (Config, error) {
	cfg := Config{
		maxTensors:      opts.MaxTensors,
		smallFirstShard: opts.SmallFirstShard,
		dryRun:          opts.DryRun,
	}
	if opts.MaxSize != "" {
		n, err := ParseSize(opts.MaxSize)
		if err != nil {
			return Config{}, errors.WithMessage(err, "split max size")
		}
		cfg.maxBytes = n
	}
	switch {
	case !opts.Split:
		cfg.style = StyleNone
	case cfg.maxTensors > 0:
		cfg.style = StyleByCount
	case cfg.maxBytes > 0:
		cfg.style = StyleBySize
	default:
		cfg.style = StyleNone
	}
	return cfg, nil
}

// Style returns the requested splitting style. The style actually used for a model is given by EffectiveStyle.
func (c Config) Style() Style { return c.style }

// MaxTensors returns the maximum number of tensors per shard, or 0 if not set.
func (c Config) MaxTensors() uint64 { return c.maxTensors }

// MaxBytes returns the maximum tensor bytes per shard, or 0 if not set.
func (c Config) MaxBytes() uint64 { return c.maxBytes }

// SmallFirstShard reports whether shard 0 holds only metadata.
func (c Config) SmallFirstShard() bool { return c.smallFirstShard }

// DryRun reports whether writing is skipped.
func (c Config) DryRun() bool { return c.dryRun }

// EffectiveStyle returns the style used for a model with nTensors tensors of totalBytes bytes.
//
// A model with fewer tensors than the tensor threshold, or fewer bytes than the size threshold,
// is not split: it falls back to StyleNone, along with the reason.
func (c Config) EffectiveStyle(nTensors int, totalBytes uint64) (Style, string) {
	if c.style == StyleNone {
		return StyleNone, ""
	}
	if c.maxTensors > 0 && uint64(nTensors) < c.maxTensors {
		return StyleNone, "Model has fewer tensors than the split threshold, not splitting"
	}
	if c.maxBytes > 0 && totalBytes < c.maxBytes {
		return StyleNone, "Model has smaller size than the split threshold, not splitting"
	}
	return c.style, ""
}
