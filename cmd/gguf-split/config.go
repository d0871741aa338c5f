package main

import (
	"os"

	"github.com/gomlx/go-gguf/models/gguf/split"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// splitFlags are the splitting options given on the command line.
// They take precedence over the ones read from --config.
type splitFlags struct {
	configPath      string
	maxTensors      uint64
	maxSize         string
	smallFirstShard bool
	dryRun          bool
}

func (f *splitFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVar(&f.configPath, "config", "", "YAML file with the splitting options (split_max_tensors, split_max_size, small_first_shard, dry_run)")
	flags.Uint64Var(&f.maxTensors, "split-max-tensors", 0, "maximum number of tensors per shard")
	flags.StringVar(&f.maxSize, "split-max-size", "", "maximum tensor bytes per shard, e.g. 512M or 4G")
	flags.BoolVar(&f.smallFirstShard, "small-first-shard", false, "write the metadata to a first shard without tensors")
	flags.BoolVar(&f.dryRun, "dry-run", false, "only print the shards that would be written")
}

// options returns the splitting options: the ones from the --config file, if any, overridden
// by the flags explicitly set.
func (f *splitFlags) options(cmd *cobra.Command) (split.Options, error) {
	opts := split.Options{Split: true}
	if f.configPath != "" {
		data, err := os.ReadFile(f.configPath)
		if err != nil {
			return opts, errors.Wrapf(err, "failed to read config %q", f.configPath)
		}
		if err := yaml.Unmarshal(data, &opts); err != nil {
			return opts, errors.Wrapf(err, "failed to parse config %q", f.configPath)
		}
	}
	flags := cmd.Flags()
	if flags.Changed("split-max-tensors") {
		opts.MaxTensors = f.maxTensors
	}
	if flags.Changed("split-max-size") {
		opts.MaxSize = f.maxSize
	}
	if flags.Changed("small-first-shard") {
		opts.SmallFirstShard = f.smallFirstShard
	}
	if flags.Changed("dry-run") {
		opts.DryRun = f.dryRun
	}
	return opts, nil
}
