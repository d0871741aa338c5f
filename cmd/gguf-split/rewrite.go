package main

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/gomlx/go-gguf/internal/filelock"
	"github.com/gomlx/go-gguf/internal/files"
	"github.com/gomlx/go-gguf/models/gguf"
	"github.com/gomlx/go-gguf/models/gguf/split"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

// writeFlags are shared by the commands that write GGUF files.
type writeFlags struct {
	force        bool
	metadataOnly bool
	bigEndian    bool
}

func (f *writeFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.BoolVar(&f.force, "force", false, "overwrite existing output files")
	flags.BoolVar(&f.metadataOnly, "metadata-only", false, "write only the header and metadata, without tensors")
	flags.BoolVar(&f.bigEndian, "big-endian", false, "write big-endian files")
}

// rewrite copies the model of the shard set into output, split according to cfg,
// and prints the written shards to w.
func rewrite(w io.Writer, set *split.ShardSet, output string, cfg split.Config, wf writeFlags) error {
	opts := []split.Option{
		split.WithWriterFactory(func(path string, order binary.ByteOrder) (split.ShardWriter, error) {
			if !wf.force && files.Exists(path) {
				return nil, errors.Errorf("output %q already exists, use --force to overwrite it", path)
			}
			return gguf.Create(path, gguf.WithByteOrder(order))
		}),
		split.WithProgress(func(p split.Progress) {
			klog.V(1).Infof("Shard %d/%d done: %d/%d tensors, %s/%s", p.Shard+1, p.NumShards,
				p.TensorsWritten, p.TotalTensors, split.FormatSize(p.BytesWritten), split.FormatSize(p.TotalBytes))
		}),
	}
	if wf.bigEndian {
		opts = append(opts, split.WithByteOrder(binary.BigEndian))
	}

	m := split.NewManager(output, set.Architecture(), cfg, opts...)
	for i, f := range set.Files {
		if err := m.AddFile(f, set.Paths[i]); err != nil {
			return err
		}
	}

	lockPath := output + ".lock"
	err := filelock.Exec(lockPath, func() error {
		writeErr := m.WriteToFile(wf.metadataOnly)
		closeErr := m.Close()
		if writeErr != nil {
			return writeErr
		}
		return closeErr
	})
	if rmErr := files.RemoveIfExists(lockPath); rmErr != nil {
		klog.Warningf("%v", rmErr)
	}
	if err != nil {
		return errors.WithMessagef(err, "while writing %q", output)
	}

	plan := m.Plan()
	if cfg.DryRun() {
		fmt.Fprintln(w, titleStyle.Render("Dry run, not writing files:"))
	} else {
		fmt.Fprintln(w, titleStyle.Render("Wrote the following files:"))
	}
	fmt.Fprint(w, renderSummaries(plan.Summaries()))
	return nil
}

const memoryNote = `All tensors are loaded in memory before the output is written: this needs about
as much free memory as the size of the model.`

func newSplitCmd() *cobra.Command {
	var sf splitFlags
	var wf writeFlags
	cmd := &cobra.Command{
		Use:   "split [flags] INPUT OUTPUT",
		Short: "Split a GGUF model into shards",
		Long: `Split rewrites the model INPUT (a single file, or any shard of a split model) into shards
named after OUTPUT, each holding at most --split-max-tensors tensors or --split-max-size bytes.
Models below the threshold are written to OUTPUT as a single file.

` + memoryNote,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := sf.options(cmd)
			if err != nil {
				return err
			}
			if opts.MaxTensors == 0 && opts.MaxSize == "" {
				return errors.New("one of --split-max-tensors or --split-max-size is required")
			}
			cfg, err := split.NewConfig(opts)
			if err != nil {
				return err
			}
			set, err := split.OpenShards(args[0])
			if err != nil {
				return err
			}
			return rewrite(cmd.OutOrStdout(), set, args[1], cfg, wf)
		},
	}
	sf.register(cmd)
	wf.register(cmd)
	return cmd
}

func newMergeCmd() *cobra.Command {
	var wf writeFlags
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "merge [flags] SHARD OUTPUT",
		Short: "Merge the shards of a model into a single GGUF file",
		Long: `Merge reads all shards of the model SHARD belongs to, checks they are complete, and writes them to OUTPUT.

` + memoryNote,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := split.NewConfig(split.Options{DryRun: dryRun})
			if err != nil {
				return err
			}
			set, err := split.OpenShards(args[0])
			if err != nil {
				return err
			}
			return rewrite(cmd.OutOrStdout(), set, args[1], cfg, wf)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "only print the file that would be written")
	wf.register(cmd)
	return cmd
}
