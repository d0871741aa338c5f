// gguf-split splits a GGUF model into shards, merges shards back into one file, and
// describes the shards of a model.
//
// Usage:
//
//	gguf-split split --split-max-size 4G model.gguf out/model.gguf
//	gguf-split merge out/model-00001-of-00003.gguf merged.gguf
//	gguf-split info out/model-00001-of-00003.gguf
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "gguf-split",
		Short: "Split, merge and inspect GGUF model shards",
		Long: `gguf-split rewrites GGUF models as a set of shard files, or merges shards back.

Shards are named "<name>-00001-of-00003.gguf" and carry the split.no, split.count and
split.tensors.count keys. Only the first shard holds the model metadata.`,
		SilenceUsage: true,
	}

	klogFlags := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(klogFlags)
	root.PersistentFlags().AddGoFlagSet(klogFlags)

	root.AddCommand(newSplitCmd(), newMergeCmd(), newInfoCmd())
	return root
}

func main() {
	defer klog.Flush()
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
