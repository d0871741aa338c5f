package main

import (
	"fmt"
	"io"

	"github.com/gomlx/go-gguf/models/gguf/split"
	"github.com/spf13/cobra"
)

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info SHARD",
		Short: "Describe the shards of a GGUF model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := split.OpenShards(args[0])
			if err != nil {
				return err
			}
			printInfo(cmd.OutOrStdout(), set)
			return nil
		},
	}
}

func printInfo(w io.Writer, set *split.ShardSet) {
	fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("Model %q: %d shard(s), %d tensors",
		set.Architecture(), len(set.Files), set.TotalTensors)))
	summaries := make([]split.ShardSummary, len(set.Files))
	for i, f := range set.Files {
		var bytes uint64
		for _, ti := range f.TensorInfos {
			bytes += uint64(ti.NumBytes())
		}
		summaries[i] = split.ShardSummary{Path: set.Paths[i], NumTensors: len(f.TensorInfos), Size: "negligible - metadata only"}
		if len(f.TensorInfos) > 0 {
			summaries[i].Size = split.FormatSize(bytes)
		}
	}
	fmt.Fprint(w, renderSummaries(summaries))
}
