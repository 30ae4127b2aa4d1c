package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"digitnet/internal/dataset"
)

func newShardsCmd() *cobra.Command {
	var (
		datasetDir string
		outDir     string
		split      string
		perShard   int
	)
	cmd := &cobra.Command{
		Use:   "shards",
		Short: "Export an MNIST split as WebDataset tar shards",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, err := dataset.LoadMNIST(datasetDir, dataset.Split(split), dataset.MNISTOptions{Verify: true})
			if err != nil {
				return err
			}
			paths, err := dataset.WriteShards(outDir, ds, perShard)
			if err != nil {
				return err
			}
			slog.Info("shards written", "dir", outDir, "shards", len(paths), "samples", ds.Len())
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d samples to %d shards in %s\n", ds.Len(), len(paths), outDir)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&datasetDir, "dataset-dir", "mnist", "Directory with MNIST IDX files")
	f.StringVar(&outDir, "out", "shards", "Output directory")
	f.StringVar(&split, "split", string(dataset.Train), "Split to export (train or t10k)")
	f.IntVar(&perShard, "per-shard", 10000, "Samples per shard")
	return cmd
}
