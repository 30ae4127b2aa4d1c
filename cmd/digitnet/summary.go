package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"digitnet/internal/backend/cpu"
	"digitnet/internal/model"
)

func newSummaryCmd() *cobra.Command {
	var (
		numClasses int
		hiddenSize int
		dropout    float64
		device     string
	)
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Print the layers and parameter counts of a model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := model.NewConfig(numClasses, hiddenSize)
			if err != nil {
				return err
			}
			if cfg, err = cfg.WithDropout(dropout); err != nil {
				return err
			}
			b, err := openBackend(device, 1, 1)
			if err != nil {
				return err
			}
			m, err := cfg.Init(b)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			m.WriteSummary(out)
			if host, ok := b.(*cpu.Backend); ok {
				info := host.Info()
				fmt.Fprintf(out, "host: %s (%d cores, %d threads, %d features)\n",
					info.Brand, info.PhysicalCores, host.Threads(), len(info.Features))
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.IntVar(&numClasses, "num-classes", 10, "Number of output classes")
	f.IntVar(&hiddenSize, "hidden-size", 512, "Width of the hidden linear layer")
	f.Float64Var(&dropout, "dropout", model.DefaultDropout, "Dropout probability")
	f.StringVar(&device, "device", "cpu", "Device to place the model on")
	return cmd
}
