package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"digitnet/internal/dataset"
	"digitnet/internal/inference"
)

func newInferCmd() *cobra.Command {
	var (
		artifactDir string
		datasetDir  string
		imagePath   string
		index       int
		device      string
	)
	cmd := &cobra.Command{
		Use:   "infer",
		Short: "Classify one MNIST test item or a PNG/JPEG image",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			byIndex := cmd.Flags().Changed("index")
			if byIndex == (imagePath != "") {
				return errors.New("exactly one of --index or --image is required")
			}

			var item dataset.Item
			if byIndex {
				ds, err := dataset.LoadMNIST(datasetDir, dataset.Test, dataset.MNISTOptions{})
				if err != nil {
					return err
				}
				if item, err = ds.Get(index); err != nil {
					return err
				}
			} else {
				px, err := dataset.LoadImage(imagePath)
				if err != nil {
					return err
				}
				item = dataset.Item{Pixels: px, Label: -1}
			}

			b, err := openBackend(device, 1, 1)
			if err != nil {
				return err
			}
			pred, err := inference.Infer(cmd.Context(), artifactDir, b, item)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if pred.Expected >= 0 {
				fmt.Fprintf(out, "Predicted %d Expected %d\n", pred.Predicted, pred.Expected)
			} else {
				fmt.Fprintf(out, "Predicted %d\n", pred.Predicted)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&artifactDir, "artifact-dir", "artifacts", "Directory written by train")
	f.StringVar(&datasetDir, "dataset-dir", "mnist", "Directory with the MNIST t10k files")
	f.StringVar(&imagePath, "image", "", "Image file to classify")
	f.IntVar(&index, "index", 0, "Index into the MNIST test split")
	f.StringVar(&device, "device", "cpu", "Device to run on")
	return cmd
}
