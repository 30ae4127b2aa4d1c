package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"digitnet/internal/dataset"
)

func run(t *testing.T, args ...string) string {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	require.NoError(t, root.ExecuteContext(context.Background()), strings.Join(args, " "))
	return out.String()
}

func writeMNIST(t *testing.T, dir string, split dataset.Split, n int) {
	t.Helper()
	items := make([]dataset.Item, n)
	for i := range items {
		items[i].Label = i % 10
		for j := range items[i].Pixels {
			items[i].Pixels[j] = byte((i*13 + j) % 256)
		}
	}
	images, labels := dataset.EncodeIDX(items)
	require.NoError(t, os.WriteFile(filepath.Join(dir, string(split)+"-images-idx3-ubyte"), images, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, string(split)+"-labels-idx1-ubyte"), labels, 0o644))
}

func TestSummaryCommand(t *testing.T) {
	out := run(t, "summary", "--num-classes", "10", "--hidden-size", "512")
	require.Contains(t, out, "conv1")
	require.Contains(t, out, "linear2")
	require.Contains(t, out, "531178")
	require.Contains(t, out, "device: cpu:0")
	require.Contains(t, out, "host: ")
	require.Contains(t, out, "1 threads")
}

func TestTrainThenInfer(t *testing.T) {
	data := t.TempDir()
	writeMNIST(t, data, dataset.Train, 16)
	writeMNIST(t, data, dataset.Test, 4)
	artifacts := filepath.Join(t.TempDir(), "artifacts")
	cfgPath := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("hidden_size: 8\nbatch_size: 8\nepochs: 1\nnum_workers: 2\n"), 0o644))

	out := run(t, "train",
		"--config", cfgPath,
		"--dataset-dir", data,
		"--artifact-dir", artifacts,
		"--progress=false",
	)
	require.Contains(t, out, "valid accuracy")
	require.FileExists(t, filepath.Join(artifacts, "config.json"))
	require.FileExists(t, filepath.Join(artifacts, "model.safetensors"))

	out = run(t, "infer", "--artifact-dir", artifacts, "--dataset-dir", data, "--index", "3")
	require.Contains(t, out, "Expected 3")

	img := filepath.Join(t.TempDir(), "digit.png")
	f, err := os.Create(img)
	require.NoError(t, err)
	require.NoError(t, dataset.EncodePNG(f, dataset.Item{}))
	require.NoError(t, f.Close())
	out = run(t, "infer", "--artifact-dir", artifacts, "--image", img)
	require.Regexp(t, `^Predicted \d\n$`, out)
}

func TestInferNeedsExactlyOneSource(t *testing.T) {
	root := newRootCmd()
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"infer", "--artifact-dir", t.TempDir()})
	require.ErrorContains(t, root.ExecuteContext(context.Background()), "exactly one")
}

func TestShardsCommand(t *testing.T) {
	data := t.TempDir()
	writeMNIST(t, data, dataset.Train, 5)
	out := t.TempDir()
	require.Contains(t, run(t, "shards", "--dataset-dir", data, "--out", out, "--per-shard", "2"), "5 samples to 3 shards")

	ds, err := dataset.Open(context.Background(), out, dataset.Train, 2, 1)
	require.NoError(t, err)
	require.Equal(t, 5, ds.Len())
}

func TestParseLevel(t *testing.T) {
	_, err := parseLevel("debug")
	require.NoError(t, err)
	_, err = parseLevel("loud")
	require.Error(t, err)
}
