package dataset

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
)

var shardRegexp = regexp.MustCompile(`^shard-[0-9]{6,}\.tar$`)

// DiscoverShards returns the shard TAR files beneath root in lexical order.
func DiscoverShards(root string) ([]string, error) {
	var entries []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && shardRegexp.MatchString(d.Name()) {
			entries = append(entries, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discover shards: %w", err)
	}
	sort.Strings(entries)
	return entries, nil
}

// DiscoverByRoot scans each root independently. A root without shards is an
// error.
func DiscoverByRoot(roots []string) (map[string][]string, error) {
	result := make(map[string][]string, len(roots))
	for _, root := range roots {
		if _, seen := result[root]; seen {
			continue
		}
		shards, err := DiscoverShards(root)
		if err != nil {
			return nil, err
		}
		if len(shards) == 0 {
			return nil, fmt.Errorf("discover shards: none under %s", root)
		}
		result[root] = shards
	}
	return result, nil
}

// Source is the on-disk layout of a dataset directory.
type Source string

const (
	SourceMNIST  Source = "mnist"
	SourceShards Source = "shards"
)

// DetectSource reports whether dir holds MNIST IDX files or WebDataset
// shards.
func DetectSource(dir string, split Split) (Source, error) {
	if st, err := os.Stat(dir); err != nil {
		return "", fmt.Errorf("dataset dir: %w", err)
	} else if !st.IsDir() {
		return "", fmt.Errorf("dataset dir: %s is not a directory", dir)
	}
	if _, err := findIDX(dir, string(split)+"-images-idx3-ubyte"); err == nil {
		return SourceMNIST, nil
	}
	shards, err := DiscoverShards(dir)
	if err != nil {
		return "", err
	}
	if len(shards) > 0 {
		return SourceShards, nil
	}
	return "", fmt.Errorf("dataset dir %s holds neither %s IDX files nor shards", dir, split)
}

// Open loads dir as whichever source it holds.
func Open(ctx context.Context, dir string, split Split, numWorkers int, seed int64) (*InMemory, error) {
	src, err := DetectSource(dir, split)
	if err != nil {
		return nil, err
	}
	switch src {
	case SourceMNIST:
		return LoadMNIST(dir, split, MNISTOptions{})
	default:
		return LoadShards(ctx, []string{dir}, numWorkers, seed)
	}
}
