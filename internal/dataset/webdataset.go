package dataset

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Sample is a decoded record from a WebDataset shard.
type Sample struct {
	Key  string
	Item Item
}

// ErrPendingOverflow indicates the pairing map exceeded the configured bound.
var ErrPendingOverflow = errors.New("webdataset: pending pair buffer exceeded")

const defaultPendingCap = 1024

// StreamShard streams samples from the shard at path. Each sample is a
// .png/.jpg image and a .cls label sharing one key.
func StreamShard(ctx context.Context, path string, pendingCap int) (<-chan Sample, <-chan error) {
	if pendingCap <= 0 {
		pendingCap = defaultPendingCap
	}
	out := make(chan Sample)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		f, err := os.Open(path)
		if err != nil {
			errCh <- fmt.Errorf("open shard: %w", err)
			return
		}
		defer f.Close()

		tr := tar.NewReader(bufio.NewReader(f))
		pending := make(map[string]*partial)

		for {
			if err := ctx.Err(); err != nil {
				errCh <- err
				return
			}
			hdr, err := tr.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				errCh <- fmt.Errorf("read tar: %w", err)
				return
			}
			if hdr.FileInfo().IsDir() {
				continue
			}
			name := filepath.Base(hdr.Name)
			ext := strings.ToLower(filepath.Ext(name))
			key := strings.TrimSuffix(name, filepath.Ext(name))

			part := pending[key]
			if part == nil {
				part = &partial{}
			}
			switch ext {
			case ".jpg", ".jpeg", ".png":
				data, err := io.ReadAll(tr)
				if err != nil {
					errCh <- fmt.Errorf("read image %s: %w", name, err)
					return
				}
				pixels, err := DecodeImage(data)
				if err != nil {
					errCh <- fmt.Errorf("%s: %s: %w", path, name, err)
					return
				}
				part.pixels = &pixels
			case ".cls":
				payload, err := io.ReadAll(tr)
				if err != nil {
					errCh <- fmt.Errorf("read label %s: %w", name, err)
					return
				}
				label, err := strconv.Atoi(strings.TrimSpace(string(payload)))
				if err != nil {
					errCh <- fmt.Errorf("parse label %s: %w", name, err)
					return
				}
				part.label = &label
			default:
				continue
			}
			pending[key] = part

			if len(pending) > pendingCap {
				errCh <- ErrPendingOverflow
				return
			}
			if !part.ready() {
				continue
			}
			delete(pending, key)
			sample := Sample{Key: key, Item: Item{Pixels: *part.pixels, Label: *part.label}}
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case out <- sample:
			}
		}

		if len(pending) > 0 {
			errCh <- fmt.Errorf("%s: %d samples incomplete", path, len(pending))
		}
	}()

	return out, errCh
}

type partial struct {
	pixels *[ImageSize * ImageSize]byte
	label  *int
}

func (p *partial) ready() bool {
	return p.pixels != nil && p.label != nil
}

// WriteShard writes items as a WebDataset tar of <key>.png and <key>.cls
// entries. Keys are the zero-padded position plus offset.
func WriteShard(path string, items []Item, offset int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create shard dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create shard: %w", err)
	}
	bw := bufio.NewWriter(f)
	tw := tar.NewWriter(bw)
	var img bytes.Buffer
	for i, it := range items {
		key := fmt.Sprintf("%09d", offset+i)
		img.Reset()
		if err := EncodePNG(&img, it); err != nil {
			f.Close()
			return fmt.Errorf("encode %s: %w", key, err)
		}
		if err := writeTarEntry(tw, key+".png", img.Bytes()); err != nil {
			f.Close()
			return err
		}
		if err := writeTarEntry(tw, key+".cls", []byte(strconv.Itoa(it.Label))); err != nil {
			f.Close()
			return err
		}
	}
	if err := tw.Close(); err != nil {
		f.Close()
		return fmt.Errorf("close tar: %w", err)
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("flush shard: %w", err)
	}
	return f.Close()
}

func writeTarEntry(tw *tar.Writer, name string, data []byte) error {
	hdr := &tar.Header{Name: name, Size: int64(len(data)), Mode: 0o644}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write header %s: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// ShardName returns the canonical file name of shard n.
func ShardName(n int) string {
	return fmt.Sprintf("shard-%06d.tar", n)
}

// WriteShards splits ds into shards of perShard items under dir and returns
// their paths.
func WriteShards(dir string, ds Dataset, perShard int) ([]string, error) {
	if perShard <= 0 {
		return nil, fmt.Errorf("shards: items per shard must be > 0 (got %d)", perShard)
	}
	var paths []string
	for start, n := 0, 0; start < ds.Len(); start, n = start+perShard, n+1 {
		end := min(start+perShard, ds.Len())
		items := make([]Item, 0, end-start)
		for i := start; i < end; i++ {
			it, err := ds.Get(i)
			if err != nil {
				return nil, err
			}
			items = append(items, it)
		}
		path := filepath.Join(dir, ShardName(n))
		if err := WriteShard(path, items, start); err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}
