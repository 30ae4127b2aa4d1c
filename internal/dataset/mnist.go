package dataset

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const (
	idxImageMagic = 0x00000803
	idxLabelMagic = 0x00000801
)

// ErrDigestMismatch reports a canonical MNIST archive with unexpected content.
var ErrDigestMismatch = errors.New("mnist: file digest mismatch")

// Split names one half of the MNIST distribution.
type Split string

const (
	Train Split = "train"
	Test  Split = "t10k"
)

// sha256 digests of the canonical gzip archives.
var mnistDigests = map[string]string{
	"train-images-idx3-ubyte.gz": "440fcabf73cc546fa21475e81ea370265605f56be210a4024d2ca8f203523609",
	"train-labels-idx1-ubyte.gz": "3552534a0a558bbed6aed32b30c495cca23d567ec52cac8be1a0730e8010255c",
	"t10k-images-idx3-ubyte.gz":  "8d422c7b0a1c1c79245a5bcf07fe86e33eeafee792b84584aec276f5a2dbc4e6",
	"t10k-labels-idx1-ubyte.gz":  "f7ae60f92e00ec6debd23a6088c31dbd2371eca3ffa0defaefb259924204aec6",
}

// MNISTOptions controls LoadMNIST.
type MNISTOptions struct {
	// Verify checks the sha256 of canonical .gz archives.
	Verify bool
}

// LoadMNIST reads the split's IDX image and label files from dir. Either the
// raw files or their .gz archives may be present.
func LoadMNIST(dir string, split Split, opts MNISTOptions) (*InMemory, error) {
	imgPath, err := findIDX(dir, string(split)+"-images-idx3-ubyte")
	if err != nil {
		return nil, err
	}
	lblPath, err := findIDX(dir, string(split)+"-labels-idx1-ubyte")
	if err != nil {
		return nil, err
	}
	imgData, err := readIDXFile(imgPath, opts.Verify)
	if err != nil {
		return nil, err
	}
	lblData, err := readIDXFile(lblPath, opts.Verify)
	if err != nil {
		return nil, err
	}
	images, err := ParseIDXImages(imgData)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", imgPath, err)
	}
	labels, err := ParseIDXLabels(lblData)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", lblPath, err)
	}
	if len(images) != len(labels) {
		return nil, fmt.Errorf("mnist: %d images but %d labels", len(images), len(labels))
	}
	items := make([]Item, len(images))
	for i := range items {
		items[i] = Item{Pixels: images[i], Label: int(labels[i])}
	}
	return NewInMemory(items), nil
}

func findIDX(dir, base string) (string, error) {
	for _, name := range []string{base, base + ".gz"} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("mnist: %s(.gz) not found in %s", base, dir)
}

func readIDXFile(path string, verify bool) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if want, ok := mnistDigests[filepath.Base(path)]; ok && verify {
		sum := sha256.Sum256(raw)
		if got := hex.EncodeToString(sum[:]); got != want {
			return nil, fmt.Errorf("%w: %s has %s", ErrDigestMismatch, path, got)
		}
	}
	if len(raw) >= 2 && raw[0] == 0x1f && raw[1] == 0x8b {
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("gunzip %s: %w", path, err)
		}
		defer zr.Close()
		raw, err = io.ReadAll(bufio.NewReader(zr))
		if err != nil {
			return nil, fmt.Errorf("gunzip %s: %w", path, err)
		}
	}
	return raw, nil
}

// ParseIDXImages decodes an idx3-ubyte payload of 28x28 images.
func ParseIDXImages(data []byte) ([][ImageSize * ImageSize]byte, error) {
	if len(data) < 16 {
		return nil, errors.New("mnist: image header truncated")
	}
	if magic := binary.BigEndian.Uint32(data[0:4]); magic != idxImageMagic {
		return nil, fmt.Errorf("mnist: bad image magic %#x", magic)
	}
	count := int(binary.BigEndian.Uint32(data[4:8]))
	rows := int(binary.BigEndian.Uint32(data[8:12]))
	cols := int(binary.BigEndian.Uint32(data[12:16]))
	if rows != ImageSize || cols != ImageSize {
		return nil, fmt.Errorf("mnist: images are %dx%d, want %dx%d", rows, cols, ImageSize, ImageSize)
	}
	body := data[16:]
	if len(body) != count*rows*cols {
		return nil, fmt.Errorf("mnist: %d image bytes for %d images", len(body), count)
	}
	out := make([][ImageSize * ImageSize]byte, count)
	for i := range out {
		copy(out[i][:], body[i*rows*cols:(i+1)*rows*cols])
	}
	return out, nil
}

// ParseIDXLabels decodes an idx1-ubyte payload.
func ParseIDXLabels(data []byte) ([]byte, error) {
	if len(data) < 8 {
		return nil, errors.New("mnist: label header truncated")
	}
	if magic := binary.BigEndian.Uint32(data[0:4]); magic != idxLabelMagic {
		return nil, fmt.Errorf("mnist: bad label magic %#x", magic)
	}
	count := int(binary.BigEndian.Uint32(data[4:8]))
	body := data[8:]
	if len(body) != count {
		return nil, fmt.Errorf("mnist: %d label bytes for %d labels", len(body), count)
	}
	return append([]byte(nil), body...), nil
}

// EncodeIDX writes items as an idx3 image payload and an idx1 label payload.
func EncodeIDX(items []Item) (images, labels []byte) {
	img := make([]byte, 16, 16+len(items)*ImageSize*ImageSize)
	binary.BigEndian.PutUint32(img[0:4], idxImageMagic)
	binary.BigEndian.PutUint32(img[4:8], uint32(len(items)))
	binary.BigEndian.PutUint32(img[8:12], ImageSize)
	binary.BigEndian.PutUint32(img[12:16], ImageSize)
	lbl := make([]byte, 8, 8+len(items))
	binary.BigEndian.PutUint32(lbl[0:4], idxLabelMagic)
	binary.BigEndian.PutUint32(lbl[4:8], uint32(len(items)))
	for _, it := range items {
		img = append(img, it.Pixels[:]...)
		lbl = append(lbl, byte(it.Label))
	}
	return img, lbl
}
