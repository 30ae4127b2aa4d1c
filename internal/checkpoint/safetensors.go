// Package checkpoint persists named parameter tensors in the safetensors
// layout: an 8-byte little-endian header length, a JSON header describing
// every tensor, then the raw tensor bytes.
package checkpoint

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/x448/float16"

	"digitnet/internal/tensor"
)

// DType is the on-disk element type.
type DType string

const (
	F16 DType = "F16"
	F32 DType = "F32"
	F64 DType = "F64"
)

// FileName is the checkpoint name inside an artifact directory.
const FileName = "model.safetensors"

const (
	metadataKey = "__metadata__"
	// Headers larger than this are rejected before allocation.
	maxHeaderSize = 100 << 20
)

// ErrFormat reports a file that is not a readable safetensors checkpoint.
var ErrFormat = errors.New("checkpoint: malformed safetensors")

// ParseDType accepts F16, F32 and F64. The empty string selects F32.
func ParseDType(s string) (DType, error) {
	switch DType(s) {
	case "":
		return F32, nil
	case F16, F32, F64:
		return DType(s), nil
	}
	return "", fmt.Errorf("checkpoint: unsupported dtype %q", s)
}

// Size returns the number of bytes per element.
func (d DType) Size() int {
	switch d {
	case F16:
		return 2
	case F32:
		return 4
	case F64:
		return 8
	}
	return 0
}

type entry struct {
	DType       DType    `json:"dtype"`
	Shape       []int    `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// Write encodes state to w. Tensors are laid out in name order.
func Write(w io.Writer, state map[string]*tensor.Tensor, dtype DType, metadata map[string]string) error {
	if dtype.Size() == 0 {
		return fmt.Errorf("checkpoint: unsupported dtype %q", dtype)
	}
	names := make([]string, 0, len(state))
	for name := range state {
		if name == metadataKey {
			return fmt.Errorf("checkpoint: reserved tensor name %s", name)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]any, len(names)+1)
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}
	var offset int64
	for _, name := range names {
		t := state[name]
		n := int64(t.Len() * dtype.Size())
		header[name] = entry{DType: dtype, Shape: t.Shape(), DataOffsets: [2]int64{offset, offset + n}}
		offset += n
	}
	raw, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("checkpoint: encode header: %w", err)
	}
	// Pad with spaces so the data section starts 8-byte aligned.
	for len(raw)%8 != 0 {
		raw = append(raw, ' ')
	}

	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.LittleEndian, uint64(len(raw))); err != nil {
		return err
	}
	if _, err := bw.Write(raw); err != nil {
		return err
	}
	for _, name := range names {
		if err := writeData(bw, state[name].Data(), dtype); err != nil {
			return fmt.Errorf("checkpoint: write %s: %w", name, err)
		}
	}
	return bw.Flush()
}

func writeData(w io.Writer, data []float64, dtype DType) error {
	buf := make([]byte, len(data)*dtype.Size())
	for i, v := range data {
		switch dtype {
		case F16:
			binary.LittleEndian.PutUint16(buf[i*2:], float16.Fromfloat32(float32(v)).Bits())
		case F32:
			binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(float32(v)))
		case F64:
			binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
		}
	}
	_, err := w.Write(buf)
	return err
}

// Read decodes a checkpoint into CPU tensors.
func Read(r io.Reader) (map[string]*tensor.Tensor, map[string]string, error) {
	var n uint64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, nil, fmt.Errorf("%w: header length: %v", ErrFormat, err)
	}
	if n == 0 || n > maxHeaderSize {
		return nil, nil, fmt.Errorf("%w: header length %d", ErrFormat, n)
	}
	raw := make([]byte, n)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, nil, fmt.Errorf("%w: header: %v", ErrFormat, err)
	}
	var header map[string]json.RawMessage
	if err := json.Unmarshal(raw, &header); err != nil {
		return nil, nil, fmt.Errorf("%w: header: %v", ErrFormat, err)
	}

	var metadata map[string]string
	if m, ok := header[metadataKey]; ok {
		if err := json.Unmarshal(m, &metadata); err != nil {
			return nil, nil, fmt.Errorf("%w: metadata: %v", ErrFormat, err)
		}
		delete(header, metadataKey)
	}

	entries := make(map[string]entry, len(header))
	for name, msg := range header {
		var e entry
		if err := json.Unmarshal(msg, &e); err != nil {
			return nil, nil, fmt.Errorf("%w: %s: %v", ErrFormat, name, err)
		}
		if e.DType.Size() == 0 {
			return nil, nil, fmt.Errorf("%w: %s: unsupported dtype %q", ErrFormat, name, e.DType)
		}
		size := int64(e.DType.Size())
		count := int64(1)
		for _, d := range e.Shape {
			if d < 0 {
				return nil, nil, fmt.Errorf("%w: %s: negative dimension in shape %v", ErrFormat, name, e.Shape)
			}
			// count*d*size must stay within int64.
			if d > 0 && count > math.MaxInt64/size/int64(d) {
				return nil, nil, fmt.Errorf("%w: %s: shape %v too large", ErrFormat, name, e.Shape)
			}
			count *= int64(d)
		}
		start, end := e.DataOffsets[0], e.DataOffsets[1]
		if start < 0 || end < start || end-start != count*size {
			return nil, nil, fmt.Errorf("%w: %s: offsets %v do not match shape %v", ErrFormat, name, e.DataOffsets, e.Shape)
		}
		entries[name] = e
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("checkpoint: read data: %w", err)
	}
	state := make(map[string]*tensor.Tensor, len(entries))
	for name, e := range entries {
		if e.DataOffsets[1] > int64(len(data)) {
			return nil, nil, fmt.Errorf("%w: %s: data truncated", ErrFormat, name)
		}
		vals := readData(data[e.DataOffsets[0]:e.DataOffsets[1]], e.DType)
		t, err := tensor.New(tensor.CPU, vals, e.Shape...)
		if err != nil {
			return nil, nil, fmt.Errorf("checkpoint: %s: %w", name, err)
		}
		state[name] = t
	}
	return state, metadata, nil
}

func readData(buf []byte, dtype DType) []float64 {
	out := make([]float64, len(buf)/dtype.Size())
	for i := range out {
		switch dtype {
		case F16:
			out[i] = float64(float16.Frombits(binary.LittleEndian.Uint16(buf[i*2:])).Float32())
		case F32:
			out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:])))
		case F64:
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
		}
	}
	return out
}

// Save writes state to path through a temporary file in the same directory.
func Save(path string, state map[string]*tensor.Tensor, dtype DType, metadata map[string]string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	f, err := os.CreateTemp(dir, ".checkpoint-*")
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	defer os.Remove(f.Name())
	if err := Write(f, state, dtype, metadata); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	if err := os.Rename(f.Name(), path); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	return nil
}

// Load reads the checkpoint at path.
func Load(path string) (map[string]*tensor.Tensor, map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("checkpoint: %w", err)
	}
	defer f.Close()
	state, metadata, err := Read(bufio.NewReader(f))
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	return state, metadata, nil
}
