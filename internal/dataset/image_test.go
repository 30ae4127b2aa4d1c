package dataset

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeImageScalesToDigitSize(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 56, 56))
	for y := 0; y < 56; y++ {
		for x := 0; x < 56; x++ {
			src.Set(x, y, color.White)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, src))
	path := filepath.Join(t.TempDir(), "big.png")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	px, err := LoadImage(path)
	require.NoError(t, err)
	for i, v := range px {
		require.Equal(t, byte(255), v, "pixel %d", i)
	}
}

func TestDecodeImageRoundTrip(t *testing.T) {
	it := digit(4, 30)
	px, err := DecodeImage(pngBytes(t, it))
	require.NoError(t, err)
	require.Equal(t, it.Pixels, px)
}

func TestDecodeImageRejectsGarbage(t *testing.T) {
	_, err := DecodeImage([]byte("not an image"))
	require.ErrorContains(t, err, "decode image")
	_, err = LoadImage(filepath.Join(t.TempDir(), "missing.png"))
	require.ErrorContains(t, err, "read image")
}
