package dataset

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"
	"io"
	"os"

	"golang.org/x/image/draw"
)

// DecodeImage decodes a PNG or JPEG and converts it to a 28x28 grayscale
// digit. Other sizes are scaled with bilinear interpolation.
func DecodeImage(raw []byte) ([ImageSize * ImageSize]byte, error) {
	var out [ImageSize * ImageSize]byte
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return out, fmt.Errorf("decode image: %w", err)
	}
	bounds := img.Bounds()
	if bounds.Dx() == 0 || bounds.Dy() == 0 {
		return out, fmt.Errorf("decode image: empty image")
	}
	gray := image.NewGray(image.Rect(0, 0, ImageSize, ImageSize))
	if bounds.Dx() == ImageSize && bounds.Dy() == ImageSize {
		draw.Draw(gray, gray.Bounds(), img, bounds.Min, draw.Src)
	} else {
		draw.BiLinear.Scale(gray, gray.Bounds(), img, bounds, draw.Src, nil)
	}
	for y := 0; y < ImageSize; y++ {
		copy(out[y*ImageSize:(y+1)*ImageSize], gray.Pix[y*gray.Stride:y*gray.Stride+ImageSize])
	}
	return out, nil
}

// LoadImage reads and decodes a digit image file.
func LoadImage(path string) ([ImageSize * ImageSize]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return [ImageSize * ImageSize]byte{}, fmt.Errorf("read image: %w", err)
	}
	return DecodeImage(raw)
}

// EncodePNG writes the item's pixels as a grayscale PNG.
func EncodePNG(w io.Writer, it Item) error {
	img := image.NewGray(image.Rect(0, 0, ImageSize, ImageSize))
	for y := 0; y < ImageSize; y++ {
		for x := 0; x < ImageSize; x++ {
			img.SetGray(x, y, color.Gray{Y: it.At(y, x)})
		}
	}
	return png.Encode(w, img)
}
