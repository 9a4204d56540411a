// Copyright 2025 The Focusnet Authors. SPDX-License-Identifier: Apache-2.0

package fer

import (
	"bytes"
	"encoding/base64"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// ToGray converts the image to grayscale and resizes it to ImageSize x ImageSize, using the Lanczos filter.
// The aspect ratio is not preserved: face crops are expected to be roughly square.
func ToGray(img image.Image) *image.Gray {
	gray := imaging.Grayscale(img) // *image.NRGBA with R=G=B.
	b := gray.Bounds()
	if b.Dx() != ImageSize || b.Dy() != ImageSize {
		gray = imaging.Resize(gray, ImageSize, ImageSize, imaging.Lanczos)
	}
	out := image.NewGray(image.Rect(0, 0, ImageSize, ImageSize))
	for y := 0; y < ImageSize; y++ {
		row := gray.Pix[y*gray.Stride : y*gray.Stride+4*ImageSize]
		for x := 0; x < ImageSize; x++ {
			out.Pix[y*out.Stride+x] = row[4*x]
		}
	}
	return out
}

// Preprocess converts any image to the model input: ImageSize*ImageSize grayscale values scaled to [0, 1].
func Preprocess(img image.Image) []float32 {
	return GrayToFloats(ToGray(img))
}

// GrayToFloats scales a ImageSize x ImageSize gray image to [0, 1].
func GrayToFloats(gray *image.Gray) []float32 {
	values := make([]float32, ImageSize*ImageSize)
	for y := 0; y < ImageSize; y++ {
		for x := 0; x < ImageSize; x++ {
			values[y*ImageSize+x] = float32(gray.Pix[y*gray.Stride+x]) / 255.0
		}
	}
	return values
}

// FlipHorizontal returns a mirrored copy of a preprocessed image.
func FlipHorizontal(values []float32) []float32 {
	flipped := make([]float32, len(values))
	for y := 0; y < ImageSize; y++ {
		row := values[y*ImageSize : (y+1)*ImageSize]
		out := flipped[y*ImageSize : (y+1)*ImageSize]
		for x := range row {
			out[ImageSize-1-x] = row[x]
		}
	}
	return flipped
}

// DecodeBase64Image decodes a base64 encoded JPEG, PNG or GIF image.
// An optional data URL prefix ("data:image/jpeg;base64,") is stripped.
func DecodeBase64Image(encoded string) (image.Image, error) {
	encoded = strings.TrimSpace(encoded)
	if strings.HasPrefix(encoded, "data:") {
		comma := strings.IndexByte(encoded, ',')
		if comma < 0 {
			return nil, errors.New("malformed data URL: missing ','")
		}
		encoded = encoded[comma+1:]
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		// Some clients drop the padding.
		var rawErr error
		raw, rawErr = base64.RawStdEncoding.DecodeString(strings.TrimRight(encoded, "="))
		if rawErr != nil {
			return nil, errors.Wrap(err, "invalid base64 image")
		}
	}
	return DecodeImage(raw)
}

// DecodeImage decodes JPEG, PNG or GIF bytes.
func DecodeImage(raw []byte) (image.Image, error) {
	if len(raw) == 0 {
		return nil, errors.New("empty image")
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode image")
	}
	return img, nil
}
