// Copyright 2025 The Focusnet Authors. SPDX-License-Identifier: Apache-2.0

package fer

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math/rand"
	"os"
	"path"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmotionToFocus(t *testing.T) {
	want := map[Emotion]Focus{
		Angry: Distracted, Disgust: Distracted, Fear: Distracted, Sad: Distracted,
		Happy: Focused, Surprise: Focused, Neutral: Focused,
	}
	for _, e := range AllEmotions() {
		assert.Equal(t, want[e], e.Focus(), "emotion %s", e)
	}
	assert.Equal(t, "Focused", Focused.String())
	assert.Equal(t, "distracted", Distracted.Label())

	e, err := ParseEmotion(" Surprise")
	require.NoError(t, err)
	assert.Equal(t, Surprise, e)
	_, err = ParseEmotion("contempt")
	assert.Error(t, err)
}

func solidImage(width, height int, value uint8) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, width, height))
	for i := range img.Pix {
		img.Pix[i] = value
	}
	return img
}

func TestPreprocess(t *testing.T) {
	// Resized and scaled.
	values := Preprocess(solidImage(96, 64, 255))
	require.Len(t, values, ImageSize*ImageSize)
	for _, v := range values {
		assert.InDelta(t, 1.0, v, 1e-3)
	}

	// Colour images are converted to gray.
	rgba := image.NewRGBA(image.Rect(0, 0, ImageSize, ImageSize))
	for y := 0; y < ImageSize; y++ {
		for x := 0; x < ImageSize; x++ {
			rgba.Set(x, y, color.RGBA{R: 0, G: 0, B: 0, A: 255})
		}
	}
	values = Preprocess(rgba)
	assert.InDelta(t, 0.0, values[0], 1e-6)
}

func TestFlipHorizontal(t *testing.T) {
	values := make([]float32, ImageSize*ImageSize)
	for y := 0; y < ImageSize; y++ {
		values[y*ImageSize] = 1 // Left column.
	}
	flipped := FlipHorizontal(values)
	for y := 0; y < ImageSize; y++ {
		assert.Equal(t, float32(0), flipped[y*ImageSize])
		assert.Equal(t, float32(1), flipped[y*ImageSize+ImageSize-1])
	}
	assert.Equal(t, values, FlipHorizontal(flipped))
}

func encodePNG(t *testing.T, img image.Image) []byte {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestDecodeBase64Image(t *testing.T) {
	raw := encodePNG(t, solidImage(10, 10, 128))
	encoded := base64.StdEncoding.EncodeToString(raw)
	for _, s := range []string{encoded, "data:image/png;base64," + encoded} {
		img, err := DecodeBase64Image(s)
		require.NoError(t, err)
		assert.Equal(t, 10, img.Bounds().Dx())
	}

	_, err := DecodeBase64Image("not base64 !!")
	assert.Error(t, err)
	_, err = DecodeBase64Image(base64.StdEncoding.EncodeToString([]byte("not an image")))
	assert.Error(t, err)
	_, err = DecodeBase64Image("data:image/png;base64")
	assert.Error(t, err)
}

// writeFolder creates `dir/<emotion>/img_XX.png` with n images for each of the given emotions.
func writeFolder(t *testing.T, dir string, n int, emotions ...Emotion) {
	for _, e := range emotions {
		emotionDir := path.Join(dir, e.String())
		require.NoError(t, os.MkdirAll(emotionDir, 0755))
		for i := range n {
			raw := encodePNG(t, solidImage(ImageSize, ImageSize, uint8(10*i)))
			require.NoError(t, os.WriteFile(path.Join(emotionDir, fmt.Sprintf("img_%02d.png", i)), raw, 0644))
		}
	}
}

func TestLoadFolder(t *testing.T) {
	dir := t.TempDir()
	writeFolder(t, dir, 3, Angry, Happy, Neutral)
	// Files that are not images, or can't be decoded, are skipped.
	require.NoError(t, os.WriteFile(path.Join(dir, "happy", "notes.txt"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(path.Join(dir, "happy", "zz_broken.png"), []byte("x"), 0644))

	ex, err := LoadFolder(dir, 0)
	require.NoError(t, err)
	assert.Equal(t, 9, ex.Len())
	assert.Equal(t, [NumClasses]int{6, 3}, ex.ClassCounts())
	emotions := ex.EmotionCounts()
	assert.Equal(t, 3, emotions[Angry])
	assert.Equal(t, 0, emotions[Fear])

	ex, err = LoadFolder(dir, 2)
	require.NoError(t, err)
	assert.Equal(t, 6, ex.Len())

	_, err = LoadFolder(path.Join(dir, "missing"), 0)
	assert.Error(t, err)
	_, err = LoadFolder(t.TempDir(), 0)
	assert.Error(t, err, "empty directory should fail")
}

func TestLoadSplits(t *testing.T) {
	// Without a test directory: 80/20 split.
	dir := t.TempDir()
	writeFolder(t, path.Join(dir, TrainDir), 5, Fear, Happy)
	trainEx, testEx, err := LoadSplits(LoadConfig{DataDir: dir, Format: FormatFolders, Seed: 42})
	require.NoError(t, err)
	assert.Equal(t, 8, trainEx.Len())
	assert.Equal(t, 2, testEx.Len())

	// With a test directory.
	writeFolder(t, path.Join(dir, TestDir), 1, Sad)
	trainEx, testEx, err = LoadSplits(LoadConfig{DataDir: dir, Format: FormatFolders})
	require.NoError(t, err)
	assert.Equal(t, 10, trainEx.Len())
	assert.Equal(t, 1, testEx.Len())
	assert.Equal(t, Distracted, testEx.Labels[0])

	_, _, err = LoadSplits(LoadConfig{DataDir: dir, Format: "parquet"})
	assert.Error(t, err)
}

func csvRow(emotion int, value int, usage string) string {
	pixels := strings.TrimSpace(strings.Repeat(fmt.Sprintf("%d ", value), ImageSize*ImageSize))
	return fmt.Sprintf("%d,%s,%s\n", emotion, pixels, usage)
}

func TestLoadCSV(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("emotion,pixels,Usage\n")
	sb.WriteString(csvRow(0, 255, "Training"))
	sb.WriteString(csvRow(3, 0, "Training"))
	sb.WriteString(csvRow(3, 0, "Training"))
	sb.WriteString(csvRow(5, 51, "PublicTest"))
	sb.WriteString(csvRow(2, 51, "PrivateTest"))
	filePath := path.Join(t.TempDir(), CSVFileName)
	require.NoError(t, os.WriteFile(filePath, []byte(sb.String()), 0644))

	trainEx, testEx, err := LoadCSV(filePath, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, trainEx.Len())
	assert.Equal(t, 2, testEx.Len())
	assert.Equal(t, [NumClasses]int{2, 1}, trainEx.ClassCounts())
	assert.InDelta(t, 1.0, trainEx.Images[0][0], 1e-6)
	assert.InDelta(t, 0.2, testEx.Images[0][100], 1e-6)

	trainEx, _, err = LoadCSV(filePath, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, trainEx.Len(), "at most one image per emotion")
}

func TestParsePixels(t *testing.T) {
	_, err := ParsePixels("1 2 3")
	assert.Error(t, err)
	_, err = ParsePixels(strings.Repeat("300 ", ImageSize*ImageSize))
	assert.Error(t, err)
}

func syntheticExamples(n int) *Examples {
	ex := &Examples{}
	for i := range n {
		image := make([]float32, ImageSize*ImageSize)
		image[0] = float32(i)
		ex.Append(image, Emotion(i%NumEmotions))
	}
	return ex
}

func TestDataset(t *testing.T) {
	ex := syntheticExamples(10)
	ds, err := NewDataset("test", ex, 4)
	require.NoError(t, err)

	var sizes []int
	var seen []float32
	for {
		spec, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		assert.Nil(t, spec)
		batchSize := inputs[0].Shape().Dimensions[0]
		sizes = append(sizes, batchSize)
		assert.Equal(t, []int{batchSize, ImageSize, ImageSize, 1}, inputs[0].Shape().Dimensions)
		assert.Equal(t, []int{batchSize, 1}, labels[0].Shape().Dimensions)

		images := inputs[0].Value().([][][][]float32)
		labelValues := labels[0].Value().([][]int32)
		for i := range batchSize {
			idx := int(images[i][0][0][0])
			seen = append(seen, images[i][0][0][0])
			assert.Equal(t, int32(ex.Labels[idx]), labelValues[i][0])
		}
	}
	assert.Equal(t, []int{4, 4, 2}, sizes)
	assert.Equal(t, []float32{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, seen, "without shuffle the order is kept")

	// EOF until reset.
	_, _, _, err = ds.Yield()
	assert.Equal(t, io.EOF, err)
	ds.Reset()
	_, _, _, err = ds.Yield()
	assert.NoError(t, err)

	// Drop incomplete batches.
	ds, err = NewDataset("test", ex, 4)
	require.NoError(t, err)
	ds.DropIncompleteBatch(true)
	count := 0
	for {
		if _, _, _, err = ds.Yield(); err != nil {
			break
		}
		count++
	}
	assert.Equal(t, 2, count)

	_, err = NewDataset("empty", &Examples{}, 4)
	assert.Error(t, err)
}

func TestDatasetShuffleAndAugment(t *testing.T) {
	ex := &Examples{}
	left := make([]float32, ImageSize*ImageSize)
	left[0] = 1
	for range 200 {
		ex.Append(left, Happy)
	}
	ds, err := NewDataset("augmented", ex, 200)
	require.NoError(t, err)
	ds.Shuffle(rand.New(rand.NewSource(1))).Augment(rand.New(rand.NewSource(2)), 0.5)

	_, inputs, _, err := ds.Yield()
	require.NoError(t, err)
	images := inputs[0].Value().([][][][]float32)
	var flipped int
	for _, img := range images {
		if img[0][ImageSize-1][0] == 1 {
			flipped++
		} else {
			assert.Equal(t, float32(1), img[0][0][0])
		}
	}
	assert.Greater(t, flipped, 50)
	assert.Less(t, flipped, 150)
	assert.Equal(t, float32(1), left[0], "source examples must not be modified")
}

func TestExamplesSplitAndShuffle(t *testing.T) {
	ex := syntheticExamples(10)
	ex.Shuffle(rand.New(rand.NewSource(3)))
	for i := range ex.Len() {
		assert.Equal(t, Emotion(int(ex.Images[i][0])%NumEmotions), ex.Emotions[i], "labels must follow images")
		assert.Equal(t, ex.Emotions[i].Focus(), ex.Labels[i])
	}
	first, second := ex.Split(0.8)
	assert.Equal(t, 8, first.Len())
	assert.Equal(t, 2, second.Len())
}

func TestImagesTensor(t *testing.T) {
	tensor := ImagesTensor(make([]float32, ImageSize*ImageSize), make([]float32, ImageSize*ImageSize))
	assert.Equal(t, []int{2, ImageSize, ImageSize, 1}, tensor.Shape().Dimensions)
}
