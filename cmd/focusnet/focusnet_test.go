// Copyright 2025 The Focusnet Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"flag"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/janpfeifer/must"
	"github.com/neurolearn/focusnet/pkg/fer"
	"github.com/neurolearn/focusnet/pkg/focusnet"
	"github.com/neurolearn/focusnet/pkg/focusnet/classifier"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePNG(filePath string) {
	img := image.NewGray(image.Rect(0, 0, fer.ImageSize, fer.ImageSize))
	f := must.M1(os.Create(filePath))
	must.M(png.Encode(f, img))
	must.M(f.Close())
}

func TestListFrames(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"frame_002.png", "frame_001.PNG", "frame_003.jpg", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.png"), 0755))

	frames, err := listFrames(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "frame_001.PNG"),
		filepath.Join(dir, "frame_002.png"),
		filepath.Join(dir, "frame_003.jpg"),
	}, frames)

	_, err = listFrames(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

type scriptedPredictor struct {
	classes []fer.Focus
	next    int
}

func (s *scriptedPredictor) Predict(image.Image) (classifier.Prediction, error) {
	class := s.classes[s.next%len(s.classes)]
	s.next++
	probs := [fer.NumClasses]float32{0.8, 0.2}
	if class == fer.Distracted {
		probs = [fer.NumClasses]float32{0.3, 0.7}
	}
	return classifier.NewPrediction(probs), nil
}

func TestWatchFrames(t *testing.T) {
	dir := t.TempDir()
	var frames []string
	for _, name := range []string{"a.png", "b.png", "c.png"} {
		framePath := filepath.Join(dir, name)
		writePNG(framePath)
		frames = append(frames, framePath)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.png"), []byte("not a png"), 0644))
	frames = append(frames, filepath.Join(dir, "broken.png"))

	predictor := &scriptedPredictor{classes: []fer.Focus{fer.Distracted, fer.Distracted, fer.Focused}}
	stream := classifier.NewStream(predictor, 1)
	var out bytes.Buffer
	require.NoError(t, watchFrames(stream, frames, 0, newPrinter(&out)))

	numFrames, counts := stream.Stats()
	assert.Equal(t, 3, numFrames, "broken frame is skipped")
	assert.Equal(t, [fer.NumClasses]int{1, 2}, counts)
	assert.Contains(t, out.String(), "Focus rate: 33.3%")
	assert.Contains(t, out.String(), "c.png")
}

func TestSetFlagParams(t *testing.T) {
	ctx := context.New()
	flags := flag.NewFlagSet("train", flag.ContinueOnError)
	flagFormat := flags.String("format", "", "")
	flagMaxPerClass := flags.Int("max_per_class", 0, "")
	flagPlots := flags.Bool("plots", true, "")
	require.NoError(t, flags.Parse([]string{"-format=csv", "-plots=false"}))

	paramsSet := setFlagParams(ctx, flags, map[string]any{
		"format":        *flagFormat,
		"max_per_class": *flagMaxPerClass,
		"plots":         *flagPlots,
	})
	assert.ElementsMatch(t, []string{focusnet.ParamDatasetFormat, focusnet.ParamPlots}, paramsSet)
	assert.Equal(t, "csv", context.GetParamOr(ctx, focusnet.ParamDatasetFormat, ""))
	assert.False(t, context.GetParamOr(ctx, focusnet.ParamPlots, true))
	_, found := ctx.GetParam(focusnet.ParamMaxPerClass)
	assert.False(t, found)
}
