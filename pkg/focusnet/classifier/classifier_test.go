// Copyright 2025 The Focusnet Authors. SPDX-License-Identifier: Apache-2.0

package classifier

import (
	"image"
	"path"
	"testing"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/neurolearn/focusnet/pkg/fer"
	"github.com/neurolearn/focusnet/pkg/focusnet"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSmoother(t *testing.T) {
	s := NewSmoother(4)
	assert.Equal(t, fer.Focused, s.Current())
	assert.Equal(t, fer.Distracted, s.Add(fer.Distracted))
	assert.Equal(t, fer.Focused, s.Add(fer.Focused), "ties go to focused")
	assert.Equal(t, fer.Distracted, s.Add(fer.Distracted))
	assert.Equal(t, fer.Distracted, s.Add(fer.Distracted))
	assert.Equal(t, 4, s.Len())

	// Window is full: the first distracted is dropped, leaving a tie.
	assert.Equal(t, fer.Focused, s.Add(fer.Focused))
}

func TestSmootherWindow(t *testing.T) {
	s := NewSmoother(0)
	assert.Equal(t, DefaultWindow, len(s.window))
	for range DefaultWindow {
		s.Add(fer.Distracted)
	}
	// It takes 5 focused frames to flip a full window of distracted (5/10 is a tie).
	for i := range 4 {
		assert.Equal(t, fer.Distracted, s.Add(fer.Focused), "frame %d", i)
	}
	assert.Equal(t, fer.Focused, s.Add(fer.Focused))
	s.Reset()
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, fer.Focused, s.Current())
}

func TestNewPrediction(t *testing.T) {
	p := NewPrediction([fer.NumClasses]float32{0.3, 0.7})
	assert.Equal(t, fer.Distracted, p.Class)
	assert.Equal(t, float32(0.7), p.Confidence)
	assert.Equal(t, float32(0.3), p.FocusedProb())
	assert.Equal(t, float32(0.7), p.DistractedProb())

	p = NewPrediction([fer.NumClasses]float32{0.5, 0.5})
	assert.Equal(t, fer.Focused, p.Class)
}

type fakePredictor struct {
	classes []fer.Focus
	next    int
}

func (f *fakePredictor) Predict(image.Image) (Prediction, error) {
	if f.next >= len(f.classes) {
		return Prediction{}, errors.New("no more frames")
	}
	class := f.classes[f.next]
	f.next++
	probs := [fer.NumClasses]float32{0.9, 0.1}
	if class == fer.Distracted {
		probs = [fer.NumClasses]float32{0.2, 0.8}
	}
	return NewPrediction(probs), nil
}

func TestStream(t *testing.T) {
	F, D := fer.Focused, fer.Distracted
	predictor := &fakePredictor{classes: []fer.Focus{F, F, D, D, D, F}}
	stream := NewStream(predictor, 3)
	img := image.NewGray(image.Rect(0, 0, 48, 48))

	var smoothed []fer.Focus
	var changed []bool
	for range 6 {
		obs, err := stream.Observe(img)
		require.NoError(t, err)
		smoothed = append(smoothed, obs.Smoothed)
		changed = append(changed, obs.Changed)
	}
	assert.Equal(t, []fer.Focus{F, F, F, D, D, D}, smoothed)
	assert.Equal(t, []bool{false, false, false, true, false, false}, changed)

	frames, counts := stream.Stats()
	assert.Equal(t, 6, frames)
	assert.Equal(t, [fer.NumClasses]int{3, 3}, counts)
	assert.InDelta(t, 0.5, stream.FocusRate(), 1e-9)

	_, err := stream.Observe(img)
	assert.Error(t, err)
	assert.Equal(t, 0.0, NewStream(predictor, 3).FocusRate())
}

func TestNewMissingDir(t *testing.T) {
	_, err := New(path.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

// exportTestModel builds an untrained model with the given hyperparameters, saves it to a checkpoint
// and exports it. It returns the export directory and its metadata.
func exportTestModel(t *testing.T, backend backends.Backend, params map[string]any) (string, *focusnet.Metadata) {
	checkpointDir := path.Join(t.TempDir(), "checkpoint")
	exportDir := path.Join(t.TempDir(), "model")

	ctx := focusnet.CreateDefaultContext()
	ctx.SetParams(params)
	checkpoint, err := checkpoints.Build(ctx).Dir(checkpointDir).Done()
	require.NoError(t, err)
	exec := context.NewExec(backend, ctx, func(ctx *context.Context, images *Node) *Node {
		return focusnet.ModelGraph(ctx, nil, []*Node{images})[0]
	})
	_ = exec.Call(fer.ImagesTensor(make([]float32, fer.ImageSize*fer.ImageSize)))
	require.NoError(t, checkpoint.Save())

	metadata, err := focusnet.Export(checkpointDir, exportDir, false)
	require.NoError(t, err)
	assert.Greater(t, metadata.NumParameters, 0)
	return exportDir, metadata
}

func checkClassifier(t *testing.T, exportDir string, metadata *focusnet.Metadata) {
	c, err := New(exportDir)
	require.NoError(t, err)
	require.NotNil(t, c.Metadata())
	assert.Equal(t, metadata.ID, c.Metadata().ID)

	img := image.NewGray(image.Rect(0, 0, 64, 64))
	probs, err := c.Probabilities(img)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, probs[fer.Focused]+probs[fer.Distracted], 1e-4)

	p, err := c.Predict(img)
	require.NoError(t, err)
	assert.Equal(t, probs, p.Probabilities)
	assert.GreaterOrEqual(t, p.Confidence, float32(0.5))

	batch, err := c.PredictBatch([]image.Image{img, img})
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.InDelta(t, p.Confidence, batch[0].Confidence, 1e-4)
}

func TestExportAndClassify(t *testing.T) {
	backend := backends.MustNew()
	if !focusnet.SupportsConvolution(backend) {
		t.Skipf("backend %q does not support convolutions", backend.Name())
	}
	exportDir, metadata := exportTestModel(t, backend,
		map[string]any{focusnet.ParamBaseChannels: 4, focusnet.ParamDenseUnits: 8})
	checkClassifier(t, exportDir, metadata)
}

// TestExportAndClassifyDense uses a model without convolution blocks, which runs on any backend.
func TestExportAndClassifyDense(t *testing.T) {
	exportDir, metadata := exportTestModel(t, backends.MustNew(), map[string]any{
		focusnet.ParamNumBlocks:     0,
		focusnet.ParamNormalization: "none",
		focusnet.ParamDenseUnits:    8,
	})
	assert.Equal(t, fer.ImageSize*fer.ImageSize*8+8+8*fer.NumClasses+fer.NumClasses, metadata.NumParameters)
	checkClassifier(t, exportDir, metadata)
}
