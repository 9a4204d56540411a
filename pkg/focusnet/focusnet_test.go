// Copyright 2025 The Focusnet Authors. SPDX-License-Identifier: Apache-2.0

package focusnet

import (
	"os"
	"path"
	"strings"
	"testing"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/neurolearn/focusnet/pkg/fer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModelGraph(t *testing.T) {
	backend := backends.MustNew()
	if !SupportsConvolution(backend) {
		t.Skipf("backend %q does not support convolutions", backend.Name())
	}
	ctx := CreateDefaultContext()
	exec := context.NewExec(backend, ctx, func(ctx *context.Context, images *Node) *Node {
		return ModelGraph(ctx, nil, []*Node{images})[0]
	})
	images := make([]float32, fer.ImageSize*fer.ImageSize)
	logits := exec.Call(fer.ImagesTensor(images, images, images))[0]
	assert.Equal(t, []int{3, fer.NumClasses}, logits.Shape().Dimensions)

	// 3 blocks of 2 convolutions (with bias) and batch normalization, a 256 units hidden layer and
	// the 2 units readout: ~1.47M parameters.
	numParams := countParameters(ctx)
	assert.Greater(t, numParams, 1_400_000)
	assert.Less(t, numParams, 1_500_000)
}

func TestModelGraphWithoutConvolutions(t *testing.T) {
	backend := backends.MustNew()
	ctx := CreateDefaultContext()
	ctx.SetParams(map[string]any{ParamNumBlocks: 0, ParamNormalization: "none", ParamDenseUnits: 8})
	exec := context.NewExec(backend, ctx, func(ctx *context.Context, images *Node) *Node {
		return Softmax(ModelGraph(ctx, nil, []*Node{images})[0], -1)
	})
	black := make([]float32, fer.ImageSize*fer.ImageSize)
	white := make([]float32, fer.ImageSize*fer.ImageSize)
	for i := range white {
		white[i] = 1
	}
	probs := exec.Call(fer.ImagesTensor(black, white))[0]
	require.Equal(t, []int{2, fer.NumClasses}, probs.Shape().Dimensions)
	for _, row := range probs.Value().([][]float32) {
		assert.InDelta(t, 1.0, row[0]+row[1], 1e-5)
	}

	// Hidden layer (48*48*8 weights + 8 biases) and readout (8*2 weights + 2 biases).
	assert.Equal(t, fer.ImageSize*fer.ImageSize*8+8+8*fer.NumClasses+fer.NumClasses, countParameters(ctx))

	ctx = CreateDefaultContext()
	ctx.SetParams(map[string]any{ParamNumBlocks: 0, ParamNormalization: "group"})
	exec = context.NewExec(backend, ctx, func(ctx *context.Context, images *Node) *Node {
		return ModelGraph(ctx, nil, []*Node{images})[0]
	})
	assert.Panics(t, func() { _ = exec.Call(fer.ImagesTensor(black)) })
}

func TestPlateauScheduler(t *testing.T) {
	s := NewPlateauScheduler(0.5, 3)
	lr := 1e-3
	lr = s.Step(0.5, lr) // Best.
	assert.Equal(t, 1e-3, lr)
	for range 3 {
		lr = s.Step(0.5, lr) // No improvement, but within patience.
		assert.Equal(t, 1e-3, lr)
	}
	lr = s.Step(0.49, lr)
	assert.InDelta(t, 5e-4, lr, 1e-12)
	assert.Equal(t, 1, s.NumReductions())

	// Improvement resets the count.
	lr = s.Step(0.6, lr)
	assert.InDelta(t, 5e-4, lr, 1e-12)
	for range 3 {
		lr = s.Step(0.6, lr)
	}
	assert.InDelta(t, 5e-4, lr, 1e-12)
	lr = s.Step(0.6, lr)
	assert.InDelta(t, 2.5e-4, lr, 1e-12)

	// Minimum learning rate.
	s = NewPlateauScheduler(0.1, 0)
	s.MinLR = 1e-4
	lr = s.Step(0.9, 1e-3)
	lr = s.Step(0.8, lr)
	assert.InDelta(t, 1e-4, lr, 1e-12)
	lr = s.Step(0.8, lr)
	assert.InDelta(t, 1e-4, lr, 1e-12)
	assert.Equal(t, 1, s.NumReductions())
}

func TestPlateauSchedulerRestore(t *testing.T) {
	s := NewPlateauScheduler(0.5, 2)
	s.Step(0.6, 1e-3)
	s.Step(0.5, 1e-3)
	best, badEpochs := s.State()
	assert.Equal(t, 0.6, best)
	assert.Equal(t, 1, badEpochs)

	resumed := NewPlateauScheduler(0.5, 2)
	resumed.Restore(best, badEpochs)
	lr := resumed.Step(0.55, 1e-3)
	assert.Equal(t, 1e-3, lr)
	lr = resumed.Step(0.55, lr)
	assert.InDelta(t, 5e-4, lr, 1e-12, "bad epochs before the restore count towards the patience")
}

func TestEarlyStopping(t *testing.T) {
	es := NewEarlyStopping(2, 0, 0)
	improved, stop := es.Update(1, 0.6)
	assert.True(t, improved)
	assert.False(t, stop)
	improved, stop = es.Update(2, 0.6) // Equal is not an improvement.
	assert.False(t, improved)
	assert.False(t, stop)
	improved, stop = es.Update(3, 0.7)
	assert.True(t, improved)
	assert.False(t, stop)
	_, stop = es.Update(4, 0.5)
	assert.False(t, stop)
	_, stop = es.Update(5, 0.5)
	assert.True(t, stop)
	best, epoch := es.Best()
	assert.Equal(t, 0.7, best)
	assert.Equal(t, 3, epoch)

	// Resumed.
	es = NewEarlyStopping(5, 0.8, 7)
	improved, _ = es.Update(8, 0.75)
	assert.False(t, improved)
}

func sampleHistory() *History {
	h := &History{}
	h.Add(EpochResult{Epoch: 1, TrainLoss: 0.7, TrainAcc: 0.55, TestLoss: 0.68, TestAcc: 0.58, LearningRate: 1e-3, Improved: true})
	h.Add(EpochResult{Epoch: 2, TrainLoss: 0.6, TrainAcc: 0.65, TestLoss: 0.62, TestAcc: 0.66, LearningRate: 1e-3, Improved: true})
	h.Add(EpochResult{Epoch: 3, TrainLoss: 0.5, TrainAcc: 0.72, TestLoss: 0.63, TestAcc: 0.64, LearningRate: 5e-4})
	return h
}

func TestHistory(t *testing.T) {
	h := sampleHistory()
	best, found := h.Best()
	require.True(t, found)
	assert.Equal(t, 2, best.Epoch)

	table := h.Table()
	assert.Contains(t, table, "Test Acc")
	assert.Contains(t, table, "66.00%")

	dir := t.TempDir()
	require.NoError(t, h.Save(dir))
	loaded, err := LoadHistory(dir)
	require.NoError(t, err)
	assert.Equal(t, h, loaded)

	resumed, err := LoadHistory(dir)
	require.NoError(t, err)
	resumed.Truncate(2)
	require.Len(t, resumed.Epochs, 2)
	assert.Equal(t, 2, resumed.Epochs[1].Epoch)

	empty, err := LoadHistory(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, empty.Epochs)

	plotPath := path.Join(dir, HistoryPlotFile)
	require.NoError(t, h.Plot(plotPath))
	info, err := os.Stat(plotPath)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
	assert.Error(t, (&History{}).Plot(plotPath))
}

func TestConfusionMatrix(t *testing.T) {
	cm := &ConfusionMatrix{}
	for range 8 {
		cm.Add(fer.Focused, fer.Focused)
	}
	for range 2 {
		cm.Add(fer.Focused, fer.Distracted)
	}
	for range 6 {
		cm.Add(fer.Distracted, fer.Distracted)
	}
	for range 4 {
		cm.Add(fer.Distracted, fer.Focused)
	}
	assert.Equal(t, 20, cm.Total())
	assert.InDelta(t, 0.7, cm.Accuracy(), 1e-9)
	assert.InDelta(t, 8.0/12.0, cm.Precision(fer.Focused), 1e-9)
	assert.InDelta(t, 0.8, cm.Recall(fer.Focused), 1e-9)
	assert.InDelta(t, 0.6, cm.Recall(fer.Distracted), 1e-9)
	assert.InDelta(t, 0.75, cm.Precision(fer.Distracted), 1e-9)
	report := cm.Report()
	assert.True(t, strings.HasPrefix(report, "Accuracy: 70.00%"))
	assert.Contains(t, report, "Distracted")

	empty := &ConfusionMatrix{}
	assert.Equal(t, 0.0, empty.Accuracy())
	assert.Equal(t, 0.0, empty.F1(fer.Focused))
}

func TestMetadata(t *testing.T) {
	dir := t.TempDir()
	m, err := LoadMetadata(dir)
	require.NoError(t, err)
	assert.Nil(t, m)

	ctx := CreateDefaultContext()
	ctx.SetParams(map[string]any{ParamBestEpoch: 4, ParamBestTestAcc: 0.71})
	m = NewMetadata(ctx)
	assert.Equal(t, []string{"Focused", "Distracted"}, m.Classes)
	assert.Equal(t, []int{1, 48, 48, 1}, m.InputShape)
	require.NoError(t, m.Save(dir))

	loaded, err := LoadMetadata(dir)
	require.NoError(t, err)
	assert.Equal(t, 4, loaded.BestEpoch)
	assert.Equal(t, 0.71, loaded.TestAccuracy)
	assert.Equal(t, m.ID, loaded.ID)
}

func TestPrepareOutputDir(t *testing.T) {
	dir := path.Join(t.TempDir(), "export")
	require.NoError(t, prepareOutputDir(dir, false))
	require.NoError(t, os.WriteFile(path.Join(dir, "file"), []byte("x"), 0644))
	assert.Error(t, prepareOutputDir(dir, false))
	require.NoError(t, prepareOutputDir(dir, true))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = Export(dir, dir, true)
	assert.Error(t, err)
}

func saveCheckpoint(t *testing.T, dir string, ctx *context.Context) {
	handler, err := checkpoints.Build(ctx).Dir(dir).Done()
	require.NoError(t, err)
	require.NoError(t, handler.Save())
}

func TestExportInvalidCheckpoint(t *testing.T) {
	// Model variables, but a training state that doesn't match its type.
	checkpointDir := path.Join(t.TempDir(), "checkpoint")
	ctx := context.New()
	ctx.SetParam(ParamBestEpoch, "four")
	ctx.In("model").VariableWithValue("weights", []float32{1, 2})
	saveCheckpoint(t, checkpointDir, ctx)
	var err error
	require.NotPanics(t, func() { _, err = Export(checkpointDir, path.Join(t.TempDir(), "model"), false) })
	assert.Error(t, err)

	// No model variables.
	checkpointDir = path.Join(t.TempDir(), "checkpoint")
	ctx = context.New()
	ctx.SetParam(ParamBestEpoch, 4)
	ctx.In("optimizer").VariableWithValue("step", int64(10))
	saveCheckpoint(t, checkpointDir, ctx)
	_, err = Export(checkpointDir, path.Join(t.TempDir(), "model"), false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no model variables")
}
