/*
 *	Copyright 2025 The Focusnet Authors
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package classifier wraps a trained FocusCNN model for inference on face images, and
// smooths predictions over a stream of frames.
package classifier

import (
	"image"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/neurolearn/focusnet/pkg/fer"
	"github.com/neurolearn/focusnet/pkg/focusnet"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Prediction for one image.
type Prediction struct {
	// Class with the highest probability.
	Class fer.Focus

	// Confidence is the probability of Class.
	Confidence float32

	// Probabilities indexed by fer.Focus.
	Probabilities [fer.NumClasses]float32
}

// FocusedProb is the probability of the image being classified as focused.
func (p Prediction) FocusedProb() float32 { return p.Probabilities[fer.Focused] }

// DistractedProb is the probability of the image being classified as distracted.
func (p Prediction) DistractedProb() float32 { return p.Probabilities[fer.Distracted] }

// NewPrediction creates a Prediction from the class probabilities.
// Ties are resolved to the lowest class index (Focused).
func NewPrediction(probs [fer.NumClasses]float32) Prediction {
	p := Prediction{Probabilities: probs}
	for class, prob := range probs {
		if prob > p.Confidence || class == 0 {
			p.Class, p.Confidence = fer.Focus(class), prob
		}
	}
	return p
}

// Predictor is implemented by Classifier, and can be faked in tests.
type Predictor interface {
	Predict(img image.Image) (Prediction, error)
}

// Classifier holds a FocusCNN model compiled for inference.
// It will use XLA with GPU if available or CPU by default. But the backend can be configured with GOMLX_BACKEND.
//
// It is safe for concurrent use.
type Classifier struct {
	// backend is created with defaults, which uses GOMLX_BACKEND if it is set.
	backend backends.Backend

	// ctx with the model's weights.
	ctx *context.Context

	// exec is used to execute the model with a context.
	exec *context.Exec

	// metadata of the exported model, nil if loaded from a training checkpoint.
	metadata *focusnet.Metadata
	dir      string

	mu sync.Mutex
}

var _ Predictor = (*Classifier)(nil)

// New loads the model from an exported model directory (see focusnet.Export) or from a
// training checkpoint directory, and compiles it for inference.
func New(dir string) (*Classifier, error) {
	dir = data.ReplaceTildeInDir(dir)
	if !data.FileExists(dir) {
		return nil, errors.Errorf("model directory %q not found", dir)
	}
	c := &Classifier{
		backend: backends.MustNew(),
		ctx:     context.New(),
		dir:     dir,
	}

	// Notice all hyperparameters are read from the checkpoint as well, so it will build the same model.
	// We don't need to keep the checkpoint handler around, since we are not going to use it to save.
	_, err := checkpoints.Load(c.ctx).
		Dir(dir).
		Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed while loading focusnet model from %q", dir)
	}
	c.ctx = c.ctx.Reuse() // Mark it to reuse variables: it will be an error to create a new variable.
	if c.metadata, err = focusnet.LoadMetadata(dir); err != nil {
		return nil, err
	}

	// Create model executor: it returns the probabilities of each class.
	c.exec = context.NewExec(c.backend, c.ctx, func(ctx *context.Context, images *graph.Node) *graph.Node {
		logits := focusnet.ModelGraph(ctx, nil, []*graph.Node{images})[0]
		return graph.Softmax(logits, -1)
	})
	klog.V(1).Infof("Loaded focusnet model from %q (backend %s)", dir, c.backend.Name())
	return c, nil
}

// Dir from where the model was loaded.
func (c *Classifier) Dir() string { return c.dir }

// Metadata of the exported model, or nil if it was loaded from a training checkpoint.
func (c *Classifier) Metadata() *focusnet.Metadata { return c.metadata }

// Probabilities returns the probability of each class for the image. The image is converted to
// grayscale and resized to 48x48 if needed.
func (c *Classifier) Probabilities(img image.Image) ([fer.NumClasses]float32, error) {
	probs, err := c.probabilities(fer.Preprocess(img))
	if err != nil {
		return [fer.NumClasses]float32{}, err
	}
	return probs[0], nil
}

// Predict classifies the image.
func (c *Classifier) Predict(img image.Image) (Prediction, error) {
	probs, err := c.Probabilities(img)
	if err != nil {
		return Prediction{}, err
	}
	return NewPrediction(probs), nil
}

// PredictBatch classifies several images in one call to the model.
func (c *Classifier) PredictBatch(imgs []image.Image) ([]Prediction, error) {
	if len(imgs) == 0 {
		return nil, nil
	}
	images := make([][]float32, len(imgs))
	for i, img := range imgs {
		images[i] = fer.Preprocess(img)
	}
	probs, err := c.probabilities(images...)
	if err != nil {
		return nil, err
	}
	predictions := make([]Prediction, len(probs))
	for i, p := range probs {
		predictions[i] = NewPrediction(p)
	}
	return predictions, nil
}

func (c *Classifier) probabilities(images ...[]float32) ([][fer.NumClasses]float32, error) {
	input := fer.ImagesTensor(images...)
	var outputs []*tensors.Tensor
	c.mu.Lock()
	err := exceptions.TryCatch[error](func() { outputs = c.exec.Call(input) })
	c.mu.Unlock()
	if err != nil {
		return nil, errors.WithMessage(err, "failed to run focusnet model")
	}
	values := outputs[0].Value().([][]float32)
	probs := make([][fer.NumClasses]float32, len(values))
	for i, row := range values {
		copy(probs[i][:], row)
	}
	return probs, nil
}
