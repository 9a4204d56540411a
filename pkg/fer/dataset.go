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

package fer

import (
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

// Dataset implements train.Dataset over in-memory Examples.
//
// It yields:
//
//   - inputs: one tensor with the images, shaped `[batch_size, 48, 48, 1]` (float32).
//   - labels: one tensor with the Focus labels, shaped `[batch_size, 1]` (int32).
//
// Yield is safe for concurrent use, so the dataset can be wrapped with data.CustomParallel.
type Dataset struct {
	name     string
	examples *Examples

	batchSize       int
	shuffle         *rand.Rand
	flipProbability float64
	augmentationRNG *rand.Rand
	dropIncomplete  bool
	infinite        bool

	mu       sync.Mutex
	order    []int
	position int
}

var _ train.Dataset = (*Dataset)(nil)

// NewDataset creates a Dataset that yields batches of batchSize examples, in order.
// Use Shuffle, Augment, DropIncompleteBatch and Infinite to configure it further.
func NewDataset(name string, examples *Examples, batchSize int) (*Dataset, error) {
	if examples.Len() == 0 {
		return nil, errors.Errorf("dataset %q has no examples", name)
	}
	if batchSize <= 0 {
		return nil, errors.Errorf("dataset %q: invalid batch size %d", name, batchSize)
	}
	ds := &Dataset{
		name:      name,
		examples:  examples,
		batchSize: batchSize,
	}
	ds.resetOrder()
	return ds, nil
}

// Shuffle the examples at every epoch, using rng.
func (ds *Dataset) Shuffle(rng *rand.Rand) *Dataset {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.shuffle = rng
	ds.resetOrder()
	return ds
}

// Augment enables random horizontal flips with the given probability (0.5 for training).
func (ds *Dataset) Augment(rng *rand.Rand, flipProbability float64) *Dataset {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.augmentationRNG = rng
	ds.flipProbability = flipProbability
	return ds
}

// DropIncompleteBatch makes the dataset skip the last batch of an epoch if it has fewer than batchSize examples.
// The default is to yield it.
func (ds *Dataset) DropIncompleteBatch(drop bool) *Dataset {
	ds.dropIncomplete = drop
	return ds
}

// Infinite makes the dataset loop forever, never returning io.EOF.
func (ds *Dataset) Infinite(infinite bool) *Dataset {
	ds.infinite = infinite
	return ds
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// NumExamples in the dataset.
func (ds *Dataset) NumExamples() int { return ds.examples.Len() }

// BatchSize used when yielding.
func (ds *Dataset) BatchSize() int { return ds.batchSize }

// Reset implements train.Dataset. It restarts the epoch, with a new shuffle if configured.
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.resetOrder()
}

func (ds *Dataset) resetOrder() {
	n := ds.examples.Len()
	if ds.shuffle != nil {
		ds.order = ds.shuffle.Perm(n)
	} else {
		ds.order = make([]int, 0, n)
		for i := range n {
			ds.order = append(ds.order, i)
		}
	}
	ds.position = 0
}

// Yield implements train.Dataset. It always returns a nil spec value.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	n := len(ds.order)
	remaining := n - ds.position
	if remaining <= 0 || (ds.dropIncomplete && remaining < ds.batchSize) {
		if !ds.infinite {
			return nil, nil, nil, io.EOF
		}
		ds.resetOrder()
		remaining = n
	}
	batchSize := min(ds.batchSize, remaining)
	indices := ds.order[ds.position : ds.position+batchSize]
	ds.position += batchSize

	imageSize := ImageSize * ImageSize
	flat := make([]float32, batchSize*imageSize)
	flatLabels := make([]int32, batchSize)
	for i, idx := range indices {
		image := ds.examples.Images[idx]
		if ds.augmentationRNG != nil && ds.augmentationRNG.Float64() < ds.flipProbability {
			image = FlipHorizontal(image)
		}
		copy(flat[i*imageSize:(i+1)*imageSize], image)
		flatLabels[i] = int32(ds.examples.Labels[idx])
	}
	inputs = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(flat, batchSize, ImageSize, ImageSize, 1)}
	labels = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(flatLabels, batchSize, 1)}
	return nil, inputs, labels, nil
}

// ImagesTensor converts preprocessed images to a batch tensor shaped `[len(images), 48, 48, 1]`.
func ImagesTensor(images ...[]float32) *tensors.Tensor {
	imageSize := ImageSize * ImageSize
	flat := make([]float32, len(images)*imageSize)
	for i, image := range images {
		copy(flat[i*imageSize:(i+1)*imageSize], image)
	}
	return tensors.FromFlatDataAndDimensions(flat, len(images), ImageSize, ImageSize, 1)
}

// DatasetsConfig configures CreateDatasets.
type DatasetsConfig struct {
	// BatchSize for training and EvalBatchSize for evaluation.
	BatchSize, EvalBatchSize int

	// FlipProbability of the random horizontal flip augmentation of the training dataset.
	FlipProbability float64

	// Seed for shuffling and augmentation. 0 means a time based seed.
	Seed int64

	// UseParallelism wraps the training dataset with data.CustomParallel.
	UseParallelism bool

	// BufferSize of the parallel dataset.
	BufferSize int
}

// CreateDatasets returns the datasets used during training:
//
//   - trainDS: shuffled and augmented, one pass per epoch.
//   - trainEvalDS: the same training examples, in order and without augmentation, used to evaluate.
//   - testEvalDS: the test examples, in order.
func CreateDatasets(trainEx, testEx *Examples, config DatasetsConfig) (trainDS, trainEvalDS, testEvalDS train.Dataset, err error) {
	seed := config.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))
	augmentRNG := rand.New(rand.NewSource(seed + 1))

	ds, err := NewDataset("train", trainEx, config.BatchSize)
	if err != nil {
		return
	}
	ds.Shuffle(rng)
	if config.FlipProbability > 0 {
		ds.Augment(augmentRNG, config.FlipProbability)
	}
	trainDS = ds
	if config.UseParallelism {
		trainDS = data.CustomParallel(ds).Buffer(config.BufferSize).Start()
	}

	evalBatchSize := config.EvalBatchSize
	if evalBatchSize <= 0 {
		evalBatchSize = config.BatchSize
	}
	if trainEvalDS, err = NewDataset("train-eval", trainEx, evalBatchSize); err != nil {
		return
	}
	if testEvalDS, err = NewDataset("test-eval", testEx, evalBatchSize); err != nil {
		return
	}
	return
}

// Select returns the items at the given indices.
func Select[T any, I constraints.Integer](items []T, idx []I) []T {
	selected := make([]T, 0, len(idx))
	for _, i := range idx {
		selected = append(selected, items[i])
	}
	return selected
}
