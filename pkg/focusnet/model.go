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

package focusnet

// This file implements the FocusCNN model: three convolution blocks followed by a small FNN readout.

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/neurolearn/focusnet/pkg/fer"
)

// Hyperparameters of the model, set in the context. See CreateDefaultContext for their defaults.
const (
	// ParamBaseChannels is the number of channels of the first convolution block, doubled at each block.
	ParamBaseChannels = "cnn_base_channels"

	// ParamNumBlocks is the number of convolution blocks. Each block halves the image size.
	ParamNumBlocks = "cnn_num_blocks"

	// ParamDenseUnits is the size of the hidden dense layer of the readout.
	ParamDenseUnits = "cnn_dense_units"

	// ParamBlockDropout is the rate of the spatial (whole channel) dropout at the end of each convolution block.
	ParamBlockDropout = "cnn_block_dropout"

	// ParamDenseDropout is the dropout rate before the final dense layer.
	ParamDenseDropout = "cnn_dense_dropout"

	// ParamNormalization is the normalization after each convolution and the hidden dense layer:
	// "batch" or "none".
	ParamNormalization = "cnn_normalization"
)

var _ train.ModelFn = ModelGraph

// ModelGraph builds the FocusCNN model.
// It returns the logits, not the probabilities, shaped `[batch_size, fer.NumClasses]`.
// inputs: only one tensor, with shape `[batch_size, 48, 48, 1]`.
func ModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	ctx = ctx.In("model") // Create the model by default under the "/model" scope.
	embeddings := CnnEmbeddings(ctx, inputs[0])

	g := embeddings.Graph()
	dtype := embeddings.DType()
	logits := layers.Dense(ctx.In("readout_hidden"), embeddings, true, context.GetParamOr(ctx, ParamDenseUnits, 256))
	logits = normalize(ctx.In("readout_norm"), logits)
	logits = activations.Relu(logits)
	if rate := context.GetParamOr(ctx, ParamDenseDropout, 0.5); rate > 0 {
		logits = layers.Dropout(ctx.In("readout_dropout"), logits, Scalar(g, dtype, rate))
	}
	logits = layers.Dense(ctx.In("readout"), logits, true, fer.NumClasses)
	return []*Node{logits}
}

// SupportsConvolution reports whether the backend can run the convolution blocks of the model.
// Some backends, like the pure Go one, may not implement convolutions.
func SupportsConvolution(backend backends.Backend) bool {
	err := exceptions.TryCatch[error](func() {
		exec := NewExec(backend, func(x *Node) *Node {
			return Convolve(x, OnesLike(x)).Done()
		})
		_ = exec.Call(tensors.FromValue([][][][]float32{{{{1}}}}))
	})
	return err == nil
}

// normalize x according to ParamNormalization.
func normalize(ctx *context.Context, x *Node) *Node {
	normalization := context.GetParamOr(ctx, ParamNormalization, "batch")
	switch normalization {
	case "batch":
		return batchnorm.New(ctx, x, -1).Done()
	case "none", "":
		return x
	default:
		exceptions.Panicf("invalid normalization %q, set it with parameter %q", normalization, ParamNormalization)
		panic(nil)
	}
}

// CnnEmbeddings applies the convolution blocks to the images and returns the flattened
// result, shaped `[batch_size, (48/2^num_blocks)^2 * channels]`.
// With zero blocks the images are flattened as they are.
func CnnEmbeddings(ctx *context.Context, images *Node) *Node {
	batchSize := images.Shape().Dimensions[0]
	numBlocks := context.GetParamOr(ctx, ParamNumBlocks, 3)
	channels := context.GetParamOr(ctx, ParamBaseChannels, 32)
	blockDropout := context.GetParamOr(ctx, ParamBlockDropout, 0.25)

	layerIdx := 0
	nextCtx := func(name string) *context.Context {
		newCtx := ctx.Inf("%03d_%s", layerIdx, name)
		layerIdx++
		return newCtx
	}

	x := images
	imgSize := x.Shape().Dimensions[1]
	for range numBlocks {
		for range 2 {
			x = layers.Convolution(nextCtx("conv"), x).Filters(channels).KernelSize(3).PadSame().Done()
			x = normalize(nextCtx("norm"), x)
			x = activations.Relu(x)
		}
		x = MaxPool(x).Window(2).Done()
		imgSize /= 2
		x.AssertDims(batchSize, imgSize, imgSize, channels)
		x = SpatialDropout(nextCtx("dropout"), x, blockDropout)
		channels *= 2
	}

	// Flatten images.
	return Reshape(x, batchSize, -1)
}

// SpatialDropout drops entire channels of an image shaped `[batch_size, height, width, channels]`,
// scaling the kept ones by 1/(1-rate). It is a no-op during inference or if rate <= 0.
func SpatialDropout(ctx *context.Context, x *Node, rate float64) *Node {
	g := x.Graph()
	if rate <= 0 || !ctx.IsTraining(g) {
		return x
	}
	x.AssertRank(4)
	dims := x.Shape().Dimensions
	maskShape := shapes.Make(x.DType(), dims[0], 1, 1, dims[3])
	keep := GreaterOrEqual(ctx.RandomUniform(g, maskShape), Scalar(g, x.DType(), rate))
	mask := MulScalar(ConvertDType(keep, x.DType()), 1.0/(1.0-rate))
	return Mul(x, mask)
}
