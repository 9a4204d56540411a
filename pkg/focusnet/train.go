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

// Package focusnet defines the FocusCNN model, which classifies 48x48 grayscale face crops as focused
// or distracted, and its training loop.
package focusnet

import (
	"fmt"
	"path"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/gomlx/gomlx/ml/train/metrics"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/neurolearn/focusnet/pkg/fer"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Training hyperparameters set in the context, see CreateDefaultContext.
const (
	ParamNumEpochs       = "num_epochs"
	ParamPatience        = "patience"
	ParamBatchSize       = "batch_size"
	ParamEvalBatchSize   = "eval_batch_size"
	ParamNumCheckpoints  = "num_checkpoints"
	ParamWeightDecay     = "weight_decay"
	ParamFlipProbability = "flip_probability"
	ParamSeed            = "seed"
	ParamMaxPerClass     = "max_per_class"
	ParamDatasetFormat   = "dataset_format"
	ParamParallelism     = "use_parallelism"
	ParamPlots           = "plots"

	// ParamPlateauFactor and ParamPlateauPatience configure the reduction of the learning rate
	// when the test accuracy stops improving.
	ParamPlateauFactor   = "lr_plateau_factor"
	ParamPlateauPatience = "lr_plateau_patience"
	ParamPlateauMinLR    = "lr_plateau_min"
)

// Training state saved along with the checkpoint.
//
// The checkpoint only holds the best model, so ParamEpochsCompleted is always the best epoch:
// a resumed run continues from the best model, and the epochs after it are trained again.
const (
	ParamEpochsCompleted   = "epochs_completed"
	ParamBestEpoch         = "best_epoch"
	ParamBestTestAcc       = "best_test_accuracy"
	ParamPlateauBest       = "lr_plateau_best"
	ParamPlateauBadEpochs  = "lr_plateau_bad_epochs"
	ParamPlateauReductions = "lr_plateau_reductions"
)

// excludeParams are not saved in the checkpoint: they can be changed when resuming training.
var excludeParams = []string{
	ParamNumEpochs, ParamPatience, ParamNumCheckpoints, ParamMaxPerClass, ParamDatasetFormat,
	ParamParallelism, ParamPlots, ParamEvalBatchSize,
}

// CreateDefaultContext sets the context with default hyperparameters to use with TrainModel.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.RngStateReset()
	ctx.SetParams(map[string]any{
		ParamNumEpochs:      25,
		ParamPatience:       5,
		ParamNumCheckpoints: 3,

		// batch_size for training.
		ParamBatchSize: 64,

		// eval_batch_size can be larger than training, it's more efficient.
		ParamEvalBatchSize: 256,

		// Dataset.
		ParamDatasetFormat:   string(fer.FormatFolders),
		ParamMaxPerClass:     0,
		ParamFlipProbability: 0.5,
		ParamSeed:            0,
		ParamParallelism:     true,

		// "plots" saves a PNG with the loss/accuracy curves at the end of training.
		ParamPlots: true,

		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: 1e-3,
		ParamWeightDecay:             1e-4,
		ParamPlateauFactor:           0.5,
		ParamPlateauPatience:         3,
		ParamPlateauMinLR:            0.0,

		// Model.
		ParamBaseChannels:  32,
		ParamNumBlocks:     3,
		ParamDenseUnits:    256,
		ParamBlockDropout:  0.25,
		ParamDenseDropout:  0.5,
		ParamNormalization: "batch",
	})
	return ctx
}

// Optimizer configured from the context: Adam with weight decay (ParamWeightDecay).
func Optimizer(ctx *context.Context) optimizers.Interface {
	if context.GetParamOr(ctx, optimizers.ParamOptimizer, "adam") != "adam" {
		return optimizers.FromContext(ctx)
	}
	return optimizers.Adam().
		WeightDecay(context.GetParamOr(ctx, ParamWeightDecay, 1e-4)).
		FromContext(ctx).
		Done()
}

// NewTrainer creates the trainer for FocusCNN: sparse categorical cross-entropy loss, and accuracy metrics.
// The evaluation metrics are the mean loss followed by the mean accuracy.
func NewTrainer(backend backends.Backend, ctx *context.Context) *train.Trainer {
	meanAccuracyMetric := metrics.NewSparseCategoricalAccuracy("Mean Accuracy", "#acc")
	movingAccuracyMetric := metrics.NewMovingAverageSparseCategoricalAccuracy("Moving Average Accuracy", "~acc", 0.01)
	return train.NewTrainer(backend, ctx, ModelGraph,
		losses.SparseCategoricalCrossEntropyLogits,
		Optimizer(ctx),
		[]metrics.Interface{movingAccuracyMetric}, // trainMetrics
		[]metrics.Interface{meanAccuracyMetric})   // evalMetrics
}

// Config for TrainModel, beyond the hyperparameters in the context.
type Config struct {
	// DataDir with the dataset, see fer.LoadSplits.
	DataDir string

	// CheckpointDir where to save the best model. If relative, it's taken relative to DataDir.
	// If empty, no checkpoint is saved.
	CheckpointDir string

	// ParamsSet are the hyperparameters set from the command line. They take precedence over
	// values loaded from the checkpoint.
	ParamsSet []string

	// Download the FER2013 CSV if missing, when using the csv format.
	Download bool

	// EvalOnly skips training and only reports the evaluation of the checkpoint.
	EvalOnly bool

	// Verbose shows progress bars.
	Verbose bool
}

// Result of TrainModel.
type Result struct {
	History        *History
	BestEpoch      int
	BestTestAcc    float64
	CheckpointDir  string
	Stopped        bool
	Confusion      *ConfusionMatrix
	NumParameters  int
	LRReductions   int
	EpochsComplete int
}

// TrainModel trains FocusCNN with the hyperparameters in ctx and returns the training history.
//
// At the end of every epoch the train and test datasets are evaluated. The model is saved
// whenever the test accuracy improves, so the checkpoint directory always holds the best model.
// Training stops after ParamPatience epochs without improvement, and the learning rate is halved
// after ParamPlateauPatience epochs without improvement.
func TrainModel(ctx *context.Context, config Config) (*Result, error) {
	dataDir := data.ReplaceTildeInDir(config.DataDir)
	backend := backends.MustNew()
	klog.Infof("Backend: %s", backend.Name())

	// Checkpoints saving.
	var checkpoint *checkpoints.Handler
	result := &Result{History: &History{}}
	if config.CheckpointDir != "" {
		var err error
		numCheckpointsToKeep := context.GetParamOr(ctx, ParamNumCheckpoints, 3)
		checkpoint, err = checkpoints.Build(ctx).
			DirFromBase(config.CheckpointDir, dataDir).
			Keep(numCheckpointsToKeep).
			ExcludeParams(slices.Concat(excludeParams, config.ParamsSet)...).
			Done()
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to create checkpoint in %q", config.CheckpointDir)
		}
		result.CheckpointDir = checkpoint.Dir()
		klog.Infof("Checkpointing model to %q", checkpoint.Dir())
		if result.History, err = LoadHistory(checkpoint.Dir()); err != nil {
			return nil, err
		}
		result.History.Truncate(context.GetParamOr(ctx, ParamEpochsCompleted, 0))
	}

	if context.GetParamOr(ctx, ParamNumBlocks, 3) > 0 && !SupportsConvolution(backend) {
		return nil, errors.Errorf("backend %q does not support convolutions, select another one with $GOMLX_BACKEND",
			backend.Name())
	}

	trainEx, testEx, err := fer.LoadSplits(fer.LoadConfig{
		DataDir:     dataDir,
		Format:      fer.Format(context.GetParamOr(ctx, ParamDatasetFormat, string(fer.FormatFolders))),
		MaxPerClass: context.GetParamOr(ctx, ParamMaxPerClass, 0),
		Download:    config.Download,
		Seed:        int64(context.GetParamOr(ctx, ParamSeed, 0)),
		Verbose:     config.Verbose,
	})
	if err != nil {
		return nil, err
	}
	fmt.Printf("Train: %s\nTest:  %s\n", trainEx.Summary(), testEx.Summary())

	trainDS, trainEvalDS, testEvalDS, err := fer.CreateDatasets(trainEx, testEx, fer.DatasetsConfig{
		BatchSize:       context.GetParamOr(ctx, ParamBatchSize, 64),
		EvalBatchSize:   context.GetParamOr(ctx, ParamEvalBatchSize, 256),
		FlipProbability: context.GetParamOr(ctx, ParamFlipProbability, 0.5),
		Seed:            int64(context.GetParamOr(ctx, ParamSeed, 0)),
		UseParallelism:  context.GetParamOr(ctx, ParamParallelism, true),
		BufferSize:      10,
	})
	if err != nil {
		return nil, err
	}

	trainer := NewTrainer(backend, ctx)
	epochsCompleted := context.GetParamOr(ctx, ParamEpochsCompleted, 0)
	if epochsCompleted > 0 {
		trainer.SetContext(ctx.Reuse())
	}

	if !config.EvalOnly {
		if err = runEpochs(ctx, trainer, checkpoint, result, trainDS, trainEvalDS, testEvalDS); err != nil {
			return nil, err
		}
	}
	result.NumParameters = countParameters(ctx)
	fmt.Printf("Model parameters: %s\n", humanize.Comma(int64(result.NumParameters)))

	if len(result.History.Epochs) > 0 {
		fmt.Println(result.History.Table())
		if checkpoint != nil {
			if err = result.History.Save(checkpoint.Dir()); err != nil {
				return nil, err
			}
			if context.GetParamOr(ctx, ParamPlots, true) {
				plotPath := path.Join(checkpoint.Dir(), HistoryPlotFile)
				if err = result.History.Plot(plotPath); err != nil {
					klog.Warningf("Failed to plot training history: %+v", err)
				} else {
					klog.Infof("Training history plot saved to %q", plotPath)
				}
			}
		}
	}
	fmt.Printf("Best test accuracy: %.2f%% (epoch %d)\n", 100*result.BestTestAcc, result.BestEpoch)

	// Final report on the best model: reload the checkpoint, since the context holds the last epoch.
	evalCtx := ctx
	if checkpoint != nil && result.BestEpoch > 0 {
		evalCtx = context.New()
		if _, err = checkpoints.Load(evalCtx).Dir(checkpoint.Dir()).Done(); err != nil {
			return nil, errors.WithMessagef(err, "failed to reload best checkpoint from %q", checkpoint.Dir())
		}
		evalCtx = evalCtx.Reuse()
	}
	testEvalDS.Reset()
	result.Confusion, err = Evaluate(backend, evalCtx, testEvalDS)
	if err != nil {
		return nil, err
	}
	fmt.Println(result.Confusion.Report())
	return result, nil
}

// runEpochs is the epoch loop of TrainModel.
func runEpochs(ctx *context.Context, trainer *train.Trainer, checkpoint *checkpoints.Handler, result *Result,
	trainDS, trainEvalDS, testEvalDS train.Dataset) error {
	numEpochs := context.GetParamOr(ctx, ParamNumEpochs, 25)
	epochsCompleted := context.GetParamOr(ctx, ParamEpochsCompleted, 0)
	initialLR := context.GetParamOr(ctx, optimizers.ParamLearningRate, 1e-3)
	result.BestEpoch = context.GetParamOr(ctx, ParamBestEpoch, 0)
	result.BestTestAcc = context.GetParamOr(ctx, ParamBestTestAcc, 0.0)
	if epochsCompleted >= numEpochs {
		fmt.Printf("\t - %s=%d already reached. To train further, increase it.\n", ParamNumEpochs, numEpochs)
		return nil
	}
	if epochsCompleted > 0 {
		klog.Infof("Resuming training after epoch %d (best test accuracy %.2f%% at epoch %d)",
			epochsCompleted, 100*result.BestTestAcc, result.BestEpoch)
	}

	earlyStopping := NewEarlyStopping(context.GetParamOr(ctx, ParamPatience, 5), result.BestTestAcc, result.BestEpoch)
	plateau := NewPlateauScheduler(
		context.GetParamOr(ctx, ParamPlateauFactor, 0.5),
		context.GetParamOr(ctx, ParamPlateauPatience, 3))
	plateau.MinLR = context.GetParamOr(ctx, ParamPlateauMinLR, 0.0)
	if epochsCompleted > 0 {
		plateau.Restore(
			context.GetParamOr(ctx, ParamPlateauBest, result.BestTestAcc),
			context.GetParamOr(ctx, ParamPlateauBadEpochs, 0))
	}
	reductionsBefore := context.GetParamOr(ctx, ParamPlateauReductions, 0)

	loop := train.NewLoop(trainer)
	commandline.AttachProgressBar(loop) // Attaches a progress bar to the loop.

	for epoch := epochsCompleted + 1; epoch <= numEpochs; epoch++ {
		fmt.Printf("\nEpoch %d/%d\n", epoch, numEpochs)
		if _, err := loop.RunEpochs(trainDS, 1); err != nil {
			return errors.WithMessagef(err, "training failed at epoch %d", epoch)
		}
		trainLoss, trainAcc, err := evalLossAndAccuracy(trainer, trainEvalDS)
		if err != nil {
			return err
		}
		testLoss, testAcc, err := evalLossAndAccuracy(trainer, testEvalDS)
		if err != nil {
			return err
		}
		lr := learningRate(ctx, initialLR)
		r := EpochResult{
			Epoch: epoch, TrainLoss: trainLoss, TrainAcc: trainAcc, TestLoss: testLoss, TestAcc: testAcc,
			LearningRate: lr,
		}
		fmt.Printf("  Train Loss: %.4f | Train Acc: %.2f%%\n", trainLoss, 100*trainAcc)
		fmt.Printf("  Test Loss:  %.4f | Test Acc:  %.2f%%\n", testLoss, 100*testAcc)

		newLR := plateau.Step(testAcc, lr)
		if newLR != lr {
			klog.Infof("Test accuracy plateaued: reducing learning rate from %g to %g", lr, newLR)
			if err = setLearningRate(ctx, newLR); err != nil {
				return err
			}
		}

		var stop bool
		r.Improved, stop = earlyStopping.Update(epoch, testAcc)
		result.History.Add(r)
		result.EpochsComplete = epoch
		if r.Improved {
			result.BestTestAcc, result.BestEpoch = testAcc, epoch
			if checkpoint != nil {
				plateauBest, plateauBadEpochs := plateau.State()
				ctx.SetParams(map[string]any{
					ParamEpochsCompleted:   epoch,
					ParamBestEpoch:         epoch,
					ParamBestTestAcc:       testAcc,
					ParamPlateauBest:       plateauBest,
					ParamPlateauBadEpochs:  plateauBadEpochs,
					ParamPlateauReductions: reductionsBefore + plateau.NumReductions(),
				})
				if err = checkpoint.Save(); err != nil {
					return errors.WithMessagef(err, "failed to save checkpoint at epoch %d", epoch)
				}
				fmt.Printf("  -> Saved best model (test acc: %.2f%%)\n", 100*testAcc)
			}
		}
		if checkpoint != nil {
			if err = result.History.Save(checkpoint.Dir()); err != nil {
				return err
			}
		}
		if stop {
			fmt.Printf("\nEarly stopping at epoch %d: no improvement for %d epochs\n",
				epoch, earlyStopping.EpochsWithoutImprovement())
			result.Stopped = true
			break
		}
	}
	result.LRReductions = reductionsBefore + plateau.NumReductions()
	fmt.Printf("\t[Step %d] median train step: %d microseconds\n",
		loop.LoopStep, loop.MedianTrainStepDuration().Microseconds())
	return nil
}

// evalLossAndAccuracy evaluates ds and returns the mean loss and accuracy.
func evalLossAndAccuracy(trainer *train.Trainer, ds train.Dataset) (loss, accuracy float64, err error) {
	ds.Reset()
	var values []*tensors.Tensor
	err = exceptions.TryCatch[error](func() { values = trainer.Eval(ds) })
	if err != nil {
		return 0, 0, errors.WithMessagef(err, "failed to evaluate %q", ds.Name())
	}
	if len(values) < 2 {
		return 0, 0, errors.Errorf("evaluation of %q returned %d metrics, expected loss and accuracy", ds.Name(), len(values))
	}
	return scalarValue(values[0]), scalarValue(values[1]), nil
}

func scalarValue(t *tensors.Tensor) float64 {
	switch v := t.Value().(type) {
	case float32:
		return float64(v)
	case float64:
		return v
	default:
		klog.Errorf("unexpected metric value type %T", v)
		return 0
	}
}

// countParameters returns the total number of scalar values in the model variables.
func countParameters(ctx *context.Context) int {
	var total int
	ctx.EnumerateVariables(func(v *context.Variable) {
		if !v.Trainable {
			return
		}
		total += v.Shape().Size()
	})
	return total
}
