// Copyright 2025 The Focusnet Authors. SPDX-License-Identifier: Apache-2.0

package focusnet

import (
	"math"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// PlateauScheduler reduces the learning rate when a metric has stopped improving.
//
// It works in "max" mode (higher is better), with a relative improvement threshold:
// a value is an improvement if it is larger than best*(1+Threshold).
// After Patience epochs without improvement the learning rate is multiplied by Factor,
// and the count restarts.
type PlateauScheduler struct {
	Factor    float64
	Patience  int
	Threshold float64
	MinLR     float64

	best       float64
	badEpochs  int
	numReduced int
}

// NewPlateauScheduler with the given factor and patience, a threshold of 1e-4 and no minimum learning rate.
func NewPlateauScheduler(factor float64, patience int) *PlateauScheduler {
	return &PlateauScheduler{
		Factor:    factor,
		Patience:  patience,
		Threshold: 1e-4,
		best:      math.Inf(-1),
	}
}

// Step registers the metric of the epoch, and returns the new learning rate given the current one.
// The returned learning rate is the same as the current one if no reduction is due.
func (s *PlateauScheduler) Step(metric, learningRate float64) float64 {
	if metric > s.best*(1+s.Threshold) {
		s.best = metric
		s.badEpochs = 0
		return learningRate
	}
	s.badEpochs++
	if s.badEpochs <= s.Patience {
		return learningRate
	}
	s.badEpochs = 0
	newLR := max(learningRate*s.Factor, s.MinLR)
	if newLR < learningRate {
		s.numReduced++
	}
	return newLR
}

// State returns the best value seen and the number of epochs since it.
func (s *PlateauScheduler) State() (best float64, badEpochs int) { return s.best, s.badEpochs }

// Restore the state saved with State, when resuming training.
func (s *PlateauScheduler) Restore(best float64, badEpochs int) {
	s.best, s.badEpochs = best, badEpochs
}

// NumReductions returns how many times the learning rate was reduced.
func (s *PlateauScheduler) NumReductions() int { return s.numReduced }

// EarlyStopping tracks the best value of a metric (higher is better) and tells when
// training should stop, after Patience epochs without a strict improvement.
type EarlyStopping struct {
	Patience int

	best      float64
	bestEpoch int
	counter   int
}

// NewEarlyStopping creates an EarlyStopping, optionally resuming from a previous best value.
func NewEarlyStopping(patience int, best float64, bestEpoch int) *EarlyStopping {
	return &EarlyStopping{Patience: patience, best: best, bestEpoch: bestEpoch}
}

// Update registers the metric for the epoch, and returns whether it is a new best and whether
// training should stop.
func (es *EarlyStopping) Update(epoch int, metric float64) (improved, stop bool) {
	if metric > es.best {
		es.best = metric
		es.bestEpoch = epoch
		es.counter = 0
		return true, false
	}
	es.counter++
	return false, es.Patience > 0 && es.counter >= es.Patience
}

// Best returns the best value seen and the epoch it happened.
func (es *EarlyStopping) Best() (float64, int) { return es.best, es.bestEpoch }

// EpochsWithoutImprovement returns the current count of epochs without improvement.
func (es *EarlyStopping) EpochsWithoutImprovement() int { return es.counter }

// learningRate returns the current value of the optimizer's learning rate variable.
func learningRate(ctx *context.Context, defaultValue float64) float64 {
	lrVar := optimizers.LearningRateVar(ctx, dtypes.Float32, defaultValue)
	return float64(tensors.ToScalar[float32](lrVar.Value()))
}

// setLearningRate overwrites the optimizer's learning rate variable, used by the next training steps.
func setLearningRate(ctx *context.Context, value float64) error {
	lrVar := optimizers.LearningRateVar(ctx, dtypes.Float32, value)
	if lrVar == nil {
		return errors.New("learning rate variable not found")
	}
	lrVar.SetValue(tensors.FromValue(float32(value)))
	return nil
}
