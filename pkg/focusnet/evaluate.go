// Copyright 2025 The Focusnet Authors. SPDX-License-Identifier: Apache-2.0

package focusnet

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/neurolearn/focusnet/pkg/fer"
	"github.com/pkg/errors"
)

// ConfusionMatrix counts predictions: Counts[label][prediction].
type ConfusionMatrix struct {
	Counts [fer.NumClasses][fer.NumClasses]int
}

// Add one (label, prediction) pair.
func (cm *ConfusionMatrix) Add(label, prediction fer.Focus) {
	cm.Counts[label][prediction]++
}

// Total number of examples counted.
func (cm *ConfusionMatrix) Total() (total int) {
	for _, row := range cm.Counts {
		for _, c := range row {
			total += c
		}
	}
	return
}

// Accuracy is the fraction of correct predictions.
func (cm *ConfusionMatrix) Accuracy() float64 {
	total := cm.Total()
	if total == 0 {
		return 0
	}
	var correct int
	for i := range fer.NumClasses {
		correct += cm.Counts[i][i]
	}
	return float64(correct) / float64(total)
}

// Precision of the class: correct predictions of the class over all predictions of the class.
func (cm *ConfusionMatrix) Precision(class fer.Focus) float64 {
	var predicted int
	for label := range fer.NumClasses {
		predicted += cm.Counts[label][class]
	}
	if predicted == 0 {
		return 0
	}
	return float64(cm.Counts[class][class]) / float64(predicted)
}

// Recall of the class: correct predictions of the class over all examples of the class.
func (cm *ConfusionMatrix) Recall(class fer.Focus) float64 {
	var support int
	for _, c := range cm.Counts[class] {
		support += c
	}
	if support == 0 {
		return 0
	}
	return float64(cm.Counts[class][class]) / float64(support)
}

// F1 score of the class.
func (cm *ConfusionMatrix) F1(class fer.Focus) float64 {
	p, r := cm.Precision(class), cm.Recall(class)
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

// Report renders the per class precision, recall and F1, followed by the confusion matrix.
func (cm *ConfusionMatrix) Report() string {
	metricsTable := newTable(nil, lipgloss.Left).
		Headers("Class", "Precision", "Recall", "F1", "Support")
	for class := range fer.Focus(fer.NumClasses) {
		metricsTable.Row(class.String(),
			fmt.Sprintf("%.3f", cm.Precision(class)),
			fmt.Sprintf("%.3f", cm.Recall(class)),
			fmt.Sprintf("%.3f", cm.F1(class)),
			fmt.Sprintf("%d", cm.Counts[class][0]+cm.Counts[class][1]))
	}

	confusionTable := newTable(nil, lipgloss.Left).
		Headers("Label \\ Predicted", fer.ClassNames[0], fer.ClassNames[1])
	for class := range fer.Focus(fer.NumClasses) {
		confusionTable.Row(class.String(),
			fmt.Sprintf("%d", cm.Counts[class][0]), fmt.Sprintf("%d", cm.Counts[class][1]))
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Accuracy: %.2f%% (%d examples)\n", 100*cm.Accuracy(), cm.Total())
	sb.WriteString(metricsTable.String())
	sb.WriteString("\n")
	sb.WriteString(confusionTable.String())
	return sb.String()
}

// Evaluate runs the model in ctx over ds (until io.EOF) and returns the confusion matrix.
func Evaluate(backend backends.Backend, ctx *context.Context, ds train.Dataset) (cm *ConfusionMatrix, err error) {
	exec := context.NewExec(backend, ctx, func(ctx *context.Context, images *Node) *Node {
		logits := ModelGraph(ctx, nil, []*Node{images})[0]
		return ArgMax(logits, -1, dtypes.Int32)
	})

	cm = &ConfusionMatrix{}
	for {
		_, inputs, labels, yieldErr := ds.Yield()
		if yieldErr == io.EOF {
			break
		}
		if yieldErr != nil {
			return nil, errors.WithMessagef(yieldErr, "failed reading %q", ds.Name())
		}
		var outputs []*tensors.Tensor
		err = exceptions.TryCatch[error](func() { outputs = exec.Call(inputs[0]) })
		if err != nil {
			return nil, errors.WithMessage(err, "failed to evaluate model")
		}
		predictions := outputs[0].Value().([]int32)
		labelValues := labels[0].Value().([][]int32)
		for i, p := range predictions {
			cm.Add(fer.Focus(labelValues[i][0]), fer.Focus(p))
		}
	}
	return cm, nil
}
