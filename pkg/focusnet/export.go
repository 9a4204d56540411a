// Copyright 2025 The Focusnet Authors. SPDX-License-Identifier: Apache-2.0

package focusnet

import (
	"os"
	"path"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/google/uuid"
	"github.com/neurolearn/focusnet/pkg/fer"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// MetadataFile is the name of the file describing an exported model.
const MetadataFile = "metadata.json"

// ModelScope is the context scope holding the model variables.
const ModelScope = "/model"

// modelParams are the hyperparameters needed to rebuild the model graph, copied to exported models.
var modelParams = []string{
	ParamBaseChannels, ParamNumBlocks, ParamDenseUnits, ParamBlockDropout, ParamDenseDropout, ParamNormalization,
}

// Metadata describes an exported model: the input and output it expects, and how it was trained.
type Metadata struct {
	ID            string    `json:"id"`
	InputShape    []int     `json:"input_shape"`
	OutputShape   []int     `json:"output_shape"`
	Classes       []string  `json:"classes"`
	ImageSize     int       `json:"image_size"`
	BestEpoch     int       `json:"best_epoch"`
	TestAccuracy  float64   `json:"test_acc"`
	NumParameters int       `json:"num_parameters"`
	ExportedAt    time.Time `json:"exported_at"`
	Source        string    `json:"source,omitempty"`
}

// NewMetadata creates the metadata of the model in ctx.
func NewMetadata(ctx *context.Context) *Metadata {
	return &Metadata{
		ID:            uuid.NewString(),
		InputShape:    []int{1, fer.ImageSize, fer.ImageSize, 1},
		OutputShape:   []int{1, fer.NumClasses},
		Classes:       fer.ClassNames[:],
		ImageSize:     fer.ImageSize,
		BestEpoch:     context.GetParamOr(ctx, ParamBestEpoch, 0),
		TestAccuracy:  context.GetParamOr(ctx, ParamBestTestAcc, 0.0),
		NumParameters: countParameters(ctx),
		ExportedAt:    time.Now().UTC(),
	}
}

// LoadMetadata reads the metadata saved in an exported model directory.
// It returns nil, without error, if there is no metadata file (e.g. a training checkpoint directory).
func LoadMetadata(dir string) (*Metadata, error) {
	filePath := path.Join(data.ReplaceTildeInDir(dir), MetadataFile)
	if !data.FileExists(filePath) {
		return nil, nil
	}
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read model metadata")
	}
	m := &Metadata{}
	if err = json.Unmarshal(contents, m); err != nil {
		return nil, errors.Wrapf(err, "failed to parse %q", filePath)
	}
	return m, nil
}

// Save the metadata in dir.
func (m *Metadata) Save(dir string) error {
	contents, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to serialize model metadata")
	}
	return errors.Wrap(os.WriteFile(path.Join(dir, MetadataFile), contents, 0644), "failed to write model metadata")
}

// Export loads the best model saved in checkpointDir and writes a standalone model to outputDir:
// a checkpoint with only the model variables and hyperparameters (no optimizer state), plus a
// MetadataFile. If overwrite is false, outputDir must not exist or be empty.
func Export(checkpointDir, outputDir string, overwrite bool) (metadata *Metadata, err error) {
	checkpointDir = data.ReplaceTildeInDir(checkpointDir)
	outputDir = data.ReplaceTildeInDir(outputDir)
	if path.Clean(checkpointDir) == path.Clean(outputDir) {
		return nil, errors.Errorf("export directory must be different from the checkpoint directory %q", checkpointDir)
	}
	if err = prepareOutputDir(outputDir, overwrite); err != nil {
		return nil, err
	}
	panicErr := exceptions.TryCatch[error](func() { metadata, err = exportModel(checkpointDir, outputDir) })
	if panicErr != nil {
		return nil, errors.WithMessagef(panicErr, "failed to export model from %q", checkpointDir)
	}
	return metadata, err
}

// exportModel does the work of Export. The context and checkpoint APIs may panic.
func exportModel(checkpointDir, outputDir string) (*Metadata, error) {
	ctx := context.New()
	if _, err := checkpoints.Load(ctx).Dir(checkpointDir).Immediate().Done(); err != nil {
		return nil, errors.WithMessagef(err, "failed to load checkpoint from %q", checkpointDir)
	}

	exportCtx := context.New()
	for _, key := range modelParams {
		if value, found := ctx.GetParam(key); found {
			exportCtx.SetParam(key, value)
		}
	}
	exportCtx.SetParams(map[string]any{
		ParamBestEpoch:   context.GetParamOr(ctx, ParamBestEpoch, 0),
		ParamBestTestAcc: context.GetParamOr(ctx, ParamBestTestAcc, 0.0),
	})
	var numVars int
	ctx.EnumerateVariables(func(v *context.Variable) {
		if v.Scope() != ModelScope && !strings.HasPrefix(v.Scope(), ModelScope+context.ScopeSeparator) {
			return
		}
		value := tensors.FromAnyValue(v.Value().Value())
		newVar := exportCtx.InAbsPath(v.Scope()).VariableWithValue(v.Name(), value)
		newVar.Trainable = v.Trainable
		numVars++
	})
	if numVars == 0 {
		return nil, errors.Errorf("no model variables found in checkpoint %q", checkpointDir)
	}

	handler, err := checkpoints.Build(exportCtx).Dir(outputDir).Keep(1).Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create export checkpoint in %q", outputDir)
	}
	if err = handler.Save(); err != nil {
		return nil, errors.WithMessagef(err, "failed to save exported model to %q", outputDir)
	}

	metadata := NewMetadata(exportCtx)
	metadata.Source = checkpointDir
	if err = metadata.Save(outputDir); err != nil {
		return nil, err
	}
	klog.Infof("Exported %d variables (%s parameters) from %q to %q",
		numVars, humanize.Comma(int64(metadata.NumParameters)), checkpointDir, outputDir)
	return metadata, nil
}

func prepareOutputDir(dir string, overwrite bool) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.Wrapf(os.MkdirAll(dir, 0777), "failed to create %q", dir)
		}
		return errors.Wrapf(err, "failed to read %q", dir)
	}
	if len(entries) == 0 {
		return nil
	}
	if !overwrite {
		return errors.Errorf("export directory %q is not empty", dir)
	}
	for _, entry := range entries {
		if err = os.RemoveAll(path.Join(dir, entry.Name())); err != nil {
			return errors.Wrapf(err, "failed to clean %q", dir)
		}
	}
	return nil
}
