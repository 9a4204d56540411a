// Copyright 2025 The Focusnet Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"github.com/neurolearn/focusnet/pkg/fer"
	"github.com/neurolearn/focusnet/pkg/focusnet"
	"github.com/pkg/errors"
)

func runTrain(args []string) error {
	ctx := focusnet.CreateDefaultContext()
	flags := flag.NewFlagSet("train", flag.ExitOnError)
	flagData := flags.String("data", "~/work/fer2013",
		"Directory with the dataset: train/ and test/ folders of images per emotion, or the fer2013.csv file.")
	flagCheckpoint := flags.String("checkpoint", "checkpoint",
		"Directory where to save (and resume from) the best model. If relative, it is taken relative to -data. "+
			"If empty, no checkpoint is saved.")
	flagSettings := flags.String("set", "",
		`Context hyperparameters, as "param=value" separated by ";". Use -params to list them.`)
	flagParams := flags.Bool("params", false, "List the hyperparameters and their default values, and exit.")
	flagFormat := flags.String("format", "", fmt.Sprintf("Dataset format, %q or %q. Shortcut for -set=%s=...",
		fer.FormatFolders, fer.FormatCSV, focusnet.ParamDatasetFormat))
	flagMaxPerClass := flags.Int("max_per_class", 0,
		"If > 0, limit the number of images per emotion, for quick experiments.")
	flagPlots := flags.Bool("plots", true, "Save a PNG with the training curves in the checkpoint directory.")
	flagDownload := flags.Bool("download", false, "Download fer2013.csv if missing (csv format only).")
	flagEval := flags.Bool("eval", false, "Only evaluate the checkpoint, without training.")
	flagQuiet := flags.Bool("quiet", false, "Don't display progress bars while loading the dataset.")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *flagParams {
		fmt.Println(commandline.SprintContextSettings(ctx))
		return nil
	}

	paramsSet, err := commandline.ParseContextSettings(ctx, *flagSettings)
	if err != nil {
		return errors.WithMessage(err, "failed to parse -set")
	}
	paramsSet = append(paramsSet, setFlagParams(ctx, flags, map[string]any{
		"format":        *flagFormat,
		"max_per_class": *flagMaxPerClass,
		"plots":         *flagPlots,
	})...)

	dataDir := data.ReplaceTildeInDir(*flagData)
	if !data.FileExists(dataDir) {
		must.M(os.MkdirAll(dataDir, 0777))
	}

	result, err := focusnet.TrainModel(ctx, focusnet.Config{
		DataDir:       dataDir,
		CheckpointDir: *flagCheckpoint,
		ParamsSet:     paramsSet,
		Download:      *flagDownload,
		EvalOnly:      *flagEval,
		Verbose:       !*flagQuiet,
	})
	if err != nil {
		return err
	}
	if result.Stopped {
		fmt.Printf("Early stopping: no improvement since epoch %d.\n", result.BestEpoch)
	}
	if result.CheckpointDir != "" {
		fmt.Printf("Best model saved in %q. Export it with:\n\tfocusnet export -checkpoint=%q -out=<dir>\n",
			result.CheckpointDir, result.CheckpointDir)
	}
	return nil
}

// flagToParam maps the shortcut flags of the train command to context hyperparameters.
var flagToParam = map[string]string{
	"format":        focusnet.ParamDatasetFormat,
	"max_per_class": focusnet.ParamMaxPerClass,
	"plots":         focusnet.ParamPlots,
}

// setFlagParams sets in ctx the hyperparameters of the shortcut flags explicitly given, and
// returns the names of the parameters set.
func setFlagParams(ctx *context.Context, flags *flag.FlagSet, values map[string]any) (paramsSet []string) {
	flags.Visit(func(f *flag.Flag) {
		param, found := flagToParam[f.Name]
		if !found {
			return
		}
		ctx.SetParam(param, values[f.Name])
		paramsSet = append(paramsSet, param)
	})
	return
}
