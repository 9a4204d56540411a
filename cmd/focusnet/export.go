// Copyright 2025 The Focusnet Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/neurolearn/focusnet/pkg/focusnet"
	"github.com/pkg/errors"
)

func runExport(args []string) error {
	flags := flag.NewFlagSet("export", flag.ExitOnError)
	flagCheckpoint := flags.String("checkpoint", "~/work/fer2013/checkpoint", "Training checkpoint directory.")
	flagOut := flags.String("out", "~/work/focusnet/model", "Directory where to write the exported model.")
	flagOverwrite := flags.Bool("overwrite", false, "Overwrite the contents of -out, if it is not empty.")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *flagCheckpoint == "" || *flagOut == "" {
		return errors.New("both -checkpoint and -out must be set")
	}

	metadata, err := focusnet.Export(*flagCheckpoint, *flagOut, *flagOverwrite)
	if err != nil {
		return err
	}
	fmt.Printf("Exported model %s to %q:\n", metadata.ID, *flagOut)
	fmt.Printf("  best epoch:      %d\n", metadata.BestEpoch)
	fmt.Printf("  test accuracy:   %.2f%%\n", 100*metadata.TestAccuracy)
	fmt.Printf("  parameters:      %s\n", humanize.Comma(int64(metadata.NumParameters)))
	fmt.Printf("  input shape:     %v\n", metadata.InputShape)
	fmt.Printf("  classes:         %v\n", metadata.Classes)
	return nil
}
