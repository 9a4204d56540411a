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

// focusnet trains, exports and serves the FocusCNN model, which classifies face crops as focused
// or distracted.
//
// Usage:
//
//	focusnet [-v=1] <command> [flags] [args]
//
// See "focusnet -help" for the list of commands, and "focusnet <command> -help" for their flags.
package main

import (
	"flag"
	"fmt"
	"maps"
	"os"
	"slices"

	"k8s.io/klog/v2"
)

type command struct {
	summary string
	run     func(args []string) error
}

var commands = map[string]command{
	"train":   {"Train FocusCNN on FER2013, saving the best model to a checkpoint.", runTrain},
	"export":  {"Export the best model of a checkpoint as a standalone model directory.", runExport},
	"predict": {"Classify image files.", runPredict},
	"watch":   {"Classify a sequence of frames, smoothing the predictions.", runWatch},
	"serve":   {"Start the focus HTTP server, configured from the environment.", runServe},
	"token":   {"Sign a token for the sessions API, for testing.", runToken},
}

func usage() {
	out := flag.CommandLine.Output()
	_, _ = fmt.Fprintf(out, "Usage: %s [flags] <command> [command flags] [args]\n\nCommands:\n", os.Args[0])
	for _, name := range slices.Sorted(maps.Keys(commands)) {
		_, _ = fmt.Fprintf(out, "  %-8s %s\n", name, commands[name].summary)
	}
	_, _ = fmt.Fprintf(out, "\nFlags:\n")
	flag.PrintDefaults()
}

func main() {
	klog.InitFlags(nil)
	flag.Usage = usage
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}
	cmd, found := commands[args[0]]
	if !found {
		klog.Errorf("Unknown command %q. See '%s -help'.", args[0], os.Args[0])
		os.Exit(2)
	}
	if err := cmd.run(args[1:]); err != nil {
		klog.Errorf("%s failed: %+v", args[0], err)
		os.Exit(1)
	}
}
