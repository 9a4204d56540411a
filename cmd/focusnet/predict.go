// Copyright 2025 The Focusnet Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/muesli/termenv"
	"github.com/neurolearn/focusnet/pkg/fer"
	"github.com/neurolearn/focusnet/pkg/focusnet/classifier"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const defaultModelDir = "~/work/focusnet/model"

// printer writes predictions with the focus classes in colour, if the terminal supports it.
type printer struct {
	out *termenv.Output
}

func newPrinter(w io.Writer) *printer {
	return &printer{out: termenv.NewOutput(w)}
}

func (p *printer) label(class fer.Focus) termenv.Style {
	style := p.out.String(fmt.Sprintf("%-10s", class.Label())).Bold()
	if class == fer.Focused {
		return style.Foreground(p.out.Color("2"))
	}
	return style.Foreground(p.out.Color("1"))
}

func (p *printer) prediction(name string, prediction classifier.Prediction) {
	_, _ = fmt.Fprintf(p.out, "%s %s confidence=%.3f (focused=%.3f, distracted=%.3f)\n",
		p.label(prediction.Class), name, prediction.Confidence, prediction.FocusedProb(), prediction.DistractedProb())
}

func (p *printer) observation(name string, obs classifier.Observation) {
	marker := " "
	if obs.Changed {
		marker = p.out.String("*").Bold().String()
	}
	_, _ = fmt.Fprintf(p.out, "%5d %s smoothed=%s raw=%s confidence=%.3f %s\n",
		obs.Frame, marker, p.label(obs.Smoothed), obs.Class.Label(), obs.Confidence, name)
}

func readImage(filePath string) (image.Image, error) {
	raw, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %q", filePath)
	}
	img, err := fer.DecodeImage(raw)
	if err != nil {
		return nil, errors.WithMessagef(err, "image %q", filePath)
	}
	return img, nil
}

func runPredict(args []string) error {
	flags := flag.NewFlagSet("predict", flag.ExitOnError)
	flagModel := flags.String("model", defaultModelDir, "Exported model (or training checkpoint) directory.")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() == 0 {
		return errors.New("no image files given")
	}

	model, err := classifier.New(*flagModel)
	if err != nil {
		return err
	}
	images := make([]image.Image, 0, flags.NArg())
	for _, filePath := range flags.Args() {
		img, err := readImage(filePath)
		if err != nil {
			return err
		}
		images = append(images, img)
	}
	predictions, err := model.PredictBatch(images)
	if err != nil {
		return err
	}
	p := newPrinter(os.Stdout)
	for i, prediction := range predictions {
		p.prediction(flags.Arg(i), prediction)
	}
	return nil
}

// listFrames returns the image files in dir, in name order.
func listFrames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list frames in %q", dir)
	}
	var frames []string
	for _, entry := range entries {
		if entry.IsDir() || !slices.Contains(fer.ImageExtensions, strings.ToLower(filepath.Ext(entry.Name()))) {
			continue
		}
		frames = append(frames, filepath.Join(dir, entry.Name()))
	}
	slices.Sort(frames)
	return frames, nil
}

// watchFrames classifies the frames in order through a Stream, printing each observation.
// Unreadable frames are logged and skipped.
func watchFrames(stream *classifier.Stream, frames []string, delay time.Duration, p *printer) error {
	for i, framePath := range frames {
		if i > 0 && delay > 0 {
			time.Sleep(delay)
		}
		img, err := readImage(framePath)
		if err != nil {
			klog.Warningf("Skipping frame: %v", err)
			continue
		}
		obs, err := stream.Observe(img)
		if err != nil {
			return err
		}
		p.observation(filepath.Base(framePath), obs)
	}
	numFrames, counts := stream.Stats()
	_, _ = fmt.Fprintf(p.out, "\n%d frames: %d focused, %d distracted (smoothed). Focus rate: %.1f%%\n",
		numFrames, counts[fer.Focused], counts[fer.Distracted], 100*stream.FocusRate())
	return nil
}

func runWatch(args []string) error {
	flags := flag.NewFlagSet("watch", flag.ExitOnError)
	flagModel := flags.String("model", defaultModelDir, "Exported model (or training checkpoint) directory.")
	flagDir := flags.String("dir", "", "Directory with the frames, classified in file name order. "+
		"If empty, the frames are the files given as arguments.")
	flagWindow := flags.Int("window", classifier.DefaultWindow, "Number of frames in the majority vote.")
	flagDelay := flags.Duration("delay", 0, "Delay between frames, to replay a recording at its frame rate.")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *flagWindow <= 0 {
		return errors.Errorf("-window must be positive, got %d", *flagWindow)
	}

	frames := flags.Args()
	if *flagDir != "" {
		var err error
		if frames, err = listFrames(*flagDir); err != nil {
			return err
		}
	}
	if len(frames) == 0 {
		return errors.New("no frames given: use -dir or list the frame files as arguments")
	}

	model, err := classifier.New(*flagModel)
	if err != nil {
		return err
	}
	return watchFrames(classifier.NewStream(model, *flagWindow), frames, *flagDelay, newPrinter(os.Stdout))
}
