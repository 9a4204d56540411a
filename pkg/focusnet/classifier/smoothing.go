// Copyright 2025 The Focusnet Authors. SPDX-License-Identifier: Apache-2.0

package classifier

import (
	"image"
	"sync"

	"github.com/neurolearn/focusnet/pkg/fer"
)

// DefaultWindow is the number of frames the Smoother votes over.
const DefaultWindow = 10

// Smoother returns the majority vote over the last predictions, to avoid flickering labels on live video.
// It is not safe for concurrent use.
type Smoother struct {
	window []fer.Focus
	next   int
	filled int
	counts [fer.NumClasses]int
}

// NewSmoother creates a Smoother over the last `window` predictions. If window <= 0 DefaultWindow is used.
func NewSmoother(window int) *Smoother {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Smoother{window: make([]fer.Focus, window)}
}

// Add a prediction and return the smoothed one: the rounded mean of the class indices in the window,
// which for two classes is the majority vote. A tie goes to Focused.
func (s *Smoother) Add(class fer.Focus) fer.Focus {
	if s.filled == len(s.window) {
		s.counts[s.window[s.next]]--
	} else {
		s.filled++
	}
	s.window[s.next] = class
	s.counts[class]++
	s.next = (s.next + 1) % len(s.window)
	return s.Current()
}

// Current returns the smoothed prediction, without adding a new one.
// It returns Focused if no prediction was added.
func (s *Smoother) Current() fer.Focus {
	if 2*s.counts[fer.Distracted] > s.filled {
		return fer.Distracted
	}
	return fer.Focused
}

// Len returns the number of predictions in the window.
func (s *Smoother) Len() int { return s.filled }

// Reset clears the window.
func (s *Smoother) Reset() {
	s.next, s.filled = 0, 0
	s.counts = [fer.NumClasses]int{}
}

// Observation is the result of one frame of a Stream.
type Observation struct {
	Prediction

	// Smoothed is the majority vote over the last frames, including this one.
	Smoothed fer.Focus

	// Changed is true if the smoothed label differs from the previous frame's.
	Changed bool

	// Frame is the 1-based index of the frame in the stream.
	Frame int
}

// Stream classifies consecutive frames of one source (a webcam, a websocket), smoothing
// the predictions and keeping statistics. It is safe for concurrent use, though frames
// are expected to come in order.
type Stream struct {
	predictor Predictor

	mu       sync.Mutex
	smoother *Smoother
	counts   [fer.NumClasses]int
	frames   int
	last     fer.Focus
}

// NewStream creates a Stream using predictor and a smoothing window of the given size.
func NewStream(predictor Predictor, window int) *Stream {
	return &Stream{predictor: predictor, smoother: NewSmoother(window)}
}

// Observe classifies the next frame.
func (s *Stream) Observe(img image.Image) (Observation, error) {
	prediction, err := s.predictor.Predict(img)
	if err != nil {
		return Observation{}, err
	}
	return s.Add(prediction), nil
}

// Add a prediction made elsewhere to the stream.
func (s *Stream) Add(prediction Prediction) Observation {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames++
	smoothed := s.smoother.Add(prediction.Class)
	s.counts[smoothed]++
	obs := Observation{
		Prediction: prediction,
		Smoothed:   smoothed,
		Changed:    s.frames > 1 && smoothed != s.last,
		Frame:      s.frames,
	}
	s.last = smoothed
	return obs
}

// Stats returns the number of frames observed, and how many of them were (smoothed) focused or distracted.
func (s *Stream) Stats() (frames int, counts [fer.NumClasses]int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames, s.counts
}

// FocusRate is the fraction of frames whose smoothed label was Focused, or 0 if there were no frames.
func (s *Stream) FocusRate() float64 {
	frames, counts := s.Stats()
	if frames == 0 {
		return 0
	}
	return float64(counts[fer.Focused]) / float64(frames)
}
