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

// Package fer loads the FER2013 facial expression dataset and remaps its 7 emotion classes
// to the binary focused/distracted labels used by focusnet.
//
// Two on-disk layouts are supported: the Kaggle image folders (`train/<emotion>/*.jpg`, `test/<emotion>/*.jpg`)
// and the original `fer2013.csv` file, see LoadFolder and LoadCSV.
package fer

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/pkg/errors"
)

const (
	// ImageSize is the width and height of the images fed to the model.
	ImageSize = 48

	// NumClasses is the number of output classes of the model.
	NumClasses = 2

	// NumEmotions in the FER2013 taxonomy.
	NumEmotions = 7
)

// Emotion is one of the 7 FER2013 classes, numbered as in the dataset.
type Emotion int8

const (
	Angry Emotion = iota
	Disgust
	Fear
	Happy
	Sad
	Surprise
	Neutral
)

var emotionNames = [NumEmotions]string{"angry", "disgust", "fear", "happy", "sad", "surprise", "neutral"}

// String returns the lowercase name, which is also the folder name in the image layout.
func (e Emotion) String() string {
	if e < 0 || int(e) >= NumEmotions {
		return fmt.Sprintf("Emotion(%d)", int(e))
	}
	return emotionNames[e]
}

// ParseEmotion converts a folder name (case-insensitive) to an Emotion.
func ParseEmotion(name string) (Emotion, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, n := range emotionNames {
		if n == name {
			return Emotion(i), nil
		}
	}
	return 0, errors.Errorf("unknown FER2013 emotion %q", name)
}

// AllEmotions in dataset order.
func AllEmotions() []Emotion {
	all := make([]Emotion, NumEmotions)
	for i := range all {
		all[i] = Emotion(i)
	}
	return all
}

// Focus is the binary label predicted by the model.
type Focus int8

const (
	Focused Focus = iota
	Distracted
)

// ClassNames indexed by Focus.
var ClassNames = [NumClasses]string{"Focused", "Distracted"}

// String returns the display name: "Focused" or "Distracted".
func (f Focus) String() string {
	if f < 0 || int(f) >= NumClasses {
		return fmt.Sprintf("Focus(%d)", int(f))
	}
	return ClassNames[f]
}

// Label returns the lowercase name used in the HTTP API.
func (f Focus) Label() string {
	return strings.ToLower(f.String())
}

// EmotionToFocus maps each emotion to a focus label: negative affect counts as distracted,
// positive or neutral affect as focused.
var EmotionToFocus = [NumEmotions]Focus{
	Angry:    Distracted,
	Disgust:  Distracted,
	Fear:     Distracted,
	Happy:    Focused,
	Sad:      Distracted,
	Surprise: Focused,
	Neutral:  Focused,
}

// Focus returns the label this emotion is trained as.
func (e Emotion) Focus() Focus {
	return EmotionToFocus[e]
}

// Examples holds preprocessed images and their labels as parallel slices.
// Each image has ImageSize*ImageSize values in [0, 1], row-major.
type Examples struct {
	Images   [][]float32
	Labels   []Focus
	Emotions []Emotion
}

// Len returns the number of examples.
func (ex *Examples) Len() int {
	if ex == nil {
		return 0
	}
	return len(ex.Images)
}

// Append adds one example, labeled through EmotionToFocus.
func (ex *Examples) Append(image []float32, emotion Emotion) {
	ex.Images = append(ex.Images, image)
	ex.Emotions = append(ex.Emotions, emotion)
	ex.Labels = append(ex.Labels, emotion.Focus())
}

// Shuffle the examples in place.
func (ex *Examples) Shuffle(rng *rand.Rand) {
	perm := rng.Perm(ex.Len())
	ex.Images = Select(ex.Images, perm)
	ex.Labels = Select(ex.Labels, perm)
	ex.Emotions = Select(ex.Emotions, perm)
}

// Split the examples in two, the first with `fraction` of the examples (rounded down).
// The slices are shared with ex.
func (ex *Examples) Split(fraction float64) (first, second *Examples) {
	n := int(float64(ex.Len()) * fraction)
	first = &Examples{Images: ex.Images[:n], Labels: ex.Labels[:n], Emotions: ex.Emotions[:n]}
	second = &Examples{Images: ex.Images[n:], Labels: ex.Labels[n:], Emotions: ex.Emotions[n:]}
	return
}

// ClassCounts returns the number of examples per Focus class.
func (ex *Examples) ClassCounts() (counts [NumClasses]int) {
	for _, l := range ex.Labels {
		counts[l]++
	}
	return
}

// EmotionCounts returns the number of examples per emotion.
func (ex *Examples) EmotionCounts() (counts [NumEmotions]int) {
	for _, e := range ex.Emotions {
		counts[e]++
	}
	return
}

// Summary in one line, e.g. "1000 images (Focused: 600, Distracted: 400)".
func (ex *Examples) Summary() string {
	counts := ex.ClassCounts()
	return fmt.Sprintf("%d images (%s: %d, %s: %d)", ex.Len(),
		ClassNames[Focused], counts[Focused], ClassNames[Distracted], counts[Distracted])
}
