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

package fer

import (
	"math/rand"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/neurolearn/focusnet/internal/workerspool"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

const (
	// CSVDownloadURL is a public mirror of the original fer2013.csv.
	CSVDownloadURL = "https://github.com/muxspace/facial_expressions/raw/master/data/fer2013.csv"

	// CSVFileName used when downloading.
	CSVFileName = "fer2013.csv"

	// TrainDir and TestDir are the subdirectories of the image folders layout.
	TrainDir = "train"
	TestDir  = "test"

	// DefaultTrainFraction used when there is no test split available.
	DefaultTrainFraction = 0.8
)

// ImageExtensions accepted by LoadFolder.
var ImageExtensions = []string{".jpg", ".jpeg", ".png"}

// Format of the dataset on disk.
type Format string

const (
	FormatFolders Format = "folders"
	FormatCSV     Format = "csv"
)

// LoadConfig configures LoadSplits.
type LoadConfig struct {
	// DataDir holds either the `train/` and `test/` folders or the CSV file.
	DataDir string

	Format Format

	// MaxPerClass limits the number of images per emotion, if > 0. Useful for quick experiments.
	MaxPerClass int

	// Download the CSV file if missing. Only used with FormatCSV.
	Download bool

	// Seed for the train/test split, when the test set is missing.
	Seed int64

	// Verbose shows a progress bar while loading.
	Verbose bool
}

// LoadSplits loads the train and test examples according to config.
//
// For the folders format, the `test/` folder is optional: without it the train examples are
// shuffled and split using DefaultTrainFraction.
func LoadSplits(config LoadConfig) (trainEx, testEx *Examples, err error) {
	dataDir := data.ReplaceTildeInDir(config.DataDir)
	switch config.Format {
	case FormatCSV:
		csvPath := path.Join(dataDir, CSVFileName)
		if config.Download {
			if csvPath, err = DownloadCSV(dataDir); err != nil {
				return
			}
		}
		return LoadCSV(csvPath, config.MaxPerClass)

	case FormatFolders, "":
		trainEx, err = loadFolder(path.Join(dataDir, TrainDir), config.MaxPerClass, config.Verbose)
		if err != nil {
			return nil, nil, err
		}
		testPath := path.Join(dataDir, TestDir)
		if data.FileExists(testPath) {
			testEx, err = loadFolder(testPath, config.MaxPerClass, config.Verbose)
			return
		}
		klog.Infof("No %q directory, splitting %q %.0f/%.0f", testPath, TrainDir,
			100*DefaultTrainFraction, 100*(1-DefaultTrainFraction))
		seed := config.Seed
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		trainEx.Shuffle(rand.New(rand.NewSource(seed)))
		trainEx, testEx = trainEx.Split(DefaultTrainFraction)
		return

	default:
		return nil, nil, errors.Errorf("unknown dataset format %q, valid values are %q and %q",
			config.Format, FormatFolders, FormatCSV)
	}
}

// LoadFolder reads the images in `dir/<emotion>/`, for each of the 7 emotions.
//
// Files are read in name order, and at most maxPerClass per emotion are read if maxPerClass > 0.
// Missing emotion directories and unreadable images are logged and skipped.
func LoadFolder(dir string, maxPerClass int) (*Examples, error) {
	return loadFolder(dir, maxPerClass, false)
}

type folderFile struct {
	path    string
	emotion Emotion
}

func loadFolder(dir string, maxPerClass int, verbose bool) (*Examples, error) {
	dir = data.ReplaceTildeInDir(dir)
	if !data.FileExists(dir) {
		return nil, errors.Errorf("dataset directory %q not found", dir)
	}

	var files []folderFile
	for _, emotion := range AllEmotions() {
		emotionDir := path.Join(dir, emotion.String())
		entries, err := os.ReadDir(emotionDir)
		if err != nil {
			if os.IsNotExist(err) {
				klog.Warningf("%q not found, skipping emotion %q", emotionDir, emotion)
				continue
			}
			return nil, errors.Wrapf(err, "failed to list %q", emotionDir)
		}
		var names []string
		for _, entry := range entries {
			if entry.IsDir() || !isImageFile(entry.Name()) {
				continue
			}
			names = append(names, entry.Name())
		}
		slices.Sort(names)
		if maxPerClass > 0 && len(names) > maxPerClass {
			names = names[:maxPerClass]
		}
		for _, name := range names {
			files = append(files, folderFile{path: path.Join(emotionDir, name), emotion: emotion})
		}
	}

	var pBar *progressbar.ProgressBar
	if verbose {
		pBar = progressbar.NewOptions(len(files),
			progressbar.OptionSetDescription("Loading "+path.Base(dir)),
			progressbar.OptionUseANSICodes(true),
			progressbar.OptionEnableColorCodes(true),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("images"),
			progressbar.OptionSetTheme(progressbar.ThemeUnicode),
		)
	}

	// Decoding is done in parallel, the examples are appended in file order.
	decoded := make([][]float32, len(files))
	workerspool.New().Map(len(files), func(i int) {
		img, err := imaging.Open(files[i].path)
		if pBar != nil {
			_ = pBar.Add(1)
		}
		if err != nil {
			klog.V(1).Infof("skipping %q: %v", files[i].path, err)
			return
		}
		decoded[i] = Preprocess(img)
	})
	if pBar != nil {
		_ = pBar.Finish()
	}

	examples := &Examples{}
	var skipped int
	for i, f := range files {
		if decoded[i] == nil {
			skipped++
			continue
		}
		examples.Append(decoded[i], f.emotion)
	}
	if skipped > 0 {
		klog.Warningf("%d unreadable images skipped in %q", skipped, dir)
	}
	if examples.Len() == 0 {
		return nil, errors.Errorf("no images found in %q: expected sub-directories named after the emotions %q",
			dir, emotionNames)
	}
	klog.Infof("Loaded %q: %s", dir, examples.Summary())
	return examples, nil
}

func isImageFile(name string) bool {
	return slices.Contains(ImageExtensions, strings.ToLower(filepath.Ext(name)))
}

// DownloadCSV downloads fer2013.csv into dir, if not there yet, and returns its path.
func DownloadCSV(dir string) (string, error) {
	dir = data.ReplaceTildeInDir(dir)
	if err := os.MkdirAll(dir, 0777); err != nil {
		return "", errors.Wrapf(err, "failed to create %q", dir)
	}
	filePath := path.Join(dir, CSVFileName)
	if err := data.DownloadIfMissing(CSVDownloadURL, filePath, ""); err != nil {
		return "", errors.Wrapf(err, "failed to download FER2013 from %q", CSVDownloadURL)
	}
	return filePath, nil
}

// CSV column names of fer2013.csv.
const (
	csvEmotionCol = "emotion"
	csvPixelsCol  = "pixels"
	csvUsageCol   = "Usage"

	// UsageTraining marks training rows; "PublicTest" and "PrivateTest" rows are used for testing.
	UsageTraining = "Training"
)

// LoadCSV reads the original fer2013.csv: one row per image, with the emotion index, the
// 48x48 pixels as space separated integers, and the usage (Training, PublicTest or PrivateTest).
//
// maxPerClass, if > 0, limits the number of images per emotion in each split.
func LoadCSV(filePath string, maxPerClass int) (trainEx, testEx *Examples, err error) {
	f, err := os.Open(data.ReplaceTildeInDir(filePath))
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to open FER2013 CSV")
	}
	defer func() { _ = f.Close() }()

	df := dataframe.ReadCSV(f, dataframe.HasHeader(true),
		dataframe.WithTypes(map[string]series.Type{
			csvEmotionCol: series.Int,
			csvPixelsCol:  series.String,
			csvUsageCol:   series.String,
		}))
	if df.Err != nil {
		return nil, nil, errors.Wrapf(df.Err, "failed to parse %q", filePath)
	}
	for _, col := range []string{csvEmotionCol, csvPixelsCol} {
		if !slices.Contains(df.Names(), col) {
			return nil, nil, errors.Errorf("%q is missing the column %q", filePath, col)
		}
	}
	hasUsage := slices.Contains(df.Names(), csvUsageCol)

	emotions, err := df.Col(csvEmotionCol).Int()
	if err != nil {
		return nil, nil, errors.Wrapf(err, "invalid %q column", csvEmotionCol)
	}
	pixels := df.Col(csvPixelsCol).Records()
	var usages []string
	if hasUsage {
		usages = df.Col(csvUsageCol).Records()
	}

	trainEx, testEx = &Examples{}, &Examples{}
	var trainCounts, testCounts [NumEmotions]int
	for row, emotionIdx := range emotions {
		if emotionIdx < 0 || emotionIdx >= NumEmotions {
			return nil, nil, errors.Errorf("row %d: invalid emotion %d", row+1, emotionIdx)
		}
		emotion := Emotion(emotionIdx)
		isTrain := !hasUsage || usages[row] == UsageTraining
		target, counts := testEx, &testCounts
		if isTrain {
			target, counts = trainEx, &trainCounts
		}
		if maxPerClass > 0 && counts[emotion] >= maxPerClass {
			continue
		}
		image, err := ParsePixels(pixels[row])
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "row %d", row+1)
		}
		target.Append(image, emotion)
		counts[emotion]++
	}
	if trainEx.Len() == 0 {
		return nil, nil, errors.Errorf("no training rows in %q", filePath)
	}
	if testEx.Len() == 0 {
		klog.Infof("No test rows in %q, splitting training rows", filePath)
		trainEx, testEx = trainEx.Split(DefaultTrainFraction)
	}
	klog.Infof("Loaded %q: train %s, test %s", filePath, trainEx.Summary(), testEx.Summary())
	return trainEx, testEx, nil
}

// ParsePixels converts the space separated 0-255 values of a fer2013.csv row into a preprocessed image.
func ParsePixels(pixels string) ([]float32, error) {
	fields := strings.Fields(pixels)
	if len(fields) != ImageSize*ImageSize {
		return nil, errors.Errorf("expected %d pixels, got %d", ImageSize*ImageSize, len(fields))
	}
	values := make([]float32, len(fields))
	for i, field := range fields {
		v, err := strconv.Atoi(field)
		if err != nil || v < 0 || v > 255 {
			return nil, errors.Errorf("invalid pixel value %q at position %d", field, i)
		}
		values[i] = float32(v) / 255.0
	}
	return values, nil
}
