// Copyright 2025 The Focusnet Authors. SPDX-License-Identifier: Apache-2.0

package focusnet

import (
	"fmt"
	"os"
	"path"
	"slices"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/gomlx/ml/data"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
)

const (
	// HistoryFile is the name of the JSON file with the training history, saved in the checkpoint directory.
	HistoryFile = "history.json"

	// HistoryPlotFile is the name of the PNG with the loss and accuracy curves.
	HistoryPlotFile = "training_history.png"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// EpochResult holds the metrics measured at the end of one epoch.
type EpochResult struct {
	Epoch        int     `json:"epoch"`
	TrainLoss    float64 `json:"train_loss"`
	TrainAcc     float64 `json:"train_acc"`
	TestLoss     float64 `json:"test_loss"`
	TestAcc      float64 `json:"test_acc"`
	LearningRate float64 `json:"learning_rate"`
	Improved     bool    `json:"improved"`
}

// History of a training run, one entry per epoch.
type History struct {
	Epochs []EpochResult `json:"epochs"`
}

// Add an epoch result.
func (h *History) Add(r EpochResult) {
	h.Epochs = append(h.Epochs, r)
}

// Truncate drops the results of the epochs after lastEpoch.
func (h *History) Truncate(lastEpoch int) {
	h.Epochs = slices.DeleteFunc(h.Epochs, func(r EpochResult) bool { return r.Epoch > lastEpoch })
}

// Best returns the epoch with the highest test accuracy, and false if the history is empty.
func (h *History) Best() (best EpochResult, found bool) {
	for _, r := range h.Epochs {
		if !found || r.TestAcc > best.TestAcc {
			best, found = r, true
		}
	}
	return
}

// LoadHistory reads the history saved in dir, or returns an empty history if there is none.
func LoadHistory(dir string) (*History, error) {
	h := &History{}
	filePath := path.Join(dir, HistoryFile)
	if !data.FileExists(filePath) {
		return h, nil
	}
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read training history")
	}
	if err = json.Unmarshal(contents, h); err != nil {
		return nil, errors.Wrapf(err, "failed to parse %q", filePath)
	}
	return h, nil
}

// Save the history as JSON in dir.
func (h *History) Save(dir string) error {
	contents, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to serialize training history")
	}
	filePath := path.Join(dir, HistoryFile)
	if err = os.WriteFile(filePath, contents, 0644); err != nil {
		return errors.Wrapf(err, "failed to write %q", filePath)
	}
	return nil
}

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
	bestRowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "2", Dark: "10"}).
			Bold(true).
			PaddingLeft(1).PaddingRight(1)
)

// newTable creates a table where rows listed in highlight are rendered in bold green.
func newTable(highlight map[int]bool, alignments ...lipgloss.Position) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			switch {
			case row < 0:
				return headerRowStyle
			case highlight[row]:
				s = bestRowStyle
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			alignment := lipgloss.Right
			if col < len(alignments) {
				alignment = alignments[col]
			}
			return s.Align(alignment)
		})
}

// Table renders the history, with the epochs that improved the test accuracy highlighted.
func (h *History) Table() string {
	highlight := make(map[int]bool)
	t := newTable(highlight).
		Headers("Epoch", "Train Loss", "Train Acc", "Test Loss", "Test Acc", "LR")
	for i, r := range h.Epochs {
		if r.Improved {
			highlight[i] = true
		}
		t.Row(fmt.Sprintf("%d", r.Epoch),
			fmt.Sprintf("%.4f", r.TrainLoss), fmt.Sprintf("%.2f%%", 100*r.TrainAcc),
			fmt.Sprintf("%.4f", r.TestLoss), fmt.Sprintf("%.2f%%", 100*r.TestAcc),
			fmt.Sprintf("%.2g", r.LearningRate))
	}
	return t.String()
}

// Plot saves a PNG with two side by side charts: train/test loss and train/test accuracy per epoch.
func (h *History) Plot(filePath string) error {
	if len(h.Epochs) == 0 {
		return errors.New("empty training history, nothing to plot")
	}
	points := func(value func(r EpochResult) float64) plotter.XYs {
		xys := make(plotter.XYs, len(h.Epochs))
		for i, r := range h.Epochs {
			xys[i].X = float64(r.Epoch)
			xys[i].Y = value(r)
		}
		return xys
	}

	lossPlot := plot.New()
	lossPlot.Title.Text = "Loss"
	lossPlot.X.Label.Text = "Epoch"
	lossPlot.Legend.Top = true
	err := plotutil.AddLinePoints(lossPlot,
		"Train", points(func(r EpochResult) float64 { return r.TrainLoss }),
		"Test", points(func(r EpochResult) float64 { return r.TestLoss }))
	if err != nil {
		return errors.Wrap(err, "failed to plot loss")
	}

	accPlot := plot.New()
	accPlot.Title.Text = "Accuracy"
	accPlot.X.Label.Text = "Epoch"
	accPlot.Legend.Top = true
	err = plotutil.AddLinePoints(accPlot,
		"Train", points(func(r EpochResult) float64 { return r.TrainAcc }),
		"Test", points(func(r EpochResult) float64 { return r.TestAcc }))
	if err != nil {
		return errors.Wrap(err, "failed to plot accuracy")
	}

	img := vgimg.New(12*vg.Inch, 4*vg.Inch)
	dc := draw.New(img)
	tiles := draw.Tiles{Rows: 1, Cols: 2, PadX: vg.Millimeter, PadY: vg.Millimeter,
		PadTop: vg.Points(2), PadBottom: vg.Points(2), PadLeft: vg.Points(2), PadRight: vg.Points(2)}
	plots := [][]*plot.Plot{{lossPlot, accPlot}}
	canvases := plot.Align(plots, tiles, dc)
	lossPlot.Draw(canvases[0][0])
	accPlot.Draw(canvases[0][1])

	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", filePath)
	}
	if _, err = (vgimg.PngCanvas{Canvas: img}).WriteTo(f); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to write %q", filePath)
	}
	return errors.Wrapf(f.Close(), "failed to close %q", filePath)
}
