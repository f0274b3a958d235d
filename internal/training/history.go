// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package training

import (
	"fmt"
	"os"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/pkg/errors"
	"github.com/speechmd/multidecoder/internal/report"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// File names written to the checkpoint directory.
const (
	HistoryFileName   = "loss_history.csv"
	LossCurveFileName = "loss_curve.png"
)

// EpochResult holds the losses of one training epoch.
type EpochResult struct {
	Epoch int

	// Train is the mean of all training batch losses of the epoch, Dev the batch-weighted mean of the dev losses
	// of each class.
	Train, Dev float64

	// IsBest is set if the dev loss was the best so far (ties included), in which case a checkpoint was saved.
	IsBest bool

	// Classes holds the per-class losses, in the order of History.Classes.
	Classes []report.ClassLosses
}

// History of the losses of a training run.
type History struct {
	Classes []string
	Epochs  []EpochResult
}

// Append an epoch result.
func (h *History) Append(result EpochResult) {
	h.Epochs = append(h.Epochs, result)
}

// TruncateAfter drops the results of epochs after epoch. Used when resuming from a checkpoint, since only
// improvements are checkpointed.
func (h *History) TruncateAfter(epoch int) {
	for ii, result := range h.Epochs {
		if result.Epoch > epoch {
			h.Epochs = h.Epochs[:ii]
			return
		}
	}
}

func classColumn(kind, class string) string {
	return fmt.Sprintf("%s_%s", kind, class)
}

// WriteCSV writes the history as a CSV file with one row per epoch, and columns "epoch", "train_loss",
// "dev_loss", "is_best" and, for each class, "batches_<class>", "train_<class>" and "dev_<class>".
func (h *History) WriteCSV(path string) error {
	n := len(h.Epochs)
	epochs := make([]int, n)
	train := make([]float64, n)
	dev := make([]float64, n)
	isBest := make([]bool, n)
	for ii, result := range h.Epochs {
		epochs[ii] = result.Epoch
		train[ii] = result.Train
		dev[ii] = result.Dev
		isBest[ii] = result.IsBest
	}
	columns := []series.Series{
		series.New(epochs, series.Int, "epoch"),
		series.New(train, series.Float, "train_loss"),
		series.New(dev, series.Float, "dev_loss"),
		series.New(isBest, series.Bool, "is_best"),
	}
	for classIdx, class := range h.Classes {
		batches := make([]int, n)
		classTrain := make([]float64, n)
		classDev := make([]float64, n)
		for ii, result := range h.Epochs {
			if classIdx >= len(result.Classes) {
				return errors.Errorf("epoch %d has no losses for class %q", result.Epoch, class)
			}
			batches[ii] = result.Classes[classIdx].NumTrainBatches
			classTrain[ii] = result.Classes[classIdx].Train
			classDev[ii] = result.Classes[classIdx].Dev
		}
		columns = append(columns,
			series.New(batches, series.Int, classColumn("batches", class)),
			series.New(classTrain, series.Float, classColumn("train", class)),
			series.New(classDev, series.Float, classColumn("dev", class)))
	}
	df := dataframe.New(columns...)
	if df.Err != nil {
		return errors.Wrap(df.Err, "creating loss history table")
	}

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating %q", path)
	}
	if err = df.WriteCSV(f); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "writing %q", path)
	}
	return errors.Wrapf(f.Close(), "closing %q", path)
}

// ReadHistoryCSV reads a history written by History.WriteCSV, for the given classes.
func ReadHistoryCSV(path string, classes []string) (*History, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %q", path)
	}
	defer func() { _ = f.Close() }()
	df := dataframe.ReadCSV(f, dataframe.HasHeader(true), dataframe.WithTypes(map[string]series.Type{
		"epoch":   series.Int,
		"is_best": series.Bool,
	}))
	if df.Err != nil {
		return nil, errors.Wrapf(df.Err, "parsing %q", path)
	}

	column := func(name string) (series.Series, error) {
		s := df.Col(name)
		if s.Err != nil {
			return s, errors.Wrapf(s.Err, "reading column %q of %q", name, path)
		}
		return s, nil
	}
	h := &History{Classes: classes}
	epochsCol, err := column("epoch")
	if err != nil {
		return nil, err
	}
	epochs, err := epochsCol.Int()
	if err != nil {
		return nil, errors.Wrapf(err, "parsing epochs of %q", path)
	}
	trainCol, err := column("train_loss")
	if err != nil {
		return nil, err
	}
	devCol, err := column("dev_loss")
	if err != nil {
		return nil, err
	}
	isBestCol, err := column("is_best")
	if err != nil {
		return nil, err
	}
	isBest, err := isBestCol.Bool()
	if err != nil {
		return nil, errors.Wrapf(err, "parsing is_best of %q", path)
	}
	train, dev := trainCol.Float(), devCol.Float()
	h.Epochs = make([]EpochResult, len(epochs))
	for ii := range epochs {
		h.Epochs[ii] = EpochResult{Epoch: epochs[ii], Train: train[ii], Dev: dev[ii], IsBest: isBest[ii],
			Classes: make([]report.ClassLosses, len(classes))}
	}
	for classIdx, class := range classes {
		batchesCol, err := column(classColumn("batches", class))
		if err != nil {
			return nil, err
		}
		batches, err := batchesCol.Int()
		if err != nil {
			return nil, errors.Wrapf(err, "parsing batches of class %q in %q", class, path)
		}
		classTrainCol, err := column(classColumn("train", class))
		if err != nil {
			return nil, err
		}
		classDevCol, err := column(classColumn("dev", class))
		if err != nil {
			return nil, err
		}
		classTrain, classDev := classTrainCol.Float(), classDevCol.Float()
		for ii := range h.Epochs {
			h.Epochs[ii].Classes[classIdx] = report.ClassLosses{
				Class: class, NumTrainBatches: batches[ii], Train: classTrain[ii], Dev: classDev[ii]}
		}
	}
	return h, nil
}

// Plot draws the train and dev loss curves, plus the dev curve of each class (dashed), and marks the best
// epochs. The image format is given by the extension of path.
func (h *History) Plot(path, title string) error {
	if len(h.Epochs) == 0 {
		return errors.New("no epochs to plot")
	}
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "epoch"
	p.Y.Label.Text = "loss"
	p.Add(plotter.NewGrid())

	n := len(h.Epochs)
	train := make(plotter.XYs, n)
	dev := make(plotter.XYs, n)
	var best plotter.XYs
	for ii, result := range h.Epochs {
		train[ii] = plotter.XY{X: float64(result.Epoch), Y: result.Train}
		dev[ii] = plotter.XY{X: float64(result.Epoch), Y: result.Dev}
		if result.IsBest {
			best = append(best, dev[ii])
		}
	}
	for ii, curve := range []struct {
		name string
		xys  plotter.XYs
	}{{"train", train}, {"dev", dev}} {
		line, err := plotter.NewLine(curve.xys)
		if err != nil {
			return errors.Wrapf(err, "plotting %s loss", curve.name)
		}
		line.Color = plotutil.Color(ii)
		line.Width = vg.Points(2)
		p.Add(line)
		p.Legend.Add(curve.name, line)
	}
	for classIdx, class := range h.Classes {
		xys := make(plotter.XYs, n)
		for ii, result := range h.Epochs {
			xys[ii] = plotter.XY{X: float64(result.Epoch), Y: result.Classes[classIdx].Dev}
		}
		line, err := plotter.NewLine(xys)
		if err != nil {
			return errors.Wrapf(err, "plotting dev loss of class %q", class)
		}
		line.Color = plotutil.Color(classIdx + 2)
		line.Dashes = plotutil.Dashes(1)
		p.Add(line)
		p.Legend.Add("dev "+class, line)
	}
	if len(best) > 0 {
		scatter, err := plotter.NewScatter(best)
		if err != nil {
			return errors.Wrap(err, "plotting best epochs")
		}
		scatter.Color = plotutil.Color(1)
		p.Add(scatter)
		p.Legend.Add("best", scatter)
	}
	p.Legend.Top = true
	if err := p.Save(8*vg.Inch, 5*vg.Inch, path); err != nil {
		return errors.Wrapf(err, "saving loss curve to %q", path)
	}
	return nil
}
