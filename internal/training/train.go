// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package training trains multidecoder models: it loads the per-class features, interleaves the classes
// in each epoch, evaluates the dev split of each class after every epoch, stops early when the dev loss doesn't
// improve for a few epochs, and keeps only the best checkpoint.
package training

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/speechmd/multidecoder/internal/report"
	"github.com/speechmd/multidecoder/pkg/ml/datasets/features"
	"github.com/speechmd/multidecoder/pkg/ml/datasets/interleave"
	"github.com/speechmd/multidecoder/pkg/ml/multidecoder"
	"github.com/speechmd/multidecoder/pkg/ml/train/grouped"
	"k8s.io/klog/v2"
)

// Backend is created once and reused if Train is called multiple times.
var Backend backends.Backend

// ModelScope is the scope under which the model variables are created.
const ModelScope = "model"

// Variables holding the training progress, saved along with the checkpoints.
const (
	TrainingStateScope = "/training"
	EpochVarName       = "epoch"
	BestDevLossVarName = "best_dev_loss"
	DevLossVarName     = "dev_loss"
)

// TrainingState is the progress of the training, as stored in the context.
type TrainingState struct {
	// Epoch is the last completed epoch, 0 if none.
	Epoch int

	// BestDevLoss so far (+Inf if none), DevLoss of the last saved epoch.
	BestDevLoss, DevLoss float64
}

type trainingStateVars struct {
	epoch, bestDevLoss, devLoss *context.Variable
}

// getTrainingStateVars returns the variables with the training state, creating them if needed.
func getTrainingStateVars(ctx *context.Context) *trainingStateVars {
	stateCtx := ctx.InAbsPath(TrainingStateScope).Checked(false)
	return &trainingStateVars{
		epoch:       stateCtx.VariableWithValue(EpochVarName, int64(0)).SetTrainable(false),
		bestDevLoss: stateCtx.VariableWithValue(BestDevLossVarName, math.Inf(1)).SetTrainable(false),
		devLoss:     stateCtx.VariableWithValue(DevLossVarName, math.Inf(1)).SetTrainable(false),
	}
}

func (v *trainingStateVars) get() TrainingState {
	return TrainingState{
		Epoch:       int(tensors.ToScalar[int64](v.epoch.MustValue())),
		BestDevLoss: tensors.ToScalar[float64](v.bestDevLoss.MustValue()),
		DevLoss:     tensors.ToScalar[float64](v.devLoss.MustValue()),
	}
}

func (v *trainingStateVars) set(state TrainingState) error {
	if err := v.epoch.SetValue(tensors.FromScalar(int64(state.Epoch))); err != nil {
		return err
	}
	if err := v.bestDevLoss.SetValue(tensors.FromScalar(state.BestDevLoss)); err != nil {
		return err
	}
	return v.devLoss.SetValue(tensors.FromScalar(state.DevLoss))
}

// ReadTrainingState returns the training state stored in ctx (e.g. loaded from a checkpoint), without creating
// the variables. It returns false if there is none.
func ReadTrainingState(ctx *context.Context) (state TrainingState, found bool) {
	vars := &trainingStateVars{
		epoch:       ctx.GetVariableByScopeAndName(TrainingStateScope, EpochVarName),
		bestDevLoss: ctx.GetVariableByScopeAndName(TrainingStateScope, BestDevLossVarName),
		devLoss:     ctx.GetVariableByScopeAndName(TrainingStateScope, DevLossVarName),
	}
	if vars.epoch == nil || vars.bestDevLoss == nil || vars.devLoss == nil {
		return
	}
	return vars.get(), true
}

// Data holds the spliced features of every class.
type Data struct {
	Train, Dev map[string]*features.ClassData
}

// LoadData loads the train and dev features of each class from dataDir, with the splicing and feature
// dimension configured in ctx.
func LoadData(ctx *context.Context, dataDir string, classes []string, showProgress bool) (*Data, error) {
	splicing := SplicingFromContext(ctx)
	featDim := context.GetParamOr(ctx, ParamFeatDim, 0)
	data := &Data{Train: make(map[string]*features.ClassData), Dev: make(map[string]*features.ClassData)}
	for _, class := range classes {
		for _, split := range []struct {
			name   string
			target map[string]*features.ClassData
		}{{"train", data.Train}, {"dev", data.Dev}} {
			classData, err := features.LoadClass(dataDir, class, split.name, splicing, featDim, showProgress)
			if err != nil {
				return nil, err
			}
			split.target[class] = classData
		}
	}
	return data, nil
}

// classDatasets holds one dataset per class and the number of batches it yields per epoch.
type classDatasets struct {
	classes    []string
	datasets   map[string]train.Dataset
	numBatches map[string]int
}

func newClassDatasets(backend backends.Backend, classes []string, data map[string]*features.ClassData,
	batchSize int, training, noise, reconstructionOnly bool) (*classDatasets, error) {
	cds := &classDatasets{classes: classes, datasets: make(map[string]train.Dataset), numBatches: make(map[string]int)}
	for _, class := range classes {
		spec := multidecoder.Spec{Class: class, Noise: noise, ReconstructionOnly: reconstructionOnly}
		ds, err := data[class].Dataset(backend, spec, batchSize, training, training)
		if err != nil {
			return nil, err
		}
		cds.datasets[class] = ds
		cds.numBatches[class] = data[class].NumBatches(batchSize, training)
	}
	return cds, nil
}

// evaluate each class, returning the loss per class and the overall batch-weighted mean.
func (cds *classDatasets) evaluate(trainer *train.Trainer) (perClass map[string]float64, overall float64, err error) {
	perClass = make(map[string]float64, len(cds.classes))
	totalBatches := 0
	for _, class := range cds.classes {
		numBatches := cds.numBatches[class]
		if numBatches == 0 {
			continue
		}
		ds := cds.datasets[class]
		var values []*tensors.Tensor
		values, err = trainer.Eval(ds)
		ds.Reset()
		if err != nil {
			err = errors.WithMessagef(err, "evaluating class %q on %s", class, ds.Name())
			return
		}
		loss := shapes.ConvertTo[float64](values[0].Value())
		perClass[class] = loss
		overall += loss * float64(numBatches)
		totalBatches += numBatches
	}
	if totalBatches == 0 {
		err = errors.New("no batches to evaluate")
		return
	}
	overall /= float64(totalBatches)
	return
}

// lossAccumulator sums the training loss of each class.
type lossAccumulator struct {
	sums   map[string]float64
	counts map[string]int
}

func newLossAccumulator() *lossAccumulator {
	return &lossAccumulator{sums: make(map[string]float64), counts: make(map[string]int)}
}

// Reset for a new epoch.
func (a *lossAccumulator) Reset() {
	clear(a.sums)
	clear(a.counts)
}

func (a *lossAccumulator) Add(class string, loss float64) {
	a.sums[class] += loss
	a.counts[class]++
}

// Mean returns the mean loss of class, 0 if it had no batches.
func (a *lossAccumulator) Mean(class string) float64 {
	if a.counts[class] == 0 {
		return 0
	}
	return a.sums[class] / float64(a.counts[class])
}

// Total returns the mean loss over all batches.
func (a *lossAccumulator) Total() float64 {
	var sum float64
	var count int
	for class, classSum := range a.sums {
		sum += classSum
		count += a.counts[class]
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

// earlyStopping tracks the best dev loss and the number of epochs since it last improved.
type earlyStopping struct {
	patience         int
	best             float64
	sinceImprovement int
}

// newEarlyStopping starts tracking from the best dev loss so far (+Inf if none).
func newEarlyStopping(patience int, best float64) *earlyStopping {
	return &earlyStopping{patience: patience, best: best}
}

// Update records the dev loss of an epoch. It's the best if it is lower or equal to the best so far, and
// training should stop once patience epochs in a row were not the best.
func (e *earlyStopping) Update(devLoss float64) (isBest, stop bool) {
	if devLoss <= e.best {
		e.best = devLoss
		e.sinceImprovement = 0
		return true, false
	}
	e.sinceImprovement++
	return false, e.sinceImprovement >= e.patience
}

// FinalEval holds the reconstruction-only losses (no noise, no auxiliary losses) of the best model.
type FinalEval struct {
	Train, Dev                 float64
	TrainPerClass, DevPerClass map[string]float64
}

// Result of a training session.
type Result struct {
	// RunID identifies the training session in the logs and the loss curve.
	RunID string

	History *History

	// Best is the training state of the best model.
	Best TrainingState

	// StoppedEarly is set if the training stopped because the dev loss didn't improve for "patience" epochs.
	StoppedEarly bool

	// Final evaluation, if requested.
	Final *FinalEval
}

// Train a multidecoder with the hyperparameters given in ctx, reading the features from dataDir.
//
// If checkpointPath is set (relative paths are relative to dataDir) the best model is saved there, along
// with the loss history and curve, and an existing checkpoint is resumed. paramsSet lists the hyperparameters
// set by the user, that take precedence over the ones saved in the checkpoint.
func Train(ctx *context.Context, dataDir, checkpointPath string, evaluateOnEnd bool, verbosity int,
	paramsSet []string) (result *Result, err error) {
	var trainErr error
	err = exceptions.TryCatch[error](func() {
		result, trainErr = trainImpl(ctx, dataDir, checkpointPath, evaluateOnEnd, verbosity, paramsSet)
	})
	if err == nil {
		err = trainErr
	}
	return
}

func trainImpl(ctx *context.Context, dataDir, checkpointPath string, evaluateOnEnd bool, verbosity int,
	paramsSet []string) (*Result, error) {
	if err := checkDataDir(dataDir); err != nil {
		return nil, err
	}
	result := &Result{RunID: uuid.NewString()}
	if Backend == nil {
		Backend = backends.MustNew()
	}
	klog.Infof("Run %s: backend %q (%s)", result.RunID, Backend.Name(), Backend.Description())

	// Checkpoints saving: it also loads the hyperparameters of a previous session.
	var checkpoint *checkpoints.Handler
	resuming := false
	if checkpointPath != "" {
		var err error
		checkpoint, err = checkpoints.Build(ctx).
			DirFromBase(checkpointPath, dataDir).
			Keep(1).
			ExcludeParams(append(paramsSet, ParamsExcludedFromSaving...)...).
			Done()
		if err != nil {
			return nil, errors.WithMessagef(err, "creating checkpoint handler for %q", checkpointPath)
		}
		resuming, err = checkpoint.HasCheckpoints()
		if err != nil {
			return nil, err
		}
		klog.Infof("Checkpointing model to %q", checkpoint.Dir())
	}
	seed := int64(context.GetParamOr(ctx, ParamSeed, 1))
	if !resuming {
		if err := ctx.SetRNGStateFromSeed(seed); err != nil {
			return nil, errors.WithMessage(err, "seeding the random number generator")
		}
	}
	if verbosity >= 2 {
		fmt.Println(commandline.SprintContextSettings(ctx))
	}

	config, err := ConfigFromContext(ctx)
	if err != nil {
		return nil, err
	}
	model, err := multidecoder.NewModel(config)
	if err != nil {
		return nil, err
	}
	classes := model.Classes()

	// Datasets.
	batchSize := context.GetParamOr(ctx, ParamBatchSize, 0)
	if batchSize <= 0 {
		return nil, errors.Errorf("%q must be > 0, got %d", ParamBatchSize, batchSize)
	}
	data, err := LoadData(ctx, dataDir, classes, verbosity >= 1)
	if err != nil {
		return nil, err
	}
	trainDatasets, err := newClassDatasets(Backend, classes, data.Train, batchSize, true, true, false)
	if err != nil {
		return nil, err
	}
	noisyDev := context.GetParamOr(ctx, ParamNoisyDevEval, true)
	devDatasets, err := newClassDatasets(Backend, classes, data.Dev, batchSize, false, noisyDev, false)
	if err != nil {
		return nil, err
	}
	var sources []interleave.Source
	for _, class := range classes {
		numBatches := trainDatasets.numBatches[class]
		if numBatches == 0 {
			klog.Warningf("Class %q has %d training examples, less than a batch (%d): its decoder won't be trained",
				class, data.Train[class].NumExamples(), batchSize)
		}
		sources = append(sources, interleave.Source{Class: class, Dataset: trainDatasets.datasets[class],
			NumBatches: numBatches})
		klog.V(1).Infof("Class %q: %d training batches, %d dev batches", class, numBatches,
			devDatasets.numBatches[class])
	}

	// Training state, loaded from the checkpoint if resuming.
	stateVars := getTrainingStateVars(ctx)
	state := stateVars.get()
	result.Best = state
	result.History = &History{Classes: classes}
	if checkpoint != nil && state.Epoch > 0 {
		historyPath := filepath.Join(checkpoint.Dir(), HistoryFileName)
		if history, err := ReadHistoryCSV(historyPath, classes); err == nil {
			history.TruncateAfter(state.Epoch)
			result.History = history
		} else {
			klog.Warningf("Failed to read loss history, it will restart at epoch %d: %v", state.Epoch+1, err)
		}
		klog.Infof("Resuming after epoch %d, best dev loss %s", state.Epoch, report.FormatLoss(state.BestDevLoss))
	}
	trainDS, err := interleave.New("train", sources, nil)
	if err != nil {
		return nil, err
	}
	if trainDS.NumBatches() == 0 {
		return nil, errors.Errorf("no class has enough training examples for a batch of %d", batchSize)
	}

	// Create a train.Trainer with one optimizer state per parameter group.
	ctx = ctx.In(ModelScope) // Convention scope used for model creation.
	optimizer := grouped.New(model.Groups(), model.GroupOf).FromContext(ctx).Done()
	trainer := train.NewTrainer(Backend, ctx, model.ModelGraph, model.Loss, optimizer, nil, nil)
	globalStep := optimizers.GetGlobalStep(ctx)
	if globalStep > 0 {
		trainer.SetContext(ctx.Reuse())
	}

	losses := newLossAccumulator()
	loop := train.NewLoop(trainer)
	if verbosity >= 0 {
		commandline.AttachProgressBar(loop, func() (string, string) {
			return "Class", trainDS.LastClass()
		})
	}
	loop.OnStep("per-class losses", 0, func(_ *train.Loop, metrics []*tensors.Tensor) error {
		losses.Add(trainDS.LastClass(), shapes.ConvertTo[float64](metrics[0].Value()))
		return nil
	})

	numEpochs := context.GetParamOr(ctx, ParamEpochs, 0)
	stopping := newEarlyStopping(context.GetParamOr(ctx, ParamPatience, 3), result.Best.BestDevLoss)
	for epoch := state.Epoch + 1; epoch <= numEpochs; epoch++ {
		losses.Reset()
		trainDS.Seed(seed + int64(epoch))
		start := time.Now()
		if _, err := loop.RunEpochs(trainDS, 1); err != nil {
			return nil, errors.WithMessagef(err, "training epoch %d", epoch)
		}
		devPerClass, devLoss, err := devDatasets.evaluate(trainer)
		if err != nil {
			return nil, err
		}

		epochResult := EpochResult{Epoch: epoch, Train: losses.Total(), Dev: devLoss}
		for _, class := range classes {
			epochResult.Classes = append(epochResult.Classes, report.ClassLosses{
				Class:           class,
				NumTrainBatches: losses.counts[class],
				Train:           losses.Mean(class),
				Dev:             devPerClass[class],
			})
		}
		var stop bool
		epochResult.IsBest, stop = stopping.Update(devLoss)
		result.History.Append(epochResult)
		klog.Infof("Epoch %d: average train loss %s, dev loss %s (%s, median step %s)", epoch,
			report.FormatLoss(epochResult.Train), report.FormatLoss(devLoss), time.Since(start).Round(time.Second),
			loop.MedianTrainStepDuration())
		if verbosity >= 1 {
			fmt.Println(report.EpochLosses(epoch, epochResult.Classes, epochResult.Train, devLoss, epochResult.IsBest))
		}

		if epochResult.IsBest {
			result.Best = TrainingState{Epoch: epoch, BestDevLoss: devLoss, DevLoss: devLoss}
			klog.Infof("New best dev loss: %s", report.FormatLoss(devLoss))
			if checkpoint != nil {
				if err := stateVars.set(result.Best); err != nil {
					return nil, err
				}
				if err := checkpoint.Save(); err != nil {
					return nil, errors.WithMessagef(err, "saving checkpoint of epoch %d", epoch)
				}
				klog.V(1).Infof("Saved checkpoint of epoch %d", epoch)
			}
		} else {
			klog.Infof("No improvement in %d epochs (best dev loss: %s)", stopping.sinceImprovement,
				report.FormatLoss(result.Best.BestDevLoss))
		}
		if checkpoint != nil {
			writeHistory(checkpoint.Dir(), result)
		}
		if stop {
			klog.Infof("Stopping early after epoch %d", epoch)
			result.StoppedEarly = true
			break
		}
	}
	if verbosity >= 1 {
		fmt.Println(report.Groups(report.SummarizeGroups(ctx, model.Groups(), model.GroupOf,
			optimizer.GroupSteps(ctx))))
	}

	if evaluateOnEnd {
		final, err := finalEval(ctx, trainer, checkpoint, model, data, batchSize)
		if err != nil {
			return nil, err
		}
		result.Final = final
		klog.Infof("Training set reconstruction loss without noise: %s", report.FormatLoss(final.Train))
		klog.Infof("Dev set reconstruction loss without noise: %s", report.FormatLoss(final.Dev))
		if verbosity >= 1 {
			var classLosses []report.ClassLosses
			for _, class := range classes {
				classLosses = append(classLosses, report.ClassLosses{Class: class,
					NumTrainBatches: data.Train[class].NumBatches(batchSize, false),
					Train:           final.TrainPerClass[class], Dev: final.DevPerClass[class]})
			}
			fmt.Println(report.EpochLosses(result.Best.Epoch, classLosses, final.Train, final.Dev, true))
		}
	}
	return result, nil
}

// writeHistory saves the loss history and curve to dir. Failures are only logged.
func writeHistory(dir string, result *Result) {
	if err := result.History.WriteCSV(filepath.Join(dir, HistoryFileName)); err != nil {
		klog.Warningf("Failed to save loss history: %+v", err)
	}
	title := fmt.Sprintf("Multidecoder losses (run %s)", result.RunID)
	if err := result.History.Plot(filepath.Join(dir, LossCurveFileName), title); err != nil {
		klog.Warningf("Failed to plot loss curve: %+v", err)
	}
}

// LoadCheckpoint loads immediately all the variables and hyperparameters of the checkpoint in dir into ctx.
func LoadCheckpoint(ctx *context.Context, dir string) (*checkpoints.Handler, error) {
	return checkpoints.Build(ctx).Dir(dir).Immediate().Done()
}

// finalEval evaluates the reconstruction loss, without noise nor auxiliary losses, of the best model on the
// train and dev splits of every class. The best model is reloaded from the checkpoint, if there is one,
// otherwise the current model is evaluated.
func finalEval(ctx *context.Context, trainer *train.Trainer, checkpoint *checkpoints.Handler,
	model *multidecoder.Model, data *Data, batchSize int) (*FinalEval, error) {
	if checkpoint != nil {
		hasCheckpoints, err := checkpoint.HasCheckpoints()
		if err != nil {
			return nil, err
		}
		if hasCheckpoints {
			bestCtx := context.New()
			if _, err := LoadCheckpoint(bestCtx, checkpoint.Dir()); err != nil {
				return nil, errors.WithMessagef(err, "reloading best checkpoint from %q", checkpoint.Dir())
			}
			bestCtx = bestCtx.In(ModelScope)
			optimizer := grouped.New(model.Groups(), model.GroupOf).FromContext(bestCtx).Done()
			trainer = train.NewTrainer(Backend, bestCtx, model.ModelGraph, model.Loss, optimizer, nil, nil)
			klog.V(1).Infof("Reloaded best checkpoint from %q", checkpoint.Dir())
		}
	} else {
		klog.Warningf("No checkpoint directory, evaluating the model of the last epoch")
	}

	final := &FinalEval{}
	classes := model.Classes()
	for _, split := range []struct {
		data     map[string]*features.ClassData
		perClass *map[string]float64
		overall  *float64
	}{
		{data.Train, &final.TrainPerClass, &final.Train},
		{data.Dev, &final.DevPerClass, &final.Dev},
	} {
		cds, err := newClassDatasets(Backend, classes, split.data, batchSize, false, false, true)
		if err != nil {
			return nil, err
		}
		*split.perClass, *split.overall, err = cds.evaluate(trainer)
		if err != nil {
			return nil, err
		}
	}
	return final, nil
}

// checkDataDir returns an error if dir is not an existing directory.
func checkDataDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return errors.Wrapf(err, "features directory %q", dir)
	}
	if !info.IsDir() {
		return errors.Errorf("features directory %q is not a directory", dir)
	}
	return nil
}
