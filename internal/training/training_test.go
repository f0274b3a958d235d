// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package training

import (
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/numpy"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/janpfeifer/must"
	"github.com/speechmd/multidecoder/internal/report"
	"github.com/speechmd/multidecoder/pkg/ml/multidecoder"
	"github.com/speechmd/multidecoder/pkg/ml/stages"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

// smallContext configures a tiny model on 12-dimensional features spliced with 1 frame on each side.
func smallContext() *context.Context {
	ctx := CreateDefaultContext()
	ctx.SetParams(map[string]any{
		ParamFeatDim:                 12,
		ParamLeftContext:             1,
		ParamRightContext:            1,
		ParamEncChannels:             "2_4",
		ParamEncKernels:              "3_3",
		ParamEncPools:                "0_2",
		ParamEncFC:                   "6",
		ParamLatentDim:               3,
		ParamActivation:              "Tanh",
		ParamFrequencyOnlyKernels:    true,
		ParamDecoderClasses:          "clean_noisy",
		ParamBatchSize:               4,
		ParamEpochs:                  2,
		multidecoder.ParamNoiseRatio: 0.1,
		optimizers.ParamLearningRate: 1e-3,
	})
	return ctx
}

// writeFeatures writes random "<class>-<split>.npz" files with 2 utterances each.
func writeFeatures(t *testing.T, dir string, classes []string, featDim int) {
	rng := rand.New(rand.NewSource(3))
	for _, class := range classes {
		for _, split := range []string{"train", "dev"} {
			arrays := make(map[string]*tensors.Tensor)
			for utt, numFrames := range []int{7, 6} {
				values := make([]float32, numFrames*featDim)
				for ii := range values {
					values[ii] = float32(rng.NormFloat64())
				}
				arrays[fmt.Sprintf("utt%d", utt)] = tensors.FromFlatDataAndDimensions(values, numFrames, featDim)
			}
			require.NoError(t, numpy.ToNpzFile(arrays, filepath.Join(dir, fmt.Sprintf("%s-%s.npz", class, split))))
		}
	}
}

func TestCreateDefaultContext(t *testing.T) {
	ctx := CreateDefaultContext()
	assert.Equal(t, "8_16", context.GetParamOr(ctx, ParamEncChannels, ""))
	assert.Equal(t, "Sigmoid", context.GetParamOr(ctx, ParamGANActivation, ""))
	var rngState *context.Variable
	for v := range ctx.IterVariables() {
		if v.Name() == context.RNGStateVariableName {
			rngState = v
		}
	}
	require.NotNil(t, rngState, "random number generator state not initialized")
	require.NoError(t, ctx.SetRNGStateFromSeed(7))
}

func TestConfigFromContext(t *testing.T) {
	ctx := smallContext()
	config, err := ConfigFromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, config.TimeDim)
	assert.Equal(t, 12, config.FreqDim)
	assert.Equal(t, []int{2, 4}, config.Encoder.Channels)
	assert.Equal(t, config.Encoder.Reversed(), config.Decoder)
	assert.Equal(t, []int{6}, config.DecoderFC)
	assert.Equal(t, []string{"clean", "noisy"}, config.Classes)
	assert.Equal(t, stages.ActivationTanh, config.Flags.Activation)
	assert.False(t, config.Variational)
	assert.Nil(t, config.Adversary)
	_, err = multidecoder.NewModel(config)
	require.NoError(t, err)

	ctx.SetParam(ParamModelType, "vae")
	config, err = ConfigFromContext(ctx)
	require.NoError(t, err)
	assert.True(t, config.Variational)

	ctx.SetParams(map[string]any{ParamModelType: "adversarial", ParamAdversaryFC: "5_4", ParamAdversaryDomainClass: "noisy"})
	config, err = ConfigFromContext(ctx)
	require.NoError(t, err)
	require.NotNil(t, config.Adversary)
	assert.Equal(t, []int{5, 4}, config.Adversary.Hidden)
	assert.Equal(t, stages.ActivationSigmoid, config.Adversary.OutputActivation)
	assert.Equal(t, "noisy", config.AdversaryDomainClass)

	ctx.SetParam(ParamModelType, "gan")
	config, err = ConfigFromContext(ctx)
	require.NoError(t, err)
	require.NotNil(t, config.Discriminator)
	assert.Equal(t, stages.ActivationSigmoid, config.Discriminator.HiddenActivation)

	// Decoder lists are mirrored only if not set: an empty list means no layers.
	ctx.SetParams(map[string]any{ParamModelType: "ae", ParamDecFC: ""})
	config, err = ConfigFromContext(ctx)
	require.NoError(t, err)
	assert.Empty(t, config.DecoderFC)
	assert.Equal(t, []int{6}, config.EncoderFC)
	_, err = multidecoder.NewModel(config)
	require.NoError(t, err)
	ctx.SetParams(map[string]any{ParamDecFC: "7_5", ParamDecKernels: "3_3"})
	config, err = ConfigFromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{7, 5}, config.DecoderFC)
	assert.Equal(t, []int{3, 3}, config.Decoder.Kernels)
	assert.Equal(t, []int{4, 2}, config.Decoder.Channels)
	ctx.SetParams(map[string]any{ParamDecFC: MirrorEncoder, ParamDecKernels: MirrorEncoder})

	ctx.SetParam(ParamModelType, "transformer")
	_, err = ConfigFromContext(ctx)
	require.Error(t, err)
	assert.True(t, stages.IsConfigurationError(err))

	ctx.SetParams(map[string]any{ParamModelType: "ae", ParamActivation: "Softplus"})
	_, err = ConfigFromContext(ctx)
	require.Error(t, err)

	ctx.SetParams(map[string]any{ParamActivation: "ReLU", ParamEncKernels: "3_x"})
	_, err = ConfigFromContext(ctx)
	require.Error(t, err)
}

func TestParamsFromEnv(t *testing.T) {
	env := map[string]string{
		"FEAT_DIM":              "40",
		"ENC_CHANNELS_DELIM":    "16_32",
		"USE_BATCH_NORM":        "true",
		"LEARNING_RATE":         "0.01",
		"DECODER_CLASSES_DELIM": "ihm_sdm1",
		"DEC_FC_DELIM":          "",
		"CURRENT_FEATS":         "/data/feats",
		"MODEL_DIR":             "/data/model",
	}
	lookup := func(key string) (string, bool) {
		value, found := env[key]
		return value, found
	}
	ctx := CreateDefaultContext()
	paramsSet, paths, err := ParamsFromEnv(ctx, lookup)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{ParamFeatDim, ParamEncChannels, ParamUseBatchNorm,
		optimizers.ParamLearningRate, ParamDecoderClasses, ParamDecFC}, paramsSet)
	assert.Equal(t, "", context.GetParamOr(ctx, ParamDecFC, MirrorEncoder))
	assert.Equal(t, EnvPaths{FeatsDir: "/data/feats", ModelDir: "/data/model"}, paths)
	assert.Equal(t, 40, context.GetParamOr(ctx, ParamFeatDim, 0))
	assert.Equal(t, "16_32", context.GetParamOr(ctx, ParamEncChannels, ""))
	assert.True(t, context.GetParamOr(ctx, ParamUseBatchNorm, false))
	assert.Equal(t, 0.01, context.GetParamOr(ctx, optimizers.ParamLearningRate, 0.0))

	env["EPOCHS"] = "ten"
	_, _, err = ParamsFromEnv(ctx, lookup)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "EPOCHS")
}

func TestLossAccumulator(t *testing.T) {
	acc := newLossAccumulator()
	acc.Add("a", 1)
	acc.Add("a", 3)
	acc.Add("b", 5)
	assert.Equal(t, 2.0, acc.Mean("a"))
	assert.Equal(t, 0.0, acc.Mean("c"))
	assert.Equal(t, 3.0, acc.Total())
	acc.Reset()
	assert.Equal(t, 0.0, acc.Total())
}

func TestEarlyStopping(t *testing.T) {
	testCases := []struct {
		name      string
		patience  int
		best      float64
		devLosses []float64
		isBest    []bool
		stopAt    int // Index of the epoch that stops the training, -1 if none.
	}{
		{"improving", 3, math.Inf(1), []float64{3, 2, 1}, []bool{true, true, true}, -1},
		{"tie is best", 3, math.Inf(1), []float64{2, 2, 2, 2}, []bool{true, true, true, true}, -1},
		{"patience", 3, math.Inf(1), []float64{1, 2, 3, 1.5, 4}, []bool{true, false, false, false}, 3},
		{"improvement resets", 2, math.Inf(1), []float64{1, 2, 0.5, 3, 3}, []bool{true, false, true, false, false}, 4},
		{"resumed best", 1, 0.5, []float64{0.75}, []bool{false}, 0},
		{"nan", 2, 1, []float64{math.NaN(), math.NaN()}, []bool{false, false}, 1},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			stopping := newEarlyStopping(tc.patience, tc.best)
			stopAt := -1
			for ii, devLoss := range tc.devLosses {
				isBest, stop := stopping.Update(devLoss)
				assert.Equal(t, tc.isBest[ii], isBest, "epoch #%d", ii)
				if stop {
					stopAt = ii
					break
				}
			}
			assert.Equal(t, tc.stopAt, stopAt)
		})
	}
}

func TestHistory(t *testing.T) {
	dir := t.TempDir()
	h := &History{Classes: []string{"clean", "noisy"}}
	for epoch := 1; epoch <= 3; epoch++ {
		h.Append(EpochResult{
			Epoch: epoch, Train: 1.0 / float64(epoch), Dev: 2.0 / float64(epoch), IsBest: epoch != 2,
			Classes: []report.ClassLosses{
				{Class: "clean", NumTrainBatches: 10, Train: 0.5, Dev: 0.25 * float64(epoch)},
				{Class: "noisy", NumTrainBatches: 7, Train: 0.75, Dev: 1.5},
			},
		})
	}
	path := filepath.Join(dir, HistoryFileName)
	require.NoError(t, h.WriteCSV(path))
	loaded, err := ReadHistoryCSV(path, h.Classes)
	require.NoError(t, err)
	require.Len(t, loaded.Epochs, 3)
	assert.Equal(t, 2, loaded.Epochs[1].Epoch)
	assert.False(t, loaded.Epochs[1].IsBest)
	assert.InDelta(t, 1.0, loaded.Epochs[1].Dev, 1e-6)
	assert.Equal(t, 7, loaded.Epochs[2].Classes[1].NumTrainBatches)
	assert.InDelta(t, 0.75, loaded.Epochs[2].Classes[0].Dev, 1e-6)

	_, err = ReadHistoryCSV(path, []string{"reverberant"})
	require.Error(t, err)

	loaded.TruncateAfter(1)
	assert.Len(t, loaded.Epochs, 1)

	plotPath := filepath.Join(dir, LossCurveFileName)
	require.NoError(t, h.Plot(plotPath, "test"))
	info, err := os.Stat(plotPath)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
	require.Error(t, (&History{}).Plot(plotPath, "empty"))
}

func TestTrain(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping training in short mode")
	}
	Backend = graphtest.BuildTestBackend()
	dataDir := t.TempDir()
	writeFeatures(t, dataDir, []string{"clean", "noisy"}, 12)
	checkpointDir := filepath.Join(t.TempDir(), "model")

	ctx := smallContext()
	result, err := Train(ctx, dataDir, checkpointDir, true, -1, nil)
	require.NoError(t, err)
	require.Len(t, result.History.Epochs, 2)
	first := result.History.Epochs[0]
	assert.True(t, first.IsBest)
	assert.Equal(t, 1, first.Epoch)
	// 13 examples per class, batches of 4 dropping the incomplete one.
	assert.Equal(t, 3, first.Classes[0].NumTrainBatches)
	assert.Equal(t, 3, first.Classes[1].NumTrainBatches)
	assert.False(t, math.IsInf(result.Best.BestDevLoss, 0))
	assert.NotEmpty(t, result.RunID)
	assert.False(t, result.StoppedEarly, "2 epochs can't exhaust a patience of 3")
	for _, name := range []string{HistoryFileName, LossCurveFileName} {
		_, err := os.Stat(filepath.Join(checkpointDir, name))
		require.NoError(t, err, "missing %s", name)
	}
	require.NotNil(t, result.Final)
	assert.Greater(t, result.Final.Train, 0.0)
	assert.Greater(t, result.Final.Dev, 0.0)
	assert.Len(t, result.Final.DevPerClass, 2)

	// The checkpoint holds the training state of the best epoch.
	loadedCtx := context.New()
	_ = must.M1(LoadCheckpoint(loadedCtx, checkpointDir))
	state, found := ReadTrainingState(loadedCtx)
	require.True(t, found)
	assert.Equal(t, result.Best.Epoch, state.Epoch)
	assert.InDelta(t, result.Best.BestDevLoss, state.BestDevLoss, 1e-9)

	// Resume for one more epoch.
	ctx = smallContext()
	ctx.SetParam(ParamEpochs, 3)
	resumed, err := Train(ctx, dataDir, checkpointDir, false, -1, nil)
	require.NoError(t, err)
	require.NotEmpty(t, resumed.History.Epochs)
	assert.Equal(t, 3, resumed.History.Epochs[len(resumed.History.Epochs)-1].Epoch)
	assert.Equal(t, result.Best.Epoch+1, resumed.History.Epochs[result.Best.Epoch].Epoch)
	assert.Nil(t, resumed.Final)
}

func TestTrainErrors(t *testing.T) {
	Backend = graphtest.BuildTestBackend()
	ctx := smallContext()
	_, err := Train(ctx, filepath.Join(t.TempDir(), "missing"), "", false, -1, nil)
	require.Error(t, err)

	dataDir := t.TempDir()
	writeFeatures(t, dataDir, []string{"clean"}, 12)
	_, err = Train(ctx, dataDir, "", false, -1, nil)
	require.Error(t, err, "features of class \"noisy\" are missing")

	ctx.SetParam(ParamEncKernels, "3_30")
	_, err = Train(ctx, dataDir, "", false, -1, nil)
	require.Error(t, err)
	assert.True(t, stages.IsConfigurationError(err))
}
