// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/speechmd/multidecoder/internal/report"
	"github.com/speechmd/multidecoder/internal/training"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummary(t *testing.T) {
	ctx := training.CreateDefaultContext()
	out := summary(ctx, "/tmp/model")
	assert.Contains(t, out, "/tmp/model")
	assert.Contains(t, out, "clean_noisy")

	ctx.InAbsPath("/"+training.ModelScope).Checked(false).
		VariableWithValue(optimizers.GlobalStepVariableName, int64(12345))
	stateCtx := ctx.InAbsPath(training.TrainingStateScope).Checked(false)
	stateCtx.VariableWithValue(training.EpochVarName, int64(4))
	stateCtx.VariableWithValue(training.BestDevLossVarName, 0.125)
	stateCtx.VariableWithValue(training.DevLossVarName, 0.125)
	out = summary(ctx, "/tmp/model")
	assert.Contains(t, out, "12,345")
	assert.Contains(t, out, "0.125000")
}

func TestHistory(t *testing.T) {
	dir := t.TempDir()
	h := &training.History{Classes: []string{"clean"}}
	for epoch := 1; epoch <= 2; epoch++ {
		h.Append(training.EpochResult{Epoch: epoch, Train: 0.5, Dev: 0.75 / float64(epoch), IsBest: true,
			Classes: []report.ClassLosses{{Class: "clean", NumTrainBatches: 3, Train: 0.5, Dev: 0.75}}})
	}
	require.NoError(t, h.WriteCSV(filepath.Join(dir, training.HistoryFileName)))
	out, err := history(dir, h.Classes)
	require.NoError(t, err)
	assert.Contains(t, out, "Loss history")
	assert.Contains(t, out, "0.375000")

	_, err = history(t.TempDir(), h.Classes)
	require.Error(t, err)
}

func TestParams(t *testing.T) {
	out := params(training.CreateDefaultContext())
	assert.Contains(t, out, training.ParamEncChannels)
	assert.Contains(t, out, "8_16")
}

func TestMarkNonTrainable(t *testing.T) {
	ctx := training.CreateDefaultContext()
	modelCtx := ctx.InAbsPath("/" + training.ModelScope).Checked(false)
	weights := modelCtx.In("encoder").VariableWithValue("weights", []float32{1, 2})
	mean := modelCtx.In("encoder").VariableWithValue("mean", []float32{0})
	step := modelCtx.VariableWithValue(optimizers.GlobalStepVariableName, int64(3))
	markNonTrainable(ctx)
	assert.True(t, weights.Trainable)
	assert.False(t, mean.Trainable)
	assert.False(t, step.Trainable)
}
