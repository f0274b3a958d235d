// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// multidecoder_inspect reports the contents of a multidecoder checkpoint directory: the training state of the
// best epoch, the sizes and update steps of each parameter group, the hyperparameters and the loss history.
//
// Usage:
//
//	multidecoder_inspect [-summary] [-groups] [-params] [-history] [-set="key=value;..."] <checkpoint_dir>
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/pkg/errors"
	"github.com/speechmd/multidecoder/internal/report"
	"github.com/speechmd/multidecoder/internal/training"
	"github.com/speechmd/multidecoder/pkg/ml/multidecoder"
	"github.com/speechmd/multidecoder/pkg/ml/train/grouped"
	"k8s.io/klog/v2"
)

var (
	flagSummary = flag.Bool("summary", true, "Display the training state saved with the checkpoint.")
	flagGroups  = flag.Bool("groups", true, "Display the sizes and update steps of each parameter group.")
	flagParams  = flag.Bool("params", false, "Lists the hyperparameters.")
	flagHistory = flag.Bool("history", false,
		fmt.Sprintf("Lists the per-epoch losses saved in %q.", training.HistoryFileName))
)

func main() {
	ctx := training.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	args := flag.Args()
	if len(args) != 1 {
		klog.Errorf("Expected exactly one checkpoint directory, got %d arguments. See 'multidecoder_inspect -help'.",
			len(args))
		os.Exit(1)
	}
	if err := inspect(ctx, args[0], *settings); err != nil {
		klog.Fatalf("Failed to inspect %q: %+v", args[0], err)
	}
}

// inspect loads the checkpoint into ctx and prints the selected reports. Hyperparameters given on the command
// line to the training (and therefore not saved) must be given again in settings.
func inspect(ctx *context.Context, checkpointDir, settings string) error {
	if _, err := training.LoadCheckpoint(ctx, checkpointDir); err != nil {
		return err
	}
	if _, err := commandline.ParseContextSettings(ctx, settings); err != nil {
		return err
	}
	config, err := training.ConfigFromContext(ctx)
	if err != nil {
		return err
	}
	model, err := multidecoder.NewModel(config)
	if err != nil {
		return err
	}

	if *flagSummary {
		fmt.Println(summary(ctx, checkpointDir))
	}
	if *flagGroups {
		markNonTrainable(ctx)
		optimizer := grouped.New(model.Groups(), model.GroupOf).Done()
		modelCtx := ctx.InAbsPath(context.ScopeSeparator + training.ModelScope)
		fmt.Println(report.Groups(report.SummarizeGroups(modelCtx, model.Groups(), model.GroupOf,
			optimizer.GroupSteps(ctx))))
	}
	if *flagParams {
		fmt.Println(params(ctx))
	}
	if *flagHistory {
		out, err := history(checkpointDir, model.Classes())
		if err != nil {
			return err
		}
		fmt.Println(out)
	}
	return nil
}

// nonTrainableNames are the names of the variables created by training that are not parameters: the step
// counter and the batch normalization statistics.
var nonTrainableNames = map[string]bool{
	optimizers.GlobalStepVariableName: true,
	"mean":                            true,
	"variance":                        true,
	"avg_weight":                      true,
}

// markNonTrainable marks the loaded variables that are not parameters, since a checkpoint doesn't store
// whether a variable is trainable.
func markNonTrainable(ctx *context.Context) {
	for v := range ctx.IterVariables() {
		if nonTrainableNames[v.Name()] {
			v.SetTrainable(false)
		}
	}
}

func summary(ctx *context.Context, checkpointDir string) string {
	keys := []string{"checkpoint", "model_type", "classes", "global_step", "epoch", "best_dev_loss", "dev_loss"}
	values := map[string]string{
		"checkpoint":  checkpointDir,
		"model_type":  context.GetParamOr(ctx, training.ParamModelType, ""),
		"classes":     context.GetParamOr(ctx, training.ParamDecoderClasses, ""),
		"global_step": "-",
		"epoch":       "-",
	}
	globalStepVar := ctx.GetVariableByScopeAndName(context.ScopeSeparator+training.ModelScope,
		optimizers.GlobalStepVariableName)
	if globalStepVar != nil {
		if step, ok := globalStepVar.MustValue().Value().(int64); ok {
			values["global_step"] = humanize.Comma(step)
		}
	}
	if state, found := training.ReadTrainingState(ctx); found {
		values["epoch"] = strconv.Itoa(state.Epoch)
		values["best_dev_loss"] = report.FormatLoss(state.BestDevLoss)
		values["dev_loss"] = report.FormatLoss(state.DevLoss)
	}
	return report.KeyValues("Summary", keys, values)
}

func params(ctx *context.Context) string {
	table := report.NewTable([]string{"Scope", "Name", "Type", "Value"})
	ctx.EnumerateParams(func(scope, key string, value any) {
		table.Row(false, scope, key, fmt.Sprintf("%T", value), fmt.Sprintf("%v", value))
	})
	return fmt.Sprintf("%s\n%s", report.TitleStyle.Render("Hyperparameters"), table.Render())
}

func history(checkpointDir string, classes []string) (string, error) {
	h, err := training.ReadHistoryCSV(filepath.Join(checkpointDir, training.HistoryFileName), classes)
	if err != nil {
		return "", errors.WithMessage(err, "reading loss history")
	}
	table := report.NewTable([]string{"Epoch", "Train", "Dev"})
	for _, result := range h.Epochs {
		table.Row(result.IsBest, strconv.Itoa(result.Epoch), report.FormatLoss(result.Train),
			report.FormatLoss(result.Dev))
	}
	return fmt.Sprintf("%s\n%s", report.TitleStyle.Render("Loss history"), table.Render()), nil
}
