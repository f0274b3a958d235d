// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// multidecoder trains a CNN multidecoder autoencoder on spliced speech features.
//
// The features of each decoder class are read from "<data>/<class>-train.npz" and "<data>/<class>-dev.npz"
// (or ".csv" manifests of ".npy" files). Hyperparameters are set with -set="key=value;..." and, with -env,
// from the environment variables of the original training scripts (FEAT_DIM, ENC_CHANNELS_DELIM, ...).
package main

import (
	"flag"
	"os"
	"slices"

	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"github.com/speechmd/multidecoder/internal/training"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagDataDir    = flag.String("data", "", "Directory with the features of each class. Defaults to $CURRENT_FEATS if -env is set.")
	flagCheckpoint = flag.String("checkpoint", "", "Directory to save the best model and to resume from. Relative paths are relative to -data. Defaults to $MODEL_DIR if -env is set. If left empty, no checkpoints are created.")
	flagEnv        = flag.Bool("env", false, "Import hyperparameters from the environment variables of the original training scripts. -set takes precedence.")
	flagEval       = flag.Bool("eval", true, "Whether to evaluate the reconstruction loss of the best model without noise in the end.")
	flagVerbosity  = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")
)

func main() {
	ctx := training.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()

	var paramsSet []string
	dataDir, checkpointPath := *flagDataDir, *flagCheckpoint
	if *flagEnv {
		envParams, paths, err := training.ParamsFromEnv(ctx, os.LookupEnv)
		if err != nil {
			klog.Fatalf("Failed to import environment: %+v", err)
		}
		paramsSet = envParams
		if dataDir == "" {
			dataDir = paths.FeatsDir
		}
		if checkpointPath == "" {
			checkpointPath = paths.ModelDir
		}
	}
	for _, param := range must.M1(commandline.ParseContextSettings(ctx, *settings)) {
		if !slices.Contains(paramsSet, param) {
			paramsSet = append(paramsSet, param)
		}
	}
	if dataDir == "" {
		klog.Fatalf("Missing features directory, set it with -data (or $%s with -env)", training.EnvFeatsDir)
	}

	if _, err := training.Train(ctx, dataDir, checkpointPath, *flagEval, *flagVerbosity, paramsSet); err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}
