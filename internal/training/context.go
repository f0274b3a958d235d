// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package training

import (
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/speechmd/multidecoder/pkg/ml/datasets/features"
	"github.com/speechmd/multidecoder/pkg/ml/multidecoder"
	"github.com/speechmd/multidecoder/pkg/ml/stages"
)

// Hyperparameters read from the context. List values are strings of integers (or names) delimited by "_" (or ",").
const (
	ParamFeatDim      = "feat_dim"
	ParamLeftContext  = "left_context"
	ParamRightContext = "right_context"

	ParamEncChannels = "enc_channels"
	ParamEncKernels  = "enc_kernels"
	ParamEncPools    = "enc_pools"
	ParamEncFC       = "enc_fc"
	ParamLatentDim   = "latent_dim"

	// Decoder lists set to MirrorEncoder (the default) mirror the encoder ones. An empty list means no layers.
	ParamDecFC       = "dec_fc"
	ParamDecChannels = "dec_channels"
	ParamDecKernels  = "dec_kernels"
	ParamDecPools    = "dec_pools"

	ParamActivation           = "activation"
	ParamDecoderClasses       = "decoder_classes"
	ParamUseBatchNorm         = "use_batch_norm"
	ParamStrided              = "strided"
	ParamFrequencyOnlyKernels = "frequency_only_kernels"
	ParamWeightInit           = "weight_init"
	ParamModelType            = "model_type"

	ParamAdversaryFC          = "adversary_fc"
	ParamAdversaryActivation  = "adversary_activation"
	ParamAdversaryWeight      = "adversary_weight"
	ParamAdversaryDomainClass = "adversary_domain_class"
	ParamGANFC                = "gan_fc"
	ParamGANActivation        = "gan_activation"
	ParamGANWeight            = "gan_weight"

	ParamBatchSize = "batch_size"
	ParamEpochs    = "epochs"

	// ParamPatience is the number of epochs without improvement of the dev loss before training stops.
	ParamPatience = "patience"

	// ParamNoisyDevEval applies the dropout noise (multidecoder.ParamNoiseRatio) when evaluating the dev split
	// after each epoch. The final evaluation is always noise free.
	ParamNoisyDevEval = "noisy_dev_eval"

	// ParamSeed seeds the random number generators of the context and of the class sampling.
	ParamSeed = "seed"
)

// MirrorEncoder is the value of the decoder list hyperparameters that selects the reversed encoder list.
const MirrorEncoder = "mirror"

// ValidModelTypes lists the values accepted by ParamModelType.
var ValidModelTypes = []string{"ae", "vae", "adversarial", "gan"}

// ParamsExcludedFromSaving is the list of parameters (see CreateDefaultContext) that shouldn't be saved
// along on the models checkpoints, and may be overwritten in further training sessions.
var ParamsExcludedFromSaving = []string{ParamEpochs, ParamPatience}

// CreateDefaultContext sets the context with default hyperparameters.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	must.M(ctx.ResetRNGState())
	ctx.SetParams(map[string]any{
		ParamSeed: 1,

		// Features: 80 filterbanks, spliced with 5 frames on each side.
		ParamFeatDim:      80,
		ParamLeftContext:  5,
		ParamRightContext: 5,

		ParamEncChannels: "8_16",
		ParamEncKernels:  "3_3",
		ParamEncPools:    "0_2",
		ParamEncFC:       "512",
		ParamLatentDim:   256,
		ParamDecFC:       MirrorEncoder,
		ParamDecChannels: MirrorEncoder,
		ParamDecKernels:  MirrorEncoder,
		ParamDecPools:    MirrorEncoder,

		ParamActivation:           "SELU",
		ParamDecoderClasses:       "clean_noisy",
		ParamUseBatchNorm:         false,
		ParamStrided:              false,
		ParamFrequencyOnlyKernels: false,
		ParamWeightInit:           stages.XavierUniform.String(),
		ParamModelType:            ValidModelTypes[0],

		ParamAdversaryFC:          "256",
		ParamAdversaryActivation:  "Sigmoid",
		ParamAdversaryWeight:      1.0,
		ParamAdversaryDomainClass: "",
		ParamGANFC:                "256",
		ParamGANActivation:        "Sigmoid",
		ParamGANWeight:            1.0,

		ParamBatchSize:               256,
		ParamEpochs:                  35,
		ParamPatience:                3,
		ParamNoisyDevEval:            true,
		multidecoder.ParamNoiseRatio: 0.0,
		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: 1e-4,
		optimizers.ParamAdamEpsilon:  1e-8,
	})
	return ctx
}

// SplicingFromContext returns the frame splicing configured in the context.
func SplicingFromContext(ctx *context.Context) features.Splicing {
	return features.Splicing{
		Left:  context.GetParamOr(ctx, ParamLeftContext, 0),
		Right: context.GetParamOr(ctx, ParamRightContext, 0),
	}
}

// layerSpecsFromContext parses the three lists of a convolutional stage.
func layerSpecsFromContext(ctx *context.Context, channelsKey, kernelsKey, poolsKey string) (
	specs stages.LayerSpecList, err error) {
	specs.Channels, err = stages.ParseInts(channelsKey, context.GetParamOr(ctx, channelsKey, ""))
	if err != nil {
		return
	}
	specs.Kernels, err = stages.ParseInts(kernelsKey, context.GetParamOr(ctx, kernelsKey, ""))
	if err != nil {
		return
	}
	specs.Downsamples, err = stages.ParseInts(poolsKey, context.GetParamOr(ctx, poolsKey, ""))
	return
}

// decoderInts parses the decoder list key, or returns the reversed encoder list if it is set to MirrorEncoder.
func decoderInts(ctx *context.Context, key string, encoder []int) ([]int, error) {
	value := context.GetParamOr(ctx, key, MirrorEncoder)
	if value == MirrorEncoder {
		mirrored := slices.Clone(encoder)
		slices.Reverse(mirrored)
		return mirrored, nil
	}
	return stages.ParseInts(key, value)
}

// headFromContext parses the configuration of an auxiliary classifier head.
func headFromContext(ctx *context.Context, fcKey, activationKey, weightKey string) (*multidecoder.HeadConfig, error) {
	hidden, err := stages.ParseInts(fcKey, context.GetParamOr(ctx, fcKey, ""))
	if err != nil {
		return nil, err
	}
	activation, err := stages.ParseActivation(context.GetParamOr(ctx, activationKey, "Sigmoid"))
	if err != nil {
		return nil, errors.WithMessagef(err, "parsing %q", activationKey)
	}
	return &multidecoder.HeadConfig{
		Hidden:           hidden,
		HiddenActivation: activation,
		OutputActivation: stages.ActivationSigmoid,
		Weight:           context.GetParamOr(ctx, weightKey, 1.0),
	}, nil
}

// ConfigFromContext builds the model configuration from the context hyperparameters.
// It doesn't validate the architecture, that is done by multidecoder.NewModel.
func ConfigFromContext(ctx *context.Context) (config multidecoder.Config, err error) {
	config.TimeDim = SplicingFromContext(ctx).TimeDim()
	config.FreqDim = context.GetParamOr(ctx, ParamFeatDim, 0)
	config.LatentDim = context.GetParamOr(ctx, ParamLatentDim, 0)

	config.Encoder, err = layerSpecsFromContext(ctx, ParamEncChannels, ParamEncKernels, ParamEncPools)
	if err != nil {
		return
	}
	config.EncoderFC, err = stages.ParseInts(ParamEncFC, context.GetParamOr(ctx, ParamEncFC, ""))
	if err != nil {
		return
	}
	if config.Decoder.Channels, err = decoderInts(ctx, ParamDecChannels, config.Encoder.Channels); err != nil {
		return
	}
	if config.Decoder.Kernels, err = decoderInts(ctx, ParamDecKernels, config.Encoder.Kernels); err != nil {
		return
	}
	if config.Decoder.Downsamples, err = decoderInts(ctx, ParamDecPools, config.Encoder.Downsamples); err != nil {
		return
	}
	if config.DecoderFC, err = decoderInts(ctx, ParamDecFC, config.EncoderFC); err != nil {
		return
	}

	config.Classes = stages.ParseNames(context.GetParamOr(ctx, ParamDecoderClasses, ""))
	config.Flags = stages.Flags{
		UseNormalization:     context.GetParamOr(ctx, ParamUseBatchNorm, false),
		Strided:              context.GetParamOr(ctx, ParamStrided, false),
		FrequencyOnlyKernels: context.GetParamOr(ctx, ParamFrequencyOnlyKernels, false),
	}
	config.Flags.Activation, err = stages.ParseActivation(context.GetParamOr(ctx, ParamActivation, ""))
	if err != nil {
		return
	}
	config.WeightInit, err = stages.ParseWeightInit(context.GetParamOr(ctx, ParamWeightInit,
		stages.XavierUniform.String()))
	if err != nil {
		return
	}

	modelType := context.GetParamOr(ctx, ParamModelType, ValidModelTypes[0])
	switch modelType {
	case "ae":
	case "vae":
		config.Variational = true
	case "adversarial":
		config.Adversary, err = headFromContext(ctx, ParamAdversaryFC, ParamAdversaryActivation, ParamAdversaryWeight)
		if err != nil {
			return
		}
		config.AdversaryDomainClass = context.GetParamOr(ctx, ParamAdversaryDomainClass, "")
	case "gan":
		config.Discriminator, err = headFromContext(ctx, ParamGANFC, ParamGANActivation, ParamGANWeight)
		if err != nil {
			return
		}
	default:
		err = stages.Configurationf(ParamModelType, "must take one value from %v, got %q", ValidModelTypes, modelType)
	}
	return
}

// EnvParams maps the environment variables of the original training scripts to context hyperparameters.
var EnvParams = []struct{ Env, Param string }{
	{"FEAT_DIM", ParamFeatDim},
	{"LEFT_CONTEXT", ParamLeftContext},
	{"RIGHT_CONTEXT", ParamRightContext},
	{"ENC_CHANNELS_DELIM", ParamEncChannels},
	{"ENC_KERNELS_DELIM", ParamEncKernels},
	{"ENC_POOLS_DELIM", ParamEncPools},
	{"ENC_FC_DELIM", ParamEncFC},
	{"LATENT_DIM", ParamLatentDim},
	{"DEC_FC_DELIM", ParamDecFC},
	{"DEC_CHANNELS_DELIM", ParamDecChannels},
	{"DEC_KERNELS_DELIM", ParamDecKernels},
	{"DEC_POOLS_DELIM", ParamDecPools},
	{"ACTIVATION_FUNC", ParamActivation},
	{"DECODER_CLASSES_DELIM", ParamDecoderClasses},
	{"USE_BATCH_NORM", ParamUseBatchNorm},
	{"STRIDED", ParamStrided},
	{"WEIGHT_INIT", ParamWeightInit},
	{"BATCH_SIZE", ParamBatchSize},
	{"EPOCHS", ParamEpochs},
	{"OPTIMIZER", optimizers.ParamOptimizer},
	{"LEARNING_RATE", optimizers.ParamLearningRate},
	{"NOISE_RATIO", multidecoder.ParamNoiseRatio},
	{"MODEL_TYPE", ParamModelType},
}

// Environment variables with the data and model directories.
const (
	EnvFeatsDir = "CURRENT_FEATS"
	EnvModelDir = "MODEL_DIR"
)

// EnvPaths holds the directories given by the environment, empty if not set.
type EnvPaths struct {
	FeatsDir, ModelDir string
}

// ParamsFromEnv imports the hyperparameters set in the environment (see EnvParams), using lookup to read it
// (usually os.LookupEnv). Values are converted to the type of the current value of the parameter in ctx.
//
// It returns the list of parameters set, which should be excluded from the ones loaded from a checkpoint.
func ParamsFromEnv(ctx *context.Context, lookup func(key string) (string, bool)) (
	paramsSet []string, paths EnvPaths, err error) {
	for _, entry := range EnvParams {
		value, found := lookup(entry.Env)
		if !found {
			continue
		}
		value = strings.TrimSpace(value)
		current, _ := ctx.GetParam(entry.Param)
		var converted any
		switch current.(type) {
		case int:
			converted, err = strconv.Atoi(value)
		case float64:
			converted, err = strconv.ParseFloat(value, 64)
		case bool:
			// The original scripts only recognize "true".
			converted = strings.EqualFold(value, "true") || value == "1"
		default:
			converted = value
		}
		if err != nil {
			err = errors.Wrapf(err, "parsing environment variable %s=%q for %q", entry.Env, value, entry.Param)
			return
		}
		ctx.SetParam(entry.Param, converted)
		paramsSet = append(paramsSet, entry.Param)
	}
	paths.FeatsDir, _ = lookup(EnvFeatsDir)
	paths.ModelDir, _ = lookup(EnvModelDir)
	return
}
