// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package multidecoder builds the computation graphs of convolutional autoencoders with one shared encoder
// and one decoder per class ("multidecoders") for spliced speech features.
//
// Inputs are batches of spliced frames shaped [batch, time_dim, freq_dim]. The encoder reads them as
// one-channel images (height = time, width = frequency), applies the convolutional stage planned by
// package stages, flattens it, and projects it through a fully connected stage to the latent space.
// Each decoder mirrors it, consuming the InversionStack produced by the encoder to undo the
// poolings (or strided convolutions) exactly.
//
// Optional capabilities are composed through Config:
//
//   - Variational: the latent is sampled from N(mu, exp(logvar)) and a KL term is added to the loss.
//   - Adversary: a domain classifier on the latent, trained through a gradient reversal.
//   - Discriminator: one GAN discriminator per class, on the raw input versus the reconstruction.
//
// Each component owns a distinct context scope (see Model.GroupOf), which is what the grouped optimizer
// uses to keep one optimizer state per parameter group.
package multidecoder

import (
	"slices"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"github.com/speechmd/multidecoder/pkg/core/spatial"
	"github.com/speechmd/multidecoder/pkg/ml/stages"
)

// Scope names of the parameter groups.
const (
	EncoderScopeName       = "encoder"
	DecoderScopeName       = "decoder"
	AdversaryScopeName     = "adversary"
	DiscriminatorScopeName = "discriminator"
)

// HeadConfig configures an auxiliary classifier head.
type HeadConfig struct {
	// Hidden sizes of the fully connected layers before the final 1-unit layer.
	Hidden []int

	// HiddenActivation is applied after each hidden layer.
	HiddenActivation stages.Activation

	// OutputActivation is applied to the final 1-unit layer. It's usually a sigmoid, since the heads are
	// trained with a binary cross-entropy.
	OutputActivation stages.Activation

	// Weight of the head's loss in the total loss.
	Weight float64
}

// Config of a multidecoder model.
type Config struct {
	// TimeDim is the number of spliced frames (left context + 1 + right context), FreqDim the feature dimension.
	TimeDim, FreqDim int

	Encoder   stages.LayerSpecList
	EncoderFC []int
	LatentDim int
	DecoderFC []int
	Decoder   stages.LayerSpecList

	// Classes are the decoder classes, in a fixed order.
	Classes []string

	Flags      stages.Flags
	WeightInit stages.WeightInit

	// DType of the model, defaults to Float32.
	DType dtypes.DType

	// Variational enables the VAE head.
	Variational bool

	// Adversary, if not nil, enables the domain adversary on the latent. Examples of AdversaryDomainClass are
	// labeled 1, all others 0. It defaults to the second class.
	Adversary            *HeadConfig
	AdversaryDomainClass string

	// Discriminator, if not nil, enables one GAN discriminator per class.
	Discriminator *HeadConfig
}

// Model holds a validated Config and the plans of its convolutional stages.
// It holds no variables: those live in the context passed to its graph building methods.
type Model struct {
	config                   Config
	encoderPlan, decoderPlan *stages.Plan
	classIndex               map[string]int
}

// NewModel validates the config and plans the convolutional stages.
// All configuration errors are reported here, as a wrapped *stages.ConfigurationError.
func NewModel(config Config) (*Model, error) {
	if config.DType == dtypes.InvalidDType {
		config.DType = dtypes.Float32
	}
	if config.TimeDim < 1 || config.FreqDim < 1 {
		return nil, stages.Configurationf("feat_dim", "time (%d) and frequency (%d) dimensions must be >= 1",
			config.TimeDim, config.FreqDim)
	}
	if config.LatentDim < 1 {
		return nil, stages.Configurationf("latent_dim", "must be >= 1, got %d", config.LatentDim)
	}
	for _, fc := range []struct {
		name  string
		sizes []int
	}{{"enc_fc", config.EncoderFC}, {"dec_fc", config.DecoderFC}} {
		for ii, size := range fc.sizes {
			if size < 1 {
				return nil, stages.Configurationf(fc.name, "layer %d has size %d, it must be >= 1", ii, size)
			}
		}
	}
	if len(config.Classes) == 0 {
		return nil, stages.Configurationf("decoder_classes", "at least one decoder class is required")
	}
	m := &Model{config: config, classIndex: make(map[string]int, len(config.Classes))}
	for ii, class := range config.Classes {
		if class == "" || strings.Contains(class, context.ScopeSeparator) {
			return nil, stages.Configurationf("decoder_classes", "invalid class name %q", class)
		}
		if _, found := m.classIndex[class]; found {
			return nil, stages.Configurationf("decoder_classes", "class %q is listed more than once", class)
		}
		m.classIndex[class] = ii
	}

	input := spatial.ShapeState{Channels: 1, Height: config.TimeDim, Width: config.FreqDim}
	var err error
	m.encoderPlan, err = stages.BuildEncoder(input, config.Encoder, config.Flags)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to plan the encoder")
	}
	m.decoderPlan, err = stages.BuildDecoder(m.encoderPlan.Output, input, m.encoderPlan, config.Decoder, config.Flags)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to plan the decoders")
	}

	if config.Adversary != nil {
		if err := validateHead("adversary_fc", config.Adversary); err != nil {
			return nil, err
		}
		if m.config.AdversaryDomainClass == "" {
			if len(config.Classes) < 2 {
				return nil, stages.Configurationf("adversary_domain_class",
					"the domain adversary requires at least 2 decoder classes")
			}
			m.config.AdversaryDomainClass = config.Classes[1]
		} else if _, found := m.classIndex[m.config.AdversaryDomainClass]; !found {
			return nil, stages.Configurationf("adversary_domain_class", "unknown decoder class %q, valid classes are %v",
				m.config.AdversaryDomainClass, config.Classes)
		}
	}
	if config.Discriminator != nil {
		if err := validateHead("gan_fc", config.Discriminator); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func validateHead(field string, head *HeadConfig) error {
	for ii, size := range head.Hidden {
		if size < 1 {
			return stages.Configurationf(field, "layer %d has size %d, it must be >= 1", ii, size)
		}
	}
	if head.Weight < 0 {
		return stages.Configurationf(field, "loss weight must be >= 0, got %g", head.Weight)
	}
	return nil
}

// Config returns the model configuration, with defaults filled in.
func (m *Model) Config() Config { return m.config }

// Classes returns the decoder classes, in configuration order.
func (m *Model) Classes() []string { return slices.Clone(m.config.Classes) }

// EncoderPlan returns the plan of the encoder convolutional stage.
func (m *Model) EncoderPlan() *stages.Plan { return m.encoderPlan }

// DecoderPlan returns the plan of the decoders convolutional stage, shared by all classes.
func (m *Model) DecoderPlan() *stages.Plan { return m.decoderPlan }

// checkClass returns a *stages.ConfigurationError if class is not a decoder class.
func (m *Model) checkClass(class string) error {
	if _, found := m.classIndex[class]; !found {
		return stages.Configurationf("decoder_classes", "unknown decoder class %q, valid classes are %v",
			class, m.config.Classes)
	}
	return nil
}

// EncoderScope returns the scope (relative to the model context) of the encoder parameters, shared by all classes.
func (m *Model) EncoderScope() string { return EncoderScopeName }

// DecoderScope returns the scope (relative to the model context) of the parameters of the decoder of class.
func (m *Model) DecoderScope(class string) (string, error) {
	if err := m.checkClass(class); err != nil {
		return "", err
	}
	return DecoderScopeName + context.ScopeSeparator + class, nil
}

// AdversaryScope returns the scope (relative to the model context) of the domain adversary parameters.
func (m *Model) AdversaryScope() (string, error) {
	if m.config.Adversary == nil {
		return "", stages.Configurationf("model_type", "model has no domain adversary")
	}
	return AdversaryScopeName, nil
}

// DiscriminatorScope returns the scope (relative to the model context) of the GAN discriminator of class.
func (m *Model) DiscriminatorScope(class string) (string, error) {
	if m.config.Discriminator == nil {
		return "", stages.Configurationf("model_type", "model has no GAN discriminator")
	}
	if err := m.checkClass(class); err != nil {
		return "", err
	}
	return DiscriminatorScopeName + context.ScopeSeparator + class, nil
}

// Groups returns the names of all parameter groups, in the order their updates are applied:
// decoders first, then discriminators, the adversary and finally the shared encoder.
func (m *Model) Groups() []string {
	var groups []string
	for _, class := range m.config.Classes {
		groups = append(groups, DecoderScopeName+context.ScopeSeparator+class)
	}
	if m.config.Discriminator != nil {
		for _, class := range m.config.Classes {
			groups = append(groups, DiscriminatorScopeName+context.ScopeSeparator+class)
		}
	}
	if m.config.Adversary != nil {
		groups = append(groups, AdversaryScopeName)
	}
	return append(groups, EncoderScopeName)
}

// GroupOf returns the parameter group of a variable given its (absolute) scope, e.g.
// "/model/decoder/clean/fc_0" belongs to "decoder/clean". It returns "" if the scope belongs to no group.
func (m *Model) GroupOf(variableScope string) string {
	parts := strings.Split(variableScope, context.ScopeSeparator)
	for ii, part := range parts {
		switch part {
		case EncoderScopeName, AdversaryScopeName:
			return part
		case DecoderScopeName, DiscriminatorScopeName:
			if ii+1 < len(parts) {
				if _, found := m.classIndex[parts[ii+1]]; found {
					return part + context.ScopeSeparator + parts[ii+1]
				}
			}
		}
	}
	return ""
}
