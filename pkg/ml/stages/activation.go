// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package stages

import (
	"math"
	"strings"

	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// Activation is the closed set of activation functions a model can be configured with.
type Activation int

const (
	ActivationNone Activation = iota
	ActivationReLU
	ActivationLeakyReLU
	ActivationSELU
	ActivationSigmoid
	ActivationTanh
	ActivationGELU
	ActivationSwish
)

var activationNames = []string{
	ActivationNone:      "None",
	ActivationReLU:      "ReLU",
	ActivationLeakyReLU: "LeakyReLU",
	ActivationSELU:      "SELU",
	ActivationSigmoid:   "Sigmoid",
	ActivationTanh:      "Tanh",
	ActivationGELU:      "GELU",
	ActivationSwish:     "SiLU",
}

// String implements fmt.Stringer.
func (a Activation) String() string {
	if a < 0 || int(a) >= len(activationNames) {
		return "Activation(invalid)"
	}
	return activationNames[a]
}

// normalizeName lower-cases and strips "_" and "-", so "LeakyReLU", "leaky_relu" and "leaky-relu" match.
func normalizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.NewReplacer("_", "", "-", "").Replace(name)
}

// ParseActivation converts a name (e.g. "ReLU", "relu", "leaky_relu", "Tanh") to an Activation.
// Unknown names, including the empty string, return a *ConfigurationError.
func ParseActivation(name string) (Activation, error) {
	switch normalizeName(name) {
	case "none", "identity", "linear":
		return ActivationNone, nil
	case "relu":
		return ActivationReLU, nil
	case "leakyrelu":
		return ActivationLeakyReLU, nil
	case "selu":
		return ActivationSELU, nil
	case "sigmoid", "logistic":
		return ActivationSigmoid, nil
	case "tanh":
		return ActivationTanh, nil
	case "gelu":
		return ActivationGELU, nil
	case "silu", "swish":
		return ActivationSwish, nil
	}
	return ActivationNone, Configurationf("activation", "unknown activation %q, valid values are %v", name, activationNames)
}

// Type returns the corresponding GoMLX activation type.
func (a Activation) Type() activations.Type {
	switch a {
	case ActivationReLU:
		return activations.TypeRelu
	case ActivationLeakyReLU:
		return activations.TypeLeakyRelu
	case ActivationSELU:
		return activations.TypeSelu
	case ActivationSigmoid:
		return activations.TypeSigmoid
	case ActivationTanh:
		return activations.TypeTanh
	case ActivationGELU:
		return activations.TypeGelu
	case ActivationSwish:
		return activations.TypeSwish
	default:
		return activations.TypeNone
	}
}

// Gain is the recommended scaling of the Xavier initialization for layers followed by this activation.
func (a Activation) Gain() float64 {
	switch a {
	case ActivationReLU:
		return math.Sqrt2
	case ActivationLeakyReLU:
		return math.Sqrt(2.0 / (1.0 + 0.01*0.01))
	case ActivationTanh:
		return 5.0 / 3.0
	case ActivationSELU:
		return 3.0 / 4.0
	default:
		return 1.0
	}
}

// WeightInit enumerates the initializations of weights (kernels and dense matrices).
// Biases are always initialized uniformly in ±1/sqrt(fan_in).
type WeightInit int

const (
	XavierUniform WeightInit = iota
	XavierNormal
	KaimingUniform
	KaimingNormal
	Uniform
	Normal
)

var weightInitNames = []string{
	XavierUniform:  "xavier_uniform",
	XavierNormal:   "xavier_normal",
	KaimingUniform: "kaiming_uniform",
	KaimingNormal:  "kaiming_normal",
	Uniform:        "uniform",
	Normal:         "normal",
}

// String implements fmt.Stringer.
func (w WeightInit) String() string {
	if w < 0 || int(w) >= len(weightInitNames) {
		return "WeightInit(invalid)"
	}
	return weightInitNames[w]
}

// ParseWeightInit converts a name like "xavier_uniform" (a trailing "_" is accepted) to a WeightInit.
func ParseWeightInit(name string) (WeightInit, error) {
	normalized := normalizeName(name)
	for ii, candidate := range weightInitNames {
		if normalizeName(candidate) == normalized {
			return WeightInit(ii), nil
		}
	}
	return XavierUniform, Configurationf("weight_init", "unknown weight initialization %q, valid values are %v",
		name, weightInitNames)
}
