// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package multidecoder

import (
	"fmt"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/speechmd/multidecoder/pkg/ml/stages"
)

// Encoding is the output of Model.Encode.
type Encoding struct {
	// Latent is shaped [batch, latent_dim]. For variational models it's the sample drawn from (Mu, LogVar),
	// or Mu itself when not training.
	Latent *Node

	// Mu and LogVar are only set for variational models.
	Mu, LogVar *Node

	// Bridge is the shape [batch, height, width, channels] of the convolutional stage output, before flattening.
	Bridge shapes.Shape

	// Inversion holds one record per downsampling layer, to be consumed by Model.Decode.
	Inversion *InversionStack
}

// Encode builds the encoder graph for x, shaped [batch, time_dim, freq_dim].
//
// It panics if x has the wrong shape. The variables are created under ctx.In(EncoderScopeName).
func (m *Model) Encode(ctx *context.Context, x *Node) *Encoding {
	cfg := &m.config
	if err := x.Shape().CheckDims(-1, cfg.TimeDim, cfg.FreqDim); err != nil {
		exceptions.Panicf("multidecoder input must be shaped [batch, %d, %d]: %+v", cfg.TimeDim, cfg.FreqDim, err)
	}
	if x.DType() != cfg.DType {
		x = ConvertDType(x, cfg.DType)
	}
	ctx = ctx.In(EncoderScopeName)
	batchSize := x.Shape().Dim(0)
	enc := &Encoding{Inversion: &InversionStack{}}

	x = InsertAxes(x, -1) // Channels axis.
	for _, layer := range m.encoderPlan.Layers {
		layerCtx := ctx.In(fmt.Sprintf("conv_%d", layer.Index))
		switch layer.Kind {
		case stages.KindConv:
			if layer.Pushes {
				enc.Inversion.Push(InversionRecord{Shape: layer.In, Window: layer.Stride})
			}
			x = conv2D(layerCtx, cfg.WeightInit, x, layer)
		case stages.KindNorm:
			x = normalize(layerCtx.In("norm"), x)
		case stages.KindActivation:
			x = activate(layer.Activation, x)
		case stages.KindPool:
			var indices *Node
			x, indices = maxPoolWidth(x, layer.Window)
			enc.Inversion.Push(InversionRecord{Shape: layer.In, Window: layer.Window, Indices: indices})
		default:
			exceptions.Panicf("unexpected layer %s in the encoder", layer)
		}
	}
	enc.Bridge = x.Shape()

	x = Reshape(x, batchSize, -1)
	activation := cfg.Flags.Activation
	for ii, width := range cfg.EncoderFC {
		layerCtx := ctx.In(fmt.Sprintf("fc_%d", ii))
		x = dense(layerCtx, cfg.WeightInit, x, width, activation.Gain())
		if cfg.Flags.UseNormalization {
			x = normalize(layerCtx.In("norm"), x)
		}
		x = activate(activation, x)
	}

	if cfg.Variational {
		enc.Mu = dense(ctx.In("mu"), cfg.WeightInit, x, cfg.LatentDim, 1.0)
		enc.LogVar = dense(ctx.In("logvar"), cfg.WeightInit, x, cfg.LatentDim, 1.0)
		enc.Latent = Reparameterize(ctx, enc.Mu, enc.LogVar)
	} else {
		enc.Latent = dense(ctx.In("latent"), cfg.WeightInit, x, cfg.LatentDim, activation.Gain())
	}
	return enc
}

// Reparameterize samples the latent from N(mu, exp(logvar)) while training: mu + exp(logvar/2) * eps,
// with eps ~ N(0, 1) drawn independently for each element. When not training it returns mu.
func Reparameterize(ctx *context.Context, mu, logVar *Node) *Node {
	if !ctx.IsTraining(mu.Graph()) {
		return mu
	}
	std := Exp(MulScalar(logVar, 0.5))
	eps := ctx.RandomNormal(mu.Graph(), mu.Shape())
	return Add(mu, Mul(std, eps))
}

// KLDivergence returns the KL divergence of N(mu, exp(logvar)) from N(0, 1), summed over all elements and
// divided by normalization:
//
//	-0.5 * sum(1 + logvar - mu² - exp(logvar)) / normalization
func KLDivergence(mu, logVar *Node, normalization int) *Node {
	terms := Sub(Sub(OnePlus(logVar), Square(mu)), Exp(logVar))
	kl := MulScalar(ReduceAllSum(terms), -0.5)
	return DivScalar(kl, float64(normalization))
}
