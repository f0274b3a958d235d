// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package multidecoder

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
)

const (
	// ParamNoiseRatio is the context hyperparameter with the fraction of the input features zeroed (dropout
	// noise of a denoising autoencoder) for batches whose Spec.Noise is set.
	ParamNoiseRatio = "noise_ratio"

	// bceEpsilon clips the predictions of the classifier heads away from 0 and 1.
	bceEpsilon = 1e-7
)

// Spec identifies the kind of batch yielded by the datasets, and is passed along to ModelGraph by the trainer.
// It's comparable, so the trainer compiles one graph per distinct Spec.
type Spec struct {
	// Class selects the decoder.
	Class string

	// Noise applies the dropout noise (see ParamNoiseRatio) to the inputs.
	Noise bool

	// ReconstructionOnly drops the KL and adversarial terms from the loss.
	ReconstructionOnly bool
}

// ModelGraph implements train.ModelFn: spec must be a Spec, and inputs holds one batch of spliced features
// shaped [batch, time_dim, freq_dim].
//
// It returns the reconstruction (decoded with the decoder of spec.Class) and the scalar sum of the auxiliary
// losses: KL divergence, domain adversary and GAN discriminator, each one if configured and weighted. Use
// Model.Loss as the matching loss function.
//
// Each Spec compiles its own graph over the same variables, so the context is used unchecked: variables are
// created by the first graph that needs them and reused by all others.
func (m *Model) ModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	batchSpec, ok := spec.(Spec)
	if !ok {
		exceptions.Panicf("multidecoder.ModelGraph requires a multidecoder.Spec, got %T", spec)
	}
	ctx = ctx.Checked(false)
	x := inputs[0]
	g := x.Graph()
	if x.DType() != m.config.DType {
		x = ConvertDType(x, m.config.DType)
	}
	clean := x
	if batchSpec.Noise {
		x = m.applyNoise(ctx, x)
	}

	reconstruction, enc := m.ForwardDecoder(ctx, x, batchSpec.Class)
	auxLoss := ScalarZero(g, reconstruction.DType())
	if batchSpec.ReconstructionOnly {
		return []*Node{reconstruction, auxLoss}
	}
	batchSize := x.Shape().Dim(0)
	if m.config.Variational {
		auxLoss = Add(auxLoss, KLDivergence(enc.Mu, enc.LogVar, batchSize*m.config.FreqDim))
	}
	if head := m.config.Adversary; head != nil {
		domain := m.Adversary(ctx, ReverseGradient(enc.Latent, 1.0))
		label := 0.0
		if batchSpec.Class == m.config.AdversaryDomainClass {
			label = 1.0
		}
		labels := AddScalar(ZerosLike(domain), label)
		auxLoss = Add(auxLoss, MulScalar(binaryCrossentropy(labels, domain), head.Weight))
	}
	if head := m.config.Discriminator; head != nil {
		realScore := m.Discriminator(ctx, batchSpec.Class, clean)
		fakeScore := m.Discriminator(ctx, batchSpec.Class, ReverseGradient(reconstruction, 1.0))
		ganLoss := Add(
			binaryCrossentropy(OnesLike(realScore), realScore),
			binaryCrossentropy(ZerosLike(fakeScore), fakeScore))
		auxLoss = Add(auxLoss, MulScalar(ganLoss, head.Weight))
	}
	return []*Node{reconstruction, auxLoss}
}

// applyNoise multiplies x by a Bernoulli(1 - noise_ratio) mask.
func (m *Model) applyNoise(ctx *context.Context, x *Node) *Node {
	ratio := context.GetParamOr(ctx, ParamNoiseRatio, 0.0)
	if ratio <= 0 {
		return x
	}
	if ratio >= 1 {
		exceptions.Panicf("%q must be in [0, 1), got %g", ParamNoiseRatio, ratio)
	}
	keep := Scalar(x.Graph(), x.DType(), 1.0-ratio)
	mask := ctx.RandomBernoulli(keep, x.Shape())
	return Mul(x, mask)
}

// binaryCrossentropy returns the mean binary cross-entropy of probabilities predictions.
func binaryCrossentropy(labels, predictions *Node) *Node {
	predictions = ClipScalar(predictions, bceEpsilon, 1.0-bceEpsilon)
	return ReduceAllMean(losses.BinaryCrossentropy([]*Node{labels}, []*Node{predictions}))
}

// Loss implements train.LossFn for the outputs of ModelGraph: the mean squared reconstruction error plus the
// auxiliary losses.
func (m *Model) Loss(labels, predictions []*Node) *Node {
	reconstruction := predictions[0]
	target := labels[0]
	if target.DType() != reconstruction.DType() {
		target = ConvertDType(target, reconstruction.DType())
	}
	loss := losses.MeanSquaredError([]*Node{target}, []*Node{reconstruction})
	if len(predictions) > 1 {
		loss = Add(loss, predictions[1])
	}
	return loss
}
