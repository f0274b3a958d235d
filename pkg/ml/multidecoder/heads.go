// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package multidecoder

import (
	"fmt"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/speechmd/multidecoder/pkg/ml/stages"
)

// ReverseGradient is the identity in the forward pass, and multiplies the gradient by -scale in the
// backward pass.
//
// It lets a classifier head and the network feeding it be trained with one loss and one backward pass:
// the head minimizes its loss while the layers before it maximize it.
func ReverseGradient(x *Node, scale float64) *Node {
	return IdentityWithCustomGradient(x, func(_, v *Node) *Node {
		return MulScalar(v, -scale)
	})
}

// classifierHead builds a fully connected network: (Linear → activation) per hidden size, then a final
// 1-unit Linear followed by the output activation. It returns the output shaped [batch].
func classifierHead(ctx *context.Context, init stages.WeightInit, x *Node, head *HeadConfig) *Node {
	for ii, width := range head.Hidden {
		x = dense(ctx.In(fmt.Sprintf("fc_%d", ii)), init, x, width, head.HiddenActivation.Gain())
		x = activate(head.HiddenActivation, x)
	}
	x = dense(ctx.In("output"), init, x, 1, head.OutputActivation.Gain())
	x = activate(head.OutputActivation, x)
	return Reshape(x, x.Shape().Dim(0))
}

// Adversary builds the domain adversary graph on latent, shaped [batch, latent_dim]. It returns the domain
// predictions shaped [batch], after the configured output activation.
//
// The latent is not reversed here: see ReverseGradient.
func (m *Model) Adversary(ctx *context.Context, latent *Node) *Node {
	head := m.config.Adversary
	if head == nil {
		exceptions.Panicf("model was configured without a domain adversary")
	}
	return classifierHead(ctx.In(AdversaryScopeName), m.config.WeightInit, latent, head)
}

// Discriminator builds the GAN discriminator graph of class on x, shaped [batch, time_dim, freq_dim].
// It returns the probability of x being real (after the configured output activation), shaped [batch].
func (m *Model) Discriminator(ctx *context.Context, class string, x *Node) *Node {
	head := m.config.Discriminator
	if head == nil {
		exceptions.Panicf("model was configured without GAN discriminators")
	}
	if err := m.checkClass(class); err != nil {
		panic(err)
	}
	x = Reshape(x, x.Shape().Dim(0), -1)
	return classifierHead(ctx.In(DiscriminatorScopeName).In(class), m.config.WeightInit, x, head)
}
