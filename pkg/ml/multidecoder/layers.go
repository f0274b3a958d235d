// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package multidecoder

import (
	"math"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/ml/nn"
	"github.com/speechmd/multidecoder/pkg/ml/stages"
)

const (
	// BatchNormMomentum and BatchNormEpsilon follow the PyTorch defaults the models were tuned with.
	BatchNormMomentum = 0.9
	BatchNormEpsilon  = 1e-5
)

// weightInitializer returns the initializer for a weight tensor with the given fan-in and fan-out.
//
// gain scales the Xavier initializations only: Kaiming initializations assume a ReLU (gain √2) and the
// plain uniform and normal initializations draw from U(0, 1) and N(0, 1).
func weightInitializer(ctx *context.Context, init stages.WeightInit, fanIn, fanOut int, gain float64) context.VariableInitializer {
	switch init {
	case stages.XavierNormal:
		return initializers.RandomNormalFn(ctx, gain*math.Sqrt(2.0/float64(fanIn+fanOut)))
	case stages.KaimingUniform:
		bound := math.Sqrt(6.0 / float64(fanIn))
		return initializers.RandomUniformFn(ctx, -bound, bound)
	case stages.KaimingNormal:
		return initializers.RandomNormalFn(ctx, math.Sqrt(2.0/float64(fanIn)))
	case stages.Uniform:
		return initializers.RandomUniformFn(ctx, 0, 1)
	case stages.Normal:
		return initializers.RandomNormalFn(ctx, 1.0)
	default:
		bound := gain * math.Sqrt(6.0/float64(fanIn+fanOut))
		return initializers.RandomUniformFn(ctx, -bound, bound)
	}
}

// biasInitializer draws biases from U(-1/√fanIn, 1/√fanIn), regardless of the weights initialization.
func biasInitializer(ctx *context.Context, fanIn int) context.VariableInitializer {
	bound := 1.0 / math.Sqrt(float64(fanIn))
	return initializers.RandomUniformFn(ctx, -bound, bound)
}

// dense creates (or reuses) the "weights" and "biases" variables in ctx and applies x @ weights + biases.
// x is shaped [batch, inputDim].
func dense(ctx *context.Context, init stages.WeightInit, x *Node, outputDim int, gain float64) *Node {
	inputDim := x.Shape().Dim(-1)
	dtype := x.DType()
	weights := ctx.WithInitializer(weightInitializer(ctx, init, inputDim, outputDim, gain)).
		VariableWithShape("weights", shapes.Make(dtype, inputDim, outputDim)).ValueGraph(x.Graph())
	biases := ctx.WithInitializer(biasInitializer(ctx, inputDim)).
		VariableWithShape("biases", shapes.Make(dtype, outputDim)).ValueGraph(x.Graph())
	return nn.Dense(x, weights, biases)
}

// normalize applies a batch normalization over the last axis (the channels or the features).
func normalize(ctx *context.Context, x *Node) *Node {
	return batchnorm.New(ctx, x, -1).
		Momentum(BatchNormMomentum).
		Epsilon(BatchNormEpsilon).
		Done()
}

// activate applies the activation, if any.
func activate(activation stages.Activation, x *Node) *Node {
	if activation == stages.ActivationNone {
		return x
	}
	return activations.Apply(activation.Type(), x)
}

// convKernel creates (or reuses) the kernel [kh, kw, inChannels, outChannels] and the bias variables of a
// convolution. Kernels are initialized with gain 1.
func convKernel(ctx *context.Context, init stages.WeightInit, x *Node, layer stages.Layer) (kernel, bias *Node) {
	g := x.Graph()
	dtype := x.DType()
	inChannels := x.Shape().Dim(-1)
	receptive := layer.Kernel.Height * layer.Kernel.Width
	fanIn, fanOut := inChannels*receptive, layer.Channels*receptive
	kernel = ctx.WithInitializer(weightInitializer(ctx, init, fanIn, fanOut, 1.0)).
		VariableWithShape("kernel", shapes.Make(dtype, layer.Kernel.Height, layer.Kernel.Width, inChannels, layer.Channels)).
		ValueGraph(g)
	bias = ctx.WithInitializer(biasInitializer(ctx, fanIn)).
		VariableWithShape("bias", shapes.Make(dtype, layer.Channels)).
		ValueGraph(g)
	return
}

// conv2D applies the convolution described by layer to x, shaped [batch, height, width, channels].
func conv2D(ctx *context.Context, init stages.WeightInit, x *Node, layer stages.Layer) *Node {
	kernel, bias := convKernel(ctx, init, x, layer)
	stride := max(layer.Stride, 1)
	y := Convolve(x, kernel).
		StridePerAxis(1, stride).
		PaddingPerDim([][2]int{
			{layer.Padding.Height, layer.Padding.Height},
			{layer.Padding.Width, layer.Padding.Width},
		}).
		Done()
	return Add(y, ExpandLeftToRank(bias, y.Rank()))
}

// transposedConv2D applies a transposed convolution with the given width stride and output padding.
//
// It's implemented as the gradient of the strided convolution: stride-1 zeros are inserted between the
// input columns, the input is padded by kernel-1 on each side (plus the output padding at the end of the
// width) and a regular convolution is applied. The kernel is learned, so it's not flipped.
func transposedConv2D(ctx *context.Context, init stages.WeightInit, x *Node, layer stages.Layer) *Node {
	g := x.Graph()
	kernel, bias := convKernel(ctx, init, x, layer)
	stride := max(layer.Stride, 1)
	kh, kw := layer.Kernel.Height, layer.Kernel.Width
	x = Pad(x, ScalarZero(g, x.DType()),
		PadAxis{},
		PadAxis{Start: kh - 1, End: kh - 1},
		PadAxis{Start: kw - 1, End: kw - 1 + layer.OutputPadding, Interior: stride - 1},
		PadAxis{})
	y := Convolve(x, kernel).NoPadding().Done()
	return Add(y, ExpandLeftToRank(bias, y.Rank()))
}

// maxPoolWidth applies a non-overlapping max-pooling of the width axis of x, shaped [batch, height, width,
// channels], and returns the pooled values along with the position (in [0, window)) of the winner of each
// window, shaped like pooled and with dtype Int32.
//
// Trailing columns that don't fill a window are dropped.
func maxPoolWidth(x *Node, window int) (pooled, indices *Node) {
	dims := x.Shape().Dimensions
	batchSize, height, width, channels := dims[0], dims[1], dims[2], dims[3]
	pooledWidth := width / window
	if pooledWidth <= 0 {
		exceptions.Panicf("cannot max-pool width %d with window %d", width, window)
	}
	if pooledWidth*window != width {
		x = Slice(x, AxisRange(), AxisRange(), AxisRange(0, pooledWidth*window), AxisRange())
	}
	windows := Reshape(x, batchSize, height, pooledWidth, window, channels)
	indices = ArgMax(windows, 3, dtypes.Int32)
	mask := windowMask(indices, window, x.DType())
	pooled = ReduceSum(Mul(windows, mask), 3)
	return
}

// windowMask converts indices [batch, height, pooledWidth, channels] to a one-hot mask
// [batch, height, pooledWidth, window, channels].
func windowMask(indices *Node, window int, dtype dtypes.DType) *Node {
	mask := OneHot(indices, window, dtype)
	return StopGradient(TransposeAllDims(mask, 0, 1, 2, 4, 3))
}

// maxUnpoolWidth places each value of x at the position recorded in indices within its window, filling the
// rest of the window with zeros. The result is zero-padded at the end of the width to outputWidth, which
// accounts for the columns dropped by the pooling.
func maxUnpoolWidth(x, indices *Node, window, outputWidth int) *Node {
	g := x.Graph()
	dims := x.Shape().Dimensions
	batchSize, height, pooledWidth, channels := dims[0], dims[1], dims[2], dims[3]
	mask := windowMask(indices, window, x.DType())
	y := Mul(InsertAxes(x, 3), mask)
	y = Reshape(y, batchSize, height, pooledWidth*window, channels)
	if tail := outputWidth - pooledWidth*window; tail > 0 {
		y = Concatenate([]*Node{y, Zeros(g, shapes.Make(x.DType(), batchSize, height, tail, channels))}, 2)
	}
	return y
}
