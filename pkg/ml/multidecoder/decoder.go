// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package multidecoder

import (
	"fmt"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/speechmd/multidecoder/pkg/core/spatial"
	"github.com/speechmd/multidecoder/pkg/ml/stages"
)

// Decode builds the graph of the decoder of class, reconstructing [batch, time_dim, freq_dim] from latent,
// shaped [batch, latent_dim].
//
// bridge is the Encoding.Bridge shape, and inversion the Encoding.Inversion stack, which is consumed: one
// record is popped per unpooling (or transposed convolution) layer. Use InversionStack.Clone to decode the
// same encoding more than once.
//
// It panics with a *stages.ConfigurationError for an unknown class, and with a *ShapeMismatchError if the
// inversion stack doesn't match the decoder layers.
func (m *Model) Decode(ctx *context.Context, class string, latent *Node, bridge shapes.Shape, inversion *InversionStack) *Node {
	if err := m.checkClass(class); err != nil {
		panic(err)
	}
	cfg := &m.config
	if bridge.Rank() != 4 {
		exceptions.Panicf("bridge shape must be [batch, height, width, channels], got %s", bridge)
	}
	ctx = ctx.In(DecoderScopeName).In(class)
	batchSize := latent.Shape().Dim(0)
	activation := cfg.Flags.Activation

	x := latent
	for ii, width := range cfg.DecoderFC {
		layerCtx := ctx.In(fmt.Sprintf("fc_%d", ii))
		x = activate(activation, x)
		x = dense(layerCtx, cfg.WeightInit, x, width, activation.Gain())
		if cfg.Flags.UseNormalization {
			x = normalize(layerCtx.In("norm"), x)
		}
	}
	x = activate(activation, x)
	bridgeSize := bridge.Size() / bridge.Dim(0)
	x = dense(ctx.In("bridge"), cfg.WeightInit, x, bridgeSize, activation.Gain())
	x = Reshape(x, batchSize, bridge.Dim(1), bridge.Dim(2), bridge.Dim(3))

	for _, layer := range m.decoderPlan.Layers {
		layerCtx := ctx.In(fmt.Sprintf("conv_%d", layer.Index))
		switch layer.Kind {
		case stages.KindActivation:
			x = activate(layer.Activation, x)
		case stages.KindUnpool:
			record := popRecord(inversion, layer)
			current := featureShape(x)
			if record.Indices == nil {
				panicShapeMismatchf(layer.Index, "unpooling needs pooling indices, but the record has none")
			}
			if pooled := record.Shape.Pool(record.Window); pooled != current {
				panicShapeMismatchf(layer.Index, "unpooling %s with window %d can't reach %s, which pools to %s",
					current, record.Window, record.Shape, pooled)
			}
			x = maxUnpoolWidth(x, record.Indices, record.Window, record.Shape.Width)
		case stages.KindDeconv:
			record := popRecord(inversion, layer)
			current := featureShape(x)
			if record.Window != max(layer.Stride, 1) {
				panicShapeMismatchf(layer.Index, "recorded stride %d, but the transposed convolution has stride %d",
					record.Window, layer.Stride)
			}
			if height := spatial.DeconvOut(current.Height, layer.Kernel.Height, 1); height != record.Shape.Height {
				panicShapeMismatchf(layer.Index, "transposed convolution of %s produces height %d, recorded %s",
					current, height, record.Shape)
			}
			outputPadding, err := spatial.OutputPadding(current.Width, layer.Kernel.Width, record.Window, record.Shape.Width)
			if err != nil {
				panicShapeMismatchf(layer.Index, "can't reach recorded %s from %s: %v", record.Shape, current, err)
			}
			layer.OutputPadding = outputPadding
			x = transposedConv2D(layerCtx, cfg.WeightInit, x, layer)
		case stages.KindConv:
			x = conv2D(layerCtx, cfg.WeightInit, x, layer)
		case stages.KindNorm:
			x = normalize(layerCtx.In("norm"), x)
		default:
			exceptions.Panicf("unexpected layer %s in the decoder", layer)
		}
	}
	return Reshape(x, batchSize, cfg.TimeDim, cfg.FreqDim)
}

func popRecord(inversion *InversionStack, layer stages.Layer) InversionRecord {
	if inversion == nil {
		panicShapeMismatchf(layer.Index, "no inversion stack given")
	}
	record, ok := inversion.Pop()
	if !ok {
		panicShapeMismatchf(layer.Index, "inversion stack is empty, but %s layer expects a record", layer.Kind)
	}
	return record
}

// featureShape returns the ShapeState of one example of x, shaped [batch, height, width, channels].
func featureShape(x *Node) spatial.ShapeState {
	return spatial.ShapeState{Channels: x.Shape().Dim(3), Height: x.Shape().Dim(1), Width: x.Shape().Dim(2)}
}

// ForwardDecoder encodes x and decodes it with the decoder of class. It returns the reconstruction, shaped
// like x, and the encoding (whose inversion stack is consumed).
func (m *Model) ForwardDecoder(ctx *context.Context, x *Node, class string) (*Node, *Encoding) {
	enc := m.Encode(ctx, x)
	reconstruction := m.Decode(ctx, class, enc.Latent, enc.Bridge, enc.Inversion)
	return reconstruction, enc
}
