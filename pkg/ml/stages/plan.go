// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package stages

import (
	"fmt"
	"strings"

	"github.com/speechmd/multidecoder/pkg/core/spatial"
)

// Kind of layer descriptor.
type Kind int

const (
	KindConv Kind = iota
	KindPool
	KindNorm
	KindActivation
	KindUnpool
	KindDeconv
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindConv:
		return "conv"
	case KindPool:
		return "pool"
	case KindNorm:
		return "norm"
	case KindActivation:
		return "activation"
	case KindUnpool:
		return "unpool"
	case KindDeconv:
		return "deconv"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Layer describes one operation of a convolutional stage, with the shapes (of one example) it consumes and
// produces.
type Layer struct {
	Kind Kind

	// Index of the entry in the LayerSpecList that generated this layer.
	Index int

	// Channels output by a KindConv or KindDeconv layer.
	Channels int

	// Kernel and Padding (applied on both sides of each axis) of KindConv and KindDeconv layers.
	Kernel, Padding spatial.Window

	// Stride on the width axis of KindConv and KindDeconv layers.
	Stride int

	// OutputPadding is the extra width a KindDeconv layer appends to reach the recorded width.
	OutputPadding int

	// Window of KindPool and KindUnpool layers.
	Window int

	// Activation of KindActivation layers.
	Activation Activation

	// Pushes is set for encoder layers that push an inversion record, Pops for decoder layers that pop one.
	Pushes, Pops bool

	In, Out spatial.ShapeState
}

// String implements fmt.Stringer.
func (l Layer) String() string {
	var details string
	switch l.Kind {
	case KindConv, KindDeconv:
		details = fmt.Sprintf("channels=%d kernel=%dx%d stride=%d", l.Channels, l.Kernel.Height, l.Kernel.Width, l.Stride)
		if l.Padding != (spatial.Window{}) {
			details += fmt.Sprintf(" padding=%dx%d", l.Padding.Height, l.Padding.Width)
		}
		if l.OutputPadding > 0 {
			details += fmt.Sprintf(" output_padding=%d", l.OutputPadding)
		}
	case KindPool, KindUnpool:
		details = fmt.Sprintf("window=%d", l.Window)
	case KindActivation:
		details = l.Activation.String()
	}
	return fmt.Sprintf("#%d %-10s %s -> %s %s", l.Index, l.Kind, l.In, l.Out, details)
}

// Record is one entry of the inversion stack, as simulated at construction time: the shape before the
// downsampling operation and the downsampling factor.
//
// In non-strided mode Shape is the pre-pool shape and Window the pooling window; in strided mode Shape is
// the pre-convolution shape and Window the convolution width stride.
type Record struct {
	Layer  int
	Shape  spatial.ShapeState
	Window int
}

// Plan is the validated sequence of layers of a convolutional stage.
type Plan struct {
	Flags         Flags
	Input, Output spatial.ShapeState
	Layers        []Layer

	// Records pushed by an encoder plan, in forward order. Empty for decoder plans.
	Records []Record
}

// String returns a multi-line description of the plan.
func (p *Plan) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "input %s, output %s, %d inversion records\n", p.Input, p.Output, len(p.Records))
	for _, layer := range p.Layers {
		_, _ = fmt.Fprintf(&sb, "\t%s\n", layer)
	}
	return sb.String()
}

// Widths returns the distinct consecutive widths through the plan, starting with the input width.
func (p *Plan) Widths() []int {
	widths := []int{p.Input.Width}
	for _, layer := range p.Layers {
		if layer.Kind == KindConv || layer.Kind == KindPool || layer.Kind == KindDeconv || layer.Kind == KindUnpool {
			widths = append(widths, layer.Out.Width)
		}
	}
	return widths
}

func kernelWindow(flags Flags, kernel int) spatial.Window {
	if flags.FrequencyOnlyKernels {
		return spatial.Window{Height: 1, Width: kernel}
	}
	return spatial.Square(kernel)
}

// BuildEncoder plans the convolutional stage of an encoder, for inputs of the given shape (without the batch axis).
//
// Each layer i is a convolution with specs.Channels[i] output channels (width stride specs.Downsamples[i] in strided
// mode), an optional normalization, the activation and, in non-strided mode with specs.Downsamples[i] > 0,
// a max-pooling of the width that records its indices.
//
// It returns a *ConfigurationError if the lists are inconsistent or any dimension becomes <= 0.
func BuildEncoder(input spatial.ShapeState, specs LayerSpecList, flags Flags) (*Plan, error) {
	if !input.Valid() {
		return nil, Configurationf("input", "invalid input shape %s", input)
	}
	if err := specs.Validate("enc"); err != nil {
		return nil, err
	}
	plan := &Plan{Flags: flags, Input: input}
	current := input
	for ii := range specs.Len() {
		kernel := kernelWindow(flags, specs.Kernels[ii])
		stride := 1
		if flags.Strided {
			stride = max(specs.Downsamples[ii], 1)
			plan.Records = append(plan.Records, Record{Layer: ii, Shape: current, Window: stride})
		}
		conv := Layer{
			Kind: KindConv, Index: ii,
			Channels: specs.Channels[ii], Kernel: kernel, Stride: stride,
			Pushes: flags.Strided,
			In:     current,
			Out:    current.Conv(specs.Channels[ii], kernel, stride, spatial.Window{}),
		}
		if !conv.Out.Valid() {
			return nil, Configurationf(fmt.Sprintf("enc_kernels[%d]", ii),
				"kernel %dx%d (stride %d) is larger than the remaining extent %s", kernel.Height, kernel.Width, stride, current)
		}
		plan.Layers = append(plan.Layers, conv)
		current = conv.Out
		if flags.UseNormalization {
			plan.Layers = append(plan.Layers, Layer{Kind: KindNorm, Index: ii, In: current, Out: current})
		}
		plan.Layers = append(plan.Layers, Layer{Kind: KindActivation, Index: ii, Activation: flags.Activation,
			In: current, Out: current})
		if !flags.Strided && specs.Downsamples[ii] > 0 {
			window := specs.Downsamples[ii]
			pool := Layer{Kind: KindPool, Index: ii, Window: window, Pushes: true, In: current, Out: current.Pool(window)}
			if !pool.Out.Valid() {
				return nil, Configurationf(fmt.Sprintf("enc_downsamples[%d]", ii),
					"pooling window %d is larger than the remaining width %d", window, current.Width)
			}
			plan.Records = append(plan.Records, Record{Layer: ii, Shape: current, Window: window})
			plan.Layers = append(plan.Layers, pool)
			current = pool.Out
		}
	}
	plan.Output = current
	return plan, nil
}

// BuildDecoder plans the deconvolution stage of a decoder that starts from the bridge shape (the encoder plan
// output) and must reconstruct target, consuming the inversion records of the encoder plan in reverse order.
//
// Each layer i applies the activation, then either a transposed convolution (strided mode, width stride
// specs.Downsamples[i], output width given by the popped record) or an optional unpooling
// (non-strided mode, if specs.Downsamples[i] > 0) followed by a convolution with padding kernel-1.
// Layer i outputs specs.Channels[i+1] channels, the last one outputs 1 channel. All layers but the last
// are normalized if flags.UseNormalization is set.
//
// It returns a *ConfigurationError if the lists don't mirror the encoder: wrong input channels, number of
// records, windows or the final shape doesn't match target.
func BuildDecoder(bridge, target spatial.ShapeState, encoder *Plan, specs LayerSpecList, flags Flags) (*Plan, error) {
	if err := specs.Validate("dec"); err != nil {
		return nil, err
	}
	if encoder.Flags.Strided != flags.Strided {
		return nil, Configurationf("strided", "decoder (strided=%v) and encoder (strided=%v) modes differ",
			flags.Strided, encoder.Flags.Strided)
	}
	n := specs.Len()
	if n == 0 {
		if bridge != target || len(encoder.Records) > 0 {
			return nil, Configurationf("dec_channels", "no decoder layers, but bridge %s differs from target %s",
				bridge, target)
		}
		return &Plan{Flags: flags, Input: bridge, Output: bridge}, nil
	}
	if specs.Channels[0] != bridge.Channels {
		return nil, Configurationf("dec_channels[0]", "must match the last encoder channels %d, got %d",
			bridge.Channels, specs.Channels[0])
	}

	plan := &Plan{Flags: flags, Input: bridge}
	stack := append([]Record(nil), encoder.Records...)
	pop := func(ii int) (Record, error) {
		if len(stack) == 0 {
			return Record{}, Configurationf(fmt.Sprintf("dec_upsamples[%d]", ii),
				"decoder layer expects an inversion record, but the encoder only records %d", len(encoder.Records))
		}
		rec := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return rec, nil
	}

	current := bridge
	for ii := range n {
		outChannels := 1
		if ii < n-1 {
			outChannels = specs.Channels[ii+1]
		}
		kernel := kernelWindow(flags, specs.Kernels[ii])
		plan.Layers = append(plan.Layers, Layer{Kind: KindActivation, Index: ii, Activation: flags.Activation,
			In: current, Out: current})

		if flags.Strided {
			rec, err := pop(ii)
			if err != nil {
				return nil, err
			}
			stride := max(specs.Downsamples[ii], 1)
			if stride != rec.Window {
				return nil, Configurationf(fmt.Sprintf("dec_upsamples[%d]", ii),
					"upsample %d doesn't mirror the encoder stride %d of layer %d", stride, rec.Window, rec.Layer)
			}
			if height := spatial.DeconvOut(current.Height, kernel.Height, 1); height != rec.Shape.Height {
				return nil, Configurationf(fmt.Sprintf("dec_kernels[%d]", ii),
					"transposed convolution produces height %d, but encoder layer %d had height %d",
					height, rec.Layer, rec.Shape.Height)
			}
			outputPadding, err := spatial.OutputPadding(current.Width, kernel.Width, stride, rec.Shape.Width)
			if err != nil {
				return nil, Configurationf(fmt.Sprintf("dec_kernels[%d]", ii), "%v", err)
			}
			deconv := Layer{
				Kind: KindDeconv, Index: ii,
				Channels: outChannels, Kernel: kernel, Stride: stride, OutputPadding: outputPadding,
				Pops: true, In: current,
				Out: spatial.ShapeState{Channels: outChannels, Height: rec.Shape.Height, Width: rec.Shape.Width},
			}
			plan.Layers = append(plan.Layers, deconv)
			current = deconv.Out

		} else {
			if window := specs.Downsamples[ii]; window > 0 {
				rec, err := pop(ii)
				if err != nil {
					return nil, err
				}
				if window != rec.Window {
					return nil, Configurationf(fmt.Sprintf("dec_upsamples[%d]", ii),
						"upsample %d doesn't mirror the encoder pooling window %d of layer %d", window, rec.Window, rec.Layer)
				}
				pooled := rec.Shape.Pool(rec.Window)
				if current != pooled {
					return nil, Configurationf(fmt.Sprintf("dec_upsamples[%d]", ii),
						"unpooling input %s doesn't match the output %s of the encoder pooling of layer %d",
						current, pooled, rec.Layer)
				}
				unpool := Layer{Kind: KindUnpool, Index: ii, Window: window, Pops: true, In: current, Out: rec.Shape}
				plan.Layers = append(plan.Layers, unpool)
				current = unpool.Out
			}
			padding := spatial.Window{Height: kernel.Height - 1, Width: kernel.Width - 1}
			conv := Layer{
				Kind: KindConv, Index: ii,
				Channels: outChannels, Kernel: kernel, Stride: 1, Padding: padding,
				In:  current,
				Out: current.Conv(outChannels, kernel, 1, padding),
			}
			plan.Layers = append(plan.Layers, conv)
			current = conv.Out
		}

		if flags.UseNormalization && ii < n-1 {
			plan.Layers = append(plan.Layers, Layer{Kind: KindNorm, Index: ii, In: current, Out: current})
		}
	}

	if len(stack) > 0 {
		return nil, Configurationf("dec_upsamples", "%d encoder inversion records are left unconsumed by the decoder",
			len(stack))
	}
	if current != target {
		return nil, Configurationf("dec_kernels", "decoder reconstructs shape %s, but the input shape is %s",
			current, target)
	}
	plan.Output = current
	return plan, nil
}
