// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package spatial implements the size arithmetic of the convolutional stages: how convolution,
// pooling, transposed convolution and unpooling change the spatial extent of a feature map.
//
// All functions are pure. They assume dilation 1 and operate on one axis at a time: in this repository
// only the frequency axis (width) is ever downsampled, the time axis (height) is only changed by the
// kernel size of the convolutions.
package spatial

import (
	"fmt"

	"golang.org/x/exp/constraints"
)

// ConvOut returns the output size of a convolution over an axis of size in:
//
//	floor((in + 2*pad - kernel) / stride) + 1
//
// A stride <= 0 is taken as 1. The result may be <= 0 for invalid configurations, it's up to the caller to
// check it (see ShapeState.Valid).
func ConvOut(in, kernel, stride, pad int) int {
	if stride <= 0 {
		stride = 1
	}
	return floorDiv(in+2*pad-kernel, stride) + 1
}

// PoolOut returns the output size of a pooling with the given window and stride:
//
//	floor((in - window) / stride) + 1
//
// If stride <= 0 the stride defaults to the window, as in a non-overlapping pooling.
func PoolOut(in, window, stride int) int {
	if stride <= 0 {
		stride = window
	}
	return floorDiv(in-window, stride) + 1
}

// DeconvOut returns the output size of a transposed convolution with no padding:
//
//	(in - 1) * stride + kernel
//
// Transposed convolutions are under-determined: any size in [DeconvOut, DeconvOut+stride-1] is reachable
// with an output padding. See OutputPadding.
func DeconvOut(in, kernel, stride int) int {
	if stride <= 0 {
		stride = 1
	}
	return (in-1)*stride + kernel
}

// OutputPadding returns the extra padding a transposed convolution needs to produce exactly target
// elements. It returns an error if target is not reachable, that is if the padding is not in [0, stride-1].
func OutputPadding(in, kernel, stride, target int) (int, error) {
	if stride <= 0 {
		stride = 1
	}
	padding := target - DeconvOut(in, kernel, stride)
	if padding < 0 || padding >= stride {
		return 0, fmt.Errorf("transposed convolution of size %d (kernel=%d, stride=%d) can only produce sizes in [%d, %d], got target %d",
			in, kernel, stride, DeconvOut(in, kernel, stride), DeconvOut(in, kernel, stride)+stride-1, target)
	}
	return padding, nil
}

// UnpoolOut returns the size after unpooling by window: in*window.
//
// It's only the exact inverse of PoolOut when in was divisible by the window: remainder elements dropped
// by the pooling are not recovered.
func UnpoolOut(in, window int) int {
	return in * window
}

// CeilDiv returns ceil(a/b) for positive b.
func CeilDiv[T constraints.Integer](a, b T) T {
	return (a + b - 1) / b
}

// floorDiv is the floor of a/b, also for negative a.
func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// ShapeState is the (channels, height, width) shape of one example's feature map.
// Height is the time axis, width the frequency axis.
type ShapeState struct {
	Channels, Height, Width int
}

// Size returns the number of elements of the feature map: channels*height*width.
func (s ShapeState) Size() int {
	return s.Channels * s.Height * s.Width
}

// Valid returns whether all dimensions are positive.
func (s ShapeState) Valid() bool {
	return s.Channels > 0 && s.Height > 0 && s.Width > 0
}

// String implements fmt.Stringer.
func (s ShapeState) String() string {
	return fmt.Sprintf("(C=%d, H=%d, W=%d)", s.Channels, s.Height, s.Width)
}

// Window is the (height, width) extent of a kernel or of a padding.
type Window struct {
	Height, Width int
}

// Square returns a Window with both sides equal to k.
func Square(k int) Window {
	return Window{Height: k, Width: k}
}

// Conv returns the shape after a convolution with the given output channels, kernel, padding (applied to both
// sides of each axis) and a stride applied on the width (frequency) axis only.
func (s ShapeState) Conv(channels int, kernel Window, widthStride int, pad Window) ShapeState {
	return ShapeState{
		Channels: channels,
		Height:   ConvOut(s.Height, kernel.Height, 1, pad.Height),
		Width:    ConvOut(s.Width, kernel.Width, widthStride, pad.Width),
	}
}

// Pool returns the shape after a non-overlapping max-pooling of the width axis by window.
func (s ShapeState) Pool(window int) ShapeState {
	return ShapeState{Channels: s.Channels, Height: s.Height, Width: PoolOut(s.Width, window, window)}
}

// Deconv returns the shape after a transposed convolution with the given output channels, kernel
// and width stride, with no output padding.
func (s ShapeState) Deconv(channels int, kernel Window, widthStride int) ShapeState {
	return ShapeState{
		Channels: channels,
		Height:   DeconvOut(s.Height, kernel.Height, 1),
		Width:    DeconvOut(s.Width, kernel.Width, widthStride),
	}
}

// Unpool returns the shape after unpooling the width axis by window.
func (s ShapeState) Unpool(window int) ShapeState {
	return ShapeState{Channels: s.Channels, Height: s.Height, Width: UnpoolOut(s.Width, window)}
}
