// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package stages translates declarative layer-size lists into plans of typed layer descriptors
// for the convolutional stages of an encoder and its mirrored decoders.
//
// Plans are built and validated eagerly, before any computation graph exists: every configuration
// problem (mismatched lists, kernels larger than the remaining extent, decoders that don't mirror
// their encoder) is reported as a *ConfigurationError.
//
// The plans are consumed by package multidecoder, which turns each descriptor into graph operations.
package stages

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ConfigurationError reports an invalid model configuration. Field names the offending configuration
// entry (e.g. "enc_kernels[1]" or "decoder_classes").
type ConfigurationError struct {
	Field  string
	Reason string
}

// Error implements error.
func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration %q: %s", e.Field, e.Reason)
}

// Configurationf returns a *ConfigurationError (with a stack trace attached) for field.
func Configurationf(field, format string, args ...any) error {
	return errors.WithStack(&ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)})
}

// IsConfigurationError returns whether err is or wraps a *ConfigurationError.
func IsConfigurationError(err error) bool {
	var configErr *ConfigurationError
	return errors.As(err, &configErr)
}

// LayerSpecList holds the parallel per-layer lists of one convolutional stage, in traversal order.
//
// For an encoder, Downsamples[i] is the pooling window (or the convolution width stride in strided mode)
// of layer i, 0 meaning no downsampling. For a decoder the same list is read as upsample factors.
type LayerSpecList struct {
	Channels    []int
	Kernels     []int
	Downsamples []int
}

// Len returns the number of layers.
func (l LayerSpecList) Len() int {
	return len(l.Channels)
}

// Validate checks that the lists have equal lengths, channels and kernels are >= 1, and downsamples >= 0.
// The prefix is used to name the fields in the returned error, e.g. "enc".
func (l LayerSpecList) Validate(prefix string) error {
	if len(l.Kernels) != len(l.Channels) || len(l.Downsamples) != len(l.Channels) {
		return Configurationf(prefix, "channels (%d), kernels (%d) and downsamples (%d) lists must have the same length",
			len(l.Channels), len(l.Kernels), len(l.Downsamples))
	}
	for ii := range l.Channels {
		if l.Channels[ii] < 1 {
			return Configurationf(fmt.Sprintf("%s_channels[%d]", prefix, ii), "must be >= 1, got %d", l.Channels[ii])
		}
		if l.Kernels[ii] < 1 {
			return Configurationf(fmt.Sprintf("%s_kernels[%d]", prefix, ii), "must be >= 1, got %d", l.Kernels[ii])
		}
		if l.Downsamples[ii] < 0 {
			return Configurationf(fmt.Sprintf("%s_downsamples[%d]", prefix, ii), "must be >= 0, got %d", l.Downsamples[ii])
		}
	}
	return nil
}

// Reversed returns the mirror image of the list: layers in reverse order, with the channels of each
// layer being the channels it receives in the original list. It's the decoder list that exactly mirrors
// an encoder list.
//
// E.g.: encoder channels [8, 16], kernels [3, 5], downsamples [0, 2] reverse to channels [16, 8],
// kernels [5, 3], upsamples [2, 0].
func (l LayerSpecList) Reversed() LayerSpecList {
	n := l.Len()
	r := LayerSpecList{
		Channels:    make([]int, n),
		Kernels:     make([]int, n),
		Downsamples: make([]int, n),
	}
	for ii := range n {
		r.Channels[ii] = l.Channels[n-1-ii]
		r.Kernels[ii] = l.Kernels[n-1-ii]
		r.Downsamples[ii] = l.Downsamples[n-1-ii]
	}
	return r
}

// ParseInts parses a list of integers delimited by "_" (or ","), as used by the environment configuration,
// e.g. "8_16_32". Empty elements are skipped, so "" yields an empty list.
func ParseInts(field, delimited string) ([]int, error) {
	parts := strings.FieldsFunc(delimited, func(r rune) bool { return r == '_' || r == ',' })
	values := make([]int, 0, len(parts))
	for _, part := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, Configurationf(field, "cannot parse %q as an integer list: %v", delimited, err)
		}
		values = append(values, v)
	}
	return values, nil
}

// ParseNames splits a list of names delimited by "_" (or ","), skipping empty elements.
func ParseNames(delimited string) []string {
	return strings.FieldsFunc(delimited, func(r rune) bool { return r == '_' || r == ',' })
}

// Flags configure how a LayerSpecList is turned into layers.
type Flags struct {
	// UseNormalization adds a batch normalization after every convolution (encoder) and after every
	// decoder layer except the output one.
	UseNormalization bool

	// Strided replaces pooling by convolution strides on the width axis, and unpooling by
	// transposed convolutions.
	Strided bool

	// FrequencyOnlyKernels makes kernels span a single frame in the time axis (1 x k), so the height of the
	// feature map never changes. By default kernels are square (k x k).
	FrequencyOnlyKernels bool

	// Activation used after every layer.
	Activation Activation
}
