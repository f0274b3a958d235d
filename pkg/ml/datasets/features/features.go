// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package features loads per-utterance speech feature matrices, splices their frames with left and right context,
// and serves them as in-memory datasets of autoencoder batches (the spliced frames are both inputs and labels).
//
// Feature files follow the naming "<class>-<split>.npz" (one [num_frames, feat_dim] array per utterance) or
// "<class>-<split>.csv" (a manifest with one .npy file per utterance, see LoadManifest).
package features

import (
	"fmt"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/speechmd/multidecoder/pkg/core/spatial"
)

// Utterance holds the feature frames of one utterance, row-major [NumFrames, FeatDim].
type Utterance struct {
	ID        string
	NumFrames int
	FeatDim   int
	Frames    []float32
}

// Validate checks the frames match the declared dimensions.
func (u *Utterance) Validate() error {
	if u.NumFrames < 1 || u.FeatDim < 1 {
		return errors.Errorf("utterance %q has invalid dimensions [%d, %d]", u.ID, u.NumFrames, u.FeatDim)
	}
	if len(u.Frames) != u.NumFrames*u.FeatDim {
		return errors.Errorf("utterance %q has %d values, expected %d x %d", u.ID, len(u.Frames), u.NumFrames, u.FeatDim)
	}
	return nil
}

// Splicing of frames: each example is the frame with Left frames before it and Right frames after it.
type Splicing struct {
	Left, Right int
}

// TimeDim is the number of frames per spliced example.
func (s Splicing) TimeDim() int { return s.Left + 1 + s.Right }

// SpliceInto writes the spliced frames of u to dst, which must hold u.NumFrames*TimeDim*FeatDim values.
// Frames beyond the edges of the utterance repeat the first (or last) frame.
func (s Splicing) SpliceInto(u *Utterance, dst []float32) {
	timeDim := s.TimeDim()
	featDim := u.FeatDim
	for frame := range u.NumFrames {
		example := dst[frame*timeDim*featDim : (frame+1)*timeDim*featDim]
		for offset := -s.Left; offset <= s.Right; offset++ {
			src := min(max(frame+offset, 0), u.NumFrames-1)
			row := offset + s.Left
			copy(example[row*featDim:(row+1)*featDim], u.Frames[src*featDim:(src+1)*featDim])
		}
	}
}

// Splice returns the spliced frames of u, shaped [u.NumFrames, TimeDim, FeatDim] flattened.
func (s Splicing) Splice(u *Utterance) []float32 {
	dst := make([]float32, u.NumFrames*s.TimeDim()*u.FeatDim)
	s.SpliceInto(u, dst)
	return dst
}

// ClassData holds all the spliced examples of one class and split.
type ClassData struct {
	Class, Split string

	// Examples shaped [num_examples, time_dim, feat_dim].
	Examples *tensors.Tensor
}

// NumExamples in the data.
func (c *ClassData) NumExamples() int { return c.Examples.Shape().Dim(0) }

// Name of the data, e.g. "clean-train".
func (c *ClassData) Name() string { return fmt.Sprintf("%s-%s", c.Class, c.Split) }

// Build splices all utterances into one tensor. All utterances must have the same feature dimension, and
// featDim if > 0.
func Build(class, split string, utterances []Utterance, splicing Splicing, featDim int, showProgress bool) (
	*ClassData, error) {
	if splicing.Left < 0 || splicing.Right < 0 {
		return nil, errors.Errorf("invalid splicing context (%d, %d)", splicing.Left, splicing.Right)
	}
	numExamples := 0
	for ii := range utterances {
		u := &utterances[ii]
		if err := u.Validate(); err != nil {
			return nil, errors.WithMessagef(err, "class %q split %q", class, split)
		}
		if featDim <= 0 {
			featDim = u.FeatDim
		}
		if u.FeatDim != featDim {
			return nil, errors.Errorf("class %q split %q: utterance %q has feature dimension %d, expected %d",
				class, split, u.ID, u.FeatDim, featDim)
		}
		numExamples += u.NumFrames
	}
	if numExamples == 0 {
		return nil, errors.Errorf("class %q split %q has no frames", class, split)
	}

	timeDim := splicing.TimeDim()
	examples := tensors.FromShape(shapes.Make(dtypes.Float32, numExamples, timeDim, featDim))
	var bar *progressbar.ProgressBar
	if showProgress {
		bar = progressbar.Default(int64(len(utterances)), fmt.Sprintf("Splicing %s-%s", class, split))
	}
	exampleSize := timeDim * featDim
	tensors.MustMutableFlatData[float32](examples, func(flat []float32) {
		pos := 0
		for ii := range utterances {
			u := &utterances[ii]
			splicing.SpliceInto(u, flat[pos*exampleSize:(pos+u.NumFrames)*exampleSize])
			pos += u.NumFrames
			if bar != nil {
				_ = bar.Add(1)
			}
		}
	})
	if bar != nil {
		_ = bar.Finish()
	}
	return &ClassData{Class: class, Split: split, Examples: examples}, nil
}

// NumBatches returns how many batches of batchSize the data yields per epoch.
func (c *ClassData) NumBatches(batchSize int, dropIncompleteBatch bool) int {
	if dropIncompleteBatch {
		return c.NumExamples() / batchSize
	}
	return spatial.CeilDiv(c.NumExamples(), batchSize)
}

// Dataset creates an in-memory dataset over the examples, yielding spec along with each batch, whose inputs and
// labels are both the spliced examples.
//
// Training datasets should be shuffled, and drop their incomplete batch so the graph is compiled only once.
func (c *ClassData) Dataset(backend backends.Backend, spec any, batchSize int, shuffle, dropIncompleteBatch bool) (
	*datasets.InMemoryDataset, error) {
	if batchSize < 1 {
		return nil, errors.Errorf("invalid batch size %d", batchSize)
	}
	ds, err := datasets.InMemoryFromData(backend, c.Name(), []any{c.Examples}, []any{c.Examples})
	if err != nil {
		return nil, errors.WithMessagef(err, "creating dataset %q", c.Name())
	}
	ds = ds.WithSpec(spec).BatchSize(batchSize, dropIncompleteBatch)
	if shuffle {
		ds = ds.Shuffle()
	}
	return ds, nil
}
