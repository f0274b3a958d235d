// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package interleave implements a train.Dataset that interleaves the batches of several per-class datasets.
//
// Each step the class is drawn with probability proportional to its number of remaining batches in the epoch,
// without replacement, so every class yields all of its batches exactly once per epoch, in a random order.
package interleave

import (
	"io"
	"math/rand"
	"slices"
	"time"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
)

// Sampler draws indices weighted by their remaining counts, without replacement.
type Sampler struct {
	counts, remaining []int
	total, drawn      int
	rng               *rand.Rand
}

// NewSampler creates a sampler that will draw index i exactly counts[i] times per epoch.
func NewSampler(counts []int, rng *rand.Rand) (*Sampler, error) {
	s := &Sampler{counts: slices.Clone(counts), rng: rng}
	for ii, count := range counts {
		if count < 0 {
			return nil, errors.Errorf("interleave: count #%d is negative (%d)", ii, count)
		}
		s.total += count
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	s.Reset()
	return s, nil
}

// Reset restores the counts for a new epoch.
func (s *Sampler) Reset() {
	s.remaining = slices.Clone(s.counts)
	s.drawn = 0
}

// Seed replaces the random number generator with one seeded with seed. Draws after Seed depend only on seed
// and on the remaining counts.
func (s *Sampler) Seed(seed int64) {
	s.rng = rand.New(rand.NewSource(seed))
}

// Total number of draws per epoch.
func (s *Sampler) Total() int { return s.total }

// Remaining returns a copy of the remaining counts per index.
func (s *Sampler) Remaining() []int { return slices.Clone(s.remaining) }

// Next draws the next index. It returns false once all counts are exhausted.
func (s *Sampler) Next() (int, bool) {
	if s.drawn >= s.total {
		return -1, false
	}
	pos := s.rng.Intn(s.total - s.drawn)
	for ii, count := range s.remaining {
		if pos < count {
			s.remaining[ii]--
			s.drawn++
			return ii, true
		}
		pos -= count
	}
	// Unreachable while remaining sums to total-drawn.
	return -1, false
}

// Source is one of the interleaved datasets.
type Source struct {
	// Class identifies the source, e.g. the decoder class.
	Class string

	// Dataset must yield exactly NumBatches batches per epoch.
	Dataset    train.Dataset
	NumBatches int
}

// Dataset interleaves its sources. It implements train.Dataset.
type Dataset struct {
	name      string
	sources   []Source
	sampler   *Sampler
	lastClass string
}

var _ train.Dataset = (*Dataset)(nil)

// New creates the interleaved dataset. rng can be nil, in which case it's seeded with the current time.
func New(name string, sources []Source, rng *rand.Rand) (*Dataset, error) {
	if len(sources) == 0 {
		return nil, errors.New("interleave: no sources given")
	}
	counts := make([]int, len(sources))
	for ii, source := range sources {
		if source.Dataset == nil {
			return nil, errors.Errorf("interleave: source %q has no dataset", source.Class)
		}
		counts[ii] = source.NumBatches
	}
	sampler, err := NewSampler(counts, rng)
	if err != nil {
		return nil, err
	}
	return &Dataset{name: name, sources: slices.Clone(sources), sampler: sampler}, nil
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// NumBatches per epoch, summed over all sources.
func (ds *Dataset) NumBatches() int { return ds.sampler.Total() }

// Seed reseeds the class sampling, e.g. with a seed derived from the epoch number, so that the order of an
// epoch doesn't depend on the epochs drawn before it.
func (ds *Dataset) Seed(seed int64) { ds.sampler.Seed(seed) }

// LastClass returns the class of the source of the last yielded batch.
func (ds *Dataset) LastClass() string { return ds.lastClass }

// Reset implements train.Dataset. It resets all sources as well.
func (ds *Dataset) Reset() {
	ds.sampler.Reset()
	ds.lastClass = ""
	for _, source := range ds.sources {
		source.Dataset.Reset()
	}
}

// Yield implements train.Dataset. It returns io.EOF once every source yielded its NumBatches batches.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	idx, ok := ds.sampler.Next()
	if !ok {
		err = io.EOF
		return
	}
	source := ds.sources[idx]
	spec, inputs, labels, err = source.Dataset.Yield()
	if err == io.EOF {
		err = errors.Errorf("interleave: source %q exhausted before yielding its %d batches",
			source.Class, source.NumBatches)
		return
	}
	if err != nil {
		err = errors.WithMessagef(err, "interleave: source %q failed", source.Class)
		return
	}
	ds.lastClass = source.Class
	return
}
