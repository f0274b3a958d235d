// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package multidecoder

import (
	"fmt"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/pkg/errors"
	"github.com/speechmd/multidecoder/pkg/core/spatial"
)

// ShapeMismatchError is raised (panicked) while building a decoder graph, when the inversion stack
// doesn't hold the record a layer expects: it's empty, or the recorded shape can't be reached from the
// current feature map.
//
// It signals an encoder and decoder that don't mirror each other, or an inversion stack that was
// already consumed. It's never fixed by reshaping.
type ShapeMismatchError struct {
	// Layer is the index of the decoder layer that failed.
	Layer  int
	Reason string
}

// Error implements error.
func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("shape mismatch in decoder layer #%d: %s", e.Layer, e.Reason)
}

func panicShapeMismatchf(layer int, format string, args ...any) {
	panic(errors.WithStack(&ShapeMismatchError{Layer: layer, Reason: fmt.Sprintf(format, args...)}))
}

// InversionRecord holds what is needed to revert one downsampling step of the encoder.
type InversionRecord struct {
	// Shape of the feature map (of one example) before the downsampling.
	Shape spatial.ShapeState

	// Window is the pooling window, or the convolution width stride in strided mode.
	Window int

	// Indices of the winner of each pooling window, shaped like the pooled feature map, with dtype Int32.
	// Only set for pooling layers.
	Indices *Node
}

// InversionStack is a LIFO of InversionRecord: Encode pushes one record per downsampling layer,
// and Decode pops them in reverse order.
//
// Each call to Encode returns a new stack, which is consumed by a Decode. Use Clone to decode the same
// encoding more than once (e.g. with different decoder classes).
type InversionStack struct {
	records []InversionRecord
}

// Push a record on top of the stack.
func (s *InversionStack) Push(record InversionRecord) {
	s.records = append(s.records, record)
}

// Pop removes and returns the record on top of the stack. It returns false if the stack is empty.
func (s *InversionStack) Pop() (InversionRecord, bool) {
	if len(s.records) == 0 {
		return InversionRecord{}, false
	}
	last := len(s.records) - 1
	record := s.records[last]
	s.records[last] = InversionRecord{}
	s.records = s.records[:last]
	return record, true
}

// Len returns the number of records in the stack.
func (s *InversionStack) Len() int {
	return len(s.records)
}

// Clone returns an independent copy of the stack. The records' Indices nodes are shared, they are immutable.
func (s *InversionStack) Clone() *InversionStack {
	return &InversionStack{records: append([]InversionRecord(nil), s.records...)}
}
