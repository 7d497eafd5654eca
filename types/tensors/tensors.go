// Copyright 2024-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors provides a minimal dense Tensor: a Shape plus a flat Go
// slice with the values in row-major order.
//
// It is the value type used for constant parameters in the graph package and
// for the results materialized by constant folding. It is not a compute
// library: the arithmetic on tensors lives in the backends (see
// backends/goref for the pure Go reference implementation).
package tensors

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopt/types/shapes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Tensor holds a dense array of values of a fixed DType.
//
// Tensors are immutable by convention: the optimizer shares them freely
// across graph nodes, so callers must not modify the flat data after
// construction.
type Tensor struct {
	shape shapes.Shape

	// flat is one of []float16.Float16, []float32, []float64, []int32,
	// []int64, indexed in row-major order. Always of length shape.Size().
	flat any
}

// FromFlat creates a tensor of the given dimensions from a flat slice of values in row-major order.
// The DType is inferred from T.
func FromFlat[T dtypes.Number](dimensions []int, values []T) *Tensor {
	shape := shapes.Make(dtypes.FromGenericsType[T](), dimensions...)
	if len(values) != shape.Size() {
		exceptions.Panicf("tensors.FromFlat: shape %s requires %d values, got %d", shape, shape.Size(), len(values))
	}
	return &Tensor{shape: shape, flat: slices.Clone(values)}
}

// FromScalar creates a scalar (rank-0) tensor with the given value.
func FromScalar[T dtypes.Supported](value T) *Tensor {
	return &Tensor{shape: shapes.Scalar(dtypes.FromGenericsType[T]()), flat: []T{value}}
}

// FromFlatAny creates a tensor from an already typed flat slice.
// The slice is used directly, not cloned. It panics if values is not one of
// the supported flat slice types or if the length doesn't match the shape.
func FromFlatAny(shape shapes.Shape, values any) *Tensor {
	n := flatLen(values)
	if n != shape.Size() {
		exceptions.Panicf("tensors.FromFlatAny: shape %s requires %d values, got %d", shape, shape.Size(), n)
	}
	return &Tensor{shape: shape, flat: values}
}

// Zeros creates a tensor of the given shape filled with the zero value of its DType.
func Zeros(shape shapes.Shape) *Tensor {
	return &Tensor{shape: shape, flat: newFlat(shape.DType, shape.Size())}
}

func newFlat(dtype dtypes.DType, size int) any {
	switch dtype {
	case dtypes.Float16:
		return make([]float16.Float16, size)
	case dtypes.Float32:
		return make([]float32, size)
	case dtypes.Float64:
		return make([]float64, size)
	case dtypes.Int32:
		return make([]int32, size)
	case dtypes.Int64:
		return make([]int64, size)
	}
	exceptions.Panicf("tensors: dtype %s not supported", dtype)
	return nil
}

func flatLen(values any) int {
	switch v := values.(type) {
	case []float16.Float16:
		return len(v)
	case []float32:
		return len(v)
	case []float64:
		return len(v)
	case []int32:
		return len(v)
	case []int64:
		return len(v)
	}
	exceptions.Panicf("tensors: flat slice type %T not supported", values)
	return 0
}

// Shape of the tensor. It implements shapes.HasShape.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType of the tensor's elements.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Size is the number of elements stored, the product of the dimensions.
func (t *Tensor) Size() int { return t.shape.Size() }

// Memory is the storage used by the tensor values, in bytes.
func (t *Tensor) Memory() uintptr { return t.shape.Memory() }

// Flat returns the underlying flat slice. The caller must not modify it.
func (t *Tensor) Flat() any { return t.flat }

// WithShape returns a tensor sharing the same flat data but with a new shape
// of the same size and DType -- a free reshape.
func (t *Tensor) WithShape(shape shapes.Shape) *Tensor {
	if shape.DType != t.shape.DType || shape.Size() != t.shape.Size() {
		exceptions.Panicf("tensors.WithShape: cannot reshape %s to %s", t.shape, shape)
	}
	return &Tensor{shape: shape, flat: t.flat}
}

// Float64Value returns element i converted to float64, for any float DType.
// Mostly used by tests and debug printing.
func (t *Tensor) Float64Value(i int) float64 {
	switch v := t.flat.(type) {
	case []float16.Float16:
		return float64(v[i].Float32())
	case []float32:
		return float64(v[i])
	case []float64:
		return v[i]
	case []int32:
		return float64(v[i])
	case []int64:
		return float64(v[i])
	}
	exceptions.Panicf("tensors.Float64Value: flat type %T not supported", t.flat)
	return 0
}

// ConvertDType returns a copy of the tensor converted to the given DType.
// Returned unchanged if the DType already matches.
//
// Supported conversions: between Float16, Float32 and Float64, and from
// Int32/Int64 to any float DType.
func (t *Tensor) ConvertDType(dtype dtypes.DType) (*Tensor, error) {
	if dtype == t.shape.DType {
		return t, nil
	}
	size := t.Size()
	newShape := t.shape.WithDType(dtype)
	switch dtype {
	case dtypes.Float16:
		out := make([]float16.Float16, size)
		for i := range out {
			out[i] = float16.Fromfloat32(float32(t.Float64Value(i)))
		}
		return &Tensor{shape: newShape, flat: out}, nil
	case dtypes.Float32:
		out := make([]float32, size)
		for i := range out {
			out[i] = float32(t.Float64Value(i))
		}
		return &Tensor{shape: newShape, flat: out}, nil
	case dtypes.Float64:
		out := make([]float64, size)
		for i := range out {
			out[i] = t.Float64Value(i)
		}
		return &Tensor{shape: newShape, flat: out}, nil
	}
	return nil, errors.Errorf("tensors.ConvertDType: conversion from %s to %s not supported", t.shape.DType, dtype)
}

// Equal returns whether both tensors have the same shape and bit-equal values.
func (t *Tensor) Equal(t2 *Tensor) bool {
	if !t.shape.Equal(t2.shape) {
		return false
	}
	switch v := t.flat.(type) {
	case []float16.Float16:
		return slices.Equal(v, t2.flat.([]float16.Float16))
	case []float32:
		return slices.Equal(v, t2.flat.([]float32))
	case []float64:
		return slices.Equal(v, t2.flat.([]float64))
	case []int32:
		return slices.Equal(v, t2.flat.([]int32))
	case []int64:
		return slices.Equal(v, t2.flat.([]int64))
	}
	return false
}

// String pretty-prints shape and, for small tensors, the values.
func (t *Tensor) String() string {
	const maxSizeToPrint = 8
	if t.Size() > maxSizeToPrint {
		return fmt.Sprintf("Tensor%s{...}", t.shape)
	}
	return fmt.Sprintf("Tensor%s%v", t.shape, t.flat)
}
