// Copyright 2024-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package goref is the pure Go reference backend for the optimizer.
//
// It covers the operator subset constant folding needs (elementwise
// arithmetic, activations, dtype conversion, reshape, relayout) and returns
// backends.ErrUnsupportedOp for everything else -- notably convolutions,
// which are never constant in practice.
//
// Values are computed through float64; for the integer dtypes the results
// are exact, for floats they match the widened evaluation of the same
// expression.
package goref

import (
	"math"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopt/backends"
	"github.com/gomlx/gopt/graph"
	"github.com/gomlx/gopt/types/shapes"
	"github.com/gomlx/gopt/types/tensors"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Evaluator is the pure Go reference implementation of backends.Evaluator.
// The zero value is ready to use and safe for concurrent calls.
type Evaluator struct{}

// Compile-time check.
var _ backends.Evaluator = Evaluator{}

// Eval implements backends.Evaluator.
func (Evaluator) Eval(node *graph.Node, inputs []*tensors.Tensor) (*tensors.Tensor, error) {
	if len(inputs) != node.NumInputs() {
		return nil, errors.Errorf("goref: %s expects %d inputs, got %d", node, node.NumInputs(), len(inputs))
	}
	switch node.Type() {
	case graph.OpTypeConstant:
		return node.ConstantValue(), nil

	case graph.OpTypeAdd:
		return evalBinary(node, inputs, func(a, b float64) float64 { return a + b })
	case graph.OpTypeSub:
		return evalBinary(node, inputs, func(a, b float64) float64 { return a - b })
	case graph.OpTypeMul:
		return evalBinary(node, inputs, func(a, b float64) float64 { return a * b })
	case graph.OpTypeDiv:
		return evalBinary(node, inputs, func(a, b float64) float64 { return a / b })

	case graph.OpTypeSqrt:
		return evalUnary(node, inputs[0], math.Sqrt)
	case graph.OpTypeReLU:
		return evalUnary(node, inputs[0], func(v float64) float64 { return math.Max(v, 0) })
	case graph.OpTypeSigmoid:
		return evalUnary(node, inputs[0], func(v float64) float64 { return 1 / (1 + math.Exp(-v)) })
	case graph.OpTypeTanh:
		return evalUnary(node, inputs[0], math.Tanh)

	case graph.OpTypeConvertDType:
		return inputs[0].ConvertDType(node.ConvertParams().DType)

	case graph.OpTypeReshape:
		return inputs[0].WithShape(node.Out().Shape()), nil

	case graph.OpTypeRelayout:
		p := node.RelayoutParams()
		return Registry().Convert(inputs[0], p.From, p.To)
	}
	return nil, errors.Wrapf(backends.ErrUnsupportedOp, "goref: %s", node.Type())
}

// evalUnary applies fn elementwise, keeping the input's dtype.
func evalUnary(node *graph.Node, in *tensors.Tensor, fn func(float64) float64) (*tensors.Tensor, error) {
	out, err := newFlatWriter(in.Shape())
	if err != nil {
		return nil, errors.Wrapf(err, "goref: %s", node)
	}
	for i := 0; i < in.Size(); i++ {
		out.set(i, fn(in.Float64Value(i)))
	}
	return out.tensor(), nil
}

// evalBinary applies fn elementwise with broadcasting, following the graph
// package's broadcast rule (equal rank with axes equal or 1, or scalars).
func evalBinary(node *graph.Node, inputs []*tensors.Tensor, fn func(a, b float64) float64) (*tensors.Tensor, error) {
	outShape := node.Out().Shape()
	out, err := newFlatWriter(outShape)
	if err != nil {
		return nil, errors.Wrapf(err, "goref: %s", node)
	}
	lhs := newBroadcastReader(inputs[0], outShape)
	rhs := newBroadcastReader(inputs[1], outShape)
	for i := 0; i < outShape.Size(); i++ {
		out.set(i, fn(lhs.at(i), rhs.at(i)))
	}
	return out.tensor(), nil
}

// broadcastReader maps a flat output index to the element of a (possibly
// broadcast) input. Axes of dimension 1 (and scalars) have stride 0.
type broadcastReader struct {
	t       *tensors.Tensor
	strides []int // per output axis
	dims    []int // output dims
}

func newBroadcastReader(t *tensors.Tensor, outShape shapes.Shape) broadcastReader {
	rank := outShape.Rank()
	r := broadcastReader{t: t, strides: make([]int, rank), dims: outShape.Dimensions}
	if t.Shape().IsScalar() {
		return r
	}
	stride := 1
	for axis := rank - 1; axis >= 0; axis-- {
		if t.Shape().Dim(axis) != 1 {
			r.strides[axis] = stride
		}
		stride *= t.Shape().Dim(axis)
	}
	return r
}

func (r broadcastReader) at(flatIdx int) float64 {
	srcIdx := 0
	for axis := len(r.dims) - 1; axis >= 0; axis-- {
		coord := flatIdx % r.dims[axis]
		flatIdx /= r.dims[axis]
		srcIdx += coord * r.strides[axis]
	}
	return r.t.Float64Value(srcIdx)
}

// flatWriter accumulates float64 results into a typed flat slice.
type flatWriter struct {
	shape shapes.Shape
	flat  any
}

func newFlatWriter(shape shapes.Shape) (*flatWriter, error) {
	switch shape.DType {
	case dtypes.Float16, dtypes.Float32, dtypes.Float64, dtypes.Int32, dtypes.Int64:
		return &flatWriter{shape: shape, flat: tensors.Zeros(shape).Flat()}, nil
	}
	return nil, errors.Wrapf(backends.ErrUnsupportedOp, "dtype %s", shape.DType)
}

func (w *flatWriter) set(i int, v float64) {
	switch flat := w.flat.(type) {
	case []float16.Float16:
		flat[i] = float16.Fromfloat32(float32(v))
	case []float32:
		flat[i] = float32(v)
	case []float64:
		flat[i] = v
	case []int32:
		flat[i] = int32(v)
	case []int64:
		flat[i] = int64(v)
	}
}

func (w *flatWriter) tensor() *tensors.Tensor {
	return tensors.FromFlatAny(w.shape, w.flat)
}
