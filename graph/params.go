// Copyright 2024-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopt/types/shapes"
	"github.com/gomlx/gopt/types/tensors"
)

// ParameterParams names a graph input.
type ParameterParams struct {
	Name string
}

// ConstantParams holds the materialized value of a Constant node and the
// physical layout it is stored in.
type ConstantParams struct {
	Value  *tensors.Tensor
	Format Format
}

// ConvParams are the parameters of a 2D convolution. The spatial defaults
// (stride 1, no padding, dilation 1) are filled in by Graph.Conv when left
// zero.
type ConvParams struct {
	StrideH, StrideW     int
	PadH, PadW           int
	DilationH, DilationW int

	// Format of the activations and weights the kernel computes in.
	Format Format
}

// withDefaults fills zero-valued spatial parameters with their defaults.
func (p ConvParams) withDefaults() ConvParams {
	if p.StrideH == 0 {
		p.StrideH = 1
	}
	if p.StrideW == 0 {
		p.StrideW = 1
	}
	if p.DilationH == 0 {
		p.DilationH = 1
	}
	if p.DilationW == 0 {
		p.DilationW = 1
	}
	if p.Format == FormatInvalid {
		p.Format = FormatNCHW
	}
	return p
}

// ConvBiasParams are the parameters of the fused convolution node:
// nonlin(conv(x, w) + bias [+ z]).
type ConvBiasParams struct {
	Conv   ConvParams
	Nonlin NonlinMode

	// WithZ indicates the node takes a fourth input z, added to the
	// convolution result before the activation.
	WithZ bool
}

// BatchNormParams are the parameters of inference-form batch normalization.
type BatchNormParams struct {
	Epsilon float64
}

// ReshapeParams holds the target dimensions of a Reshape.
type ReshapeParams struct {
	Dimensions []int
}

// ConcatParams holds the concatenation axis.
type ConcatParams struct {
	Axis int
}

// ConvertParams holds the target dtype of a ConvertDType.
type ConvertParams struct {
	DType dtypes.DType
}

// RelayoutParams describes a layout conversion. From is the layout of the
// input variable, To the layout of the output.
type RelayoutParams struct {
	From, To Format
}

// parameterShape is attached to Parameter nodes, which have no input to
// derive their output shape from.
type parameterShape struct {
	ParameterParams
	shape  shapes.Shape
	format Format
}
