// Copyright 2024-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

// OpType is the stable kind identity of an operator node.
type OpType int

const (
	OpTypeInvalid OpType = iota

	// OpTypeParameter is a graph input: a placeholder for a value fed at
	// execution time. Never constant.
	OpTypeParameter

	// OpTypeConstant holds a materialized tensor value.
	OpTypeConstant

	// Elementwise binary operations. Inputs broadcast numpy-style among
	// equal-rank operands (each axis equal or 1) or against scalars.
	OpTypeAdd
	OpTypeSub
	OpTypeMul
	OpTypeDiv

	// Elementwise unary operations.
	OpTypeSqrt
	OpTypeReLU
	OpTypeSigmoid
	OpTypeTanh

	// OpTypeConv is a 2D convolution: inputs (x, w), NCHW logical order,
	// weights OIHW.
	OpTypeConv

	// OpTypeConvBias is the fused convolution: inputs (x, w, bias[, z]),
	// computing nonlin(conv(x, w) + bias [+ z]).
	OpTypeConvBias

	// OpTypeBatchNorm is inference-form batch normalization: inputs
	// (x, scale, bias, mean, variance).
	OpTypeBatchNorm

	OpTypeReshape
	OpTypeConcat

	// OpTypeConvertDType casts the elements to another dtype.
	OpTypeConvertDType

	// OpTypeRelayout converts a variable between two physical layouts
	// without changing its logical value.
	OpTypeRelayout
)

// String implements fmt.Stringer.
func (op OpType) String() string {
	switch op {
	case OpTypeParameter:
		return "Parameter"
	case OpTypeConstant:
		return "Constant"
	case OpTypeAdd:
		return "Add"
	case OpTypeSub:
		return "Sub"
	case OpTypeMul:
		return "Mul"
	case OpTypeDiv:
		return "Div"
	case OpTypeSqrt:
		return "Sqrt"
	case OpTypeReLU:
		return "ReLU"
	case OpTypeSigmoid:
		return "Sigmoid"
	case OpTypeTanh:
		return "Tanh"
	case OpTypeConv:
		return "Conv"
	case OpTypeConvBias:
		return "ConvBias"
	case OpTypeBatchNorm:
		return "BatchNorm"
	case OpTypeReshape:
		return "Reshape"
	case OpTypeConcat:
		return "Concat"
	case OpTypeConvertDType:
		return "ConvertDType"
	case OpTypeRelayout:
		return "Relayout"
	}
	return "Invalid"
}

// IsElementwiseBinary reports whether op is one of Add, Sub, Mul or Div.
func (op OpType) IsElementwiseBinary() bool {
	switch op {
	case OpTypeAdd, OpTypeSub, OpTypeMul, OpTypeDiv:
		return true
	}
	return false
}

// IsElementwiseUnary reports whether op is one of Sqrt, ReLU, Sigmoid or Tanh.
func (op OpType) IsElementwiseUnary() bool {
	switch op {
	case OpTypeSqrt, OpTypeReLU, OpTypeSigmoid, OpTypeTanh:
		return true
	}
	return false
}

// NonlinMode is the activation fused into a ConvBias node.
type NonlinMode int

const (
	// NonlinIdentity means no activation is applied.
	NonlinIdentity NonlinMode = iota
	NonlinReLU
	NonlinSigmoid
	NonlinTanh
)

// String implements fmt.Stringer.
func (m NonlinMode) String() string {
	switch m {
	case NonlinIdentity:
		return "Identity"
	case NonlinReLU:
		return "ReLU"
	case NonlinSigmoid:
		return "Sigmoid"
	case NonlinTanh:
		return "Tanh"
	}
	return "InvalidNonlin"
}

// NonlinModeForOp maps a unary activation op to the corresponding fused
// NonlinMode. The second result is false for ops that cannot be fused.
func NonlinModeForOp(op OpType) (NonlinMode, bool) {
	switch op {
	case OpTypeReLU:
		return NonlinReLU, true
	case OpTypeSigmoid:
		return NonlinSigmoid, true
	case OpTypeTanh:
		return NonlinTanh, true
	}
	return NonlinIdentity, false
}
