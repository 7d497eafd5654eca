// Copyright 2024-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopt/types/shapes"
	"github.com/gomlx/gopt/types/tensors"
)

// Parameter adds a graph input with the given name, logical shape and layout.
func (g *Graph) Parameter(name string, shape shapes.Shape, format Format) *Var {
	return g.ApplyOp(OpTypeParameter, parameterShape{
		ParameterParams: ParameterParams{Name: name},
		shape:           shape,
		format:          format,
	}).Out()
}

// Constant adds a node holding the materialized value, in NCHW layout.
func (g *Graph) Constant(value *tensors.Tensor) *Var {
	return g.ConstantWithFormat(value, FormatNCHW)
}

// ConstantWithFormat adds a constant tagged with the given layout.
func (g *Graph) ConstantWithFormat(value *tensors.Tensor, format Format) *Var {
	if value == nil {
		exceptions.Panicf("graph %q: Constant with nil value", g.name)
	}
	return g.ApplyOp(OpTypeConstant, ConstantParams{Value: value, Format: format}).Out()
}

// Add returns lhs+rhs with elementwise broadcasting.
func (g *Graph) Add(lhs, rhs *Var) *Var { return g.ApplyOp(OpTypeAdd, nil, lhs, rhs).Out() }

// Sub returns lhs-rhs with elementwise broadcasting.
func (g *Graph) Sub(lhs, rhs *Var) *Var { return g.ApplyOp(OpTypeSub, nil, lhs, rhs).Out() }

// Mul returns lhs*rhs with elementwise broadcasting.
func (g *Graph) Mul(lhs, rhs *Var) *Var { return g.ApplyOp(OpTypeMul, nil, lhs, rhs).Out() }

// Div returns lhs/rhs with elementwise broadcasting.
func (g *Graph) Div(lhs, rhs *Var) *Var { return g.ApplyOp(OpTypeDiv, nil, lhs, rhs).Out() }

// Sqrt returns the elementwise square root of x.
func (g *Graph) Sqrt(x *Var) *Var { return g.ApplyOp(OpTypeSqrt, nil, x).Out() }

// ReLU returns max(x, 0) elementwise.
func (g *Graph) ReLU(x *Var) *Var { return g.ApplyOp(OpTypeReLU, nil, x).Out() }

// Sigmoid returns 1/(1+exp(-x)) elementwise.
func (g *Graph) Sigmoid(x *Var) *Var { return g.ApplyOp(OpTypeSigmoid, nil, x).Out() }

// Tanh returns tanh(x) elementwise.
func (g *Graph) Tanh(x *Var) *Var { return g.ApplyOp(OpTypeTanh, nil, x).Out() }

// Conv adds a 2D convolution of x (logical NCHW) with weights w (logical
// OIHW). Zero-valued spatial parameters take their defaults (stride 1,
// no padding, dilation 1).
func (g *Graph) Conv(x, w *Var, params ConvParams) *Var {
	return g.ApplyOp(OpTypeConv, params.withDefaults(), x, w).Out()
}

// ConvBias adds the fused convolution nonlin(conv(x, w) + bias [+ z]).
// z may be nil when params.WithZ is false.
func (g *Graph) ConvBias(x, w, bias, z *Var, params ConvBiasParams) *Var {
	params.Conv = params.Conv.withDefaults()
	inputs := []*Var{x, w, bias}
	if params.WithZ {
		if z == nil {
			exceptions.Panicf("graph %q: ConvBias with WithZ set requires a z input", g.name)
		}
		inputs = append(inputs, z)
	} else if z != nil {
		exceptions.Panicf("graph %q: ConvBias got a z input but WithZ is not set", g.name)
	}
	return g.ApplyOp(OpTypeConvBias, params, inputs...).Out()
}

// BatchNorm adds inference-form batch normalization:
// scale*(x-mean)/sqrt(variance+epsilon) + bias. The scale, bias, mean and
// variance inputs are per-channel: shape [C] or [1, C, 1, 1].
func (g *Graph) BatchNorm(x, scale, bias, mean, variance *Var, epsilon float64) *Var {
	return g.ApplyOp(OpTypeBatchNorm, BatchNormParams{Epsilon: epsilon}, x, scale, bias, mean, variance).Out()
}

// Reshape changes the logical dimensions of x, keeping the number of
// elements.
func (g *Graph) Reshape(x *Var, dimensions ...int) *Var {
	return g.ApplyOp(OpTypeReshape, ReshapeParams{Dimensions: dimensions}, x).Out()
}

// Concat concatenates the inputs along the given axis.
func (g *Graph) Concat(axis int, inputs ...*Var) *Var {
	return g.ApplyOp(OpTypeConcat, ConcatParams{Axis: axis}, inputs...).Out()
}

// ConvertDType casts x to the given dtype.
func (g *Graph) ConvertDType(x *Var, dtype dtypes.DType) *Var {
	return g.ApplyOp(OpTypeConvertDType, ConvertParams{DType: dtype}, x).Out()
}

// Relayout converts x to the given physical layout. The logical shape is
// unchanged.
func (g *Graph) Relayout(x *Var, to Format) *Var {
	return g.ApplyOp(OpTypeRelayout, RelayoutParams{From: x.Format(), To: to}, x).Out()
}

// ApplyOp adds a node of the given opType, validating inputs and inferring
// the output shape and layout. The op methods above are thin wrappers over
// it; the rewriter also uses it directly to rebuild nodes with substituted
// inputs. Validation failures panic with an exception.
func (g *Graph) ApplyOp(opType OpType, params any, inputs ...*Var) *Node {
	n := g.newNode(opType, params, inputs)
	shape, format, name := g.inferOutput(n)
	g.newVar(n, name, shape, format)
	return n
}

// inferOutput computes the output shape, layout and (optional) name of a
// freshly created node. Central shape inference for all op types.
func (g *Graph) inferOutput(n *Node) (shapes.Shape, Format, string) {
	switch n.opType {
	case OpTypeParameter:
		p := n.params.(parameterShape)
		return p.shape, p.format, p.Name

	case OpTypeConstant:
		p := n.params.(ConstantParams)
		return p.Value.Shape(), p.Format, ""

	case OpTypeAdd, OpTypeSub, OpTypeMul, OpTypeDiv:
		g.wantInputs(n, 2)
		g.wantSameDType(n)
		shape := broadcastShape(n, n.Input(0).Shape(), n.Input(1).Shape())
		return shape, elementwiseFormat(n), ""

	case OpTypeSqrt, OpTypeReLU, OpTypeSigmoid, OpTypeTanh:
		g.wantInputs(n, 1)
		return n.Input(0).Shape(), n.Input(0).Format(), ""

	case OpTypeConv:
		g.wantInputs(n, 2)
		return convOutput(n, n.params.(ConvParams)), n.params.(ConvParams).Format, ""

	case OpTypeConvBias:
		p := n.params.(ConvBiasParams)
		if p.WithZ {
			g.wantInputs(n, 4)
		} else {
			g.wantInputs(n, 3)
		}
		g.wantSameDType(n)
		out := convOutput(n, p.Conv)
		checkBias(n, n.Input(2), out)
		if p.WithZ && !n.Input(3).Shape().Equal(out) {
			exceptions.Panicf("%s: z input shape %s must match conv output %s", n, n.Input(3).Shape(), out)
		}
		return out, p.Conv.Format, ""

	case OpTypeBatchNorm:
		g.wantInputs(n, 5)
		g.wantSameDType(n)
		x := n.Input(0)
		if x.Shape().Rank() != 4 {
			exceptions.Panicf("%s: input must be rank 4, got %s", n, x.Shape())
		}
		for i := 1; i < 5; i++ {
			checkBias(n, n.Input(i), x.Shape())
		}
		return x.Shape(), x.Format(), ""

	case OpTypeReshape:
		g.wantInputs(n, 1)
		x := n.Input(0)
		shape := shapes.Make(x.DType(), n.params.(ReshapeParams).Dimensions...)
		if shape.Size() != x.Shape().Size() {
			exceptions.Panicf("%s: cannot reshape %s to %v, element counts differ", n, x.Shape(), shape.Dimensions)
		}
		return shape, x.Format(), ""

	case OpTypeConcat:
		return concatOutput(n, n.params.(ConcatParams).Axis), n.Input(0).Format(), ""

	case OpTypeConvertDType:
		g.wantInputs(n, 1)
		return n.Input(0).Shape().WithDType(n.params.(ConvertParams).DType), n.Input(0).Format(), ""

	case OpTypeRelayout:
		g.wantInputs(n, 1)
		p := n.params.(RelayoutParams)
		if n.Input(0).Format() != p.From {
			exceptions.Panicf("%s: input layout is %s, relayout declared from %s", n, n.Input(0).Format(), p.From)
		}
		return n.Input(0).Shape(), p.To, ""
	}
	exceptions.Panicf("graph %q: op type %s not supported", g.name, n.opType)
	return shapes.Invalid(), FormatInvalid, ""
}

func (g *Graph) wantInputs(n *Node, count int) {
	if len(n.inputs) != count {
		exceptions.Panicf("%s: requires %d inputs, got %d", n, count, len(n.inputs))
	}
}

func (g *Graph) wantSameDType(n *Node) {
	dtype := n.Input(0).DType()
	for _, in := range n.inputs[1:] {
		if in.DType() != dtype {
			exceptions.Panicf("%s: mixed dtypes %s and %s -- insert an explicit ConvertDType", n, dtype, in.DType())
		}
	}
}

// broadcastShape resolves the output shape of an elementwise binary op:
// operands must have equal shapes, or one is a scalar, or they have equal
// rank with each axis dimension equal or 1.
func broadcastShape(n *Node, lhs, rhs shapes.Shape) shapes.Shape {
	if lhs.DType != rhs.DType {
		exceptions.Panicf("%s: dtype mismatch %s vs %s", n, lhs, rhs)
	}
	if lhs.IsScalar() {
		return rhs
	}
	if rhs.IsScalar() {
		return lhs
	}
	if lhs.Rank() != rhs.Rank() {
		exceptions.Panicf("%s: rank mismatch between %s and %s", n, lhs, rhs)
	}
	dims := make([]int, lhs.Rank())
	for axis := range dims {
		l, r := lhs.Dimensions[axis], rhs.Dimensions[axis]
		switch {
		case l == r:
			dims[axis] = l
		case l == 1:
			dims[axis] = r
		case r == 1:
			dims[axis] = l
		default:
			exceptions.Panicf("%s: shapes %s and %s not broadcastable at axis %d", n, lhs, rhs, axis)
		}
	}
	return shapes.Make(lhs.DType, dims...)
}

// elementwiseFormat picks the layout of an elementwise result: the layout of
// the first non-scalar input. Scalars are layout-agnostic; all non-scalar
// inputs must agree.
func elementwiseFormat(n *Node) Format {
	format := FormatInvalid
	for _, in := range n.inputs {
		if in.Shape().IsScalar() {
			continue
		}
		if format == FormatInvalid {
			format = in.Format()
		} else if in.Format() != format {
			exceptions.Panicf("%s: mixed layouts %s and %s -- insert an explicit Relayout", n, format, in.Format())
		}
	}
	if format == FormatInvalid {
		format = n.Input(0).Format()
	}
	return format
}

// convOutput validates a convolution's x and w inputs and returns the
// logical output shape.
func convOutput(n *Node, p ConvParams) shapes.Shape {
	x, w := n.Input(0), n.Input(1)
	if x.DType() != w.DType() {
		exceptions.Panicf("%s: dtype mismatch between input %s and weights %s", n, x.Shape(), w.Shape())
	}
	if x.Shape().Rank() != 4 || w.Shape().Rank() != 4 {
		exceptions.Panicf("%s: input and weights must be rank 4, got %s and %s", n, x.Shape(), w.Shape())
	}
	if x.Format() != p.Format || w.Format() != p.Format {
		exceptions.Panicf("%s: kernel layout is %s but inputs are %s and %s", n, p.Format, x.Format(), w.Format())
	}
	batch, channels, height, width := x.Shape().Dim(0), x.Shape().Dim(1), x.Shape().Dim(2), x.Shape().Dim(3)
	outChannels, inChannels, kh, kw := w.Shape().Dim(0), w.Shape().Dim(1), w.Shape().Dim(2), w.Shape().Dim(3)
	if channels != inChannels {
		exceptions.Panicf("%s: input has %d channels, weights expect %d", n, channels, inChannels)
	}
	if pack := p.Format.PackSize(); pack > 1 && (channels%pack != 0 || outChannels%pack != 0) {
		exceptions.Panicf("%s: %s requires channels divisible by %d, got in=%d out=%d",
			n, p.Format, pack, channels, outChannels)
	}
	outH := (height+2*p.PadH-((kh-1)*p.DilationH+1))/p.StrideH + 1
	outW := (width+2*p.PadW-((kw-1)*p.DilationW+1))/p.StrideW + 1
	if outH <= 0 || outW <= 0 {
		exceptions.Panicf("%s: spatial output %dx%d is empty for input %s", n, outH, outW, x.Shape())
	}
	return shapes.Make(x.DType(), batch, outChannels, outH, outW)
}

// checkBias validates a per-channel input against the rank-4 reference
// shape: scalar, [C] or [1, C, 1, 1].
func checkBias(n *Node, bias *Var, ref shapes.Shape) {
	s := bias.Shape()
	if s.IsScalar() {
		return
	}
	channels := ref.Dim(1)
	if s.Rank() == 1 && s.Dim(0) == channels {
		return
	}
	if s.Rank() == 4 && s.Dim(0) == 1 && s.Dim(1) == channels && s.Dim(2) == 1 && s.Dim(3) == 1 {
		return
	}
	exceptions.Panicf("%s: per-channel input must be scalar, [%d] or [1 %d 1 1], got %s", n, channels, channels, s)
}

func concatOutput(n *Node, axis int) shapes.Shape {
	if len(n.inputs) == 0 {
		exceptions.Panicf("%s: requires at least one input", n)
	}
	first := n.Input(0).Shape()
	if axis < 0 || axis >= first.Rank() {
		exceptions.Panicf("%s: axis %d out of range for rank %d", n, axis, first.Rank())
	}
	dims := append([]int(nil), first.Dimensions...)
	for _, in := range n.inputs[1:] {
		s := in.Shape()
		if s.DType != first.DType || s.Rank() != first.Rank() {
			exceptions.Panicf("%s: inputs %s and %s not compatible", n, first, s)
		}
		for a := 0; a < s.Rank(); a++ {
			if a == axis {
				continue
			}
			if s.Dim(a) != first.Dim(a) {
				exceptions.Panicf("%s: inputs %s and %s differ outside axis %d", n, first, s, axis)
			}
		}
		if in.Format() != n.Input(0).Format() {
			exceptions.Panicf("%s: mixed layouts %s and %s", n, n.Input(0).Format(), in.Format())
		}
		dims[axis] += s.Dim(axis)
	}
	return shapes.Make(first.DType, dims...)
}
