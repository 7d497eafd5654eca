// Copyright 2024-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/gopt/types/shapes"
	"github.com/gomlx/gopt/types/tensors"
)

func TestBuildElementwise(t *testing.T) {
	g := New("test")
	x := g.Parameter("x", shapes.Make(dtypes.Float32, 2, 3), FormatNCHW)
	y := g.Constant(tensors.FromFlat([]int{2, 3}, []float32{1, 2, 3, 4, 5, 6}))
	sum := g.Add(x, y)

	require.True(t, sum.Shape().Equal(x.Shape()))
	require.Equal(t, FormatNCHW, sum.Format())
	require.Equal(t, OpTypeAdd, sum.Producer().Type())
	require.Equal(t, 3, g.NumNodes())

	// Scalars broadcast against anything.
	scaled := g.Mul(sum, g.Constant(tensors.FromScalar(float32(2))))
	require.True(t, scaled.Shape().Equal(x.Shape()))

	// Axis-wise broadcast needs equal rank with dimensions equal or 1.
	row := g.Parameter("row", shapes.Make(dtypes.Float32, 1, 3), FormatNCHW)
	require.True(t, g.Add(sum, row).Shape().Equal(x.Shape()))
	bad := g.Parameter("bad", shapes.Make(dtypes.Float32, 2, 2), FormatNCHW)
	require.Panics(t, func() { g.Add(sum, bad) })

	// Mixed dtypes need an explicit ConvertDType.
	f64 := g.Parameter("f64", shapes.Make(dtypes.Float64, 2, 3), FormatNCHW)
	require.Panics(t, func() { g.Add(sum, f64) })
	require.NotPanics(t, func() { g.Add(sum, g.ConvertDType(f64, dtypes.Float32)) })
}

func TestConvShapeInference(t *testing.T) {
	g := New("conv")
	x := g.Parameter("x", shapes.Make(dtypes.Float32, 1, 16, 32, 32), FormatNCHW)
	w := g.Constant(tensors.Zeros(shapes.Make(dtypes.Float32, 32, 16, 3, 3)))

	// Same-padding 3x3.
	out := g.Conv(x, w, ConvParams{StrideH: 1, StrideW: 1, PadH: 1, PadW: 1})
	require.Equal(t, []int{1, 32, 32, 32}, out.Shape().Dimensions)

	// No padding shrinks the spatial dimensions.
	out = g.Conv(x, w, ConvParams{})
	require.Equal(t, []int{1, 32, 30, 30}, out.Shape().Dimensions)

	// Stride 2.
	out = g.Conv(x, w, ConvParams{StrideH: 2, StrideW: 2, PadH: 1, PadW: 1})
	require.Equal(t, []int{1, 32, 16, 16}, out.Shape().Dimensions)

	// Channel mismatch.
	wBad := g.Constant(tensors.Zeros(shapes.Make(dtypes.Float32, 32, 8, 3, 3)))
	require.Panics(t, func() { g.Conv(x, wBad, ConvParams{}) })
}

func TestConvPackedLayout(t *testing.T) {
	g := New("packed")
	x := g.Parameter("x", shapes.Make(dtypes.Float32, 1, 16, 8, 8), FormatNCHW4)
	w := g.ConstantWithFormat(tensors.Zeros(shapes.Make(dtypes.Float32, 32, 16, 1, 1)), FormatNCHW4)

	out := g.Conv(x, w, ConvParams{Format: FormatNCHW4})
	require.Equal(t, FormatNCHW4, out.Format())
	require.Equal(t, []int{1, 32, 8, 8}, out.Shape().Dimensions)

	// Channels not divisible by the pack size.
	xOdd := g.Parameter("odd", shapes.Make(dtypes.Float32, 1, 6, 8, 8), FormatNCHW4)
	wOdd := g.ConstantWithFormat(tensors.Zeros(shapes.Make(dtypes.Float32, 8, 6, 1, 1)), FormatNCHW4)
	require.Panics(t, func() { g.Conv(xOdd, wOdd, ConvParams{Format: FormatNCHW4}) })

	// Kernel layout must match the input layouts.
	require.Panics(t, func() { g.Conv(x, w, ConvParams{Format: FormatNCHW}) })
}

func TestConvBias(t *testing.T) {
	g := New("convbias")
	x := g.Parameter("x", shapes.Make(dtypes.Float32, 1, 8, 4, 4), FormatNCHW)
	w := g.Constant(tensors.Zeros(shapes.Make(dtypes.Float32, 8, 8, 3, 3)))
	bias := g.Constant(tensors.Zeros(shapes.Make(dtypes.Float32, 8)))
	params := ConvBiasParams{Conv: ConvParams{PadH: 1, PadW: 1}, Nonlin: NonlinReLU}

	out := g.ConvBias(x, w, bias, nil, params)
	require.Equal(t, []int{1, 8, 4, 4}, out.Shape().Dimensions)

	// z input must be declared and match the output shape.
	params.WithZ = true
	require.Panics(t, func() { g.ConvBias(x, w, bias, nil, params) })
	z := g.Parameter("z", shapes.Make(dtypes.Float32, 1, 8, 4, 4), FormatNCHW)
	out = g.ConvBias(x, w, bias, z, params)
	require.Equal(t, []int{1, 8, 4, 4}, out.Shape().Dimensions)

	// Bias must be per-channel.
	badBias := g.Constant(tensors.Zeros(shapes.Make(dtypes.Float32, 3)))
	require.Panics(t, func() { g.ConvBias(x, w, badBias, nil, ConvBiasParams{}) })
}

func TestRelayoutKeepsLogicalShape(t *testing.T) {
	g := New("relayout")
	x := g.Parameter("x", shapes.Make(dtypes.Float32, 1, 16, 8, 8), FormatNCHW)
	packed := g.Relayout(x, FormatNCHW4)

	require.Equal(t, FormatNCHW4, packed.Format())
	require.True(t, packed.Shape().Equal(x.Shape()))
	require.Equal(t, OpTypeRelayout, packed.Producer().Type())
	p := packed.Producer().RelayoutParams()
	require.Equal(t, FormatNCHW, p.From)
	require.Equal(t, FormatNCHW4, p.To)
}

func TestTopoSort(t *testing.T) {
	g := New("topo")
	a := g.Parameter("a", shapes.Make(dtypes.Float32, 2), FormatNCHW)
	b := g.Parameter("b", shapes.Make(dtypes.Float32, 2), FormatNCHW)
	sum := g.Add(a, b)
	out := g.Mul(sum, a)

	order := g.TopoSort([]*Var{out})
	require.Len(t, order, 4)
	pos := make(map[NodeId]int)
	for i, n := range order {
		pos[n.Id()] = i
	}
	// Producers come before consumers.
	assert.Less(t, pos[a.Producer().Id()], pos[sum.Producer().Id()])
	assert.Less(t, pos[b.Producer().Id()], pos[sum.Producer().Id()])
	assert.Less(t, pos[sum.Producer().Id()], pos[out.Producer().Id()])
}

func TestConsumers(t *testing.T) {
	g := New("consumers")
	a := g.Parameter("a", shapes.Make(dtypes.Float32, 2), FormatNCHW)
	sum := g.Add(a, a)
	require.Len(t, g.Consumers(a), 2) // once per input
	require.Len(t, g.Consumers(sum), 0)
}

func TestCompact(t *testing.T) {
	g := New("compact")
	a := g.Parameter("a", shapes.Make(dtypes.Float32, 2), FormatNCHW)
	kept := g.Add(a, a)
	g.Mul(kept, kept) // becomes unreachable

	require.Equal(t, 3, g.NumNodes())
	g.Compact([]*Var{kept})
	require.Equal(t, 2, g.NumNodes())
	require.NoError(t, g.Validate([]*Var{kept}))
}

func TestValidate(t *testing.T) {
	g := New("validate")
	a := g.Parameter("a", shapes.Make(dtypes.Float32, 2), FormatNCHW)
	out := g.Add(a, a)
	require.NoError(t, g.Validate([]*Var{out}))
	require.Error(t, g.Validate([]*Var{nil}))

	other := New("other")
	b := other.Parameter("b", shapes.Make(dtypes.Float32, 2), FormatNCHW)
	require.Error(t, g.Validate([]*Var{b}))

	// A node consuming a variable dropped by Compact is dangling.
	stale := g.Mul(out, out)
	g.Compact([]*Var{out})
	require.Error(t, g.Validate([]*Var{stale}))
}

func TestReshapeAndConcat(t *testing.T) {
	g := New("reshape")
	x := g.Parameter("x", shapes.Make(dtypes.Float32, 2, 6), FormatNCHW)
	r := g.Reshape(x, 3, 4)
	require.Equal(t, []int{3, 4}, r.Shape().Dimensions)
	require.Panics(t, func() { g.Reshape(x, 5, 5) })

	a := g.Parameter("a", shapes.Make(dtypes.Float32, 2, 3), FormatNCHW)
	b := g.Parameter("b", shapes.Make(dtypes.Float32, 2, 5), FormatNCHW)
	c := g.Concat(1, a, b)
	require.Equal(t, []int{2, 8}, c.Shape().Dimensions)
	require.Panics(t, func() { g.Concat(0, a, b) })
}

func TestToDOT(t *testing.T) {
	g := New("dot")
	x := g.Parameter("x", shapes.Make(dtypes.Float32, 2), FormatNCHW)
	out := g.ReLU(x)
	dot := g.ToDOT([]*Var{out})
	assert.Contains(t, dot, "digraph")
	assert.Contains(t, dot, "Parameter")
	assert.Contains(t, dot, "ReLU")
}
