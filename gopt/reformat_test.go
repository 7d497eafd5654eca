// Copyright 2024-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gopt

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/gopt/backends/goref"
	"github.com/gomlx/gopt/graph"
	"github.com/gomlx/gopt/types/shapes"
)

func cudaReformatPass() *TensorReformatPass {
	return NewTensorReformatPass(FormatProfile{Name: "cuda", ConvFormat: graph.FormatNCHW4}, goref.Registry())
}

func TestReformatConvAdoptsPackedLayout(t *testing.T) {
	g := graph.New("reformat")
	x := g.Parameter("x", shapes.Make(dtypes.Float32, 1, 8, 16, 16), graph.FormatNCHW)
	out := g.Conv(x, convWeight(g, 0.1, 16, 8, 3, 3), graph.ConvParams{PadH: 1, PadW: 1})
	state := newTestState(t, out)

	require.NoError(t, ApplyPasses(state, cudaReformatPass()))

	g = state.Graph()
	dest := state.Destinations()[0]
	// The endpoint keeps its original layout, restored by a trailing
	// Relayout.
	require.Equal(t, graph.FormatNCHW, dest.Format())
	require.Equal(t, []int{1, 16, 16, 16}, dest.Shape().Dimensions)
	require.Equal(t, graph.OpTypeRelayout, dest.Producer().Type())
	conv := dest.Producer().Input(0).Producer()
	require.Equal(t, graph.OpTypeConv, conv.Type())
	require.Equal(t, graph.FormatNCHW4, conv.ConvParams().Format)
	require.Equal(t, graph.FormatNCHW4, conv.Input(0).Format())
	require.Equal(t, graph.FormatNCHW4, conv.Input(1).Format())
}

func TestReformatChainedConvsConnectDirectly(t *testing.T) {
	g := graph.New("reformat-chain")
	x := g.Parameter("x", shapes.Make(dtypes.Float32, 1, 8, 16, 16), graph.FormatNCHW)
	h := g.ReLU(g.Conv(x, convWeight(g, 0.1, 16, 8, 3, 3), graph.ConvParams{PadH: 1, PadW: 1}))
	out := g.Conv(h, convWeight(g, 0.1, 16, 16, 3, 3), graph.ConvParams{PadH: 1, PadW: 1})
	state := newTestState(t, out)

	require.NoError(t, ApplyPasses(state, cudaReformatPass()))

	g = state.Graph()
	dests := state.Destinations()
	// One conversion per leaf plus the endpoint restore: the intermediate
	// activation stays packed, no relayout between the convolutions.
	require.Equal(t, 4, countOps(g, dests, graph.OpTypeRelayout))
	for _, n := range g.TopoSort(dests) {
		switch n.Type() {
		case graph.OpTypeConv:
			require.Equal(t, graph.FormatNCHW4, n.ConvParams().Format)
		case graph.OpTypeReLU:
			require.Equal(t, graph.FormatNCHW4, n.Out().Format())
		}
	}
}

func TestReformatSkipsIndivisibleChannels(t *testing.T) {
	g := graph.New("reformat-odd")
	x := g.Parameter("x", shapes.Make(dtypes.Float32, 1, 6, 16, 16), graph.FormatNCHW)
	out := g.Conv(x, convWeight(g, 0.1, 6, 6, 3, 3), graph.ConvParams{PadH: 1, PadW: 1})
	state := newTestState(t, out)

	require.NoError(t, ApplyPasses(state, cudaReformatPass()))

	dest := state.Destinations()[0]
	require.Equal(t, out, dest)
	require.Equal(t, graph.FormatNCHW, dest.Producer().ConvParams().Format)
	require.Equal(t, 0, countOps(state.Graph(), state.Destinations(), graph.OpTypeRelayout))
}

func TestReformatConvBiasConvertsRank4Bias(t *testing.T) {
	g := graph.New("reformat-convbias")
	x := g.Parameter("x", shapes.Make(dtypes.Float32, 1, 8, 16, 16), graph.FormatNCHW)
	bias := convWeight(g, 0.5, 1, 16, 1, 1)
	out := g.ConvBias(x, convWeight(g, 0.1, 16, 8, 3, 3), bias, nil,
		graph.ConvBiasParams{Conv: graph.ConvParams{PadH: 1, PadW: 1}, Nonlin: graph.NonlinReLU})
	state := newTestState(t, out)

	require.NoError(t, ApplyPasses(state, cudaReformatPass()))

	dest := state.Destinations()[0]
	cb := dest.Producer().Input(0).Producer()
	require.Equal(t, graph.OpTypeConvBias, cb.Type())
	require.Equal(t, graph.FormatNCHW4, cb.ConvBiasParams().Conv.Format)
	require.Equal(t, graph.FormatNCHW4, cb.Input(2).Format())
}

func TestReformatReshapeBarrier(t *testing.T) {
	g := graph.New("reformat-reshape")
	x := g.Parameter("x", shapes.Make(dtypes.Float32, 1, 8, 4, 4), graph.FormatNCHW)
	conv := g.Conv(x, convWeight(g, 0.1, 16, 8, 1, 1), graph.ConvParams{})
	// Flatten for a dense head: positional dimensions, so the packed layout
	// must not leak in.
	out := g.Reshape(conv, 1, 16*4*4)
	state := newTestState(t, out)

	require.NoError(t, ApplyPasses(state, cudaReformatPass()))

	dest := state.Destinations()[0]
	reshape := dest.Producer()
	require.Equal(t, graph.OpTypeReshape, reshape.Type())
	require.Equal(t, graph.FormatNCHW, reshape.Input(0).Format())
	require.Equal(t, []int{1, 256}, dest.Shape().Dimensions)
}

func TestLayoutTransformFunction(t *testing.T) {
	build := func() *graph.Var {
		g := graph.New("layout-transform")
		x := g.Parameter("x", shapes.Make(dtypes.Float32, 1, 8, 16, 16), graph.FormatNCHW)
		return g.Conv(x, convWeight(g, 0.1, 16, 8, 3, 3), graph.ConvParams{PadH: 1, PadW: 1})
	}

	out := build()
	dests, err := LayoutTransform([]*graph.Var{out}, TargetCUDA)
	require.NoError(t, err)
	require.Len(t, dests, 1)
	require.Equal(t, graph.FormatNCHW, dests[0].Format())
	require.Equal(t, []int{1, 16, 16, 16}, dests[0].Shape().Dimensions)

	// Unspecified target is the identity.
	out = build()
	dests, err = LayoutTransform([]*graph.Var{out}, TargetUnspec)
	require.NoError(t, err)
	require.Equal(t, out, dests[0])

	_, err = LayoutTransform([]*graph.Var{build()}, Target(99))
	require.Error(t, err)
}
