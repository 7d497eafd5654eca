// Copyright 2024-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cli

import (
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/gomlx/gopt/graph"
	"github.com/gomlx/gopt/types/shapes"
	"github.com/gomlx/gopt/types/tensors"
)

// demoNetwork builds a small convolutional model exercising everything the
// pipeline rewrites: batch normalization, conv+bias+activation chains, a
// residual add and constant arithmetic on the weights.
func demoNetwork() []*graph.Var {
	g := graph.New("demo")
	conv3x3 := graph.ConvParams{StrideH: 1, StrideW: 1, PadH: 1, PadW: 1}

	x := g.Parameter("input", shapes.Make(dtypes.Float32, 1, 16, 32, 32), graph.FormatNCHW)

	// Stage 1: conv -> batchnorm -> relu.
	h := g.Conv(x, constFull(g, 0.05, 32, 16, 3, 3), conv3x3)
	h = g.BatchNorm(h,
		constFull(g, 1.2, 32), constFull(g, 0.1, 32),
		constFull(g, 0.0, 32), constFull(g, 0.9, 32), 1e-5)
	h = g.ReLU(h)

	// Stage 2: conv -> bias -> relu with a residual connection, and a
	// constant scale on the conv output that param_redistribute moves into
	// the weights.
	skip := h
	h = g.Conv(h, constFull(g, -0.02, 32, 32, 3, 3), conv3x3)
	h = g.Mul(h, g.Constant(tensors.FromScalar(float32(0.5))))
	h = g.Add(h, constFull(g, 0.3, 1, 32, 1, 1))
	h = g.Add(h, skip)
	h = g.ReLU(h)

	// Head: 1x1 conv down to 8 channels.
	out := g.Conv(h, constFull(g, 0.01, 8, 32, 1, 1), graph.ConvParams{})
	return []*graph.Var{out}
}

func constFull(g *graph.Graph, value float32, dims ...int) *graph.Var {
	size := 1
	for _, d := range dims {
		size *= d
	}
	flat := make([]float32, size)
	for i := range flat {
		flat[i] = value
	}
	return g.Constant(tensors.FromFlat(dims, flat))
}
