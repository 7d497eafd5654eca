// Copyright 2024-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gopt

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopt/graph"
	"github.com/gomlx/gopt/types/tensors"
	"github.com/x448/float16"
)

// ConvertBatchNormToElemwisePass lowers inference-form batch normalization
// into elementwise arithmetic:
//
//	bn(x) = scale*(x-mean)/sqrt(variance+eps) + bias
//	      = x*k + (bias - mean*k),  k = scale/sqrt(variance+eps)
//
// With constant scale/bias/mean/variance the k and bias terms are
// constant sub-graphs, so the following ParamRedistributePass and
// ParamFusePass can fold them -- often all the way into the convolution
// weights feeding x.
type ConvertBatchNormToElemwisePass struct{}

// Name implements Pass.
func (ConvertBatchNormToElemwisePass) Name() string { return "convert_batch_norm_to_elemwise" }

// Apply implements Pass.
func (ConvertBatchNormToElemwisePass) Apply(state *OptState) error {
	g := state.Graph()
	rw := state.Rewriter()
	for _, n := range g.TopoSort(state.dests) {
		if n.Type() != graph.OpTypeBatchNorm {
			continue
		}
		x := rw.Lookup(n.Input(0))
		scale := perChannel(g, rw.Lookup(n.Input(1)), x)
		bias := perChannel(g, rw.Lookup(n.Input(2)), x)
		mean := perChannel(g, rw.Lookup(n.Input(3)), x)
		variance := perChannel(g, rw.Lookup(n.Input(4)), x)

		eps := g.Constant(scalarTensor(x.DType(), n.BatchNormParams().Epsilon))
		k := g.Div(scale, g.Sqrt(g.Add(variance, eps)))
		out := g.Add(g.Mul(x, k), g.Sub(bias, g.Mul(mean, k)))
		rw.Replace(n.Out(), out)
	}
	return rw.Commit()
}

// perChannel reshapes a rank-1 [C] variable to [1 C 1 1] so it broadcasts
// against the rank-4 activation.
func perChannel(g *graph.Graph, v, x *graph.Var) *graph.Var {
	if v.Shape().Rank() != 1 {
		return v
	}
	return g.Reshape(v, 1, v.Shape().Dim(0), 1, 1)
}

// scalarTensor materializes a scalar constant of the given dtype.
func scalarTensor(dtype dtypes.DType, value float64) *tensors.Tensor {
	switch dtype {
	case dtypes.Float16:
		return tensors.FromScalar(float16.Fromfloat32(float32(value)))
	case dtypes.Float32:
		return tensors.FromScalar(float32(value))
	case dtypes.Float64:
		return tensors.FromScalar(value)
	}
	exceptions.Panicf("gopt: cannot build a %s scalar constant", dtype)
	return nil
}
