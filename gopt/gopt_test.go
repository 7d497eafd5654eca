// Copyright 2024-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gopt

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/gopt/graph"
	"github.com/gomlx/gopt/types/shapes"
	"github.com/gomlx/gopt/types/tensors"
)

// convBNReLU builds the canonical trained block the optimizer targets:
// convolution, inference-form batch normalization, activation.
func convBNReLU(g *graph.Graph) *graph.Var {
	x := g.Parameter("input", shapes.Make(dtypes.Float32, 1, 16, 8, 8), graph.FormatNCHW)
	h := g.Conv(x, convWeight(g, 0.05, 32, 16, 3, 3), graph.ConvParams{PadH: 1, PadW: 1})
	h = g.BatchNorm(h,
		channelConst(g, 32, 2),   // scale
		channelConst(g, 32, 1),   // bias
		channelConst(g, 32, 0.5), // mean
		channelConst(g, 32, 3),   // variance
		1.0)
	return g.ReLU(h)
}

func TestOptimizeForInferenceFusesConvBNReLU(t *testing.T) {
	g := graph.New("e2e")
	out := convBNReLU(g)

	opts := *(&OptimizeForInferenceOptions{}).EnableFuseConvBiasNonlinearity()
	dests, err := OptimizeForInference([]*graph.Var{out}, opts)
	require.NoError(t, err)
	require.Len(t, dests, 1)

	g = dests[0].Graph()
	require.Equal(t, []int{1, 32, 8, 8}, dests[0].Shape().Dimensions)
	require.Equal(t, dtypes.Float32, dests[0].DType())

	// The whole block collapsed into one fused operator over constants.
	cb := dests[0].Producer()
	require.Equal(t, graph.OpTypeConvBias, cb.Type())
	require.Equal(t, graph.NonlinReLU, cb.ConvBiasParams().Nonlin)
	require.Equal(t, graph.OpTypeConstant, cb.Input(1).Producer().Type())
	require.Equal(t, graph.OpTypeConstant, cb.Input(2).Producer().Type())
	for _, op := range []graph.OpType{
		graph.OpTypeBatchNorm, graph.OpTypeConv, graph.OpTypeAdd,
		graph.OpTypeMul, graph.OpTypeReLU,
	} {
		assert.Equal(t, 0, countOps(g, dests, op), "no %s expected after optimization", op)
	}
}

func TestOptimizeForInferenceResidualZ(t *testing.T) {
	g := graph.New("e2e-z")
	x := g.Parameter("input", shapes.Make(dtypes.Float32, 1, 16, 8, 8), graph.FormatNCHW)
	conv := g.Conv(x, convWeight(g, 0.05, 16, 16, 3, 3), graph.ConvParams{PadH: 1, PadW: 1})
	out := g.ReLU(g.Add(g.Add(conv, channelConst(g, 16, 0.5)), x))

	opts := *(&OptimizeForInferenceOptions{}).EnableFuseConvBiasWithZ()
	dests, err := OptimizeForInference([]*graph.Var{out}, opts)
	require.NoError(t, err)

	cb := dests[0].Producer()
	require.Equal(t, graph.OpTypeConvBias, cb.Type())
	p := cb.ConvBiasParams()
	require.True(t, p.WithZ)
	require.Equal(t, graph.NonlinReLU, p.Nonlin)
	require.Equal(t, x, cb.Input(3))
	require.Equal(t, 0, countOps(dests[0].Graph(), dests, graph.OpTypeAdd))
	require.Equal(t, 0, countOps(dests[0].Graph(), dests, graph.OpTypeReLU))
}

func TestOptimizeForInferenceLayoutTransform(t *testing.T) {
	g := graph.New("e2e-layout")
	out := convBNReLU(g)

	opts := *(&OptimizeForInferenceOptions{}).
		EnableFuseConvBiasNonlinearity().
		EnableLayoutTransform(TargetCUDA)
	dests, err := OptimizeForInference([]*graph.Var{out}, opts)
	require.NoError(t, err)

	g = dests[0].Graph()
	// The endpoint contract is preserved; internally the fused convolution
	// runs packed.
	require.Equal(t, graph.FormatNCHW, dests[0].Format())
	require.Equal(t, []int{1, 32, 8, 8}, dests[0].Shape().Dimensions)
	cb := dests[0].Producer().Input(0).Producer()
	require.Equal(t, graph.OpTypeConvBias, cb.Type())
	require.Equal(t, graph.FormatNCHW4, cb.ConvBiasParams().Conv.Format)
	// Constant inputs were folded into packed constants, so only the input
	// conversion and the endpoint restore remain.
	require.Equal(t, 2, countOps(g, dests, graph.OpTypeRelayout))
	require.Equal(t, graph.OpTypeConstant, cb.Input(1).Producer().Type())
	require.Equal(t, graph.FormatNCHW4, cb.Input(1).Format())
}

func TestOptimizeForInferenceIsIdempotent(t *testing.T) {
	g := graph.New("e2e-idempotent")
	out := convBNReLU(g)

	opts := *(&OptimizeForInferenceOptions{}).
		EnableFuseConvBiasNonlinearity().
		EnableLayoutTransform(TargetCUDA)
	dests, err := OptimizeForInference([]*graph.Var{out}, opts)
	require.NoError(t, err)

	// A second run finds no applicable pattern and leaves the graph alone.
	numNodes := dests[0].Graph().NumNodes()
	again, err := OptimizeForInference(dests, opts)
	require.NoError(t, err)
	require.Same(t, dests[0], again[0])
	require.Equal(t, numNodes, again[0].Graph().NumNodes())
}

func TestOptimizeForInferenceF16Storage(t *testing.T) {
	g := graph.New("e2e-f16-storage")
	out := convBNReLU(g)

	state, err := NewOptState([]*graph.Var{out})
	require.NoError(t, err)
	opts := *(&OptimizeForInferenceOptions{}).
		EnableFuseConvBiasNonlinearity().
		EnableF16IoF32Comp()
	require.NoError(t, state.OptimizeForInference(opts))

	g = state.Graph()
	dests := state.Destinations()
	require.Equal(t, dtypes.Float32, dests[0].DType())
	require.False(t, state.PrecisionLowered())
	// input, weights and bias each store float16 behind a conversion. The
	// final fold must not widen them back to float32 constants.
	require.Equal(t, 3, countOps(g, dests, graph.OpTypeConvertDType))
	for _, n := range g.TopoSort(dests) {
		if n.Type() == graph.OpTypeParameter || n.Type() == graph.OpTypeConstant {
			require.Equal(t, dtypes.Float16, n.Out().DType())
		}
	}
}

func TestOptimizeForInferenceF16StorageWithFusePreprocess(t *testing.T) {
	g := graph.New("e2e-f16-preprocess")
	out := convBNReLU(g)

	state, err := NewOptState([]*graph.Var{out})
	require.NoError(t, err)
	opts := *(&OptimizeForInferenceOptions{}).
		EnableFuseConvBiasNonlinearity().
		EnableF16IoF32Comp().
		EnableFusePreprocess()
	require.NoError(t, state.OptimizeForInference(opts))

	g = state.Graph()
	dests := state.Destinations()
	require.Equal(t, dtypes.Float32, dests[0].DType())
	require.False(t, state.PrecisionLowered())
	// Preprocess fusion must not fold the widening conversions back into
	// float32 parameters: the storage stays float16.
	require.Equal(t, 3, countOps(g, dests, graph.OpTypeConvertDType))
	for _, n := range g.TopoSort(dests) {
		if n.Type() == graph.OpTypeParameter || n.Type() == graph.OpTypeConstant {
			require.Equal(t, dtypes.Float16, n.Out().DType())
		}
	}
}

func TestOptimizeForInferenceF16Full(t *testing.T) {
	g := graph.New("e2e-f16-full")
	out := convBNReLU(g)

	state, err := NewOptState([]*graph.Var{out})
	require.NoError(t, err)
	opts := *(&OptimizeForInferenceOptions{}).
		EnableFuseConvBiasNonlinearity().
		EnableF16IoComp()
	require.NoError(t, state.OptimizeForInference(opts))

	dests := state.Destinations()
	require.Equal(t, dtypes.Float16, dests[0].DType())
	require.True(t, state.PrecisionLowered())
	require.Equal(t, 0, countOps(state.Graph(), dests, graph.OpTypeConvertDType))
}

func TestOptimizeForInferencePrecisionChecks(t *testing.T) {
	g := graph.New("precision")
	x := g.Parameter("x", shapes.Make(dtypes.Float32, 4), graph.FormatNCHW)
	out := g.Tanh(x)

	_, err := OptimizeForInference([]*graph.Var{out},
		OptimizeForInferenceOptions{F16IoF32Comp: true, F16IoComp: true})
	require.ErrorIs(t, err, ErrPrecisionMismatch)

	g64 := graph.New("precision-f64")
	w := g64.Constant(tensors.FromFlat([]int{4}, []float64{1, 2, 3, 4}))
	out64 := g64.Tanh(w)
	_, err = OptimizeForInference([]*graph.Var{out64},
		OptimizeForInferenceOptions{F16IoComp: true})
	require.ErrorIs(t, err, ErrPrecisionMismatch)
}

func TestOptimizeForInferenceWeightPreprocessFlag(t *testing.T) {
	g := graph.New("wpp")
	x := g.Parameter("x", shapes.Make(dtypes.Float32, 4), graph.FormatNCHW)
	state, err := NewOptState([]*graph.Var{g.Tanh(x)})
	require.NoError(t, err)

	require.NoError(t, state.OptimizeForInference(
		OptimizeForInferenceOptions{WeightPreprocess: true}))
	require.True(t, state.WeightPreprocess())
}

func TestPipelinePassNames(t *testing.T) {
	names, err := PipelinePassNames(OptimizeForInferenceOptions{})
	require.NoError(t, err)
	require.Equal(t, []string{
		"convert_batch_norm_to_elemwise",
		"param_redistribute",
		"param_fuse",
		"param_fuse",
	}, names)

	opts := *(&OptimizeForInferenceOptions{}).
		EnableFuseConvBiasWithZ().
		EnableF16IoF32Comp().
		EnableFusePreprocess().
		EnableLayoutTransform(TargetARM)
	names, err = PipelinePassNames(opts)
	require.NoError(t, err)
	require.Equal(t, []string{
		"convert_batch_norm_to_elemwise",
		"param_redistribute",
		"param_fuse",
		"fuse_conv_bias_nonlinearity",
		"fuse_conv_bias_with_z",
		"convert_f16_io_f32_comp",
		"fuse_preprocess",
		"tensor_reformat_arm",
		"shuffle_shuffle_remove",
		"param_fuse",
	}, names)

	_, err = PipelinePassNames(OptimizeForInferenceOptions{LayoutTransform: Target(99)})
	require.Error(t, err)
}
