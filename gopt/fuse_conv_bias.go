// Copyright 2024-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gopt

import (
	"github.com/gomlx/gopt/graph"
	"github.com/gomlx/gopt/types/shapes"
	"k8s.io/klog/v2"
)

// FuseConvBiasNonlinPass fuses convolution, bias add and activation chains
// into a single ConvBias operator:
//
//	nonlin(conv(x, w) + bias)  ->  ConvBias(x, w, bias, nonlin)
//
// An intermediate consumed by anything other than the chain blocks the
// fusion for that candidate (the original sub-graph is left untouched): the
// fused operator has no equivalent sub-output for it.
type FuseConvBiasNonlinPass struct{}

// Name implements Pass.
func (FuseConvBiasNonlinPass) Name() string { return "fuse_conv_bias_nonlinearity" }

// Apply implements Pass.
func (FuseConvBiasNonlinPass) Apply(state *OptState) error {
	g := state.Graph()
	rw := state.Rewriter()

	// fused maps the output variable of an original Add (or ConvBias) to the
	// ConvBias node synthesized for it, so a following activation can fold
	// itself into the fused node's parameters.
	fused := make(map[*graph.Var]*graph.Node)

	for _, n := range g.TopoSort(state.dests) {
		switch {
		case n.Type() == graph.OpTypeAdd:
			conv, bias := matchConvBiasAdd(state, rw, n)
			if conv == nil {
				continue
			}
			p := graph.ConvBiasParams{Conv: conv.ConvParams(), Nonlin: graph.NonlinIdentity}
			out := g.ConvBias(rw.Lookup(conv.Input(0)), rw.Lookup(conv.Input(1)), bias, nil, p)
			fused[n.Out()] = out.Producer()
			rw.Replace(n.Out(), out)

		case n.Type().IsElementwiseUnary():
			mode, ok := graph.NonlinModeForOp(n.Type())
			if !ok {
				continue
			}
			in := n.Input(0)
			node, found := fused[in]
			if !found || len(g.Consumers(in)) != 1 || state.isDest(in) {
				continue
			}
			p := node.ConvBiasParams()
			if p.Nonlin != graph.NonlinIdentity {
				continue
			}
			p.Nonlin = mode
			var z *graph.Var
			if p.WithZ {
				z = node.Input(3)
			}
			out := g.ConvBias(node.Input(0), node.Input(1), node.Input(2), z, p)
			fused[n.Out()] = out.Producer()
			rw.Replace(n.Out(), out)
		}
	}
	return rw.Commit()
}

// matchConvBiasAdd matches n (an Add) against conv(x, w) + bias, where the
// convolution output is consumed only by n (and is not itself a
// destination) and bias is per-channel broadcastable. It returns the
// convolution node and the bias variable, or nils when the pattern does not
// apply.
func matchConvBiasAdd(state *OptState, rw *Rewriter, n *graph.Node) (*graph.Node, *graph.Var) {
	g := state.Graph()
	for side := 0; side < 2; side++ {
		convVar, bias := n.Input(side), n.Input(1-side)
		conv := convVar.Producer()
		if conv.Type() != graph.OpTypeConv {
			continue
		}
		if len(g.Consumers(convVar)) != 1 || state.isDest(convVar) {
			klog.V(2).Infof("gopt: conv %s consumed outside the bias add, fusion skipped", conv)
			continue
		}
		if !isPerChannel(bias.Shape(), convVar.Shape()) {
			continue
		}
		if !bias.Shape().IsScalar() && bias.Format() != convVar.Format() {
			continue
		}
		return conv, rw.Lookup(bias)
	}
	return nil, nil
}

// isPerChannel reports whether shape is broadcastable per-channel against
// the rank-4 reference: scalar, [C] or [1 C 1 1].
func isPerChannel(s, ref shapes.Shape) bool {
	if s.IsScalar() {
		return true
	}
	channels := ref.Dim(1)
	if s.Rank() == 1 && s.Dim(0) == channels {
		return true
	}
	return s.Rank() == 4 && s.Dim(0) == 1 && s.Dim(1) == channels && s.Dim(2) == 1 && s.Dim(3) == 1
}

// FuseConvBiasZPass fuses a residual elementwise add into a ConvBias
// operator:
//
//	ConvBias(x, w, bias, identity) + z  ->  ConvBias(x, w, bias, z, identity)
//
// and then folds a following activation the same way FuseConvBiasNonlinPass
// does. A ConvBias with a non-identity activation is not eligible: adding z
// after the activation is not the same as before it.
type FuseConvBiasZPass struct{}

// Name implements Pass.
func (FuseConvBiasZPass) Name() string { return "fuse_conv_bias_with_z" }

// Apply implements Pass.
func (FuseConvBiasZPass) Apply(state *OptState) error {
	g := state.Graph()
	rw := state.Rewriter()
	fused := make(map[*graph.Var]*graph.Node)

	for _, n := range g.TopoSort(state.dests) {
		switch {
		case n.Type() == graph.OpTypeAdd:
			convBias, z := matchConvBiasZAdd(state, n)
			if convBias == nil {
				continue
			}
			p := convBias.ConvBiasParams()
			p.WithZ = true
			out := g.ConvBias(
				rw.Lookup(convBias.Input(0)), rw.Lookup(convBias.Input(1)),
				rw.Lookup(convBias.Input(2)), rw.Lookup(z), p)
			fused[n.Out()] = out.Producer()
			rw.Replace(n.Out(), out)

		case n.Type().IsElementwiseUnary():
			mode, ok := graph.NonlinModeForOp(n.Type())
			if !ok {
				continue
			}
			in := n.Input(0)
			node, found := fused[in]
			if !found || len(g.Consumers(in)) != 1 || state.isDest(in) {
				continue
			}
			p := node.ConvBiasParams()
			if p.Nonlin != graph.NonlinIdentity {
				continue
			}
			p.Nonlin = mode
			out := g.ConvBias(node.Input(0), node.Input(1), node.Input(2), node.Input(3), p)
			fused[n.Out()] = out.Producer()
			rw.Replace(n.Out(), out)
		}
	}
	return rw.Commit()
}

// matchConvBiasZAdd matches n (an Add) against convbias + z with the
// convbias output consumed only by n (and not a destination), no activation
// and no z fused yet, and z of exactly the convbias output shape and
// layout.
func matchConvBiasZAdd(state *OptState, n *graph.Node) (*graph.Node, *graph.Var) {
	g := state.Graph()
	for side := 0; side < 2; side++ {
		cbVar, z := n.Input(side), n.Input(1-side)
		cb := cbVar.Producer()
		if cb.Type() != graph.OpTypeConvBias {
			continue
		}
		p := cb.ConvBiasParams()
		if p.WithZ || p.Nonlin != graph.NonlinIdentity {
			continue
		}
		if len(g.Consumers(cbVar)) != 1 || state.isDest(cbVar) {
			continue
		}
		if !z.Shape().Equal(cbVar.Shape()) || z.Format() != cbVar.Format() {
			continue
		}
		return cb, z
	}
	return nil, nil
}
