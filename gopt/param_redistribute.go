// Copyright 2024-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gopt

import (
	"github.com/gomlx/gopt/graph"
	"github.com/gomlx/gopt/types/shapes"
)

// ParamRedistributePass moves constant scale factors across operators so
// that later constant folding can absorb them into the weights:
//
//	conv(x, w) * k      ->  conv(x, w * k)      k scalar or per out-channel
//	(x + c1) + c2       ->  x + (c1 + c2)
//	(x * c1) * c2       ->  x * (c1 * c2)
//
// where c1, c2 and k are constant-valued. The rewritten multiply on the
// weights is itself constant and gets folded by ParamFusePass.
type ParamRedistributePass struct{}

// Name implements Pass.
func (ParamRedistributePass) Name() string { return "param_redistribute" }

// Apply implements Pass.
func (ParamRedistributePass) Apply(state *OptState) error {
	g := state.Graph()
	rw := state.Rewriter()
	isConst := markConstVars(g, state.dests)

	for _, n := range g.TopoSort(state.dests) {
		if n.Type() != graph.OpTypeAdd && n.Type() != graph.OpTypeMul {
			continue
		}
		if n.Type() == graph.OpTypeMul && redistributeConvScale(g, rw, n, isConst) {
			continue
		}
		redistributeChain(g, rw, n, isConst)
	}
	return rw.Commit()
}

// redistributeConvScale rewrites conv(x, w) * k into conv(x, w * k). It
// reports whether the rewrite applied.
func redistributeConvScale(g *graph.Graph, rw *Rewriter, n *graph.Node, isConst map[*graph.Var]bool) bool {
	for side := 0; side < 2; side++ {
		convVar, k := n.Input(side), n.Input(1-side)
		conv := convVar.Producer()
		if conv.Type() != graph.OpTypeConv || !isConst[k] {
			continue
		}
		if len(g.Consumers(convVar)) != 1 {
			continue
		}
		x, w := rw.Lookup(conv.Input(0)), rw.Lookup(conv.Input(1))
		scale := rw.Lookup(k)
		switch {
		case scale.Shape().IsScalar():
			// Broadcasts over the whole weight tensor.
		case isPerChannel(scale.Shape(), convVar.Shape()):
			// Per output channel: align with the O axis of the OIHW weights.
			scale = g.Reshape(scale, scale.Shape().Size(), 1, 1, 1)
		default:
			continue
		}
		rw.Replace(n.Out(), g.Conv(x, g.Mul(w, scale), conv.ConvParams()))
		return true
	}
	return false
}

// redistributeChain reassociates op(op(x, c1), c2) into op(x, op(c1, c2))
// for a commutative op, so the two constants meet in a foldable sub-tree.
func redistributeChain(g *graph.Graph, rw *Rewriter, n *graph.Node, isConst map[*graph.Var]bool) {
	op := n.Type()
	for side := 0; side < 2; side++ {
		innerVar, c2 := n.Input(side), n.Input(1-side)
		inner := innerVar.Producer()
		if inner.Type() != op || !isConst[c2] || isConst[innerVar] {
			continue
		}
		if len(g.Consumers(innerVar)) != 1 {
			continue
		}
		for innerSide := 0; innerSide < 2; innerSide++ {
			x, c1 := inner.Input(innerSide), inner.Input(1-innerSide)
			if !isConst[c1] || isConst[x] {
				continue
			}
			// All shape checks happen before any node is built, so a
			// rejected candidate leaves the graph untouched. The folded
			// constant broadcasts like c1 and c2 combined, so checking x
			// against each of them covers the reassociated tree.
			xv := rw.Lookup(x)
			if !broadcastCompatible(c1.Shape(), c2.Shape()) ||
				!broadcastCompatible(xv.Shape(), c1.Shape()) ||
				!broadcastCompatible(xv.Shape(), c2.Shape()) {
				continue
			}
			folded := g.ApplyOp(op, nil, rw.Lookup(c1), rw.Lookup(c2)).Out()
			rw.Replace(n.Out(), g.ApplyOp(op, nil, xv, folded).Out())
			return
		}
	}
}

// broadcastCompatible reports whether two shapes combine under the
// elementwise broadcast rule: either is scalar, or both have equal rank
// with every axis equal or 1.
func broadcastCompatible(a, b shapes.Shape) bool {
	if a.IsScalar() || b.IsScalar() {
		return true
	}
	if a.Rank() != b.Rank() {
		return false
	}
	for axis := 0; axis < a.Rank(); axis++ {
		da, db := a.Dim(axis), b.Dim(axis)
		if da != db && da != 1 && db != 1 {
			return false
		}
	}
	return true
}
