// Copyright 2024-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gopt

import (
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/gomlx/gopt/graph"
	"k8s.io/klog/v2"
)

// ShuffleShuffleRemovePass removes redundant layout and dtype conversions
// left behind by other passes:
//
//	Relayout to the layout the input already has       -> input
//	Relayout(Relayout(x, a), b)                        -> Relayout(x, b)
//	ConvertDType to the dtype the input already has    -> input
//	ConvertDType(ConvertDType(x, wide), narrow)        -> ConvertDType(x, narrow)
//
// A conversion chain is only collapsed when the direct conversion is
// available (layouts) or numerically identical (dtypes: the intermediate
// type must represent every value of the source exactly, so a float32
// round trip through float16 is kept, and so is an int32 round trip
// through float32, whose mantissa is too short for the large magnitudes).
type ShuffleShuffleRemovePass struct{}

// Name implements Pass.
func (ShuffleShuffleRemovePass) Name() string { return "shuffle_shuffle_remove" }

// Apply implements Pass.
func (ShuffleShuffleRemovePass) Apply(state *OptState) error {
	g := state.Graph()
	rw := state.Rewriter()
	removed := 0

	for _, n := range g.TopoSort(state.dests) {
		switch n.Type() {
		case graph.OpTypeRelayout:
			in := rw.Lookup(n.Input(0))
			to := n.RelayoutParams().To
			switch {
			case in.Format() == to:
				rw.Replace(n.Out(), in)
				removed++
			case in.Producer().Type() == graph.OpTypeRelayout:
				base := rw.Lookup(in.Producer().Input(0))
				if base.Format() == to {
					rw.Replace(n.Out(), base)
					removed++
				} else if state.relayouts.Supports(base.Format(), to) {
					rw.Replace(n.Out(), g.Relayout(base, to))
					removed++
				} else if in != n.Input(0) {
					rw.Replace(n.Out(), g.Relayout(in, to))
				}
			case in != n.Input(0):
				rw.Replace(n.Out(), g.Relayout(in, to))
			}

		case graph.OpTypeConvertDType:
			in := rw.Lookup(n.Input(0))
			to := n.ConvertParams().DType
			switch {
			case in.DType() == to:
				rw.Replace(n.Out(), in)
				removed++
			case in.Producer().Type() == graph.OpTypeConvertDType:
				base := rw.Lookup(in.Producer().Input(0))
				if losslessIn(base.DType(), in.DType()) {
					if base.DType() == to {
						rw.Replace(n.Out(), base)
					} else {
						rw.Replace(n.Out(), g.ConvertDType(base, to))
					}
					removed++
				} else if in != n.Input(0) {
					rw.Replace(n.Out(), g.ConvertDType(in, to))
				}
			case in != n.Input(0):
				rw.Replace(n.Out(), g.ConvertDType(in, to))
			}
		}
	}
	klog.V(1).Infof("gopt: shuffle_shuffle_remove eliminated %d conversions", removed)
	return rw.Commit()
}

// losslessIn reports whether mid represents every value of d exactly. A
// chain converting d through mid then equals the direct conversion from d,
// whatever the final dtype is.
func losslessIn(d, mid dtypes.DType) bool {
	if d.IsFloat() == mid.IsFloat() {
		return mid.Memory() >= d.Memory()
	}
	if !mid.IsFloat() {
		return false
	}
	// An integer survives a float round trip when the mantissa covers its
	// magnitude bits.
	return mantissaBits(mid) >= 8*int(d.Memory())-1
}

// mantissaBits is the effective mantissa width, implicit bit included.
func mantissaBits(d dtypes.DType) int {
	switch d {
	case dtypes.Float16:
		return 11
	case dtypes.Float32:
		return 24
	case dtypes.Float64:
		return 53
	}
	return 0
}

// FusePreprocessPass folds input preprocessing into the execution contract:
// a chain of dtype and layout conversions applied directly to a Parameter
// is replaced by a Parameter already declared in the converted dtype and
// layout, so the conversion happens once at load time instead of on every
// inference.
//
// A chain whose net effect widens the parameter dtype is left alone: that
// is a compute conversion reading narrow storage (the float16 lowering
// emits exactly this shape), not preprocessing.
type FusePreprocessPass struct{}

// Name implements Pass.
func (FusePreprocessPass) Name() string { return "fuse_preprocess" }

// Apply implements Pass.
func (FusePreprocessPass) Apply(state *OptState) error {
	g := state.Graph()
	rw := state.Rewriter()
	fusedNames := make(map[string]bool)

	for _, n := range g.TopoSort(state.dests) {
		if n.Type() != graph.OpTypeConvertDType && n.Type() != graph.OpTypeRelayout {
			continue
		}
		// Walk down to a Parameter through an exclusively-consumed chain of
		// conversions.
		root, ok := preprocessRoot(g, n)
		if !ok {
			continue
		}
		name := root.Producer().ParameterName()
		if fusedNames[name] {
			continue
		}
		// The tail of the chain: fuse only if nothing consumes the
		// intermediate results.
		out := n.Out()
		if isConversion(g, out) {
			continue
		}
		if out.DType().Memory() > root.DType().Memory() {
			continue
		}
		fusedNames[name] = true
		rw.Replace(out, g.Parameter(name, out.Shape(), out.Format()))
	}
	return rw.Commit()
}

// preprocessRoot follows n's input chain through sole-consumer conversion
// operators down to a Parameter and returns its variable.
func preprocessRoot(g *graph.Graph, n *graph.Node) (*graph.Var, bool) {
	for {
		in := n.Input(0)
		if len(g.Consumers(in)) != 1 {
			return nil, false
		}
		prod := in.Producer()
		switch prod.Type() {
		case graph.OpTypeParameter:
			return in, true
		case graph.OpTypeConvertDType, graph.OpTypeRelayout:
			n = prod
		default:
			return nil, false
		}
	}
}

// isConversion reports whether v feeds exactly one consumer which is
// another conversion operator.
func isConversion(g *graph.Graph, v *graph.Var) bool {
	consumers := g.Consumers(v)
	if len(consumers) != 1 {
		return false
	}
	t := consumers[0].Type()
	return t == graph.OpTypeConvertDType || t == graph.OpTypeRelayout
}
