// Copyright 2024-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gopt

import (
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/gomlx/gopt/backends"
	"github.com/gomlx/gopt/graph"
	"k8s.io/klog/v2"
)

// FormatProfile is the capability record of one device family: the layout
// its convolution kernels want. Profiles are plain data, so adding a device
// family means adding a record, not a pass type.
type FormatProfile struct {
	// Name identifies the profile in logs.
	Name string

	// ConvFormat is the layout adopted by eligible convolutions.
	ConvFormat graph.Format
}

// reformatPassForTarget maps a layout transform target to its reformat
// pass.
func reformatPassForTarget(target Target, relayouts *backends.RelayoutRegistry) (Pass, error) {
	var profile FormatProfile
	switch target {
	case TargetCUDA:
		profile = FormatProfile{Name: "cuda", ConvFormat: graph.FormatNCHW4}
	case TargetX86:
		profile = FormatProfile{Name: "x86", ConvFormat: graph.FormatNCHW8}
	case TargetARM:
		profile = FormatProfile{Name: "arm", ConvFormat: graph.FormatNCHW44}
	case TargetOpenCL:
		profile = FormatProfile{Name: "opencl", ConvFormat: graph.FormatNHWC}
	default:
		return nil, errors.Errorf("no layout transform profile for target %s", target)
	}
	return NewTensorReformatPass(profile, relayouts), nil
}

// TensorReformatPass converts convolutions (and the elementwise operators
// between them) to the layout of a device profile, inserting Relayout
// operators at the boundaries. Conversions are resolved immediately while
// walking the graph: a variable already carrying the wanted layout needs no
// operator, so chains of convolutions in the same layout connect directly.
//
// Reshape and Concat interpret dimensions positionally and act as layout
// barriers: their inputs are converted back to the layout they originally
// had. Destinations keep their original layout as well, restored by the
// endpoint hook on commit.
type TensorReformatPass struct {
	profile   FormatProfile
	relayouts *backends.RelayoutRegistry
}

// NewTensorReformatPass returns a reformat pass for the given profile,
// restricted to the conversions the registry supports.
func NewTensorReformatPass(profile FormatProfile, relayouts *backends.RelayoutRegistry) *TensorReformatPass {
	return &TensorReformatPass{profile: profile, relayouts: relayouts}
}

// Name implements Pass.
func (p *TensorReformatPass) Name() string { return "tensor_reformat_" + p.profile.Name }

type relayoutKey struct {
	v  *graph.Var
	to graph.Format
}

// Apply implements Pass.
func (p *TensorReformatPass) Apply(state *OptState) error {
	g := state.Graph()
	cache := make(map[relayoutKey]*graph.Var)
	rw := state.Rewriter().OnEndpoint(func(newVar, origVar *graph.Var) *graph.Var {
		return p.convert(g, cache, newVar, origVar.Format())
	})

	adopted := 0
	for _, n := range g.TopoSort(state.dests) {
		switch n.Type() {
		case graph.OpTypeParameter, graph.OpTypeConstant:
			// Leaves keep their declared layout; consumers convert.

		case graph.OpTypeConv:
			params := n.ConvParams()
			if p.eligible(n, params) {
				params.Format = p.profile.ConvFormat
				adopted++
			}
			x := p.convert(g, cache, rw.Lookup(n.Input(0)), params.Format)
			w := p.convert(g, cache, rw.Lookup(n.Input(1)), params.Format)
			if x != n.Input(0) || w != n.Input(1) {
				rw.Replace(n.Out(), g.Conv(x, w, params))
			}

		case graph.OpTypeConvBias:
			params := n.ConvBiasParams()
			if p.eligible(n, params.Conv) {
				params.Conv.Format = p.profile.ConvFormat
				adopted++
			}
			x := p.convert(g, cache, rw.Lookup(n.Input(0)), params.Conv.Format)
			w := p.convert(g, cache, rw.Lookup(n.Input(1)), params.Conv.Format)
			bias := rw.Lookup(n.Input(2))
			if bias.Shape().Rank() == 4 {
				bias = p.convert(g, cache, bias, params.Conv.Format)
			}
			var z *graph.Var
			if params.WithZ {
				z = p.convert(g, cache, rw.Lookup(n.Input(3)), params.Conv.Format)
			}
			if x != n.Input(0) || w != n.Input(1) || bias != n.Input(2) || (params.WithZ && z != n.Input(3)) {
				rw.Replace(n.Out(), g.ConvBias(x, w, bias, z, params))
			}

		case graph.OpTypeRelayout:
			// Re-resolve against the current input: back-to-back conversions
			// collapse and no-ops disappear. A relayout whose input survived
			// seeds the cache, so later consumers wanting the same
			// conversion reuse it instead of duplicating it.
			in := rw.Lookup(n.Input(0))
			to := n.RelayoutParams().To
			if in == n.Input(0) {
				key := relayoutKey{v: in, to: to}
				if _, ok := cache[key]; !ok {
					cache[key] = n.Out()
				}
			}
			rw.Replace(n.Out(), p.convert(g, cache, in, to))

		case graph.OpTypeReshape, graph.OpTypeConcat, graph.OpTypeBatchNorm:
			p.rebuildInOriginalLayouts(g, cache, rw, n)

		default:
			p.rebuildHarmonized(g, cache, rw, n)
		}
	}
	klog.V(1).Infof("gopt: %s converted %d convolutions to %s", p.Name(), adopted, p.profile.ConvFormat)
	return rw.Commit()
}

// eligible reports whether a convolution in the natural layout can adopt
// the profile layout: channel counts divisible by the pack size and
// round-trip conversions available.
func (p *TensorReformatPass) eligible(n *graph.Node, params graph.ConvParams) bool {
	f := p.profile.ConvFormat
	if params.Format != graph.FormatNCHW || f == graph.FormatNCHW {
		return false
	}
	if pack := f.PackSize(); pack > 1 {
		if n.Input(0).Shape().Dim(1)%pack != 0 || n.Input(1).Shape().Dim(0)%pack != 0 {
			return false
		}
	}
	return p.relayouts.Supports(graph.FormatNCHW, f) && p.relayouts.Supports(f, graph.FormatNCHW)
}

// rebuildInOriginalLayouts rebuilds n with every input restored to the
// layout it had before the pass. Used for layout-barrier operators.
func (p *TensorReformatPass) rebuildInOriginalLayouts(g *graph.Graph, cache map[relayoutKey]*graph.Var, rw *Rewriter, n *graph.Node) {
	ins := make([]*graph.Var, n.NumInputs())
	changed := false
	for i, in := range n.Inputs() {
		ins[i] = p.convert(g, cache, rw.Lookup(in), in.Format())
		changed = changed || ins[i] != in
	}
	if changed {
		rw.Replace(n.Out(), g.ApplyOp(n.Type(), n.Params(), ins...).Out())
	}
}

// rebuildHarmonized rebuilds an elementwise-style node with all non-scalar
// inputs brought to one layout: the layout of the first non-scalar input
// after substitution. Scalars are layout-agnostic and pass through.
func (p *TensorReformatPass) rebuildHarmonized(g *graph.Graph, cache map[relayoutKey]*graph.Var, rw *Rewriter, n *graph.Node) {
	ins := make([]*graph.Var, n.NumInputs())
	target := graph.FormatInvalid
	for i, in := range n.Inputs() {
		ins[i] = rw.Lookup(in)
		if target == graph.FormatInvalid && !ins[i].Shape().IsScalar() {
			target = ins[i].Format()
		}
	}
	changed := false
	for i, in := range n.Inputs() {
		if target != graph.FormatInvalid && !ins[i].Shape().IsScalar() {
			ins[i] = p.convert(g, cache, ins[i], target)
		}
		changed = changed || ins[i] != in
	}
	if changed {
		rw.Replace(n.Out(), g.ApplyOp(n.Type(), n.Params(), ins...).Out())
	}
}

// convert returns v in the wanted layout, inserting at most two Relayout
// operators. Converting a Relayout's output back to its input layout
// reuses the input directly; repeated conversions of the same variable
// share one operator.
func (p *TensorReformatPass) convert(g *graph.Graph, cache map[relayoutKey]*graph.Var, v *graph.Var, to graph.Format) *graph.Var {
	if v.Format() == to {
		return v
	}
	if prod := v.Producer(); prod.Type() == graph.OpTypeRelayout && prod.Input(0).Format() == to {
		return prod.Input(0)
	}
	key := relayoutKey{v: v, to: to}
	if out, ok := cache[key]; ok {
		return out
	}
	var out *graph.Var
	switch {
	case p.relayouts.Supports(v.Format(), to):
		out = g.Relayout(v, to)
	case p.relayouts.Supports(v.Format(), graph.FormatNCHW) && p.relayouts.Supports(graph.FormatNCHW, to):
		out = g.Relayout(g.Relayout(v, graph.FormatNCHW), to)
	default:
		exceptions.Panicf("tensor_reformat: no conversion from %s to %s for %s", v.Format(), to, v)
	}
	cache[key] = out
	return out
}
