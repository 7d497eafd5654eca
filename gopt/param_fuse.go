// Copyright 2024-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gopt

import (
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/gomlx/gopt/backends"
	"github.com/gomlx/gopt/graph"
	"github.com/gomlx/gopt/types"
	"github.com/gomlx/gopt/types/tensors"
	"k8s.io/klog/v2"
)

// ParamFusePass evaluates constant-valued sub-trees at optimization time
// and replaces them with Constant nodes. A variable is constant-valued when
// every leaf under it is a Constant: Parameters are runtime inputs and stop
// the analysis.
//
// Candidates are folded bottom-most first: only constant variables consumed
// by a non-constant operator (or exported as a destination) are replaced,
// so interior constant variables disappear with their consumers.
//
// Folding is skipped, not failed, for candidates the evaluator does not
// support and for candidates whose result would grow memory beyond the
// largest constant leaf by more than the configured limit.
type ParamFusePass struct {
	paramGrowLimit uint64
}

// NewParamFusePass returns a ParamFusePass with an unbounded grow limit.
func NewParamFusePass() *ParamFusePass {
	return &ParamFusePass{paramGrowLimit: ^uint64(0)}
}

// WithParamGrowLimit limits how many bytes a folded constant may exceed the
// largest constant leaf it was computed from. Zero still folds results no
// larger than their largest input. It returns the pass for chaining.
func (p *ParamFusePass) WithParamGrowLimit(limit uint64) *ParamFusePass {
	p.paramGrowLimit = limit
	return p
}

// Name implements Pass.
func (p *ParamFusePass) Name() string { return "param_fuse" }

// Apply implements Pass.
func (p *ParamFusePass) Apply(state *OptState) error {
	g := state.Graph()
	isConst := markConstVars(g, state.dests)

	// A candidate is a constant variable that something non-constant sees:
	// a non-constant consumer, or the destination list.
	dests := types.SetWith(state.dests...)
	var candidates []*graph.Var
	seen := make(map[*graph.Var]bool)
	for _, n := range g.TopoSort(state.dests) {
		for _, v := range n.Outputs() {
			if !isConst[v] || seen[v] || v.Producer().Type() == graph.OpTypeConstant {
				continue
			}
			wanted := dests.Has(v)
			for _, c := range g.Consumers(v) {
				if !allOutputsConst(c, isConst) {
					wanted = true
					break
				}
			}
			if wanted {
				seen[v] = true
				candidates = append(candidates, v)
			}
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	// Evaluate candidates in parallel, one constant closure each. Results
	// land in per-candidate slots, so workers never share state.
	results := make([]*tensors.Tensor, len(candidates))
	for i, v := range candidates {
		i, v := i, v
		state.pool.Submit(func() {
			results[i] = p.evalCandidate(state, v)
		})
	}
	state.pool.Wait()

	rw := state.Rewriter()
	folded := 0
	for i, v := range candidates {
		if results[i] == nil {
			continue
		}
		rw.Replace(v, state.Graph().ConstantWithFormat(results[i], v.Format()))
		folded++
	}
	klog.V(1).Infof("gopt: param_fuse folded %d of %d constant sub-trees", folded, len(candidates))
	return rw.Commit()
}

// evalCandidate evaluates the constant closure under v. It returns nil when
// the candidate is skipped: an operator the evaluator does not support, or
// a result over the grow limit.
func (p *ParamFusePass) evalCandidate(state *OptState, v *graph.Var) *tensors.Tensor {
	memo := make(map[*graph.Var]*tensors.Tensor)
	var maxLeaf uint64

	var eval func(v *graph.Var) (*tensors.Tensor, error)
	eval = func(v *graph.Var) (*tensors.Tensor, error) {
		if t, ok := memo[v]; ok {
			return t, nil
		}
		n := v.Producer()
		inputs := make([]*tensors.Tensor, n.NumInputs())
		for i, in := range n.Inputs() {
			t, err := eval(in)
			if err != nil {
				return nil, err
			}
			inputs[i] = t
		}
		t, err := state.evaluator.Eval(n, inputs)
		if err != nil {
			return nil, err
		}
		if n.Type() == graph.OpTypeConstant {
			if m := uint64(t.Memory()); m > maxLeaf {
				maxLeaf = m
			}
		}
		memo[v] = t
		return t, nil
	}

	t, err := eval(v)
	if err != nil {
		if errors.Is(err, backends.ErrUnsupportedOp) {
			klog.V(1).Infof("gopt: param_fuse skipping %s: %v", v, err)
			return nil
		}
		klog.Warningf("gopt: param_fuse skipping %s after evaluation error: %v", v, err)
		return nil
	}
	if grown := uint64(t.Memory()); grown > maxLeaf && grown-maxLeaf > p.paramGrowLimit {
		klog.V(1).Infof("gopt: param_fuse skipping %s: result %s exceeds largest leaf %s by more than %s: %v",
			v, humanize.IBytes(grown), humanize.IBytes(maxLeaf), humanize.IBytes(p.paramGrowLimit),
			ErrBudgetExceeded)
		return nil
	}
	return t
}

// markConstVars returns the constant-valued variables reachable from dests.
// Constant outputs are constant; any other operator except Parameter
// produces constant outputs when all of its inputs are constant.
func markConstVars(g *graph.Graph, dests []*graph.Var) map[*graph.Var]bool {
	isConst := make(map[*graph.Var]bool)
	for _, n := range g.TopoSort(dests) {
		var c bool
		switch n.Type() {
		case graph.OpTypeConstant:
			c = true
		case graph.OpTypeParameter:
			c = false
		default:
			c = true
			for _, in := range n.Inputs() {
				if !isConst[in] {
					c = false
					break
				}
			}
		}
		if c {
			for _, v := range n.Outputs() {
				isConst[v] = true
			}
		}
	}
	return isConst
}

// allOutputsConst reports whether every output of n is constant-valued.
func allOutputsConst(n *graph.Node, isConst map[*graph.Var]bool) bool {
	for _, v := range n.Outputs() {
		if !isConst[v] {
			return false
		}
	}
	return true
}
