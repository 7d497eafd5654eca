// Copyright 2024-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gopt

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopt/graph"
	"github.com/pkg/errors"
)

// VarReplaceCheck selects which properties of a replacement variable must
// match the variable it replaces. Layout (Format) changes are always
// allowed: the external layout contract is restored separately through the
// endpoint hook.
type VarReplaceCheck int

const (
	// CheckNone allows any replacement.
	CheckNone VarReplaceCheck = 0

	// CheckShape requires equal logical dimensions.
	CheckShape VarReplaceCheck = 1 << iota

	// CheckDType requires an equal dtype.
	CheckDType

	// CheckAll requires equal dimensions and dtype.
	CheckAll = CheckShape | CheckDType
)

// EndpointHook adapts a destination variable whose replacement changed
// shape, dtype or layout, so the graph's external contract is preserved from
// the caller's point of view. It receives the replacement and the original
// variable and returns the adapted variable (possibly adding nodes to the
// graph).
type EndpointHook func(newVar, origVar *graph.Var) *graph.Var

// Rewriter is the transactional graph editing facility of one pass: it
// records variable replacements and, on Commit, rebuilds a consistent graph
// where every consumer of a replaced variable is rewired to the replacement
// and the destination set is remapped.
//
// A Rewriter is bound to the OptState that created it (see
// OptState.Rewriter) and is used by a single pass on a single goroutine.
type Rewriter struct {
	state *OptState

	// replacements from old variable to new. Chains (a->b, b->c) are
	// resolved by Lookup.
	replacements map[*graph.Var]*graph.Var

	// watermark separates pre-existing nodes from nodes the pass created:
	// replacements apply only to the inputs of pre-existing nodes, so a pass
	// may wrap a variable (replace v by an operator consuming v) without
	// creating a cycle.
	watermark graph.NodeId

	check      VarReplaceCheck
	onEndpoint EndpointHook
}

// Rewriter returns a fresh Rewriter bound to the state, defaulting to
// CheckAll replacement validation.
func (s *OptState) Rewriter() *Rewriter {
	return &Rewriter{
		state:        s,
		replacements: make(map[*graph.Var]*graph.Var),
		watermark:    s.g.NextNodeId(),
		check:        CheckAll,
	}
}

// SetVarReplaceCheck relaxes or tightens replacement validation. It returns
// the Rewriter for chaining.
func (r *Rewriter) SetVarReplaceCheck(check VarReplaceCheck) *Rewriter {
	r.check = check
	return r
}

// OnEndpoint installs the endpoint adaptation hook invoked at Commit for
// every destination whose replacement differs in shape, dtype or layout.
// Without a hook such destinations fail the replacement checks.
func (r *Rewriter) OnEndpoint(hook EndpointHook) *Rewriter {
	r.onEndpoint = hook
	return r
}

// Replace records that newVar replaces oldVar: after Commit every consumer
// of oldVar reads newVar instead. Replacing the same variable again
// overrides the previous replacement. It panics (with an exception, caught
// by the pass engine) if the replacement violates the configured checks.
func (r *Rewriter) Replace(oldVar, newVar *graph.Var) {
	if oldVar == newVar {
		return
	}
	r.checkReplacement(oldVar, newVar)
	r.replacements[oldVar] = newVar
}

func (r *Rewriter) checkReplacement(oldVar, newVar *graph.Var) {
	if newVar == nil {
		exceptions.Panicf("rewriter: replacing %s with nil", oldVar)
	}
	if r.check&CheckShape != 0 && !oldVar.Shape().EqualDimensions(newVar.Shape()) {
		exceptions.Panicf("rewriter: replacement of %s by %s changes dimensions", oldVar, newVar)
	}
	if r.check&CheckDType != 0 && oldVar.DType() != newVar.DType() {
		exceptions.Panicf("rewriter: replacement of %s by %s changes dtype", oldVar, newVar)
	}
}

// Lookup resolves v through the recorded replacement chain. Unreplaced
// variables resolve to themselves.
func (r *Rewriter) Lookup(v *graph.Var) *graph.Var {
	for {
		next, found := r.replacements[v]
		if !found || next == v {
			return v
		}
		v = next
	}
}

// Commit applies the recorded replacements: it rebuilds every node reachable
// from the (remapped) destination set whose inputs changed, preserving
// topological order, remaps the destinations and compacts the graph. It
// fails with ErrGraphInconsistency if a replacement introduces a cycle or a
// destination is left without a valid variable.
//
// On success the Rewriter is reset and may record further replacements.
func (r *Rewriter) Commit() error {
	state := r.state
	g := state.g

	rebuilt := make(map[*graph.Node]*graph.Node)
	visiting := make(map[*graph.Node]bool)

	var rebuild func(n *graph.Node) (*graph.Node, error)
	rebuild = func(n *graph.Node) (*graph.Node, error) {
		if newNode, done := rebuilt[n]; done {
			return newNode, nil
		}
		if visiting[n] {
			return nil, errors.Wrapf(ErrGraphInconsistency, "replacement introduces a cycle through %s", n)
		}
		visiting[n] = true
		defer delete(visiting, n)

		changed := false
		passCreated := n.Id() >= r.watermark
		newInputs := make([]*graph.Var, n.NumInputs())
		for i, in := range n.Inputs() {
			mapped := in
			if !passCreated {
				// Inputs of nodes the pass itself created name their
				// variables literally; only pre-existing consumers are
				// rewired.
				mapped = r.Lookup(in)
			}
			producer, err := rebuild(mapped.Producer())
			if err != nil {
				return nil, err
			}
			if producer != mapped.Producer() {
				mapped = matchOutput(producer, mapped)
			}
			newInputs[i] = mapped
			changed = changed || mapped != in
		}
		if !changed {
			rebuilt[n] = n
			return n, nil
		}

		newNode := g.ApplyOp(n.Type(), n.Params(), newInputs...)
		rebuilt[n] = newNode
		for i, out := range n.Outputs() {
			r.replacements[out] = newNode.Outputs()[i]
		}
		return newNode, nil
	}

	newDests := make([]*graph.Var, len(state.dests))
	for i, dest := range state.dests {
		mapped := r.Lookup(dest)
		if mapped == nil || mapped.Producer() == nil {
			return errors.Wrapf(ErrGraphInconsistency, "destination #%d has no valid replacement", i)
		}
		producer, err := rebuild(mapped.Producer())
		if err != nil {
			return err
		}
		if producer != mapped.Producer() {
			mapped = matchOutput(producer, mapped)
		}
		if mapped != dest {
			mapped = r.adaptEndpoint(mapped, dest)
			if err := validateEndpoint(r.check, mapped, dest); err != nil {
				return errors.WithMessagef(err, "destination #%d", i)
			}
		}
		newDests[i] = mapped
	}

	state.dests = newDests
	g.Compact(newDests)
	if err := g.Validate(newDests); err != nil {
		return errors.Wrapf(ErrGraphInconsistency, "%v", err)
	}
	r.replacements = make(map[*graph.Var]*graph.Var)
	return nil
}

// adaptEndpoint invokes the endpoint hook when the destination replacement
// changed the externally visible properties of the variable.
func (r *Rewriter) adaptEndpoint(newVar, origVar *graph.Var) *graph.Var {
	if r.onEndpoint == nil {
		return newVar
	}
	if newVar.Shape().Equal(origVar.Shape()) && newVar.Format() == origVar.Format() {
		return newVar
	}
	return r.onEndpoint(newVar, origVar)
}

func validateEndpoint(check VarReplaceCheck, newVar, origVar *graph.Var) error {
	if check&CheckShape != 0 && !origVar.Shape().EqualDimensions(newVar.Shape()) {
		return errors.Wrapf(ErrGraphInconsistency,
			"replacement changes dimensions from %s to %s", origVar.Shape(), newVar.Shape())
	}
	if check&CheckDType != 0 && origVar.DType() != newVar.DType() {
		return errors.Wrapf(ErrGraphInconsistency,
			"replacement changes dtype from %s to %s", origVar.DType(), newVar.DType())
	}
	return nil
}

// matchOutput returns the output of newProducer corresponding (by position)
// to the given output of its original node.
func matchOutput(newProducer *graph.Node, out *graph.Var) *graph.Var {
	orig := out.Producer()
	for i, candidate := range orig.Outputs() {
		if candidate == out {
			return newProducer.Outputs()[i]
		}
	}
	exceptions.Panicf("rewriter: variable %s is not an output of its producer %s", out, orig)
	return nil
}
