// Copyright 2024-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package backends defines the contracts the optimizer consumes from the
// numeric kernel layer. The kernels themselves are black boxes: the
// optimizer never reasons about their internals, only about these
// interfaces.
//
//   - Evaluator: evaluates a single operator on concrete tensor inputs.
//     Constant folding uses it to materialize constant sub-graphs.
//
//   - RelayoutRegistry: enumerates the (source layout, destination layout)
//     pairs for which a conversion kernel exists, and provides the
//     conversion for concrete tensors. The format resolution passes only
//     insert relayout operators the registry can serve.
//
// A backend that doesn't implement an operation returns ErrUnsupportedOp;
// the optimizer then leaves the corresponding sub-graph untouched.
package backends

import (
	"github.com/gomlx/gopt/graph"
	"github.com/gomlx/gopt/types/tensors"
	"github.com/pkg/errors"
)

// ErrUnsupportedOp is returned by an Evaluator for operators (or dtype
// combinations) it does not implement. Callers recover locally: the
// candidate is skipped, not the pipeline.
var ErrUnsupportedOp = errors.New("backend does not support this operator")

// Evaluator evaluates one operator node on concrete input tensors, producing
// the node's single output.
//
// The node is used only for its type, parameters and shapes; the inputs
// slice carries the concrete values, ordered like node.Inputs().
// Implementations must be safe for concurrent calls: constant folding
// evaluates independent sub-graphs in parallel.
type Evaluator interface {
	Eval(node *graph.Node, inputs []*tensors.Tensor) (*tensors.Tensor, error)
}

// FormatPair is a key of the relayout registry.
type FormatPair struct {
	From, To graph.Format
}

// RelayoutKernel converts a tensor value from one physical layout to
// another. At the optimizer's level of abstraction the logical value is
// unchanged, so kernels operating on logical-shape tensors are typically
// pass-through; hardware backends substitute real packing kernels.
type RelayoutKernel func(t *tensors.Tensor, from, to graph.Format) (*tensors.Tensor, error)

// RelayoutRegistry maps layout pairs to their conversion kernels.
type RelayoutRegistry struct {
	kernels map[FormatPair]RelayoutKernel
}

// NewRelayoutRegistry returns an empty registry.
func NewRelayoutRegistry() *RelayoutRegistry {
	return &RelayoutRegistry{kernels: make(map[FormatPair]RelayoutKernel)}
}

// Register adds (or replaces) the kernel converting from one layout to
// another. It returns the registry to allow chaining.
func (r *RelayoutRegistry) Register(from, to graph.Format, kernel RelayoutKernel) *RelayoutRegistry {
	r.kernels[FormatPair{from, to}] = kernel
	return r
}

// Supports returns whether a direct conversion kernel from one layout to the
// other is registered. Identity conversions are always supported.
func (r *RelayoutRegistry) Supports(from, to graph.Format) bool {
	if from == to {
		return true
	}
	_, found := r.kernels[FormatPair{from, to}]
	return found
}

// Convert applies the registered kernel. It returns ErrUnsupportedOp if no
// kernel covers the pair.
func (r *RelayoutRegistry) Convert(t *tensors.Tensor, from, to graph.Format) (*tensors.Tensor, error) {
	if from == to {
		return t, nil
	}
	kernel, found := r.kernels[FormatPair{from, to}]
	if !found {
		return nil, errors.Wrapf(ErrUnsupportedOp, "no relayout kernel from %s to %s", from, to)
	}
	return kernel(t, from, to)
}
