// Copyright 2024-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package graph defines the dataflow computation graph the optimizer works
// on: a DAG of operator nodes (Node) connected by tensor variables (Var).
//
// The main elements in the package are:
//
//   - Graph: owns the nodes and variables. Nodes can only reference variables
//     that already exist in the graph, so a Graph is acyclic by construction.
//
//   - Node: one typed operation (see OpType), with an ordered list of input
//     variables, its output variables and operator-specific parameters
//     (e.g. ConvParams).
//
//   - Var: a tensor value flowing between nodes. It is produced (owned) by
//     exactly one node and consumed by zero or more nodes. It carries the
//     logical shape (shapes.Shape) and the physical layout tag (Format).
//
// Graphs are built with the op methods (Graph.Parameter, Graph.Conv,
// Graph.Add, ...). Invalid shapes or dtypes panic with an exception
// (github.com/gomlx/exceptions); the public optimizer entry points in
// package gopt catch those and convert them to errors.
package graph

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopt/types"
	"github.com/gomlx/gopt/types/shapes"
	"github.com/gomlx/gopt/types/tensors"
)

// NodeId is a unique Node id within a Graph.
type NodeId int

// VarId is a unique Var id within a Graph.
type VarId int

// Graph holds the operator nodes and tensor variables of one computation.
//
// It is not safe for concurrent mutation: the optimizer mutates a graph from
// a single goroutine only.
type Graph struct {
	name string

	nextNodeId NodeId
	nextVarId  VarId

	// nodes in creation order, which is also a valid topological order:
	// a node can only consume variables that already existed when it was
	// created. Rewrites may leave unreachable nodes here until the next
	// Compact.
	nodes []*Node

	vars      map[VarId]*Var
	consumers map[VarId][]*Node
}

// New creates an empty Graph with the given name.
func New(name string) *Graph {
	return &Graph{
		name:      name,
		vars:      make(map[VarId]*Var),
		consumers: make(map[VarId][]*Node),
	}
}

// Name of the graph.
func (g *Graph) Name() string { return g.name }

// Nodes returns the graph nodes in creation order (a valid topological
// order). The returned slice must not be modified.
func (g *Graph) Nodes() []*Node { return g.nodes }

// NumNodes returns the number of nodes currently held by the graph,
// including nodes made unreachable by rewrites but not yet compacted away.
func (g *Graph) NumNodes() int { return len(g.nodes) }

// NextNodeId returns the id the next created node will receive. Ids are
// never reused, so it serves as a creation watermark.
func (g *Graph) NextNodeId() NodeId { return g.nextNodeId }

// Var is a tensor value: the edge between the operator that produces it and
// the operators that consume it.
type Var struct {
	id       VarId
	graph    *Graph
	name     string
	producer *Node
	shape    shapes.Shape
	format   Format
}

// Id of the variable, unique within its Graph.
func (v *Var) Id() VarId { return v.id }

// Name of the variable. Auto-generated from the producing op unless the op
// gives it an explicit name (Parameter does).
func (v *Var) Name() string { return v.name }

// Graph that owns this variable.
func (v *Var) Graph() *Graph { return v.graph }

// Producer is the node that computes this variable. Every variable has
// exactly one producer.
func (v *Var) Producer() *Node { return v.producer }

// Shape is the logical shape of the variable. Physical layout is tracked
// separately by Format and never changes the Shape.
func (v *Var) Shape() shapes.Shape { return v.shape }

// DType of the variable.
func (v *Var) DType() dtypes.DType { return v.shape.DType }

// Format is the physical memory layout tag of the variable.
func (v *Var) Format() Format { return v.format }

// String implements fmt.Stringer.
func (v *Var) String() string {
	if v == nil {
		return "Var(nil)"
	}
	if v.format == FormatNCHW {
		return fmt.Sprintf("%s%s", v.name, v.shape)
	}
	return fmt.Sprintf("%s%s@%s", v.name, v.shape, v.format)
}

// Node is one operation of the computation graph.
type Node struct {
	id      NodeId
	graph   *Graph
	opType  OpType
	inputs  []*Var
	outputs []*Var
	params  any
}

// Id of the node, unique within its Graph.
func (n *Node) Id() NodeId { return n.id }

// Graph that owns this node.
func (n *Node) Graph() *Graph { return n.graph }

// Type identifies the operation performed by the node. Two nodes of
// different type are never interchangeable without explicit conversion.
func (n *Node) Type() OpType {
	if n == nil {
		return OpTypeInvalid
	}
	return n.opType
}

// Inputs are the variables consumed by this node, in order. The returned
// slice must not be modified.
func (n *Node) Inputs() []*Var { return n.inputs }

// Input returns the i-th input variable.
func (n *Node) Input(i int) *Var { return n.inputs[i] }

// NumInputs returns the number of input variables.
func (n *Node) NumInputs() int { return len(n.inputs) }

// Outputs are the variables produced by this node. The returned slice must
// not be modified.
func (n *Node) Outputs() []*Var { return n.outputs }

// Out returns the node's single output. It panics if the node has more than
// one output.
func (n *Node) Out() *Var {
	if len(n.outputs) != 1 {
		exceptions.Panicf("Node.Out: %s has %d outputs", n, len(n.outputs))
	}
	return n.outputs[0]
}

// Params returns the operator-specific parameter record, or nil. Prefer the
// typed accessors (ConvParams, ConstantValue, ...).
func (n *Node) Params() any { return n.params }

// String implements fmt.Stringer.
func (n *Node) String() string {
	if n == nil {
		return "Node(nil)"
	}
	return fmt.Sprintf("%s#%d", n.opType, n.id)
}

// ConvParams returns the convolution parameters. It panics if the node is
// not a Conv.
func (n *Node) ConvParams() ConvParams { return n.params.(ConvParams) }

// ConvBiasParams returns the fused conv-bias parameters. It panics if the
// node is not a ConvBias.
func (n *Node) ConvBiasParams() ConvBiasParams { return n.params.(ConvBiasParams) }

// BatchNormParams returns the batch normalization parameters.
func (n *Node) BatchNormParams() BatchNormParams { return n.params.(BatchNormParams) }

// RelayoutParams returns the relayout parameters.
func (n *Node) RelayoutParams() RelayoutParams { return n.params.(RelayoutParams) }

// ConvertParams returns the dtype conversion parameters.
func (n *Node) ConvertParams() ConvertParams { return n.params.(ConvertParams) }

// ReshapeParams returns the reshape parameters.
func (n *Node) ReshapeParams() ReshapeParams { return n.params.(ReshapeParams) }

// ConcatParams returns the concatenation parameters.
func (n *Node) ConcatParams() ConcatParams { return n.params.(ConcatParams) }

// ConstantValue returns the materialized value of a Constant node. It panics
// if the node is not a Constant.
func (n *Node) ConstantValue() *tensors.Tensor { return n.params.(ConstantParams).Value }

// ParameterName returns the declared name of a Parameter node. It panics if
// the node is not a Parameter.
func (n *Node) ParameterName() string { return n.params.(parameterShape).Name }

// newNode adds a new node of the given opType to the graph and registers it
// as a consumer of its inputs. It is used by applyOp after validation.
func (g *Graph) newNode(opType OpType, params any, inputs []*Var) *Node {
	for i, in := range inputs {
		if in == nil {
			exceptions.Panicf("graph %q: %s input #%d is nil", g.name, opType, i)
		}
		if in.graph != g {
			exceptions.Panicf("graph %q: %s input #%d (%s) belongs to graph %q", g.name, opType, i, in, in.graph.name)
		}
	}
	n := &Node{
		id:     g.nextNodeId,
		graph:  g,
		opType: opType,
		inputs: append([]*Var(nil), inputs...),
		params: params,
	}
	g.nextNodeId++
	g.nodes = append(g.nodes, n)
	for _, in := range inputs {
		g.consumers[in.id] = append(g.consumers[in.id], n)
	}
	return n
}

// newVar creates the output variable of node with the given shape and format.
func (g *Graph) newVar(node *Node, name string, shape shapes.Shape, format Format) *Var {
	if !shape.Ok() {
		exceptions.Panicf("graph %q: %s produced an invalid shape", g.name, node)
	}
	if name == "" {
		name = fmt.Sprintf("%s_%d", node.opType, g.nextVarId)
	}
	v := &Var{
		id:       g.nextVarId,
		graph:    g,
		name:     name,
		producer: node,
		shape:    shape,
		format:   format,
	}
	g.nextVarId++
	g.vars[v.id] = v
	node.outputs = append(node.outputs, v)
	return v
}

// Consumers returns the nodes that consume v, in creation order. A node
// consuming v through more than one input appears once per input. The
// returned slice must not be modified.
func (g *Graph) Consumers(v *Var) []*Node {
	return g.consumers[v.id]
}

// TopoSort returns the nodes reachable from the given destination variables
// in a topological order (producers before consumers).
func (g *Graph) TopoSort(dests []*Var) []*Node {
	visited := types.MakeSet[NodeId]()
	var order []*Node
	var visit func(n *Node)
	visit = func(n *Node) {
		if visited.Has(n.id) {
			return
		}
		visited.Insert(n.id)
		for _, in := range n.inputs {
			visit(in.producer)
		}
		order = append(order, n)
	}
	for _, v := range dests {
		if v == nil || v.producer == nil {
			exceptions.Panicf("graph %q: TopoSort with nil or producer-less destination", g.name)
		}
		visit(v.producer)
	}
	return order
}

// Compact drops every node and variable not reachable from dests and rebuilds
// the consumer index. The surviving nodes keep their ids and relative order.
func (g *Graph) Compact(dests []*Var) {
	reachable := types.MakeSet[NodeId]()
	for _, n := range g.TopoSort(dests) {
		reachable.Insert(n.id)
	}
	nodes := make([]*Node, 0, len(reachable))
	vars := make(map[VarId]*Var, len(reachable))
	consumers := make(map[VarId][]*Node)
	for _, n := range g.nodes {
		if !reachable.Has(n.id) {
			continue
		}
		nodes = append(nodes, n)
		for _, out := range n.outputs {
			vars[out.id] = out
		}
		for _, in := range n.inputs {
			consumers[in.id] = append(consumers[in.id], n)
		}
	}
	g.nodes = nodes
	g.vars = vars
	g.consumers = consumers
}

// Validate checks internal consistency of the sub-graph reachable from dests:
// every consumed variable must have a live producer in the graph. It returns
// a descriptive error for the first inconsistency found.
func (g *Graph) Validate(dests []*Var) error {
	for _, v := range dests {
		if v == nil {
			return fmt.Errorf("graph %q: nil destination variable", g.name)
		}
		if v.graph != g {
			return fmt.Errorf("graph %q: destination %s belongs to another graph", g.name, v)
		}
	}
	for _, n := range g.TopoSort(dests) {
		for i, in := range n.inputs {
			if g.vars[in.id] != in {
				return fmt.Errorf("graph %q: node %s input #%d (%s) dangling", g.name, n, i, in)
			}
			if in.producer == nil {
				return fmt.Errorf("graph %q: variable %s has no producer", g.name, in)
			}
		}
	}
	return nil
}
