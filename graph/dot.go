// Copyright 2024-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-graphviz"
)

// ToDOT returns a Graphviz DOT representation of the sub-graph reachable
// from dests. Destination variables are drawn as doubly-circled sinks.
//
// The DOT output can be rendered with the Graphviz tools (dot, neato, ...)
// or programmatically with RenderSVG.
func (g *Graph) ToDOT(dests []*Var) string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "digraph %q {\n", g.name)
	buf.WriteString("  rankdir=TB;\n")
	buf.WriteString("  node [fontname=\"Helvetica\", fontsize=11, shape=box, style=\"filled,rounded\", fillcolor=white];\n\n")

	for _, n := range g.TopoSort(dests) {
		label := n.opType.String()
		fillColor := "white"
		switch n.opType {
		case OpTypeParameter:
			label = fmt.Sprintf("%s\\n%s", n.Out().Name(), n.Out().Shape())
			fillColor = "lightblue"
		case OpTypeConstant:
			label = fmt.Sprintf("Constant\\n%s", n.Out().Shape())
			fillColor = "lightgrey"
		case OpTypeRelayout:
			p := n.RelayoutParams()
			label = fmt.Sprintf("Relayout\\n%s to %s", p.From, p.To)
			fillColor = "lightyellow"
		case OpTypeConvBias:
			p := n.ConvBiasParams()
			label = fmt.Sprintf("ConvBias\\n%s", p.Nonlin)
			if p.WithZ {
				label += "+z"
			}
			fillColor = "lightgreen"
		}
		fmt.Fprintf(&buf, "  n%d [label=\"%s\", fillcolor=%q];\n", n.id, label, fillColor)
		for _, in := range n.inputs {
			fmt.Fprintf(&buf, "  n%d -> n%d [label=%q, fontsize=9];\n", in.producer.id, n.id, in.Shape().String())
		}
	}

	buf.WriteString("\n")
	for i, v := range dests {
		fmt.Fprintf(&buf, "  out%d [label=\"output #%d\\n%s\", shape=doublecircle, fillcolor=white];\n", i, i, v.Shape())
		fmt.Fprintf(&buf, "  n%d -> out%d;\n", v.producer.id, i)
	}
	buf.WriteString("}\n")
	return buf.String()
}

// RenderSVG renders the sub-graph reachable from dests as an SVG image,
// using the embedded Graphviz (github.com/goccy/go-graphviz).
func (g *Graph) RenderSVG(ctx context.Context, dests []*Var) ([]byte, error) {
	dot := g.ToDOT(dests)

	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("init graphviz: %w", err)
	}
	defer gv.Close()

	parsed, err := graphviz.ParseBytes([]byte(dot))
	if err != nil {
		return nil, fmt.Errorf("parse DOT: %w", err)
	}
	defer parsed.Close()

	var buf bytes.Buffer
	if err := gv.Render(ctx, parsed, graphviz.SVG, &buf); err != nil {
		return nil, fmt.Errorf("render SVG: %w", err)
	}
	return buf.Bytes(), nil
}
