// Copyright 2024-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package goref

import (
	"sync"

	"github.com/gomlx/gopt/backends"
	"github.com/gomlx/gopt/graph"
	"github.com/gomlx/gopt/types/tensors"
)

// identity is the relayout kernel at the logical-shape level: values are
// unchanged, only the layout tag moves. Hardware backends substitute real
// packing kernels here.
func identity(t *tensors.Tensor, _, _ graph.Format) (*tensors.Tensor, error) {
	return t, nil
}

// relayoutPairs are the conversions goref serves. The set mirrors the
// kernels a real deployment ships: to/from the natural layout for every
// packed layout, plus the direct packed-to-packed conversions used on CUDA
// (NCHW4<->NCHW32, NCHW4<->CHWN4) and ARM (NCHW44<->NCHW44_DOT).
var relayoutPairs = [][2]graph.Format{
	{graph.FormatNCHW, graph.FormatNHWC},
	{graph.FormatNCHW, graph.FormatNCHW4},
	{graph.FormatNCHW, graph.FormatNCHW8},
	{graph.FormatNCHW, graph.FormatNCHW32},
	{graph.FormatNCHW, graph.FormatNCHW44},
	{graph.FormatNCHW, graph.FormatNCHW44Dot},
	{graph.FormatNCHW, graph.FormatNCHW64},
	{graph.FormatNCHW, graph.FormatCHWN4},
	{graph.FormatNCHW4, graph.FormatNCHW32},
	{graph.FormatNCHW4, graph.FormatCHWN4},
	{graph.FormatNCHW44, graph.FormatNCHW44Dot},
}

var (
	registryOnce sync.Once
	registry     *backends.RelayoutRegistry
)

// Registry returns the relayout registry of the goref backend. Every pair in
// relayoutPairs is registered in both directions.
func Registry() *backends.RelayoutRegistry {
	registryOnce.Do(func() {
		registry = backends.NewRelayoutRegistry()
		for _, pair := range relayoutPairs {
			registry.Register(pair[0], pair[1], identity)
			registry.Register(pair[1], pair[0], identity)
		}
	})
	return registry
}
