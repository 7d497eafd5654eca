// Copyright 2024-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gopt

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/gomlx/gopt/graph"
)

// ConvertF32ToF16Pass lowers float32 precision to float16.
//
// With ioF32Comp set, only storage moves to float16: float32 Parameters and
// Constants are re-declared in float16 and immediately converted back, so
// the arithmetic and the destinations keep their float32 dtype. Without it,
// the leaves are replaced by float16 versions outright and the rewrite
// propagates float16 through the whole graph, changing the dtype of the
// destinations; the pass then re-tags the endpoint contract accordingly.
type ConvertF32ToF16Pass struct {
	ioF32Comp bool
}

// NewConvertF32ToF16Pass returns the float16 lowering pass. ioF32Comp keeps
// the computation in float32 and lowers only parameter and constant
// storage.
func NewConvertF32ToF16Pass(ioF32Comp bool) *ConvertF32ToF16Pass {
	return &ConvertF32ToF16Pass{ioF32Comp: ioF32Comp}
}

// Name implements Pass.
func (p *ConvertF32ToF16Pass) Name() string {
	if p.ioF32Comp {
		return "convert_f16_io_f32_comp"
	}
	return "convert_f16_io_comp"
}

// Apply implements Pass.
func (p *ConvertF32ToF16Pass) Apply(state *OptState) error {
	g := state.Graph()
	rw := state.Rewriter()
	if !p.ioF32Comp {
		// Full lowering legitimately changes the endpoint dtype.
		rw.SetVarReplaceCheck(CheckShape)
	}

	lowered := 0
	for _, n := range g.TopoSort(state.dests) {
		if n.Type() != graph.OpTypeParameter && n.Type() != graph.OpTypeConstant {
			continue
		}
		v := n.Out()
		if v.DType() != dtypes.Float32 {
			continue
		}
		var f16 *graph.Var
		switch n.Type() {
		case graph.OpTypeParameter:
			name := n.ParameterName()
			f16 = g.Parameter(name, v.Shape().WithDType(dtypes.Float16), v.Format())
		case graph.OpTypeConstant:
			value, err := n.ConstantValue().ConvertDType(dtypes.Float16)
			if err != nil {
				return errors.WithMessagef(err, "lowering constant %s to float16", v)
			}
			f16 = g.ConstantWithFormat(value, v.Format())
		default:
			continue
		}
		if p.ioF32Comp {
			rw.Replace(v, g.ConvertDType(f16, dtypes.Float32))
		} else {
			rw.Replace(v, f16)
		}
		lowered++
	}
	if lowered == 0 {
		return nil
	}
	if err := rw.Commit(); err != nil {
		return err
	}
	if !p.ioF32Comp {
		state.RetagEndpoints()
	}
	return nil
}
