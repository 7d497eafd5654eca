// Copyright 2024-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/gomlx/gopt/gopt"
)

type optimizeFlags struct {
	optionsPath string
	packed      uint64

	fuseConvBias   bool
	fuseConvBiasZ  bool
	f16IoF32Comp   bool
	f16IoComp      bool
	weightPrep     bool
	fusePreprocess bool
	layout         string

	dotPath string
	svgPath string
}

// newOptimizeCmd runs the inference pipeline over the built-in demo network
// and reports what changed. Options come from a TOML file, a packed 64-bit
// value or individual flags, in that order of precedence.
func newOptimizeCmd() *cobra.Command {
	var f optimizeFlags

	cmd := &cobra.Command{
		Use:   "optimize",
		Short: "Run the inference optimization pipeline over the demo network",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := f.options()
			if err != nil {
				return err
			}
			return runOptimize(cmd, f, opts)
		},
	}

	cmd.Flags().StringVar(&f.optionsPath, "options", "", "TOML options file")
	cmd.Flags().Uint64Var(&f.packed, "packed", 0, "packed 64-bit options value")
	cmd.Flags().BoolVar(&f.fuseConvBias, "fuse-conv-bias", false, "fuse conv+bias+activation chains")
	cmd.Flags().BoolVar(&f.fuseConvBiasZ, "fuse-conv-bias-z", false, "additionally fuse residual adds into ConvBias")
	cmd.Flags().BoolVar(&f.f16IoF32Comp, "f16-storage", false, "store parameters in float16, compute in float32")
	cmd.Flags().BoolVar(&f.f16IoComp, "f16", false, "store and compute in float16")
	cmd.Flags().BoolVar(&f.weightPrep, "weight-preprocess", false, "mark the graph for ahead-of-time weight relayout")
	cmd.Flags().BoolVar(&f.fusePreprocess, "fuse-preprocess", false, "fold input preprocessing into the input contract")
	cmd.Flags().StringVar(&f.layout, "layout", "", "layout transform target: cuda, x86, arm or opencl")
	cmd.Flags().StringVar(&f.dotPath, "dot", "", "write the optimized graph in DOT form to this file")
	cmd.Flags().StringVar(&f.svgPath, "svg", "", "render the optimized graph as SVG to this file")

	return cmd
}

func (f optimizeFlags) options() (gopt.OptimizeForInferenceOptions, error) {
	if f.optionsPath != "" {
		return loadOptionsFile(f.optionsPath)
	}
	if f.packed != 0 {
		return gopt.DeserializeOptions(f.packed), nil
	}
	target, err := parseTarget(f.layout)
	if err != nil {
		return gopt.OptimizeForInferenceOptions{}, err
	}
	return gopt.OptimizeForInferenceOptions{
		F16IoF32Comp:             f.f16IoF32Comp,
		F16IoComp:                f.f16IoComp,
		FuseConvBiasNonlinearity: f.fuseConvBias || f.fuseConvBiasZ,
		FuseConvBiasWithZ:        f.fuseConvBiasZ,
		WeightPreprocess:         f.weightPrep,
		FusePreprocess:           f.fusePreprocess,
		LayoutTransform:          target,
	}, nil
}

func runOptimize(cmd *cobra.Command, f optimizeFlags, opts gopt.OptimizeForInferenceOptions) error {
	logger := loggerFromContext(cmd.Context())

	dests := demoNetwork()
	g := dests[0].Graph()
	before := g.NumNodes()
	logger.Info("optimizing", "graph", g.Name(), "nodes", before, "options", fmt.Sprintf("%#x", opts.Serialize()))

	start := time.Now()
	state, err := gopt.NewOptState(dests)
	if err != nil {
		return err
	}
	if err := state.OptimizeForInference(opts); err != nil {
		return err
	}
	dests = state.Destinations()
	logger.Info("optimized", "nodes", g.NumNodes(), "removed", before-g.NumNodes(),
		"elapsed", time.Since(start).Round(time.Millisecond))
	if state.PrecisionLowered() {
		logger.Warn("outputs lowered to float16, callers must expect the new dtype")
	}

	for _, v := range dests {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\n", v)
	}

	if f.dotPath != "" {
		if err := writeFile(f.dotPath, []byte(g.ToDOT(dests))); err != nil {
			return err
		}
		logger.Info("wrote DOT", "path", f.dotPath)
	}
	if f.svgPath != "" {
		svg, err := g.RenderSVG(cmd.Context(), dests)
		if err != nil {
			return errors.WithMessage(err, "rendering SVG")
		}
		if err := writeFile(f.svgPath, svg); err != nil {
			return err
		}
		logger.Info("wrote SVG", "path", f.svgPath)
	}
	return nil
}

// newPassesCmd prints the pipeline assembled for a set of options without
// running it.
func newPassesCmd() *cobra.Command {
	var f optimizeFlags

	cmd := &cobra.Command{
		Use:   "passes",
		Short: "Print the passes a set of options assembles",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := f.options()
			if err != nil {
				return err
			}
			names, err := gopt.PipelinePassNames(opts)
			if err != nil {
				return err
			}
			for i, name := range names {
				fmt.Fprintf(cmd.OutOrStdout(), "%2d. %s\n", i+1, name)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&f.optionsPath, "options", "", "TOML options file")
	cmd.Flags().Uint64Var(&f.packed, "packed", 0, "packed 64-bit options value")
	cmd.Flags().BoolVar(&f.fuseConvBias, "fuse-conv-bias", false, "fuse conv+bias+activation chains")
	cmd.Flags().BoolVar(&f.fuseConvBiasZ, "fuse-conv-bias-z", false, "additionally fuse residual adds into ConvBias")
	cmd.Flags().BoolVar(&f.f16IoF32Comp, "f16-storage", false, "store parameters in float16, compute in float32")
	cmd.Flags().BoolVar(&f.f16IoComp, "f16", false, "store and compute in float16")
	cmd.Flags().BoolVar(&f.fusePreprocess, "fuse-preprocess", false, "fold input preprocessing into the input contract")
	cmd.Flags().StringVar(&f.layout, "layout", "", "layout transform target: cuda, x86, arm or opencl")

	return cmd
}
