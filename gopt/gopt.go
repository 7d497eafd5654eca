// Copyright 2024-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package gopt is the graph-level inference optimizer: a pipeline of rewrite
// passes that transform a computation graph (package graph) into a
// functionally equivalent but faster and leaner graph for deployment.
//
// The main entry point is OptimizeForInference: it takes the destination
// variables of a graph (the outputs the caller observes) and an option set
// and returns new, order-correspondent destination variables of the
// optimized graph. Custom pipelines can be assembled with NewOptState and
// ApplyPasses.
//
// Passes communicate only through the graph state: each pass reads the
// current graph and produces a rewritten one through the Rewriter. A failure
// in one pass aborts the whole pipeline -- a partially rewritten graph has
// no well defined semantics -- and the returned error names the responsible
// pass.
package gopt

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopt/backends"
	"github.com/gomlx/gopt/backends/goref"
	"github.com/gomlx/gopt/graph"
	"github.com/gomlx/gopt/internal/workerspool"
	"github.com/gomlx/gopt/types/shapes"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Pass is one graph optimization pass.
//
// Apply must be idempotent-safe: running an already applied pass again must
// not corrupt the graph (it is typically a no-op). Passes hold only
// configuration; all mutable state lives in the OptState.
type Pass interface {
	// Name identifies the pass, used in logs and error messages.
	Name() string

	// Apply rewrites the state's graph in place.
	Apply(state *OptState) error
}

// OptState is the mutable optimization context: the current destination
// variable set plus the collaborator contracts the passes consume. It is
// created per optimization invocation and must not be shared across
// invocations; all graph mutation happens on the calling goroutine.
type OptState struct {
	runId string
	g     *graph.Graph
	dests []*graph.Var

	// external contract captured at creation: the dimensions and dtypes the
	// caller observes. Refreshed by RetagEndpoints when a precision lowering
	// pass legitimately changes it.
	endpointShapes []shapes.Shape

	evaluator backends.Evaluator
	relayouts *backends.RelayoutRegistry
	pool      *workerspool.Pool

	precisionLowered bool
	weightPreprocess bool
}

// NewOptState creates the optimization context for the graph owning the
// given destination variables. All destinations must belong to the same
// graph. The state defaults to the goref reference backend for constant
// evaluation and relayout capabilities; override with WithEvaluator and
// WithRelayoutRegistry.
func NewOptState(dests []*graph.Var) (*OptState, error) {
	if len(dests) == 0 {
		return nil, errors.Wrap(ErrGraphInconsistency, "no destination variables given")
	}
	g := dests[0].Graph()
	for _, v := range dests {
		if v == nil || v.Graph() != g {
			return nil, errors.Wrap(ErrGraphInconsistency, "destination variables must belong to one graph")
		}
	}
	if err := g.Validate(dests); err != nil {
		return nil, errors.Wrapf(ErrGraphInconsistency, "%v", err)
	}
	state := &OptState{
		runId:     uuid.NewString(),
		g:         g,
		dests:     append([]*graph.Var(nil), dests...),
		evaluator: goref.Evaluator{},
		relayouts: goref.Registry(),
		pool:      workerspool.New(),
	}
	state.captureEndpointShapes()
	return state, nil
}

func (s *OptState) captureEndpointShapes() {
	s.endpointShapes = make([]shapes.Shape, len(s.dests))
	for i, v := range s.dests {
		s.endpointShapes[i] = v.Shape().Clone()
	}
}

// WithEvaluator replaces the backend used to evaluate constant sub-graphs.
func (s *OptState) WithEvaluator(evaluator backends.Evaluator) *OptState {
	s.evaluator = evaluator
	return s
}

// WithRelayoutRegistry replaces the relayout kernel registry the format
// passes consult.
func (s *OptState) WithRelayoutRegistry(registry *backends.RelayoutRegistry) *OptState {
	s.relayouts = registry
	return s
}

// WithMaxParallelism limits how many constant sub-graphs are evaluated in
// parallel during constant folding. 0 disables parallelism.
func (s *OptState) WithMaxParallelism(n int) *OptState {
	s.pool.SetMaxParallelism(n)
	return s
}

// Graph being optimized.
func (s *OptState) Graph() *graph.Graph { return s.g }

// Destinations returns the current destination variables,
// order-correspondent to the ones the state was created with.
func (s *OptState) Destinations() []*graph.Var {
	return append([]*graph.Var(nil), s.dests...)
}

// isDest reports whether v is one of the current destination variables.
// Destinations stay externally reachable, so a pass must not treat them as
// exclusively-consumed intermediates.
func (s *OptState) isDest(v *graph.Var) bool {
	for _, dest := range s.dests {
		if dest == v {
			return true
		}
	}
	return false
}

// PrecisionLowered reports whether a pass lowered the precision of the
// destination variables (e.g. float16 I/O and compute), so their dtype no
// longer matches the input contract.
func (s *OptState) PrecisionLowered() bool { return s.precisionLowered }

// WeightPreprocess reports whether the optimized graph was marked for
// ahead-of-time weight relayout; backends consume this when building the
// executable.
func (s *OptState) WeightPreprocess() bool { return s.weightPreprocess }

// RetagEndpoints re-captures the external shape/dtype contract after a pass
// deliberately changed it (precision lowering). Only precision conversion
// passes call this.
func (s *OptState) RetagEndpoints() {
	s.precisionLowered = true
	s.captureEndpointShapes()
}

// ApplyPasses runs the passes strictly in the given order over the state.
// The first failing pass aborts the pipeline; the returned error names it.
// Exceptions thrown by graph building surface as errors the same way.
func ApplyPasses(state *OptState, passes ...Pass) error {
	for _, pass := range passes {
		before := state.g.NumNodes()
		err := applyOnePass(state, pass)
		if err != nil {
			return errors.WithMessagef(err, "pass %q", pass.Name())
		}
		if klog.V(1).Enabled() {
			klog.Infof("gopt[%s]: pass %q: %d -> %d nodes", state.runId[:8], pass.Name(), before, state.g.NumNodes())
		}
	}
	return nil
}

func applyOnePass(state *OptState, pass Pass) error {
	err := exceptions.TryCatch[error](func() {
		if err := pass.Apply(state); err != nil {
			panic(err)
		}
	})
	return err
}

// OptimizeForInference applies the predefined optimizer pass pipeline
// selected by opts to the graph owning dests. It assumes all trained
// parameters are Constant nodes.
//
// It returns new destination variables, order-correspondent to dests,
// functionally equivalent to the originals for all real inputs -- modulo the
// numeric re-association of the explicitly requested precision-narrowing
// options.
func OptimizeForInference(dests []*graph.Var, opts OptimizeForInferenceOptions) ([]*graph.Var, error) {
	state, err := NewOptState(dests)
	if err != nil {
		return nil, err
	}
	if err := state.OptimizeForInference(opts); err != nil {
		return nil, err
	}
	return state.Destinations(), nil
}

// OptimizeForInference runs the predefined pipeline on an explicitly
// configured state (custom evaluator, relayout registry or parallelism).
func (s *OptState) OptimizeForInference(opts OptimizeForInferenceOptions) error {
	if err := s.checkPrecision(opts); err != nil {
		return err
	}
	s.weightPreprocess = opts.WeightPreprocess

	passes, err := assemblePipeline(opts, s.relayouts)
	if err != nil {
		return err
	}
	if err := ApplyPasses(s, passes...); err != nil {
		return err
	}
	return s.checkEndpointsPreserved()
}

// assemblePipeline builds the pass sequence OptimizeForInference runs for
// the given options.
func assemblePipeline(opts OptimizeForInferenceOptions, relayouts *backends.RelayoutRegistry) ([]Pass, error) {
	var passes []Pass
	passes = append(passes, ConvertBatchNormToElemwisePass{})
	// Redistribute and fold before fusing: the elementwise chains left by
	// batch normalization must collapse into the weights for the conv+bias
	// patterns to surface.
	passes = append(passes, ParamRedistributePass{}, NewParamFusePass())
	if opts.FuseConvBiasNonlinearity || opts.FuseConvBiasWithZ {
		passes = append(passes, FuseConvBiasNonlinPass{})
	}
	if opts.FuseConvBiasWithZ {
		passes = append(passes, FuseConvBiasZPass{})
	}
	if opts.F16IoF32Comp || opts.F16IoComp {
		passes = append(passes, NewConvertF32ToF16Pass(opts.F16IoF32Comp))
	}
	if opts.FusePreprocess {
		passes = append(passes, FusePreprocessPass{})
	}
	if opts.LayoutTransform != TargetUnspec {
		reformat, err := reformatPassForTarget(opts.LayoutTransform, relayouts)
		if err != nil {
			return nil, err
		}
		passes = append(passes, reformat, ShuffleShuffleRemovePass{})
	}
	// Final cleanup fold: materialize constants produced by the passes above.
	// Not allowed to grow parameters, so float16 storage introduced by the
	// precision passes is not folded back into wider constants.
	passes = append(passes, NewParamFusePass().WithParamGrowLimit(0))
	return passes, nil
}

// PipelinePassNames returns, in order, the names of the passes
// OptimizeForInference would run for the given options, without touching
// any graph.
func PipelinePassNames(opts OptimizeForInferenceOptions) ([]string, error) {
	passes, err := assemblePipeline(opts, goref.Registry())
	if err != nil {
		return nil, err
	}
	names := make([]string, len(passes))
	for i, pass := range passes {
		names[i] = pass.Name()
	}
	return names, nil
}

// LayoutTransform runs only the target-dependent tensor format conversion
// passes over the graph owning dests and returns the new destinations.
func LayoutTransform(dests []*graph.Var, target Target) ([]*graph.Var, error) {
	state, err := NewOptState(dests)
	if err != nil {
		return nil, err
	}
	if target == TargetUnspec {
		return state.Destinations(), nil
	}
	reformat, err := reformatPassForTarget(target, state.relayouts)
	if err != nil {
		return nil, err
	}
	if err := ApplyPasses(state, reformat, ShuffleShuffleRemovePass{}); err != nil {
		return nil, err
	}
	return state.Destinations(), nil
}

// checkPrecision fails fast -- before any mutation -- on dtype combinations
// the precision conversion passes do not handle.
func (s *OptState) checkPrecision(opts OptimizeForInferenceOptions) error {
	if opts.F16IoF32Comp && opts.F16IoComp {
		return errors.Wrap(ErrPrecisionMismatch, "F16IoF32Comp and F16IoComp are mutually exclusive")
	}
	if !opts.F16IoF32Comp && !opts.F16IoComp {
		return nil
	}
	for _, n := range s.g.TopoSort(s.dests) {
		for _, out := range n.Outputs() {
			if out.DType() == dtypes.Float64 {
				return errors.Wrapf(ErrPrecisionMismatch,
					"float16 conversion requested but %s produces %s", n, out.Shape())
			}
		}
	}
	return nil
}

// checkEndpointsPreserved verifies the destination set still honors the
// external contract captured at state creation.
func (s *OptState) checkEndpointsPreserved() error {
	for i, v := range s.dests {
		if v == nil {
			return errors.Wrapf(ErrGraphInconsistency, "destination #%d lost its replacement", i)
		}
		want := s.endpointShapes[i]
		if !v.Shape().Equal(want) {
			return errors.Wrapf(ErrGraphInconsistency,
				"destination #%d changed from %s to %s", i, want, v.Shape())
		}
	}
	return nil
}
