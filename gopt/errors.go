// Copyright 2024-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gopt

import "github.com/pkg/errors"

// Error taxonomy of the optimizer. Test with errors.Is; every error returned
// by the pipeline wraps one of these sentinels together with the name of the
// responsible pass.
var (
	// ErrGraphInconsistency means a rewrite produced a broken graph: a cycle,
	// or a destination variable left without a valid replacement. Fatal: the
	// pipeline aborts and no partial result is returned.
	ErrGraphInconsistency = errors.New("graph inconsistency")

	// ErrUnsupportedPattern means a fusion or format rule does not apply to
	// the matched nodes. Always recovered locally: the candidate is skipped
	// and the original sub-graph left untouched. It never aborts a pipeline;
	// it is exported so custom passes can use the same convention.
	ErrUnsupportedPattern = errors.New("unsupported pattern")

	// ErrBudgetExceeded means a constant fold was skipped because the result
	// would exceed the parameter growth limit. Recovered locally.
	ErrBudgetExceeded = errors.New("param growth budget exceeded")

	// ErrPrecisionMismatch means the configuration requests a precision
	// conversion on dtypes the pass does not know how to handle. It is
	// surfaced before any graph mutation takes place.
	ErrPrecisionMismatch = errors.New("precision mismatch")
)
