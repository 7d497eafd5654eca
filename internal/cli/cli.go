// Copyright 2024-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cli implements the gopt command-line interface.
//
// The CLI drives the inference optimizer from the shell: `optimize` runs
// the full pipeline over a model graph and exports the result as DOT or
// SVG, `passes` prints the pipeline a set of options assembles, and
// `options` converts between the readable TOML form and the packed 64-bit
// form embedded in serialized models.
package cli

import (
	"context"
	"fmt"
	"os"

	charmlog "github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

// SetVersion sets the version information displayed by --version, normally
// injected via ldflags at build time.
func SetVersion(v, c string) {
	version = v
	commit = c
}

// Execute runs the gopt CLI. The logger is attached to the command context
// and honors --verbose.
func Execute(ctx context.Context) error {
	var verbose bool

	root := &cobra.Command{
		Use:          "gopt",
		Short:        "gopt optimizes dataflow graphs for inference",
		Long: `gopt rewrites deep learning dataflow graphs for inference: it folds batch
normalization and constant sub-graphs, fuses convolution/bias/activation
chains, lowers float32 to float16 and converts tensor layouts to the form a
device target prefers.`,
		Version:      version,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := charmlog.InfoLevel
			if verbose {
				level = charmlog.DebugLevel
			}
			cmd.SetContext(withLogger(cmd.Context(), newLogger(os.Stderr, level)))
		},
	}

	root.SetVersionTemplate(fmt.Sprintf("gopt %s (commit %s)\n", version, commit))
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	root.AddCommand(newOptimizeCmd())
	root.AddCommand(newPassesCmd())
	root.AddCommand(newOptionsCmd())

	return root.ExecuteContext(ctx)
}
