// Copyright 2024-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/exp/maps"

	"github.com/gomlx/gopt/gopt"
)

// optionsFile is the TOML form of gopt.OptimizeForInferenceOptions.
type optionsFile struct {
	F16IoF32Comp             bool   `toml:"f16_io_f32_comp"`
	F16IoComp                bool   `toml:"f16_io_comp"`
	FuseConvBiasNonlinearity bool   `toml:"fuse_conv_bias_nonlinearity"`
	FuseConvBiasWithZ        bool   `toml:"fuse_conv_bias_with_z"`
	WeightPreprocess         bool   `toml:"weight_preprocess"`
	FusePreprocess           bool   `toml:"fuse_preprocess"`
	LayoutTransform          string `toml:"layout_transform"`
}

func (f optionsFile) toOptions() (gopt.OptimizeForInferenceOptions, error) {
	target, err := parseTarget(f.LayoutTransform)
	if err != nil {
		return gopt.OptimizeForInferenceOptions{}, err
	}
	return gopt.OptimizeForInferenceOptions{
		F16IoF32Comp:             f.F16IoF32Comp,
		F16IoComp:                f.F16IoComp,
		FuseConvBiasNonlinearity: f.FuseConvBiasNonlinearity,
		FuseConvBiasWithZ:        f.FuseConvBiasWithZ,
		WeightPreprocess:         f.WeightPreprocess,
		FusePreprocess:           f.FusePreprocess,
		LayoutTransform:          target,
	}, nil
}

func fromOptions(o gopt.OptimizeForInferenceOptions) optionsFile {
	f := optionsFile{
		F16IoF32Comp:             o.F16IoF32Comp,
		F16IoComp:                o.F16IoComp,
		FuseConvBiasNonlinearity: o.FuseConvBiasNonlinearity,
		FuseConvBiasWithZ:        o.FuseConvBiasWithZ,
		WeightPreprocess:         o.WeightPreprocess,
		FusePreprocess:           o.FusePreprocess,
	}
	if o.LayoutTransform != gopt.TargetUnspec {
		f.LayoutTransform = strings.ToLower(o.LayoutTransform.String())
	}
	return f
}

func loadOptionsFile(path string) (gopt.OptimizeForInferenceOptions, error) {
	var f optionsFile
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return gopt.OptimizeForInferenceOptions{}, errors.WithMessagef(err, "reading options from %s", path)
	}
	return f.toOptions()
}

var targetNames = map[string]gopt.Target{
	"unspec": gopt.TargetUnspec,
	"none":   gopt.TargetUnspec,
	"cuda":   gopt.TargetCUDA,
	"x86":    gopt.TargetX86,
	"arm":    gopt.TargetARM,
	"opencl": gopt.TargetOpenCL,
}

func parseTarget(name string) (gopt.Target, error) {
	if name == "" {
		return gopt.TargetUnspec, nil
	}
	target, ok := targetNames[strings.ToLower(name)]
	if !ok {
		known := maps.Keys(targetNames)
		sort.Strings(known)
		return gopt.TargetUnspec, errors.Errorf("unknown layout transform target %q (one of %s)",
			name, strings.Join(known, ", "))
	}
	return target, nil
}

// newOptionsCmd converts between the TOML and the packed 64-bit options
// representations.
func newOptionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "options",
		Short: "Convert optimization options between TOML and packed form",
	}

	encode := &cobra.Command{
		Use:   "encode <options.toml>",
		Short: "Pack a TOML options file into its 64-bit form",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := loadOptionsFile(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%#x\n", opts.Serialize())
			return nil
		},
	}

	decode := &cobra.Command{
		Use:   "decode <packed>",
		Short: "Expand a packed 64-bit options value into TOML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			packed, err := strconv.ParseUint(args[0], 0, 64)
			if err != nil {
				return errors.WithMessagef(err, "parsing packed options %q", args[0])
			}
			opts := gopt.DeserializeOptions(packed)
			enc := toml.NewEncoder(cmd.OutOrStdout())
			must.M(enc.Encode(fromOptions(opts)))
			return nil
		},
	}

	cmd.AddCommand(encode, decode)
	return cmd
}

func writeFile(path string, data []byte) error {
	return errors.WithMessagef(os.WriteFile(path, data, 0o644), "writing %s", path)
}
