// Copyright 2024-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gopt

// Target is the device family the layout transform optimizes for.
type Target uint32

const (
	// TargetUnspec means no specific device target: layout transform is
	// disabled.
	TargetUnspec Target = iota

	// TargetCUDA refers to Nvidia GPU devices.
	TargetCUDA

	// TargetX86 refers to x86 CPUs.
	TargetX86

	// TargetARM refers to ARM CPUs.
	TargetARM

	// TargetOpenCL usually refers to mobile GPUs.
	TargetOpenCL
)

// String implements fmt.Stringer.
func (t Target) String() string {
	switch t {
	case TargetUnspec:
		return "UNSPEC"
	case TargetCUDA:
		return "CUDA"
	case TargetX86:
		return "X86"
	case TargetARM:
		return "ARM"
	case TargetOpenCL:
		return "OPENCL"
	}
	return "InvalidTarget"
}

// OptimizeForInferenceOptions selects which optimization passes
// OptimizeForInference runs and their parameters.
//
// LayoutTransform doubles as the on/off switch for the tensor format
// conversion passes: TargetUnspec disables them.
type OptimizeForInferenceOptions struct {
	// F16IoF32Comp stores parameters as float16 but computes in float32,
	// inserting dtype conversions at the boundaries.
	F16IoF32Comp bool

	// F16IoComp stores parameters and computes in float16. This lowers the
	// precision of the graph outputs; the result is tagged (see
	// OptState.PrecisionLowered).
	F16IoComp bool

	// FuseConvBiasNonlinearity fuses convolution, bias add and activation
	// into one ConvBias operator.
	FuseConvBiasNonlinearity bool

	// FuseConvBiasWithZ additionally fuses an elementwise residual add into
	// the ConvBias operator. Implies FuseConvBiasNonlinearity.
	FuseConvBiasWithZ bool

	// WeightPreprocess marks the resulting graph for ahead-of-time weight
	// relayout at executable build time. It is a kernel-side concern: the
	// optimizer records the request on the OptState and the backend consumes
	// it; no graph rewrite is involved.
	WeightPreprocess bool

	// FusePreprocess folds dtype and layout conversion chains applied
	// directly to graph inputs into the input contract, so they run once at
	// load time instead of on every inference.
	FusePreprocess bool

	// LayoutTransform enables the target-dependent tensor format conversion
	// passes. TargetUnspec leaves layouts untouched.
	LayoutTransform Target
}

// Serialize packs the option set into a 64-bit value: bits 0-5 hold the six
// boolean flags in field order, bits 32-63 the layout transform target.
func (o OptimizeForInferenceOptions) Serialize() uint64 {
	ret := uint64(o.LayoutTransform) << 32
	if o.F16IoF32Comp {
		ret |= 1
	}
	if o.F16IoComp {
		ret |= 1 << 1
	}
	if o.FuseConvBiasNonlinearity {
		ret |= 1 << 2
	}
	if o.FuseConvBiasWithZ {
		ret |= 1 << 3
	}
	if o.WeightPreprocess {
		ret |= 1 << 4
	}
	if o.FusePreprocess {
		ret |= 1 << 5
	}
	return ret
}

// DeserializeOptions is the exact inverse of Serialize.
func DeserializeOptions(buf uint64) OptimizeForInferenceOptions {
	return OptimizeForInferenceOptions{
		F16IoF32Comp:             buf&1 != 0,
		F16IoComp:                buf&(1<<1) != 0,
		FuseConvBiasNonlinearity: buf&(1<<2) != 0,
		FuseConvBiasWithZ:        buf&(1<<3) != 0,
		WeightPreprocess:         buf&(1<<4) != 0,
		FusePreprocess:           buf&(1<<5) != 0,
		LayoutTransform:          Target(buf >> 32),
	}
}

// The Enable* methods allow fluent construction of an option set:
//
//	opts := (&gopt.OptimizeForInferenceOptions{}).
//		EnableFuseConvBiasNonlinearity().
//		EnableLayoutTransform(gopt.TargetCUDA)

// EnableF16IoF32Comp sets F16IoF32Comp and returns o.
func (o *OptimizeForInferenceOptions) EnableF16IoF32Comp() *OptimizeForInferenceOptions {
	o.F16IoF32Comp = true
	return o
}

// EnableF16IoComp sets F16IoComp and returns o.
func (o *OptimizeForInferenceOptions) EnableF16IoComp() *OptimizeForInferenceOptions {
	o.F16IoComp = true
	return o
}

// EnableFuseConvBiasNonlinearity sets FuseConvBiasNonlinearity and returns o.
func (o *OptimizeForInferenceOptions) EnableFuseConvBiasNonlinearity() *OptimizeForInferenceOptions {
	o.FuseConvBiasNonlinearity = true
	return o
}

// EnableFuseConvBiasWithZ sets FuseConvBiasWithZ (and its prerequisite
// FuseConvBiasNonlinearity) and returns o.
func (o *OptimizeForInferenceOptions) EnableFuseConvBiasWithZ() *OptimizeForInferenceOptions {
	o.FuseConvBiasWithZ = true
	o.FuseConvBiasNonlinearity = true
	return o
}

// EnableWeightPreprocess sets WeightPreprocess and returns o.
func (o *OptimizeForInferenceOptions) EnableWeightPreprocess() *OptimizeForInferenceOptions {
	o.WeightPreprocess = true
	return o
}

// EnableFusePreprocess sets FusePreprocess and returns o.
func (o *OptimizeForInferenceOptions) EnableFusePreprocess() *OptimizeForInferenceOptions {
	o.FusePreprocess = true
	return o
}

// EnableLayoutTransform sets the layout transform target and returns o.
func (o *OptimizeForInferenceOptions) EnableLayoutTransform(target Target) *OptimizeForInferenceOptions {
	o.LayoutTransform = target
	return o
}
