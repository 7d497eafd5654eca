// Copyright 2024-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import "github.com/gomlx/exceptions"

// Format is the physical memory layout of a tensor variable.
//
// The logical shape of a variable is always expressed in NCHW order (see
// shapes.Shape); the Format tag describes how those elements are arranged in
// memory. Relayout operations convert between formats without changing the
// logical value.
type Format int

const (
	// FormatInvalid is the zero Format, not a valid layout.
	FormatInvalid Format = iota

	// FormatNCHW is the default channel-major layout.
	FormatNCHW

	// FormatNHWC is the channel-last layout.
	FormatNHWC

	// FormatNCHW4 packs channels in blocks of 4: N, C/4, H, W, 4.
	FormatNCHW4

	// FormatNCHW8 packs channels in blocks of 8.
	FormatNCHW8

	// FormatNCHW32 packs channels in blocks of 32 (TensorCore friendly).
	FormatNCHW32

	// FormatNCHW44 is the ARM layout packing both input and output channels
	// by 4.
	FormatNCHW44

	// FormatNCHW44Dot is NCHW44 with the weights reordered for the ARMv8.2
	// dot product instructions.
	FormatNCHW44Dot

	// FormatNCHW64 packs channels in blocks of 64, used for int4 inference.
	FormatNCHW64

	// FormatCHWN4 is the batch-last layout with channels packed by 4.
	FormatCHWN4
)

// String implements fmt.Stringer.
func (f Format) String() string {
	switch f {
	case FormatNCHW:
		return "NCHW"
	case FormatNHWC:
		return "NHWC"
	case FormatNCHW4:
		return "NCHW4"
	case FormatNCHW8:
		return "NCHW8"
	case FormatNCHW32:
		return "NCHW32"
	case FormatNCHW44:
		return "NCHW44"
	case FormatNCHW44Dot:
		return "NCHW44_DOT"
	case FormatNCHW64:
		return "NCHW64"
	case FormatCHWN4:
		return "CHWN4"
	}
	return "InvalidFormat"
}

// PackSize returns the channel block size of the layout: 1 for the unpacked
// layouts (NCHW, NHWC).
func (f Format) PackSize() int {
	switch f {
	case FormatNCHW, FormatNHWC:
		return 1
	case FormatNCHW4, FormatNCHW44, FormatNCHW44Dot, FormatCHWN4:
		return 4
	case FormatNCHW8:
		return 8
	case FormatNCHW32:
		return 32
	case FormatNCHW64:
		return 64
	}
	exceptions.Panicf("Format.PackSize: invalid format %d", int(f))
	return 0
}

// IsPacked returns whether the layout packs channels in blocks.
func (f Format) IsPacked() bool { return f.PackSize() > 1 }
