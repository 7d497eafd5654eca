// Copyright 2024-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
)

func TestShape(t *testing.T) {
	invalidShape := Invalid()
	require.False(t, invalidShape.Ok())

	shape0 := Scalar(dtypes.Float64)
	require.True(t, shape0.Ok())
	require.True(t, shape0.IsScalar())
	require.Equal(t, 0, shape0.Rank())
	require.Equal(t, 1, shape0.Size())
	require.Equal(t, 8, int(shape0.Memory()))

	shape1 := Make(dtypes.Float32, 4, 3, 2)
	require.True(t, shape1.Ok())
	require.False(t, shape1.IsScalar())
	require.Equal(t, 3, shape1.Rank())
	require.Equal(t, 4*3*2, shape1.Size())
	require.Equal(t, 4*4*3*2, int(shape1.Memory()))
	require.Equal(t, "(Float32)[4 3 2]", shape1.String())
}

func TestShapeDim(t *testing.T) {
	shape := Make(dtypes.Int32, 2, 8, 5)
	require.Equal(t, 2, shape.Dim(0))
	require.Equal(t, 5, shape.Dim(2))
	require.Equal(t, 5, shape.Dim(-1))
	require.Equal(t, 2, shape.Dim(-3))
	require.Panics(t, func() { shape.Dim(3) })
	require.Panics(t, func() { shape.Dim(-4) })
}

func TestShapeEqual(t *testing.T) {
	a := Make(dtypes.Float32, 2, 3)
	b := Make(dtypes.Float32, 2, 3)
	c := Make(dtypes.Float64, 2, 3)
	d := Make(dtypes.Float32, 3, 2)

	require.True(t, a.Equal(b))
	require.False(t, a.Equal(c))
	require.False(t, a.Equal(d))
	require.True(t, a.EqualDimensions(c))
	require.False(t, a.EqualDimensions(d))
}

func TestShapeCloneIsIndependent(t *testing.T) {
	a := Make(dtypes.Float32, 2, 3)
	b := a.Clone()
	b.Dimensions[0] = 7
	require.Equal(t, 2, a.Dim(0))
	require.Equal(t, 7, b.Dim(0))
}

func TestWithDType(t *testing.T) {
	a := Make(dtypes.Float32, 2, 3)
	b := a.WithDType(dtypes.Float16)
	require.Equal(t, dtypes.Float16, b.DType)
	require.Equal(t, dtypes.Float32, a.DType)
	require.True(t, a.EqualDimensions(b))
}
