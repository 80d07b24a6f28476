package math

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const tolerance = 1e-4

func TestDecomposeTRSRoundTrip(t *testing.T) {
	cases := []Transform{
		NewTransform(),
		TransformFromPositionRotationScale(NewVec3(1, 2, 3), NewQuatFromAxisAngle(NewVec3(0, 1, 0), DegToRad(90)), NewVec3(2, 2, 2)),
		TransformFromPositionRotationScale(NewVec3(-4, 0, 7), NewQuatFromAxisAngle(NewVec3(1, 1, 0), DegToRad(170)), NewVec3(1, 3, 0.5)),
		TransformFromPositionRotationScale(NewVec3(0, 0, 0), NewQuatFromAxisAngle(NewVec3(0, 0, 1), DegToRad(-45)), NewVec3(-1, 1, 1)),
	}
	for _, want := range cases {
		got := TransformFromMatrix(want.Matrix())
		assert.True(t, got.Compare(want, tolerance), "want %+v got %+v", want, got)
	}
}

func TestDecomposeTRSGltfLayout(t *testing.T) {
	// Translation in the last column, as written in a glTF node matrix.
	m := NewMat4FromColumns([16]float32{
		2, 0, 0, 0,
		0, 3, 0, 0,
		0, 0, 4, 0,
		5, 6, 7, 1,
	})
	tr, r, s := DecomposeTRS(m)
	assert.Equal(t, NewVec3(5, 6, 7), tr)
	assert.True(t, r.Compare(NewQuatIdentity(), tolerance))
	assert.Equal(t, NewVec3(2, 3, 4), s)
}

func TestMatrixMulAppliesRightFirst(t *testing.T) {
	tr := NewMat4Translation(NewVec3(1, 0, 0))
	sc := NewMat4Scale(NewVec3(2, 2, 2))
	p := NewVec3(1, 1, 1).Transform(tr.Mul(sc))
	assert.True(t, p.Compare(NewVec3(3, 2, 2), tolerance))
}

func TestQuaternionRotatesPoint(t *testing.T) {
	q := NewQuatFromAxisAngle(NewVec3(0, 0, 1), DegToRad(90))
	p := NewVec3(1, 0, 0).Transform(q.ToMat4())
	assert.True(t, p.Compare(NewVec3(0, 1, 0), tolerance))

	composed := q.Mul(q)
	p = NewVec3(1, 0, 0).Transform(composed.ToMat4())
	assert.True(t, p.Compare(NewVec3(-1, 0, 0), tolerance))
}

func TestAlign(t *testing.T) {
	assert.Equal(t, uint64(256), Align(uint64(1), 256))
	assert.Equal(t, uint64(256), Align(uint64(256), 256))
	assert.Equal(t, uint32(512), Align(uint32(257), 256))
	assert.Equal(t, uint32(17), Align(uint32(17), 0))
	assert.Equal(t, 5, Clamp(9, 0, 5))
}
