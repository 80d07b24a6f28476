package math

/**
 * @brief Splits an affine matrix into translation, rotation and scale.
 * Shear is discarded: the rotation is built from the normalized basis
 * columns. A negative determinant is folded into the x scale.
 *
 * @param mt The matrix to decompose, column by column.
 * @return translation, rotation and scale.
 */
func DecomposeTRS(mt Mat4) (Vec3, Quaternion, Vec3) {
	translation := mt.Translation()
	scale := Vec3{mt.column(0).Length(), mt.column(1).Length(), mt.column(2).Length()}
	if mt.determinant3() < 0 {
		scale.X = -scale.X
	}
	if scale.X == 0 || scale.Y == 0 || scale.Z == 0 {
		return translation, NewQuatIdentity(), scale
	}

	var r [3][3]float32
	sc := [3]float32{scale.X, scale.Y, scale.Z}
	for col := 0; col < 3; col++ {
		for row := 0; row < 3; row++ {
			r[row][col] = mt.Data[col*4+row] / sc[col]
		}
	}
	return translation, quatFromRotation(r), scale
}

func quatFromRotation(r [3][3]float32) Quaternion {
	var q Quaternion
	trace := r[0][0] + r[1][1] + r[2][2]
	switch {
	case trace > 0:
		s := 0.5 / ksqrt(trace+1)
		q.W = 0.25 / s
		q.X = (r[2][1] - r[1][2]) * s
		q.Y = (r[0][2] - r[2][0]) * s
		q.Z = (r[1][0] - r[0][1]) * s
	case r[0][0] > r[1][1] && r[0][0] > r[2][2]:
		s := 2 * ksqrt(1+r[0][0]-r[1][1]-r[2][2])
		q.W = (r[2][1] - r[1][2]) / s
		q.X = 0.25 * s
		q.Y = (r[0][1] + r[1][0]) / s
		q.Z = (r[0][2] + r[2][0]) / s
	case r[1][1] > r[2][2]:
		s := 2 * ksqrt(1+r[1][1]-r[0][0]-r[2][2])
		q.W = (r[0][2] - r[2][0]) / s
		q.X = (r[0][1] + r[1][0]) / s
		q.Y = 0.25 * s
		q.Z = (r[1][2] + r[2][1]) / s
	default:
		s := 2 * ksqrt(1+r[2][2]-r[0][0]-r[1][1])
		q.W = (r[1][0] - r[0][1]) / s
		q.X = (r[0][2] + r[2][0]) / s
		q.Y = (r[1][2] + r[2][1]) / s
		q.Z = 0.25 * s
	}
	return q.Normalize()
}
