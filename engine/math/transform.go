package math

// NewTransform returns the identity transform: no translation, identity rotation, unit scale.
func NewTransform() Transform {
	return Transform{
		Translation: NewVec3Zero(),
		Rotation:    NewQuatIdentity(),
		Scale:       NewVec3One(),
	}
}

func TransformFromPositionRotationScale(position Vec3, rotation Quaternion, scale Vec3) Transform {
	return Transform{Translation: position, Rotation: rotation, Scale: scale}
}

// TransformFromMatrix decomposes m. See DecomposeTRS.
func TransformFromMatrix(m Mat4) Transform {
	return TransformFromPositionRotationScale(DecomposeTRS(m))
}

// Matrix returns the local transformation matrix.
func (t Transform) Matrix() Mat4 {
	return NewMat4TRS(t.Translation, t.Rotation, t.Scale)
}

// Compare reports whether both transforms are equal within tolerance.
func (t Transform) Compare(other Transform, tolerance float32) bool {
	return t.Translation.Compare(other.Translation, tolerance) &&
		t.Rotation.Compare(other.Rotation, tolerance) &&
		t.Scale.Compare(other.Scale, tolerance)
}
