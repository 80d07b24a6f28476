package scene

import (
	"encoding/binary"
	"fmt"
	gomath "math"

	"github.com/spaghettifunk/vrstream/engine/math"
)

/**
 * @brief Reads the elements of one accessor, converting components on the fly.
 * An accessor without a buffer view reads as zeros.
 */
type accessorReader struct {
	acc        *gltfAccessor
	data       []byte
	stride     int
	components int
	compSize   int
}

// Upper bound on the element count of one accessor.
const maxAccessorElements = 1 << 24

func componentSize(componentType int) int {
	switch componentType {
	case gltfComponentTypeByte, gltfComponentTypeUnsignedByte:
		return 1
	case gltfComponentTypeShort, gltfComponentTypeUnsignedShort:
		return 2
	case gltfComponentTypeUnsignedInt, gltfComponentTypeFloat:
		return 4
	}
	return 0
}

func componentCount(accessorType string) int {
	switch accessorType {
	case gltfAccessorTypeScalar:
		return 1
	case gltfAccessorTypeVec2:
		return 2
	case gltfAccessorTypeVec3:
		return 3
	case gltfAccessorTypeVec4, gltfAccessorTypeMat2:
		return 4
	case gltfAccessorTypeMat3:
		return 9
	case gltfAccessorTypeMat4:
		return 16
	}
	return 0
}

func (a *gltfAsset) accessor(i int) (*accessorReader, error) {
	if i < 0 || i >= len(a.doc.Accessors) {
		return nil, fmt.Errorf("accessor %d: %w", i, ErrIndexOutOfRange)
	}
	acc := &a.doc.Accessors[i]

	r := &accessorReader{
		acc:        acc,
		components: componentCount(acc.Type),
		compSize:   componentSize(acc.ComponentType),
	}
	if r.components == 0 || r.compSize == 0 || acc.Count < 0 {
		return nil, fmt.Errorf("accessor %d: type %s, component type %d: %w", i, acc.Type, acc.ComponentType, ErrInvalidAccessor)
	}
	if acc.Count > maxAccessorElements {
		return nil, fmt.Errorf("accessor %d: %d elements exceed the limit of %d: %w", i, acc.Count, maxAccessorElements, ErrInvalidAccessor)
	}
	if acc.BufferView == nil {
		return r, nil
	}

	view, err := a.bufferView(*acc.BufferView)
	if err != nil {
		return nil, fmt.Errorf("accessor %d: %w", i, err)
	}
	elemSize := r.components * r.compSize
	r.stride = elemSize
	if s := a.doc.BufferViews[*acc.BufferView].ByteStride; s != nil && *s > 0 {
		r.stride = *s
	}
	if acc.ByteOffset < 0 || acc.ByteOffset > len(view) {
		return nil, fmt.Errorf("accessor %d: offset %d outside a %d byte view: %w", i, acc.ByteOffset, len(view), ErrIndexOutOfRange)
	}
	// Compare element counts so a huge count cannot overflow the byte range.
	if acc.Count > 0 {
		avail := len(view) - acc.ByteOffset
		fits := 0
		if avail >= elemSize {
			fits = (avail-elemSize)/r.stride + 1
		}
		if acc.Count > fits {
			return nil, fmt.Errorf("accessor %d: %d elements, only %d fit in a %d byte view: %w", i, acc.Count, fits, len(view), ErrIndexOutOfRange)
		}
	}
	r.data = view[min(acc.ByteOffset, len(view)):]
	return r, nil
}

func (r *accessorReader) Count() int {
	return r.acc.Count
}

func (r *accessorReader) offset(elem, comp int) int {
	return elem*r.stride + comp*r.compSize
}

// Float returns component comp of element elem. Normalized integers map to
// [0, 1] or [-1, 1], other integers convert as is.
func (r *accessorReader) Float(elem, comp int) float32 {
	if r.data == nil || comp >= r.components {
		return 0
	}
	b := r.data[r.offset(elem, comp):]
	norm := r.acc.Normalized
	switch r.acc.ComponentType {
	case gltfComponentTypeFloat:
		return gomath.Float32frombits(binary.LittleEndian.Uint32(b))
	case gltfComponentTypeByte:
		v := float32(int8(b[0]))
		if norm {
			return math.Clamp(v/127, -1, 1)
		}
		return v
	case gltfComponentTypeUnsignedByte:
		v := float32(b[0])
		if norm {
			return v / 255
		}
		return v
	case gltfComponentTypeShort:
		v := float32(int16(binary.LittleEndian.Uint16(b)))
		if norm {
			return math.Clamp(v/32767, -1, 1)
		}
		return v
	case gltfComponentTypeUnsignedShort:
		v := float32(binary.LittleEndian.Uint16(b))
		if norm {
			return v / 65535
		}
		return v
	case gltfComponentTypeUnsignedInt:
		return float32(binary.LittleEndian.Uint32(b))
	}
	return 0
}

// Uint returns component comp of element elem as an unsigned integer.
func (r *accessorReader) Uint(elem, comp int) uint32 {
	if r.data == nil || comp >= r.components {
		return 0
	}
	b := r.data[r.offset(elem, comp):]
	switch r.acc.ComponentType {
	case gltfComponentTypeByte, gltfComponentTypeUnsignedByte:
		return uint32(b[0])
	case gltfComponentTypeShort, gltfComponentTypeUnsignedShort:
		return uint32(binary.LittleEndian.Uint16(b))
	case gltfComponentTypeUnsignedInt:
		return binary.LittleEndian.Uint32(b)
	case gltfComponentTypeFloat:
		return uint32(gomath.Float32frombits(binary.LittleEndian.Uint32(b)))
	}
	return 0
}
