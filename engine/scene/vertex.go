package scene

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"reflect"
	"strings"

	"github.com/spaghettifunk/vrstream/engine/gpu"
	"github.com/spaghettifunk/vrstream/engine/math"
)

/**
 * @brief The vertex layout of every loaded primitive. Attributes absent from
 * the source keep their zero value.
 */
type Vertex struct {
	Position math.Vec3
	Normal   math.Vec3
	Tangent  math.Vec4
	Texcoord [2]math.Vec2
	Color    math.Vec4
	Joints   [1]math.Vec4
	Weights  [1]math.Vec4
}

var vertexSize = uint32(binary.Size(Vertex{}))

type VertexInputRate uint8

const (
	VERTEX_INPUT_RATE_VERTEX VertexInputRate = iota
	VERTEX_INPUT_RATE_INSTANCE
)

type VertexBinding struct {
	Binding   uint32
	Stride    uint32
	InputRate VertexInputRate
}

type VertexAttribute struct {
	Location uint32
	Binding  uint32
	Format   gpu.Format
	Offset   uint32
}

/**
 * @brief What a pipeline needs to consume Vertex. AttributeNames[i] names
 * Attributes[i]: the lower case field name, suffixed with _<n> for arrays.
 */
type VertexDescription struct {
	Binding        VertexBinding
	Attributes     []VertexAttribute
	AttributeNames []string
}

func attributeFormat(t reflect.Type) gpu.Format {
	switch t {
	case reflect.TypeOf(float32(0)):
		return gpu.FormatR32Sfloat
	case reflect.TypeOf(math.Vec2{}):
		return gpu.FormatR32G32Sfloat
	case reflect.TypeOf(math.Vec3{}):
		return gpu.FormatR32G32B32Sfloat
	case reflect.TypeOf(math.Vec4{}):
		return gpu.FormatR32G32B32A32Sfloat
	}
	return gpu.FormatUndefined
}

// DescribeVertex returns binding 0 with one attribute per Vertex field, or
// per array element, at consecutive locations.
func DescribeVertex() VertexDescription {
	desc := VertexDescription{
		Binding: VertexBinding{
			Binding:   0,
			Stride:    vertexSize,
			InputRate: VERTEX_INPUT_RATE_VERTEX,
		},
	}

	location := uint32(0)
	t := reflect.TypeOf(Vertex{})
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		name := strings.ToLower(field.Name)

		if field.Type.Kind() != reflect.Array {
			desc.Attributes = append(desc.Attributes, VertexAttribute{
				Location: location,
				Format:   attributeFormat(field.Type),
				Offset:   uint32(field.Offset),
			})
			desc.AttributeNames = append(desc.AttributeNames, name)
			location++
			continue
		}

		elem := field.Type.Elem()
		for n := 0; n < field.Type.Len(); n++ {
			desc.Attributes = append(desc.Attributes, VertexAttribute{
				Location: location,
				Format:   attributeFormat(elem),
				Offset:   uint32(field.Offset + uintptr(n)*elem.Size()),
			})
			desc.AttributeNames = append(desc.AttributeNames, fmt.Sprintf("%s_%d", name, n))
			location++
		}
	}
	return desc
}

func encodeVertices(vertices []Vertex) []byte {
	var buf bytes.Buffer
	buf.Grow(len(vertices) * int(vertexSize))
	// Writing to a bytes.Buffer never fails.
	_ = binary.Write(&buf, binary.LittleEndian, vertices)
	return buf.Bytes()
}

func vec2At(r *accessorReader, i int) math.Vec2 {
	return math.Vec2{X: r.Float(i, 0), Y: r.Float(i, 1)}
}

func vec3At(r *accessorReader, i int) math.Vec3 {
	return math.Vec3{X: r.Float(i, 0), Y: r.Float(i, 1), Z: r.Float(i, 2)}
}

// vec4At fills missing components with zero.
func vec4At(r *accessorReader, i int) math.Vec4 {
	return math.Vec4{X: r.Float(i, 0), Y: r.Float(i, 1), Z: r.Float(i, 2), W: r.Float(i, 3)}
}

type attributeReader struct {
	semantic string
	set      func(r *accessorReader, v *Vertex, i int)
}

func vertexAttributeReaders(p *gltfPrimitive) []attributeReader {
	readers := []attributeReader{
		{"POSITION", func(r *accessorReader, v *Vertex, i int) { v.Position = vec3At(r, i) }},
		{"NORMAL", func(r *accessorReader, v *Vertex, i int) { v.Normal = vec3At(r, i) }},
		{"TANGENT", func(r *accessorReader, v *Vertex, i int) { v.Tangent = vec4At(r, i) }},
	}
	for n := 0; n < len(Vertex{}.Texcoord); n++ {
		n := n
		readers = append(readers, attributeReader{fmt.Sprintf("TEXCOORD_%d", n), func(r *accessorReader, v *Vertex, i int) {
			v.Texcoord[n] = vec2At(r, i)
		}})
	}

	color := "COLOR_0"
	if _, ok := p.Attributes[color]; !ok {
		color = "COLOR"
	}
	readers = append(readers, attributeReader{color, func(r *accessorReader, v *Vertex, i int) {
		v.Color = vec4At(r, i)
		if r.components == 3 {
			v.Color.W = 1
		}
	}})

	for n := 0; n < len(Vertex{}.Joints); n++ {
		n := n
		readers = append(readers,
			attributeReader{fmt.Sprintf("JOINTS_%d", n), func(r *accessorReader, v *Vertex, i int) {
				// Joint indices are never normalized.
				v.Joints[n] = math.Vec4{X: float32(r.Uint(i, 0)), Y: float32(r.Uint(i, 1)), Z: float32(r.Uint(i, 2)), W: float32(r.Uint(i, 3))}
			}},
			attributeReader{fmt.Sprintf("WEIGHTS_%d", n), func(r *accessorReader, v *Vertex, i int) {
				v.Weights[n] = vec4At(r, i)
			}},
		)
	}
	return readers
}

/**
 * @brief Reads the vertex attributes of a primitive. The vertex count is the
 * largest accessor count among the attributes read.
 */
func (a *gltfAsset) readVertices(p *gltfPrimitive) ([]Vertex, error) {
	var vertices []Vertex
	for _, attr := range vertexAttributeReaders(p) {
		idx, ok := p.Attributes[attr.semantic]
		if !ok {
			continue
		}
		r, err := a.accessor(idx)
		if err != nil {
			return nil, fmt.Errorf("attribute %s: %w", attr.semantic, err)
		}
		if len(vertices) < r.Count() {
			vertices = append(vertices, make([]Vertex, r.Count()-len(vertices))...)
		}
		for i := 0; i < r.Count(); i++ {
			attr.set(r, &vertices[i], i)
		}
	}
	return vertices, nil
}

func vec4(x, y, z, w float32) math.Vec4 {
	return math.Vec4{X: x, Y: y, Z: z, W: w}
}
