package scene

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T {
	return &v
}

// docBuilder assembles a glTF document whose single buffer is embedded as a data URI.
type docBuilder struct {
	t   *testing.T
	doc gltfDocument
	bin []byte
}

func newDocBuilder(t *testing.T) *docBuilder {
	return &docBuilder{t: t, doc: gltfDocument{Asset: gltfAssetInfo{Version: "2.0"}}}
}

func (b *docBuilder) addView(data []byte, stride int) int {
	for len(b.bin)%4 != 0 {
		b.bin = append(b.bin, 0)
	}
	view := gltfBufferView{Buffer: 0, ByteOffset: len(b.bin), ByteLength: len(data)}
	if stride > 0 {
		view.ByteStride = ptr(stride)
	}
	b.bin = append(b.bin, data...)
	b.doc.BufferViews = append(b.doc.BufferViews, view)
	return len(b.doc.BufferViews) - 1
}

func (b *docBuilder) addAccessor(values any, componentType int, typ string, count int) int {
	var buf bytes.Buffer
	require.NoError(b.t, binary.Write(&buf, binary.LittleEndian, values))
	view := b.addView(buf.Bytes(), 0)
	b.doc.Accessors = append(b.doc.Accessors, gltfAccessor{
		BufferView:    ptr(view),
		ComponentType: componentType,
		Type:          typ,
		Count:         count,
	})
	return len(b.doc.Accessors) - 1
}

func (b *docBuilder) addPositions(n int) int {
	positions := make([]float32, 0, 3*n)
	for i := 0; i < n; i++ {
		positions = append(positions, float32(i), float32(2*i), float32(3*i))
	}
	return b.addAccessor(positions, gltfComponentTypeFloat, gltfAccessorTypeVec3, n)
}

// addImage embeds data through a buffer view and returns the image index.
func (b *docBuilder) addImage(data []byte, mime string) int {
	view := b.addView(data, 0)
	b.doc.Images = append(b.doc.Images, gltfImage{BufferView: ptr(view), MimeType: mime})
	return len(b.doc.Images) - 1
}

func (b *docBuilder) addTexture(img int) int {
	b.doc.Textures = append(b.doc.Textures, gltfTexture{Source: ptr(img)})
	return len(b.doc.Textures) - 1
}

func (b *docBuilder) addMesh(primitives ...gltfPrimitive) int {
	b.doc.Meshes = append(b.doc.Meshes, gltfMesh{Primitives: primitives})
	return len(b.doc.Meshes) - 1
}

func (b *docBuilder) addNode(n gltfNode) int {
	b.doc.Nodes = append(b.doc.Nodes, n)
	return len(b.doc.Nodes) - 1
}

func (b *docBuilder) json() []byte {
	doc := b.doc
	if len(b.bin) > 0 {
		doc.Buffers = []gltfBuffer{{
			URI:        "data:application/octet-stream;base64," + base64.StdEncoding.EncodeToString(b.bin),
			ByteLength: len(b.bin),
		}}
	}
	data, err := json.Marshal(doc)
	require.NoError(b.t, err)
	return data
}

// rawJSON marshals the document with its buffers as they are.
func (b *docBuilder) rawJSON() []byte {
	data, err := json.Marshal(b.doc)
	require.NoError(b.t, err)
	return data
}

// glb packs the document with its buffer as the BIN chunk.
func (b *docBuilder) glb() []byte {
	doc := b.doc
	bin := append([]byte(nil), b.bin...)
	for len(bin)%4 != 0 {
		bin = append(bin, 0)
	}
	doc.Buffers = []gltfBuffer{{ByteLength: len(b.bin)}}
	jsonData, err := json.Marshal(doc)
	require.NoError(b.t, err)
	for len(jsonData)%4 != 0 {
		jsonData = append(jsonData, ' ')
	}

	var out bytes.Buffer
	total := glbHeaderSize + 8 + len(jsonData) + 8 + len(bin)
	require.NoError(b.t, binary.Write(&out, binary.LittleEndian, glbHeader{Magic: glbMagic, Version: glbVersion, Length: uint32(total)}))
	require.NoError(b.t, binary.Write(&out, binary.LittleEndian, glbChunkHeader{Length: uint32(len(jsonData)), Type: glbChunkJSON}))
	out.Write(jsonData)
	require.NoError(b.t, binary.Write(&out, binary.LittleEndian, glbChunkHeader{Length: uint32(len(bin)), Type: glbChunkBIN}))
	out.Write(bin)
	return out.Bytes()
}

func pngBytes(t *testing.T, w, h int, c color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}
