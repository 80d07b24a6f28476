package scene

import (
	"bytes"
	"encoding/binary"
	"errors"
	"image/color"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/vrstream/engine/assets"
	"github.com/spaghettifunk/vrstream/engine/core"
	"github.com/spaghettifunk/vrstream/engine/gpu"
	"github.com/spaghettifunk/vrstream/engine/gpu/hostmem"
	"github.com/spaghettifunk/vrstream/engine/math"
	"github.com/spaghettifunk/vrstream/engine/systems"
)

func newTestLoader(files assets.MemorySource) (*Loader, *hostmem.Device) {
	dev := hostmem.NewDevice()
	cfg := core.DefaultLoaderConfig()
	cfg.Debug = true
	return NewLoader(dev, files, cfg), dev
}

func deviceBytes(t *testing.T, b *gpu.SharedBuffer) []byte {
	t.Helper()
	require.NotNil(t, b)
	hb, ok := b.Buffer.(*hostmem.Buffer)
	require.True(t, ok)
	return hb.Bytes()
}

func readVertex(t *testing.T, data []byte, offset uint64, i int) Vertex {
	t.Helper()
	var v Vertex
	start := offset + uint64(i)*uint64(vertexSize)
	require.NoError(t, binary.Read(bytes.NewReader(data[start:start+uint64(vertexSize)]), binary.LittleEndian, &v))
	return v
}

func TestLoadMissingAttributesAreZero(t *testing.T) {
	b := newDocBuilder(t)
	pos := b.addPositions(10)
	mesh := b.addMesh(gltfPrimitive{Attributes: map[string]int{"POSITION": pos}})
	b.addNode(gltfNode{Name: "cube", Mesh: ptr(mesh)})

	loader, _ := newTestLoader(assets.MemorySource{"scene.gltf": b.json()})
	s, err := loader.Load("scene.gltf")
	require.NoError(t, err)
	defer s.Destroy()

	require.Len(t, s.Meshes, 1)
	p := s.Meshes[0].Primitives[0]
	assert.Equal(t, uint32(10), p.VertexCount)
	assert.False(t, p.Indexed)
	assert.Equal(t, gpu.TopologyTriangleList, p.Topology)
	assert.Equal(t, gpu.CullModeBack, p.CullMode)
	assert.Equal(t, gpu.FrontFaceClockwise, p.FrontFace)

	data := deviceBytes(t, s.Meshes[0].Buffer)
	for i := 0; i < 10; i++ {
		v := readVertex(t, data, p.VertexOffset, i)
		assert.Equal(t, math.Vec3{X: float32(i), Y: float32(2 * i), Z: float32(3 * i)}, v.Position)
		assert.Equal(t, math.Vec4{}, v.Color)
		assert.Equal(t, math.Vec3{}, v.Normal)
	}
}

func TestLoadVertexCountIsLargestAccessor(t *testing.T) {
	b := newDocBuilder(t)
	pos := b.addPositions(3)
	colors := b.addAccessor([]uint8{255, 0, 0, 255, 0, 255, 0, 255, 0, 0, 255, 255, 255, 255, 255, 255, 0, 0, 0, 0}, gltfComponentTypeUnsignedByte, gltfAccessorTypeVec4, 5)
	b.doc.Accessors[colors].Normalized = true
	uv := b.addAccessor([]float32{0.5, 0.25}, gltfComponentTypeFloat, gltfAccessorTypeVec2, 1)
	mesh := b.addMesh(gltfPrimitive{Attributes: map[string]int{"POSITION": pos, "COLOR_0": colors, "TEXCOORD_1": uv}})
	b.addNode(gltfNode{Mesh: ptr(mesh)})

	loader, _ := newTestLoader(assets.MemorySource{"scene.gltf": b.json()})
	s, err := loader.Load("scene.gltf")
	require.NoError(t, err)
	defer s.Destroy()

	p := s.Meshes[0].Primitives[0]
	require.Equal(t, uint32(5), p.VertexCount)
	data := deviceBytes(t, s.Meshes[0].Buffer)

	v0 := readVertex(t, data, p.VertexOffset, 0)
	assert.Equal(t, math.Vec4{X: 1, Y: 0, Z: 0, W: 1}, v0.Color)
	assert.Equal(t, math.Vec2{X: 0.5, Y: 0.25}, v0.Texcoord[1])
	assert.Equal(t, math.Vec2{}, v0.Texcoord[0])

	v4 := readVertex(t, data, p.VertexOffset, 4)
	assert.Equal(t, math.Vec3{}, v4.Position)
	assert.Equal(t, math.Vec4{}, v4.Color)
}

func TestLoadIndices(t *testing.T) {
	b := newDocBuilder(t)
	pos := b.addPositions(3)
	idx8 := b.addAccessor([]uint8{0, 1, 2}, gltfComponentTypeUnsignedByte, gltfAccessorTypeScalar, 3)
	idx16 := b.addAccessor([]int16{2, 1, 0}, gltfComponentTypeShort, gltfAccessorTypeScalar, 3)
	idx32 := b.addAccessor([]uint32{1, 2, 0}, gltfComponentTypeUnsignedInt, gltfAccessorTypeScalar, 3)
	mesh := b.addMesh(
		gltfPrimitive{Attributes: map[string]int{"POSITION": pos}, Indices: ptr(idx8)},
		gltfPrimitive{Attributes: map[string]int{"POSITION": pos}, Indices: ptr(idx16), Mode: ptr(gltfPrimitiveModeTriangleStrip)},
		gltfPrimitive{Attributes: map[string]int{"POSITION": pos}, Indices: ptr(idx32), Mode: ptr(gltfPrimitiveModePoints)},
	)
	b.addNode(gltfNode{Mesh: ptr(mesh)})

	loader, _ := newTestLoader(assets.MemorySource{"scene.gltf": b.json()})
	s, err := loader.Load("scene.gltf")
	require.NoError(t, err)
	defer s.Destroy()

	prims := s.Meshes[0].Primitives
	data := deviceBytes(t, s.Meshes[0].Buffer)

	assert.Equal(t, gpu.IndexTypeUint8, prims[0].IndexType)
	assert.Equal(t, []byte{0, 1, 2}, data[prims[0].IndexOffset:prims[0].IndexOffset+3])

	assert.Equal(t, gpu.IndexTypeUint16, prims[1].IndexType)
	assert.Equal(t, gpu.TopologyTriangleStrip, prims[1].Topology)
	assert.Equal(t, uint16(2), binary.LittleEndian.Uint16(data[prims[1].IndexOffset:]))

	assert.Equal(t, gpu.IndexTypeUint32, prims[2].IndexType)
	assert.Equal(t, gpu.TopologyPointList, prims[2].Topology)
	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(data[prims[2].IndexOffset:]))
	for _, p := range prims {
		assert.True(t, p.Indexed)
		assert.Equal(t, uint32(3), p.IndexCount)
	}
}

func TestLoadRejectsFloatIndices(t *testing.T) {
	b := newDocBuilder(t)
	pos := b.addPositions(3)
	idx := b.addAccessor([]float32{0, 1, 2}, gltfComponentTypeFloat, gltfAccessorTypeScalar, 3)
	b.addMesh(gltfPrimitive{Attributes: map[string]int{"POSITION": pos}, Indices: ptr(idx)})

	loader, dev := newTestLoader(assets.MemorySource{"scene.gltf": b.json()})
	_, err := loader.Load("scene.gltf")
	assert.ErrorIs(t, err, ErrInvalidIndexType)

	buffers, images, views := dev.Live()
	assert.Zero(t, buffers+images+views)
}

func TestLoadRejectsLineLoop(t *testing.T) {
	b := newDocBuilder(t)
	pos := b.addPositions(3)
	b.addMesh(gltfPrimitive{Attributes: map[string]int{"POSITION": pos}, Mode: ptr(gltfPrimitiveModeLineLoop)})

	loader, _ := newTestLoader(assets.MemorySource{"scene.gltf": b.json()})
	_, err := loader.Load("scene.gltf")
	assert.ErrorIs(t, err, ErrUnimplemented)
}

func TestLoadRejectsUnknownContainer(t *testing.T) {
	loader, _ := newTestLoader(assets.MemorySource{"scene.gltf": []byte("solid cube\nendsolid")})
	_, err := loader.Load("scene.gltf")
	assert.ErrorIs(t, err, ErrUnrecognizedFileType)
}

func TestLoadGLB(t *testing.T) {
	b := newDocBuilder(t)
	pos := b.addPositions(4)
	mesh := b.addMesh(gltfPrimitive{Attributes: map[string]int{"POSITION": pos}})
	b.addNode(gltfNode{Name: "glb", Mesh: ptr(mesh), Translation: &[3]float32{1, 2, 3}})

	loader, _ := newTestLoader(assets.MemorySource{"scene.glb": b.glb()})
	s, err := loader.Load("scene.glb")
	require.NoError(t, err)
	defer s.Destroy()

	require.Len(t, s.Objects, 1)
	assert.Equal(t, math.Vec3{X: 1, Y: 2, Z: 3}, s.Objects[0].Translation)
	assert.Equal(t, uint32(4), s.Meshes[0].Primitives[0].VertexCount)
}

func TestLoadExternalBuffer(t *testing.T) {
	b := newDocBuilder(t)
	pos := b.addPositions(2)
	b.addMesh(gltfPrimitive{Attributes: map[string]int{"POSITION": pos}})
	// The buffer is a file next to the scene.
	b.doc.Buffers = []gltfBuffer{{URI: "geometry.bin", ByteLength: len(b.bin)}}
	data := b.rawJSON()

	loader, _ := newTestLoader(assets.MemorySource{
		"scenes/scene.gltf":   data,
		"scenes/geometry.bin": b.bin,
	})
	s, err := loader.Load("scenes/scene.gltf")
	require.NoError(t, err)
	defer s.Destroy()
	assert.Equal(t, uint32(2), s.Meshes[0].Primitives[0].VertexCount)

	b.doc.Buffers = []gltfBuffer{{URI: "http://example.com/geometry.bin", ByteLength: len(b.bin)}}
	loader, _ = newTestLoader(assets.MemorySource{"scene.gltf": b.rawJSON()})
	_, err = loader.Load("scene.gltf")
	assert.ErrorIs(t, err, assets.ErrNonLocalURI)
}

func TestLoadDecomposesNodeMatrix(t *testing.T) {
	b := newDocBuilder(t)
	m := math.NewMat4TRS(math.NewVec3(4, 5, 6), math.NewQuatFromAxisAngle(math.NewVec3(0, 1, 0), math.DegToRad(90)), math.NewVec3(2, 2, 2))
	b.addNode(gltfNode{Name: "child"})
	b.addNode(gltfNode{Name: "parent", Matrix: &m.Data, Children: []int{0}})

	loader, _ := newTestLoader(assets.MemorySource{"scene.gltf": b.json()})
	s, err := loader.Load("scene.gltf")
	require.NoError(t, err)
	defer s.Destroy()

	require.Len(t, s.Objects, 2)
	assertAncestorsFirst(t, s.Objects)
	assert.Equal(t, "parent", s.Objects[0].Name)
	assert.Equal(t, 0, s.Objects[1].ParentID)

	parent := s.Objects[0]
	assert.True(t, parent.Translation.Compare(math.NewVec3(4, 5, 6), 1e-4))
	assert.True(t, parent.Scale.Compare(math.NewVec3(2, 2, 2), 1e-4))
	assert.True(t, parent.Rotation.Compare(math.NewQuatFromAxisAngle(math.NewVec3(0, 1, 0), math.DegToRad(90)), 1e-4))
	assert.Equal(t, math.NewQuatIdentity(), s.Objects[1].Rotation)
	assert.Equal(t, math.NewVec3One(), s.Objects[1].Scale)
	assert.Equal(t, math.NewVec3Zero(), s.Objects[1].Translation)
}

func TestLoadDebugValidation(t *testing.T) {
	b := newDocBuilder(t)
	b.addNode(gltfNode{Mesh: ptr(3)})

	loader, _ := newTestLoader(assets.MemorySource{"scene.gltf": b.json()})
	_, err := loader.Load("scene.gltf")
	assert.ErrorIs(t, err, ErrInvalidDocument)

	b = newDocBuilder(t)
	b.addNode(gltfNode{Children: []int{1}})
	b.addNode(gltfNode{Children: []int{0}})
	loader, _ = newTestLoader(assets.MemorySource{"scene.gltf": b.json()})
	_, err = loader.Load("scene.gltf")
	assert.ErrorIs(t, err, ErrSceneGraphCycle)
}

func TestLoadMaterialOffsetsRoundTrip(t *testing.T) {
	b := newDocBuilder(t)
	red := b.addTexture(b.addImage(pngBytes(t, 4, 4, color.RGBA{R: 255, A: 255}), assets.MimePNG))
	// No declared type: sniffed from the content.
	green := b.addTexture(b.addImage(pngBytes(t, 2, 2, color.RGBA{G: 255, A: 255}), ""))

	b.doc.Materials = []gltfMaterial{
		{Name: "plain"},
		{
			Name: "base-color",
			PbrMetallicRoughness: &gltfPbrMetallicRoughness{
				BaseColorFactor:  &[4]float32{0.5, 0.25, 0.125, 1},
				BaseColorTexture: &gltfTextureInfo{Index: red, TexCoord: 1},
				MetallicFactor:   ptr(float32(0.3)),
			},
			EmissiveFactor: &[3]float32{1, 0.5, 0},
		},
		{
			Name:             "normal-occlusion",
			NormalTexture:    &gltfNormalTextureInfo{gltfTextureInfo: gltfTextureInfo{Index: green}, Scale: ptr(float32(0.75))},
			OcclusionTexture: &gltfOcclusionTextureInfo{gltfTextureInfo: gltfTextureInfo{Index: green, TexCoord: 1}},
			PbrMetallicRoughness: &gltfPbrMetallicRoughness{
				RoughnessFactor:          ptr(float32(0.6)),
				MetallicRoughnessTexture: &gltfTextureInfo{Index: red},
			},
		},
	}
	pos := b.addPositions(3)
	b.addMesh(gltfPrimitive{Attributes: map[string]int{"POSITION": pos}, Material: ptr(1)})

	loader, dev := newTestLoader(assets.MemorySource{"scene.gltf": b.json()})
	s, err := loader.Load("scene.gltf")
	require.NoError(t, err)

	require.Len(t, s.Materials, 3)
	assert.Same(t, s.Materials[1], s.Meshes[0].Primitives[0].Material)

	size := uint64(binary.Size(MaterialData{}))
	data := deviceBytes(t, s.Materials[0].Buffer)
	for i, m := range s.Materials {
		assert.Zero(t, m.Offset%dev.Limits().MinUniformBufferOffsetAlignment, "material %d", i)
		if i > 0 {
			assert.GreaterOrEqual(t, m.Offset, s.Materials[i-1].Offset+size)
		}
		var got MaterialData
		require.NoError(t, binary.Read(bytes.NewReader(data[m.Offset:m.Offset+size]), binary.LittleEndian, &got))
		assert.Equal(t, m.Data, got, "material %d", i)
	}

	plain := s.Materials[0].Data
	assert.Equal(t, math.Vec4{X: 1, Y: 1, Z: 1, W: 1}, plain.BaseColorFactor)
	assert.Equal(t, float32(1), plain.MetallicFactor)

	base := s.Materials[1]
	assert.Equal(t, math.Vec4{X: 0.5, Y: 0.25, Z: 0.125, W: 1}, base.Data.BaseColorFactor)
	assert.Equal(t, math.Vec4{X: 1, Y: 0.5}, base.Data.BaseEmissiveFactor)
	assert.Equal(t, float32(0.3), base.Data.MetallicFactor)
	assert.Equal(t, uint32(1), base.Data.BaseColorTexcoord)
	require.NotNil(t, base.BaseColorTexture)

	no := s.Materials[2]
	assert.Equal(t, float32(0.75), no.Data.NormalScale)
	assert.Equal(t, float32(1), no.Data.OcclusionStrength)
	assert.Equal(t, uint32(1), no.Data.OcclusionTexcoord)
	assert.Same(t, no.NormalTexture, no.OcclusionTexture)
	assert.Same(t, base.BaseColorTexture, no.MetallicRoughnessTexture)

	// The red image is sampled as a base color, the green one only as data.
	assert.Equal(t, gpu.FormatR8G8B8A8Srgb, base.BaseColorTexture.View().Image().Format())
	assert.Equal(t, gpu.FormatR8G8B8A8Unorm, no.NormalTexture.View().Image().Format())
	assert.Equal(t, uint32(3), base.BaseColorTexture.Image.Image().MipLevels())

	redImage := base.BaseColorTexture.View().Image().(*hostmem.Image)
	assert.Equal(t, gpu.ImageLayoutShaderReadOnly, redImage.Layout(0))
	assert.Equal(t, []byte{255, 0, 0, 255}, redImage.Level(0, 0)[:4])

	s.Destroy()
	buffers, images, views := dev.Live()
	assert.Zero(t, buffers, "buffers")
	assert.Zero(t, images, "images")
	assert.Zero(t, views, "views")
}

func TestLoadRejectsUnsupportedImageFormats(t *testing.T) {
	ktx2 := append([]byte{0xAB, 0x4B, 0x54, 0x58, 0x20, 0x32, 0x30, 0xBB, 0x0D, 0x0A, 0x1A, 0x0A}, make([]byte, 64)...)

	b := newDocBuilder(t)
	b.addTexture(b.addImage(pngBytes(t, 2, 2, color.RGBA{A: 255}), assets.MimePNG))
	b.addTexture(b.addImage(ktx2, ""))

	loader, dev := newTestLoader(assets.MemorySource{"scene.gltf": b.json()})
	_, err := loader.Load("scene.gltf")
	assert.ErrorIs(t, err, ErrImageFormatNotImplemented)

	buffers, images, views := dev.Live()
	assert.Zero(t, buffers+images+views)

	b = newDocBuilder(t)
	b.addImage([]byte("not an image at all"), "")
	loader, _ = newTestLoader(assets.MemorySource{"scene.gltf": b.json()})
	_, err = loader.Load("scene.gltf")
	assert.ErrorIs(t, err, ErrImageFormatNotImplemented)
}

func TestLoadPipelinesImagesWithJobs(t *testing.T) {
	const count = 7

	b := newDocBuilder(t)
	for i := 0; i < count; i++ {
		b.addTexture(b.addImage(pngBytes(t, 8, 8, color.RGBA{R: uint8(i * 30), A: 255}), assets.MimePNG))
	}

	jobs, err := systems.NewJobSystem(3, 4)
	require.NoError(t, err)
	defer jobs.Shutdown()

	loader, dev := newTestLoader(assets.MemorySource{"scene.gltf": b.json()})
	loader.Config.ImagesInFlight = 2
	loader.Config.FenceTimeout = core.Duration{Duration: time.Second}
	loader.Jobs = jobs
	var progress []int
	loader.OnImageLoaded = func(done, total int) {
		assert.Equal(t, count, total)
		progress = append(progress, done)
	}

	s, err := loader.Load("scene.gltf")
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7}, progress)
	require.Len(t, s.Textures, count)
	for i, tex := range s.Textures {
		img := tex.View().Image().(*hostmem.Image)
		assert.Equal(t, uint8(i*30), img.Level(0, 0)[0], "texture %d", i)
		assert.Equal(t, int32(1), tex.Image.Refs())
	}
	assert.Equal(t, count, dev.Submits())

	s.Destroy()
	buffers, images, views := dev.Live()
	assert.Zero(t, buffers+images+views)
}

func TestLoadRejectsOversizedAccessor(t *testing.T) {
	b := newDocBuilder(t)
	b.doc.Accessors = append(b.doc.Accessors, gltfAccessor{
		ComponentType: gltfComponentTypeFloat,
		Type:          gltfAccessorTypeVec3,
		Count:         4_000_000_000_000,
	})
	pos := len(b.doc.Accessors) - 1
	b.addNode(gltfNode{Mesh: ptr(b.addMesh(gltfPrimitive{Attributes: map[string]int{"POSITION": pos}}))})

	loader, dev := newTestLoader(assets.MemorySource{"scene.gltf": b.json()})
	_, err := loader.Load("scene.gltf")
	assert.ErrorIs(t, err, ErrInvalidAccessor)

	buffers, images, views := dev.Live()
	assert.Zero(t, buffers+images+views)
}

type fenceCall struct {
	op     string
	fences []gpu.Fence
}

// fenceLog records the fence traffic of a device and optionally fails the
// submission with index failAt.
type fenceLog struct {
	*hostmem.Device
	calls   []fenceCall
	submits int
	failAt  int
}

var errSubmitRejected = errors.New("submit rejected")

func (f *fenceLog) Submit(cb gpu.CommandBuffer, fence gpu.Fence) error {
	f.calls = append(f.calls, fenceCall{"submit", []gpu.Fence{fence}})
	f.submits++
	if f.submits-1 == f.failAt {
		return errSubmitRejected
	}
	return f.Device.Submit(cb, fence)
}

func (f *fenceLog) WaitForFences(timeout time.Duration, fences ...gpu.Fence) error {
	f.calls = append(f.calls, fenceCall{"wait", fences})
	return f.Device.WaitForFences(timeout, fences...)
}

func (f *fenceLog) ResetFences(fences ...gpu.Fence) error {
	f.calls = append(f.calls, fenceCall{"reset", fences})
	return f.Device.ResetFences(fences...)
}

func imageScene(t *testing.T, count int) []byte {
	b := newDocBuilder(t)
	for i := 0; i < count; i++ {
		b.addTexture(b.addImage(pngBytes(t, 4, 4, color.RGBA{G: uint8(i), A: 255}), assets.MimePNG))
	}
	return b.json()
}

func TestLoadWaitsOnFenceOfEarlierRound(t *testing.T) {
	const count, inFlight = 6, 2

	dev := &fenceLog{Device: hostmem.NewDevice(), failAt: -1}
	cfg := core.DefaultLoaderConfig()
	cfg.ImagesInFlight = inFlight
	loader := NewLoader(dev, assets.MemorySource{"scene.gltf": imageScene(t, count)}, cfg)

	s, err := loader.Load("scene.gltf")
	require.NoError(t, err)
	defer s.Destroy()

	// The wait issued before each submission, and the submitted fences.
	var waited, submitted []gpu.Fence
	var last fenceCall
	for _, c := range dev.calls {
		switch c.op {
		case "wait":
			last = c
		case "reset":
			require.Equal(t, "wait", last.op)
			require.Len(t, c.fences, 1)
			assert.Same(t, last.fences[0], c.fences[0])
		case "submit":
			require.Len(t, last.fences, 1)
			waited = append(waited, last.fences[0])
			submitted = append(submitted, c.fences[0])
		}
	}
	require.Len(t, submitted, count)
	for i := inFlight; i < count; i++ {
		assert.Same(t, submitted[i-inFlight], waited[i], "upload %d", i)
	}
	for i := 0; i < inFlight; i++ {
		for j := 0; j < i; j++ {
			assert.NotSame(t, submitted[j], submitted[i], "upload %d", i)
		}
	}

	final := dev.calls[len(dev.calls)-1]
	assert.Equal(t, "wait", final.op)
	assert.Len(t, final.fences, inFlight)
}

func TestLoadSkipsFenceOfFailedSubmit(t *testing.T) {
	dev := &fenceLog{Device: hostmem.NewDevice(), failAt: 2}
	cfg := core.DefaultLoaderConfig()
	cfg.ImagesInFlight = 2
	loader := NewLoader(dev, assets.MemorySource{"scene.gltf": imageScene(t, 4)}, cfg)

	_, err := loader.Load("scene.gltf")
	require.ErrorIs(t, err, errSubmitRejected)
	assert.NotErrorIs(t, err, core.ErrFenceTimeout)

	var failed gpu.Fence
	submits := 0
	for i, c := range dev.calls {
		if c.op == "submit" {
			if submits == 2 {
				failed = c.fences[0]
				for _, later := range dev.calls[i+1:] {
					if later.op != "wait" {
						continue
					}
					for _, f := range later.fences {
						assert.NotSame(t, failed, f)
					}
				}
			}
			submits++
		}
	}
	require.NotNil(t, failed)

	buffers, images, views := dev.Live()
	assert.Zero(t, buffers+images+views)
}
