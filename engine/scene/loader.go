package scene

import (
	"fmt"
	"time"

	"github.com/spaghettifunk/vrstream/engine/assets"
	"github.com/spaghettifunk/vrstream/engine/core"
	"github.com/spaghettifunk/vrstream/engine/gpu"
	"github.com/spaghettifunk/vrstream/engine/systems"
)

/**
 * @brief Loads glTF scenes into device memory.
 */
type Loader struct {
	Device gpu.Device
	Assets assets.Source
	Config core.LoaderConfig
	// Copied into every loaded material before the glTF values are applied.
	DefaultMaterial *Material
	// Runs image decoding ahead of the uploads when set.
	Jobs *systems.JobSystem
	// Defaults to assets.StdImageDecoder.
	Decoder assets.ImageDecoder
	// Called after each image upload is submitted.
	OnImageLoaded func(done, total int)
}

func NewLoader(dev gpu.Device, src assets.Source, cfg core.LoaderConfig) *Loader {
	return &Loader{
		Device:          dev,
		Assets:          src,
		Config:          cfg,
		DefaultMaterial: NewDefaultMaterial(),
	}
}

func (l *Loader) decoder() assets.ImageDecoder {
	if l.Decoder == nil {
		return assets.StdImageDecoder{}
	}
	return l.Decoder
}

// loaderContext holds the state of one Load call.
type loaderContext struct {
	loader *Loader
	asset  *gltfAsset
}

/**
 * @brief Loads the scene at path. Either the whole scene is loaded, with its
 * geometry and materials in a single device local buffer, or nothing is.
 */
func (l *Loader) Load(path string) (*SceneData, error) {
	start := time.Now()

	data, err := l.Assets.ReadFile(path)
	if err != nil {
		err = fmt.Errorf("failed to read scene %s: %w", path, err)
		core.LogError(err.Error())
		return nil, err
	}
	asset, err := parseAsset(l.Assets, path, data)
	if err != nil {
		core.LogError(err.Error())
		return nil, err
	}
	logDocument(asset)

	if l.Config.Debug {
		if err := validateDocument(asset.doc); err != nil {
			err = fmt.Errorf("%s: %w", path, err)
			core.LogError(err.Error())
			return nil, err
		}
	}

	lc := &loaderContext{loader: l, asset: asset}
	scene, err := lc.load()
	if err != nil {
		err = fmt.Errorf("%s: %w", path, err)
		core.LogError(err.Error())
		return nil, err
	}

	core.LogInfo("loaded %s in %s: %d objects, %d meshes, %d materials, %d textures",
		path, time.Since(start), len(scene.Objects), len(scene.Meshes), len(scene.Materials), len(scene.Textures))
	return scene, nil
}

func (lc *loaderContext) load() (*SceneData, error) {
	staging := NewStagingBuffer(lc.loader.Device.Limits())

	images, err := lc.loadAllImages()
	if err != nil {
		return nil, err
	}
	// Textures take their own references, images nobody samples go away here.
	defer func() {
		for _, img := range images {
			img.Release()
		}
	}()

	textures, err := lc.loadAllTextures(images)
	if err != nil {
		return nil, err
	}
	scene := &SceneData{Textures: textures}

	if scene.Materials, err = lc.loadAllMaterials(textures, staging); err != nil {
		scene.Destroy()
		return nil, err
	}
	if scene.Meshes, err = lc.loadAllMeshes(scene.Materials, staging); err != nil {
		scene.Destroy()
		return nil, err
	}
	objects, err := lc.loadAllObjects()
	if err != nil {
		scene.Destroy()
		return nil, err
	}
	scene.Objects = topologicalSort(objects)

	if staging.Size() == 0 {
		return scene, nil
	}

	core.LogDebug("uploading scene data (%d bytes) to GPU memory", staging.Size())
	buffer, err := staging.CopyToGPU(lc.loader.Device, lc.loader.Config.FenceTimeout.Duration)
	if err != nil {
		scene.Destroy()
		return nil, err
	}
	shared := gpu.NewSharedBuffer(buffer)
	for _, m := range scene.Materials {
		m.Buffer = shared.Acquire()
	}
	for i := range scene.Meshes {
		scene.Meshes[i].Buffer = shared.Acquire()
	}
	shared.Release()

	return scene, nil
}

func (lc *loaderContext) loadAllTextures(images []*SharedImage) ([]*Texture, error) {
	doc := lc.asset.doc
	textures := make([]*Texture, 0, len(doc.Textures))
	fail := func(err error) ([]*Texture, error) {
		for _, t := range textures {
			t.Image.Release()
		}
		return nil, err
	}

	for i, gt := range doc.Textures {
		t := &Texture{Sampler: DefaultSamplerInfo()}

		if gt.Sampler != nil {
			if *gt.Sampler < 0 || *gt.Sampler >= len(doc.Samplers) {
				return fail(fmt.Errorf("texture %d: sampler %d: %w", i, *gt.Sampler, ErrIndexOutOfRange))
			}
			sampler, err := convertSampler(&doc.Samplers[*gt.Sampler])
			if err != nil {
				return fail(fmt.Errorf("texture %d: %w", i, err))
			}
			t.Sampler = sampler
		}

		// Images referenced through extensions (basisu, dds, webp) are not supported.
		if gt.Source == nil {
			return fail(fmt.Errorf("texture %d: %w", i, ErrUnsupportedImageType))
		}
		if *gt.Source < 0 || *gt.Source >= len(images) {
			return fail(fmt.Errorf("texture %d: image %d: %w", i, *gt.Source, ErrIndexOutOfRange))
		}
		t.Image = images[*gt.Source].Acquire()
		textures = append(textures, t)
	}
	return textures, nil
}

func (lc *loaderContext) loadAllMaterials(textures []*Texture, staging *StagingBuffer) ([]*Material, error) {
	doc := lc.asset.doc
	materials := make([]*Material, 0, len(doc.Materials))

	texture := func(info *gltfTextureInfo) (*Texture, uint32, error) {
		if info.Index < 0 || info.Index >= len(textures) {
			return nil, 0, fmt.Errorf("texture %d: %w", info.Index, ErrIndexOutOfRange)
		}
		return textures[info.Index], uint32(info.TexCoord), nil
	}

	for i := range doc.Materials {
		gm := &doc.Materials[i]

		m := &Material{}
		if lc.loader.DefaultMaterial != nil {
			*m = *lc.loader.DefaultMaterial
		}
		m.Name = gm.Name
		m.Buffer = nil
		d := &m.Data

		// glTF defaults apply to absent factors.
		d.BaseColorFactor = vec4(1, 1, 1, 1)
		d.BaseEmissiveFactor = vec4(0, 0, 0, 0)
		d.MetallicFactor = 1
		d.RoughnessFactor = 1
		if gm.EmissiveFactor != nil {
			d.BaseEmissiveFactor = vec4(gm.EmissiveFactor[0], gm.EmissiveFactor[1], gm.EmissiveFactor[2], 0)
		}

		var err error
		if pbr := gm.PbrMetallicRoughness; pbr != nil {
			if pbr.BaseColorFactor != nil {
				f := pbr.BaseColorFactor
				d.BaseColorFactor = vec4(f[0], f[1], f[2], f[3])
			}
			if pbr.MetallicFactor != nil {
				d.MetallicFactor = *pbr.MetallicFactor
			}
			if pbr.RoughnessFactor != nil {
				d.RoughnessFactor = *pbr.RoughnessFactor
			}
			if pbr.BaseColorTexture != nil {
				if m.BaseColorTexture, d.BaseColorTexcoord, err = texture(pbr.BaseColorTexture); err != nil {
					return nil, fmt.Errorf("material %d: base color: %w", i, err)
				}
			}
			if pbr.MetallicRoughnessTexture != nil {
				if m.MetallicRoughnessTexture, d.MetallicRoughnessTexcoord, err = texture(pbr.MetallicRoughnessTexture); err != nil {
					return nil, fmt.Errorf("material %d: metallic roughness: %w", i, err)
				}
			}
		}
		if gm.OcclusionTexture != nil {
			if m.OcclusionTexture, d.OcclusionTexcoord, err = texture(&gm.OcclusionTexture.gltfTextureInfo); err != nil {
				return nil, fmt.Errorf("material %d: occlusion: %w", i, err)
			}
			d.OcclusionStrength = 1
			if gm.OcclusionTexture.Strength != nil {
				d.OcclusionStrength = *gm.OcclusionTexture.Strength
			}
		}
		if gm.EmissiveTexture != nil {
			if m.EmissiveTexture, d.EmissiveTexcoord, err = texture(gm.EmissiveTexture); err != nil {
				return nil, fmt.Errorf("material %d: emissive: %w", i, err)
			}
		}
		if gm.NormalTexture != nil {
			if m.NormalTexture, d.NormalTexcoord, err = texture(&gm.NormalTexture.gltfTextureInfo); err != nil {
				return nil, fmt.Errorf("material %d: normal: %w", i, err)
			}
			d.NormalScale = 1
			if gm.NormalTexture.Scale != nil {
				d.NormalScale = *gm.NormalTexture.Scale
			}
		}

		m.Offset = staging.AddUniform(&m.Data)
		materials = append(materials, m)
	}
	return materials, nil
}

func convertIndexType(componentType int) (gpu.IndexType, error) {
	switch componentType {
	case gltfComponentTypeByte, gltfComponentTypeUnsignedByte:
		return gpu.IndexTypeUint8, nil
	case gltfComponentTypeShort, gltfComponentTypeUnsignedShort:
		return gpu.IndexTypeUint16, nil
	case gltfComponentTypeUnsignedInt:
		return gpu.IndexTypeUint32, nil
	}
	return 0, fmt.Errorf("component type %d: %w", componentType, ErrInvalidIndexType)
}

func convertTopology(mode *int) (gpu.Topology, error) {
	if mode == nil {
		return gpu.TopologyTriangleList, nil
	}
	switch *mode {
	case gltfPrimitiveModePoints:
		return gpu.TopologyPointList, nil
	case gltfPrimitiveModeLines:
		return gpu.TopologyLineList, nil
	case gltfPrimitiveModeLineLoop:
		return 0, fmt.Errorf("line loop: %w", ErrUnimplemented)
	case gltfPrimitiveModeLineStrip:
		return gpu.TopologyLineStrip, nil
	case gltfPrimitiveModeTriangles:
		return gpu.TopologyTriangleList, nil
	case gltfPrimitiveModeTriangleStrip:
		return gpu.TopologyTriangleStrip, nil
	case gltfPrimitiveModeTriangleFan:
		return gpu.TopologyTriangleFan, nil
	}
	return 0, fmt.Errorf("primitive mode %d: %w", *mode, ErrInvalidDocument)
}

func (lc *loaderContext) loadAllMeshes(materials []*Material, staging *StagingBuffer) ([]Mesh, error) {
	doc := lc.asset.doc
	meshes := make([]Mesh, 0, len(doc.Meshes))

	for i := range doc.Meshes {
		gm := &doc.Meshes[i]
		mesh := Mesh{Name: gm.Name, Primitives: make([]Primitive, 0, len(gm.Primitives))}

		for j := range gm.Primitives {
			gp := &gm.Primitives[j]
			p := Primitive{
				CullMode:  gpu.CullModeBack,
				FrontFace: gpu.FrontFaceClockwise,
			}

			if gp.Indices != nil {
				r, err := lc.asset.accessor(*gp.Indices)
				if err != nil {
					return nil, fmt.Errorf("mesh %d primitive %d: indices: %w", i, j, err)
				}
				if p.IndexType, err = convertIndexType(r.acc.ComponentType); err != nil {
					return nil, fmt.Errorf("mesh %d primitive %d: %w", i, j, err)
				}
				p.Indexed = true
				p.IndexOffset = staging.addIndices(r, p.IndexType)
				p.IndexCount = uint32(r.Count())
			}

			vertices, err := lc.asset.readVertices(gp)
			if err != nil {
				return nil, fmt.Errorf("mesh %d primitive %d: %w", i, j, err)
			}
			p.VertexOffset = staging.AddVertices(vertices)
			p.VertexCount = uint32(len(vertices))

			if p.Topology, err = convertTopology(gp.Mode); err != nil {
				return nil, fmt.Errorf("mesh %d primitive %d: %w", i, j, err)
			}

			if gp.Material != nil {
				if *gp.Material < 0 || *gp.Material >= len(materials) {
					return nil, fmt.Errorf("mesh %d primitive %d: material %d: %w", i, j, *gp.Material, ErrIndexOutOfRange)
				}
				p.Material = materials[*gp.Material]
			}
			mesh.Primitives = append(mesh.Primitives, p)
		}
		meshes = append(meshes, mesh)
	}
	return meshes, nil
}

// loadAllObjects returns one object per node, in document order.
func (lc *loaderContext) loadAllObjects() ([]SceneObject, error) {
	doc := lc.asset.doc
	objects := make([]SceneObject, len(doc.Nodes))
	for i := range objects {
		objects[i].ParentID = RootID
	}

	for i := range doc.Nodes {
		n := &doc.Nodes[i]
		o := &objects[i]

		o.MeshID = NoMesh
		if n.Mesh != nil {
			if *n.Mesh < 0 || *n.Mesh >= len(doc.Meshes) {
				return nil, fmt.Errorf("node %d: mesh %d: %w", i, *n.Mesh, ErrIndexOutOfRange)
			}
			o.MeshID = *n.Mesh
		}
		for _, c := range n.Children {
			if c < 0 || c >= len(objects) {
				return nil, fmt.Errorf("node %d: child %d: %w", i, c, ErrIndexOutOfRange)
			}
			objects[c].ParentID = i
		}
		o.Transform = nodeTransform(n)
		o.Visible = true
		o.Name = n.Name
	}
	return objects, nil
}
