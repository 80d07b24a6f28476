package scene

import (
	"fmt"
	"sync/atomic"

	"github.com/spaghettifunk/vrstream/engine/gpu"
	"github.com/spaghettifunk/vrstream/engine/math"
)

/**
 * @brief A decoded GPU image and its view, shared by every texture sampling it.
 * The image and the view are destroyed together when the last reference is released.
 */
type SharedImage struct {
	image gpu.Image
	view  gpu.ImageView
	refs  atomic.Int32
}

func NewSharedImage(image gpu.Image, view gpu.ImageView) *SharedImage {
	si := &SharedImage{image: image, view: view}
	si.refs.Store(1)
	return si
}

func (si *SharedImage) Acquire() *SharedImage {
	si.refs.Add(1)
	return si
}

// Release drops one reference and reports whether the image was destroyed.
func (si *SharedImage) Release() bool {
	switch n := si.refs.Add(-1); {
	case n == 0:
		si.view.Destroy()
		si.image.Destroy()
		return true
	case n < 0:
		panic("scene: shared image released too many times")
	}
	return false
}

func (si *SharedImage) Refs() int32 {
	return si.refs.Load()
}

func (si *SharedImage) Image() gpu.Image {
	return si.image
}

// View is valid as long as the caller holds a reference.
func (si *SharedImage) View() gpu.ImageView {
	return si.view
}

/**
 * @brief How a texture is sampled.
 */
type SamplerInfo struct {
	MagFilter  gpu.Filter
	MinFilter  gpu.Filter
	MipmapMode gpu.MipmapMode
	WrapS      gpu.AddressMode
	WrapT      gpu.AddressMode
}

// DefaultSamplerInfo is linear filtering with linear mipmaps, repeating in both directions.
func DefaultSamplerInfo() SamplerInfo {
	return SamplerInfo{
		MagFilter:  gpu.FilterLinear,
		MinFilter:  gpu.FilterLinear,
		MipmapMode: gpu.MipmapModeLinear,
		WrapS:      gpu.AddressModeRepeat,
		WrapT:      gpu.AddressModeRepeat,
	}
}

type Texture struct {
	Sampler SamplerInfo
	Image   *SharedImage
}

func (t *Texture) View() gpu.ImageView {
	return t.Image.View()
}

/**
 * @brief The material uniform block, as laid out in the shared buffer.
 */
type MaterialData struct {
	BaseColorFactor    math.Vec4
	BaseEmissiveFactor math.Vec4
	MetallicFactor     float32
	RoughnessFactor    float32
	OcclusionStrength  float32
	NormalScale        float32

	BaseColorTexcoord         uint32
	MetallicRoughnessTexcoord uint32
	OcclusionTexcoord         uint32
	EmissiveTexcoord          uint32
	NormalTexcoord            uint32
	_                         [3]uint32
}

/**
 * @brief A PBR metallic-roughness material. Offset locates Data in Buffer
 * once the scene is uploaded.
 */
type Material struct {
	Name string

	BaseColorTexture         *Texture
	MetallicRoughnessTexture *Texture
	OcclusionTexture         *Texture
	EmissiveTexture          *Texture
	NormalTexture            *Texture

	Data   MaterialData
	Offset uint64
	Buffer *gpu.SharedBuffer
}

// NewDefaultMaterial returns an untextured white material with the glTF default factors.
func NewDefaultMaterial() *Material {
	return &Material{
		Name: "default",
		Data: MaterialData{
			BaseColorFactor:   math.Vec4{X: 1, Y: 1, Z: 1, W: 1},
			MetallicFactor:    1,
			RoughnessFactor:   1,
			OcclusionStrength: 1,
			NormalScale:       1,
		},
	}
}

func convertFilter(filter int) (gpu.Filter, gpu.MipmapMode, error) {
	switch filter {
	case gltfFilterNearest, gltfFilterNearestMipmapNearest:
		return gpu.FilterNearest, gpu.MipmapModeNearest, nil
	case gltfFilterLinear, gltfFilterLinearMipmapNearest:
		return gpu.FilterLinear, gpu.MipmapModeNearest, nil
	case gltfFilterNearestMipmapLinear:
		return gpu.FilterNearest, gpu.MipmapModeLinear, nil
	case gltfFilterLinearMipmapLinear:
		return gpu.FilterLinear, gpu.MipmapModeLinear, nil
	}
	return 0, 0, fmt.Errorf("filter %d: %w", filter, ErrInvalidDocument)
}

func convertWrap(wrap *int) (gpu.AddressMode, error) {
	if wrap == nil {
		return gpu.AddressModeRepeat, nil
	}
	switch *wrap {
	case gltfWrapClampToEdge:
		return gpu.AddressModeClampToEdge, nil
	case gltfWrapMirroredRepeat:
		return gpu.AddressModeMirroredRepeat, nil
	case gltfWrapRepeat:
		return gpu.AddressModeRepeat, nil
	}
	return 0, fmt.Errorf("wrap mode %d: %w", *wrap, ErrInvalidDocument)
}

// convertSampler defaults to a linear magnification and a trilinear minification filter.
func convertSampler(s *gltfSampler) (SamplerInfo, error) {
	info := DefaultSamplerInfo()

	mag, minFilter := gltfFilterLinear, gltfFilterLinearMipmapLinear
	if s.MagFilter != nil {
		mag = *s.MagFilter
	}
	if s.MinFilter != nil {
		minFilter = *s.MinFilter
	}

	var err error
	if info.MagFilter, _, err = convertFilter(mag); err != nil {
		return info, err
	}
	if info.MinFilter, info.MipmapMode, err = convertFilter(minFilter); err != nil {
		return info, err
	}
	if info.WrapS, err = convertWrap(s.WrapS); err != nil {
		return info, err
	}
	if info.WrapT, err = convertWrap(s.WrapT); err != nil {
		return info, err
	}
	return info, nil
}
