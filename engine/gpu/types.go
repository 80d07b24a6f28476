package gpu

type Format uint32

const (
	FormatUndefined Format = iota
	FormatR8G8B8A8Unorm
	FormatR8G8B8A8Srgb
	FormatR32Sfloat
	FormatR32G32Sfloat
	FormatR32G32B32Sfloat
	FormatR32G32B32A32Sfloat
	// Two planes: 8-bit luma, then interleaved 8-bit chroma at half resolution.
	FormatG8B8R82Plane420Unorm
)

func (f Format) String() string {
	switch f {
	case FormatR8G8B8A8Unorm:
		return "R8G8B8A8_UNORM"
	case FormatR8G8B8A8Srgb:
		return "R8G8B8A8_SRGB"
	case FormatR32Sfloat:
		return "R32_SFLOAT"
	case FormatR32G32Sfloat:
		return "R32G32_SFLOAT"
	case FormatR32G32B32Sfloat:
		return "R32G32B32_SFLOAT"
	case FormatR32G32B32A32Sfloat:
		return "R32G32B32A32_SFLOAT"
	case FormatG8B8R82Plane420Unorm:
		return "G8_B8R8_2PLANE_420_UNORM"
	}
	return "UNDEFINED"
}

// TexelSize is the size in bytes of one texel for single plane formats, 0 otherwise.
func (f Format) TexelSize() uint64 {
	switch f {
	case FormatR8G8B8A8Unorm, FormatR8G8B8A8Srgb, FormatR32Sfloat:
		return 4
	case FormatR32G32Sfloat:
		return 8
	case FormatR32G32B32Sfloat:
		return 12
	case FormatR32G32B32A32Sfloat:
		return 16
	}
	return 0
}

type IndexType uint8

const (
	IndexTypeUint8 IndexType = iota
	IndexTypeUint16
	IndexTypeUint32
)

// Size returns the width of one index in bytes.
func (t IndexType) Size() uint64 {
	switch t {
	case IndexTypeUint8:
		return 1
	case IndexTypeUint16:
		return 2
	}
	return 4
}

type Topology uint8

const (
	TopologyPointList Topology = iota
	TopologyLineList
	TopologyLineStrip
	TopologyTriangleList
	TopologyTriangleStrip
	TopologyTriangleFan
)

type CullMode uint8

const (
	CullModeNone CullMode = iota
	CullModeFront
	CullModeBack
)

type FrontFace uint8

const (
	FrontFaceCounterClockwise FrontFace = iota
	FrontFaceClockwise
)

type Filter uint8

const (
	FilterNearest Filter = iota
	FilterLinear
)

type MipmapMode uint8

const (
	MipmapModeNearest MipmapMode = iota
	MipmapModeLinear
)

type AddressMode uint8

const (
	AddressModeRepeat AddressMode = iota
	AddressModeMirroredRepeat
	AddressModeClampToEdge
)

type Offset2D struct {
	X, Y int32
}

type Extent2D struct {
	Width, Height uint32
}

type Extent3D struct {
	Width, Height, Depth uint32
}

type Rect2D struct {
	Offset Offset2D
	Extent Extent2D
}

type BufferUsage uint32

const (
	BufferUsageTransferSrc BufferUsage = 1 << iota
	BufferUsageTransferDst
	BufferUsageUniform
	BufferUsageVertex
	BufferUsageIndex
	BufferUsageVideoEncodeDst
)

type MemoryLocation uint8

const (
	// Device local memory, not mappable.
	MemoryDeviceLocal MemoryLocation = iota
	// Host visible and coherent memory, persistently mappable.
	MemoryHostVisible
)

type ImageUsage uint32

const (
	ImageUsageTransferSrc ImageUsage = 1 << iota
	ImageUsageTransferDst
	ImageUsageSampled
	ImageUsageVideoEncodeSrc
	ImageUsageVideoEncodeDpb
)

type ImageLayout uint8

const (
	ImageLayoutUndefined ImageLayout = iota
	ImageLayoutTransferDst
	ImageLayoutShaderReadOnly
	ImageLayoutVideoEncodeSrc
	ImageLayoutVideoEncodeDpb
)

type ImageViewType uint8

const (
	ImageViewType2D ImageViewType = iota
	ImageViewType2DArray
)

type BufferCreateInfo struct {
	Size     uint64
	Usage    BufferUsage
	Location MemoryLocation
	// Optional extension structure, e.g. a video profile list.
	Next any
}

type ImageCreateInfo struct {
	Format      Format
	Extent      Extent3D
	MipLevels   uint32
	ArrayLayers uint32
	Usage       ImageUsage
	Next        any
}

type ImageSubresourceRange struct {
	BaseMipLevel   uint32
	LevelCount     uint32
	BaseArrayLayer uint32
	LayerCount     uint32
}

type ImageViewCreateInfo struct {
	Image    Image
	ViewType ImageViewType
	Format   Format
	Range    ImageSubresourceRange
	Next     any
}

type BufferCopy struct {
	SrcOffset uint64
	DstOffset uint64
	Size      uint64
}

type BufferImageCopy struct {
	BufferOffset uint64
	MipLevel     uint32
	ArrayLayer   uint32
	Extent       Extent3D
}

type ImageBarrier struct {
	Image     Image
	OldLayout ImageLayout
	NewLayout ImageLayout
	Range     ImageSubresourceRange
}

/**
 * @brief Device limits the loader needs to lay out shared buffers.
 */
type Limits struct {
	MinUniformBufferOffsetAlignment uint64
}
