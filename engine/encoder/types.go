package encoder

import (
	"github.com/spaghettifunk/vrstream/engine/gpu"
)

type VideoCodecOperation uint32

const (
	VIDEO_CODEC_OPERATION_ENCODE_H264 VideoCodecOperation = 0x00010000
	VIDEO_CODEC_OPERATION_ENCODE_H265 VideoCodecOperation = 0x00020000
)

type RateControlMode uint32

const (
	RATE_CONTROL_MODE_DEFAULT  RateControlMode = 0
	RATE_CONTROL_MODE_DISABLED RateControlMode = 1 << 0
	RATE_CONTROL_MODE_CBR      RateControlMode = 1 << 1
	RATE_CONTROL_MODE_VBR      RateControlMode = 1 << 2
)

func (m RateControlMode) String() string {
	switch m {
	case RATE_CONTROL_MODE_DEFAULT:
		return "default"
	case RATE_CONTROL_MODE_DISABLED:
		return "disabled"
	case RATE_CONTROL_MODE_CBR:
		return "cbr"
	case RATE_CONTROL_MODE_VBR:
		return "vbr"
	}
	return "mixed"
}

type CodingControlFlags uint32

const (
	CODING_CONTROL_RESET CodingControlFlags = 1 << iota
	CODING_CONTROL_ENCODE_RATE_CONTROL
)

type QueryResultFlags uint32

const (
	QUERY_RESULT_BITSTREAM_BUFFER_OFFSET QueryResultFlags = 1 << iota
	QUERY_RESULT_BITSTREAM_BYTES_WRITTEN
)

/**
 * @brief Encode specific capabilities reported by the driver for a profile.
 */
type VideoEncodeCapabilities struct {
	RateControlModes RateControlMode
	MaxBitrate       uint64
}

/**
 * @brief Generic video capabilities reported by the driver for a profile.
 */
type VideoCapabilities struct {
	PictureAccessGranularity        gpu.Extent2D
	MinBitstreamBufferSizeAlignment uint64
	MaxDpbSlots                     uint32
	MaxActiveReferencePictures      uint32
}

type VideoProfile struct {
	Operation         VideoCodecOperation
	ChromaSubsampling uint32
	LumaBitDepth      uint32
	ChromaBitDepth    uint32
	// Codec specific profile, e.g. the H.264 profile idc.
	Next any
}

// VideoProfileList is chained to images and buffers used by a video session.
type VideoProfileList struct {
	Profiles []*VideoProfile
}

type VideoFormatInfo struct {
	ImageUsage gpu.ImageUsage
	Profiles   *VideoProfileList
}

type VideoFormatProperties struct {
	Format     gpu.Format
	ImageUsage gpu.ImageUsage
}

type ExtensionProperties struct {
	Name        string
	SpecVersion uint32
}

type VideoSessionCreateInfo struct {
	Profile                    *VideoProfile
	PictureFormat              gpu.Format
	MaxCodedExtent             gpu.Extent2D
	ReferencePictureFormat     gpu.Format
	MaxDpbSlots                uint32
	MaxActiveReferencePictures uint32
	StdHeaderVersion           ExtensionProperties
	Next                       any
}

type MemoryRequirements struct {
	MemoryBindIndex uint32
	Size            uint64
	Alignment       uint64
	MemoryTypeBits  uint32
}

type MemoryBind struct {
	MemoryBindIndex uint32
	Memory          DeviceMemory
	Offset          uint64
	Size            uint64
}

type QueryPoolCreateInfo struct {
	Count    uint32
	Profile  *VideoProfile
	Feedback QueryResultFlags
}

type DeviceMemory interface {
	Free()
}

type VideoSession interface {
	MemoryRequirements() ([]MemoryRequirements, error)
	BindMemory(binds []MemoryBind) error
	Destroy()
}

type VideoSessionParameters interface {
	Destroy()
}

type QueryPool interface {
	Destroy()
}

/**
 * @brief A gpu.Device that also exposes the video encode entry points.
 */
type VideoDevice interface {
	gpu.Device
	VideoFormatProperties(info VideoFormatInfo) ([]VideoFormatProperties, error)
	AllocateMemory(size uint64, memoryTypeBits uint32) (DeviceMemory, error)
	CreateVideoSession(info VideoSessionCreateInfo) (VideoSession, error)
	CreateVideoSessionParameters(session VideoSession, next any) (VideoSessionParameters, error)
	// EncodedVideoSessionParameters returns the out-of-band parameter sets selected by next.
	EncodedVideoSessionParameters(params VideoSessionParameters, next any) ([]byte, error)
	CreateQueryPool(info QueryPoolCreateInfo) (QueryPool, error)
	// QueryResults waits for count queries and returns their words. Encode
	// feedback queries produce offset, bytes written and an overrides flag.
	QueryResults(pool QueryPool, first, count uint32) ([]uint32, error)
}

/**
 * @brief A picture in a DPB slot or the source of an encode.
 */
type PictureResource struct {
	CodedOffset    gpu.Offset2D
	CodedExtent    gpu.Extent2D
	BaseArrayLayer uint32
	View           gpu.ImageView
}

/**
 * @brief Describes a DPB slot to the driver. A SlotIndex of -1 makes the
 * slot inactive for the current coding scope.
 */
type ReferenceSlotInfo struct {
	SlotIndex int32
	Picture   *PictureResource
	// Codec specific reference info.
	Std any
}

type RateControlLayer struct {
	AverageBitrate       uint64
	MaxBitrate           uint64
	FrameRateNumerator   uint32
	FrameRateDenominator uint32
}

type RateControlInfo struct {
	Mode                       RateControlMode
	Layers                     []RateControlLayer
	VirtualBufferSizeMs        uint32
	InitialVirtualBufferSizeMs uint32
}

type BeginCodingInfo struct {
	Session        VideoSession
	Parameters     VideoSessionParameters
	ReferenceSlots []ReferenceSlotInfo
	// Nil leaves the rate control state of the session unchanged.
	RateControl *RateControlInfo
}

type CodingControlInfo struct {
	Flags       CodingControlFlags
	RateControl *RateControlInfo
}

type EncodeInfo struct {
	// Codec specific picture info.
	Next               any
	DstBuffer          gpu.Buffer
	DstBufferOffset    uint64
	DstBufferRange     uint64
	SrcPicture         PictureResource
	SetupReferenceSlot *ReferenceSlotInfo
	ReferenceSlots     []ReferenceSlotInfo
}

/**
 * @brief A gpu.CommandBuffer that can also record video coding commands.
 */
type VideoCommandBuffer interface {
	gpu.CommandBuffer
	ResetQueryPool(pool QueryPool, first, count uint32)
	BeginVideoCoding(info BeginCodingInfo)
	ControlVideoCoding(info CodingControlInfo)
	EncodeVideo(info EncodeInfo)
	BeginQuery(pool QueryPool, query uint32)
	EndQuery(pool QueryPool, query uint32)
	EndVideoCoding()
}

// Feedback is what the decoder side reports about a transmitted frame.
type Feedback struct {
	FrameIndex    uint64
	SentToDecoder bool
}
