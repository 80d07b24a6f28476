package encoder

import "fmt"

/**
 * @brief The codec specific half of an encoder session.
 */
type Codec interface {
	Name() string
	StdHeaderVersion() ExtensionProperties
	/**
	 * @brief Creates the codec reference info of each DPB slot. The returned
	 * values stay owned by the codec, which updates them on every encode.
	 */
	SlotInfos(n int) []any
	/**
	 * @brief Builds the picture info of the next frame and updates the
	 * reference info of the slot receiving it.
	 * @param frameNum Frames encoded since the last reset; 0 is an IDR.
	 * @param slot The DPB slot receiving the reconstructed picture.
	 * @param ref The DPB slot used as reference, nil for none.
	 */
	EncodeInfoNext(frameNum uint64, slot int32, ref *int32) any
	// SendIDRData publishes the parameter sets a decoder needs before an IDR.
	SendIDRData(src ParameterSource) error
}

type ParameterSource interface {
	EncodedParameters(next any) ([]byte, error)
}

// VK_MAKE_VIDEO_STD_VERSION(1, 0, 0)
const stdVersion100 uint32 = 1 << 22

type PictureType uint8

const (
	PICTURE_TYPE_P PictureType = iota
	PICTURE_TYPE_I
	PICTURE_TYPE_IDR
)

func (t PictureType) String() string {
	switch t {
	case PICTURE_TYPE_P:
		return "P"
	case PICTURE_TYPE_I:
		return "I"
	case PICTURE_TYPE_IDR:
		return "IDR"
	}
	return fmt.Sprintf("PictureType(%d)", uint8(t))
}

func pictureType(frameNum uint64) PictureType {
	if frameNum == 0 {
		return PICTURE_TYPE_IDR
	}
	return PICTURE_TYPE_P
}

func refList(ref *int32) []int32 {
	if ref == nil {
		return nil
	}
	return []int32{*ref}
}

// H.264

const (
	h264Log2MaxFrameNum       = 16
	h264Log2MaxPicOrderCntLsb = 16
)

type H264ReferenceInfo struct {
	PrimaryPicType PictureType
	FrameNum       uint32
	PicOrderCnt    int32
}

type H264PictureInfo struct {
	PrimaryPicType PictureType
	FrameNum       uint32
	IdrPicID       uint16
	PicOrderCnt    int32
	// DPB slots referenced from list 0.
	RefList0 []int32
}

type H264ParametersGetInfo struct {
	WriteSPS bool
	WritePPS bool
	SPSID    uint32
	PPSID    uint32
}

type H264Codec struct {
	// OnParameters receives SPS and PPS on every IDR refresh.
	OnParameters func(data []byte)

	slots    []*H264ReferenceInfo
	idrPicID uint16
}

func NewH264Codec(onParameters func(data []byte)) *H264Codec {
	return &H264Codec{OnParameters: onParameters}
}

func (c *H264Codec) Name() string { return "h264" }

func (c *H264Codec) StdHeaderVersion() ExtensionProperties {
	return ExtensionProperties{Name: "VK_STD_vulkan_video_codec_h264_encode", SpecVersion: stdVersion100}
}

func (c *H264Codec) SlotInfos(n int) []any {
	c.slots = make([]*H264ReferenceInfo, n)
	infos := make([]any, n)
	for i := range c.slots {
		c.slots[i] = &H264ReferenceInfo{}
		infos[i] = c.slots[i]
	}
	return infos
}

func (c *H264Codec) EncodeInfoNext(frameNum uint64, slot int32, ref *int32) any {
	t := pictureType(frameNum)
	fn := uint32(frameNum % (1 << h264Log2MaxFrameNum))
	poc := int32((2 * frameNum) % (1 << h264Log2MaxPicOrderCntLsb))

	if t == PICTURE_TYPE_IDR {
		c.idrPicID++
	}
	std := c.slots[slot]
	std.PrimaryPicType = t
	std.FrameNum = fn
	std.PicOrderCnt = poc

	return &H264PictureInfo{
		PrimaryPicType: t,
		FrameNum:       fn,
		IdrPicID:       c.idrPicID,
		PicOrderCnt:    poc,
		RefList0:       refList(ref),
	}
}

func (c *H264Codec) SendIDRData(src ParameterSource) error {
	data, err := src.EncodedParameters(&H264ParametersGetInfo{WriteSPS: true, WritePPS: true})
	if err != nil {
		return fmt.Errorf("h264 parameter sets: %w", err)
	}
	if c.OnParameters != nil {
		c.OnParameters(data)
	}
	return nil
}

// H.265

const h265Log2MaxPicOrderCntLsb = 16

type H265ReferenceInfo struct {
	PicType        PictureType
	PicOrderCntVal int32
}

type H265PictureInfo struct {
	PicType        PictureType
	IrapPic        bool
	PicOrderCntVal int32
	// DPB slots referenced from list 0.
	RefList0 []int32
}

type H265ParametersGetInfo struct {
	WriteVPS bool
	WriteSPS bool
	WritePPS bool
}

type H265Codec struct {
	// OnParameters receives VPS, SPS and PPS on every IDR refresh.
	OnParameters func(data []byte)

	slots []*H265ReferenceInfo
}

func NewH265Codec(onParameters func(data []byte)) *H265Codec {
	return &H265Codec{OnParameters: onParameters}
}

func (c *H265Codec) Name() string { return "h265" }

func (c *H265Codec) StdHeaderVersion() ExtensionProperties {
	return ExtensionProperties{Name: "VK_STD_vulkan_video_codec_h265_encode", SpecVersion: stdVersion100}
}

func (c *H265Codec) SlotInfos(n int) []any {
	c.slots = make([]*H265ReferenceInfo, n)
	infos := make([]any, n)
	for i := range c.slots {
		c.slots[i] = &H265ReferenceInfo{}
		infos[i] = c.slots[i]
	}
	return infos
}

func (c *H265Codec) EncodeInfoNext(frameNum uint64, slot int32, ref *int32) any {
	t := pictureType(frameNum)
	poc := int32(frameNum % (1 << h265Log2MaxPicOrderCntLsb))

	std := c.slots[slot]
	std.PicType = t
	std.PicOrderCntVal = poc

	return &H265PictureInfo{
		PicType:        t,
		IrapPic:        t == PICTURE_TYPE_IDR,
		PicOrderCntVal: poc,
		RefList0:       refList(ref),
	}
}

func (c *H265Codec) SendIDRData(src ParameterSource) error {
	data, err := src.EncodedParameters(&H265ParametersGetInfo{WriteVPS: true, WriteSPS: true, WritePPS: true})
	if err != nil {
		return fmt.Errorf("h265 parameter sets: %w", err)
	}
	if c.OnParameters != nil {
		c.OnParameters(data)
	}
	return nil
}
