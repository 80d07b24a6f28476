package encoder

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/spaghettifunk/vrstream/engine/core"
	"github.com/spaghettifunk/vrstream/engine/gpu"
	"github.com/spaghettifunk/vrstream/engine/math"
)

/**
 * @brief A view into the output buffer holding one encoded frame. Data is
 * only valid until the next PresentImage on the same session.
 */
type EncodedFrame struct {
	Data []byte
	// Set when the driver changed encode parameters on its own.
	HasOverrides bool
	Target       time.Time
}

/**
 * @brief A hardware encode session: DPB, output buffer, feedback query and
 * the reference picking policy. PresentImage and Encode must be called from
 * one goroutine; OnFeedback may be called from any.
 */
type Session struct {
	ID uuid.UUID

	device     VideoDevice
	codec      Codec
	config     core.EncoderConfig
	rect       gpu.Rect2D
	fps        float32
	encodeCaps VideoEncodeCapabilities

	rateControl *RateControlInfo

	pictureFormat gpu.Format
	dpbImage      gpu.Image
	dpb           []DpbSlot
	output        gpu.Buffer
	outputData    []byte
	session       VideoSession
	memory        []DeviceMemory
	parameters    VideoSessionParameters
	queryPool     QueryPool

	imageViewTemplate gpu.ImageViewCreateInfo
	imageViews        map[gpu.Image]gpu.ImageView
	fences            map[uint8]gpu.Fence

	frameNum           uint64
	sessionInitialized bool
	initialized        bool

	ack     AckTracker
	owner   ownerGuard
	Metrics *core.Metrics
	logger  *log.Logger
}

/**
 * @brief Creates a session and decides its rate control. Init must be
 * called before the first PresentImage.
 * @param rect The encoded region of the source images.
 * @param caps Encode capabilities of the profile.
 * @param fps Target frame rate.
 * @param bitrate Target bitrate in bits per second.
 */
func New(device VideoDevice, rect gpu.Rect2D, caps VideoEncodeCapabilities, fps float32, bitrate uint64, codec Codec, cfg core.EncoderConfig) (*Session, error) {
	if device == nil || codec == nil {
		err := fmt.Errorf("encoder: device and codec are required")
		core.LogError(err.Error())
		return nil, err
	}
	if cfg.NumDpbSlots < 2 {
		err := fmt.Errorf("encoder: at least 2 DPB slots are required, got %d", cfg.NumDpbSlots)
		core.LogError(err.Error())
		return nil, err
	}

	id := uuid.New()
	s := &Session{
		ID:         id,
		device:     device,
		codec:      codec,
		config:     cfg,
		rect:       rect,
		fps:        fps,
		encodeCaps: patchCapabilities(caps),
		imageViews: make(map[gpu.Image]gpu.ImageView),
		fences:     make(map[uint8]gpu.Fence),
		owner:      ownerGuard{enabled: cfg.Debug},
		Metrics:    core.NewMetrics(),
		logger:     core.Logger("session", id.String()[:8], "codec", codec.Name()),
	}
	s.rateControl = configureRateControl(s.encodeCaps, fps, bitrate, cfg)
	return s, nil
}

// RateControl returns the rate control sent to the driver, nil for the driver default.
func (s *Session) RateControl() *RateControlInfo {
	return s.rateControl
}

// LastAck returns the highest frame index acknowledged so far.
func (s *Session) LastAck() uint64 {
	return s.ack.Load()
}

// Slots returns the DPB slots. The result must not be modified.
func (s *Session) Slots() []DpbSlot {
	return s.dpb
}

/**
 * @brief Allocates every device object of the session. On failure the
 * objects created so far are destroyed.
 * @param videoCaps Video capabilities of the profile.
 * @param profile The video profile to encode with.
 * @param sessionCreateNext Codec specific session create info.
 * @param paramsNext Codec specific session parameters create info.
 */
func (s *Session) Init(videoCaps VideoCapabilities, profile *VideoProfile, sessionCreateNext, paramsNext any) (err error) {
	defer func() {
		if err != nil {
			s.logger.Error("init failed", "err", err)
			s.Close()
		}
	}()

	n := s.config.NumDpbSlots
	profiles := &VideoProfileList{Profiles: []*VideoProfile{profile}}

	pictureFormat, err := s.selectVideoFormat(profiles, gpu.ImageUsageVideoEncodeSrc)
	if err != nil {
		return err
	}
	if pictureFormat != gpu.FormatG8B8R82Plane420Unorm {
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, pictureFormat)
	}
	s.pictureFormat = pictureFormat

	referenceFormat, err := s.selectVideoFormat(profiles, gpu.ImageUsageVideoEncodeDpb)
	if err != nil {
		return err
	}

	// Decode picture buffer
	extent := gpu.Extent3D{
		Width:  math.Align(s.rect.Extent.Width, videoCaps.PictureAccessGranularity.Width),
		Height: math.Align(s.rect.Extent.Height, videoCaps.PictureAccessGranularity.Height),
		Depth:  1,
	}
	s.dpbImage, err = s.device.CreateImage(gpu.ImageCreateInfo{
		Format:      referenceFormat,
		Extent:      extent,
		MipLevels:   1,
		ArrayLayers: uint32(n),
		Usage:       gpu.ImageUsageVideoEncodeDpb,
		Next:        profiles,
	})
	if err != nil {
		return fmt.Errorf("failed to create DPB image: %w", err)
	}

	// Output buffer
	outputSize := math.Align(uint64(s.rect.Extent.Width)*uint64(s.rect.Extent.Height)*3, videoCaps.MinBitstreamBufferSizeAlignment)
	s.output, err = s.device.CreateBuffer(gpu.BufferCreateInfo{
		Size:     outputSize,
		Usage:    gpu.BufferUsageVideoEncodeDst,
		Location: gpu.MemoryHostVisible,
		Next:     profiles,
	})
	if err != nil {
		return fmt.Errorf("failed to create output buffer: %w", err)
	}
	s.outputData, err = s.output.Map()
	if err != nil {
		return fmt.Errorf("failed to map output buffer: %w", err)
	}

	// Video session
	s.session, err = s.device.CreateVideoSession(VideoSessionCreateInfo{
		Profile:                    profile,
		PictureFormat:              s.pictureFormat,
		MaxCodedExtent:             s.rect.Extent,
		ReferencePictureFormat:     referenceFormat,
		MaxDpbSlots:                uint32(n),
		MaxActiveReferencePictures: uint32(n - 1),
		StdHeaderVersion:           s.codec.StdHeaderVersion(),
		Next:                       sessionCreateNext,
	})
	if err != nil {
		return fmt.Errorf("failed to create video session: %w", err)
	}
	if err = s.bindSessionMemory(); err != nil {
		return err
	}

	s.imageViewTemplate = gpu.ImageViewCreateInfo{
		ViewType: gpu.ImageViewType2D,
		Format:   s.pictureFormat,
		Range: gpu.ImageSubresourceRange{
			LevelCount: 1,
			LayerCount: 1,
		},
	}

	// DPB slots and views
	std := s.codec.SlotInfos(n)
	if len(std) != n {
		return fmt.Errorf("%w: want %d, got %d", ErrInvalidSlotInfos, n, len(std))
	}
	s.dpb = make([]DpbSlot, n)
	for i := range s.dpb {
		slot := &s.dpb[i]
		slot.Info = ReferenceSlotInfo{SlotIndex: -1, Std: std[i]}
		slot.FrameIndex = EmptyFrameIndex
		slot.View, err = s.device.CreateImageView(gpu.ImageViewCreateInfo{
			Image:    s.dpbImage,
			ViewType: gpu.ImageViewType2D,
			Format:   referenceFormat,
			Range: gpu.ImageSubresourceRange{
				LevelCount:     1,
				BaseArrayLayer: uint32(i),
				LayerCount:     1,
			},
		})
		if err != nil {
			return fmt.Errorf("failed to create DPB view %d: %w", i, err)
		}
		slot.Resource = PictureResource{
			CodedExtent: s.rect.Extent,
			View:        slot.View,
		}
	}

	s.parameters, err = s.device.CreateVideoSessionParameters(s.session, paramsNext)
	if err != nil {
		return fmt.Errorf("failed to create video session parameters: %w", err)
	}

	s.queryPool, err = s.device.CreateQueryPool(QueryPoolCreateInfo{
		Count:    1,
		Profile:  profile,
		Feedback: QUERY_RESULT_BITSTREAM_BUFFER_OFFSET | QUERY_RESULT_BITSTREAM_BYTES_WRITTEN,
	})
	if err != nil {
		return fmt.Errorf("failed to create query pool: %w", err)
	}

	s.initialized = true
	s.logger.Info("encoder session ready",
		"extent", fmt.Sprintf("%dx%d", s.rect.Extent.Width, s.rect.Extent.Height),
		"dpb", fmt.Sprintf("%dx%d", extent.Width, extent.Height),
		"slots", n,
		"output", outputSize,
	)
	return nil
}

func (s *Session) selectVideoFormat(profiles *VideoProfileList, usage gpu.ImageUsage) (gpu.Format, error) {
	props, err := s.device.VideoFormatProperties(VideoFormatInfo{ImageUsage: usage, Profiles: profiles})
	if err != nil {
		return gpu.FormatUndefined, fmt.Errorf("failed to query video formats: %w", err)
	}
	if len(props) == 0 {
		return gpu.FormatUndefined, ErrNoSuitableFormat
	}
	return props[0].Format, nil
}

func (s *Session) bindSessionMemory() error {
	reqs, err := s.session.MemoryRequirements()
	if err != nil {
		return fmt.Errorf("failed to get video session memory requirements: %w", err)
	}
	binds := make([]MemoryBind, 0, len(reqs))
	for _, req := range reqs {
		mem, err := s.device.AllocateMemory(req.Size, req.MemoryTypeBits)
		if err != nil {
			return fmt.Errorf("failed to allocate video session memory %d: %w", req.MemoryBindIndex, err)
		}
		s.memory = append(s.memory, mem)
		binds = append(binds, MemoryBind{
			MemoryBindIndex: req.MemoryBindIndex,
			Memory:          mem,
			Size:            req.Size,
		})
	}
	if err := s.session.BindMemory(binds); err != nil {
		return fmt.Errorf("failed to bind video session memory: %w", err)
	}
	return nil
}

func (s *Session) sourceView(src gpu.Image) (gpu.ImageView, error) {
	if view, ok := s.imageViews[src]; ok {
		return view, nil
	}
	info := s.imageViewTemplate
	info.Image = src
	view, err := s.device.CreateImageView(info)
	if err != nil {
		return nil, fmt.Errorf("failed to create source image view: %w", err)
	}
	s.imageViews[src] = view
	return view, nil
}

/**
 * @brief Records the encode of src into cb and ends it. cb must be in the
 * recording state. The caller submits cb with fence, then calls Encode with
 * the same slot.
 * @param src The source picture, in the video encode source layout.
 * @param slot Caller tag pairing this call with Encode.
 * @param frameIndex Stream wide frame index of src.
 */
func (s *Session) PresentImage(src gpu.Image, cb VideoCommandBuffer, fence gpu.Fence, slot uint8, frameIndex uint64) error {
	s.owner.enter()
	defer s.owner.exit()

	if !s.initialized {
		return ErrNotInitialized
	}

	s.fences[slot] = fence
	view, err := s.sourceView(src)
	if err != nil {
		s.logger.Error(err.Error())
		return err
	}

	cb.ResetQueryPool(s.queryPool, 0, 1)

	out := selectOutputSlot(s.dpb)
	// The previous content of the slot is overwritten.
	s.dpb[out].Info.SlotIndex = -1

	lastAck := s.ack.Load()
	ref := selectReference(s.dpb, lastAck, s.frameNum, s.config.MaxFramesWithoutAck)
	if ref < 0 {
		s.forceReset(frameIndex, lastAck)
	}

	output := &s.dpb[out]
	output.FrameIndex = frameIndex
	output.Info.Picture = &output.Resource

	begin := BeginCodingInfo{
		Session:        s.session,
		Parameters:     s.parameters,
		ReferenceSlots: snapshotSlots(s.dpb),
	}
	if s.sessionInitialized {
		begin.RateControl = s.rateControl
	}
	cb.BeginVideoCoding(begin)

	output.Info.SlotIndex = int32(out)

	if !s.sessionInitialized {
		control := CodingControlInfo{Flags: CODING_CONTROL_RESET}
		if s.rateControl != nil {
			control.Flags |= CODING_CONTROL_ENCODE_RATE_CONTROL
			control.RateControl = s.rateControl
		}
		cb.ControlVideoCoding(control)

		cb.PipelineBarrier(gpu.ImageBarrier{
			Image:     s.dpbImage,
			OldLayout: gpu.ImageLayoutUndefined,
			NewLayout: gpu.ImageLayoutVideoEncodeDpb,
			Range: gpu.ImageSubresourceRange{
				LevelCount: 1,
				LayerCount: uint32(len(s.dpb)),
			},
		})
		s.sessionInitialized = true
	}

	var refIndex *int32
	var refSlots []ReferenceSlotInfo
	if ref >= 0 {
		idx := s.dpb[ref].Info.SlotIndex
		refIndex = &idx
		refSlots = []ReferenceSlotInfo{s.dpb[ref].Info}
	}
	setup := output.Info

	cb.BeginQuery(s.queryPool, 0)
	cb.EncodeVideo(EncodeInfo{
		Next:            s.codec.EncodeInfoNext(s.frameNum, int32(out), refIndex),
		DstBuffer:       s.output,
		DstBufferOffset: 0,
		DstBufferRange:  s.output.Size(),
		SrcPicture: PictureResource{
			CodedOffset: s.rect.Offset,
			CodedExtent: s.rect.Extent,
			View:        view,
		},
		SetupReferenceSlot: &setup,
		ReferenceSlots:     refSlots,
	})
	cb.EndQuery(s.queryPool, 0)
	cb.EndVideoCoding()
	if err := cb.End(); err != nil {
		err = fmt.Errorf("failed to end encode command buffer: %w", err)
		s.logger.Error(err.Error())
		return err
	}

	s.frameNum++
	return nil
}

// Drops every reference. The next picture is encoded as an IDR.
func (s *Session) forceReset(frameIndex, lastAck uint64) {
	if s.frameNum > 0 {
		s.logger.Warn("no acknowledged reference, resetting DPB",
			"frame", frameIndex,
			"last_ack", lastAck,
			"frames_since_reset", s.frameNum,
		)
		s.Metrics.RecordForcedReset()

		context := core.EventContext{}
		context.Data.U64[0] = frameIndex
		context.Data.U32[0] = uint32(min(s.frameNum, uint64(^uint32(0))))
		core.EventFire(core.EVENT_CODE_ENCODER_FORCED_RESET, s, context)
	}
	s.frameNum = 0
	resetSlots(s.dpb)
}

/**
 * @brief Waits for the frame presented on slot and returns its bitstream.
 * Each presented frame is returned once.
 * @param idr Publishes the parameter sets first.
 * @param target Display time the frame is meant for.
 */
func (s *Session) Encode(idr bool, target time.Time, slot uint8) (*EncodedFrame, error) {
	s.owner.enter()
	defer s.owner.exit()

	if idr {
		if err := s.codec.SendIDRData(s); err != nil {
			s.logger.Error("IDR refresh failed", "err", err)
			return nil, err
		}
		context := core.EventContext{}
		context.Data.I64[0] = target.UnixNano()
		core.EventFire(core.EVENT_CODE_ENCODER_IDR_REFRESH, s, context)
	}

	fence, ok := s.fences[slot]
	if !ok || fence == nil {
		return nil, fmt.Errorf("%w: %d", ErrNoPendingFrame, slot)
	}

	start := time.Now()
	if err := s.device.WaitForFences(s.config.FenceTimeout.Duration, fence); err != nil {
		err = fmt.Errorf("wait for encode fence on slot %d: %w", slot, err)
		s.logger.Error(err.Error())
		return nil, err
	}
	delete(s.fences, slot)

	words, err := s.device.QueryResults(s.queryPool, 0, 1)
	if err == nil && len(words) < 3 {
		err = fmt.Errorf("expected 3 result words, got %d", len(words))
	}
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrQueryFailed, err)
		s.logger.Error(err.Error())
		return nil, err
	}
	offset, size := uint64(words[0]), uint64(words[1])
	if offset+size > uint64(len(s.outputData)) {
		err = fmt.Errorf("%w: [%d, %d) of %d", ErrFeedbackOutOfRange, offset, offset+size, len(s.outputData))
		s.logger.Error(err.Error())
		return nil, err
	}

	s.Metrics.Update(time.Since(start), int(size))
	return &EncodedFrame{
		Data:         s.outputData[offset : offset+size],
		HasOverrides: words[2] != 0,
		Target:       target,
	}, nil
}

// OnFeedback records an acknowledgement. Safe to call from any goroutine.
func (s *Session) OnFeedback(feedback Feedback) {
	if !feedback.SentToDecoder {
		return
	}
	s.ack.Advance(feedback.FrameIndex)
}

// EncodedParameters returns the parameter sets selected by next.
func (s *Session) EncodedParameters(next any) ([]byte, error) {
	if s.parameters == nil {
		return nil, ErrNotInitialized
	}
	return s.device.EncodedVideoSessionParameters(s.parameters, next)
}

// Close destroys every device object of the session. Calling it twice is a no-op.
func (s *Session) Close() {
	for src, view := range s.imageViews {
		view.Destroy()
		delete(s.imageViews, src)
	}
	for i := range s.dpb {
		if s.dpb[i].View != nil {
			s.dpb[i].View.Destroy()
		}
	}
	s.dpb = nil
	if s.queryPool != nil {
		s.queryPool.Destroy()
		s.queryPool = nil
	}
	if s.parameters != nil {
		s.parameters.Destroy()
		s.parameters = nil
	}
	if s.session != nil {
		s.session.Destroy()
		s.session = nil
	}
	for _, mem := range s.memory {
		mem.Free()
	}
	s.memory = nil
	if s.output != nil {
		s.output.Destroy()
		s.output = nil
		s.outputData = nil
	}
	if s.dpbImage != nil {
		s.dpbImage.Destroy()
		s.dpbImage = nil
	}
	s.initialized = false
	s.sessionInitialized = false
}

// Panics when two goroutines are inside the render entry points at once.
type ownerGuard struct {
	enabled bool
	busy    atomic.Bool
}

func (g *ownerGuard) enter() {
	if g.enabled && !g.busy.CompareAndSwap(false, true) {
		panic(ErrConcurrentRenderAccess)
	}
}

func (g *ownerGuard) exit() {
	if g.enabled {
		g.busy.Store(false)
	}
}
