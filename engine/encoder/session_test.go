package encoder_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/vrstream/engine/core"
	"github.com/spaghettifunk/vrstream/engine/encoder"
	"github.com/spaghettifunk/vrstream/engine/gpu"
	"github.com/spaghettifunk/vrstream/engine/gpu/hostmem"
)

var testRect = gpu.Rect2D{Extent: gpu.Extent2D{Width: 60, Height: 30}}

var testVideoCaps = encoder.VideoCapabilities{
	PictureAccessGranularity:        gpu.Extent2D{Width: 16, Height: 16},
	MinBitstreamBufferSizeAlignment: 256,
	MaxDpbSlots:                     16,
	MaxActiveReferencePictures:      15,
}

var testEncodeCaps = encoder.VideoEncodeCapabilities{
	RateControlModes: encoder.RATE_CONTROL_MODE_CBR | encoder.RATE_CONTROL_MODE_VBR,
	MaxBitrate:       50_000_000,
}

func newSession(t *testing.T, dev encoder.VideoDevice, cfg core.EncoderConfig, codec encoder.Codec) *encoder.Session {
	t.Helper()
	if codec == nil {
		codec = encoder.NewH264Codec(nil)
	}
	s, err := encoder.New(dev, testRect, testEncodeCaps, 90, 20_000_000, codec, cfg)
	require.NoError(t, err)
	require.NoError(t, s.Init(testVideoCaps, &encoder.VideoProfile{Operation: encoder.VIDEO_CODEC_OPERATION_ENCODE_H264}, nil, nil))
	t.Cleanup(s.Close)
	return s
}

func newSource(t *testing.T, dev *hostmem.VideoDevice, fill byte) gpu.Image {
	t.Helper()
	img, err := dev.CreateImage(gpu.ImageCreateInfo{
		Format: gpu.FormatG8B8R82Plane420Unorm,
		Extent: gpu.Extent3D{Width: 64, Height: 32, Depth: 1},
		Usage:  gpu.ImageUsageVideoEncodeSrc,
	})
	require.NoError(t, err)
	luma := img.(*hostmem.Image).Level(0, 0)
	for i := range luma {
		luma[i] = fill
	}
	t.Cleanup(img.Destroy)
	return img
}

// present records and submits one frame.
func present(t *testing.T, dev *hostmem.VideoDevice, s *encoder.Session, src gpu.Image, slot uint8, frameIndex uint64) *hostmem.VideoCommandBuffer {
	t.Helper()
	cb, fence := presentNoSubmit(t, dev, s, src, slot, frameIndex)
	require.NoError(t, dev.Submit(cb, fence))
	return cb
}

func presentNoSubmit(t *testing.T, dev *hostmem.VideoDevice, s *encoder.Session, src gpu.Image, slot uint8, frameIndex uint64) (*hostmem.VideoCommandBuffer, gpu.Fence) {
	t.Helper()
	cb, err := dev.AllocateVideoCommandBuffer()
	require.NoError(t, err)
	require.NoError(t, cb.Begin())
	fence, err := dev.CreateFence(false)
	require.NoError(t, err)
	require.NoError(t, s.PresentImage(src, cb, fence, slot, frameIndex))
	return cb, fence
}

func encodeFrame(t *testing.T, s *encoder.Session, slot uint8) *encoder.EncodedFrame {
	t.Helper()
	frame, err := s.Encode(false, time.Now(), slot)
	require.NoError(t, err)
	return frame
}

func registerCounter(t *testing.T, code core.SystemEventCode) *[]core.EventContext {
	t.Helper()
	var fired []core.EventContext
	core.EventRegister(code, nil, func(code core.SystemEventCode, sender, listener interface{}, data core.EventContext) bool {
		fired = append(fired, data)
		return true
	})
	t.Cleanup(core.EventReset)
	return &fired
}

func TestSessionInitAllocations(t *testing.T) {
	dev := hostmem.NewVideoDevice()
	cfg := core.DefaultEncoderConfig()
	s, err := encoder.New(dev, testRect, testEncodeCaps, 90, 20_000_000, encoder.NewH264Codec(nil), cfg)
	require.NoError(t, err)
	require.NoError(t, s.Init(testVideoCaps, &encoder.VideoProfile{Operation: encoder.VIDEO_CODEC_OPERATION_ENCODE_H264}, nil, nil))

	buffers, images, views := dev.Live()
	assert.Equal(t, 1, buffers)
	assert.Equal(t, 1, images)
	assert.Equal(t, 2, views)
	sessions, memory, params, pools := dev.LiveVideo()
	assert.Equal(t, 1, sessions)
	assert.Equal(t, 3, memory)
	assert.Equal(t, 1, params)
	assert.Equal(t, 1, pools)

	slots := s.Slots()
	require.Len(t, slots, 2)
	dpb := slots[0].View.Image()
	assert.Equal(t, gpu.Extent3D{Width: 64, Height: 32, Depth: 1}, dpb.Extent())
	assert.Equal(t, uint32(2), dpb.ArrayLayers())
	for i, slot := range slots {
		assert.Equal(t, int32(-1), slot.Info.SlotIndex)
		assert.Equal(t, encoder.EmptyFrameIndex, slot.FrameIndex)
		assert.Equal(t, uint32(i), slot.View.Range().BaseArrayLayer)
		assert.Equal(t, testRect.Extent, slot.Resource.CodedExtent)
	}

	s.Close()
	s.Close()
	buffers, images, views = dev.Live()
	assert.Zero(t, buffers+images+views)
	sessions, memory, params, pools = dev.LiveVideo()
	assert.Zero(t, sessions+memory+params+pools)
}

func TestSessionInitFormatErrors(t *testing.T) {
	tests := []struct {
		name    string
		formats map[gpu.ImageUsage][]encoder.VideoFormatProperties
		want    error
	}{
		{
			name: "rgba source",
			formats: map[gpu.ImageUsage][]encoder.VideoFormatProperties{
				gpu.ImageUsageVideoEncodeSrc: {{Format: gpu.FormatR8G8B8A8Unorm}},
				gpu.ImageUsageVideoEncodeDpb: {{Format: gpu.FormatG8B8R82Plane420Unorm}},
			},
			want: encoder.ErrUnsupportedFormat,
		},
		{
			name: "no source format",
			formats: map[gpu.ImageUsage][]encoder.VideoFormatProperties{
				gpu.ImageUsageVideoEncodeDpb: {{Format: gpu.FormatG8B8R82Plane420Unorm}},
			},
			want: encoder.ErrNoSuitableFormat,
		},
		{
			name: "no reference format",
			formats: map[gpu.ImageUsage][]encoder.VideoFormatProperties{
				gpu.ImageUsageVideoEncodeSrc: {{Format: gpu.FormatG8B8R82Plane420Unorm}},
			},
			want: encoder.ErrNoSuitableFormat,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := hostmem.NewVideoDevice()
			dev.Formats = tt.formats
			s, err := encoder.New(dev, testRect, testEncodeCaps, 90, 20_000_000, encoder.NewH264Codec(nil), core.DefaultEncoderConfig())
			require.NoError(t, err)
			err = s.Init(testVideoCaps, &encoder.VideoProfile{}, nil, nil)
			assert.ErrorIs(t, err, tt.want)

			buffers, images, views := dev.Live()
			assert.Zero(t, buffers+images+views)

			src := newSource(t, dev, 0)
			cb := hostmem.NewVideoCommandBuffer()
			require.NoError(t, cb.Begin())
			assert.ErrorIs(t, s.PresentImage(src, cb, nil, 0, 1), encoder.ErrNotInitialized)
		})
	}
}

func TestNewRejectsSingleSlot(t *testing.T) {
	cfg := core.DefaultEncoderConfig()
	cfg.NumDpbSlots = 1
	_, err := encoder.New(hostmem.NewVideoDevice(), testRect, testEncodeCaps, 90, 20_000_000, encoder.NewH264Codec(nil), cfg)
	assert.Error(t, err)
}

func TestPresentFirstCallInitializesSession(t *testing.T) {
	dev := hostmem.NewVideoDevice()
	s := newSession(t, dev, core.DefaultEncoderConfig(), nil)
	src := newSource(t, dev, 0x10)

	cb := present(t, dev, s, src, 0, 1)
	require.Len(t, cb.Begins, 1)
	assert.Nil(t, cb.Begins[0].RateControl)
	require.Len(t, cb.Controls, 1)
	assert.Equal(t, encoder.CODING_CONTROL_RESET|encoder.CODING_CONTROL_ENCODE_RATE_CONTROL, cb.Controls[0].Flags)
	assert.Same(t, s.RateControl(), cb.Controls[0].RateControl)
	// query reset, barrier, begin query, encode, end query
	assert.Equal(t, 5, cb.Len())

	dpb := s.Slots()[0].View.Image().(*hostmem.Image)
	assert.Equal(t, gpu.ImageLayoutVideoEncodeDpb, dpb.Layout(0))
	assert.Equal(t, gpu.ImageLayoutVideoEncodeDpb, dpb.Layout(1))

	frame := encodeFrame(t, s, 0)
	nal, _, err := hostmem.ReadFrameHeader(frame.Data)
	require.NoError(t, err)
	assert.Equal(t, byte(0x65), nal)
	assert.Equal(t, byte(0x10), frame.Data[len(frame.Data)-1])

	cb = present(t, dev, s, src, 1, 2)
	require.Len(t, cb.Begins, 1)
	assert.Same(t, s.RateControl(), cb.Begins[0].RateControl)
	assert.Empty(t, cb.Controls)
	assert.Equal(t, 4, cb.Len())
}

func TestPresentWithoutRateControl(t *testing.T) {
	dev := hostmem.NewVideoDevice()
	cfg := core.DefaultEncoderConfig()
	s, err := encoder.New(dev, testRect, encoder.VideoEncodeCapabilities{}, 90, 20_000_000, encoder.NewH264Codec(nil), cfg)
	require.NoError(t, err)
	require.NoError(t, s.Init(testVideoCaps, &encoder.VideoProfile{}, nil, nil))
	defer s.Close()
	require.Nil(t, s.RateControl())

	src := newSource(t, dev, 0)
	cb := present(t, dev, s, src, 0, 1)
	require.Len(t, cb.Controls, 1)
	assert.Equal(t, encoder.CODING_CONTROL_RESET, cb.Controls[0].Flags)
	assert.Nil(t, cb.Controls[0].RateControl)

	cb = present(t, dev, s, src, 0, 2)
	assert.Nil(t, cb.Begins[0].RateControl)
}

func TestReferenceSelectionIsDeterministic(t *testing.T) {
	dev := hostmem.NewVideoDevice()
	s := newSession(t, dev, core.DefaultEncoderConfig(), nil)
	src := newSource(t, dev, 0)

	type step struct {
		setup int32
		ref   int32 // -1 for none
	}
	want := []step{{0, -1}, {1, 0}, {0, 1}, {1, 0}, {0, 1}}
	for i, w := range want {
		frameIndex := uint64(i + 1)
		cb := present(t, dev, s, src, 0, frameIndex)
		require.Len(t, cb.Encodes, 1)
		info := cb.Encodes[0]

		require.NotNil(t, info.SetupReferenceSlot)
		assert.Equal(t, w.setup, info.SetupReferenceSlot.SlotIndex, "frame %d", frameIndex)
		pic := info.Next.(*encoder.H264PictureInfo)
		assert.Equal(t, uint32(i), pic.FrameNum)
		if w.ref < 0 {
			assert.Empty(t, info.ReferenceSlots, "frame %d", frameIndex)
			assert.Equal(t, encoder.PICTURE_TYPE_IDR, pic.PrimaryPicType)
		} else {
			require.Len(t, info.ReferenceSlots, 1, "frame %d", frameIndex)
			assert.Equal(t, w.ref, info.ReferenceSlots[0].SlotIndex, "frame %d", frameIndex)
			assert.Equal(t, []int32{w.ref}, pic.RefList0)
			assert.Equal(t, encoder.PICTURE_TYPE_P, pic.PrimaryPicType)
		}

		// The output slot is inactive while coding begins.
		begin := cb.Begins[0].ReferenceSlots
		require.Len(t, begin, 2)
		assert.Equal(t, int32(-1), begin[w.setup].SlotIndex)

		frame := encodeFrame(t, s, 0)
		nal, ref, err := hostmem.ReadFrameHeader(frame.Data)
		require.NoError(t, err)
		if w.ref < 0 {
			assert.Equal(t, byte(0x65), nal)
		} else {
			assert.Equal(t, byte(0x41), nal)
			assert.Equal(t, int8(w.ref), ref)
		}
	}
}

func TestReferencePrefersAcknowledgedFrame(t *testing.T) {
	dev := hostmem.NewVideoDevice()
	cfg := core.DefaultEncoderConfig()
	cfg.NumDpbSlots = 3
	s := newSession(t, dev, cfg, nil)
	src := newSource(t, dev, 0)

	for f := uint64(1); f <= 3; f++ {
		present(t, dev, s, src, 0, f)
	}
	s.OnFeedback(encoder.Feedback{FrameIndex: 2, SentToDecoder: true})
	s.OnFeedback(encoder.Feedback{FrameIndex: 3, SentToDecoder: false})
	assert.Equal(t, uint64(2), s.LastAck())

	cb := present(t, dev, s, src, 0, 4)
	info := cb.Encodes[0]
	// Frame 1 is evicted; frame 2 is preferred over the newer frame 3.
	assert.Equal(t, int32(0), info.SetupReferenceSlot.SlotIndex)
	require.Len(t, info.ReferenceSlots, 1)
	assert.Equal(t, int32(1), info.ReferenceSlots[0].SlotIndex)
	assert.Equal(t, uint64(2), s.Slots()[1].FrameIndex)
}

func TestForcedResetWithoutAck(t *testing.T) {
	dev := hostmem.NewVideoDevice()
	cfg := core.DefaultEncoderConfig()
	s := newSession(t, dev, cfg, nil)
	src := newSource(t, dev, 0)
	fired := registerCounter(t, core.EVENT_CODE_ENCODER_FORCED_RESET)

	n := uint64(cfg.MaxFramesWithoutAck)
	for f := uint64(1); f <= n; f++ {
		cb := present(t, dev, s, src, 0, f)
		if f > 1 {
			require.Len(t, cb.Encodes[0].ReferenceSlots, 1, "frame %d", f)
		}
	}
	assert.Empty(t, *fired)

	cb := present(t, dev, s, src, 0, n+1)
	info := cb.Encodes[0]
	assert.Empty(t, info.ReferenceSlots)
	pic := info.Next.(*encoder.H264PictureInfo)
	assert.Equal(t, encoder.PICTURE_TYPE_IDR, pic.PrimaryPicType)
	assert.Equal(t, uint32(0), pic.FrameNum)

	require.Len(t, *fired, 1)
	assert.Equal(t, n+1, (*fired)[0].Data.U64[0])
	assert.Equal(t, uint32(n), (*fired)[0].Data.U32[0])
	assert.Equal(t, uint64(1), s.Metrics.ForcedResets)

	valid := 0
	for _, slot := range s.Slots() {
		if slot.Valid() {
			valid++
			assert.Equal(t, n+1, slot.FrameIndex)
		} else {
			assert.Equal(t, encoder.EmptyFrameIndex, slot.FrameIndex)
		}
	}
	assert.Equal(t, 1, valid)

	cb = present(t, dev, s, src, 0, n+2)
	require.Len(t, cb.Encodes[0].ReferenceSlots, 1)
	assert.Equal(t, uint32(1), cb.Encodes[0].Next.(*encoder.H264PictureInfo).FrameNum)
}

func TestAckKeepsStreamAlive(t *testing.T) {
	dev := hostmem.NewVideoDevice()
	cfg := core.DefaultEncoderConfig()
	cfg.MaxFramesWithoutAck = 4
	s := newSession(t, dev, cfg, nil)
	src := newSource(t, dev, 0)

	for f := uint64(1); f <= 20; f++ {
		cb := present(t, dev, s, src, 0, f)
		if f > 1 {
			assert.Len(t, cb.Encodes[0].ReferenceSlots, 1, "frame %d", f)
		}
		s.OnFeedback(encoder.Feedback{FrameIndex: f, SentToDecoder: true})
	}
	assert.Zero(t, s.Metrics.ForcedResets)
}

func TestEncodeFenceTimeout(t *testing.T) {
	dev := hostmem.NewVideoDevice()
	s := newSession(t, dev, core.DefaultEncoderConfig(), nil)
	src := newSource(t, dev, 0)

	presentNoSubmit(t, dev, s, src, 3, 1)
	_, err := s.Encode(false, time.Now(), 3)
	assert.ErrorIs(t, err, core.ErrFenceTimeout)
}

func TestEncodeUnknownSlot(t *testing.T) {
	dev := hostmem.NewVideoDevice()
	s := newSession(t, dev, core.DefaultEncoderConfig(), nil)
	_, err := s.Encode(false, time.Now(), 7)
	assert.ErrorIs(t, err, encoder.ErrNoPendingFrame)
}

func TestEncodeConsumesPresentedFrame(t *testing.T) {
	dev := hostmem.NewVideoDevice()
	s := newSession(t, dev, core.DefaultEncoderConfig(), nil)
	src := newSource(t, dev, 0)

	present(t, dev, s, src, 1, 1)
	encodeFrame(t, s, 1)

	_, err := s.Encode(false, time.Now(), 1)
	assert.ErrorIs(t, err, encoder.ErrNoPendingFrame)
	assert.Equal(t, uint64(1), s.Metrics.Count)

	present(t, dev, s, src, 1, 2)
	encodeFrame(t, s, 1)
	assert.Equal(t, uint64(2), s.Metrics.Count)
}

type failingQueries struct {
	*hostmem.VideoDevice
	words []uint32
	err   error
}

func (f *failingQueries) QueryResults(pool encoder.QueryPool, first, count uint32) ([]uint32, error) {
	return f.words, f.err
}

func TestEncodeQueryFailure(t *testing.T) {
	tests := []struct {
		name  string
		words []uint32
		err   error
		want  error
	}{
		{"driver error", nil, errors.New("device lost"), encoder.ErrQueryFailed},
		{"short result", []uint32{0, 4}, nil, encoder.ErrQueryFailed},
		{"outside output", []uint32{1 << 20, 16, 0}, nil, encoder.ErrFeedbackOutOfRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host := hostmem.NewVideoDevice()
			dev := &failingQueries{VideoDevice: host, words: tt.words, err: tt.err}
			s := newSession(t, dev, core.DefaultEncoderConfig(), nil)
			src := newSource(t, host, 0)
			present(t, host, s, src, 0, 1)
			_, err := s.Encode(false, time.Now(), 0)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestEncodeIDRRefresh(t *testing.T) {
	dev := hostmem.NewVideoDevice()
	var published [][]byte
	codec := encoder.NewH264Codec(func(data []byte) {
		published = append(published, data)
	})
	s := newSession(t, dev, core.DefaultEncoderConfig(), codec)
	src := newSource(t, dev, 0)
	fired := registerCounter(t, core.EVENT_CODE_ENCODER_IDR_REFRESH)

	present(t, dev, s, src, 0, 1)
	target := time.Unix(100, 42)
	frame, err := s.Encode(true, target, 0)
	require.NoError(t, err)
	assert.Equal(t, target, frame.Target)
	assert.Equal(t, uint64(1), s.Metrics.Count)

	require.Len(t, published, 1)
	assert.Equal(t, dev.ParameterSets, published[0])
	queries := dev.ParameterQueries()
	require.Len(t, queries, 1)
	assert.Equal(t, &encoder.H264ParametersGetInfo{WriteSPS: true, WritePPS: true}, queries[0])

	require.Len(t, *fired, 1)
	assert.Equal(t, target.UnixNano(), (*fired)[0].Data.I64[0])

	params, err := s.EncodedParameters(&encoder.H264ParametersGetInfo{WriteSPS: true})
	require.NoError(t, err)
	assert.Equal(t, dev.ParameterSets, params)
}

func TestSourceViewsAreCached(t *testing.T) {
	dev := hostmem.NewVideoDevice()
	s := newSession(t, dev, core.DefaultEncoderConfig(), nil)
	a := newSource(t, dev, 1)
	b := newSource(t, dev, 2)

	present(t, dev, s, a, 0, 1)
	present(t, dev, s, a, 0, 2)
	_, _, views := dev.Live()
	assert.Equal(t, 3, views)

	cb := present(t, dev, s, b, 0, 3)
	_, _, views = dev.Live()
	assert.Equal(t, 4, views)
	assert.Same(t, b, cb.Encodes[0].SrcPicture.View.Image())
	assert.Equal(t, testRect.Extent, cb.Encodes[0].SrcPicture.CodedExtent)
}

func TestConcurrentFeedback(t *testing.T) {
	dev := hostmem.NewVideoDevice()
	s := newSession(t, dev, core.DefaultEncoderConfig(), nil)

	var wg sync.WaitGroup
	for _, f := range []uint64{5, 3, 7, 2} {
		wg.Add(1)
		go func(f uint64) {
			defer wg.Done()
			s.OnFeedback(encoder.Feedback{FrameIndex: f, SentToDecoder: true})
		}(f)
	}
	wg.Wait()
	assert.Equal(t, uint64(7), s.LastAck())
}

// reentrantCodec calls back into the session while Encode is running.
type reentrantCodec struct {
	*encoder.H264Codec
	session *encoder.Session
}

func (c *reentrantCodec) SendIDRData(src encoder.ParameterSource) error {
	_, err := c.session.Encode(false, time.Now(), 0)
	return err
}

func TestOwnerGuardDetectsReentry(t *testing.T) {
	dev := hostmem.NewVideoDevice()
	cfg := core.DefaultEncoderConfig()
	cfg.Debug = true
	codec := &reentrantCodec{H264Codec: encoder.NewH264Codec(nil)}
	s := newSession(t, dev, cfg, codec)
	codec.session = s

	assert.PanicsWithValue(t, encoder.ErrConcurrentRenderAccess, func() {
		_, _ = s.Encode(true, time.Now(), 0)
	})

	// The guard is released once the panic unwinds.
	src := newSource(t, dev, 0)
	present(t, dev, s, src, 0, 1)
	encodeFrame(t, s, 0)
}
