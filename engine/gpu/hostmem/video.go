package hostmem

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/spaghettifunk/vrstream/engine/encoder"
	"github.com/spaghettifunk/vrstream/engine/gpu"
)

var ErrQueryNotReady = errors.New("query result not available")

// Annex B start code followed by a NAL header byte.
var (
	nalIDR   = []byte{0x00, 0x00, 0x00, 0x01, 0x65}
	nalSlice = []byte{0x00, 0x00, 0x00, 0x01, 0x41}
)

// Bytes of source luma copied into each synthetic frame.
const sampleBytes = 16

/**
 * @brief A VideoDevice whose "hardware encoder" writes a small synthetic
 * bitstream: a start code, an IDR or slice NAL header byte, the reference
 * slot and the first luma bytes of the source. Enough to drive an encoder
 * session end to end without a GPU.
 */
type VideoDevice struct {
	*Device

	// Formats returned by VideoFormatProperties, per image usage.
	Formats map[gpu.ImageUsage][]encoder.VideoFormatProperties
	// ParameterSets is what EncodedVideoSessionParameters returns.
	ParameterSets []byte

	vmu          sync.Mutex
	liveSessions int
	liveMemory   int
	liveParams   int
	livePools    int
	paramQueries []any
}

var _ encoder.VideoDevice = (*VideoDevice)(nil)
var _ encoder.VideoCommandBuffer = (*VideoCommandBuffer)(nil)

func NewVideoDevice() *VideoDevice {
	nv12 := []encoder.VideoFormatProperties{{Format: gpu.FormatG8B8R82Plane420Unorm}}
	return &VideoDevice{
		Device: NewDevice(),
		Formats: map[gpu.ImageUsage][]encoder.VideoFormatProperties{
			gpu.ImageUsageVideoEncodeSrc: nv12,
			gpu.ImageUsageVideoEncodeDpb: nv12,
		},
		ParameterSets: []byte{0x00, 0x00, 0x00, 0x01, 0x67, 0x00, 0x00, 0x00, 0x01, 0x68},
	}
}

func (d *VideoDevice) AllocateVideoCommandBuffer() (*VideoCommandBuffer, error) {
	return NewVideoCommandBuffer(), nil
}

func (d *VideoDevice) VideoFormatProperties(info encoder.VideoFormatInfo) ([]encoder.VideoFormatProperties, error) {
	return d.Formats[info.ImageUsage], nil
}

func (d *VideoDevice) AllocateMemory(size uint64, memoryTypeBits uint32) (encoder.DeviceMemory, error) {
	d.vmu.Lock()
	d.liveMemory++
	d.vmu.Unlock()
	return &DeviceMemory{dev: d, data: make([]byte, size)}, nil
}

func (d *VideoDevice) CreateVideoSession(info encoder.VideoSessionCreateInfo) (encoder.VideoSession, error) {
	if info.MaxDpbSlots == 0 || info.MaxActiveReferencePictures >= info.MaxDpbSlots {
		return nil, fmt.Errorf("create video session: invalid DPB configuration %d/%d", info.MaxActiveReferencePictures, info.MaxDpbSlots)
	}
	d.vmu.Lock()
	d.liveSessions++
	d.vmu.Unlock()
	return &VideoSession{dev: d, info: info}, nil
}

func (d *VideoDevice) CreateVideoSessionParameters(session encoder.VideoSession, next any) (encoder.VideoSessionParameters, error) {
	if _, ok := session.(*VideoSession); !ok {
		return nil, fmt.Errorf("create video session parameters: %w", ErrForeignObject)
	}
	d.vmu.Lock()
	d.liveParams++
	d.vmu.Unlock()
	return &VideoSessionParameters{dev: d, next: next}, nil
}

func (d *VideoDevice) EncodedVideoSessionParameters(params encoder.VideoSessionParameters, next any) ([]byte, error) {
	if _, ok := params.(*VideoSessionParameters); !ok {
		return nil, fmt.Errorf("encoded video session parameters: %w", ErrForeignObject)
	}
	d.vmu.Lock()
	d.paramQueries = append(d.paramQueries, next)
	d.vmu.Unlock()
	return append([]byte(nil), d.ParameterSets...), nil
}

// ParameterQueries returns the next structures EncodedVideoSessionParameters was called with.
func (d *VideoDevice) ParameterQueries() []any {
	d.vmu.Lock()
	defer d.vmu.Unlock()
	return append([]any(nil), d.paramQueries...)
}

func (d *VideoDevice) CreateQueryPool(info encoder.QueryPoolCreateInfo) (encoder.QueryPool, error) {
	if info.Count == 0 {
		return nil, fmt.Errorf("create query pool: empty pool")
	}
	d.vmu.Lock()
	d.livePools++
	d.vmu.Unlock()
	return &QueryPool{
		dev:       d,
		words:     make([]uint32, 3*info.Count),
		available: make([]bool, info.Count),
	}, nil
}

func (d *VideoDevice) QueryResults(pool encoder.QueryPool, first, count uint32) ([]uint32, error) {
	p, ok := pool.(*QueryPool)
	if !ok {
		return nil, fmt.Errorf("query results: %w", ErrForeignObject)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if int(first+count) > len(p.available) {
		return nil, fmt.Errorf("query results: [%d, %d) out of range", first, first+count)
	}
	for q := first; q < first+count; q++ {
		if !p.available[q] {
			return nil, ErrQueryNotReady
		}
	}
	return append([]uint32(nil), p.words[3*first:3*(first+count)]...), nil
}

// LiveVideo reports the number of sessions, memory allocations, parameter
// objects and query pools not yet destroyed.
func (d *VideoDevice) LiveVideo() (sessions, memory, params, pools int) {
	d.vmu.Lock()
	defer d.vmu.Unlock()
	return d.liveSessions, d.liveMemory, d.liveParams, d.livePools
}

type DeviceMemory struct {
	dev   *VideoDevice
	data  []byte
	freed bool
}

func (m *DeviceMemory) Free() {
	if m.freed {
		return
	}
	m.freed = true
	m.data = nil
	m.dev.vmu.Lock()
	m.dev.liveMemory--
	m.dev.vmu.Unlock()
}

type VideoSession struct {
	dev       *VideoDevice
	info      encoder.VideoSessionCreateInfo
	bound     []encoder.MemoryBind
	destroyed bool
}

func (s *VideoSession) Info() encoder.VideoSessionCreateInfo {
	return s.info
}

func (s *VideoSession) MemoryRequirements() ([]encoder.MemoryRequirements, error) {
	// One bind for the session state, one per DPB slot for its metadata.
	reqs := []encoder.MemoryRequirements{{MemoryBindIndex: 0, Size: 64 << 10, Alignment: 256, MemoryTypeBits: 1}}
	for i := uint32(0); i < s.info.MaxDpbSlots; i++ {
		reqs = append(reqs, encoder.MemoryRequirements{MemoryBindIndex: i + 1, Size: 4 << 10, Alignment: 256, MemoryTypeBits: 1})
	}
	return reqs, nil
}

func (s *VideoSession) BindMemory(binds []encoder.MemoryBind) error {
	for _, b := range binds {
		if b.Memory == nil {
			return fmt.Errorf("bind video session memory %d: no memory", b.MemoryBindIndex)
		}
	}
	s.bound = append(s.bound, binds...)
	return nil
}

// Bound returns the memory bound so far.
func (s *VideoSession) Bound() []encoder.MemoryBind {
	return s.bound
}

func (s *VideoSession) Destroy() {
	if s.destroyed {
		return
	}
	s.destroyed = true
	s.dev.vmu.Lock()
	s.dev.liveSessions--
	s.dev.vmu.Unlock()
}

type VideoSessionParameters struct {
	dev       *VideoDevice
	next      any
	destroyed bool
}

func (p *VideoSessionParameters) Destroy() {
	if p.destroyed {
		return
	}
	p.destroyed = true
	p.dev.vmu.Lock()
	p.dev.liveParams--
	p.dev.vmu.Unlock()
}

type QueryPool struct {
	dev       *VideoDevice
	mu        sync.Mutex
	words     []uint32
	available []bool
	destroyed bool
}

func (p *QueryPool) Destroy() {
	if p.destroyed {
		return
	}
	p.destroyed = true
	p.dev.vmu.Lock()
	p.dev.livePools--
	p.dev.vmu.Unlock()
}

/**
 * @brief A CommandBuffer that also records video coding commands. The
 * recorded infos are kept for inspection until the next Begin or Reset.
 */
type VideoCommandBuffer struct {
	*CommandBuffer

	Begins   []encoder.BeginCodingInfo
	Controls []encoder.CodingControlInfo
	Encodes  []encoder.EncodeInfo

	// Result of the last encode, written to the active query on EndQuery.
	written     [3]uint32
	activeQuery *QueryPool
}

func NewVideoCommandBuffer() *VideoCommandBuffer {
	return &VideoCommandBuffer{CommandBuffer: NewCommandBuffer()}
}

func (c *VideoCommandBuffer) Begin() error {
	c.clear()
	return c.CommandBuffer.Begin()
}

func (c *VideoCommandBuffer) Reset() error {
	c.clear()
	return c.CommandBuffer.Reset()
}

func (c *VideoCommandBuffer) clear() {
	c.Begins = c.Begins[:0]
	c.Controls = c.Controls[:0]
	c.Encodes = c.Encodes[:0]
}

func (c *VideoCommandBuffer) ResetQueryPool(pool encoder.QueryPool, first, count uint32) {
	c.Record(func() error {
		p, ok := pool.(*QueryPool)
		if !ok {
			return ErrForeignObject
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		for q := first; q < first+count && int(q) < len(p.available); q++ {
			p.available[q] = false
			copy(p.words[3*q:3*q+3], []uint32{0, 0, 0})
		}
		return nil
	})
}

func (c *VideoCommandBuffer) BeginVideoCoding(info encoder.BeginCodingInfo) {
	info.ReferenceSlots = append([]encoder.ReferenceSlotInfo(nil), info.ReferenceSlots...)
	c.Begins = append(c.Begins, info)
}

func (c *VideoCommandBuffer) ControlVideoCoding(info encoder.CodingControlInfo) {
	c.Controls = append(c.Controls, info)
}

func (c *VideoCommandBuffer) EncodeVideo(info encoder.EncodeInfo) {
	info.ReferenceSlots = append([]encoder.ReferenceSlotInfo(nil), info.ReferenceSlots...)
	if info.SetupReferenceSlot != nil {
		setup := *info.SetupReferenceSlot
		info.SetupReferenceSlot = &setup
	}
	c.Encodes = append(c.Encodes, info)

	c.Record(func() error {
		dst, ok := info.DstBuffer.(*Buffer)
		if !ok {
			return ErrForeignObject
		}
		view, ok := info.SrcPicture.View.(*ImageView)
		if !ok {
			return ErrForeignObject
		}

		frame := make([]byte, 0, len(nalIDR)+1+sampleBytes)
		if len(info.ReferenceSlots) == 0 {
			frame = append(frame, nalIDR...)
			frame = append(frame, 0xff)
		} else {
			frame = append(frame, nalSlice...)
			frame = append(frame, byte(info.ReferenceSlots[0].SlotIndex))
		}
		luma := view.image.Level(view.rng.BaseMipLevel, view.rng.BaseArrayLayer)
		frame = append(frame, luma[:min(sampleBytes, len(luma))]...)

		if info.DstBufferOffset+uint64(len(frame)) > uint64(len(dst.data)) {
			return fmt.Errorf("encode: bitstream does not fit the output buffer")
		}
		copy(dst.data[info.DstBufferOffset:], frame)
		c.written = [3]uint32{uint32(info.DstBufferOffset), uint32(len(frame)), 0}
		return nil
	})
}

func (c *VideoCommandBuffer) BeginQuery(pool encoder.QueryPool, query uint32) {
	c.Record(func() error {
		p, ok := pool.(*QueryPool)
		if !ok {
			return ErrForeignObject
		}
		c.activeQuery = p
		return nil
	})
}

func (c *VideoCommandBuffer) EndQuery(pool encoder.QueryPool, query uint32) {
	c.Record(func() error {
		p, ok := pool.(*QueryPool)
		if !ok || p != c.activeQuery {
			return fmt.Errorf("end query: query was not begun")
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		if int(query) >= len(p.available) {
			return fmt.Errorf("end query: query %d out of range", query)
		}
		copy(p.words[3*query:], c.written[:])
		p.available[query] = true
		c.activeQuery = nil
		return nil
	})
}

func (c *VideoCommandBuffer) EndVideoCoding() {}

// ReadFrameHeader splits a synthetic frame into its NAL header byte and reference slot.
func ReadFrameHeader(frame []byte) (nal byte, ref int8, err error) {
	if len(frame) < len(nalIDR)+1 || binary.BigEndian.Uint32(frame) != 1 {
		return 0, 0, fmt.Errorf("not a synthetic frame")
	}
	return frame[4], int8(frame[5]), nil
}
