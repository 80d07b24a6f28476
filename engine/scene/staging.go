package scene

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/spaghettifunk/vrstream/engine/core"
	"github.com/spaghettifunk/vrstream/engine/gpu"
	"github.com/spaghettifunk/vrstream/engine/math"
)

/**
 * @brief Accumulates vertices, indices and uniforms on the host before a
 * single copy to device memory. Every Add returns the byte offset of the
 * data in the final buffer.
 */
type StagingBuffer struct {
	data             []byte
	uniformAlignment uint64
}

func NewStagingBuffer(limits gpu.Limits) *StagingBuffer {
	return &StagingBuffer{uniformAlignment: max(limits.MinUniformBufferOffsetAlignment, 1)}
}

func (sb *StagingBuffer) Size() uint64 {
	return uint64(len(sb.data))
}

// Bytes is the content accumulated so far.
func (sb *StagingBuffer) Bytes() []byte {
	return sb.data
}

// Add appends raw bytes at the next multiple of alignment.
func (sb *StagingBuffer) Add(data []byte, alignment uint64) uint64 {
	offset := math.Align(uint64(len(sb.data)), max(alignment, 1))
	if pad := offset - uint64(len(sb.data)); pad > 0 {
		sb.data = append(sb.data, make([]byte, pad)...)
	}
	sb.data = append(sb.data, data...)
	return offset
}

// AddUniform appends the little endian encoding of v at the device uniform alignment.
func (sb *StagingBuffer) AddUniform(v any) uint64 {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
		// Only fixed size values are ever written.
		panic(fmt.Sprintf("staging buffer: %s", err))
	}
	return sb.Add(buf.Bytes(), sb.uniformAlignment)
}

func (sb *StagingBuffer) AddVertices(vertices []Vertex) uint64 {
	return sb.Add(encodeVertices(vertices), 4)
}

// addIndices appends the indices read by r, each written with the width of indexType.
func (sb *StagingBuffer) addIndices(r *accessorReader, indexType gpu.IndexType) uint64 {
	size := indexType.Size()
	out := make([]byte, uint64(r.Count())*size)
	for i := 0; i < r.Count(); i++ {
		v := r.Uint(i, 0)
		switch indexType {
		case gpu.IndexTypeUint8:
			out[i] = uint8(v)
		case gpu.IndexTypeUint16:
			binary.LittleEndian.PutUint16(out[uint64(i)*size:], uint16(v))
		default:
			binary.LittleEndian.PutUint32(out[uint64(i)*size:], v)
		}
	}
	return sb.Add(out, 4)
}

/**
 * @brief Copies the content to a new device local buffer and waits for the copy.
 * @param dev The device to allocate on.
 * @param timeout Maximum time to wait for the transfer.
 * @return The device local buffer. The staging memory is released before returning.
 */
func (sb *StagingBuffer) CopyToGPU(dev gpu.Device, timeout time.Duration) (gpu.Buffer, error) {
	size := sb.Size()

	staging, err := dev.CreateBuffer(gpu.BufferCreateInfo{
		Size:     size,
		Usage:    gpu.BufferUsageTransferSrc,
		Location: gpu.MemoryHostVisible,
	})
	if err != nil {
		return nil, err
	}
	defer staging.Destroy()

	mapped, err := staging.Map()
	if err != nil {
		return nil, err
	}
	copy(mapped, sb.data)

	buffer, err := dev.CreateBuffer(gpu.BufferCreateInfo{
		Size:     size,
		Usage:    gpu.BufferUsageTransferDst | gpu.BufferUsageVertex | gpu.BufferUsageIndex | gpu.BufferUsageUniform,
		Location: gpu.MemoryDeviceLocal,
	})
	if err != nil {
		return nil, err
	}

	if err := submitAndWait(dev, timeout, func(cb gpu.CommandBuffer) {
		cb.CopyBuffer(staging, buffer, gpu.BufferCopy{Size: size})
	}); err != nil {
		buffer.Destroy()
		return nil, err
	}
	return buffer, nil
}

// submitAndWait records a one time command buffer with record, submits it and waits for it.
func submitAndWait(dev gpu.Device, timeout time.Duration, record func(cb gpu.CommandBuffer)) error {
	cb, err := dev.AllocateCommandBuffer()
	if err != nil {
		return err
	}
	defer cb.Free()

	fence, err := dev.CreateFence(false)
	if err != nil {
		return err
	}
	defer fence.Destroy()

	if err := cb.Begin(); err != nil {
		return err
	}
	record(cb)
	if err := cb.End(); err != nil {
		return err
	}
	if err := dev.Submit(cb, fence); err != nil {
		return err
	}
	if err := dev.WaitForFences(timeout, fence); err != nil {
		err = fmt.Errorf("waiting for the scene upload: %w", err)
		core.LogError(err.Error())
		return err
	}
	return nil
}
