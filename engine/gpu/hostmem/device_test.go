package hostmem

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/vrstream/engine/core"
	"github.com/spaghettifunk/vrstream/engine/gpu"
)

func TestCopyExecutesAtSubmit(t *testing.T) {
	dev := NewDevice()
	src, err := dev.CreateBuffer(gpu.BufferCreateInfo{Size: 8, Location: gpu.MemoryHostVisible})
	require.NoError(t, err)
	dst, err := dev.CreateBuffer(gpu.BufferCreateInfo{Size: 8, Location: gpu.MemoryDeviceLocal})
	require.NoError(t, err)

	host, err := src.Map()
	require.NoError(t, err)
	copy(host, []byte{1, 2, 3, 4, 5, 6, 7, 8})

	_, err = dst.Map()
	assert.ErrorIs(t, err, ErrNotHostVisible)

	cb, err := dev.AllocateCommandBuffer()
	require.NoError(t, err)
	require.NoError(t, cb.Begin())
	cb.CopyBuffer(src, dst, gpu.BufferCopy{SrcOffset: 2, DstOffset: 0, Size: 4})
	require.NoError(t, cb.End())

	// Nothing happens before submission.
	assert.Equal(t, make([]byte, 8), dst.(*Buffer).Bytes())

	fence, err := dev.CreateFence(false)
	require.NoError(t, err)
	assert.ErrorIs(t, dev.WaitForFences(time.Millisecond, fence), core.ErrFenceTimeout)

	require.NoError(t, dev.Submit(cb, fence))
	require.NoError(t, dev.WaitForFences(time.Millisecond, fence))
	assert.Equal(t, []byte{3, 4, 5, 6, 0, 0, 0, 0}, dst.(*Buffer).Bytes())
	assert.Equal(t, 1, dev.Submits())

	require.NoError(t, dev.ResetFences(fence))
	assert.False(t, fence.(*Fence).Signaled())
}

func TestSubmitRequiresEnd(t *testing.T) {
	dev := NewDevice()
	cb, err := dev.AllocateCommandBuffer()
	require.NoError(t, err)
	require.NoError(t, cb.Begin())
	assert.ErrorIs(t, dev.Submit(cb, nil), ErrNotEnded)
}

func TestImageUploadAndBarrier(t *testing.T) {
	dev := NewDevice()
	img, err := dev.CreateImage(gpu.ImageCreateInfo{
		Format:    gpu.FormatR8G8B8A8Unorm,
		Extent:    gpu.Extent3D{Width: 2, Height: 2, Depth: 1},
		MipLevels: 2,
	})
	require.NoError(t, err)
	staging, err := dev.CreateBuffer(gpu.BufferCreateInfo{Size: 20, Location: gpu.MemoryHostVisible})
	require.NoError(t, err)
	host, _ := staging.Map()
	for i := range host {
		host[i] = byte(i)
	}

	cb := NewCommandBuffer()
	require.NoError(t, cb.Begin())
	full := gpu.ImageSubresourceRange{LevelCount: 2, LayerCount: 1}
	cb.PipelineBarrier(gpu.ImageBarrier{Image: img, OldLayout: gpu.ImageLayoutUndefined, NewLayout: gpu.ImageLayoutTransferDst, Range: full})
	cb.CopyBufferToImage(staging, img, gpu.ImageLayoutTransferDst,
		gpu.BufferImageCopy{BufferOffset: 0, MipLevel: 0},
		gpu.BufferImageCopy{BufferOffset: 16, MipLevel: 1},
	)
	cb.PipelineBarrier(gpu.ImageBarrier{Image: img, OldLayout: gpu.ImageLayoutTransferDst, NewLayout: gpu.ImageLayoutShaderReadOnly, Range: full})
	require.NoError(t, cb.End())
	require.NoError(t, dev.Submit(cb, nil))

	hi := img.(*Image)
	assert.Len(t, hi.Level(0, 0), 16)
	assert.Equal(t, []byte{16, 17, 18, 19}, hi.Level(1, 0))
	assert.Equal(t, gpu.ImageLayoutShaderReadOnly, hi.Layout(0))
}

func TestLiveAccounting(t *testing.T) {
	dev := NewDevice()
	b, _ := dev.CreateBuffer(gpu.BufferCreateInfo{Size: 4})
	img, _ := dev.CreateImage(gpu.ImageCreateInfo{Format: gpu.FormatR8G8B8A8Srgb, Extent: gpu.Extent3D{Width: 1, Height: 1}})
	view, err := dev.CreateImageView(gpu.ImageViewCreateInfo{Image: img})
	require.NoError(t, err)

	buffers, images, views := dev.Live()
	assert.Equal(t, [3]int{1, 1, 1}, [3]int{buffers, images, views})

	view.Destroy()
	img.Destroy()
	b.Destroy()
	b.Destroy()
	buffers, images, views = dev.Live()
	assert.Equal(t, [3]int{0, 0, 0}, [3]int{buffers, images, views})
}

func TestSharedBufferRelease(t *testing.T) {
	dev := NewDevice()
	b, _ := dev.CreateBuffer(gpu.BufferCreateInfo{Size: 4})
	shared := gpu.NewSharedBuffer(b)
	shared.Acquire()

	assert.False(t, shared.Release())
	assert.False(t, b.(*Buffer).Destroyed())
	assert.True(t, shared.Release())
	assert.True(t, b.(*Buffer).Destroyed())
	assert.Panics(t, func() { shared.Release() })
}
