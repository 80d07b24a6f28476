// Package hostmem implements gpu.Device on plain host memory. Command buffers
// are recorded as closures and executed synchronously at submission, which
// signals the fence. Used by tests and by headless tools.
package hostmem

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/spaghettifunk/vrstream/engine/core"
	"github.com/spaghettifunk/vrstream/engine/gpu"
)

var (
	ErrNotHostVisible = errors.New("buffer is not host visible")
	ErrNotEnded       = errors.New("command buffer is still recording")
	ErrForeignObject  = errors.New("object was not created by a hostmem device")
)

type Device struct {
	limits gpu.Limits

	mu           sync.Mutex
	submits      int
	liveBuffers  int
	liveImages   int
	liveViews    int
	bytesCreated uint64
}

func NewDevice() *Device {
	return NewDeviceWithLimits(gpu.Limits{MinUniformBufferOffsetAlignment: 256})
}

func NewDeviceWithLimits(limits gpu.Limits) *Device {
	return &Device{limits: limits}
}

func (d *Device) Limits() gpu.Limits {
	return d.limits
}

func (d *Device) CreateBuffer(info gpu.BufferCreateInfo) (gpu.Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.liveBuffers++
	d.bytesCreated += info.Size
	return &Buffer{dev: d, info: info, data: make([]byte, info.Size)}, nil
}

func (d *Device) CreateImage(info gpu.ImageCreateInfo) (gpu.Image, error) {
	if info.MipLevels == 0 {
		info.MipLevels = 1
	}
	if info.ArrayLayers == 0 {
		info.ArrayLayers = 1
	}
	if info.Extent.Depth == 0 {
		info.Extent.Depth = 1
	}
	img := &Image{
		dev:     d,
		info:    info,
		levels:  make([][]byte, info.MipLevels*info.ArrayLayers),
		layouts: make([]gpu.ImageLayout, info.ArrayLayers),
	}
	for layer := uint32(0); layer < info.ArrayLayers; layer++ {
		for mip := uint32(0); mip < info.MipLevels; mip++ {
			img.levels[img.index(mip, layer)] = make([]byte, levelSize(info.Format, info.Extent, mip))
		}
	}
	d.mu.Lock()
	d.liveImages++
	d.mu.Unlock()
	return img, nil
}

func (d *Device) CreateImageView(info gpu.ImageViewCreateInfo) (gpu.ImageView, error) {
	img, ok := info.Image.(*Image)
	if !ok {
		return nil, fmt.Errorf("create image view: %w", ErrForeignObject)
	}
	if info.Range.LevelCount == 0 {
		info.Range.LevelCount = img.info.MipLevels - info.Range.BaseMipLevel
	}
	if info.Range.LayerCount == 0 {
		info.Range.LayerCount = img.info.ArrayLayers - info.Range.BaseArrayLayer
	}
	if info.Range.BaseArrayLayer+info.Range.LayerCount > img.info.ArrayLayers {
		return nil, fmt.Errorf("image view layers [%d, %d) out of range", info.Range.BaseArrayLayer, info.Range.BaseArrayLayer+info.Range.LayerCount)
	}
	d.mu.Lock()
	d.liveViews++
	d.mu.Unlock()
	return &ImageView{dev: d, image: img, rng: info.Range}, nil
}

func (d *Device) CreateFence(signaled bool) (gpu.Fence, error) {
	return &Fence{signaled: signaled}, nil
}

func (d *Device) AllocateCommandBuffer() (gpu.CommandBuffer, error) {
	return NewCommandBuffer(), nil
}

// Submit runs the recorded commands of cb then signals fence.
func (d *Device) Submit(cb gpu.CommandBuffer, fence gpu.Fence) error {
	exec, ok := cb.(interface{ Execute() error })
	if !ok {
		return fmt.Errorf("submit: %w", ErrForeignObject)
	}
	if err := exec.Execute(); err != nil {
		err = fmt.Errorf("submit: %w", err)
		core.LogError(err.Error())
		return err
	}
	d.mu.Lock()
	d.submits++
	d.mu.Unlock()
	if fence != nil {
		f, ok := fence.(*Fence)
		if !ok {
			return fmt.Errorf("submit: %w", ErrForeignObject)
		}
		f.signal()
	}
	return nil
}

// WaitForFences never blocks: work is already complete once submitted, so an
// unsignalled fence can only time out.
func (d *Device) WaitForFences(timeout time.Duration, fences ...gpu.Fence) error {
	for _, fence := range fences {
		f, ok := fence.(*Fence)
		if !ok {
			return fmt.Errorf("wait: %w", ErrForeignObject)
		}
		if !f.Signaled() {
			return core.ErrFenceTimeout
		}
	}
	return nil
}

func (d *Device) ResetFences(fences ...gpu.Fence) error {
	for _, fence := range fences {
		f, ok := fence.(*Fence)
		if !ok {
			return fmt.Errorf("reset: %w", ErrForeignObject)
		}
		f.reset()
	}
	return nil
}

// Submits is the number of successful submissions so far.
func (d *Device) Submits() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.submits
}

// Live reports the number of buffers, images and views not yet destroyed.
func (d *Device) Live() (buffers, images, views int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.liveBuffers, d.liveImages, d.liveViews
}

func levelSize(format gpu.Format, extent gpu.Extent3D, mip uint32) uint64 {
	w := uint64(max(extent.Width>>mip, 1))
	h := uint64(max(extent.Height>>mip, 1))
	if format == gpu.FormatG8B8R82Plane420Unorm {
		return w*h + w*h/2
	}
	texel := format.TexelSize()
	if texel == 0 {
		texel = 4
	}
	return w * h * uint64(extent.Depth) * texel
}
