package hostmem

import (
	"sync"

	"github.com/spaghettifunk/vrstream/engine/gpu"
)

type Buffer struct {
	dev       *Device
	info      gpu.BufferCreateInfo
	data      []byte
	destroyed bool
}

func (b *Buffer) Size() uint64 {
	return b.info.Size
}

func (b *Buffer) Map() ([]byte, error) {
	if b.info.Location != gpu.MemoryHostVisible {
		return nil, ErrNotHostVisible
	}
	return b.data, nil
}

// Bytes exposes the contents regardless of memory location, for readback in tests.
func (b *Buffer) Bytes() []byte {
	return b.data
}

func (b *Buffer) Usage() gpu.BufferUsage {
	return b.info.Usage
}

func (b *Buffer) Destroyed() bool {
	return b.destroyed
}

func (b *Buffer) Destroy() {
	if b.destroyed {
		return
	}
	b.destroyed = true
	b.data = nil
	b.dev.mu.Lock()
	b.dev.liveBuffers--
	b.dev.mu.Unlock()
}

type Image struct {
	dev       *Device
	info      gpu.ImageCreateInfo
	levels    [][]byte
	layouts   []gpu.ImageLayout
	destroyed bool
}

func (i *Image) index(mip, layer uint32) uint32 {
	return layer*i.info.MipLevels + mip
}

func (i *Image) Format() gpu.Format              { return i.info.Format }
func (i *Image) Extent() gpu.Extent3D            { return i.info.Extent }
func (i *Image) MipLevels() uint32               { return i.info.MipLevels }
func (i *Image) ArrayLayers() uint32             { return i.info.ArrayLayers }
func (i *Image) Usage() gpu.ImageUsage           { return i.info.Usage }
func (i *Image) CreateInfo() gpu.ImageCreateInfo { return i.info }

// Level returns the texels of one mip level of one layer.
func (i *Image) Level(mip, layer uint32) []byte {
	return i.levels[i.index(mip, layer)]
}

func (i *Image) Layout(layer uint32) gpu.ImageLayout {
	return i.layouts[layer]
}

func (i *Image) Destroyed() bool {
	return i.destroyed
}

func (i *Image) Destroy() {
	if i.destroyed {
		return
	}
	i.destroyed = true
	i.levels = nil
	i.dev.mu.Lock()
	i.dev.liveImages--
	i.dev.mu.Unlock()
}

type ImageView struct {
	dev       *Device
	image     *Image
	rng       gpu.ImageSubresourceRange
	destroyed bool
}

func (v *ImageView) Image() gpu.Image                 { return v.image }
func (v *ImageView) Range() gpu.ImageSubresourceRange { return v.rng }

func (v *ImageView) Destroy() {
	if v.destroyed {
		return
	}
	v.destroyed = true
	v.dev.mu.Lock()
	v.dev.liveViews--
	v.dev.mu.Unlock()
}

type Fence struct {
	mu       sync.Mutex
	signaled bool
}

func (f *Fence) Signaled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signaled
}

func (f *Fence) signal() {
	f.mu.Lock()
	f.signaled = true
	f.mu.Unlock()
}

func (f *Fence) reset() {
	f.mu.Lock()
	f.signaled = false
	f.mu.Unlock()
}

func (f *Fence) Destroy() {}
