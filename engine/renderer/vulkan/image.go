package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/vrstream/engine/core"
	"github.com/spaghettifunk/vrstream/engine/gpu"
)

type VulkanImage struct {
	Handle vk.Image
	Memory vk.DeviceMemory
	Info   gpu.ImageCreateInfo

	context *VulkanContext
}

func NewImage(context *VulkanContext, info gpu.ImageCreateInfo) (*VulkanImage, error) {
	if info.MipLevels == 0 {
		info.MipLevels = 1
	}
	if info.ArrayLayers == 0 {
		info.ArrayLayers = 1
	}
	if info.Extent.Depth == 0 {
		info.Extent.Depth = 1
	}
	imageInfo := vk.ImageCreateInfo{
		SType:     vk.StructureTypeImageCreateInfo,
		ImageType: vk.ImageType2d,
		Format:    toVkFormat(info.Format),
		Extent: vk.Extent3D{
			Width:  info.Extent.Width,
			Height: info.Extent.Height,
			Depth:  info.Extent.Depth,
		},
		MipLevels:     info.MipLevels,
		ArrayLayers:   info.ArrayLayers,
		Samples:       vk.SampleCount1Bit,
		Tiling:        vk.ImageTilingOptimal,
		Usage:         toVkImageUsage(info.Usage),
		SharingMode:   vk.SharingModeExclusive,
		InitialLayout: vk.ImageLayoutUndefined,
	}

	dev := context.Device.LogicalDevice
	image := &VulkanImage{Info: info, context: context}
	if res := vk.CreateImage(dev, &imageInfo, context.Allocator, &image.Handle); res != vk.Success {
		return nil, resultError("vkCreateImage", res)
	}

	var memReqs vk.MemoryRequirements
	vk.GetImageMemoryRequirements(dev, image.Handle, &memReqs)
	memReqs.Deref()

	memTypeIndex, err := context.FindMemoryIndex(memReqs.MemoryTypeBits, vk.MemoryPropertyDeviceLocalBit)
	if err != nil {
		vk.DestroyImage(dev, image.Handle, context.Allocator)
		return nil, err
	}
	allocInfo := vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  memReqs.Size,
		MemoryTypeIndex: memTypeIndex,
	}
	if res := vk.AllocateMemory(dev, &allocInfo, context.Allocator, &image.Memory); res != vk.Success {
		vk.DestroyImage(dev, image.Handle, context.Allocator)
		return nil, resultError("vkAllocateMemory", res)
	}
	if res := vk.BindImageMemory(dev, image.Handle, image.Memory, 0); res != vk.Success {
		image.Destroy()
		return nil, resultError("vkBindImageMemory", res)
	}
	return image, nil
}

func (vi *VulkanImage) Format() gpu.Format   { return vi.Info.Format }
func (vi *VulkanImage) Extent() gpu.Extent3D { return vi.Info.Extent }
func (vi *VulkanImage) MipLevels() uint32    { return vi.Info.MipLevels }
func (vi *VulkanImage) ArrayLayers() uint32  { return vi.Info.ArrayLayers }

func (vi *VulkanImage) Destroy() {
	dev := vi.context.Device.LogicalDevice
	if vi.Handle != nil {
		vk.DestroyImage(dev, vi.Handle, vi.context.Allocator)
		vi.Handle = nil
	}
	if vi.Memory != nil {
		vk.FreeMemory(dev, vi.Memory, vi.context.Allocator)
		vi.Memory = nil
	}
}

type VulkanImageView struct {
	Handle vk.ImageView

	image   gpu.Image
	rng     gpu.ImageSubresourceRange
	context *VulkanContext
}

func NewImageView(context *VulkanContext, info gpu.ImageViewCreateInfo) (*VulkanImageView, error) {
	image, ok := info.Image.(*VulkanImage)
	if !ok {
		err := fmt.Errorf("image view over an image of another device")
		core.LogError(err.Error())
		return nil, err
	}
	rng := info.Range
	if rng.LevelCount == 0 {
		rng.LevelCount = image.Info.MipLevels - rng.BaseMipLevel
	}
	if rng.LayerCount == 0 {
		rng.LayerCount = image.Info.ArrayLayers - rng.BaseArrayLayer
	}
	viewType := vk.ImageViewType2d
	if info.ViewType == gpu.ImageViewType2DArray {
		viewType = vk.ImageViewType2dArray
	}
	format := info.Format
	if format == gpu.FormatUndefined {
		format = image.Info.Format
	}

	view := &VulkanImageView{image: image, rng: rng, context: context}
	viewInfo := vk.ImageViewCreateInfo{
		SType:    vk.StructureTypeImageViewCreateInfo,
		Image:    image.Handle,
		ViewType: viewType,
		Format:   toVkFormat(format),
		Components: vk.ComponentMapping{
			R: vk.ComponentSwizzleIdentity,
			G: vk.ComponentSwizzleIdentity,
			B: vk.ComponentSwizzleIdentity,
			A: vk.ComponentSwizzleIdentity,
		},
		SubresourceRange: toVkRange(rng),
	}
	if res := vk.CreateImageView(context.Device.LogicalDevice, &viewInfo, context.Allocator, &view.Handle); res != vk.Success {
		return nil, resultError("vkCreateImageView", res)
	}
	return view, nil
}

func (vv *VulkanImageView) Image() gpu.Image                 { return vv.image }
func (vv *VulkanImageView) Range() gpu.ImageSubresourceRange { return vv.rng }

func (vv *VulkanImageView) Destroy() {
	if vv.Handle == nil {
		return
	}
	vk.DestroyImageView(vv.context.Device.LogicalDevice, vv.Handle, vv.context.Allocator)
	vv.Handle = nil
}
