package vulkan

import (
	"unsafe"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/vrstream/engine/gpu"
)

type VulkanBuffer struct {
	Handle vk.Buffer
	Memory vk.DeviceMemory
	Info   gpu.BufferCreateInfo

	mapped  []byte
	context *VulkanContext
}

func NewBuffer(context *VulkanContext, info gpu.BufferCreateInfo) (*VulkanBuffer, error) {
	dev := context.Device.LogicalDevice
	buffer := &VulkanBuffer{Info: info, context: context}

	bufferInfo := vk.BufferCreateInfo{
		SType:       vk.StructureTypeBufferCreateInfo,
		Usage:       toVkBufferUsage(info.Usage),
		Size:        vk.DeviceSize(info.Size),
		SharingMode: vk.SharingModeExclusive,
	}
	if res := vk.CreateBuffer(dev, &bufferInfo, context.Allocator, &buffer.Handle); res != vk.Success {
		return nil, resultError("vkCreateBuffer", res)
	}

	// Ask device about its memory requirements.
	var memReqs vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(dev, buffer.Handle, &memReqs)
	memReqs.Deref()

	props := vk.MemoryPropertyDeviceLocalBit
	if info.Location == gpu.MemoryHostVisible {
		props = vk.MemoryPropertyHostVisibleBit | vk.MemoryPropertyHostCoherentBit
	}
	memType, err := context.FindMemoryIndex(memReqs.MemoryTypeBits, props)
	if err != nil {
		vk.DestroyBuffer(dev, buffer.Handle, context.Allocator)
		return nil, err
	}

	// Allocate device memory and bind to the buffer.
	allocInfo := vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  memReqs.Size,
		MemoryTypeIndex: memType,
	}
	if res := vk.AllocateMemory(dev, &allocInfo, context.Allocator, &buffer.Memory); res != vk.Success {
		vk.DestroyBuffer(dev, buffer.Handle, context.Allocator)
		return nil, resultError("vkAllocateMemory", res)
	}
	if res := vk.BindBufferMemory(dev, buffer.Handle, buffer.Memory, 0); res != vk.Success {
		buffer.Destroy()
		return nil, resultError("vkBindBufferMemory", res)
	}
	return buffer, nil
}

func (vb *VulkanBuffer) Size() uint64 {
	return vb.Info.Size
}

// Map maps the whole buffer once and keeps it mapped until Destroy.
func (vb *VulkanBuffer) Map() ([]byte, error) {
	if vb.Info.Location != gpu.MemoryHostVisible {
		return nil, resultError("map device local buffer", vk.ErrorMemoryMapFailed)
	}
	if vb.mapped != nil {
		return vb.mapped, nil
	}
	var ptr unsafe.Pointer
	if res := vk.MapMemory(vb.context.Device.LogicalDevice, vb.Memory, 0, vk.DeviceSize(vb.Info.Size), 0, &ptr); res != vk.Success {
		return nil, resultError("vkMapMemory", res)
	}
	vb.mapped = unsafe.Slice((*byte)(ptr), vb.Info.Size)
	return vb.mapped, nil
}

func (vb *VulkanBuffer) Destroy() {
	dev := vb.context.Device.LogicalDevice
	if vb.mapped != nil {
		vk.UnmapMemory(dev, vb.Memory)
		vb.mapped = nil
	}
	if vb.Handle != nil {
		vk.DestroyBuffer(dev, vb.Handle, vb.context.Allocator)
		vb.Handle = nil
	}
	if vb.Memory != nil {
		vk.FreeMemory(dev, vb.Memory, vb.context.Allocator)
		vb.Memory = nil
	}
}
