package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/vrstream/engine/core"
	"github.com/spaghettifunk/vrstream/engine/gpu"
)

type VulkanCommandBufferState int

const (
	COMMAND_BUFFER_STATE_READY VulkanCommandBufferState = iota
	COMMAND_BUFFER_STATE_RECORDING
	COMMAND_BUFFER_STATE_RECORDING_ENDED
	COMMAND_BUFFER_STATE_SUBMITTED
	COMMAND_BUFFER_STATE_NOT_ALLOCATED
)

type VulkanCommandBuffer struct {
	Handle vk.CommandBuffer
	// Command buffer state.
	State VulkanCommandBufferState

	context *VulkanContext
}

func NewVulkanCommandBuffer(context *VulkanContext) (*VulkanCommandBuffer, error) {
	vCommandBuffer := &VulkanCommandBuffer{
		State:   COMMAND_BUFFER_STATE_NOT_ALLOCATED,
		context: context,
	}

	allocateInfo := vk.CommandBufferAllocateInfo{
		SType:              vk.StructureTypeCommandBufferAllocateInfo,
		CommandPool:        context.Device.CommandPool,
		CommandBufferCount: 1,
		Level:              vk.CommandBufferLevelPrimary,
	}

	handles := make([]vk.CommandBuffer, 1)
	err := context.locks.SafeCall(CommandBufferManagement, func() error {
		if res := vk.AllocateCommandBuffers(context.Device.LogicalDevice, &allocateInfo, handles); res != vk.Success {
			err := fmt.Errorf("failed to allocate command buffer")
			core.LogError(err.Error())
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	vCommandBuffer.Handle = handles[0]
	vCommandBuffer.State = COMMAND_BUFFER_STATE_READY

	return vCommandBuffer, nil
}

func (v *VulkanCommandBuffer) Free() {
	_ = v.context.locks.SafeCall(CommandBufferManagement, func() error {
		vk.FreeCommandBuffers(v.context.Device.LogicalDevice, v.context.Device.CommandPool, 1, []vk.CommandBuffer{v.Handle})
		return nil
	})
	v.Handle = nil
	v.State = COMMAND_BUFFER_STATE_NOT_ALLOCATED
}

func (v *VulkanCommandBuffer) Begin() error {
	vBeginInfo := &vk.CommandBufferBeginInfo{
		SType: vk.StructureTypeCommandBufferBeginInfo,
		Flags: vk.CommandBufferUsageFlags(vk.CommandBufferUsageOneTimeSubmitBit),
	}

	if res := vk.BeginCommandBuffer(v.Handle, vBeginInfo); res != vk.Success {
		err := fmt.Errorf("failed to begin command buffer")
		core.LogError(err.Error())
		return err
	}
	v.State = COMMAND_BUFFER_STATE_RECORDING

	return nil
}

func (v *VulkanCommandBuffer) End() error {
	if res := vk.EndCommandBuffer(v.Handle); res != vk.Success {
		err := fmt.Errorf("failed to end command buffer")
		core.LogError(err.Error())
		return err
	}
	v.State = COMMAND_BUFFER_STATE_RECORDING_ENDED
	return nil
}

func (v *VulkanCommandBuffer) Reset() error {
	if res := vk.ResetCommandBuffer(v.Handle, 0); res != vk.Success {
		return resultError("vkResetCommandBuffer", res)
	}
	v.State = COMMAND_BUFFER_STATE_READY
	return nil
}

func (v *VulkanCommandBuffer) UpdateSubmitted() {
	v.State = COMMAND_BUFFER_STATE_SUBMITTED
}

func (v *VulkanCommandBuffer) CopyBuffer(src, dst gpu.Buffer, regions ...gpu.BufferCopy) {
	copies := make([]vk.BufferCopy, len(regions))
	for i, r := range regions {
		copies[i] = vk.BufferCopy{
			SrcOffset: vk.DeviceSize(r.SrcOffset),
			DstOffset: vk.DeviceSize(r.DstOffset),
			Size:      vk.DeviceSize(r.Size),
		}
	}
	vk.CmdCopyBuffer(v.Handle, src.(*VulkanBuffer).Handle, dst.(*VulkanBuffer).Handle, uint32(len(copies)), copies)
}

func (v *VulkanCommandBuffer) CopyBufferToImage(src gpu.Buffer, dst gpu.Image, layout gpu.ImageLayout, regions ...gpu.BufferImageCopy) {
	extent := dst.Extent()
	copies := make([]vk.BufferImageCopy, len(regions))
	for i, r := range regions {
		e := r.Extent
		if e.Width == 0 {
			e = gpu.Extent3D{Width: max(extent.Width>>r.MipLevel, 1), Height: max(extent.Height>>r.MipLevel, 1), Depth: 1}
		}
		copies[i] = vk.BufferImageCopy{
			BufferOffset: vk.DeviceSize(r.BufferOffset),
			ImageSubresource: vk.ImageSubresourceLayers{
				AspectMask:     vk.ImageAspectFlags(vk.ImageAspectColorBit),
				MipLevel:       r.MipLevel,
				BaseArrayLayer: r.ArrayLayer,
				LayerCount:     1,
			},
			ImageOffset: vk.Offset3D{X: 0, Y: 0, Z: 0},
			ImageExtent: vk.Extent3D{Width: e.Width, Height: e.Height, Depth: max(e.Depth, 1)},
		}
	}
	vk.CmdCopyBufferToImage(v.Handle, src.(*VulkanBuffer).Handle, dst.(*VulkanImage).Handle, toVkImageLayout(layout), uint32(len(copies)), copies)
}

func (v *VulkanCommandBuffer) PipelineBarrier(barriers ...gpu.ImageBarrier) {
	vkBarriers := make([]vk.ImageMemoryBarrier, len(barriers))
	for i, b := range barriers {
		vkBarriers[i] = vk.ImageMemoryBarrier{
			SType:               vk.StructureTypeImageMemoryBarrier,
			SrcAccessMask:       vk.AccessFlags(vk.AccessTransferWriteBit),
			DstAccessMask:       vk.AccessFlags(vk.AccessTransferWriteBit | vk.AccessShaderReadBit),
			OldLayout:           toVkImageLayout(b.OldLayout),
			NewLayout:           toVkImageLayout(b.NewLayout),
			SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
			DstQueueFamilyIndex: vk.QueueFamilyIgnored,
			Image:               b.Image.(*VulkanImage).Handle,
			SubresourceRange:    toVkRange(b.Range),
		}
	}
	vk.CmdPipelineBarrier(v.Handle,
		vk.PipelineStageFlags(vk.PipelineStageAllCommandsBit),
		vk.PipelineStageFlags(vk.PipelineStageAllCommandsBit),
		0, 0, nil, 0, nil, uint32(len(vkBarriers)), vkBarriers)
}
