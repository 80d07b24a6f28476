package vulkan

import (
	"fmt"
	"time"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/vrstream/engine/core"
	"github.com/spaghettifunk/vrstream/engine/gpu"
)

// Device implements gpu.Device on a Vulkan logical device. Video encode
// entry points are not bound by goki/vulkan and are provided separately.
type Device struct {
	context *VulkanContext
}

func New(appName string) (*Device, error) {
	context, err := NewContext(appName)
	if err != nil {
		return nil, err
	}
	return &Device{context: context}, nil
}

func (d *Device) Context() *VulkanContext {
	return d.context
}

func (d *Device) Shutdown() {
	d.context.Destroy()
}

func (d *Device) Limits() gpu.Limits {
	return gpu.Limits{
		MinUniformBufferOffsetAlignment: uint64(d.context.Device.Properties.Limits.MinUniformBufferOffsetAlignment),
	}
}

func (d *Device) CreateBuffer(info gpu.BufferCreateInfo) (gpu.Buffer, error) {
	return NewBuffer(d.context, info)
}

func (d *Device) CreateImage(info gpu.ImageCreateInfo) (gpu.Image, error) {
	return NewImage(d.context, info)
}

func (d *Device) CreateImageView(info gpu.ImageViewCreateInfo) (gpu.ImageView, error) {
	return NewImageView(d.context, info)
}

func (d *Device) CreateFence(signaled bool) (gpu.Fence, error) {
	return NewFence(d.context, signaled)
}

func (d *Device) AllocateCommandBuffer() (gpu.CommandBuffer, error) {
	return NewVulkanCommandBuffer(d.context)
}

func (d *Device) Submit(cb gpu.CommandBuffer, fence gpu.Fence) error {
	vcb, ok := cb.(*VulkanCommandBuffer)
	if !ok {
		err := fmt.Errorf("submit: command buffer from another device")
		core.LogError(err.Error())
		return err
	}
	var vkFence vk.Fence
	if fence != nil {
		vf, ok := fence.(*VulkanFence)
		if !ok {
			err := fmt.Errorf("submit: fence from another device")
			core.LogError(err.Error())
			return err
		}
		vkFence = vf.Handle
		vf.IsSignaled = false
	}

	submitInfo := vk.SubmitInfo{
		SType:              vk.StructureTypeSubmitInfo,
		CommandBufferCount: 1,
		PCommandBuffers:    []vk.CommandBuffer{vcb.Handle},
	}
	err := d.context.locks.SafeCall(QueueManagement, func() error {
		if res := vk.QueueSubmit(d.context.Device.TransferQueue, 1, []vk.SubmitInfo{submitInfo}, vkFence); res != vk.Success {
			return resultError("vkQueueSubmit", res)
		}
		return nil
	})
	if err != nil {
		return err
	}
	vcb.UpdateSubmitted()
	return nil
}

func (d *Device) WaitForFences(timeout time.Duration, fences ...gpu.Fence) error {
	deadline := time.Now().Add(timeout)
	for _, f := range fences {
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		vf, ok := f.(*VulkanFence)
		if !ok {
			return fmt.Errorf("wait: fence from another device")
		}
		if err := vf.Wait(remaining); err != nil {
			return err
		}
	}
	return nil
}

func (d *Device) ResetFences(fences ...gpu.Fence) error {
	for _, f := range fences {
		vf, ok := f.(*VulkanFence)
		if !ok {
			return fmt.Errorf("reset: fence from another device")
		}
		if err := vf.Reset(); err != nil {
			return err
		}
	}
	return nil
}
