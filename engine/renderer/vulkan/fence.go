package vulkan

import (
	"fmt"
	"time"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/vrstream/engine/core"
)

type VulkanFence struct {
	Handle     vk.Fence
	IsSignaled bool

	context *VulkanContext
}

func NewFence(context *VulkanContext, createSignaled bool) (*VulkanFence, error) {
	fence := &VulkanFence{
		// Make sure to signal the fence if required.
		IsSignaled: createSignaled,
		context:    context,
	}

	fenceCreateInfo := vk.FenceCreateInfo{
		SType: vk.StructureTypeFenceCreateInfo,
	}
	if fence.IsSignaled {
		fenceCreateInfo.Flags = vk.FenceCreateFlags(vk.FenceCreateSignaledBit)
	}

	var pFence vk.Fence
	if res := vk.CreateFence(context.Device.LogicalDevice, &fenceCreateInfo, context.Allocator, &pFence); res != vk.Success {
		err := fmt.Errorf("failed to create fence")
		core.LogError(err.Error())
		return nil, err
	}
	fence.Handle = pFence
	return fence, nil
}

func (vf *VulkanFence) Destroy() {
	if vf.Handle != nil {
		vk.DestroyFence(vf.context.Device.LogicalDevice, vf.Handle, vf.context.Allocator)
		vf.Handle = nil
	}
	vf.IsSignaled = false
}

// Wait blocks until the fence is signalled. Timeouts and device loss are
// returned as core.ErrFenceTimeout and core.ErrDeviceLost.
func (vf *VulkanFence) Wait(timeout time.Duration) error {
	if vf.IsSignaled {
		// If already signaled, do not wait.
		return nil
	}
	result := vk.WaitForFences(vf.context.Device.LogicalDevice, 1, []vk.Fence{vf.Handle}, vk.True, uint64(timeout.Nanoseconds()))
	switch result {
	case vk.Success:
		vf.IsSignaled = true
		return nil
	case vk.Timeout:
		core.LogWarn("vk_fence_wait - Timed out")
	case vk.ErrorDeviceLost:
		core.LogError("vk_fence_wait - VK_ERROR_DEVICE_LOST.")
	case vk.ErrorOutOfHostMemory:
		core.LogError("vk_fence_wait - VK_ERROR_OUT_OF_HOST_MEMORY.")
	case vk.ErrorOutOfDeviceMemory:
		core.LogError("vk_fence_wait - VK_ERROR_OUT_OF_DEVICE_MEMORY.")
	default:
		core.LogError("vk_fence_wait - An unknown error has occurred.")
	}
	return resultError("vkWaitForFences", result)
}

func (vf *VulkanFence) Reset() error {
	if res := vk.ResetFences(vf.context.Device.LogicalDevice, 1, []vk.Fence{vf.Handle}); res != vk.Success {
		err := fmt.Errorf("failed to reset fence")
		core.LogError(err.Error())
		return err
	}
	vf.IsSignaled = false
	return nil
}
