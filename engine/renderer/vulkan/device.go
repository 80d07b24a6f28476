package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/vrstream/engine/core"
)

type VulkanDevice struct {
	PhysicalDevice vk.PhysicalDevice
	LogicalDevice  vk.Device

	// One queue family doing transfer work, preferring a dedicated one.
	TransferQueueIndex int32
	TransferQueue      vk.Queue
	CommandPool        vk.CommandPool

	Properties vk.PhysicalDeviceProperties
	Memory     vk.PhysicalDeviceMemoryProperties
}

func DeviceCreate(context *VulkanContext) error {
	if err := SelectPhysicalDevice(context); err != nil {
		return err
	}

	core.LogInfo("Creating logical device...")

	queueCreateInfos := []vk.DeviceQueueCreateInfo{{
		SType:            vk.StructureTypeDeviceQueueCreateInfo,
		QueueFamilyIndex: uint32(context.Device.TransferQueueIndex),
		QueueCount:       1,
		PQueuePriorities: []float32{1.0},
	}}

	deviceCreateInfo := vk.DeviceCreateInfo{
		SType:                vk.StructureTypeDeviceCreateInfo,
		QueueCreateInfoCount: uint32(len(queueCreateInfos)),
		PQueueCreateInfos:    queueCreateInfos,
	}

	var logical vk.Device
	if res := vk.CreateDevice(context.Device.PhysicalDevice, &deviceCreateInfo, context.Allocator, &logical); res != vk.Success {
		return resultError("vkCreateDevice", res)
	}
	context.Device.LogicalDevice = logical
	core.LogInfo("Logical device created.")

	var queue vk.Queue
	vk.GetDeviceQueue(logical, uint32(context.Device.TransferQueueIndex), 0, &queue)
	context.Device.TransferQueue = queue

	poolCreateInfo := vk.CommandPoolCreateInfo{
		SType:            vk.StructureTypeCommandPoolCreateInfo,
		QueueFamilyIndex: uint32(context.Device.TransferQueueIndex),
		Flags:            vk.CommandPoolCreateFlags(vk.CommandPoolCreateResetCommandBufferBit),
	}
	var pool vk.CommandPool
	if res := vk.CreateCommandPool(logical, &poolCreateInfo, context.Allocator, &pool); res != vk.Success {
		return resultError("vkCreateCommandPool", res)
	}
	context.Device.CommandPool = pool
	core.LogInfo("Transfer command pool created.")
	return nil
}

func DeviceDestroy(context *VulkanContext) {
	if context.Device == nil || context.Device.LogicalDevice == nil {
		return
	}
	vk.DeviceWaitIdle(context.Device.LogicalDevice)

	core.LogInfo("Destroying command pools...")
	if context.Device.CommandPool != nil {
		vk.DestroyCommandPool(context.Device.LogicalDevice, context.Device.CommandPool, context.Allocator)
		context.Device.CommandPool = nil
	}
	context.Device.TransferQueue = nil

	core.LogInfo("Destroying logical device...")
	vk.DestroyDevice(context.Device.LogicalDevice, context.Allocator)
	context.Device.LogicalDevice = nil

	// Physical devices are not destroyed.
	context.Device.PhysicalDevice = nil
	context.Device.TransferQueueIndex = -1
}

// SelectPhysicalDevice picks the first device exposing a transfer capable queue family.
func SelectPhysicalDevice(context *VulkanContext) error {
	var physicalDeviceCount uint32
	if res := vk.EnumeratePhysicalDevices(context.Instance, &physicalDeviceCount, nil); res != vk.Success {
		return resultError("vkEnumeratePhysicalDevices", res)
	}
	if physicalDeviceCount == 0 {
		err := fmt.Errorf("no devices which support Vulkan were found")
		core.LogError(err.Error())
		return err
	}
	physicalDevices := make([]vk.PhysicalDevice, physicalDeviceCount)
	if res := vk.EnumeratePhysicalDevices(context.Instance, &physicalDeviceCount, physicalDevices); res != vk.Success {
		return resultError("vkEnumeratePhysicalDevices", res)
	}

	for _, physical := range physicalDevices {
		queueIndex := transferQueueFamily(physical)
		if queueIndex < 0 {
			continue
		}

		var properties vk.PhysicalDeviceProperties
		vk.GetPhysicalDeviceProperties(physical, &properties)
		properties.Deref()
		properties.Limits.Deref()

		var memory vk.PhysicalDeviceMemoryProperties
		vk.GetPhysicalDeviceMemoryProperties(physical, &memory)
		memory.Deref()

		core.LogInfo("Selected device: '%s'.", vk.ToString(properties.DeviceName[:]))
		core.LogInfo(
			"Vulkan API version: %d.%d.%d",
			vk.Version.Major(vk.Version(properties.ApiVersion)),
			vk.Version.Minor(vk.Version(properties.ApiVersion)),
			vk.Version.Patch(vk.Version(properties.ApiVersion)),
		)

		context.Device.PhysicalDevice = physical
		context.Device.TransferQueueIndex = queueIndex
		context.Device.Properties = properties
		context.Device.Memory = memory
		return nil
	}

	err := fmt.Errorf("no physical devices were found which meet the requirements")
	core.LogError(err.Error())
	return err
}

// transferQueueFamily returns the family with the fewest capabilities besides
// transfer, which increases the likelihood that it is a dedicated transfer queue.
func transferQueueFamily(device vk.PhysicalDevice) int32 {
	var queueFamilyCount uint32
	vk.GetPhysicalDeviceQueueFamilyProperties(device, &queueFamilyCount, nil)
	queueFamilies := make([]vk.QueueFamilyProperties, queueFamilyCount)
	vk.GetPhysicalDeviceQueueFamilyProperties(device, &queueFamilyCount, queueFamilies)

	best := int32(-1)
	minScore := 255
	for i := range queueFamilies {
		queueFamilies[i].Deref()
		flags := vk.QueueFlagBits(queueFamilies[i].QueueFlags)
		// Graphics and compute queues support transfer implicitly.
		if flags&(vk.QueueTransferBit|vk.QueueGraphicsBit|vk.QueueComputeBit) == 0 {
			continue
		}
		score := 0
		if flags&vk.QueueGraphicsBit != 0 {
			score++
		}
		if flags&vk.QueueComputeBit != 0 {
			score++
		}
		if score < minScore {
			minScore = score
			best = int32(i)
		}
	}
	return best
}
