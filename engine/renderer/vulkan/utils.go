package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/vrstream/engine/core"
	"github.com/spaghettifunk/vrstream/engine/gpu"
)

func VulkanResultString(result vk.Result, getExtended bool) string {
	// From: https://www.khronos.org/registry/vulkan/specs/1.3-extensions/man/html/VkResult.html
	switch result {
	case vk.Success:
		return ConditionalOperator(!getExtended, "VK_SUCCESS", "VK_SUCCESS Command successfully completed")
	case vk.NotReady:
		return ConditionalOperator(!getExtended, "VK_NOT_READY", "VK_NOT_READY A fence or query has not yet completed")
	case vk.Timeout:
		return ConditionalOperator(!getExtended, "VK_TIMEOUT", "VK_TIMEOUT A wait operation has not completed in the specified time")
	case vk.Incomplete:
		return ConditionalOperator(!getExtended, "VK_INCOMPLETE", "VK_INCOMPLETE A return array was too small for the result")
	case vk.ErrorOutOfHostMemory:
		return ConditionalOperator(!getExtended, "VK_ERROR_OUT_OF_HOST_MEMORY", "VK_ERROR_OUT_OF_HOST_MEMORY A host memory allocation has failed.")
	case vk.ErrorOutOfDeviceMemory:
		return ConditionalOperator(!getExtended, "VK_ERROR_OUT_OF_DEVICE_MEMORY", "VK_ERROR_OUT_OF_DEVICE_MEMORY A device memory allocation has failed.")
	case vk.ErrorInitializationFailed:
		return ConditionalOperator(!getExtended, "VK_ERROR_INITIALIZATION_FAILED", "VK_ERROR_INITIALIZATION_FAILED Initialization of an object could not be completed for implementation-specific reasons.")
	case vk.ErrorDeviceLost:
		return ConditionalOperator(!getExtended, "VK_ERROR_DEVICE_LOST", "VK_ERROR_DEVICE_LOST The logical or physical device has been lost. See Lost Device")
	case vk.ErrorMemoryMapFailed:
		return ConditionalOperator(!getExtended, "VK_ERROR_MEMORY_MAP_FAILED", "VK_ERROR_MEMORY_MAP_FAILED Mapping of a memory object has failed.")
	case vk.ErrorExtensionNotPresent:
		return ConditionalOperator(!getExtended, "VK_ERROR_EXTENSION_NOT_PRESENT", "VK_ERROR_EXTENSION_NOT_PRESENT A requested extension is not supported.")
	case vk.ErrorFeatureNotPresent:
		return ConditionalOperator(!getExtended, "VK_ERROR_FEATURE_NOT_PRESENT", "VK_ERROR_FEATURE_NOT_PRESENT A requested feature is not supported.")
	case vk.ErrorIncompatibleDriver:
		return ConditionalOperator(!getExtended, "VK_ERROR_INCOMPATIBLE_DRIVER", "VK_ERROR_INCOMPATIBLE_DRIVER The requested version of Vulkan is not supported by the driver or is otherwise incompatible for implementation-specific reasons.")
	case vk.ErrorFormatNotSupported:
		return ConditionalOperator(!getExtended, "VK_ERROR_FORMAT_NOT_SUPPORTED", "VK_ERROR_FORMAT_NOT_SUPPORTED A requested format is not supported on this device.")
	}
	return ConditionalOperator(!getExtended, "VK_ERROR_UNKNOWN", "VK_ERROR_UNKNOWN An unknown error has occurred; either the application has provided invalid input, or an implementation failure has occurred.")
}

func ConditionalOperator(condition bool, res1, res2 string) string {
	if condition {
		return res1
	}
	return res2
}

// resultError turns a failed vk.Result into an error, logging it the way every call site does.
func resultError(op string, result vk.Result) error {
	var err error
	switch result {
	case vk.Success:
		return nil
	case vk.Timeout:
		err = fmt.Errorf("%s: %w", op, core.ErrFenceTimeout)
	case vk.ErrorDeviceLost:
		err = fmt.Errorf("%s: %w", op, core.ErrDeviceLost)
	default:
		err = fmt.Errorf("%s failed with `%s`", op, VulkanResultString(result, true))
	}
	core.LogError(err.Error())
	return err
}

var end = "\x00"
var endChar byte = '\x00'

func VulkanSafeString(s string) string {
	if len(s) == 0 {
		return end
	}
	if s[len(s)-1] != endChar {
		return s + end
	}
	return s
}

func VulkanSafeStrings(list []string) []string {
	for i := range list {
		list[i] = VulkanSafeString(list[i])
	}
	return list
}

func toVkFormat(f gpu.Format) vk.Format {
	switch f {
	case gpu.FormatR8G8B8A8Unorm:
		return vk.FormatR8g8b8a8Unorm
	case gpu.FormatR8G8B8A8Srgb:
		return vk.FormatR8g8b8a8Srgb
	case gpu.FormatR32Sfloat:
		return vk.FormatR32Sfloat
	case gpu.FormatR32G32Sfloat:
		return vk.FormatR32g32Sfloat
	case gpu.FormatR32G32B32Sfloat:
		return vk.FormatR32g32b32Sfloat
	case gpu.FormatR32G32B32A32Sfloat:
		return vk.FormatR32g32b32a32Sfloat
	case gpu.FormatG8B8R82Plane420Unorm:
		// VK_FORMAT_G8_B8R8_2PLANE_420_UNORM
		return vk.Format(1000156003)
	}
	return vk.FormatUndefined
}

func toVkBufferUsage(u gpu.BufferUsage) vk.BufferUsageFlags {
	var flags vk.BufferUsageFlagBits
	if u&gpu.BufferUsageTransferSrc != 0 {
		flags |= vk.BufferUsageTransferSrcBit
	}
	if u&gpu.BufferUsageTransferDst != 0 {
		flags |= vk.BufferUsageTransferDstBit
	}
	if u&gpu.BufferUsageUniform != 0 {
		flags |= vk.BufferUsageUniformBufferBit
	}
	if u&gpu.BufferUsageVertex != 0 {
		flags |= vk.BufferUsageVertexBufferBit
	}
	if u&gpu.BufferUsageIndex != 0 {
		flags |= vk.BufferUsageIndexBufferBit
	}
	// Video encode usage has no binding; it is carried by the extension chain.
	return vk.BufferUsageFlags(flags)
}

func toVkImageUsage(u gpu.ImageUsage) vk.ImageUsageFlags {
	var flags vk.ImageUsageFlagBits
	if u&gpu.ImageUsageTransferSrc != 0 {
		flags |= vk.ImageUsageTransferSrcBit
	}
	if u&gpu.ImageUsageTransferDst != 0 {
		flags |= vk.ImageUsageTransferDstBit
	}
	if u&gpu.ImageUsageSampled != 0 {
		flags |= vk.ImageUsageSampledBit
	}
	return vk.ImageUsageFlags(flags)
}

func toVkImageLayout(l gpu.ImageLayout) vk.ImageLayout {
	switch l {
	case gpu.ImageLayoutTransferDst:
		return vk.ImageLayoutTransferDstOptimal
	case gpu.ImageLayoutShaderReadOnly:
		return vk.ImageLayoutShaderReadOnlyOptimal
	case gpu.ImageLayoutVideoEncodeSrc, gpu.ImageLayoutVideoEncodeDpb:
		// Video layouts are only reachable through the video provider.
		return vk.ImageLayoutGeneral
	}
	return vk.ImageLayoutUndefined
}

func toVkRange(r gpu.ImageSubresourceRange) vk.ImageSubresourceRange {
	return vk.ImageSubresourceRange{
		AspectMask:     vk.ImageAspectFlags(vk.ImageAspectColorBit),
		BaseMipLevel:   r.BaseMipLevel,
		LevelCount:     r.LevelCount,
		BaseArrayLayer: r.BaseArrayLayer,
		LayerCount:     r.LayerCount,
	}
}
