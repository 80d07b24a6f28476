package vulkan

import (
	"fmt"
	"runtime"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/vrstream/engine/core"
)

type VulkanContext struct {
	Instance  vk.Instance
	Allocator *vk.AllocationCallbacks

	Device *VulkanDevice

	locks *VulkanLockPool
}

// NewContext loads the Vulkan loader and creates an instance without any
// surface extension. Device selection happens in DeviceCreate.
func NewContext(appName string) (*VulkanContext, error) {
	if err := vk.SetDefaultGetInstanceProcAddr(); err != nil {
		err = fmt.Errorf("failed to load the vulkan loader: %w", err)
		core.LogError(err.Error())
		return nil, err
	}
	if err := vk.Init(); err != nil {
		err = fmt.Errorf("failed to initialize vk: %w", err)
		core.LogError(err.Error())
		return nil, err
	}

	context := &VulkanContext{
		Allocator: nil,
		Device:    &VulkanDevice{},
		locks:     NewVulkanLockPool(),
	}

	appInfo := &vk.ApplicationInfo{
		SType:              vk.StructureTypeApplicationInfo,
		ApiVersion:         uint32(vk.MakeVersion(1, 3, 0)),
		ApplicationVersion: uint32(vk.MakeVersion(1, 0, 0)),
		PApplicationName:   VulkanSafeString(appName),
		PEngineName:        VulkanSafeString("vrstream"),
	}

	createInfo := vk.InstanceCreateInfo{
		SType:            vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo: appInfo,
	}

	requiredExtensions := []string{}
	if runtime.GOOS == "darwin" {
		requiredExtensions = append(requiredExtensions,
			"VK_KHR_portability_enumeration",
			"VK_KHR_get_physical_device_properties2",
		)
		createInfo.Flags |= 1
	}
	createInfo.EnabledExtensionCount = uint32(len(requiredExtensions))
	createInfo.PpEnabledExtensionNames = VulkanSafeStrings(requiredExtensions)

	if res := vk.CreateInstance(&createInfo, context.Allocator, &context.Instance); res != vk.Success {
		return nil, resultError("vkCreateInstance", res)
	}
	if err := vk.InitInstance(context.Instance); err != nil {
		core.LogError(err.Error())
		return nil, err
	}
	core.LogInfo("Vulkan Instance created.")

	if err := DeviceCreate(context); err != nil {
		vk.DestroyInstance(context.Instance, context.Allocator)
		return nil, err
	}
	return context, nil
}

func (vc *VulkanContext) Destroy() {
	DeviceDestroy(vc)
	if vc.Instance != nil {
		core.LogInfo("Destroying Vulkan instance...")
		vk.DestroyInstance(vc.Instance, vc.Allocator)
		vc.Instance = nil
	}
}

func (vc *VulkanContext) FindMemoryIndex(typeFilter uint32, propertyFlags vk.MemoryPropertyFlagBits) (uint32, error) {
	memoryProperties := vc.Device.Memory
	for i := uint32(0); i < memoryProperties.MemoryTypeCount; i++ {
		// Check each memory type to see if its bit is set to 1.
		memoryProperties.MemoryTypes[i].Deref()
		flags := vk.MemoryPropertyFlagBits(memoryProperties.MemoryTypes[i].PropertyFlags)
		if (typeFilter&(1<<i)) != 0 && flags&propertyFlags == propertyFlags {
			return i, nil
		}
	}
	err := fmt.Errorf("unable to find suitable memory type")
	core.LogWarn(err.Error())
	return 0, err
}
