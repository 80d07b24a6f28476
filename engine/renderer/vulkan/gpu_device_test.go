package vulkan

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type otherFence struct{}

func (otherFence) Destroy() {}

func TestDeviceRejectsForeignFences(t *testing.T) {
	d := &Device{}

	assert.NotPanics(t, func() {
		assert.Error(t, d.Submit(&VulkanCommandBuffer{}, otherFence{}))
		assert.Error(t, d.WaitForFences(time.Millisecond, otherFence{}))
		assert.Error(t, d.ResetFences(otherFence{}))
	})
}
