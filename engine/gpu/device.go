package gpu

import "time"

type Buffer interface {
	Size() uint64
	// Map returns the host view of a host visible buffer. The mapping stays
	// valid until Destroy.
	Map() ([]byte, error)
	Destroy()
}

type Image interface {
	Format() Format
	Extent() Extent3D
	MipLevels() uint32
	ArrayLayers() uint32
	Destroy()
}

type ImageView interface {
	Image() Image
	Range() ImageSubresourceRange
	Destroy()
}

type Fence interface {
	Destroy()
}

/**
 * @brief Records transfer work. Recording functions never fail; errors
 * surface from End or from the submission.
 */
type CommandBuffer interface {
	Begin() error
	End() error
	Reset() error
	CopyBuffer(src, dst Buffer, regions ...BufferCopy)
	CopyBufferToImage(src Buffer, dst Image, layout ImageLayout, regions ...BufferImageCopy)
	PipelineBarrier(barriers ...ImageBarrier)
	Free()
}

/**
 * @brief The capability provider the loader and the encoder run on.
 */
type Device interface {
	Limits() Limits
	CreateBuffer(info BufferCreateInfo) (Buffer, error)
	CreateImage(info ImageCreateInfo) (Image, error)
	CreateImageView(info ImageViewCreateInfo) (ImageView, error)
	CreateFence(signaled bool) (Fence, error)
	AllocateCommandBuffer() (CommandBuffer, error)
	// Submit queues cb for execution. fence, if not nil, is signalled once it completes.
	Submit(cb CommandBuffer, fence Fence) error
	// WaitForFences waits for every fence. Returns core.ErrFenceTimeout once timeout elapses.
	WaitForFences(timeout time.Duration, fences ...Fence) error
	ResetFences(fences ...Fence) error
}
