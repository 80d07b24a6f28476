package hostmem

import (
	"fmt"

	"github.com/spaghettifunk/vrstream/engine/gpu"
)

type CommandBufferState int

const (
	COMMAND_BUFFER_STATE_READY CommandBufferState = iota
	COMMAND_BUFFER_STATE_RECORDING
	COMMAND_BUFFER_STATE_RECORDING_ENDED
	COMMAND_BUFFER_STATE_SUBMITTED
	COMMAND_BUFFER_STATE_NOT_ALLOCATED
)

type command func() error

/**
 * @brief A command buffer whose commands are host closures run by Device.Submit.
 * Types that record extra commands embed it and use Record.
 */
type CommandBuffer struct {
	State    CommandBufferState
	commands []command
}

func NewCommandBuffer() *CommandBuffer {
	return &CommandBuffer{State: COMMAND_BUFFER_STATE_READY}
}

func (c *CommandBuffer) Begin() error {
	if c.State == COMMAND_BUFFER_STATE_NOT_ALLOCATED {
		return fmt.Errorf("begin: command buffer freed")
	}
	c.commands = c.commands[:0]
	c.State = COMMAND_BUFFER_STATE_RECORDING
	return nil
}

func (c *CommandBuffer) End() error {
	if c.State != COMMAND_BUFFER_STATE_RECORDING {
		return fmt.Errorf("end: command buffer is not recording")
	}
	c.State = COMMAND_BUFFER_STATE_RECORDING_ENDED
	return nil
}

func (c *CommandBuffer) Reset() error {
	c.commands = c.commands[:0]
	c.State = COMMAND_BUFFER_STATE_READY
	return nil
}

func (c *CommandBuffer) Free() {
	c.commands = nil
	c.State = COMMAND_BUFFER_STATE_NOT_ALLOCATED
}

// Len is the number of commands recorded since Begin.
func (c *CommandBuffer) Len() int {
	return len(c.commands)
}

// Record appends fn to the commands run at submission.
func (c *CommandBuffer) Record(fn func() error) {
	c.commands = append(c.commands, fn)
}

// Execute runs the recorded commands in order. Called by Device.Submit.
func (c *CommandBuffer) Execute() error {
	if c.State != COMMAND_BUFFER_STATE_RECORDING_ENDED {
		return ErrNotEnded
	}
	for i, cmd := range c.commands {
		if err := cmd(); err != nil {
			return fmt.Errorf("command %d: %w", i, err)
		}
	}
	c.State = COMMAND_BUFFER_STATE_SUBMITTED
	return nil
}

func (c *CommandBuffer) CopyBuffer(src, dst gpu.Buffer, regions ...gpu.BufferCopy) {
	c.Record(func() error {
		s, ok1 := src.(*Buffer)
		d, ok2 := dst.(*Buffer)
		if !ok1 || !ok2 {
			return ErrForeignObject
		}
		for _, r := range regions {
			if r.SrcOffset+r.Size > uint64(len(s.data)) || r.DstOffset+r.Size > uint64(len(d.data)) {
				return fmt.Errorf("copy of %d bytes out of range", r.Size)
			}
			copy(d.data[r.DstOffset:r.DstOffset+r.Size], s.data[r.SrcOffset:r.SrcOffset+r.Size])
		}
		return nil
	})
}

func (c *CommandBuffer) CopyBufferToImage(src gpu.Buffer, dst gpu.Image, layout gpu.ImageLayout, regions ...gpu.BufferImageCopy) {
	c.Record(func() error {
		s, ok1 := src.(*Buffer)
		d, ok2 := dst.(*Image)
		if !ok1 || !ok2 {
			return ErrForeignObject
		}
		if layout != gpu.ImageLayoutTransferDst {
			return fmt.Errorf("copy to image in layout %d", layout)
		}
		for _, r := range regions {
			level := d.Level(r.MipLevel, r.ArrayLayer)
			end := r.BufferOffset + uint64(len(level))
			if end > uint64(len(s.data)) {
				return fmt.Errorf("image copy reads past the end of the buffer")
			}
			copy(level, s.data[r.BufferOffset:end])
		}
		return nil
	})
}

func (c *CommandBuffer) PipelineBarrier(barriers ...gpu.ImageBarrier) {
	c.Record(func() error {
		for _, b := range barriers {
			img, ok := b.Image.(*Image)
			if !ok {
				return ErrForeignObject
			}
			layers := b.Range.LayerCount
			if layers == 0 {
				layers = img.info.ArrayLayers - b.Range.BaseArrayLayer
			}
			for l := b.Range.BaseArrayLayer; l < b.Range.BaseArrayLayer+layers; l++ {
				img.layouts[l] = b.NewLayout
			}
		}
		return nil
	})
}
