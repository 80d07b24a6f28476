package scene

import (
	"errors"
	"fmt"

	"github.com/spaghettifunk/vrstream/engine/assets"
	"github.com/spaghettifunk/vrstream/engine/containers"
	"github.com/spaghettifunk/vrstream/engine/core"
	"github.com/spaghettifunk/vrstream/engine/gpu"
	"github.com/spaghettifunk/vrstream/engine/systems"
)

// uploadSlot is one of the rotating command buffer and fence pairs of the
// image pipeline. staging lives until the fence has been waited on. A fence
// reset without a successful submit never signals and is not waited on.
type uploadSlot struct {
	cb      gpu.CommandBuffer
	fence   gpu.Fence
	staging gpu.Buffer
	unarmed bool
}

type decodedImage struct {
	index int
	image *assets.DecodedImage
}

// srgbImages flags the images sampled as a base color or emissive texture.
func (lc *loaderContext) srgbImages() ([]bool, error) {
	doc := lc.asset.doc
	srgb := make([]bool, len(doc.Images))

	mark := func(info *gltfTextureInfo) error {
		if info == nil {
			return nil
		}
		if info.Index < 0 || info.Index >= len(doc.Textures) {
			return fmt.Errorf("texture %d: %w", info.Index, ErrIndexOutOfRange)
		}
		if src := doc.Textures[info.Index].Source; src != nil {
			if *src < 0 || *src >= len(srgb) {
				return fmt.Errorf("texture %d: image %d: %w", info.Index, *src, ErrIndexOutOfRange)
			}
			srgb[*src] = true
		}
		return nil
	}

	for i := range doc.Materials {
		m := &doc.Materials[i]
		if m.PbrMetallicRoughness != nil {
			if err := mark(m.PbrMetallicRoughness.BaseColorTexture); err != nil {
				return nil, fmt.Errorf("material %d: %w", i, err)
			}
		}
		if err := mark(m.EmissiveTexture); err != nil {
			return nil, fmt.Errorf("material %d: %w", i, err)
		}
	}
	return srgb, nil
}

// decodeImage reads and decodes image i. Safe to call from a job worker.
func (lc *loaderContext) decodeImage(i int) (decodedImage, error) {
	data, mime, err := lc.asset.imageData(lc.loader.Assets, i)
	if err != nil {
		return decodedImage{}, err
	}

	switch mime {
	case assets.MimePNG, assets.MimeJPEG:
	default:
		if mime == "" {
			mime = "unknown"
		}
		return decodedImage{}, fmt.Errorf("image %d: %s: %w", i, mime, ErrImageFormatNotImplemented)
	}

	img, err := lc.loader.decoder().Decode(data, mime)
	if err != nil {
		return decodedImage{}, fmt.Errorf("image %d: %w", i, err)
	}
	core.LogDebug("decoded image %d: %dx%d, %d mipmaps", i, img.Width, img.Height, len(img.Levels))
	return decodedImage{index: i, image: img}, nil
}

/**
 * @brief Decodes every image and uploads it through a pipeline of
 * Config.ImagesInFlight command buffers. Upload i reuses the resources of
 * upload i-N once their fence has signalled. Decoding runs ahead on the job
 * system when one is set.
 */
func (lc *loaderContext) loadAllImages() (_ []*SharedImage, err error) {
	dev := lc.loader.Device
	cfg := lc.loader.Config
	count := len(lc.asset.doc.Images)
	inFlight := max(cfg.ImagesInFlight, 1)

	srgb, err := lc.srgbImages()
	if err != nil {
		return nil, err
	}

	slots := containers.NewRingQueue[*uploadSlot](inFlight)
	var all []*uploadSlot
	images := make([]*SharedImage, 0, count)
	defer func() {
		fences := make([]gpu.Fence, 0, len(all))
		for _, s := range all {
			if !s.unarmed {
				fences = append(fences, s.fence)
			}
		}
		if waitErr := dev.WaitForFences(cfg.FenceTimeout.Duration, fences...); waitErr != nil {
			waitErr = fmt.Errorf("waiting for image uploads: %w", waitErr)
			core.LogError(waitErr.Error())
			if err == nil {
				err = waitErr
			}
		}
		for _, s := range all {
			if s.staging != nil {
				s.staging.Destroy()
			}
			s.cb.Free()
			s.fence.Destroy()
		}
		if err != nil {
			for _, img := range images {
				img.Release()
			}
		}
	}()

	for i := 0; i < inFlight; i++ {
		cb, err := dev.AllocateCommandBuffer()
		if err != nil {
			return nil, err
		}
		fence, err := dev.CreateFence(true)
		if err != nil {
			cb.Free()
			return nil, err
		}
		s := &uploadSlot{cb: cb, fence: fence}
		all = append(all, s)
		_ = slots.Enqueue(s)
	}

	// Prefetch at most inFlight decodes ahead of the upload loop.
	pending := make([]<-chan systems.JobResult[decodedImage], count)
	prefetch := func(i int) {
		if lc.loader.Jobs == nil || i >= count || pending[i] != nil {
			return
		}
		pending[i] = systems.Go(lc.loader.Jobs, systems.JOB_TYPE_RESOURCE_LOAD, func() (decodedImage, error) {
			return lc.decodeImage(i)
		})
	}
	decoded := func(i int) (decodedImage, error) {
		if pending[i] == nil {
			return lc.decodeImage(i)
		}
		r := <-pending[i]
		return r.Value, r.Err
	}
	// Drain outstanding decodes so no worker is left writing for a failed load.
	defer func() {
		for _, ch := range pending {
			if ch != nil {
				<-ch
			}
		}
	}()
	for i := 0; i < inFlight; i++ {
		prefetch(i)
	}

	for i := 0; i < count; i++ {
		slot, _ := slots.Dequeue()

		// Round i reuses the resources of round i-N.
		if err := dev.WaitForFences(cfg.FenceTimeout.Duration, slot.fence); err != nil {
			err = fmt.Errorf("image %d: waiting for upload slot: %w", i, err)
			core.LogError(err.Error())
			return nil, err
		}
		if slot.staging != nil {
			slot.staging.Destroy()
			slot.staging = nil
		}

		d, err := decoded(i)
		pending[i] = nil
		if err != nil {
			core.LogError(err.Error())
			return nil, err
		}
		prefetch(i + inFlight)

		img, staging, err := lc.recordUpload(slot.cb, d.image, srgb[i])
		if err != nil {
			return nil, fmt.Errorf("image %d: %w", i, err)
		}
		images = append(images, img)
		slot.staging = staging

		if err := dev.ResetFences(slot.fence); err != nil {
			return nil, err
		}
		slot.unarmed = true
		if err := dev.Submit(slot.cb, slot.fence); err != nil {
			return nil, fmt.Errorf("image %d: %w", i, err)
		}
		slot.unarmed = false
		_ = slots.Enqueue(slot)

		if lc.loader.OnImageLoaded != nil {
			lc.loader.OnImageLoaded(i+1, count)
		}
	}
	return images, nil
}

// recordUpload creates the image for d and records its upload into cb. The
// returned staging buffer must outlive the submission.
func (lc *loaderContext) recordUpload(cb gpu.CommandBuffer, d *assets.DecodedImage, srgb bool) (*SharedImage, gpu.Buffer, error) {
	dev := lc.loader.Device

	format := gpu.FormatR8G8B8A8Unorm
	if srgb {
		format = gpu.FormatR8G8B8A8Srgb
	}
	levels := uint32(len(d.Levels))
	extent := gpu.Extent3D{Width: d.Width, Height: d.Height, Depth: 1}
	fullRange := gpu.ImageSubresourceRange{LevelCount: levels, LayerCount: 1}

	image, err := dev.CreateImage(gpu.ImageCreateInfo{
		Format:      format,
		Extent:      extent,
		MipLevels:   levels,
		ArrayLayers: 1,
		Usage:       gpu.ImageUsageTransferDst | gpu.ImageUsageSampled,
	})
	if err != nil {
		return nil, nil, err
	}
	view, err := dev.CreateImageView(gpu.ImageViewCreateInfo{
		Image:    image,
		ViewType: gpu.ImageViewType2D,
		Format:   format,
		Range:    fullRange,
	})
	if err != nil {
		image.Destroy()
		return nil, nil, err
	}
	shared := NewSharedImage(image, view)

	staging, err := dev.CreateBuffer(gpu.BufferCreateInfo{
		Size:     d.Size(),
		Usage:    gpu.BufferUsageTransferSrc,
		Location: gpu.MemoryHostVisible,
	})
	if err != nil {
		shared.Release()
		return nil, nil, err
	}
	mapped, err := staging.Map()
	if err != nil {
		staging.Destroy()
		shared.Release()
		return nil, nil, err
	}

	regions := make([]gpu.BufferImageCopy, 0, levels)
	offset := uint64(0)
	for mip, level := range d.Levels {
		copy(mapped[offset:], level)
		regions = append(regions, gpu.BufferImageCopy{
			BufferOffset: offset,
			MipLevel:     uint32(mip),
			Extent: gpu.Extent3D{
				Width:  max(d.Width>>mip, 1),
				Height: max(d.Height>>mip, 1),
				Depth:  1,
			},
		})
		offset += uint64(len(level))
	}

	err = errors.Join(cb.Reset(), cb.Begin())
	if err == nil {
		cb.PipelineBarrier(gpu.ImageBarrier{
			Image:     image,
			OldLayout: gpu.ImageLayoutUndefined,
			NewLayout: gpu.ImageLayoutTransferDst,
			Range:     fullRange,
		})
		cb.CopyBufferToImage(staging, image, gpu.ImageLayoutTransferDst, regions...)
		cb.PipelineBarrier(gpu.ImageBarrier{
			Image:     image,
			OldLayout: gpu.ImageLayoutTransferDst,
			NewLayout: gpu.ImageLayoutShaderReadOnly,
			Range:     fullRange,
		})
		err = cb.End()
	}
	if err != nil {
		staging.Destroy()
		shared.Release()
		return nil, nil, err
	}

	core.LogDebug("recorded upload of a %dx%d %s image, %d mipmaps", d.Width, d.Height, format, levels)
	return shared, staging, nil
}
