package encoder

import (
	"github.com/spaghettifunk/vrstream/engine/core"
)

// Some drivers advertise CBR or VBR with a max bitrate of 0, which leaves
// nothing to configure them with.
func patchCapabilities(caps VideoEncodeCapabilities) VideoEncodeCapabilities {
	if caps.RateControlModes&(RATE_CONTROL_MODE_CBR|RATE_CONTROL_MODE_VBR) != 0 && caps.MaxBitrate == 0 {
		core.LogWarn("Invalid encode capabilities, disabling rate control")
		caps.RateControlModes = RATE_CONTROL_MODE_DEFAULT
	}
	return caps
}

/**
 * @brief Picks the rate control of the session. CBR is preferred over VBR.
 * @param caps The patched encode capabilities.
 * @param fps The target frame rate.
 * @param bitrate The target bitrate in bits per second.
 * @returns The rate control info, or nil to leave the driver default.
 */
func configureRateControl(caps VideoEncodeCapabilities, fps float32, bitrate uint64, cfg core.EncoderConfig) *RateControlInfo {
	core.LogDebug("Supported rate control modes: %s", caps.RateControlModes)
	if caps.RateControlModes&(RATE_CONTROL_MODE_CBR|RATE_CONTROL_MODE_VBR) != 0 {
		core.LogDebug("Maximum bitrate: %d Mb/s", caps.MaxBitrate/1_000_000)
		if caps.MaxBitrate < bitrate {
			core.LogWarn("Configured bitrate %d Mb/s is higher than max supported %d", bitrate/1_000_000, caps.MaxBitrate/1_000_000)
		}
	}

	layer := RateControlLayer{
		AverageBitrate:       min(bitrate, caps.MaxBitrate),
		MaxBitrate:           min(2*bitrate, caps.MaxBitrate),
		FrameRateNumerator:   uint32(fps * 1_000_000),
		FrameRateDenominator: 1_000_000,
	}
	rc := &RateControlInfo{
		VirtualBufferSizeMs:        cfg.VirtualBufferSizeMs,
		InitialVirtualBufferSizeMs: cfg.InitialVirtualBufferSizeMs,
	}

	switch {
	case caps.RateControlModes&RATE_CONTROL_MODE_CBR != 0:
		layer.MaxBitrate = layer.AverageBitrate
		rc.Mode = RATE_CONTROL_MODE_CBR
	case caps.RateControlModes&RATE_CONTROL_MODE_VBR != 0:
		rc.Mode = RATE_CONTROL_MODE_VBR
	default:
		core.LogWarn("No suitable rate control available, reverting to default")
		return nil
	}
	rc.Layers = []RateControlLayer{layer}
	return rc
}
