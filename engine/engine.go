package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spaghettifunk/vrstream/engine/assets"
	"github.com/spaghettifunk/vrstream/engine/core"
	"github.com/spaghettifunk/vrstream/engine/encoder"
	"github.com/spaghettifunk/vrstream/engine/gpu"
	"github.com/spaghettifunk/vrstream/engine/gpu/hostmem"
	"github.com/spaghettifunk/vrstream/engine/scene"
	"github.com/spaghettifunk/vrstream/engine/systems"
)

type Stage uint8

const (
	// Engine is in an uninitialized state
	EngineStageUninitialized Stage = iota
	// Engine is currently initializing
	EngineStageInitializing
	// Engine initialization is complete
	EngineStageInitialized
	// Engine is currently running
	EngineStageRunning
	// Engine is in the process of shutting down
	EngineStageShuttingDown
)

// Source pictures rendered ahead of the encoder.
const framesInFlight = 2

/**
 * @brief Loads a scene and streams it through an encoder session. The
 * scene can live on any gpu.Device; encoding runs on a host video device.
 */
type Engine struct {
	currentStage Stage
	app          *Application
	config       *core.Config
	clock        *core.Clock

	sceneDevice  gpu.Device
	videoDevice  *hostmem.VideoDevice
	assetManager *assets.AssetManager
	jobSystem    *systems.JobSystem
	loader       *scene.Loader
	scene        *scene.SceneData
	session      *encoder.Session
	sources      []*hostmem.Image

	isRunning     atomic.Bool
	reload        atomic.Bool
	needIDR       bool
	parameterSets []byte
	shutdownOnce  sync.Once
}

func New(app *Application, cfg *core.Config, sceneDevice gpu.Device, videoDevice *hostmem.VideoDevice) (*Engine, error) {
	if app == nil || app.Config == nil {
		err := fmt.Errorf("engine: application and its configuration are required")
		core.LogError(err.Error())
		return nil, err
	}
	if cfg == nil {
		cfg = core.DefaultConfig()
	}

	am, err := assets.NewAssetManager()
	if err != nil {
		core.LogError(err.Error())
		return nil, err
	}

	js, err := systems.NewJobSystem(runtime.NumCPU(), 64)
	if err != nil {
		core.LogError(err.Error())
		return nil, err
	}

	e := &Engine{
		currentStage: EngineStageUninitialized,
		app:          app,
		config:       cfg,
		clock:        core.NewClock(),
		sceneDevice:  sceneDevice,
		videoDevice:  videoDevice,
		assetManager: am,
		jobSystem:    js,
		needIDR:      true,
	}
	app.Engine = e
	return e, nil
}

func (e *Engine) Initialize() error {
	e.currentStage = EngineStageInitializing
	cfg := e.app.Config

	if err := e.assetManager.Initialize(cfg.AssetsDir); err != nil {
		core.LogError("failed to index assets in %s: %s", cfg.AssetsDir, err)
		return err
	}

	e.loader = scene.NewLoader(e.sceneDevice, assets.NewFileSource(cfg.AssetsDir), e.config.Loader)
	e.loader.Jobs = e.jobSystem
	e.loader.OnImageLoaded = e.app.FnOnImageLoaded

	core.EventRegister(core.EVENT_CODE_SCENE_FILE_CHANGED, e, e.onSceneFileChanged)
	core.EventRegister(core.EVENT_CODE_ENCODER_FORCED_RESET, e, e.onForcedReset)

	if err := e.createSession(); err != nil {
		return err
	}

	if e.app.FnInitialize != nil {
		if err := e.app.FnInitialize(); err != nil {
			return err
		}
	}

	if err := e.loadScene(); err != nil {
		return err
	}

	e.currentStage = EngineStageInitialized
	e.isRunning.Store(true)
	return nil
}

func (e *Engine) createSession() error {
	cfg := e.app.Config
	rect := gpu.Rect2D{Extent: gpu.Extent2D{Width: cfg.Width, Height: cfg.Height}}

	var codec encoder.Codec
	profile := &encoder.VideoProfile{LumaBitDepth: 8, ChromaBitDepth: 8}
	switch cfg.Codec {
	case "", "h264":
		codec = encoder.NewH264Codec(e.onParameterSets)
		profile.Operation = encoder.VIDEO_CODEC_OPERATION_ENCODE_H264
	case "h265":
		codec = encoder.NewH265Codec(e.onParameterSets)
		profile.Operation = encoder.VIDEO_CODEC_OPERATION_ENCODE_H265
	default:
		err := fmt.Errorf("unknown codec %q", cfg.Codec)
		core.LogError(err.Error())
		return err
	}

	caps := encoder.VideoEncodeCapabilities{
		RateControlModes: encoder.RATE_CONTROL_MODE_CBR | encoder.RATE_CONTROL_MODE_VBR,
		MaxBitrate:       4 * cfg.Bitrate,
	}
	session, err := encoder.New(e.videoDevice, rect, caps, cfg.FPS, cfg.Bitrate, codec, e.config.Encoder)
	if err != nil {
		return err
	}
	videoCaps := encoder.VideoCapabilities{
		PictureAccessGranularity:        gpu.Extent2D{Width: 16, Height: 16},
		MinBitstreamBufferSizeAlignment: 256,
		MaxDpbSlots:                     16,
		MaxActiveReferencePictures:      15,
	}
	if err := session.Init(videoCaps, profile, nil, nil); err != nil {
		return err
	}
	e.session = session

	for i := 0; i < framesInFlight; i++ {
		img, err := e.videoDevice.CreateImage(gpu.ImageCreateInfo{
			Format:    gpu.FormatG8B8R82Plane420Unorm,
			Extent:    gpu.Extent3D{Width: cfg.Width, Height: cfg.Height, Depth: 1},
			MipLevels: 1,
			Usage:     gpu.ImageUsageVideoEncodeSrc | gpu.ImageUsageTransferDst,
		})
		if err != nil {
			core.LogError("failed to create source picture %d: %s", i, err)
			return err
		}
		e.sources = append(e.sources, img.(*hostmem.Image))
	}
	return nil
}

func (e *Engine) loadScene() error {
	if e.app.Config.Scene == "" {
		return nil
	}
	loaded, err := e.loader.Load(e.app.Config.Scene)
	if err != nil {
		return err
	}
	if e.scene != nil {
		e.scene.Destroy()
	}
	e.scene = loaded
	// A new scene invalidates whatever the decoder has as reference.
	e.needIDR = true

	if e.app.FnOnSceneLoaded != nil {
		return e.app.FnOnSceneLoaded(e.scene)
	}
	return nil
}

// Run streams frames until the configured count is reached, ctx is done or Shutdown is called.
func (e *Engine) Run(ctx context.Context) error {
	if e.currentStage != EngineStageInitialized {
		return fmt.Errorf("engine: Run called before Initialize")
	}
	e.currentStage = EngineStageRunning
	cfg := e.app.Config

	e.clock.Start()
	start := time.Now()
	frameTime := time.Duration(float64(time.Second) / float64(cfg.FPS))

	var tick <-chan time.Time
	if !cfg.Unpaced {
		ticker := time.NewTicker(frameTime)
		defer ticker.Stop()
		tick = ticker.C
	}

	var frameIndex uint64
	for e.isRunning.Load() {
		if cfg.Frames > 0 && frameIndex >= cfg.Frames {
			break
		}
		if tick != nil {
			select {
			case <-ctx.Done():
				e.isRunning.Store(false)
				continue
			case <-tick:
			}
		} else if ctx.Err() != nil {
			break
		}

		if e.reload.Swap(false) {
			if err := e.loadScene(); err != nil {
				core.LogWarn("scene reload failed, keeping the previous one: %s", err)
			}
		}

		frameIndex++
		target := start.Add(time.Duration(frameIndex) * frameTime)
		if err := e.streamFrame(frameIndex, target); err != nil {
			core.LogError("frame %d: %s", frameIndex, err)
			return err
		}
	}

	e.clock.Update()
	m := e.session.Metrics
	core.LogInfo("streamed %d frames (%d bytes) in %s, avg encode %.3f ms, %d forced resets",
		m.Count, m.Bytes, e.clock.Elapsed(), m.AverageMS(), m.ForcedResets)
	return nil
}

func (e *Engine) streamFrame(frameIndex uint64, target time.Time) error {
	cfg := e.app.Config
	slot := uint8(frameIndex % uint64(len(e.sources)))
	src := e.sources[slot]

	if e.app.FnRender != nil {
		luma := src.Level(0, 0)[:cfg.Width*cfg.Height]
		if err := e.app.FnRender(frameIndex, luma, cfg.Width, cfg.Height); err != nil {
			return err
		}
	}

	cb, err := e.videoDevice.AllocateVideoCommandBuffer()
	if err != nil {
		return err
	}
	defer cb.Free()
	if err := cb.Begin(); err != nil {
		return err
	}
	fence, err := e.videoDevice.CreateFence(false)
	if err != nil {
		return err
	}
	defer fence.Destroy()

	if err := e.session.PresentImage(src, cb, fence, slot, frameIndex); err != nil {
		return err
	}
	if err := e.videoDevice.Submit(cb, fence); err != nil {
		return err
	}

	idr := e.needIDR
	e.needIDR = false
	frame, err := e.session.Encode(idr, target, slot)
	if err != nil {
		return err
	}
	if len(e.parameterSets) > 0 {
		frame = &encoder.EncodedFrame{
			Data:         append(e.parameterSets, frame.Data...),
			HasOverrides: frame.HasOverrides,
			Target:       frame.Target,
		}
		e.parameterSets = nil
	}

	if e.app.FnOnFrame != nil {
		return e.app.FnOnFrame(frameIndex, frame)
	}
	return nil
}

// OnFeedback forwards a decoder acknowledgement. Safe to call from any goroutine.
func (e *Engine) OnFeedback(feedback encoder.Feedback) {
	if e.session != nil {
		e.session.OnFeedback(feedback)
	}
}

// Scene returns the scene currently streamed, nil before the first load.
func (e *Engine) Scene() *scene.SceneData {
	return e.scene
}

// Metrics returns the encode statistics of the session.
func (e *Engine) Metrics() *core.Metrics {
	if e.session == nil {
		return nil
	}
	return e.session.Metrics
}

// Stop makes Run return after the frame in progress.
func (e *Engine) Stop() {
	e.isRunning.Store(false)
}

func (e *Engine) Shutdown() error {
	var err error
	e.shutdownOnce.Do(func() {
		e.currentStage = EngineStageShuttingDown
		e.isRunning.Store(false)

		core.EventUnregister(core.EVENT_CODE_SCENE_FILE_CHANGED, e, e.onSceneFileChanged)
		core.EventUnregister(core.EVENT_CODE_ENCODER_FORCED_RESET, e, e.onForcedReset)

		if e.app.FnShutdown != nil {
			if serr := e.app.FnShutdown(); serr != nil {
				core.LogError(serr.Error())
				err = serr
			}
		}
		if e.session != nil {
			e.session.Close()
		}
		for _, src := range e.sources {
			src.Destroy()
		}
		e.sources = nil
		if e.scene != nil {
			e.scene.Destroy()
			e.scene = nil
		}
		if aerr := e.assetManager.Shutdown(); aerr != nil {
			core.LogError(aerr.Error())
			err = aerr
		}
		e.jobSystem.Shutdown()
	})
	return err
}

// Called from the asset watcher goroutine.
func (e *Engine) onSceneFileChanged(code core.SystemEventCode, sender, listener interface{}, data core.EventContext) bool {
	if e.app.Config.Scene == "" {
		return false
	}
	changed := filepath.Clean(data.Data.C[0])
	want := filepath.Clean(filepath.Join(e.app.Config.AssetsDir, e.app.Config.Scene))
	if abs, err := filepath.Abs(want); err == nil {
		want = abs
	}
	if abs, err := filepath.Abs(changed); err == nil {
		changed = abs
	}
	if changed == want {
		core.LogInfo("%s changed, reloading", e.app.Config.Scene)
		e.reload.Store(true)
	}
	return false
}

// Called from PresentImage, on the render goroutine.
func (e *Engine) onForcedReset(code core.SystemEventCode, sender, listener interface{}, data core.EventContext) bool {
	if sender == e.session {
		e.needIDR = true
	}
	return false
}

// Called from Encode when an IDR is requested.
func (e *Engine) onParameterSets(data []byte) {
	e.parameterSets = append(e.parameterSets[:0], data...)
}
