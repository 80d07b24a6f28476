package engine

import (
	"github.com/spaghettifunk/vrstream/engine/encoder"
	"github.com/spaghettifunk/vrstream/engine/scene"
)

type ApplicationConfig struct {
	// The application name, used in logs.
	Name string
	// Directory indexed and watched by the asset manager.
	AssetsDir string
	// Scene to stream, relative to AssetsDir.
	Scene string
	// Size of the encoded picture.
	Width  uint32
	Height uint32
	// Target frame rate and bitrate of the stream.
	FPS     float32
	Bitrate uint64
	// Either "h264" or "h265".
	Codec string
	// Number of frames to stream; 0 streams until shutdown.
	Frames uint64
	// Encodes as fast as possible instead of pacing frames at FPS.
	Unpaced bool
}

/**
 * @brief The hooks the engine calls while streaming. Every hook runs on the
 * render goroutine. Nil hooks are skipped.
 */
type Application struct {
	Config *ApplicationConfig
	// Set by the engine before FnInitialize.
	Engine          *Engine
	State           interface{}
	FnInitialize    Initialize
	FnOnSceneLoaded OnSceneLoaded
	FnRender        Render
	FnOnFrame       OnFrame
	FnOnImageLoaded OnImageLoaded
	FnShutdown      Shutdown
}

type Initialize func() error

// OnSceneLoaded is called after every successful load, including reloads.
type OnSceneLoaded func(scene *scene.SceneData) error

// Render fills the luma plane of the picture encoded as frameIndex.
type Render func(frameIndex uint64, luma []byte, width, height uint32) error

// OnFrame receives every encoded frame. frame.Data is only valid during the call.
type OnFrame func(frameIndex uint64, frame *encoder.EncodedFrame) error

type OnImageLoaded func(done, total int)

type Shutdown func() error
