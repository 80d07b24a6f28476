/*
vrstream loads a glTF scene, renders it into the luma plane of an NV12
picture and streams the encoded frames to an Annex-B file.
*/
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/spaghettifunk/vrstream/engine"
	"github.com/spaghettifunk/vrstream/engine/core"
	"github.com/spaghettifunk/vrstream/engine/gpu"
	"github.com/spaghettifunk/vrstream/engine/gpu/hostmem"
	"github.com/spaghettifunk/vrstream/engine/renderer/vulkan"
	"github.com/spaghettifunk/vrstream/testbed"
)

func main() {
	configPath := flag.String("config", "", "path to a toml configuration file")
	assets := flag.String("assets", "assets", "assets directory")
	sceneFile := flag.String("scene", "", "glTF scene, relative to the assets directory")
	out := flag.String("out", "stream.h264", "output file for the encoded stream")
	frames := flag.Uint64("frames", 0, "number of frames to stream, 0 streams until interrupted")
	codec := flag.String("codec", "h264", "codec: h264 or h265")
	width := flag.Uint("width", 1280, "picture width")
	height := flag.Uint("height", 720, "picture height")
	fps := flag.Float64("fps", 90, "frames per second")
	bitrate := flag.Uint64("bitrate", 20_000_000, "target bitrate in bits per second")
	ackEvery := flag.Uint64("ack-every", 1, "acknowledge one frame out of N, 0 disables feedback")
	unpaced := flag.Bool("unpaced", false, "encode as fast as possible")
	device := flag.String("device", "hostmem", "scene upload device: hostmem or vulkan")
	flag.Parse()

	cfg := core.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = core.LoadConfig(*configPath); err != nil {
			core.LogFatal("%s", err)
		}
	}
	if err := core.LogConfigure(cfg.Log); err != nil {
		core.LogFatal("%s", err)
	}

	var sceneDevice gpu.Device
	switch *device {
	case "hostmem":
		sceneDevice = hostmem.NewDevice()
	case "vulkan":
		vd, err := vulkan.New("vrstream")
		if err != nil {
			core.LogFatal("failed to create the vulkan device: %s", err)
		}
		defer vd.Shutdown()
		sceneDevice = vd
	default:
		core.LogFatal("unknown device %q", *device)
	}

	f, err := os.Create(*out)
	if err != nil {
		core.LogFatal("%s", err)
	}
	defer f.Close()

	tb := testbed.NewTestStream(&engine.ApplicationConfig{
		Name:      "vrstream",
		AssetsDir: *assets,
		Scene:     *sceneFile,
		Width:     uint32(*width),
		Height:    uint32(*height),
		FPS:       float32(*fps),
		Bitrate:   *bitrate,
		Codec:     *codec,
		Frames:    *frames,
		Unpaced:   *unpaced,
	}, f, *ackEvery)

	e, err := engine.New(tb.Application, cfg, sceneDevice, hostmem.NewVideoDevice())
	if err != nil {
		core.LogFatal("%s", err)
	}
	defer e.Shutdown()

	if err := e.Initialize(); err != nil {
		core.LogError("%s", err)
		return
	}

	// capture sigterm and other system calls here
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)
	defer stop()

	if err := e.Run(ctx); err != nil {
		core.LogError("%s", err)
	}
}
