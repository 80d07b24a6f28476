package engine

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/vrstream/engine/core"
	"github.com/spaghettifunk/vrstream/engine/encoder"
	"github.com/spaghettifunk/vrstream/engine/gpu/hostmem"
	"github.com/spaghettifunk/vrstream/engine/scene"
)

func writeTriangle(t *testing.T, dir string) {
	t.Helper()
	var bin bytes.Buffer
	for _, v := range []float32{0, 0, 0, 1, 0, 0, 0, 1, 0} {
		require.NoError(t, binary.Write(&bin, binary.LittleEndian, v))
	}
	doc := fmt.Sprintf(`{
		"asset": {"version": "2.0"},
		"scene": 0,
		"scenes": [{"nodes": [0]}],
		"nodes": [{"name": "triangle", "mesh": 0}],
		"meshes": [{"primitives": [{"attributes": {"POSITION": 0}}]}],
		"accessors": [{"bufferView": 0, "componentType": 5126, "count": 3, "type": "VEC3"}],
		"bufferViews": [{"buffer": 0, "byteLength": 36}],
		"buffers": [{"byteLength": 36, "uri": "data:application/octet-stream;base64,%s"}]
	}`, base64.StdEncoding.EncodeToString(bin.Bytes()))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "triangle.gltf"), []byte(doc), 0o644))
}

type recorder struct {
	frames  [][]byte
	scenes  []*scene.SceneData
	renders int
	ack     bool
}

func newTestApp(t *testing.T, rec *recorder, frames uint64) *Application {
	dir := t.TempDir()
	writeTriangle(t, dir)

	app := &Application{
		Config: &ApplicationConfig{
			Name:      "test",
			AssetsDir: dir,
			Scene:     "triangle.gltf",
			Width:     64,
			Height:    32,
			FPS:       90,
			Bitrate:   10_000_000,
			Frames:    frames,
			Unpaced:   true,
		},
	}
	app.FnOnSceneLoaded = func(s *scene.SceneData) error {
		rec.scenes = append(rec.scenes, s)
		return nil
	}
	app.FnRender = func(frameIndex uint64, luma []byte, width, height uint32) error {
		rec.renders++
		assert.Len(t, luma, int(width*height))
		for i := range luma {
			luma[i] = byte(frameIndex)
		}
		return nil
	}
	app.FnOnFrame = func(frameIndex uint64, frame *encoder.EncodedFrame) error {
		rec.frames = append(rec.frames, append([]byte(nil), frame.Data...))
		if rec.ack {
			app.Engine.OnFeedback(encoder.Feedback{FrameIndex: frameIndex, SentToDecoder: true})
		}
		return nil
	}
	return app
}

func TestEngineStreamsScene(t *testing.T) {
	t.Cleanup(core.EventReset)
	rec := &recorder{ack: true}
	app := newTestApp(t, rec, 6)

	sceneDev := hostmem.NewDevice()
	videoDev := hostmem.NewVideoDevice()
	e, err := New(app, core.DefaultConfig(), sceneDev, videoDev)
	require.NoError(t, err)
	require.NoError(t, e.Initialize())

	require.Len(t, rec.scenes, 1)
	assert.Len(t, rec.scenes[0].Meshes, 1)
	_, err = e.Scene().FindNode("triangle")
	assert.NoError(t, err)

	require.NoError(t, e.Run(context.Background()))
	assert.Equal(t, 6, rec.renders)
	require.Len(t, rec.frames, 6)

	// The first frame carries the parameter sets, then an IDR.
	assert.True(t, bytes.HasPrefix(rec.frames[0], videoDev.ParameterSets))
	nal, _, err := hostmem.ReadFrameHeader(rec.frames[0][len(videoDev.ParameterSets):])
	require.NoError(t, err)
	assert.Equal(t, byte(0x65), nal)
	for i, frame := range rec.frames[1:] {
		nal, _, err := hostmem.ReadFrameHeader(frame)
		require.NoError(t, err)
		assert.Equal(t, byte(0x41), nal, "frame %d", i+2)
		assert.Equal(t, byte(i+2), frame[len(frame)-1])
	}
	assert.Equal(t, uint64(6), e.Metrics().Count)
	assert.Zero(t, e.Metrics().ForcedResets)

	require.NoError(t, e.Shutdown())
	require.NoError(t, e.Shutdown())
	buffers, images, views := sceneDev.Live()
	assert.Zero(t, buffers+images+views)
	buffers, images, views = videoDev.Live()
	assert.Zero(t, buffers+images+views)
}

func TestEngineRequestsIDRAfterForcedReset(t *testing.T) {
	t.Cleanup(core.EventReset)
	rec := &recorder{}
	app := newTestApp(t, rec, 6)

	cfg := core.DefaultConfig()
	cfg.Encoder.MaxFramesWithoutAck = 4
	videoDev := hostmem.NewVideoDevice()
	e, err := New(app, cfg, hostmem.NewDevice(), videoDev)
	require.NoError(t, err)
	require.NoError(t, e.Initialize())
	defer e.Shutdown()

	require.NoError(t, e.Run(context.Background()))
	require.Len(t, rec.frames, 6)
	assert.Equal(t, uint64(1), e.Metrics().ForcedResets)

	// Frame 5 is the first one encoded with 4 frames since the last reset.
	assert.True(t, bytes.HasPrefix(rec.frames[4], videoDev.ParameterSets))
	assert.False(t, bytes.HasPrefix(rec.frames[5], videoDev.ParameterSets))
}

func TestEngineStopsOnCancel(t *testing.T) {
	t.Cleanup(core.EventReset)
	rec := &recorder{}
	app := newTestApp(t, rec, 0)
	app.Config.Scene = ""

	e, err := New(app, core.DefaultConfig(), hostmem.NewDevice(), hostmem.NewVideoDevice())
	require.NoError(t, err)
	require.NoError(t, e.Initialize())
	defer e.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	app.FnOnFrame = func(frameIndex uint64, frame *encoder.EncodedFrame) error {
		if frameIndex == 3 {
			cancel()
		}
		return nil
	}
	require.NoError(t, e.Run(ctx))
	assert.Equal(t, 3, rec.renders)
	assert.Nil(t, e.Scene())
}

func TestEngineRejectsUnknownCodec(t *testing.T) {
	t.Cleanup(core.EventReset)
	app := newTestApp(t, &recorder{}, 1)
	app.Config.Codec = "av1"

	e, err := New(app, core.DefaultConfig(), hostmem.NewDevice(), hostmem.NewVideoDevice())
	require.NoError(t, err)
	defer e.Shutdown()
	assert.Error(t, e.Initialize())
}
