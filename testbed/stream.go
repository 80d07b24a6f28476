package testbed

import (
	"fmt"
	"io"

	"github.com/schollz/progressbar/v3"

	"github.com/spaghettifunk/vrstream/engine"
	"github.com/spaghettifunk/vrstream/engine/core"
	"github.com/spaghettifunk/vrstream/engine/encoder"
	"github.com/spaghettifunk/vrstream/engine/math"
	"github.com/spaghettifunk/vrstream/engine/scene"
)

const (
	lumaBlack uint8 = 16
	lumaWhite uint8 = 235
)

type TestStream struct {
	*engine.Application
}

type streamState struct {
	out io.Writer
	// Acknowledge one frame out of AckEvery; 0 never acknowledges.
	ackEvery uint64

	// Object positions relative to the scene center, scaled to [-1, 1].
	points []math.Vec3
	bar    *progressbar.ProgressBar

	frames  uint64
	written uint64
}

/**
 * @brief A test application rendering the nodes of a scene as dots spinning
 * around the vertical axis. The encoded stream is written to out and every
 * ackEvery-th frame is acknowledged as if a decoder had received it.
 */
func NewTestStream(config *engine.ApplicationConfig, out io.Writer, ackEvery uint64) *TestStream {
	ts := &TestStream{
		Application: &engine.Application{
			Config: config,
			State: &streamState{
				out:      out,
				ackEvery: ackEvery,
			},
		},
	}

	ts.FnInitialize = ts.Initialize
	ts.FnOnSceneLoaded = ts.OnSceneLoaded
	ts.FnRender = ts.Render
	ts.FnOnFrame = ts.OnFrame
	ts.FnOnImageLoaded = ts.OnImageLoaded
	ts.FnShutdown = ts.Shutdown

	return ts
}

func (ts *TestStream) Initialize() error {
	if ts.Engine == nil {
		return fmt.Errorf("the engine is not yet initialized")
	}
	core.LogDebug("%s: streaming %s at %dx%d, %.1f fps", ts.Config.Name, ts.Config.Scene, ts.Config.Width, ts.Config.Height, ts.Config.FPS)
	return nil
}

func (ts *TestStream) OnImageLoaded(done, total int) {
	state := ts.State.(*streamState)
	if state.bar == nil {
		state.bar = progressbar.Default(int64(total), "uploading images")
	}
	_ = state.bar.Set(done)
	if done == total {
		_ = state.bar.Finish()
		state.bar = nil
	}
}

func (ts *TestStream) OnSceneLoaded(s *scene.SceneData) error {
	state := ts.State.(*streamState)
	state.points = scenePoints(s)
	core.LogInfo("scene ready: %d objects, %d meshes, %d materials, %d textures",
		len(s.Objects), len(s.Meshes), len(s.Materials), len(s.Textures))
	return nil
}

func (ts *TestStream) Render(frameIndex uint64, luma []byte, width, height uint32) error {
	state := ts.State.(*streamState)
	for i := range luma {
		luma[i] = lumaBlack
	}

	angle := math.DegToRad(float32(frameIndex % 360))
	spin := math.NewQuatFromAxisAngle(math.NewVec3(0, 1, 0), angle).ToMat4()
	half := float32(min(width, height)) / 2
	for _, p := range state.points {
		r := p.Transform(spin)
		x := int(float32(width)/2 + r.X*half*0.9)
		y := int(float32(height)/2 - r.Y*half*0.9)
		plot(luma, int(width), int(height), x, y)
	}
	return nil
}

func (ts *TestStream) OnFrame(frameIndex uint64, frame *encoder.EncodedFrame) error {
	state := ts.State.(*streamState)
	if state.out != nil {
		n, err := state.out.Write(frame.Data)
		if err != nil {
			core.LogError("failed to write frame %d: %s", frameIndex, err)
			return err
		}
		state.written += uint64(n)
	}
	state.frames++
	if state.ackEvery > 0 && frameIndex%state.ackEvery == 0 {
		ts.Engine.OnFeedback(encoder.Feedback{FrameIndex: frameIndex, SentToDecoder: true})
	}
	return nil
}

func (ts *TestStream) Shutdown() error {
	state := ts.State.(*streamState)
	core.LogInfo("%s: %d frames, %d bytes written", ts.Config.Name, state.frames, state.written)
	return nil
}

// scenePoints returns the world position of every visible object, centered
// and scaled so the farthest one sits at distance 1.
func scenePoints(s *scene.SceneData) []math.Vec3 {
	world := make([]math.Mat4, len(s.Objects))
	points := make([]math.Vec3, 0, len(s.Objects))
	center := math.NewVec3Zero()
	// Parents always come before their children.
	for i, obj := range s.Objects {
		local := obj.Transform.Matrix()
		if obj.ParentID == scene.RootID {
			world[i] = local
		} else {
			world[i] = world[obj.ParentID].Mul(local)
		}
		if obj.Visible {
			p := world[i].Translation()
			points = append(points, p)
			center = center.Add(p)
		}
	}
	if len(points) == 0 {
		return nil
	}
	center = center.MulScalar(1 / float32(len(points)))

	var radius float32
	for _, p := range points {
		radius = max(radius, p.Sub(center).Length())
	}
	normalize := math.NewMat4Translation(center.MulScalar(-1))
	if radius > 0 {
		normalize = math.NewMat4Scale(math.NewVec3(1/radius, 1/radius, 1/radius)).Mul(normalize)
	}
	for i := range points {
		points[i] = points[i].Transform(normalize)
	}
	return points
}

// plot draws a 3x3 dot centered on x, y.
func plot(luma []byte, width, height, x, y int) {
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			px, py := x+dx, y+dy
			if px < 0 || py < 0 || px >= width || py >= height {
				continue
			}
			luma[py*width+px] = lumaWhite
		}
	}
}
