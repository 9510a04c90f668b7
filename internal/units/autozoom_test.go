package units

import (
	"image"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestFixAspectRatioExpandsToTargetAR(t *testing.T) {
	out := image.Pt(640, 360) // 16:9
	limit := image.Pt(1920, 1080)

	r := fixAspectRatio(image.Rect(100, 100, 300, 300), out, limit)
	assert.InDelta(t, 16.0/9.0, r.W/r.H, 0.01)
	assert.GreaterOrEqual(t, r.X, 0.0)
	assert.GreaterOrEqual(t, r.Y, 0.0)
	assert.LessOrEqual(t, r.X+r.W, float64(limit.X))
	assert.LessOrEqual(t, r.Y+r.H, float64(limit.Y))
}

func TestFixAspectRatioShrinksOversizedInput(t *testing.T) {
	out := image.Pt(640, 360)
	limit := image.Pt(1280, 720)
	r := fixAspectRatio(image.Rect(-500, -500, 3000, 3000), out, limit)
	assert.LessOrEqual(t, r.W, float64(limit.X))
	assert.LessOrEqual(t, r.H, float64(limit.Y))
	assert.InDelta(t, 16.0/9.0, r.W/r.H, 0.01)
}

func TestStepTowardIsBoundedBySmoothStep(t *testing.T) {
	u, err := NewAutoZoom(unitConfig(t,
		`{"type":"autoZoom","outputScaleFactor":0.5,"smoothStepPixel":4}`), zap.NewNop())
	require.NoError(t, err)
	u.outputSize = image.Pt(640, 360)
	u.current = rectF{X: 0, Y: 0, W: 1280, H: 720}
	u.initialized = true

	u.stepToward(rectF{X: 400, Y: 200, W: 640, H: 360})

	assert.InDelta(t, 1276, u.current.W, 0.01, "width moves by at most the step")
	cx, cy := u.current.centre()
	// current centre (640,360) migrates toward target centre (720,380)
	assert.InDelta(t, 644, cx, 0.01, "centre x moves by at most the step")
	assert.InDelta(t, 364, cy, 0.01, "centre y moves by at most the step")
}

func TestStepTowardSnapsWhenClose(t *testing.T) {
	u, err := NewAutoZoom(unitConfig(t,
		`{"type":"autoZoom","smoothStepPixel":100}`), zap.NewNop())
	require.NoError(t, err)
	u.outputSize = image.Pt(640, 360)
	u.current = rectF{X: 0, Y: 0, W: 700, H: 393.75}
	u.initialized = true

	target := rectF{X: 10, Y: 10, W: 640, H: 360}
	u.stepToward(target)
	assert.InDelta(t, 640, u.current.W, 0.01)
}

func TestHeightDerivesFromWidthViaOutputAR(t *testing.T) {
	u, err := NewAutoZoom(unitConfig(t, `{"type":"autoZoom"}`), zap.NewNop())
	require.NoError(t, err)
	u.outputSize = image.Pt(800, 400) // 2:1
	u.current = rectF{W: 1000, H: 123}
	u.initialized = true

	u.stepToward(rectF{X: 0, Y: 0, W: 1000, H: 500})
	assert.InDelta(t, u.current.W/2, u.current.H, 0.01)
}

func TestClampRectStaysInsideFrame(t *testing.T) {
	limit := image.Pt(640, 480)
	r := clampRect(rectF{X: -50, Y: -50, W: 10000, H: 10000}, limit)
	assert.True(t, r.In(image.Rect(0, 0, 640, 480)))
	assert.GreaterOrEqual(t, r.Dx(), 1)
	assert.GreaterOrEqual(t, r.Dy(), 1)
}

func TestTargetROIFallsBackToFullFrame(t *testing.T) {
	u, err := NewAutoZoom(unitConfig(t,
		`{"type":"autoZoom","outputScaleFactor":0.5}`), zap.NewNop())
	require.NoError(t, err)
	u.outputSize = image.Pt(640, 360)
	u.initialized = true

	ctx := newEmptyContext()
	r := u.targetROI(image.Pt(1280, 720), &ctx)
	assert.InDelta(t, 1280, r.W, 1)
	assert.InDelta(t, 720, r.H, 1)
	assert.True(t, math.Abs(r.X) < 1 && math.Abs(r.Y) < 1)
}
