package units

import (
	"fmt"
	"image"
	"image/color"
	"strings"
	"time"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"vigil/internal/config"
	"vigil/internal/detect"
	"vigil/internal/frame"
	"vigil/internal/pipeline"
	"vigil/internal/tmpl"
)

// classColor derives a deterministic colour from a class id.
func classColor(classID int) color.RGBA {
	h := uint32(classID) * 2654435761
	return color.RGBA{
		R: uint8(64 + (h>>0)%192),
		G: uint8(64 + (h>>8)%192),
		B: uint8(64 + (h>>16)%192),
		A: 255,
	}
}

var greyColor = color.RGBA{R: 128, G: 128, B: 128, A: 255}

// OverlayBoxes draws the NMS-kept YOLO boxes: class colour when the
// detection is interesting, grey otherwise, with a "{class} {conf}" label.
type OverlayBoxes struct {
	log       *zap.Logger
	thickness int
}

type overlayBoxesOptions struct {
	Thickness int `json:"thickness"`
}

func NewOverlayBoxes(cfg config.UnitConfig, log *zap.Logger) (*OverlayBoxes, error) {
	opts := overlayBoxesOptions{Thickness: 2}
	if err := cfg.Options(&opts); err != nil {
		return nil, err
	}
	return &OverlayBoxes{log: log, thickness: opts.Thickness}, nil
}

func (u *OverlayBoxes) Name() string { return "overlayBoxes" }

func (u *OverlayBoxes) Process(m *gocv.Mat, ctx *frame.Context) pipeline.Result {
	if m.Empty() {
		return pipeline.FailureContinue
	}
	bounds := image.Rect(0, 0, m.Cols(), m.Rows())
	for _, idx := range ctx.Yolo.Indices {
		if idx < 0 || idx >= len(ctx.Yolo.Boxes) {
			continue
		}
		box := ctx.Yolo.Boxes[idx].Intersect(bounds)
		if box.Empty() {
			continue
		}
		clr := classColor(ctx.Yolo.ClassIDs[idx])
		if idx < len(ctx.Yolo.Interesting) && !ctx.Yolo.Interesting[idx] {
			clr = greyColor
		}
		gocv.Rectangle(m, box, clr, u.thickness)
		label := fmt.Sprintf("%s %.2f",
			detect.ClassName(ctx.Yolo.ClassIDs[idx]), ctx.Yolo.Confidences[idx])
		org := image.Pt(box.Min.X, max(box.Min.Y-5, 12))
		gocv.PutText(m, label, org, gocv.FontHersheySimplex, 0.5, clr, 1)
	}
	return pipeline.SuccessContinue
}

// OverlayLandmarks draws the five YuNet landmark points as small circles.
type OverlayLandmarks struct {
	log    *zap.Logger
	radius int
}

type overlayLandmarksOptions struct {
	Radius int `json:"radius"`
}

func NewOverlayLandmarks(cfg config.UnitConfig, log *zap.Logger) (*OverlayLandmarks, error) {
	opts := overlayLandmarksOptions{Radius: 2}
	if err := cfg.Options(&opts); err != nil {
		return nil, err
	}
	return &OverlayLandmarks{log: log, radius: opts.Radius}, nil
}

func (u *OverlayLandmarks) Name() string { return "overlayLandmarks" }

func (u *OverlayLandmarks) Process(m *gocv.Mat, ctx *frame.Context) pipeline.Result {
	if m.Empty() {
		return pipeline.FailureContinue
	}
	clr := color.RGBA{R: 0, G: 255, B: 255, A: 255}
	for _, face := range ctx.Yunet {
		gocv.Rectangle(m, face.Box, color.RGBA{G: 255, A: 255}, 1)
		for _, pt := range face.Landmarks {
			gocv.Circle(m, pt, u.radius, clr, -1)
		}
	}
	return pipeline.SuccessContinue
}

// OverlayFaceIdentity writes the recognised identity adjacent to each face
// box, coloured by category.
type OverlayFaceIdentity struct {
	log *zap.Logger
}

func NewOverlayFaceIdentity(cfg config.UnitConfig, log *zap.Logger) (*OverlayFaceIdentity, error) {
	return &OverlayFaceIdentity{log: log}, nil
}

func (u *OverlayFaceIdentity) Name() string { return "overlayFaceIdentity" }

func (u *OverlayFaceIdentity) Process(m *gocv.Mat, ctx *frame.Context) pipeline.Result {
	if m.Empty() {
		return pipeline.FailureContinue
	}
	for i, rec := range ctx.Sface {
		if i >= len(ctx.Yunet) {
			break
		}
		box := ctx.Yunet[i].Box
		var clr color.RGBA
		switch rec.Category {
		case frame.FaceAuthorised:
			clr = color.RGBA{G: 255, A: 255}
		case frame.FaceUnauthorised:
			clr = color.RGBA{R: 255, A: 255}
		default:
			clr = color.RGBA{R: 255, G: 165, A: 255}
		}
		label := fmt.Sprintf("%s %.2f", rec.Identity, rec.Similarity)
		org := image.Pt(box.Min.X, box.Max.Y+16)
		gocv.PutText(m, label, org, gocv.FontHersheySimplex, 0.5, clr, 1)
	}
	return pipeline.SuccessContinue
}

// OverlayInfo renders the accumulated context text and/or a formatted
// template as white text with a black glow at the top of the frame. The
// font scale follows textHeightRatio x frame height.
type OverlayInfo struct {
	log             *zap.Logger
	template        string
	textHeightRatio float64
	outlineRatio    float64
	interval        time.Duration

	lastRender time.Time
}

type overlayInfoOptions struct {
	Template          string  `json:"template"`
	TextHeightRatio   float64 `json:"textHeightRatio"`
	OutlineRatio      float64 `json:"outlineRatio"`
	OverlayIntervalMs int64   `json:"overlayIntervalMs"`
}

// baseFontHeightPx is the pixel height of Hershey fonts at scale 1.0.
const baseFontHeightPx = 22.0

func NewOverlayInfo(cfg config.UnitConfig, log *zap.Logger) (*OverlayInfo, error) {
	opts := overlayInfoOptions{TextHeightRatio: 0.03, OutlineRatio: 0.15}
	if err := cfg.Options(&opts); err != nil {
		return nil, err
	}
	log.Info("overlay info unit configured",
		zap.Float64("text_height_ratio", opts.TextHeightRatio),
		zap.Float64("outline_ratio", opts.OutlineRatio))
	return &OverlayInfo{
		log:             log,
		template:        opts.Template,
		textHeightRatio: opts.TextHeightRatio,
		outlineRatio:    opts.OutlineRatio,
		interval:        time.Duration(opts.OverlayIntervalMs) * time.Millisecond,
	}, nil
}

func (u *OverlayInfo) Name() string { return "overlayInfo" }

func (u *OverlayInfo) Process(m *gocv.Mat, ctx *frame.Context) pipeline.Result {
	if m.Empty() {
		return pipeline.FailureContinue
	}
	if u.interval > 0 && time.Since(u.lastRender) < u.interval {
		return pipeline.SuccessContinue
	}
	u.lastRender = time.Now()

	text := ctx.TextToOverlay
	if u.template != "" {
		text += tmpl.Evaluate(u.template, tmpl.FromContext(ctx))
	}
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return pipeline.SuccessContinue
	}

	heightPx := max(float64(m.Rows())*u.textHeightRatio, 6)
	scale := heightPx / baseFontHeightPx
	thickness := max(int(heightPx/20), 1)
	outline := thickness
	if u.outlineRatio > 0 {
		outline = max(int(heightPx*u.outlineRatio), 1) + thickness
	}
	lineHeight := int(heightPx * 1.5)

	white := color.RGBA{R: 255, G: 255, B: 255, A: 255}
	black := color.RGBA{A: 255}
	y := lineHeight
	for _, line := range lines {
		if line != "" {
			org := image.Pt(8, y)
			if u.outlineRatio > 0 {
				gocv.PutText(m, line, org, gocv.FontHersheyDuplex, scale, black, outline)
			}
			gocv.PutText(m, line, org, gocv.FontHersheyDuplex, scale, white, thickness)
		}
		y += lineHeight
	}
	return pipeline.SuccessContinue
}
