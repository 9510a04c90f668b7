package detect

import (
	"fmt"
	"image"
	"time"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"vigil/internal/config"
	"vigil/internal/frame"
	"vigil/internal/pipeline"
)

// faceRowLen is the YuNet output row layout: box (4), five landmark pairs
// (10) and the confidence score.
const faceRowLen = 15

// YuNet detects faces and their five landmark points. Like the object
// detector it throttles inference and carries cached detections forward.
type YuNet struct {
	log      *zap.Logger
	detector gocv.FaceDetectorYN
	interval time.Duration

	lastInference time.Time
	lastSize      image.Point
	prev          []frame.FaceDetection
}

type yunetOptions struct {
	ModelPath           string  `json:"modelPath"`
	ScoreThreshold      float32 `json:"scoreThreshold"`
	NMSThreshold        float32 `json:"nmsThreshold"`
	TopK                int     `json:"topK"`
	InferenceIntervalMs int64   `json:"inferenceIntervalMs"`
}

func NewYuNet(cfg config.UnitConfig, log *zap.Logger) (*YuNet, error) {
	opts := yunetOptions{ScoreThreshold: 0.9, NMSThreshold: 0.3, TopK: 5000}
	if err := cfg.Options(&opts); err != nil {
		return nil, err
	}
	if opts.ModelPath == "" {
		return nil, fmt.Errorf("modelPath not defined")
	}
	detector := gocv.NewFaceDetectorYNWithParams(opts.ModelPath, "",
		image.Pt(320, 320), opts.ScoreThreshold, opts.NMSThreshold, opts.TopK,
		gocv.NetBackendDefault, gocv.NetTargetCPU)
	log.Info("face detector initialized", zap.String("model", opts.ModelPath),
		zap.Float32("score_threshold", opts.ScoreThreshold),
		zap.Float32("nms_threshold", opts.NMSThreshold))
	return &YuNet{
		log:      log,
		detector: detector,
		interval: time.Duration(opts.InferenceIntervalMs) * time.Millisecond,
	}, nil
}

func (u *YuNet) Name() string { return "detectFaces" }

func (u *YuNet) Process(m *gocv.Mat, ctx *frame.Context) pipeline.Result {
	now := time.Now()
	if u.interval > 0 && now.Sub(u.lastInference) < u.interval {
		ctx.Yunet = append([]frame.FaceDetection(nil), u.prev...)
		return pipeline.SuccessContinue
	}
	u.lastInference = now

	if m.Empty() {
		return pipeline.FailureContinue
	}
	size := image.Pt(m.Cols(), m.Rows())
	if size != u.lastSize {
		u.detector.SetInputSize(size)
		u.lastSize = size
	}

	faces := gocv.NewMat()
	defer faces.Close()
	u.detector.Detect(*m, &faces)

	ctx.Yunet = DecodeFaceRows(faces)
	u.prev = append([]frame.FaceDetection(nil), ctx.Yunet...)
	return pipeline.SuccessContinue
}

// DecodeFaceRows converts a YuNet result matrix into frame detections.
func DecodeFaceRows(faces gocv.Mat) []frame.FaceDetection {
	if faces.Empty() || faces.Cols() < faceRowLen {
		return nil
	}
	out := make([]frame.FaceDetection, 0, faces.Rows())
	for r := 0; r < faces.Rows(); r++ {
		var det frame.FaceDetection
		x := int(faces.GetFloatAt(r, 0))
		y := int(faces.GetFloatAt(r, 1))
		w := int(faces.GetFloatAt(r, 2))
		h := int(faces.GetFloatAt(r, 3))
		det.Box = image.Rect(x, y, x+w, y+h)
		for k := 0; k < 5; k++ {
			det.Landmarks[k] = image.Pt(
				int(faces.GetFloatAt(r, 4+2*k)),
				int(faces.GetFloatAt(r, 5+2*k)))
		}
		det.Confidence = faces.GetFloatAt(r, 14)
		out = append(out, det)
	}
	return out
}

// faceRowMat rebuilds the 1x15 float row the recogniser's align-crop step
// expects from a decoded detection.
func faceRowMat(det frame.FaceDetection) gocv.Mat {
	row := gocv.NewMatWithSize(1, faceRowLen, gocv.MatTypeCV32F)
	row.SetFloatAt(0, 0, float32(det.Box.Min.X))
	row.SetFloatAt(0, 1, float32(det.Box.Min.Y))
	row.SetFloatAt(0, 2, float32(det.Box.Dx()))
	row.SetFloatAt(0, 3, float32(det.Box.Dy()))
	for k := 0; k < 5; k++ {
		row.SetFloatAt(0, 4+2*k, float32(det.Landmarks[k].X))
		row.SetFloatAt(0, 5+2*k, float32(det.Landmarks[k].Y))
	}
	row.SetFloatAt(0, 14, det.Confidence)
	return row
}

// Close releases the detector.
func (u *YuNet) Close() error { return u.detector.Close() }
