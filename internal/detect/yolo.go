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

// YOLO runs single-shot object detection through an ONNX network. Inference
// is throttled by an interval; throttled ticks carry the cached results
// forward so downstream units always see a populated context.
type YOLO struct {
	log           *zap.Logger
	net           gocv.Net
	inputSize     image.Point
	confThreshold float32
	nmsThreshold  float32
	interval      time.Duration

	lastInference time.Time
	prev          frame.YoloContext
	disabled      bool
}

type yoloOptions struct {
	ModelPath           string  `json:"modelPath"`
	InputWidth          int     `json:"inputWidth"`
	InputHeight         int     `json:"inputHeight"`
	ConfidenceThreshold float32 `json:"confidenceThreshold"`
	NMSThreshold        float32 `json:"nmsThreshold"`
	InferenceIntervalMs int64   `json:"inferenceIntervalMs"`
	UseCUDA             bool    `json:"useCuda"`
}

// NewYOLO loads the network; failure here drops the unit from the pipeline.
func NewYOLO(cfg config.UnitConfig, log *zap.Logger) (*YOLO, error) {
	opts := yoloOptions{
		InputWidth:          640,
		InputHeight:         640,
		ConfidenceThreshold: 0.25,
		NMSThreshold:        0.45,
	}
	if err := cfg.Options(&opts); err != nil {
		return nil, err
	}
	if opts.ModelPath == "" {
		return nil, fmt.Errorf("modelPath not defined")
	}
	net := gocv.ReadNetFromONNX(opts.ModelPath)
	if net.Empty() {
		return nil, fmt.Errorf("loading ONNX model %s failed", opts.ModelPath)
	}
	if opts.UseCUDA {
		net.SetPreferableBackend(gocv.NetBackendCUDA)
		net.SetPreferableTarget(gocv.NetTargetCUDA)
	}
	log.Info("object detector initialized",
		zap.String("model", opts.ModelPath),
		zap.Int("input_width", opts.InputWidth),
		zap.Int("input_height", opts.InputHeight),
		zap.Float32("confidence_threshold", opts.ConfidenceThreshold),
		zap.Bool("cuda", opts.UseCUDA))
	return &YOLO{
		log:           log,
		net:           net,
		inputSize:     image.Pt(opts.InputWidth, opts.InputHeight),
		confThreshold: opts.ConfidenceThreshold,
		nmsThreshold:  opts.NMSThreshold,
		interval:      time.Duration(opts.InferenceIntervalMs) * time.Millisecond,
	}, nil
}

func (u *YOLO) Name() string { return "detectObjects" }

func (u *YOLO) Process(m *gocv.Mat, ctx *frame.Context) pipeline.Result {
	if u.disabled {
		return pipeline.FailureContinue
	}
	now := time.Now()
	if u.interval > 0 && now.Sub(u.lastInference) < u.interval {
		ctx.Yolo = u.prev.Clone()
		return pipeline.SuccessContinue
	}
	u.lastInference = now

	if m.Empty() {
		return pipeline.FailureContinue
	}

	if err := u.infer(m, ctx); err != nil {
		// stop inferring rather than flooding the log every tick
		u.log.Error("inference failed, disabling object detector", zap.Error(err))
		u.disabled = true
		return pipeline.FailureContinue
	}
	u.prev = ctx.Yolo.Clone()
	return pipeline.SuccessContinue
}

func (u *YOLO) infer(m *gocv.Mat, ctx *frame.Context) error {
	blob := gocv.BlobFromImage(*m, 1.0/255.0, u.inputSize,
		gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	u.net.SetInput(blob, "")
	out := u.net.Forward("")
	defer out.Close()

	sz := out.Size()
	if len(sz) != 3 {
		return fmt.Errorf("unexpected output rank %d", len(sz))
	}
	dims, rows := sz[1], sz[2]

	// [1 x dims x rows] -> [rows x dims] so each row is one anchor
	reshaped := out.Reshape(1, dims)
	defer reshaped.Close()
	anchors := reshaped.T()
	defer anchors.Close()

	xFactor := float32(m.Cols()) / float32(u.inputSize.X)
	yFactor := float32(m.Rows()) / float32(u.inputSize.Y)

	ctx.Yolo = frame.YoloContext{InputSize: u.inputSize}
	for r := 0; r < rows; r++ {
		bestScore := float32(0)
		bestClass := 0
		for c := 4; c < dims; c++ {
			if s := anchors.GetFloatAt(r, c); s > bestScore {
				bestScore = s
				bestClass = c - 4
			}
		}
		if bestScore <= u.confThreshold {
			continue
		}
		cx := anchors.GetFloatAt(r, 0)
		cy := anchors.GetFloatAt(r, 1)
		w := anchors.GetFloatAt(r, 2)
		h := anchors.GetFloatAt(r, 3)

		left := int((cx - 0.5*w) * xFactor)
		top := int((cy - 0.5*h) * yFactor)
		width := int(w * xFactor)
		height := int(h * yFactor)

		ctx.Yolo.Boxes = append(ctx.Yolo.Boxes,
			image.Rect(left, top, left+width, top+height))
		ctx.Yolo.Confidences = append(ctx.Yolo.Confidences, bestScore)
		ctx.Yolo.ClassIDs = append(ctx.Yolo.ClassIDs, bestClass)
		ctx.Yolo.Interesting = append(ctx.Yolo.Interesting, false)
	}

	ctx.Yolo.Indices = gocv.NMSBoxes(ctx.Yolo.Boxes, ctx.Yolo.Confidences,
		u.confThreshold, u.nmsThreshold)
	return nil
}

// Close releases the network.
func (u *YOLO) Close() error { return u.net.Close() }
