package detect

import (
	"fmt"
	"image"
	"slices"
	"time"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"vigil/internal/config"
	"vigil/internal/frame"
	"vigil/internal/pipeline"
)

// defaultMatchThreshold is the SFace cosine score above which a probe is
// considered the same person as a gallery identity.
const defaultMatchThreshold = 0.363

// SFace recognises the faces detected by the YuNet unit against the gallery
// built at startup, producing one result per detection.
type SFace struct {
	log            *zap.Logger
	encoder        *sfaceEncoder
	gallery        *Gallery
	inferThreshold float32
	matchThreshold float32
	interval       time.Duration

	lastInference time.Time
	prev          []frame.FaceRecognition
	disabled      bool
}

type sfaceOptions struct {
	ModelPathSface               string   `json:"modelPathSface"`
	ModelPathYunet               string   `json:"modelPathYunet"`
	GalleryDirectory             string   `json:"galleryDirectory"`
	EnrollmentFaceScoreThreshold float32  `json:"enrollmentFaceScoreThreshold"`
	InferenceFaceScoreThreshold  float32  `json:"inferenceFaceScoreThreshold"`
	MatchThreshold               float32  `json:"matchThreshold"`
	InferenceIntervalMs          int64    `json:"inferenceIntervalMs"`
	UnauthorisedIdentities       []string `json:"unauthorisedIdentities"`
}

// NewSFace loads both models and builds the gallery. The enrolment
// threshold applies here; the inference threshold applies per detection at
// process time.
func NewSFace(cfg config.UnitConfig, log *zap.Logger) (*SFace, error) {
	opts := sfaceOptions{
		EnrollmentFaceScoreThreshold: 0.9,
		InferenceFaceScoreThreshold:  0.7,
		MatchThreshold:               defaultMatchThreshold,
	}
	if err := cfg.Options(&opts); err != nil {
		return nil, err
	}
	if opts.ModelPathSface == "" || opts.ModelPathYunet == "" {
		return nil, fmt.Errorf("modelPathSface and modelPathYunet must be defined")
	}
	if opts.GalleryDirectory == "" {
		return nil, fmt.Errorf("galleryDirectory not defined")
	}

	encoder := &sfaceEncoder{
		// enrolment probes run at half the enrolment threshold so marginal
		// faces surface as warnings instead of silently disappearing
		detector: gocv.NewFaceDetectorYNWithParams(opts.ModelPathYunet, "",
			image.Pt(320, 320), opts.EnrollmentFaceScoreThreshold/2, 0.3, 5000,
			gocv.NetBackendDefault, gocv.NetTargetCPU),
		recognizer: gocv.NewFaceRecognizerSF(opts.ModelPathSface, ""),
	}

	categoryOf := func(name string) frame.FaceCategory {
		if slices.Contains(opts.UnauthorisedIdentities, name) {
			return frame.FaceUnauthorised
		}
		return frame.FaceAuthorised
	}
	gallery, err := BuildGallery(opts.GalleryDirectory,
		opts.EnrollmentFaceScoreThreshold, encoder, categoryOf, log)
	if err != nil {
		return nil, fmt.Errorf("building gallery: %w", err)
	}

	log.Info("face recognizer initialized",
		zap.Int("identities", len(gallery.Identities)),
		zap.Float32("enrollment_threshold", opts.EnrollmentFaceScoreThreshold),
		zap.Float32("inference_threshold", opts.InferenceFaceScoreThreshold),
		zap.Float32("match_threshold", opts.MatchThreshold))
	return &SFace{
		log:            log,
		encoder:        encoder,
		gallery:        gallery,
		inferThreshold: opts.InferenceFaceScoreThreshold,
		matchThreshold: opts.MatchThreshold,
		interval:       time.Duration(opts.InferenceIntervalMs) * time.Millisecond,
	}, nil
}

func (u *SFace) Name() string { return "recognizeFaces" }

func (u *SFace) Process(m *gocv.Mat, ctx *frame.Context) pipeline.Result {
	if u.disabled {
		return pipeline.FailureContinue
	}
	now := time.Now()
	if u.interval > 0 && now.Sub(u.lastInference) < u.interval {
		ctx.Sface = append([]frame.FaceRecognition(nil), u.prev...)
		return pipeline.SuccessContinue
	}
	u.lastInference = now

	ctx.Sface = ctx.Sface[:0]
	if len(ctx.Yunet) == 0 || m.Empty() {
		return pipeline.SuccessContinue
	}

	for _, det := range ctx.Yunet {
		ctx.Sface = append(ctx.Sface, u.recognize(m, det))
	}
	u.prev = append([]frame.FaceRecognition(nil), ctx.Sface...)
	return pipeline.SuccessContinue
}

func (u *SFace) recognize(m *gocv.Mat, det frame.FaceDetection) frame.FaceRecognition {
	result := frame.FaceRecognition{Identity: "Unknown", Category: frame.FaceUnknown}
	if det.Confidence < u.inferThreshold {
		return result
	}
	raw, err := u.encoder.Embed(*m, det)
	if err != nil {
		u.log.Warn("embedding probe face failed", zap.Error(err))
		return result
	}
	probe, norm := Normalize(raw)
	result.L2Norm = norm

	best, score := u.gallery.BestMatch(probe)
	if best == nil {
		return result
	}
	result.Similarity = score
	if score > u.matchThreshold {
		result.Identity = best.Name
		result.Category = best.Category
		result.Matched = true
	}
	return result
}

// Close releases both models.
func (u *SFace) Close() error {
	u.encoder.detector.Close()
	return u.encoder.recognizer.Close()
}
