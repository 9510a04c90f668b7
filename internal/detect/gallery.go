package detect

import (
	"fmt"
	"image"
	"math"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"vigil/internal/frame"
)

// Identity is one known person: a name, its category, and one L2-normalised
// embedding per accepted gallery image. Embeddings are compared
// independently at match time.
type Identity struct {
	Name       string
	Category   frame.FaceCategory
	Embeddings [][]float32
}

// Gallery holds every enrolled identity. It is immutable after BuildGallery.
type Gallery struct {
	Identities []Identity
}

// BestMatch returns the identity with the highest cosine similarity to the
// probe embedding across all embeddings of all identities.
func (g *Gallery) BestMatch(probe []float32) (*Identity, float32) {
	var best *Identity
	bestScore := float32(math.Inf(-1))
	for i := range g.Identities {
		for _, emb := range g.Identities[i].Embeddings {
			if s := Cosine(probe, emb); s > bestScore {
				bestScore = s
				best = &g.Identities[i]
			}
		}
	}
	return best, bestScore
}

// Cosine computes the cosine similarity of two vectors. For L2-normalised
// inputs this reduces to the dot product.
func Cosine(a, b []float32) float32 {
	n := min(len(a), len(b))
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

// Normalize returns the L2-normalised copy of v and its original norm.
func Normalize(v []float32) ([]float32, float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := float32(math.Sqrt(sum))
	if norm == 0 {
		return append([]float32(nil), v...), 0
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out, norm
}

// galleryEncoder abstracts the detector+recogniser pair so enrolment logic
// is testable without model files.
type galleryEncoder interface {
	// DetectBest returns the most confident face in img, or ok=false.
	DetectBest(img gocv.Mat) (det frame.FaceDetection, ok bool)
	// Embed computes the raw embedding for the detected face.
	Embed(img gocv.Mat, det frame.FaceDetection) ([]float32, error)
}

// BuildGallery walks dir (one subdirectory per identity, JPEGs inside). A
// candidate image whose detection confidence falls below the enrolment
// threshold is renamed with a .bak suffix and contributes nothing; every
// accepted image contributes exactly one normalised embedding.
func BuildGallery(dir string, enrolThreshold float32, enc galleryEncoder,
	categoryOf func(name string) frame.FaceCategory, log *zap.Logger) (*Gallery, error) {

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading gallery directory %s: %w", dir, err)
	}

	gallery := &Gallery{}
	for _, entry := range entries {
		if !entry.IsDir() {
			log.Warn("skipping non-directory gallery entry", zap.String("entry", entry.Name()))
			continue
		}
		identity := Identity{Name: entry.Name(), Category: categoryOf(entry.Name())}
		idDir := filepath.Join(dir, entry.Name())

		images, err := os.ReadDir(idDir)
		if err != nil {
			log.Error("reading identity directory failed", zap.String("dir", idDir), zap.Error(err))
			continue
		}
		for _, img := range images {
			if img.IsDir() || strings.HasSuffix(img.Name(), ".bak") {
				continue
			}
			path := filepath.Join(idDir, img.Name())
			emb, ok := enrolImage(path, enrolThreshold, enc, log)
			if ok {
				identity.Embeddings = append(identity.Embeddings, emb)
			}
		}

		if len(identity.Embeddings) == 0 {
			log.Warn("identity has no embeddings, skipping", zap.String("identity", identity.Name))
			continue
		}
		log.Info("identity enrolled", zap.String("identity", identity.Name),
			zap.Int("embeddings", len(identity.Embeddings)),
			zap.String("category", identity.Category.String()))
		gallery.Identities = append(gallery.Identities, identity)
	}
	return gallery, nil
}

func enrolImage(path string, threshold float32, enc galleryEncoder, log *zap.Logger) ([]float32, bool) {
	img := gocv.IMRead(path, gocv.IMReadColor)
	if img.Empty() {
		log.Error("reading gallery image failed", zap.String("path", path))
		return nil, false
	}
	defer img.Close()

	det, ok := enc.DetectBest(img)
	if !ok {
		log.Warn("no face detected in gallery image, skipping", zap.String("path", path))
		return nil, false
	}
	if det.Confidence < threshold {
		log.Warn("gallery image below enrolment threshold, renaming",
			zap.String("path", path), zap.Float32("confidence", det.Confidence),
			zap.Float32("threshold", threshold))
		if err := os.Rename(path, path+".bak"); err != nil {
			log.Error("renaming rejected gallery image failed", zap.String("path", path), zap.Error(err))
		}
		return nil, false
	}

	raw, err := enc.Embed(img, det)
	if err != nil {
		log.Error("embedding gallery image failed", zap.String("path", path), zap.Error(err))
		return nil, false
	}
	normalized, _ := Normalize(raw)
	return normalized, true
}

// sfaceEncoder is the production galleryEncoder backed by YuNet + SFace.
type sfaceEncoder struct {
	detector   gocv.FaceDetectorYN
	recognizer gocv.FaceRecognizerSF
	lastSize   image.Point
}

func (e *sfaceEncoder) DetectBest(img gocv.Mat) (frame.FaceDetection, bool) {
	size := image.Pt(img.Cols(), img.Rows())
	if size != e.lastSize {
		e.detector.SetInputSize(size)
		e.lastSize = size
	}
	faces := gocv.NewMat()
	defer faces.Close()
	e.detector.Detect(img, &faces)

	dets := DecodeFaceRows(faces)
	if len(dets) == 0 {
		return frame.FaceDetection{}, false
	}
	best := dets[0]
	for _, d := range dets[1:] {
		if d.Confidence > best.Confidence {
			best = d
		}
	}
	return best, true
}

func (e *sfaceEncoder) Embed(img gocv.Mat, det frame.FaceDetection) ([]float32, error) {
	row := faceRowMat(det)
	defer row.Close()

	aligned := gocv.NewMat()
	defer aligned.Close()
	e.recognizer.AlignCrop(img, row, &aligned)
	if aligned.Empty() {
		return nil, fmt.Errorf("align-crop produced an empty face")
	}

	feature := gocv.NewMat()
	defer feature.Close()
	e.recognizer.Feature(aligned, &feature)
	return matToFloats(feature), nil
}

func matToFloats(m gocv.Mat) []float32 {
	out := make([]float32, 0, m.Cols()*m.Rows())
	for r := 0; r < m.Rows(); r++ {
		for c := 0; c < m.Cols(); c++ {
			out = append(out, m.GetFloatAt(r, c))
		}
	}
	return out
}
