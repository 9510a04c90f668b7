package detect

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"vigil/internal/frame"
)

func TestNormalize(t *testing.T) {
	v, norm := Normalize([]float32{3, 4})
	assert.InDelta(t, 5, float64(norm), 1e-6)
	assert.InDelta(t, 0.6, float64(v[0]), 1e-6)
	assert.InDelta(t, 0.8, float64(v[1]), 1e-6)

	var length float64
	for _, x := range v {
		length += float64(x) * float64(x)
	}
	assert.InDelta(t, 1, length, 1e-6)
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1, float64(Cosine([]float32{1, 0}, []float32{2, 0})), 1e-6)
	assert.InDelta(t, 0, float64(Cosine([]float32{1, 0}, []float32{0, 1})), 1e-6)
	assert.InDelta(t, -1, float64(Cosine([]float32{1, 0}, []float32{-3, 0})), 1e-6)
	assert.Equal(t, float32(0), Cosine([]float32{0, 0}, []float32{1, 1}))
}

func TestBestMatchPicksHighestAcrossAllEmbeddings(t *testing.T) {
	g := &Gallery{Identities: []Identity{
		{Name: "alice", Embeddings: [][]float32{{1, 0}, {0.9, 0.1}}},
		{Name: "bob", Embeddings: [][]float32{{0, 1}}},
	}}
	best, score := g.BestMatch([]float32{0.1, 0.99})
	require.NotNil(t, best)
	assert.Equal(t, "bob", best.Name)
	assert.Greater(t, score, float32(0.9))
}

func TestClassName(t *testing.T) {
	assert.Equal(t, "person", ClassName(0))
	assert.Equal(t, "car", ClassName(2))
	assert.Equal(t, "class 99", ClassName(99))
}

// fakeEncoder never detects a face, so no image it sees is enrolled.
type fakeEncoder struct{}

func (fakeEncoder) DetectBest(img gocv.Mat) (frame.FaceDetection, bool) {
	return frame.FaceDetection{}, false
}

func (fakeEncoder) Embed(gocv.Mat, frame.FaceDetection) ([]float32, error) {
	return nil, nil
}

func writeJPEG(t *testing.T, path string) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 8), G: uint8(y * 8), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

// brightnessEncoder distinguishes images by their mean brightness, since
// BuildGallery hands the fake only pixels: near-black images stand in for
// low-confidence faces.
type brightnessEncoder struct{}

func (brightnessEncoder) DetectBest(img gocv.Mat) (frame.FaceDetection, bool) {
	mean := img.Mean()
	if mean.Val1+mean.Val2+mean.Val3 < 30 {
		return frame.FaceDetection{Confidence: 0.4}, true // dark image = weak face
	}
	return frame.FaceDetection{Confidence: 0.95}, true
}

func (brightnessEncoder) Embed(gocv.Mat, frame.FaceDetection) ([]float32, error) {
	return []float32{3, 4}, nil
}

func writeDarkJPEG(t *testing.T, path string) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func TestBuildGalleryEnrolsAndRenamesRejects(t *testing.T) {
	dir := t.TempDir()
	idDir := filepath.Join(dir, "alice")
	require.NoError(t, os.Mkdir(idDir, 0o755))

	goodPath := filepath.Join(idDir, "good.jpg")
	weakPath := filepath.Join(idDir, "weak.jpg")
	writeJPEG(t, goodPath)
	writeDarkJPEG(t, weakPath)

	categoryOf := func(string) frame.FaceCategory { return frame.FaceAuthorised }
	g, err := BuildGallery(dir, 0.9, brightnessEncoder{}, categoryOf, zap.NewNop())
	require.NoError(t, err)

	require.Len(t, g.Identities, 1)
	id := g.Identities[0]
	assert.Equal(t, "alice", id.Name)
	assert.Equal(t, frame.FaceAuthorised, id.Category)
	require.Len(t, id.Embeddings, 1, "only the accepted image contributes an embedding")

	// the accepted embedding is L2-normalised
	var length float64
	for _, x := range id.Embeddings[0] {
		length += float64(x) * float64(x)
	}
	assert.InDelta(t, 1, length, 1e-5)

	// the rejected image was renamed away
	_, err = os.Stat(weakPath)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(weakPath + ".bak")
	assert.NoError(t, err, "rejected image must carry a .bak suffix")

	// the accepted image is untouched
	_, err = os.Stat(goodPath)
	assert.NoError(t, err)
}

func TestBuildGallerySkipsIdentityWithNoEmbeddings(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "ghost"), 0o755))

	g, err := BuildGallery(dir, 0.9, fakeEncoder{},
		func(string) frame.FaceCategory { return frame.FaceAuthorised }, zap.NewNop())
	require.NoError(t, err)
	assert.Empty(t, g.Identities)
}

func TestBuildGalleryMissingDirectoryFails(t *testing.T) {
	_, err := BuildGallery(filepath.Join(t.TempDir(), "absent"), 0.9, fakeEncoder{},
		func(string) frame.FaceCategory { return frame.FaceUnknown }, zap.NewNop())
	assert.Error(t, err)
}

func TestCosineSelfSimilarityAfterNormalize(t *testing.T) {
	raw := []float32{1.5, -2.25, 0.5, 3.75}
	n1, _ := Normalize(raw)
	n2, _ := Normalize(raw)
	assert.InDelta(t, 1, float64(Cosine(n1, n2)), 1e-6)
	assert.False(t, math.IsNaN(float64(Cosine(n1, n2))))
}
