package detect

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

func buildFaceRow(t *testing.T, x, y, w, h float32, conf float32) gocv.Mat {
	t.Helper()
	m := gocv.NewMatWithSize(1, faceRowLen, gocv.MatTypeCV32F)
	t.Cleanup(func() { m.Close() })
	m.SetFloatAt(0, 0, x)
	m.SetFloatAt(0, 1, y)
	m.SetFloatAt(0, 2, w)
	m.SetFloatAt(0, 3, h)
	for k := 0; k < 5; k++ {
		m.SetFloatAt(0, 4+2*k, x+float32(k))
		m.SetFloatAt(0, 5+2*k, y+float32(k))
	}
	m.SetFloatAt(0, 14, conf)
	return m
}

func TestDecodeFaceRows(t *testing.T) {
	row := buildFaceRow(t, 100, 50, 40, 60, 0.93)
	faces := DecodeFaceRows(row)

	require.Len(t, faces, 1)
	f := faces[0]
	assert.Equal(t, image.Rect(100, 50, 140, 110), f.Box)
	assert.InDelta(t, 0.93, float64(f.Confidence), 1e-5)
	assert.Equal(t, image.Pt(100, 50), f.Landmarks[0])
	assert.Equal(t, image.Pt(104, 54), f.Landmarks[4])
}

func TestDecodeFaceRowsEmptyMat(t *testing.T) {
	empty := gocv.NewMat()
	defer empty.Close()
	assert.Nil(t, DecodeFaceRows(empty))
}

func TestFaceRowMatRoundTrip(t *testing.T) {
	row := buildFaceRow(t, 10, 20, 30, 40, 0.88)
	decoded := DecodeFaceRows(row)
	require.Len(t, decoded, 1)

	rebuilt := faceRowMat(decoded[0])
	defer rebuilt.Close()

	again := DecodeFaceRows(rebuilt)
	require.Len(t, again, 1)
	assert.Equal(t, decoded[0].Box, again[0].Box)
	assert.Equal(t, decoded[0].Landmarks, again[0].Landmarks)
	assert.InDelta(t, float64(decoded[0].Confidence), float64(again[0].Confidence), 1e-5)
}
