// Package annotate draws detection overlays onto an encoded JPEG on the
// CPU. The snapshot multiplexer uses it as a fallback when the pipeline
// carries no GPU overlay units, so published images still show what was
// detected.
package annotate

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"vigil/internal/detect"
	"vigil/internal/frame"
)

// JPEG decodes jpegData, draws every NMS-kept detection and face, and
// re-encodes. On any decode/encode failure the input bytes are returned
// untouched.
func JPEG(jpegData []byte, ctx *frame.Context) []byte {
	if len(ctx.Yolo.Indices) == 0 && len(ctx.Yunet) == 0 {
		return jpegData
	}
	img, err := jpeg.Decode(bytes.NewReader(jpegData))
	if err != nil {
		return jpegData
	}
	bounds := img.Bounds()
	rgba := image.NewRGBA(bounds)
	draw.Draw(rgba, bounds, img, bounds.Min, draw.Src)

	for _, idx := range ctx.Yolo.Indices {
		if idx < 0 || idx >= len(ctx.Yolo.Boxes) {
			continue
		}
		clr := color.RGBA{R: 255, G: 64, B: 64, A: 255}
		if idx < len(ctx.Yolo.Interesting) && !ctx.Yolo.Interesting[idx] {
			clr = color.RGBA{R: 128, G: 128, B: 128, A: 255}
		}
		box := ctx.Yolo.Boxes[idx]
		drawBox(rgba, box, clr, 2)
		label := fmt.Sprintf("%s %.0f%%",
			detect.ClassName(ctx.Yolo.ClassIDs[idx]), ctx.Yolo.Confidences[idx]*100)
		drawLabel(rgba, box.Min.X, box.Min.Y-5, label, clr)
	}

	for i, face := range ctx.Yunet {
		clr := color.RGBA{R: 255, G: 165, A: 255}
		label := "Unknown"
		if i < len(ctx.Sface) {
			rec := ctx.Sface[i]
			if rec.Matched {
				label = rec.Identity
				clr = color.RGBA{G: 255, A: 255}
			}
			if rec.Similarity > 0 {
				label = fmt.Sprintf("%s %.0f%%", label, rec.Similarity*100)
			}
		}
		drawBox(rgba, face.Box, clr, 2)
		drawLabel(rgba, face.Box.Min.X, face.Box.Min.Y-5, label, clr)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, rgba, &jpeg.Options{Quality: 85}); err != nil {
		return jpegData
	}
	return buf.Bytes()
}

func drawBox(img *image.RGBA, r image.Rectangle, c color.RGBA, thickness int) {
	bounds := img.Bounds()
	r = r.Intersect(bounds)
	if r.Empty() {
		return
	}
	for t := 0; t < thickness; t++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			setIn(img, bounds, x, r.Min.Y+t, c)
			setIn(img, bounds, x, r.Max.Y-1-t, c)
		}
		for y := r.Min.Y; y < r.Max.Y; y++ {
			setIn(img, bounds, r.Min.X+t, y, c)
			setIn(img, bounds, r.Max.X-1-t, y, c)
		}
	}
}

func setIn(img *image.RGBA, bounds image.Rectangle, x, y int, c color.RGBA) {
	if image.Pt(x, y).In(bounds) {
		img.Set(x, y, c)
	}
}

func drawLabel(img *image.RGBA, x, y int, label string, c color.RGBA) {
	if y < 10 {
		y = 10
	}
	if x < 0 {
		x = 0
	}
	bg := color.RGBA{A: 180}
	textWidth := len(label) * 7
	for dy := -2; dy < 12; dy++ {
		for dx := -2; dx < textWidth+2; dx++ {
			setIn(img, img.Bounds(), x+dx, y+dy, bg)
		}
	}
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y + 10)},
	}
	d.DrawString(label)
}
