package main

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"math"
	"os/exec"

	"github.com/pkg/errors"
	"golang.org/x/image/draw"
	"golang.org/x/image/vector"
)

// Point is a landmark position in image pixels.
type Point struct {
	X, Y float64
}

// Landmarks are the 68 facial keypoints of the usual 2D face annotation.
type Landmarks [68]Point

// LandmarkDetector finds the landmarks of the face in img.
type LandmarkDetector interface {
	Detect(ctx context.Context, img image.Image) (Landmarks, error)
}

// CommandDetector runs an external program that reads a PNG on stdin and
// prints the landmarks as a JSON array of 68 [x, y] pairs.
type CommandDetector struct {
	Path string
	Args []string
}

// Detect implements LandmarkDetector.
func (d CommandDetector) Detect(ctx context.Context, img image.Image) (Landmarks, error) {
	var lm Landmarks

	var in bytes.Buffer
	if err := png.Encode(&in, img); err != nil {
		return lm, errors.Wrap(err, "encoding frame for detector")
	}

	cmd := exec.CommandContext(ctx, d.Path, d.Args...)
	cmd.Stdin = &in
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return lm, errors.Wrapf(err, "%s: %s", d.Path, stderr.String())
	}
	return parseLandmarks(out)
}

func parseLandmarks(buf []byte) (Landmarks, error) {
	var lm Landmarks
	var pairs [][]float64
	if err := json.Unmarshal(buf, &pairs); err != nil {
		return lm, errors.Wrap(err, "parsing landmarks")
	}
	if len(pairs) != len(lm) {
		return lm, errors.Errorf("detector returned %d landmarks, expected %d", len(pairs), len(lm))
	}
	for i, p := range pairs {
		if len(p) != 2 {
			return lm, errors.Errorf("landmark %d has %d coordinates", i, len(p))
		}
		lm[i] = Point{X: p[0], Y: p[1]}
	}
	return lm, nil
}

// sketchGroup is one polyline of the sketch: landmarks [from, to).
type sketchGroup struct {
	from, to int
	color    color.RGBA
}

var (
	colorGreen  = color.RGBA{0, 128, 0, 255}
	colorOrange = color.RGBA{255, 165, 0, 255}
	colorBlue   = color.RGBA{0, 0, 255, 255}
	colorRed    = color.RGBA{255, 0, 0, 255}
	colorPurple = color.RGBA{128, 0, 128, 255}
	colorPink   = color.RGBA{255, 192, 203, 255}
)

var sketchGroups = []sketchGroup{
	{0, 17, colorGreen},   // chin
	{17, 22, colorOrange}, // brows
	{22, 27, colorOrange},
	{27, 31, colorBlue}, // nose
	{31, 36, colorBlue},
	{36, 42, colorRed}, // eyes
	{42, 48, colorRed},
	{48, 60, colorPurple}, // outer lip
	{60, 68, colorPink},   // inner lip
}

const (
	sketchMargin    = 0.4
	sketchMarginTop = sketchMargin + 0.3
	sketchLineWidth = 2
)

// faceCrop is the crop rectangle around the landmarks. The top margin is
// larger to keep the forehead. Each far edge is computed from the already
// moved near edge.
func faceCrop(lm Landmarks, bounds image.Rectangle) image.Rectangle {
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, p := range lm {
		minX, maxX = math.Min(minX, p.X), math.Max(maxX, p.X)
		minY, maxY = math.Min(minY, p.Y), math.Max(maxY, p.Y)
	}

	y0 := max(int(minY-(maxY-minY)*sketchMarginTop), bounds.Min.Y)
	y1 := min(int(maxY+(maxY-float64(y0))*sketchMargin), bounds.Max.Y)
	x0 := max(int(minX-(maxX-minX)*sketchMargin), bounds.Min.X)
	x1 := min(int(maxX+(maxX-float64(x0))*sketchMargin), bounds.Max.X)
	r := image.Rectangle{Min: image.Pt(x0, y0), Max: image.Pt(x1, y1)}
	if r.Empty() {
		return image.Rectangle{}
	}
	return r.Intersect(bounds)
}

// RenderSketch crops img around the face and draws the landmark sketch
// for the crop. Both are returned at size x size.
func RenderSketch(img image.Image, lm Landmarks, size int) (frame, sketch *image.RGBA, err error) {
	crop := faceCrop(lm, img.Bounds())
	if crop.Empty() {
		return nil, nil, errors.Errorf("empty face crop %v", crop)
	}

	canvas := image.NewRGBA(image.Rect(0, 0, crop.Dx(), crop.Dy()))
	draw.Draw(canvas, canvas.Bounds(), image.White, image.Point{}, draw.Src)

	z := vector.NewRasterizer(crop.Dx(), crop.Dy())
	for _, g := range sketchGroups {
		z.Reset(crop.Dx(), crop.Dy())
		for i := g.from; i+1 < g.to; i++ {
			a := Point{lm[i].X - float64(crop.Min.X), lm[i].Y - float64(crop.Min.Y)}
			b := Point{lm[i+1].X - float64(crop.Min.X), lm[i+1].Y - float64(crop.Min.Y)}
			strokeSegment(z, a, b, sketchLineWidth)
		}
		z.Draw(canvas, canvas.Bounds(), image.NewUniform(g.color), image.Point{})
	}

	frame = image.NewRGBA(image.Rect(0, 0, size, size))
	draw.ApproxBiLinear.Scale(frame, frame.Bounds(), img, crop, draw.Src, nil)
	sketch = image.NewRGBA(image.Rect(0, 0, size, size))
	draw.ApproxBiLinear.Scale(sketch, sketch.Bounds(), canvas, canvas.Bounds(), draw.Src, nil)
	return frame, sketch, nil
}

// strokeSegment adds the quad covering segment ab at the given width.
func strokeSegment(z *vector.Rasterizer, a, b Point, width float64) {
	dx, dy := b.X-a.X, b.Y-a.Y
	length := math.Hypot(dx, dy)
	if length == 0 {
		return
	}
	nx, ny := -dy/length*width/2, dx/length*width/2

	z.MoveTo(float32(a.X+nx), float32(a.Y+ny))
	z.LineTo(float32(b.X+nx), float32(b.Y+ny))
	z.LineTo(float32(b.X-nx), float32(b.Y-ny))
	z.LineTo(float32(a.X-nx), float32(a.Y-ny))
	z.ClosePath()
}
