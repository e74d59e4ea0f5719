package main

import (
	"image"
	"image/color"
	_ "image/jpeg" // decoder registration
	"image/png"
	"math"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"golang.org/x/image/draw"
)

// Frames travel through the networks as flattened channel-major (C, H, W)
// float vectors with values in [0, 1]. These helpers convert between that
// layout and image.Image.

// decodeImageFile decodes a PNG or JPEG file.
func decodeImageFile(fs afero.Fs, path string) (image.Image, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding %s", path)
	}
	return img, nil
}

// writePNG encodes img to path.
func writePNG(fs afero.Fs, path string, img image.Image) error {
	f, err := fs.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating %s", path)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return errors.Wrapf(err, "encoding %s", path)
	}
	return errors.Wrapf(f.Close(), "closing %s", path)
}

// resizeRGBA scales src to size x size.
func resizeRGBA(src image.Image, size int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}

// imageToCHW resizes src to size x size and flattens it.
func imageToCHW(src image.Image, size int) []float64 {
	img := resizeRGBA(src, size)
	plane := size * size
	out := make([]float64, 3*plane)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			off := img.PixOffset(x, y)
			i := y*size + x
			out[i] = float64(img.Pix[off]) / 255
			out[plane+i] = float64(img.Pix[off+1]) / 255
			out[2*plane+i] = float64(img.Pix[off+2]) / 255
		}
	}
	return out
}

// chwToRGBA is the inverse of imageToCHW (without resizing). Values are
// clamped to [0, 1].
func chwToRGBA(data []float64, size int) *image.RGBA {
	plane := size * size
	if len(data) != 3*plane {
		panic("image: data does not hold a 3 x size x size frame")
	}
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			i := y*size + x
			img.SetRGBA(x, y, color.RGBA{
				R: toByte(data[i]),
				G: toByte(data[plane+i]),
				B: toByte(data[2*plane+i]),
				A: 255,
			})
		}
	}
	return img
}

func toByte(v float64) uint8 {
	return uint8(math.Round(math.Max(0, math.Min(1, v)) * 255))
}

// splitPair cuts a side-by-side frame|sketch image into its halves.
func splitPair(img image.Image) (frame, sketch image.Image, err error) {
	b := img.Bounds()
	if b.Dx() < 2 || b.Dx()%2 != 0 {
		return nil, nil, errors.Errorf("pair image width %d is not even", b.Dx())
	}
	sub, ok := img.(interface {
		SubImage(r image.Rectangle) image.Image
	})
	if !ok {
		return nil, nil, errors.Errorf("image type %T cannot be cropped", img)
	}
	mid := b.Min.X + b.Dx()/2
	frame = sub.SubImage(image.Rect(b.Min.X, b.Min.Y, mid, b.Max.Y))
	sketch = sub.SubImage(image.Rect(mid, b.Min.Y, b.Max.X, b.Max.Y))
	return frame, sketch, nil
}

// joinPair renders frame|sketch side by side, the on-disk sample layout.
func joinPair(frame, sketch image.Image, size int) *image.RGBA {
	out := image.NewRGBA(image.Rect(0, 0, 2*size, size))
	draw.CatmullRom.Scale(out, image.Rect(0, 0, size, size), frame, frame.Bounds(), draw.Src, nil)
	draw.CatmullRom.Scale(out, image.Rect(size, 0, 2*size, size), sketch, sketch.Bounds(), draw.Src, nil)
	return out
}
