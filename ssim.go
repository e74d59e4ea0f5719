package main

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

const (
	ssimWindow = 7
	ssimC1     = (0.01 * 255) * (0.01 * 255)
	ssimC2     = (0.03 * 255) * (0.03 * 255)
)

// SSIM is the mean structural similarity of two flattened (3, size, size)
// frames with values in [0, 1]. Statistics are taken over every 7x7
// window fully inside the frame (borders are cropped), per channel, on the
// 0..255 scale, with sample (n-1) variances.
func SSIM(a, b []float64, size int) float64 {
	plane := size * size
	if len(a) != 3*plane || len(b) != 3*plane {
		panic("ssim: frames do not hold 3 x size x size values")
	}

	win := ssimWindow
	if size < win {
		win = size
	}
	n := win * win
	xs := make([]float64, n)
	ys := make([]float64, n)

	total, count := 0.0, 0
	for c := 0; c < 3; c++ {
		pa := a[c*plane : (c+1)*plane]
		pb := b[c*plane : (c+1)*plane]
		for y0 := 0; y0+win <= size; y0++ {
			for x0 := 0; x0+win <= size; x0++ {
				k := 0
				for y := y0; y < y0+win; y++ {
					for x := x0; x < x0+win; x++ {
						xs[k] = pa[y*size+x] * 255
						ys[k] = pb[y*size+x] * 255
						k++
					}
				}
				total += ssimWindowScore(xs, ys)
				count++
			}
		}
	}
	return total / float64(count)
}

func ssimWindowScore(xs, ys []float64) float64 {
	mx, vx := stat.MeanVariance(xs, nil)
	my, vy := stat.MeanVariance(ys, nil)
	cov := stat.Covariance(xs, ys, nil)
	if len(xs) < 2 {
		vx, vy, cov = 0, 0, 0
	}
	if math.IsNaN(vx) {
		vx = 0
	}
	if math.IsNaN(vy) {
		vy = 0
	}
	if math.IsNaN(cov) {
		cov = 0
	}

	num := (2*mx*my + ssimC1) * (2*cov + ssimC2)
	den := (mx*mx + my*my + ssimC1) * (vx + vy + ssimC2)
	return num / den
}

// MatchAccuracy is the fraction of values of a and b that differ by at
// most one step of the 0..255 scale.
func MatchAccuracy(a, b []float64) float64 {
	if len(a) != len(b) {
		panic("match: length mismatch")
	}
	hits := 0
	for i := range a {
		if math.Abs(a[i]-b[i])*255 <= 1+1e-9 {
			hits++
		}
	}
	return float64(hits) / float64(len(a))
}
