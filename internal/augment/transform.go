// Package augment applies random geometric and intensity perturbations to
// image batches, either streamed in chunks from a large array or per batch
// from a sampler.
package augment

import (
	"math"
	"math/rand/v2"
)

// Params bounds the random geometric transform.
type Params struct {
	// WidthShift and HeightShift are fractions of the image size.
	WidthShift  float64
	HeightShift float64
	// Shear is in radians.
	Shear float64
	// Zoom draws each axis scale from [1-Zoom, 1+Zoom].
	Zoom           float64
	HorizontalFlip bool
	VerticalFlip   bool
}

func DefaultParams() Params {
	return Params{
		WidthShift:     0.1,
		HeightShift:    0.1,
		Shear:          0.1,
		Zoom:           0.1,
		HorizontalFlip: true,
		VerticalFlip:   true,
	}
}

// Transform maps output pixel coordinates to input coordinates around the
// image centre, followed by optional flips of the output.
type Transform struct {
	// a is the 2x2 linear part over (row, col); t the translation in pixels.
	a     [2][2]float64
	t     [2]float64
	flipH bool
	flipV bool
}

// Identity leaves images unchanged.
func Identity() Transform {
	return Transform{a: [2][2]float64{{1, 0}, {0, 1}}}
}

func (t Transform) IsIdentity() bool {
	return t == Identity()
}

// RandomTransform draws one transform for an h by w image.
func RandomTransform(rng *rand.Rand, p Params, h, w int) Transform {
	uniform := func(lo, hi float64) float64 {
		if hi <= lo {
			return lo
		}
		return lo + rng.Float64()*(hi-lo)
	}
	tr := uniform(-p.HeightShift, p.HeightShift) * float64(h)
	tc := uniform(-p.WidthShift, p.WidthShift) * float64(w)
	shear := uniform(-p.Shear, p.Shear)
	zr := uniform(1-p.Zoom, 1+p.Zoom)
	zc := uniform(1-p.Zoom, 1+p.Zoom)

	out := Transform{
		// shear applied after zoom
		a: [2][2]float64{
			{zr, -math.Sin(shear) * zc},
			{0, math.Cos(shear) * zc},
		},
		t: [2]float64{tr, tc},
	}
	if p.HorizontalFlip {
		out.flipH = rng.Float64() < 0.5
	}
	if p.VerticalFlip {
		out.flipV = rng.Float64() < 0.5
	}
	return out
}

// Apply resamples the h by w plane src into dst with bilinear interpolation.
// Coordinates that fall outside the input read as zero.
func (t Transform) Apply(dst, src []float32, h, w int) {
	cr := float64(h-1) / 2
	cc := float64(w-1) / 2
	for r := 0; r < h; r++ {
		or := r
		if t.flipV {
			or = h - 1 - r
		}
		for c := 0; c < w; c++ {
			oc := c
			if t.flipH {
				oc = w - 1 - c
			}
			dr, dc := float64(r)-cr, float64(c)-cc
			sr := t.a[0][0]*dr + t.a[0][1]*dc + t.t[0] + cr
			sc := t.a[1][0]*dr + t.a[1][1]*dc + t.t[1] + cc
			dst[or*w+oc] = bilinear(src, h, w, sr, sc)
		}
	}
}

func bilinear(src []float32, h, w int, r, c float64) float32 {
	if r < 0 || c < 0 || r > float64(h-1) || c > float64(w-1) {
		return 0
	}
	r0, c0 := int(r), int(c)
	r1, c1 := min(r0+1, h-1), min(c0+1, w-1)
	fr, fc := float32(r-float64(r0)), float32(c-float64(c0))
	v00 := src[r0*w+c0]
	v01 := src[r0*w+c1]
	v10 := src[r1*w+c0]
	v11 := src[r1*w+c1]
	top := v00 + (v01-v00)*fc
	bot := v10 + (v11-v10)*fc
	return top + (bot-top)*fr
}
