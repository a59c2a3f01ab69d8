package convert

import (
	"image"

	"golang.org/x/image/draw"
)

// fitBox scales (w, h) so the longer edge equals target, preserving aspect
// ratio. Dimensions never round down to zero.
func fitBox(w, h, target int) (int, int) {
	if w <= 0 || h <= 0 {
		return 0, 0
	}
	var scaled int
	if w >= h {
		scaled = h * target / w
		return target, max(scaled, 1)
	}
	scaled = w * target / h
	return max(scaled, 1), target
}

// thumbnail produces a thumbnail whose long edge is at most target pixels.
// The source is first brought to an intermediate at oversample times the
// target box, then downscaled with Catmull-Rom resampling. The two-step
// super-sample-then-downscale avoids the aliasing artifacts a naive
// single-pass resize produces on line art and text.
func thumbnail(src image.Image, target, oversample int) image.Image {
	if oversample < 1 {
		oversample = 1
	}
	bounds := src.Bounds()
	srcW, srcH := bounds.Dx(), bounds.Dy()

	superW, superH := fitBox(srcW, srcH, target*oversample)
	// Never upscale: an intermediate larger than the source adds nothing.
	if superW > srcW || superH > srcH {
		superW, superH = srcW, srcH
	}

	intermediate := src
	if superW != srcW || superH != srcH {
		tmp := image.NewNRGBA(image.Rect(0, 0, superW, superH))
		draw.ApproxBiLinear.Scale(tmp, tmp.Bounds(), src, bounds, draw.Src, nil)
		intermediate = tmp
	}

	finalW, finalH := fitBox(superW, superH, target)
	if finalW >= superW && finalH >= superH {
		// Source already fits the target box.
		out := image.NewNRGBA(image.Rect(0, 0, superW, superH))
		draw.Draw(out, out.Bounds(), intermediate, intermediate.Bounds().Min, draw.Src)
		return out
	}

	out := image.NewNRGBA(image.Rect(0, 0, finalW, finalH))
	draw.CatmullRom.Scale(out, out.Bounds(), intermediate, intermediate.Bounds(), draw.Src, nil)
	return out
}
