// Package face scores a probe face image against a reference image.
//
// The scorer is a coarse global luminance comparison, not a face
// recogniser: there is no detection, landmarking or embedding. Pose,
// occlusion and framing all move the score. Treat a match as a
// low-assurance signal that is only meaningful together with the
// geofence and the rotating token.
package face

import (
	"bytes"
	"image"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"

	"github.com/pkg/errors"
	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// Size is the side of the square both images are reduced to.
const Size = 64

// MaxDimension bounds the width and height of an image accepted by Decode.
const MaxDimension = 4096

// ErrTooLarge is returned for images whose header declares dimensions above
// MaxDimension.
var ErrTooLarge = errors.New("face: image dimensions too large")

// DefaultThreshold is the largest mean luminance difference (0-255) that
// still counts as a match.
const DefaultThreshold = 115.0

// Result is the outcome of a comparison. Lower scores are closer.
type Result struct {
	Match bool    `json:"match"`
	Score float64 `json:"score"`
}

// Scorer compares images against a fixed threshold.
type Scorer struct {
	Threshold float64
}

// NewScorer returns a scorer; a negative threshold falls back to the default.
func NewScorer(threshold float64) *Scorer {
	if threshold < 0 {
		threshold = DefaultThreshold
	}
	return &Scorer{Threshold: threshold}
}

// Compare decodes both encoded images and compares them.
func (s *Scorer) Compare(reference, probe []byte) (Result, error) {
	ref, err := Decode(reference)
	if err != nil {
		return Result{}, errors.Wrap(err, "decode reference image")
	}
	pr, err := Decode(probe)
	if err != nil {
		return Result{}, errors.Wrap(err, "decode probe image")
	}
	return s.CompareImages(ref, pr), nil
}

// CompareImages scores probe against reference in both its captured and
// horizontally mirrored orientation and keeps the better alignment, so a
// front camera that mirrors its preview does not fail the check.
func (s *Scorer) CompareImages(reference, probe image.Image) Result {
	ref := Luminance(reference)
	cand := Luminance(probe)

	score := math.Min(alignedDiff(ref, cand), alignedDiff(ref, mirror(cand)))
	return Result{Match: score <= s.Threshold, Score: score}
}

// Decode reads a jpeg, png, gif or webp image. The header is checked
// against MaxDimension before any pixel data is allocated.
func Decode(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, errors.New("empty image")
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width > MaxDimension || cfg.Height > MaxDimension {
		return nil, errors.Wrapf(ErrTooLarge, "%dx%d", cfg.Width, cfg.Height)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return img, nil
}

// Luminance reduces img to Size x Size and returns its BT.601 luma, row-major.
func Luminance(img image.Image) []float64 {
	dst := image.NewRGBA(image.Rect(0, 0, Size, Size))
	b := img.Bounds()
	if b.Dx() == Size && b.Dy() == Size {
		draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	} else {
		xdraw.BiLinear.Scale(dst, dst.Bounds(), img, b, xdraw.Src, nil)
	}

	lum := make([]float64, Size*Size)
	for y := 0; y < Size; y++ {
		for x := 0; x < Size; x++ {
			i := dst.PixOffset(x, y)
			r, g, bl := float64(dst.Pix[i]), float64(dst.Pix[i+1]), float64(dst.Pix[i+2])
			lum[y*Size+x] = 0.299*r + 0.587*g + 0.114*bl
		}
	}
	return lum
}

func mirror(lum []float64) []float64 {
	out := make([]float64, len(lum))
	for y := 0; y < Size; y++ {
		row := y * Size
		for x := 0; x < Size; x++ {
			out[row+x] = lum[row+Size-1-x]
		}
	}
	return out
}

// alignedDiff shifts cand to ref's mean brightness and returns the mean
// absolute pixel difference.
func alignedDiff(ref, cand []float64) float64 {
	shift := mean(ref) - mean(cand)
	var sum float64
	for i := range ref {
		v := cand[i] + shift
		if v < 0 {
			v = 0
		} else if v > 255 {
			v = 255
		}
		sum += math.Abs(ref[i] - v)
	}
	return sum / float64(len(ref))
}

func mean(v []float64) float64 {
	var sum float64
	for _, x := range v {
		sum += x
	}
	return sum / float64(len(v))
}
