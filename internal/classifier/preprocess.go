package classifier

import (
	"bytes"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"strconv"

	"github.com/nfnt/resize"
)

// Tensor layouts understood by the preprocessor.
const (
	LayoutNHWC = "nhwc"
	LayoutNCHW = "nchw"
)

// DecodeImage decodes a JPEG or PNG payload.
func DecodeImage(data []byte) (image.Image, string, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", Inferencef("decode image: %v", err)
	}
	return img, format, nil
}

// Preprocess resizes img to size x size with nearest-neighbour sampling and
// scales each RGB channel to [0,1].
func Preprocess(img image.Image, size int, layout string) []float32 {
	resized := resize.Resize(uint(size), uint(size), img, resize.NearestNeighbor)

	bounds := resized.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	plane := width * height
	out := make([]float32, 3*plane)

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := resized.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			rv := float32(r>>8) / 255.0
			gv := float32(g>>8) / 255.0
			bv := float32(b>>8) / 255.0

			idx := y*width + x
			if layout == LayoutNCHW {
				out[idx] = rv
				out[plane+idx] = gv
				out[2*plane+idx] = bv
				continue
			}
			out[3*idx] = rv
			out[3*idx+1] = gv
			out[3*idx+2] = bv
		}
	}
	return out
}

// TopClass picks the most probable class and reports its probability as a
// percentage. The percentage is computed in single precision and rounded to
// its shortest decimal form so that 0.923 is reported as 92.3.
func TopClass(scores []float32, labels []string) (*Result, error) {
	n := len(scores)
	if len(labels) < n {
		n = len(labels)
	}
	if n == 0 {
		return nil, Inferencef("model produced no class scores")
	}

	maxIdx := 0
	maxVal := scores[0]
	for i := 1; i < n; i++ {
		if scores[i] > maxVal {
			maxVal = scores[i]
			maxIdx = i
		}
	}

	pct := maxVal * 100
	confidence, err := strconv.ParseFloat(strconv.FormatFloat(float64(pct), 'f', -1, 32), 64)
	if err != nil {
		return nil, Inferencef("confidence %v: %v", pct, err)
	}
	return &Result{Label: labels[maxIdx], Confidence: confidence}, nil
}
