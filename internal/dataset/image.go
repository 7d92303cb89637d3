package dataset

import (
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"math/rand"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/image/draw"

	"netforge/internal/tensor"
)

// Shape is the per-sample network input size.
type Shape struct {
	Height   int
	Width    int
	Channels int
}

// AugmentMargin is how far past the target size an image is enlarged
// before the random crop.
func AugmentMargin(size int) int {
	if size == 256 {
		return 30
	}
	return size / 10
}

// DecodeFile reads and decodes a JPEG or PNG file.
func DecodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open image")
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", path)
	}
	return img, nil
}

// Preprocess resizes img to s and scales pixels to [-1, 1]. With a non-nil
// rng the image is, with probability one half, enlarged by AugmentMargin,
// randomly cropped back and randomly mirrored.
func Preprocess(img image.Image, s Shape, rng *rand.Rand) (*tensor.Tensor, error) {
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, errors.New("dataset: empty image")
	}
	if s.Channels != 1 && s.Channels != 3 {
		return nil, errors.Errorf("dataset: unsupported channel count %d", s.Channels)
	}

	augment := rng != nil && rng.Float64() > 0.5
	h, w := s.Height, s.Width
	if augment {
		h += AugmentMargin(s.Height)
		w += AugmentMargin(s.Width)
	}
	resized := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.BiLinear.Scale(resized, resized.Bounds(), img, b, draw.Src, nil)

	offY, offX, flip := 0, 0, false
	if augment {
		offY = rng.Intn(h - s.Height + 1)
		offX = rng.Intn(w - s.Width + 1)
		flip = rng.Intn(2) == 1
	}

	out := tensor.New(s.Height, s.Width, s.Channels)
	for y := 0; y < s.Height; y++ {
		for x := 0; x < s.Width; x++ {
			sx := offX + x
			if flip {
				sx = offX + s.Width - 1 - x
			}
			px := resized.RGBAAt(sx, offY+y)
			base := (y*s.Width + x) * s.Channels
			if s.Channels == 1 {
				g := color.GrayModel.Convert(px).(color.Gray)
				out.Data[base] = scale(g.Y)
				continue
			}
			out.Data[base] = scale(px.R)
			out.Data[base+1] = scale(px.G)
			out.Data[base+2] = scale(px.B)
		}
	}
	return out, nil
}

func scale(v uint8) float64 {
	return float64(v)/127.5 - 1
}

// LoadImage decodes path into a single-sample [1, H, W, C] batch without
// augmentation.
func LoadImage(path string, s Shape) (*tensor.Tensor, error) {
	img, err := DecodeFile(path)
	if err != nil {
		return nil, err
	}
	t, err := Preprocess(img, s, nil)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	return tensor.FromData(t.Data, 1, s.Height, s.Width, s.Channels)
}
