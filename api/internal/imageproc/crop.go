// Package imageproc вырезает области листа для точечного распознавания.
package imageproc

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"image/png"
	"math"

	"exam-grader/api/internal/llm"
	"exam-grader/api/internal/types"
)

// maxPixels — потолок площади вырезки, больше модели всё равно ужимают.
const maxPixels = 4_000_000

type Cropper struct {
	Quality int
}

func New() *Cropper { return &Cropper{Quality: 90} }

// Crop вырезает box (в процентах), расширенный на expandPercent с каждой стороны,
// и возвращает JPEG.
func (c *Cropper) Crop(ctx context.Context, src llm.Image, box types.Box, expandPercent float64) (llm.Image, error) {
	if err := ctx.Err(); err != nil {
		return llm.Image{}, err
	}
	img, err := decode(src.Data)
	if err != nil {
		return llm.Image{}, fmt.Errorf("crop: decode: %w", err)
	}

	rect := PixelRect(img.Bounds(), box.Expand(expandPercent))
	if rect.Empty() {
		return llm.Image{}, fmt.Errorf("crop: empty region %+v", box)
	}

	dst := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(dst, dst.Bounds(), img, rect.Min, draw.Src)

	final := image.Image(dst)
	if px := rect.Dx() * rect.Dy(); px > maxPixels {
		scale := math.Sqrt(float64(maxPixels) / float64(px))
		final = scaleDownNN(dst, max(int(float64(rect.Dx())*scale+0.5), 1), max(int(float64(rect.Dy())*scale+0.5), 1))
	}

	q := c.Quality
	if q <= 0 || q > 100 {
		q = 90
	}
	var out bytes.Buffer
	if err := jpeg.Encode(&out, final, &jpeg.Options{Quality: q}); err != nil {
		return llm.Image{}, fmt.Errorf("crop: encode: %w", err)
	}
	return llm.Image{MIME: "image/jpeg", Data: out.Bytes()}, nil
}

// PixelRect переводит процентный прямоугольник в пиксели внутри bounds.
func PixelRect(bounds image.Rectangle, box types.Box) image.Rectangle {
	w := float64(bounds.Dx())
	h := float64(bounds.Dy())
	r := image.Rect(
		bounds.Min.X+int(math.Floor(box.XMin/100*w)),
		bounds.Min.Y+int(math.Floor(box.YMin/100*h)),
		bounds.Min.X+int(math.Ceil(box.XMax/100*w)),
		bounds.Min.Y+int(math.Ceil(box.YMax/100*h)),
	)
	return r.Intersect(bounds)
}

func decode(b []byte) (image.Image, error) {
	if len(b) >= 2 && b[0] == 0xFF && b[1] == 0xD8 {
		return jpeg.Decode(bytes.NewReader(b))
	}
	if len(b) >= 8 &&
		b[0] == 0x89 && b[1] == 0x50 && b[2] == 0x4E && b[3] == 0x47 &&
		b[4] == 0x0D && b[5] == 0x0A && b[6] == 0x1A && b[7] == 0x0A {
		return png.Decode(bytes.NewReader(b))
	}
	img, _, err := image.Decode(bytes.NewReader(b))
	return img, err
}

func scaleDownNN(src image.Image, newW, newH int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, newW, newH))
	sb := src.Bounds()
	srcW := sb.Dx()
	srcH := sb.Dy()
	for y := 0; y < newH; y++ {
		sy := sb.Min.Y + (y*srcH)/newH
		for x := 0; x < newW; x++ {
			sx := sb.Min.X + (x*srcW)/newW
			dst.Set(x, y, src.At(sx, sy))
		}
	}
	return dst
}
