package backend

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/gif"
	"image/jpeg"
	"image/png"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const bannerHeight = 40

var bannerColor = color.RGBA{0, 0, 0, 128}

// Annotate draws a "Prediction: <label>" banner across the top of the image.
// JPEG input stays JPEG; everything else is written as PNG. The returned
// extension includes the dot.
func Annotate(data []byte, label string) ([]byte, string, error) {
	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode image: %w", err)
	}

	b := src.Bounds()
	img := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(img, img.Bounds(), src, b.Min, draw.Src)

	banner := image.Rect(0, 0, b.Dx(), min(bannerHeight, b.Dy()))
	draw.Draw(img, banner, image.NewUniform(bannerColor), image.Point{}, draw.Over)

	face := basicfont.Face7x13
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.White),
		Face: face,
		Dot:  fixed.P(10, 10+face.Metrics().Ascent.Ceil()),
	}
	d.DrawString("Prediction: " + label)

	var buf bytes.Buffer
	if format == "jpeg" {
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
			return nil, "", fmt.Errorf("failed to encode image: %w", err)
		}
		return buf.Bytes(), ".jpg", nil
	}
	if err := png.Encode(&buf, img); err != nil {
		return nil, "", fmt.Errorf("failed to encode image: %w", err)
	}
	return buf.Bytes(), ".png", nil
}
