package providers

import (
	"bytes"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/cockroachdb/errors"
	"github.com/disintegration/imaging"
)

const (
	DefaultThumbWidth  = 540
	DefaultThumbHeight = 960
)

// NormalizeThumbnail crops and scales an image to a portrait JPEG of w x h.
func NormalizeThumbnail(src []byte, w, h int) ([]byte, error) {
	w, h = thumbSize(w, h)
	img, _, err := image.Decode(bytes.NewReader(src))
	if err != nil {
		return nil, errors.Wrap(err, "decode thumbnail")
	}
	if img.Bounds().Dx() == 0 || img.Bounds().Dy() == 0 {
		return nil, errors.New("invalid thumbnail dimensions")
	}
	return encodeJPEG(imaging.Fill(img, w, h, imaging.Center, imaging.Lanczos))
}

// PosterFrame is the placeholder used when a render ships no preview image.
func PosterFrame(w, h int) ([]byte, error) {
	w, h = thumbSize(w, h)
	return encodeJPEG(imaging.New(w, h, color.NRGBA{R: 18, G: 18, B: 24, A: 255}))
}

func thumbSize(w, h int) (int, int) {
	if w <= 0 || h <= 0 {
		return DefaultThumbWidth, DefaultThumbHeight
	}
	return w, h
}

func encodeJPEG(img image.Image) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, errors.Wrap(err, "encode thumbnail")
	}
	return buf.Bytes(), nil
}
