package encoder

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"image/jpeg"
	"strings"

	// registered decoders
	_ "image/gif"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/bdougie/uicollage/internal/models"
)

const (
	MaxSide = 800
	Quality = 70

	dataURLPrefix = "data:image/jpeg;base64,"
)

// ContentType reports the MIME type of data when it is one of the registered
// image formats.
func ContentType(data []byte) (string, bool) {
	if len(data) == 0 {
		return "", false
	}
	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return "", false
	}
	return "image/" + format, true
}

// Bounds returns the encoded size for an image of w x h. Only the longer side
// is capped; the aspect ratio is kept.
func Bounds(w, h int) (int, int) {
	if w > h {
		if w > MaxSide {
			h = h * MaxSide / w
			w = MaxSide
		}
	} else if h > MaxSide {
		w = w * MaxSide / h
		h = MaxSide
	}
	return max(w, 1), max(h, 1)
}

// Encode decodes data, bounds it to MaxSide and returns a base64 JPEG payload
// without a data URL header. Transparent pixels end up white.
func Encode(data []byte) (string, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", &models.DecodeError{Err: err}
	}
	out, err := EncodeImage(src, Quality)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(out), nil
}

// EncodeImage scales src into the bounded size over a white canvas and
// returns JPEG bytes at the given quality.
func EncodeImage(src image.Image, quality int) ([]byte, error) {
	b := src.Bounds()
	w, h := Bounds(b.Dx(), b.Dy())

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DataURL prefixes a base64 JPEG payload with its data URL header.
func DataURL(payload string) string {
	if strings.HasPrefix(payload, "data:") {
		return payload
	}
	return dataURLPrefix + payload
}

// Payload strips a data URL header if present.
func Payload(dataURL string) string {
	if i := strings.Index(dataURL, ","); i >= 0 && strings.HasPrefix(dataURL, "data:") {
		return dataURL[i+1:]
	}
	return dataURL
}
