package embeddings

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/bdougie/uicollage/internal/models"
)

func solid(t *testing.T, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			if x < 8 {
				img.Set(x, y, c)
			} else {
				img.Set(x, y, color.White)
			}
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png: %v", err)
	}
	return buf.Bytes()
}

func TestComputeDims(t *testing.T) {
	imgs := [][]byte{solid(t, color.Black), solid(t, color.Black), solid(t, color.Black)}
	fp, err := Compute(imgs)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if len(fp) != Dims {
		t.Fatalf("expected %d dims, got %d", Dims, len(fp))
	}
	if fp[0] >= fp[GridSize-1] {
		t.Fatalf("dark left column should sit below the white right column: %v", fp[:GridSize])
	}
}

func TestComputeRequiresThree(t *testing.T) {
	_, err := Compute([][]byte{solid(t, color.Black)})
	var ve *models.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestServiceCachesByContent(t *testing.T) {
	s := NewService(2)
	defer s.Close()

	imgs := [][]byte{solid(t, color.Black), solid(t, color.Gray{Y: 100}), solid(t, color.Black)}
	ctx := context.Background()

	first, err := s.Wait(ctx, imgs)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if _, ok := s.cache.Load(Key(imgs)); !ok {
		t.Fatalf("fingerprint was not cached")
	}
	second, err := s.Wait(ctx, imgs)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("cached fingerprint differs at %d", i)
		}
	}
}

func TestServiceDecodeError(t *testing.T) {
	s := NewService(1)
	defer s.Close()

	_, err := s.Wait(context.Background(), [][]byte{[]byte("x"), []byte("y"), []byte("z")})
	var de *models.DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
}
