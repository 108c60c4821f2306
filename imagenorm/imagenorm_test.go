package imagenorm

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/hazyhaar/uploadguard/profile"
)

func writeTestPNG(t *testing.T, dir string) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 40, 40))
	for y := 0; y < 40; y++ {
		for x := 0; x < 40; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 6), G: uint8(y * 6), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode test png: %v", err)
	}
	path := filepath.Join(dir, "source.png")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write test png: %v", err)
	}
	return path
}

func TestNormalize_ProducesOriginalAndConversions(t *testing.T) {
	dir := t.TempDir()
	src := writeTestPNG(t, dir)

	n := New()
	conversions := []profile.ConversionDimensions{
		{Name: "thumb", Width: 16, Height: 16},
		{Name: "medium", Width: 32, Height: 32},
	}

	original, outputs, err := n.Normalize(src, conversions)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if len(original) == 0 {
		t.Fatal("expected non-empty re-encoded original")
	}
	if len(outputs) != 2 {
		t.Fatalf("expected 2 conversions, got %d", len(outputs))
	}
	for _, out := range outputs {
		if len(out.Data) == 0 {
			t.Fatalf("conversion %s produced empty output", out.Name)
		}
	}
}

func TestNormalize_NoConversionsConfigured(t *testing.T) {
	dir := t.TempDir()
	src := writeTestPNG(t, dir)

	n := New()
	original, outputs, err := n.Normalize(src, nil)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if len(original) == 0 {
		t.Fatal("expected non-empty re-encoded original")
	}
	if len(outputs) != 0 {
		t.Fatalf("expected no conversions, got %d", len(outputs))
	}
}

func TestNormalize_MissingFile(t *testing.T) {
	n := New()
	_, _, err := n.Normalize("/nonexistent/path.png", nil)
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}
