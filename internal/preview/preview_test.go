package preview

import (
	"bytes"
	"errors"
	"image/png"
	"testing"

	"psss-processing-go/internal/types"
)

func ramp() types.Image {
	img := types.NewImage(4, 1)
	copy(img.Pix, []uint32{0, 10, 20, 30})
	return img
}

func TestRenderGrayNormalizesToPeak(t *testing.T) {
	out, err := Render(ramp(), Options{Colormap: "gray"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if got := out.RGBAAt(0, 0).R; got != 0 {
		t.Fatalf("darkest pixel %d", got)
	}
	if got := out.RGBAAt(3, 0).R; got != 255 {
		t.Fatalf("brightest pixel %d", got)
	}
	if a, b := out.RGBAAt(1, 0).R, out.RGBAAt(2, 0).R; !(a < b) {
		t.Fatalf("ramp not monotonic: %d %d", a, b)
	}
}

func TestRenderMinMaxClamp(t *testing.T) {
	out, err := Render(ramp(), Options{Colormap: "gray", MinValue: 10, MaxValue: 10})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	want := []uint8{0, 0, 255, 255}
	for x, w := range want {
		if got := out.RGBAAt(x, 0).R; got != w {
			t.Fatalf("pixel %d = %d, want %d", x, got, w)
		}
	}
}

func TestRenderScale(t *testing.T) {
	img := types.NewImage(8, 6)
	out, err := Render(img, Options{Scale: 0.5})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if b := out.Bounds(); b.Dx() != 4 || b.Dy() != 3 {
		t.Fatalf("unexpected bounds %v", b)
	}
}

func TestRenderErrors(t *testing.T) {
	if _, err := Render(types.Image{}, Options{}); !errors.Is(err, ErrEmptyImage) {
		t.Fatalf("expected ErrEmptyImage, got %v", err)
	}
	if _, err := Render(ramp(), Options{Colormap: "sepia"}); err == nil {
		t.Fatalf("expected unknown colormap error")
	}
}

func TestEncodePNG(t *testing.T) {
	var buf bytes.Buffer
	if err := EncodePNG(&buf, ramp(), Options{}); err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := png.Decode(&buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if b := decoded.Bounds(); b.Dx() != 4 || b.Dy() != 1 {
		t.Fatalf("unexpected bounds %v", b)
	}
}

func TestColormapsAreComplete(t *testing.T) {
	for _, name := range Colormaps() {
		cm, err := LookupColormap(name)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if cm.At(0) == cm.At(1) {
			t.Fatalf("%s maps both ends to the same color", name)
		}
	}
}
