package preview

import (
	"fmt"
	"image/color"
	"math"
	"sort"
)

const colormapSize = 256

// DefaultColormap is used when a request names none.
const DefaultColormap = "rainbow"

// Colormap is a pre-computed lookup table from normalized intensity to color.
type Colormap struct {
	name  string
	table [colormapSize]color.RGBA
}

var colormaps = map[string]func(float64) color.RGBA{
	"gray": func(v float64) color.RGBA {
		g := channel(v)
		return color.RGBA{R: g, G: g, B: g, A: 255}
	},
	"rainbow": func(v float64) color.RGBA {
		return color.RGBA{
			R: channel(math.Abs(2*v - 0.5)),
			G: channel(math.Sin(math.Pi * v)),
			B: channel(math.Cos(math.Pi * v / 2)),
			A: 255,
		}
	},
	"jet": func(v float64) color.RGBA {
		return color.RGBA{
			R: channel(1.5 - math.Abs(4*v-3)),
			G: channel(1.5 - math.Abs(4*v-2)),
			B: channel(1.5 - math.Abs(4*v-1)),
			A: 255,
		}
	},
	"thermal": func(v float64) color.RGBA {
		switch {
		case v < 1.0/3:
			return color.RGBA{R: channel(3 * v), A: 255}
		case v < 2.0/3:
			return color.RGBA{R: 255, G: channel(3*v - 1), A: 255}
		default:
			return color.RGBA{R: 255, G: 255, B: channel(3*v - 2), A: 255}
		}
	},
}

func init() {
	colormaps["grey"] = colormaps["gray"]
}

// LookupColormap returns the named colormap. An empty name selects
// DefaultColormap.
func LookupColormap(name string) (*Colormap, error) {
	if name == "" {
		name = DefaultColormap
	}
	fn, ok := colormaps[name]
	if !ok {
		return nil, fmt.Errorf("unknown colormap %q, available: %v", name, Colormaps())
	}
	cm := &Colormap{name: name}
	for i := range cm.table {
		cm.table[i] = fn(float64(i) / (colormapSize - 1))
	}
	return cm, nil
}

// Colormaps lists the available names.
func Colormaps() []string {
	names := make([]string, 0, len(colormaps))
	for name := range colormaps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (cm *Colormap) Name() string { return cm.name }

// At maps v in [0, 1] to a color; values outside are clamped.
func (cm *Colormap) At(v float64) color.RGBA {
	if !(v > 0) {
		return cm.table[0]
	}
	if v >= 1 {
		return cm.table[colormapSize-1]
	}
	return cm.table[int(v*(colormapSize-1)+0.5)]
}

func channel(v float64) uint8 {
	v = math.Max(0, math.Min(1, v))
	return uint8(math.Round(v * 255))
}
