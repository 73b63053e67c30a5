package render

import (
	"fmt"
	"image/color"
	"math"
	"strconv"
	"strings"

	"github.com/BobSimons/erddap-sub000/internal/dataset"
)

// palettes are control-point color ramps, low to high.
var palettes = map[string][]color.NRGBA{
	"rainbow":       {rgb(0x8000ff), rgb(0x0000ff), rgb(0x00ffff), rgb(0x00ff00), rgb(0xffff00), rgb(0xff8000), rgb(0xff0000)},
	"bluewhitered":  {rgb(0x0000ff), rgb(0xffffff), rgb(0xff0000)},
	"grayscale":     {rgb(0x000000), rgb(0xffffff)},
	"whiteredblack": {rgb(0xffffff), rgb(0xff0000), rgb(0x000000)},
	"whiteblack":    {rgb(0xffffff), rgb(0x000000)},
	"ocean":         {rgb(0x000040), rgb(0x0000c0), rgb(0x00c0ff), rgb(0xc0ffff)},
	"topography":    {rgb(0x000080), rgb(0x00a0ff), rgb(0x40c040), rgb(0xe0e060), rgb(0xa06030), rgb(0xffffff)},
}

func rgb(v uint32) color.NRGBA {
	return color.NRGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}
}

// ParseColor parses a 0xRRGGBB (or #RRGGBB) color.
func ParseColor(s string) (color.NRGBA, error) {
	t := strings.TrimPrefix(strings.TrimPrefix(strings.ToLower(s), "0x"), "#")
	if len(t) != 6 {
		return color.NRGBA{}, fmt.Errorf("color %q is not 0xRRGGBB", s)
	}
	v, err := strconv.ParseUint(t, 16, 32)
	if err != nil {
		return color.NRGBA{}, fmt.Errorf("color %q is not 0xRRGGBB", s)
	}
	return rgb(uint32(v)), nil
}

// ColorMap maps data values to colors according to a variable's color bar.
type ColorMap struct {
	stops      []color.NRGBA
	min, max   float64
	log        bool
	continuous bool
	sections   int
}

// NewColorMap builds the color map for cb. Unknown palettes fall back to
// Rainbow; a Log scale needs a positive range.
func NewColorMap(cb *dataset.ColorBar) (*ColorMap, error) {
	if cb == nil {
		return nil, fmt.Errorf("no color bar")
	}
	stops, ok := palettes[strings.ToLower(cb.Palette)]
	if !ok {
		stops = palettes["rainbow"]
	}
	m := &ColorMap{
		stops:      stops,
		min:        cb.Min,
		max:        cb.Max,
		log:        strings.EqualFold(cb.Scale, "Log"),
		continuous: cb.Continuous,
		sections:   cb.NSections,
	}
	if m.log {
		if m.min <= 0 || m.max <= 0 {
			return nil, fmt.Errorf("log scale needs colorBarMinimum and colorBarMaximum > 0")
		}
		m.min, m.max = math.Log10(m.min), math.Log10(m.max)
	}
	if m.sections <= 0 {
		m.sections = 8
	}
	return m, nil
}

// Fraction returns where v falls along the color bar, clamped to [0, 1].
func (m *ColorMap) Fraction(v float64) float64 {
	if m.log {
		if v <= 0 {
			return 0
		}
		v = math.Log10(v)
	}
	f := (v - m.min) / (m.max - m.min)
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

// At returns the color for v. Stepped color maps use the color at the
// middle of v's section.
func (m *ColorMap) At(v float64) color.NRGBA {
	f := m.Fraction(v)
	if !m.continuous {
		k := math.Min(math.Floor(f*float64(m.sections)), float64(m.sections-1))
		f = (k + 0.5) / float64(m.sections)
	}
	return interpolate(m.stops, f)
}

func interpolate(stops []color.NRGBA, f float64) color.NRGBA {
	if len(stops) == 1 {
		return stops[0]
	}
	pos := f * float64(len(stops)-1)
	i := int(pos)
	if i >= len(stops)-1 {
		return stops[len(stops)-1]
	}
	t := pos - float64(i)
	a, b := stops[i], stops[i+1]
	mix := func(x, y uint8) uint8 {
		return uint8(math.Round(float64(x) + t*(float64(y)-float64(x))))
	}
	return color.NRGBA{R: mix(a.R, b.R), G: mix(a.G, b.G), B: mix(a.B, b.B), A: 0xff}
}
