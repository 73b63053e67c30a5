package render

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"math"
	"strings"

	"github.com/paulmach/orb"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"golang.org/x/image/vector"
)

// Canvas is an RGBA raster covering a lon/lat bounding box. Pixel (0,0)
// is the north-west corner.
type Canvas struct {
	Img  *image.NRGBA
	BBox orb.Bound
}

// NewCanvas returns a canvas of w×h pixels filled with bg.
func NewCanvas(w, h int, bbox orb.Bound, bg color.NRGBA) *Canvas {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(bg), image.Point{}, draw.Src)
	return &Canvas{Img: img, BBox: bbox}
}

// Width returns the width in pixels.
func (c *Canvas) Width() int { return c.Img.Bounds().Dx() }

// Height returns the height in pixels.
func (c *Canvas) Height() int { return c.Img.Bounds().Dy() }

// Project converts a lon/lat point to pixel coordinates.
func (c *Canvas) Project(p orb.Point) (x, y float32) {
	fx := (p.X() - c.BBox.Min.X()) / (c.BBox.Max.X() - c.BBox.Min.X()) * float64(c.Width())
	fy := (c.BBox.Max.Y() - p.Y()) / (c.BBox.Max.Y() - c.BBox.Min.Y()) * float64(c.Height())
	return float32(fx), float32(fy)
}

// PixelCenter returns the lon/lat of the center of pixel (px, py).
func (c *Canvas) PixelCenter(px, py int) (lon, lat float64) {
	dx := (c.BBox.Max.X() - c.BBox.Min.X()) / float64(c.Width())
	dy := (c.BBox.Max.Y() - c.BBox.Min.Y()) / float64(c.Height())
	return c.BBox.Min.X() + (float64(px)+0.5)*dx, c.BBox.Max.Y() - (float64(py)+0.5)*dy
}

// wrapOffsets returns the longitude shifts (-360, 0, +360) under which a
// geometry with bound b overlaps the canvas, so -180..180 geometry also
// draws on 0..360 maps.
func (c *Canvas) wrapOffsets(b orb.Bound) []float64 {
	var out []float64
	for _, off := range []float64{0, 360, -360} {
		shifted := orb.Bound{
			Min: orb.Point{b.Min.X() + off, b.Min.Y()},
			Max: orb.Point{b.Max.X() + off, b.Max.Y()},
		}
		if shifted.Intersects(c.BBox) {
			out = append(out, off)
		}
	}
	return out
}

func (c *Canvas) rasterizer() *vector.Rasterizer {
	return vector.NewRasterizer(c.Width(), c.Height())
}

func (c *Canvas) paint(z *vector.Rasterizer, col color.Color) {
	z.DrawOp = draw.Over
	z.Draw(c.Img, c.Img.Bounds(), image.NewUniform(col), image.Point{})
}

// FillPolygon fills poly (outer ring plus holes).
func (c *Canvas) FillPolygon(poly orb.Polygon, col color.Color) {
	offsets := c.wrapOffsets(poly.Bound())
	if len(offsets) == 0 {
		return
	}
	z := c.rasterizer()
	for _, off := range offsets {
		for _, ring := range poly {
			if len(ring) < 3 {
				continue
			}
			for i, p := range ring {
				x, y := c.Project(orb.Point{p.X() + off, p.Y()})
				if i == 0 {
					z.MoveTo(x, y)
				} else {
					z.LineTo(x, y)
				}
			}
			z.ClosePath()
		}
	}
	c.paint(z, col)
}

// StrokeLine draws ls as a line width pixels wide.
func (c *Canvas) StrokeLine(ls orb.LineString, width float32, col color.Color) {
	offsets := c.wrapOffsets(ls.Bound())
	if len(offsets) == 0 || len(ls) < 2 {
		return
	}
	z := c.rasterizer()
	half := width / 2
	for _, off := range offsets {
		for i := 1; i < len(ls); i++ {
			x0, y0 := c.Project(orb.Point{ls[i-1].X() + off, ls[i-1].Y()})
			x1, y1 := c.Project(orb.Point{ls[i].X() + off, ls[i].Y()})
			dx, dy := x1-x0, y1-y0
			l := float32(math.Hypot(float64(dx), float64(dy)))
			if l == 0 {
				continue
			}
			// every segment quad winds the same way so overlaps add up
			nx, ny := -dy/l*half, dx/l*half
			z.MoveTo(x0+nx, y0+ny)
			z.LineTo(x1+nx, y1+ny)
			z.LineTo(x1-nx, y1-ny)
			z.LineTo(x0-nx, y0-ny)
			z.ClosePath()
		}
	}
	c.paint(z, col)
}

// DrawText word-wraps msg to the canvas width and draws it from the top
// left corner in a fixed 7×13 font.
func (c *Canvas) DrawText(msg string, col color.Color) {
	face := basicfont.Face7x13
	const margin = 3
	perLine := (c.Width() - 2*margin) / face.Advance
	if perLine < 1 {
		perLine = 1
	}
	d := &font.Drawer{Dst: c.Img, Src: image.NewUniform(col), Face: face}
	y := margin + face.Ascent
	for _, line := range wrapWords(msg, perLine) {
		if y > c.Height() {
			break
		}
		d.Dot = fixed.P(margin, y)
		d.DrawString(line)
		y += face.Height
	}
}

// wrapWords splits s into lines of at most n characters, breaking at
// spaces where possible.
func wrapWords(s string, n int) []string {
	var lines []string
	for _, para := range strings.Split(s, "\n") {
		line := ""
		for _, word := range strings.Fields(para) {
			for len(word) > n {
				if line != "" {
					lines = append(lines, line)
					line = ""
				}
				lines = append(lines, word[:n])
				word = word[n:]
			}
			switch {
			case line == "":
				line = word
			case len(line)+1+len(word) <= n:
				line += " " + word
			default:
				lines = append(lines, line)
				line = word
			}
		}
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// PNG encodes the canvas.
func (c *Canvas) PNG() ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, c.Img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Background returns the fill color for a map: bg, or fully transparent
// when transparent is set.
func Background(bg color.NRGBA, transparent bool) color.NRGBA {
	if transparent {
		return color.NRGBA{}
	}
	return bg
}

// Blank returns a w×h PNG filled with bg.
func Blank(w, h int, bg color.NRGBA) ([]byte, error) {
	return NewCanvas(w, h, unitBound, bg).PNG()
}

// Message returns a w×h PNG filled with bg with msg drawn on it.
func Message(w, h int, bg color.NRGBA, msg string) ([]byte, error) {
	c := NewCanvas(w, h, unitBound, bg)
	c.DrawText(msg, color.Black)
	return c.PNG()
}

var unitBound = orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{1, 1}}
