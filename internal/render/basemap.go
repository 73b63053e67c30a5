package render

import (
	"context"
	"embed"
	"fmt"
	"image/color"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// Reserved layer names drawn from the built-in basemap.
const (
	LayerLand           = "Land"
	LayerLandMask       = "LandMask"
	LayerCoastlines     = "Coastlines"
	LayerLakesAndRivers = "LakesAndRivers"
	LayerNations        = "Nations"
	LayerStates         = "States"
)

// CartographicLayers lists the reserved layer names in capabilities order.
var CartographicLayers = []string{LayerLand, LayerLandMask, LayerCoastlines, LayerLakesAndRivers, LayerNations, LayerStates}

// IsCartographic reports whether name is a reserved basemap layer.
func IsCartographic(name string) bool {
	for _, l := range CartographicLayers {
		if l == name {
			return true
		}
	}
	return false
}

var (
	landColor      = rgb(0x808080)
	coastColor     = rgb(0x000000)
	waterColor     = rgb(0x4060ff)
	nationColor    = rgb(0x202020)
	stateColor     = rgb(0x505050)
	coastWidth     = float32(1)
	boundaryWidth  = float32(1)
	waterLineWidth = float32(1)
)

//go:embed basemap/*.geojson
var basemapFiles embed.FS

// Basemap holds the parsed cartographic geometry.
type Basemap struct {
	Land        []orb.Polygon
	LakesRivers []orb.LineString
	Nations     []orb.LineString
	States      []orb.LineString
}

var (
	basemapOnce sync.Once
	basemap     *Basemap
	basemapErr  error
)

// DefaultBasemap returns the embedded basemap, parsing it on first use.
func DefaultBasemap() (*Basemap, error) {
	basemapOnce.Do(func() {
		basemap, basemapErr = loadBasemap()
	})
	return basemap, basemapErr
}

func loadBasemap() (*Basemap, error) {
	b := &Basemap{}
	land, err := readCollection("basemap/land.geojson")
	if err != nil {
		return nil, err
	}
	for _, f := range land.Features {
		switch g := f.Geometry.(type) {
		case orb.Polygon:
			b.Land = append(b.Land, g)
		case orb.MultiPolygon:
			b.Land = append(b.Land, g...)
		}
	}
	for file, dst := range map[string]*[]orb.LineString{
		"basemap/lakes_rivers.geojson": &b.LakesRivers,
		"basemap/nations.geojson":      &b.Nations,
		"basemap/states.geojson":       &b.States,
	} {
		fc, err := readCollection(file)
		if err != nil {
			return nil, err
		}
		for _, f := range fc.Features {
			*dst = append(*dst, lines(f.Geometry)...)
		}
	}
	return b, nil
}

func readCollection(name string) (*geojson.FeatureCollection, error) {
	data, err := basemapFiles.ReadFile(name)
	if err != nil {
		return nil, err
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	return fc, nil
}

func lines(g orb.Geometry) []orb.LineString {
	switch g := g.(type) {
	case orb.LineString:
		return []orb.LineString{g}
	case orb.MultiLineString:
		return g
	case orb.Ring:
		return []orb.LineString{orb.LineString(g)}
	case orb.Polygon:
		var out []orb.LineString
		for _, r := range g {
			out = append(out, orb.LineString(r))
		}
		return out
	}
	return nil
}

// CartoLayer draws one reserved basemap layer.
type CartoLayer struct {
	name string
	base *Basemap
}

// NewCartoLayer returns the layer for a reserved name.
func NewCartoLayer(name string, base *Basemap) (*CartoLayer, error) {
	if !IsCartographic(name) {
		return nil, fmt.Errorf("%q is not a cartographic layer", name)
	}
	return &CartoLayer{name: name, base: base}, nil
}

// Name implements Layer.
func (l *CartoLayer) Name() string { return l.name }

// Draw implements Layer.
func (l *CartoLayer) Draw(ctx context.Context, c *Canvas) error {
	switch l.name {
	case LayerLand, LayerLandMask:
		for _, p := range l.base.Land {
			c.FillPolygon(p, landColor)
		}
	case LayerCoastlines:
		for _, p := range l.base.Land {
			for _, ls := range lines(p) {
				c.StrokeLine(ls, coastWidth, coastColor)
			}
		}
	case LayerLakesAndRivers:
		strokeAll(c, l.base.LakesRivers, waterLineWidth, waterColor)
	case LayerNations:
		strokeAll(c, l.base.Nations, boundaryWidth, nationColor)
	case LayerStates:
		strokeAll(c, l.base.States, boundaryWidth, stateColor)
	}
	return ctx.Err()
}

func strokeAll(c *Canvas, ls []orb.LineString, width float32, col color.Color) {
	for _, l := range ls {
		c.StrokeLine(l, width, col)
	}
}
