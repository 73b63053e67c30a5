package render

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/paulmach/orb"

	"github.com/BobSimons/erddap-sub000/internal/dataset"
	"github.com/BobSimons/erddap-sub000/internal/failure"
)

// Layer is one entry of a map's layer list.
type Layer interface {
	Name() string
	Draw(ctx context.Context, c *Canvas) error
}

// ErrSkipLayer is returned by ResolveDataLayer when a layer has nothing to
// draw for the request. It is not a request failure.
var ErrSkipLayer = errors.New("layer skipped")

// Dimensions holds non-spatial axis values keyed by parameter name
// ("time", "elevation", or "dim_" + lower-cased axis name).
type Dimensions map[string]string

// DimensionParam returns the request parameter naming a value on a.
func DimensionParam(a *dataset.Axis) string {
	switch {
	case a.IsTime():
		return "time"
	case a.IsElevation():
		return "elevation"
	}
	return "dim_" + strings.ToLower(a.Name)
}

// DataLayer draws one grid variable color-mapped by its color bar.
type DataLayer struct {
	Dataset  *dataset.Dataset
	Variable *dataset.Variable
	// Ranges has one range per dataset axis: a single index for
	// non-spatial axes and a strided span for longitude and latitude.
	Ranges []dataset.IndexRange
	colors *ColorMap
}

// ResolveDataLayer works out which source indices a data layer needs for
// a width×height map of bbox.
//
// Non-spatial axes take the value from dims, or the last index when the
// value is omitted or "current". Longitude and latitude get the index span
// covering bbox with the smallest stride that keeps the sample count at
// or below the pixel count.
//
// Returns:
//   - ErrSkipLayer (wrapped) when a dimension value is outside the axis
//     range or bbox does not intersect the data
//   - a failure.BadRequest error for unusable variables or dimension values
func ResolveDataLayer(ds *dataset.Dataset, variable string, bbox orb.Bound, width, height int, dims Dimensions) (*DataLayer, error) {
	if reason := ds.Capabilities.Reason(dataset.ProtocolWMS); reason != "" {
		return nil, failure.BadRequest("datasetID=%s is not available via WMS: %s", ds.ID, reason)
	}
	v := ds.Variable(variable)
	if v == nil {
		return nil, failure.QueryError("layers", ds.ID+":"+variable, "is not a variable in this dataset.")
	}
	if v.ColorBar == nil {
		return nil, failure.BadRequest("variable %s in datasetID=%s has no colorBarMinimum and colorBarMaximum", variable, ds.ID)
	}
	colors, err := NewColorMap(v.ColorBar)
	if err != nil {
		return nil, failure.BadRequest("variable %s in datasetID=%s: %s", variable, ds.ID, err)
	}

	lonIdx, latIdx := ds.LonIndex(), ds.LatIndex()
	ranges := make([]dataset.IndexRange, len(ds.Axes))
	for i := range ds.Axes {
		a := &ds.Axes[i]
		switch i {
		case lonIdx:
			r, ok := spatialRange(a, bbox.Min.X(), bbox.Max.X(), width)
			if !ok {
				return nil, fmt.Errorf("%w: bbox longitude outside %s", ErrSkipLayer, ds.ID)
			}
			ranges[i] = r
		case latIdx:
			r, ok := spatialRange(a, bbox.Min.Y(), bbox.Max.Y(), height)
			if !ok {
				return nil, fmt.Errorf("%w: bbox latitude outside %s", ErrSkipLayer, ds.ID)
			}
			ranges[i] = r
		default:
			idx, err := dimensionIndex(a, dims)
			if err != nil {
				return nil, err
			}
			ranges[i] = dataset.Single(idx)
		}
	}
	return &DataLayer{Dataset: ds, Variable: v, Ranges: ranges, colors: colors}, nil
}

func spatialRange(a *dataset.Axis, lo, hi float64, pixels int) (dataset.IndexRange, bool) {
	start, stop, ok := a.IndexSpan(lo, hi)
	if !ok {
		return dataset.IndexRange{}, false
	}
	return dataset.IndexRange{Start: start, Stride: dataset.Stride(stop-start+1, pixels), Stop: stop}, true
}

func dimensionIndex(a *dataset.Axis, dims Dimensions) (int, error) {
	param := DimensionParam(a)
	raw := strings.TrimSpace(dims[param])
	if raw == "" || strings.EqualFold(raw, "current") {
		return a.Len() - 1, nil
	}
	var (
		v   float64
		err error
	)
	if a.IsTime() {
		v, err = dataset.ParseTime(raw)
	} else {
		v, err = strconv.ParseFloat(raw, 64)
	}
	if err != nil {
		return 0, failure.QueryError(param, raw, "is not a valid value.")
	}
	if !a.InCoarseRange(v) {
		return 0, fmt.Errorf("%w: %s=%s outside axis %s", ErrSkipLayer, param, raw, a.Name)
	}
	return a.ClosestIndex(v), nil
}

// Name implements Layer.
func (l *DataLayer) Name() string { return l.Dataset.ID + ":" + l.Variable.Name }

// Draw implements Layer. Each pixel takes the nearest fetched sample;
// missing values and pixels outside the data stay untouched.
func (l *DataLayer) Draw(ctx context.Context, c *Canvas) error {
	grid, err := l.Dataset.ReadGrid(ctx, l.Variable.Name, l.Ranges)
	if err != nil {
		return err
	}
	lonIdx, latIdx := l.Dataset.LonIndex(), l.Dataset.LatIndex()
	lonAxis, latAxis := &l.Dataset.Axes[lonIdx], &l.Dataset.Axes[latIdx]

	w, h := c.Width(), c.Height()
	cols := make([]int, w)
	for px := 0; px < w; px++ {
		lon, _ := c.PixelCenter(px, 0)
		cols[px] = samplePos(lonAxis, l.Ranges[lonIdx], lon)
	}
	rows := make([]int, h)
	for py := 0; py < h; py++ {
		_, lat := c.PixelCenter(0, py)
		rows[py] = samplePos(latAxis, l.Ranges[latIdx], lat)
	}

	pos := make([]int, len(l.Ranges))
	for py := 0; py < h; py++ {
		if rows[py] < 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		pos[latIdx] = rows[py]
		for px := 0; px < w; px++ {
			if cols[px] < 0 {
				continue
			}
			pos[lonIdx] = cols[px]
			v := grid.At(pos...)
			if l.Variable.IsMissing(v) {
				continue
			}
			c.Img.SetNRGBA(px, py, l.colors.At(v))
		}
	}
	return nil
}

// samplePos returns the position within r of the fetched sample nearest
// to v, or -1 when v is outside the fetched span.
func samplePos(a *dataset.Axis, r dataset.IndexRange, v float64) int {
	if !a.InCoarseRange(v) {
		return -1
	}
	idx := a.ClosestIndex(v)
	if idx < r.Start || idx > r.Stop {
		return -1
	}
	p := (idx - r.Start + r.Stride/2) / r.Stride
	if n := r.Count(); p >= n {
		p = n - 1
	}
	return p
}
