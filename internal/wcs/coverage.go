package wcs

import (
	"context"
	"errors"
	"fmt"
	"image/color"
	"net/http"
	"strconv"
	"strings"

	"github.com/paulmach/orb"

	"github.com/BobSimons/erddap-sub000/internal/dataset"
	"github.com/BobSimons/erddap-sub000/internal/dispatch"
	"github.com/BobSimons/erddap-sub000/internal/failure"
	"github.com/BobSimons/erddap-sub000/internal/ncfile"
	"github.com/BobSimons/erddap-sub000/internal/ogc"
	"github.com/BobSimons/erddap-sub000/internal/render"
)

// coverageRequest is a validated GetCoverage request.
type coverageRequest struct {
	variable *dataset.Variable
	format   string
	bbox     orb.Bound
	// ranges has one entry per dataset axis.
	ranges []dataset.IndexRange
	// dims holds single non-spatial values for PNG output.
	dims   render.Dimensions
	width  int
	height int
}

func invalid(name, value, problem string) error {
	return ogc.WithCode("InvalidParameterValue", failure.QueryError(name, value, problem))
}

func missing(name string) error {
	return ogc.WithCode("MissingParameterValue", failure.BadRequest("Query error: %s parameter is missing.", name))
}

// parseCoverage validates GetCoverage parameters:
//
//	coverage=var&crs=EPSG:4326&bbox=minx,miny,maxx,maxy[,minz,maxz]
//	&time=t|t1/t2&format=NetCDF3|PNG[&width=w&height=h]
//
// Omitted time and elevation select the last value. Other non-spatial
// axes are selected with dim_{name}. width and height down-sample by
// stride.
func parseCoverage(ds *dataset.Dataset, p dispatch.Params, cfg Config) (*coverageRequest, error) {
	name := p.Get("coverage")
	if name == "" {
		return nil, missing("coverage")
	}
	v, err := coverageVariable(ds, name)
	if err != nil {
		return nil, err
	}
	req := &coverageRequest{variable: v, dims: render.Dimensions{}}

	switch crs := p.Get("crs"); {
	case crs == "":
		return nil, missing("crs")
	case !strings.EqualFold(crs, epsg) && !strings.EqualFold(crs, crs84):
		return nil, ogc.WithCode("InvalidCRS", failure.QueryError("crs", crs, "is not supported. Use "+epsg+"."))
	}

	switch f := p.Get("format"); {
	case f == "":
		return nil, missing("format")
	case strings.EqualFold(f, FormatNetCDF3):
		req.format = FormatNetCDF3
	case strings.EqualFold(f, FormatPNG):
		req.format = FormatPNG
	default:
		return nil, ogc.WithCode("InvalidFormat", failure.QueryError("format", f, "is not supported. Use "+FormatNetCDF3+" or "+FormatPNG+"."))
	}

	raw := p.Get("bbox")
	if raw == "" {
		return nil, missing("bbox")
	}
	box, err := parseNumbers(raw)
	if err != nil || (len(box) != 4 && len(box) != 6) {
		return nil, invalid("bbox", raw, "must be minx,miny,maxx,maxy or minx,miny,maxx,maxy,minz,maxz.")
	}
	if box[0] > box[2] || box[1] > box[3] || (len(box) == 6 && box[4] > box[5]) {
		return nil, invalid("bbox", raw, "has a minimum greater than its maximum.")
	}
	req.bbox = orb.Bound{Min: orb.Point{box[0], box[1]}, Max: orb.Point{box[2], box[3]}}

	if req.width, err = size(p, "width", cfg.MaxImageSize); err != nil {
		return nil, err
	}
	if req.height, err = size(p, "height", cfg.MaxImageSize); err != nil {
		return nil, err
	}

	lonIdx, latIdx := ds.LonIndex(), ds.LatIndex()
	req.ranges = make([]dataset.IndexRange, len(ds.Axes))
	for i := range ds.Axes {
		a := &ds.Axes[i]
		var (
			r   dataset.IndexRange
			err error
		)
		switch {
		case i == lonIdx:
			r, err = span(a, "bbox", raw, box[0], box[2], req.width)
		case i == latIdx:
			r, err = span(a, "bbox", raw, box[1], box[3], req.height)
		case a.IsElevation() && len(box) == 6:
			r, err = span(a, "bbox", raw, box[4], box[5], 0)
		default:
			param := render.DimensionParam(a)
			r, err = selection(a, param, p.Get(param))
			if err == nil && r.Count() == 1 {
				req.dims[param] = num(a.Values[r.Start])
				if a.IsTime() {
					req.dims[param] = dataset.FormatTime(a.Values[r.Start])
				}
			}
		}
		if err != nil {
			return nil, err
		}
		req.ranges[i] = r
	}

	n := 1
	for _, r := range req.ranges {
		n *= r.Count()
	}
	if n > cfg.MaxValues {
		return nil, failure.BadRequest("Your query produced too much data. Try to request less data. (%d values > %d)", n, cfg.MaxValues)
	}
	if req.format == FormatPNG {
		if v.ColorBar == nil {
			return nil, invalid("format", FormatPNG, "needs a coverage with colorBarMinimum and colorBarMaximum.")
		}
		for i, r := range req.ranges {
			if i != lonIdx && i != latIdx && r.Count() != 1 {
				return nil, invalid(ds.Axes[i].Name, "range", "must be a single value for PNG output.")
			}
		}
		if req.width == 0 {
			req.width = req.ranges[lonIdx].Count()
		}
		if req.height == 0 {
			req.height = req.ranges[latIdx].Count()
		}
	}
	return req, nil
}

func parseNumbers(s string) ([]float64, error) {
	parts := strings.Split(s, ",")
	out := make([]float64, len(parts))
	for i, part := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func size(p dispatch.Params, name string, limit int) (int, error) {
	raw := p.Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > limit {
		return 0, invalid(name, raw, fmt.Sprintf("must be between 1 and %d.", limit))
	}
	return n, nil
}

// span selects the values of a covering [lo, hi], strided to at most
// pixels samples when pixels > 0.
func span(a *dataset.Axis, param, raw string, lo, hi float64, pixels int) (dataset.IndexRange, error) {
	start, stop, ok := a.IndexSpan(lo, hi)
	if !ok {
		return dataset.IndexRange{}, invalid(param, raw, fmt.Sprintf("is outside the %s range [%s, %s].", a.Name, num(a.Min()), num(a.Max())))
	}
	stride := 1
	if pixels > 0 {
		stride = dataset.Stride(stop-start+1, pixels)
	}
	return dataset.IndexRange{Start: start, Stride: stride, Stop: stop}, nil
}

// selection parses a non-spatial value "v" or range "v1/v2". An empty
// value selects the last index.
func selection(a *dataset.Axis, param, raw string) (dataset.IndexRange, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return dataset.Single(a.Len() - 1), nil
	}
	parse := func(s string) (float64, error) {
		if a.IsTime() {
			return dataset.ParseTime(s)
		}
		return strconv.ParseFloat(strings.TrimSpace(s), 64)
	}
	if from, to, ok := strings.Cut(raw, "/"); ok {
		lo, err1 := parse(from)
		hi, err2 := parse(to)
		if err1 != nil || err2 != nil || lo > hi {
			return dataset.IndexRange{}, invalid(param, raw, "must be value or min/max.")
		}
		start, stop, ok := a.IndexSpan(lo, hi)
		if !ok {
			return dataset.IndexRange{}, invalid(param, raw, "is outside the "+a.Name+" range.")
		}
		return dataset.IndexRange{Start: start, Stride: 1, Stop: stop}, nil
	}
	x, err := parse(raw)
	if err != nil {
		return dataset.IndexRange{}, invalid(param, raw, "is not a valid value.")
	}
	if !a.InCoarseRange(x) {
		return dataset.IndexRange{}, invalid(param, raw, "is outside the "+a.Name+" range.")
	}
	return dataset.Single(a.ClosestIndex(x)), nil
}

// serve returns the dispatch callback writing the coverage.
func (req *coverageRequest) serve(w http.ResponseWriter) func(ctx context.Context, ds *dataset.Dataset) error {
	return func(ctx context.Context, ds *dataset.Dataset) error {
		if req.format == FormatPNG {
			return req.servePNG(ctx, w, ds)
		}
		return req.serveNetCDF(ctx, w, ds)
	}
}

func (req *coverageRequest) serveNetCDF(ctx context.Context, w http.ResponseWriter, ds *dataset.Dataset) error {
	g, err := ds.ReadGrid(ctx, req.variable.Name, req.ranges)
	if err != nil {
		return err
	}
	axes := make([]int, len(ds.Axes))
	for i := range axes {
		axes[i] = i
	}
	f := ncfile.Grid(ds, axes, req.ranges, []string{req.variable.Name}, [][]float64{g.Values})
	if err := f.Validate(); err != nil {
		return failure.Internal(fmt.Errorf("building coverage for %s: %w", ds.ID, err))
	}
	w.Header().Set("Content-Type", "application/x-netcdf")
	w.Header().Set("Content-Disposition", `attachment; filename="`+ds.ID+"_"+req.variable.Name+`.nc"`)
	w.WriteHeader(http.StatusOK)
	_, err = f.WriteTo(w)
	return err
}

func (req *coverageRequest) servePNG(ctx context.Context, w http.ResponseWriter, ds *dataset.Dataset) error {
	layer, err := render.ResolveDataLayer(ds, req.variable.Name, req.bbox, req.width, req.height, req.dims)
	if errors.Is(err, render.ErrSkipLayer) {
		return failure.NoData("Your query produced no matching results. (%s)", err)
	}
	if err != nil {
		return err
	}
	img, err := render.Render(ctx, render.Map{
		BBox:       req.bbox,
		Width:      req.width,
		Height:     req.height,
		Background: color.NRGBA{},
		Layers:     []render.Layer{layer},
	})
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, err = w.Write(img)
	return err
}
