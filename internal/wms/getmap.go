package wms

import (
	"context"
	"errors"
	"image/color"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/paulmach/orb"

	"github.com/BobSimons/erddap-sub000/internal/dataset"
	"github.com/BobSimons/erddap-sub000/internal/dispatch"
	"github.com/BobSimons/erddap-sub000/internal/failure"
	"github.com/BobSimons/erddap-sub000/internal/ogc"
	"github.com/BobSimons/erddap-sub000/internal/render"
	"github.com/BobSimons/erddap-sub000/internal/rendercache"
)

// ExceptionMode selects how GetMap reports failures.
type ExceptionMode int

const (
	// ExceptionXML answers with a ServiceExceptionReport.
	ExceptionXML ExceptionMode = iota
	// ExceptionInImage draws the message into an image of the requested size.
	ExceptionInImage
	// ExceptionBlank answers with an image of the background color.
	ExceptionBlank
)

// ParseExceptions maps the exceptions parameter to a mode. An empty value
// is ExceptionXML.
func ParseExceptions(v string) (ExceptionMode, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "xml", "application/vnd.ogc.se_xml":
		return ExceptionXML, true
	case "inimage", "application/vnd.ogc.se_inimage":
		return ExceptionInImage, true
	case "blank", "application/vnd.ogc.se_blank":
		return ExceptionBlank, true
	}
	return ExceptionXML, false
}

// CRS codes accepted for GetMap.
const (
	CRS84    = "CRS:84"
	EPSG4326 = "EPSG:4326"
)

// ImageFormat is the only GetMap output format.
const ImageFormat = "image/png"

// mapRequest is a validated GetMap request.
type mapRequest struct {
	version     string
	mode        ExceptionMode
	width       int
	height      int
	layers      []string
	bbox        orb.Bound
	background  color.NRGBA
	transparent bool
	dims        render.Dimensions
}

func (m *mapRequest) fill() color.NRGBA {
	return render.Background(m.background, m.transparent)
}

// getMap validates in order of increasing cost: version, exceptions,
// width and height, format. Until those four are known-good, failures are
// XML reports; after that they follow the requested exception mode.
func (h *Handler) getMap(w http.ResponseWriter, r *http.Request, p dispatch.Params) {
	version := p.Get("version")
	if !validVersion(version) {
		h.exception(w, r, V130, ogc.WithCode("InvalidParameterValue",
			failure.QueryError("version", version, "must be "+V110+", "+V111+" or "+V130+".")))
		return
	}
	mode, ok := ParseExceptions(p.Get("exceptions"))
	if !ok {
		h.exception(w, r, version, ogc.WithCode("InvalidParameterValue",
			failure.QueryError("exceptions", p.Get("exceptions"), "is not supported.")))
		return
	}
	width, err := h.dimension(p, "width", h.cfg.MaxWidth)
	if err != nil {
		h.exception(w, r, version, err)
		return
	}
	height, err := h.dimension(p, "height", h.cfg.MaxHeight)
	if err != nil {
		h.exception(w, r, version, err)
		return
	}
	if f := p.Get("format"); !strings.EqualFold(f, ImageFormat) {
		h.exception(w, r, version, ogc.WithCode("InvalidFormat",
			failure.QueryError("format", f, "must be "+ImageFormat+".")))
		return
	}

	req := &mapRequest{version: version, mode: mode, width: width, height: height, background: color.NRGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}}
	if err := h.parseRest(p, req); err != nil {
		h.fail(w, r, req, err)
		return
	}

	var mainID string
	for _, name := range req.layers {
		if !render.IsCartographic(name) {
			mainID, _, _ = strings.Cut(name, ":")
			break
		}
	}
	if mainID == "" {
		dir := "_wms/" + strings.Join(req.layers, "_")
		if err := h.serveMap(r.Context(), w, r, req, nil, dir, true); err != nil {
			h.fail(w, r, req, err)
		}
		return
	}

	ds, ident, err := h.disp.Resolve(r, dataset.Grid, mainID, h.canGraph)
	if err != nil {
		h.fail(w, r, req, ogc.WithCode("LayerNotDefined", err))
		return
	}
	err = h.disp.Run(w, r, ds, ident, h.canGraph, func(ctx context.Context, main *dataset.Dataset) error {
		return h.serveMap(ctx, w, r, req, main, main.CacheDir, false)
	})
	if err != nil {
		h.fail(w, r, req, err)
	}
}

func (h *Handler) dimension(p dispatch.Params, name string, max int) (int, error) {
	raw := p.Get(name)
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < 2 || n > max {
		return 0, ogc.WithCode("InvalidParameterValue",
			failure.QueryError(name, raw, "must be between 2 and "+strconv.Itoa(max)+"."))
	}
	return n, nil
}

// parseRest validates the parameters after format: layers, styles,
// crs, bbox, then bgcolor and transparent.
func (h *Handler) parseRest(p dispatch.Params, req *mapRequest) error {
	rawLayers := p.Get("layers")
	if strings.TrimSpace(rawLayers) == "" {
		return ogc.WithCode("LayerNotDefined", failure.BadRequest("Query error: no layers were specified."))
	}
	for _, l := range strings.Split(rawLayers, ",") {
		req.layers = append(req.layers, strings.TrimSpace(l))
	}
	if len(req.layers) > h.cfg.MaxLayers {
		return ogc.WithCode("InvalidParameterValue", failure.QueryError("layers", rawLayers,
			"has more than "+strconv.Itoa(h.cfg.MaxLayers)+" layers."))
	}
	if styles := p.Get("styles"); strings.TrimSpace(styles) != "" || strings.Count(styles, ",") > 0 {
		parts := strings.Split(styles, ",")
		if len(parts) != len(req.layers) {
			return ogc.WithCode("StyleNotDefined", failure.QueryError("styles", styles,
				"must have the same number of items as layers."))
		}
		for _, s := range parts {
			if strings.TrimSpace(s) != "" {
				return ogc.WithCode("StyleNotDefined", failure.QueryError("styles", styles,
					"must be empty for each layer; no named styles are supported."))
			}
		}
	}

	crsParam := "srs"
	if isV13(req.version) {
		crsParam = "crs"
	}
	crs := p.Get(crsParam)
	if crs == "" {
		// accept the other version's name too
		crs = p.Get("crs") + p.Get("srs")
	}
	code := "InvalidSRS"
	if isV13(req.version) {
		code = "InvalidCRS"
	}
	var swap bool
	switch strings.ToUpper(strings.TrimSpace(crs)) {
	case CRS84:
	case EPSG4326:
		swap = isV13(req.version)
	default:
		return ogc.WithCode(code, failure.QueryError(crsParam, crs, "must be "+EPSG4326+" or "+CRS84+"."))
	}

	bbox, err := parseBBox(p.Get("bbox"), swap)
	if err != nil {
		return err
	}
	req.bbox = bbox

	if raw := p.Get("bgcolor"); raw != "" {
		c, err := render.ParseColor(raw)
		if err != nil {
			return ogc.WithCode("InvalidParameterValue", failure.QueryError("bgcolor", raw, "must be 0xRRGGBB."))
		}
		req.background = c
	}
	switch strings.ToLower(p.Get("transparent")) {
	case "", "false":
	case "true":
		req.transparent = true
	default:
		return ogc.WithCode("InvalidParameterValue", failure.QueryError("transparent", p.Get("transparent"), "must be TRUE or FALSE."))
	}

	req.dims = render.Dimensions{}
	for k, v := range p {
		if k == "time" || k == "elevation" || strings.HasPrefix(k, "dim_") {
			req.dims[k] = v
		}
	}
	return nil
}

// parseBBox parses minx,miny,maxx,maxy. With swap (WMS 1.3.0 with
// EPSG:4326) the order is minlat,minlon,maxlat,maxlon.
func parseBBox(raw string, swap bool) (orb.Bound, error) {
	bad := func(problem string) error {
		return ogc.WithCode("InvalidParameterValue", failure.QueryError("bbox", raw, problem))
	}
	parts := strings.Split(raw, ",")
	if len(parts) != 4 {
		return orb.Bound{}, bad("must have 4 comma-separated values.")
	}
	var v [4]float64
	for i, s := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return orb.Bound{}, bad("must have 4 finite numbers.")
		}
		v[i] = f
	}
	if swap {
		v = [4]float64{v[1], v[0], v[3], v[2]}
	}
	if v[0] >= v[2] || v[1] >= v[3] {
		return orb.Bound{}, bad("must have min < max on both axes.")
	}
	return orb.Bound{Min: orb.Point{v[0], v[1]}, Max: orb.Point{v[2], v[3]}}, nil
}

// serveMap resolves the layers against the current registry (using main
// for its own layers), then answers from the render cache, rendering on a
// miss.
func (h *Handler) serveMap(ctx context.Context, w http.ResponseWriter, r *http.Request, req *mapRequest, main *dataset.Dataset, dir string, shared bool) error {
	layers, err := h.resolveLayers(r, req, main)
	if err != nil {
		return err
	}
	key := rendercache.Key{Dir: dir, Name: rendercache.EntryName("wms_", ".png", r.URL.Query())}
	png, err := h.renderer.Cached(ctx, key, shared, func(ctx context.Context) ([]byte, error) {
		return render.Render(ctx, render.Map{
			BBox:       req.bbox,
			Width:      req.width,
			Height:     req.height,
			Background: req.fill(),
			Layers:     layers,
		})
	})
	if err != nil {
		return err
	}
	return writePNG(w, png)
}

func (h *Handler) resolveLayers(r *http.Request, req *mapRequest, main *dataset.Dataset) ([]render.Layer, error) {
	ident := h.disp.Policy.Identify(r)
	layers := make([]render.Layer, 0, len(req.layers))
	for _, name := range req.layers {
		if render.IsCartographic(name) {
			l, err := render.NewCartoLayer(name, h.basemap)
			if err != nil {
				return nil, err
			}
			layers = append(layers, l)
			continue
		}
		id, variable, ok := strings.Cut(name, ":")
		if !ok || id == "" || variable == "" {
			return nil, ogc.WithCode("LayerNotDefined", failure.QueryError("layers", name, "is not a valid layer name."))
		}
		ds := main
		if main == nil || id != main.ID {
			var found bool
			ds, found = h.disp.Registry.Lookup(dataset.Grid, id)
			if !found {
				return nil, ogc.WithCode("LayerNotDefined", failure.QueryError("layers", name, "refers to an unknown datasetID."))
			}
			if !h.canGraph(ds, ident) {
				return nil, failure.NotAccessible(id)
			}
		}
		l, err := render.ResolveDataLayer(ds, variable, req.bbox, req.width, req.height, req.dims)
		if errors.Is(err, render.ErrSkipLayer) {
			h.log.Debug().Err(err).Str("layer", name).Msg("layer skipped")
			continue
		}
		if err != nil {
			return nil, ogc.WithCode(layerErrorCode(err), err)
		}
		layers = append(layers, l)
	}
	if len(layers) == 0 {
		return nil, failure.NoData("Your query produced no matching results. (no layer has data for the request)")
	}
	return layers, nil
}

func layerErrorCode(err error) string {
	msg := failure.Message(err)
	for _, prefix := range []string{"Query error: time=", "Query error: elevation=", "Query error: dim_"} {
		if strings.HasPrefix(msg, prefix) {
			return "InvalidDimensionValue"
		}
	}
	return "LayerNotDefined"
}

func writePNG(w http.ResponseWriter, b []byte) error {
	w.Header().Set("Content-Type", ImageFormat)
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	_, err := w.Write(b)
	return err
}

// fail reports a failure after width, height and format were validated.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, req *mapRequest, err error) {
	if h.disp.LoginRedirect(w, r, err) {
		return
	}
	if req.mode == ExceptionXML || dispatch.Started(w) {
		h.exception(w, r, req.version, err)
		return
	}
	msg := dispatch.Describe(h.log, err)
	var (
		b    []byte
		rerr error
	)
	if req.mode == ExceptionBlank || failure.Is(err, failure.KindNoData) {
		b, rerr = render.Blank(req.width, req.height, req.fill())
	} else {
		b, rerr = render.Message(req.width, req.height, req.fill(), msg)
	}
	if rerr != nil {
		h.exception(w, r, req.version, failure.Internal(rerr))
		return
	}
	if err := writePNG(w, b); err != nil {
		h.log.Debug().Err(err).Msg("writing error image failed")
	}
}
