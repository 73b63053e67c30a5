// Package dap serves the griddap and tabledap protocols: OPeNDAP-style
// metadata (.das, .dds, .ver), help, and data as .csv, .tsv, .json and,
// for grids, NetCDF-3 .nc.
package dap

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/BobSimons/erddap-sub000/internal/dataset"
	"github.com/BobSimons/erddap-sub000/internal/dispatch"
	"github.com/BobSimons/erddap-sub000/internal/failure"
	"github.com/BobSimons/erddap-sub000/internal/logging"
	"github.com/BobSimons/erddap-sub000/internal/ncfile"
)

const textPlain = "text/plain; charset=UTF-8"

// fileType is one response format.
type fileType struct {
	ext         string
	contentType string
	description string
	gridOnly    bool
	serve       func(h *Handler, ctx context.Context, w http.ResponseWriter, ds *dataset.Dataset, query string) error
}

// fileTypes is filled in init because serveHelp lists it.
var fileTypes []fileType

func init() {
	fileTypes = []fileType{
		{ext: ".das", contentType: textPlain, description: "OPeNDAP Dataset Attribute Structure", serve: (*Handler).serveDAS},
		{ext: ".dds", contentType: textPlain, description: "OPeNDAP Dataset Descriptor Structure", serve: (*Handler).serveDDS},
		{ext: ".ver", contentType: textPlain, description: "OPeNDAP version", serve: (*Handler).serveVersion},
		{ext: ".help", contentType: textPlain, description: "this help", serve: (*Handler).serveHelp},
		{ext: ".csv", contentType: "text/csv; charset=UTF-8", description: "comma-separated values with a units row", serve: (*Handler).serveCSV},
		{ext: ".tsv", contentType: "text/tab-separated-values; charset=UTF-8", description: "tab-separated values with a units row", serve: (*Handler).serveTSV},
		{ext: ".json", contentType: "application/json; charset=UTF-8", description: "JSON table", serve: (*Handler).serveJSON},
		{ext: ".nc", contentType: "application/x-netcdf", description: "NetCDF-3 classic file", gridOnly: true, serve: (*Handler).serveNetCDF},
	}
}

func fileTypesFor(kind dataset.Kind) []fileType {
	var out []fileType
	for _, ft := range fileTypes {
		if !ft.gridOnly || kind == dataset.Grid {
			out = append(out, ft)
		}
	}
	return out
}

func lookupFileType(kind dataset.Kind, ext string) (fileType, bool) {
	for _, ft := range fileTypesFor(kind) {
		if ft.ext == ext {
			return ft, true
		}
	}
	return fileType{}, false
}

// Handler serves one of griddap and tabledap.
type Handler struct {
	kind     dataset.Kind
	disp     *dispatch.Dispatcher
	basePath string
	log      zerolog.Logger
}

// New returns the handler for kind's protocol. basePath is used in help
// text.
func New(kind dataset.Kind, disp *dispatch.Dispatcher, basePath string) *Handler {
	return &Handler{
		kind:     kind,
		disp:     disp,
		basePath: basePath,
		log:      logging.With(kind.Protocol()),
	}
}

// Serve handles {base}/{griddap|tabledap}/{rest}, where rest is
// "{datasetID}.{fileType}".
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request, rest string) {
	id, ext := splitFileType(strings.Trim(rest, "/"))
	if id == "" || strings.Contains(id, "/") {
		h.fail(w, r, failure.NotFound("Resource not found: %s", r.URL.Path))
		return
	}
	ds, ident, err := h.disp.Resolve(r, h.kind, id, h.disp.Policy.CanRead)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if ext == "" {
		ext = ".help"
	}
	ft, ok := lookupFileType(h.kind, ext)
	if !ok {
		h.fail(w, r, failure.QueryError("fileType", ext, "is not supported by "+h.kind.Protocol()+"."))
		return
	}
	query, err := url.QueryUnescape(r.URL.RawQuery)
	if err != nil {
		h.fail(w, r, failure.BadRequest("Query error: the query is not properly percent-encoded."))
		return
	}

	err = h.disp.Run(w, r, ds, ident, h.disp.Policy.CanRead, func(ctx context.Context, ds *dataset.Dataset) error {
		return ft.serve(h, ctx, w, ds, query)
	})
	if err != nil {
		h.fail(w, r, err)
	}
}

// splitFileType splits "id.ext" at the last dot. The dot stays on ext.
func splitFileType(s string) (id, ext string) {
	i := strings.LastIndexByte(s, '.')
	if i < 0 {
		return s, ""
	}
	return s[:i], s[i:]
}

func start(w http.ResponseWriter, contentType string) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) serveDAS(_ context.Context, w http.ResponseWriter, ds *dataset.Dataset, _ string) error {
	start(w, textPlain)
	_, err := io.WriteString(w, das(ds))
	return err
}

func (h *Handler) serveDDS(_ context.Context, w http.ResponseWriter, ds *dataset.Dataset, query string) error {
	var doc string
	if ds.Kind == dataset.Grid {
		req, err := parseGridQuery(ds, query)
		if err != nil {
			return err
		}
		doc = gridDDS(ds, req)
	} else {
		req, err := parseTableQuery(ds, query)
		if err != nil {
			return err
		}
		doc = tableDDS(ds, req)
	}
	start(w, textPlain)
	_, err := io.WriteString(w, doc)
	return err
}

func (h *Handler) serveVersion(_ context.Context, w http.ResponseWriter, _ *dataset.Dataset, _ string) error {
	start(w, textPlain)
	_, err := io.WriteString(w, Version)
	return err
}

func (h *Handler) serveHelp(_ context.Context, w http.ResponseWriter, ds *dataset.Dataset, _ string) error {
	start(w, textPlain)
	return help(w, ds, h.basePath)
}

// result runs the query and returns the tabular result. Nothing is
// written, so a Retryable error from the reader can still be retried.
func (h *Handler) result(ctx context.Context, ds *dataset.Dataset, query string) (*table, error) {
	if ds.Kind == dataset.Grid {
		req, err := parseGridQuery(ds, query)
		if err != nil {
			return nil, err
		}
		data, err := readGrid(ctx, ds, req)
		if err != nil {
			return nil, err
		}
		return data.table(ds), nil
	}
	req, err := parseTableQuery(ds, query)
	if err != nil {
		return nil, err
	}
	return queryTable(ctx, ds, req)
}

func (h *Handler) serveCSV(ctx context.Context, w http.ResponseWriter, ds *dataset.Dataset, query string) error {
	return h.serveTable(ctx, w, ds, query, "text/csv; charset=UTF-8", (*table).writeCSV)
}

func (h *Handler) serveTSV(ctx context.Context, w http.ResponseWriter, ds *dataset.Dataset, query string) error {
	return h.serveTable(ctx, w, ds, query, "text/tab-separated-values; charset=UTF-8", (*table).writeTSV)
}

func (h *Handler) serveJSON(ctx context.Context, w http.ResponseWriter, ds *dataset.Dataset, query string) error {
	return h.serveTable(ctx, w, ds, query, "application/json; charset=UTF-8", (*table).writeJSON)
}

func (h *Handler) serveTable(ctx context.Context, w http.ResponseWriter, ds *dataset.Dataset, query, contentType string, write func(*table, io.Writer) error) error {
	t, err := h.result(ctx, ds, query)
	if err != nil {
		return err
	}
	start(w, contentType)
	return write(t, w)
}

func (h *Handler) serveNetCDF(ctx context.Context, w http.ResponseWriter, ds *dataset.Dataset, query string) error {
	req, err := parseGridQuery(ds, query)
	if err != nil {
		return err
	}
	data, err := readGrid(ctx, ds, req)
	if err != nil {
		return err
	}
	axes := req.axes
	if len(req.vars) > 0 {
		axes = make([]int, len(ds.Axes))
		for i := range axes {
			axes[i] = i
		}
	}
	values := make([][]float64, len(data.grids))
	for i, g := range data.grids {
		values[i] = g.Values
	}
	f := ncfile.Grid(ds, axes, req.ranges, req.vars, values)
	if err := f.Validate(); err != nil {
		return failure.Internal(fmt.Errorf("building .nc for %s: %w", ds.ID, err))
	}
	w.Header().Set("Content-Disposition", `attachment; filename="`+ds.ID+`.nc"`)
	start(w, "application/x-netcdf")
	_, err = f.WriteTo(w)
	return err
}

// fail writes the DAP error envelope, or the login redirect for access
// errors.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if h.disp.LoginRedirect(w, r, err) {
		return
	}
	if dispatch.Started(w) {
		h.log.Warn().Err(err).Msg("error after the response started")
		return
	}
	msg := dispatch.Describe(h.log, err)
	status := failure.KindOf(err).HTTPStatus()
	w.Header().Set("Content-Type", textPlain)
	w.WriteHeader(status)
	if _, werr := io.WriteString(w, ErrorEnvelope(status, msg)); werr != nil {
		h.log.Debug().Err(werr).Msg("writing error failed")
	}
}

// ErrorEnvelope formats the DAP2 error response.
func ErrorEnvelope(code int, message string) string {
	return fmt.Sprintf("Error {\n    code=%d;\n    message=%q;\n}\n", code, message)
}
