// Package wms implements the OGC Web Map Service: GetCapabilities for
// versions 1.1.0, 1.1.1 and 1.3.0, and GetMap rendered by package render.
package wms

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/BobSimons/erddap-sub000/internal/access"
	"github.com/BobSimons/erddap-sub000/internal/dataset"
	"github.com/BobSimons/erddap-sub000/internal/dispatch"
	"github.com/BobSimons/erddap-sub000/internal/failure"
	"github.com/BobSimons/erddap-sub000/internal/logging"
	"github.com/BobSimons/erddap-sub000/internal/ogc"
	"github.com/BobSimons/erddap-sub000/internal/render"
)

// Supported versions.
const (
	V110 = "1.1.0"
	V111 = "1.1.1"
	V130 = "1.3.0"
)

// Config limits GetMap requests.
type Config struct {
	// BasePath is the gateway's URL prefix, used for OnlineResource links.
	BasePath  string
	MaxWidth  int
	MaxHeight int
	MaxLayers int
}

// Handler is the WmsProtocolHandler.
type Handler struct {
	cfg      Config
	disp     *dispatch.Dispatcher
	renderer *render.Renderer
	basemap  *render.Basemap
	log      zerolog.Logger
}

// New returns a WMS handler.
func New(cfg Config, disp *dispatch.Dispatcher, renderer *render.Renderer) (*Handler, error) {
	base, err := render.DefaultBasemap()
	if err != nil {
		return nil, err
	}
	if cfg.MaxWidth <= 0 {
		cfg.MaxWidth = 2048
	}
	if cfg.MaxHeight <= 0 {
		cfg.MaxHeight = 2048
	}
	if cfg.MaxLayers <= 0 {
		cfg.MaxLayers = 16
	}
	return &Handler{
		cfg:      cfg,
		disp:     disp,
		renderer: renderer,
		basemap:  base,
		log:      logging.With("wms"),
	}, nil
}

// Serve handles {base}/wms/{rest}, where rest is "request" or
// "{datasetID}/request".
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request, rest string) {
	rest = strings.Trim(rest, "/")
	datasetID, ok := strings.CutSuffix(rest, "request")
	datasetID = strings.TrimSuffix(datasetID, "/")
	if !ok || strings.Contains(datasetID, "/") || (datasetID != "" && !strings.HasSuffix(rest, "/request")) {
		h.exception(w, r, V130, failure.NotFound("Resource not found: %s", r.URL.Path))
		return
	}

	p := dispatch.ParamsOf(r)
	if datasetID != "" {
		ds, ok := h.disp.Registry.Lookup(dataset.Grid, datasetID)
		if !ok || !ds.Capabilities.Enabled(dataset.ProtocolWMS) {
			h.exception(w, r, V130, failure.NotFound("Resource not found: %s", r.URL.Path))
			return
		}
	}
	if s := p.Get("service"); s != "" && !strings.EqualFold(s, "WMS") {
		h.exception(w, r, versionOrDefault(p.Get("version")),
			ogc.WithCode("InvalidParameterValue", failure.QueryError("service", s, "must be WMS.")))
		return
	}

	switch strings.ToLower(p.Get("request")) {
	case "getcapabilities":
		h.capabilities(w, r, p, datasetID)
	case "getmap":
		h.getMap(w, r, p)
	case "":
		h.exception(w, r, versionOrDefault(p.Get("version")),
			ogc.WithCode("MissingParameterValue", failure.BadRequest("Query error: request parameter is missing.")))
	default:
		h.exception(w, r, versionOrDefault(p.Get("version")),
			ogc.WithCode("OperationNotSupported", failure.Unsupported("Query error: request=%s is not supported.", p.Get("request"))))
	}
}

func validVersion(v string) bool {
	return v == V110 || v == V111 || v == V130
}

func versionOrDefault(v string) string {
	if validVersion(v) {
		return v
	}
	return V130
}

func isV13(version string) bool { return version == V130 }

// exception writes a ServiceExceptionReport for version, or the login
// redirect for access errors.
func (h *Handler) exception(w http.ResponseWriter, r *http.Request, version string, err error) {
	if h.disp.LoginRedirect(w, r, err) {
		return
	}
	if dispatch.Started(w) {
		h.log.Warn().Err(err).Msg("error after the response started")
		return
	}
	msg := dispatch.Describe(h.log, err)
	status := failure.KindOf(err).HTTPStatus()
	rep := ogc.Report{Version: version, Code: ogc.CodeOf(err), Message: msg}
	contentType := "application/vnd.ogc.se_xml"
	if isV13(version) {
		rep.Namespace = "http://www.opengis.net/ogc"
		rep.SchemaLocation = "http://www.opengis.net/ogc http://schemas.opengis.net/wms/1.3.0/exceptions_1_3_0.xsd"
		contentType = "text/xml"
	} else {
		rep.Version = V111
		rep.DocType = "http://schemas.opengis.net/wms/1.1.1/exception_1_1_1.dtd"
	}
	if err := rep.Write(w, contentType, status); err != nil {
		h.log.Debug().Err(err).Msg("writing exception report failed")
	}
}

// canGraph is the permission for map images.
func (h *Handler) canGraph(ds *dataset.Dataset, id access.Identity) bool {
	return h.disp.Policy.CanGraph(ds, id)
}

// onlineResource returns the absolute URL of the endpoint serving r.
func (h *Handler) onlineResource(r *http.Request, datasetID string) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
		scheme = fwd
	}
	u := scheme + "://" + r.Host + h.cfg.BasePath + "/wms/"
	if datasetID != "" {
		u += datasetID + "/"
	}
	return u + "request?"
}
