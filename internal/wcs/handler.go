// Package wcs implements OGC Web Coverage Service 1.0.0 for grid datasets
// with longitude and latitude axes: GetCapabilities, DescribeCoverage and
// GetCoverage as NetCDF-3 or PNG.
package wcs

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/BobSimons/erddap-sub000/internal/dataset"
	"github.com/BobSimons/erddap-sub000/internal/dispatch"
	"github.com/BobSimons/erddap-sub000/internal/failure"
	"github.com/BobSimons/erddap-sub000/internal/logging"
	"github.com/BobSimons/erddap-sub000/internal/ogc"
)

// Version is the only supported WCS version.
const Version = "1.0.0"

// Output formats for GetCoverage.
const (
	FormatNetCDF3 = "NetCDF3"
	FormatPNG     = "PNG"
)

// Config limits GetCoverage requests.
type Config struct {
	BasePath string
	// MaxValues caps the number of values one coverage may hold.
	MaxValues int
	// MaxImageSize caps PNG width and height.
	MaxImageSize int
}

// Handler serves {base}/wcs/{datasetID}/request.
type Handler struct {
	cfg  Config
	disp *dispatch.Dispatcher
	log  zerolog.Logger
}

// New returns a WCS handler.
func New(cfg Config, disp *dispatch.Dispatcher) *Handler {
	if cfg.MaxValues <= 0 {
		cfg.MaxValues = 20_000_000
	}
	if cfg.MaxImageSize <= 0 {
		cfg.MaxImageSize = 4096
	}
	return &Handler{cfg: cfg, disp: disp, log: logging.With("wcs")}
}

// Serve handles {base}/wcs/{rest}, where rest is "{datasetID}/request".
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request, rest string) {
	datasetID, ok := strings.CutSuffix(strings.Trim(rest, "/"), "/request")
	if !ok || datasetID == "" || strings.Contains(datasetID, "/") {
		h.exception(w, r, failure.NotFound("Resource not found: %s", r.URL.Path))
		return
	}
	ds, ident, err := h.disp.Resolve(r, dataset.Grid, datasetID, h.disp.Policy.CanRead)
	if err == nil && !ds.Capabilities.Enabled(dataset.ProtocolWCS) {
		err = failure.NotFound("Resource not found: %s (%s)", r.URL.Path, ds.Capabilities.Reason(dataset.ProtocolWCS))
	}
	if err != nil {
		h.exception(w, r, err)
		return
	}

	p := dispatch.ParamsOf(r)
	if s := p.Get("service"); !strings.EqualFold(s, "WCS") {
		h.exception(w, r, ogc.WithCode("InvalidParameterValue", failure.QueryError("service", s, "must be WCS.")))
		return
	}
	request := p.Get("request")
	// GetCapabilities may omit the version.
	if v := p.Get("version"); v != Version && !(v == "" && strings.EqualFold(request, "GetCapabilities")) {
		h.exception(w, r, ogc.WithCode("InvalidParameterValue", failure.QueryError("version", v, "must be "+Version+".")))
		return
	}

	switch strings.ToLower(request) {
	case "getcapabilities":
		err = h.capabilities(w, r, ds)
	case "describecoverage":
		err = h.describeCoverage(w, ds, p)
	case "getcoverage":
		var req *coverageRequest
		if req, err = parseCoverage(ds, p, h.cfg); err == nil {
			err = h.disp.Run(w, r, ds, ident, h.disp.Policy.CanRead, req.serve(w))
		}
	case "":
		err = ogc.WithCode("MissingParameterValue", failure.BadRequest("Query error: request parameter is missing."))
	default:
		err = ogc.WithCode("OperationNotSupported", failure.Unsupported("Query error: request=%s is not supported.", request))
	}
	if err != nil {
		h.exception(w, r, err)
	}
}

// exception writes a WCS 1.0.0 ServiceExceptionReport, or the login
// redirect for access errors.
func (h *Handler) exception(w http.ResponseWriter, r *http.Request, err error) {
	if h.disp.LoginRedirect(w, r, err) {
		return
	}
	if dispatch.Started(w) {
		h.log.Warn().Err(err).Msg("error after the response started")
		return
	}
	msg := dispatch.Describe(h.log, err)
	code := ogc.CodeOf(err)
	if code == "" && failure.Is(err, failure.KindBadRequest) {
		code = "InvalidParameterValue"
	}
	rep := ogc.Report{
		Version:        "1.2.0",
		Namespace:      "http://www.opengis.net/ogc",
		SchemaLocation: "http://www.opengis.net/ogc http://schemas.opengis.net/wcs/1.0.0/OGC-exception.xsd",
		Code:           code,
		Message:        msg,
	}
	if err := rep.Write(w, "application/vnd.ogc.se_xml", failure.KindOf(err).HTTPStatus()); err != nil {
		h.log.Debug().Err(err).Msg("writing exception report failed")
	}
}

// endpoint returns the absolute URL of the dataset's WCS endpoint.
func (h *Handler) endpoint(r *http.Request, datasetID string) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
		scheme = fwd
	}
	return scheme + "://" + r.Host + h.cfg.BasePath + "/wcs/" + datasetID + "/request?"
}
