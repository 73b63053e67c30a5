// Package sos implements OGC Sensor Observation Service 1.0.0 for
// TimeSeries table datasets: GetCapabilities, DescribeSensor and
// GetObservation as CSV or O&M XML.
//
// Each dataset is a network offering; each station in it (the values of
// the cf_role=timeseries_id variable) is a station offering.
package sos

import (
	"bytes"
	"context"
	"encoding/xml"
	"net/http"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/BobSimons/erddap-sub000/internal/dataset"
	"github.com/BobSimons/erddap-sub000/internal/dispatch"
	"github.com/BobSimons/erddap-sub000/internal/failure"
	"github.com/BobSimons/erddap-sub000/internal/logging"
)

// Version is the only supported SOS version.
const Version = "1.0.0"

// Response formats for GetObservation.
const (
	FormatCSV = "text/csv"
	FormatOM  = `text/xml;subtype="om/1.0.0"`
	// SensorML is the DescribeSensor output format.
	SensorML = `text/xml;subtype="sensorML/1.0.1"`
)

// Config configures the handler.
type Config struct {
	BasePath string
	// Authority is the naming authority in offering URNs,
	// urn:ioos:station:{Authority}:{station}.
	Authority string
}

// Handler serves {base}/sos/{datasetID}/server.
type Handler struct {
	cfg  Config
	disp *dispatch.Dispatcher
	log  zerolog.Logger
}

// New returns an SOS handler.
func New(cfg Config, disp *dispatch.Dispatcher) *Handler {
	if cfg.Authority == "" {
		cfg.Authority = "gateway"
	}
	return &Handler{cfg: cfg, disp: disp, log: logging.With("sos")}
}

// Serve handles {base}/sos/{rest}, where rest is "{datasetID}/server".
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request, rest string) {
	datasetID, ok := strings.CutSuffix(strings.Trim(rest, "/"), "/server")
	if !ok || datasetID == "" || strings.Contains(datasetID, "/") {
		h.exception(w, r, failure.NotFound("Resource not found: %s", r.URL.Path))
		return
	}
	ds, ident, err := h.disp.Resolve(r, dataset.Table, datasetID, h.disp.Policy.CanRead)
	if err == nil && !ds.Capabilities.Enabled(dataset.ProtocolSOS) {
		err = failure.NotFound("Resource not found: %s (%s)", r.URL.Path, ds.Capabilities.Reason(dataset.ProtocolSOS))
	}
	if err != nil {
		h.exception(w, r, err)
		return
	}

	p := dispatch.ParamsOf(r)
	if s := p.Get("service"); s != "SOS" {
		h.exception(w, r, failure.QueryError("service", s, "must be SOS."))
		return
	}
	request := p.Get("request")
	if request != "GetCapabilities" {
		if v := p.Get("version"); v != Version {
			h.exception(w, r, failure.QueryError("version", v, "must be "+Version+"."))
			return
		}
	} else if v := p.Get("acceptversions"); v != "" && !strings.Contains(v, Version) {
		h.exception(w, r, failure.QueryError("AcceptVersions", v, "must include "+Version+"."))
		return
	}

	var prepare func(*dataset.Dataset) (operation, error)
	switch request {
	case "GetCapabilities":
		prepare = func(*dataset.Dataset) (operation, error) { return h.capabilities(r), nil }
	case "DescribeSensor":
		prepare = func(ds *dataset.Dataset) (operation, error) { return h.describeSensor(ds, p) }
	case "GetObservation":
		prepare = func(ds *dataset.Dataset) (operation, error) { return h.getObservation(ds, p) }
	case "":
		h.exception(w, r, failure.QueryError("request", "", "is missing."))
		return
	default:
		h.exception(w, r, failure.Unsupported("Query error: request=%s is not supported.", request))
		return
	}

	// parameters are checked before any data is read
	if _, err := prepare(ds); err != nil {
		h.exception(w, r, err)
		return
	}
	err = h.disp.Run(w, r, ds, ident, h.disp.Policy.CanRead, func(ctx context.Context, ds *dataset.Dataset) error {
		op, err := prepare(ds)
		if err != nil {
			return err
		}
		n, err := readNetwork(ctx, ds)
		if err != nil {
			return err
		}
		return op(w, ds, n)
	})
	if err != nil {
		h.exception(w, r, err)
	}
}

// operation writes the response for one request against the dataset's
// station network.
type operation func(w http.ResponseWriter, ds *dataset.Dataset, n *network) error

var queryErrorName = regexp.MustCompile(`^Query error: ([^=\s]+)=`)

// exceptionCode infers the OWS exception code and locator. A message in
// the "Query error: name=value ..." convention is always an
// InvalidParameterValue, whatever the error kind.
func exceptionCode(kind failure.Kind, msg string) (code, locator string) {
	m := queryErrorName.FindStringSubmatch(msg)
	if m != nil {
		locator = m[1]
	}
	switch {
	case m != nil:
		return "InvalidParameterValue", locator
	case kind == failure.KindUnsupported:
		return "OperationNotSupported", ""
	}
	return "NoApplicableCode", ""
}

type exceptionReport struct {
	XMLName        xml.Name `xml:"ExceptionReport"`
	Xmlns          string   `xml:"xmlns,attr"`
	XmlnsXsi       string   `xml:"xmlns:xsi,attr"`
	SchemaLocation string   `xml:"xsi:schemaLocation,attr"`
	Version        string   `xml:"version,attr"`
	Language       string   `xml:"language,attr"`
	Exception      struct {
		Code    string `xml:"exceptionCode,attr"`
		Locator string `xml:"locator,attr,omitempty"`
		Text    string `xml:"ExceptionText"`
	} `xml:"Exception"`
}

// exception writes an OWS 1.1 ExceptionReport, or the login redirect for
// access errors.
func (h *Handler) exception(w http.ResponseWriter, r *http.Request, err error) {
	if h.disp.LoginRedirect(w, r, err) {
		return
	}
	if dispatch.Started(w) {
		h.log.Warn().Err(err).Msg("error after the response started")
		return
	}
	msg := dispatch.Describe(h.log, err)
	rep := exceptionReport{
		Xmlns:          "http://www.opengis.net/ows/1.1",
		XmlnsXsi:       "http://www.w3.org/2001/XMLSchema-instance",
		SchemaLocation: "http://www.opengis.net/ows/1.1 http://schemas.opengis.net/ows/1.1.0/owsExceptionReport.xsd",
		Version:        "1.1.0",
		Language:       "en",
	}
	rep.Exception.Code, rep.Exception.Locator = exceptionCode(failure.KindOf(err), msg)
	rep.Exception.Text = msg

	var b bytes.Buffer
	b.WriteString(xml.Header)
	enc := xml.NewEncoder(&b)
	enc.Indent("", "  ")
	if err := enc.Encode(rep); err != nil {
		h.log.Error().Err(err).Msg("encoding exception report failed")
		return
	}
	b.WriteByte('\n')
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(failure.KindOf(err).HTTPStatus())
	if _, err := w.Write(b.Bytes()); err != nil {
		h.log.Debug().Err(err).Msg("writing exception report failed")
	}
}

// endpoint returns the absolute URL of the dataset's SOS endpoint.
func (h *Handler) endpoint(r *http.Request, datasetID string) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
		scheme = fwd
	}
	return scheme + "://" + r.Host + h.cfg.BasePath + "/sos/" + datasetID + "/server"
}

func (h *Handler) networkURN(datasetID string) string {
	return "urn:ioos:network:" + h.cfg.Authority + ":" + datasetID
}

func (h *Handler) stationURN(station string) string {
	return "urn:ioos:station:" + h.cfg.Authority + ":" + station
}

// offering resolves an offering or procedure value: the network URN or
// the bare dataset id select every station (nil); a station URN or bare
// station id select that station.
func (h *Handler) offering(ds *dataset.Dataset, param, value string) (stations []string, err error) {
	switch {
	case value == "":
		return nil, failure.QueryError(param, "", "is missing.")
	case value == ds.ID || value == h.networkURN(ds.ID):
		return nil, nil
	}
	if id, ok := strings.CutPrefix(value, "urn:ioos:station:"+h.cfg.Authority+":"); ok {
		value = id
	} else if strings.HasPrefix(value, "urn:") {
		return nil, failure.QueryError(param, value, "is not a valid offering URN for this dataset.")
	}
	return []string{value}, nil
}
