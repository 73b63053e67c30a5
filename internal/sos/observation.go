package sos

import (
	"encoding/csv"
	"encoding/xml"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/BobSimons/erddap-sub000/internal/dataset"
	"github.com/BobSimons/erddap-sub000/internal/dispatch"
	"github.com/BobSimons/erddap-sub000/internal/failure"
	"github.com/BobSimons/erddap-sub000/internal/ogc"
)

// observationRequest is a validated GetObservation request.
type observationRequest struct {
	offering   string
	stations   []string // nil for the whole network
	properties []*dataset.Variable
	format     string
	// latest selects each station's last observation when eventTime is
	// omitted.
	latest     bool
	begin, end float64
	bbox       []float64 // minLon, minLat, maxLon, maxLat, or nil
}

// getObservation validates parameters and returns the writer.
func (h *Handler) getObservation(ds *dataset.Dataset, p dispatch.Params) (operation, error) {
	req := &observationRequest{offering: p.Get("offering")}
	var err error
	if req.stations, err = h.offering(ds, "offering", req.offering); err != nil {
		return nil, err
	}
	if req.properties, err = h.properties(ds, p.Get("observedproperty")); err != nil {
		return nil, err
	}

	switch f := strings.ReplaceAll(p.Get("responseformat"), " ", ""); f {
	case FormatCSV, FormatOM:
		req.format = f
	default:
		return nil, failure.QueryError("responseFormat", p.Get("responseformat"), "must be "+FormatCSV+" or "+FormatOM+".")
	}

	if err := req.parseEventTime(p.Get("eventtime")); err != nil {
		return nil, err
	}
	if foi := p.Get("featureofinterest"); foi != "" {
		raw, ok := strings.CutPrefix(foi, "BBOX:")
		box, err := parseNumbers(raw)
		if !ok || err != nil || len(box) != 4 || box[0] > box[2] || box[1] > box[3] {
			return nil, failure.QueryError("featureOfInterest", foi, "must be BBOX:minLon,minLat,maxLon,maxLat.")
		}
		req.bbox = box
	}

	return func(w http.ResponseWriter, ds *dataset.Dataset, n *network) error {
		rows, err := req.rows(n)
		if err != nil {
			return err
		}
		if req.format == FormatCSV {
			return h.writeCSV(w, n, req, rows)
		}
		return h.writeOM(w, ds, n, req, rows)
	}, nil
}

// properties resolves a comma-separated observedProperty list. Each item
// may be a variable name, its property URN, or a URN ending in ":name".
func (h *Handler) properties(ds *dataset.Dataset, raw string) ([]*dataset.Variable, error) {
	if raw == "" {
		return nil, failure.QueryError("observedProperty", "", "is missing.")
	}
	offered := observed(ds)
	var out []*dataset.Variable
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		var found *dataset.Variable
		for _, v := range offered {
			if item == v.Name || item == h.propertyURN(v) || strings.HasSuffix(item, ":"+v.Name) || strings.HasSuffix(item, "/"+v.Attributes.String("standard_name")) {
				found = v
				break
			}
		}
		if found == nil {
			return nil, failure.QueryError("observedProperty", item, "is not an observedProperty of this offering.")
		}
		out = append(out, found)
	}
	return out, nil
}

// parseEventTime accepts "", "time" or "begin/end".
func (req *observationRequest) parseEventTime(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		req.latest = true
		return nil
	}
	bad := failure.QueryError("eventTime", raw, "must be an ISO 8601 time or begin/end.")
	from, to, isRange := strings.Cut(raw, "/")
	begin, err := dataset.ParseTime(from)
	if err != nil {
		return bad
	}
	end := begin
	if isRange {
		if end, err = dataset.ParseTime(to); err != nil || end < begin {
			return bad
		}
	}
	req.begin, req.end = begin, end
	return nil
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

// rows returns the selected table rows, grouped by station.
func (req *observationRequest) rows(n *network) ([]int, error) {
	stations, err := n.pick("offering", req.stations)
	if err != nil {
		return nil, err
	}
	var out []int
	for _, s := range stations {
		if req.bbox != nil && (s.lon < req.bbox[0] || s.lon > req.bbox[2] || s.lat < req.bbox[1] || s.lat > req.bbox[3]) {
			continue
		}
		for _, r := range s.rows {
			t := n.tm.Floats[r]
			switch {
			case math.IsNaN(t):
			case req.latest && t == s.maxTime:
				out = append(out, r)
			case !req.latest && t >= req.begin && t <= req.end:
				out = append(out, r)
			}
		}
	}
	if len(out) == 0 {
		return nil, failure.NoData("Your query produced no matching results. (nRows = 0)")
	}
	return out, nil
}

func (req *observationRequest) value(n *network, v *dataset.Variable, r int) string {
	c := n.data.Column(v.Name)
	if c == nil || r >= c.Len() {
		return ""
	}
	if !c.IsString && v.IsMissing(c.Floats[r]) {
		return ""
	}
	return c.Text(r, v.IsTime())
}

func withUnits(name, units string) string {
	if units == "" {
		return name
	}
	return name + " (" + units + ")"
}

func (h *Handler) writeCSV(w http.ResponseWriter, n *network, req *observationRequest, rows []int) error {
	header := []string{"station_id", "longitude (degrees_east)", "latitude (degrees_north)", "date_time"}
	for _, v := range req.properties {
		header = append(header, withUnits(v.Name, v.Units))
	}
	w.Header().Set("Content-Type", FormatCSV+"; charset=UTF-8")
	w.WriteHeader(http.StatusOK)
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}
	record := make([]string, len(header))
	for _, r := range rows {
		record[0] = h.stationURN(n.stationColumn.Text(r, false))
		record[1] = num(n.lon.Floats[r])
		record[2] = num(n.lat.Floats[r])
		record[3] = dataset.FormatTime(n.tm.Floats[r])
		for i, v := range req.properties {
			record[4+i] = req.value(n, v, r)
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

type observationCollection struct {
	XMLName     xml.Name    `xml:"om:ObservationCollection"`
	ID          string      `xml:"gml:id,attr"`
	XmlnsOM     string      `xml:"xmlns:om,attr"`
	XmlnsGML    string      `xml:"xmlns:gml,attr"`
	XmlnsSWE    string      `xml:"xmlns:swe,attr"`
	XmlnsXlink  string      `xml:"xmlns:xlink,attr"`
	Description string      `xml:"gml:description"`
	LowerCorner string      `xml:"gml:boundedBy>gml:Envelope>gml:lowerCorner"`
	UpperCorner string      `xml:"gml:boundedBy>gml:Envelope>gml:upperCorner"`
	Observation observation `xml:"om:member>om:Observation"`
}

type observation struct {
	Begin             string    `xml:"om:samplingTime>gml:TimePeriod>gml:beginPosition"`
	End               string    `xml:"om:samplingTime>gml:TimePeriod>gml:endPosition"`
	Procedure         href      `xml:"om:procedure"`
	Phenomenon        composite `xml:"om:observedProperty>swe:CompositePhenomenon"`
	FeatureOfInterest href      `xml:"om:featureOfInterest"`
	Result            dataArray `xml:"om:result>swe:DataArray"`
}

type composite struct {
	ID         string `xml:"gml:id,attr"`
	Dimension  int    `xml:"dimension,attr"`
	Name       string `xml:"gml:name"`
	Components []href `xml:"swe:component"`
}

type dataArray struct {
	Count    int     `xml:"swe:elementCount>swe:Count>swe:value"`
	Record   record  `xml:"swe:elementType>swe:DataRecord"`
	Encoding textEnc `xml:"swe:encoding>swe:TextBlock"`
	Values   string  `xml:"swe:values"`
}

type record struct {
	Fields []field `xml:"swe:field"`
}

type field struct {
	Name     string   `xml:"name,attr"`
	Quantity quantity `xml:"swe:Quantity"`
}

type quantity struct {
	Definition string `xml:"definition,attr"`
	Uom        *uom   `xml:"swe:uom,omitempty"`
}

type uom struct {
	Code string `xml:"code,attr"`
}

// newField returns a record field; units may be empty.
func newField(name, definition, units string) field {
	f := field{Name: name, Quantity: quantity{Definition: definition}}
	if units != "" {
		f.Quantity.Uom = &uom{Code: units}
	}
	return f
}

type textEnc struct {
	Decimal string `xml:"decimalSeparator,attr"`
	Token   string `xml:"tokenSeparator,attr"`
	Block   string `xml:"blockSeparator,attr"`
}

func (h *Handler) writeOM(w http.ResponseWriter, ds *dataset.Dataset, n *network, req *observationRequest, rows []int) error {
	minLon, minLat, maxLon, maxLat := math.Inf(1), math.Inf(1), math.Inf(-1), math.Inf(-1)
	begin, end := math.Inf(1), math.Inf(-1)
	for _, r := range rows {
		minLon, maxLon = min(minLon, n.lon.Floats[r]), max(maxLon, n.lon.Floats[r])
		minLat, maxLat = min(minLat, n.lat.Floats[r]), max(maxLat, n.lat.Floats[r])
		begin, end = min(begin, n.tm.Floats[r]), max(end, n.tm.Floats[r])
	}

	procedure := h.networkURN(ds.ID)
	if req.stations != nil {
		procedure = h.stationURN(req.stations[0])
	}
	obs := observation{
		Begin:             dataset.FormatTime(begin),
		End:               dataset.FormatTime(end),
		Procedure:         href{procedure},
		FeatureOfInterest: href{procedure},
		Phenomenon: composite{
			ID:        "observedProperties",
			Dimension: len(req.properties),
			Name:      "Observed properties",
		},
		Result: dataArray{
			Count:    len(rows),
			Encoding: textEnc{Decimal: ".", Token: ",", Block: " "},
		},
	}
	obs.Result.Record.Fields = []field{
		newField("station_id", "urn:ioos:identifier", ""),
		newField("time", "http://www.opengis.net/def/property/OGC/0/SamplingTime", "UTC"),
		newField("longitude", "http://mmisw.org/ont/cf/parameter/longitude", "degrees_east"),
		newField("latitude", "http://mmisw.org/ont/cf/parameter/latitude", "degrees_north"),
	}
	for _, v := range req.properties {
		obs.Phenomenon.Components = append(obs.Phenomenon.Components, href{h.propertyURN(v)})
		obs.Result.Record.Fields = append(obs.Result.Record.Fields, newField(v.Name, h.propertyURN(v), v.Units))
	}

	var b strings.Builder
	for i, r := range rows {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(h.stationURN(n.stationColumn.Text(r, false)))
		b.WriteString("," + dataset.FormatTime(n.tm.Floats[r]))
		b.WriteString("," + num(n.lon.Floats[r]) + "," + num(n.lat.Floats[r]))
		for _, v := range req.properties {
			b.WriteString("," + req.value(n, v, r))
		}
	}
	obs.Result.Values = b.String()

	doc := observationCollection{
		ID:          ds.ID,
		XmlnsOM:     nsOM,
		XmlnsGML:    nsGML,
		XmlnsSWE:    nsSWE,
		XmlnsXlink:  nsXlink,
		Description: ds.Title,
		LowerCorner: pos(minLat, minLon),
		UpperCorner: pos(maxLat, maxLon),
		Observation: obs,
	}
	return ogc.WriteXML(w, FormatOM, doc)
}
