package wcs

import (
	"encoding/xml"
	"net/http"
	"strconv"
	"strings"

	"github.com/BobSimons/erddap-sub000/internal/dataset"
	"github.com/BobSimons/erddap-sub000/internal/dispatch"
	"github.com/BobSimons/erddap-sub000/internal/failure"
	"github.com/BobSimons/erddap-sub000/internal/ogc"
)

const (
	nsWCS   = "http://www.opengis.net/wcs"
	nsGML   = "http://www.opengis.net/gml"
	nsXlink = "http://www.w3.org/1999/xlink"
	crs84   = "urn:ogc:def:crs:OGC:1.3:CRS84"
	epsg    = "EPSG:4326"
)

type capabilitiesDoc struct {
	XMLName    xml.Name        `xml:"WCS_Capabilities"`
	Version    string          `xml:"version,attr"`
	Xmlns      string          `xml:"xmlns,attr"`
	XmlnsGML   string          `xml:"xmlns:gml,attr"`
	XmlnsXlink string          `xml:"xmlns:xlink,attr"`
	Service    service         `xml:"Service"`
	Capability capability      `xml:"Capability"`
	Offerings  []offeringBrief `xml:"ContentMetadata>CoverageOfferingBrief"`
}

type service struct {
	Description string `xml:"description,omitempty"`
	Name        string `xml:"name"`
	Label       string `xml:"label"`
	Fees        string `xml:"fees"`
	Constraints string `xml:"accessConstraints"`
}

type capability struct {
	GetCapabilities operation `xml:"Request>GetCapabilities"`
	Describe        operation `xml:"Request>DescribeCoverage"`
	GetCoverage     operation `xml:"Request>GetCoverage"`
	Exception       string    `xml:"Exception>Format"`
}

type operation struct {
	Href onlineResource `xml:"DCPType>HTTP>Get>OnlineResource"`
}

type onlineResource struct {
	Type string `xml:"xlink:type,attr"`
	Href string `xml:"xlink:href,attr"`
}

type offeringBrief struct {
	Name     string   `xml:"name"`
	Label    string   `xml:"label"`
	Envelope envelope `xml:"lonLatEnvelope"`
}

type envelope struct {
	SrsName string   `xml:"srsName,attr"`
	Pos     []string `xml:"gml:pos"`
	Time    []string `xml:"gml:timePosition,omitempty"`
}

func (h *Handler) capabilities(w http.ResponseWriter, r *http.Request, ds *dataset.Dataset) error {
	href := onlineResource{Type: "simple", Href: h.endpoint(r, ds.ID)}
	doc := capabilitiesDoc{
		Version:    Version,
		Xmlns:      nsWCS,
		XmlnsGML:   nsGML,
		XmlnsXlink: nsXlink,
		Service: service{
			Description: ds.GlobalAttributes.String("summary"),
			Name:        ds.ID,
			Label:       ds.Title,
			Fees:        "NONE",
			Constraints: "NONE",
		},
		Capability: capability{
			GetCapabilities: operation{href},
			Describe:        operation{href},
			GetCoverage:     operation{href},
			Exception:       "application/vnd.ogc.se_xml",
		},
	}
	for i := range ds.Variables {
		v := &ds.Variables[i]
		if v.IsString() {
			continue
		}
		doc.Offerings = append(doc.Offerings, offeringBrief{
			Name:     v.Name,
			Label:    label(v),
			Envelope: lonLatEnvelope(ds),
		})
	}
	return ogc.WriteXML(w, "text/xml", doc)
}

func label(v *dataset.Variable) string {
	if l := v.Attributes.String("long_name"); l != "" {
		return l
	}
	return v.Name
}

// lonLatEnvelope is the lon/lat extent plus, for datasets with a time
// axis, the first and last times.
func lonLatEnvelope(ds *dataset.Dataset) envelope {
	lon, lat := &ds.Axes[ds.LonIndex()], &ds.Axes[ds.LatIndex()]
	env := envelope{
		SrsName: crs84,
		Pos: []string{
			num(lon.Min()) + " " + num(lat.Min()),
			num(lon.Max()) + " " + num(lat.Max()),
		},
	}
	if ti := ds.TimeIndex(); ti >= 0 {
		t := &ds.Axes[ti]
		env.Time = []string{dataset.FormatTime(t.Min()), dataset.FormatTime(t.Max())}
	}
	return env
}

func num(v float64) string { return dataset.FormatNumber(v) }

type describeDoc struct {
	XMLName    xml.Name   `xml:"CoverageDescription"`
	Version    string     `xml:"version,attr"`
	Xmlns      string     `xml:"xmlns,attr"`
	XmlnsGML   string     `xml:"xmlns:gml,attr"`
	XmlnsXlink string     `xml:"xmlns:xlink,attr"`
	Offerings  []offering `xml:"CoverageOffering"`
}

type offering struct {
	Name           string         `xml:"name"`
	Label          string         `xml:"label"`
	Envelope       envelope       `xml:"lonLatEnvelope"`
	Spatial        spatialDomain  `xml:"domainSet>spatialDomain"`
	Temporal       []string       `xml:"domainSet>temporalDomain>gml:timePosition,omitempty"`
	Range          rangeSet       `xml:"rangeSet>RangeSet"`
	RequestCRS     string         `xml:"supportedCRSs>requestResponseCRSs"`
	Formats        []string       `xml:"supportedFormats>formats"`
	Interpolations interpolations `xml:"supportedInterpolations"`
}

type spatialDomain struct {
	Envelope struct {
		SrsName string   `xml:"srsName,attr"`
		Pos     []string `xml:"gml:pos"`
	} `xml:"gml:Envelope"`
	Grid rectifiedGrid `xml:"gml:RectifiedGrid"`
}

type rectifiedGrid struct {
	Dimension int      `xml:"dimension,attr"`
	Low       string   `xml:"gml:limits>gml:GridEnvelope>gml:low"`
	High      string   `xml:"gml:limits>gml:GridEnvelope>gml:high"`
	Axes      []string `xml:"gml:axisName"`
	Origin    string   `xml:"gml:origin>gml:pos"`
	Offsets   []string `xml:"gml:offsetVector"`
}

type rangeSet struct {
	Name  string            `xml:"name"`
	Label string            `xml:"label"`
	Axes  []axisDescription `xml:"axisDescription,omitempty"`
}

type axisDescription struct {
	Name   string   `xml:"AxisDescription>name"`
	Label  string   `xml:"AxisDescription>label"`
	Values []string `xml:"AxisDescription>values>singleValue"`
}

type interpolations struct {
	Default string `xml:"default,attr"`
	Methods string `xml:"interpolationMethod"`
}

// describeCoverage answers for the comma-separated coverage parameter.
func (h *Handler) describeCoverage(w http.ResponseWriter, ds *dataset.Dataset, p dispatch.Params) error {
	names := p.Get("coverage")
	if names == "" {
		return ogc.WithCode("MissingParameterValue", failure.BadRequest("Query error: coverage parameter is missing."))
	}
	doc := describeDoc{Version: Version, Xmlns: nsWCS, XmlnsGML: nsGML, XmlnsXlink: nsXlink}
	for _, name := range strings.Split(names, ",") {
		v, err := coverageVariable(ds, strings.TrimSpace(name))
		if err != nil {
			return err
		}
		doc.Offerings = append(doc.Offerings, describe(ds, v))
	}
	return ogc.WriteXML(w, "text/xml", doc)
}

func coverageVariable(ds *dataset.Dataset, name string) (*dataset.Variable, error) {
	v := ds.Variable(name)
	if v == nil || v.IsString() {
		return nil, ogc.WithCode("CoverageNotDefined", failure.QueryError("coverage", name, "is not a coverage in this dataset."))
	}
	return v, nil
}

func describe(ds *dataset.Dataset, v *dataset.Variable) offering {
	lon, lat := &ds.Axes[ds.LonIndex()], &ds.Axes[ds.LatIndex()]
	o := offering{
		Name:       v.Name,
		Label:      label(v),
		Envelope:   lonLatEnvelope(ds),
		RequestCRS: epsg,
		Formats:    []string{FormatNetCDF3, FormatPNG},
		Interpolations: interpolations{
			Default: "nearest neighbor",
			Methods: "nearest neighbor",
		},
	}
	o.Spatial.Envelope.SrsName = epsg
	o.Spatial.Envelope.Pos = o.Envelope.Pos
	o.Spatial.Grid = rectifiedGrid{
		Dimension: 2,
		Low:       "0 0",
		High:      strconv.Itoa(lon.Len()-1) + " " + strconv.Itoa(lat.Len()-1),
		Axes:      []string{"x", "y"},
		Origin:    num(lon.First()) + " " + num(lat.First()),
		Offsets:   []string{num(lon.Spacing) + " 0", "0 " + num(lat.Spacing)},
	}
	if ti := ds.TimeIndex(); ti >= 0 {
		t := &ds.Axes[ti]
		for _, x := range t.Values {
			o.Temporal = append(o.Temporal, dataset.FormatTime(x))
		}
	}
	o.Range = rangeSet{Name: v.Name, Label: label(v)}
	for i := range ds.Axes {
		a := &ds.Axes[i]
		if a.IsLongitude() || a.IsLatitude() || a.IsTime() {
			continue
		}
		d := axisDescription{Name: a.Name, Label: a.Name}
		for _, x := range a.Values {
			d.Values = append(d.Values, num(x))
		}
		o.Range.Axes = append(o.Range.Axes, d)
	}
	return o
}
