package sos

import (
	"encoding/xml"
	"math"
	"net/http"

	"github.com/BobSimons/erddap-sub000/internal/dataset"
	"github.com/BobSimons/erddap-sub000/internal/dispatch"
	"github.com/BobSimons/erddap-sub000/internal/failure"
	"github.com/BobSimons/erddap-sub000/internal/ogc"
)

const (
	nsSOS   = "http://www.opengis.net/sos/1.0"
	nsOWS   = "http://www.opengis.net/ows/1.1"
	nsGML   = "http://www.opengis.net/gml"
	nsXlink = "http://www.w3.org/1999/xlink"
	nsSML   = "http://www.opengis.net/sensorML/1.0.1"
	nsSWE   = "http://www.opengis.net/swe/1.0.1"
	nsOM    = "http://www.opengis.net/om/1.0"
)

type href struct {
	Href string `xml:"xlink:href,attr"`
}

type capabilitiesDoc struct {
	XMLName    xml.Name     `xml:"sos:Capabilities"`
	Version    string       `xml:"version,attr"`
	XmlnsSOS   string       `xml:"xmlns:sos,attr"`
	XmlnsOWS   string       `xml:"xmlns:ows,attr"`
	XmlnsGML   string       `xml:"xmlns:gml,attr"`
	XmlnsXlink string       `xml:"xmlns:xlink,attr"`
	Title      string       `xml:"ows:ServiceIdentification>ows:Title"`
	Abstract   string       `xml:"ows:ServiceIdentification>ows:Abstract,omitempty"`
	Type       string       `xml:"ows:ServiceIdentification>ows:ServiceType"`
	TypeVer    string       `xml:"ows:ServiceIdentification>ows:ServiceTypeVersion"`
	Operations []owsOp      `xml:"ows:OperationsMetadata>ows:Operation"`
	Offerings  []offeringEl `xml:"sos:Contents>sos:ObservationOfferingList>sos:ObservationOffering"`
}

type owsOp struct {
	Name string `xml:"name,attr"`
	Get  href   `xml:"ows:DCP>ows:HTTP>ows:Get"`
}

type offeringEl struct {
	ID                string   `xml:"gml:id,attr"`
	Name              string   `xml:"gml:name"`
	LowerCorner       string   `xml:"gml:boundedBy>gml:Envelope>gml:lowerCorner"`
	UpperCorner       string   `xml:"gml:boundedBy>gml:Envelope>gml:upperCorner"`
	Begin             string   `xml:"sos:time>gml:TimePeriod>gml:beginPosition"`
	End               string   `xml:"sos:time>gml:TimePeriod>gml:endPosition"`
	Procedure         href     `xml:"sos:procedure"`
	ObservedProperty  []href   `xml:"sos:observedProperty"`
	FeatureOfInterest href     `xml:"sos:featureOfInterest"`
	ResponseFormat    []string `xml:"sos:responseFormat"`
	ResponseMode      string   `xml:"sos:responseMode"`
}

func pos(lat, lon float64) string { return num(lat) + " " + num(lon) }

func num(v float64) string { return dataset.FormatNumber(v) }

func timeText(t float64) string {
	if math.IsNaN(t) {
		return ""
	}
	return dataset.FormatTime(t)
}

// propertyURN names an observed property.
func (h *Handler) propertyURN(v *dataset.Variable) string {
	if sn := v.Attributes.String("standard_name"); sn != "" {
		return "http://mmisw.org/ont/cf/parameter/" + sn
	}
	return "urn:ioos:def:property:" + h.cfg.Authority + ":" + v.Name
}

func (h *Handler) offeringFor(ds *dataset.Dataset, urn, gmlID string, stations []*station) offeringEl {
	minLon, minLat, maxLon, maxLat, minTime, maxTime := bounds(stations)
	o := offeringEl{
		ID:                gmlID,
		Name:              urn,
		LowerCorner:       pos(minLat, minLon),
		UpperCorner:       pos(maxLat, maxLon),
		Begin:             timeText(minTime),
		End:               timeText(maxTime),
		Procedure:         href{urn},
		FeatureOfInterest: href{urn},
		ResponseFormat:    []string{FormatCSV, FormatOM},
		ResponseMode:      "inline",
	}
	for _, v := range observed(ds) {
		o.ObservedProperty = append(o.ObservedProperty, href{h.propertyURN(v)})
	}
	return o
}

// capabilities lists the network offering then one offering per station.
func (h *Handler) capabilities(r *http.Request) operation {
	return func(w http.ResponseWriter, ds *dataset.Dataset, n *network) error {
		endpoint := h.endpoint(r, ds.ID)
		doc := capabilitiesDoc{
			Version:    Version,
			XmlnsSOS:   nsSOS,
			XmlnsOWS:   nsOWS,
			XmlnsGML:   nsGML,
			XmlnsXlink: nsXlink,
			Title:      ds.Title,
			Abstract:   ds.GlobalAttributes.String("summary"),
			Type:       "OGC:SOS",
			TypeVer:    Version,
		}
		for _, op := range []string{"GetCapabilities", "DescribeSensor", "GetObservation"} {
			doc.Operations = append(doc.Operations, owsOp{Name: op, Get: href{endpoint}})
		}
		if len(n.stations) > 0 {
			doc.Offerings = append(doc.Offerings, h.offeringFor(ds, h.networkURN(ds.ID), "network-"+ds.ID, n.stations))
		}
		for _, s := range n.stations {
			doc.Offerings = append(doc.Offerings, h.offeringFor(ds, h.stationURN(s.id), "station-"+s.id, []*station{s}))
		}
		return ogc.WriteXML(w, "text/xml", doc)
	}
}

type sensorML struct {
	XMLName     xml.Name    `xml:"sml:SensorML"`
	Version     string      `xml:"version,attr"`
	XmlnsSML    string      `xml:"xmlns:sml,attr"`
	XmlnsGML    string      `xml:"xmlns:gml,attr"`
	XmlnsSWE    string      `xml:"xmlns:swe,attr"`
	XmlnsXlink  string      `xml:"xmlns:xlink,attr"`
	Description string      `xml:"sml:member>sml:System>gml:description"`
	Identifier  identifier  `xml:"sml:member>sml:System>sml:identification>sml:IdentifierList>sml:identifier"`
	Position    *positionEl `xml:"sml:member>sml:System>sml:location,omitempty"`
	Components  []component `xml:"sml:member>sml:System>sml:components>sml:ComponentList>sml:component,omitempty"`
	Outputs     []outputEl  `xml:"sml:member>sml:System>sml:outputs>sml:OutputList>sml:output"`
}

type identifier struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"sml:Term>sml:value"`
}

type positionEl struct {
	Point struct {
		SrsName string `xml:"srsName,attr"`
		Pos     string `xml:"gml:pos"`
	} `xml:"gml:Point"`
}

type component struct {
	Name string `xml:"name,attr"`
	Href string `xml:"xlink:href,attr"`
}

type outputEl struct {
	Name  string `xml:"name,attr"`
	Quant struct {
		Definition string `xml:"definition,attr"`
		Uom        struct {
			Code string `xml:"code,attr"`
		} `xml:"swe:uom"`
	} `xml:"swe:Quantity"`
}

// describeSensor validates procedure and outputFormat and returns the
// SensorML writer. A station procedure gets its location; the network
// procedure lists its stations as components.
func (h *Handler) describeSensor(ds *dataset.Dataset, p dispatch.Params) (operation, error) {
	if f := p.Get("outputformat"); f != SensorML {
		return nil, failure.QueryError("outputFormat", f, "must be "+SensorML+".")
	}
	procedure := p.Get("procedure")
	ids, err := h.offering(ds, "procedure", procedure)
	if err != nil {
		return nil, err
	}
	return func(w http.ResponseWriter, ds *dataset.Dataset, n *network) error {
		stations, err := n.pick("procedure", ids)
		if err != nil {
			return err
		}
		doc := sensorML{
			Version:     "1.0.1",
			XmlnsSML:    nsSML,
			XmlnsGML:    nsGML,
			XmlnsSWE:    nsSWE,
			XmlnsXlink:  nsXlink,
			Description: ds.Title,
			Identifier:  identifier{Name: "networkID", Value: h.networkURN(ds.ID)},
		}
		if ids != nil {
			s := stations[0]
			doc.Identifier = identifier{Name: "stationID", Value: h.stationURN(s.id)}
			doc.Position = &positionEl{}
			doc.Position.Point.SrsName = "urn:ogc:def:crs:EPSG::4326"
			doc.Position.Point.Pos = pos(s.lat, s.lon)
		} else {
			for _, s := range stations {
				doc.Components = append(doc.Components, component{Name: s.id, Href: h.stationURN(s.id)})
			}
		}
		for _, v := range observed(ds) {
			o := outputEl{Name: v.Name}
			o.Quant.Definition = h.propertyURN(v)
			o.Quant.Uom.Code = v.Units
			doc.Outputs = append(doc.Outputs, o)
		}
		return ogc.WriteXML(w, SensorML, doc)
	}, nil
}
