package wms

import (
	"encoding/xml"
	"fmt"
	"math"
	"net/http"
	"strings"

	"github.com/BobSimons/erddap-sub000/internal/dataset"
	"github.com/BobSimons/erddap-sub000/internal/dispatch"
	"github.com/BobSimons/erddap-sub000/internal/ogc"
	"github.com/BobSimons/erddap-sub000/internal/render"
)

type capabilitiesDoc struct {
	XMLName    xml.Name
	Version    string     `xml:"version,attr"`
	Xmlns      string     `xml:"xmlns,attr,omitempty"`
	XmlnsXlink string     `xml:"xmlns:xlink,attr"`
	Service    service    `xml:"Service"`
	Capability capability `xml:"Capability"`
}

type service struct {
	Name           string         `xml:"Name"`
	Title          string         `xml:"Title"`
	Abstract       string         `xml:"Abstract,omitempty"`
	OnlineResource onlineResource `xml:"OnlineResource"`
	LayerLimit     int            `xml:"LayerLimit,omitempty"`
	MaxWidth       int            `xml:"MaxWidth,omitempty"`
	MaxHeight      int            `xml:"MaxHeight,omitempty"`
}

type onlineResource struct {
	Type string `xml:"xlink:type,attr"`
	Href string `xml:"xlink:href,attr"`
}

type capability struct {
	Request   requests `xml:"Request"`
	Exception []string `xml:"Exception>Format"`
	Layer     layer    `xml:"Layer"`
}

type requests struct {
	GetCapabilities operation `xml:"GetCapabilities"`
	GetMap          operation `xml:"GetMap"`
}

type operation struct {
	Format []string       `xml:"Format"`
	Get    onlineResource `xml:"DCPType>HTTP>Get>OnlineResource"`
}

type layer struct {
	Queryable   string        `xml:"queryable,attr,omitempty"`
	Opaque      string        `xml:"opaque,attr,omitempty"`
	Name        string        `xml:"Name,omitempty"`
	Title       string        `xml:"Title"`
	Abstract    string        `xml:"Abstract,omitempty"`
	CRS         []string      `xml:"CRS,omitempty"`
	SRS         []string      `xml:"SRS,omitempty"`
	GeoBox      *geoBox       `xml:"EX_GeographicBoundingBox,omitempty"`
	LatLonBox   *latLonBox    `xml:"LatLonBoundingBox,omitempty"`
	BoundingBox []boundingBox `xml:"BoundingBox,omitempty"`
	Dimension   []dimension   `xml:"Dimension,omitempty"`
	Extent      []extent      `xml:"Extent,omitempty"`
	Layers      []layer       `xml:"Layer,omitempty"`
}

type geoBox struct {
	West  string `xml:"westBoundLongitude"`
	East  string `xml:"eastBoundLongitude"`
	South string `xml:"southBoundLatitude"`
	North string `xml:"northBoundLatitude"`
}

type latLonBox struct {
	MinX string `xml:"minx,attr"`
	MinY string `xml:"miny,attr"`
	MaxX string `xml:"maxx,attr"`
	MaxY string `xml:"maxy,attr"`
}

type boundingBox struct {
	CRS  string `xml:"CRS,attr,omitempty"`
	SRS  string `xml:"SRS,attr,omitempty"`
	MinX string `xml:"minx,attr"`
	MinY string `xml:"miny,attr"`
	MaxX string `xml:"maxx,attr"`
	MaxY string `xml:"maxy,attr"`
}

type dimension struct {
	Name         string `xml:"name,attr"`
	Units        string `xml:"units,attr"`
	Default      string `xml:"default,attr,omitempty"`
	NearestValue string `xml:"nearestValue,attr,omitempty"`
	Values       string `xml:",chardata"`
}

type extent struct {
	Name         string `xml:"name,attr"`
	Default      string `xml:"default,attr"`
	NearestValue string `xml:"nearestValue,attr,omitempty"`
	Values       string `xml:",chardata"`
}

// bounds is a lon/lat extent.
type bounds struct{ minX, minY, maxX, maxY float64 }

var worldBounds = bounds{-180, -90, 180, 90}

func num(v float64) string { return dataset.FormatNumber(v) }

// capabilities writes the capabilities document for the requested version.
// The dataset-independent endpoint lists every visible WMS dataset; a
// dataset endpoint lists just that dataset.
func (h *Handler) capabilities(w http.ResponseWriter, r *http.Request, p dispatch.Params, datasetID string) {
	version := versionOrDefault(p.Get("version"))
	v13 := isV13(version)
	href := h.onlineResource(r, datasetID)
	link := onlineResource{Type: "simple", Href: href}

	doc := capabilitiesDoc{
		Version:    version,
		XmlnsXlink: "http://www.w3.org/1999/xlink",
		Service: service{
			Name:           "OGC:WMS",
			Title:          "Gateway Web Map Service",
			Abstract:       "Maps of gridded datasets and cartographic layers.",
			OnlineResource: link,
		},
	}
	capsFormat := "application/vnd.ogc.wms_xml"
	if v13 {
		doc.XMLName = xml.Name{Local: "WMS_Capabilities"}
		doc.Xmlns = "http://www.opengis.net/wms"
		doc.Service.Name = "WMS"
		doc.Service.LayerLimit = h.cfg.MaxLayers
		doc.Service.MaxWidth = h.cfg.MaxWidth
		doc.Service.MaxHeight = h.cfg.MaxHeight
		doc.Capability.Exception = []string{"XML", "INIMAGE", "BLANK"}
		capsFormat = "text/xml"
	} else {
		doc.XMLName = xml.Name{Local: "WMT_MS_Capabilities"}
		doc.Capability.Exception = []string{"application/vnd.ogc.se_xml", "application/vnd.ogc.se_inimage", "application/vnd.ogc.se_blank"}
	}
	doc.Capability.Request = requests{
		GetCapabilities: operation{Format: []string{capsFormat}, Get: link},
		GetMap:          operation{Format: []string{ImageFormat}, Get: link},
	}

	root := layer{Title: "Gateway Web Map Service"}
	setBounds(&root, worldBounds, v13)
	for _, name := range render.CartographicLayers {
		l := layer{Queryable: "0", Name: name, Title: cartoTitle(name)}
		setBounds(&l, worldBounds, v13)
		root.Layers = append(root.Layers, l)
	}

	ident := h.disp.Policy.Identify(r)
	snap := h.disp.Registry.Snapshot()
	ids := []string{datasetID}
	if datasetID == "" {
		ids = snap.List(dataset.Grid, true)
	}
	for _, id := range ids {
		ds, ok := snap.Lookup(dataset.Grid, id)
		if !ok || !ds.Capabilities.Enabled(dataset.ProtocolWMS) || !h.disp.Policy.IsVisible(ds, ident) {
			continue
		}
		if g, ok := datasetLayer(ds, v13); ok {
			root.Layers = append(root.Layers, g)
		}
	}
	doc.Capability.Layer = root

	contentType := "application/vnd.ogc.wms_xml"
	if v13 {
		contentType = "text/xml"
	}
	if err := ogc.WriteXML(w, contentType, doc); err != nil {
		h.log.Debug().Err(err).Msg("writing capabilities failed")
	}
}

func cartoTitle(name string) string {
	switch name {
	case render.LayerLandMask:
		return "Land Mask"
	case render.LayerLakesAndRivers:
		return "Lakes and Rivers"
	case render.LayerNations:
		return "National Boundaries"
	case render.LayerStates:
		return "State Boundaries"
	}
	return name
}

func setBounds(l *layer, b bounds, v13 bool) {
	if v13 {
		l.CRS = []string{CRS84, EPSG4326}
		l.GeoBox = &geoBox{West: num(b.minX), East: num(b.maxX), South: num(b.minY), North: num(b.maxY)}
		l.BoundingBox = []boundingBox{
			{CRS: CRS84, MinX: num(b.minX), MinY: num(b.minY), MaxX: num(b.maxX), MaxY: num(b.maxY)},
			// EPSG:4326 in 1.3.0 is lat/lon axis order
			{CRS: EPSG4326, MinX: num(b.minY), MinY: num(b.minX), MaxX: num(b.maxY), MaxY: num(b.maxX)},
		}
		return
	}
	l.SRS = []string{EPSG4326}
	l.LatLonBox = &latLonBox{MinX: num(b.minX), MinY: num(b.minY), MaxX: num(b.maxX), MaxY: num(b.maxY)}
	l.BoundingBox = []boundingBox{{SRS: EPSG4326, MinX: num(b.minX), MinY: num(b.minY), MaxX: num(b.maxX), MaxY: num(b.maxY)}}
}

// datasetLayer returns a layer group with one child per color-mapped
// variable. ok is false when no variable can be drawn.
func datasetLayer(ds *dataset.Dataset, v13 bool) (layer, bool) {
	lon, lat := &ds.Axes[ds.LonIndex()], &ds.Axes[ds.LatIndex()]
	b := bounds{
		minX: lon.Min() - math.Abs(lon.Spacing)/2,
		maxX: lon.Max() + math.Abs(lon.Spacing)/2,
		minY: math.Max(-90, lat.Min()-math.Abs(lat.Spacing)/2),
		maxY: math.Min(90, lat.Max()+math.Abs(lat.Spacing)/2),
	}
	group := layer{Title: ds.Title}
	if group.Title == "" {
		group.Title = ds.ID
	}
	for _, v := range ds.Variables {
		if v.ColorBar == nil {
			continue
		}
		l := layer{Queryable: "0", Opaque: "1", Name: ds.ID + ":" + v.Name, Title: v.Attributes.String("long_name")}
		if l.Title == "" {
			l.Title = v.Name
		}
		setBounds(&l, b, v13)
		for i := range ds.Axes {
			a := &ds.Axes[i]
			if a.IsLongitude() || a.IsLatitude() {
				continue
			}
			name, units, def, values := dimensionInfo(a)
			if v13 {
				l.Dimension = append(l.Dimension, dimension{Name: name, Units: units, Default: def, NearestValue: "1", Values: values})
			} else {
				l.Dimension = append(l.Dimension, dimension{Name: name, Units: units})
				l.Extent = append(l.Extent, extent{Name: name, Default: def, NearestValue: "1", Values: values})
			}
		}
		group.Layers = append(group.Layers, l)
	}
	return group, len(group.Layers) > 0
}

// maxListedValues caps the explicit value list of a dimension; longer
// evenly spaced axes are written as start/stop/resolution.
const maxListedValues = 100

func dimensionInfo(a *dataset.Axis) (name, units, def, values string) {
	name = strings.TrimPrefix(render.DimensionParam(a), "dim_")
	format := num
	units = a.Units
	if a.IsTime() {
		format = dataset.FormatTime
		units = "ISO8601"
	}
	def = format(a.Last())
	if a.EvenlySpaced && a.Len() > maxListedValues {
		res := num(math.Abs(a.Spacing))
		if a.IsTime() {
			res = isoPeriod(math.Abs(a.Spacing))
		}
		return name, units, def, format(a.Min()) + "/" + format(a.Max()) + "/" + res
	}
	vals := make([]string, a.Len())
	for i, v := range a.Values {
		vals[i] = format(v)
	}
	return name, units, def, strings.Join(vals, ",")
}

// isoPeriod formats seconds as an ISO 8601 duration.
func isoPeriod(seconds float64) string {
	const day = 86400
	if seconds >= day && math.Mod(seconds, day) == 0 {
		return fmt.Sprintf("P%dD", int64(seconds/day))
	}
	return "PT" + num(seconds) + "S"
}
