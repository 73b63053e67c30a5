package wms

import (
	"bytes"
	"encoding/xml"
	"image/color"
	"image/png"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BobSimons/erddap-sub000/internal/access"
	"github.com/BobSimons/erddap-sub000/internal/dataset"
	"github.com/BobSimons/erddap-sub000/internal/dispatch"
	"github.com/BobSimons/erddap-sub000/internal/registry"
	"github.com/BobSimons/erddap-sub000/internal/render"
	"github.com/BobSimons/erddap-sub000/internal/rendercache"
)

func steps(lo, hi, step float64) []float64 {
	var out []float64
	for v := lo; v <= hi+step/2; v += step {
		out = append(out, v)
	}
	return out
}

func gridDataset(t *testing.T, id string, accessibleTo []string) *dataset.Dataset {
	t.Helper()
	t0, err := dataset.ParseTime("2020-01-01")
	require.NoError(t, err)
	axes := []dataset.Axis{
		{Name: "time", Values: []float64{t0, t0 + 86400}},
		{Name: "latitude", Units: "degrees_north", Values: steps(-20, 20, 1)},
		{Name: "longitude", Units: "degrees_east", Values: steps(-20, 20, 1)},
	}
	ds, err := dataset.New(dataset.Config{
		ID:           id,
		Title:        "Test grid " + id,
		Kind:         dataset.Grid,
		Axes:         axes,
		AccessibleTo: accessibleTo,
		Variables: []dataset.Variable{
			{Name: "temp", Attributes: dataset.NewAttributes(map[string]any{
				"long_name":       "Temperature",
				"colorBarMinimum": -20.0,
				"colorBarMaximum": 20.0,
			})},
			{Name: "flag"},
		},
		Grid: &dataset.FuncGrid{Axes: axes, Func: map[string]func([]float64) float64{
			"temp": func(c []float64) float64 {
				if c[2] > 15 {
					return math.NaN()
				}
				return c[1]
			},
		}},
	})
	require.NoError(t, err)
	return ds
}

type fixture struct {
	handler *Handler
	store   *rendercache.MemoryStore
}

func newFixture(t *testing.T, datasets ...*dataset.Dataset) *fixture {
	t.Helper()
	reg := registry.New(nil)
	_, err := reg.Publish(reg.NewSnapshot(datasets))
	require.NoError(t, err)
	store := rendercache.NewMemoryStore()
	disp := &dispatch.Dispatcher{
		Registry: reg,
		Policy:   access.NewPolicy(access.Config{UserHeader: "X-User"}, nil),
		Retrier:  dispatch.NewRetrier(1, time.Millisecond, nil),
	}
	h, err := New(Config{BasePath: "/erddap", MaxWidth: 500, MaxHeight: 500, MaxLayers: 4}, disp, render.NewRenderer(store))
	require.NoError(t, err)
	return &fixture{handler: h, store: store}
}

func (f *fixture) get(t *testing.T, rest, query string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(http.MethodGet, "http://example.com/erddap/wms/"+rest+"?"+query, nil)
	w := httptest.NewRecorder()
	f.handler.Serve(w, r, rest)
	return w
}

type report struct {
	XMLName   xml.Name `xml:"ServiceExceptionReport"`
	Version   string   `xml:"version,attr"`
	Exception struct {
		Code string `xml:"code,attr"`
		Text string `xml:",chardata"`
	} `xml:"ServiceException"`
}

func parseReport(t *testing.T, w *httptest.ResponseRecorder) report {
	t.Helper()
	var rep report
	require.NoError(t, xml.Unmarshal(w.Body.Bytes(), &rep), w.Body.String())
	return rep
}

func whiteOpaque() color.NRGBA { return color.NRGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff} }

func decodePNG(t *testing.T, b []byte) (w, h int) {
	t.Helper()
	img, err := png.Decode(bytes.NewReader(b))
	require.NoError(t, err)
	return img.Bounds().Dx(), img.Bounds().Dy()
}

const exampleQuery = "service=WMS&version=1.3.0&request=GetMap&layers=ds1:temp&styles=&crs=CRS:84&bbox=-20,-20,20,20&width=100&height=50&format=image/png"

func TestGetMapRendersAndCaches(t *testing.T) {
	f := newFixture(t, gridDataset(t, "ds1", nil))

	first := f.get(t, "ds1/request", exampleQuery)
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())
	assert.Equal(t, "image/png", first.Header().Get("Content-Type"))
	w, h := decodePNG(t, first.Body.Bytes())
	assert.Equal(t, 100, w)
	assert.Equal(t, 50, h)
	assert.Equal(t, 1, f.store.Stats().Entries)

	// same parameters, different order and case
	reordered := "FORMAT=image/png&height=50&width=100&bbox=-20,-20,20,20&CRS=CRS:84&styles=&Layers=ds1:temp&request=GetMap&version=1.3.0&service=WMS"
	second := f.get(t, "ds1/request", reordered)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, first.Body.Bytes(), second.Body.Bytes())
	assert.Equal(t, 1, f.store.Stats().Entries, "reordered parameters hit the same entry")

	// the dataset-independent endpoint reaches the same dataset
	third := f.get(t, "request", exampleQuery)
	require.Equal(t, http.StatusOK, third.Code)
	assert.Equal(t, first.Body.Bytes(), third.Body.Bytes())
}

func TestGetMapCartographicOnly(t *testing.T) {
	f := newFixture(t)
	w := f.get(t, "request", "service=WMS&version=1.1.1&request=GetMap&layers=Land,Nations&styles=&srs=EPSG:4326&bbox=-180,-90,180,90&width=80&height=40&format=image/png")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decodePNG(t, w.Body.Bytes())
	assert.Equal(t, 1, f.store.Stats().Entries)
}

func TestGetMapValidationOrder(t *testing.T) {
	f := newFixture(t, gridDataset(t, "ds1", nil))
	tests := []struct {
		name  string
		query string
		code  string
		text  string
	}{
		{
			name:  "version first",
			query: "request=GetMap&version=9.9&exceptions=bogus&width=0&format=image/gif",
			code:  "InvalidParameterValue",
			text:  "version=9.9",
		},
		{
			name:  "exceptions before size",
			query: "request=GetMap&version=1.3.0&exceptions=bogus&width=0&format=image/gif",
			code:  "InvalidParameterValue",
			text:  "exceptions=bogus",
		},
		{
			name:  "width before format, XML even with INIMAGE",
			query: "request=GetMap&version=1.3.0&exceptions=INIMAGE&width=0&height=10&format=image/gif",
			code:  "InvalidParameterValue",
			text:  "width=0",
		},
		{
			name:  "height above max",
			query: "request=GetMap&version=1.3.0&width=10&height=501&format=image/png",
			code:  "InvalidParameterValue",
			text:  "height=501",
		},
		{
			name:  "format",
			query: "request=GetMap&version=1.3.0&exceptions=INIMAGE&width=10&height=10&format=image/gif",
			code:  "InvalidFormat",
			text:  "format=image/gif",
		},
		{
			name:  "crs before transparent",
			query: "request=GetMap&version=1.3.0&layers=ds1:temp&styles=&crs=EPSG:3857&bbox=0,0,1,1&width=10&height=10&format=image/png&transparent=maybe",
			code:  "InvalidCRS",
			text:  "crs=EPSG:3857",
		},
		{
			name:  "bbox before bgcolor",
			query: "request=GetMap&version=1.3.0&layers=ds1:temp&styles=&crs=CRS:84&bbox=1,2,3&width=10&height=10&format=image/png&bgcolor=bogus",
			code:  "InvalidParameterValue",
			text:  "bbox=1,2,3",
		},
		{
			name:  "bgcolor after bbox",
			query: "request=GetMap&version=1.3.0&layers=ds1:temp&styles=&crs=CRS:84&bbox=0,0,1,1&width=10&height=10&format=image/png&bgcolor=bogus",
			code:  "InvalidParameterValue",
			text:  "bgcolor=bogus",
		},
		{
			name:  "transparent after bbox",
			query: "request=GetMap&version=1.3.0&layers=ds1:temp&styles=&crs=CRS:84&bbox=0,0,1,1&width=10&height=10&format=image/png&transparent=maybe",
			code:  "InvalidParameterValue",
			text:  "transparent=maybe",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.get(t, "request", tt.query)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			rep := parseReport(t, w)
			assert.Equal(t, tt.code, rep.Exception.Code)
			assert.Contains(t, rep.Exception.Text, tt.text)
		})
	}
}

func TestGetMapExceptionModes(t *testing.T) {
	f := newFixture(t, gridDataset(t, "ds1", nil))
	base := "service=WMS&version=1.3.0&request=GetMap&layers=ds1:temp&crs=CRS:84&width=60&height=30&format=image/png"

	t.Run("xml", func(t *testing.T) {
		w := f.get(t, "request", base+"&bbox=1,2,3")
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "text/xml", w.Header().Get("Content-Type"))
		assert.Contains(t, parseReport(t, w).Exception.Text, "bbox")
	})
	t.Run("inimage", func(t *testing.T) {
		w := f.get(t, "request", base+"&bbox=1,2,3&exceptions=INIMAGE")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
		iw, ih := decodePNG(t, w.Body.Bytes())
		assert.Equal(t, 60, iw)
		assert.Equal(t, 30, ih)
	})
	t.Run("blank", func(t *testing.T) {
		w := f.get(t, "request", base+"&bbox=1,2,3&exceptions=application/vnd.ogc.se_blank")
		assert.Equal(t, http.StatusOK, w.Code)
		want, err := render.Blank(60, 30, render.Background(whiteOpaque(), false))
		require.NoError(t, err)
		assert.Equal(t, want, w.Body.Bytes())
	})
	t.Run("invalid crs", func(t *testing.T) {
		w := f.get(t, "request", "service=WMS&version=1.3.0&request=GetMap&layers=ds1:temp&crs=EPSG:3857&bbox=0,0,1,1&width=60&height=30&format=image/png")
		assert.Equal(t, "InvalidCRS", parseReport(t, w).Exception.Code)
	})
}

func TestGetMapSkippedLayers(t *testing.T) {
	f := newFixture(t, gridDataset(t, "ds1", nil))
	outside := "service=WMS&version=1.3.0&request=GetMap&styles=&crs=CRS:84&bbox=100,0,120,10&width=40&height=20&format=image/png"

	w := f.get(t, "request", outside+"&layers=ds1:temp")
	assert.Equal(t, http.StatusNotFound, w.Code, "no data in XML mode")
	assert.Contains(t, parseReport(t, w).Exception.Text, "no matching results")

	w = f.get(t, "request", outside+"&layers=ds1:temp&exceptions=INIMAGE")
	assert.Equal(t, http.StatusOK, w.Code)
	want, err := render.Blank(40, 20, whiteOpaque())
	require.NoError(t, err)
	assert.Equal(t, want, w.Body.Bytes(), "no data is a blank image even in INIMAGE mode")

	w = f.get(t, "request", outside+"&layers=Land,ds1:temp")
	assert.Equal(t, http.StatusOK, w.Code, "the basemap still draws")

	// time outside the axis skips the layer; a malformed time is an error
	w = f.get(t, "request", exampleQuery+"&time=1999-01-01")
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = f.get(t, "request", exampleQuery+"&time=yesterday")
	assert.Equal(t, "InvalidDimensionValue", parseReport(t, w).Exception.Code)
}

func TestGetMapLayerErrors(t *testing.T) {
	f := newFixture(t, gridDataset(t, "ds1", nil), gridDataset(t, "private", []string{"staff"}))
	q := "service=WMS&version=1.3.0&request=GetMap&crs=CRS:84&bbox=-20,-20,20,20&width=40&height=20&format=image/png&layers="

	w := f.get(t, "request", q+"nope:temp")
	assert.Equal(t, "LayerNotDefined", parseReport(t, w).Exception.Code)

	w = f.get(t, "request", q+"ds1:nope")
	assert.Equal(t, "LayerNotDefined", parseReport(t, w).Exception.Code)

	w = f.get(t, "request", q+"ds1:temp&styles=boxfill")
	assert.Equal(t, "StyleNotDefined", parseReport(t, w).Exception.Code)

	w = f.get(t, "request", q+"a:b,c:d,e:f,g:h,i:j")
	assert.Contains(t, parseReport(t, w).Exception.Text, "more than 4 layers")

	w = f.get(t, "request", q+"private:temp")
	assert.Equal(t, http.StatusUnauthorized, w.Code, "anonymous callers are sent to log in")

	w = f.get(t, "request", q+"ds1:temp,private:temp")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestServeRouting(t *testing.T) {
	f := newFixture(t, gridDataset(t, "ds1", nil))

	w := f.get(t, "unknown/request", "request=GetCapabilities")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.get(t, "ds1/other", "request=GetCapabilities")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.get(t, "request", "service=WCS&request=GetMap")
	assert.Equal(t, "InvalidParameterValue", parseReport(t, w).Exception.Code)

	w = f.get(t, "request", "service=WMS")
	assert.Equal(t, "MissingParameterValue", parseReport(t, w).Exception.Code)

	w = f.get(t, "request", "service=WMS&request=GetFeatureInfo&version=1.1.1")
	rep := parseReport(t, w)
	assert.Equal(t, "OperationNotSupported", rep.Exception.Code)
	assert.Equal(t, "1.1.1", rep.Version)
	assert.Equal(t, "application/vnd.ogc.se_xml", w.Header().Get("Content-Type"))
}

func TestParseBBox(t *testing.T) {
	b, err := parseBBox("-10,-20,30,40", false)
	require.NoError(t, err)
	assert.Equal(t, orb.Bound{Min: orb.Point{-10, -20}, Max: orb.Point{30, 40}}, b)

	// 1.3.0 EPSG:4326 is minlat,minlon,maxlat,maxlon
	b, err = parseBBox("-20,-10,40,30", true)
	require.NoError(t, err)
	assert.Equal(t, orb.Bound{Min: orb.Point{-10, -20}, Max: orb.Point{30, 40}}, b)

	for _, raw := range []string{"", "1,2,3", "a,b,c,d", "1,2,1,3", "0,0,NaN,1", "5,0,1,1"} {
		_, err := parseBBox(raw, false)
		assert.Error(t, err, raw)
	}
}

func TestGetMapEPSG4326AxisOrder(t *testing.T) {
	f := newFixture(t, gridDataset(t, "ds1", nil))
	v13 := f.get(t, "request", "service=WMS&version=1.3.0&request=GetMap&layers=ds1:temp&crs=EPSG:4326&bbox=-20,-10,20,10&width=40&height=40&format=image/png")
	v11 := f.get(t, "request", "service=WMS&version=1.1.1&request=GetMap&layers=ds1:temp&srs=EPSG:4326&bbox=-10,-20,10,20&width=40&height=40&format=image/png")
	require.Equal(t, http.StatusOK, v13.Code, v13.Body.String())
	require.Equal(t, http.StatusOK, v11.Code, v11.Body.String())
	assert.Equal(t, v11.Body.Bytes(), v13.Body.Bytes(), "both describe lon -10..10, lat -20..20")
}

type capsDoc struct {
	XMLName xml.Name
	Version string `xml:"version,attr"`
	Service struct {
		Name     string `xml:"Name"`
		MaxWidth int    `xml:"MaxWidth"`
	} `xml:"Service"`
	Exceptions []string `xml:"Capability>Exception>Format"`
	Root       capsLayer `xml:"Capability>Layer"`
}

type capsLayer struct {
	Name      string `xml:"Name"`
	Title     string `xml:"Title"`
	Dimension []struct {
		Name    string `xml:"name,attr"`
		Units   string `xml:"units,attr"`
		Default string `xml:"default,attr"`
		Values  string `xml:",chardata"`
	} `xml:"Dimension"`
	Extent []struct {
		Name    string `xml:"name,attr"`
		Default string `xml:"default,attr"`
		Values  string `xml:",chardata"`
	} `xml:"Extent"`
	Layers []capsLayer `xml:"Layer"`
}

func (l capsLayer) find(name string) (capsLayer, bool) {
	if l.Name == name {
		return l, true
	}
	for _, c := range l.Layers {
		if found, ok := c.find(name); ok {
			return found, true
		}
	}
	return capsLayer{}, false
}

func TestCapabilities130(t *testing.T) {
	f := newFixture(t, gridDataset(t, "ds1", nil), gridDataset(t, "private", []string{"staff"}))
	w := f.get(t, "request", "service=WMS&request=GetCapabilities&version=1.3.0")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/xml", w.Header().Get("Content-Type"))

	var doc capsDoc
	require.NoError(t, xml.Unmarshal(w.Body.Bytes(), &doc))
	assert.Equal(t, "WMS_Capabilities", doc.XMLName.Local)
	assert.Equal(t, "http://www.opengis.net/wms", doc.XMLName.Space)
	assert.Equal(t, "1.3.0", doc.Version)
	assert.Equal(t, 500, doc.Service.MaxWidth)
	assert.Equal(t, []string{"XML", "INIMAGE", "BLANK"}, doc.Exceptions)
	assert.Contains(t, w.Body.String(), `xlink:href="http://example.com/erddap/wms/request?"`)

	for _, name := range render.CartographicLayers {
		_, ok := doc.Root.find(name)
		assert.True(t, ok, name)
	}
	temp, ok := doc.Root.find("ds1:temp")
	require.True(t, ok)
	assert.Equal(t, "Temperature", temp.Title)
	require.Len(t, temp.Dimension, 1)
	assert.Equal(t, "time", temp.Dimension[0].Name)
	assert.Equal(t, "ISO8601", temp.Dimension[0].Units)
	assert.Equal(t, "2020-01-02T00:00:00Z", temp.Dimension[0].Default)
	assert.Equal(t, "2020-01-01T00:00:00Z,2020-01-02T00:00:00Z", temp.Dimension[0].Values)

	_, ok = doc.Root.find("ds1:flag")
	assert.False(t, ok, "variables without a color bar are not layers")
	_, ok = doc.Root.find("private:temp")
	assert.False(t, ok, "private datasets are hidden")
}

func TestCapabilities111(t *testing.T) {
	f := newFixture(t, gridDataset(t, "ds1", nil), gridDataset(t, "ds2", nil))
	w := f.get(t, "ds1/request", "service=WMS&request=GetCapabilities&version=1.1.1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/vnd.ogc.wms_xml", w.Header().Get("Content-Type"))

	var doc capsDoc
	require.NoError(t, xml.Unmarshal(w.Body.Bytes(), &doc))
	assert.Equal(t, "WMT_MS_Capabilities", doc.XMLName.Local)
	assert.Equal(t, "OGC:WMS", doc.Service.Name)
	assert.Contains(t, w.Body.String(), `xlink:href="http://example.com/erddap/wms/ds1/request?"`)

	temp, ok := doc.Root.find("ds1:temp")
	require.True(t, ok)
	require.Len(t, temp.Extent, 1)
	assert.Equal(t, "2020-01-02T00:00:00Z", temp.Extent[0].Default)
	_, ok = doc.Root.find("ds2:temp")
	assert.False(t, ok, "a dataset endpoint lists only its dataset")
}

func TestDimensionInfo(t *testing.T) {
	t0, err := dataset.ParseTime("2020-01-01")
	require.NoError(t, err)
	vals := steps(t0, t0+200*86400, 86400)
	a, err := dataset.NewAxis("time", "", vals, nil)
	require.NoError(t, err)
	name, units, def, values := dimensionInfo(&a)
	assert.Equal(t, "time", name)
	assert.Equal(t, "ISO8601", units)
	assert.Equal(t, dataset.FormatTime(vals[len(vals)-1]), def)
	assert.Equal(t, "2020-01-01T00:00:00Z/"+def+"/P1D", values)

	d, err := dataset.NewAxis("depth", "m", []float64{0, 10, 50}, nil)
	require.NoError(t, err)
	name, units, _, values = dimensionInfo(&d)
	assert.Equal(t, "elevation", name)
	assert.Equal(t, "m", units)
	assert.Equal(t, "0,10,50", values)

	b, err := dataset.NewAxis("Band", "", []float64{1, 2}, nil)
	require.NoError(t, err)
	name, _, def, _ = dimensionInfo(&b)
	assert.Equal(t, "band", name)
	assert.Equal(t, "2", def)

	assert.Equal(t, "PT3600S", isoPeriod(3600))
}

func TestGetMapExampleScenario(t *testing.T) {
	f := newFixture(t, gridDataset(t, "ds1", nil))
	q := "bbox=-10,-10,10,10&width=100&height=50&layers=Land,ds1:temp,Coastlines&styles=,,&crs=CRS:84&format=image/png&version=1.3.0&request=GetMap&service=WMS"

	w := f.get(t, "request", q)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	img, err := png.Decode(bytes.NewReader(w.Body.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 100, img.Bounds().Dx())
	assert.Equal(t, 50, img.Bounds().Dy())
	for _, p := range [][2]int{{0, 0}, {50, 25}, {99, 49}} {
		_, _, _, a := img.At(p[0], p[1]).RGBA()
		assert.Equal(t, uint32(0xffff), a, "opaque at %v", p)
	}

	r := httptest.NewRequest(http.MethodGet, "/erddap/wms/request?"+q, nil)
	key := rendercache.Key{Dir: "ds1", Name: rendercache.EntryName("wms_", ".png", r.URL.Query())}
	cached, err := f.store.Get(key)
	require.NoError(t, err, "cached under the dataset's directory")
	assert.Equal(t, w.Body.Bytes(), cached)
}
