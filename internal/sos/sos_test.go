package sos

import (
	"encoding/xml"
	"math"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BobSimons/erddap-sub000/internal/access"
	"github.com/BobSimons/erddap-sub000/internal/dataset"
	"github.com/BobSimons/erddap-sub000/internal/dispatch"
	"github.com/BobSimons/erddap-sub000/internal/failure"
	"github.com/BobSimons/erddap-sub000/internal/registry"
)

var t0, _ = dataset.ParseTime("2020-01-01")

func day(d int) float64 { return t0 + float64(d)*86400 }

// buoys has two stations with two daily observations each.
func buoys(t *testing.T, id string, cdm string) *dataset.Dataset {
	t.Helper()
	ds, err := dataset.New(dataset.Config{
		ID:    id,
		Title: "Buoys",
		Kind:  dataset.Table,
		GlobalAttributes: dataset.NewAttributes(map[string]any{
			"cdm_data_type": cdm,
			"summary":       "Moored buoy observations.",
		}),
		Variables: []dataset.Variable{
			{Name: "station_id", Type: "String", Attributes: dataset.NewAttributes(map[string]any{"cf_role": "timeseries_id"})},
			{Name: "longitude", Units: "degrees_east"},
			{Name: "latitude", Units: "degrees_north"},
			{Name: "time", Units: dataset.TimeUnits},
			{Name: "wtemp", Type: "float", Units: "degree_C", Attributes: dataset.NewAttributes(map[string]any{"standard_name": "sea_water_temperature"})},
			{Name: "wspd", Type: "float", Units: "m s-1"},
		},
		Table: &dataset.MemoryTable{Data: &dataset.TableData{Columns: []dataset.Column{
			{Name: "station_id", IsString: true, Strings: []string{"41001", "41001", "41002", "41002"}},
			{Name: "longitude", Floats: []float64{-72, -72, -75, -75}},
			{Name: "latitude", Floats: []float64{34, 34, 32, 32}},
			{Name: "time", Floats: []float64{day(0), day(1), day(0), day(1)}},
			{Name: "wtemp", Floats: []float64{20, 21, 18, math.NaN()}},
			{Name: "wspd", Floats: []float64{5, 6, 7, 8}},
		}}},
	})
	require.NoError(t, err)
	return ds
}

func newHandler(t *testing.T, datasets ...*dataset.Dataset) *Handler {
	t.Helper()
	reg := registry.New(nil)
	_, err := reg.Publish(reg.NewSnapshot(datasets))
	require.NoError(t, err)
	disp := &dispatch.Dispatcher{
		Registry: reg,
		Policy:   access.NewPolicy(access.Config{}, nil),
		Retrier:  dispatch.NewRetrier(1, time.Millisecond, nil),
	}
	return New(Config{BasePath: "/erddap"}, disp)
}

func get(h *Handler, rest string, q url.Values) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodGet, "http://example.com/erddap/sos/"+rest+"?"+q.Encode(), nil)
	w := httptest.NewRecorder()
	h.Serve(w, r, rest)
	return w
}

func query(kv ...string) url.Values {
	q := url.Values{"service": {"SOS"}, "version": {Version}}
	for i := 0; i+1 < len(kv); i += 2 {
		q.Set(kv[i], kv[i+1])
	}
	return q
}

type exceptionDoc struct {
	Version   string `xml:"version,attr"`
	Exception struct {
		Code    string `xml:"exceptionCode,attr"`
		Locator string `xml:"locator,attr"`
		Text    string `xml:"ExceptionText"`
	} `xml:"Exception"`
}

func TestGetCapabilities(t *testing.T) {
	h := newHandler(t, buoys(t, "ndbc", "TimeSeries"))
	w := get(h, "ndbc/server", url.Values{"service": {"SOS"}, "request": {"GetCapabilities"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "text/xml", w.Header().Get("Content-Type"))

	var doc struct {
		Title      string `xml:"ServiceIdentification>Title"`
		Operations []struct {
			Name string `xml:"name,attr"`
			Get  struct {
				Href string `xml:"href,attr"`
			} `xml:"DCP>HTTP>Get"`
		} `xml:"OperationsMetadata>Operation"`
		Offerings []struct {
			ID    string `xml:"id,attr"`
			Name  string `xml:"name"`
			Lower string `xml:"boundedBy>Envelope>lowerCorner"`
			Upper string `xml:"boundedBy>Envelope>upperCorner"`
			Begin string `xml:"time>TimePeriod>beginPosition"`
			End   string `xml:"time>TimePeriod>endPosition"`
			Props []struct {
				Href string `xml:"href,attr"`
			} `xml:"observedProperty"`
		} `xml:"Contents>ObservationOfferingList>ObservationOffering"`
	}
	require.NoError(t, xml.Unmarshal(w.Body.Bytes(), &doc))
	assert.Equal(t, "Buoys", doc.Title)
	require.Len(t, doc.Operations, 3)
	assert.Equal(t, "http://example.com/erddap/sos/ndbc/server", doc.Operations[2].Get.Href)

	require.Len(t, doc.Offerings, 3)
	network := doc.Offerings[0]
	assert.Equal(t, "network-ndbc", network.ID)
	assert.Equal(t, "urn:ioos:network:gateway:ndbc", network.Name)
	assert.Equal(t, "32 -75", network.Lower)
	assert.Equal(t, "34 -72", network.Upper)
	assert.Equal(t, "2020-01-01T00:00:00Z", network.Begin)
	assert.Equal(t, "2020-01-02T00:00:00Z", network.End)
	require.Len(t, network.Props, 2)
	assert.Equal(t, "http://mmisw.org/ont/cf/parameter/sea_water_temperature", network.Props[0].Href)
	assert.Equal(t, "urn:ioos:def:property:gateway:wspd", network.Props[1].Href)

	assert.Equal(t, "urn:ioos:station:gateway:41001", doc.Offerings[1].Name)
	assert.Equal(t, "34 -72", doc.Offerings[1].Lower)
	assert.Equal(t, "station-41002", doc.Offerings[2].ID)
}

func TestDescribeSensor(t *testing.T) {
	h := newHandler(t, buoys(t, "ndbc", "TimeSeries"))

	type sml struct {
		Identifier struct {
			Name  string `xml:"name,attr"`
			Value string `xml:"Term>value"`
		} `xml:"member>System>identification>IdentifierList>identifier"`
		Pos        string `xml:"member>System>location>Point>pos"`
		Components []struct {
			Name string `xml:"name,attr"`
		} `xml:"member>System>components>ComponentList>component"`
		Outputs []struct {
			Name string `xml:"name,attr"`
			Uom  struct {
				Code string `xml:"code,attr"`
			} `xml:"Quantity>uom"`
		} `xml:"member>System>outputs>OutputList>output"`
	}

	w := get(h, "ndbc/server", query("request", "DescribeSensor", "outputFormat", SensorML, "procedure", "urn:ioos:station:gateway:41001"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, SensorML, w.Header().Get("Content-Type"))
	var station sml
	require.NoError(t, xml.Unmarshal(w.Body.Bytes(), &station))
	assert.Equal(t, "stationID", station.Identifier.Name)
	assert.Equal(t, "urn:ioos:station:gateway:41001", station.Identifier.Value)
	assert.Equal(t, "34 -72", station.Pos)
	assert.Empty(t, station.Components)
	require.Len(t, station.Outputs, 2)
	assert.Equal(t, "degree_C", station.Outputs[0].Uom.Code)

	w = get(h, "ndbc/server", query("request", "DescribeSensor", "outputFormat", SensorML, "procedure", "urn:ioos:network:gateway:ndbc"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var network sml
	require.NoError(t, xml.Unmarshal(w.Body.Bytes(), &network))
	assert.Equal(t, "networkID", network.Identifier.Name)
	assert.Empty(t, network.Pos)
	require.Len(t, network.Components, 2)
	assert.Equal(t, "41002", network.Components[1].Name)
}

func TestGetObservationCSV(t *testing.T) {
	h := newHandler(t, buoys(t, "ndbc", "TimeSeries"))
	header := "station_id,longitude (degrees_east),latitude (degrees_north),date_time,"

	tests := []struct {
		name string
		q    url.Values
		want string
	}{
		{
			name: "station time range",
			q:    query("request", "GetObservation", "responseFormat", FormatCSV, "offering", "urn:ioos:station:gateway:41001", "observedProperty", "wtemp", "eventTime", "2020-01-01T00:00:00Z/2020-01-02T00:00:00Z"),
			want: header + "wtemp (degree_C)\n" +
				"urn:ioos:station:gateway:41001,-72,34,2020-01-01T00:00:00Z,20\n" +
				"urn:ioos:station:gateway:41001,-72,34,2020-01-02T00:00:00Z,21\n",
		},
		{
			name: "single time by standard name URN",
			q:    query("request", "GetObservation", "responseFormat", FormatCSV, "offering", "ndbc", "observedProperty", "http://mmisw.org/ont/cf/parameter/sea_water_temperature", "eventTime", "2020-01-01T00:00:00Z"),
			want: header + "wtemp (degree_C)\n" +
				"urn:ioos:station:gateway:41001,-72,34,2020-01-01T00:00:00Z,20\n" +
				"urn:ioos:station:gateway:41002,-75,32,2020-01-01T00:00:00Z,18\n",
		},
		{
			name: "latest per station",
			q:    query("request", "GetObservation", "responseFormat", FormatCSV, "offering", "urn:ioos:network:gateway:ndbc", "observedProperty", "wtemp,urn:ioos:def:property:gateway:wspd"),
			want: header + "wtemp (degree_C),wspd (m s-1)\n" +
				"urn:ioos:station:gateway:41001,-72,34,2020-01-02T00:00:00Z,21,6\n" +
				"urn:ioos:station:gateway:41002,-75,32,2020-01-02T00:00:00Z,,8\n",
		},
		{
			name: "bounding box",
			q:    query("request", "GetObservation", "responseFormat", FormatCSV, "offering", "ndbc", "observedProperty", "wspd", "featureOfInterest", "BBOX:-74,33,-70,35"),
			want: header + "wspd (m s-1)\n" +
				"urn:ioos:station:gateway:41001,-72,34,2020-01-02T00:00:00Z,6\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := get(h, "ndbc/server", tt.q)
			require.Equal(t, http.StatusOK, w.Code, w.Body.String())
			assert.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), FormatCSV))
			assert.Equal(t, tt.want, w.Body.String())
		})
	}
}

func TestGetObservationOM(t *testing.T) {
	h := newHandler(t, buoys(t, "ndbc", "TimeSeries"))
	w := get(h, "ndbc/server", query("request", "GetObservation", "responseFormat", FormatOM, "offering", "41002", "observedProperty", "wtemp,wspd", "eventTime", "2020-01-01/2020-01-03"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, FormatOM, w.Header().Get("Content-Type"))

	var doc struct {
		ID          string `xml:"id,attr"`
		Lower       string `xml:"boundedBy>Envelope>lowerCorner"`
		Observation struct {
			Begin     string `xml:"samplingTime>TimePeriod>beginPosition"`
			End       string `xml:"samplingTime>TimePeriod>endPosition"`
			Procedure struct {
				Href string `xml:"href,attr"`
			} `xml:"procedure"`
			Phenomenon struct {
				Dimension int `xml:"dimension,attr"`
			} `xml:"observedProperty>CompositePhenomenon"`
			Count  int `xml:"result>DataArray>elementCount>Count>value"`
			Fields []struct {
				Name     string `xml:"name,attr"`
				Quantity struct {
					Definition string `xml:"definition,attr"`
					Uom        *struct {
						Code string `xml:"code,attr"`
					} `xml:"uom"`
				} `xml:"Quantity"`
			} `xml:"result>DataArray>elementType>DataRecord>field"`
			Encoding struct {
				Token string `xml:"tokenSeparator,attr"`
				Block string `xml:"blockSeparator,attr"`
			} `xml:"result>DataArray>encoding>TextBlock"`
			Values string `xml:"result>DataArray>values"`
		} `xml:"member>Observation"`
	}
	require.NoError(t, xml.Unmarshal(w.Body.Bytes(), &doc))
	assert.Equal(t, "ndbc", doc.ID)
	assert.Equal(t, "32 -75", doc.Lower)
	obs := doc.Observation
	assert.Equal(t, "2020-01-01T00:00:00Z", obs.Begin)
	assert.Equal(t, "2020-01-02T00:00:00Z", obs.End)
	assert.Equal(t, "urn:ioos:station:gateway:41002", obs.Procedure.Href)
	assert.Equal(t, 2, obs.Phenomenon.Dimension)
	assert.Equal(t, 2, obs.Count)
	require.Len(t, obs.Fields, 6)
	assert.Equal(t, "wspd", obs.Fields[5].Name)
	assert.Equal(t, "urn:ioos:identifier", obs.Fields[0].Quantity.Definition)
	assert.Nil(t, obs.Fields[0].Quantity.Uom, "station ids have no units")
	require.NotNil(t, obs.Fields[4].Quantity.Uom)
	assert.Equal(t, "degree_C", obs.Fields[4].Quantity.Uom.Code)
	assert.Contains(t, obs.Fields[4].Quantity.Definition, "sea_water_temperature")
	assert.Equal(t, ",", obs.Encoding.Token)
	assert.Equal(t, " ", obs.Encoding.Block)
	assert.Equal(t,
		"urn:ioos:station:gateway:41002,2020-01-01T00:00:00Z,-75,32,18,7 "+
			"urn:ioos:station:gateway:41002,2020-01-02T00:00:00Z,-75,32,,8",
		obs.Values)
}

func TestExceptions(t *testing.T) {
	h := newHandler(t, buoys(t, "ndbc", "TimeSeries"), buoys(t, "points", "Point"))
	obs := func(kv ...string) url.Values {
		return query(append([]string{"request", "GetObservation", "responseFormat", FormatCSV, "offering", "ndbc", "observedProperty", "wtemp"}, kv...)...)
	}

	tests := []struct {
		name    string
		rest    string
		q       url.Values
		status  int
		code    string
		locator string
		text    string
	}{
		{"unknown dataset", "nope/server", query("request", "GetCapabilities"), http.StatusNotFound, "NoApplicableCode", "", "Resource not found: datasetID=nope"},
		{"not a time series", "points/server", query("request", "GetCapabilities"), http.StatusNotFound, "NoApplicableCode", "", "cdm_data_type=TimeSeries"},
		{"bad path", "ndbc/other", query("request", "GetCapabilities"), http.StatusNotFound, "NoApplicableCode", "", "Resource not found"},
		{"wrong service", "ndbc/server", url.Values{"service": {"WMS"}, "request": {"GetCapabilities"}}, http.StatusBadRequest, "InvalidParameterValue", "service", "must be SOS."},
		{"wrong version", "ndbc/server", url.Values{"service": {"SOS"}, "version": {"2.0.0"}, "request": {"GetObservation"}}, http.StatusBadRequest, "InvalidParameterValue", "version", "must be 1.0.0."},
		{"accept versions", "ndbc/server", url.Values{"service": {"SOS"}, "request": {"GetCapabilities"}, "AcceptVersions": {"2.0.0"}}, http.StatusBadRequest, "InvalidParameterValue", "AcceptVersions", "must include 1.0.0."},
		{"missing request", "ndbc/server", query(), http.StatusBadRequest, "InvalidParameterValue", "request", "is missing."},
		{"unsupported request", "ndbc/server", query("request", "GetResult"), http.StatusNotImplemented, "InvalidParameterValue", "request", "request=GetResult is not supported"},
		{"sensor output format", "ndbc/server", query("request", "DescribeSensor", "procedure", "ndbc", "outputFormat", "text/plain"), http.StatusBadRequest, "InvalidParameterValue", "outputFormat", "must be " + SensorML},
		{"missing offering", "ndbc/server", query("request", "GetObservation", "responseFormat", FormatCSV, "observedProperty", "wtemp"), http.StatusBadRequest, "InvalidParameterValue", "offering", "is missing."},
		{"foreign urn", "ndbc/server", obs("offering", "urn:ioos:station:other:41001"), http.StatusBadRequest, "InvalidParameterValue", "offering", "not a valid offering URN"},
		{"unknown station", "ndbc/server", obs("offering", "99999"), http.StatusBadRequest, "InvalidParameterValue", "offering", "99999 is not a station"},
		{"unknown property", "ndbc/server", obs("observedProperty", "salinity"), http.StatusBadRequest, "InvalidParameterValue", "observedProperty", "salinity is not an observedProperty"},
		{"response format", "ndbc/server", obs("responseFormat", "application/json"), http.StatusBadRequest, "InvalidParameterValue", "responseFormat", "must be text/csv"},
		{"event time", "ndbc/server", obs("eventTime", "2020-01-03/2020-01-01"), http.StatusBadRequest, "InvalidParameterValue", "eventTime", "ISO 8601"},
		{"bbox", "ndbc/server", obs("featureOfInterest", "BBOX:1,2,3"), http.StatusBadRequest, "InvalidParameterValue", "featureOfInterest", "BBOX:minLon"},
		{"no rows", "ndbc/server", obs("eventTime", "2021-01-01"), http.StatusNotFound, "NoApplicableCode", "", "no matching results"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := get(h, tt.rest, tt.q)
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, "text/xml", w.Header().Get("Content-Type"))
			var rep exceptionDoc
			require.NoError(t, xml.Unmarshal(w.Body.Bytes(), &rep), w.Body.String())
			assert.Equal(t, "1.1.0", rep.Version)
			assert.Equal(t, tt.code, rep.Exception.Code)
			assert.Equal(t, tt.locator, rep.Exception.Locator)
			assert.Contains(t, rep.Exception.Text, tt.text)
		})
	}
}

func TestExceptionCode(t *testing.T) {
	code, locator := exceptionCode(failure.KindBadRequest, "Query error: eventTime=x must be an ISO 8601 time.")
	assert.Equal(t, "InvalidParameterValue", code)
	assert.Equal(t, "eventTime", locator)

	code, locator = exceptionCode(failure.KindUnsupported, "Query error: request=GetResult is not supported.")
	assert.Equal(t, "InvalidParameterValue", code, "the message pattern wins over the kind")
	assert.Equal(t, "request", locator)

	code, locator = exceptionCode(failure.KindUnsupported, "GetResult is not implemented.")
	assert.Equal(t, "OperationNotSupported", code)
	assert.Empty(t, locator)

	code, locator = exceptionCode(failure.KindNoData, "Your query produced no matching results.")
	assert.Equal(t, "NoApplicableCode", code)
	assert.Empty(t, locator)
}

func TestOffering(t *testing.T) {
	h := newHandler(t)
	ds := buoys(t, "ndbc", "TimeSeries")

	tests := []struct {
		value   string
		want    []string
		wantErr bool
	}{
		{value: "ndbc"},
		{value: "urn:ioos:network:gateway:ndbc"},
		{value: "urn:ioos:station:gateway:41001", want: []string{"41001"}},
		{value: "41002", want: []string{"41002"}},
		{value: "urn:ioos:network:gateway:other", wantErr: true},
		{value: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			got, err := h.offering(ds, "offering", tt.value)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
