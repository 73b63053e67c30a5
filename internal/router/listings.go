package router

import (
	"encoding/json"
	"html/template"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/BobSimons/erddap-sub000/internal/access"
	"github.com/BobSimons/erddap-sub000/internal/dataset"
	"github.com/BobSimons/erddap-sub000/internal/failure"
)

// jsonTable is the {"table": {...}} layout shared with the DAP .json
// responses.
type jsonTable struct {
	Table struct {
		ColumnNames []string   `json:"columnNames"`
		ColumnTypes []string   `json:"columnTypes"`
		Rows        [][]string `json:"rows"`
	} `json:"table"`
}

func writeTable(w http.ResponseWriter, columns []string, rows [][]string) {
	var doc jsonTable
	doc.Table.ColumnNames = columns
	doc.Table.ColumnTypes = make([]string, len(columns))
	for i := range columns {
		doc.Table.ColumnTypes[i] = "String"
	}
	doc.Table.Rows = rows
	if doc.Table.Rows == nil {
		doc.Table.Rows = [][]string{}
	}
	writeJSON(w, doc)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// listingFor says which datasets a protocol listing shows.
var listingFor = map[string]struct {
	kind       dataset.Kind
	capability string
	endpoint   func(id string) string
}{
	Griddap:  {dataset.Grid, "", func(id string) string { return "/griddap/" + id }},
	Tabledap: {dataset.Table, "", func(id string) string { return "/tabledap/" + id }},
	WMS:      {dataset.Grid, dataset.ProtocolWMS, func(id string) string { return "/wms/" + id + "/request" }},
	WCS:      {dataset.Grid, dataset.ProtocolWCS, func(id string) string { return "/wcs/" + id + "/request" }},
	SOS:      {dataset.Table, dataset.ProtocolSOS, func(id string) string { return "/sos/" + id + "/server" }},
}

// accessible describes whether ident may read ds.
func (rt *Router) accessible(ds *dataset.Dataset, ident access.Identity) string {
	switch {
	case ds.IsPublic():
		return "public"
	case rt.policy.CanRead(ds, ident):
		return "yes"
	}
	return "log in"
}

// listing serves {base}/{proto}/index.json: the visible datasets the
// protocol serves, sorted by id.
func (rt *Router) listing(w http.ResponseWriter, r *http.Request) {
	proto := param(r, "proto")
	l, ok := listingFor[proto]
	if _, routed := rt.table[proto]; !ok || !routed {
		rt.notFound(w, r)
		return
	}
	snap := rt.reg.Snapshot()
	ident := rt.policy.Identify(r)
	var rows [][]string
	for _, id := range snap.List(l.kind, true) {
		ds, ok := snap.Lookup(l.kind, id)
		if !ok || (l.capability != "" && !ds.Capabilities.Enabled(l.capability)) || !rt.policy.IsVisible(ds, ident) {
			continue
		}
		rows = append(rows, []string{
			ds.ID,
			ds.Title,
			ds.GlobalAttributes.String("institution"),
			rt.accessible(ds, ident),
			rt.absolute(r, l.endpoint(ds.ID)),
		})
	}
	writeTable(w, []string{"Dataset ID", "Title", "Institution", "Accessible", "URL"}, rows)
}

// allDatasets serves {base}/info/index.json.
func (rt *Router) allDatasets(w http.ResponseWriter, r *http.Request) {
	snap := rt.reg.Snapshot()
	ident := rt.policy.Identify(r)
	var rows [][]string
	for _, kind := range []dataset.Kind{dataset.Grid, dataset.Table} {
		for _, id := range snap.List(kind, true) {
			ds, ok := snap.Lookup(kind, id)
			if !ok || !rt.policy.IsVisible(ds, ident) {
				continue
			}
			rows = append(rows, []string{
				ds.ID,
				kind.Protocol(),
				ds.Title,
				rt.accessible(ds, ident),
				rt.absolute(r, "/info/"+ds.ID+"/index.json"),
			})
		}
	}
	writeTable(w, []string{"Dataset ID", "Protocol", "Title", "Accessible", "Info"}, rows)
}

func attributeRows(rows [][]string, owner string, attrs dataset.Attributes) [][]string {
	for _, a := range attrs {
		typ := "String"
		if _, ok := a.Value.(float64); ok {
			typ = "double"
		}
		rows = append(rows, []string{"attribute", owner, a.Name, typ, dataset.FormatValue(a.Value)})
	}
	return rows
}

// info serves {base}/info/{id}/index.json: global attributes, axes,
// variables and the protocol capability flags of one dataset.
func (rt *Router) info(w http.ResponseWriter, r *http.Request) {
	id := param(r, "id")
	ds, ok := rt.reg.Snapshot().LookupAny(id)
	if !ok || !rt.policy.IsVisible(ds, rt.policy.Identify(r)) {
		writeError(w, failure.NotFound("Resource not found: datasetID=%s", id))
		return
	}

	rows := attributeRows(nil, "NC_GLOBAL", ds.GlobalAttributes)
	var dims []string
	for i := range ds.Axes {
		a := &ds.Axes[i]
		dims = append(dims, a.Name)
		desc := "nValues=" + strconv.Itoa(a.Len())
		if a.EvenlySpaced {
			desc += ", evenly spaced, averageSpacing=" + dataset.FormatNumber(a.Spacing)
		} else {
			desc += ", uneven"
		}
		rows = append(rows, []string{"dimension", a.Name, "", "double", desc})
		rows = attributeRows(rows, a.Name, a.Attributes)
	}
	for i := range ds.Variables {
		v := &ds.Variables[i]
		rows = append(rows, []string{"variable", v.Name, "", v.Type, strings.Join(dims, ", ")})
		if v.Units != "" {
			rows = append(rows, []string{"attribute", v.Name, "units", "String", v.Units})
		}
		rows = attributeRows(rows, v.Name, v.Attributes)
	}
	for _, p := range []string{dataset.ProtocolWMS, dataset.ProtocolWCS, dataset.ProtocolSOS, dataset.ProtocolMAG, dataset.ProtocolSubset} {
		value := "enabled"
		if reason := ds.Capabilities.Reason(p); reason != "" {
			value = reason
		}
		rows = append(rows, []string{"capability", p, "", "String", value})
	}
	writeTable(w, []string{"Row Type", "Variable Name", "Attribute Name", "Data Type", "Value"}, rows)
}

// categoryAttributes serves {base}/categorize/index.json.
func (rt *Router) categoryAttributes(w http.ResponseWriter, r *http.Request) {
	var rows [][]string
	for _, attr := range rt.reg.Snapshot().CategoryAttributes() {
		rows = append(rows, []string{attr, rt.absolute(r, "/categorize/"+url.PathEscape(attr)+"/index.json")})
	}
	writeTable(w, []string{"Categorize", "URL"}, rows)
}

// categoryValues serves {base}/categorize/{attr}/index.json.
func (rt *Router) categoryValues(w http.ResponseWriter, r *http.Request) {
	attr := param(r, "attr")
	values := rt.reg.Snapshot().CategoryValues(attr)
	if values == nil {
		writeError(w, failure.NotFound("Resource not found: categoryAttribute=%s", attr))
		return
	}
	var rows [][]string
	for _, v := range values {
		rows = append(rows, []string{v, rt.absolute(r, "/categorize/"+url.PathEscape(attr)+"/"+url.PathEscape(v)+"/index.json")})
	}
	writeTable(w, []string{"Category", "URL"}, rows)
}

// categoryDatasets serves {base}/categorize/{attr}/{value}/index.json:
// the visible datasets in one category.
func (rt *Router) categoryDatasets(w http.ResponseWriter, r *http.Request) {
	attr, value := param(r, "attr"), param(r, "value")
	snap := rt.reg.Snapshot()
	if snap.CategoryValues(attr) == nil {
		writeError(w, failure.NotFound("Resource not found: categoryAttribute=%s", attr))
		return
	}
	ident := rt.policy.Identify(r)
	var rows [][]string
	for _, id := range snap.CategoryDatasetIDs(attr, value) {
		ds, ok := snap.LookupAny(id)
		if !ok || !rt.policy.IsVisible(ds, ident) {
			continue
		}
		rows = append(rows, []string{ds.ID, ds.Kind.Protocol(), ds.Title, rt.absolute(r, "/info/"+ds.ID+"/index.json")})
	}
	if len(rows) == 0 {
		writeError(w, failure.NoData("Your query produced no matching results. (%s=%s)", attr, value))
		return
	}
	writeTable(w, []string{"Dataset ID", "Protocol", "Title", "Info"}, rows)
}

type statusDoc struct {
	Generation    uint64         `json:"generation"`
	Datasets      map[string]int `json:"datasets"`
	Protocols     []string       `json:"protocols"`
	StartedAt     string         `json:"startedAt"`
	UptimeSeconds int64          `json:"uptimeSeconds"`
	RenderCache   *cacheStatus   `json:"renderCache,omitempty"`
}

type cacheStatus struct {
	Entries int   `json:"entries"`
	Bytes   int64 `json:"bytes"`
}

// status serves {base}/status.json.
func (rt *Router) status(w http.ResponseWriter, r *http.Request) {
	snap := rt.reg.Snapshot()
	doc := statusDoc{
		Generation: snap.Generation(),
		Datasets: map[string]int{
			dataset.Grid.String():  snap.Len(dataset.Grid),
			dataset.Table.String(): snap.Len(dataset.Table),
		},
		Protocols:     rt.protocols(),
		StartedAt:     rt.started.UTC().Format(time.RFC3339),
		UptimeSeconds: int64(time.Since(rt.started).Seconds()),
	}
	if rt.cfg.Cache != nil {
		st := rt.cfg.Cache.Stats()
		doc.RenderCache = &cacheStatus{Entries: st.Entries, Bytes: st.Bytes}
	}
	writeJSON(w, doc)
}

// protocols returns the routed protocols in routing-table order.
func (rt *Router) protocols() []string {
	var out []string
	for _, p := range []string{Griddap, Tabledap, WMS, WCS, SOS} {
		if _, ok := rt.table[p]; ok {
			out = append(out, p)
		}
	}
	return out
}

var homePage = template.Must(template.New("home").Parse(`<!DOCTYPE html>
<html>
<head><title>Data gateway</title></head>
<body>
<h1>Data gateway</h1>
<ul>
{{- range .Protocols}}
<li><a href="{{$.Base}}/{{.}}/index.json">{{.}}</a></li>
{{- end}}
<li><a href="{{.Base}}/info/index.json">all datasets</a></li>
<li><a href="{{.Base}}/categorize/index.json">categories</a></li>
<li><a href="{{.Base}}/status.json">status</a></li>
</ul>
</body>
</html>
`))

// home serves {base}/index.html.
func (rt *Router) home(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=UTF-8")
	err := homePage.Execute(w, struct {
		Base      string
		Protocols []string
	}{rt.cfg.BasePath, rt.protocols()})
	if err != nil {
		rt.log.Debug().Err(err).Msg("writing index.html failed")
	}
}
