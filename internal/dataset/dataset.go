package dataset

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/exp/slices"
)

// Kind distinguishes grid datasets from table datasets.
type Kind int

const (
	// Grid datasets have axis variables and n-dimensional data variables.
	Grid Kind = iota
	// Table datasets are sequences of rows.
	Table
)

func (k Kind) String() string {
	if k == Table {
		return "table"
	}
	return "grid"
}

// Protocol returns the DAP-style protocol name serving this kind.
func (k Kind) Protocol() string {
	if k == Table {
		return "tabledap"
	}
	return "griddap"
}

// Protocol names used for capability checks.
const (
	ProtocolWMS    = "wms"
	ProtocolWCS    = "wcs"
	ProtocolSOS    = "sos"
	ProtocolMAG    = "mag"
	ProtocolSubset = "subset"
)

// Capabilities holds one flag per optional protocol. An empty string means
// the protocol is enabled; otherwise the string explains why it is not.
type Capabilities struct {
	WMS    string `json:"accessibleViaWMS"`
	WCS    string `json:"accessibleViaWCS"`
	SOS    string `json:"accessibleViaSOS"`
	MAG    string `json:"accessibleViaMAG"`
	Subset string `json:"accessibleViaSubset"`
}

// Reason returns the disabled reason for protocol, or "" when enabled.
func (c Capabilities) Reason(protocol string) string {
	switch protocol {
	case ProtocolWMS:
		return c.WMS
	case ProtocolWCS:
		return c.WCS
	case ProtocolSOS:
		return c.SOS
	case ProtocolMAG:
		return c.MAG
	case ProtocolSubset:
		return c.Subset
	}
	return "unknown protocol " + protocol
}

// Enabled reports whether protocol is enabled.
func (c Capabilities) Enabled(protocol string) bool {
	return c.Reason(protocol) == ""
}

// ColorBar describes how a variable is color-mapped in images.
type ColorBar struct {
	Min        float64
	Max        float64
	Palette    string
	Scale      string // "Linear" or "Log"
	Continuous bool
	NSections  int
}

// ColorBarFromAttributes builds a ColorBar from the colorBar* attributes.
// It returns nil unless both colorBarMinimum and colorBarMaximum are
// finite numbers.
func ColorBarFromAttributes(attrs Attributes) *ColorBar {
	lo, okLo := attrs.Float("colorBarMinimum")
	hi, okHi := attrs.Float("colorBarMaximum")
	if !okLo || !okHi || math.IsNaN(lo) || math.IsNaN(hi) || math.IsInf(lo, 0) || math.IsInf(hi, 0) || lo == hi {
		return nil
	}
	cb := &ColorBar{
		Min:        lo,
		Max:        hi,
		Palette:    attrs.String("colorBarPalette"),
		Scale:      attrs.String("colorBarScale"),
		Continuous: !strings.EqualFold(attrs.String("colorBarContinuous"), "false"),
	}
	if cb.Palette == "" {
		cb.Palette = "Rainbow"
	}
	if cb.Scale == "" {
		cb.Scale = "Linear"
	}
	if n, ok := attrs.Float("colorBarNSections"); ok && n > 0 {
		cb.NSections = int(n)
	}
	return cb
}

// Variable is a data variable of a dataset.
type Variable struct {
	Name       string
	Type       string // "double", "float", "int", "short", "byte" or "String"
	Units      string
	Attributes Attributes
	ColorBar   *ColorBar
}

// IsString reports whether the variable holds strings.
func (v *Variable) IsString() bool {
	return strings.EqualFold(v.Type, "String")
}

// IsTime reports whether the variable holds epoch-second times.
func (v *Variable) IsTime() bool {
	return strings.EqualFold(v.Name, "time") || v.Units == TimeUnits
}

// DAPType returns the DAP2 type name of the variable.
func (v *Variable) DAPType() string {
	return dapType(v.Type)
}

// IsMissing reports whether value is NaN or one of the variable's
// _FillValue / missing_value markers.
func (v *Variable) IsMissing(value float64) bool {
	if math.IsNaN(value) {
		return true
	}
	for _, name := range []string{"_FillValue", "missing_value"} {
		if mv, ok := v.Attributes.Float(name); ok && mv == value {
			return true
		}
	}
	return false
}

func dapType(t string) string {
	switch strings.ToLower(t) {
	case "string":
		return "String"
	case "float":
		return "Float32"
	case "int":
		return "Int32"
	case "short":
		return "Int16"
	case "byte":
		return "Byte"
	default:
		return "Float64"
	}
}

// Config is everything needed to construct a Dataset.
type Config struct {
	ID                       string
	Title                    string
	Kind                     Kind
	Axes                     []Axis
	Variables                []Variable
	GlobalAttributes         Attributes
	AccessibleTo             []string
	GraphsAccessibleToPublic bool
	CacheDir                 string
	ReloadEvery              time.Duration
	// Disabled forces protocols off, mapping protocol name to reason.
	Disabled map[string]string
	Grid     GridReader
	Table    TableReader
}

// Dataset is an immutable catalog entry. A changed dataset is represented
// by a new Dataset with a new Generation; callers must not modify the
// exported slices.
type Dataset struct {
	ID               string
	Title            string
	Kind             Kind
	Axes             []Axis
	Variables        []Variable
	GlobalAttributes Attributes
	// AccessibleTo lists the roles allowed to read the data; nil means public.
	AccessibleTo             []string
	GraphsAccessibleToPublic bool
	CacheDir                 string
	Capabilities             Capabilities
	Generation               uint64
	LoadedAt                 time.Time
	ReloadEvery              time.Duration

	grid  GridReader
	table TableReader
}

var (
	generation atomic.Uint64
	idPattern  = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
)

// ErrInvalidID is returned for dataset ids that are not filesystem safe.
var ErrInvalidID = errors.New("datasetID must contain only letters, digits, '_' and '-'")

// ValidID reports whether id is a legal, filesystem-safe dataset id.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// New validates cfg and builds a Dataset with a fresh generation number.
func New(cfg Config) (*Dataset, error) {
	if !ValidID(cfg.ID) {
		return nil, fmt.Errorf("datasetID=%q: %w", cfg.ID, ErrInvalidID)
	}
	ds := &Dataset{
		ID:                       cfg.ID,
		Title:                    cfg.Title,
		Kind:                     cfg.Kind,
		GlobalAttributes:         slices.Clone(cfg.GlobalAttributes),
		GraphsAccessibleToPublic: cfg.GraphsAccessibleToPublic,
		CacheDir:                 cfg.CacheDir,
		ReloadEvery:              cfg.ReloadEvery,
		LoadedAt:                 time.Now(),
		grid:                     cfg.Grid,
		table:                    cfg.Table,
	}
	if ds.Title == "" {
		ds.Title = ds.GlobalAttributes.String("title")
	}
	if cfg.AccessibleTo != nil {
		ds.AccessibleTo = slices.Clone(cfg.AccessibleTo)
	}
	if ds.CacheDir == "" {
		ds.CacheDir = ds.ID
	}

	switch cfg.Kind {
	case Grid:
		if len(cfg.Axes) == 0 {
			return nil, fmt.Errorf("dataset %s: grid datasets need at least one axis", cfg.ID)
		}
		if cfg.Grid == nil {
			return nil, fmt.Errorf("dataset %s: grid datasets need a grid reader", cfg.ID)
		}
		for _, a := range cfg.Axes {
			ax, err := NewAxis(a.Name, a.Units, a.Values, a.Attributes)
			if err != nil {
				return nil, fmt.Errorf("dataset %s: %w", cfg.ID, err)
			}
			ds.Axes = append(ds.Axes, ax)
		}
	case Table:
		if cfg.Table == nil {
			return nil, fmt.Errorf("dataset %s: table datasets need a table reader", cfg.ID)
		}
	default:
		return nil, fmt.Errorf("dataset %s: unknown kind %d", cfg.ID, cfg.Kind)
	}

	if len(cfg.Variables) == 0 {
		return nil, fmt.Errorf("dataset %s: no data variables", cfg.ID)
	}
	seen := make(map[string]bool)
	for _, a := range ds.Axes {
		seen[a.Name] = true
	}
	for _, v := range cfg.Variables {
		if v.Name == "" || seen[v.Name] {
			return nil, fmt.Errorf("dataset %s: duplicate or empty variable name %q", cfg.ID, v.Name)
		}
		seen[v.Name] = true
		v.Attributes = slices.Clone(v.Attributes)
		if v.Type == "" {
			v.Type = "double"
		}
		if v.Units == "" {
			v.Units = v.Attributes.String("units")
		}
		if v.ColorBar == nil && !v.IsString() {
			v.ColorBar = ColorBarFromAttributes(v.Attributes)
		}
		ds.Variables = append(ds.Variables, v)
	}

	ds.Capabilities = ds.computeCapabilities(cfg.Disabled)
	ds.Generation = generation.Add(1)
	return ds, nil
}

func (d *Dataset) computeCapabilities(disabled map[string]string) Capabilities {
	var c Capabilities
	switch d.Kind {
	case Grid:
		c.SOS = "SOS is only for table datasets."
		c.Subset = "Subset is only for table datasets."
		lon, lat := d.LonIndex(), d.LatIndex()
		switch {
		case lon < 0 || lat < 0:
			c.WMS = "WMS requires longitude and latitude axes."
		case !d.Axes[lon].EvenlySpaced || !d.Axes[lat].EvenlySpaced:
			c.WMS = "WMS requires evenly spaced longitude and latitude axes."
		case d.Axes[lon].Min() < -180 || d.Axes[lon].Max() > 360:
			c.WMS = "WMS requires longitude values within -180 to 360."
		}
		c.WCS = strings.Replace(c.WMS, "WMS", "WCS", 1)
	case Table:
		c.WMS = "WMS is only for grid datasets."
		c.WCS = "WCS is only for grid datasets."
		c.SOS = d.sosReason()
		if d.GlobalAttributes.String("subsetVariables") == "" {
			c.Subset = "No subsetVariables attribute."
		}
	}
	for protocol, reason := range disabled {
		if reason == "" {
			reason = "Disabled by configuration."
		}
		switch protocol {
		case ProtocolWMS:
			c.WMS = reason
		case ProtocolWCS:
			c.WCS = reason
		case ProtocolSOS:
			c.SOS = reason
		case ProtocolMAG:
			c.MAG = reason
		case ProtocolSubset:
			c.Subset = reason
		}
	}
	return c
}

func (d *Dataset) sosReason() string {
	if !strings.EqualFold(d.GlobalAttributes.String("cdm_data_type"), "TimeSeries") {
		return "SOS requires cdm_data_type=TimeSeries."
	}
	for _, name := range []string{"longitude", "latitude", "time"} {
		if d.Variable(name) == nil {
			return "SOS requires a " + name + " variable."
		}
	}
	if d.StationVariable() == nil {
		return "SOS requires a variable with cf_role=timeseries_id."
	}
	return ""
}

// IsPublic reports whether the dataset has no access restriction.
func (d *Dataset) IsPublic() bool {
	return d.AccessibleTo == nil
}

// Variable returns the named data variable or nil.
func (d *Dataset) Variable(name string) *Variable {
	for i := range d.Variables {
		if d.Variables[i].Name == name {
			return &d.Variables[i]
		}
	}
	return nil
}

// AxisIndex returns the index of the named axis or -1.
func (d *Dataset) AxisIndex(name string) int {
	return slices.IndexFunc(d.Axes, func(a Axis) bool { return a.Name == name })
}

func (d *Dataset) axisWith(pred func(*Axis) bool) int {
	for i := range d.Axes {
		if pred(&d.Axes[i]) {
			return i
		}
	}
	return -1
}

// LonIndex returns the index of the longitude axis or -1.
func (d *Dataset) LonIndex() int { return d.axisWith((*Axis).IsLongitude) }

// LatIndex returns the index of the latitude axis or -1.
func (d *Dataset) LatIndex() int { return d.axisWith((*Axis).IsLatitude) }

// TimeIndex returns the index of the time axis or -1.
func (d *Dataset) TimeIndex() int { return d.axisWith((*Axis).IsTime) }

// ElevationIndex returns the index of the vertical axis or -1.
func (d *Dataset) ElevationIndex() int { return d.axisWith((*Axis).IsElevation) }

// StationVariable returns the table variable with cf_role=timeseries_id.
func (d *Dataset) StationVariable() *Variable {
	for i := range d.Variables {
		if d.Variables[i].Attributes.String("cf_role") == "timeseries_id" {
			return &d.Variables[i]
		}
	}
	return nil
}

// ReadGrid reads variable over ranges (one per axis, in axis order).
func (d *Dataset) ReadGrid(ctx context.Context, variable string, ranges []IndexRange) (*GridData, error) {
	if d.Kind != Grid || d.grid == nil {
		return nil, fmt.Errorf("dataset %s is not a grid dataset", d.ID)
	}
	if len(ranges) != len(d.Axes) {
		return nil, fmt.Errorf("dataset %s: got %d ranges for %d axes", d.ID, len(ranges), len(d.Axes))
	}
	for i, r := range ranges {
		if err := r.Validate(d.Axes[i].Len()); err != nil {
			return nil, fmt.Errorf("axis %s: %w", d.Axes[i].Name, err)
		}
	}
	values, err := d.grid.ReadGrid(ctx, variable, ranges)
	if err != nil {
		return nil, err
	}
	g := &GridData{Ranges: slices.Clone(ranges), Values: values}
	if len(values) != g.Size() {
		return nil, fmt.Errorf("dataset %s: reader returned %d values, want %d", d.ID, len(values), g.Size())
	}
	return g, nil
}

// ReadTable reads the full table.
func (d *Dataset) ReadTable(ctx context.Context) (*TableData, error) {
	if d.Kind != Table || d.table == nil {
		return nil, fmt.Errorf("dataset %s is not a table dataset", d.ID)
	}
	return d.table.ReadTable(ctx)
}
