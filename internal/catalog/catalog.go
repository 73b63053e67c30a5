// Package catalog reads dataset definitions from a YAML catalog file and
// builds dataset.Dataset values from them.
package catalog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"path"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BobSimons/erddap-sub000/internal/dataset"
)

// File is the top-level catalog document.
type File struct {
	Datasets []Definition `yaml:"datasets"`
}

// Definition describes one dataset.
type Definition struct {
	ID                       string            `yaml:"id"`
	Kind                     string            `yaml:"kind"`
	Title                    string            `yaml:"title,omitempty"`
	Active                   *bool             `yaml:"active,omitempty"`
	AccessibleTo             []string          `yaml:"accessibleTo,omitempty"`
	GraphsAccessibleToPublic bool              `yaml:"graphsAccessibleToPublic,omitempty"`
	ReloadEveryMinutes       int               `yaml:"reloadEveryMinutes,omitempty"`
	Disabled                 map[string]string `yaml:"disabled,omitempty"`
	Attributes               map[string]any    `yaml:"attributes,omitempty"`
	Axes                     []AxisDef         `yaml:"axes,omitempty"`
	Variables                []VariableDef     `yaml:"variables"`
	Source                   SourceDef         `yaml:"source"`
}

// AxisDef describes an axis either by explicit values or by start/stop/step.
type AxisDef struct {
	Name       string         `yaml:"name"`
	Units      string         `yaml:"units,omitempty"`
	Values     []any          `yaml:"values,omitempty"`
	Start      any            `yaml:"start,omitempty"`
	Stop       any            `yaml:"stop,omitempty"`
	Step       float64        `yaml:"step,omitempty"`
	Attributes map[string]any `yaml:"attributes,omitempty"`
}

// VariableDef describes a data variable.
type VariableDef struct {
	Name       string         `yaml:"name"`
	Type       string         `yaml:"type,omitempty"`
	Attributes map[string]any `yaml:"attributes,omitempty"`
	// Function names the synthetic generator for synthetic sources.
	Function string `yaml:"function,omitempty"`
	// File is the raw float32 file for raw sources.
	File string `yaml:"file,omitempty"`
}

// SourceDef selects the reader.
type SourceDef struct {
	Type string     `yaml:"type"`
	Path string     `yaml:"path,omitempty"`
	Rows [][]string `yaml:"rows,omitempty"`
}

// Source types.
const (
	SourceSynthetic = "synthetic"
	SourceRaw       = "raw"
	SourceCSV       = "csv"
	SourceInline    = "inline"
)

// IsActive reports whether the definition should be loaded.
func (d *Definition) IsActive() bool {
	return d.Active == nil || *d.Active
}

// Hash returns a digest of the definition, used to detect changes
// between reload cycles.
func (d *Definition) Hash() string {
	b, err := yaml.Marshal(d)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// DatasetKind returns the dataset kind named by the definition.
func (d *Definition) DatasetKind() (dataset.Kind, error) {
	switch strings.ToLower(d.Kind) {
	case "grid", "griddap", "":
		return dataset.Grid, nil
	case "table", "tabledap":
		return dataset.Table, nil
	}
	return 0, fmt.Errorf("dataset %s: unknown kind %q", d.ID, d.Kind)
}

// Loader reads the catalog file from fsys and builds datasets.
type Loader struct {
	fsys fs.FS
	file string
}

// NewLoader returns a loader for the catalog at file within fsys. Relative
// source paths are resolved against the catalog's directory.
func NewLoader(fsys fs.FS, file string) *Loader {
	return &Loader{fsys: fsys, file: file}
}

// ErrDuplicateID is returned when two definitions share an id.
var ErrDuplicateID = errors.New("duplicate datasetID")

// Definitions parses the catalog file and returns the active definitions
// in file order.
func (l *Loader) Definitions(ctx context.Context) ([]Definition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := fs.ReadFile(l.fsys, l.file)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", l.file, err)
	}
	var f File
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", l.file, err)
	}
	seen := make(map[string]bool)
	out := make([]Definition, 0, len(f.Datasets))
	for _, d := range f.Datasets {
		if seen[d.ID] {
			return nil, fmt.Errorf("catalog %s: %w %s", l.file, ErrDuplicateID, d.ID)
		}
		seen[d.ID] = true
		if d.IsActive() {
			out = append(out, d)
		}
	}
	return out, nil
}

func (l *Loader) resolve(p string) string {
	if p == "" || path.IsAbs(p) {
		return strings.TrimPrefix(p, "/")
	}
	return path.Join(path.Dir(l.file), p)
}

// Build constructs the dataset described by def.
func (l *Loader) Build(ctx context.Context, def Definition) (*dataset.Dataset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	kind, err := def.DatasetKind()
	if err != nil {
		return nil, err
	}
	cfg := dataset.Config{
		ID:                       def.ID,
		Title:                    def.Title,
		Kind:                     kind,
		GlobalAttributes:         dataset.NewAttributes(def.Attributes),
		AccessibleTo:             def.AccessibleTo,
		GraphsAccessibleToPublic: def.GraphsAccessibleToPublic,
		ReloadEvery:              time.Duration(def.ReloadEveryMinutes) * time.Minute,
		Disabled:                 def.Disabled,
	}
	for _, a := range def.Axes {
		ax, err := buildAxis(a)
		if err != nil {
			return nil, fmt.Errorf("dataset %s: %w", def.ID, err)
		}
		cfg.Axes = append(cfg.Axes, ax)
	}
	for _, v := range def.Variables {
		cfg.Variables = append(cfg.Variables, dataset.Variable{
			Name:       v.Name,
			Type:       v.Type,
			Attributes: dataset.NewAttributes(v.Attributes),
		})
	}

	switch kind {
	case dataset.Grid:
		cfg.Grid, err = l.gridReader(def, cfg.Axes)
	case dataset.Table:
		cfg.Table, err = l.tableReader(def, cfg.Variables)
	}
	if err != nil {
		return nil, fmt.Errorf("dataset %s: %w", def.ID, err)
	}
	return dataset.New(cfg)
}

func (l *Loader) gridReader(def Definition, axes []dataset.Axis) (dataset.GridReader, error) {
	switch strings.ToLower(def.Source.Type) {
	case SourceSynthetic:
		fg := &dataset.FuncGrid{Axes: axes, Func: make(map[string]func([]float64) float64)}
		for _, v := range def.Variables {
			fn, err := syntheticFunc(v.Function, axes)
			if err != nil {
				return nil, fmt.Errorf("variable %s: %w", v.Name, err)
			}
			fg.Func[v.Name] = fn
		}
		return fg, nil
	case SourceRaw:
		files := make(map[string]string, len(def.Variables))
		for _, v := range def.Variables {
			if v.File == "" {
				return nil, fmt.Errorf("variable %s: raw sources need a file", v.Name)
			}
			files[v.Name] = l.resolve(v.File)
		}
		return newRawGrid(l.fsys, def.ID, axes, files)
	}
	return nil, fmt.Errorf("unsupported grid source type %q", def.Source.Type)
}

func (l *Loader) tableReader(def Definition, vars []dataset.Variable) (dataset.TableReader, error) {
	switch strings.ToLower(def.Source.Type) {
	case SourceCSV:
		return newCSVTable(l.fsys, def.ID, l.resolve(def.Source.Path), vars)
	case SourceInline:
		data, err := tableFromRows(def.Source.Rows, vars)
		if err != nil {
			return nil, err
		}
		return &dataset.MemoryTable{Data: data}, nil
	}
	return nil, fmt.Errorf("unsupported table source type %q", def.Source.Type)
}

func buildAxis(a AxisDef) (dataset.Axis, error) {
	isTime := strings.EqualFold(a.Name, "time")
	var values []float64
	if len(a.Values) > 0 {
		for _, raw := range a.Values {
			v, err := axisValue(raw, isTime)
			if err != nil {
				return dataset.Axis{}, fmt.Errorf("axis %s: %w", a.Name, err)
			}
			values = append(values, v)
		}
	} else {
		start, err := axisValue(a.Start, isTime)
		if err != nil {
			return dataset.Axis{}, fmt.Errorf("axis %s start: %w", a.Name, err)
		}
		stop, err := axisValue(a.Stop, isTime)
		if err != nil {
			return dataset.Axis{}, fmt.Errorf("axis %s stop: %w", a.Name, err)
		}
		if a.Step == 0 || (stop-start)/a.Step < 0 {
			return dataset.Axis{}, fmt.Errorf("axis %s: step %v does not lead from %v to %v", a.Name, a.Step, start, stop)
		}
		n := int(math.Floor((stop-start)/a.Step+1e-9)) + 1
		for i := 0; i < n; i++ {
			values = append(values, start+float64(i)*a.Step)
		}
	}
	return dataset.NewAxis(a.Name, a.Units, values, dataset.NewAttributes(a.Attributes))
}

func axisValue(raw any, isTime bool) (float64, error) {
	switch x := raw.(type) {
	case int:
		return float64(x), nil
	case float64:
		return x, nil
	case string:
		if isTime {
			return dataset.ParseTime(x)
		}
	case time.Time:
		return float64(x.UnixNano()) / 1e9, nil
	}
	return math.NaN(), fmt.Errorf("unsupported value %v", raw)
}
