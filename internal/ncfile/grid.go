package ncfile

import (
	"strings"

	"github.com/BobSimons/erddap-sub000/internal/dataset"
)

// TypeOf maps a dataset variable type to a NetCDF type.
func TypeOf(t string) Type {
	switch strings.ToLower(t) {
	case "float":
		return Float
	case "int":
		return Int
	case "short":
		return Short
	case "byte":
		return Byte
	}
	return Double
}

func attributes(attrs dataset.Attributes) []Attribute {
	out := make([]Attribute, 0, len(attrs))
	for _, a := range attrs {
		switch a.Value.(type) {
		case string, float64:
			out = append(out, Attribute{Name: a.Name, Value: a.Value})
		}
	}
	return out
}

// Grid builds a file holding the listed axes of ds subset by ranges (one
// range per dataset axis) and, for each of vars, the values read over all
// axes in row-major order. Data requests list every axis.
func Grid(ds *dataset.Dataset, axes []int, ranges []dataset.IndexRange, vars []string, values [][]float64) *File {
	f := &File{Attributes: attributes(ds.GlobalAttributes.With("id", ds.ID))}
	names := make([]string, 0, len(axes))
	for _, ai := range axes {
		a := &ds.Axes[ai]
		dim := f.AddDim(a.Name, ranges[ai].Count())
		names = append(names, dim)
		attrs := a.Attributes
		if a.IsTime() {
			attrs = attrs.With("units", dataset.TimeUnits).With("standard_name", "time")
		} else if a.Units != "" {
			attrs = attrs.With("units", a.Units)
		}
		vals := a.Select(ranges[ai])
		f.Variables = append(f.Variables, Variable{
			Name:       a.Name,
			Type:       Double,
			Dims:       []string{dim},
			Attributes: rangeAttr(attributes(attrs), vals),
			Values:     vals,
		})
	}
	for i, name := range vars {
		v := ds.Variable(name)
		attrs := v.Attributes
		if v.Units != "" {
			attrs = attrs.With("units", v.Units)
		}
		f.Variables = append(f.Variables, Variable{
			Name:       name,
			Type:       TypeOf(v.Type),
			Dims:       names,
			Attributes: attributes(attrs),
			Values:     values[i],
		})
	}
	return f
}

// rangeAttr sets actual_range to the two-value numeric form, which
// dataset attributes cannot hold.
func rangeAttr(attrs []Attribute, vals []float64) []Attribute {
	out := attrs[:0]
	for _, a := range attrs {
		if a.Name != "actual_range" {
			out = append(out, a)
		}
	}
	return append(out, Attribute{Name: "actual_range", Value: []float64{minOf(vals), maxOf(vals)}})
}

func minOf(vals []float64) float64 {
	m := vals[0]
	for _, v := range vals[1:] {
		m = min(m, v)
	}
	return m
}

func maxOf(vals []float64) float64 {
	m := vals[0]
	for _, v := range vals[1:] {
		m = max(m, v)
	}
	return m
}
