package dap

import (
	"fmt"
	"io"
	"strings"

	"github.com/BobSimons/erddap-sub000/internal/dataset"
)

// sequenceName is the DAP sequence holding a table dataset's variables.
const sequenceName = "s"

// Version is the .ver response.
const Version = "Core version: DAP/2.0\nServer version: dods/3.7\n"

var dasEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

func writeAttributes(b *strings.Builder, indent string, attrs dataset.Attributes) {
	for _, a := range attrs {
		switch v := a.Value.(type) {
		case float64:
			fmt.Fprintf(b, "%sFloat64 %s %s;\n", indent, a.Name, dataset.FormatNumber(v))
		default:
			fmt.Fprintf(b, "%sString %s \"%s\";\n", indent, a.Name, dasEscaper.Replace(dataset.FormatValue(v)))
		}
	}
}

// axisAttributes adds actual_range and, for time, the time units.
func axisAttributes(a *dataset.Axis) dataset.Attributes {
	attrs := a.Attributes
	if a.IsTime() {
		attrs = attrs.With("units", dataset.TimeUnits).With("_CoordinateAxisType", "Time")
	} else if a.Units != "" {
		attrs = attrs.With("units", a.Units)
	}
	return attrs.With("actual_range", dataset.FormatNumber(a.Min())+", "+dataset.FormatNumber(a.Max()))
}

// das writes the Dataset Attribute Structure.
func das(ds *dataset.Dataset) string {
	var b strings.Builder
	b.WriteString("Attributes {\n")
	indent := "  "
	if ds.Kind == dataset.Table {
		b.WriteString("  " + sequenceName + " {\n")
		indent = "    "
	}
	for i := range ds.Axes {
		a := &ds.Axes[i]
		b.WriteString(indent + a.Name + " {\n")
		writeActualRange(&b, indent+"  ", axisAttributes(a))
		b.WriteString(indent + "}\n")
	}
	for i := range ds.Variables {
		v := &ds.Variables[i]
		attrs := v.Attributes
		if v.IsTime() {
			attrs = attrs.With("units", dataset.TimeUnits)
		} else if v.Units != "" {
			attrs = attrs.With("units", v.Units)
		}
		b.WriteString(indent + v.Name + " {\n")
		writeAttributes(&b, indent+"  ", attrs)
		b.WriteString(indent + "}\n")
	}
	if ds.Kind == dataset.Table {
		b.WriteString("  }\n")
	}
	b.WriteString("  NC_GLOBAL {\n")
	writeAttributes(&b, "    ", ds.GlobalAttributes)
	b.WriteString("  }\n}\n")
	return b.String()
}

// writeActualRange is writeAttributes with actual_range written as a
// two-value Float64 attribute.
func writeActualRange(b *strings.Builder, indent string, attrs dataset.Attributes) {
	for _, a := range attrs {
		if a.Name == "actual_range" {
			fmt.Fprintf(b, "%sFloat64 actual_range %s;\n", indent, dataset.FormatValue(a.Value))
			continue
		}
		writeAttributes(b, indent, dataset.Attributes{a})
	}
}

func dims(ds *dataset.Dataset, ranges []dataset.IndexRange) string {
	var b strings.Builder
	for i := range ds.Axes {
		fmt.Fprintf(&b, "[%s = %d]", ds.Axes[i].Name, ranges[i].Count())
	}
	return b.String()
}

// gridDDS writes the Dataset Descriptor Structure of a grid request.
func gridDDS(ds *dataset.Dataset, req *gridRequest) string {
	var b strings.Builder
	b.WriteString("Dataset {\n")
	if len(req.axes) > 0 {
		for _, ai := range req.axes {
			a := &ds.Axes[ai]
			fmt.Fprintf(&b, "  Float64 %s[%s = %d];\n", a.Name, a.Name, req.ranges[ai].Count())
		}
	} else {
		for _, name := range req.vars {
			v := ds.Variable(name)
			b.WriteString("  GRID {\n    ARRAY:\n")
			fmt.Fprintf(&b, "      %s %s%s;\n", v.DAPType(), v.Name, dims(ds, req.ranges))
			b.WriteString("    MAPS:\n")
			for i := range ds.Axes {
				a := &ds.Axes[i]
				fmt.Fprintf(&b, "      Float64 %s[%s = %d];\n", a.Name, a.Name, req.ranges[i].Count())
			}
			fmt.Fprintf(&b, "  } %s;\n", v.Name)
		}
	}
	fmt.Fprintf(&b, "} %s;\n", ds.ID)
	return b.String()
}

// tableDDS writes the Dataset Descriptor Structure of a table request.
func tableDDS(ds *dataset.Dataset, req *tableRequest) string {
	var b strings.Builder
	b.WriteString("Dataset {\n  Sequence {\n")
	for _, v := range req.vars {
		typ := v.DAPType()
		if v.IsTime() {
			typ = "Float64"
		}
		fmt.Fprintf(&b, "    %s %s;\n", typ, v.Name)
	}
	fmt.Fprintf(&b, "  } %s;\n} %s;\n", sequenceName, ds.ID)
	return b.String()
}

// help writes the .help response.
func help(w io.Writer, ds *dataset.Dataset, base string) error {
	protocol := ds.Kind.Protocol()
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n\n", protocol, ds.ID)
	if ds.Title != "" {
		fmt.Fprintf(&b, "%s\n\n", ds.Title)
	}
	fmt.Fprintf(&b, "Request URL: %s/%s/%s.fileType?query\n\nFile types:\n", base, protocol, ds.ID)
	for _, ft := range fileTypesFor(ds.Kind) {
		fmt.Fprintf(&b, "  %-6s %s\n", ft.ext, ft.description)
	}
	b.WriteString("\nQuery:\n")
	if ds.Kind == dataset.Grid {
		b.WriteString("  var[start:stride:stop][...],var[...]\n")
		b.WriteString("  start and stop are an index, last, last-n, or a value in parentheses such as (2020-01-01T00:00:00Z).\n")
		b.WriteString("  Request either axis variables or data variables, not both.\n")
	} else {
		b.WriteString("  var,var&var>=value&var=~\"regex\"&distinct()&orderBy(\"var\")\n")
		b.WriteString("  Operators: = != < <= > >= =~. Quote string values.\n")
	}
	b.WriteString("\nVariables:\n")
	for i := range ds.Axes {
		a := &ds.Axes[i]
		fmt.Fprintf(&b, "  %s (axis, %d values, %s to %s)\n", a.Name, a.Len(), formatAxis(a, a.Min()), formatAxis(a, a.Max()))
	}
	for i := range ds.Variables {
		v := &ds.Variables[i]
		units := v.Units
		if v.IsTime() {
			units = "UTC"
		}
		fmt.Fprintf(&b, "  %s (%s", v.Name, v.Type)
		if units != "" {
			fmt.Fprintf(&b, ", %s", units)
		}
		b.WriteString(")\n")
	}
	_, err := io.WriteString(w, b.String())
	return err
}
