package dap

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"math"
	"strings"

	"github.com/BobSimons/erddap-sub000/internal/dataset"
)

// column is one column of a tabular response. Numeric columns may be
// shorter than the table; missing rows print as NaN.
type column struct {
	name     string
	units    string
	typ      string // "double", "float", "int", "short", "byte" or "String"
	isTime   bool
	isString bool
	floats   []float64
	strings  []string
}

func (c *column) len() int {
	if c.isString {
		return len(c.strings)
	}
	return len(c.floats)
}

func (c *column) float(i int) float64 {
	if i >= len(c.floats) {
		return math.NaN()
	}
	return c.floats[i]
}

func (c *column) text(i int) string {
	if c.isString {
		if i >= len(c.strings) {
			return ""
		}
		return c.strings[i]
	}
	v := c.float(i)
	switch {
	case math.IsNaN(v):
		return "NaN"
	case c.isTime:
		return dataset.FormatTime(v)
	}
	return dataset.FormatNumber(v)
}

// jsonValue is the row value for .json output; missing numbers are null.
func (c *column) jsonValue(i int) any {
	if c.isString || c.isTime {
		if !c.isString && math.IsNaN(c.float(i)) {
			return nil
		}
		return c.text(i)
	}
	v := c.float(i)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return v
}

func (c *column) outputUnits() string {
	if c.isTime {
		return "UTC"
	}
	return c.units
}

func (c *column) outputType() string {
	if c.isTime {
		return "String"
	}
	return c.typ
}

// table is a tabular response.
type table struct {
	columns []column
}

func (t *table) rows() int {
	n := 0
	for i := range t.columns {
		n = max(n, t.columns[i].len())
	}
	return n
}

// writeCSV writes a names row, a units row, then the data.
func (t *table) writeCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	names := make([]string, len(t.columns))
	units := make([]string, len(t.columns))
	for i := range t.columns {
		names[i] = t.columns[i].name
		units[i] = t.columns[i].outputUnits()
	}
	if err := cw.Write(names); err != nil {
		return err
	}
	if err := cw.Write(units); err != nil {
		return err
	}
	row := make([]string, len(t.columns))
	for r, n := 0, t.rows(); r < n; r++ {
		for i := range t.columns {
			row[i] = t.columns[i].text(r)
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

var tsvEscaper = strings.NewReplacer("\t", "\\t", "\n", "\\n", "\r", "\\r")

// writeTSV is writeCSV with tabs and backslash escapes instead of quoting.
func (t *table) writeTSV(w io.Writer) error {
	var b strings.Builder
	line := func(cell func(c *column) string) {
		for i := range t.columns {
			if i > 0 {
				b.WriteByte('\t')
			}
			b.WriteString(tsvEscaper.Replace(cell(&t.columns[i])))
		}
		b.WriteByte('\n')
	}
	line(func(c *column) string { return c.name })
	line(func(c *column) string { return c.outputUnits() })
	for r, n := 0, t.rows(); r < n; r++ {
		line(func(c *column) string { return c.text(r) })
		if b.Len() > 64<<10 {
			if _, err := io.WriteString(w, b.String()); err != nil {
				return err
			}
			b.Reset()
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}

type jsonTable struct {
	Table struct {
		ColumnNames []string `json:"columnNames"`
		ColumnTypes []string `json:"columnTypes"`
		ColumnUnits []any    `json:"columnUnits"`
		Rows        [][]any  `json:"rows"`
	} `json:"table"`
}

func (t *table) writeJSON(w io.Writer) error {
	var doc jsonTable
	for i := range t.columns {
		c := &t.columns[i]
		doc.Table.ColumnNames = append(doc.Table.ColumnNames, c.name)
		doc.Table.ColumnTypes = append(doc.Table.ColumnTypes, c.outputType())
		var units any
		if u := c.outputUnits(); u != "" {
			units = u
		}
		doc.Table.ColumnUnits = append(doc.Table.ColumnUnits, units)
	}
	n := t.rows()
	doc.Table.Rows = make([][]any, n)
	for r := 0; r < n; r++ {
		row := make([]any, len(t.columns))
		for i := range t.columns {
			row[i] = t.columns[i].jsonValue(r)
		}
		doc.Table.Rows[r] = row
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}
