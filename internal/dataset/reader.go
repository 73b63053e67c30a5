package dataset

import (
	"context"
	"math"
	"strconv"
	"strings"
	"time"
)

// GridReader reads data values of a grid variable. Values are returned in
// row-major order over ranges (the last axis varies fastest).
// Implementations return a failure.Retryable error when the underlying
// source changed since the reader was created.
type GridReader interface {
	ReadGrid(ctx context.Context, variable string, ranges []IndexRange) ([]float64, error)
}

// TableReader reads all rows of a table dataset.
type TableReader interface {
	ReadTable(ctx context.Context) (*TableData, error)
}

// GridData is the result of a grid read.
type GridData struct {
	Ranges []IndexRange
	Values []float64
}

// Shape returns the per-axis sample counts.
func (g *GridData) Shape() []int {
	shape := make([]int, len(g.Ranges))
	for i, r := range g.Ranges {
		shape[i] = r.Count()
	}
	return shape
}

// Size returns the total number of samples.
func (g *GridData) Size() int {
	n := 1
	for _, r := range g.Ranges {
		n *= r.Count()
	}
	return n
}

// At returns the value at the given per-axis sample positions.
func (g *GridData) At(pos ...int) float64 {
	off := 0
	for i, r := range g.Ranges {
		off = off*r.Count() + pos[i]
	}
	return g.Values[off]
}

// Column is one column of table data. Exactly one of Floats or Strings is
// used, depending on IsString.
type Column struct {
	Name     string
	IsString bool
	Floats   []float64
	Strings  []string
}

// Len returns the number of rows in the column.
func (c *Column) Len() int {
	if c.IsString {
		return len(c.Strings)
	}
	return len(c.Floats)
}

// Text formats row i for text output.
func (c *Column) Text(i int, isTime bool) string {
	if c.IsString {
		return c.Strings[i]
	}
	v := c.Floats[i]
	if math.IsNaN(v) {
		return "NaN"
	}
	if isTime {
		return FormatTime(v)
	}
	return FormatNumber(v)
}

// TableData holds rows of a table dataset column-wise.
type TableData struct {
	Columns []Column
}

// NumRows returns the number of rows.
func (t *TableData) NumRows() int {
	if len(t.Columns) == 0 {
		return 0
	}
	return t.Columns[0].Len()
}

// Column returns the named column or nil.
func (t *TableData) Column(name string) *Column {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return &t.Columns[i]
		}
	}
	return nil
}

// TimeUnits is the units string of time axes and variables.
const TimeUnits = "seconds since 1970-01-01T00:00:00Z"

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"2006-01",
}

// ParseTime parses an ISO 8601 string into epoch seconds.
func ParseTime(s string) (float64, error) {
	s = strings.TrimSpace(s)
	var err error
	for _, layout := range timeLayouts {
		var t time.Time
		t, err = time.ParseInLocation(layout, s, time.UTC)
		if err == nil {
			return float64(t.UnixNano()) / 1e9, nil
		}
	}
	return math.NaN(), err
}

// FormatTime formats epoch seconds as ISO 8601 with a Z suffix.
func FormatTime(epoch float64) string {
	sec, frac := math.Modf(epoch)
	t := time.Unix(int64(sec), int64(math.Round(frac*1e9))).UTC()
	if t.Nanosecond() == 0 {
		return t.Format("2006-01-02T15:04:05Z")
	}
	return t.Format("2006-01-02T15:04:05.000Z")
}

// FormatNumber formats a number for text output.
func FormatNumber(v float64) string {
	if math.IsNaN(v) {
		return "NaN"
	}
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}
