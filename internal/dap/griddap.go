package dap

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/BobSimons/erddap-sub000/internal/dataset"
	"github.com/BobSimons/erddap-sub000/internal/failure"
)

// maxGridValues caps the number of values one griddap request may read.
const maxGridValues = 20_000_000

// gridRequest is a parsed griddap query. Exactly one of axes and vars is
// set: an axis-only request lists axis indices; a data request lists data
// variables sharing ranges (one per dataset axis).
type gridRequest struct {
	axes   []int
	vars   []string
	ranges []dataset.IndexRange
}

// parseGridQuery parses "var[start:stride:stop][...],var[...]". An empty
// query selects every data variable over every axis. Parameters after
// the first '&' that start with '.' are graph options and ignored.
func parseGridQuery(ds *dataset.Dataset, query string) (*gridRequest, error) {
	query, rest, _ := strings.Cut(query, "&")
	for _, opt := range strings.Split(rest, "&") {
		if opt != "" && !strings.HasPrefix(opt, ".") {
			return nil, failure.QueryError("parameter", opt, "is not supported for grid datasets.")
		}
	}

	req := &gridRequest{ranges: make([]dataset.IndexRange, len(ds.Axes))}
	for i := range ds.Axes {
		req.ranges[i] = dataset.Full(ds.Axes[i].Len())
	}
	if strings.TrimSpace(query) == "" {
		for _, v := range ds.Variables {
			req.vars = append(req.vars, v.Name)
		}
		return req, nil
	}

	// ranges are taken from the first data variable that has brackets;
	// later ones must match
	var dataRanges []dataset.IndexRange
	for _, item := range strings.Split(query, ",") {
		name, brackets, err := splitBrackets(strings.TrimSpace(item))
		if err != nil {
			return nil, err
		}
		if ai := ds.AxisIndex(name); ai >= 0 {
			if len(req.vars) > 0 {
				return nil, failure.BadRequest("Query error: axis variable %s can't be requested with data variables.", name)
			}
			if len(brackets) > 1 {
				return nil, failure.QueryError(name, "["+strings.Join(brackets, "][")+"]", "has too many [] constraints for an axis variable.")
			}
			r := dataset.Full(ds.Axes[ai].Len())
			if len(brackets) == 1 {
				if r, err = parseRange(&ds.Axes[ai], brackets[0]); err != nil {
					return nil, err
				}
			}
			req.axes = append(req.axes, ai)
			req.ranges[ai] = r
			continue
		}
		if ds.Variable(name) == nil {
			return nil, failure.QueryError("variable", name, "is not in this dataset.")
		}
		if len(req.axes) > 0 {
			return nil, failure.BadRequest("Query error: data variable %s can't be requested with axis variables.", name)
		}
		if len(brackets) != 0 && len(brackets) != len(ds.Axes) {
			return nil, failure.BadRequest("Query error: %s needs %d [] constraints, one per axis, not %d.", name, len(ds.Axes), len(brackets))
		}
		ranges := req.ranges
		if len(brackets) > 0 {
			ranges = make([]dataset.IndexRange, len(ds.Axes))
			for i, b := range brackets {
				if ranges[i], err = parseRange(&ds.Axes[i], b); err != nil {
					return nil, err
				}
			}
		}
		if dataRanges == nil {
			dataRanges = ranges
			copy(req.ranges, ranges)
		} else if !sameRanges(dataRanges, ranges) {
			return nil, failure.BadRequest("Query error: all data variables must have the same [] constraints.")
		}
		req.vars = append(req.vars, name)
	}
	return req, nil
}

func sameRanges(a, b []dataset.IndexRange) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// splitBrackets splits "name[a][b]" into the name and the bracket contents.
func splitBrackets(item string) (string, []string, error) {
	open := strings.IndexByte(item, '[')
	if open < 0 {
		return item, nil, nil
	}
	name, rest := item[:open], item[open:]
	var out []string
	for rest != "" {
		if rest[0] != '[' {
			return "", nil, failure.QueryError("variable", item, "has text after a [] constraint.")
		}
		end := strings.IndexByte(rest, ']')
		if end < 0 {
			return "", nil, failure.QueryError("variable", item, "has an unclosed [.")
		}
		out = append(out, rest[1:end])
		rest = rest[end+1:]
	}
	return name, out, nil
}

// splitColons splits on ':' outside parentheses, so time values like
// (2020-01-01T00:00:00Z) stay whole.
func splitColons(s string) []string {
	var (
		parts []string
		depth int
		start int
	)
	for i, c := range s {
		switch c {
		case '(':
			depth++
		case ')':
			depth--
		case ':':
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, s[start:])
}

// parseRange parses the contents of one [] constraint on axis a.
func parseRange(a *dataset.Axis, raw string) (dataset.IndexRange, error) {
	parts := splitColons(raw)
	var (
		start, stop int
		stride      = 1
		err         error
	)
	switch len(parts) {
	case 1:
		if start, err = parseBound(a, parts[0]); err != nil {
			return dataset.IndexRange{}, err
		}
		stop = start
	case 2, 3:
		if start, err = parseBound(a, parts[0]); err != nil {
			return dataset.IndexRange{}, err
		}
		if stop, err = parseBound(a, parts[len(parts)-1]); err != nil {
			return dataset.IndexRange{}, err
		}
		if len(parts) == 3 {
			stride, err = strconv.Atoi(strings.TrimSpace(parts[1]))
			if err != nil || stride < 1 {
				return dataset.IndexRange{}, failure.QueryError(a.Name, "["+raw+"]", "has an invalid stride.")
			}
		}
	default:
		return dataset.IndexRange{}, failure.QueryError(a.Name, "["+raw+"]", "must be [start], [start:stop] or [start:stride:stop].")
	}
	if start > stop {
		return dataset.IndexRange{}, failure.QueryError(a.Name, "["+raw+"]", "has start > stop.")
	}
	return dataset.IndexRange{Start: start, Stride: stride, Stop: stop}, nil
}

// parseBound resolves one bound: an index, "last", "last-n", or a
// parenthesized value such as (12.5), (2020-01-01T00:00:00Z), (last) or
// (last-3600).
func parseBound(a *dataset.Axis, raw string) (int, error) {
	s := strings.TrimSpace(raw)
	n := a.Len()
	bad := func(problem string) error { return failure.QueryError(a.Name, s, problem) }

	if inner, ok := strings.CutPrefix(s, "("); ok {
		inner, ok = strings.CutSuffix(inner, ")")
		if !ok {
			return 0, bad("has an unclosed (.")
		}
		v, err := axisValue(a, strings.TrimSpace(inner))
		if err != nil {
			return 0, bad("is not a valid value.")
		}
		if !a.InCoarseRange(v) {
			return 0, bad(fmt.Sprintf("is outside the axis range [%s, %s].", formatAxis(a, a.Min()), formatAxis(a, a.Max())))
		}
		return a.ClosestIndex(v), nil
	}

	if rest, ok := strings.CutPrefix(s, "last"); ok {
		back := 0
		if rest != "" {
			k, err := strconv.Atoi(strings.TrimPrefix(rest, "-"))
			if !strings.HasPrefix(rest, "-") || err != nil || k < 0 {
				return 0, bad("must be last or last-n.")
			}
			back = k
		}
		if back > n-1 {
			return 0, bad("is before the first index.")
		}
		return n - 1 - back, nil
	}

	i, err := strconv.Atoi(s)
	if err != nil {
		return 0, bad("is not an index, last, last-n or (value).")
	}
	if i < 0 || i >= n {
		return 0, bad(fmt.Sprintf("is outside the index range [0, %d].", n-1))
	}
	return i, nil
}

// axisValue parses a value on a, where "last" and "last-x" are relative
// to the axis's last value.
func axisValue(a *dataset.Axis, s string) (float64, error) {
	if rest, ok := strings.CutPrefix(s, "last"); ok {
		if rest == "" {
			return a.Last(), nil
		}
		d, err := strconv.ParseFloat(strings.TrimPrefix(rest, "-"), 64)
		if err != nil || !strings.HasPrefix(rest, "-") {
			return math.NaN(), fmt.Errorf("bad relative value %q", s)
		}
		return a.Last() - d, nil
	}
	if a.IsTime() {
		if v, err := dataset.ParseTime(s); err == nil {
			return v, nil
		}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) {
		return math.NaN(), fmt.Errorf("bad value %q", s)
	}
	return v, nil
}

func formatAxis(a *dataset.Axis, v float64) string {
	if a.IsTime() {
		return dataset.FormatTime(v)
	}
	return dataset.FormatNumber(v)
}

func (g *gridRequest) size() int {
	n := 1
	for _, r := range g.ranges {
		n *= r.Count()
	}
	return n * len(g.vars)
}

// gridData is the data of a griddap request.
type gridData struct {
	req   *gridRequest
	grids []*dataset.GridData // per request var
}

// readGrid reads every requested data variable.
func readGrid(ctx context.Context, ds *dataset.Dataset, req *gridRequest) (*gridData, error) {
	if n := req.size(); n > maxGridValues {
		return nil, failure.BadRequest("Your query produced too much data. Try to request less data. (%d values > %d)", n, maxGridValues)
	}
	out := &gridData{req: req}
	for _, name := range req.vars {
		g, err := ds.ReadGrid(ctx, name, req.ranges)
		if err != nil {
			return nil, err
		}
		out.grids = append(out.grids, g)
	}
	return out, nil
}

func axisColumn(a *dataset.Axis, values []float64) column {
	return column{name: a.Name, units: a.Units, typ: "double", isTime: a.IsTime(), floats: values}
}

// table flattens the data to one row per grid point: the axis values
// followed by each variable's value. Axis-only requests get one column
// per axis.
func (d *gridData) table(ds *dataset.Dataset) *table {
	t := &table{}
	if len(d.req.axes) > 0 {
		for _, ai := range d.req.axes {
			a := &ds.Axes[ai]
			t.columns = append(t.columns, axisColumn(a, a.Select(d.req.ranges[ai])))
		}
		return t
	}

	total := 1
	for _, r := range d.req.ranges {
		total *= r.Count()
	}
	for ai := range ds.Axes {
		a := &ds.Axes[ai]
		vals := a.Select(d.req.ranges[ai])
		// each value repeats inner times, and the block repeats outer times
		inner := 1
		for _, r := range d.req.ranges[ai+1:] {
			inner *= r.Count()
		}
		col := make([]float64, 0, total)
		for len(col) < total {
			for _, v := range vals {
				for k := 0; k < inner; k++ {
					col = append(col, v)
				}
			}
		}
		t.columns = append(t.columns, axisColumn(a, col))
	}
	for i, name := range d.req.vars {
		v := ds.Variable(name)
		vals := make([]float64, len(d.grids[i].Values))
		for j, x := range d.grids[i].Values {
			if v.IsMissing(x) {
				x = math.NaN()
			}
			vals[j] = x
		}
		t.columns = append(t.columns, column{name: name, units: v.Units, typ: strings.ToLower(v.Type), isTime: v.IsTime(), floats: vals})
	}
	return t
}
