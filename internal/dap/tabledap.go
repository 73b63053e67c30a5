package dap

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/exp/slices"

	"github.com/BobSimons/erddap-sub000/internal/dataset"
	"github.com/BobSimons/erddap-sub000/internal/failure"
)

// Comparison operators, longest first so "<=" wins over "<".
var operators = []string{"=~", "!=", "<=", ">=", "=", "<", ">"}

// constraint is one "var op value" filter.
type constraint struct {
	variable *dataset.Variable
	op       string
	raw      string
	text     string         // string value, or the raw text for =~
	number   float64        // numeric value for numeric variables
	re       *regexp.Regexp // for =~
}

// tableRequest is a parsed tabledap query.
type tableRequest struct {
	vars        []*dataset.Variable
	constraints []constraint
	distinct    bool
	orderBy     []string
}

// parseTableQuery parses `var,var&var>=v&var=~"re"&distinct()&orderBy("a,b")`.
// An empty variable list selects every variable.
func parseTableQuery(ds *dataset.Dataset, query string) (*tableRequest, error) {
	parts := strings.Split(query, "&")
	req := &tableRequest{}
	if names := strings.TrimSpace(parts[0]); names != "" {
		for _, name := range strings.Split(names, ",") {
			name = strings.TrimSpace(name)
			v := ds.Variable(name)
			if v == nil {
				return nil, failure.QueryError("variable", name, "is not in this dataset.")
			}
			if slices.Contains(req.vars, v) {
				return nil, failure.QueryError("variable", name, "is listed twice.")
			}
			req.vars = append(req.vars, v)
		}
	} else {
		for i := range ds.Variables {
			req.vars = append(req.vars, &ds.Variables[i])
		}
	}

	for _, part := range parts[1:] {
		part = strings.TrimSpace(part)
		switch {
		case part == "":
		case part == "distinct()":
			req.distinct = true
		case strings.HasPrefix(part, "orderBy("):
			names, err := parseOrderBy(part)
			if err != nil {
				return nil, err
			}
			for _, n := range names {
				if !slices.ContainsFunc(req.vars, func(v *dataset.Variable) bool { return v.Name == n }) {
					return nil, failure.QueryError("orderBy", n, "must be one of the result variables.")
				}
			}
			req.orderBy = names
		default:
			c, err := parseConstraint(ds, part)
			if err != nil {
				return nil, err
			}
			req.constraints = append(req.constraints, c)
		}
	}
	return req, nil
}

func parseOrderBy(part string) ([]string, error) {
	inner, ok := strings.CutSuffix(strings.TrimPrefix(part, "orderBy("), ")")
	if !ok {
		return nil, failure.QueryError("orderBy", part, "must be orderBy(\"var1,var2\").")
	}
	inner, err := unquote(strings.TrimSpace(inner))
	if err != nil {
		return nil, failure.QueryError("orderBy", part, "must be orderBy(\"var1,var2\").")
	}
	var names []string
	for _, n := range strings.Split(inner, ",") {
		if n = strings.TrimSpace(n); n != "" {
			names = append(names, n)
		}
	}
	if len(names) == 0 {
		return nil, failure.QueryError("orderBy", part, "needs at least one variable.")
	}
	return names, nil
}

// unquote strips surrounding double quotes and unescapes \" and \\.
func unquote(s string) (string, error) {
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return "", strconv.ErrSyntax
	}
	return strings.NewReplacer(`\"`, `"`, `\\`, `\`).Replace(s[1 : len(s)-1]), nil
}

func parseConstraint(ds *dataset.Dataset, part string) (constraint, error) {
	pos := strings.IndexAny(part, "=!<>")
	if pos <= 0 {
		return constraint{}, failure.QueryError("constraint", part, "must be variable, operator, value.")
	}
	name := strings.TrimSpace(part[:pos])
	var op string
	for _, o := range operators {
		if strings.HasPrefix(part[pos:], o) {
			op = o
			break
		}
	}
	if op == "" {
		return constraint{}, failure.QueryError("constraint", part, "has an unknown operator.")
	}
	v := ds.Variable(name)
	if v == nil {
		return constraint{}, failure.QueryError("variable", name, "is not in this dataset.")
	}
	raw := strings.TrimSpace(part[pos+len(op):])
	c := constraint{variable: v, op: op, raw: raw}

	value := raw
	if strings.HasPrefix(raw, `"`) {
		s, err := unquote(raw)
		if err != nil {
			return constraint{}, failure.QueryError(name, raw, "has an unterminated string.")
		}
		value = s
	}
	if op == "=~" {
		re, err := regexp.Compile("^(?:" + value + ")$")
		if err != nil {
			return constraint{}, failure.QueryError(name, raw, "is not a valid regular expression.")
		}
		c.re, c.text = re, value
		return c, nil
	}
	if v.IsString() {
		c.text = value
		return c, nil
	}
	if strings.EqualFold(value, "NaN") {
		c.number = math.NaN()
		return c, nil
	}
	var err error
	if v.IsTime() {
		if c.number, err = dataset.ParseTime(value); err == nil {
			return c, nil
		}
	}
	if c.number, err = strconv.ParseFloat(value, 64); err != nil {
		return constraint{}, failure.QueryError(name, raw, "is not a number.")
	}
	return c, nil
}

// matches reports whether row i of col satisfies c. A NaN value equals
// NaN; it is unequal to, and never ordered against, any number.
func (c *constraint) matches(col *dataset.Column, i int) bool {
	if c.op == "=~" {
		return c.re.MatchString(col.Text(i, c.variable.IsTime()))
	}
	if col.IsString {
		return compare(strings.Compare(col.Strings[i], c.text), c.op)
	}
	x := col.Floats[i]
	if c.variable.IsMissing(x) {
		x = math.NaN()
	}
	switch {
	case math.IsNaN(x) && math.IsNaN(c.number):
		return c.op == "=" || c.op == "<=" || c.op == ">="
	case math.IsNaN(x) || math.IsNaN(c.number):
		return c.op == "!="
	case x < c.number:
		return compare(-1, c.op)
	case x > c.number:
		return compare(1, c.op)
	}
	return compare(0, c.op)
}

func compare(cmp int, op string) bool {
	switch op {
	case "=":
		return cmp == 0
	case "!=":
		return cmp != 0
	case "<":
		return cmp < 0
	case "<=":
		return cmp <= 0
	case ">":
		return cmp > 0
	case ">=":
		return cmp >= 0
	}
	return false
}

// queryTable reads the table and applies req.
func queryTable(ctx context.Context, ds *dataset.Dataset, req *tableRequest) (*table, error) {
	data, err := ds.ReadTable(ctx)
	if err != nil {
		return nil, err
	}

	cols := make([]*dataset.Column, len(req.constraints))
	for i, c := range req.constraints {
		if cols[i] = data.Column(c.variable.Name); cols[i] == nil {
			return nil, failure.Internal(errMissingColumn(ds.ID, c.variable.Name))
		}
	}
	var keep []int
	for r, n := 0, data.NumRows(); r < n; r++ {
		ok := true
		for i := range req.constraints {
			if !req.constraints[i].matches(cols[i], r) {
				ok = false
				break
			}
		}
		if ok {
			keep = append(keep, r)
		}
	}

	t := &table{}
	for _, v := range req.vars {
		src := data.Column(v.Name)
		if src == nil {
			return nil, failure.Internal(errMissingColumn(ds.ID, v.Name))
		}
		c := column{name: v.Name, units: v.Units, typ: v.Type, isTime: v.IsTime(), isString: src.IsString}
		if v.IsString() {
			c.typ = "String"
		}
		for _, r := range keep {
			if src.IsString {
				c.strings = append(c.strings, src.Strings[r])
				continue
			}
			x := src.Floats[r]
			if v.IsMissing(x) {
				x = math.NaN()
			}
			c.floats = append(c.floats, x)
		}
		t.columns = append(t.columns, c)
	}

	if req.distinct {
		t.distinct()
	}
	if len(req.orderBy) > 0 {
		t.sortBy(req.orderBy)
	}
	if t.rows() == 0 {
		return nil, failure.NoData("Your query produced no matching results. (nRows = 0)")
	}
	return t, nil
}

func errMissingColumn(ds, col string) error {
	return fmt.Errorf("dataset %s: reader returned no column %s", ds, col)
}

// compareRows compares rows a and b on the given columns. NaN sorts last.
func (t *table) compareRows(cols []int, a, b int) int {
	for _, ci := range cols {
		c := &t.columns[ci]
		var cmp int
		if c.isString {
			cmp = strings.Compare(c.strings[a], c.strings[b])
		} else {
			x, y := c.floats[a], c.floats[b]
			switch {
			case math.IsNaN(x) && math.IsNaN(y):
			case math.IsNaN(x):
				cmp = 1
			case math.IsNaN(y):
				cmp = -1
			case x < y:
				cmp = -1
			case x > y:
				cmp = 1
			}
		}
		if cmp != 0 {
			return cmp
		}
	}
	return 0
}

// permute reorders every column by idx.
func (t *table) permute(idx []int) {
	for i := range t.columns {
		c := &t.columns[i]
		if c.isString {
			out := make([]string, len(idx))
			for j, k := range idx {
				out[j] = c.strings[k]
			}
			c.strings = out
			continue
		}
		out := make([]float64, len(idx))
		for j, k := range idx {
			out[j] = c.floats[k]
		}
		c.floats = out
	}
}

// distinct sorts on all columns and removes duplicate rows.
func (t *table) distinct() {
	all := make([]int, len(t.columns))
	for i := range all {
		all[i] = i
	}
	idx := make([]int, t.rows())
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(i, j int) bool { return t.compareRows(all, idx[i], idx[j]) < 0 })
	uniq := make([]int, 0, len(idx))
	for i, r := range idx {
		if i == 0 || t.compareRows(all, idx[i-1], r) != 0 {
			uniq = append(uniq, r)
		}
	}
	t.permute(uniq)
}

// sortBy stable-sorts rows on the named columns.
func (t *table) sortBy(names []string) {
	var cols []int
	for _, n := range names {
		for i := range t.columns {
			if t.columns[i].name == n {
				cols = append(cols, i)
			}
		}
	}
	idx := make([]int, t.rows())
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(i, j int) bool { return t.compareRows(cols, idx[i], idx[j]) < 0 })
	t.permute(idx)
}
