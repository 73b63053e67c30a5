package dataset

import (
	"fmt"
	"math"
	"sort"
	"strconv"
)

// Attribute is a named metadata value; Value is a string or a float64.
type Attribute struct {
	Name  string
	Value any
}

// Attributes is an ordered attribute list.
type Attributes []Attribute

// NewAttributes converts a map (as decoded from YAML) into Attributes
// sorted by name. Integer values become float64; other non-string values
// are formatted with %v.
func NewAttributes(m map[string]any) Attributes {
	out := make(Attributes, 0, len(m))
	for k, v := range m {
		out = append(out, Attribute{Name: k, Value: normalize(v)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func normalize(v any) any {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return x
	case float32:
		return float64(x)
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case int32:
		return float64(x)
	case uint64:
		return float64(x)
	case bool:
		return strconv.FormatBool(x)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", x)
	}
}

// Get returns the named value.
func (a Attributes) Get(name string) (any, bool) {
	for _, attr := range a {
		if attr.Name == name {
			return attr.Value, true
		}
	}
	return nil, false
}

// String returns the named value as a string, or "".
func (a Attributes) String(name string) string {
	v, ok := a.Get(name)
	if !ok {
		return ""
	}
	return FormatValue(v)
}

// Float returns the named value as a float64. String values are parsed.
func (a Attributes) Float(name string) (float64, bool) {
	v, ok := a.Get(name)
	if !ok {
		return math.NaN(), false
	}
	switch x := v.(type) {
	case float64:
		return x, true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return math.NaN(), false
		}
		return f, true
	}
	return math.NaN(), false
}

// With returns a copy of a with name set to value.
func (a Attributes) With(name string, value any) Attributes {
	out := make(Attributes, 0, len(a)+1)
	replaced := false
	for _, attr := range a {
		if attr.Name == name {
			attr.Value = normalize(value)
			replaced = true
		}
		out = append(out, attr)
	}
	if !replaced {
		out = append(out, Attribute{Name: name, Value: normalize(value)})
		sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	}
	return out
}

// FormatValue formats an attribute value for text output.
func FormatValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	}
	return fmt.Sprintf("%v", v)
}
