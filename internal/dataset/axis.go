package dataset

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

// Axis is an ordered dimension of a grid dataset.
type Axis struct {
	Name       string
	Units      string
	Values     []float64
	Attributes Attributes

	// EvenlySpaced and Spacing are derived from Values by NewAxis.
	EvenlySpaced bool
	Spacing      float64
}

// NewAxis validates values (strictly monotonic, finite) and computes the
// spacing fields.
func NewAxis(name, units string, values []float64, attrs Attributes) (Axis, error) {
	if name == "" {
		return Axis{}, errors.New("axis name is empty")
	}
	if len(values) == 0 {
		return Axis{}, fmt.Errorf("axis %s has no values", name)
	}
	vals := append([]float64(nil), values...)
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Axis{}, fmt.Errorf("axis %s has a non-finite value", name)
		}
	}
	if len(vals) > 1 {
		asc := vals[1] > vals[0]
		for i := 1; i < len(vals); i++ {
			if (asc && vals[i] <= vals[i-1]) || (!asc && vals[i] >= vals[i-1]) {
				return Axis{}, fmt.Errorf("axis %s values are not strictly monotonic at index %d", name, i)
			}
		}
	}
	a := Axis{Name: name, Units: units, Values: vals, Attributes: append(Attributes(nil), attrs...)}
	if a.Units == "" {
		a.Units = a.Attributes.String("units")
	}
	if a.IsTime() && a.Units == "" {
		a.Units = TimeUnits
	}
	a.EvenlySpaced, a.Spacing = spacing(vals)
	return a, nil
}

// spacing reports whether vals are evenly spaced (within a relative
// tolerance of 1e-3 of the average step) and the average step.
func spacing(vals []float64) (bool, float64) {
	n := len(vals)
	if n < 2 {
		return true, 0
	}
	avg := (vals[n-1] - vals[0]) / float64(n-1)
	tol := math.Abs(avg) * 1e-3
	for i := 1; i < n; i++ {
		if math.Abs((vals[i]-vals[i-1])-avg) > tol {
			return false, avg
		}
	}
	return true, avg
}

// IsLongitude reports whether the axis is the longitude axis.
func (a *Axis) IsLongitude() bool {
	n := strings.ToLower(a.Name)
	return n == "longitude" || n == "lon"
}

// IsLatitude reports whether the axis is the latitude axis.
func (a *Axis) IsLatitude() bool {
	n := strings.ToLower(a.Name)
	return n == "latitude" || n == "lat"
}

// IsTime reports whether the axis is the time axis.
func (a *Axis) IsTime() bool {
	return strings.ToLower(a.Name) == "time"
}

// IsElevation reports whether the axis is the vertical axis.
func (a *Axis) IsElevation() bool {
	switch strings.ToLower(a.Name) {
	case "altitude", "depth", "elevation":
		return true
	}
	return false
}

// Len returns the number of values.
func (a *Axis) Len() int { return len(a.Values) }

// First returns the first value.
func (a *Axis) First() float64 { return a.Values[0] }

// Last returns the last value.
func (a *Axis) Last() float64 { return a.Values[len(a.Values)-1] }

// Ascending reports whether values increase with index.
func (a *Axis) Ascending() bool {
	return len(a.Values) < 2 || a.Values[1] > a.Values[0]
}

// Min returns the smallest value.
func (a *Axis) Min() float64 { return math.Min(a.First(), a.Last()) }

// Max returns the largest value.
func (a *Axis) Max() float64 { return math.Max(a.First(), a.Last()) }

// halfStep is half of the average spacing, or 0 for a single value.
func (a *Axis) halfStep() float64 {
	return math.Abs(a.Spacing) / 2
}

// InCoarseRange reports whether v falls within the axis range widened by
// half a step on each end.
func (a *Axis) InCoarseRange(v float64) bool {
	if math.IsNaN(v) {
		return false
	}
	h := a.halfStep()
	if h == 0 {
		h = math.Max(math.Abs(a.First())*1e-9, 1e-9)
	}
	return v >= a.Min()-h && v <= a.Max()+h
}

// ClosestIndex returns the index of the value closest to v. Ties go to
// the lower index.
func (a *Axis) ClosestIndex(v float64) int {
	n := len(a.Values)
	if n == 1 {
		return 0
	}
	asc := a.Ascending()
	i := sort.Search(n, func(i int) bool {
		if asc {
			return a.Values[i] >= v
		}
		return a.Values[i] <= v
	})
	switch {
	case i == 0:
		return 0
	case i == n:
		return n - 1
	}
	if math.Abs(a.Values[i-1]-v) <= math.Abs(a.Values[i]-v) {
		return i - 1
	}
	return i
}

// IndexSpan returns the index range [start, stop] (start <= stop) of the
// values that cover [lo, hi]. ok is false when [lo, hi] does not intersect
// the coarse axis range.
func (a *Axis) IndexSpan(lo, hi float64) (start, stop int, ok bool) {
	if lo > hi {
		lo, hi = hi, lo
	}
	h := a.halfStep()
	if hi < a.Min()-h || lo > a.Max()+h {
		return 0, 0, false
	}
	i, j := a.ClosestIndex(math.Max(lo, a.Min())), a.ClosestIndex(math.Min(hi, a.Max()))
	if i > j {
		i, j = j, i
	}
	return i, j, true
}

// Stride returns the smallest step S such that ceil(samples/S) <= pixels.
func Stride(samples, pixels int) int {
	if pixels < 1 {
		pixels = 1
	}
	if samples <= pixels {
		return 1
	}
	return (samples + pixels - 1) / pixels
}

// IndexRange selects indices Start, Start+Stride, ... up to Stop inclusive.
type IndexRange struct {
	Start  int
	Stride int
	Stop   int
}

// Full returns the range covering an axis of length n.
func Full(n int) IndexRange {
	return IndexRange{Start: 0, Stride: 1, Stop: n - 1}
}

// Single returns the range selecting only index i.
func Single(i int) IndexRange {
	return IndexRange{Start: i, Stride: 1, Stop: i}
}

// Count returns the number of selected indices.
func (r IndexRange) Count() int {
	if r.Stride < 1 || r.Stop < r.Start {
		return 0
	}
	return (r.Stop-r.Start)/r.Stride + 1
}

// Index returns the i-th selected index.
func (r IndexRange) Index(i int) int {
	return r.Start + i*r.Stride
}

// Validate checks the range against an axis of length n.
func (r IndexRange) Validate(n int) error {
	switch {
	case r.Stride < 1:
		return fmt.Errorf("stride=%d must be >= 1", r.Stride)
	case r.Start < 0:
		return fmt.Errorf("start=%d must be >= 0", r.Start)
	case r.Stop < r.Start:
		return fmt.Errorf("stop=%d must be >= start=%d", r.Stop, r.Start)
	case r.Stop >= n:
		return fmt.Errorf("stop=%d must be <= %d", r.Stop, n-1)
	}
	return nil
}

// Select returns the axis values picked by r.
func (a *Axis) Select(r IndexRange) []float64 {
	out := make([]float64, 0, r.Count())
	for i := 0; i < r.Count(); i++ {
		out = append(out, a.Values[r.Index(i)])
	}
	return out
}
