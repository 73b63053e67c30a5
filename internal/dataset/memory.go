package dataset

import (
	"context"
	"fmt"
)

// MemoryGrid is a GridReader over full arrays held in memory.
type MemoryGrid struct {
	Shape []int
	Data  map[string][]float64
}

// ReadGrid implements GridReader.
func (m *MemoryGrid) ReadGrid(ctx context.Context, variable string, ranges []IndexRange) ([]float64, error) {
	full, ok := m.Data[variable]
	if !ok {
		return nil, fmt.Errorf("no data for variable %s", variable)
	}
	return SubsetRowMajor(ctx, m.Shape, ranges, func(offset int) float64 { return full[offset] })
}

// FuncGrid is a GridReader computing each value from its axis values.
type FuncGrid struct {
	Axes []Axis
	Func map[string]func(coords []float64) float64
}

// ReadGrid implements GridReader.
func (f *FuncGrid) ReadGrid(ctx context.Context, variable string, ranges []IndexRange) ([]float64, error) {
	fn, ok := f.Func[variable]
	if !ok {
		return nil, fmt.Errorf("no function for variable %s", variable)
	}
	total := totalCount(ranges)
	out := make([]float64, 0, total)
	coords := make([]float64, len(ranges))
	pos := make([]int, len(ranges))
	for n := 0; n < total; n++ {
		if n%4096 == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		for i, r := range ranges {
			coords[i] = f.Axes[i].Values[r.Index(pos[i])]
		}
		out = append(out, fn(coords))
		advance(pos, ranges)
	}
	return out, nil
}

// SubsetRowMajor walks ranges over a row-major array of the given shape,
// returning the selected values in row-major order.
func SubsetRowMajor(ctx context.Context, shape []int, ranges []IndexRange, at func(offset int) float64) ([]float64, error) {
	if len(shape) != len(ranges) {
		return nil, fmt.Errorf("got %d ranges for %d dimensions", len(ranges), len(shape))
	}
	total := totalCount(ranges)
	out := make([]float64, 0, total)
	pos := make([]int, len(ranges))
	for n := 0; n < total; n++ {
		if n%4096 == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		off := 0
		for i, r := range ranges {
			off = off*shape[i] + r.Index(pos[i])
		}
		out = append(out, at(off))
		advance(pos, ranges)
	}
	return out, nil
}

func totalCount(ranges []IndexRange) int {
	n := 1
	for _, r := range ranges {
		n *= r.Count()
	}
	return n
}

func advance(pos []int, ranges []IndexRange) {
	for i := len(pos) - 1; i >= 0; i-- {
		pos[i]++
		if pos[i] < ranges[i].Count() {
			return
		}
		pos[i] = 0
	}
}

// MemoryTable is a TableReader returning a fixed table.
type MemoryTable struct {
	Data *TableData
}

// ReadTable implements TableReader.
func (m *MemoryTable) ReadTable(ctx context.Context) (*TableData, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.Data, nil
}
