package catalog

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/csv"
	"fmt"
	"io"
	"io/fs"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/BobSimons/erddap-sub000/internal/dataset"
	"github.com/BobSimons/erddap-sub000/internal/failure"
)

// syntheticFunc returns a generator over axis coordinates. Generators are
// smooth fields used for demonstration catalogs and tests.
func syntheticFunc(name string, axes []dataset.Axis) (func([]float64) float64, error) {
	lon, lat := -1, -1
	for i := range axes {
		switch {
		case axes[i].IsLongitude():
			lon = i
		case axes[i].IsLatitude():
			lat = i
		}
	}
	coord := func(c []float64, i int) float64 {
		if i < 0 {
			return 0
		}
		return c[i]
	}

	switch {
	case name == "sst":
		return func(c []float64) float64 {
			y := coord(c, lat)
			x := coord(c, lon)
			return 28 - 0.3*math.Abs(y) + 2*math.Sin(x*math.Pi/90)
		}, nil
	case name == "gradient":
		return func(c []float64) float64 { return coord(c, lon) + coord(c, lat) }, nil
	case name == "index":
		return func(c []float64) float64 {
			sum := 0.0
			for _, v := range c {
				sum += v
			}
			return sum
		}, nil
	case strings.HasPrefix(name, "constant:"):
		v, err := strconv.ParseFloat(strings.TrimPrefix(name, "constant:"), 64)
		if err != nil {
			return nil, fmt.Errorf("bad constant %q: %w", name, err)
		}
		return func([]float64) float64 { return v }, nil
	}
	return nil, fmt.Errorf("unknown synthetic function %q", name)
}

type fileStamp struct {
	size    int64
	modTime time.Time
}

func stat(fsys fs.FS, name string) (fileStamp, error) {
	info, err := fs.Stat(fsys, name)
	if err != nil {
		return fileStamp{}, err
	}
	return fileStamp{size: info.Size(), modTime: info.ModTime()}, nil
}

// rawGrid reads little-endian float32 files laid out row-major in axis
// order, one file per variable. A file that changed after the reader was
// built yields a retryable error so the request waits for the reload.
type rawGrid struct {
	fsys      fs.FS
	datasetID string
	shape     []int
	files     map[string]string
	stamps    map[string]fileStamp
}

func newRawGrid(fsys fs.FS, datasetID string, axes []dataset.Axis, files map[string]string) (*rawGrid, error) {
	g := &rawGrid{
		fsys:      fsys,
		datasetID: datasetID,
		files:     files,
		stamps:    make(map[string]fileStamp, len(files)),
	}
	want := int64(4)
	for _, a := range axes {
		g.shape = append(g.shape, a.Len())
		want *= int64(a.Len())
	}
	for name, file := range files {
		st, err := stat(fsys, file)
		if err != nil {
			return nil, fmt.Errorf("variable %s: %w", name, err)
		}
		if st.size != want {
			return nil, fmt.Errorf("variable %s: file %s has %d bytes, want %d", name, file, st.size, want)
		}
		g.stamps[name] = st
	}
	return g, nil
}

func (g *rawGrid) ReadGrid(ctx context.Context, variable string, ranges []dataset.IndexRange) ([]float64, error) {
	file, ok := g.files[variable]
	if !ok {
		return nil, fmt.Errorf("no file for variable %s", variable)
	}
	st, err := stat(g.fsys, file)
	if err != nil || st != g.stamps[variable] {
		return nil, failure.Retryable(g.datasetID, fmt.Errorf("source file %s changed", file))
	}
	f, err := g.fsys.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ra, ok := f.(io.ReaderAt)
	if !ok {
		b, err := io.ReadAll(f)
		if err != nil {
			return nil, err
		}
		ra = bytes.NewReader(b)
	}
	return readRows(ctx, ra, g.shape, ranges)
}

// readRows reads one contiguous span of the last axis per row and picks
// the strided values out of it.
func readRows(ctx context.Context, ra io.ReaderAt, shape []int, ranges []dataset.IndexRange) ([]float64, error) {
	last := len(ranges) - 1
	lr := ranges[last]
	span := make([]byte, 4*(lr.Stop-lr.Start+1))
	rows := 1
	for _, r := range ranges[:last] {
		rows *= r.Count()
	}
	out := make([]float64, 0, rows*lr.Count())
	pos := make([]int, last)
	for row := 0; row < rows; row++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		off := 0
		for i, r := range ranges[:last] {
			off = off*shape[i] + r.Index(pos[i])
		}
		off = off*shape[last] + lr.Start
		if _, err := ra.ReadAt(span, int64(off)*4); err != nil {
			return nil, fmt.Errorf("read at %d: %w", off*4, err)
		}
		for i := 0; i < lr.Count(); i++ {
			bits := binary.LittleEndian.Uint32(span[4*i*lr.Stride:])
			out = append(out, float64(math.Float32frombits(bits)))
		}
		for i := last - 1; i >= 0; i-- {
			pos[i]++
			if pos[i] < ranges[i].Count() {
				break
			}
			pos[i] = 0
		}
	}
	return out, nil
}

// csvTable holds a CSV file parsed at build time.
type csvTable struct {
	fsys      fs.FS
	datasetID string
	file      string
	stamp     fileStamp
	data      *dataset.TableData
}

func newCSVTable(fsys fs.FS, datasetID, file string, vars []dataset.Variable) (*csvTable, error) {
	st, err := stat(fsys, file)
	if err != nil {
		return nil, err
	}
	f, err := fsys.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", file, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%s has no header row", file)
	}
	header := records[0]
	rows := make([][]string, 0, len(records)-1)
	for _, rec := range records[1:] {
		row := make([]string, len(vars))
		for i, v := range vars {
			for j, h := range header {
				if strings.TrimSpace(h) == v.Name && j < len(rec) {
					row[i] = rec[j]
				}
			}
		}
		rows = append(rows, row)
	}
	data, err := tableFromRows(rows, vars)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", file, err)
	}
	return &csvTable{fsys: fsys, datasetID: datasetID, file: file, stamp: st, data: data}, nil
}

func (t *csvTable) ReadTable(ctx context.Context) (*dataset.TableData, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	st, err := stat(t.fsys, t.file)
	if err != nil || st != t.stamp {
		return nil, failure.Retryable(t.datasetID, fmt.Errorf("source file %s changed", t.file))
	}
	return t.data, nil
}

// tableFromRows converts text rows (one cell per variable, in variable
// order) to typed columns. Empty numeric cells become NaN; time cells are
// parsed as ISO 8601.
func tableFromRows(rows [][]string, vars []dataset.Variable) (*dataset.TableData, error) {
	data := &dataset.TableData{Columns: make([]dataset.Column, len(vars))}
	for i, v := range vars {
		data.Columns[i] = dataset.Column{Name: v.Name, IsString: v.IsString()}
	}
	for r, row := range rows {
		if len(row) != len(vars) {
			return nil, fmt.Errorf("row %d has %d cells, want %d", r+1, len(row), len(vars))
		}
		for i := range vars {
			col := &data.Columns[i]
			cell := strings.TrimSpace(row[i])
			if col.IsString {
				col.Strings = append(col.Strings, cell)
				continue
			}
			v, err := parseCell(cell, vars[i].IsTime())
			if err != nil {
				return nil, fmt.Errorf("row %d column %s: %w", r+1, vars[i].Name, err)
			}
			col.Floats = append(col.Floats, v)
		}
	}
	return data, nil
}

func parseCell(cell string, isTime bool) (float64, error) {
	if cell == "" || strings.EqualFold(cell, "NaN") {
		return math.NaN(), nil
	}
	if isTime {
		if v, err := dataset.ParseTime(cell); err == nil {
			return v, nil
		}
	}
	return strconv.ParseFloat(cell, 64)
}
