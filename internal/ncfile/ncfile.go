// Package ncfile writes NetCDF-3 classic files.
//
// Only fixed-size variables are supported (no record dimension). Files are
// written in the classic format, or the 64-bit offset variant when a
// variable starts beyond 2 GiB.
package ncfile

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Type is a NetCDF external data type.
type Type int32

// NetCDF-3 types.
const (
	Byte   Type = 1
	Char   Type = 2
	Short  Type = 3
	Int    Type = 4
	Float  Type = 5
	Double Type = 6
)

// Size returns the size in bytes of one value.
func (t Type) Size() int {
	switch t {
	case Byte, Char:
		return 1
	case Short:
		return 2
	case Int, Float:
		return 4
	case Double:
		return 8
	}
	return 0
}

func (t Type) String() string {
	switch t {
	case Byte:
		return "byte"
	case Char:
		return "char"
	case Short:
		return "short"
	case Int:
		return "int"
	case Float:
		return "float"
	case Double:
		return "double"
	}
	return fmt.Sprintf("Type(%d)", int32(t))
}

// Fill values used for NaN in integer variables.
const (
	FillByte  = -127
	FillShort = -32767
	FillInt   = -2147483647
)

const (
	tagDimension = 0x0A
	tagVariable  = 0x0B
	tagAttribute = 0x0C
)

// Dimension is a named fixed length.
type Dimension struct {
	Name string
	Len  int
}

// Attribute is a named value. Value is a string, a number (float64,
// float32, int, int32, int16, int8), or a slice of float64, float32 or
// int32.
type Attribute struct {
	Name  string
	Value any
}

// Variable is a fixed-size variable. Numeric variables take their data
// from Values in row-major order; Char variables from Text, padded with
// zero bytes to the variable size.
type Variable struct {
	Name       string
	Type       Type
	Dims       []string
	Attributes []Attribute
	Values     []float64
	Text       string
}

// File is the content of a NetCDF-3 file.
type File struct {
	Dims       []Dimension
	Attributes []Attribute
	Variables  []Variable
}

// AddDim appends a dimension and returns its name.
func (f *File) AddDim(name string, n int) string {
	f.Dims = append(f.Dims, Dimension{Name: name, Len: n})
	return name
}

func (f *File) dimIndex(name string) int {
	for i, d := range f.Dims {
		if d.Name == name {
			return i
		}
	}
	return -1
}

// count returns the number of values in v.
func (f *File) count(v *Variable) (int, error) {
	n := 1
	for _, d := range v.Dims {
		i := f.dimIndex(d)
		if i < 0 {
			return 0, fmt.Errorf("variable %s: unknown dimension %s", v.Name, d)
		}
		n *= f.Dims[i].Len
	}
	return n, nil
}

func pad4(n int) int { return (n + 3) &^ 3 }

// Validate checks names, dimension references and data lengths.
func (f *File) Validate() error {
	seen := make(map[string]bool)
	for _, d := range f.Dims {
		if d.Name == "" || d.Len < 1 {
			return fmt.Errorf("invalid dimension %q of length %d", d.Name, d.Len)
		}
		if seen[d.Name] {
			return fmt.Errorf("duplicate dimension %s", d.Name)
		}
		seen[d.Name] = true
	}
	seen = make(map[string]bool)
	for i := range f.Variables {
		v := &f.Variables[i]
		if v.Name == "" || seen[v.Name] {
			return fmt.Errorf("duplicate or empty variable name %q", v.Name)
		}
		seen[v.Name] = true
		if v.Type.Size() == 0 {
			return fmt.Errorf("variable %s: unsupported type %s", v.Name, v.Type)
		}
		n, err := f.count(v)
		if err != nil {
			return err
		}
		switch {
		case v.Type == Char && len(v.Text) > n:
			return fmt.Errorf("variable %s: text of %d bytes exceeds %d", v.Name, len(v.Text), n)
		case v.Type != Char && len(v.Values) != n:
			return fmt.Errorf("variable %s: have %d values, dimensions need %d", v.Name, len(v.Values), n)
		}
	}
	return nil
}

// encoder accumulates big-endian header bytes.
type encoder struct {
	b bytes.Buffer
}

func (e *encoder) int32(v int32) { _ = binary.Write(&e.b, binary.BigEndian, v) }

func (e *encoder) int64(v int64) { _ = binary.Write(&e.b, binary.BigEndian, v) }

func (e *encoder) name(s string) {
	e.int32(int32(len(s)))
	e.b.WriteString(s)
	e.zeros(pad4(len(s)) - len(s))
}

func (e *encoder) zeros(n int) {
	for i := 0; i < n; i++ {
		e.b.WriteByte(0)
	}
}

func (e *encoder) attributes(attrs []Attribute) error {
	if len(attrs) == 0 {
		e.int32(0)
		e.int32(0)
		return nil
	}
	e.int32(tagAttribute)
	e.int32(int32(len(attrs)))
	for _, a := range attrs {
		e.name(a.Name)
		if err := e.attrValue(a); err != nil {
			return err
		}
	}
	return nil
}

func (e *encoder) attrValue(a Attribute) error {
	var (
		t    Type
		data []byte
		n    int
	)
	var buf bytes.Buffer
	put := func(v any) { _ = binary.Write(&buf, binary.BigEndian, v) }
	switch v := a.Value.(type) {
	case string:
		t, n = Char, len(v)
		buf.WriteString(v)
	case float64:
		t, n = Double, 1
		put(v)
	case []float64:
		t, n = Double, len(v)
		put(v)
	case float32:
		t, n = Float, 1
		put(v)
	case []float32:
		t, n = Float, len(v)
		put(v)
	case int:
		t, n = Int, 1
		put(int32(v))
	case int32:
		t, n = Int, 1
		put(v)
	case []int32:
		t, n = Int, len(v)
		put(v)
	case int16:
		t, n = Short, 1
		put(v)
	case int8:
		t, n = Byte, 1
		put(v)
	default:
		return fmt.Errorf("attribute %s: unsupported value type %T", a.Name, a.Value)
	}
	data = buf.Bytes()
	e.int32(int32(t))
	e.int32(int32(n))
	e.b.Write(data)
	e.zeros(pad4(len(data)) - len(data))
	return nil
}

// header encodes the header with the given data start offset per
// variable; version is 1 (classic) or 2 (64-bit offset).
func (f *File) header(version byte, begins []int64) ([]byte, error) {
	var e encoder
	e.b.WriteString("CDF")
	e.b.WriteByte(version)
	e.int32(0) // numrecs

	if len(f.Dims) == 0 {
		e.int32(0)
		e.int32(0)
	} else {
		e.int32(tagDimension)
		e.int32(int32(len(f.Dims)))
		for _, d := range f.Dims {
			e.name(d.Name)
			e.int32(int32(d.Len))
		}
	}
	if err := e.attributes(f.Attributes); err != nil {
		return nil, err
	}

	if len(f.Variables) == 0 {
		e.int32(0)
		e.int32(0)
		return e.b.Bytes(), nil
	}
	e.int32(tagVariable)
	e.int32(int32(len(f.Variables)))
	for i := range f.Variables {
		v := &f.Variables[i]
		e.name(v.Name)
		e.int32(int32(len(v.Dims)))
		for _, d := range v.Dims {
			e.int32(int32(f.dimIndex(d)))
		}
		if err := e.attributes(v.Attributes); err != nil {
			return nil, err
		}
		e.int32(int32(v.Type))
		n, _ := f.count(v)
		vsize := pad4(n * v.Type.Size())
		if vsize > math.MaxInt32 {
			vsize = math.MaxUint32 >> 1
		}
		e.int32(int32(vsize))
		if version == 1 {
			e.int32(int32(begins[i]))
		} else {
			e.int64(begins[i])
		}
	}
	return e.b.Bytes(), nil
}

// layout computes the header and per-variable offsets, switching to the
// 64-bit offset format when needed.
func (f *File) layout() ([]byte, error) {
	begins := make([]int64, len(f.Variables))
	for _, version := range []byte{1, 2} {
		hdr, err := f.header(version, begins)
		if err != nil {
			return nil, err
		}
		off := int64(len(hdr))
		fits := true
		for i := range f.Variables {
			begins[i] = off
			if version == 1 && off > math.MaxInt32 {
				fits = false
			}
			n, _ := f.count(&f.Variables[i])
			off += int64(pad4(n * f.Variables[i].Type.Size()))
		}
		if version == 1 && !fits {
			continue
		}
		// offsets do not change the header length within one version
		return f.header(version, begins)
	}
	return nil, errors.New("file too large for NetCDF-3")
}

// WriteTo writes the file to w.
func (f *File) WriteTo(w io.Writer) (int64, error) {
	if err := f.Validate(); err != nil {
		return 0, err
	}
	hdr, err := f.layout()
	if err != nil {
		return 0, err
	}
	cw := &countingWriter{w: w}
	bw := bufio.NewWriterSize(cw, 64<<10)
	if _, err := bw.Write(hdr); err != nil {
		return cw.n, err
	}
	for i := range f.Variables {
		if err := f.writeData(bw, &f.Variables[i]); err != nil {
			return cw.n, err
		}
	}
	err = bw.Flush()
	return cw.n, err
}

func (f *File) writeData(w *bufio.Writer, v *Variable) error {
	n, _ := f.count(v)
	size := n * v.Type.Size()
	var scratch [8]byte
	if v.Type == Char {
		if _, err := w.WriteString(v.Text); err != nil {
			return err
		}
		return writeZeros(w, pad4(size)-len(v.Text))
	}
	for _, x := range v.Values {
		var b []byte
		switch v.Type {
		case Byte:
			scratch[0] = byte(int8(toInt(x, FillByte, math.MinInt8, math.MaxInt8)))
			b = scratch[:1]
		case Short:
			binary.BigEndian.PutUint16(scratch[:], uint16(int16(toInt(x, FillShort, math.MinInt16, math.MaxInt16))))
			b = scratch[:2]
		case Int:
			binary.BigEndian.PutUint32(scratch[:], uint32(int32(toInt(x, FillInt, math.MinInt32, math.MaxInt32))))
			b = scratch[:4]
		case Float:
			binary.BigEndian.PutUint32(scratch[:], math.Float32bits(float32(x)))
			b = scratch[:4]
		case Double:
			binary.BigEndian.PutUint64(scratch[:], math.Float64bits(x))
			b = scratch[:8]
		}
		if _, err := w.Write(b); err != nil {
			return err
		}
	}
	return writeZeros(w, pad4(size)-size)
}

// toInt rounds x into [lo, hi]; NaN becomes fill.
func toInt(x float64, fill, lo, hi int64) int64 {
	if math.IsNaN(x) {
		return fill
	}
	r := math.Round(x)
	if r < float64(lo) {
		return lo
	}
	if r > float64(hi) {
		return hi
	}
	return int64(r)
}

func writeZeros(w *bufio.Writer, n int) error {
	for i := 0; i < n; i++ {
		if err := w.WriteByte(0); err != nil {
			return err
		}
	}
	return nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
