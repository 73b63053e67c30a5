package ncfile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrFormat is returned by Decode for input that is not a NetCDF-3 file
// this package can read.
var ErrFormat = errors.New("not a NetCDF-3 file")

type decoder struct {
	b   []byte
	off int
	err error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || d.off+n > len(d.b) {
		d.err = fmt.Errorf("%w: truncated at offset %d", ErrFormat, d.off)
		return nil
	}
	p := d.b[d.off : d.off+n]
	d.off += n
	return p
}

func (d *decoder) int32() int32 {
	p := d.take(4)
	if p == nil {
		return 0
	}
	return int32(binary.BigEndian.Uint32(p))
}

func (d *decoder) int64() int64 {
	p := d.take(8)
	if p == nil {
		return 0
	}
	return int64(binary.BigEndian.Uint64(p))
}

func (d *decoder) name() string {
	n := int(d.int32())
	s := string(d.take(n))
	d.take(pad4(n) - n)
	return s
}

func (d *decoder) values(t Type, n int) []float64 {
	raw := d.take(n * t.Size())
	if raw == nil && n > 0 {
		return nil
	}
	out := make([]float64, n)
	for i := range out {
		switch t {
		case Byte:
			out[i] = float64(int8(raw[i]))
		case Short:
			out[i] = float64(int16(binary.BigEndian.Uint16(raw[2*i:])))
		case Int:
			out[i] = float64(int32(binary.BigEndian.Uint32(raw[4*i:])))
		case Float:
			out[i] = float64(math.Float32frombits(binary.BigEndian.Uint32(raw[4*i:])))
		case Double:
			out[i] = math.Float64frombits(binary.BigEndian.Uint64(raw[8*i:]))
		}
	}
	return out
}

func (d *decoder) attributes() []Attribute {
	tag, n := d.int32(), int(d.int32())
	if tag == 0 {
		return nil
	}
	if tag != tagAttribute {
		d.err = fmt.Errorf("%w: expected attribute list", ErrFormat)
		return nil
	}
	attrs := make([]Attribute, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		name := d.name()
		t, count := Type(d.int32()), int(d.int32())
		size := count * t.Size()
		var val any
		if t == Char {
			val = string(d.take(count))
		} else {
			vals := d.values(t, count)
			if len(vals) == 1 {
				val = vals[0]
			} else {
				val = vals
			}
		}
		d.take(pad4(size) - size)
		attrs = append(attrs, Attribute{Name: name, Value: val})
	}
	return attrs
}

// Decode parses a file produced by WriteTo. Numeric attribute values
// decode as float64 (one value) or []float64.
func Decode(b []byte) (*File, error) {
	d := &decoder{b: b}
	magic := d.take(4)
	if magic == nil || string(magic[:3]) != "CDF" || (magic[3] != 1 && magic[3] != 2) {
		return nil, ErrFormat
	}
	version := magic[3]
	d.int32() // numrecs

	f := &File{}
	if tag, n := d.int32(), int(d.int32()); tag == tagDimension {
		for i := 0; i < n && d.err == nil; i++ {
			name := d.name()
			f.Dims = append(f.Dims, Dimension{Name: name, Len: int(d.int32())})
		}
	}
	f.Attributes = d.attributes()

	var begins []int64
	if tag, n := d.int32(), int(d.int32()); tag == tagVariable {
		for i := 0; i < n && d.err == nil; i++ {
			v := Variable{Name: d.name()}
			nd := int(d.int32())
			for j := 0; j < nd && d.err == nil; j++ {
				id := int(d.int32())
				if id < 0 || id >= len(f.Dims) {
					return nil, fmt.Errorf("%w: bad dimension id %d", ErrFormat, id)
				}
				v.Dims = append(v.Dims, f.Dims[id].Name)
			}
			v.Attributes = d.attributes()
			v.Type = Type(d.int32())
			d.int32() // vsize
			if version == 1 {
				begins = append(begins, int64(d.int32()))
			} else {
				begins = append(begins, d.int64())
			}
			f.Variables = append(f.Variables, v)
		}
	}
	if d.err != nil {
		return nil, d.err
	}

	for i := range f.Variables {
		v := &f.Variables[i]
		n, err := f.count(v)
		if err != nil {
			return nil, err
		}
		d.off = int(begins[i])
		if v.Type == Char {
			raw := d.take(n)
			end := len(raw)
			for end > 0 && raw[end-1] == 0 {
				end--
			}
			v.Text = string(raw[:end])
		} else {
			v.Values = d.values(v.Type, n)
		}
		if d.err != nil {
			return nil, d.err
		}
	}
	return f, nil
}

// Variable returns the named variable, or nil.
func (f *File) Variable(name string) *Variable {
	for i := range f.Variables {
		if f.Variables[i].Name == name {
			return &f.Variables[i]
		}
	}
	return nil
}

// Attr returns the value of the named attribute, or nil.
func Attr(attrs []Attribute, name string) any {
	for _, a := range attrs {
		if a.Name == name {
			return a.Value
		}
	}
	return nil
}
