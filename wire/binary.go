package wire

import (
	"encoding/binary"
	"math"
	"reflect"

	"github.com/go-faster/errors"
)

// BinaryCodec is the default payload encoding: deterministic, self-delimiting,
// big-endian, with explicit length prefixes instead of delimiters.
//
// Supported payload shapes: booleans, fixed-width signed and unsigned integers
// (plain int/uint travel as 64-bit), float32/float64, strings and []byte with
// uint32 length prefixes, slices and arrays of supported types with uint32
// element counts, and structs whose exported fields are encoded in declaration
// order. Maps and interfaces are rejected; their iteration order or dynamic
// type would break determinism.
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	w := &binWriter{}
	if err := encodeValue(w, reflect.ValueOf(v)); err != nil {
		return nil, err
	}
	return w.buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return errors.New("binary codec: decode target must be a non-nil pointer")
	}
	r := &binReader{data: data}
	if err := decodeValue(r, rv.Elem()); err != nil {
		return err
	}
	if r.remaining() != 0 {
		return errors.Errorf("binary codec: %d trailing bytes after %s", r.remaining(), rv.Elem().Type())
	}
	return nil
}

func (c *BinaryCodec) Name() string { return "binary" }

type binWriter struct {
	buf []byte
}

func (w *binWriter) byte(b byte)    { w.buf = append(w.buf, b) }
func (w *binWriter) bytes(p []byte) { w.buf = append(w.buf, p...) }

func (w *binWriter) u16(v uint16) {
	w.buf = binary.BigEndian.AppendUint16(w.buf, v)
}

func (w *binWriter) u32(v uint32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
}

func (w *binWriter) u64(v uint64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, v)
}

func encodeValue(w *binWriter, rv reflect.Value) error {
	switch rv.Kind() {
	case reflect.Ptr:
		if rv.IsNil() {
			return errors.Errorf("binary codec: cannot encode nil %s", rv.Type())
		}
		return encodeValue(w, rv.Elem())

	case reflect.Bool:
		if rv.Bool() {
			w.byte(1)
		} else {
			w.byte(0)
		}

	case reflect.Int8:
		w.byte(byte(rv.Int()))
	case reflect.Int16:
		w.u16(uint16(rv.Int()))
	case reflect.Int32:
		w.u32(uint32(rv.Int()))
	case reflect.Int64, reflect.Int:
		w.u64(uint64(rv.Int()))

	case reflect.Uint8:
		w.byte(byte(rv.Uint()))
	case reflect.Uint16:
		w.u16(uint16(rv.Uint()))
	case reflect.Uint32:
		w.u32(uint32(rv.Uint()))
	case reflect.Uint64, reflect.Uint:
		w.u64(rv.Uint())

	case reflect.Float32:
		w.u32(math.Float32bits(float32(rv.Float())))
	case reflect.Float64:
		w.u64(math.Float64bits(rv.Float()))

	case reflect.String:
		s := rv.String()
		w.u32(uint32(len(s)))
		w.bytes([]byte(s))

	case reflect.Slice:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			b := rv.Bytes()
			w.u32(uint32(len(b)))
			w.bytes(b)
			return nil
		}
		w.u32(uint32(rv.Len()))
		for i := 0; i < rv.Len(); i++ {
			if err := encodeValue(w, rv.Index(i)); err != nil {
				return err
			}
		}

	case reflect.Array:
		w.u32(uint32(rv.Len()))
		for i := 0; i < rv.Len(); i++ {
			if err := encodeValue(w, rv.Index(i)); err != nil {
				return err
			}
		}

	case reflect.Struct:
		t := rv.Type()
		for i := 0; i < t.NumField(); i++ {
			if t.Field(i).PkgPath != "" { // unexported
				continue
			}
			if err := encodeValue(w, rv.Field(i)); err != nil {
				return err
			}
		}

	default:
		return errors.Errorf("binary codec: unsupported type %s", rv.Type())
	}
	return nil
}

type binReader struct {
	data []byte
	off  int
}

func (r *binReader) remaining() int { return len(r.data) - r.off }

func (r *binReader) take(n int) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, errors.Errorf("binary codec: need %d bytes, have %d", n, r.remaining())
	}
	p := r.data[r.off : r.off+n]
	r.off += n
	return p, nil
}

func (r *binReader) byte() (byte, error) {
	p, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return p[0], nil
}

func (r *binReader) u16() (uint16, error) {
	p, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(p), nil
}

func (r *binReader) u32() (uint32, error) {
	p, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(p), nil
}

func (r *binReader) u64() (uint64, error) {
	p, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(p), nil
}

func decodeValue(r *binReader, rv reflect.Value) error {
	switch rv.Kind() {
	case reflect.Ptr:
		if rv.IsNil() {
			rv.Set(reflect.New(rv.Type().Elem()))
		}
		return decodeValue(r, rv.Elem())

	case reflect.Bool:
		b, err := r.byte()
		if err != nil {
			return err
		}
		rv.SetBool(b != 0)

	case reflect.Int8:
		b, err := r.byte()
		if err != nil {
			return err
		}
		rv.SetInt(int64(int8(b)))
	case reflect.Int16:
		v, err := r.u16()
		if err != nil {
			return err
		}
		rv.SetInt(int64(int16(v)))
	case reflect.Int32:
		v, err := r.u32()
		if err != nil {
			return err
		}
		rv.SetInt(int64(int32(v)))
	case reflect.Int64, reflect.Int:
		v, err := r.u64()
		if err != nil {
			return err
		}
		rv.SetInt(int64(v))

	case reflect.Uint8:
		b, err := r.byte()
		if err != nil {
			return err
		}
		rv.SetUint(uint64(b))
	case reflect.Uint16:
		v, err := r.u16()
		if err != nil {
			return err
		}
		rv.SetUint(uint64(v))
	case reflect.Uint32:
		v, err := r.u32()
		if err != nil {
			return err
		}
		rv.SetUint(uint64(v))
	case reflect.Uint64, reflect.Uint:
		v, err := r.u64()
		if err != nil {
			return err
		}
		rv.SetUint(v)

	case reflect.Float32:
		v, err := r.u32()
		if err != nil {
			return err
		}
		rv.SetFloat(float64(math.Float32frombits(v)))
	case reflect.Float64:
		v, err := r.u64()
		if err != nil {
			return err
		}
		rv.SetFloat(math.Float64frombits(v))

	case reflect.String:
		n, err := r.u32()
		if err != nil {
			return err
		}
		p, err := r.take(int(n))
		if err != nil {
			return err
		}
		rv.SetString(string(p))

	case reflect.Slice:
		n, err := r.u32()
		if err != nil {
			return err
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			p, err := r.take(int(n))
			if err != nil {
				return err
			}
			rv.SetBytes(append([]byte(nil), p...))
			return nil
		}
		// Grow by appending so a hostile count cannot force a giant
		// allocation before the buffer runs dry.
		sl := reflect.MakeSlice(rv.Type(), 0, 0)
		for i := uint32(0); i < n; i++ {
			elem := reflect.New(rv.Type().Elem()).Elem()
			if err := decodeValue(r, elem); err != nil {
				return err
			}
			sl = reflect.Append(sl, elem)
		}
		rv.Set(sl)

	case reflect.Array:
		n, err := r.u32()
		if err != nil {
			return err
		}
		if int(n) != rv.Len() {
			return errors.Errorf("binary codec: array length %d does not match %s", n, rv.Type())
		}
		for i := 0; i < rv.Len(); i++ {
			if err := decodeValue(r, rv.Index(i)); err != nil {
				return err
			}
		}

	case reflect.Struct:
		t := rv.Type()
		for i := 0; i < t.NumField(); i++ {
			if t.Field(i).PkgPath != "" { // unexported
				continue
			}
			if err := decodeValue(r, rv.Field(i)); err != nil {
				return err
			}
		}

	default:
		return errors.Errorf("binary codec: unsupported type %s", rv.Type())
	}
	return nil
}
