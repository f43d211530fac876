// Package canon implements the Canonicalizer of spec.md §4.1: a
// deterministic, whitespace-free JSON-like serialization used
// everywhere a byte string must be signed or verified. Identical
// inputs produce identical bytes, independent of map iteration order
// or caller formatting choices.
package canon

import (
	"bytes"
	"encoding/json"
	"math"
	"reflect"
	"sort"

	"github.com/zeebo/errs"
)

// Error is the class of all canon errors.
var Error = errs.Class("canon")

// ErrInvalidInput is returned for cyclic trees, non-finite numbers,
// and non-string map keys, per spec.md §4.1.
var ErrInvalidInput = errs.Class("invalid input")

// Canonicalize serializes v into canonical bytes:
//   - object keys are sorted lexicographically at every depth
//   - arrays preserve their given order
//   - numbers are written without trailing zeros or a leading "+"
//   - strings are UTF-8 and JSON-escaped
//   - booleans and null are written as their literals
//   - no insignificant whitespace appears anywhere in the output
//
// v is typically the result of decoding a JSON payload into
// map[string]interface{} (e.g. via encoding/json with UseNumber), but
// any combination of map[string]interface{}, []interface{}, string,
// bool, nil, json.Number, int, int32, int64, uint, uint64, float32 and
// float64 is accepted, as are other string-keyed maps and slices of
// those. Other numeric types (int8, uint32, ...) are rejected as
// invalid input.
func Canonicalize(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := &encoder{buf: &buf, seen: make(map[uintptr]bool)}
	if err := enc.encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type encoder struct {
	buf  *bytes.Buffer
	seen map[uintptr]bool
}

func (e *encoder) encode(v interface{}) error {
	switch val := v.(type) {
	case nil:
		e.buf.WriteString("null")
		return nil
	case bool:
		if val {
			e.buf.WriteString("true")
		} else {
			e.buf.WriteString("false")
		}
		return nil
	case string:
		return e.encodeString(val)
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return e.encodeInt(i)
		}
		f, err := val.Float64()
		if err != nil {
			return ErrInvalidInput.Wrap(err)
		}
		return e.encodeFloat(f)
	case float32:
		return e.encodeFloat(float64(val))
	case float64:
		return e.encodeFloat(val)
	case int:
		return e.encodeInt(int64(val))
	case int32:
		return e.encodeInt(int64(val))
	case int64:
		return e.encodeInt(val)
	case uint:
		return e.encodeUint(uint64(val))
	case uint64:
		return e.encodeUint(val)
	case map[string]interface{}:
		return e.encodeObject(val)
	case []interface{}:
		return e.encodeArray(val)
	default:
		return e.encodeReflect(reflect.ValueOf(v))
	}
}

func (e *encoder) encodeReflect(rv reflect.Value) error {
	switch rv.Kind() {
	case reflect.Map:
		return e.encodeReflectMap(rv)
	case reflect.Slice, reflect.Array:
		return e.encodeReflectSlice(rv)
	default:
		return ErrInvalidInput.New("unsupported value of kind %s", rv.Kind())
	}
}

func (e *encoder) encodeObject(m map[string]interface{}) error {
	if len(m) == 0 {
		e.buf.WriteString("{}")
		return nil
	}

	ptr := mapPointer(m)
	if e.seen[ptr] {
		return ErrInvalidInput.New("cycle detected")
	}
	e.seen[ptr] = true
	defer delete(e.seen, ptr)

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	e.buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			e.buf.WriteByte(',')
		}
		if err := e.encodeString(k); err != nil {
			return err
		}
		e.buf.WriteByte(':')
		if err := e.encode(m[k]); err != nil {
			return err
		}
	}
	e.buf.WriteByte('}')
	return nil
}

func (e *encoder) encodeReflectMap(rv reflect.Value) error {
	if rv.Type().Key().Kind() != reflect.String {
		return ErrInvalidInput.New("non-string map key")
	}
	if rv.Len() == 0 {
		e.buf.WriteString("{}")
		return nil
	}

	ptr := rv.Pointer()
	if e.seen[ptr] {
		return ErrInvalidInput.New("cycle detected")
	}
	e.seen[ptr] = true
	defer delete(e.seen, ptr)

	keys := rv.MapKeys()
	strKeys := make([]string, len(keys))
	for i, k := range keys {
		strKeys[i] = k.String()
	}
	sort.Strings(strKeys)

	e.buf.WriteByte('{')
	for i, k := range strKeys {
		if i > 0 {
			e.buf.WriteByte(',')
		}
		if err := e.encodeString(k); err != nil {
			return err
		}
		e.buf.WriteByte(':')
		if err := e.encode(rv.MapIndex(reflect.ValueOf(k).Convert(rv.Type().Key())).Interface()); err != nil {
			return err
		}
	}
	e.buf.WriteByte('}')
	return nil
}

func (e *encoder) encodeArray(arr []interface{}) error {
	if len(arr) == 0 {
		e.buf.WriteString("[]")
		return nil
	}

	ptr := slicePointer(arr)
	if ptr != 0 {
		if e.seen[ptr] {
			return ErrInvalidInput.New("cycle detected")
		}
		e.seen[ptr] = true
		defer delete(e.seen, ptr)
	}

	e.buf.WriteByte('[')
	for i, v := range arr {
		if i > 0 {
			e.buf.WriteByte(',')
		}
		if err := e.encode(v); err != nil {
			return err
		}
	}
	e.buf.WriteByte(']')
	return nil
}

func (e *encoder) encodeReflectSlice(rv reflect.Value) error {
	if rv.Len() == 0 {
		e.buf.WriteString("[]")
		return nil
	}
	e.buf.WriteByte('[')
	for i := 0; i < rv.Len(); i++ {
		if i > 0 {
			e.buf.WriteByte(',')
		}
		if err := e.encode(rv.Index(i).Interface()); err != nil {
			return err
		}
	}
	e.buf.WriteByte(']')
	return nil
}

func (e *encoder) encodeString(s string) error {
	encoded, err := json.Marshal(s)
	if err != nil {
		return ErrInvalidInput.Wrap(err)
	}
	e.buf.Write(encoded)
	return nil
}

func (e *encoder) encodeFloat(f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return ErrInvalidInput.New("non-finite number %v", f)
	}
	return e.encodeNumberString(formatFloat(f))
}

func (e *encoder) encodeInt(i int64) error {
	return e.encodeNumberString(formatInt(i))
}

func (e *encoder) encodeUint(u uint64) error {
	return e.encodeNumberString(formatUint(u))
}

func (e *encoder) encodeNumberString(s string) error {
	if s == "" {
		return ErrInvalidInput.New("empty number")
	}
	e.buf.WriteString(s)
	return nil
}

func mapPointer(m map[string]interface{}) uintptr {
	return reflect.ValueOf(m).Pointer()
}

func slicePointer(s []interface{}) uintptr {
	if s == nil {
		return 0
	}
	return reflect.ValueOf(s).Pointer()
}
