package ir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"unicode/utf16"
)

// IRValue is a sealed interface over the value types a receipt payload may hold.
// Only IRNull, IRString, IRInt, IRFloat, IRBool, IRArray, and IRObject implement it.
type IRValue interface {
	irValue()
}

// IRNull represents a JSON null value.
type IRNull struct{}

func (IRNull) irValue() {}

// MarshalJSON implements json.Marshaler for IRNull.
func (IRNull) MarshalJSON() ([]byte, error) {
	return []byte("null"), nil
}

// IRString represents a string value.
type IRString string

func (IRString) irValue() {}

// IRInt represents an integer value. Amounts are stored as IRInt whenever exact.
type IRInt int64

func (IRInt) irValue() {}

// IRFloat represents a finite floating point value. NaN and infinities are
// rejected at serialization time.
type IRFloat float64

func (IRFloat) irValue() {}

// IRBool represents a boolean value.
type IRBool bool

func (IRBool) irValue() {}

// IRArray represents an array of IRValue elements.
type IRArray []IRValue

func (IRArray) irValue() {}

// IRObject represents a map of string keys to IRValue elements.
// Use SortedKeys() for deterministic iteration.
type IRObject map[string]IRValue

func (IRObject) irValue() {}

// IRPair is a key-value pair for IRObject construction.
type IRPair struct {
	Key   string
	Value IRValue
}

// O is a shorthand for IRPair.
// Example: NewIRObjectFromPairs(O("contract_id", IRString("C-1")), O("amount", IRInt(5)))
func O(key string, value IRValue) IRPair {
	return IRPair{Key: key, Value: value}
}

// NewIRObjectFromPairs creates an IRObject from typed key-value pairs.
func NewIRObjectFromPairs(pairs ...IRPair) IRObject {
	obj := make(IRObject, len(pairs))
	for _, p := range pairs {
		obj[p.Key] = p.Value
	}
	return obj
}

// Clone returns a deep copy of the object. Receipts hand out clones so stored
// payloads stay immutable.
func (obj IRObject) Clone() IRObject {
	if obj == nil {
		return nil
	}
	out := make(IRObject, len(obj))
	for k, v := range obj {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v IRValue) IRValue {
	switch val := v.(type) {
	case IRObject:
		return val.Clone()
	case IRArray:
		arr := make(IRArray, len(val))
		for i, e := range val {
			arr[i] = cloneValue(e)
		}
		return arr
	default:
		return v
	}
}

// SortedKeys returns keys in RFC 8785 canonical order (UTF-16 code units).
// Go's sort.Strings uses UTF-8 byte order which differs for supplementary planes.
func (obj IRObject) SortedKeys() []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareKeysRFC8785)
	return keys
}

func compareKeysRFC8785(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))
	return slices.Compare(a16, b16)
}

// String returns the string at key, or "" when absent or not a string.
func (obj IRObject) String(key string) string {
	if s, ok := obj[key].(IRString); ok {
		return string(s)
	}
	return ""
}

// Int returns the integer at key. Integral floats are accepted.
func (obj IRObject) Int(key string) (int64, bool) {
	switch v := obj[key].(type) {
	case IRInt:
		return int64(v), true
	case IRFloat:
		f := float64(v)
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return int64(f), true
		}
	}
	return 0, false
}

// Number returns the numeric value at key as a float64.
func (obj IRObject) Number(key string) (float64, bool) {
	switch v := obj[key].(type) {
	case IRInt:
		return float64(v), true
	case IRFloat:
		return float64(v), true
	}
	return 0, false
}

// Bool returns the boolean at key and whether it was present.
func (obj IRObject) Bool(key string) (bool, bool) {
	b, ok := obj[key].(IRBool)
	return bool(b), ok
}

// Object returns the nested object at key.
func (obj IRObject) Object(key string) (IRObject, bool) {
	o, ok := obj[key].(IRObject)
	return o, ok
}

// Array returns the array at key.
func (obj IRObject) Array(key string) (IRArray, bool) {
	a, ok := obj[key].(IRArray)
	return a, ok
}

// Strings returns the string elements of the array at key.
func (obj IRObject) Strings(key string) []string {
	arr, ok := obj.Array(key)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, e := range arr {
		if s, ok := e.(IRString); ok {
			out = append(out, string(s))
		}
	}
	return out
}

// StringArray builds an IRArray of strings.
func StringArray(vals ...string) IRArray {
	arr := make(IRArray, len(vals))
	for i, v := range vals {
		arr[i] = IRString(v)
	}
	return arr
}

// UnmarshalJSON implements json.Unmarshaler for IRObject.
func (obj *IRObject) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}
	v, err := UnmarshalIRValue(data)
	if err != nil {
		return err
	}
	o, ok := v.(IRObject)
	if !ok {
		return fmt.Errorf("expected JSON object, got %T", v)
	}
	*obj = o
	return nil
}

// MarshalJSON renders the object through the canonical encoder so that
// persisted records and digests agree byte for byte.
func (obj IRObject) MarshalJSON() ([]byte, error) {
	return MarshalCanonical(obj)
}

// UnmarshalIRValue decodes JSON into an IRValue. Numbers that parse as int64
// become IRInt, everything else numeric becomes IRFloat.
func UnmarshalIRValue(data []byte) (IRValue, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	return FromAny(raw)
}

// FromAny converts decoded JSON, YAML or Go literals into an IRValue.
func FromAny(v any) (IRValue, error) {
	return fromAny("$", v)
}

func fromAny(path string, v any) (IRValue, error) {
	switch val := v.(type) {
	case nil:
		return IRNull{}, nil
	case IRValue:
		return val, nil
	case string:
		return IRString(val), nil
	case bool:
		return IRBool(val), nil
	case int:
		return IRInt(val), nil
	case int32:
		return IRInt(val), nil
	case int64:
		return IRInt(val), nil
	case uint:
		return IRInt(val), nil
	case uint64:
		if val > math.MaxInt64 {
			return nil, &SerializationError{Path: path, Reason: fmt.Sprintf("integer %d out of range", val)}
		}
		return IRInt(val), nil
	case float32:
		return floatValue(path, float64(val))
	case float64:
		return floatValue(path, val)
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return IRInt(n), nil
		}
		f, err := val.Float64()
		if err != nil {
			return nil, &SerializationError{Path: path, Reason: fmt.Sprintf("invalid number %q", val)}
		}
		return floatValue(path, f)
	case []any:
		arr := make(IRArray, len(val))
		for i, elem := range val {
			e, err := fromAny(fmt.Sprintf("%s[%d]", path, i), elem)
			if err != nil {
				return nil, err
			}
			arr[i] = e
		}
		return arr, nil
	case []string:
		return StringArray(val...), nil
	case map[string]any:
		obj := make(IRObject, len(val))
		for k, elem := range val {
			e, err := fromAny(path+"."+k, elem)
			if err != nil {
				return nil, err
			}
			obj[k] = e
		}
		return obj, nil
	case map[any]any:
		obj := make(IRObject, len(val))
		for k, elem := range val {
			ks, ok := k.(string)
			if !ok {
				return nil, &SerializationError{Path: path, Reason: fmt.Sprintf("non-string key %v", k)}
			}
			e, err := fromAny(path+"."+ks, elem)
			if err != nil {
				return nil, err
			}
			obj[ks] = e
		}
		return obj, nil
	default:
		return nil, &SerializationError{Path: path, Reason: fmt.Sprintf("unsupported type %T", v)}
	}
}

func floatValue(path string, f float64) (IRValue, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, &SerializationError{Path: path, Reason: fmt.Sprintf("non-finite number %v", f)}
	}
	return IRFloat(f), nil
}

// ObjectFromMap converts a map of plain Go values into an IRObject.
func ObjectFromMap(m map[string]any) (IRObject, error) {
	if m == nil {
		return IRObject{}, nil
	}
	v, err := FromAny(m)
	if err != nil {
		return nil, err
	}
	return v.(IRObject), nil
}

// ToAny converts an IRValue back into plain Go values (for JSON responses and YAML output).
func ToAny(v IRValue) any {
	switch val := v.(type) {
	case IRNull, nil:
		return nil
	case IRString:
		return string(val)
	case IRInt:
		return int64(val)
	case IRFloat:
		return float64(val)
	case IRBool:
		return bool(val)
	case IRArray:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = ToAny(e)
		}
		return out
	case IRObject:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = ToAny(e)
		}
		return out
	default:
		return nil
	}
}
