// Package document implements the schema-less document model: conversion of
// arbitrary Go values into documents, deep copy, dot-path navigation, ordering,
// query matching, update modifiers and the on-disk line codec.
package document

import (
	"fmt"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"

	goreflect "github.com/goccy/go-reflect"
)

// TagName is the struct tag consulted when converting structs to documents and
// when decoding documents back into structs.
const TagName = "nidus"

var timeType = goreflect.TypeOf(*new(time.Time))

// D is a document: a mapping from field names to values. Values are always one
// of nil, bool, string, time.Time, a Go numeric type, []any or D; FromAny
// normalizes any other shape into this closed set.
type D map[string]any

// ID returns the document's _id, or nil when unset.
func (d D) ID() any {
	return d["_id"]
}

// Undefined marks a field that is absent from a document, as opposed to a
// field explicitly set to nil. It sorts before every other value.
type Undefined struct{}

// FromAny converts a map or struct of any shape into a document. Nested maps
// become D, slices and arrays become []any, time.Time is kept as is. Struct
// fields honor the "nidus" tag ("-" skips a field, ",omitempty" drops empty
// values in the encoding/json sense, ",omitzero" drops zero values);
// unexported fields are ignored. A nil input yields an empty document. Values
// outside the document model, like channels or complex numbers, are an error.
func FromAny(in any) (D, error) {
	if in == nil {
		return D{}, nil
	}
	if d, ok := in.(D); ok {
		return normalizeDoc(d)
	}
	if m, ok := in.(map[string]any); ok {
		return normalizeDoc(m)
	}
	v, err := fromReflect(goreflect.ValueNoEscapeOf(in))
	if err != nil {
		return nil, err
	}
	d, ok := v.(D)
	if !ok {
		return nil, fmt.Errorf("expected map or struct, got %T", in)
	}
	return d, nil
}

func normalizeDoc[M ~map[string]any](m M) (D, error) {
	res := make(D, len(m))
	for k, v := range m {
		nv, err := normalizeValue(v)
		if err != nil {
			return nil, err
		}
		res[k] = nv
	}
	return res, nil
}

func normalizeValue(v any) (any, error) {
	switch t := v.(type) {
	case D:
		return normalizeDoc(t)
	case map[string]any:
		return normalizeDoc(t)
	case []any:
		res := make([]any, len(t))
		for n, item := range t {
			nv, err := normalizeValue(item)
			if err != nil {
				return nil, err
			}
			res[n] = nv
		}
		return res, nil
	case nil, bool, string, time.Time,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return t, nil
	default:
		return fromReflect(goreflect.ValueNoEscapeOf(v))
	}
}

func fromReflect(r goreflect.Value) (any, error) {
	for r.Kind() == reflect.Pointer || r.Kind() == goreflect.Interface {
		if r.IsNil() {
			return nil, nil
		}
		r = r.Elem()
	}
	switch r.Kind() {
	case goreflect.Invalid:
		return nil, nil
	case goreflect.Struct:
		if r.Type() == timeType {
			return r.Interface(), nil
		}
		return fromStruct(r)
	case goreflect.Map:
		if r.IsNil() {
			return nil, nil
		}
		return fromMap(r)
	case goreflect.Slice:
		if r.IsNil() {
			return nil, nil
		}
		return fromList(r)
	case goreflect.Array:
		return fromList(r)
	case goreflect.Bool:
		return r.Bool(), nil
	case goreflect.String:
		return r.String(), nil
	case goreflect.Int:
		return int(r.Int()), nil
	case goreflect.Int8:
		return int8(r.Int()), nil
	case goreflect.Int16:
		return int16(r.Int()), nil
	case goreflect.Int32:
		return int32(r.Int()), nil
	case goreflect.Int64:
		return r.Int(), nil
	case goreflect.Uint:
		return uint(r.Uint()), nil
	case goreflect.Uint8:
		return uint8(r.Uint()), nil
	case goreflect.Uint16:
		return uint16(r.Uint()), nil
	case goreflect.Uint32:
		return uint32(r.Uint()), nil
	case goreflect.Uint64:
		return r.Uint(), nil
	case goreflect.Float32:
		return float32(r.Float()), nil
	case goreflect.Float64:
		return r.Float(), nil
	default:
		return nil, fmt.Errorf("unsupported value of kind %s", r.Kind())
	}
}

func fromStruct(r goreflect.Value) (D, error) {
	typ := r.Type()
	res := make(D, r.NumField())
	for n := range r.NumField() {
		field := typ.Field(n)
		if field.PkgPath != "" {
			continue
		}
		name := field.Name
		var segments []string
		if tag, ok := field.Tag.Lookup(TagName); ok {
			if tag == "-" {
				continue
			}
			segments = strings.Split(tag, ",")
			if segments[0] != "" {
				name = segments[0]
			}
			segments = segments[1:]
		}
		fv := r.Field(n)
		if slices.Contains(segments, "omitempty") && isEmpty(fv) {
			continue
		}
		if slices.Contains(segments, "omitzero") && fv.IsZero() {
			continue
		}
		value, err := fromReflect(fv)
		if err != nil {
			return nil, err
		}
		res[name] = value
	}
	return res, nil
}

func fromMap(r goreflect.Value) (any, error) {
	if r.Type().Key().Kind() != goreflect.String {
		return nil, fmt.Errorf("document keys must be strings, got %s", r.Type().Key())
	}
	res := make(D, r.Len())
	for _, k := range r.MapKeys() {
		v, err := fromReflect(r.MapIndex(k))
		if err != nil {
			return nil, err
		}
		res[k.String()] = v
	}
	return res, nil
}

func fromList(r goreflect.Value) (any, error) {
	res := make([]any, r.Len())
	for i := range r.Len() {
		v, err := fromReflect(r.Index(i))
		if err != nil {
			return nil, err
		}
		res[i] = v
	}
	return res, nil
}

// isEmpty follows the encoding/json omitempty convention: false, zero, the
// empty string, a nil pointer or interface, and a zero-length array, slice,
// map or string are all empty.
func isEmpty(v goreflect.Value) bool {
	switch v.Kind() {
	case goreflect.Array, goreflect.Map, goreflect.Slice, goreflect.String:
		return v.Len() == 0
	case goreflect.Bool:
		return !v.Bool()
	case goreflect.Int, goreflect.Int8, goreflect.Int16, goreflect.Int32, goreflect.Int64:
		return v.Int() == 0
	case goreflect.Uint, goreflect.Uint8, goreflect.Uint16, goreflect.Uint32, goreflect.Uint64, goreflect.Uintptr:
		return v.Uint() == 0
	case goreflect.Float32, goreflect.Float64:
		return v.Float() == 0
	case reflect.Pointer, reflect.Interface, reflect.Func, reflect.Chan:
		return v.IsNil()
	}
	return false
}

// DeepCopy returns a structural clone of the document sharing no mutable
// substructure with the source.
func DeepCopy(d D) D {
	res := make(D, len(d))
	for k, v := range d {
		res[k] = copyValue(v)
	}
	return res
}

func copyValue(v any) any {
	switch t := v.(type) {
	case D:
		return DeepCopy(t)
	case []any:
		res := make([]any, len(t))
		for n, item := range t {
			res[n] = copyValue(item)
		}
		return res
	default:
		return t
	}
}

// FieldError reports a document key that violates the reserved-name rules.
type FieldError struct {
	Key string
}

func (e *FieldError) Error() string {
	if strings.HasPrefix(e.Key, "$") {
		return fmt.Sprintf("field name %q cannot begin with the $ character", e.Key)
	}
	return fmt.Sprintf("field name %q cannot contain a '.'", e.Key)
}

// Check fails when any key of the document, at any depth, starts with $ or
// contains a dot. Documents holding update or query operators must not be
// passed here.
func Check(d D) error {
	for k, v := range d {
		if strings.HasPrefix(k, "$") || strings.ContainsRune(k, '.') {
			return &FieldError{Key: k}
		}
		if err := checkValue(v); err != nil {
			return err
		}
	}
	return nil
}

func checkValue(v any) error {
	switch t := v.(type) {
	case D:
		return Check(t)
	case []any:
		for _, item := range t {
			if err := checkValue(item); err != nil {
				return err
			}
		}
	}
	return nil
}

// GetPath resolves a dot-notation path against a value. The second return is
// false when any segment is missing. Numeric segments index into arrays; a
// non-numeric segment applied to an array yields the concatenation of the
// resolutions over its elements.
func GetPath(v any, path string) (any, bool) {
	return getPath(v, strings.Split(path, "."))
}

func getPath(v any, parts []string) (any, bool) {
	if len(parts) == 0 {
		return v, true
	}
	switch t := v.(type) {
	case D:
		inner, ok := t[parts[0]]
		if !ok {
			return nil, false
		}
		return getPath(inner, parts[1:])
	case []any:
		if i, err := strconv.Atoi(parts[0]); err == nil {
			if i < 0 || i >= len(t) {
				return nil, false
			}
			return getPath(t[i], parts[1:])
		}
		res := make([]any, 0, len(t))
		for _, el := range t {
			if inner, ok := getPath(el, parts); ok {
				res = append(res, inner)
			}
		}
		if len(res) == 0 {
			return nil, false
		}
		return res, true
	default:
		return nil, false
	}
}

// SetPath sets the value at a dot-notation path, creating intermediate
// documents as needed. Existing non-document intermediates are replaced.
func SetPath(d D, path string, value any) {
	parts := strings.Split(path, ".")
	cur := d
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(D)
		if !ok {
			next = D{}
			cur[p] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
}

// DeletePath removes the value at a dot-notation path. Missing intermediates
// make it a no-op.
func DeletePath(d D, path string) {
	parts := strings.Split(path, ".")
	cur := d
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(D)
		if !ok {
			return
		}
		cur = next
	}
	delete(cur, parts[len(parts)-1])
}

// StripOperators returns a copy of the document without its query clauses:
// top-level $-keys, dotted keys, and fields whose criterion is an operator
// document. What remains are the plain equality fields, valid as document
// fields in their own right, used to derive the base document for an upsert
// from its query.
func StripOperators(d D) D {
	res := make(D, len(d))
	for k, v := range d {
		if strings.HasPrefix(k, "$") || strings.ContainsRune(k, '.') {
			continue
		}
		if sub, ok := v.(D); ok && hasDollarKey(sub) {
			continue
		}
		res[k] = copyValue(v)
	}
	return res
}

func hasDollarKey(d D) bool {
	for k := range d {
		if strings.HasPrefix(k, "$") {
			return true
		}
	}
	return false
}

// HasOperators reports whether the document carries update modifiers, which
// makes it an edit rather than a plain replacement. Query operators like $or
// or $lt do not count.
func HasOperators(d D) bool {
	for _, mod := range modifierNames {
		if _, ok := d[mod]; ok {
			return true
		}
	}
	return false
}
