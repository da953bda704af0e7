package bridge

import (
	"errors"
	"fmt"
	"reflect"
)

// Late-bound object access. These helpers are what makes remote dispatch
// duck-typed: the operation name in the request picks the behavior at
// runtime, against whatever concrete type the handle resolves to.

var (
	errNoAttribute = errors.New("no such attribute")
	errNoItem      = errors.New("no such item")
)

// getAttr reads name from obj: a method (bound, returned as a callable), a
// struct field, or a string-keyed map entry, in that order.
func getAttr(obj any, name string) (any, error) {
	if obj == nil {
		return nil, fmt.Errorf("%w: %q on nil", errNoAttribute, name)
	}
	rv := reflect.ValueOf(obj)

	if m := rv.MethodByName(name); m.IsValid() {
		return m.Interface(), nil
	}

	elem := rv
	for elem.Kind() == reflect.Pointer {
		if elem.IsNil() {
			return nil, fmt.Errorf("%w: %q on nil %s", errNoAttribute, name, rv.Type())
		}
		elem = elem.Elem()
	}

	switch elem.Kind() {
	case reflect.Struct:
		f := elem.FieldByName(name)
		if f.IsValid() && f.CanInterface() {
			return f.Interface(), nil
		}
	case reflect.Map:
		if elem.Type().Key().Kind() == reflect.String {
			v := elem.MapIndex(reflect.ValueOf(name).Convert(elem.Type().Key()))
			if v.IsValid() {
				return v.Interface(), nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %q on %T", errNoAttribute, name, obj)
}

// setAttr writes a struct field (through a pointer) or a string-keyed map
// entry.
func setAttr(obj any, name string, val any) error {
	if obj == nil {
		return fmt.Errorf("%w: %q on nil", errNoAttribute, name)
	}
	rv := reflect.ValueOf(obj)

	elem := rv
	for elem.Kind() == reflect.Pointer {
		if elem.IsNil() {
			return fmt.Errorf("%w: %q on nil %s", errNoAttribute, name, rv.Type())
		}
		elem = elem.Elem()
	}

	switch elem.Kind() {
	case reflect.Struct:
		f := elem.FieldByName(name)
		if !f.IsValid() || !f.CanSet() {
			return fmt.Errorf("%w: %q is not settable on %T", errNoAttribute, name, obj)
		}
		converted, err := convertTo(val, f.Type())
		if err != nil {
			return err
		}
		f.Set(converted)
		return nil
	case reflect.Map:
		if elem.Type().Key().Kind() == reflect.String {
			converted, err := convertTo(val, elem.Type().Elem())
			if err != nil {
				return err
			}
			elem.SetMapIndex(reflect.ValueOf(name).Convert(elem.Type().Key()), converted)
			return nil
		}
	}
	return fmt.Errorf("%w: cannot set %q on %T", errNoAttribute, name, obj)
}

// callObject invokes obj, which must be callable, with decoded arguments
// converted to the function's parameter types. A trailing error result is
// split off and raised as the remote failure; multiple remaining results
// come back as a list.
func callObject(obj any, args []any) (any, error) {
	rv := reflect.ValueOf(obj)
	if !rv.IsValid() || rv.Kind() != reflect.Func {
		return nil, fmt.Errorf("%w: %T is not callable", errBadOperation, obj)
	}
	ft := rv.Type()

	fixed := ft.NumIn()
	if ft.IsVariadic() {
		fixed--
		if len(args) < fixed {
			return nil, fmt.Errorf("%w: want at least %d args, got %d", errBadOperation, fixed, len(args))
		}
	} else if len(args) != fixed {
		return nil, fmt.Errorf("%w: want %d args, got %d", errBadOperation, fixed, len(args))
	}

	in := make([]reflect.Value, len(args))
	for i, arg := range args {
		var paramType reflect.Type
		if i < fixed {
			paramType = ft.In(i)
		} else {
			paramType = ft.In(ft.NumIn() - 1).Elem()
		}
		converted, err := convertTo(arg, paramType)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		in[i] = converted
	}

	out := rv.Call(in)

	if n := len(out); n > 0 && ft.Out(n-1) == errorType {
		if !out[n-1].IsNil() {
			return nil, out[n-1].Interface().(error)
		}
		out = out[:n-1]
	}
	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		return out[0].Interface(), nil
	default:
		results := make([]any, len(out))
		for i, v := range out {
			results[i] = v.Interface()
		}
		return results, nil
	}
}

// getItem indexes obj: map lookup or integer indexing of slices, arrays,
// and strings.
func getItem(obj any, key any) (any, error) {
	rv := reflect.ValueOf(obj)
	switch rv.Kind() {
	case reflect.Map:
		kv, err := convertTo(key, rv.Type().Key())
		if err != nil {
			return nil, err
		}
		v := rv.MapIndex(kv)
		if !v.IsValid() {
			return nil, fmt.Errorf("%w: key %v in %T", errNoItem, key, obj)
		}
		return v.Interface(), nil
	case reflect.String:
		i, ok := intKey(key)
		if !ok {
			return nil, fmt.Errorf("%w: index must be an integer, got %T", errBadOperation, key)
		}
		// Index by rune, not byte: a byte slice through multibyte UTF-8
		// would hand back garbage.
		runes := []rune(rv.String())
		if i < 0 || i >= len(runes) {
			return nil, fmt.Errorf("%w: index %d out of range [0,%d)", errNoItem, i, len(runes))
		}
		return string(runes[i]), nil
	case reflect.Slice, reflect.Array:
		i, ok := intKey(key)
		if !ok {
			return nil, fmt.Errorf("%w: index must be an integer, got %T", errBadOperation, key)
		}
		if i < 0 || i >= rv.Len() {
			return nil, fmt.Errorf("%w: index %d out of range [0,%d)", errNoItem, i, rv.Len())
		}
		return rv.Index(i).Interface(), nil
	}
	return nil, fmt.Errorf("%w: %T is not indexable", errBadOperation, obj)
}

// setItem assigns into a map or a slice element.
func setItem(obj any, key any, val any) error {
	rv := reflect.ValueOf(obj)
	switch rv.Kind() {
	case reflect.Map:
		kv, err := convertTo(key, rv.Type().Key())
		if err != nil {
			return err
		}
		vv, err := convertTo(val, rv.Type().Elem())
		if err != nil {
			return err
		}
		rv.SetMapIndex(kv, vv)
		return nil
	case reflect.Slice:
		i, ok := intKey(key)
		if !ok {
			return fmt.Errorf("%w: index must be an integer, got %T", errBadOperation, key)
		}
		if i < 0 || i >= rv.Len() {
			return fmt.Errorf("%w: index %d out of range [0,%d)", errNoItem, i, rv.Len())
		}
		vv, err := convertTo(val, rv.Type().Elem())
		if err != nil {
			return err
		}
		rv.Index(i).Set(vv)
		return nil
	}
	return fmt.Errorf("%w: cannot assign items on %T", errBadOperation, obj)
}

// delItem removes a map entry.
func delItem(obj any, key any) error {
	rv := reflect.ValueOf(obj)
	if rv.Kind() != reflect.Map {
		return fmt.Errorf("%w: cannot delete items on %T", errBadOperation, obj)
	}
	kv, err := convertTo(key, rv.Type().Key())
	if err != nil {
		return err
	}
	if !rv.MapIndex(kv).IsValid() {
		return fmt.Errorf("%w: key %v in %T", errNoItem, key, obj)
	}
	rv.SetMapIndex(kv, reflect.Value{})
	return nil
}

func intKey(key any) (int, bool) {
	switch k := key.(type) {
	case int64:
		return int(k), true
	case int:
		return k, true
	case float64:
		if k == float64(int(k)) {
			return int(k), true
		}
	}
	return 0, false
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// convertTo coerces a decoded wire value into the reflect type a local
// field, parameter, or element expects. Decoded values are a narrow set
// (nil, bool, int64, float64, string, []byte, []any, map[any]any, *Proxy),
// so the coercions are enumerable: widen/narrow numerics, rebuild
// containers elementwise, and turn a proxy into a generated func when a
// callable is wanted.
func convertTo(val any, t reflect.Type) (reflect.Value, error) {
	if val == nil {
		return reflect.Zero(t), nil
	}
	rv := reflect.ValueOf(val)
	if rv.Type().AssignableTo(t) {
		return rv, nil
	}

	if p, ok := val.(*Proxy); ok && t.Kind() == reflect.Func {
		return makeCallbackFunc(p, t), nil
	}

	switch {
	case isNumeric(rv.Kind()) && isNumeric(t.Kind()):
		return rv.Convert(t), nil
	case rv.Kind() == reflect.String && t.Kind() == reflect.String:
		return rv.Convert(t), nil
	case rv.Kind() == reflect.Bool && t.Kind() == reflect.Bool:
		return rv.Convert(t), nil
	}

	if list, ok := val.([]any); ok && (t.Kind() == reflect.Slice || t.Kind() == reflect.Array) {
		out := reflect.MakeSlice(reflect.SliceOf(t.Elem()), len(list), len(list))
		for i, elem := range list {
			converted, err := convertTo(elem, t.Elem())
			if err != nil {
				return reflect.Value{}, err
			}
			out.Index(i).Set(converted)
		}
		if t.Kind() == reflect.Array {
			if len(list) != t.Len() {
				return reflect.Value{}, fmt.Errorf("%w: want %d elements, got %d", errBadOperation, t.Len(), len(list))
			}
			arr := reflect.New(t).Elem()
			reflect.Copy(arr, out)
			return arr, nil
		}
		return out, nil
	}

	if entries, ok := val.([]Entry); ok && t.Kind() == reflect.Map {
		out := reflect.MakeMapWithSize(t, len(entries))
		for _, e := range entries {
			kc, err := convertTo(e.Key, t.Key())
			if err != nil {
				return reflect.Value{}, err
			}
			vc, err := convertTo(e.Val, t.Elem())
			if err != nil {
				return reflect.Value{}, err
			}
			out.SetMapIndex(kc, vc)
		}
		return out, nil
	}

	if m, ok := val.(map[any]any); ok && t.Kind() == reflect.Map {
		out := reflect.MakeMapWithSize(t, len(m))
		for k, v := range m {
			kc, err := convertTo(k, t.Key())
			if err != nil {
				return reflect.Value{}, err
			}
			vc, err := convertTo(v, t.Elem())
			if err != nil {
				return reflect.Value{}, err
			}
			out.SetMapIndex(kc, vc)
		}
		return out, nil
	}

	return reflect.Value{}, fmt.Errorf("%w: cannot use %T as %s", errBadOperation, val, t)
}

func isNumeric(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

// makeCallbackFunc wraps a remote callable proxy in a local func of type t,
// so a handler can accept an ordinary Go callback parameter and end up
// calling back across the bridge. This is how reentrant callback chains
// work: the generated func issues a nested outbound call while the inbound
// request that carried the proxy is still executing.
func makeCallbackFunc(p *Proxy, t reflect.Type) reflect.Value {
	return reflect.MakeFunc(t, func(in []reflect.Value) []reflect.Value {
		var args []any
		for i, v := range in {
			if t.IsVariadic() && i == len(in)-1 {
				for j := 0; j < v.Len(); j++ {
					args = append(args, v.Index(j).Interface())
				}
				continue
			}
			args = append(args, v.Interface())
		}

		result, err := p.Call(args...)

		out := make([]reflect.Value, t.NumOut())
		errIdx := -1
		if n := t.NumOut(); n > 0 && t.Out(n-1) == errorType {
			errIdx = n - 1
		}
		for i := range out {
			out[i] = reflect.Zero(t.Out(i))
		}
		if err != nil {
			if errIdx < 0 {
				// No error result to surface it through; the dispatcher's
				// recover turns this into an exception for the caller.
				panic(err)
			}
			out[errIdx] = reflect.ValueOf(err)
			return out
		}
		if len(out) > 0 && errIdx != 0 && result != nil {
			converted, cerr := convertTo(result, t.Out(0))
			if cerr != nil {
				panic(cerr)
			}
			out[0] = converted
		}
		return out
	})
}
