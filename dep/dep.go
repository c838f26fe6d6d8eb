/*
Package dep checks constructor arguments.

Everything in feedsync is wired by hand in cmd/; a nil collaborator should
blow up at wiring time, not on the first push event an hour later.
*/
package dep

import (
	"fmt"
	"reflect"
	"runtime"
)

// Required returns t, or panics naming the caller if t is nil.
func Required[T any](t T) T {
	if !isNil(t) {
		return t
	}
	pc, file, line, ok := runtime.Caller(1)
	if !ok {
		panic(fmt.Sprintf("missing required dependency of type %T", t))
	}
	if fn := runtime.FuncForPC(pc); fn != nil {
		panic(fmt.Sprintf("missing required %T in %s (%s:%d)", t, fn.Name(), file, line))
	}
	panic(fmt.Sprintf("missing required %T (%s:%d)", t, file, line))
}

// Default returns t unless it is nil, in which case it returns def.
func Default[T any](t T, def T) T {
	if isNil(t) {
		return def
	}
	return t
}

func isNil(t any) bool {
	v := reflect.ValueOf(t)
	if !v.IsValid() {
		return true
	}
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return v.IsNil()
	}
	return false
}
