package safe

import (
	"fmt"
	"reflect"

	"PPRealtime/logger"
	"PPRealtime/tools/errs"

	"go.uber.org/zap"
)

// MustNotNil panics if the given value is nil.
// Useful for enforcing required dependencies at wiring time.
func MustNotNil(v any, name string) {
	if v == nil {
		panic(fmt.Sprintf("%s must not be nil", name))
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		if rv.IsNil() {
			panic(fmt.Sprintf("%s must not be nil", name))
		}
	}
}

// Go starts a goroutine that recovers from panic, so one bad handler does
// not take the process down. The panic is logged as ServerInternalError.
func Go(name string, f func()) {
	go Run(name, f)
}

// Run calls f and recovers a panic; it reports whether f returned normally.
func Run(name string, f func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("[safe] panic recovered", zap.String("where", name), zap.Error(errs.ErrPanic(r)), zap.Stack("stack"))
			ok = false
		}
	}()
	f()
	return true
}
