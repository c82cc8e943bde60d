package safe

import (
	"context"
	"reflect"
	"runtime/debug"

	"PChat/logger"
	"PChat/tools/errs"

	"go.uber.org/zap"
)

// MustNotNil panics if the given value is nil.
// Useful for enforcing required dependencies during service construction.
func MustNotNil(v any, name string) {
	if v == nil {
		panic(name + " must not be nil")
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		if rv.IsNil() {
			panic(name + " must not be nil")
		}
	}
}

// SafeGo starts a new goroutine that recovers from panic,
// so that panics don't crash the entire program.
func SafeGo(f func()) {
	go Run(f)
}

// SafeGoCtx same as SafeGo, the callback receives ctx.
func SafeGoCtx(ctx context.Context, f func(ctx context.Context)) {
	go Run(func() { f(ctx) })
}

// Run executes f inline and turns a panic into an error log.
func Run(f func()) {
	defer Recover()
	f()
}

// Recover must be deferred directly.
func Recover() {
	if r := recover(); r != nil {
		logger.Error("[SafeGo] panic recovered",
			zap.Error(errs.ErrPanic(r)),
			zap.ByteString("stack", debug.Stack()))
	}
}
