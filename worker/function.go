package worker

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"strings"

	"github.com/guseggert/callsess/call"
)

var (
	callPtrType = reflect.TypeOf((*Call)(nil))
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

type function struct {
	name      string
	fn        reflect.Value
	typ       reflect.Type
	wantsCall bool
}

func newFunction(name string, fn any) (*function, error) {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func {
		return nil, fmt.Errorf("expected a func, got %T", fn)
	}
	t := v.Type()
	switch t.NumOut() {
	case 0, 1:
	case 2:
		if t.Out(1) != errorType {
			return nil, fmt.Errorf("second return value must be an error, got %s", t.Out(1))
		}
	default:
		return nil, fmt.Errorf("too many return values (%d)", t.NumOut())
	}
	f := &function{name: name, fn: v, typ: t}
	f.wantsCall = t.NumIn() > 0 && t.In(0) == callPtrType
	return f, nil
}

// params returns the types of the parameters that are filled from call arguments.
func (f *function) params() []reflect.Type {
	var ps []reflect.Type
	start := 0
	if f.wantsCall {
		start = 1
	}
	for i := start; i < f.typ.NumIn(); i++ {
		ps = append(ps, f.typ.In(i))
	}
	return ps
}

func (f *function) argType(i int) (reflect.Type, error) {
	ps := f.params()
	if f.typ.IsVariadic() && i >= len(ps)-1 {
		return ps[len(ps)-1].Elem(), nil
	}
	if i >= len(ps) {
		return nil, fmt.Errorf("too many arguments")
	}
	return ps[i], nil
}

func (f *function) checkArity(n int) error {
	ps := len(f.params())
	if f.typ.IsVariadic() {
		if n < ps-1 {
			return fmt.Errorf("%s takes at least %d arguments, got %d", f.name, ps-1, n)
		}
		return nil
	}
	if n != ps {
		return fmt.Errorf("%s takes %d arguments, got %d", f.name, ps, n)
	}
	return nil
}

// invoke decodes the arguments and calls the function, converting returned errors and panics into
// remote errors with a captured stack.
func (f *function) invoke(c *Call, nargs int, decode func(int, any) error) (result any, rerr *call.RemoteError) {
	if err := f.checkArity(nargs); err != nil {
		return nil, &call.RemoteError{Kind: call.KindError, Message: err.Error()}
	}

	var in []reflect.Value
	if f.wantsCall {
		in = append(in, reflect.ValueOf(c))
	}
	vars := map[string][]byte{}
	for i := 0; i < nargs; i++ {
		t, err := f.argType(i)
		if err != nil {
			return nil, &call.RemoteError{Kind: call.KindError, Message: err.Error()}
		}
		dst := reflect.New(t)
		if err := decode(i, dst.Interface()); err != nil {
			return nil, &call.RemoteError{Kind: call.KindDecode, Message: fmt.Sprintf("decoding argument %d: %s", i, err)}
		}
		in = append(in, dst.Elem())
		if b, err := jsonValue(dst.Elem().Interface()); err == nil {
			vars[fmt.Sprintf("arg%d", i)] = b
		}
	}
	entry := call.Frame{Func: f.name, Vars: vars}

	defer func() {
		r := recover()
		if r == nil {
			return
		}
		result = nil
		rerr = &call.RemoteError{
			Kind:    call.KindPanic,
			Message: fmt.Sprint(r),
			Stack:   append([]call.Frame{entry}, panicFrames()...),
		}
	}()

	out := f.fn.Call(in)

	var err error
	switch len(out) {
	case 1:
		if f.typ.Out(0) == errorType {
			err, _ = out[0].Interface().(error)
		} else {
			result = out[0].Interface()
		}
	case 2:
		result = out[0].Interface()
		err, _ = out[1].Interface().(error)
	}
	if err != nil {
		kind := call.KindError
		if errors.Is(err, context.Canceled) && c.ctx.Err() != nil {
			kind = call.KindInterrupt
		}
		return nil, &call.RemoteError{Kind: kind, Message: err.Error(), Stack: []call.Frame{entry}}
	}
	return result, nil
}

// panicFrames captures the stack of a panicking goroutine from inside its deferred recover,
// dropping the runtime's frames and this package's own wrapping.
func panicFrames() []call.Frame {
	pcs := make([]uintptr, 64)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	var all []call.Frame
	for {
		fr, more := frames.Next()
		if !isWrapperFrame(fr.Function) {
			all = append(all, call.Frame{Func: fr.Function, File: fr.File, Line: fr.Line})
		}
		if !more {
			break
		}
	}
	// outermost first
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	return all
}

const packagePrefix = "github.com/guseggert/callsess/worker."

func isWrapperFrame(fn string) bool {
	if strings.HasPrefix(fn, packagePrefix+"Test") {
		return false
	}
	for _, p := range []string{"runtime.", "reflect.", packagePrefix} {
		if strings.HasPrefix(fn, p) {
			return true
		}
	}
	return false
}
