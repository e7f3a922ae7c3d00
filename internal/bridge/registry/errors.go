package registry

import "fmt"

// DispatchKind categorizes a failed registry call.
type DispatchKind string

const (
	KindUnknownType   DispatchKind = "unknown_type"
	KindUnknownMethod DispatchKind = "unknown_method"
	KindTargetMissing DispatchKind = "target_missing"
	KindWrongTarget   DispatchKind = "wrong_target"
	KindHandlerPanic  DispatchKind = "handler_panic"
)

var (
	ErrUnknownType   = &DispatchError{Kind: KindUnknownType}
	ErrUnknownMethod = &DispatchError{Kind: KindUnknownMethod}
	ErrTargetMissing = &DispatchError{Kind: KindTargetMissing}
	ErrWrongTarget   = &DispatchError{Kind: KindWrongTarget}
	ErrHandlerPanic  = &DispatchError{Kind: KindHandlerPanic}
)

// DispatchError is returned when a call cannot reach its handler.
type DispatchError struct {
	Kind   DispatchKind
	Type   string
	Method string
	Detail string
}

func (e *DispatchError) Error() string {
	msg := string(e.Kind)
	switch {
	case e.Type != "" && e.Method != "":
		msg = fmt.Sprintf("%s: %s.%s", msg, e.Type, e.Method)
	case e.Type != "":
		msg = fmt.Sprintf("%s: %s", msg, e.Type)
	}
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	return msg
}

// Is matches on Kind so the package sentinels work with errors.Is.
func (e *DispatchError) Is(target error) bool {
	t, ok := target.(*DispatchError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func dispatchErr(kind DispatchKind, typ, method, format string, args ...any) *DispatchError {
	e := &DispatchError{Kind: kind, Type: typ, Method: method}
	if format != "" {
		e.Detail = fmt.Sprintf(format, args...)
	}
	return e
}
