package marshal

import (
	"fmt"
	"strings"
)

// Phase indicates which direction of conversion failed.
type Phase string

const (
	PhaseDescribe Phase = "describe" // building a descriptor from a Go type
	PhaseEncode   Phase = "encode"   // host value to script value
	PhaseDecode   Phase = "decode"   // script value to host value
)

// Kind categorizes the error.
type Kind string

const (
	KindTypeMismatch   Kind = "type_mismatch"
	KindLossyNumber    Kind = "lossy_number"
	KindOverflow       Kind = "overflow"
	KindInvalidVariant Kind = "invalid_variant"
	KindOutOfBounds    Kind = "out_of_bounds"
	KindUnsupported    Kind = "unsupported"
	KindNilValue       Kind = "nil_value"
)

// Sentinels for errors.Is. They match any phase.
var (
	ErrTypeMismatch   = &Error{Kind: KindTypeMismatch}
	ErrLossyNumber    = &Error{Kind: KindLossyNumber}
	ErrOverflow       = &Error{Kind: KindOverflow}
	ErrInvalidVariant = &Error{Kind: KindInvalidVariant}
	ErrOutOfBounds    = &Error{Kind: KindOutOfBounds}
	ErrUnsupported    = &Error{Kind: KindUnsupported}
)

// Error is a conversion failure annotated with the field chain leading to the
// failing node.
type Error struct {
	Cause      error
	Phase      Phase
	Kind       Kind
	HostType   string
	ScriptType string
	Detail     string
	Path       []string
}

func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if len(e.Path) > 0 {
		b.WriteString(" at ")
		b.WriteString(PathString(e.Path))
	}

	if e.HostType != "" || e.ScriptType != "" {
		b.WriteString(": ")
		switch {
		case e.HostType != "" && e.ScriptType != "":
			b.WriteString("host type ")
			b.WriteString(e.HostType)
			b.WriteString(", script type ")
			b.WriteString(e.ScriptType)
		case e.HostType != "":
			b.WriteString("host type ")
			b.WriteString(e.HostType)
		default:
			b.WriteString("script type ")
			b.WriteString(e.ScriptType)
		}
	}

	if e.Detail != "" {
		if e.HostType != "" || e.ScriptType != "" {
			b.WriteString(" - ")
		} else {
			b.WriteString(": ")
		}
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches on Kind, and on Phase too when the target sets one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Phase != "" && t.Phase != e.Phase {
		return false
	}
	return t.Kind == e.Kind
}

// PathString renders a field chain: "a.b[2]{key}".
func PathString(path []string) string {
	var b strings.Builder
	for i, p := range path {
		if i > 0 && !strings.HasPrefix(p, "[") && !strings.HasPrefix(p, "{") {
			b.WriteByte('.')
		}
		b.WriteString(p)
	}
	return b.String()
}

func newError(phase Phase, kind Kind, path []string, format string, args ...any) *Error {
	e := &Error{Phase: phase, Kind: kind, Path: clonePath(path)}
	if format != "" {
		e.Detail = fmt.Sprintf(format, args...)
	}
	return e
}

func mismatch(phase Phase, path []string, hostType, scriptType string) *Error {
	return &Error{
		Phase:      phase,
		Kind:       KindTypeMismatch,
		Path:       clonePath(path),
		HostType:   hostType,
		ScriptType: scriptType,
	}
}

func clonePath(path []string) []string {
	if len(path) == 0 {
		return nil
	}
	out := make([]string, len(path))
	copy(out, path)
	return out
}

func indexSeg(i int) string { return fmt.Sprintf("[%d]", i) }

func keySeg(k any) string { return fmt.Sprintf("{%v}", k) }
