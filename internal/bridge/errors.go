package bridge

import (
	"errors"

	"github.com/l1jgo/scriptbridge/internal/bridge/instance"
	"github.com/l1jgo/scriptbridge/internal/bridge/marshal"
	"github.com/l1jgo/scriptbridge/internal/bridge/registry"
)

var (
	ErrNoComponents    = errors.New("no component names given")
	ErrNoExecutor      = errors.New("no script executor attached")
	ErrNotAlive        = errors.New("entity not alive")
	ErrUnknownInstance = errors.New("unknown instance")

	errStaleHandle = errors.New("pinned script value already released")
)

// ErrorKind names the category of err for scripts, which receive it as the
// third return value of a failed call.
func ErrorKind(err error) string {
	var me *marshal.Error
	if errors.As(err, &me) {
		return string(me.Kind)
	}
	var de *registry.DispatchError
	if errors.As(err, &de) {
		return string(de.Kind)
	}
	var re *instance.ReloadError
	if errors.As(err, &re) {
		return "reload_failed"
	}
	switch {
	case errors.Is(err, ErrNotAlive):
		return "target_missing"
	case errors.Is(err, ErrNoComponents):
		return "invalid_argument"
	}
	return "error"
}
