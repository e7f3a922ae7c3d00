package event

// Host event types the bridge itself emits.
const (
	// ScriptLoaded carries an InstanceEvent after an instance body ran.
	ScriptLoaded = "ScriptLoaded"
	// ScriptReloaded carries an InstanceEvent after a hot reload.
	ScriptReloaded = "ScriptReloaded"
	// ScriptStopped carries an InstanceEvent when an instance stops itself.
	ScriptStopped = "ScriptStopped"
	// ScriptRemoved carries an InstanceEvent when an instance is forgotten,
	// either directly or because its file was deleted.
	ScriptRemoved = "ScriptRemoved"
)

// InstanceEvent describes a script instance lifecycle transition.
type InstanceEvent struct {
	Instance uint64 `lua:"instance"`
	Path     string `lua:"path"`
}
