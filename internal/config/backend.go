package config

// ConfigBackend is the platform store for non-secret settings: the user
// defaults database on macOS, an XDG config.json elsewhere. Keys are the
// dotted names from the key table, e.g. "orchestrator.attempts".
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	// Delete removes key so the built-in default applies again. Deleting
	// a missing key is not an error.
	Delete(key string) error
}
