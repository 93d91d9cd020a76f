// Package ids generates the 21-character URL-safe nanoid identifiers used
// as primary keys across all router tables.
package ids

import gonanoid "github.com/matoous/go-nanoid/v2"

const (
	alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ_abcdefghijklmnopqrstuvwxyz-"
	size     = 21
)

// New returns a fresh 21-character nanoid. Panics only if the system
// entropy source is unavailable.
func New() string {
	return gonanoid.MustGenerate(alphabet, size)
}

// WithPrefix returns a nanoid with a type prefix, e.g. "del_Xw3...".
func WithPrefix(prefix string) string {
	return prefix + "_" + New()
}
