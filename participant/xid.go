package participant

import "github.com/google/uuid"

// NewXID returns a fresh transaction identifier. The result fits both the
// postgres and the mysql identifier limits for prefixes up to 27 bytes.
func NewXID(prefix string) string {
	id := uuid.NewString()
	if prefix == "" {
		return id
	}
	return prefix + "-" + id
}
