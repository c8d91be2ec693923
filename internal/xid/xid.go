package xid

import (
	"github.com/google/uuid"
)

// New returns an opaque id of the form <prefix>-<uuid v7>. Ids generated by
// one process sort by creation time.
func New(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return prefix + "-" + id.String()
}
