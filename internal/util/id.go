package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a random id, prefixed as "<prefix>_<hex>" when prefix is set.
func NewID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

// SortableID returns a time-ordered id (UUIDv7), so ids issued later sort
// after earlier ones. It falls back to a random id if the clock source fails.
func SortableID(prefix string) string {
	value, err := uuid.NewV7()
	if err != nil {
		return NewID(prefix)
	}
	id := strings.ReplaceAll(value.String(), "-", "")
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
