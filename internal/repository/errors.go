package repository

import (
	"errors"
	"sort"
	"strings"
)

// Sentinel errors shared by every credential store backend.
var (
	ErrNotFound        = errors.New("record not found")
	ErrVersionConflict = errors.New("user record was modified concurrently")
	ErrInvalidToken    = errors.New("invalid or expired confirmation token")
)

// ValidationErrors maps a field name to the reason it was rejected.
type ValidationErrors map[string]string

// Error implements the error interface.
func (v ValidationErrors) Error() string {
	fields := make([]string, 0, len(v))
	for field := range v {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	parts := make([]string, 0, len(fields))
	for _, field := range fields {
		parts = append(parts, field+": "+v[field])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}
