// Package gallery keeps the registry of enrolled identities.
package gallery

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
)

// CanonicalSuffix is appended to every identity name.
const CanonicalSuffix = ".jpg"

const maxNameLength = 255

var (
	ErrConflict    = errors.New("identity already exists")
	ErrNotFound    = errors.New("identity not found")
	ErrInvalidName = errors.New("invalid identity name")
)

// Identity is one enrolled subject.
type Identity struct {
	Name       string    `json:"name"`
	BlobKey    string    `json:"blob_key"`
	EnrolledAt time.Time `json:"enrolled_at"`
}

// NormalizeName trims name and appends CanonicalSuffix unless it already
// ends with it in any letter case.
func NormalizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: name is empty", ErrInvalidName)
	}
	if !strings.HasSuffix(strings.ToLower(name), CanonicalSuffix) {
		name += CanonicalSuffix
	}
	if name == CanonicalSuffix {
		return "", fmt.Errorf("%w: name has no stem", ErrInvalidName)
	}
	if len(name) > maxNameLength {
		return "", fmt.Errorf("%w: name longer than %d bytes", ErrInvalidName, maxNameLength)
	}
	if strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return "", fmt.Errorf("%w: %q is not a plain file name", ErrInvalidName, name)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return "", fmt.Errorf("%w: control characters are not allowed", ErrInvalidName)
		}
	}
	return name, nil
}

// lookupKey makes lookups case-insensitive.
func lookupKey(canonical string) string {
	return strings.ToLower(canonical)
}
