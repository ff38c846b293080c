package id

import (
	"encoding/base32"
	"strings"

	"github.com/google/uuid"
)

// LocalPrefix marks identifiers generated on the client for optimistic
// transcript entries. Server-assigned identifiers never carry it.
const LocalPrefix = "local-"

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewID generates a URL-safe identifier from UUIDv4 bytes.
func NewID() (string, error) {
	value, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return strings.ToLower(encoding.EncodeToString(value[:])), nil
}

// NewLocalID generates an identifier for an optimistic client-side entry.
func NewLocalID() (string, error) {
	value, err := NewID()
	if err != nil {
		return "", err
	}
	return LocalPrefix + value, nil
}

// IsLocal reports whether the identifier was generated client-side.
func IsLocal(value string) bool {
	return strings.HasPrefix(value, LocalPrefix)
}
