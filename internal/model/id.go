package model

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const ownerIDPrefix = "worker_"

var ownerIDRegex = regexp.MustCompile(`^worker_[0-9a-f]{32}$`)

// NewOwnerID returns a fresh worker/session identifier. Workers are stateless,
// so every invocation gets its own ID.
func NewOwnerID() (string, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate owner id: %w", err)
	}
	return ownerIDPrefix + strings.ReplaceAll(u.String(), "-", ""), nil
}

func ValidateOwnerID(id string) bool {
	return ownerIDRegex.MatchString(id)
}

// ShortOwnerID trims an owner ID for log lines and tracker comments.
func ShortOwnerID(id string) string {
	if ValidateOwnerID(id) {
		return id[:len(ownerIDPrefix)+8]
	}
	return id
}
