package schema

import (
	"fmt"
	"regexp"
)

// Postgres truncates identifiers beyond 63 bytes, so anything longer would
// silently collide with a different name.
const maxIdentifierLength = 63

var identifierPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// SafeIdent is a database identifier that has passed validation. Schema
// names cannot be bound as query parameters, so every dynamically-built
// schema or table reference is interpolated into SQL text as a raw string.
// SafeIdent is the only type the provisioning and store layers accept for
// that interpolation; construct one via NewSafeIdent and nothing else.
type SafeIdent string

// NewSafeIdent validates candidate as a database identifier: it must start
// with a lowercase ASCII letter, contain only lowercase letters, digits and
// underscores, and fit the database's identifier length limit.
func NewSafeIdent(candidate string) (SafeIdent, error) {
	if !ValidIdentifier(candidate) {
		return "", fmt.Errorf("unsafe database identifier: %q", candidate)
	}
	return SafeIdent(candidate), nil
}

// ValidIdentifier is the pure predicate behind NewSafeIdent.
func ValidIdentifier(candidate string) bool {
	if candidate == "" || len(candidate) > maxIdentifierLength {
		return false
	}
	return identifierPattern.MatchString(candidate)
}

func (s SafeIdent) String() string {
	return string(s)
}
