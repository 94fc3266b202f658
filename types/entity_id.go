// Package types contains the shared domain types of the homecore kernel:
// entity identifiers, causal contexts, entity states and bus events.
package types

import (
	"strings"

	"github.com/c360/homecore/errors"
)

// EntityID identifies an entity as "domain.object_id".
// The zero value is not a valid id; construct with NewEntityID or ParseEntityID.
type EntityID struct {
	domain   string
	objectID string
}

// NewEntityID builds an EntityID from its two parts, rejecting invalid input.
func NewEntityID(domain, objectID string) (EntityID, error) {
	switch {
	case domain == "":
		return EntityID{}, errors.Detail(errors.ErrInvalidEntityID, "domain cannot be empty")
	case objectID == "":
		return EntityID{}, errors.Detail(errors.ErrInvalidEntityID, "object_id cannot be empty")
	case !validDomain(domain):
		return EntityID{}, errors.Detail(errors.ErrInvalidEntityID,
			"domain %q must be lowercase alphanumeric with underscores, not start or end with an underscore "+
				"and not contain a double underscore", domain)
	case !validObjectID(objectID):
		return EntityID{}, errors.Detail(errors.ErrInvalidEntityID,
			"object_id %q must be lowercase alphanumeric with underscores and not start or end with an underscore",
			objectID)
	}
	return EntityID{domain: domain, objectID: objectID}, nil
}

// ParseEntityID parses the text form "domain.object_id".
func ParseEntityID(s string) (EntityID, error) {
	domain, objectID, ok := strings.Cut(s, ".")
	if !ok || strings.Contains(objectID, ".") {
		return EntityID{}, errors.Detail(errors.ErrInvalidEntityID,
			"%q must contain exactly one '.' separator", s)
	}
	return NewEntityID(domain, objectID)
}

// MustParseEntityID is ParseEntityID that panics on error. Intended for
// constants and tests.
func MustParseEntityID(s string) EntityID {
	id, err := ParseEntityID(s)
	if err != nil {
		panic(err)
	}
	return id
}

// Domain returns the category prefix.
func (id EntityID) Domain() string { return id.domain }

// ObjectID returns the part after the separator.
func (id EntityID) ObjectID() string { return id.objectID }

// IsZero reports whether id was never initialized.
func (id EntityID) IsZero() bool { return id.domain == "" }

// String returns the text form.
func (id EntityID) String() string {
	if id.IsZero() {
		return ""
	}
	return id.domain + "." + id.objectID
}

// MarshalText implements encoding.TextMarshaler.
func (id EntityID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *EntityID) UnmarshalText(b []byte) error {
	parsed, err := ParseEntityID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func validObjectID(s string) bool {
	if strings.HasPrefix(s, "_") || strings.HasSuffix(s, "_") {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '_' {
			return false
		}
	}
	return true
}

func validDomain(s string) bool {
	return !strings.Contains(s, "__") && validObjectID(s)
}
