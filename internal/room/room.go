// Package room derives the relay topic shared by the two participants of a
// conversation.
package room

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Separator joins the two ordered identities of a RoomID.
const Separator = "_"

var (
	// ErrMissingIdentity is returned when one side of the pair is empty.
	ErrMissingIdentity = errors.New("room: missing identity")
	// ErrInvalidIdentity is returned for identities that contain the separator.
	ErrInvalidIdentity = errors.New("room: identity contains separator")
	// ErrSelfChat is returned when both sides are the same identity.
	ErrSelfChat = errors.New("room: cannot open a conversation with yourself")
)

// Identity is an opaque participant id (user account or workshop account).
type Identity string

// IntIdentity converts a numeric account id.
func IntIdentity(id int64) Identity {
	return Identity(strconv.FormatInt(id, 10))
}

func (id Identity) String() string { return string(id) }

// IsZero reports whether the identity is empty after trimming.
func (id Identity) IsZero() bool {
	return strings.TrimSpace(string(id)) == ""
}

// Normalize trims surrounding whitespace.
func (id Identity) Normalize() Identity {
	return Identity(strings.TrimSpace(string(id)))
}

// UnmarshalJSON accepts both JSON strings and JSON numbers; payloads from the
// marketplace use either form depending on the account type.
func (id *Identity) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		*id = ""
		return nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = Identity(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("room: identity must be a string or number: %w", err)
	}
	*id = Identity(n.String())
	return nil
}

// RoomID is the relay subscription topic for one two-party conversation.
type RoomID string

func (r RoomID) String() string { return string(r) }

// Derive returns the canonical room id for a pair of identities. The result
// does not depend on argument order.
func Derive(a, b Identity) (RoomID, error) {
	a, b = a.Normalize(), b.Normalize()
	if a == "" || b == "" {
		return "", ErrMissingIdentity
	}
	if strings.Contains(string(a), Separator) || strings.Contains(string(b), Separator) {
		return "", ErrInvalidIdentity
	}
	if a == b {
		return "", ErrSelfChat
	}
	if Less(b, a) {
		a, b = b, a
	}
	return RoomID(string(a) + Separator + string(b)), nil
}

// MustDerive is Derive for callers holding already validated pairs.
func MustDerive(a, b Identity) RoomID {
	id, err := Derive(a, b)
	if err != nil {
		panic(err)
	}
	return id
}

// Less orders identities numerically when both are unsigned integers and
// lexicographically otherwise.
func Less(a, b Identity) bool {
	as, bs := string(a), string(b)
	if isDigits(as) && isDigits(bs) {
		as, bs = strings.TrimLeft(as, "0"), strings.TrimLeft(bs, "0")
		if len(as) != len(bs) {
			return len(as) < len(bs)
		}
		if as != bs {
			return as < bs
		}
		// equal values with different zero padding
		return string(a) < string(b)
	}
	return as < bs
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Participants splits the room id back into its two identities.
func (r RoomID) Participants() (Identity, Identity, error) {
	first, second, ok := strings.Cut(string(r), Separator)
	if !ok || first == "" || second == "" || strings.Contains(second, Separator) {
		return "", "", fmt.Errorf("room: malformed room id %q", string(r))
	}
	return Identity(first), Identity(second), nil
}

// Has reports whether id is one of the room's participants.
func (r RoomID) Has(id Identity) bool {
	a, b, err := r.Participants()
	if err != nil {
		return false
	}
	id = id.Normalize()
	return id == a || id == b
}

// Other returns the participant that is not id.
func (r RoomID) Other(id Identity) (Identity, error) {
	a, b, err := r.Participants()
	if err != nil {
		return "", err
	}
	switch id.Normalize() {
	case a:
		return b, nil
	case b:
		return a, nil
	}
	return "", fmt.Errorf("room: %s is not a participant of %s", id, r)
}
