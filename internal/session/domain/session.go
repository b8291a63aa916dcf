package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// Session is the live, in-memory state of one pairing. It exists only while the
// process holds a protocol handle for the user.
type Session struct {
	ID            string
	UserID        string
	PhoneNumber   string // digits only
	CredentialDir string // local credential area for this session
	Connected     bool
	CreatedAt     time.Time
	ConnectedAt   *time.Time // nil until the protocol reports an open connection
}

// NewID derives a session id from the user id and creation time.
func NewID(userID string, at time.Time) string {
	return UserKey(userID) + "_" + strconv.FormatInt(at.UnixMilli(), 10)
}

// UserKey is the readable, collision-free form of a user id used in refs and paths:
// the sanitized id followed by a short hash of the raw one. Distinct ids that sanitize
// alike ("a.b", "a b") still get distinct keys.
func UserKey(userID string) string {
	sum := sha256.Sum256([]byte(userID))
	return SanitizeUserID(userID) + "-" + hex.EncodeToString(sum[:8])
}

// SanitizeUserID keeps letters, digits, '-' and '_' and replaces everything else with '-'.
// The result is safe as a path element and as a git ref component.
func SanitizeUserID(userID string) string {
	var b strings.Builder
	b.Grow(len(userID))
	for _, r := range userID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}

// DigitsOnly strips every non-digit from a phone number.
func DigitsOnly(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
