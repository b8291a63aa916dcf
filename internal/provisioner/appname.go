package provisioner

import (
	"strconv"
	"strings"
	"time"
)

// maxAppNameLen is the platform's app name limit.
const maxAppNameLen = 30

// AppName derives a platform app name from prefix, userID and at:
// <prefix>-<user>-<base36 unix seconds>, lowercase, starting with a letter, at most 30 characters.
// The user part is truncated first when the name is too long.
func AppName(prefix, userID string, at time.Time) string {
	suffix := strconv.FormatInt(at.Unix(), 36)
	prefix = slug(prefix)
	if prefix == "" || prefix[0] < 'a' || prefix[0] > 'z' {
		prefix = "bot" + prefix
	}
	if max := maxAppNameLen - len(suffix) - 1; len(prefix) > max {
		prefix = strings.TrimRight(prefix[:max], "-")
	}
	user := slug(userID)
	if budget := maxAppNameLen - len(prefix) - len(suffix) - 2; len(user) > budget {
		if budget < 0 {
			budget = 0
		}
		user = strings.TrimRight(user[:budget], "-")
	}
	if user == "" {
		return prefix + "-" + suffix
	}
	return prefix + "-" + user + "-" + suffix
}

// slug lowercases s, maps runs of other characters to a single '-' and trims dashes.
func slug(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimRight(b.String(), "-")
}
