package types

import (
	"regexp"
	"strings"
)

// Compiled once at package initialization.
var roomNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// IsValidRoomName reports whether a room name is acceptable as a registry
// key: 1-50 characters from [a-zA-Z0-9_-].
func IsValidRoomName(name string) bool {
	if len(name) < 1 || len(name) > 50 {
		return false
	}
	return roomNameRegex.MatchString(name)
}

// IsValidMessageBody rejects empty and whitespace-only bodies, and bodies
// above 64KB.
func IsValidMessageBody(body string) bool {
	if strings.TrimSpace(body) == "" {
		return false
	}
	return len(body) <= 65536
}
