package types

import (
	"strings"
	"testing"
)

func TestIsValidRoomName(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  bool
	}{
		{"simple", "lobby", true},
		{"with digits and dashes", "ops-room_2", true},
		{"empty", "", false},
		{"too long", strings.Repeat("a", 51), false},
		{"max length", strings.Repeat("a", 50), true},
		{"spaces", "ops room", false},
		{"punctuation", "ops!", false},
		{"unicode", "комната", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidRoomName(tt.input); got != tt.want {
				t.Errorf("IsValidRoomName(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestIsValidMessageBody(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  bool
	}{
		{"plain text", "hello", true},
		{"empty", "", false},
		{"whitespace only", "   \t\n", false},
		{"at size limit", strings.Repeat("x", 65536), true},
		{"over size limit", strings.Repeat("x", 65537), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidMessageBody(tt.input); got != tt.want {
				t.Errorf("IsValidMessageBody(%q...) = %v, want %v", tt.input[:min(len(tt.input), 10)], got, tt.want)
			}
		})
	}
}
