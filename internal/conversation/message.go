// ABOUTME: Chat message model shared by the store, providers and dispatcher
// ABOUTME: Defines roles and the clamp applied to every stored message body

package conversation

import "strings"

// Role identifies who authored a message in a conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Message is a single entry in a group's conversation log.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// MaxMessageLength is the longest body (in characters) kept for one message.
const MaxMessageLength = 2000

// clampMarker is appended to bodies cut at MaxMessageLength.
const clampMarker = "..."

// Clamp trims surrounding whitespace and cuts text to MaxMessageLength
// characters, appending "..." when anything was dropped.
func Clamp(text string) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) <= MaxMessageLength {
		return text
	}
	return string(runes[:MaxMessageLength]) + clampMarker
}
