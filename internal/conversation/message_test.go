// ABOUTME: Tests for message roles and body clamping
// ABOUTME: Covers the 2000 character limit, the "..." marker and whitespace trimming

package conversation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClamp_ShortTextUnchanged(t *testing.T) {
	assert.Equal(t, "hello", Clamp("  hello \n"))
	assert.Equal(t, "", Clamp("   "))
}

func TestClamp_ExactLimitUnchanged(t *testing.T) {
	text := strings.Repeat("a", MaxMessageLength)
	assert.Equal(t, text, Clamp(text))
}

func TestClamp_OverLimitTruncatedWithMarker(t *testing.T) {
	text := strings.Repeat("b", MaxMessageLength+500)
	got := Clamp(text)
	assert.Len(t, got, MaxMessageLength+3)
	assert.True(t, strings.HasSuffix(got, "..."))
	assert.Equal(t, strings.Repeat("b", MaxMessageLength), strings.TrimSuffix(got, "..."))
}

func TestClamp_CountsCharactersNotBytes(t *testing.T) {
	text := strings.Repeat("群", MaxMessageLength+1)
	got := Clamp(text)
	assert.Equal(t, MaxMessageLength+3, len([]rune(got)))
}

func TestClamp_Idempotent(t *testing.T) {
	once := Clamp(strings.Repeat("c", 5000))
	assert.Equal(t, once, Clamp(once))
}

func TestRole_Valid(t *testing.T) {
	assert.True(t, RoleSystem.Valid())
	assert.True(t, RoleUser.Valid())
	assert.True(t, RoleAssistant.Valid())
	assert.False(t, Role("tool").Valid())
	assert.False(t, Role("").Valid())
}
