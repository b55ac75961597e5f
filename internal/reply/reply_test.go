// ABOUTME: Tests for reply chunking and markdown flattening
// ABOUTME: Chunk boundaries are checked in runes so multi-byte text is never cut mid-character

package reply

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestSplit(t *testing.T) {
	assert.Nil(t, Split("", 10))
	assert.Nil(t, Split(" \n\t ", 10))
	assert.Equal(t, []string{"hello"}, Split("  hello  ", 10))
	assert.Equal(t, []string{"abc", "def", "g"}, Split("abcdefg", 3))
	assert.Equal(t, []string{"abc", "def"}, Split("abcdef", 3))
}

func TestSplit_Runes(t *testing.T) {
	text := strings.Repeat("你好", 1600) // 3200 runes
	chunks := Split(text, DefaultChunkSize)

	assert.Len(t, chunks, 3)
	assert.Equal(t, 1500, utf8.RuneCountInString(chunks[0]))
	assert.Equal(t, 1500, utf8.RuneCountInString(chunks[1]))
	assert.Equal(t, 200, utf8.RuneCountInString(chunks[2]))
	for _, c := range chunks {
		assert.True(t, utf8.ValidString(c))
	}
	assert.Equal(t, text, strings.Join(chunks, ""))
}

func TestSplit_DefaultSize(t *testing.T) {
	chunks := Split(strings.Repeat("a", 1501), 0)
	assert.Len(t, chunks, 2)
	assert.Len(t, chunks[1], 1)
}

func TestPlain(t *testing.T) {
	in := "# Title\n\nSome **bold** and `code`.\n\n- one\n- two\n\n1. first\n2. second\n\n[site](https://example.com)"
	want := "Title\nSome bold and code.\n\n- one\n- two\n\n1. first\n2. second\n\nsite (https://example.com)"
	assert.Equal(t, want, Plain(in))
}

func TestPlain_CodeBlockKeptVerbatim(t *testing.T) {
	in := "Run this:\n\n```go\nfmt.Println(\"*not emphasis*\")\n```\n"
	out := Plain(in)
	assert.Contains(t, out, "Run this:")
	assert.Contains(t, out, `fmt.Println("*not emphasis*")`)
	assert.NotContains(t, out, "```")
}

func TestPlain_PlainTextUnchanged(t *testing.T) {
	assert.Equal(t, "just a sentence", Plain("just a sentence"))
	assert.Equal(t, "line one\nline two", Plain("line one\nline two"))
	assert.Equal(t, "", Plain("   "))
}

func TestPlain_AutoLink(t *testing.T) {
	assert.Equal(t, "see https://example.com", Plain("see <https://example.com>"))
}
