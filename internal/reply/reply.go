// ABOUTME: Outbound reply shaping for group chats
// ABOUTME: Splits long replies into rune-safe chunks and flattens markdown to plain text

package reply

import (
	"bytes"
	"regexp"
	"strconv"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// DefaultChunkSize is the longest single outbound message, in characters.
const DefaultChunkSize = 1500

// Split trims text and cuts it into consecutive chunks of at most size
// runes. Blank text yields no chunks.
func Split(s string, size int) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if size <= 0 {
		size = DefaultChunkSize
	}

	runes := []rune(s)
	chunks := make([]string, 0, (len(runes)+size-1)/size)
	for start := 0; start < len(runes); start += size {
		end := min(start+size, len(runes))
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}

var (
	md          = goldmark.New()
	blankLineRe = regexp.MustCompile(`\n{3,}`)
)

// Plain renders markdown as chat-friendly plain text: markup is dropped,
// list items keep a bullet or number, link targets follow their text and
// code blocks are kept verbatim.
func Plain(markdown string) string {
	src := []byte(markdown)
	doc := md.Parser().Parse(text.NewReader(src))

	var buf bytes.Buffer
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch node := n.(type) {
		case *ast.Text:
			if entering {
				buf.Write(node.Segment.Value(src))
				if node.HardLineBreak() || node.SoftLineBreak() {
					buf.WriteByte('\n')
				}
			}

		case *ast.String:
			if entering {
				buf.Write(node.Value)
			}

		case *ast.AutoLink:
			if entering {
				buf.Write(node.URL(src))
			}
			return ast.WalkSkipChildren, nil

		case *ast.Link:
			if !entering {
				dest := string(node.Destination)
				if dest != "" && !strings.HasSuffix(buf.String(), dest) {
					buf.WriteString(" (" + dest + ")")
				}
			}

		case *ast.FencedCodeBlock, *ast.CodeBlock, *ast.HTMLBlock:
			if entering {
				writeLines(&buf, n, src)
				buf.WriteByte('\n')
			}
			return ast.WalkSkipChildren, nil

		case *ast.RawHTML:
			return ast.WalkSkipChildren, nil

		case *ast.ListItem:
			if entering {
				buf.WriteString(strings.Repeat("  ", listDepth(node)-1))
				buf.WriteString(bullet(node))
			}

		case *ast.Heading, *ast.TextBlock:
			if !entering {
				buf.WriteByte('\n')
			}

		case *ast.Paragraph:
			if !entering {
				buf.WriteByte('\n')
				if _, inItem := node.Parent().(*ast.ListItem); !inItem {
					buf.WriteByte('\n')
				}
			}

		case *ast.List:
			if !entering {
				if _, nested := node.Parent().(*ast.ListItem); !nested {
					buf.WriteByte('\n')
				}
			}

		case *ast.ThematicBreak:
			if entering {
				buf.WriteString("\n")
			}
		}
		return ast.WalkContinue, nil
	})

	out := blankLineRe.ReplaceAllString(buf.String(), "\n\n")
	return strings.TrimSpace(out)
}

func writeLines(buf *bytes.Buffer, n ast.Node, src []byte) {
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		buf.Write(seg.Value(src))
	}
}

// bullet returns "- " for unordered items and "N. " for ordered ones.
func bullet(item *ast.ListItem) string {
	list, ok := item.Parent().(*ast.List)
	if !ok || !list.IsOrdered() {
		return "- "
	}
	index := 0
	for sib := item.PreviousSibling(); sib != nil; sib = sib.PreviousSibling() {
		index++
	}
	return strconv.Itoa(list.Start+index) + ". "
}

func listDepth(item *ast.ListItem) int {
	depth := 0
	for p := item.Parent(); p != nil; p = p.Parent() {
		if _, ok := p.(*ast.List); ok {
			depth++
		}
	}
	return max(depth, 1)
}
