package adapter

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var markdownStripPattern = regexp.MustCompile(`(\*\*|__|\*|_|~~|` + "`" + `)`)

// Base provides the shared ChunkMessage/FormatOutgoing behavior every
// platform adapter embeds, parameterized by its own max_message_length and
// markdown-stripping preference.
type Base struct {
	MaxLen        int
	StripMarkdown bool
}

// MaxMessageLength implements Adapter.
func (b Base) MaxMessageLength() int { return b.MaxLen }

// FormatOutgoing optionally strips common markdown emphasis markers before
// a platform that doesn't render markdown sends the text as-is.
func (b Base) FormatOutgoing(text string) string {
	if !b.StripMarkdown {
		return text
	}
	return markdownStripPattern.ReplaceAllString(text, "")
}

// ChunkMessage splits text into pieces no longer than MaxLen runes,
// preferring paragraph, then sentence, then word boundaries, and never
// splitting a UTF-8 scalar. A single word longer than MaxLen is hard-cut
// at a rune boundary as a last resort.
func (b Base) ChunkMessage(text string) []string {
	if b.MaxLen <= 0 || utf8.RuneCountInString(text) <= b.MaxLen {
		if text == "" {
			return nil
		}
		return []string{text}
	}

	var chunks []string
	remaining := text
	for utf8.RuneCountInString(remaining) > b.MaxLen {
		cut := findBoundary(remaining, b.MaxLen)
		chunk := strings.TrimRight(remaining[:cut], "\n ")
		if chunk == "" {
			// No usable boundary at all; hard-cut at the rune limit.
			chunk = hardCut(remaining, b.MaxLen)
			cut = len(chunk)
		}
		chunks = append(chunks, chunk)
		remaining = strings.TrimLeft(remaining[cut:], "\n ")
	}
	if remaining != "" {
		chunks = append(chunks, remaining)
	}
	return chunks
}

// findBoundary returns a byte offset into text, at or before the maxLen-th
// rune, that ends a paragraph ("\n\n"), failing that a sentence ("". "!
// "? "), failing that a word (" "), or 0 if none exists in range.
func findBoundary(text string, maxLen int) int {
	limit := runeOffset(text, maxLen)
	window := text[:limit]

	if idx := strings.LastIndex(window, "\n\n"); idx > 0 {
		return idx + 2
	}
	if idx := lastSentenceBoundary(window); idx > 0 {
		return idx
	}
	if idx := strings.LastIndex(window, " "); idx > 0 {
		return idx + 1
	}
	return 0
}

func lastSentenceBoundary(window string) int {
	best := -1
	for _, sep := range []string{". ", "! ", "? ", ".\n", "!\n", "?\n"} {
		if idx := strings.LastIndex(window, sep); idx > best {
			best = idx + len(sep)
		}
	}
	return best
}

// runeOffset returns the byte offset of the n-th rune in s, or len(s) if s
// has fewer than n runes.
func runeOffset(s string, n int) int {
	count := 0
	for i := range s {
		if count == n {
			return i
		}
		count++
	}
	return len(s)
}

// hardCut returns the longest prefix of s, at most maxLen runes, without
// splitting a UTF-8 scalar.
func hardCut(s string, maxLen int) string {
	offset := runeOffset(s, maxLen)
	return s[:offset]
}
