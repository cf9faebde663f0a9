package adapter

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestChunkMessage_ShortTextUnchanged(t *testing.T) {
	b := Base{MaxLen: 100}
	got := b.ChunkMessage("hello world")
	if len(got) != 1 || got[0] != "hello world" {
		t.Fatalf("expected single unchanged chunk, got %v", got)
	}
}

func TestChunkMessage_EmptyText(t *testing.T) {
	b := Base{MaxLen: 100}
	if got := b.ChunkMessage(""); got != nil {
		t.Fatalf("expected nil for empty text, got %v", got)
	}
}

func TestChunkMessage_SplitsOnParagraphBoundary(t *testing.T) {
	b := Base{MaxLen: 20}
	text := "first paragraph here\n\nsecond paragraph here"
	chunks := b.ChunkMessage(text)
	if len(chunks) < 2 {
		t.Fatalf("expected at least 2 chunks, got %d: %v", len(chunks), chunks)
	}
	for _, c := range chunks {
		if utf8.RuneCountInString(c) > b.MaxLen {
			t.Errorf("chunk exceeds MaxLen: %q (%d runes)", c, utf8.RuneCountInString(c))
		}
	}
	if strings.Join(chunks, "") == "" {
		t.Fatal("expected non-empty reconstructed content")
	}
}

func TestChunkMessage_NeverSplitsUTF8Scalar(t *testing.T) {
	b := Base{MaxLen: 5}
	text := strings.Repeat("café ", 10) // "café " x10, multi-byte é
	chunks := b.ChunkMessage(text)
	for _, c := range chunks {
		if !utf8.ValidString(c) {
			t.Fatalf("chunk is not valid UTF-8: %q", c)
		}
	}
}

func TestChunkMessage_HardCutsLongWord(t *testing.T) {
	b := Base{MaxLen: 10}
	text := strings.Repeat("x", 50)
	chunks := b.ChunkMessage(text)
	if len(chunks) == 0 {
		t.Fatal("expected at least one chunk")
	}
	for _, c := range chunks {
		if utf8.RuneCountInString(c) > b.MaxLen {
			t.Errorf("chunk exceeds MaxLen: %q", c)
		}
	}
	if strings.Join(chunks, "") != text {
		t.Errorf("expected chunks to reconstruct original text exactly, got %q", strings.Join(chunks, ""))
	}
}

func TestChunkMessage_PreservesOrder(t *testing.T) {
	b := Base{MaxLen: 15}
	text := "one two three four five six seven eight nine ten"
	chunks := b.ChunkMessage(text)
	rejoined := strings.Join(chunks, " ")
	rejoined = strings.Join(strings.Fields(rejoined), " ")
	want := strings.Join(strings.Fields(text), " ")
	if rejoined != want {
		t.Errorf("expected word order preserved, got %q want %q", rejoined, want)
	}
}

func TestFormatOutgoing_StripsMarkdownWhenConfigured(t *testing.T) {
	b := Base{StripMarkdown: true}
	got := b.FormatOutgoing("**bold** and _italic_ and `code`")
	if strings.Contains(got, "*") || strings.Contains(got, "_") || strings.Contains(got, "`") {
		t.Errorf("expected markdown markers stripped, got %q", got)
	}
}

func TestFormatOutgoing_LeavesTextAloneWhenNotConfigured(t *testing.T) {
	b := Base{StripMarkdown: false}
	text := "**bold**"
	if got := b.FormatOutgoing(text); got != text {
		t.Errorf("expected unchanged text, got %q", got)
	}
}
