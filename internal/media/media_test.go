package media

import (
	"strings"
	"testing"
)

func TestNewTranscriber_NoAPIKeyDisabled(t *testing.T) {
	if _, ok := NewTranscriber(""); ok {
		t.Error("expected transcriber disabled without an api key")
	}
	if _, ok := NewTranscriber("key-123"); !ok {
		t.Error("expected transcriber enabled with an api key")
	}
}

func TestExtractPlainText_TruncatesAtMaxChars(t *testing.T) {
	text, err := ExtractPlainText([]byte(strings.Repeat("a", 100)), 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasSuffix(text, "[... truncated ...]") {
		t.Errorf("expected truncated text to carry the truncation marker, got %q", text)
	}
	if got := strings.TrimSuffix(text, " [... truncated ...]"); len([]rune(got)) != 10 {
		t.Errorf("expected 10 chars of content before the marker, got %q (%d runes)", got, len([]rune(got)))
	}
}

func TestExtractPlainText_RejectsInvalidUTF8(t *testing.T) {
	if _, err := ExtractPlainText([]byte{0xff, 0xfe, 0xfd}, 100); err == nil {
		t.Error("expected error for invalid UTF-8 input")
	}
}

func TestExtractPDFText_RejectsNonPDFBytes(t *testing.T) {
	// ExtractPDFText's happy path needs a real PDF byte stream, which
	// isn't practical to construct inline; this covers the error path an
	// attachment with a misreported mime type would hit.
	if _, err := ExtractPDFText([]byte("not a pdf"), 4000); err == nil {
		t.Error("expected error opening non-PDF bytes as a PDF")
	}
}
