// Package media implements the pipeline's attachment-processing helpers
// (spec.md §4.6 step 4): downloading inbound attachment bytes, audio
// transcription, and PDF/plain-text extraction. Each helper is capped so a
// single oversized attachment cannot blow up the enhanced system prompt.
package media

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	aai "github.com/AssemblyAI/assemblyai-go-sdk"
	"github.com/ledongthuc/pdf"
	"github.com/worldline-go/klient"
)

const downloadTimeout = 30 * time.Second

// Fetcher downloads attachment bytes ahead of processing; adapters only
// carry a URL, never the raw payload.
type Fetcher struct {
	client *klient.Client
}

// NewFetcher builds a Fetcher using a plain outbound HTTP client (no
// platform-specific auth; attachment URLs from webhook payloads are
// typically pre-signed or short-lived tokens embedded in the URL itself).
func NewFetcher() (*Fetcher, error) {
	c, err := klient.New()
	if err != nil {
		return nil, fmt.Errorf("build media fetcher client: %w", err)
	}
	return &Fetcher{client: c}, nil
}

// Download retrieves url's body, capped at maxBytes to bound memory use on
// an unexpectedly large attachment.
func (f *Fetcher) Download(ctx context.Context, url string, maxBytes int64) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build attachment download request: %w", err)
	}

	var body []byte
	err = f.client.Do(req, func(r *http.Response) error {
		if r.StatusCode >= 300 {
			return fmt.Errorf("attachment download returned status %d", r.StatusCode)
		}
		data, err := io.ReadAll(io.LimitReader(r.Body, maxBytes))
		if err != nil {
			return fmt.Errorf("read attachment body: %w", err)
		}
		body = data
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

// Transcriber converts audio attachments to text via AssemblyAI.
type Transcriber struct {
	client *aai.Client
}

// NewTranscriber builds a Transcriber bound to apiKey, or returns ok=false
// when no key is configured (STT is best-effort: the pipeline prepends
// nothing rather than failing the whole message on a missing key).
func NewTranscriber(apiKey string) (*Transcriber, bool) {
	if apiKey == "" {
		return nil, false
	}
	return &Transcriber{client: aai.NewClient(apiKey)}, true
}

// Transcribe submits audioURL for transcription and returns the resulting
// text. AssemblyAI accepts a publicly reachable URL directly, so the
// pipeline does not need to re-host attachment bytes itself.
func (t *Transcriber) Transcribe(ctx context.Context, audioURL string) (string, error) {
	transcript, err := t.client.Transcripts.TranscribeFromURL(ctx, audioURL, nil)
	if err != nil {
		return "", fmt.Errorf("assemblyai transcription: %w", err)
	}
	if transcript.Status == aai.TranscriptStatusError {
		msg := ""
		if transcript.Error != nil {
			msg = *transcript.Error
		}
		return "", fmt.Errorf("assemblyai transcription failed: %s", msg)
	}
	if transcript.Text == nil {
		return "", nil
	}
	return *transcript.Text, nil
}

// ExtractPDFText reads data as a PDF and returns its plain text, truncated
// to maxChars (spec.md's attachment step caps PDF extraction).
func ExtractPDFText(data []byte, maxChars int) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}

	textReader, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extract pdf text: %w", err)
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, textReader); err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}
	return truncate(buf.String(), maxChars), nil
}

// ExtractPlainText decodes data as UTF-8 text (for text/plain, .txt, .md
// attachments), truncated to maxChars.
func ExtractPlainText(data []byte, maxChars int) (string, error) {
	if !utf8.Valid(data) {
		return "", fmt.Errorf("attachment is not valid UTF-8 text")
	}
	return truncate(string(data), maxChars), nil
}

// truncateMarker is the literal suffix spec.md's attachment scenario
// requires on any truncated extraction (§4.6 step 4, §8 scenario 6).
const truncateMarker = " [... truncated ...]"

func truncate(s string, maxChars int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if maxChars <= 0 || len(r) <= maxChars {
		return s
	}
	return string(r[:maxChars]) + truncateMarker
}
