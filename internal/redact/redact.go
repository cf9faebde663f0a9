// Package redact masks credential-shaped substrings before they reach logs,
// audit details, or error messages crossing an adapter/webhook boundary.
package redact

import (
	"context"
	"log/slog"
	"regexp"
)

var patterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-ant-[A-Za-z0-9_-]{20,}`),
	regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`),
	regexp.MustCompile(`gsk_[A-Za-z0-9]{20,}`),
	regexp.MustCompile(`AIza[0-9A-Za-z_-]{10,}`),
	regexp.MustCompile(`\d{6,}:[A-Za-z0-9_-]{30,}`),
}

// Mask replaces every credential-shaped match in s with the masking rule:
// length<=4 renders as "****", otherwise ('*' * (len-4)) + last 4 chars.
func Mask(s string) string {
	for _, re := range patterns {
		s = re.ReplaceAllStringFunc(s, maskOne)
	}
	return s
}

func maskOne(value string) string {
	if len(value) <= 4 {
		return "****"
	}
	stars := make([]byte, len(value)-4)
	for i := range stars {
		stars[i] = '*'
	}
	return string(stars) + value[len(value)-4:]
}

// Preview unconditionally applies the masking rule to value, for building
// the masked credential previews stored in audit entries and returned by
// listing endpoints. Unlike Mask, it does not require the value to match a
// known credential-shaped pattern first — any secret value qualifies.
func Preview(value string) string {
	return maskOne(value)
}

// PreviewURL renders endpoints verbatim, per the masking rule's exception
// for URLs.
func PreviewURL(value string) string {
	return value
}

// Handler wraps an slog.Handler, masking credential-shaped substrings in
// every attribute value and in the record message before emitting.
type Handler struct {
	next slog.Handler
}

func NewHandler(next slog.Handler) *Handler {
	return &Handler{next: next}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	r.Message = Mask(r.Message)

	masked := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		masked.AddAttrs(maskAttr(a))
		return true
	})
	return h.next.Handle(ctx, masked)
}

func maskAttr(a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindString {
		return slog.String(a.Key, Mask(a.Value.String()))
	}
	return a
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	masked := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		masked[i] = maskAttr(a)
	}
	return &Handler{next: h.next.WithAttrs(masked)}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{next: h.next.WithGroup(name)}
}
