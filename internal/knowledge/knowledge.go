// Package knowledge implements the knowledge context builder (spec.md
// §4.5): it assembles an ordered, best-effort prompt supplement from a
// bot's active skills, custom instructions, notes, contacts, retrieved
// knowledge chunks, and recent conversation history. Every section is
// built independently; a failure in one never blocks the others, and an
// empty section is simply omitted.
package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/jhd3197/cachibot/internal/model"
)

const (
	maxNotes           = 10
	noteTruncateChars  = 500
	maxChunks          = 3
	chunkMinSimilarity = 0.3
	historyLimit       = 10
	historyTruncate    = 300
	replySnippetChars  = 200
)

// SkillSource resolves a bot's active skill configs and their definitions.
type SkillSource interface {
	ListSkillConfigs(ctx context.Context, botID string) ([]model.SkillConfig, error)
	GetSkill(ctx context.Context, name string) (*model.Skill, error)
}

// NoteSource resolves a bot's notes.
type NoteSource interface {
	ListNotes(ctx context.Context, botID string) ([]model.Note, error)
}

// ContactSource resolves a bot's contacts.
type ContactSource interface {
	ListContacts(ctx context.Context, botID string) ([]model.Contact, error)
}

// HistorySource resolves a chat's recent messages, oldest first.
type HistorySource interface {
	ListRecentMessages(ctx context.Context, chatID string, limit int) ([]model.Message, error)
}

// VectorSearcher retrieves the topK most relevant knowledge chunks for a
// bot given a free-text query, each with Score populated. Satisfied by
// internal/vectorsearch; nil disables section 5 entirely.
type VectorSearcher interface {
	Search(ctx context.Context, botID, query string, topK int) ([]model.KnowledgeChunk, error)
}

// Builder assembles knowledge context. All dependencies are narrow
// interfaces so tests can stub individual sections independently.
type Builder struct {
	Skills   SkillSource
	Notes    NoteSource
	Contacts ContactSource
	History  HistorySource
	Vectors  VectorSearcher // optional
}

// Build returns the assembled context block for bot given the inbound
// user message and the chat it arrived on. It never returns an error:
// section failures are logged and yield an empty section instead, per
// §4.5's "strictly additive" requirement.
func (b *Builder) Build(ctx context.Context, bot *model.Bot, chatID, userMessage string) string {
	var sections []string

	if s := b.buildSkills(ctx, bot.ID); s != "" {
		sections = append(sections, s)
	}
	if s := strings.TrimSpace(bot.SystemPrompt); s != "" {
		sections = append(sections, s)
	}
	if s := b.buildNotes(ctx, bot.ID, userMessage); s != "" {
		sections = append(sections, s)
	}
	if bot.Capabilities.Contacts {
		if s := b.buildContacts(ctx, bot.ID); s != "" {
			sections = append(sections, s)
		}
	}
	if s := b.buildKnowledge(ctx, bot.ID, userMessage); s != "" {
		sections = append(sections, s)
	}
	if s := b.buildHistory(ctx, chatID); s != "" {
		sections = append(sections, s)
		sections = append(sections, "When referencing a prior message, cite it as [cite:MESSAGE_ID] using the bracketed ID shown above.")
	}

	return strings.Join(sections, "\n\n")
}

func (b *Builder) buildSkills(ctx context.Context, botID string) string {
	if b.Skills == nil {
		return ""
	}
	configs, err := b.Skills.ListSkillConfigs(ctx, botID)
	if err != nil {
		slog.Warn("knowledge: list skill configs failed", "bot_id", botID, "error", err)
		return ""
	}
	var blocks []string
	for _, cfg := range configs {
		def, err := b.Skills.GetSkill(ctx, cfg.SkillName)
		if err != nil {
			slog.Warn("knowledge: get skill failed", "skill", cfg.SkillName, "error", err)
			continue
		}
		if def == nil || strings.TrimSpace(def.Instructions) == "" {
			continue
		}
		blocks = append(blocks, fmt.Sprintf("Skill %q:\n%s", def.Name, def.Instructions))
	}
	if len(blocks) == 0 {
		return ""
	}
	return strings.Join(blocks, "\n\n")
}

func (b *Builder) buildNotes(ctx context.Context, botID, userMessage string) string {
	if b.Notes == nil {
		return ""
	}
	notes, err := b.Notes.ListNotes(ctx, botID)
	if err != nil {
		slog.Warn("knowledge: list notes failed", "bot_id", botID, "error", err)
		return ""
	}
	if len(notes) == 0 {
		return ""
	}

	terms := queryTerms(userMessage)
	type scored struct {
		note  model.Note
		score int
	}
	ranked := make([]scored, 0, len(notes))
	seen := map[string]bool{}
	for _, n := range notes {
		if seen[n.ID] {
			continue
		}
		seen[n.ID] = true
		ranked = append(ranked, scored{note: n, score: matchScore(terms, n.Title, n.Content, n.Tags)})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].note.UpdatedAt.After(ranked[j].note.UpdatedAt)
	})
	if len(ranked) > maxNotes {
		ranked = ranked[:maxNotes]
	}

	var lines []string
	for _, r := range ranked {
		content := truncate(r.note.Content, noteTruncateChars)
		tags := ""
		if len(r.note.Tags) > 0 {
			tags = " [" + strings.Join(r.note.Tags, ", ") + "]"
		}
		lines = append(lines, fmt.Sprintf("- %s%s: %s", r.note.Title, tags, content))
	}
	return "Relevant notes:\n" + strings.Join(lines, "\n")
}

func (b *Builder) buildContacts(ctx context.Context, botID string) string {
	if b.Contacts == nil {
		return ""
	}
	contacts, err := b.Contacts.ListContacts(ctx, botID)
	if err != nil {
		slog.Warn("knowledge: list contacts failed", "bot_id", botID, "error", err)
		return ""
	}
	if len(contacts) == 0 {
		return ""
	}
	var lines []string
	for _, c := range contacts {
		lines = append(lines, fmt.Sprintf("- %s: %s", c.Name, c.Details))
	}
	return "Known contacts:\n" + strings.Join(lines, "\n")
}

func (b *Builder) buildKnowledge(ctx context.Context, botID, userMessage string) string {
	if b.Vectors == nil {
		return ""
	}
	chunks, err := b.Vectors.Search(ctx, botID, userMessage, maxChunks)
	if err != nil {
		slog.Warn("knowledge: vector search failed", "bot_id", botID, "error", err)
		return ""
	}
	var blocks []string
	for _, c := range chunks {
		if c.Score < chunkMinSimilarity {
			continue
		}
		blocks = append(blocks, fmt.Sprintf("[From: %s]\n%s", c.Filename, c.Content))
		if len(blocks) >= maxChunks {
			break
		}
	}
	if len(blocks) == 0 {
		return ""
	}
	return strings.Join(blocks, "\n\n")
}

func (b *Builder) buildHistory(ctx context.Context, chatID string) string {
	if b.History == nil || chatID == "" {
		return ""
	}
	messages, err := b.History.ListRecentMessages(ctx, chatID, historyLimit)
	if err != nil {
		slog.Warn("knowledge: list recent messages failed", "chat_id", chatID, "error", err)
		return ""
	}
	if len(messages) == 0 {
		return ""
	}
	var lines []string
	for _, m := range messages {
		lines = append(lines, fmt.Sprintf("[%s] %s: %s", m.ID, m.Role, truncate(m.Content, historyTruncate)))
	}
	return "Recent conversation:\n" + strings.Join(lines, "\n")
}

// ReplyContextPrefix renders the pipeline's "replying to" prefix (§4.6 step
// 5) for a quoted message, or "" if quoted is empty.
func ReplyContextPrefix(quoted string) string {
	quoted = strings.TrimSpace(quoted)
	if quoted == "" {
		return ""
	}
	return fmt.Sprintf("[Replying to: %q]\n", truncate(quoted, replySnippetChars))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

func queryTerms(message string) []string {
	fields := strings.FieldsFunc(strings.ToLower(message), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) >= 3 {
			terms = append(terms, f)
		}
	}
	return terms
}

func matchScore(terms []string, title, content string, tags []string) int {
	if len(terms) == 0 {
		return 0
	}
	haystack := strings.ToLower(title + " " + content + " " + strings.Join(tags, " "))
	score := 0
	for _, t := range terms {
		score += strings.Count(haystack, t)
	}
	return score
}
