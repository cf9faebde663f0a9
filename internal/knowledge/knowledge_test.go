package knowledge

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jhd3197/cachibot/internal/model"
)

type fakeSkills struct {
	configs []model.SkillConfig
	defs    map[string]*model.Skill
	listErr error
}

func (f *fakeSkills) ListSkillConfigs(ctx context.Context, botID string) ([]model.SkillConfig, error) {
	return f.configs, f.listErr
}

func (f *fakeSkills) GetSkill(ctx context.Context, name string) (*model.Skill, error) {
	return f.defs[name], nil
}

type fakeNotes struct {
	notes []model.Note
	err   error
}

func (f *fakeNotes) ListNotes(ctx context.Context, botID string) ([]model.Note, error) {
	return f.notes, f.err
}

type fakeContacts struct {
	contacts []model.Contact
	err      error
}

func (f *fakeContacts) ListContacts(ctx context.Context, botID string) ([]model.Contact, error) {
	return f.contacts, f.err
}

type fakeHistory struct {
	messages []model.Message
	err      error
}

func (f *fakeHistory) ListRecentMessages(ctx context.Context, chatID string, limit int) ([]model.Message, error) {
	return f.messages, f.err
}

type fakeVectors struct {
	chunks []model.KnowledgeChunk
	err    error
}

func (f *fakeVectors) Search(ctx context.Context, botID, query string, topK int) ([]model.KnowledgeChunk, error) {
	return f.chunks, f.err
}

func TestBuild_OmitsEmptySections(t *testing.T) {
	b := &Builder{}
	bot := &model.Bot{ID: "bot-1"}
	out := b.Build(context.Background(), bot, "chat-1", "hello")
	if out != "" {
		t.Errorf("expected empty context with no sources configured, got %q", out)
	}
}

func TestBuild_IncludesSystemPromptAsCustomInstructions(t *testing.T) {
	b := &Builder{}
	bot := &model.Bot{ID: "bot-1", SystemPrompt: "You are a helpful support bot."}
	out := b.Build(context.Background(), bot, "", "hello")
	if out != "You are a helpful support bot." {
		t.Errorf("unexpected output: %q", out)
	}
}

func TestBuild_NotesRankedByMatchThenRecency(t *testing.T) {
	older := time.Now().Add(-48 * time.Hour)
	newer := time.Now()
	notes := &fakeNotes{notes: []model.Note{
		{ID: "n1", Title: "Refund policy", Content: "Refunds are processed within 5 business days.", UpdatedAt: older},
		{ID: "n2", Title: "Shipping", Content: "Orders ship within 2 days.", UpdatedAt: newer},
		{ID: "n3", Title: "Refund window", Content: "Refund requests must be made within 30 days.", UpdatedAt: newer},
	}}
	b := &Builder{Notes: notes}
	bot := &model.Bot{ID: "bot-1"}

	out := b.Build(context.Background(), bot, "", "what is your refund policy")
	if !strings.Contains(out, "Relevant notes:") {
		t.Fatalf("expected notes section, got %q", out)
	}
	idxPolicy := strings.Index(out, "Refund policy")
	idxWindow := strings.Index(out, "Refund window")
	idxShipping := strings.Index(out, "Shipping")
	if idxPolicy == -1 || idxWindow == -1 {
		t.Fatalf("expected both refund notes present: %q", out)
	}
	if idxShipping != -1 && idxShipping < idxPolicy {
		t.Errorf("expected unrelated note ranked below matched notes")
	}
}

func TestBuild_ContactsOnlyWhenCapabilityEnabled(t *testing.T) {
	contacts := &fakeContacts{contacts: []model.Contact{{ID: "c1", Name: "Jane", Details: "Account manager"}}}
	b := &Builder{Contacts: contacts}

	botWithout := &model.Bot{ID: "bot-1"}
	if out := b.Build(context.Background(), botWithout, "", "hi"); strings.Contains(out, "Jane") {
		t.Errorf("expected contacts omitted without capability, got %q", out)
	}

	botWith := &model.Bot{ID: "bot-1", Capabilities: model.BotCapabilities{Contacts: true}}
	if out := b.Build(context.Background(), botWith, "", "hi"); !strings.Contains(out, "Jane: Account manager") {
		t.Errorf("expected contacts included with capability, got %q", out)
	}
}

func TestBuild_KnowledgeChunksFilteredByThreshold(t *testing.T) {
	vectors := &fakeVectors{chunks: []model.KnowledgeChunk{
		{Filename: "handbook.pdf", Content: "relevant passage", Score: 0.42},
		{Filename: "irrelevant.pdf", Content: "unrelated passage", Score: 0.1},
	}}
	b := &Builder{Vectors: vectors}
	bot := &model.Bot{ID: "bot-1"}

	out := b.Build(context.Background(), bot, "", "question")
	if !strings.Contains(out, "[From: handbook.pdf]") {
		t.Errorf("expected chunk above threshold included, got %q", out)
	}
	if strings.Contains(out, "irrelevant.pdf") {
		t.Errorf("expected chunk below threshold excluded, got %q", out)
	}
}

func TestBuild_HistoryAppendsCitationInstructions(t *testing.T) {
	history := &fakeHistory{messages: []model.Message{
		{ID: "m1", Role: model.RoleUser, Content: "hi"},
		{ID: "m2", Role: model.RoleAssistant, Content: "hello"},
	}}
	b := &Builder{History: history}
	bot := &model.Bot{ID: "bot-1"}

	out := b.Build(context.Background(), bot, "chat-1", "hi")
	if !strings.Contains(out, "[m1] user: hi") {
		t.Errorf("expected message cited by ID, got %q", out)
	}
	if !strings.Contains(out, "cite:MESSAGE_ID") {
		t.Errorf("expected citation instructions appended, got %q", out)
	}
}

func TestBuild_SectionFailuresAreIsolated(t *testing.T) {
	b := &Builder{
		Skills:   &fakeSkills{listErr: errors.New("boom")},
		Notes:    &fakeNotes{err: errors.New("boom")},
		Contacts: &fakeContacts{err: errors.New("boom")},
		History:  &fakeHistory{err: errors.New("boom")},
		Vectors:  &fakeVectors{err: errors.New("boom")},
	}
	bot := &model.Bot{ID: "bot-1", SystemPrompt: "still works", Capabilities: model.BotCapabilities{Contacts: true}}

	out := b.Build(context.Background(), bot, "chat-1", "hi")
	if out != "still works" {
		t.Errorf("expected only the system prompt section to survive, got %q", out)
	}
}

func TestReplyContextPrefix(t *testing.T) {
	if ReplyContextPrefix("") != "" {
		t.Error("expected empty prefix for empty quoted text")
	}
	prefix := ReplyContextPrefix("earlier message")
	if !strings.HasPrefix(prefix, "[Replying to:") {
		t.Errorf("unexpected prefix: %q", prefix)
	}
}
