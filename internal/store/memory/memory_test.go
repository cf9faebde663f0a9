package memory

import (
	"context"
	"testing"

	"github.com/jhd3197/cachibot/internal/model"
)

func TestBotEnvironmentUpsertGetDelete(t *testing.T) {
	m := New()
	ctx := context.Background()

	if err := m.UpsertBotEnvironment(ctx, model.BotEnvironment{BotID: "bot-1", Key: "OPENAI_API_KEY", Source: model.SourceUser}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := m.GetBotEnvironment(ctx, "bot-1", "OPENAI_API_KEY")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.ID == "" {
		t.Fatalf("expected a persisted entry with a generated id, got %+v", got)
	}

	list, err := m.ListBotEnvironment(ctx, "bot-1")
	if err != nil || len(list) != 1 {
		t.Fatalf("expected one listed entry, got %+v err=%v", list, err)
	}

	if err := m.DeleteBotEnvironment(ctx, "bot-1", "OPENAI_API_KEY"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got, _ := m.GetBotEnvironment(ctx, "bot-1", "OPENAI_API_KEY"); got != nil {
		t.Fatalf("expected entry gone after delete, got %+v", got)
	}
}

func TestBotEnvironmentUpsertPreservesID(t *testing.T) {
	m := New()
	ctx := context.Background()

	m.UpsertBotEnvironment(ctx, model.BotEnvironment{BotID: "bot-1", Key: "K", Source: model.SourceUser})
	first, _ := m.GetBotEnvironment(ctx, "bot-1", "K")

	m.UpsertBotEnvironment(ctx, model.BotEnvironment{BotID: "bot-1", Key: "K", Source: model.SourceUser})
	second, _ := m.GetBotEnvironment(ctx, "bot-1", "K")

	if first.ID != second.ID {
		t.Errorf("expected stable id across upserts, got %q then %q", first.ID, second.ID)
	}
}

func TestListAllBotAndPlatformEnvironment(t *testing.T) {
	m := New()
	ctx := context.Background()

	m.UpsertBotEnvironment(ctx, model.BotEnvironment{BotID: "bot-1", Key: "A", Source: model.SourceUser})
	m.UpsertBotEnvironment(ctx, model.BotEnvironment{BotID: "bot-2", Key: "B", Source: model.SourceUser})
	m.UpsertPlatformEnvironment(ctx, model.PlatformEnvironment{Platform: "telegram", Key: "TOKEN"})
	m.UpsertPlatformEnvironment(ctx, model.PlatformEnvironment{Platform: "discord", Key: "TOKEN"})

	bots, err := m.ListAllBotEnvironment(ctx)
	if err != nil || len(bots) != 2 {
		t.Fatalf("expected 2 bot env rows across all bots, got %+v err=%v", bots, err)
	}

	platforms, err := m.ListAllPlatformEnvironment(ctx)
	if err != nil || len(platforms) != 2 {
		t.Fatalf("expected 2 platform env rows across all platforms, got %+v err=%v", platforms, err)
	}
}

func TestChatAndMessageLifecycle(t *testing.T) {
	m := New()
	ctx := context.Background()

	chat, err := m.CreateChat(ctx, model.Chat{BotID: "bot-1", PlatformKind: "telegram", PlatformChatID: "12345"})
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}

	found, err := m.GetChatByPlatform(ctx, "bot-1", "telegram", "12345")
	if err != nil || found == nil || found.ID != chat.ID {
		t.Fatalf("expected to find chat by platform, got %+v err=%v", found, err)
	}

	m.CreateMessage(ctx, model.Message{BotID: "bot-1", ChatID: chat.ID, Role: model.RoleUser, Content: "hello"})
	m.CreateMessage(ctx, model.Message{BotID: "bot-1", ChatID: chat.ID, Role: model.RoleAssistant, Content: "hi"})

	recent, err := m.ListRecentMessages(ctx, chat.ID, 10)
	if err != nil {
		t.Fatalf("list recent messages: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(recent))
	}
	if recent[0].Content != "hello" || recent[1].Content != "hi" {
		t.Errorf("expected chronological order, got %+v", recent)
	}
}

func TestSeedBotAndSkill(t *testing.T) {
	m := New()
	ctx := context.Background()

	m.SeedBot(model.Bot{ID: "bot-1", Name: "Test Bot"})
	bot, err := m.GetBot(ctx, "bot-1")
	if err != nil || bot == nil || bot.Name != "Test Bot" {
		t.Fatalf("expected seeded bot, got %+v err=%v", bot, err)
	}

	m.SeedSkill(model.Skill{Name: "search"})
	skills, err := m.ListSkills(ctx)
	if err != nil || len(skills) != 1 || skills[0].Name != "search" {
		t.Fatalf("expected one seeded skill, got %+v err=%v", skills, err)
	}
}

func TestWebhookSubscriberEventFiltering(t *testing.T) {
	m := New()
	ctx := context.Background()

	m.SeedSubscriber(model.OutboundWebhookSubscriber{BotID: "bot-1", URL: "https://example.com/hook", EventFilter: []string{"message.sent"}})
	m.SeedSubscriber(model.OutboundWebhookSubscriber{BotID: "bot-1", URL: "https://example.com/all"})

	subs, err := m.ListSubscribers(ctx, "bot-1", "message.sent")
	if err != nil || len(subs) != 2 {
		t.Fatalf("expected both subscribers to match a subscribed event, got %+v err=%v", subs, err)
	}

	subs, err = m.ListSubscribers(ctx, "bot-1", "message.failed")
	if err != nil || len(subs) != 1 {
		t.Fatalf("expected only the wildcard subscriber to match, got %+v err=%v", subs, err)
	}
}

func TestKnowledgeChunksByFilename(t *testing.T) {
	m := New()
	ctx := context.Background()

	m.CreateKnowledgeChunk(ctx, model.KnowledgeChunk{BotID: "bot-1", Filename: "notes.txt", Content: "a"}, []float32{0.1, 0.2})
	m.CreateKnowledgeChunk(ctx, model.KnowledgeChunk{BotID: "bot-1", Filename: "other.txt", Content: "b"}, []float32{0.3, 0.4})

	chunks, vecs, err := m.ListKnowledgeChunks(ctx, "bot-1")
	if err != nil || len(chunks) != 2 || len(vecs) != 2 {
		t.Fatalf("expected 2 chunks with matching vectors, got %d/%d err=%v", len(chunks), len(vecs), err)
	}

	if err := m.DeleteKnowledgeChunksByFilename(ctx, "bot-1", "notes.txt"); err != nil {
		t.Fatalf("delete by filename: %v", err)
	}
	chunks, _, _ = m.ListKnowledgeChunks(ctx, "bot-1")
	if len(chunks) != 1 || chunks[0].Filename != "other.txt" {
		t.Fatalf("expected only other.txt to remain, got %+v", chunks)
	}
}
