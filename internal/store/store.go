// Package store defines the persistence contracts the credential store,
// configuration resolver, and message processing pipeline depend on, and
// selects a concrete sqlite3 or postgres backend at startup.
package store

import (
	"context"
	"errors"

	"github.com/jhd3197/cachibot/internal/config"
	"github.com/jhd3197/cachibot/internal/model"
	"github.com/jhd3197/cachibot/internal/store/memory"
	"github.com/jhd3197/cachibot/internal/store/postgres"
	"github.com/jhd3197/cachibot/internal/store/sqlite3"
)

// CredentialStorer is CRUD keyed by (scope, key) where scope is one of
// {global, platform:<p>, bot:<id>}. Writes are upserts; on update the prior
// ciphertext is replaced entirely — history lives only in the audit log.
type CredentialStorer interface {
	ListBotEnvironment(ctx context.Context, botID string) ([]model.BotEnvironment, error)
	GetBotEnvironment(ctx context.Context, botID, key string) (*model.BotEnvironment, error)
	UpsertBotEnvironment(ctx context.Context, entry model.BotEnvironment) error
	DeleteBotEnvironment(ctx context.Context, botID, key string) error
	ResetBotEnvironment(ctx context.Context, botID string) error

	ListPlatformEnvironment(ctx context.Context, platform string) ([]model.PlatformEnvironment, error)
	GetPlatformEnvironment(ctx context.Context, platform, key string) (*model.PlatformEnvironment, error)
	UpsertPlatformEnvironment(ctx context.Context, entry model.PlatformEnvironment) error
	DeletePlatformEnvironment(ctx context.Context, platform, key string) error

	// ListAllBotEnvironment and ListAllPlatformEnvironment return every row
	// across every bot/platform, unscoped. Used only by master-key rotation,
	// which must re-encrypt every credential row in the store under the new
	// key in one sweep.
	ListAllBotEnvironment(ctx context.Context) ([]model.BotEnvironment, error)
	ListAllPlatformEnvironment(ctx context.Context) ([]model.PlatformEnvironment, error)

	ListSkillConfigs(ctx context.Context, botID string) ([]model.SkillConfig, error)
	GetSkillConfig(ctx context.Context, botID, skillName string) (*model.SkillConfig, error)
	UpsertSkillConfig(ctx context.Context, entry model.SkillConfig) error
	DeleteSkillConfig(ctx context.Context, botID, skillName string) error
}

// AuditWriter appends one AuditEntry per credential mutation. Callers treat
// a write failure as non-fatal (log a warning, never fail the mutation).
type AuditWriter interface {
	WriteAudit(ctx context.Context, entry model.AuditEntry) error
	ListAudit(ctx context.Context, botID string, limit int) ([]model.AuditEntry, error)
}

// BotStorer exposes Bot and Connection CRUD.
type BotStorer interface {
	GetBot(ctx context.Context, id string) (*model.Bot, error)
	ListConnections(ctx context.Context, botID string) ([]model.Connection, error)
	ListAllConnections(ctx context.Context) ([]model.Connection, error)
	GetConnection(ctx context.Context, id string) (*model.Connection, error)
	UpdateConnectionStatus(ctx context.Context, id string, status model.ConnectionStatus, errMsg string) error
	ResetAllConnectionStatuses(ctx context.Context) error
	TouchConnection(ctx context.Context, id string) error
}

// ChatStorer exposes Chat and Message CRUD.
type ChatStorer interface {
	GetChatByPlatform(ctx context.Context, botID, platformKind, platformChatID string) (*model.Chat, error)
	CreateChat(ctx context.Context, chat model.Chat) (*model.Chat, error)
	TouchChat(ctx context.Context, id string) error
	ListRecentMessages(ctx context.Context, chatID string, limit int) ([]model.Message, error)
	CreateMessage(ctx context.Context, msg model.Message) (*model.Message, error)
}

// SkillStorer exposes Skill definition CRUD, consumed by the knowledge
// context builder and agent tool loop.
type SkillStorer interface {
	ListSkills(ctx context.Context) ([]model.Skill, error)
	GetSkill(ctx context.Context, name string) (*model.Skill, error)
}

// WebhookSubscriberStorer exposes OutboundWebhookSubscriber CRUD for the
// outbound webhook dispatcher.
type WebhookSubscriberStorer interface {
	ListSubscribers(ctx context.Context, botID, event string) ([]model.OutboundWebhookSubscriber, error)
	RecordDeliverySuccess(ctx context.Context, id string) error
	RecordDeliveryFailure(ctx context.Context, id string) error
}

// KnowledgeStorer exposes Note, Contact, and KnowledgeChunk CRUD consumed
// by the knowledge context builder (§4.5).
type KnowledgeStorer interface {
	ListNotes(ctx context.Context, botID string) ([]model.Note, error)
	CreateNote(ctx context.Context, n model.Note) (*model.Note, error)
	DeleteNote(ctx context.Context, id string) error

	ListContacts(ctx context.Context, botID string) ([]model.Contact, error)
	CreateContact(ctx context.Context, c model.Contact) (*model.Contact, error)
	DeleteContact(ctx context.Context, id string) error

	ListKnowledgeChunks(ctx context.Context, botID string) ([]model.KnowledgeChunk, [][]float32, error)
	CreateKnowledgeChunk(ctx context.Context, c model.KnowledgeChunk, embedding []float32) (*model.KnowledgeChunk, error)
	DeleteKnowledgeChunksByFilename(ctx context.Context, botID, filename string) error
}

// Storer is the full persistence surface the core subsystems depend on.
type Storer interface {
	CredentialStorer
	AuditWriter
	BotStorer
	ChatStorer
	SkillStorer
	WebhookSubscriberStorer
	KnowledgeStorer
	Close()
}

// New selects sqlite3 or postgres based on cfg, preferring sqlite3 as the
// zero-config local default per the control-plane's documented behavior.
func New(ctx context.Context, cfg config.Store) (Storer, error) {
	if cfg.Memory {
		return memory.New(), nil
	}
	if cfg.Postgres != nil {
		return postgres.New(ctx, cfg.Postgres)
	}
	if cfg.SQLite != nil {
		return sqlite3.New(ctx, cfg.SQLite)
	}
	return nil, errors.New("store: no backend configured")
}

// compile-time interface checks
var (
	_ Storer = (*memory.Memory)(nil)
)
