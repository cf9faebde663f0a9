// Package model defines the persisted and transient entities shared across
// the credential store, configuration resolver, platform adapter manager,
// and message processing pipeline.
package model

import "time"

// PlatformKind enumerates the messaging platforms a Connection can target.
type PlatformKind string

const (
	PlatformTelegram PlatformKind = "telegram"
	PlatformDiscord  PlatformKind = "discord"
	PlatformWhatsApp PlatformKind = "whatsapp"
	PlatformLine     PlatformKind = "line"
	PlatformViber    PlatformKind = "viber"
	PlatformTeams    PlatformKind = "teams"
	PlatformCustom   PlatformKind = "custom"
)

// ConnectionStatus is a node in the adapter lifecycle state machine.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusError        ConnectionStatus = "error"
)

// Bot is owned by exactly one user; deleting it cascades to every row keyed
// by bot_id.
type Bot struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Model        string            `json:"model"`
	SystemPrompt string            `json:"system_prompt"`
	Capabilities BotCapabilities   `json:"capabilities"`
	Models       map[string]string `json:"models,omitempty"` // slot -> model_id
	OwnerUserID  string            `json:"owner_user_id"`
	CreatedAt    time.Time         `json:"created_at"`
}

// BotCapabilities toggles optional knowledge-context sections (§4.5).
type BotCapabilities struct {
	Contacts bool `json:"contacts"`
	Notes    bool `json:"notes"`
}

// Connection binds a Bot to one platform credential set. A bot may have at
// most one Connection per PlatformKind in the StatusConnected state.
type Connection struct {
	ID              string           `json:"id"`
	BotID           string           `json:"bot_id"`
	PlatformKind    PlatformKind     `json:"platform_kind"`
	DisplayName     string           `json:"display_name"`
	Status          ConnectionStatus `json:"status"`
	ConfigEncrypted EnvelopeDTO      `json:"config_encrypted"`
	MessageCount    int64            `json:"message_count"`
	LastActivity    *time.Time       `json:"last_activity,omitempty"`
	ErrorMessage    string           `json:"error_message,omitempty"`
	AutoConnect     bool             `json:"auto_connect"`
}

// EnvelopeDTO is the wire/storage shape of an envelope-encrypted blob:
// base64 ciphertext, nonce, and salt, matching internal/crypto.Envelope.
type EnvelopeDTO struct {
	Ciphertext string `json:"ciphertext"`
	Nonce      string `json:"nonce"`
	Salt       string `json:"salt"`
}

// CredentialSource distinguishes an operator-entered value from one the
// system wrote (e.g. during migration or an internal default).
type CredentialSource string

const (
	SourceUser   CredentialSource = "user"
	SourceSystem CredentialSource = "system"
)

// BotEnvironment is one encrypted per-bot credential/config entry.
type BotEnvironment struct {
	ID             string           `json:"id"`
	BotID          string           `json:"bot_id"`
	Key            string           `json:"key"`
	EncryptedValue EnvelopeDTO      `json:"encrypted_value"`
	Source         CredentialSource `json:"source"`
	UpdatedBy      string           `json:"updated_by"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// PlatformEnvironment is one encrypted per-platform credential/config entry.
type PlatformEnvironment struct {
	ID             string      `json:"id"`
	Platform       string      `json:"platform"`
	Key            string      `json:"key"`
	EncryptedValue EnvelopeDTO `json:"encrypted_value"`
	UpdatedBy      string      `json:"updated_by"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// SkillConfig is a non-secret, plaintext per-bot skill configuration blob.
type SkillConfig struct {
	ID         string    `json:"id"`
	BotID      string    `json:"bot_id"`
	SkillName  string    `json:"skill_name"`
	ConfigJSON string    `json:"config_json"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// AuditAction enumerates credential-store mutation kinds.
type AuditAction string

const (
	AuditCreate   AuditAction = "create"
	AuditUpdate   AuditAction = "update"
	AuditDelete   AuditAction = "delete"
	AuditResetAll AuditAction = "reset_all"
)

// AuditSource is the scope a credential mutation applied to.
type AuditSource string

const (
	AuditSourceBot      AuditSource = "bot"
	AuditSourcePlatform AuditSource = "platform"
	AuditSourceGlobal   AuditSource = "global"
)

// AuditEntry records a credential mutation. It never stores a raw value,
// only the masked preview produced by the redaction rule.
type AuditEntry struct {
	ID        string                 `json:"id"`
	BotID     string                 `json:"bot_id,omitempty"`
	UserID    string                 `json:"user_id,omitempty"`
	Action    AuditAction            `json:"action"`
	KeyName   string                 `json:"key_name"`
	Source    AuditSource            `json:"source"`
	IPAddress string                 `json:"ip_address,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Chat is one conversation thread for a bot, optionally bound to a platform
// chat. An archived chat silently drops inbound messages.
type Chat struct {
	ID             string    `json:"id"`
	BotID          string    `json:"bot_id"`
	Title          string    `json:"title"`
	PlatformKind   string    `json:"platform_kind,omitempty"`
	PlatformChatID string    `json:"platform_chat_id,omitempty"`
	Pinned         bool      `json:"pinned"`
	Archived       bool      `json:"archived"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// MessageRole identifies the speaker of a Message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// MediaDescriptor references media attached to a Message without carrying
// the raw bytes.
type MediaDescriptor struct {
	Type     string `json:"type"`
	Filename string `json:"filename"`
}

// MessageMetadata carries per-message observability data.
type MessageMetadata struct {
	Tokens           int64             `json:"tokens,omitempty"`
	PromptTokens     int64             `json:"promptTokens,omitempty"`
	CompletionTokens int64             `json:"completionTokens,omitempty"`
	Cost             float64           `json:"cost,omitempty"`
	ElapsedMs        int64             `json:"elapsedMs,omitempty"`
	TokensPerSecond  float64           `json:"tokensPerSecond,omitempty"`
	CallCount        int               `json:"callCount,omitempty"`
	Errors           []string          `json:"errors,omitempty"`
	Model            string            `json:"model,omitempty"`
	Platform         string            `json:"platform,omitempty"`
	ToolCalls        []ToolCallTrace   `json:"toolCalls,omitempty"`
	Media            []MediaDescriptor `json:"media,omitempty"`
}

// ToolCallTrace pairs a tool invocation with its result for the
// observability trace recorded in MessageMetadata (§4.6 step 12's
// {id, tool, args, result, success, startTime, endTime} projection).
type ToolCallTrace struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Args      string `json:"args,omitempty"`
	Result    string `json:"result,omitempty"`
	Success   bool   `json:"success"`
	Truncated bool   `json:"truncated,omitempty"`
	StartTime int64  `json:"startTime"` // unix millis
	EndTime   int64  `json:"endTime"`   // unix millis
}

// Message is one turn in a Chat.
type Message struct {
	ID        string          `json:"id"`
	BotID     string          `json:"bot_id"`
	ChatID    string          `json:"chat_id"`
	Role      MessageRole     `json:"role"`
	Content   string          `json:"content"`
	ReplyToID string          `json:"reply_to_id,omitempty"`
	Metadata  MessageMetadata `json:"metadata"`
	Timestamp time.Time       `json:"timestamp"`
}

// Skill is a named, reusable capability definition. SkillConfig above is
// the per-bot *configuration* of a Skill; this is the *definition* the
// knowledge builder and agent tool loop read.
type Skill struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	Instructions string    `json:"instructions"`
	JSHandler    string    `json:"js_handler,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Note is a bot-scoped knowledge snippet surfaced by the context builder's
// notes section (§4.5 item 3): ranked by text match against the inbound
// message, then by recency, and truncated to 500 chars when rendered.
type Note struct {
	ID        string    `json:"id"`
	BotID     string    `json:"bot_id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Tags      []string  `json:"tags,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Contact is a bot-scoped address-book entry, rendered as a bulleted
// `name: details` line when the owning bot has BotCapabilities.Contacts set
// (§4.5 item 4).
type Contact struct {
	ID      string `json:"id"`
	BotID   string `json:"bot_id"`
	Name    string `json:"name"`
	Details string `json:"details"`
}

// KnowledgeChunk is one retrieved passage from the vector search backend,
// rendered as `[From: <filename>]\n<content>` when its Score clears the
// similarity threshold (§4.5 item 5).
type KnowledgeChunk struct {
	ID       string  `json:"id"`
	BotID    string  `json:"bot_id"`
	Filename string  `json:"filename"`
	Content  string  `json:"content"`
	Score    float64 `json:"score"`
}

// OutboundWebhookSubscriber is a registered receiver for outbound bot
// events (§4.7).
type OutboundWebhookSubscriber struct {
	ID              string     `json:"id"`
	BotID           string     `json:"bot_id"`
	URL             string     `json:"url"`
	EventFilter     []string   `json:"event_filter,omitempty"`
	Secret          string     `json:"secret,omitempty"`
	FailureCount    int        `json:"failure_count"`
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}
