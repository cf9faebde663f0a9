// Package memory is an in-memory Storer for local development and tests.
// Data does not survive process restarts; there is no migration story
// because there is no schema.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jhd3197/cachibot/internal/model"
)

// Memory implements internal/store.Storer entirely in process memory,
// guarded by a single mutex the way the teacher's map-backed store guards
// its tables.
type Memory struct {
	mu sync.RWMutex

	bots        map[string]model.Bot
	connections map[string]model.Connection

	botEnv      map[string]model.BotEnvironment      // botID/key -> entry
	platformEnv map[string]model.PlatformEnvironment // platform/key -> entry
	skillConfig map[string]model.SkillConfig         // botID/skillName -> entry
	audit       []model.AuditEntry

	chats    map[string]model.Chat
	messages []model.Message

	skills map[string]model.Skill // name -> skill

	subscribers map[string]model.OutboundWebhookSubscriber

	notes    map[string]model.Note
	contacts map[string]model.Contact
	chunks   map[string]model.KnowledgeChunk
	chunkVec map[string][]float32
}

// New builds an empty Memory store.
func New() *Memory {
	return &Memory{
		bots:        make(map[string]model.Bot),
		connections: make(map[string]model.Connection),
		botEnv:      make(map[string]model.BotEnvironment),
		platformEnv: make(map[string]model.PlatformEnvironment),
		skillConfig: make(map[string]model.SkillConfig),
		chats:       make(map[string]model.Chat),
		skills:      make(map[string]model.Skill),
		subscribers: make(map[string]model.OutboundWebhookSubscriber),
		notes:       make(map[string]model.Note),
		contacts:    make(map[string]model.Contact),
		chunks:      make(map[string]model.KnowledgeChunk),
		chunkVec:    make(map[string][]float32),
	}
}

func (m *Memory) Close() {}

// --- seeding helpers, outside the Storer contract ---
//
// There is no CreateBot/CreateSkill/CreateConnection in the Storer
// contract: bot, connection, and skill provisioning is an operator-facing
// concern the control plane's in-scope routes don't cover. A development
// backend still needs a way to get fixtures in, so these helpers poke the
// maps directly the way the teacher's in-memory store's callers did.

func (m *Memory) SeedBot(b model.Bot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	m.bots[b.ID] = b
}

func (m *Memory) SeedConnection(c model.Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[c.ID] = c
}

func (m *Memory) SeedSkill(s model.Skill) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	m.skills[s.Name] = s
}

// ─── BotStorer ───

func (m *Memory) GetBot(_ context.Context, id string) (*model.Bot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bots[id]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (m *Memory) ListConnections(_ context.Context, botID string) ([]model.Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []model.Connection
	for _, c := range m.connections {
		if c.BotID == botID {
			result = append(result, c)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].PlatformKind < result[j].PlatformKind })
	return result, nil
}

func (m *Memory) ListAllConnections(_ context.Context) ([]model.Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]model.Connection, 0, len(m.connections))
	for _, c := range m.connections {
		result = append(result, c)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].BotID != result[j].BotID {
			return result[i].BotID < result[j].BotID
		}
		return result[i].PlatformKind < result[j].PlatformKind
	})
	return result, nil
}

func (m *Memory) GetConnection(_ context.Context, id string) (*model.Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.connections[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (m *Memory) UpdateConnectionStatus(_ context.Context, id string, status model.ConnectionStatus, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.connections[id]
	if !ok {
		return nil
	}
	c.Status = status
	c.ErrorMessage = errMsg
	m.connections[id] = c
	return nil
}

func (m *Memory) ResetAllConnectionStatuses(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, c := range m.connections {
		c.Status = model.StatusDisconnected
		m.connections[id] = c
	}
	return nil
}

func (m *Memory) TouchConnection(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.connections[id]
	if !ok {
		return nil
	}
	now := time.Now().UTC()
	c.LastActivity = &now
	m.connections[id] = c
	return nil
}

// ─── ChatStorer ───

func (m *Memory) GetChatByPlatform(_ context.Context, botID, platformKind, platformChatID string) (*model.Chat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.chats {
		if c.BotID == botID && c.PlatformKind == platformKind && c.PlatformChatID == platformChatID {
			chat := c
			return &chat, nil
		}
	}
	return nil, nil
}

func (m *Memory) CreateChat(_ context.Context, chat model.Chat) (*model.Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if chat.ID == "" {
		chat.ID = ulid.Make().String()
	}
	now := time.Now().UTC()
	if chat.CreatedAt.IsZero() {
		chat.CreatedAt = now
	}
	chat.UpdatedAt = now
	m.chats[chat.ID] = chat
	return &chat, nil
}

func (m *Memory) TouchChat(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chats[id]
	if !ok {
		return nil
	}
	c.UpdatedAt = time.Now().UTC()
	m.chats[id] = c
	return nil
}

// ListRecentMessages returns the most recent limit messages for chatID,
// oldest first, matching the sqlite3 backend's ordering contract.
func (m *Memory) ListRecentMessages(_ context.Context, chatID string, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 10
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []model.Message
	for _, msg := range m.messages {
		if msg.ChatID == chatID {
			matched = append(matched, msg)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Timestamp.After(matched[j].Timestamp) })
	if len(matched) > limit {
		matched = matched[:limit]
	}
	for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
		matched[i], matched[j] = matched[j], matched[i]
	}
	return matched, nil
}

func (m *Memory) CreateMessage(_ context.Context, msg model.Message) (*model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	m.messages = append(m.messages, msg)
	return &msg, nil
}

// ─── SkillStorer ───

func (m *Memory) ListSkills(_ context.Context) ([]model.Skill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]model.Skill, 0, len(m.skills))
	for _, s := range m.skills {
		result = append(result, s)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (m *Memory) GetSkill(_ context.Context, name string) (*model.Skill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.skills[name]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

// ─── CredentialStorer ───

func botEnvKey(botID, key string) string        { return botID + "\x00" + key }
func platformEnvKey(p, key string) string       { return p + "\x00" + key }
func skillConfigKey(botID, skill string) string { return botID + "\x00" + skill }

func (m *Memory) ListBotEnvironment(_ context.Context, botID string) ([]model.BotEnvironment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []model.BotEnvironment
	for _, e := range m.botEnv {
		if e.BotID == botID {
			result = append(result, e)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	return result, nil
}

func (m *Memory) GetBotEnvironment(_ context.Context, botID, key string) (*model.BotEnvironment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.botEnv[botEnvKey(botID, key)]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (m *Memory) UpsertBotEnvironment(_ context.Context, entry model.BotEnvironment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := botEnvKey(entry.BotID, entry.Key)
	if existing, ok := m.botEnv[k]; ok && entry.ID == "" {
		entry.ID = existing.ID
	}
	if entry.ID == "" {
		entry.ID = ulid.Make().String()
	}
	entry.UpdatedAt = time.Now().UTC()
	m.botEnv[k] = entry
	return nil
}

func (m *Memory) DeleteBotEnvironment(_ context.Context, botID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.botEnv, botEnvKey(botID, key))
	return nil
}

func (m *Memory) ResetBotEnvironment(_ context.Context, botID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, e := range m.botEnv {
		if e.BotID == botID {
			delete(m.botEnv, k)
		}
	}
	return nil
}

func (m *Memory) ListAllBotEnvironment(_ context.Context) ([]model.BotEnvironment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]model.BotEnvironment, 0, len(m.botEnv))
	for _, e := range m.botEnv {
		result = append(result, e)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].BotID != result[j].BotID {
			return result[i].BotID < result[j].BotID
		}
		return result[i].Key < result[j].Key
	})
	return result, nil
}

func (m *Memory) ListAllPlatformEnvironment(_ context.Context) ([]model.PlatformEnvironment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]model.PlatformEnvironment, 0, len(m.platformEnv))
	for _, e := range m.platformEnv {
		result = append(result, e)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Platform != result[j].Platform {
			return result[i].Platform < result[j].Platform
		}
		return result[i].Key < result[j].Key
	})
	return result, nil
}

func (m *Memory) ListPlatformEnvironment(_ context.Context, platform string) ([]model.PlatformEnvironment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []model.PlatformEnvironment
	for _, e := range m.platformEnv {
		if e.Platform == platform {
			result = append(result, e)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	return result, nil
}

func (m *Memory) GetPlatformEnvironment(_ context.Context, platform, key string) (*model.PlatformEnvironment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.platformEnv[platformEnvKey(platform, key)]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (m *Memory) UpsertPlatformEnvironment(_ context.Context, entry model.PlatformEnvironment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := platformEnvKey(entry.Platform, entry.Key)
	if existing, ok := m.platformEnv[k]; ok && entry.ID == "" {
		entry.ID = existing.ID
	}
	if entry.ID == "" {
		entry.ID = ulid.Make().String()
	}
	entry.UpdatedAt = time.Now().UTC()
	m.platformEnv[k] = entry
	return nil
}

func (m *Memory) DeletePlatformEnvironment(_ context.Context, platform, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.platformEnv, platformEnvKey(platform, key))
	return nil
}

func (m *Memory) ListSkillConfigs(_ context.Context, botID string) ([]model.SkillConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []model.SkillConfig
	for _, c := range m.skillConfig {
		if c.BotID == botID {
			result = append(result, c)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].SkillName < result[j].SkillName })
	return result, nil
}

func (m *Memory) GetSkillConfig(_ context.Context, botID, skillName string) (*model.SkillConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.skillConfig[skillConfigKey(botID, skillName)]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (m *Memory) UpsertSkillConfig(_ context.Context, entry model.SkillConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := skillConfigKey(entry.BotID, entry.SkillName)
	if existing, ok := m.skillConfig[k]; ok && entry.ID == "" {
		entry.ID = existing.ID
	}
	if entry.ID == "" {
		entry.ID = ulid.Make().String()
	}
	entry.UpdatedAt = time.Now().UTC()
	m.skillConfig[k] = entry
	return nil
}

func (m *Memory) DeleteSkillConfig(_ context.Context, botID, skillName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.skillConfig, skillConfigKey(botID, skillName))
	return nil
}

// ─── AuditWriter ───

func (m *Memory) WriteAudit(_ context.Context, entry model.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry.ID == "" {
		entry.ID = ulid.Make().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	m.audit = append(m.audit, entry)
	return nil
}

func (m *Memory) ListAudit(_ context.Context, botID string, limit int) ([]model.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []model.AuditEntry
	for _, e := range m.audit {
		if botID == "" || e.BotID == botID {
			matched = append(matched, e)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Timestamp.After(matched[j].Timestamp) })
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// ─── WebhookSubscriberStorer ───

func (m *Memory) ListSubscribers(_ context.Context, botID, event string) ([]model.OutboundWebhookSubscriber, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []model.OutboundWebhookSubscriber
	for _, sub := range m.subscribers {
		if sub.BotID != botID {
			continue
		}
		if len(sub.EventFilter) == 0 || containsEvent(sub.EventFilter, event) {
			result = append(result, sub)
		}
	}
	return result, nil
}

func containsEvent(filter []string, event string) bool {
	for _, f := range filter {
		if f == event {
			return true
		}
	}
	return false
}

func (m *Memory) SeedSubscriber(sub model.OutboundWebhookSubscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub.ID == "" {
		sub.ID = ulid.Make().String()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	m.subscribers[sub.ID] = sub
}

func (m *Memory) RecordDeliverySuccess(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subscribers[id]
	if !ok {
		return nil
	}
	sub.FailureCount = 0
	now := time.Now().UTC()
	sub.LastTriggeredAt = &now
	m.subscribers[id] = sub
	return nil
}

func (m *Memory) RecordDeliveryFailure(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subscribers[id]
	if !ok {
		return nil
	}
	sub.FailureCount++
	now := time.Now().UTC()
	sub.LastTriggeredAt = &now
	m.subscribers[id] = sub
	return nil
}

// ─── KnowledgeStorer ───

func (m *Memory) ListNotes(_ context.Context, botID string) ([]model.Note, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []model.Note
	for _, n := range m.notes {
		if n.BotID == botID {
			result = append(result, n)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UpdatedAt.After(result[j].UpdatedAt) })
	return result, nil
}

func (m *Memory) CreateNote(_ context.Context, n model.Note) (*model.Note, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n.ID == "" {
		n.ID = ulid.Make().String()
	}
	if n.UpdatedAt.IsZero() {
		n.UpdatedAt = time.Now().UTC()
	}
	m.notes[n.ID] = n
	return &n, nil
}

func (m *Memory) DeleteNote(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.notes, id)
	return nil
}

func (m *Memory) ListContacts(_ context.Context, botID string) ([]model.Contact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []model.Contact
	for _, c := range m.contacts {
		if c.BotID == botID {
			result = append(result, c)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (m *Memory) CreateContact(_ context.Context, c model.Contact) (*model.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == "" {
		c.ID = ulid.Make().String()
	}
	m.contacts[c.ID] = c
	return &c, nil
}

func (m *Memory) DeleteContact(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.contacts, id)
	return nil
}

func (m *Memory) ListKnowledgeChunks(_ context.Context, botID string) ([]model.KnowledgeChunk, [][]float32, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var chunks []model.KnowledgeChunk
	var vectors [][]float32
	for id, c := range m.chunks {
		if c.BotID != botID {
			continue
		}
		chunks = append(chunks, c)
		vectors = append(vectors, m.chunkVec[id])
	}
	return chunks, vectors, nil
}

func (m *Memory) CreateKnowledgeChunk(_ context.Context, c model.KnowledgeChunk, embedding []float32) (*model.KnowledgeChunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == "" {
		c.ID = ulid.Make().String()
	}
	m.chunks[c.ID] = c
	m.chunkVec[c.ID] = embedding
	return &c, nil
}

func (m *Memory) DeleteKnowledgeChunksByFilename(_ context.Context, botID, filename string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, c := range m.chunks {
		if c.BotID == botID && c.Filename == filename {
			delete(m.chunks, id)
			delete(m.chunkVec, id)
		}
	}
	return nil
}
