// Package credential implements the business logic on top of
// internal/store's (scope,key) credential tables: envelope
// encryption/decryption via internal/crypto, masked-preview listing via
// internal/redact, and best-effort audit logging, per spec.md §4.2.
package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jhd3197/cachibot/internal/crypto"
	"github.com/jhd3197/cachibot/internal/model"
	"github.com/jhd3197/cachibot/internal/redact"
	"github.com/jhd3197/cachibot/internal/store"
)

// ErrNotFound is returned by Get when no row matches (scope,key).
var ErrNotFound = errors.New("credential: not found")

// ScopeKind is one of the three addressable credential scopes.
type ScopeKind string

const (
	ScopeGlobal   ScopeKind = "global"
	ScopePlatform ScopeKind = "platform"
	ScopeBot      ScopeKind = "bot"
)

// globalPlatformKey is the reserved PlatformEnvironment.Platform value used
// to back global-scoped entries; spec.md §3 defines no separate global
// table, so the global scope reuses the platform-scoped one under this key.
const globalPlatformKey = "global"

// Scope addresses one (scope,key) credential namespace.
type Scope struct {
	Kind     ScopeKind
	BotID    string // set when Kind == ScopeBot
	Platform string // set when Kind == ScopePlatform
}

// BotScope addresses a bot-scoped credential.
func BotScope(botID string) Scope { return Scope{Kind: ScopeBot, BotID: botID} }

// PlatformScope addresses a platform-scoped credential.
func PlatformScope(platform string) Scope { return Scope{Kind: ScopePlatform, Platform: platform} }

// GlobalScope addresses the global credential namespace.
func GlobalScope() Scope { return Scope{Kind: ScopeGlobal} }

func (s Scope) platformKey() string {
	if s.Kind == ScopeGlobal {
		return globalPlatformKey
	}
	return s.Platform
}

func (s Scope) auditSource() model.AuditSource {
	switch s.Kind {
	case ScopeBot:
		return model.AuditSourceBot
	case ScopeGlobal:
		return model.AuditSourceGlobal
	default:
		return model.AuditSourcePlatform
	}
}

// Entry is a listing row: Value holds a masked preview, never plaintext.
type Entry struct {
	Scope     Scope
	Key       string
	Value     string
	Source    model.CredentialSource
	UpdatedBy string
	UpdatedAt time.Time
}

// Store implements the credential store's CRUD and listing contract on top
// of a store.CredentialStorer, encrypting/decrypting through masterKey and
// writing a best-effort audit trail through audit.
type Store struct {
	storer store.CredentialStorer
	audit  store.AuditWriter

	keyMu     sync.RWMutex
	masterKey []byte
}

func New(storer store.CredentialStorer, audit store.AuditWriter, masterKey []byte) *Store {
	return &Store{storer: storer, audit: audit, masterKey: masterKey}
}

func (s *Store) currentKey() []byte {
	s.keyMu.RLock()
	defer s.keyMu.RUnlock()
	return s.masterKey
}

// SetMasterKey swaps the in-memory master key without touching any stored
// ciphertext. Used by a peer instance that receives a rotated key over the
// cluster broadcast after the originating instance has already rewritten
// every row under the new key.
func (s *Store) SetMasterKey(newKey []byte) {
	s.keyMu.Lock()
	defer s.keyMu.Unlock()
	s.masterKey = newKey
}

// RotateMasterKey re-encrypts every BotEnvironment and PlatformEnvironment
// row under newKey and then switches the in-memory key over. Rows that fail
// to decrypt under the current key are skipped with a warning (matching
// List/ResolveAll's per-row failure isolation) rather than aborting the
// sweep; a partial sweep still leaves every successfully-rotated row
// readable, whereas aborting would leave the whole store undecryptable.
func (s *Store) RotateMasterKey(ctx context.Context, newKey []byte) error {
	oldKey := s.currentKey()

	botRows, err := s.storer.ListAllBotEnvironment(ctx)
	if err != nil {
		return fmt.Errorf("credential: rotate: list bot environment: %w", err)
	}
	platformRows, err := s.storer.ListAllPlatformEnvironment(ctx)
	if err != nil {
		return fmt.Errorf("credential: rotate: list platform environment: %w", err)
	}

	for _, row := range botRows {
		plaintext, err := decryptWith(oldKey, row.BotID, row.EncryptedValue)
		if err != nil {
			slog.Warn("credential: rotate: skipping bot env row that failed to decrypt under current key", "bot_id", row.BotID, "key", row.Key, "error", err)
			continue
		}
		enc, err := encryptWith(newKey, row.BotID, plaintext)
		if err != nil {
			return fmt.Errorf("credential: rotate: re-encrypt bot env %s/%s: %w", row.BotID, row.Key, err)
		}
		row.EncryptedValue = enc
		if err := s.storer.UpsertBotEnvironment(ctx, row); err != nil {
			return fmt.Errorf("credential: rotate: persist bot env %s/%s: %w", row.BotID, row.Key, err)
		}
	}

	for _, row := range platformRows {
		plaintext, err := decryptWith(oldKey, "", row.EncryptedValue)
		if err != nil {
			slog.Warn("credential: rotate: skipping platform env row that failed to decrypt under current key", "platform", row.Platform, "key", row.Key, "error", err)
			continue
		}
		enc, err := encryptWith(newKey, "", plaintext)
		if err != nil {
			return fmt.Errorf("credential: rotate: re-encrypt platform env %s/%s: %w", row.Platform, row.Key, err)
		}
		row.EncryptedValue = enc
		if err := s.storer.UpsertPlatformEnvironment(ctx, row); err != nil {
			return fmt.Errorf("credential: rotate: persist platform env %s/%s: %w", row.Platform, row.Key, err)
		}
	}

	s.SetMasterKey(newKey)
	slog.Info("credential: master key rotated", "bot_rows", len(botRows), "platform_rows", len(platformRows))
	return nil
}

// Get decrypts and returns the plaintext value for (scope,key).
func (s *Store) Get(ctx context.Context, scope Scope, key string) (string, error) {
	switch scope.Kind {
	case ScopeBot:
		row, err := s.storer.GetBotEnvironment(ctx, scope.BotID, key)
		if err != nil {
			return "", fmt.Errorf("credential: get bot env %s/%s: %w", scope.BotID, key, err)
		}
		if row == nil {
			return "", ErrNotFound
		}
		return s.decrypt(scope.BotID, row.EncryptedValue)
	case ScopePlatform, ScopeGlobal:
		row, err := s.storer.GetPlatformEnvironment(ctx, scope.platformKey(), key)
		if err != nil {
			return "", fmt.Errorf("credential: get platform env %s/%s: %w", scope.platformKey(), key, err)
		}
		if row == nil {
			return "", ErrNotFound
		}
		return s.decrypt("", row.EncryptedValue)
	default:
		return "", fmt.Errorf("credential: unknown scope kind %q", scope.Kind)
	}
}

// List returns masked previews for every key under scope. A row whose
// decryption fails degrades to a "****" preview and logs a warning tagged
// with the row's key, rather than aborting the listing (spec.md §4.2).
func (s *Store) List(ctx context.Context, scope Scope) ([]Entry, error) {
	switch scope.Kind {
	case ScopeBot:
		rows, err := s.storer.ListBotEnvironment(ctx, scope.BotID)
		if err != nil {
			return nil, fmt.Errorf("credential: list bot env %s: %w", scope.BotID, err)
		}
		entries := make([]Entry, 0, len(rows))
		for _, row := range rows {
			entries = append(entries, Entry{
				Scope:     scope,
				Key:       row.Key,
				Value:     s.preview(scope.BotID, row.Key, row.EncryptedValue),
				Source:    row.Source,
				UpdatedBy: row.UpdatedBy,
				UpdatedAt: row.UpdatedAt,
			})
		}
		return entries, nil
	case ScopePlatform, ScopeGlobal:
		rows, err := s.storer.ListPlatformEnvironment(ctx, scope.platformKey())
		if err != nil {
			return nil, fmt.Errorf("credential: list platform env %s: %w", scope.platformKey(), err)
		}
		entries := make([]Entry, 0, len(rows))
		for _, row := range rows {
			entries = append(entries, Entry{
				Scope:     scope,
				Key:       row.Key,
				Value:     s.preview("", row.Key, row.EncryptedValue),
				UpdatedBy: row.UpdatedBy,
				UpdatedAt: row.UpdatedAt,
			})
		}
		return entries, nil
	default:
		return nil, fmt.Errorf("credential: unknown scope kind %q", scope.Kind)
	}
}

// ResolveAll returns every decrypted (key,value) pair under scope, for the
// configuration resolver's Platform and Bot layers. A row whose decryption
// fails is skipped with a warning rather than aborting the whole layer,
// mirroring List's per-row failure isolation.
func (s *Store) ResolveAll(ctx context.Context, scope Scope) (map[string]string, error) {
	switch scope.Kind {
	case ScopeBot:
		rows, err := s.storer.ListBotEnvironment(ctx, scope.BotID)
		if err != nil {
			return nil, fmt.Errorf("credential: resolve bot env %s: %w", scope.BotID, err)
		}
		out := make(map[string]string, len(rows))
		for _, row := range rows {
			plaintext, err := s.decrypt(scope.BotID, row.EncryptedValue)
			if err != nil {
				slog.Warn("credential: decrypt failed during resolve, skipping key", "bot_id", scope.BotID, "key", row.Key, "error", err)
				continue
			}
			out[row.Key] = plaintext
		}
		return out, nil
	case ScopePlatform, ScopeGlobal:
		rows, err := s.storer.ListPlatformEnvironment(ctx, scope.platformKey())
		if err != nil {
			return nil, fmt.Errorf("credential: resolve platform env %s: %w", scope.platformKey(), err)
		}
		out := make(map[string]string, len(rows))
		for _, row := range rows {
			plaintext, err := s.decrypt("", row.EncryptedValue)
			if err != nil {
				slog.Warn("credential: decrypt failed during resolve, skipping key", "platform", scope.platformKey(), "key", row.Key, "error", err)
				continue
			}
			out[row.Key] = plaintext
		}
		return out, nil
	default:
		return nil, fmt.Errorf("credential: unknown scope kind %q", scope.Kind)
	}
}

// Upsert encrypts value and writes it under (scope,key), replacing any
// prior ciphertext entirely (no versioning — history lives in the audit
// log), then writes one best-effort audit entry.
func (s *Store) Upsert(ctx context.Context, scope Scope, key, value, userID string) error {
	now := time.Now().UTC()

	switch scope.Kind {
	case ScopeBot:
		existing, err := s.storer.GetBotEnvironment(ctx, scope.BotID, key)
		if err != nil {
			return fmt.Errorf("credential: check existing bot env: %w", err)
		}
		enc, err := s.encrypt(scope.BotID, value)
		if err != nil {
			return err
		}
		entry := model.BotEnvironment{
			BotID:          scope.BotID,
			Key:            key,
			EncryptedValue: enc,
			Source:         model.SourceUser,
			UpdatedBy:      userID,
			UpdatedAt:      now,
		}
		if existing != nil {
			entry.ID = existing.ID
		}
		if err := s.storer.UpsertBotEnvironment(ctx, entry); err != nil {
			return fmt.Errorf("credential: upsert bot env %s/%s: %w", scope.BotID, key, err)
		}
		s.writeAudit(ctx, auditAction(existing != nil), scope, key, userID, value, now)
		return nil
	case ScopePlatform, ScopeGlobal:
		platform := scope.platformKey()
		existing, err := s.storer.GetPlatformEnvironment(ctx, platform, key)
		if err != nil {
			return fmt.Errorf("credential: check existing platform env: %w", err)
		}
		enc, err := s.encrypt("", value)
		if err != nil {
			return err
		}
		entry := model.PlatformEnvironment{
			Platform:       platform,
			Key:            key,
			EncryptedValue: enc,
			UpdatedBy:      userID,
			UpdatedAt:      now,
		}
		if existing != nil {
			entry.ID = existing.ID
		}
		if err := s.storer.UpsertPlatformEnvironment(ctx, entry); err != nil {
			return fmt.Errorf("credential: upsert platform env %s/%s: %w", platform, key, err)
		}
		s.writeAudit(ctx, auditAction(existing != nil), scope, key, userID, value, now)
		return nil
	default:
		return fmt.Errorf("credential: unknown scope kind %q", scope.Kind)
	}
}

// Delete removes (scope,key) and writes a best-effort audit entry.
func (s *Store) Delete(ctx context.Context, scope Scope, key, userID string) error {
	switch scope.Kind {
	case ScopeBot:
		if err := s.storer.DeleteBotEnvironment(ctx, scope.BotID, key); err != nil {
			return fmt.Errorf("credential: delete bot env %s/%s: %w", scope.BotID, key, err)
		}
	case ScopePlatform, ScopeGlobal:
		if err := s.storer.DeletePlatformEnvironment(ctx, scope.platformKey(), key); err != nil {
			return fmt.Errorf("credential: delete platform env %s/%s: %w", scope.platformKey(), key, err)
		}
	default:
		return fmt.Errorf("credential: unknown scope kind %q", scope.Kind)
	}

	s.writeAudit(ctx, model.AuditDelete, scope, key, userID, "", time.Now().UTC())
	return nil
}

// ResetBotEnvironment deletes every BotEnvironment row for botID in one
// operation, recording a single reset_all audit entry.
func (s *Store) ResetBotEnvironment(ctx context.Context, botID, userID string) error {
	if err := s.storer.ResetBotEnvironment(ctx, botID); err != nil {
		return fmt.Errorf("credential: reset bot env %s: %w", botID, err)
	}
	s.writeAudit(ctx, model.AuditResetAll, BotScope(botID), "", userID, "", time.Now().UTC())
	return nil
}

func auditAction(existed bool) model.AuditAction {
	if existed {
		return model.AuditUpdate
	}
	return model.AuditCreate
}

func (s *Store) writeAudit(ctx context.Context, action model.AuditAction, scope Scope, key, userID, value string, at time.Time) {
	if s.audit == nil {
		return
	}

	entry := model.AuditEntry{
		Action:    action,
		KeyName:   key,
		Source:    scope.auditSource(),
		UserID:    userID,
		Timestamp: at,
	}
	if scope.Kind == ScopeBot {
		entry.BotID = scope.BotID
	}
	if value != "" {
		entry.Details = map[string]interface{}{"preview": redact.Preview(value)}
	}

	if err := s.audit.WriteAudit(ctx, entry); err != nil {
		slog.Warn("credential: failed to write audit entry", "action", action, "key", key, "error", err)
	}
}

func (s *Store) preview(botID, key string, env model.EnvelopeDTO) string {
	plaintext, err := s.decrypt(botID, env)
	if err != nil {
		slog.Warn("credential: decrypt failed during list, masking row", "key", key, "error", err)
		return "****"
	}
	if looksLikeURL(key) {
		return redact.PreviewURL(plaintext)
	}
	return redact.Preview(plaintext)
}

func looksLikeURL(key string) bool {
	return strings.Contains(strings.ToLower(key), "url") || strings.Contains(strings.ToLower(key), "endpoint")
}

func (s *Store) encrypt(botID, plaintext string) (model.EnvelopeDTO, error) {
	return encryptWith(s.currentKey(), botID, plaintext)
}

func (s *Store) decrypt(botID string, env model.EnvelopeDTO) (string, error) {
	return decryptWith(s.currentKey(), botID, env)
}

func encryptWith(masterKey []byte, botID, plaintext string) (model.EnvelopeDTO, error) {
	enc, err := crypto.EncryptValue(masterKey, botID, plaintext)
	if err != nil {
		return model.EnvelopeDTO{}, fmt.Errorf("credential: encrypt: %w", err)
	}
	return model.EnvelopeDTO{Ciphertext: enc.Ciphertext, Nonce: enc.Nonce, Salt: enc.Salt}, nil
}

func decryptWith(masterKey []byte, botID string, env model.EnvelopeDTO) (string, error) {
	plaintext, err := crypto.DecryptValue(masterKey, botID, &crypto.EncodedEnvelope{
		Ciphertext: env.Ciphertext,
		Nonce:      env.Nonce,
		Salt:       env.Salt,
	})
	if err != nil {
		return "", fmt.Errorf("credential: decrypt: %w", err)
	}
	return plaintext, nil
}
