// Package store is the durable state for mailwarden: per-account watermarks,
// OAuth credentials, and the classification-event outbox.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/veldt-labs/mailwarden/internal/auth"
)

//go:embed schema.sql
var schemaSQL string

type Store struct {
	db *sql.DB
}

// OutboxMessage is a pending classification event awaiting publication.
type OutboxMessage struct {
	ID      int64
	Subject string
	Payload []byte
	MsgID   string
}

// ClassificationEvent records one label applied to one message.
type ClassificationEvent struct {
	Account   string `json:"account"`
	MessageID string `json:"message_id"`
	Label     string `json:"label"`
	Detail    string `json:"detail,omitempty"`
}

// Open opens (or creates) the database under dataDir and applies the schema.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "mailwarden.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Watermark returns the stored history position for the account. ok is false
// when no watermark has ever been written.
func (s *Store) Watermark(ctx context.Context, account string) (historyID uint64, ok bool, err error) {
	var id int64
	err = s.db.QueryRowContext(ctx, `
		SELECT history_id FROM watermarks WHERE account = ?
	`, account).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("load watermark: %w", err)
	}
	return uint64(id), true, nil
}

// SaveWatermark advances the account's watermark. A write with a smaller
// history id than the stored one is silently skipped: the watermark is
// non-decreasing per account.
func (s *Store) SaveWatermark(ctx context.Context, account string, historyID uint64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO watermarks (account, history_id, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(account) DO UPDATE SET
			history_id = excluded.history_id,
			updated_at = excluded.updated_at
		WHERE excluded.history_id >= watermarks.history_id
	`, account, int64(historyID), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("save watermark: %w", err)
	}
	return nil
}

// Credential loads the stored credential; nil with nil error means absent.
func (s *Store) Credential(ctx context.Context, account string) (*auth.Token, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `
		SELECT token_json FROM credentials WHERE account = ?
	`, account).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load credential: %w", err)
	}
	tok := &auth.Token{}
	if err := json.Unmarshal([]byte(raw), tok); err != nil {
		return nil, fmt.Errorf("decode credential: %w", err)
	}
	return tok, nil
}

func (s *Store) SaveCredential(ctx context.Context, account string, tok *auth.Token) error {
	raw, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encode credential: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO credentials (account, token_json, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(account) DO UPDATE SET
			token_json = excluded.token_json,
			updated_at = excluded.updated_at
	`, account, string(raw), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	return nil
}

func (s *Store) DeleteCredential(ctx context.Context, account string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE account = ?`, account)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}

// AppendClassificationEvent records an applied label and queues it on the
// outbox in one transaction. Replays of the same (account, message, label)
// are ignored, so at-least-once processing never double-publishes.
func (s *Store) AppendClassificationEvent(ctx context.Context, eventID, subject string, ev ClassificationEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO classification_events (event_id, ts, account, message_id, label, detail)
		VALUES (?, ?, ?, ?, ?, ?)
	`, eventID, now, ev.Account, ev.MessageID, ev.Label, ev.Detail)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Duplicate delivery; nothing new to publish.
		return nil
	}

	msgID := fmt.Sprintf("message.classified|%s|%s|%s", ev.Account, ev.MessageID, ev.Label)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, now, subject, "message.classified", payload, msgID, now)
	if err != nil {
		return fmt.Errorf("insert outbox entry: %w", err)
	}
	return tx.Commit()
}

// DequeueOutbox fetches unpublished messages that are due.
func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]OutboxMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, subject, payload, msg_id
		FROM outbox
		WHERE published_at IS NULL
		  AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?
	`, time.Now().Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var messages []OutboxMessage
	for rows.Next() {
		var msg OutboxMessage
		if err := rows.Scan(&msg.ID, &msg.Subject, &msg.Payload, &msg.MsgID); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET published_at = ? WHERE id = ?
	`, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("mark published: %w", err)
	}
	return nil
}

func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox
		SET retries = retries + 1,
		    next_attempt_at = ?
		WHERE id = ?
	`, time.Now().Add(backoff).Unix(), id)
	if err != nil {
		return fmt.Errorf("mark retry: %w", err)
	}
	return nil
}
