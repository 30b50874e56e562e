/*
 * Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
 *
 * WSO2 LLC. licenses this file to you under the Apache License,
 * Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

// Package outbox persists undelivered outbound envelopes in SQLite so that
// a restarted client can resume with its queue intact.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/wso2/api-platform/realtime/pkg/protocol"
	"go.uber.org/zap"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS outbox (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	client TEXT NOT NULL,
	type TEXT NOT NULL,
	body TEXT NOT NULL,
	queued_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_outbox_client_seq ON outbox(client, seq);
`

// insertBatchSize keeps each multi-row INSERT under SQLite's bound
// parameter limit (4 parameters per row, 999 on older builds)
const insertBatchSize = 200

type entryRow struct {
	Seq      int64     `db:"seq"`
	Client   string    `db:"client"`
	Type     string    `db:"type"`
	Body     string    `db:"body"`
	QueuedAt time.Time `db:"queued_at"`
}

// Store is a SQLite-backed outbox
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// Open opens or creates the outbox database at path
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", path)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open outbox database: %w", err)
	}

	// Single writer avoids "database is locked" errors
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize outbox schema: %w", err)
	}

	logger.Info("Outbox storage initialized", zap.String("database_path", path))
	return s, nil
}

func (s *Store) initSchema() error {
	var version int
	if err := s.db.Get(&version, "PRAGMA user_version"); err != nil {
		return fmt.Errorf("failed to query schema version: %w", err)
	}
	if version >= 1 {
		return nil
	}

	if _, err := s.db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	if _, err := s.db.Exec("PRAGMA user_version = 1"); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	s.logger.Info("Outbox schema initialized (version 1)")
	return nil
}

// Save replaces the stored entries for client with entries, in order
func (s *Store) Save(ctx context.Context, client string, entries []*protocol.Envelope) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin outbox transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM outbox WHERE client = ?", client); err != nil {
		return fmt.Errorf("failed to clear outbox: %w", err)
	}

	if len(entries) > 0 {
		now := time.Now().UTC()
		rows := make([]entryRow, 0, len(entries))
		for _, env := range entries {
			body, err := json.Marshal(env)
			if err != nil {
				return fmt.Errorf("failed to encode %q for outbox: %w", env.Type, err)
			}
			rows = append(rows, entryRow{Client: client, Type: env.Type, Body: string(body), QueuedAt: now})
		}

		for start := 0; start < len(rows); start += insertBatchSize {
			end := min(start+insertBatchSize, len(rows))
			if _, err := tx.NamedExecContext(ctx,
				`INSERT INTO outbox (client, type, body, queued_at) VALUES (:client, :type, :body, :queued_at)`,
				rows[start:end]); err != nil {
				return fmt.Errorf("failed to write outbox rows %d-%d: %w", start, end-1, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit outbox: %w", err)
	}

	s.logger.Debug("Outbox saved", zap.String("client", client), zap.Int("entries", len(entries)))
	return nil
}

// Load returns the stored entries for client in their original order.
// Rows that no longer parse are skipped.
func (s *Store) Load(ctx context.Context, client string) ([]*protocol.Envelope, error) {
	var rows []entryRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT seq, client, type, body, queued_at FROM outbox WHERE client = ? ORDER BY seq`, client); err != nil {
		return nil, fmt.Errorf("failed to read outbox: %w", err)
	}

	out := make([]*protocol.Envelope, 0, len(rows))
	for _, r := range rows {
		env, err := protocol.Parse([]byte(r.Body))
		if err != nil {
			s.logger.Warn("Skipping unreadable outbox entry",
				zap.Int64("seq", r.Seq),
				zap.String("type", r.Type),
				zap.Error(err),
			)
			continue
		}
		out = append(out, env)
	}
	return out, nil
}

// Count returns the number of stored entries for client
func (s *Store) Count(ctx context.Context, client string) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM outbox WHERE client = ?", client); err != nil {
		return 0, fmt.Errorf("failed to count outbox: %w", err)
	}
	return n, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}
