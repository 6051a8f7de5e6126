package chatstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"tontoo/internal/models"
)

// SQLBackend stores each conversation as one row with its turns as JSON.
type SQLBackend struct {
	db *sql.DB
}

func NewSQLBackend(db *sql.DB) *SQLBackend {
	return &SQLBackend{db: db}
}

func (b *SQLBackend) Get(ctx context.Context, userID int64, id string) (*models.Conversation, error) {
	var (
		conv  models.Conversation
		turns string
	)
	err := b.db.QueryRowContext(ctx,
		`SELECT id, user_id, name, turns, created_at, updated_at FROM conversations WHERE user_id = ? AND id = ?`,
		userID, id,
	).Scan(&conv.ID, &conv.UserID, &conv.Name, &turns, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	if err := json.Unmarshal([]byte(turns), &conv.Turns); err != nil {
		return nil, fmt.Errorf("decode turns: %w", err)
	}
	if conv.Turns == nil {
		conv.Turns = []models.Turn{}
	}
	return &conv, nil
}

// Put inserts or replaces the whole document.
func (b *SQLBackend) Put(ctx context.Context, conv *models.Conversation) error {
	if conv == nil || conv.UserID <= 0 || conv.ID == "" {
		return errors.New("conversation user and id are required")
	}
	turns := conv.Turns
	if turns == nil {
		turns = []models.Turn{}
	}
	data, err := json.Marshal(turns)
	if err != nil {
		return fmt.Errorf("encode turns: %w", err)
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin put: %w", err)
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM conversations WHERE user_id = ? AND id = ?)`,
		conv.UserID, conv.ID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("check conversation: %w", err)
	}
	if exists {
		_, err = tx.ExecContext(ctx,
			`UPDATE conversations SET name = ?, turns = ?, updated_at = ? WHERE user_id = ? AND id = ?`,
			conv.Name, string(data), conv.UpdatedAt.UTC(), conv.UserID, conv.ID,
		)
	} else {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO conversations (id, user_id, name, turns, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
			conv.ID, conv.UserID, conv.Name, string(data), conv.CreatedAt.UTC(), conv.UpdatedAt.UTC(),
		)
	}
	if err != nil {
		return fmt.Errorf("store conversation: %w", err)
	}
	return tx.Commit()
}

func (b *SQLBackend) Delete(ctx context.Context, userID int64, id string) (bool, error) {
	res, err := b.db.ExecContext(ctx, `DELETE FROM conversations WHERE user_id = ? AND id = ?`, userID, id)
	if err != nil {
		return false, fmt.Errorf("delete conversation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// List returns summaries ordered by last activity.
func (b *SQLBackend) List(ctx context.Context, userID int64) ([]models.ConversationSummary, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, name, updated_at FROM conversations WHERE user_id = ? ORDER BY updated_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	list := make([]models.ConversationSummary, 0)
	for rows.Next() {
		var s models.ConversationSummary
		if err := rows.Scan(&s.ID, &s.Name, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		list = append(list, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortSummaries(list)
	return list, nil
}

func (b *SQLBackend) DeleteUser(ctx context.Context, userID int64) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM conversations WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("delete user conversations: %w", err)
	}
	return nil
}

// Close is a no-op; the *sql.DB is owned by the caller.
func (b *SQLBackend) Close() error { return nil }
