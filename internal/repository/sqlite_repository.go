package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"chat-relay/bot/internal/model"
)

type sqliteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(db *sql.DB) Repository {
	return &sqliteRepository{db: db}
}

func (r *sqliteRepository) GetConversation(ctx context.Context, conversationID int64) (*model.Conversation, error) {
	query := "SELECT id, user_id, kind, mode, last_activity, created_at FROM conversations WHERE id = ?"
	row := r.db.QueryRowContext(ctx, query, conversationID)

	var conv model.Conversation
	err := row.Scan(&conv.ID, &conv.UserID, &conv.Kind, &conv.Mode, &conv.LastActivity, &conv.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &conv, nil
}

func (r *sqliteRepository) CreateConversation(ctx context.Context, conv *model.Conversation) error {
	query := "INSERT INTO conversations (id, user_id, kind, mode, last_activity, created_at) VALUES (?, ?, ?, ?, ?, ?)"
	_, err := r.db.ExecContext(ctx, query, conv.ID, conv.UserID, conv.Kind, conv.Mode, conv.LastActivity, conv.CreatedAt)
	return err
}

func (r *sqliteRepository) SetMode(ctx context.Context, conversationID int64, mode string) error {
	query := "UPDATE conversations SET mode = ? WHERE id = ?"
	_, err := r.db.ExecContext(ctx, query, mode, conversationID)
	return err
}

func (r *sqliteRepository) TouchActivity(ctx context.Context, conversationID int64, at time.Time) error {
	query := "UPDATE conversations SET last_activity = ? WHERE id = ?"
	_, err := r.db.ExecContext(ctx, query, at.UTC(), conversationID)
	return err
}

func (r *sqliteRepository) Reset(ctx context.Context, conversationID int64, mode string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM turns WHERE conversation_id = ?", conversationID); err != nil {
		return fmt.Errorf("could not clear turns: %w", err)
	}
	query := "UPDATE conversations SET mode = ?, last_activity = ? WHERE id = ?"
	if _, err := tx.ExecContext(ctx, query, mode, time.Now().UTC(), conversationID); err != nil {
		return fmt.Errorf("could not update conversation: %w", err)
	}
	return tx.Commit()
}

func (r *sqliteRepository) GetTurns(ctx context.Context, conversationID int64) ([]model.Turn, error) {
	query := `
		SELECT id, user_text, bot_text, timestamp, tokens_used
		FROM turns
		WHERE conversation_id = ?
		ORDER BY timestamp ASC
	`
	rows, err := r.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []model.Turn
	for rows.Next() {
		var turn model.Turn
		if err := rows.Scan(&turn.ID, &turn.UserText, &turn.BotText, &turn.Timestamp, &turn.TokensUsed); err != nil {
			return nil, err
		}
		turns = append(turns, turn)
	}
	return turns, rows.Err()
}

func (r *sqliteRepository) PushTurn(ctx context.Context, conversationID int64, turn *model.Turn, maxRetained int) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer tx.Rollback()

	insertQuery := `
		INSERT INTO turns (id, conversation_id, user_text, bot_text, timestamp, tokens_used)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err = tx.ExecContext(ctx, insertQuery,
		turn.ID, conversationID, turn.UserText, turn.BotText, turn.Timestamp, turn.TokensUsed)
	if err != nil {
		return fmt.Errorf("could not insert turn: %w", err)
	}

	if maxRetained > 0 {
		evictQuery := `
			DELETE FROM turns
			WHERE conversation_id = ? AND id NOT IN (
				SELECT id FROM turns
				WHERE conversation_id = ?
				ORDER BY timestamp DESC LIMIT ?
			)
		`
		if _, err := tx.ExecContext(ctx, evictQuery, conversationID, conversationID, maxRetained); err != nil {
			return fmt.Errorf("could not evict old turns: %w", err)
		}
	}

	updateQuery := "UPDATE conversations SET last_activity = ? WHERE id = ?"
	if _, err := tx.ExecContext(ctx, updateQuery, turn.Timestamp.UTC(), conversationID); err != nil {
		return fmt.Errorf("could not update conversation activity: %w", err)
	}

	return tx.Commit()
}

func (r *sqliteRepository) PopLastTurn(ctx context.Context, conversationID int64) (*model.Turn, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("could not begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		SELECT id, user_text, bot_text, timestamp, tokens_used
		FROM turns
		WHERE conversation_id = ?
		ORDER BY timestamp DESC LIMIT 1
	`
	row := tx.QueryRowContext(ctx, query, conversationID)

	var turn model.Turn
	err = row.Scan(&turn.ID, &turn.UserText, &turn.BotText, &turn.Timestamp, &turn.TokensUsed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM turns WHERE id = ?", turn.ID); err != nil {
		return nil, fmt.Errorf("could not delete turn: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &turn, nil
}

func (r *sqliteRepository) GetOrCreateUser(ctx context.Context, userID int64, username string, initialBalance int) (*model.User, error) {
	insertQuery := `
		INSERT INTO users (id, username, balance, first_seen)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`
	if _, err := r.db.ExecContext(ctx, insertQuery, userID, username, initialBalance, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("could not upsert user: %w", err)
	}

	row := r.db.QueryRowContext(ctx, "SELECT id, username, balance, first_seen FROM users WHERE id = ?", userID)
	var user model.User
	if err := row.Scan(&user.ID, &user.Username, &user.Balance, &user.FirstSeen); err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *sqliteRepository) GetBalance(ctx context.Context, userID int64) (int, error) {
	row := r.db.QueryRowContext(ctx, "SELECT balance FROM users WHERE id = ?", userID)
	var balance int
	if err := row.Scan(&balance); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return balance, nil
}

func (r *sqliteRepository) Deduct(ctx context.Context, userID int64, amount int) error {
	result, err := r.db.ExecContext(ctx, "UPDATE users SET balance = balance - ? WHERE id = ?", amount, userID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
