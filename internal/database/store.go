package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

// Store defines the persistence operations used by the message pipeline.
// Methods accept context.Context for cancellation and timeouts.
type Store interface {
	// Ping checks the database connection.
	Ping(ctx context.Context) error

	// GetUser retrieves a user profile by address. Returns nil, nil if not found.
	GetUser(ctx context.Context, phoneNumber string) (*UserProfile, error)

	// SaveUser inserts or updates a user profile keyed by address.
	SaveUser(ctx context.Context, profile *UserProfile) error

	// SaveChatMessage appends a new chat history entry.
	SaveChatMessage(ctx context.Context, message *ChatMessage) error

	// GetRecentHistory retrieves the most recent 'limit' history entries for
	// an address, in ascending creation-time order.
	GetRecentHistory(ctx context.Context, phoneNumber string, limit int) ([]ChatMessage, error)

	// RunMaintenance performs database maintenance tasks like VACUUM.
	RunMaintenance(ctx context.Context) error
}

// sqlxStore provides an implementation of the Store interface using sqlx.
type sqlxStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a new Store implementation backed by sqlx.
// It requires a connected sqlx.DB instance and a logger.
func NewStore(db *sqlx.DB, logger *slog.Logger) Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &sqlxStore{
		db:     db,
		logger: logger.With("component", "store"),
	}
}

// Ping checks the database connection.
func (s *sqlxStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetUser retrieves a user profile by address. Returns nil, nil if not found.
func (s *sqlxStore) GetUser(ctx context.Context, phoneNumber string) (*UserProfile, error) {
	if phoneNumber == "" {
		return nil, fmt.Errorf("phone_number cannot be empty")
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var profile UserProfile
	query := `SELECT phone_number, preferred_language, age, has_diabetes, has_hypertension, other_conditions, created_at, updated_at
	          FROM users WHERE phone_number = ?`

	err := s.db.GetContext(ctx, &profile, query, phoneNumber)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		// First contact from this address, not an error.
		s.logger.DebugContext(ctx, "No user profile found", "phone_number", phoneNumber)
		return nil, nil

	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		s.logger.WarnContext(ctx, "Context timeout or cancellation while fetching user profile",
			"phone_number", phoneNumber, "error", err)
		return nil, err

	case err != nil:
		s.logger.ErrorContext(ctx, "Error getting user profile", "phone_number", phoneNumber, "error", err)
		return nil, fmt.Errorf("failed to get user profile for %s: %w", phoneNumber, err)
	}

	return &profile, nil
}

// SaveUser inserts or updates a user profile based on its address.
// The upsert makes concurrent first-contact creation last-write-wins rather
// than an error.
func (s *sqlxStore) SaveUser(ctx context.Context, profile *UserProfile) error {
	if profile == nil {
		return fmt.Errorf("cannot save nil user profile")
	}
	if profile.PhoneNumber == "" {
		return fmt.Errorf("profile must have a non-empty phone_number")
	}

	now := time.Now().UTC()
	profile.UpdatedAt = now
	if profile.CreatedAt.IsZero() {
		profile.CreatedAt = now
	}

	query := `
		INSERT INTO users (
			phone_number, preferred_language, age, has_diabetes,
			has_hypertension, other_conditions, created_at, updated_at
		) VALUES (
			:phone_number, :preferred_language, :age, :has_diabetes,
			:has_hypertension, :other_conditions, :created_at, :updated_at
		)
		ON CONFLICT (phone_number) DO UPDATE SET
			preferred_language = excluded.preferred_language,
			age = excluded.age,
			has_diabetes = excluded.has_diabetes,
			has_hypertension = excluded.has_hypertension,
			other_conditions = excluded.other_conditions,
			updated_at = excluded.updated_at
	`

	result, err := s.db.NamedExecContext(ctx, query, profile)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error saving user profile",
			"phone_number", profile.PhoneNumber, "error", err)
		return fmt.Errorf("failed to save user profile for %s: %w", profile.PhoneNumber, err)
	}

	affected, err := result.RowsAffected()
	if err == nil && affected != 1 {
		s.logger.WarnContext(ctx, "Unexpected number of rows affected when saving profile",
			"phone_number", profile.PhoneNumber, "affected", affected)
	}

	s.logger.DebugContext(ctx, "User profile saved", "phone_number", profile.PhoneNumber)
	return nil
}

// SaveChatMessage appends a new chat history entry.
func (s *sqlxStore) SaveChatMessage(ctx context.Context, message *ChatMessage) error {
	if message == nil {
		return fmt.Errorf("cannot save nil message")
	}
	if message.PhoneNumber == "" {
		return fmt.Errorf("message must have a non-empty phone_number")
	}
	if message.Sender != SenderUser && message.Sender != SenderBot {
		return fmt.Errorf("message sender must be %q or %q, got %q", SenderUser, SenderBot, message.Sender)
	}
	if message.MessageText == "" {
		return fmt.Errorf("message must have non-empty text")
	}

	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}

	query := `
        INSERT INTO chat_history (phone_number, sender, message_text, created_at)
        VALUES (:phone_number, :sender, :message_text, :created_at);
    `

	result, err := s.db.NamedExecContext(ctx, query, message)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error saving chat message",
			"phone_number", message.PhoneNumber, "sender", message.Sender, "error", err)
		return fmt.Errorf("failed to save chat message for %s: %w", message.PhoneNumber, err)
	}

	id, err := result.LastInsertId()
	if err == nil {
		//nolint:gosec // integer overflow conversion is acceptable here
		message.ID = uint(id)
	} else {
		s.logger.WarnContext(ctx, "Could not retrieve last insert ID after saving chat message",
			"phone_number", message.PhoneNumber, "error", err)
	}

	s.logger.DebugContext(ctx, "Chat message saved",
		"phone_number", message.PhoneNumber, "sender", message.Sender, "message_id", message.ID)
	return nil
}

// GetRecentHistory retrieves the most recent 'limit' history entries for an
// address. The store orders newest-first to apply the limit, then reverses so
// callers always receive ascending creation-time order regardless of the
// engine's native ordering.
func (s *sqlxStore) GetRecentHistory(ctx context.Context, phoneNumber string, limit int) ([]ChatMessage, error) {
	if phoneNumber == "" {
		return nil, fmt.Errorf("phone_number cannot be empty")
	}

	if limit <= 0 {
		limit = 5
		s.logger.DebugContext(ctx, "Invalid limit provided, using default",
			"phone_number", phoneNumber, "default_limit", limit)
	} else if limit > 100 {
		limit = 100
		s.logger.DebugContext(ctx, "Limit exceeded maximum value, capping",
			"phone_number", phoneNumber, "capped_limit", limit)
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var messages []ChatMessage
	query := `
        SELECT id, phone_number, sender, message_text, created_at
        FROM chat_history
        WHERE phone_number = ?
        ORDER BY created_at DESC, id DESC
        LIMIT ?;
    `

	err := s.db.SelectContext(ctx, &messages, query, phoneNumber, limit)

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.logger.WarnContext(ctx, "Context timeout or cancellation while fetching history",
			"phone_number", phoneNumber, "error", err)
		return nil, err
	}

	if err != nil {
		s.logger.ErrorContext(ctx, "Error getting chat history",
			"phone_number", phoneNumber, "limit", limit, "error", err)
		return nil, fmt.Errorf("failed to get chat history for %s: %w", phoneNumber, err)
	}

	// Reverse into chronological order.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	s.logger.DebugContext(ctx, "Fetched chat history",
		"phone_number", phoneNumber, "count", len(messages))
	return messages, nil
}

// RunMaintenance executes a VACUUM command on the SQLite database.
func (s *sqlxStore) RunMaintenance(ctx context.Context) error {
	if ctx.Err() != nil {
		s.logger.WarnContext(ctx, "Context cancelled or timed out before starting VACUUM", "error", ctx.Err())
		return ctx.Err()
	}

	s.logger.InfoContext(ctx, "Starting database maintenance (VACUUM)...")

	// VACUUM must run outside a transaction in SQLite.
	_, err := s.db.ExecContext(ctx, "VACUUM;")

	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		s.logger.WarnContext(ctx, "VACUUM operation timed out or was cancelled", "error", err)
		return fmt.Errorf("database maintenance (VACUUM) timed out: %w", err)

	case err != nil:
		s.logger.ErrorContext(ctx, "Database maintenance (VACUUM) failed", "error", err)
		return fmt.Errorf("failed to execute VACUUM: %w", err)

	default:
		s.logger.InfoContext(ctx, "Database maintenance (VACUUM) completed")
	}

	return nil
}
