package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrAccountNotFound is returned when no account matches the lookup.
var ErrAccountNotFound = errors.New("account not found")

// Account is an authorized mailbox. The delta cursor and the index snapshot
// are the only fields this subsystem mutates after creation.
type Account struct {
	ID           string
	UserID       string
	EmailAddress string
	DisplayName  string
	AccessToken  string
	NextCursor   string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CreateAccount inserts a new account, or refreshes the token and identity
// fields when the provider re-authorizes an existing one.
func (s *Store) CreateAccount(ctx context.Context, a *Account) error {
	now := time.Now().Unix()
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO accounts (id, user_id, email_address, display_name, access_token, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			email_address = excluded.email_address,
			display_name = excluded.display_name,
			access_token = excluded.access_token,
			updated_at = excluded.updated_at
	`, a.ID, a.UserID, a.EmailAddress, a.DisplayName, a.AccessToken, now, now)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

// GetAccount loads an account by id.
func (s *Store) GetAccount(ctx context.Context, id string) (*Account, error) {
	a := &Account{}
	var cursor sql.NullString
	var name sql.NullString
	var createdAt, updatedAt int64

	err := s.DB.QueryRowContext(ctx, `
		SELECT id, user_id, email_address, display_name, access_token, next_delta_cursor, created_at, updated_at
		FROM accounts WHERE id = ?
	`, id).Scan(&a.ID, &a.UserID, &a.EmailAddress, &name, &a.AccessToken, &cursor, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to load account: %w", err)
	}

	a.DisplayName = name.String
	a.NextCursor = cursor.String
	a.CreatedAt = time.Unix(createdAt, 0)
	a.UpdatedAt = time.Unix(updatedAt, 0)
	return a, nil
}

// GetAccountForUser loads an account by id, verifying ownership.
func (s *Store) GetAccountForUser(ctx context.Context, id, userID string) (*Account, error) {
	a, err := s.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.UserID != userID {
		return nil, ErrAccountNotFound
	}
	return a, nil
}

// SaveCursor persists the delta cursor for an account. The caller is
// responsible for only ever passing the freshest cursor seen.
func (s *Store) SaveCursor(ctx context.Context, accountID, cursor string) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE accounts SET next_delta_cursor = ?, updated_at = ? WHERE id = ?
	`, cursor, time.Now().Unix(), accountID)
	if err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// LoadIndexSnapshot returns the persisted search index snapshot, nil if none
// has been written yet.
func (s *Store) LoadIndexSnapshot(ctx context.Context, accountID string) ([]byte, error) {
	var snapshot []byte
	err := s.DB.QueryRowContext(ctx, `
		SELECT index_snapshot FROM accounts WHERE id = ?
	`, accountID).Scan(&snapshot)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to load index snapshot: %w", err)
	}
	return snapshot, nil
}

// SaveIndexSnapshot stores the serialized search index as an opaque blob.
func (s *Store) SaveIndexSnapshot(ctx context.Context, accountID string, snapshot []byte) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE accounts SET index_snapshot = ?, updated_at = ? WHERE id = ?
	`, snapshot, time.Now().Unix(), accountID)
	if err != nil {
		return fmt.Errorf("failed to save index snapshot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// UpdateSyncStatus records where an account's sync cycle stands. errorMsg
// bumps the retry count when non-empty.
func (s *Store) UpdateSyncStatus(ctx context.Context, accountID, status, errorMsg string) error {
	now := time.Now().Unix()
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO account_sync_state (account_id, status, last_synced_at, last_error, retry_count, updated_at)
		VALUES (?, ?, ?, ?, CASE WHEN ? != '' THEN 1 ELSE 0 END, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			status = excluded.status,
			last_synced_at = excluded.last_synced_at,
			last_error = excluded.last_error,
			retry_count = CASE WHEN excluded.last_error != '' THEN retry_count + 1 ELSE 0 END,
			updated_at = excluded.updated_at
	`, accountID, status, now, errorMsg, errorMsg, now)
	if err != nil {
		return fmt.Errorf("failed to update sync status: %w", err)
	}
	return nil
}
