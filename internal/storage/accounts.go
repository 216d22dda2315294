// Auricle - Music Listening History Collector
// Copyright 2026 D. Stanley (dstanley)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dstanley/auricle

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dstanley/auricle/internal/models"
)

// UpsertAccount inserts a new account or refreshes an existing one.
// Connecting an existing account with a fresh credential resets its
// status to valid.
func (db *DB) UpsertAccount(ctx context.Context, account *models.Account) error {
	now := time.Now().UTC()
	const query = `
		INSERT INTO accounts (id, display_name, status, encrypted_refresh_token, initial_synced_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			display_name            = excluded.display_name,
			status                  = excluded.status,
			encrypted_refresh_token = excluded.encrypted_refresh_token,
			updated_at              = excluded.updated_at`
	_, err := db.conn.ExecContext(ctx, query,
		account.ID, account.DisplayName, string(account.Status),
		account.EncryptedRefreshToken, account.InitialSyncedAt, now, now)
	if err != nil {
		return fmt.Errorf("upsert account %s: %w", account.ID, errors.Join(ErrUnavailable, err))
	}
	return nil
}

// GetAccount fetches a single account by ID.
func (db *DB) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	const query = `
		SELECT id, display_name, status, encrypted_refresh_token, initial_synced_at, created_at, updated_at
		FROM accounts WHERE id = ?`
	account, err := scanAccount(db.conn.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", id, errors.Join(ErrUnavailable, err))
	}
	return account, nil
}

// ListConnectedAccounts returns accounts eligible for scheduled work:
// status valid with a stored refresh credential.
func (db *DB) ListConnectedAccounts(ctx context.Context) ([]*models.Account, error) {
	const query = `
		SELECT id, display_name, status, encrypted_refresh_token, initial_synced_at, created_at, updated_at
		FROM accounts
		WHERE status = ? AND encrypted_refresh_token <> ''
		ORDER BY id`
	rows, err := db.conn.QueryContext(ctx, query, string(models.AccountStatusValid))
	if err != nil {
		return nil, fmt.Errorf("list connected accounts: %w", errors.Join(ErrUnavailable, err))
	}
	defer rows.Close()

	var out []*models.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", errors.Join(ErrUnavailable, err))
		}
		out = append(out, account)
	}
	return out, rows.Err()
}

// MarkAccountInvalid flags an account whose refresh credential was
// rejected. The scheduler skips invalid accounts until the user
// reconnects.
func (db *DB) MarkAccountInvalid(ctx context.Context, id string) error {
	const query = `UPDATE accounts SET status = ?, updated_at = ? WHERE id = ?`
	res, err := db.conn.ExecContext(ctx, query, string(models.AccountStatusInvalid), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("mark account %s invalid: %w", id, errors.Join(ErrUnavailable, err))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetInitialSynced records that the one-time historical backfill for an
// account has completed, making it a no-op on future ticks.
func (db *DB) SetInitialSynced(ctx context.Context, id string, at time.Time) error {
	const query = `UPDATE accounts SET initial_synced_at = ?, updated_at = ? WHERE id = ?`
	res, err := db.conn.ExecContext(ctx, query, at.UTC(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set initial synced %s: %w", id, errors.Join(ErrUnavailable, err))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return nil
}

// UpdateRefreshToken replaces the stored (encrypted) refresh credential
// after a rotation and restores valid status.
func (db *DB) UpdateRefreshToken(ctx context.Context, id, encryptedToken string) error {
	const query = `UPDATE accounts SET encrypted_refresh_token = ?, status = ?, updated_at = ? WHERE id = ?`
	res, err := db.conn.ExecContext(ctx, query, encryptedToken, string(models.AccountStatusValid), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update refresh token %s: %w", id, errors.Join(ErrUnavailable, err))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*models.Account, error) {
	var (
		account         models.Account
		status          string
		initialSyncedAt sql.NullTime
	)
	if err := row.Scan(&account.ID, &account.DisplayName, &status,
		&account.EncryptedRefreshToken, &initialSyncedAt,
		&account.CreatedAt, &account.UpdatedAt); err != nil {
		return nil, err
	}
	account.Status = models.AccountStatus(status)
	if initialSyncedAt.Valid {
		t := initialSyncedAt.Time
		account.InitialSyncedAt = &t
	}
	return &account, nil
}
