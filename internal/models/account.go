// Auricle - Music Listening History Collector
// Copyright 2026 D. Stanley (dstanley)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dstanley/auricle

package models

import "time"

// AccountStatus is the connection state of a linked streaming account.
type AccountStatus string

const (
	// AccountStatusValid means the stored refresh credential is believed good.
	AccountStatusValid AccountStatus = "valid"

	// AccountStatusInvalid means the credential was rejected and the user
	// must re-authenticate. Accounts in this state are skipped by the
	// scheduler until reconnected.
	AccountStatusInvalid AccountStatus = "invalid"
)

// Account is a connected streaming-service account.
type Account struct {
	// ID is the external account identifier.
	ID string `json:"id"`

	// DisplayName is the human-readable account name.
	DisplayName string `json:"display_name"`

	// Status is the connection state.
	Status AccountStatus `json:"status"`

	// EncryptedRefreshToken is the vault-sealed refresh credential.
	// The plaintext never leaves memory.
	EncryptedRefreshToken string `json:"-"`

	// InitialSyncedAt is set once the one-time historical backfill has
	// completed. Nil means the backfill is still pending.
	InitialSyncedAt *time.Time `json:"initial_synced_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Connected reports whether the account should be scheduled for sync work.
func (a *Account) Connected() bool {
	return a.Status == AccountStatusValid && a.EncryptedRefreshToken != ""
}
