// Auricle - Music Listening History Collector
// Copyright 2026 D. Stanley (dstanley)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dstanley/auricle

package streaming

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/dstanley/auricle/internal/logging"
	"github.com/dstanley/auricle/internal/metrics"
	"github.com/dstanley/auricle/internal/models"
	"github.com/dstanley/auricle/internal/vault"
)

// AccountStore is the slice of the storage layer the token manager
// needs: flagging rejected credentials and persisting rotations.
type AccountStore interface {
	MarkAccountInvalid(ctx context.Context, id string) error
	UpdateRefreshToken(ctx context.Context, id, encryptedToken string) error
}

// TokenManagerConfig configures a TokenManager.
type TokenManagerConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string

	// ExpiryBuffer triggers a proactive refresh when the cached access
	// credential is within this duration of expiring.
	ExpiryBuffer time.Duration
}

type cachedToken struct {
	access    string
	expiresAt time.Time
}

// TokenManager exchanges stored refresh credentials for short-lived
// access credentials and caches them per account. Access credentials
// live only in memory; refresh credentials are decrypted for the
// duration of the refresh call and discarded.
type TokenManager struct {
	cfg        TokenManagerConfig
	vault      *vault.Vault
	accounts   AccountStore
	httpClient *http.Client

	mu    sync.Mutex
	cache map[string]*cachedToken

	// now is swappable for tests.
	now func() time.Time
}

// NewTokenManager returns a TokenManager using the given HTTP client
// for token-endpoint calls.
func NewTokenManager(cfg TokenManagerConfig, v *vault.Vault, accounts AccountStore, httpClient *http.Client) *TokenManager {
	return &TokenManager{
		cfg:        cfg,
		vault:      v,
		accounts:   accounts,
		httpClient: httpClient,
		cache:      make(map[string]*cachedToken),
		now:        time.Now,
	}
}

// Token returns a valid access credential for the account, refreshing
// proactively when the cached one is inside the expiry buffer.
func (m *TokenManager) Token(ctx context.Context, account *models.Account) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tok, ok := m.cache[account.ID]; ok {
		if m.now().Before(tok.expiresAt.Add(-m.cfg.ExpiryBuffer)) {
			return tok.access, nil
		}
		metrics.TokenRefreshes.WithLabelValues("proactive", "attempt").Inc()
	}

	return m.refreshLocked(ctx, account, "proactive")
}

// Invalidate drops the cached access credential so the next Token call
// refreshes. Used after the API rejects a credential mid-flight.
func (m *TokenManager) Invalidate(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cache, accountID)
}

// Refresh forces a refresh regardless of cache state. The client calls
// this for its single reactive retry after a 401.
func (m *TokenManager) Refresh(ctx context.Context, account *models.Account) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cache, account.ID)
	return m.refreshLocked(ctx, account, "reactive")
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
}

func (m *TokenManager) refreshLocked(ctx context.Context, account *models.Account, trigger string) (string, error) {
	refreshToken, err := m.vault.Decrypt(account.EncryptedRefreshToken)
	if err != nil {
		// An undecryptable credential is as dead as a rejected one.
		metrics.TokenRefreshes.WithLabelValues(trigger, "error").Inc()
		return "", m.reject(ctx, account.ID, fmt.Errorf("decrypt refresh credential: %w", err))
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(m.cfg.ClientID, m.cfg.ClientSecret)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		metrics.TokenRefreshes.WithLabelValues(trigger, "error").Inc()
		return "", &ServerError{Err: fmt.Errorf("token endpoint: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &ServerError{Err: fmt.Errorf("read token response: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		// Handled below.
	case resp.StatusCode == http.StatusBadRequest,
		resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden:
		metrics.TokenRefreshes.WithLabelValues(trigger, "rejected").Inc()
		return "", m.reject(ctx, account.ID, fmt.Errorf("token endpoint returned %d", resp.StatusCode))
	case resp.StatusCode >= 500:
		metrics.TokenRefreshes.WithLabelValues(trigger, "error").Inc()
		return "", &ServerError{StatusCode: resp.StatusCode, Err: fmt.Errorf("token endpoint returned %d", resp.StatusCode)}
	default:
		metrics.TokenRefreshes.WithLabelValues(trigger, "error").Inc()
		return "", &RequestError{StatusCode: resp.StatusCode, Detail: string(body)}
	}

	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return "", &ServerError{StatusCode: resp.StatusCode, Err: fmt.Errorf("decode token response: %w", err)}
	}
	if tok.AccessToken == "" {
		return "", m.reject(ctx, account.ID, fmt.Errorf("token endpoint returned no access token"))
	}

	m.cache[account.ID] = &cachedToken{
		access:    tok.AccessToken,
		expiresAt: m.now().Add(time.Duration(tok.ExpiresIn) * time.Second),
	}
	metrics.TokenRefreshes.WithLabelValues(trigger, "ok").Inc()

	// Some providers rotate the refresh credential on every grant; the
	// old one is dead the moment the response arrives, so persist the
	// replacement immediately.
	if tok.RefreshToken != "" && tok.RefreshToken != refreshToken {
		sealed, err := m.vault.Encrypt(tok.RefreshToken)
		if err != nil {
			return "", fmt.Errorf("seal rotated refresh credential: %w", err)
		}
		if err := m.accounts.UpdateRefreshToken(ctx, account.ID, sealed); err != nil {
			return "", fmt.Errorf("persist rotated refresh credential: %w", err)
		}
		account.EncryptedRefreshToken = sealed
		logging.Info().Str("account_id", account.ID).Msg("Refresh credential rotated")
	}

	return tok.AccessToken, nil
}

// reject flags the account invalid and wraps the cause in an AuthError.
func (m *TokenManager) reject(ctx context.Context, accountID string, cause error) error {
	if err := m.accounts.MarkAccountInvalid(ctx, accountID); err != nil {
		logging.Error().Err(err).Str("account_id", accountID).
			Msg("Failed to flag account invalid")
	}
	delete(m.cache, accountID)
	return &AuthError{AccountID: accountID, Err: cause}
}
