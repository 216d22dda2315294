// Auricle - Music Listening History Collector
// Copyright 2026 D. Stanley (dstanley)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dstanley/auricle

package streaming

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	json "github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/dstanley/auricle/internal/config"
	"github.com/dstanley/auricle/internal/logging"
	"github.com/dstanley/auricle/internal/metrics"
	"github.com/dstanley/auricle/internal/models"
)

const maxResponseBytes = 8 << 20

// Client performs authenticated calls against the streaming API.
//
// A process-wide semaphore caps in-flight requests and a token-bucket
// limiter spreads them out, independent of how many accounts the
// scheduler is working on. Rate-limited and 5xx responses are retried
// with exponential backoff, honoring server wait hints when present.
type Client struct {
	cfg        config.StreamingConfig
	httpClient *http.Client
	tokens     *TokenManager
	accounts   AccountStore

	sem     *semaphore.Weighted
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[*http.Response]

	// sleepFn is swappable for tests so retry timing can be observed
	// without real waiting.
	sleepFn func(ctx context.Context, d time.Duration) error
}

// NewClient builds a Client from configuration. The token manager and
// account store are shared with the rest of the collector.
func NewClient(cfg config.StreamingConfig, tokens *TokenManager, accounts AccountStore) *Client {
	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.MaxInflight)
	}

	breaker := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "streaming-api",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 10 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CircuitBreakerState.Set(breakerStateValue(to))
			logging.Warn().Str("breaker", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	})

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		tokens:     tokens,
		accounts:   accounts,
		sem:        semaphore.NewWeighted(int64(cfg.MaxInflight)),
		limiter:    limiter,
		breaker:    breaker,
		sleepFn:    sleepContext,
	}
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// HistoryQuery selects a page of listening history. Cursors are epoch
// milliseconds; zero means unset. Exactly one of AfterMs/BeforeMs is
// normally set: polling walks forward with AfterMs, backfill walks
// backward with BeforeMs.
type HistoryQuery struct {
	AfterMs  int64
	BeforeMs int64
	Limit    int
}

// HistoryPage is one page of listening history with the pagination
// cursors needed to fetch the adjacent pages. A zero cursor means the
// history is exhausted in that direction.
type HistoryPage struct {
	Records []models.PlayRecord

	NextAfterMs  int64
	NextBeforeMs int64
}

type historyResponse struct {
	Items []struct {
		Track struct {
			Name       string `json:"name"`
			URI        string `json:"uri"`
			DurationMs int64  `json:"duration_ms"`
			Album      struct {
				Name string `json:"name"`
			} `json:"album"`
			Artists []struct {
				Name string `json:"name"`
			} `json:"artists"`
		} `json:"track"`
		PlayedAt time.Time `json:"played_at"`
	} `json:"items"`
	Cursors struct {
		After  string `json:"after"`
		Before string `json:"before"`
	} `json:"cursors"`
}

// FetchPlays retrieves one page of the account's listening history.
// Records come back in API order with Source unset; the caller stamps
// the source before persisting.
func (c *Client) FetchPlays(ctx context.Context, account *models.Account, q HistoryQuery) (*HistoryPage, error) {
	params := url.Values{}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.AfterMs > 0 {
		params.Set("after", strconv.FormatInt(q.AfterMs, 10))
	}
	if q.BeforeMs > 0 {
		params.Set("before", strconv.FormatInt(q.BeforeMs, 10))
	}

	var resp historyResponse
	if err := c.getJSON(ctx, account, "/me/player/recently-played", params, &resp); err != nil {
		return nil, err
	}

	page := &HistoryPage{Records: make([]models.PlayRecord, 0, len(resp.Items))}
	for _, item := range resp.Items {
		artist := ""
		if len(item.Track.Artists) > 0 {
			artist = item.Track.Artists[0].Name
		}
		page.Records = append(page.Records, models.PlayRecord{
			TrackName:  item.Track.Name,
			ArtistName: artist,
			AlbumName:  item.Track.Album.Name,
			// The history endpoint reports completed listens; the track
			// duration is the listen length it exposes.
			MsPlayed: item.Track.DurationMs,
			PlayedAt: item.PlayedAt.UTC(),
			TrackURI: item.Track.URI,
		})
	}
	page.NextAfterMs = parseCursor(resp.Cursors.After)
	page.NextBeforeMs = parseCursor(resp.Cursors.Before)
	return page, nil
}

func parseCursor(s string) int64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

type attributesResponse struct {
	DurationMs   int64   `json:"duration_ms"`
	Tempo        float64 `json:"tempo"`
	Energy       float64 `json:"energy"`
	Valence      float64 `json:"valence"`
	Danceability float64 `json:"danceability"`
}

// GetTrackAttributes fetches derived audio attributes for one track.
func (c *Client) GetTrackAttributes(ctx context.Context, account *models.Account, trackURI string) (*models.TrackAttributes, error) {
	var resp attributesResponse
	path := "/audio-features/" + url.PathEscape(trackURI)
	if err := c.getJSON(ctx, account, path, nil, &resp); err != nil {
		return nil, err
	}
	return &models.TrackAttributes{
		TrackID:      trackURI,
		DurationMs:   resp.DurationMs,
		Tempo:        resp.Tempo,
		Energy:       resp.Energy,
		Valence:      resp.Valence,
		Danceability: resp.Danceability,
	}, nil
}

// getJSON performs an authenticated GET with the full retry policy:
// one reactive credential refresh on 401, bounded backoff-retries on
// 429 and 5xx, immediate failure on other 4xx.
func (c *Client) getJSON(ctx context.Context, account *models.Account, path string, params url.Values, out any) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.RetryBaseDelay
	bo.MaxInterval = 2 * time.Minute
	bo.MaxElapsedTime = 0
	// Deterministic waits keep the retry schedule non-decreasing.
	bo.RandomizationFactor = 0

	u := c.cfg.BaseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	var (
		retriesUsed int
		attempts    int
		reauthed    bool
		lastHint    time.Duration
	)

	for {
		attempts++
		res, err := c.do(ctx, account, u)
		if err != nil {
			// Credential failures and cancellation are not retryable.
			var authErr *AuthError
			if errors.As(err, &authErr) || ctx.Err() != nil {
				return err
			}
			// Transport failure or open breaker: retryable like a 5xx.
			metrics.APIRequests.WithLabelValues("server_error").Inc()
			if retriesUsed >= c.cfg.RetryAttempts {
				return &ServerError{Err: err}
			}
			if werr := c.waitRetry(ctx, bo.NextBackOff()); werr != nil {
				return werr
			}
			retriesUsed++
			continue
		}

		switch {
		case res.status == http.StatusOK:
			metrics.APIRequests.WithLabelValues("ok").Inc()
			if err := json.Unmarshal(res.body, out); err != nil {
				return &ServerError{StatusCode: res.status, Err: fmt.Errorf("decode response: %w", err)}
			}
			return nil

		case res.status == http.StatusUnauthorized:
			// Exactly one reactive refresh-and-retry; a second 401 means
			// the credential is dead.
			if !reauthed {
				reauthed = true
				if _, err := c.tokens.Refresh(ctx, account); err != nil {
					metrics.APIRequests.WithLabelValues("auth_error").Inc()
					return err
				}
				continue
			}
			metrics.APIRequests.WithLabelValues("auth_error").Inc()
			if err := c.accounts.MarkAccountInvalid(ctx, account.ID); err != nil {
				logging.Error().Err(err).Str("account_id", account.ID).
					Msg("Failed to flag account invalid")
			}
			return &AuthError{AccountID: account.ID, Err: fmt.Errorf("API rejected credential after reactive refresh")}

		case res.status == http.StatusTooManyRequests:
			metrics.APIRequests.WithLabelValues("rate_limited").Inc()
			hint := res.retryAfter
			if hint > 0 {
				lastHint = hint
			}
			if retriesUsed >= c.cfg.RetryAttempts {
				return &RateLimitError{Attempts: attempts, LastHint: lastHint}
			}
			wait := hint
			if wait <= 0 {
				wait = bo.NextBackOff()
			}
			if err := c.waitRetry(ctx, wait); err != nil {
				return err
			}
			retriesUsed++

		case res.status >= 500:
			metrics.APIRequests.WithLabelValues("server_error").Inc()
			if retriesUsed >= c.cfg.RetryAttempts {
				return &ServerError{StatusCode: res.status, Err: fmt.Errorf("API returned %d after %d attempts", res.status, attempts)}
			}
			if err := c.waitRetry(ctx, bo.NextBackOff()); err != nil {
				return err
			}
			retriesUsed++

		default:
			metrics.APIRequests.WithLabelValues("request_error").Inc()
			return &RequestError{StatusCode: res.status, Detail: truncate(string(res.body), 512)}
		}
	}
}

type apiResponse struct {
	status     int
	body       []byte
	retryAfter time.Duration
}

// do issues a single authenticated request under the concurrency bound
// and rate budget. Returns the response, or a transport error.
func (c *Client) do(ctx context.Context, account *models.Account, u string) (*apiResponse, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	token, err := c.tokens.Token(ctx, account)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.breaker.Execute(func() (*http.Response, error) {
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		// Only 5xx trips the breaker; 4xx is the caller's problem.
		if resp.StatusCode >= 500 {
			return resp, fmt.Errorf("upstream returned %d", resp.StatusCode)
		}
		return resp, nil
	})
	if err != nil && resp == nil {
		// Transport failure or open breaker.
		return nil, err
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if readErr != nil {
		return nil, fmt.Errorf("read response: %w", readErr)
	}

	return &apiResponse{
		status:     resp.StatusCode,
		body:       body,
		retryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}, nil
}

func (c *Client) waitRetry(ctx context.Context, d time.Duration) error {
	metrics.APIRetries.Inc()
	metrics.RateLimitWait.Observe(d.Seconds())
	return c.sleepFn(ctx, d)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
