// Package haloapi contains minimal helpers to interact with a Halo Infinite
// stats API for gamertag/XUID resolution and completed-match listing, using an
// API key. Transient network failures are retried with exponential backoff;
// HTTP status errors are surfaced as *StatusError so callers can distinguish
// server-side failures from not-found responses.
package haloapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// StatusError is a non-2xx response from the stats API.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("stats api status %d: %s", e.StatusCode, e.Body)
}

// IsServerError reports whether err is a 5xx StatusError.
func IsServerError(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode >= 500
}

// User is a resolved game-account identity.
type User struct {
	XUID     string `json:"xuid"`
	Gamertag string `json:"gamertag"`
}

// MatchPlayer is one participant in a completed match.
type MatchPlayer struct {
	XUID      string `json:"xuid"`
	Gamertag  string `json:"gamertag"`
	TeamIndex int    `json:"team_index"`
}

// MatchTeam is one side's final result.
type MatchTeam struct {
	Index int `json:"index"`
	Score int `json:"score"`
	Rank  int `json:"rank"` // 1 = winner
}

// Match is a completed match record.
type Match struct {
	ID              string        `json:"id"`
	Map             string        `json:"map"`
	Playlist        string        `json:"playlist"`
	DurationSeconds int           `json:"duration_seconds"`
	EndTime         time.Time     `json:"end_time"`
	Teams           []MatchTeam   `json:"teams"`
	Players         []MatchPlayer `json:"players"`
}

func (m *Match) Duration() time.Duration {
	return time.Duration(m.DurationSeconds) * time.Second
}

// Client talks to one stats API deployment. Configure two Clients (primary and
// secondary base URLs) for identity-lookup fallback.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// retryPolicy bounds transient-network retries. Status errors are permanent
// from the retry loop's point of view; the caller decides what to do with
// them (e.g., try a secondary provider on 5xx).
func retryPolicy(ctx context.Context) backoff.BackOffContext {
	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(250*time.Millisecond),
		backoff.WithMaxInterval(2*time.Second),
		backoff.WithMaxElapsedTime(10*time.Second),
	), 3)
	return backoff.WithContext(b, ctx)
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.URL.RawQuery = query.Encode()
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
		req.Header.Set("Accept", "application/json")
		resp, err := c.http().Do(req)
		if err != nil {
			return err // network errors retry
		}
		defer func() {
			if err := resp.Body.Close(); err != nil {
				slog.Warn("failed to close response body", slog.Any("err", err))
			}
		}()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return backoff.Permanent(&StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))})
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode response: %w", err))
		}
		return nil
	}
	if err := backoff.Retry(op, retryPolicy(ctx)); err != nil {
		return err
	}
	return nil
}

// UsersByGamertags resolves gamertags to accounts. Unknown gamertags are
// omitted from the result, not errors.
func (c *Client) UsersByGamertags(ctx context.Context, gamertags []string) ([]User, error) {
	if len(gamertags) == 0 {
		return nil, nil
	}
	q := url.Values{}
	q.Set("gamertags", strings.Join(gamertags, ","))
	var body struct {
		Data []User `json:"data"`
	}
	if err := c.getJSON(ctx, "/users", q, &body); err != nil {
		return nil, fmt.Errorf("resolve gamertags: %w", err)
	}
	return body.Data, nil
}

// UsersByXUIDs resolves XUIDs to accounts. Unknown XUIDs are omitted.
func (c *Client) UsersByXUIDs(ctx context.Context, xuids []string) ([]User, error) {
	if len(xuids) == 0 {
		return nil, nil
	}
	q := url.Values{}
	q.Set("xuids", strings.Join(xuids, ","))
	var body struct {
		Data []User `json:"data"`
	}
	if err := c.getJSON(ctx, "/users", q, &body); err != nil {
		return nil, fmt.Errorf("resolve xuids: %w", err)
	}
	return body.Data, nil
}

// ListMatches returns completed custom matches for a player since the given
// time, newest first.
func (c *Client) ListMatches(ctx context.Context, xuid string, since time.Time, count int) ([]Match, []json.RawMessage, error) {
	if xuid == "" {
		return nil, nil, fmt.Errorf("xuid empty")
	}
	if count <= 0 {
		count = 25
	}
	q := url.Values{}
	q.Set("xuid", xuid)
	q.Set("type", "custom")
	q.Set("count", fmt.Sprintf("%d", count))
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339))
	}
	var body struct {
		Data []json.RawMessage `json:"data"`
	}
	if err := c.getJSON(ctx, "/matches", q, &body); err != nil {
		return nil, nil, fmt.Errorf("list matches: %w", err)
	}
	matches := make([]Match, 0, len(body.Data))
	raws := make([]json.RawMessage, 0, len(body.Data))
	for _, raw := range body.Data {
		var m Match
		if err := json.Unmarshal(raw, &m); err != nil {
			slog.Warn("skipping undecodable match record", slog.Any("err", err))
			continue
		}
		matches = append(matches, m)
		raws = append(raws, raw)
	}
	return matches, raws, nil
}
