package tracker

import (
	"context"
	"encoding/json"
	"time"
)

// Storage keys within a series-scoped store.
const (
	stateKey            = "state"
	interactionTokenKey = "interaction_token"
)

// Store is the durable key-value store scoped to a single series, plus the
// series' single pending alarm. Implementations: db.SeriesStore (Postgres)
// and testutil.MemStore.
type Store interface {
	// Get returns the stored value, or (nil, nil) when the key is absent.
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// DeleteAll removes every key for this series, including the alarm.
	DeleteAll(ctx context.Context) error

	// SetAlarm replaces the pending alarm; at most one is pending at a time.
	SetAlarm(ctx context.Context, at time.Time) error
	// GetAlarm returns the pending alarm time, or the zero time when none.
	GetAlarm(ctx context.Context) (time.Time, error)
	DeleteAlarm(ctx context.Context) error
}

// StoreProvider hands out series-scoped stores and enumerates the series that
// have persisted state, which the Manager uses to rehydrate after a restart.
type StoreProvider interface {
	Series(seriesKey string) Store
	ActiveSeries(ctx context.Context) ([]string, error)
}

// OutputClient is the outward-facing message collaborator (Discord). The
// tracker never formats payloads itself; implementations render the state.
type OutputClient interface {
	PostSeriesMessage(ctx context.Context, channelID string, st *TrackerState) (messageID string, err error)
	EditSeriesMessage(ctx context.Context, channelID, messageID string, st *TrackerState) error
	DeleteMessage(ctx context.Context, channelID, messageID string) error
	ChannelName(ctx context.Context, channelID string) (string, error)
	RenameChannel(ctx context.Context, channelID, name string) error
	// ResolveUser looks up a guild member's display identity, used when a
	// substitution introduces a player the tracker has never seen.
	ResolveUser(ctx context.Context, guildID, userID string) (*PlayerIdentity, error)
}

// DiscoveryResult is one discovery pass over the current roster and window.
type DiscoveryResult struct {
	Summaries map[string]MatchSummary
	Raw       map[string]json.RawMessage
}

// Discoverer finds the completed matches constituting the series so far.
type Discoverer interface {
	Discover(ctx context.Context, st *TrackerState) (*DiscoveryResult, error)
}
