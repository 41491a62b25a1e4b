// Package tracker implements the per-series tracking actor: a single-writer
// state machine that polls for newly completed matches, keeps the live Discord
// message in sync, and persists its state through a durable per-series store.
package tracker

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Status is the lifecycle state of a tracker. Stopped is terminal.
type Status string

const (
	StatusActive  Status = "active"
	StatusPaused  Status = "paused"
	StatusStopped Status = "stopped"
)

// PlayerIdentity is the Discord-side identity of a roster member.
type PlayerIdentity struct {
	Username   string `json:"username"`
	GlobalName string `json:"globalName,omitempty"`
	Nickname   string `json:"nickname,omitempty"`
}

// Team is an ordered roster partition. Every id in PlayerIDs must exist in
// TrackerState.Players.
type Team struct {
	Name      string   `json:"name"`
	PlayerIDs []string `json:"playerIds"`
}

// Substitution records a roster swap. The log is append-only.
type Substitution struct {
	PlayerOutID string    `json:"playerOutId"`
	PlayerInID  string    `json:"playerInId"`
	TeamIndex   int       `json:"teamIndex"`
	TeamName    string    `json:"teamName"`
	Timestamp   time.Time `json:"timestamp"`
}

// MatchSummary is the compact per-match record shown in the live message.
// WinnerTeamIndex is the roster team index that won, or -1 when unknown/tied.
type MatchSummary struct {
	Map             string        `json:"map"`
	Mode            string        `json:"mode"`
	Score           string        `json:"score"`
	Duration        time.Duration `json:"duration"`
	EndTime         time.Time     `json:"endTime"`
	WinnerTeamIndex int           `json:"winnerTeamIndex"`
}

// ErrorState is the tracker's persisted failure bookkeeping.
type ErrorState struct {
	ConsecutiveErrors int       `json:"consecutiveErrors"`
	BackoffMinutes    int       `json:"backoffMinutes"`
	LastErrorMessage  string    `json:"lastErrorMessage,omitempty"`
	LastSuccessTime   time.Time `json:"lastSuccessTime"`
}

// MessageState snapshots the counts at the last message replacement, used for
// edit-vs-replace change detection.
type MessageState struct {
	MatchCount        int `json:"matchCount"`
	SubstitutionCount int `json:"substitutionCount"`
}

// TrackerState is the durable record for one series. It is owned exclusively
// by its Tracker; all reads and mutations happen under the actor mutex.
type TrackerState struct {
	GuildID     string `json:"guildId"`
	ChannelID   string `json:"channelId"`
	OwnerUserID string `json:"ownerUserId"`
	QueueNumber int    `json:"queueNumber"`

	Status   Status `json:"status"`
	IsPaused bool   `json:"isPaused"`

	CheckCount int `json:"checkCount"`

	StartTime          time.Time  `json:"startTime"`
	LastUpdateTime     time.Time  `json:"lastUpdateTime"`
	SearchStartTime    time.Time  `json:"searchStartTime"`
	LastRefreshAttempt *time.Time `json:"lastRefreshAttempt,omitempty"`

	Players map[string]PlayerIdentity `json:"players"`
	Teams   []Team                    `json:"teams"`

	Substitutions []Substitution `json:"substitutions"`

	// DiscoveredMatches and RawMatches share the same key set. Entries are
	// only ever added, never removed or mutated once present.
	DiscoveredMatches map[string]MatchSummary    `json:"discoveredMatches"`
	RawMatches        map[string]json.RawMessage `json:"rawMatches"`

	ErrorState       ErrorState   `json:"errorState"`
	LastMessageState MessageState `json:"lastMessageState"`

	LiveMessageID string `json:"liveMessageId"`

	// InteractionToken is persisted separately (encrypted at rest when an
	// encryption key is configured), never inside the state JSON.
	InteractionToken string `json:"-"`
}

// FindPlayerTeam returns the index of the team containing playerID, or -1.
func (s *TrackerState) FindPlayerTeam(playerID string) int {
	for i, team := range s.Teams {
		for _, id := range team.PlayerIDs {
			if id == playerID {
				return i
			}
		}
	}
	return -1
}

// MergeMatches unions newly discovered matches into the state without
// overwriting or dropping existing entries. Returns the number added.
func (s *TrackerState) MergeMatches(summaries map[string]MatchSummary, raw map[string]json.RawMessage) int {
	if s.DiscoveredMatches == nil {
		s.DiscoveredMatches = make(map[string]MatchSummary)
	}
	if s.RawMatches == nil {
		s.RawMatches = make(map[string]json.RawMessage)
	}
	added := 0
	for id, summary := range summaries {
		if _, exists := s.DiscoveredMatches[id]; exists {
			continue
		}
		s.DiscoveredMatches[id] = summary
		if r, ok := raw[id]; ok {
			s.RawMatches[id] = r
		}
		added++
	}
	return added
}

// SeriesScore tallies match wins per roster team in team order, e.g. "2-1".
// Returns "" when no match has a known winner.
func (s *TrackerState) SeriesScore() string {
	if len(s.Teams) == 0 {
		return ""
	}
	wins := make([]int, len(s.Teams))
	any := false
	for _, m := range s.DiscoveredMatches {
		if m.WinnerTeamIndex >= 0 && m.WinnerTeamIndex < len(wins) {
			wins[m.WinnerTeamIndex]++
			any = true
		}
	}
	if !any {
		return ""
	}
	parts := make([]string, len(wins))
	for i, w := range wins {
		parts[i] = strconv.Itoa(w)
	}
	return strings.Join(parts, "-")
}
