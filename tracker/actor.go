package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/scrimtrack/scrimtrack/telemetry"
)

// Options tunes tracker behavior. Zero values fall back to defaults.
type Options struct {
	PollInterval         time.Duration
	RefreshCooldown      time.Duration
	MaxConsecutiveErrors int
	ChannelRenameEnabled bool
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Minute
	}
	if o.RefreshCooldown <= 0 {
		o.RefreshCooldown = 30 * time.Second
	}
	if o.MaxConsecutiveErrors <= 0 {
		o.MaxConsecutiveErrors = 10
	}
	return o
}

// alarmScheduler is how a Tracker asks its Manager to (re)arm or cancel the
// in-process timer backing the persisted alarm.
type alarmScheduler interface {
	schedule(seriesKey string, at time.Time)
	cancel(seriesKey string)
}

// Tracker is the single-instance actor for one series. The hosting Manager
// guarantees one Tracker per series key; the mutex serializes handlers and
// alarm fires so state mutation is effectively single-threaded.
type Tracker struct {
	key        string
	mu         sync.Mutex
	store      Store
	output     OutputClient
	discoverer Discoverer
	sched      alarmScheduler
	opts       Options
	logger     *slog.Logger
}

func newTracker(key string, store Store, output OutputClient, discoverer Discoverer, sched alarmScheduler, opts Options) *Tracker {
	return &Tracker{
		key:        key,
		store:      store,
		output:     output,
		discoverer: discoverer,
		sched:      sched,
		opts:       opts.withDefaults(),
		logger:     slog.Default().With(slog.String("component", "tracker"), slog.String("series", key)),
	}
}

// StartRequest carries everything a start request provides.
type StartRequest struct {
	UserID           string                    `json:"userId"`
	GuildID          string                    `json:"guildId"`
	ChannelID        string                    `json:"channelId"`
	QueueNumber      int                       `json:"queueNumber"`
	LiveMessageID    string                    `json:"liveMessageId"`
	QueueStartTime   time.Time                 `json:"queueStartTime"`
	Players          map[string]PlayerIdentity `json:"players"`
	Teams            []Team                    `json:"teams"`
	InteractionToken string                    `json:"interactionToken"`
}

// loadState reads the persisted state, or returns (nil, nil) when absent.
func (t *Tracker) loadState(ctx context.Context) (*TrackerState, error) {
	raw, err := t.store.Get(ctx, stateKey)
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	if raw == nil {
		return nil, nil
	}
	var st TrackerState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	if tok, err := t.store.Get(ctx, interactionTokenKey); err == nil && tok != nil {
		st.InteractionToken = string(tok)
	}
	return &st, nil
}

// persistState writes the state (and interaction token, if any) back.
func (t *Tracker) persistState(ctx context.Context, st *TrackerState) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := t.store.Put(ctx, stateKey, raw); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	if st.InteractionToken != "" {
		if err := t.store.Put(ctx, interactionTokenKey, []byte(st.InteractionToken)); err != nil {
			return fmt.Errorf("persist interaction token: %w", err)
		}
	}
	return nil
}

// snapshot returns an independent copy safe to hand across the actor boundary.
func snapshot(st *TrackerState) *TrackerState {
	raw, err := json.Marshal(st)
	if err != nil {
		return st
	}
	var out TrackerState
	if err := json.Unmarshal(raw, &out); err != nil {
		return st
	}
	out.InteractionToken = st.InteractionToken
	return &out
}

// Start creates state for a new series and schedules the first poll.
func (t *Tracker) Start(ctx context.Context, req StartRequest) (*TrackerState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now().UTC()
	startTime := req.QueueStartTime
	if startTime.IsZero() {
		startTime = now
	}
	st := &TrackerState{
		GuildID:           req.GuildID,
		ChannelID:         req.ChannelID,
		OwnerUserID:       req.UserID,
		QueueNumber:       req.QueueNumber,
		Status:            StatusActive,
		IsPaused:          false,
		StartTime:         startTime,
		LastUpdateTime:    now,
		SearchStartTime:   startTime,
		Players:           req.Players,
		Teams:             req.Teams,
		Substitutions:     []Substitution{},
		DiscoveredMatches: map[string]MatchSummary{},
		RawMatches:        map[string]json.RawMessage{},
		ErrorState:        ErrorState{LastSuccessTime: now},
		LiveMessageID:     req.LiveMessageID,
		InteractionToken:  req.InteractionToken,
	}
	if st.Players == nil {
		st.Players = map[string]PlayerIdentity{}
	}

	if err := t.persistState(ctx, st); err != nil {
		return nil, err
	}
	next := now.Add(t.opts.PollInterval)
	if err := t.store.SetAlarm(ctx, next); err != nil {
		return nil, fmt.Errorf("set alarm: %w", err)
	}
	t.sched.schedule(t.key, next)
	t.logger.Info("tracker started",
		slog.String("channel_id", st.ChannelID),
		slog.Int("queue", st.QueueNumber),
		slog.Int("players", len(st.Players)),
		slog.Time("next_poll", next))
	return snapshot(st), nil
}

// Pause suspends polling. Idempotent: pausing a paused tracker is a no-op.
func (t *Tracker) Pause(ctx context.Context) (*TrackerState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, err := t.loadState(ctx)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, ErrNotFound
	}
	if st.Status == StatusStopped {
		return nil, validationErr("stopped", "Tracker is stopped")
	}
	if st.Status == StatusPaused {
		return snapshot(st), nil
	}
	st.Status = StatusPaused
	st.IsPaused = true
	st.LastUpdateTime = time.Now().UTC()
	if err := t.persistState(ctx, st); err != nil {
		return nil, err
	}
	t.logger.Info("tracker paused")
	return snapshot(st), nil
}

// Resume re-enables polling and reschedules the alarm.
func (t *Tracker) Resume(ctx context.Context) (*TrackerState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, err := t.loadState(ctx)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, ErrNotFound
	}
	if st.Status == StatusStopped {
		return nil, validationErr("stopped", "Tracker is stopped")
	}
	if st.Status == StatusActive {
		return snapshot(st), nil
	}
	st.Status = StatusActive
	st.IsPaused = false
	st.LastUpdateTime = time.Now().UTC()
	if err := t.persistState(ctx, st); err != nil {
		return nil, err
	}
	next := time.Now().UTC().Add(t.opts.PollInterval)
	if err := t.store.SetAlarm(ctx, next); err != nil {
		return nil, fmt.Errorf("set alarm: %w", err)
	}
	t.sched.schedule(t.key, next)
	t.logger.Info("tracker resumed", slog.Time("next_poll", next))
	return snapshot(st), nil
}

// Stop terminates the tracker: the schedule and every persisted key for the
// series are cleared. Returns the final state snapshot.
func (t *Tracker) Stop(ctx context.Context) (*TrackerState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, err := t.loadState(ctx)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, ErrNotFound
	}
	st.Status = StatusStopped
	st.LastUpdateTime = time.Now().UTC()
	final := snapshot(st)
	if err := t.teardown(ctx); err != nil {
		return nil, err
	}
	t.logger.Info("tracker stopped", slog.Int("matches", len(final.DiscoveredMatches)), slog.Int("checks", final.CheckCount))
	return final, nil
}

// teardown clears the alarm timer and all persisted storage. Caller holds mu.
func (t *Tracker) teardown(ctx context.Context) error {
	t.sched.cancel(t.key)
	if err := t.store.DeleteAlarm(ctx); err != nil {
		return fmt.Errorf("delete alarm: %w", err)
	}
	if err := t.store.DeleteAll(ctx); err != nil {
		return fmt.Errorf("delete storage: %w", err)
	}
	return nil
}

// Status is a pure read.
func (t *Tracker) Status(ctx context.Context) (*TrackerState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, err := t.loadState(ctx)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, ErrNotFound
	}
	return snapshot(st), nil
}

// Refresh manually triggers a poll cycle. A refresh within the cooldown window
// is rejected unless matchCompleted is set, which also suppresses every output
// call so an upstream completion event can force a silent state refresh.
func (t *Tracker) Refresh(ctx context.Context, matchCompleted bool) (*TrackerState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, err := t.loadState(ctx)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, ErrNotFound
	}
	if st.Status == StatusStopped {
		return nil, validationErr("stopped", "Tracker is stopped")
	}

	now := time.Now().UTC()
	if !matchCompleted && st.LastRefreshAttempt != nil && now.Sub(*st.LastRefreshAttempt) <= t.opts.RefreshCooldown {
		return nil, ErrCooldown
	}
	st.LastRefreshAttempt = &now

	t.runPoll(ctx, st, pollOptions{suppressOutput: matchCompleted, manual: true})
	return snapshot(st), nil
}

// Repost rebinds the tracker to a new live message id after the caller
// externally reposted the message.
func (t *Tracker) Repost(ctx context.Context, newMessageID string) (oldMessageID string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, err := t.loadState(ctx)
	if err != nil {
		return "", err
	}
	if st == nil {
		return "", ErrNotFound
	}
	if st.Status == StatusStopped {
		return "", validationErr("stopped", "Cannot repost a stopped tracker")
	}
	if strings.TrimSpace(newMessageID) == "" {
		return "", validationErr("invalid_message_id", "New message id is required")
	}
	oldMessageID = st.LiveMessageID
	st.LiveMessageID = newMessageID
	st.LastUpdateTime = time.Now().UTC()
	if err := t.persistState(ctx, st); err != nil {
		return "", err
	}
	t.logger.Info("tracker rebound to new message", slog.String("old", oldMessageID), slog.String("new", newMessageID))
	return oldMessageID, nil
}

// Substitute swaps playerOut for playerIn on the team containing playerOut.
// Discovery is re-run against the outgoing roster first so matches completed
// just before the swap are not lost, then the swap is applied atomically and
// the search window resets so discovery only looks forward from here.
func (t *Tracker) Substitute(ctx context.Context, playerOutID, playerInID string) (*Substitution, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, err := t.loadState(ctx)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, ErrNotFound
	}
	if st.Status == StatusStopped {
		return nil, validationErr("stopped", "Tracker is stopped")
	}

	teamIdx := st.FindPlayerTeam(playerOutID)
	if teamIdx < 0 {
		return nil, validationErr("player_not_found", "Player not found in teams")
	}

	identity, err := t.output.ResolveUser(ctx, st.GuildID, playerInID)
	if err != nil || identity == nil {
		return nil, validationErr("new_player_not_found", "New player not found")
	}

	// Sweep for in-flight matches under the old roster before mutating.
	if result, derr := t.discoverer.Discover(ctx, st); derr != nil {
		t.logger.Warn("pre-substitution discovery failed", slog.Any("err", derr))
	} else if added := st.MergeMatches(result.Summaries, result.Raw); added > 0 {
		t.logger.Info("pre-substitution sweep found matches", slog.Int("added", added))
	}

	now := time.Now().UTC()
	team := &st.Teams[teamIdx]
	for i, id := range team.PlayerIDs {
		if id == playerOutID {
			team.PlayerIDs[i] = playerInID
			break
		}
	}
	// The outgoing player's identity is retained for match attribution.
	st.Players[playerInID] = *identity
	sub := Substitution{
		PlayerOutID: playerOutID,
		PlayerInID:  playerInID,
		TeamIndex:   teamIdx,
		TeamName:    team.Name,
		Timestamp:   now,
	}
	st.Substitutions = append(st.Substitutions, sub)
	st.SearchStartTime = now
	st.LastUpdateTime = now

	if err := t.persistState(ctx, st); err != nil {
		return nil, err
	}
	t.logger.Info("substitution applied",
		slog.String("out", playerOutID),
		slog.String("in", playerInID),
		slog.Int("team", teamIdx),
		slog.String("team_name", team.Name))
	return &sub, nil
}

// HandleAlarm is the scheduled poll entry point. It is a silent no-op when the
// tracker is paused, stopped, or has no state.
func (t *Tracker) HandleAlarm(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, err := t.loadState(ctx)
	if err != nil {
		t.logger.Error("alarm: load state failed", slog.Any("err", err))
		return
	}
	if st == nil || st.Status != StatusActive || st.IsPaused {
		return
	}
	start := time.Now()
	t.runPoll(ctx, st, pollOptions{})
	if telemetry.PollDuration != nil {
		telemetry.PollDuration.Observe(time.Since(start).Seconds())
	}
}
