package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/scrimtrack/scrimtrack/telemetry"
)

// backoffSchedule is the capped per-error poll delay in minutes, indexed by
// consecutiveErrors-1.
var backoffSchedule = []int{1, 2, 3, 5, 8, 13, 21, 30}

// nextBackoffMinutes returns the poll delay for the given error count.
func nextBackoffMinutes(consecutiveErrors int) int {
	if consecutiveErrors <= 0 {
		return 0
	}
	idx := consecutiveErrors - 1
	if idx >= len(backoffSchedule) {
		idx = len(backoffSchedule) - 1
	}
	return backoffSchedule[idx]
}

// OutputAction is the message-sync decision for one poll.
type OutputAction struct {
	// Replace posts a new message and best-effort deletes OldMessageID.
	Replace      bool
	OldMessageID string
}

// decideOutputAction compares current counts to the last-replace snapshot.
// Growth in either matches or substitutions forces a replace so the message
// reappears at the bottom of the channel; otherwise the message is edited in
// place.
func decideOutputAction(st *TrackerState) OutputAction {
	if len(st.DiscoveredMatches) > st.LastMessageState.MatchCount ||
		len(st.Substitutions) > st.LastMessageState.SubstitutionCount {
		return OutputAction{Replace: true, OldMessageID: st.LiveMessageID}
	}
	return OutputAction{}
}

type pollOptions struct {
	// suppressOutput skips every OutputClient call; state is still updated.
	suppressOutput bool
	// manual marks a caller-triggered refresh rather than an alarm fire.
	manual bool
}

// runPoll executes one poll cycle over st. Caller holds the actor mutex.
// State is persisted exactly once, at the end, and the next alarm is armed
// unless the cycle escalated to an auto-stop.
func (t *Tracker) runPoll(ctx context.Context, st *TrackerState, opts pollOptions) {
	if telemetry.PollsTotal != nil {
		telemetry.PollsTotal.Inc()
	}
	logger := t.logger.With(slog.Int("check", st.CheckCount+1), slog.Bool("manual", opts.manual))

	// 1. Discovery. A failure books the error, backs off (or auto-stops at
	// the threshold) and ends the cycle.
	result, err := t.discoverer.Discover(ctx, st)
	if err != nil {
		t.recordFailure(ctx, st, wrapPollErr("discovery", err), logger)
		return
	}
	if added := st.MergeMatches(result.Summaries, result.Raw); added > 0 {
		logger.Info("discovered new matches", slog.Int("added", added), slog.Int("total", len(st.DiscoveredMatches)))
	}

	// 2. Bump the poll counter whether or not discovery succeeded.
	st.CheckCount++

	// 3. Output sync. Note the error-state reset is tied to a successful
	// Discord update, not to discovery: the tracker distinguishes "can find
	// matches" from "can still talk to the channel".
	if !opts.suppressOutput {
		if stop := t.syncOutput(ctx, st, logger); stop {
			return // auto-stopped on fatal output error
		}
	}

	// 4. Optional channel-name score suffix, best effort.
	if !opts.suppressOutput && t.opts.ChannelRenameEnabled {
		t.syncChannelName(ctx, st, logger)
	}

	// 5. Single persist + reschedule.
	st.LastUpdateTime = time.Now().UTC()
	if err := t.persistState(ctx, st); err != nil {
		logger.Error("persist failed", slog.Any("err", err))
	}
	t.scheduleNext(ctx, st, logger)
}

// recordFailure books a transient failure into errorState and either backs
// off and reschedules, or escalates to an auto-stop at the error threshold.
func (t *Tracker) recordFailure(ctx context.Context, st *TrackerState, err error, logger *slog.Logger) {
	if telemetry.PollErrors != nil {
		telemetry.PollErrors.Inc()
	}
	st.ErrorState.ConsecutiveErrors++
	st.ErrorState.BackoffMinutes = nextBackoffMinutes(st.ErrorState.ConsecutiveErrors)
	st.ErrorState.LastErrorMessage = err.Error()
	logger.Warn("poll failure recorded",
		slog.Any("err", err),
		slog.Int("consecutive", st.ErrorState.ConsecutiveErrors),
		slog.Int("backoff_minutes", st.ErrorState.BackoffMinutes))

	if st.ErrorState.ConsecutiveErrors >= t.opts.MaxConsecutiveErrors {
		t.autoStop(ctx, st, fmt.Sprintf("threshold exceeded after %d consecutive errors", st.ErrorState.ConsecutiveErrors), logger)
		return
	}

	st.CheckCount++
	st.LastUpdateTime = time.Now().UTC()
	if perr := t.persistState(ctx, st); perr != nil {
		logger.Error("persist failed", slog.Any("err", perr))
	}
	t.scheduleNext(ctx, st, logger)
}

// autoStop tears the tracker down after a fatal or threshold-exceeded error.
func (t *Tracker) autoStop(ctx context.Context, st *TrackerState, reason string, logger *slog.Logger) {
	if telemetry.AutoStops != nil {
		telemetry.AutoStops.Inc()
	}
	logger.Error("auto-stopping tracker",
		slog.String("reason", reason),
		slog.String("last_error", st.ErrorState.LastErrorMessage))
	if err := t.teardown(ctx); err != nil {
		logger.Error("auto-stop teardown failed", slog.Any("err", err))
	}
}

// syncOutput applies the edit-vs-replace decision. Returns true when a fatal
// output error caused an auto-stop.
func (t *Tracker) syncOutput(ctx context.Context, st *TrackerState, logger *slog.Logger) bool {
	action := decideOutputAction(st)
	var err error
	if action.Replace {
		var newID string
		newID, err = t.output.PostSeriesMessage(ctx, st.ChannelID, st)
		if err == nil {
			if action.OldMessageID != "" {
				// Best effort: a failed delete leaves a stale message behind
				// but never fails the poll.
				if derr := t.output.DeleteMessage(ctx, st.ChannelID, action.OldMessageID); derr != nil {
					logger.Warn("old message delete failed", slog.String("message_id", action.OldMessageID), slog.Any("err", derr))
				}
			}
			st.LiveMessageID = newID
			st.LastMessageState = MessageState{
				MatchCount:        len(st.DiscoveredMatches),
				SubstitutionCount: len(st.Substitutions),
			}
			if telemetry.MessagesReplaced != nil {
				telemetry.MessagesReplaced.Inc()
			}
		}
	} else {
		err = t.output.EditSeriesMessage(ctx, st.ChannelID, st.LiveMessageID, st)
		if err == nil && telemetry.MessagesEdited != nil {
			telemetry.MessagesEdited.Inc()
		}
	}

	if err != nil {
		if IsFatalOutputError(err) {
			st.ErrorState.LastErrorMessage = err.Error()
			t.autoStop(ctx, st, "output channel gone", logger)
			return true
		}
		// Transient delivery failure: recorded, poll still reschedules.
		// Delivery errors count toward the same threshold as discovery
		// errors; a channel that never accepts updates must not poll at
		// the backoff cap forever.
		st.ErrorState.ConsecutiveErrors++
		st.ErrorState.BackoffMinutes = nextBackoffMinutes(st.ErrorState.ConsecutiveErrors)
		st.ErrorState.LastErrorMessage = err.Error()
		logger.Warn("output sync failed", slog.Any("err", err), slog.Int("consecutive", st.ErrorState.ConsecutiveErrors))
		if st.ErrorState.ConsecutiveErrors >= t.opts.MaxConsecutiveErrors {
			t.autoStop(ctx, st, fmt.Sprintf("threshold exceeded after %d consecutive errors", st.ErrorState.ConsecutiveErrors), logger)
			return true
		}
		return false
	}

	// A successful Discord update is the only thing that clears error state.
	st.ErrorState.ConsecutiveErrors = 0
	st.ErrorState.BackoffMinutes = 0
	st.ErrorState.LastErrorMessage = ""
	st.ErrorState.LastSuccessTime = time.Now().UTC()
	return false
}

// syncChannelName keeps a "│2-1" style score suffix on the channel name.
// Failures here are logged and never affect the rest of the poll.
func (t *Tracker) syncChannelName(ctx context.Context, st *TrackerState, logger *slog.Logger) {
	current, err := t.output.ChannelName(ctx, st.ChannelID)
	if err != nil {
		logger.Warn("channel name fetch failed", slog.Any("err", err))
		return
	}
	base := stripScoreSuffix(current)
	want := base
	if score := st.SeriesScore(); score != "" {
		want = base + scoreSuffixSep + score
	}
	if want == current {
		return
	}
	if err := t.output.RenameChannel(ctx, st.ChannelID, want); err != nil {
		logger.Warn("channel rename failed", slog.String("name", want), slog.Any("err", err))
		return
	}
	logger.Info("channel renamed", slog.String("name", want))
}

const scoreSuffixSep = "│"

// stripScoreSuffix removes a previously embedded score suffix from a channel
// name, leaving the base name intact.
func stripScoreSuffix(name string) string {
	if i := strings.LastIndex(name, scoreSuffixSep); i >= 0 {
		return name[:i]
	}
	return name
}

// scheduleNext arms the next alarm using the current backoff interval.
func (t *Tracker) scheduleNext(ctx context.Context, st *TrackerState, logger *slog.Logger) {
	delay := t.opts.PollInterval
	if st.ErrorState.BackoffMinutes > 0 {
		delay = time.Duration(st.ErrorState.BackoffMinutes) * time.Minute
	}
	next := time.Now().UTC().Add(delay)
	if err := t.store.SetAlarm(ctx, next); err != nil {
		logger.Error("set alarm failed", slog.Any("err", err))
		return
	}
	t.sched.schedule(t.key, next)
	logger.Debug("next poll scheduled", slog.Time("at", next), slog.Duration("delay", delay))
}
