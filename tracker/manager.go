package tracker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/scrimtrack/scrimtrack/telemetry"
)

// Manager is the actor host: it guarantees one Tracker per series key, owns
// the in-process timers backing persisted alarms, and rehydrates trackers
// after a restart. Alarm fires are level-triggered: one pending timer per
// series, replaced whenever the tracker reschedules.
type Manager struct {
	mu       sync.Mutex
	trackers map[string]*Tracker
	timers   map[string]*time.Timer

	provider   StoreProvider
	output     OutputClient
	discoverer Discoverer
	opts       Options

	baseCtx context.Context
	logger  *slog.Logger
}

// NewManager wires the actor host. baseCtx bounds alarm-fired poll work; when
// it is cancelled no new poll begins.
func NewManager(baseCtx context.Context, provider StoreProvider, output OutputClient, discoverer Discoverer, opts Options) *Manager {
	telemetry.Init()
	return &Manager{
		trackers:   make(map[string]*Tracker),
		timers:     make(map[string]*time.Timer),
		provider:   provider,
		output:     output,
		discoverer: discoverer,
		opts:       opts.withDefaults(),
		baseCtx:    baseCtx,
		logger:     slog.Default().With(slog.String("component", "tracker_manager")),
	}
}

// Tracker returns the single actor instance for the series key, creating it
// on first use.
func (m *Manager) Tracker(seriesKey string) *Tracker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tr, ok := m.trackers[seriesKey]; ok {
		return tr
	}
	tr := newTracker(seriesKey, m.provider.Series(seriesKey), m.output, m.discoverer, m, m.opts)
	m.trackers[seriesKey] = tr
	return tr
}

// schedule arms (or re-arms) the in-process timer for a series alarm.
func (m *Manager) schedule(seriesKey string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[seriesKey]; ok {
		t.Stop()
	}
	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	// The fired timer removes itself from the map so a poll that does not
	// reschedule (paused, stopped, stale) stops counting as active. The
	// identity check keeps a fire that lost the race against a re-arm from
	// dropping the replacement timer. Reading tm under m.mu is what makes
	// the capture safe against an immediate fire.
	var tm *time.Timer
	tm = time.AfterFunc(delay, func() {
		m.mu.Lock()
		if m.timers[seriesKey] == tm {
			delete(m.timers, seriesKey)
			telemetry.SetActiveTrackers(len(m.timers))
		}
		m.mu.Unlock()
		m.fire(seriesKey)
	})
	m.timers[seriesKey] = tm
	telemetry.SetActiveTrackers(len(m.timers))
}

// cancel drops the pending timer for a series, if any.
func (m *Manager) cancel(seriesKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[seriesKey]; ok {
		t.Stop()
		delete(m.timers, seriesKey)
	}
	telemetry.SetActiveTrackers(len(m.timers))
}

// fire delivers one alarm to the tracker. The tracker decides whether the
// alarm is still live; a stale fire against paused/stopped state is a no-op.
func (m *Manager) fire(seriesKey string) {
	if m.baseCtx.Err() != nil {
		return
	}
	m.Tracker(seriesKey).HandleAlarm(m.baseCtx)
}

// ActiveCount returns the number of series with an armed timer.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// Rehydrate reloads persisted series after a restart: active trackers get
// their alarms re-armed (immediately when the persisted fire time has already
// passed), paused trackers are left dormant.
func (m *Manager) Rehydrate(ctx context.Context) error {
	keys, err := m.provider.ActiveSeries(ctx)
	if err != nil {
		return err
	}
	restored := 0
	for _, key := range keys {
		tr := m.Tracker(key)
		st, err := tr.loadState(ctx)
		if err != nil {
			m.logger.Warn("rehydrate: state load failed", slog.String("series", key), slog.Any("err", err))
			continue
		}
		if st == nil || st.Status != StatusActive {
			continue
		}
		at, err := tr.store.GetAlarm(ctx)
		if err != nil {
			m.logger.Warn("rehydrate: alarm load failed", slog.String("series", key), slog.Any("err", err))
			continue
		}
		if at.IsZero() {
			// Active state without an alarm shouldn't happen; recover by
			// scheduling a prompt poll.
			at = time.Now().UTC().Add(10 * time.Second)
			if err := tr.store.SetAlarm(ctx, at); err != nil {
				m.logger.Warn("rehydrate: alarm repair failed", slog.String("series", key), slog.Any("err", err))
				continue
			}
		}
		m.schedule(key, at)
		restored++
	}
	m.logger.Info("rehydrated trackers", slog.Int("persisted", len(keys)), slog.Int("scheduled", restored))
	return nil
}

// Shutdown stops all timers. In-flight polls run to completion; their writes
// are accepted (last write wins, no compensating transaction).
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, t := range m.timers {
		t.Stop()
		delete(m.timers, key)
	}
	telemetry.SetActiveTrackers(0)
}
