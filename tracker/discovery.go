package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/scrimtrack/scrimtrack/haloapi"
	"github.com/scrimtrack/scrimtrack/identity"
	"github.com/scrimtrack/scrimtrack/telemetry"
)

// MatchLister pages completed custom matches for one player. Implemented by
// *haloapi.Client.
type MatchLister interface {
	ListMatches(ctx context.Context, xuid string, since time.Time, count int) ([]haloapi.Match, []json.RawMessage, error)
}

// defaultMatchPage bounds one listing request; matches older than the series
// search window are filtered out regardless.
const defaultMatchPage = 25

// DiscoveryEngine finds the series' newly completed matches: it resolves the
// Discord roster to stats identities, lists recent custom matches for the
// resolved players, fuzzy-matches the remaining roster against in-match
// gamertags, and keeps only matches where enough of the roster took part.
type DiscoveryEngine struct {
	resolver *identity.Resolver
	matches  MatchLister
	pageSize int
	logger   *slog.Logger
}

func NewDiscoveryEngine(resolver *identity.Resolver, matches MatchLister) *DiscoveryEngine {
	return &DiscoveryEngine{
		resolver: resolver,
		matches:  matches,
		pageSize: defaultMatchPage,
		logger:   slog.Default().With(slog.String("component", "discovery")),
	}
}

// rosterView is the per-poll working set: current roster players grouped by
// team, plus the xuid index built up as resolution progresses.
type rosterView struct {
	players    []identity.Player // current roster only, team order
	teamOf     map[string]int    // discord user id -> roster team index
	xuidToTeam map[string]int    // resolved xuid -> roster team index
	resolved   map[string]identity.Resolution
}

func buildRoster(st *TrackerState) *rosterView {
	rv := &rosterView{
		teamOf:     make(map[string]int),
		xuidToTeam: make(map[string]int),
	}
	for ti, team := range st.Teams {
		for _, id := range team.PlayerIDs {
			pi, ok := st.Players[id]
			if !ok {
				continue
			}
			rv.players = append(rv.players, identity.Player{
				DiscordUserID: id,
				Username:      pi.Username,
				GlobalName:    pi.GlobalName,
				Nickname:      pi.Nickname,
			})
			rv.teamOf[id] = ti
		}
	}
	return rv
}

func (rv *rosterView) adopt(resolutions map[string]identity.Resolution) {
	if rv.resolved == nil {
		rv.resolved = make(map[string]identity.Resolution)
	}
	for id, res := range resolutions {
		rv.resolved[id] = res
		rv.xuidToTeam[res.XUID] = rv.teamOf[id]
	}
}

// unresolvedByTeam returns roster players without a resolution, grouped by
// team index.
func (rv *rosterView) unresolvedByTeam() map[int][]identity.Player {
	out := make(map[int][]identity.Player)
	for _, p := range rv.players {
		if _, ok := rv.resolved[p.DiscordUserID]; ok {
			continue
		}
		ti := rv.teamOf[p.DiscordUserID]
		out[ti] = append(out[ti], p)
	}
	return out
}

// Discover implements Discoverer.
func (e *DiscoveryEngine) Discover(ctx context.Context, st *TrackerState) (*DiscoveryResult, error) {
	start := time.Now()
	defer func() {
		if telemetry.DiscoveryDuration != nil {
			telemetry.DiscoveryDuration.Observe(time.Since(start).Seconds())
		}
	}()

	rv := buildRoster(st)
	if len(rv.players) == 0 {
		return nil, errors.New("discover: series has no roster players")
	}
	rv.adopt(e.resolver.Resolve(ctx, rv.players))
	if len(rv.resolved) == 0 {
		return nil, errors.New("discover: no roster player could be resolved to a stats identity")
	}

	candidates, raw, err := e.listCandidates(ctx, rv, st)
	if err != nil {
		return nil, err
	}

	// Fuzzy pass: unresolved roster players vs gamertags seen on the
	// corresponding match team, scoped team by team.
	pools := collectFuzzyPools(candidates, rv)
	for ti, players := range rv.unresolvedByTeam() {
		pool := pools[ti]
		if len(pool) == 0 {
			continue
		}
		rv.adopt(e.resolver.MatchTeam(ctx, players, pool))
	}

	result := &DiscoveryResult{
		Summaries: make(map[string]MatchSummary),
		Raw:       make(map[string]json.RawMessage),
	}
	for _, m := range candidates {
		if !e.rosterPresent(m, rv) {
			continue
		}
		result.Summaries[m.ID] = summarize(m, rv)
		if r, ok := raw[m.ID]; ok {
			result.Raw[m.ID] = r
		}
	}
	e.logger.Debug("discovery pass complete",
		slog.Int("candidates", len(candidates)),
		slog.Int("accepted", len(result.Summaries)),
		slog.Int("resolved_players", len(rv.resolved)))
	return result, nil
}

// listCandidates unions match listings seeded from one resolved player per
// team. Listing succeeds if any seed does; it fails only when every seed
// fails, so one player's broken history can't blank the series.
func (e *DiscoveryEngine) listCandidates(ctx context.Context, rv *rosterView, st *TrackerState) ([]haloapi.Match, map[string]json.RawMessage, error) {
	seeds := seedXUIDs(rv)
	byID := make(map[string]haloapi.Match)
	raw := make(map[string]json.RawMessage)
	var lastErr error
	succeeded := false
	for _, xuid := range seeds {
		matches, rawMatches, err := e.matches.ListMatches(ctx, xuid, st.SearchStartTime, e.pageSize)
		if err != nil {
			lastErr = err
			e.logger.Warn("match listing failed for seed", slog.String("xuid", xuid), slog.Any("err", err))
			continue
		}
		succeeded = true
		for i, m := range matches {
			if m.EndTime.Before(st.SearchStartTime) {
				continue
			}
			if _, seen := byID[m.ID]; seen {
				continue
			}
			byID[m.ID] = m
			if i < len(rawMatches) {
				raw[m.ID] = rawMatches[i]
			}
		}
	}
	if !succeeded {
		return nil, nil, fmt.Errorf("discover: all match listings failed: %w", lastErr)
	}
	out := make([]haloapi.Match, 0, len(byID))
	for _, m := range byID {
		out = append(out, m)
	}
	return out, raw, nil
}

// seedXUIDs picks the first resolved player of each team, in team order.
func seedXUIDs(rv *rosterView) []string {
	seen := make(map[int]bool)
	var seeds []string
	for _, p := range rv.players {
		res, ok := rv.resolved[p.DiscordUserID]
		if !ok {
			continue
		}
		ti := rv.teamOf[p.DiscordUserID]
		if seen[ti] {
			continue
		}
		seen[ti] = true
		seeds = append(seeds, res.XUID)
	}
	return seeds
}

// teamMapping maps a match's team indexes onto roster team indexes by
// majority of already-resolved roster players. Unmappable match teams are
// absent from the result.
func teamMapping(m haloapi.Match, rv *rosterView) map[int]int {
	// votes[matchTeam][rosterTeam]
	votes := make(map[int]map[int]int)
	for _, mp := range m.Players {
		rt, ok := rv.xuidToTeam[mp.XUID]
		if !ok {
			continue
		}
		if votes[mp.TeamIndex] == nil {
			votes[mp.TeamIndex] = make(map[int]int)
		}
		votes[mp.TeamIndex][rt]++
	}
	out := make(map[int]int, len(votes))
	for mt, tally := range votes {
		best, bestVotes := -1, 0
		tied := false
		for rt, n := range tally {
			switch {
			case n > bestVotes:
				best, bestVotes, tied = rt, n, false
			case n == bestVotes:
				tied = true
			}
		}
		if best >= 0 && !tied {
			out[mt] = best
		}
	}
	return out
}

// collectFuzzyPools gathers, per roster team, the gamertags of match
// participants that did not resolve to any roster player, drawn from match
// teams mapped to that roster team.
func collectFuzzyPools(candidates []haloapi.Match, rv *rosterView) map[int][]haloapi.User {
	pools := make(map[int][]haloapi.User)
	seen := make(map[int]map[string]bool)
	for _, m := range candidates {
		mapping := teamMapping(m, rv)
		for _, mp := range m.Players {
			if _, resolved := rv.xuidToTeam[mp.XUID]; resolved {
				continue
			}
			rt, ok := mapping[mp.TeamIndex]
			if !ok || mp.Gamertag == "" {
				continue
			}
			if seen[rt] == nil {
				seen[rt] = make(map[string]bool)
			}
			key := strings.ToLower(mp.Gamertag)
			if seen[rt][key] {
				continue
			}
			seen[rt][key] = true
			pools[rt] = append(pools[rt], haloapi.User{XUID: mp.XUID, Gamertag: mp.Gamertag})
		}
	}
	return pools
}

// rosterPresent reports whether at least half of the resolved roster took
// part in the match, the acceptance bar for counting it toward the series.
func (e *DiscoveryEngine) rosterPresent(m haloapi.Match, rv *rosterView) bool {
	if len(rv.resolved) == 0 {
		return false
	}
	inMatch := make(map[string]bool, len(m.Players))
	for _, mp := range m.Players {
		inMatch[mp.XUID] = true
	}
	present := 0
	for _, res := range rv.resolved {
		if inMatch[res.XUID] {
			present++
		}
	}
	return present*2 >= len(rv.resolved)
}

// summarize builds the per-match record. The score string lists match team
// scores in roster-team order where the mapping is known, falling back to
// match order. The winner is the top-scoring match team mapped back to its
// roster team, -1 on ties or unmapped winners.
func summarize(m haloapi.Match, rv *rosterView) MatchSummary {
	mapping := teamMapping(m, rv)

	scoreByRoster := make(map[int]int)
	for _, mt := range m.Teams {
		if rt, ok := mapping[mt.Index]; ok {
			scoreByRoster[rt] = mt.Score
		}
	}
	var parts []string
	if len(scoreByRoster) == len(m.Teams) && len(m.Teams) > 0 {
		rosterIdxs := make([]int, 0, len(scoreByRoster))
		for rt := range scoreByRoster {
			rosterIdxs = append(rosterIdxs, rt)
		}
		sort.Ints(rosterIdxs)
		for _, rt := range rosterIdxs {
			parts = append(parts, strconv.Itoa(scoreByRoster[rt]))
		}
	} else {
		for _, mt := range m.Teams {
			parts = append(parts, strconv.Itoa(mt.Score))
		}
	}

	winner := -1
	bestScore := 0
	tied := false
	for _, mt := range m.Teams {
		switch {
		case mt.Score > bestScore:
			bestScore = mt.Score
			tied = false
			if rt, ok := mapping[mt.Index]; ok {
				winner = rt
			} else {
				winner = -1
			}
		case mt.Score == bestScore:
			tied = true
		}
	}
	if tied {
		winner = -1
	}

	return MatchSummary{
		Map:             m.Map,
		Mode:            m.Playlist,
		Score:           strings.Join(parts, "-"),
		Duration:        m.Duration(),
		EndTime:         m.EndTime,
		WinnerTeamIndex: winner,
	}
}
