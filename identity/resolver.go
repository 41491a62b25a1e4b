package identity

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/scrimtrack/scrimtrack/haloapi"
	"github.com/scrimtrack/scrimtrack/telemetry"
)

const (
	// fuzzyThreshold is the minimum similarity for a fuzzy assignment to be
	// committed at all.
	fuzzyThreshold = 0.60
	// historicalBoost is added when a candidate account repeats a player's
	// last fuzzy match, rewarding consistency across series.
	historicalBoost = 0.15
)

// Player is a Discord participant as seen by the series tracker.
type Player struct {
	DiscordUserID string
	Username      string
	GlobalName    string
	Nickname      string
}

// names returns the player's display names in search-preference order,
// skipping blanks.
func (p Player) names() []string {
	var out []string
	for _, n := range []string{p.Username, p.GlobalName, p.Nickname} {
		if strings.TrimSpace(n) != "" {
			out = append(out, n)
		}
	}
	return out
}

// Resolution is one resolved Discord user to XUID mapping and how it was
// obtained.
type Resolution struct {
	XUID     string
	Gamertag string
	Reason   Reason
	Score    float64
}

// Resolver maps Discord players to stats-API identities: stored confident
// associations first, then live gamertag searches of their Discord names,
// leaving the remainder for team-scoped fuzzy matching.
type Resolver struct {
	cache  *Cache
	assoc  AssociationStore
	logger *slog.Logger
}

func NewResolver(cache *Cache, assoc AssociationStore) *Resolver {
	return &Resolver{
		cache:  cache,
		assoc:  assoc,
		logger: slog.Default().With(slog.String("component", "identity_resolver")),
	}
}

// Resolve maps as many players as possible without any match-derived context.
// The returned map is keyed by Discord user ID; players absent from it need
// fuzzy matching. Lookup failures downgrade to "unresolved", never an error:
// a broken stats API must not break discovery for players already resolved.
func (r *Resolver) Resolve(ctx context.Context, players []Player) map[string]Resolution {
	resolved := make(map[string]Resolution, len(players))
	if len(players) == 0 {
		return resolved
	}

	ids := make([]string, 0, len(players))
	for _, p := range players {
		ids = append(ids, p.DiscordUserID)
	}
	stored, err := r.assoc.GetAll(ctx, ids)
	if err != nil {
		r.logger.Warn("association lookup failed", slog.Any("err", err))
		stored = nil
	}

	var pending []Player
	for _, p := range players {
		if a, ok := stored[p.DiscordUserID]; ok && a.Confident() {
			resolved[p.DiscordUserID] = Resolution{XUID: a.XUID, Gamertag: a.LastSearchedName, Reason: a.Reason, Score: exactScore}
			continue
		}
		pending = append(pending, p)
	}

	for _, p := range pending {
		res, ok := r.searchByNames(ctx, p)
		if !ok {
			continue
		}
		resolved[p.DiscordUserID] = res
		r.commit(ctx, Association{
			DiscordUserID:    p.DiscordUserID,
			XUID:             res.XUID,
			Retrievability:   RetrievableYes,
			Reason:           res.Reason,
			LastSearchedName: res.Gamertag,
			AssociatedAt:     time.Now().UTC(),
		})
	}
	return resolved
}

// searchByNames tries the player's Discord names as gamertags, username
// first. A hit requires the returned gamertag to actually match the searched
// name; the stats API echoes back only known tags so any result is a match,
// but the check guards against partial-batch semantics.
func (r *Resolver) searchByNames(ctx context.Context, p Player) (Resolution, bool) {
	for i, name := range p.names() {
		users, err := r.cache.UsersByGamertags(ctx, []string{name})
		if err != nil || len(users) == 0 {
			continue
		}
		u := users[0]
		if !strings.EqualFold(strings.TrimSpace(u.Gamertag), strings.TrimSpace(name)) {
			continue
		}
		reason := ReasonUsernameSearch
		if i > 0 {
			reason = ReasonDisplayNameSearch
		}
		return Resolution{XUID: u.XUID, Gamertag: u.Gamertag, Reason: reason, Score: exactScore}, true
	}
	return Resolution{}, false
}

// fuzzyPair is one candidate player/gamertag pairing under consideration.
type fuzzyPair struct {
	playerIdx    int
	candidateIdx int
	score        float64
}

// MatchTeam assigns unresolved players of one roster team to candidate
// identities seen on the corresponding match team. Assignment is greedy by
// descending score with each player and each candidate used at most once;
// pairs below the confidence threshold are discarded. Committed assignments
// record their fuzzy provenance so they are re-verified rather than trusted
// on later runs.
func (r *Resolver) MatchTeam(ctx context.Context, unresolved []Player, pool []haloapi.User) map[string]Resolution {
	out := make(map[string]Resolution)
	if len(unresolved) == 0 || len(pool) == 0 {
		return out
	}

	ids := make([]string, 0, len(unresolved))
	for _, p := range unresolved {
		ids = append(ids, p.DiscordUserID)
	}
	prior, err := r.assoc.GetAll(ctx, ids)
	if err != nil {
		prior = nil
	}

	var pairs []fuzzyPair
	for pi, p := range unresolved {
		for ci, u := range pool {
			score := bestNameScore(p, u.Gamertag)
			// The boost follows the account id so it survives gamertag
			// renames; the name comparison is kept as a fallback for
			// associations recorded before the xuid was known.
			if a, ok := prior[p.DiscordUserID]; ok && a.Reason == ReasonGameSimilarity &&
				(a.XUID == u.XUID || strings.EqualFold(a.LastSearchedName, u.Gamertag)) {
				score += historicalBoost
			}
			if score < fuzzyThreshold {
				continue
			}
			pairs = append(pairs, fuzzyPair{playerIdx: pi, candidateIdx: ci, score: score})
		}
	}
	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].score > pairs[j].score })

	usedPlayer := make(map[int]bool, len(unresolved))
	usedCandidate := make(map[int]bool, len(pool))
	for _, pr := range pairs {
		if usedPlayer[pr.playerIdx] || usedCandidate[pr.candidateIdx] {
			continue
		}
		usedPlayer[pr.playerIdx] = true
		usedCandidate[pr.candidateIdx] = true

		p := unresolved[pr.playerIdx]
		u := pool[pr.candidateIdx]
		out[p.DiscordUserID] = Resolution{XUID: u.XUID, Gamertag: u.Gamertag, Reason: ReasonGameSimilarity, Score: pr.score}
		r.commit(ctx, Association{
			DiscordUserID:    p.DiscordUserID,
			XUID:             u.XUID,
			Retrievability:   RetrievableUnknown,
			Reason:           ReasonGameSimilarity,
			LastSearchedName: u.Gamertag,
			AssociatedAt:     time.Now().UTC(),
		})
		if telemetry.FuzzyMatchesCommitted != nil {
			telemetry.FuzzyMatchesCommitted.Inc()
		}
	}
	return out
}

func (r *Resolver) commit(ctx context.Context, a Association) {
	if err := r.assoc.Upsert(ctx, a); err != nil {
		r.logger.Warn("association upsert failed",
			slog.String("discord_user_id", a.DiscordUserID), slog.Any("err", err))
	}
}
