package identity

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/scrimtrack/scrimtrack/haloapi"
)

// memAssoc is an in-memory AssociationStore for resolver tests.
type memAssoc struct {
	mu   sync.Mutex
	data map[string]Association
}

func newMemAssoc() *memAssoc { return &memAssoc{data: make(map[string]Association)} }

func (m *memAssoc) GetAll(_ context.Context, ids []string) (map[string]Association, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Association)
	for _, id := range ids {
		if a, ok := m.data[id]; ok {
			out[id] = a
		}
	}
	return out, nil
}

func (m *memAssoc) Upsert(_ context.Context, a Association) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[a.DiscordUserID] = a
	return nil
}

func (m *memAssoc) get(id string) (Association, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.data[id]
	return a, ok
}

func newTestResolver(t *testing.T, provider Provider, assoc AssociationStore) *Resolver {
	t.Helper()
	cache := NewCache(newTestRedis(t), provider, nil, time.Hour)
	return NewResolver(cache, assoc)
}

func TestResolveUsesStoredConfidentAssociation(t *testing.T) {
	provider := newFakeProvider() // knows nobody; must not be needed
	assoc := newMemAssoc()
	assoc.data["d1"] = Association{
		DiscordUserID:    "d1",
		XUID:             "x1",
		Retrievability:   RetrievableYes,
		Reason:           ReasonUsernameSearch,
		LastSearchedName: "Alpha",
	}
	r := newTestResolver(t, provider, assoc)

	resolved := r.Resolve(context.Background(), []Player{{DiscordUserID: "d1", Username: "Alpha"}})
	res, ok := resolved["d1"]
	if !ok || res.XUID != "x1" || res.Gamertag != "Alpha" {
		t.Fatalf("resolved = %+v", resolved)
	}
	if provider.callCount() != 0 {
		t.Errorf("stats API consulted despite a confident stored association")
	}
}

func TestResolveIgnoresUnconfidentAssociations(t *testing.T) {
	provider := newFakeProvider(haloapi.User{XUID: "x2", Gamertag: "Bravo"})
	assoc := newMemAssoc()
	// Fuzzy provenance is never trusted without re-verification.
	assoc.data["d2"] = Association{
		DiscordUserID:  "d2",
		XUID:           "stale",
		Retrievability: RetrievableUnknown,
		Reason:         ReasonGameSimilarity,
	}
	r := newTestResolver(t, provider, assoc)

	resolved := r.Resolve(context.Background(), []Player{{DiscordUserID: "d2", Username: "Bravo"}})
	if res := resolved["d2"]; res.XUID != "x2" || res.Reason != ReasonUsernameSearch {
		t.Fatalf("resolved = %+v", resolved)
	}
}

func TestResolveSearchesNamesInPreferenceOrder(t *testing.T) {
	provider := newFakeProvider(haloapi.User{XUID: "x3", Gamertag: "NickTag"})
	assoc := newMemAssoc()
	r := newTestResolver(t, provider, assoc)

	players := []Player{{
		DiscordUserID: "d3",
		Username:      "unknown-name",
		GlobalName:    "also unknown",
		Nickname:      "NickTag",
	}}
	resolved := r.Resolve(context.Background(), players)
	res, ok := resolved["d3"]
	if !ok {
		t.Fatal("player not resolved via nickname")
	}
	if res.Reason != ReasonDisplayNameSearch {
		t.Errorf("reason = %s, want %s", res.Reason, ReasonDisplayNameSearch)
	}

	a, ok := assoc.get("d3")
	if !ok {
		t.Fatal("no association committed")
	}
	if a.Retrievability != RetrievableYes || a.XUID != "x3" || a.LastSearchedName != "NickTag" {
		t.Errorf("committed association = %+v", a)
	}
}

func TestResolveLeavesUnknownPlayersUnresolved(t *testing.T) {
	r := newTestResolver(t, newFakeProvider(), newMemAssoc())
	resolved := r.Resolve(context.Background(), []Player{{DiscordUserID: "d4", Username: "nobody"}})
	if len(resolved) != 0 {
		t.Fatalf("resolved = %+v", resolved)
	}
}

func TestMatchTeamGreedyAssignsEachCandidateOnce(t *testing.T) {
	r := newTestResolver(t, newFakeProvider(), newMemAssoc())

	// Both players resemble "Striker"; only the closer one may have it.
	unresolved := []Player{
		{DiscordUserID: "d1", Username: "Strikes"}, // distance 2 from Striker
		{DiscordUserID: "d2", Username: "Striker"}, // exact
	}
	pool := []haloapi.User{
		{XUID: "x1", Gamertag: "Striker"},
		{XUID: "x2", Gamertag: "Strikes"},
	}

	out := r.MatchTeam(context.Background(), unresolved, pool)
	if len(out) != 2 {
		t.Fatalf("out = %+v", out)
	}
	if out["d2"].XUID != "x1" || out["d1"].XUID != "x2" {
		t.Errorf("assignment crossed: %+v", out)
	}
	for _, res := range out {
		if res.Reason != ReasonGameSimilarity {
			t.Errorf("reason = %s", res.Reason)
		}
	}
}

func TestMatchTeamDiscardsBelowThreshold(t *testing.T) {
	r := newTestResolver(t, newFakeProvider(), newMemAssoc())
	out := r.MatchTeam(context.Background(),
		[]Player{{DiscordUserID: "d1", Username: "abcdef"}},
		[]haloapi.User{{XUID: "x1", Gamertag: "uvwxyz"}})
	if len(out) != 0 {
		t.Fatalf("out = %+v", out)
	}
}

func TestMatchTeamHistoricalBoostLiftsRepeatMatch(t *testing.T) {
	// "abcdef" vs "abcxyz" scores 0.5, below the 0.6 threshold. A prior fuzzy
	// association with the same gamertag adds 0.15 and clears it.
	unresolved := []Player{{DiscordUserID: "d1", Username: "abcdef"}}
	pool := []haloapi.User{{XUID: "x1", Gamertag: "abcxyz"}}

	r := newTestResolver(t, newFakeProvider(), newMemAssoc())
	if out := r.MatchTeam(context.Background(), unresolved, pool); len(out) != 0 {
		t.Fatalf("matched without history: %+v", out)
	}

	assoc := newMemAssoc()
	assoc.data["d1"] = Association{
		DiscordUserID:    "d1",
		XUID:             "x1",
		Retrievability:   RetrievableUnknown,
		Reason:           ReasonGameSimilarity,
		LastSearchedName: "ABCXYZ", // case-insensitive comparison
	}
	r = newTestResolver(t, newFakeProvider(), assoc)
	out := r.MatchTeam(context.Background(), unresolved, pool)
	res, ok := out["d1"]
	if !ok {
		t.Fatal("boost did not lift the pair over the threshold")
	}
	if res.Score <= fuzzyThreshold {
		t.Errorf("score = %v", res.Score)
	}
	a, _ := assoc.get("d1")
	if a.AssociatedAt.IsZero() {
		t.Error("re-commit did not refresh the association timestamp")
	}
}

func TestMatchTeamHistoricalBoostSurvivesGamertagRename(t *testing.T) {
	// The previously matched account renamed itself since the last cycle.
	// The boost is keyed on the account id, so the renamed account must
	// still beat an impostor whose name scores the same.
	assoc := newMemAssoc()
	assoc.data["d1"] = Association{
		DiscordUserID:    "d1",
		XUID:             "x-real",
		Retrievability:   RetrievableUnknown,
		Reason:           ReasonGameSimilarity,
		LastSearchedName: "SneakyFox", // stale tag, matches nothing below
	}
	r := newTestResolver(t, newFakeProvider(), assoc)

	// Both candidates contain the username, so both score 0.85 on name
	// alone; the impostor is listed first.
	out := r.MatchTeam(context.Background(),
		[]Player{{DiscordUserID: "d1", Username: "ShadowFox"}},
		[]haloapi.User{
			{XUID: "x-imp", Gamertag: "ShadowFoxy"},
			{XUID: "x-real", Gamertag: "ShadowFox99"},
		})
	res, ok := out["d1"]
	if !ok {
		t.Fatal("player not matched")
	}
	if res.XUID != "x-real" {
		t.Errorf("assigned to %s (%s), want the renamed prior account", res.XUID, res.Gamertag)
	}
	if res.Score <= 0.85 {
		t.Errorf("score = %v, boost not applied", res.Score)
	}
}

func TestMatchTeamBoostNeedsFuzzyProvenance(t *testing.T) {
	// A search-derived association must not bias the fuzzy matcher.
	assoc := newMemAssoc()
	assoc.data["d1"] = Association{
		DiscordUserID:    "d1",
		XUID:             "x1",
		Retrievability:   RetrievableYes,
		Reason:           ReasonUsernameSearch,
		LastSearchedName: "abcxyz",
	}
	r := newTestResolver(t, newFakeProvider(), assoc)
	out := r.MatchTeam(context.Background(),
		[]Player{{DiscordUserID: "d1", Username: "abcdef"}},
		[]haloapi.User{{XUID: "x1", Gamertag: "abcxyz"}})
	if len(out) != 0 {
		t.Fatalf("boost applied without fuzzy provenance: %+v", out)
	}
}
