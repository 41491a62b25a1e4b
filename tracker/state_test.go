package tracker

import (
	"encoding/json"
	"testing"
	"time"
)

func TestMergeMatchesAddsWithoutOverwriting(t *testing.T) {
	st := &TrackerState{}
	first := map[string]MatchSummary{
		"m1": {Map: "Aquarius", Score: "50-42", WinnerTeamIndex: 0},
	}
	if added := st.MergeMatches(first, map[string]json.RawMessage{"m1": json.RawMessage(`{"id":"m1"}`)}); added != 1 {
		t.Fatalf("added = %d, want 1", added)
	}

	// Re-merging the same match with different content must not replace it.
	again := map[string]MatchSummary{
		"m1": {Map: "CHANGED", Score: "0-0", WinnerTeamIndex: 1},
		"m2": {Map: "Live Fire", Score: "250-198", WinnerTeamIndex: 1},
	}
	if added := st.MergeMatches(again, nil); added != 1 {
		t.Fatalf("added = %d, want 1", added)
	}
	if st.DiscoveredMatches["m1"].Map != "Aquarius" {
		t.Errorf("m1 was overwritten: %+v", st.DiscoveredMatches["m1"])
	}
	if len(st.DiscoveredMatches) != 2 {
		t.Errorf("len(DiscoveredMatches) = %d, want 2", len(st.DiscoveredMatches))
	}
	if _, ok := st.RawMatches["m1"]; !ok {
		t.Error("raw payload for m1 missing")
	}
}

func TestMergeMatchesInitializesNilMaps(t *testing.T) {
	var st TrackerState
	if added := st.MergeMatches(map[string]MatchSummary{"m1": {}}, nil); added != 1 {
		t.Fatalf("added = %d, want 1", added)
	}
}

func TestSeriesScore(t *testing.T) {
	st := &TrackerState{
		Teams: []Team{{Name: "Red"}, {Name: "Blue"}},
		DiscoveredMatches: map[string]MatchSummary{
			"m1": {WinnerTeamIndex: 0},
			"m2": {WinnerTeamIndex: 1},
			"m3": {WinnerTeamIndex: 0},
			"m4": {WinnerTeamIndex: -1}, // tie, counted for nobody
		},
	}
	if got := st.SeriesScore(); got != "2-1" {
		t.Errorf("SeriesScore() = %q, want 2-1", got)
	}
}

func TestSeriesScoreEmptyWhenNoWinners(t *testing.T) {
	st := &TrackerState{
		Teams:             []Team{{Name: "Red"}, {Name: "Blue"}},
		DiscoveredMatches: map[string]MatchSummary{"m1": {WinnerTeamIndex: -1}},
	}
	if got := st.SeriesScore(); got != "" {
		t.Errorf("SeriesScore() = %q, want empty", got)
	}
}

func TestFindPlayerTeam(t *testing.T) {
	st := &TrackerState{
		Teams: []Team{
			{Name: "Red", PlayerIDs: []string{"u1", "u2"}},
			{Name: "Blue", PlayerIDs: []string{"u3", "u4"}},
		},
	}
	if got := st.FindPlayerTeam("u3"); got != 1 {
		t.Errorf("FindPlayerTeam(u3) = %d, want 1", got)
	}
	if got := st.FindPlayerTeam("nobody"); got != -1 {
		t.Errorf("FindPlayerTeam(nobody) = %d, want -1", got)
	}
}

func TestSnapshotIsIndependent(t *testing.T) {
	st := &TrackerState{
		Status:            StatusActive,
		Players:           map[string]PlayerIdentity{"u1": {Username: "one"}},
		DiscoveredMatches: map[string]MatchSummary{"m1": {Map: "Recharge"}},
		InteractionToken:  "tok",
		StartTime:         time.Now().UTC(),
	}
	cp := snapshot(st)
	cp.Players["u2"] = PlayerIdentity{Username: "two"}
	cp.DiscoveredMatches["m2"] = MatchSummary{}
	if len(st.Players) != 1 || len(st.DiscoveredMatches) != 1 {
		t.Error("snapshot shares maps with the original")
	}
	if cp.InteractionToken != "tok" {
		t.Error("snapshot dropped the interaction token")
	}
}
