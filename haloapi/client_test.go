package haloapi_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/scrimtrack/scrimtrack/haloapi"
	"github.com/scrimtrack/scrimtrack/testutil"
)

func newClient(server *testutil.MockStatsServer) *haloapi.Client {
	return &haloapi.Client{BaseURL: server.URL, APIKey: "test-key"}
}

func TestUsersByGamertags(t *testing.T) {
	server := testutil.NewMockStatsServer(t)
	server.MockUsersResponse([]map[string]string{
		{"xuid": "x1", "gamertag": "Alpha"},
		{"xuid": "x2", "gamertag": "Bravo"},
	})

	users, err := newClient(server).UsersByGamertags(context.Background(), []string{"alpha", "bravo"})
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 2 || users[0].XUID != "x1" || users[1].Gamertag != "Bravo" {
		t.Fatalf("users = %+v", users)
	}
}

func TestUsersByGamertagsEmptyRequest(t *testing.T) {
	server := testutil.NewMockStatsServer(t)
	users, err := newClient(server).UsersByGamertags(context.Background(), nil)
	if err != nil || users != nil {
		t.Fatalf("got %+v, %v", users, err)
	}
}

func TestUsersByXUIDsSendsQueryAndAuth(t *testing.T) {
	server := testutil.NewMockStatsServer(t)
	var gotXUIDs, gotAuth string
	server.Handlers["/users"] = func(w http.ResponseWriter, r *http.Request) {
		gotXUIDs = r.URL.Query().Get("xuids")
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"xuid":"x1","gamertag":"Alpha"}]}`))
	}

	users, err := newClient(server).UsersByXUIDs(context.Background(), []string{"x1", "x2"})
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 1 {
		t.Fatalf("users = %+v", users)
	}
	if gotXUIDs != "x1,x2" {
		t.Errorf("xuids query = %q", gotXUIDs)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("authorization = %q", gotAuth)
	}
}

func TestStatusErrorIsNotRetried(t *testing.T) {
	server := testutil.NewMockStatsServer(t)
	calls := 0
	server.Handlers["/users"] = func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "no such user", http.StatusNotFound)
	}

	_, err := newClient(server).UsersByGamertags(context.Background(), []string{"nobody"})
	if err == nil {
		t.Fatal("want error")
	}
	var se *haloapi.StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusNotFound {
		t.Fatalf("err = %v", err)
	}
	if calls != 1 {
		t.Errorf("status error retried %d times", calls)
	}
	if haloapi.IsServerError(err) {
		t.Error("404 classified as server error")
	}
}

func TestIsServerError(t *testing.T) {
	server := testutil.NewMockStatsServer(t)
	server.MockErrorResponse("/users", http.StatusInternalServerError)

	_, err := newClient(server).UsersByGamertags(context.Background(), []string{"anyone"})
	if !haloapi.IsServerError(err) {
		t.Fatalf("err = %v", err)
	}
}

func TestListMatches(t *testing.T) {
	server := testutil.NewMockStatsServer(t)
	server.MockMatchesResponse([]map[string]interface{}{
		{
			"id":               "m1",
			"map":              "Aquarius",
			"playlist":         "custom",
			"duration_seconds": 720,
			"end_time":         "2026-08-30T20:15:00Z",
			"teams": []map[string]interface{}{
				{"index": 0, "score": 50, "rank": 1},
				{"index": 1, "score": 44, "rank": 2},
			},
			"players": []map[string]interface{}{
				{"xuid": "x1", "gamertag": "Alpha", "team_index": 0},
				{"xuid": "x2", "gamertag": "Bravo", "team_index": 1},
			},
		},
		{"id": "m2", "map": "Recharge", "end_time": "2026-08-30T20:45:00Z"},
	})

	matches, raws, err := newClient(server).ListMatches(context.Background(), "x1", time.Time{}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 2 || len(raws) != 2 {
		t.Fatalf("matches = %d, raws = %d", len(matches), len(raws))
	}
	m := matches[0]
	if m.ID != "m1" || m.Map != "Aquarius" || m.Duration() != 12*time.Minute {
		t.Errorf("match = %+v", m)
	}
	if len(m.Teams) != 2 || m.Teams[0].Rank != 1 {
		t.Errorf("teams = %+v", m.Teams)
	}
	if len(m.Players) != 2 || m.Players[1].TeamIndex != 1 {
		t.Errorf("players = %+v", m.Players)
	}
}

func TestListMatchesSinceQuery(t *testing.T) {
	server := testutil.NewMockStatsServer(t)
	var gotSince, gotType string
	server.Handlers["/matches"] = func(w http.ResponseWriter, r *http.Request) {
		gotSince = r.URL.Query().Get("since")
		gotType = r.URL.Query().Get("type")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[]}`))
	}

	since := time.Date(2026, 8, 30, 18, 0, 0, 0, time.UTC)
	if _, _, err := newClient(server).ListMatches(context.Background(), "x1", since, 0); err != nil {
		t.Fatal(err)
	}
	if gotSince != "2026-08-30T18:00:00Z" {
		t.Errorf("since = %q", gotSince)
	}
	if gotType != "custom" {
		t.Errorf("type = %q", gotType)
	}
}

func TestListMatchesRequiresXUID(t *testing.T) {
	server := testutil.NewMockStatsServer(t)
	if _, _, err := newClient(server).ListMatches(context.Background(), "", time.Time{}, 5); err == nil {
		t.Fatal("want error for empty xuid")
	}
}
