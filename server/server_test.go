package server_test

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	_ "github.com/mattn/go-sqlite3"

	"github.com/scrimtrack/scrimtrack/server"
	"github.com/scrimtrack/scrimtrack/testutil"
	"github.com/scrimtrack/scrimtrack/tracker"
)

type apiHarness struct {
	server  *httptest.Server
	output  *testutil.FakeOutput
	disc    *testutil.FakeDiscoverer
	manager *tracker.Manager
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	// No auth or rate limiting configured for these tests.
	t.Setenv("ADMIN_TOKEN", "")
	t.Setenv("ADMIN_USERNAME", "")
	t.Setenv("ADMIN_PASSWORD", "")
	t.Setenv("RATE_LIMIT_ENABLED", "0")

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	h := &apiHarness{
		output: &testutil.FakeOutput{},
		disc:   &testutil.FakeDiscoverer{},
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.manager = tracker.NewManager(ctx, testutil.NewMemProvider(), h.output, h.disc, tracker.Options{})
	t.Cleanup(func() {
		h.manager.Shutdown()
		cancel()
	})

	mux := server.NewMux(ctx, server.Deps{DB: db, Redis: rdb, Manager: h.manager})
	h.server = httptest.NewServer(mux)
	t.Cleanup(h.server.Close)
	return h
}

func (h *apiHarness) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, h.server.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.server.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func startBody() map[string]any {
	return map[string]any{
		"userId":        "owner",
		"guildId":       "guild-1",
		"channelId":     "chan-1",
		"queueNumber":   7,
		"liveMessageId": "msg-0",
		"players": map[string]any{
			"u1": map[string]string{"username": "alpha"},
			"u2": map[string]string{"username": "bravo"},
			"u3": map[string]string{"username": "charlie"},
			"u4": map[string]string{"username": "delta"},
		},
		"teams": []map[string]any{
			{"name": "Red", "playerIds": []string{"u1", "u2"}},
			{"name": "Blue", "playerIds": []string{"u3", "u4"}},
		},
		"interactionToken": "tok-abc",
	}
}

func TestStartAndStatus(t *testing.T) {
	h := newAPIHarness(t)

	resp, body := h.do(t, http.MethodGet, "/trackers/s1/status", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status before start = %d", resp.StatusCode)
	}
	if body["error"] != "not_found" {
		t.Errorf("body = %+v", body)
	}

	resp, body = h.do(t, http.MethodPost, "/trackers/s1/start", startBody())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start = %d, body %+v", resp.StatusCode, body)
	}
	if body["success"] != true {
		t.Errorf("body = %+v", body)
	}
	state, ok := body["state"].(map[string]any)
	if !ok || state["queueNumber"] != float64(7) {
		t.Errorf("state = %+v", state)
	}
	if resp.Header.Get("X-Correlation-ID") == "" {
		t.Error("no correlation id header")
	}

	resp, body = h.do(t, http.MethodGet, "/trackers/s1/status", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status after start = %d", resp.StatusCode)
	}
	state = body["state"].(map[string]any)
	if state["status"] != string(tracker.StatusActive) {
		t.Errorf("status = %v", state["status"])
	}
}

func TestPauseResumeStop(t *testing.T) {
	h := newAPIHarness(t)
	h.do(t, http.MethodPost, "/trackers/s1/start", startBody())

	resp, body := h.do(t, http.MethodPost, "/trackers/s1/pause", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pause = %d", resp.StatusCode)
	}
	if state := body["state"].(map[string]any); state["isPaused"] != true {
		t.Errorf("state = %+v", state)
	}

	resp, body = h.do(t, http.MethodPost, "/trackers/s1/resume", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resume = %d", resp.StatusCode)
	}
	if state := body["state"].(map[string]any); state["isPaused"] != false {
		t.Errorf("state = %+v", state)
	}

	resp, _ = h.do(t, http.MethodPost, "/trackers/s1/stop", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop = %d", resp.StatusCode)
	}
	resp, _ = h.do(t, http.MethodGet, "/trackers/s1/status", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status after stop = %d", resp.StatusCode)
	}
}

func TestRefreshCooldownResponse(t *testing.T) {
	h := newAPIHarness(t)
	h.do(t, http.MethodPost, "/trackers/s1/start", startBody())

	resp, _ := h.do(t, http.MethodPost, "/trackers/s1/refresh", map[string]any{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first refresh = %d", resp.StatusCode)
	}
	resp, body := h.do(t, http.MethodPost, "/trackers/s1/refresh", map[string]any{})
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second refresh = %d", resp.StatusCode)
	}
	if body["error"] != "cooldown" {
		t.Errorf("body = %+v", body)
	}
}

func TestRepostValidation(t *testing.T) {
	h := newAPIHarness(t)
	h.do(t, http.MethodPost, "/trackers/s1/start", startBody())

	resp, body := h.do(t, http.MethodPost, "/trackers/s1/repost", map[string]any{"newMessageId": ""})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("repost = %d", resp.StatusCode)
	}
	if body["error"] != "invalid_message_id" {
		t.Errorf("body = %+v", body)
	}

	resp, body = h.do(t, http.MethodPost, "/trackers/s1/repost", map[string]any{"newMessageId": "msg-9"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("repost = %d", resp.StatusCode)
	}
	if body["oldMessageId"] != "msg-0" || body["newMessageId"] != "msg-9" {
		t.Errorf("body = %+v", body)
	}
}

func TestSubstitutionEndpoint(t *testing.T) {
	h := newAPIHarness(t)
	h.do(t, http.MethodPost, "/trackers/s1/start", startBody())
	h.output.Users = map[string]tracker.PlayerIdentity{"u9": {Username: "echo"}}

	resp, body := h.do(t, http.MethodPost, "/trackers/s1/substitution",
		map[string]any{"playerOutId": "u1", "playerInId": "u9"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("substitution = %d, body %+v", resp.StatusCode, body)
	}
	sub := body["substitution"].(map[string]any)
	if sub["playerOutId"] != "u1" || sub["playerInId"] != "u9" {
		t.Errorf("substitution = %+v", sub)
	}

	resp, body = h.do(t, http.MethodPost, "/trackers/s1/substitution",
		map[string]any{"playerOutId": "nobody", "playerInId": "u9"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("substitution = %d", resp.StatusCode)
	}
	if body["error"] != "player_not_found" {
		t.Errorf("body = %+v", body)
	}
}

func TestInvalidBodyRejected(t *testing.T) {
	h := newAPIHarness(t)
	req, _ := http.NewRequest(http.MethodPost, h.server.URL+"/trackers/s1/start", bytes.NewBufferString("{not json"))
	resp, err := h.server.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("start = %d", resp.StatusCode)
	}
}

func TestUnknownOperations(t *testing.T) {
	h := newAPIHarness(t)
	h.do(t, http.MethodPost, "/trackers/s1/start", startBody())

	resp, _ := h.do(t, http.MethodPost, "/trackers/s1/does-not-exist", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown op = %d", resp.StatusCode)
	}
	resp, _ = h.do(t, http.MethodGet, "/trackers/", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("empty key = %d", resp.StatusCode)
	}
	resp, _ = h.do(t, http.MethodPut, "/trackers/s1/pause", nil)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("PUT pause = %d", resp.StatusCode)
	}
}

func TestAdminAuthProtectsMutations(t *testing.T) {
	t.Setenv("ADMIN_TOKEN", "hunter2")
	h := newAPIHarness2(t)

	// Reads stay open.
	resp, _ := h.do(t, http.MethodGet, "/trackers/s1/status", nil)
	if resp.StatusCode == http.StatusUnauthorized {
		t.Fatal("read required auth")
	}

	resp, _ = h.do(t, http.MethodPost, "/trackers/s1/start", startBody())
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated start = %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPost, h.server.URL+"/trackers/s1/start", bytes.NewBufferString("{}"))
	req.Header.Set("X-Admin-Token", "hunter2")
	resp2, err := h.server.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode == http.StatusUnauthorized {
		t.Fatal("valid token rejected")
	}
}

// newAPIHarness2 builds the harness without clearing auth env, for auth tests.
func newAPIHarness2(t *testing.T) *apiHarness {
	t.Helper()
	t.Setenv("RATE_LIMIT_ENABLED", "0")

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	h := &apiHarness{
		output: &testutil.FakeOutput{},
		disc:   &testutil.FakeDiscoverer{},
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.manager = tracker.NewManager(ctx, testutil.NewMemProvider(), h.output, h.disc, tracker.Options{})
	t.Cleanup(func() {
		h.manager.Shutdown()
		cancel()
	})

	mux := server.NewMux(ctx, server.Deps{DB: db, Manager: h.manager})
	h.server = httptest.NewServer(mux)
	t.Cleanup(h.server.Close)
	return h
}

func TestHealthEndpoints(t *testing.T) {
	h := newAPIHarness(t)

	resp, _ := h.do(t, http.MethodGet, "/healthz", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz = %d", resp.StatusCode)
	}

	resp, body := h.do(t, http.MethodGet, "/readyz", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("readyz = %d", resp.StatusCode)
	}
	if body["status"] != "ready" {
		t.Errorf("body = %+v", body)
	}

	h.do(t, http.MethodPost, "/trackers/s1/start", startBody())
	resp, body = h.do(t, http.MethodGet, "/status", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["activeTrackers"] != float64(1) {
		t.Errorf("body = %+v", body)
	}

	resp, _ = h.do(t, http.MethodGet, "/metrics", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics = %d", resp.StatusCode)
	}
}
