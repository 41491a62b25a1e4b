package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// MockStatsServer creates a test server that mocks the stats API.
type MockStatsServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc
}

// NewMockStatsServer creates a new mock stats API server. Paths without a
// registered handler return 404.
func NewMockStatsServer(t *testing.T) *MockStatsServer {
	t.Helper()
	m := &MockStatsServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path
		if handler, ok := m.Handlers[key]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// MockUsersResponse adds a handler for the /users endpoint returning the
// given identities regardless of query.
func (m *MockStatsServer) MockUsersResponse(users []map[string]string) {
	m.Handlers["/users"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"data": users,
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockMatchesResponse adds a handler for the /matches endpoint.
func (m *MockStatsServer) MockMatchesResponse(matches []map[string]interface{}) {
	m.Handlers["/matches"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"data": matches,
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockErrorResponse makes the given path fail with the status code.
func (m *MockStatsServer) MockErrorResponse(path string, status int) {
	m.Handlers[path] = func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(status), status)
	}
}
