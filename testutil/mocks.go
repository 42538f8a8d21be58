package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// MockSpotifyServer creates a test server that mocks Spotify Web API responses
type MockSpotifyServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc
}

// NewMockSpotifyServer creates a new mock Spotify API server
func NewMockSpotifyServer(t *testing.T) *MockSpotifyServer {
	t.Helper()
	m := &MockSpotifyServer{
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

// MockTokenResponse adds a handler for the client-credentials token endpoint
func (m *MockSpotifyServer) MockTokenResponse(accessToken string, expiresIn int) {
	m.Handlers["/api/token"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"access_token": accessToken,
			"expires_in":   expiresIn,
			"token_type":   "Bearer",
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockTrackResponse adds a handler for a /v1/tracks/{id} lookup
func (m *MockSpotifyServer) MockTrackResponse(trackID, name string, artists []string, durationMs int) {
	artistObjs := make([]map[string]string, 0, len(artists))
	for _, a := range artists {
		artistObjs = append(artistObjs, map[string]string{"name": a})
	}
	m.Handlers["/v1/tracks/"+trackID] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"id":          trackID,
			"name":        name,
			"artists":     artistObjs,
			"duration_ms": durationMs,
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockTrackNotFound makes a track lookup return 404
func (m *MockSpotifyServer) MockTrackNotFound(trackID string) {
	m.Handlers["/v1/tracks/"+trackID] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]interface{}{"status": 404, "message": "Non existing id"},
		}) //nolint:errcheck // test mock response
	}
}
