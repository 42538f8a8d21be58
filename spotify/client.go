// Package spotify contains minimal helpers to resolve track references
// against the Spotify Web API, using an app access token.
package spotify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
)

const defaultBaseURL = "https://api.spotify.com/v1"

// trackIDPattern matches Spotify's base62 track IDs.
var trackIDPattern = regexp.MustCompile(`^[0-9A-Za-z]{22}$`)

// Track is the subset of track metadata the bot displays.
type Track struct {
	ID         string
	Name       string
	Artist     string
	DurationMs int
}

// Client provides the track lookups needed for song requests.
type Client struct {
	Tokens     *TokenSource
	BaseURL    string // defaults to the Spotify Web API
	HTTPClient *http.Client
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// ParseTrackRef extracts the track ID from a chat-supplied reference: a bare
// ID, a spotify:track: URI, or an open.spotify.com share link.
func ParseTrackRef(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("empty track reference")
	}
	if id, ok := strings.CutPrefix(ref, "spotify:track:"); ok {
		if !trackIDPattern.MatchString(id) {
			return "", fmt.Errorf("malformed track URI %q", ref)
		}
		return id, nil
	}
	if i := strings.Index(ref, "open.spotify.com/track/"); i >= 0 {
		id := ref[i+len("open.spotify.com/track/"):]
		// Strip share-link query string and trailing path.
		if j := strings.IndexAny(id, "?/&#"); j >= 0 {
			id = id[:j]
		}
		if !trackIDPattern.MatchString(id) {
			return "", fmt.Errorf("malformed track link %q", ref)
		}
		return id, nil
	}
	if trackIDPattern.MatchString(ref) {
		return ref, nil
	}
	return "", fmt.Errorf("unrecognized track reference %q", ref)
}

// GetTrack resolves a track reference to its display metadata.
func (c *Client) GetTrack(ctx context.Context, ref string) (*Track, error) {
	id, err := ParseTrackRef(ref)
	if err != nil {
		return nil, err
	}
	tok, err := c.Tokens.Get(ctx)
	if err != nil {
		return nil, err
	}
	base := c.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/tracks/"+id, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := c.http().Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("track %s not found", id)
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("spotify track lookup failed: %s: %s", resp.Status, string(b))
	}
	var body struct {
		ID      string `json:"id"`
		Name    string `json:"name"`
		Artists []struct {
			Name string `json:"name"`
		} `json:"artists"`
		DurationMs int `json:"duration_ms"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	if body.ID == "" {
		return nil, fmt.Errorf("empty track in spotify response")
	}
	names := make([]string, 0, len(body.Artists))
	for _, a := range body.Artists {
		names = append(names, a.Name)
	}
	return &Track{
		ID:         body.ID,
		Name:       body.Name,
		Artist:     strings.Join(names, ", "),
		DurationMs: body.DurationMs,
	}, nil
}
