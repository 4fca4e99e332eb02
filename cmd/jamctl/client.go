package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/npezzotti/go-jam/internal/api"
	"github.com/npezzotti/go-jam/internal/types"
)

// apiClient talks to the jam server's HTTP API.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func newApiClient(base, token string) *apiClient {
	return &apiClient{
		base:  strings.TrimSuffix(base, "/"),
		token: token,
		http:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		r = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, r)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", types.ErrConnection, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr api.ApiError
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = strings.ToLower(http.StatusText(resp.StatusCode))
		}
		return fmt.Errorf("%s %s: %s: %w", method, path, apiErr.Message, httpError(resp.StatusCode))
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// httpError maps a response status to the error taxonomy. 401 means the
// token is missing or invalid.
func httpError(code int) error {
	if code == http.StatusUnauthorized {
		return types.ErrUnauthorized
	}
	return types.ErrorFromCode(code)
}

func (c *apiClient) anonymousSession(ctx context.Context, username, avatarUrl string) (api.SessionResponse, error) {
	var resp api.SessionResponse
	err := c.do(ctx, http.MethodPost, "/api/auth/anonymous", api.AnonymousSessionRequest{Username: username, AvatarUrl: avatarUrl}, &resp)
	return resp, err
}

func (c *apiClient) createRoom(ctx context.Context) (string, error) {
	var resp api.CreateRoomResponse
	if err := c.do(ctx, http.MethodPost, "/api/rooms", nil, &resp); err != nil {
		return "", err
	}
	return resp.RoomId, nil
}

func (c *apiClient) listRooms(ctx context.Context) ([]types.RoomSummary, error) {
	var rooms []types.RoomSummary
	err := c.do(ctx, http.MethodGet, "/api/rooms", nil, &rooms)
	return rooms, err
}

func (c *apiClient) getRoom(ctx context.Context, roomId string) (types.RoomState, error) {
	var st types.RoomState
	err := c.do(ctx, http.MethodGet, "/api/rooms/"+url.PathEscape(roomId), nil, &st)
	return st, err
}

func (c *apiClient) closeRoom(ctx context.Context, roomId string) error {
	return c.do(ctx, http.MethodDelete, "/api/rooms/"+url.PathEscape(roomId), nil, nil)
}

func (c *apiClient) kick(ctx context.Context, roomId, participantId string) error {
	return c.do(ctx, http.MethodPost, "/api/rooms/"+url.PathEscape(roomId)+"/kick", api.KickRequest{ParticipantId: participantId}, nil)
}

func (c *apiClient) listTracks(ctx context.Context, limit int) ([]types.Track, error) {
	var tracks []types.Track
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/tracks?limit=%d", limit), nil, &tracks)
	return tracks, err
}

// wsURL returns the websocket endpoint for the server at base.
func wsURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}
