package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/npezzotti/pairroom/internal/api"
	"github.com/npezzotti/pairroom/internal/types"
)

const requestTimeout = 10 * time.Second

// APIClient calls the REST side of the server on behalf of the CLI.
type APIClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewAPIClient(baseURL string) *APIClient {
	return &APIClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: requestTimeout},
	}
}

// WithToken returns a copy of the client that authenticates with token.
func (c *APIClient) WithToken(token string) *APIClient {
	cp := *c
	cp.token = token
	return &cp
}

func (c *APIClient) Token() string {
	return c.token
}

func (c *APIClient) do(ctx context.Context, method, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &api.ApiError{StatusCode: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = strings.ToLower(http.StatusText(resp.StatusCode))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *APIClient) Login(ctx context.Context, email, password string) (api.AuthResponse, error) {
	var resp api.AuthResponse
	err := c.do(ctx, http.MethodPost, "/api/auth/login", api.LoginRequest{Email: email, Password: password}, &resp)
	return resp, err
}

func (c *APIClient) Register(ctx context.Context, email, username, password string) (api.AuthResponse, error) {
	var resp api.AuthResponse
	err := c.do(ctx, http.MethodPost, "/api/auth/register", api.RegisterRequest{
		Email:    email,
		Username: username,
		Password: password,
	}, &resp)
	return resp, err
}

func (c *APIClient) Session(ctx context.Context) (types.User, error) {
	var user types.User
	err := c.do(ctx, http.MethodGet, "/api/auth/session", nil, &user)
	return user, err
}

func (c *APIClient) ListRooms(ctx context.Context) ([]types.Room, error) {
	var rooms []types.Room
	err := c.do(ctx, http.MethodGet, "/api/rooms", nil, &rooms)
	return rooms, err
}

func (c *APIClient) CreateRoom(ctx context.Context, name string) (types.Room, error) {
	var resp api.RoomResponse
	err := c.do(ctx, http.MethodPost, "/api/rooms", api.CreateRoomRequest{Name: name}, &resp)
	return resp.Room, err
}

func (c *APIClient) JoinRoom(ctx context.Context, code string) (types.Room, error) {
	var resp api.RoomResponse
	err := c.do(ctx, http.MethodPost, "/api/rooms/join", api.JoinRoomRequest{Code: code}, &resp)
	return resp.Room, err
}

func (c *APIClient) Messages(ctx context.Context, roomId string, page, limit int) ([]types.Message, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))

	var msgs []types.Message
	err := c.do(ctx, http.MethodGet, "/api/rooms/"+url.PathEscape(roomId)+"/messages?"+q.Encode(), nil, &msgs)
	return msgs, err
}
