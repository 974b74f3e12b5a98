package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"khisima/protocol"
)

// APIError 非 2xx 响应，Message 取自 {"error": "..."}
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("agent api: status %d", e.Status)
	}
	return fmt.Sprintf("agent api: status %d: %s", e.Status, e.Message)
}

// API /api/agent 与 /api/auth 的 REST 客户端
type API struct {
	base string
	http *http.Client

	mu    sync.RWMutex
	token string
}

func NewAPI(baseURL string, httpClient *http.Client) *API {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &API{base: strings.TrimRight(baseURL, "/"), http: httpClient}
}

func (a *API) SetToken(token string) {
	a.mu.Lock()
	a.token = token
	a.mu.Unlock()
}

func (a *API) Token() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.token
}

// Login 管理员登录，成功后保存 token
func (a *API) Login(ctx context.Context, username, password string) (protocol.LoginResponse, error) {
	var out protocol.LoginResponse
	err := a.do(ctx, http.MethodPost, "/api/auth/login", nil, protocol.LoginRequest{Username: username, Password: password}, &out)
	if err != nil {
		return out, err
	}
	a.SetToken(out.Token)
	return out, nil
}

func (a *API) Status(ctx context.Context) (bool, error) {
	var out protocol.StatusPayload
	if err := a.do(ctx, http.MethodGet, "/api/agent/status", nil, nil, &out); err != nil {
		return false, err
	}
	return out.Online, nil
}

// Search 无匹配时返回空字符串
func (a *API) Search(ctx context.Context, text, room string) (string, error) {
	params := url.Values{}
	params.Set("q", text)
	if room != "" {
		params.Set("room", room)
	}
	var out protocol.SearchResult
	if err := a.do(ctx, http.MethodGet, "/api/agent/search", params, nil, &out); err != nil {
		return "", err
	}
	return out.Answer, nil
}

// CaptureOffline 409 映射为 protocol.ErrConflict
func (a *API) CaptureOffline(ctx context.Context, req protocol.InboxRequest) error {
	err := a.do(ctx, http.MethodPost, "/api/agent/inbox", nil, req, nil)
	if apiErr, ok := err.(*APIError); ok && apiErr.Status == http.StatusConflict {
		return protocol.ErrConflict
	}
	return err
}

func (a *API) Presence(ctx context.Context) (bool, error) {
	var out protocol.PresenceBody
	if err := a.do(ctx, http.MethodGet, "/api/agent/presence", nil, nil, &out); err != nil {
		return false, err
	}
	return out.Online, nil
}

func (a *API) SetPresence(ctx context.Context, online bool) error {
	return a.do(ctx, http.MethodPut, "/api/agent/presence", nil, protocol.PresenceBody{Online: online}, nil)
}

func (a *API) ListRooms(ctx context.Context, q protocol.RoomQuery) (protocol.RoomList, error) {
	params := url.Values{}
	if q.Page > 0 {
		params.Set("page", strconv.Itoa(q.Page))
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Search != "" {
		params.Set("search", q.Search)
	}
	var out protocol.RoomList
	err := a.do(ctx, http.MethodGet, "/api/agent/rooms", params, nil, &out)
	return out, err
}

// RoomMessages 读取历史的同时会清零该房间未读数
func (a *API) RoomMessages(ctx context.Context, room string, page, limit int) (protocol.History, error) {
	params := url.Values{}
	if page > 0 {
		params.Set("page", strconv.Itoa(page))
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var out protocol.MessagePage
	if err := a.do(ctx, http.MethodGet, roomPath(room, "messages"), params, nil, &out); err != nil {
		return protocol.History{}, err
	}
	return protocol.History{Room: room, Messages: out.Items, Email: out.Email}, nil
}

func (a *API) DeleteRoom(ctx context.Context, room string) error {
	return a.do(ctx, http.MethodDelete, roomPath(room, ""), nil, nil, nil)
}

func (a *API) ForwardTranscript(ctx context.Context, room string, req protocol.ForwardRequest) error {
	return a.do(ctx, http.MethodPost, roomPath(room, "forward"), nil, req, nil)
}

func (a *API) ListInbox(ctx context.Context, status protocol.InboxStatus, page, limit int) (protocol.InboxList, error) {
	params := url.Values{}
	if status != "" {
		params.Set("status", string(status))
	}
	if page > 0 {
		params.Set("page", strconv.Itoa(page))
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var out protocol.InboxList
	err := a.do(ctx, http.MethodGet, "/api/agent/inbox", params, nil, &out)
	return out, err
}

func (a *API) UpdateInbox(ctx context.Context, id uint, status protocol.InboxStatus) (protocol.InboxItem, error) {
	var out protocol.InboxItem
	path := "/api/agent/inbox/" + strconv.FormatUint(uint64(id), 10)
	err := a.do(ctx, http.MethodPatch, path, nil, protocol.InboxStatusUpdate{Status: status}, &out)
	return out, err
}

func roomPath(room, suffix string) string {
	p := "/api/agent/rooms/" + url.PathEscape(room)
	if suffix != "" {
		p += "/" + suffix
	}
	return p
}

func (a *API) do(ctx context.Context, method, path string, params url.Values, body, out interface{}) error {
	endpoint := a.base + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := a.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = json.Unmarshal(raw, &e)
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
