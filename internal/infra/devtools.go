package infra

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/bzinkan/ClassPilot-sub001/internal/domain"
)

// DevToolsTabs implements domain.TabService over the managed browser's
// DevTools debugging endpoint. Listing, opening, closing, and activating
// tabs go through the HTTP /json API; navigation and in-page messaging
// attach to the per-tab debugger websocket.
type DevToolsTabs struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewDevToolsTabs creates a tab service for the given debugging endpoint,
// e.g. "http://127.0.0.1:9222".
func NewDevToolsTabs(baseURL string, logger *zap.Logger) *DevToolsTabs {
	return &DevToolsTabs{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 5 * time.Second},
		logger:  logger,
	}
}

// devtoolsTarget is one entry of GET /json/list.
type devtoolsTarget struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	URL                  string `json:"url"`
	Title                string `json:"title"`
	FaviconURL           string `json:"faviconUrl"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// ListTabs returns all open HTTP(S) page targets.
func (d *DevToolsTabs) ListTabs(ctx context.Context) ([]domain.Tab, error) {
	targets, err := d.targets(ctx)
	if err != nil {
		return nil, err
	}
	tabs := make([]domain.Tab, 0, len(targets))
	for _, t := range targets {
		if t.Type != "page" || !domain.IsWebURL(t.URL) {
			continue
		}
		tabs = append(tabs, domain.Tab{
			ID:      t.ID,
			URL:     t.URL,
			Title:   t.Title,
			Favicon: t.FaviconURL,
		})
	}
	return tabs, nil
}

// ActiveTab returns the focused tab of the last-focused window. The
// debugging endpoint orders targets most-recently-focused first.
func (d *DevToolsTabs) ActiveTab(ctx context.Context) (*domain.Tab, error) {
	tabs, err := d.ListTabs(ctx)
	if err != nil {
		return nil, err
	}
	if len(tabs) == 0 {
		return nil, nil
	}
	return &tabs[0], nil
}

// OpenTab creates a new tab at the given URL.
func (d *DevToolsTabs) OpenTab(ctx context.Context, target string) error {
	endpoint := d.baseURL + "/json/new?" + url.QueryEscape(target)
	// Newer browsers require PUT for /json/new; older ones accept GET.
	if err := d.call(ctx, http.MethodPut, endpoint); err != nil {
		return d.call(ctx, http.MethodGet, endpoint)
	}
	return nil
}

// CloseTab closes a tab by target ID.
func (d *DevToolsTabs) CloseTab(ctx context.Context, id string) error {
	return d.call(ctx, http.MethodGet, d.baseURL+"/json/close/"+id)
}

// NavigateTab points an existing tab at a new URL via Page.navigate.
func (d *DevToolsTabs) NavigateTab(ctx context.Context, id, target string) error {
	return d.command(ctx, id, "Page.navigate", map[string]any{"url": target})
}

// SendMessage dispatches an in-page CustomEvent carrying the payload so a
// content script can render attention/timer/poll/chat overlays.
func (d *DevToolsTabs) SendMessage(ctx context.Context, id string, payload []byte) error {
	expr := fmt.Sprintf(
		"window.dispatchEvent(new CustomEvent('classpilot-message', {detail: %s}))",
		string(payload))
	return d.command(ctx, id, "Runtime.evaluate", map[string]any{"expression": expr})
}

// targets fetches the raw target list.
func (d *DevToolsTabs) targets(ctx context.Context) ([]devtoolsTarget, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/json/list", nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("devtools returned %d", resp.StatusCode)
	}
	var targets []devtoolsTarget
	if err := json.NewDecoder(resp.Body).Decode(&targets); err != nil {
		return nil, fmt.Errorf("devtools: decode failed: %w", err)
	}
	return targets, nil
}

// call issues a bare HTTP request and checks for a 2xx response.
func (d *DevToolsTabs) call(ctx context.Context, method, endpoint string) error {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("devtools returned %d", resp.StatusCode)
	}
	return nil
}

// command attaches to a tab's debugger websocket and issues one protocol
// command. One short-lived connection per command keeps the adapter
// stateless across browser restarts.
func (d *DevToolsTabs) command(ctx context.Context, id, method string, params map[string]any) error {
	targets, err := d.targets(ctx)
	if err != nil {
		return err
	}
	var wsURL string
	for _, t := range targets {
		if t.ID == id {
			wsURL = t.WebSocketDebuggerURL
			break
		}
	}
	if wsURL == "" {
		return fmt.Errorf("tab %s not found", id)
	}

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, wsURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	msg := map[string]any{"id": 1, "method": method, "params": params}
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteJSON(msg); err != nil {
		return err
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var reply struct {
		ID    int `json:"id"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	for {
		if err := conn.ReadJSON(&reply); err != nil {
			return err
		}
		if reply.ID == 1 {
			break
		}
		// Skip protocol events until our reply arrives.
	}
	if reply.Error != nil {
		return fmt.Errorf("%s failed: %s", method, reply.Error.Message)
	}
	return nil
}

// Ensure DevToolsTabs implements domain.TabService.
var _ domain.TabService = (*DevToolsTabs)(nil)
