// Package transport implements the HTTP control plane: registration,
// heartbeats, fire-and-forget events, settings fetch, and license checks.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/bzinkan/ClassPilot-sub001/internal/domain"
)

// Sentinel errors mapping the server's response-code taxonomy.
var (
	// ErrAuthExpired means the token was rejected (plain 401/403):
	// clear the token and schedule re-registration.
	ErrAuthExpired = errors.New("auth token expired or invalid")

	// ErrLicenseInactive means entitlement was denied (402, or 401/403
	// with an entitlement reason): freeze to OFF until a positive
	// license check.
	ErrLicenseInactive = errors.New("license inactive")
)

// RegisterRequest is the body of POST /register.
type RegisterRequest struct {
	DeviceID     string `json:"deviceId"`
	AccountEmail string `json:"accountEmail"`
	DeviceName   string `json:"deviceName,omitempty"`
}

// RegisterResponse carries the issued credentials.
type RegisterResponse struct {
	AuthToken string `json:"authToken"`
	EntityID  string `json:"entityId"`
}

// Settings is the GET /settings payload: schedule plus org-wide policy.
type Settings struct {
	Schedule       domain.SchedulePolicy `json:"schedule"`
	BlockedDomains []string              `json:"blockedDomains"`
	TabLimit       int                   `json:"tabLimit"`
}

// errorBody is the JSON error envelope on 4xx responses.
type errorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

const reasonEntitlementDenied = "entitlement_denied"

// Client talks to the supervising server.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient creates a transport client for the given server base URL.
func NewClient(baseURL string, logger *zap.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
		logger:  logger,
	}
}

// Register exchanges the device identity for an auth token.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (*RegisterResponse, error) {
	var resp RegisterResponse
	if err := c.postJSON(ctx, "/register", "", req, &resp); err != nil {
		return nil, err
	}
	if resp.AuthToken == "" {
		return nil, fmt.Errorf("register: server returned empty token")
	}
	return &resp, nil
}

// Heartbeat posts the status snapshot with bearer auth.
func (c *Client) Heartbeat(ctx context.Context, token string, snap domain.HeartbeatSnapshot) error {
	return c.postJSON(ctx, "/heartbeat", token, snap, nil)
}

// ReportEvent posts a telemetry event. Best effort: errors are returned
// for logging only and must never trigger retries.
func (c *Client) ReportEvent(ctx context.Context, token, deviceID, eventType string, metadata map[string]any) error {
	body := map[string]any{
		"deviceId":  deviceID,
		"eventType": eventType,
		"metadata":  metadata,
	}
	return c.postJSON(ctx, "/event", token, body, nil)
}

// FetchSettings retrieves the schedule and org-wide policy.
func (c *Client) FetchSettings(ctx context.Context, token string) (*Settings, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/settings", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp); err != nil {
		return nil, err
	}
	var settings Settings
	if err := json.NewDecoder(resp.Body).Decode(&settings); err != nil {
		return nil, fmt.Errorf("settings: decode failed: %w", err)
	}
	return &settings, nil
}

// CheckLicense polls the entitlement endpoint. Token is preferred; the
// account email is the fallback identity.
func (c *Client) CheckLicense(ctx context.Context, token, accountEmail string) (domain.LicenseState, error) {
	body := map[string]string{}
	if token != "" {
		body["authToken"] = token
	} else {
		body["accountEmail"] = accountEmail
	}
	var state domain.LicenseState
	if err := c.postJSON(ctx, "/status", "", body, &state); err != nil {
		return domain.LicenseState{}, err
	}
	return state, nil
}

// postJSON sends a JSON body and decodes the response into out (if non-nil).
func (c *Client) postJSON(ctx context.Context, path, token string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp); err != nil {
		return err
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%s: decode failed: %w", path, err)
		}
	}
	return nil
}

// checkStatus maps response codes onto the error taxonomy.
func (c *Client) checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusPaymentRequired:
		return ErrLicenseInactive
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		if entitlementDenied(resp.Body) {
			return ErrLicenseInactive
		}
		return ErrAuthExpired
	default:
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}
}

// entitlementDenied checks the error body for an entitlement reason.
func entitlementDenied(body io.Reader) bool {
	data, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil {
		return false
	}
	var eb errorBody
	if err := json.Unmarshal(data, &eb); err != nil {
		return false
	}
	return eb.Reason == reasonEntitlementDenied
}
