package transport

import (
	"context"
	"errors"
	"sync"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/bzinkan/ClassPilot-sub001/internal/domain"
)

const (
	maxReportedTabs = 20
	maxURLLen       = 512
	maxTitleLen     = 256
)

// StatusProvider exposes the enforcement state included in snapshots.
type StatusProvider interface {
	Status() (lockStatus, blockStatus string)
}

// Reporter composes and sends heartbeat snapshots. It is gated: while the
// tracking state is OFF or the license is inactive it never produces a
// network call.
type Reporter struct {
	client   *Client
	tabs     domain.TabService
	camera   domain.CameraSource
	status   StatusProvider
	identity func() domain.AgentIdentity
	state    func() domain.TrackingState
	logger   *zap.Logger

	// OnAuthExpired fires when a send hits a plain 401/403; the owner
	// clears the token and schedules one re-registration.
	OnAuthExpired func()
	// OnLicenseInactive fires on 402/entitlement-denied responses.
	OnLicenseInactive func()

	mu       sync.Mutex
	lastTabs []domain.Tab
	failing  bool
}

// NewReporter creates a heartbeat reporter.
func NewReporter(
	client *Client,
	tabs domain.TabService,
	camera domain.CameraSource,
	status StatusProvider,
	identity func() domain.AgentIdentity,
	state func() domain.TrackingState,
	logger *zap.Logger,
) *Reporter {
	return &Reporter{
		client:   client,
		tabs:     tabs,
		camera:   camera,
		status:   status,
		identity: identity,
		state:    state,
		logger:   logger,
	}
}

// Send composes a fresh snapshot and posts it. reason is logged for
// diagnosis (tick, wake, navigation). A no-op when tracking is OFF.
func (r *Reporter) Send(ctx context.Context, reason string) error {
	state := r.state()
	if state == domain.TrackingOff {
		return nil
	}
	id := r.identity()
	if id.AuthToken == "" {
		// Not registered yet; the registrar owns recovery.
		return nil
	}

	snap := r.composeSnapshot(ctx, id, state)

	err := r.client.Heartbeat(ctx, id.AuthToken, snap)
	switch {
	case err == nil:
		r.setFailing(false)
		return nil
	case errors.Is(err, ErrLicenseInactive):
		r.logger.Warn("heartbeat rejected: license inactive")
		if r.OnLicenseInactive != nil {
			r.OnLicenseInactive()
		}
		return err
	case errors.Is(err, ErrAuthExpired):
		r.logger.Warn("heartbeat rejected: auth expired, dropping send")
		if r.OnAuthExpired != nil {
			r.OnAuthExpired()
		}
		return err
	default:
		// Transient (5xx, connection failure): log and wait for the
		// next natural cadence, no extra retry.
		r.setFailing(true)
		r.logger.Warn("heartbeat failed",
			zap.String("reason", reason),
			zap.Error(err))
		return err
	}
}

// composeSnapshot gathers tab and camera state. A transient empty tab
// query result is papered over with the last successful one to avoid
// flicker in the dashboard.
func (r *Reporter) composeSnapshot(ctx context.Context, id domain.AgentIdentity, state domain.TrackingState) domain.HeartbeatSnapshot {
	tabs, err := r.tabs.ListTabs(ctx)
	if err != nil {
		r.logger.Debug("tab query failed", zap.Error(err))
		tabs = nil
	}

	r.mu.Lock()
	if len(tabs) == 0 && len(r.lastTabs) > 0 {
		tabs = r.lastTabs
	} else if len(tabs) > 0 {
		r.lastTabs = tabs
	}
	r.mu.Unlock()

	reported := make([]domain.Tab, 0, min(len(tabs), maxReportedTabs))
	for _, t := range tabs {
		if !domain.IsWebURL(t.URL) {
			continue
		}
		reported = append(reported, domain.Tab{
			ID:    t.ID,
			URL:   truncate(t.URL, maxURLLen),
			Title: truncate(t.Title, maxTitleLen),
		})
		if len(reported) == maxReportedTabs {
			break
		}
	}

	var active *domain.Tab
	if at, err := r.tabs.ActiveTab(ctx); err == nil && at != nil && domain.IsWebURL(at.URL) {
		active = &domain.Tab{
			ID:      at.ID,
			URL:     truncate(at.URL, maxURLLen),
			Title:   truncate(at.Title, maxTitleLen),
			Favicon: at.Favicon,
		}
	}

	cameraActive := false
	if r.camera != nil {
		if inUse, err := r.camera.InUse(ctx); err == nil {
			cameraActive = inUse
		}
	}

	lockStatus, blockStatus := r.status.Status()

	return domain.HeartbeatSnapshot{
		DeviceID:       id.DeviceID,
		AccountEmail:   id.AccountEmail,
		ActiveTab:      active,
		AllTabs:        reported,
		LockStatus:     lockStatus,
		BlockStatus:    blockStatus,
		CameraActive:   cameraActive,
		TrackingStatus: state,
	}
}

// Failing reports whether the last send hit a transient error.
func (r *Reporter) Failing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failing
}

func (r *Reporter) setFailing(v bool) {
	r.mu.Lock()
	r.failing = v
	r.mu.Unlock()
}

// truncate shortens s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
