// Package daemon wires the agent together and runs its event loop:
// tracking re-evaluation, heartbeat cadence, tab watching, settings
// refresh, and license polling.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bzinkan/ClassPilot-sub001/internal/config"
	"github.com/bzinkan/ClassPilot-sub001/internal/domain"
	"github.com/bzinkan/ClassPilot-sub001/internal/policy"
	"github.com/bzinkan/ClassPilot-sub001/internal/realtime"
	"github.com/bzinkan/ClassPilot-sub001/internal/signaling"
	"github.com/bzinkan/ClassPilot-sub001/internal/tracking"
	"github.com/bzinkan/ClassPilot-sub001/internal/transport"
)

// Deps are the host adapters the agent runs on top of. The composition
// root (cmd) picks concrete implementations.
type Deps struct {
	Store    *config.Store
	Rules    domain.RuleEngine
	Tabs     domain.TabService
	Idle     domain.IdleSource
	Camera   domain.CameraSource
	Notifier domain.Notifier
	Capture  signaling.Factory
}

// Agent owns the runtime: the tracking machine decides what runs, and
// the event loop drives cadenced work off tickers.
type Agent struct {
	settings config.Settings
	deps     Deps
	logger   *zap.Logger

	client     *transport.Client
	engine     *policy.Engine
	machine    *tracking.Machine
	reporter   *transport.Reporter
	registrar  *transport.Registrar
	events     *transport.EventReporter
	debouncer  *transport.Debouncer
	channel    *realtime.Channel
	dispatcher *realtime.Dispatcher
	relay      *signaling.Relay

	// cadence delivers heartbeat-interval changes into the event loop.
	cadence chan time.Duration

	mu        sync.Mutex
	schedule  domain.SchedulePolicy
	license   domain.LicenseState
	knownTabs map[string]string
	primed    bool
}

// New assembles the agent. accountEmail is only set on first registration;
// subsequent runs use the persisted identity.
func New(settings config.Settings, accountEmail string, deps Deps, logger *zap.Logger) *Agent {
	a := &Agent{
		settings:  settings,
		deps:      deps,
		logger:    logger,
		cadence:   make(chan time.Duration, 1),
		license:   domain.LicenseState{Active: true}, // optimistic until first check
		knownTabs: make(map[string]string),
	}

	identity := func() domain.AgentIdentity { return deps.Store.LoadIdentity() }
	state := func() domain.TrackingState { return a.machine.State() }

	a.client = transport.NewClient(settings.ServerURL, logger)
	a.events = transport.NewEventReporter(a.client, identity, state, logger)
	a.engine = policy.NewEngine(deps.Rules, deps.Store, deps.Tabs, deps.Notifier, a.events, logger)
	a.reporter = transport.NewReporter(a.client, deps.Tabs, deps.Camera, a.engine, identity, state, logger)
	a.registrar = transport.NewRegistrar(a.client, deps.Store, settings.RegisterRetry, logger)

	a.machine = tracking.NewMachine(tracking.Hooks{
		OnActive: func() {
			a.debouncer.Reset()
			a.channel.Start()
			a.setCadence(settings.HeartbeatActive)
		},
		OnIdle: func() {
			a.channel.Start()
			a.setCadence(settings.HeartbeatIdle)
		},
		OnOff: func(scheduleDriven bool) {
			a.debouncer.Stop()
			a.registrar.CancelRetry()
			a.channel.Stop()
			if scheduleDriven {
				a.logger.Info("outside school hours, tracking suspended")
			}
		},
	}, logger)

	a.channel = realtime.NewChannel(
		wsURL(settings.ServerURL),
		identity,
		func(ctx context.Context, frameType string, raw json.RawMessage) {
			a.dispatcher.Handle(ctx, frameType, raw)
		},
		settings.ReconnectFloor,
		settings.ReconnectCeiling,
		logger,
	)
	a.relay = signaling.NewRelay(deps.Capture, a.channel, logger)
	a.dispatcher = realtime.NewDispatcher(a.engine, deps.Tabs, deps.Notifier, a.relay, logger)
	a.channel.OnDisconnect = a.relay.HandleDisconnect

	// Settings pushed at auth-success may be partial; follow up with a
	// full fetch so the schedule lands too.
	a.dispatcher.OnSettings = func() {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			a.refreshSettings(ctx)
			a.reevaluate(ctx)
		}()
	}

	a.debouncer = transport.NewDebouncer(settings.EventDebounce, func(tabID, url string) {
		a.events.ReportEvent("tab_navigation", map[string]any{
			"tabId": tabID,
			"url":   url,
		})
	})

	a.reporter.OnAuthExpired = a.registrar.HandleAuthExpired
	a.reporter.OnLicenseInactive = func() {
		a.setLicenseActive(false)
		a.reevaluate(context.Background())
	}
	a.registrar.OnRegistered = func() {
		a.reevaluate(context.Background())
	}
	if accountEmail != "" {
		a.pendingEmail(accountEmail)
	}

	return a
}

// pendingEmail stores the email ahead of bootstrap so EnsureRegistered
// carries it on the first registration.
func (a *Agent) pendingEmail(email string) {
	id := a.deps.Store.LoadIdentity()
	id.AccountEmail = email
	if err := a.deps.Store.SaveIdentity(id); err != nil {
		a.logger.Error("failed to store account email", zap.Error(err))
	}
}

// Run bootstraps persisted state and drives the event loop until the
// context is canceled.
func (a *Agent) Run(ctx context.Context) error {
	a.bootstrap(ctx)
	a.reevaluate(ctx)

	// Cadenced work. Heartbeat interval follows the tracking state; the
	// rest run at fixed intervals and are internally gated while OFF.
	heartbeat := time.NewTicker(a.settings.HeartbeatActive)
	tabPoll := time.NewTicker(a.settings.TabPollInterval)
	license := time.NewTicker(a.settings.LicenseInterval)
	settings := time.NewTicker(a.settings.ScheduleInterval)
	wake := time.NewTicker(a.settings.WakeInterval)
	defer heartbeat.Stop()
	defer tabPoll.Stop()
	defer license.Stop()
	defer settings.Stop()
	defer wake.Stop()

	go func() {
		a.refreshSettings(ctx)
		a.checkLicense(ctx)
		a.reevaluate(ctx)
		a.reporter.Send(ctx, "start")
	}()

	for {
		select {
		case <-ctx.Done():
			a.shutdown()
			return nil

		case d := <-a.cadence:
			heartbeat.Reset(d)

		case <-heartbeat.C:
			go a.reporter.Send(ctx, "tick")

		case <-tabPoll.C:
			a.pollTabs(ctx)

		case <-license.C:
			a.checkLicense(ctx)
			a.reevaluate(ctx)

		case <-settings.C:
			a.refreshSettings(ctx)
			a.reevaluate(ctx)

		case <-wake.C:
			// Catches schedule-window boundaries and idle transitions
			// between the longer ticks.
			a.reevaluate(ctx)
		}
	}
}

// bootstrap reconstructs persisted state: enforcement rules, the cached
// schedule, and the device identity. Failures degrade, never abort; the
// agent must come up even when the server is unreachable.
func (a *Agent) bootstrap(ctx context.Context) {
	if err := a.engine.Restore(ctx); err != nil {
		a.logger.Error("failed to restore enforcement state", zap.Error(err))
	}

	schedule, fetched, err := a.deps.Store.LoadSchedule()
	if err != nil {
		a.logger.Error("failed to load cached schedule", zap.Error(err))
	} else if !fetched.IsZero() {
		a.mu.Lock()
		a.schedule = schedule
		a.mu.Unlock()
		a.logger.Info("schedule restored from cache", zap.Time("fetched_at", fetched))
	}

	id := a.deps.Store.LoadIdentity()
	if _, err := a.registrar.EnsureRegistered(ctx, id.AccountEmail); err != nil {
		a.logger.Warn("registration pending", zap.Error(err))
	}
}

// shutdown releases runtime resources. The store is closed by the owner.
func (a *Agent) shutdown() {
	a.debouncer.Stop()
	a.registrar.CancelRetry()
	a.channel.Stop()
	a.logger.Info("agent stopped")
}

// reevaluate feeds fresh inputs into the tracking machine.
func (a *Agent) reevaluate(ctx context.Context) domain.TrackingState {
	a.mu.Lock()
	schedule := a.schedule
	licensed := a.license.Active
	a.mu.Unlock()

	idle := false
	if a.deps.Idle != nil {
		v, err := a.deps.Idle.Idle(ctx)
		if err != nil {
			a.logger.Debug("idle probe failed", zap.Error(err))
		} else {
			idle = v
		}
	}

	return a.machine.Reevaluate(schedule.WithinHours(time.Now()), idle, licensed)
}

// checkLicense polls the entitlement endpoint. Transient failures keep
// the last known state; only a definitive server answer flips it.
func (a *Agent) checkLicense(ctx context.Context) {
	id := a.deps.Store.LoadIdentity()
	if id.AuthToken == "" && id.AccountEmail == "" {
		return
	}

	state, err := a.client.CheckLicense(ctx, id.AuthToken, id.AccountEmail)
	switch {
	case err == nil:
		a.setLicense(state)
	case errors.Is(err, transport.ErrLicenseInactive):
		a.setLicenseActive(false)
	case errors.Is(err, transport.ErrAuthExpired):
		a.registrar.HandleAuthExpired()
	default:
		a.logger.Debug("license check failed", zap.Error(err))
	}
}

// refreshSettings fetches the schedule and org-wide policy and applies
// them. The server is authoritative for all three fields.
func (a *Agent) refreshSettings(ctx context.Context) {
	id := a.deps.Store.LoadIdentity()
	if id.AuthToken == "" {
		return
	}

	s, err := a.client.FetchSettings(ctx, id.AuthToken)
	switch {
	case err == nil:
	case errors.Is(err, transport.ErrLicenseInactive):
		a.setLicenseActive(false)
		return
	case errors.Is(err, transport.ErrAuthExpired):
		a.registrar.HandleAuthExpired()
		return
	default:
		a.logger.Warn("settings fetch failed", zap.Error(err))
		return
	}

	a.mu.Lock()
	a.schedule = s.Schedule
	a.mu.Unlock()
	if err := a.deps.Store.SaveSchedule(s.Schedule); err != nil {
		a.logger.Error("failed to cache schedule", zap.Error(err))
	}

	a.engine.SetGlobalBlockList(ctx, s.BlockedDomains)
	a.engine.SetTabLimit(s.TabLimit)
	a.logger.Info("settings refreshed",
		zap.Int("blocked_domains", len(s.BlockedDomains)),
		zap.Int("tab_limit", s.TabLimit))
}

// pollTabs diffs the open-tab set against the last poll: new tabs go
// through creation policy, URL changes through navigation policy, and
// allowed navigations into the debounced event stream. Suspended while
// tracking is OFF.
func (a *Agent) pollTabs(ctx context.Context) {
	if a.machine.State() == domain.TrackingOff {
		return
	}

	tabs, err := a.deps.Tabs.ListTabs(ctx)
	if err != nil {
		a.logger.Debug("tab poll failed", zap.Error(err))
		return
	}

	a.mu.Lock()
	known := a.knownTabs
	primed := a.primed
	next := make(map[string]string, len(tabs))
	for _, t := range tabs {
		next[t.ID] = t.URL
	}
	a.knownTabs = next
	a.primed = true
	a.mu.Unlock()

	for _, t := range tabs {
		prev, existed := known[t.ID]
		switch {
		case !existed:
			// The first poll sees every preexisting tab as new; those
			// only get navigation checks, not new-tab policy.
			if primed {
				a.engine.OnTabCreated(ctx, t, len(tabs))
			}
			if a.engine.HandleNavigation(ctx, t).Allowed() {
				a.debouncer.Observe(t.ID, t.URL)
			}
		case prev != t.URL:
			if a.engine.HandleNavigation(ctx, t).Allowed() {
				a.debouncer.Observe(t.ID, t.URL)
			}
		}
	}
}

// setLicense records a definitive license answer and logs transitions.
func (a *Agent) setLicense(state domain.LicenseState) {
	a.mu.Lock()
	prev := a.license.Active
	a.license = state
	a.mu.Unlock()

	if prev != state.Active {
		a.logger.Info("license state changed",
			zap.Bool("active", state.Active),
			zap.String("plan", state.PlanStatus))
	}
}

func (a *Agent) setLicenseActive(active bool) {
	a.mu.Lock()
	state := a.license
	a.mu.Unlock()
	state.Active = active
	a.setLicense(state)
}

// setCadence hands the event loop a new heartbeat interval, replacing
// any undelivered one.
func (a *Agent) setCadence(d time.Duration) {
	select {
	case <-a.cadence:
	default:
	}
	select {
	case a.cadence <- d:
	default:
	}
}

// wsURL derives the realtime endpoint from the HTTP base URL.
func wsURL(serverURL string) string {
	switch {
	case strings.HasPrefix(serverURL, "https://"):
		return "wss://" + strings.TrimPrefix(serverURL, "https://") + "/ws"
	case strings.HasPrefix(serverURL, "http://"):
		return "ws://" + strings.TrimPrefix(serverURL, "http://") + "/ws"
	default:
		return serverURL + "/ws"
	}
}
