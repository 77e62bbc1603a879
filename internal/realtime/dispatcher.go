package realtime

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bzinkan/ClassPilot-sub001/internal/domain"
	"github.com/bzinkan/ClassPilot-sub001/internal/policy"
)

// Inbound frame types.
const (
	TypeAuthSuccess     = "auth-success"
	TypeAuthError       = "auth-error"
	TypeLock            = "lock"
	TypeUnlock          = "unlock"
	TypeBlockList       = "block-list"
	TypeRemoveBlockList = "remove-block-list"
	TypeTempAllow       = "temp-allow"
	TypeTabLimit        = "tab-limit"
	TypeOpenTabs        = "open-tabs"
	TypeCloseTabs       = "close-tabs"
	TypeAttention       = "attention"
	TypeTimer           = "timer"
	TypePoll            = "poll"
	TypeChat            = "chat"
	TypeSignalOffer     = "signal-offer"
	TypeSignalICE       = "signal-ice"
	TypeSignalStop      = "signal-stop"
)

// SignalHandler receives signaling frames (implemented by the relay).
type SignalHandler interface {
	HandleOffer(ctx context.Context, raw json.RawMessage)
	HandleCandidate(ctx context.Context, raw json.RawMessage)
	Stop()
}

// pushedSettings is the settings payload delivered at auth-success.
type pushedSettings struct {
	TabLimit       int      `json:"tabLimit"`
	BlockedDomains []string `json:"blockedDomains"`
}

type lockCmd struct {
	Mode    string   `json:"mode"`
	URL     string   `json:"url,omitempty"`
	Domains []string `json:"domains,omitempty"`
	Name    string   `json:"name,omitempty"`
}

type blockListCmd struct {
	Domains []string `json:"domains"`
	Scope   string   `json:"scope,omitempty"`
}

type tempAllowCmd struct {
	Domain          string `json:"domain"`
	DurationSeconds int    `json:"durationSeconds"`
}

type tabLimitCmd struct {
	Limit int `json:"limit"`
}

type openTabsCmd struct {
	URLs []string `json:"urls"`
}

type closeTabsCmd struct {
	URLs          []string `json:"urls,omitempty"`
	Pattern       string   `json:"pattern,omitempty"`
	ExceptAllowed bool     `json:"exceptAllowed,omitempty"`
}

// Dispatcher decodes inbound frames into typed commands and invokes the
// enforcement engine, tab control, or the signaling relay.
type Dispatcher struct {
	engine   *policy.Engine
	tabs     domain.TabService
	notifier domain.Notifier
	signals  SignalHandler
	logger   *zap.Logger

	// OnSettings fires when auth-success delivers pushed settings
	// (schedule refresh scheduling is the daemon's business).
	OnSettings func()
}

// NewDispatcher creates a command dispatcher.
func NewDispatcher(engine *policy.Engine, tabs domain.TabService, notifier domain.Notifier, signals SignalHandler, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		engine:   engine,
		tabs:     tabs,
		notifier: notifier,
		signals:  signals,
		logger:   logger,
	}
}

// Handle routes one frame. Unknown types are logged and dropped.
func (d *Dispatcher) Handle(ctx context.Context, frameType string, raw json.RawMessage) {
	switch frameType {
	case TypeAuthSuccess:
		d.handleAuthSuccess(ctx, raw)
	case TypeAuthError:
		d.logger.Warn("realtime auth rejected")
	case TypeLock:
		d.handleLock(ctx, raw)
	case TypeUnlock:
		d.engine.RemoveLock(ctx)
		d.notifier.Notify("Screen unlocked", "Your teacher removed the lock.")
	case TypeBlockList:
		d.handleBlockList(ctx, raw)
	case TypeRemoveBlockList:
		d.handleRemoveBlockList(ctx, raw)
	case TypeTempAllow:
		d.handleTempAllow(raw)
	case TypeTabLimit:
		d.handleTabLimit(raw)
	case TypeOpenTabs:
		d.handleOpenTabs(ctx, raw)
	case TypeCloseTabs:
		d.handleCloseTabs(ctx, raw)
	case TypeAttention, TypeTimer, TypePoll, TypeChat:
		d.broadcast(ctx, frameType, raw)
	case TypeSignalOffer:
		d.signals.HandleOffer(ctx, raw)
	case TypeSignalICE:
		d.signals.HandleCandidate(ctx, raw)
	case TypeSignalStop:
		d.signals.Stop()
	default:
		d.logger.Debug("unknown realtime frame", zap.String("type", frameType))
	}
}

// handleAuthSuccess applies settings pushed with the auth acknowledgment:
// tab limit and global block list take effect immediately.
func (d *Dispatcher) handleAuthSuccess(ctx context.Context, raw json.RawMessage) {
	var frame struct {
		Settings pushedSettings `json:"settings"`
	}
	if err := json.Unmarshal(raw, &frame); err != nil {
		d.logger.Warn("bad auth-success payload", zap.Error(err))
		return
	}
	// The server is authoritative for the org-wide list: an empty push
	// clears it, exactly like the settings fetch.
	d.engine.SetTabLimit(frame.Settings.TabLimit)
	d.engine.SetGlobalBlockList(ctx, frame.Settings.BlockedDomains)
	if d.OnSettings != nil {
		d.OnSettings()
	}
	d.logger.Info("realtime authenticated, settings applied")
}

func (d *Dispatcher) handleLock(ctx context.Context, raw json.RawMessage) {
	var cmd lockCmd
	if err := json.Unmarshal(raw, &cmd); err != nil {
		d.logger.Warn("bad lock payload", zap.Error(err))
		return
	}

	lock := domain.Lock{URL: cmd.URL, Domains: cmd.Domains, Name: cmd.Name}
	switch cmd.Mode {
	case string(domain.LockAllowList):
		lock.Mode = domain.LockAllowList
	default:
		lock.Mode = domain.LockSingleDomain
	}

	if err := d.engine.ApplyLock(ctx, lock); err != nil {
		d.logger.Warn("lock command failed", zap.Error(err))
		return
	}
	d.notifier.Notify("Screen locked", "Your teacher locked your browsing.")
}

func (d *Dispatcher) handleBlockList(ctx context.Context, raw json.RawMessage) {
	var cmd blockListCmd
	if err := json.Unmarshal(raw, &cmd); err != nil {
		d.logger.Warn("bad block-list payload", zap.Error(err))
		return
	}
	scope := domain.ScopeSession
	if cmd.Scope == string(domain.ScopeGlobal) {
		scope = domain.ScopeGlobal
	}
	d.engine.ApplyBlockList(ctx, cmd.Domains, scope)
}

func (d *Dispatcher) handleRemoveBlockList(ctx context.Context, raw json.RawMessage) {
	var cmd blockListCmd
	if err := json.Unmarshal(raw, &cmd); err != nil {
		d.logger.Warn("bad remove-block-list payload", zap.Error(err))
		return
	}
	scope := domain.ScopeSession
	if cmd.Scope == string(domain.ScopeGlobal) {
		scope = domain.ScopeGlobal
	}
	d.engine.RemoveBlockList(ctx, scope)
}

func (d *Dispatcher) handleTempAllow(raw json.RawMessage) {
	var cmd tempAllowCmd
	if err := json.Unmarshal(raw, &cmd); err != nil {
		d.logger.Warn("bad temp-allow payload", zap.Error(err))
		return
	}
	if cmd.Domain == "" || cmd.DurationSeconds <= 0 {
		return
	}
	d.engine.TemporarilyAllow(cmd.Domain, time.Duration(cmd.DurationSeconds)*time.Second)
}

func (d *Dispatcher) handleTabLimit(raw json.RawMessage) {
	var cmd tabLimitCmd
	if err := json.Unmarshal(raw, &cmd); err != nil {
		d.logger.Warn("bad tab-limit payload", zap.Error(err))
		return
	}
	d.engine.SetTabLimit(cmd.Limit)
}

func (d *Dispatcher) handleOpenTabs(ctx context.Context, raw json.RawMessage) {
	var cmd openTabsCmd
	if err := json.Unmarshal(raw, &cmd); err != nil {
		d.logger.Warn("bad open-tabs payload", zap.Error(err))
		return
	}
	for _, url := range cmd.URLs {
		if err := d.tabs.OpenTab(ctx, url); err != nil {
			d.logger.Warn("failed to open tab", zap.String("url", url), zap.Error(err))
		}
	}
}

// handleCloseTabs closes tabs by explicit URL, substring pattern, or
// everything outside the active lock's allowed set.
func (d *Dispatcher) handleCloseTabs(ctx context.Context, raw json.RawMessage) {
	var cmd closeTabsCmd
	if err := json.Unmarshal(raw, &cmd); err != nil {
		d.logger.Warn("bad close-tabs payload", zap.Error(err))
		return
	}

	tabs, err := d.tabs.ListTabs(ctx)
	if err != nil {
		d.logger.Warn("failed to list tabs", zap.Error(err))
		return
	}

	lock := d.engine.Lock()
	for _, tab := range tabs {
		if !d.shouldClose(tab, cmd, lock) {
			continue
		}
		if err := d.tabs.CloseTab(ctx, tab.ID); err != nil {
			d.logger.Warn("failed to close tab", zap.String("tab", tab.ID), zap.Error(err))
		}
	}
}

func (d *Dispatcher) shouldClose(tab domain.Tab, cmd closeTabsCmd, lock domain.Lock) bool {
	if cmd.ExceptAllowed {
		host := domain.Hostname(tab.URL)
		return host != "" && !lock.Allows(host)
	}
	if cmd.Pattern != "" {
		return containsFold(tab.URL, cmd.Pattern)
	}
	for _, url := range cmd.URLs {
		if tab.URL == url {
			return true
		}
	}
	return false
}

// broadcast relays an ephemeral UI frame to all open tabs in parallel.
// Best effort: a tab that fails to receive is logged and skipped, never
// blocking delivery to the others.
func (d *Dispatcher) broadcast(ctx context.Context, frameType string, raw json.RawMessage) {
	tabs, err := d.tabs.ListTabs(ctx)
	if err != nil {
		d.logger.Warn("broadcast: failed to list tabs", zap.Error(err))
		return
	}

	var wg sync.WaitGroup
	for _, tab := range tabs {
		wg.Add(1)
		go func(tab domain.Tab) {
			defer wg.Done()
			if err := d.tabs.SendMessage(ctx, tab.ID, raw); err != nil {
				d.logger.Debug("broadcast delivery failed",
					zap.String("type", frameType),
					zap.String("tab", tab.ID),
					zap.Error(err))
			}
		}(tab)
	}
	wg.Wait()
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}
