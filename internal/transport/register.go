package transport

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bzinkan/ClassPilot-sub001/internal/domain"
)

// IdentityStore is the slice of the config store the registrar needs.
type IdentityStore interface {
	LoadIdentity() domain.AgentIdentity
	SaveIdentity(domain.AgentIdentity) error
	ClearAuth() error
}

// Registrar owns the registration lifecycle: it ensures a device identity
// exists, exchanges it for an auth token, and - after an auth failure -
// retries exactly once after a fixed delay, never looping tighter.
type Registrar struct {
	client     *Client
	store      IdentityStore
	retryDelay time.Duration
	logger     *zap.Logger

	// OnRegistered fires after a token is stored (machine re-evaluation).
	OnRegistered func()

	mu      sync.Mutex
	retry   *time.Timer
	pending bool
}

// NewRegistrar creates a registrar with the given fixed retry delay.
func NewRegistrar(client *Client, store IdentityStore, retryDelay time.Duration, logger *zap.Logger) *Registrar {
	return &Registrar{
		client:     client,
		store:      store,
		retryDelay: retryDelay,
		logger:     logger,
	}
}

// EnsureRegistered runs on install, host start, every process wake, and on
// demand. It generates the device id on first run, and registers with the
// server when the identity is new or unregistered.
func (r *Registrar) EnsureRegistered(ctx context.Context, accountEmail string) (domain.AgentIdentity, error) {
	id := r.store.LoadIdentity()

	if accountEmail != "" {
		id.AccountEmail = accountEmail
	}
	if id.DeviceID == "" {
		// Generated once, never exposed to the supervising teacher.
		id.DeviceID = uuid.NewString()
	}

	if id.Registered && id.AuthToken != "" {
		if err := r.store.SaveIdentity(id); err != nil {
			return id, err
		}
		return id, nil
	}

	return r.register(ctx, id)
}

// register performs the registration call and persists the outcome.
func (r *Registrar) register(ctx context.Context, id domain.AgentIdentity) (domain.AgentIdentity, error) {
	hostname, _ := os.Hostname()

	resp, err := r.client.Register(ctx, RegisterRequest{
		DeviceID:     id.DeviceID,
		AccountEmail: id.AccountEmail,
		DeviceName:   hostname,
	})
	if err != nil {
		// Failure clears the registered flag and token before retrying.
		id.AuthToken = ""
		id.Registered = false
		if saveErr := r.store.SaveIdentity(id); saveErr != nil {
			r.logger.Error("failed to persist identity after registration failure", zap.Error(saveErr))
		}
		r.scheduleRetry(id.AccountEmail)
		return id, err
	}

	id.AuthToken = resp.AuthToken
	id.Registered = true
	if err := r.store.SaveIdentity(id); err != nil {
		return id, err
	}

	r.logger.Info("device registered", zap.String("entity", resp.EntityID))
	if r.OnRegistered != nil {
		r.OnRegistered()
	}
	return id, nil
}

// HandleAuthExpired clears the stored token and schedules one delayed
// re-registration. The heartbeat that observed the 401 is dropped; the
// next send after re-registration carries the fresh token.
func (r *Registrar) HandleAuthExpired() {
	if err := r.store.ClearAuth(); err != nil {
		r.logger.Error("failed to clear auth state", zap.Error(err))
	}
	id := r.store.LoadIdentity()
	r.scheduleRetry(id.AccountEmail)
}

// scheduleRetry arms a single retry after the fixed delay. A retry that is
// already pending is left alone so failures never tighten the loop.
func (r *Registrar) scheduleRetry(accountEmail string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pending {
		return
	}
	r.pending = true
	r.retry = time.AfterFunc(r.retryDelay, func() {
		r.mu.Lock()
		r.pending = false
		r.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := r.EnsureRegistered(ctx, accountEmail); err != nil {
			r.logger.Warn("re-registration failed", zap.Error(err))
		}
	})
	r.logger.Info("re-registration scheduled", zap.Duration("delay", r.retryDelay))
}

// CancelRetry stops any pending re-registration (state moved to OFF).
func (r *Registrar) CancelRetry() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.retry != nil {
		r.retry.Stop()
	}
	r.pending = false
}
