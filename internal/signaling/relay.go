// Package signaling forwards session-description and ICE-candidate
// exchange between the realtime channel and the isolated media-capture
// context. The relay itself never touches media.
package signaling

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/bzinkan/ClassPilot-sub001/internal/realtime"
)

// CaptureContext is the isolated media-capture boundary, reachable only
// through message passing. It is the sole owner of WebRTC engine state.
type CaptureContext interface {
	// HandleOffer feeds the supervising peer's offer in; the context
	// answers through the Outbound it was created with.
	HandleOffer(ctx context.Context, offer webrtc.SessionDescription) error

	// AddCandidate feeds a remote ICE candidate in.
	AddCandidate(ctx context.Context, cand webrtc.ICECandidateInit) error

	// Close tears the capture session down.
	Close() error
}

// Outbound carries the capture context's outputs back toward the channel.
type Outbound struct {
	SendAnswer    func(webrtc.SessionDescription) error
	SendCandidate func(webrtc.ICECandidateInit) error
	// OnClosed reports capture teardown (error or natural end).
	OnClosed func(err error)
}

// Factory creates a capture context. Called lazily on the first stream
// request; at most one creation is ever in flight.
type Factory func(ctx context.Context, out Outbound) (CaptureContext, error)

// offerFrame and iceFrame are the wire shapes crossing the channel.
type offerFrame struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type answerFrame struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type iceFrame struct {
	Type      string                  `json:"type"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// Sender writes frames to the realtime channel.
type Sender interface {
	Send(v any) error
}

// Relay is a pure forwarding boundary: offers and candidates go in,
// answers and candidates come back out, and nothing else is held here.
type Relay struct {
	factory Factory
	sender  Sender
	logger  *zap.Logger

	mu       sync.Mutex
	capture  CaptureContext
	observed atomic.Bool
}

// NewRelay creates a signaling relay.
func NewRelay(factory Factory, sender Sender, logger *zap.Logger) *Relay {
	return &Relay{
		factory: factory,
		sender:  sender,
		logger:  logger,
	}
}

// Observed reports whether a supervising peer is currently watching.
func (r *Relay) Observed() bool { return r.observed.Load() }

// HandleOffer ensures a capture context exists and forwards the offer.
// Capture being denied or unavailable is an expected outcome, logged at
// informational level, never a user-facing alarm.
func (r *Relay) HandleOffer(ctx context.Context, raw json.RawMessage) {
	var frame offerFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		r.logger.Warn("bad signal-offer payload", zap.Error(err))
		return
	}

	capture, err := r.ensureCapture(ctx)
	if err != nil {
		r.logger.Info("capture unavailable", zap.Error(err))
		return
	}

	offer := webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  frame.SDP,
	}
	if err := capture.HandleOffer(ctx, offer); err != nil {
		r.logger.Info("capture rejected offer", zap.Error(err))
		r.teardown()
		return
	}
	r.observed.Store(true)
}

// HandleCandidate forwards a remote ICE candidate into the capture
// context. Candidates arriving before any offer are dropped.
func (r *Relay) HandleCandidate(ctx context.Context, raw json.RawMessage) {
	var frame iceFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		r.logger.Warn("bad signal-ice payload", zap.Error(err))
		return
	}

	r.mu.Lock()
	capture := r.capture
	r.mu.Unlock()
	if capture == nil {
		r.logger.Debug("ice candidate before offer, dropped")
		return
	}
	if err := capture.AddCandidate(ctx, frame.Candidate); err != nil {
		r.logger.Info("capture rejected candidate", zap.Error(err))
	}
}

// Stop tears down the capture context (teacher ended the stream).
func (r *Relay) Stop() {
	r.teardown()
}

// HandleDisconnect clears observation state when the channel drops.
func (r *Relay) HandleDisconnect() {
	r.teardown()
}

// ensureCapture lazily creates the capture context. The mutex guarantees
// at most one creation in flight; a concurrent caller reuses the result.
func (r *Relay) ensureCapture(ctx context.Context) (CaptureContext, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.capture != nil {
		return r.capture, nil
	}

	capture, err := r.factory(ctx, Outbound{
		SendAnswer: func(answer webrtc.SessionDescription) error {
			return r.sender.Send(answerFrame{Type: "signal-answer", SDP: answer.SDP})
		},
		SendCandidate: func(cand webrtc.ICECandidateInit) error {
			return r.sender.Send(iceFrame{Type: "signal-ice", Candidate: cand})
		},
		OnClosed: func(err error) {
			if err != nil {
				r.logger.Info("capture closed", zap.Error(err))
			}
			r.teardown()
		},
	})
	if err != nil {
		return nil, err
	}
	r.capture = capture
	return capture, nil
}

// teardown closes any capture context and clears the observed flag.
func (r *Relay) teardown() {
	r.mu.Lock()
	capture := r.capture
	r.capture = nil
	r.mu.Unlock()

	r.observed.Store(false)
	if capture != nil {
		if err := capture.Close(); err != nil {
			r.logger.Debug("capture close failed", zap.Error(err))
		}
	}
}

// Ensure Relay satisfies the dispatcher's signal handler.
var _ realtime.SignalHandler = (*Relay)(nil)
