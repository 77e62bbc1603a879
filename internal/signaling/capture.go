package signaling

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// TrackProvider supplies the outbound media track for a capture session.
// The platform screen grabber owns frame production and writes into the
// track it returns; the peer layer only negotiates and transports.
type TrackProvider func() (webrtc.TrackLocal, error)

// DefaultTrackProvider returns a VP8 sample track with no producer
// attached. Negotiation succeeds and the stream stays black until a
// grabber starts writing samples.
func DefaultTrackProvider() (webrtc.TrackLocal, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"screen", "classpilot")
	if err != nil {
		return nil, err
	}
	return track, nil
}

// NewPeerFactory builds the capture-context factory used by the relay.
// Each invocation creates one peer connection answering the supervising
// peer's offer and trickling local ICE candidates back out.
func NewPeerFactory(tracks TrackProvider, logger *zap.Logger) Factory {
	return func(ctx context.Context, out Outbound) (CaptureContext, error) {
		pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
			ICEServers: []webrtc.ICEServer{
				{URLs: []string{"stun:stun.l.google.com:19302"}},
			},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create peer connection: %w", err)
		}

		track, err := tracks()
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("failed to create capture track: %w", err)
		}
		if _, err := pc.AddTrack(track); err != nil {
			pc.Close()
			return nil, fmt.Errorf("failed to add capture track: %w", err)
		}

		p := &peerCapture{pc: pc, out: out, logger: logger}

		pc.OnICECandidate(func(c *webrtc.ICECandidate) {
			if c == nil {
				return
			}
			if err := out.SendCandidate(c.ToJSON()); err != nil {
				logger.Debug("failed to send ice candidate", zap.Error(err))
			}
		})

		pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
			logger.Debug("capture connection state", zap.String("state", state.String()))
			switch state {
			case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
				p.closed(nil)
			}
		})

		return p, nil
	}
}

// peerCapture is the pion-backed capture context.
type peerCapture struct {
	pc     *webrtc.PeerConnection
	out    Outbound
	logger *zap.Logger

	closeOnce sync.Once
}

// HandleOffer answers the supervising peer's offer.
func (p *peerCapture) HandleOffer(ctx context.Context, offer webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("failed to create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}
	return p.out.SendAnswer(answer)
}

// AddCandidate feeds a remote ICE candidate in.
func (p *peerCapture) AddCandidate(ctx context.Context, cand webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(cand)
}

// Close tears the peer connection down.
func (p *peerCapture) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = p.pc.Close()
	})
	return err
}

// closed reports teardown upward exactly once.
func (p *peerCapture) closed(err error) {
	if p.out.OnClosed != nil {
		p.out.OnClosed(err)
	}
}

// Ensure peerCapture implements CaptureContext.
var _ CaptureContext = (*peerCapture)(nil)
