package negotiation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mossy-p/telemed-signaling/internal/models"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var (
	ErrNegotiation = errors.New("negotiation failed")
	ErrClosed      = errors.New("negotiator closed")
)

const defaultOfferTimeout = 10 * time.Second

// Signaler publishes messages to the other participant.
type Signaler interface {
	Send(ctx context.Context, msg models.SignalMessage) error
}

type Config struct {
	// Polite peers roll back their own offer when offers collide; impolite
	// peers ignore the incoming one.
	Polite       bool
	OfferTimeout time.Duration
}

// State is a snapshot of the negotiation.
type State struct {
	Signaling         webrtc.SignalingState
	RemoteDescription bool
	PendingCandidates int
	OfferInFlight     bool
	Closed            bool
}

// Negotiator runs the offer/answer exchange over one peer connection. Every
// operation holds the same mutex, so relay messages and local actions never
// interleave against the peer connection.
type Negotiator struct {
	mu           sync.Mutex
	pc           PeerConnection
	signaler     Signaler
	polite       bool
	offerTimeout time.Duration

	pending       []webrtc.ICECandidateInit
	senders       map[webrtc.RTPCodecType]Sender
	offerInFlight bool
	localOffer    string
	offerSeq      uint64
	offerTimer    *time.Timer
	offerNeeded   bool
	closed        bool
}

// New wraps pc. Local ICE candidates gathered by pc are published through s.
func New(pc PeerConnection, s Signaler, cfg Config) *Negotiator {
	if cfg.OfferTimeout <= 0 {
		cfg.OfferTimeout = defaultOfferTimeout
	}
	n := &Negotiator{
		pc:           pc,
		signaler:     s,
		polite:       cfg.Polite,
		offerTimeout: cfg.OfferTimeout,
		senders:      make(map[webrtc.RTPCodecType]Sender),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		if err := s.Send(context.Background(), models.SignalMessage{Type: models.SignalTypeCandidate, Candidate: &init}); err != nil {
			log.Warn().Err(err).Str("module", "negotiation").Msg("failed to publish local candidate")
		}
	})
	return n
}

// AddTrack attaches a local track and remembers its sender by kind.
func (n *Negotiator) AddTrack(track webrtc.TrackLocal) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}

	sender, err := n.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("%w: add %s track: %v", ErrNegotiation, track.Kind(), err)
	}
	n.senders[track.Kind()] = sender
	return nil
}

// Sender returns the sender currently carrying kind, or nil.
func (n *Negotiator) Sender(kind webrtc.RTPCodecType) Sender {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.senders[kind]
}

// CreateOffer starts a negotiation. While an offer is outstanding, or the
// connection is not stable, it logs and does nothing.
func (n *Negotiator) CreateOffer(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.createOfferLocked(ctx, false)
}

// RestartICE sends an offer that restarts ICE on the existing connection.
func (n *Negotiator) RestartICE(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.createOfferLocked(ctx, true)
}

func (n *Negotiator) createOfferLocked(ctx context.Context, iceRestart bool) error {
	if n.closed {
		return ErrClosed
	}
	if n.offerInFlight || n.pc.SignalingState() != webrtc.SignalingStateStable {
		log.Warn().Str("module", "negotiation").Bool("in_flight", n.offerInFlight).Str("state", n.pc.SignalingState().String()).Msg("offer already in progress, skipping")
		return nil
	}

	offer, err := n.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
	if err != nil {
		return fmt.Errorf("%w: create offer: %v", ErrNegotiation, err)
	}
	if err := n.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("%w: set local offer: %v", ErrNegotiation, err)
	}

	n.offerInFlight = true
	n.offerNeeded = false
	n.localOffer = offer.SDP
	n.offerSeq++
	seq := n.offerSeq
	n.offerTimer = time.AfterFunc(n.offerTimeout, func() { n.expireOffer(seq) })

	if err := n.signaler.Send(ctx, models.SignalMessage{Type: models.SignalTypeOffer, SDP: offer.SDP}); err != nil {
		n.abandonOfferLocked()
		return fmt.Errorf("send offer: %w", err)
	}
	log.Debug().Str("module", "negotiation").Bool("ice_restart", iceRestart).Msg("offer sent")
	return nil
}

// HandleOffer applies a remote offer and answers it.
func (n *Negotiator) HandleOffer(ctx context.Context, sdp string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}

	collision := n.offerInFlight || n.pc.SignalingState() != webrtc.SignalingStateStable
	if collision {
		if !n.polite {
			log.Info().Str("module", "negotiation").Msg("ignoring colliding offer")
			return nil
		}
		log.Info().Str("module", "negotiation").Msg("offer collision, rolling back local offer")
		n.abandonOfferLocked()
	}

	if err := n.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return fmt.Errorf("%w: set remote offer: %v", ErrNegotiation, err)
	}
	n.flushCandidatesLocked()

	answer, err := n.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("%w: create answer: %v", ErrNegotiation, err)
	}
	if err := n.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("%w: set local answer: %v", ErrNegotiation, err)
	}

	if err := n.signaler.Send(ctx, models.SignalMessage{Type: models.SignalTypeAnswer, SDP: answer.SDP}); err != nil {
		return fmt.Errorf("send answer: %w", err)
	}
	n.settledLocked(ctx)
	return nil
}

// HandleAnswer applies a remote answer to the outstanding offer. Answers
// arriving without one (duplicates, stale answers) are ignored.
func (n *Negotiator) HandleAnswer(ctx context.Context, sdp string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}

	if n.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		log.Debug().Str("module", "negotiation").Str("state", n.pc.SignalingState().String()).Msg("ignoring answer without outstanding offer")
		return nil
	}

	if err := n.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
		return fmt.Errorf("%w: set remote answer: %v", ErrNegotiation, err)
	}
	n.clearOfferLocked()
	n.flushCandidatesLocked()
	n.settledLocked(ctx)
	return nil
}

// HandleCandidate applies a remote candidate, or queues it until a remote
// description exists.
func (n *Negotiator) HandleCandidate(_ context.Context, candidate webrtc.ICECandidateInit) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}

	if n.pc.RemoteDescription() == nil {
		n.pending = append(n.pending, candidate)
		return nil
	}
	if err := n.pc.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("%w: add candidate: %v", ErrNegotiation, err)
	}
	return nil
}

// RenegotiateTrack puts track on the sender of its kind. The sender is
// swapped in place when possible; otherwise the track is re-added and a new
// offer is sent.
func (n *Negotiator) RenegotiateTrack(ctx context.Context, track webrtc.TrackLocal) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}

	kind := track.Kind()
	if sender, ok := n.senders[kind]; ok {
		err := sender.ReplaceTrack(track)
		if err == nil {
			return nil
		}
		log.Warn().Err(err).Str("module", "negotiation").Str("kind", kind.String()).Msg("replace track failed, renegotiating")
		if err := n.pc.RemoveTrack(sender); err != nil {
			return fmt.Errorf("%w: remove %s track: %v", ErrNegotiation, kind, err)
		}
		delete(n.senders, kind)
	}

	sender, err := n.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("%w: add %s track: %v", ErrNegotiation, kind, err)
	}
	n.senders[kind] = sender
	return n.renegotiateLocked(ctx)
}

// RemoveTrack detaches whatever the sender of kind carries and offers the
// change. It is a no-op when nothing of that kind is being sent.
func (n *Negotiator) RemoveTrack(ctx context.Context, kind webrtc.RTPCodecType) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}

	sender, ok := n.senders[kind]
	if !ok {
		return nil
	}
	if err := n.pc.RemoveTrack(sender); err != nil {
		return fmt.Errorf("%w: remove %s track: %v", ErrNegotiation, kind, err)
	}
	delete(n.senders, kind)
	return n.renegotiateLocked(ctx)
}

// renegotiateLocked offers now, or once the exchange in progress settles.
func (n *Negotiator) renegotiateLocked(ctx context.Context) error {
	if n.offerInFlight || n.pc.SignalingState() != webrtc.SignalingStateStable {
		n.offerNeeded = true
		return nil
	}
	return n.createOfferLocked(ctx, false)
}

// settledLocked sends the offer deferred by renegotiateLocked, if any.
func (n *Negotiator) settledLocked(ctx context.Context) {
	if !n.offerNeeded || n.offerInFlight || n.pc.SignalingState() != webrtc.SignalingStateStable {
		return
	}
	if err := n.createOfferLocked(ctx, false); err != nil {
		log.Warn().Err(err).Str("module", "negotiation").Msg("deferred offer failed")
	}
}

// State returns a snapshot of the negotiation.
func (n *Negotiator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	st := State{
		PendingCandidates: len(n.pending),
		OfferInFlight:     n.offerInFlight,
		Closed:            n.closed,
	}
	if n.closed {
		st.Signaling = webrtc.SignalingStateClosed
		return st
	}
	st.Signaling = n.pc.SignalingState()
	st.RemoteDescription = n.pc.RemoteDescription() != nil
	return st
}

// Close closes the peer connection. Later calls return ErrClosed.
func (n *Negotiator) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	n.offerNeeded = false
	n.clearOfferLocked()
	n.pending = nil
	n.senders = make(map[webrtc.RTPCodecType]Sender)
	return n.pc.Close()
}

func (n *Negotiator) expireOffer(seq uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed || !n.offerInFlight || n.offerSeq != seq {
		return
	}
	log.Warn().Str("module", "negotiation").Dur("timeout", n.offerTimeout).Msg("no answer received, abandoning offer")
	n.abandonOfferLocked()
}

// abandonOfferLocked rolls a local offer back to stable.
func (n *Negotiator) abandonOfferLocked() {
	defer func() { n.localOffer = "" }()
	n.clearOfferLocked()
	if n.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		return
	}
	rollback := webrtc.SessionDescription{Type: webrtc.SDPTypeRollback, SDP: n.localOffer}
	if err := n.pc.SetLocalDescription(rollback); err != nil {
		log.Warn().Err(err).Str("module", "negotiation").Msg("rollback failed")
	}
}

func (n *Negotiator) clearOfferLocked() {
	n.offerInFlight = false
	if n.offerTimer != nil {
		n.offerTimer.Stop()
		n.offerTimer = nil
	}
}

// flushCandidatesLocked applies queued candidates once each.
func (n *Negotiator) flushCandidatesLocked() {
	pending := n.pending
	n.pending = nil
	for _, c := range pending {
		if err := n.pc.AddICECandidate(c); err != nil {
			log.Warn().Err(err).Str("module", "negotiation").Msg("failed to apply queued candidate")
		}
	}
	if len(pending) > 0 {
		log.Debug().Str("module", "negotiation").Int("count", len(pending)).Msg("applied queued candidates")
	}
}
