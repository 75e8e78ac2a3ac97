package session

import (
	"context"
	"errors"

	"github.com/mossy-p/telemed-signaling/internal/models"
	"github.com/mossy-p/telemed-signaling/internal/negotiation"
	"github.com/mossy-p/telemed-signaling/internal/supervisor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// loop applies relay messages and peer connection events one at a time.
func (s *Session) loop(ctx context.Context, messages <-chan models.SignalMessage, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-messages:
			if !ok {
				messages = nil
				s.relayLost()
				continue
			}
			s.handleSignal(ctx, msg)

		case ev := <-s.events:
			if ev.gen != s.gen.Load() {
				continue
			}
			if ev.isICE {
				s.sup.ObserveICE(ev.ice)
				continue
			}
			s.sup.ObserveConnection(ev.conn)
			if ev.conn == webrtc.PeerConnectionStateDisconnected && s.opts.Role == models.RoleDoctor {
				s.restartICE(ctx)
			}
		}
	}
}

func (s *Session) handleSignal(ctx context.Context, msg models.SignalMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.neg == nil || s.sup.Snapshot().Status == supervisor.StatusFailed {
		return
	}

	logger := log.With().Str("module", "session").Str("room", s.opts.RoomID).Str("type", string(msg.Type)).Str("from", msg.From).Logger()

	var err error
	switch msg.Type {
	case models.SignalTypePeerJoined:
		if msg.Kind == s.opts.Role {
			return
		}
		logger.Info().Str("kind", string(msg.Kind)).Msg("peer joined")
		if !s.adoptPeerLocked(msg.From) {
			logger.Warn().Str("peer", s.remoteID).Msg("ignoring additional participant")
			return
		}
		if err = s.rebuildIfRejoinedLocked(ctx); err == nil {
			err = s.startOfferLocked(ctx)
		}

	case models.SignalTypeReady:
		err = s.startOfferLocked(ctx)

	case models.SignalTypePeerLeft:
		if msg.Kind == s.opts.Role {
			return
		}
		logger.Info().Str("kind", string(msg.Kind)).Msg("peer left")
		if msg.From == s.remoteID {
			s.remoteGone = true
		}

	case models.SignalTypeResubscribed:
		// The other side saw this participant leave and join again and will
		// start over; so does this side.
		logger.Info().Msg("relay subscription restored")
		s.remoteID, s.remoteGone = "", false
		if s.negotiationStartedLocked() {
			err = s.buildPeerLocked(ctx)
		}

	case models.SignalTypeOffer:
		if !s.adoptPeerLocked(msg.From) {
			logger.Warn().Str("peer", s.remoteID).Msg("ignoring offer from additional participant")
			return
		}
		if err = s.rebuildIfRejoinedLocked(ctx); err != nil {
			break
		}
		if !s.neg.State().RemoteDescription {
			s.sup.Begin()
		}
		err = s.neg.HandleOffer(ctx, msg.SDP)

	case models.SignalTypeAnswer:
		if !s.fromPeerLocked(msg.From) {
			logger.Debug().Msg("ignoring answer from a previous or additional participant")
			return
		}
		err = s.neg.HandleAnswer(ctx, msg.SDP)

	case models.SignalTypeCandidate:
		if msg.Candidate == nil || !s.fromPeerLocked(msg.From) {
			return
		}
		if cerr := s.neg.HandleCandidate(ctx, *msg.Candidate); cerr != nil {
			logger.Warn().Err(cerr).Msg("failed to apply candidate")
		}

	case models.SignalTypeError:
		logger.Warn().Str("error", msg.Error).Msg("relay reported an error")
	}

	if err == nil {
		return
	}
	if errors.Is(err, negotiation.ErrNegotiation) {
		s.sup.Fail(err)
		return
	}
	logger.Warn().Err(err).Msg("signaling step failed")
}

// adoptPeerLocked decides whether a presence event or offer from `from` may
// drive this call. The first participant seen becomes the peer; after the
// peer left, whoever joins next replaces it and is marked for a rebuild.
// Anyone else is an additional participant.
func (s *Session) adoptPeerLocked(from string) bool {
	switch {
	case from == "" || from == s.remoteID && !s.remoteGone:
		return true
	case s.remoteID == "":
		s.remoteID = from
		return true
	case s.remoteGone:
		s.remoteID = from
		s.rejoined = true
		s.remoteGone = false
		return true
	}
	return false
}

// fromPeerLocked reports whether an answer or candidate belongs to the
// current exchange. Until a peer is known, the first sender is adopted.
func (s *Session) fromPeerLocked(from string) bool {
	switch {
	case from == "":
		return true
	case s.remoteID == "":
		s.remoteID = from
		return true
	}
	return from == s.remoteID && !s.remoteGone
}

func (s *Session) negotiationStartedLocked() bool {
	st := s.neg.State()
	return st.RemoteDescription || st.OfferInFlight || st.Signaling != webrtc.SignalingStateStable
}

// rebuildIfRejoinedLocked replaces a peer connection that already started an
// exchange with a peer that has since left and come back.
func (s *Session) rebuildIfRejoinedLocked(ctx context.Context) error {
	if !s.rejoined {
		return nil
	}
	s.rejoined = false
	if !s.negotiationStartedLocked() {
		return nil
	}
	log.Info().Str("module", "session").Str("room", s.opts.RoomID).Str("peer", s.remoteID).Msg("peer rejoined, rebuilding peer connection")
	return s.buildPeerLocked(ctx)
}

// startOfferLocked is the doctor's side of call setup. Once this peer
// connection has an exchange under way, repeated presence events do nothing.
func (s *Session) startOfferLocked(ctx context.Context) error {
	if s.opts.Role != models.RoleDoctor || s.negotiationStartedLocked() {
		return nil
	}
	if err := s.neg.CreateOffer(ctx); err != nil {
		return err
	}
	if s.neg.State().OfferInFlight {
		s.sup.Begin()
	}
	return nil
}

// restartICE asks the peer for fresh candidates while the disconnect timer
// runs. Only the offering side does this.
func (s *Session) restartICE(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.neg == nil {
		return
	}
	if err := s.neg.RestartICE(ctx); err != nil {
		log.Warn().Err(err).Str("module", "session").Str("room", s.opts.RoomID).Msg("ICE restart failed")
	}
}

func (s *Session) relayLost() {
	s.mu.Lock()
	relay := s.relay
	s.mu.Unlock()
	if relay == nil {
		return
	}

	// Without the relay neither side can renegotiate or restart ICE, so a
	// call that stays up is one the next network change silently kills.
	if err := relay.Err(); err != nil {
		log.Warn().Err(err).Str("module", "session").Str("room", s.opts.RoomID).Msg("relay lost")
		s.sup.Fail(err)
	}
}
