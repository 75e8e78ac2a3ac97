package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mossy-p/telemed-signaling/config"
	"github.com/mossy-p/telemed-signaling/internal/media"
	"github.com/mossy-p/telemed-signaling/internal/models"
	"github.com/mossy-p/telemed-signaling/internal/negotiation"
	"github.com/mossy-p/telemed-signaling/internal/signalclient"
	"github.com/mossy-p/telemed-signaling/internal/supervisor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var ErrAlreadyJoined = errors.New("session already started")

// Relay is the session's connection to the signaling relay.
// *signalclient.Client implements it.
type Relay interface {
	Send(ctx context.Context, msg models.SignalMessage) error
	Events() <-chan models.SignalMessage
	Close() error
	Err() error
}

type RelayDialer func(ctx context.Context, roomID, clientID string, role models.Role) (Relay, error)

// SignalDialer dials the signaling server at baseURL over WebSocket.
func SignalDialer(baseURL, token string) RelayDialer {
	return func(ctx context.Context, roomID, clientID string, role models.Role) (Relay, error) {
		return signalclient.Dial(ctx, signalclient.Options{
			BaseURL:  baseURL,
			RoomID:   roomID,
			ClientID: clientID,
			Role:     role,
			Token:    token,
		})
	}
}

type Options struct {
	RoomID   string
	Role     models.Role
	ClientID string

	Devices     media.Devices
	Peers       negotiation.Factory
	Dial        RelayDialer
	ICEServers  func(ctx context.Context) ([]webrtc.ICEServer, error)
	Constraints media.Constraints

	ConnectTimeout    time.Duration
	DisconnectTimeout time.Duration
	OfferTimeout      time.Duration
	// StartedAt is the scheduled consultation start; the call clock counts
	// from it when set.
	StartedAt time.Time

	// OnChange receives every state change. It runs on session goroutines
	// and must not call back into the session synchronously.
	OnChange func(Snapshot)
}

// Flags are the user's media controls.
type Flags struct {
	Muted         bool
	VideoOff      bool
	SpeakerOff    bool
	ScreenSharing bool
}

// Snapshot is the user-facing view of the call.
type Snapshot struct {
	Status   supervisor.Status
	Quality  supervisor.Quality
	Duration time.Duration
	Flags    Flags
	Err      error
	Message  string
	CanRetry bool
}

type peerEvent struct {
	gen   uint64
	conn  webrtc.PeerConnectionState
	ice   webrtc.ICEConnectionState
	isICE bool
}

// Session is one participant's side of a consultation. It owns its media
// tracks, its peer connection and its relay connection, and releases all of
// them on End.
type Session struct {
	opts   Options
	sup    *supervisor.Supervisor
	events chan peerEvent
	gen    atomic.Uint64

	mu         sync.Mutex
	active     bool
	stream     *media.Stream
	screen     *media.Track
	relay      Relay
	neg        *negotiation.Negotiator
	iceServers []webrtc.ICEServer
	cancel     context.CancelFunc
	done       chan struct{}

	// remoteID is the participant the call is with; remoteGone is set when
	// the relay reports it left, and rejoined when someone took its place
	// after that.
	remoteID   string
	remoteGone bool
	rejoined   bool

	fmu   sync.Mutex
	flags Flags
}

func New(opts Options) *Session {
	if opts.ClientID == "" {
		opts.ClientID = uuid.NewString()
	}
	if !opts.Constraints.Audio && !opts.Constraints.Video {
		opts.Constraints = media.Constraints{Audio: true, Video: true}
	}

	s := &Session{
		opts:   opts,
		events: make(chan peerEvent, 64),
	}
	s.sup = supervisor.New(supervisor.Options{
		ConnectTimeout:    opts.ConnectTimeout,
		DisconnectTimeout: opts.DisconnectTimeout,
		StartedAt:         opts.StartedAt,
		OnChange:          func(supervisor.Snapshot) { s.notify() },
	})
	return s
}

func (s *Session) ClientID() string { return s.opts.ClientID }

// Join acquires media, connects to the relay and prepares the peer
// connection. Any failure leaves the session failed with nothing held.
func (s *Session) Join(ctx context.Context) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return ErrAlreadyJoined
	}
	s.active = true

	s.sup.Prepare()
	defer func() {
		if err != nil {
			s.teardownLocked()
			s.active = false
			s.sup.Fail(err)
		}
	}()

	stream, err := s.opts.Devices.UserMedia(ctx, s.opts.Constraints)
	if err != nil {
		return fmt.Errorf("acquire media: %w", err)
	}
	s.stream = stream
	s.applyFlagsLocked()
	s.remoteID, s.remoteGone, s.rejoined = "", false, false

	relay, err := s.opts.Dial(ctx, s.opts.RoomID, s.opts.ClientID, s.opts.Role)
	if err != nil {
		return fmt.Errorf("join room: %w", err)
	}
	s.relay = relay

	s.iceServers = config.ToWebRTC(config.DefaultICEServers())
	if s.opts.ICEServers != nil {
		servers, err := s.opts.ICEServers(ctx)
		if err != nil {
			log.Warn().Err(err).Str("module", "session").Msg("using default ICE servers")
		} else if len(servers) > 0 {
			s.iceServers = servers
		}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	if err := s.buildPeerLocked(loopCtx); err != nil {
		cancel()
		return err
	}

	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(loopCtx, relay.Events(), s.done)

	s.sup.Connecting()
	log.Info().Str("module", "session").Str("room", s.opts.RoomID).Str("client", s.opts.ClientID).Str("role", string(s.opts.Role)).Msg("joined")
	return nil
}

// End leaves the call. It is safe to call at any time, any number of times.
func (s *Session) End() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	s.mu.Lock()
	wasActive := s.active
	s.teardownLocked()
	s.active = false
	s.mu.Unlock()

	s.sup.Reset()
	if wasActive {
		log.Info().Str("module", "session").Str("room", s.opts.RoomID).Str("client", s.opts.ClientID).Msg("call ended")
	}
}

// Retry ends whatever is left of the call and joins again.
func (s *Session) Retry(ctx context.Context) error {
	s.End()
	return s.Join(ctx)
}

// Snapshot returns the current call state.
func (s *Session) Snapshot() Snapshot {
	sup := s.sup.Snapshot()

	s.fmu.Lock()
	flags := s.flags
	s.fmu.Unlock()

	return Snapshot{
		Status:   sup.Status,
		Quality:  sup.Quality,
		Duration: sup.Duration,
		Flags:    flags,
		Err:      sup.Err,
		Message:  message(sup),
		CanRetry: sup.CanRetry,
	}
}

// NegotiationState reports the state of the current peer connection.
func (s *Session) NegotiationState() (negotiation.State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.neg == nil {
		return negotiation.State{}, false
	}
	return s.neg.State(), true
}

func (s *Session) notify() {
	if s.opts.OnChange != nil {
		s.opts.OnChange(s.Snapshot())
	}
}

// buildPeerLocked replaces the peer connection, keeping the local tracks.
func (s *Session) buildPeerLocked(ctx context.Context) error {
	gen := s.gen.Add(1)
	if s.neg != nil {
		if err := s.neg.Close(); err != nil {
			log.Debug().Err(err).Str("module", "session").Msg("closing previous peer connection")
		}
		s.neg = nil
	}

	pc, err := s.opts.Peers.NewPeerConnection(s.iceServers)
	if err != nil {
		return fmt.Errorf("%w: create peer connection: %v", negotiation.ErrNegotiation, err)
	}
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.post(ctx, peerEvent{gen: gen, conn: state})
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		s.post(ctx, peerEvent{gen: gen, ice: state, isICE: true})
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().Str("module", "session").Str("kind", track.Kind().String()).Str("codec", track.Codec().MimeType).Msg("remote track started")
		go drain(track)
	})

	neg := negotiation.New(pc, s.relay, negotiation.Config{
		Polite:       s.opts.Role == models.RolePatient,
		OfferTimeout: s.opts.OfferTimeout,
	})
	for _, t := range s.outgoingLocked() {
		if err := neg.AddTrack(t.Local()); err != nil {
			neg.Close()
			return err
		}
	}

	s.neg = neg
	return nil
}

// outgoingLocked is what the peer connection should send: the microphone and
// either the screen or the camera.
func (s *Session) outgoingLocked() []*media.Track {
	var out []*media.Track
	if s.stream != nil && s.stream.Audio != nil {
		out = append(out, s.stream.Audio)
	}
	switch {
	case s.screen != nil:
		out = append(out, s.screen)
	case s.stream != nil && s.stream.Video != nil:
		out = append(out, s.stream.Video)
	}
	return out
}

func (s *Session) teardownLocked() {
	s.gen.Add(1)
	if s.neg != nil {
		if err := s.neg.Close(); err != nil {
			log.Debug().Err(err).Str("module", "session").Msg("closing peer connection")
		}
		s.neg = nil
	}
	if s.relay != nil {
		s.relay.Close()
		s.relay = nil
	}
	if s.screen != nil {
		s.screen.Stop()
		s.screen = nil
	}
	if s.stream != nil {
		s.stream.Stop()
		s.stream = nil
	}
	s.fmu.Lock()
	s.flags.ScreenSharing = false
	s.fmu.Unlock()
}

func (s *Session) post(ctx context.Context, ev peerEvent) {
	if ev.gen != s.gen.Load() {
		return
	}
	select {
	case s.events <- ev:
	case <-ctx.Done():
	}
}

func drain(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}
