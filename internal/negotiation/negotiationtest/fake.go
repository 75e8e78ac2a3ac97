// Package negotiationtest provides an in-memory peer connection for tests.
package negotiationtest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/mossy-p/telemed-signaling/internal/negotiation"
	"github.com/pion/webrtc/v4"
)

var errClosed = errors.New("peer connection closed")

// Sender is the fake sender returned by Peer.AddTrack.
type Sender struct {
	mu          sync.Mutex
	track       webrtc.TrackLocal
	failReplace bool
}

func (s *Sender) ReplaceTrack(track webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failReplace {
		return errors.New("replace track rejected")
	}
	s.track = track
	return nil
}

func (s *Sender) Track() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

// Peer follows the offer/answer state machine without any networking. Once
// an exchange completes it reports itself connected, unless AutoConnect is
// off.
type Peer struct {
	ID          string
	AutoConnect bool

	mu            sync.Mutex
	signaling     webrtc.SignalingState
	connection    webrtc.PeerConnectionState
	remote        *webrtc.SessionDescription
	candidates    []webrtc.ICECandidateInit
	senders       []*Sender
	offers        int
	remoteSets    int
	failReplace   bool
	closed        bool
	onCandidate   func(*webrtc.ICECandidate)
	onConnection  func(webrtc.PeerConnectionState)
	onICE         func(webrtc.ICEConnectionState)
	localCandSent bool
}

var _ negotiation.PeerConnection = (*Peer)(nil)

func NewPeer(id string) *Peer {
	return &Peer{
		ID:          id,
		AutoConnect: true,
		signaling:   webrtc.SignalingStateStable,
		connection:  webrtc.PeerConnectionStateNew,
	}
}

func (p *Peer) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return webrtc.SessionDescription{}, errClosed
	}
	p.offers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("v=0 offer %s %d", p.ID, p.offers)}, nil
}

func (p *Peer) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return webrtc.SessionDescription{}, errClosed
	}
	if p.signaling != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer in %s", p.signaling)
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer " + p.ID}, nil
}

func (p *Peer) SetLocalDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errClosed
	}

	completed := false
	switch {
	case desc.Type == webrtc.SDPTypeOffer && p.signaling == webrtc.SignalingStateStable:
		p.signaling = webrtc.SignalingStateHaveLocalOffer
	case desc.Type == webrtc.SDPTypeAnswer && p.signaling == webrtc.SignalingStateHaveRemoteOffer:
		p.signaling = webrtc.SignalingStateStable
		completed = true
	case desc.Type == webrtc.SDPTypeRollback && p.signaling == webrtc.SignalingStateHaveLocalOffer:
		p.signaling = webrtc.SignalingStateStable
	default:
		state := p.signaling
		p.mu.Unlock()
		return fmt.Errorf("set local %s in %s", desc.Type, state)
	}

	emit := !p.localCandSent
	p.localCandSent = true
	onCandidate := p.onCandidate
	p.mu.Unlock()

	if emit && onCandidate != nil {
		go onCandidate(&webrtc.ICECandidate{
			Foundation: "1",
			Priority:   2130706431,
			Address:    "10.0.0.1",
			Protocol:   webrtc.ICEProtocolUDP,
			Port:       50000,
			Typ:        webrtc.ICECandidateTypeHost,
			Component:  1,
		})
	}
	if completed {
		p.exchangeCompleted()
	}
	return nil
}

func (p *Peer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errClosed
	}

	completed := false
	switch {
	case desc.Type == webrtc.SDPTypeOffer && p.signaling == webrtc.SignalingStateStable:
		p.signaling = webrtc.SignalingStateHaveRemoteOffer
	case desc.Type == webrtc.SDPTypeAnswer && p.signaling == webrtc.SignalingStateHaveLocalOffer:
		p.signaling = webrtc.SignalingStateStable
		completed = true
	default:
		state := p.signaling
		p.mu.Unlock()
		return fmt.Errorf("set remote %s in %s", desc.Type, state)
	}
	p.remote = &desc
	p.remoteSets++
	p.mu.Unlock()

	if completed {
		p.exchangeCompleted()
	}
	return nil
}

func (p *Peer) RemoteDescription() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

func (p *Peer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errClosed
	}
	if p.remote == nil {
		return errors.New("remote description not set")
	}
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *Peer) SignalingState() webrtc.SignalingState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.signaling
}

func (p *Peer) ConnectionState() webrtc.PeerConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connection
}

func (p *Peer) AddTrack(track webrtc.TrackLocal) (negotiation.Sender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errClosed
	}
	s := &Sender{track: track, failReplace: p.failReplace}
	p.senders = append(p.senders, s)
	return s, nil
}

func (p *Peer) RemoveTrack(sender negotiation.Sender) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, s := range p.senders {
		if negotiation.Sender(s) == sender {
			p.senders = append(p.senders[:i], p.senders[i+1:]...)
			return nil
		}
	}
	return errors.New("unknown sender")
}

func (p *Peer) OnICECandidate(f func(*webrtc.ICECandidate)) {
	p.mu.Lock()
	p.onCandidate = f
	p.mu.Unlock()
}

func (p *Peer) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	p.onConnection = f
	p.mu.Unlock()
}

func (p *Peer) OnICEConnectionStateChange(f func(webrtc.ICEConnectionState)) {
	p.mu.Lock()
	p.onICE = f
	p.mu.Unlock()
}

func (p *Peer) OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {}

func (p *Peer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.signaling = webrtc.SignalingStateClosed
	p.mu.Unlock()

	p.SetConnectionState(webrtc.PeerConnectionStateClosed)
	return nil
}

// SetConnectionState moves the peer to state and fires the state callbacks,
// the way a transport event would.
func (p *Peer) SetConnectionState(state webrtc.PeerConnectionState) {
	p.mu.Lock()
	p.connection = state
	onConnection, onICE := p.onConnection, p.onICE
	p.mu.Unlock()

	if onICE != nil {
		if ice, ok := iceState(state); ok {
			onICE(ice)
		}
	}
	if onConnection != nil {
		onConnection(state)
	}
}

// FailReplaceTrack makes senders created from now on reject ReplaceTrack.
func (p *Peer) FailReplaceTrack() {
	p.mu.Lock()
	p.failReplace = true
	p.mu.Unlock()
}

// Candidates returns the remote candidates applied so far.
func (p *Peer) Candidates() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), p.candidates...)
}

func (p *Peer) Senders() []*Sender {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Sender(nil), p.senders...)
}

// Offers is the number of offers created.
func (p *Peer) Offers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offers
}

// RemoteDescriptionsSet counts successful SetRemoteDescription calls.
func (p *Peer) RemoteDescriptionsSet() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteSets
}

func (p *Peer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Peer) exchangeCompleted() {
	p.mu.Lock()
	connect := p.AutoConnect && p.connection != webrtc.PeerConnectionStateConnected
	p.mu.Unlock()
	if !connect {
		return
	}
	go func() {
		p.SetConnectionState(webrtc.PeerConnectionStateConnecting)
		p.SetConnectionState(webrtc.PeerConnectionStateConnected)
	}()
}

func iceState(state webrtc.PeerConnectionState) (webrtc.ICEConnectionState, bool) {
	switch state {
	case webrtc.PeerConnectionStateConnecting:
		return webrtc.ICEConnectionStateChecking, true
	case webrtc.PeerConnectionStateConnected:
		return webrtc.ICEConnectionStateConnected, true
	case webrtc.PeerConnectionStateDisconnected:
		return webrtc.ICEConnectionStateDisconnected, true
	case webrtc.PeerConnectionStateFailed:
		return webrtc.ICEConnectionStateFailed, true
	case webrtc.PeerConnectionStateClosed:
		return webrtc.ICEConnectionStateClosed, true
	}
	return 0, false
}

// Factory hands out fake peers and remembers them in creation order.
type Factory struct {
	Prefix string

	mu    sync.Mutex
	peers []*Peer
}

var _ negotiation.Factory = (*Factory)(nil)

func (f *Factory) NewPeerConnection([]webrtc.ICEServer) (negotiation.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := NewPeer(fmt.Sprintf("%s-%d", f.Prefix, len(f.peers)+1))
	f.peers = append(f.peers, p)
	return p, nil
}

func (f *Factory) Peers() []*Peer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Peer(nil), f.peers...)
}

// Last returns the most recently created peer, or nil.
func (f *Factory) Last() *Peer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}
