package models

import "github.com/pion/webrtc/v4"

// SignalType represents the type of WebRTC signaling message
type SignalType string

const (
	SignalTypeOffer      SignalType = "offer"
	SignalTypeAnswer     SignalType = "answer"
	SignalTypeCandidate  SignalType = "candidate"
	SignalTypePeerJoined SignalType = "peer_joined"
	SignalTypePeerLeft   SignalType = "peer_left"
	SignalTypeReady      SignalType = "ready"
	SignalTypeError      SignalType = "error"

	// SignalTypeResubscribed never travels on the wire. The relay client
	// emits it locally after it redials, since anything sent in between is
	// lost.
	SignalTypeResubscribed SignalType = "resubscribed"
)

// SignalMessage is the envelope relayed between participants of a room.
// The relay never looks inside SDP or Candidate.
type SignalMessage struct {
	Type      SignalType               `json:"type"`
	From      string                   `json:"from,omitempty"`
	To        string                   `json:"to,omitempty"`
	RoomID    string                   `json:"roomId,omitempty"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
	Kind      Role                     `json:"kind,omitempty"`
	Error     string                   `json:"error,omitempty"`
}

// ClientOriginated reports whether participants may send this type.
// Presence and error messages are produced by the relay only.
func (t SignalType) ClientOriginated() bool {
	switch t {
	case SignalTypeOffer, SignalTypeAnswer, SignalTypeCandidate:
		return true
	}
	return false
}

// Known reports whether t is part of the protocol at all.
func (t SignalType) Known() bool {
	switch t {
	case SignalTypeOffer, SignalTypeAnswer, SignalTypeCandidate,
		SignalTypePeerJoined, SignalTypePeerLeft, SignalTypeReady, SignalTypeError:
		return true
	}
	return false
}
