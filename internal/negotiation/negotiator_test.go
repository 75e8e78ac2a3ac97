package negotiation_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mossy-p/telemed-signaling/internal/models"
	"github.com/mossy-p/telemed-signaling/internal/negotiation"
	"github.com/mossy-p/telemed-signaling/internal/negotiation/negotiationtest"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSignaler struct {
	mu   sync.Mutex
	msgs []models.SignalMessage
	err  error
}

func (s *recordingSignaler) Send(_ context.Context, msg models.SignalMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *recordingSignaler) ofType(t models.SignalType) []models.SignalMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.SignalMessage
	for _, m := range s.msgs {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func newNegotiator(polite bool) (*negotiation.Negotiator, *negotiationtest.Peer, *recordingSignaler) {
	pc := negotiationtest.NewPeer("local")
	pc.AutoConnect = false
	sig := &recordingSignaler{}
	return negotiation.New(pc, sig, negotiation.Config{Polite: polite}), pc, sig
}

func candidate(addr string) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 " + addr + " 50000 typ host"}
}

func TestCreateOffer_OnlyOneInFlight(t *testing.T) {
	n, pc, sig := newNegotiator(false)
	ctx := context.Background()

	require.NoError(t, n.CreateOffer(ctx))
	require.NoError(t, n.CreateOffer(ctx))

	assert.Len(t, sig.ofType(models.SignalTypeOffer), 1)
	assert.Equal(t, 1, pc.Offers())

	st := n.State()
	assert.True(t, st.OfferInFlight)
	assert.Equal(t, webrtc.SignalingStateHaveLocalOffer, st.Signaling)

	require.NoError(t, n.HandleAnswer(ctx, "v=0 answer remote"))
	st = n.State()
	assert.False(t, st.OfferInFlight)
	assert.Equal(t, webrtc.SignalingStateStable, st.Signaling)

	require.NoError(t, n.CreateOffer(ctx))
	assert.Len(t, sig.ofType(models.SignalTypeOffer), 2)
}

func TestRestartICE_SharesOfferSlot(t *testing.T) {
	n, pc, sig := newNegotiator(false)
	ctx := context.Background()

	require.NoError(t, n.CreateOffer(ctx))
	require.NoError(t, n.RestartICE(ctx))
	assert.Len(t, sig.ofType(models.SignalTypeOffer), 1)

	require.NoError(t, n.HandleAnswer(ctx, "v=0 answer remote"))
	require.NoError(t, n.RestartICE(ctx))
	assert.Len(t, sig.ofType(models.SignalTypeOffer), 2)
	assert.Equal(t, 2, pc.Offers())
	assert.True(t, n.State().OfferInFlight)

	require.NoError(t, n.Close())
	assert.ErrorIs(t, n.RestartICE(ctx), negotiation.ErrClosed)
}

func TestCreateOffer_TimeoutAllowsNewOffer(t *testing.T) {
	pc := negotiationtest.NewPeer("local")
	sig := &recordingSignaler{}
	n := negotiation.New(pc, sig, negotiation.Config{OfferTimeout: 30 * time.Millisecond})
	ctx := context.Background()

	require.NoError(t, n.CreateOffer(ctx))
	require.Eventually(t, func() bool {
		st := n.State()
		return !st.OfferInFlight && st.Signaling == webrtc.SignalingStateStable
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, n.CreateOffer(ctx))
	assert.Len(t, sig.ofType(models.SignalTypeOffer), 2)
}

func TestCreateOffer_SendFailureRollsBack(t *testing.T) {
	n, _, sig := newNegotiator(false)
	relayDown := errors.New("relay down")
	sig.err = relayDown

	err := n.CreateOffer(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, relayDown)

	st := n.State()
	assert.False(t, st.OfferInFlight)
	assert.Equal(t, webrtc.SignalingStateStable, st.Signaling)
}

func TestHandleCandidate_BufferedUntilRemoteDescription(t *testing.T) {
	n, pc, sig := newNegotiator(true)
	ctx := context.Background()

	require.NoError(t, n.HandleCandidate(ctx, candidate("10.0.0.2")))
	require.NoError(t, n.HandleCandidate(ctx, candidate("10.0.0.3")))
	assert.Equal(t, 2, n.State().PendingCandidates)
	assert.Empty(t, pc.Candidates())

	require.NoError(t, n.HandleOffer(ctx, "v=0 offer remote"))

	applied := pc.Candidates()
	require.Len(t, applied, 2)
	assert.Equal(t, candidate("10.0.0.2"), applied[0])
	assert.Equal(t, candidate("10.0.0.3"), applied[1])
	assert.Zero(t, n.State().PendingCandidates)

	answers := sig.ofType(models.SignalTypeAnswer)
	require.Len(t, answers, 1)
	assert.Equal(t, "v=0 answer local", answers[0].SDP)

	// Once a remote description exists candidates go straight through and
	// nothing is applied twice.
	require.NoError(t, n.HandleCandidate(ctx, candidate("10.0.0.4")))
	assert.Len(t, pc.Candidates(), 3)
}

func TestHandleAnswer_FlushesCandidatesAndIgnoresDuplicates(t *testing.T) {
	n, pc, _ := newNegotiator(false)
	ctx := context.Background()

	require.NoError(t, n.CreateOffer(ctx))
	require.NoError(t, n.HandleCandidate(ctx, candidate("10.0.0.2")))
	assert.Equal(t, 1, n.State().PendingCandidates)

	require.NoError(t, n.HandleAnswer(ctx, "v=0 answer remote"))
	assert.Len(t, pc.Candidates(), 1)

	require.NoError(t, n.HandleAnswer(ctx, "v=0 answer remote"))
	assert.Equal(t, 1, pc.RemoteDescriptionsSet())
	assert.Len(t, pc.Candidates(), 1)
}

func TestHandleOffer_PoliteRollsBack(t *testing.T) {
	n, _, sig := newNegotiator(true)
	ctx := context.Background()

	require.NoError(t, n.CreateOffer(ctx))
	require.NoError(t, n.HandleOffer(ctx, "v=0 offer remote"))

	assert.Len(t, sig.ofType(models.SignalTypeAnswer), 1)
	st := n.State()
	assert.False(t, st.OfferInFlight)
	assert.Equal(t, webrtc.SignalingStateStable, st.Signaling)
}

func TestHandleOffer_ImpoliteIgnoresCollision(t *testing.T) {
	n, pc, sig := newNegotiator(false)
	ctx := context.Background()

	require.NoError(t, n.CreateOffer(ctx))
	require.NoError(t, n.HandleOffer(ctx, "v=0 offer remote"))

	assert.Empty(t, sig.ofType(models.SignalTypeAnswer))
	assert.Zero(t, pc.RemoteDescriptionsSet())
	st := n.State()
	assert.True(t, st.OfferInFlight)
	assert.Equal(t, webrtc.SignalingStateHaveLocalOffer, st.Signaling)
}

func TestHandleOffer_ClosedPrimitive(t *testing.T) {
	n, pc, _ := newNegotiator(true)
	require.NoError(t, pc.Close())

	err := n.HandleOffer(context.Background(), "v=0 offer remote")
	assert.ErrorIs(t, err, negotiation.ErrNegotiation)
}

func sampleTrack(t *testing.T, kind, id string) *webrtc.TrackLocalStaticSample {
	t.Helper()
	mime := webrtc.MimeTypeVP8
	if kind == "audio" {
		mime = webrtc.MimeTypeOpus
	}
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, id, "stream")
	require.NoError(t, err)
	return track
}

func TestRenegotiateTrack_ReplacesInPlace(t *testing.T) {
	n, _, sig := newNegotiator(false)
	ctx := context.Background()

	camera := sampleTrack(t, "video", "camera")
	require.NoError(t, n.AddTrack(camera))
	sender := n.Sender(webrtc.RTPCodecTypeVideo)
	require.NotNil(t, sender)

	screen := sampleTrack(t, "video", "screen")
	require.NoError(t, n.RenegotiateTrack(ctx, screen))
	assert.Same(t, sender, n.Sender(webrtc.RTPCodecTypeVideo))
	assert.Equal(t, "screen", sender.Track().ID())

	require.NoError(t, n.RenegotiateTrack(ctx, camera))
	assert.Equal(t, "camera", sender.Track().ID())
	assert.Empty(t, sig.ofType(models.SignalTypeOffer))
}

func TestRenegotiateTrack_FallsBackToNewOffer(t *testing.T) {
	n, pc, sig := newNegotiator(false)
	ctx := context.Background()
	pc.FailReplaceTrack()

	require.NoError(t, n.AddTrack(sampleTrack(t, "video", "camera")))
	old := n.Sender(webrtc.RTPCodecTypeVideo)

	require.NoError(t, n.RenegotiateTrack(ctx, sampleTrack(t, "video", "screen")))

	current := n.Sender(webrtc.RTPCodecTypeVideo)
	assert.NotSame(t, old, current)
	assert.Equal(t, "screen", current.Track().ID())
	assert.Len(t, pc.Senders(), 1)
	assert.Len(t, sig.ofType(models.SignalTypeOffer), 1)
}

func TestRenegotiateTrack_WaitsForOutstandingOffer(t *testing.T) {
	n, pc, sig := newNegotiator(false)
	ctx := context.Background()
	pc.FailReplaceTrack()

	require.NoError(t, n.AddTrack(sampleTrack(t, "video", "camera")))
	require.NoError(t, n.CreateOffer(ctx))

	require.NoError(t, n.RenegotiateTrack(ctx, sampleTrack(t, "video", "screen")))
	assert.Len(t, sig.ofType(models.SignalTypeOffer), 1)

	require.NoError(t, n.HandleAnswer(ctx, "v=0 answer remote"))
	assert.Len(t, sig.ofType(models.SignalTypeOffer), 2)
	assert.True(t, n.State().OfferInFlight)

	require.NoError(t, n.HandleAnswer(ctx, "v=0 answer remote"))
	assert.Len(t, sig.ofType(models.SignalTypeOffer), 2)
	assert.False(t, n.State().OfferInFlight)
}

func TestRemoveTrack(t *testing.T) {
	n, pc, sig := newNegotiator(false)
	ctx := context.Background()

	require.NoError(t, n.AddTrack(sampleTrack(t, "audio", "mic")))
	require.NoError(t, n.AddTrack(sampleTrack(t, "video", "screen")))

	require.NoError(t, n.RemoveTrack(ctx, webrtc.RTPCodecTypeVideo))
	assert.Nil(t, n.Sender(webrtc.RTPCodecTypeVideo))
	require.Len(t, pc.Senders(), 1)
	assert.Equal(t, "mic", pc.Senders()[0].Track().ID())
	assert.Len(t, sig.ofType(models.SignalTypeOffer), 1)

	// Nothing left to remove.
	require.NoError(t, n.HandleAnswer(ctx, "v=0 answer remote"))
	require.NoError(t, n.RemoveTrack(ctx, webrtc.RTPCodecTypeVideo))
	assert.Len(t, sig.ofType(models.SignalTypeOffer), 1)

	require.NoError(t, n.Close())
	assert.ErrorIs(t, n.RemoveTrack(ctx, webrtc.RTPCodecTypeAudio), negotiation.ErrClosed)
}

func TestClose(t *testing.T) {
	n, pc, _ := newNegotiator(false)
	ctx := context.Background()

	require.NoError(t, n.HandleCandidate(ctx, candidate("10.0.0.2")))
	require.NoError(t, n.Close())
	require.NoError(t, n.Close())

	assert.True(t, pc.Closed())
	st := n.State()
	assert.True(t, st.Closed)
	assert.Equal(t, webrtc.SignalingStateClosed, st.Signaling)
	assert.Zero(t, st.PendingCandidates)

	assert.ErrorIs(t, n.CreateOffer(ctx), negotiation.ErrClosed)
	assert.ErrorIs(t, n.HandleOffer(ctx, "v=0"), negotiation.ErrClosed)
	assert.ErrorIs(t, n.HandleAnswer(ctx, "v=0"), negotiation.ErrClosed)
	assert.ErrorIs(t, n.HandleCandidate(ctx, candidate("10.0.0.3")), negotiation.ErrClosed)
}

func TestLocalCandidatesArePublished(t *testing.T) {
	n, _, sig := newNegotiator(false)

	require.NoError(t, n.CreateOffer(context.Background()))
	require.Eventually(t, func() bool {
		return len(sig.ofType(models.SignalTypeCandidate)) == 1
	}, time.Second, 5*time.Millisecond)

	msg := sig.ofType(models.SignalTypeCandidate)[0]
	require.NotNil(t, msg.Candidate)
	assert.Contains(t, msg.Candidate.Candidate, "10.0.0.1")
}

type chanSignaler chan models.SignalMessage

func (c chanSignaler) Send(_ context.Context, msg models.SignalMessage) error {
	c <- msg
	return nil
}

func next(t *testing.T, c chanSignaler, typ models.SignalType) models.SignalMessage {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg := <-c:
			if msg.Type == typ {
				return msg
			}
		case <-deadline:
			t.Fatalf("no %s message", typ)
		}
	}
}

func TestPionOfferAnswer(t *testing.T) {
	factory, err := negotiation.NewPionFactory()
	require.NoError(t, err)

	doctorPC, err := factory.NewPeerConnection(nil)
	require.NoError(t, err)
	patientPC, err := factory.NewPeerConnection(nil)
	require.NoError(t, err)

	doctorSig := make(chanSignaler, 256)
	patientSig := make(chanSignaler, 256)
	doctor := negotiation.New(doctorPC, doctorSig, negotiation.Config{})
	patient := negotiation.New(patientPC, patientSig, negotiation.Config{Polite: true})
	defer doctor.Close()
	defer patient.Close()

	require.NoError(t, doctor.AddTrack(sampleTrack(t, "audio", "mic")))
	require.NoError(t, patient.AddTrack(sampleTrack(t, "audio", "mic")))

	ctx := context.Background()
	require.NoError(t, doctor.CreateOffer(ctx))
	offer := next(t, doctorSig, models.SignalTypeOffer)

	require.NoError(t, patient.HandleOffer(ctx, offer.SDP))
	answer := next(t, patientSig, models.SignalTypeAnswer)

	require.NoError(t, doctor.HandleAnswer(ctx, answer.SDP))

	for _, n := range []*negotiation.Negotiator{doctor, patient} {
		st := n.State()
		assert.Equal(t, webrtc.SignalingStateStable, st.Signaling)
		assert.True(t, st.RemoteDescription)
		assert.False(t, st.OfferInFlight)
	}

	// Audio sender swap keeps the same sender on a live pion connection.
	sender := doctor.Sender(webrtc.RTPCodecTypeAudio)
	require.NoError(t, doctor.RenegotiateTrack(ctx, sampleTrack(t, "audio", "mic-2")))
	assert.Same(t, sender, doctor.Sender(webrtc.RTPCodecTypeAudio))
}
