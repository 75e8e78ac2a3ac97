package supervisor

import (
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (r *recorder) record(s Snapshot) {
	r.mu.Lock()
	r.snaps = append(r.snaps, s)
	r.mu.Unlock()
}

func (r *recorder) statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, 0, len(r.snaps))
	for _, s := range r.snaps {
		out = append(out, s.Status)
	}
	return out
}

func TestQualityFor(t *testing.T) {
	tests := []struct {
		state webrtc.ICEConnectionState
		want  Quality
		ok    bool
	}{
		{webrtc.ICEConnectionStateChecking, QualityMedium, true},
		{webrtc.ICEConnectionStateConnected, QualityGood, true},
		{webrtc.ICEConnectionStateCompleted, QualityGood, true},
		{webrtc.ICEConnectionStateDisconnected, QualityPoor, true},
		{webrtc.ICEConnectionStateFailed, QualityUnknown, true},
		{webrtc.ICEConnectionStateNew, "", false},
		{webrtc.ICEConnectionStateClosed, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			got, ok := QualityFor(tt.state)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSupervisor_ConnectFlow(t *testing.T) {
	rec := &recorder{}
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	s := New(Options{OnChange: rec.record, Now: clock})

	s.Prepare()
	s.Begin()
	s.ObserveICE(webrtc.ICEConnectionStateChecking)
	assert.Equal(t, QualityMedium, s.Snapshot().Quality)

	s.ObserveConnection(webrtc.PeerConnectionStateConnected)
	s.ObserveICE(webrtc.ICEConnectionStateConnected)

	now = now.Add(90 * time.Second)
	snap := s.Snapshot()
	assert.Equal(t, StatusConnected, snap.Status)
	assert.Equal(t, QualityGood, snap.Quality)
	assert.Equal(t, 90*time.Second, snap.Duration)
	assert.False(t, snap.CanRetry)
	assert.NoError(t, snap.Err)

	assert.Equal(t, []Status{StatusPreparing, StatusConnecting, StatusConnecting, StatusConnected}, rec.statuses())
}

func TestSupervisor_DurationFromScheduledStart(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	now := start.Add(10 * time.Minute)
	s := New(Options{StartedAt: start, Now: func() time.Time { return now }})

	s.Begin()
	s.ObserveConnection(webrtc.PeerConnectionStateConnected)
	assert.Equal(t, 10*time.Minute, s.Snapshot().Duration)
}

func TestSupervisor_DisconnectRecovers(t *testing.T) {
	s := New(Options{DisconnectTimeout: 50 * time.Millisecond})

	s.Begin()
	s.ObserveConnection(webrtc.PeerConnectionStateConnected)
	s.ObserveConnection(webrtc.PeerConnectionStateDisconnected)

	snap := s.Snapshot()
	assert.Equal(t, StatusDisconnected, snap.Status)
	assert.Equal(t, QualityPoor, snap.Quality)

	s.ObserveConnection(webrtc.PeerConnectionStateConnected)
	time.Sleep(100 * time.Millisecond)

	snap = s.Snapshot()
	assert.Equal(t, StatusConnected, snap.Status)
	assert.Equal(t, QualityGood, snap.Quality)
}

func TestSupervisor_DisconnectTimesOut(t *testing.T) {
	rec := &recorder{}
	s := New(Options{DisconnectTimeout: 30 * time.Millisecond, OnChange: rec.record})

	s.Begin()
	s.ObserveConnection(webrtc.PeerConnectionStateConnected)
	s.ObserveICE(webrtc.ICEConnectionStateDisconnected)
	s.ObserveConnection(webrtc.PeerConnectionStateDisconnected)
	assert.Equal(t, QualityPoor, s.Snapshot().Quality)

	require.Eventually(t, func() bool {
		return s.Snapshot().Status == StatusFailed
	}, time.Second, 5*time.Millisecond)

	snap := s.Snapshot()
	assert.ErrorIs(t, snap.Err, ErrConnectionLost)
	assert.True(t, snap.CanRetry)
	assert.Equal(t, QualityUnknown, snap.Quality)

	// No automatic recovery once failed.
	s.ObserveConnection(webrtc.PeerConnectionStateConnected)
	assert.Equal(t, StatusFailed, s.Snapshot().Status)
}

func TestSupervisor_ConnectTimeout(t *testing.T) {
	s := New(Options{ConnectTimeout: 30 * time.Millisecond})

	s.Begin()
	require.Eventually(t, func() bool {
		return s.Snapshot().Status == StatusFailed
	}, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, s.Snapshot().Err, ErrConnectTimeout)
}

func TestSupervisor_ConnectedCancelsConnectTimeout(t *testing.T) {
	s := New(Options{ConnectTimeout: 30 * time.Millisecond})

	s.Begin()
	s.ObserveConnection(webrtc.PeerConnectionStateConnected)
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, StatusConnected, s.Snapshot().Status)
}

func TestSupervisor_ICEFailed(t *testing.T) {
	s := New(Options{})

	s.Begin()
	s.ObserveICE(webrtc.ICEConnectionStateFailed)

	snap := s.Snapshot()
	assert.Equal(t, StatusFailed, snap.Status)
	assert.Equal(t, QualityUnknown, snap.Quality)
	assert.ErrorIs(t, snap.Err, ErrConnectionFailed)
}

func TestSupervisor_IgnoresEventsWhenIdle(t *testing.T) {
	rec := &recorder{}
	s := New(Options{OnChange: rec.record})

	s.ObserveConnection(webrtc.PeerConnectionStateConnected)
	s.ObserveICE(webrtc.ICEConnectionStateChecking)
	assert.Equal(t, StatusIdle, s.Snapshot().Status)
	assert.Empty(t, rec.statuses())

	s.Begin()
	s.Reset()
	assert.Equal(t, StatusIdle, s.Snapshot().Status)
}

func TestSupervisor_ConnectingWaitsWithoutTimeout(t *testing.T) {
	s := New(Options{ConnectTimeout: 20 * time.Millisecond})

	s.Connecting()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, StatusConnecting, s.Snapshot().Status)

	s.ObserveConnection(webrtc.PeerConnectionStateConnected)
	assert.Equal(t, StatusConnected, s.Snapshot().Status)
}
