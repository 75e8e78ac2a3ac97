package supervisor

import (
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var (
	ErrConnectionLost   = errors.New("connection lost")
	ErrConnectTimeout   = errors.New("connection timed out")
	ErrConnectionFailed = errors.New("connection failed")
)

type Status string

const (
	StatusIdle         Status = "idle"
	StatusPreparing    Status = "preparing"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusFailed       Status = "failed"
)

type Quality string

const (
	QualityGood    Quality = "good"
	QualityMedium  Quality = "medium"
	QualityPoor    Quality = "poor"
	QualityUnknown Quality = "unknown"
)

// QualityFor maps an ICE connection state to the quality shown to the user.
// States with no mapping keep the current quality.
func QualityFor(state webrtc.ICEConnectionState) (Quality, bool) {
	switch state {
	case webrtc.ICEConnectionStateChecking:
		return QualityMedium, true
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		return QualityGood, true
	case webrtc.ICEConnectionStateDisconnected:
		return QualityPoor, true
	case webrtc.ICEConnectionStateFailed:
		return QualityUnknown, true
	}
	return "", false
}

// Snapshot is what the user-facing layer renders.
type Snapshot struct {
	Status   Status
	Quality  Quality
	Duration time.Duration
	Err      error
	CanRetry bool
}

type Options struct {
	ConnectTimeout    time.Duration
	DisconnectTimeout time.Duration
	// StartedAt, when set, anchors the call duration to the scheduled
	// consultation start instead of the moment media connects.
	StartedAt time.Time
	OnChange  func(Snapshot)
	Now       func() time.Time
}

// Supervisor turns peer connection events into a call status and quality.
// It never retries by itself: after a failure the owner decides.
type Supervisor struct {
	mu                sync.Mutex
	status            Status
	quality           Quality
	err               error
	connectedAt       time.Time
	startedAt         time.Time
	connectTimeout    time.Duration
	disconnectTimeout time.Duration
	timer             *time.Timer
	timerSeq          uint64
	onChange          func(Snapshot)
	now               func() time.Time
}

func New(opts Options) *Supervisor {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 30 * time.Second
	}
	if opts.DisconnectTimeout <= 0 {
		opts.DisconnectTimeout = 15 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Supervisor{
		status:            StatusIdle,
		quality:           QualityUnknown,
		startedAt:         opts.StartedAt,
		connectTimeout:    opts.ConnectTimeout,
		disconnectTimeout: opts.DisconnectTimeout,
		onChange:          opts.OnChange,
		now:               opts.Now,
	}
}

// Prepare marks media acquisition in progress.
func (s *Supervisor) Prepare() {
	s.update(func() bool {
		s.stopTimerLocked()
		s.status = StatusPreparing
		s.quality = QualityUnknown
		s.err = nil
		s.connectedAt = time.Time{}
		return true
	})
}

// Connecting marks the call as waiting for the other participant. The
// connect timeout does not run until Begin.
func (s *Supervisor) Connecting() {
	s.update(func() bool {
		s.status = StatusConnecting
		s.err = nil
		return true
	})
}

// Begin marks negotiation started and arms the connect timeout.
func (s *Supervisor) Begin() {
	s.update(func() bool {
		s.status = StatusConnecting
		s.err = nil
		s.armLocked(s.connectTimeout, ErrConnectTimeout)
		return true
	})
}

// Fail moves to failed with err. Used for errors outside the peer
// connection, such as media or relay failures.
func (s *Supervisor) Fail(err error) {
	s.update(func() bool {
		s.failLocked(err)
		return true
	})
}

// Reset returns to idle, e.g. after the call ended.
func (s *Supervisor) Reset() {
	s.update(func() bool {
		s.stopTimerLocked()
		s.status = StatusIdle
		s.quality = QualityUnknown
		s.err = nil
		s.connectedAt = time.Time{}
		return true
	})
}

// ObserveICE updates quality from an ICE state change.
func (s *Supervisor) ObserveICE(state webrtc.ICEConnectionState) {
	q, ok := QualityFor(state)
	if !ok {
		return
	}
	s.update(func() bool {
		if !s.activeLocked() {
			return false
		}
		if state == webrtc.ICEConnectionStateFailed {
			s.failLocked(ErrConnectionFailed)
			return true
		}
		if s.quality == q {
			return false
		}
		s.quality = q
		return true
	})
}

// ObserveConnection updates status from a peer connection state change.
func (s *Supervisor) ObserveConnection(state webrtc.PeerConnectionState) {
	s.update(func() bool {
		if !s.activeLocked() {
			return false
		}
		switch state {
		case webrtc.PeerConnectionStateConnected:
			if s.status == StatusConnected {
				return false
			}
			s.stopTimerLocked()
			if s.connectedAt.IsZero() {
				s.connectedAt = s.now()
			}
			s.status = StatusConnected
			s.quality = QualityGood
			return true
		case webrtc.PeerConnectionStateDisconnected:
			if s.status != StatusConnected {
				return false
			}
			s.status = StatusDisconnected
			s.quality = QualityPoor
			s.armLocked(s.disconnectTimeout, ErrConnectionLost)
			return true
		case webrtc.PeerConnectionStateFailed:
			s.failLocked(ErrConnectionFailed)
			return true
		}
		return false
	})
}

// Snapshot returns the current state.
func (s *Supervisor) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Supervisor) snapshotLocked() Snapshot {
	snap := Snapshot{
		Status:   s.status,
		Quality:  s.quality,
		Err:      s.err,
		CanRetry: s.status == StatusFailed,
	}
	if s.status == StatusConnected || s.status == StatusDisconnected {
		start := s.connectedAt
		if !s.startedAt.IsZero() {
			start = s.startedAt
		}
		if d := s.now().Sub(start); d > 0 {
			snap.Duration = d
		}
	}
	return snap
}

// activeLocked reports whether connection events still matter.
func (s *Supervisor) activeLocked() bool {
	switch s.status {
	case StatusConnecting, StatusConnected, StatusDisconnected:
		return true
	}
	return false
}

func (s *Supervisor) failLocked(err error) {
	s.stopTimerLocked()
	s.status = StatusFailed
	s.quality = QualityUnknown
	s.err = err
	log.Warn().Err(err).Str("module", "supervisor").Msg("call failed")
}

func (s *Supervisor) armLocked(d time.Duration, err error) {
	s.stopTimerLocked()
	s.timerSeq++
	seq := s.timerSeq
	s.timer = time.AfterFunc(d, func() {
		s.update(func() bool {
			if s.timerSeq != seq || !s.activeLocked() {
				return false
			}
			s.timer = nil
			s.failLocked(err)
			return true
		})
	})
}

func (s *Supervisor) stopTimerLocked() {
	s.timerSeq++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// update applies fn under the lock and notifies outside it when fn reports
// a change.
func (s *Supervisor) update(fn func() bool) {
	s.mu.Lock()
	changed := fn()
	snap := s.snapshotLocked()
	onChange := s.onChange
	s.mu.Unlock()

	if changed && onChange != nil {
		onChange(snap)
	}
}
