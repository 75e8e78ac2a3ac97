package media

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"
)

var (
	ErrPermissionDenied  = errors.New("media permission denied")
	ErrDeviceUnavailable = errors.New("media device unavailable")
	ErrDeviceBusy        = errors.New("media device busy")
)

type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Source is the capture device a track comes from.
type Source string

const (
	SourceMicrophone Source = "microphone"
	SourceCamera     Source = "camera"
	SourceScreen     Source = "screen"
)

func (s Source) Kind() Kind {
	if s == SourceMicrophone {
		return KindAudio
	}
	return KindVideo
}

var (
	// 20ms of Opus silence.
	opusSilence = []byte{0xf8, 0xff, 0xfe}
	// Smallest VP8 keyframe the packetizer accepts.
	vp8Keyframe = []byte{
		0x90, 0x01, 0x00,
		0x9d, 0x01, 0x2a,
		0x40, 0x01,
		0xe0, 0x00,
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
	}
)

const (
	audioFrame = 20 * time.Millisecond
	videoFrame = 33 * time.Millisecond
)

// Track is a local outgoing track. While enabled its pump writes samples to
// the underlying pion track; disabled audio sends silence and disabled video
// sends nothing. Stop ends the pump for good.
type Track struct {
	source Source
	local  *webrtc.TrackLocalStaticSample

	mu      sync.Mutex
	enabled bool
	stopped bool
	stop    chan struct{}
	done    chan struct{}
	onStop  func()
}

// NewTrack creates a running track for source. onStop, if set, is called once
// when the track is stopped.
func NewTrack(source Source, streamID string, onStop func()) (*Track, error) {
	var (
		codec    webrtc.RTPCodecCapability
		frame    []byte
		interval time.Duration
	)
	if source.Kind() == KindAudio {
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
		frame, interval = opusSilence, audioFrame
	} else {
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
		frame, interval = vp8Keyframe, videoFrame
	}

	local, err := webrtc.NewTrackLocalStaticSample(codec, string(source)+"-"+uuid.NewString(), streamID)
	if err != nil {
		return nil, err
	}

	t := &Track{
		source:  source,
		local:   local,
		enabled: true,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		onStop:  onStop,
	}
	go t.pump(frame, interval)
	return t, nil
}

func (t *Track) Kind() Kind { return t.source.Kind() }

func (t *Track) Source() Source { return t.source }

func (t *Track) ID() string { return t.local.ID() }

// Local is the pion track to attach to a peer connection.
func (t *Track) Local() webrtc.TrackLocal { return t.local }

func (t *Track) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

func (t *Track) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

// Stop releases the track. It is safe to call more than once.
func (t *Track) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.enabled = false
	close(t.stop)
	onStop := t.onStop
	t.mu.Unlock()

	<-t.done
	if onStop != nil {
		onStop()
	}
}

func (t *Track) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (t *Track) pump(frame []byte, interval time.Duration) {
	defer close(t.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			data := frame
			if !t.Enabled() {
				if t.Kind() == KindVideo {
					continue
				}
				data = opusSilence
			}
			if err := t.local.WriteSample(pionmedia.Sample{Data: data, Duration: interval}); err != nil {
				log.Debug().Err(err).Str("module", "media").Str("track", t.ID()).Msg("failed to write sample")
			}
		}
	}
}
