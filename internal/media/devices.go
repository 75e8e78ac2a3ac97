package media

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Constraints select which user-media tracks to acquire.
type Constraints struct {
	Audio bool
	Video bool
}

// Stream is the set of tracks returned by one UserMedia call.
type Stream struct {
	ID    string
	Audio *Track
	Video *Track
}

func (s *Stream) Tracks() []*Track {
	var out []*Track
	if s.Audio != nil {
		out = append(out, s.Audio)
	}
	if s.Video != nil {
		out = append(out, s.Video)
	}
	return out
}

// Stop stops every track of the stream.
func (s *Stream) Stop() {
	for _, t := range s.Tracks() {
		t.Stop()
	}
}

// Devices acquires capture tracks. Errors wrap ErrPermissionDenied,
// ErrDeviceUnavailable or ErrDeviceBusy.
type Devices interface {
	UserMedia(ctx context.Context, c Constraints) (*Stream, error)
	DisplayMedia(ctx context.Context) (*Track, error)
}

// Synthetic is a Devices implementation that produces generated samples. It
// stands in for real capture hardware in the headless client and in tests.
type Synthetic struct {
	mu     sync.Mutex
	fail   map[Source]error
	active int
}

func NewSynthetic() *Synthetic {
	return &Synthetic{fail: make(map[Source]error)}
}

// Fail makes the next acquisitions of source return err until cleared with a
// nil err.
func (s *Synthetic) Fail(source Source, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.fail, source)
		return
	}
	s.fail[source] = err
}

// ActiveTracks is the number of acquired tracks not yet stopped.
func (s *Synthetic) ActiveTracks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Synthetic) UserMedia(ctx context.Context, c Constraints) (*Stream, error) {
	if !c.Audio && !c.Video {
		return nil, fmt.Errorf("%w: no tracks requested", ErrDeviceUnavailable)
	}

	stream := &Stream{ID: uuid.NewString()}
	if c.Audio {
		t, err := s.acquire(ctx, SourceMicrophone, stream.ID)
		if err != nil {
			return nil, err
		}
		stream.Audio = t
	}
	if c.Video {
		t, err := s.acquire(ctx, SourceCamera, stream.ID)
		if err != nil {
			stream.Stop()
			return nil, err
		}
		stream.Video = t
	}
	return stream, nil
}

func (s *Synthetic) DisplayMedia(ctx context.Context) (*Track, error) {
	return s.acquire(ctx, SourceScreen, uuid.NewString())
}

func (s *Synthetic) acquire(ctx context.Context, source Source, streamID string) (*Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if err := s.fail[source]; err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", source, err)
	}
	s.active++
	s.mu.Unlock()

	t, err := NewTrack(source, streamID, s.release)
	if err != nil {
		s.release()
		return nil, fmt.Errorf("%s: %w: %v", source, ErrDeviceUnavailable, err)
	}
	log.Debug().Str("module", "media").Str("source", string(source)).Str("track", t.ID()).Msg("track acquired")
	return t, nil
}

func (s *Synthetic) release() {
	s.mu.Lock()
	s.active--
	s.mu.Unlock()
}
