package session

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// ToggleMute flips the microphone and returns whether it is now muted.
// Before joining it only records the preference.
func (s *Session) ToggleMute() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.fmu.Lock()
	s.flags.Muted = !s.flags.Muted
	muted := s.flags.Muted
	s.fmu.Unlock()

	s.applyFlagsLocked()
	s.notify()
	return muted
}

// ToggleCamera flips the camera and returns whether it is now off.
func (s *Session) ToggleCamera() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.fmu.Lock()
	s.flags.VideoOff = !s.flags.VideoOff
	off := s.flags.VideoOff
	s.fmu.Unlock()

	s.applyFlagsLocked()
	s.notify()
	return off
}

// ToggleSpeaker flips remote audio playback and returns whether it is now
// off.
func (s *Session) ToggleSpeaker() bool {
	s.fmu.Lock()
	s.flags.SpeakerOff = !s.flags.SpeakerOff
	off := s.flags.SpeakerOff
	s.fmu.Unlock()

	s.notify()
	return off
}

// ToggleScreenShare swaps the outgoing video between the camera and a
// screen capture on the same sender. Outside a call it does nothing.
func (s *Session) ToggleScreenShare(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.neg == nil {
		return nil
	}

	if s.screen == nil {
		screen, err := s.opts.Devices.DisplayMedia(ctx)
		if err != nil {
			return fmt.Errorf("start screen share: %w", err)
		}
		if err := s.neg.RenegotiateTrack(ctx, screen.Local()); err != nil {
			screen.Stop()
			return fmt.Errorf("start screen share: %w", err)
		}
		s.screen = screen
		s.setScreenSharing(true)
		log.Info().Str("module", "session").Str("track", screen.ID()).Msg("screen share started")
		return nil
	}

	if s.stream != nil && s.stream.Video != nil {
		if err := s.neg.RenegotiateTrack(ctx, s.stream.Video.Local()); err != nil {
			return fmt.Errorf("stop screen share: %w", err)
		}
	} else if err := s.neg.RemoveTrack(ctx, webrtc.RTPCodecTypeVideo); err != nil {
		return fmt.Errorf("stop screen share: %w", err)
	}
	s.screen.Stop()
	s.screen = nil
	s.setScreenSharing(false)
	log.Info().Str("module", "session").Msg("screen share stopped")
	return nil
}

func (s *Session) setScreenSharing(on bool) {
	s.fmu.Lock()
	s.flags.ScreenSharing = on
	s.fmu.Unlock()
	s.notify()
}

// applyFlagsLocked pushes the mute and camera flags onto the local tracks.
func (s *Session) applyFlagsLocked() {
	if s.stream == nil {
		return
	}
	s.fmu.Lock()
	flags := s.flags
	s.fmu.Unlock()

	if s.stream.Audio != nil {
		s.stream.Audio.SetEnabled(!flags.Muted)
	}
	if s.stream.Video != nil {
		s.stream.Video.SetEnabled(!flags.VideoOff)
	}
}
