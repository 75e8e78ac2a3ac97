package media

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSynthetic_UserMedia(t *testing.T) {
	devices := NewSynthetic()

	stream, err := devices.UserMedia(context.Background(), Constraints{Audio: true, Video: true})
	require.NoError(t, err)
	require.NotNil(t, stream.Audio)
	require.NotNil(t, stream.Video)

	assert.Equal(t, KindAudio, stream.Audio.Kind())
	assert.Equal(t, KindVideo, stream.Video.Kind())
	assert.Equal(t, "audio", stream.Audio.Local().Kind().String())
	assert.Equal(t, stream.ID, stream.Video.Local().StreamID())
	assert.Equal(t, 2, devices.ActiveTracks())

	stream.Stop()
	assert.Equal(t, 0, devices.ActiveTracks())
	assert.True(t, stream.Audio.Stopped())
	assert.True(t, stream.Video.Stopped())
}

func TestSynthetic_PartialFailureReleasesAcquiredTracks(t *testing.T) {
	devices := NewSynthetic()
	devices.Fail(SourceCamera, ErrDeviceBusy)

	_, err := devices.UserMedia(context.Background(), Constraints{Audio: true, Video: true})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDeviceBusy))
	assert.Equal(t, 0, devices.ActiveTracks())

	devices.Fail(SourceCamera, nil)
	stream, err := devices.UserMedia(context.Background(), Constraints{Video: true})
	require.NoError(t, err)
	assert.Nil(t, stream.Audio)
	stream.Stop()
}

func TestSynthetic_Errors(t *testing.T) {
	devices := NewSynthetic()

	_, err := devices.UserMedia(context.Background(), Constraints{})
	assert.ErrorIs(t, err, ErrDeviceUnavailable)

	devices.Fail(SourceMicrophone, ErrPermissionDenied)
	_, err = devices.UserMedia(context.Background(), Constraints{Audio: true})
	assert.ErrorIs(t, err, ErrPermissionDenied)

	devices.Fail(SourceScreen, ErrPermissionDenied)
	_, err = devices.DisplayMedia(context.Background())
	assert.ErrorIs(t, err, ErrPermissionDenied)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = devices.DisplayMedia(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, devices.ActiveTracks())
}

func TestTrack_EnableAndStop(t *testing.T) {
	stops := 0
	track, err := NewTrack(SourceScreen, "screen", func() { stops++ })
	require.NoError(t, err)

	assert.True(t, track.Enabled())
	track.SetEnabled(false)
	assert.False(t, track.Enabled())
	track.SetEnabled(true)
	assert.True(t, track.Enabled())

	track.Stop()
	track.Stop()
	assert.True(t, track.Stopped())
	assert.False(t, track.Enabled())
	assert.Equal(t, 1, stops)
}
