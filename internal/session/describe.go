package session

import (
	"errors"

	"github.com/mossy-p/telemed-signaling/internal/media"
	"github.com/mossy-p/telemed-signaling/internal/negotiation"
	"github.com/mossy-p/telemed-signaling/internal/signalclient"
	"github.com/mossy-p/telemed-signaling/internal/supervisor"
)

// Describe turns a call error into instructions for the participant.
func Describe(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, media.ErrPermissionDenied):
		return "Camera or microphone access was blocked. Allow access in your browser or system settings, then try again."
	case errors.Is(err, media.ErrDeviceBusy):
		return "Your camera or microphone is in use by another application. Close it, then try again."
	case errors.Is(err, media.ErrDeviceUnavailable):
		return "No camera or microphone was found. Connect a device, then try again."
	case errors.Is(err, signalclient.ErrClosedByRelay):
		return "This consultation has ended."
	case errors.Is(err, signalclient.ErrRelayUnavailable):
		return "The call service could not be reached. Check your internet connection, then try again."
	case errors.Is(err, supervisor.ErrConnectTimeout):
		return "The other participant could not be reached. Try again."
	case errors.Is(err, supervisor.ErrConnectionLost):
		return "The connection was lost. Check your internet connection, then try again."
	case errors.Is(err, supervisor.ErrConnectionFailed), errors.Is(err, negotiation.ErrNegotiation):
		return "The call could not be connected. Try again."
	}
	return "Something went wrong. Try again."
}

func message(snap supervisor.Snapshot) string {
	if snap.Err != nil {
		return Describe(snap.Err)
	}
	switch snap.Status {
	case supervisor.StatusPreparing:
		return "Starting your camera and microphone."
	case supervisor.StatusConnecting:
		return "Waiting for the other participant to connect."
	case supervisor.StatusConnected:
		return "Connected."
	case supervisor.StatusDisconnected:
		return "Connection unstable. Trying to recover."
	}
	return "Not in a call."
}
