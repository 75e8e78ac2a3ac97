package redis

import (
	"context"
	"testing"
	"time"

	"github.com/mossy-p/telemed-signaling/internal/models"
	"github.com/mossy-p/telemed-signaling/internal/relay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_RoundTrip(t *testing.T) {
	_, client := newTestClient(t)
	bus := NewBus(client)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan relay.Envelope, 64)
	go bus.Listen(ctx, func(env relay.Envelope) { got <- env })

	env := relay.Envelope{
		Origin:  "instance-1",
		Message: models.SignalMessage{Type: models.SignalTypeOffer, RoomID: "R1", From: "a", SDP: "v=0"},
	}
	require.Eventually(t, func() bool {
		_ = bus.Publish(ctx, env)
		select {
		case e := <-got:
			return e.Origin == "instance-1" && e.Message.SDP == "v=0"
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 3*time.Second, 10*time.Millisecond)
}

func TestRelay_CrossInstanceDelivery(t *testing.T) {
	_, client := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	newRelay := func() *relay.Relay {
		r := relay.New(relay.Options{Store: NewStore(client, time.Hour), Bus: NewBus(client)})
		go r.Run(ctx)
		return r
	}
	first, second := newRelay(), newRelay()

	doctor, err := first.Subscribe(ctx, "R1", "doctor-1", models.RoleDoctor)
	require.NoError(t, err)
	patient, err := second.Subscribe(ctx, "R1", "patient-1", models.RolePatient)
	require.NoError(t, err)

	info, err := first.Room(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, 2, info.MemberCount)
	assert.True(t, info.Ready)

	waitFor := func(sub *relay.Subscription, from *relay.Relay, sender, sdp string) {
		t.Helper()
		require.Eventually(t, func() bool {
			_ = from.Publish(ctx, "R1", sender, models.SignalMessage{Type: models.SignalTypeOffer, SDP: sdp})
			deadline := time.After(50 * time.Millisecond)
			for {
				select {
				case msg := <-sub.Messages():
					if msg.Type == models.SignalTypeOffer && msg.SDP == sdp {
						return true
					}
				case <-deadline:
					return false
				}
			}
		}, 3*time.Second, 10*time.Millisecond)
	}

	waitFor(doctor, second, "patient-1", "from-patient")
	waitFor(patient, first, "doctor-1", "from-doctor")
}
