// Command callclient joins a consultation room as a doctor or patient using
// generated media, and logs the call state until interrupted.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mossy-p/telemed-signaling/internal/logging"
	"github.com/mossy-p/telemed-signaling/internal/media"
	"github.com/mossy-p/telemed-signaling/internal/models"
	"github.com/mossy-p/telemed-signaling/internal/negotiation"
	"github.com/mossy-p/telemed-signaling/internal/session"
	"github.com/mossy-p/telemed-signaling/internal/signalclient"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"
)

func main() {
	server := flag.String("server", "http://localhost:8080", "signaling server base URL")
	room := flag.String("room", "", "consultation room ID")
	role := flag.String("role", string(models.RolePatient), "participant role (doctor or patient)")
	clientID := flag.String("client-id", "", "participant ID (random when empty)")
	token := flag.String("token", os.Getenv("SIGNALING_TOKEN"), "bearer token for the signaling server")
	connectTimeout := flag.Duration("connect-timeout", 30*time.Second, "time allowed for the peer connection to come up")
	disconnectTimeout := flag.Duration("disconnect-timeout", 15*time.Second, "time a dropped connection may take to recover")
	audioOnly := flag.Bool("audio-only", false, "do not send video")
	logLevel := flag.String("log-level", "info", "log level")
	flag.Parse()

	logging.Setup(false, *logLevel)

	r := models.Role(*role)
	if *room == "" || !r.Valid() {
		flag.Usage()
		os.Exit(2)
	}

	peers, err := negotiation.NewPionFactory()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up WebRTC")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	s := session.New(session.Options{
		RoomID:   *room,
		Role:     r,
		ClientID: *clientID,
		Devices:  media.NewSynthetic(),
		Peers:    peers,
		Dial:     session.SignalDialer(*server, *token),
		ICEServers: func(ctx context.Context) ([]webrtc.ICEServer, error) {
			return signalclient.FetchICEServers(ctx, *server, *token)
		},
		Constraints:       media.Constraints{Audio: true, Video: !*audioOnly},
		ConnectTimeout:    *connectTimeout,
		DisconnectTimeout: *disconnectTimeout,
		OnChange: func(snap session.Snapshot) {
			log.Info().
				Str("status", string(snap.Status)).
				Str("quality", string(snap.Quality)).
				Dur("duration", snap.Duration).
				Bool("can_retry", snap.CanRetry).
				Msg(snap.Message)
		},
	})

	if err := s.Join(ctx); err != nil {
		log.Error().Err(err).Msg(session.Describe(err))
		os.Exit(1)
	}

	<-ctx.Done()
	s.End()
	log.Info().Str("room", *room).Msg("left consultation")
}
