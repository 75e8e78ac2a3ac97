package signalclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mossy-p/telemed-signaling/config"
	"github.com/pion/webrtc/v4"
)

var httpClient = &http.Client{Timeout: 10 * time.Second}

// FetchICEServers asks the signaling server which STUN/TURN servers to use.
func FetchICEServers(ctx context.Context, baseURL, token string) ([]webrtc.ICEServer, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(baseURL, "/")+"/api/ice-servers", nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRelayUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: ice servers: %s", ErrRelayUnavailable, resp.Status)
	}

	var body struct {
		ICEServers []config.ICEServer `json:"iceServers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode ice servers: %w", err)
	}
	return config.ToWebRTC(body.ICEServers), nil
}
