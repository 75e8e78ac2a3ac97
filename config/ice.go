package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// ICEServer mirrors the RTCIceServer dictionary browsers expect.
type ICEServer struct {
	URLs       []string `json:"urls" yaml:"urls"`
	Username   string   `json:"username,omitempty" yaml:"username"`
	Credential string   `json:"credential,omitempty" yaml:"credential"`
}

type iceFile struct {
	ICEServers []ICEServer `yaml:"iceServers"`
}

// DefaultICEServers is used when no ICE file is present.
func DefaultICEServers() []ICEServer {
	return []ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
	}
}

// ToWebRTC converts servers to the pion representation.
func ToWebRTC(servers []ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		srv := webrtc.ICEServer{URLs: append([]string(nil), s.URLs...)}
		if s.Username != "" {
			srv.Username = s.Username
		}
		if s.Credential != "" {
			srv.Credential = s.Credential
		}
		out = append(out, srv)
	}
	return out
}

// LoadICEServers decodes the ICE file at path. A missing or empty file yields
// the defaults.
func LoadICEServers(path string) ([]ICEServer, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultICEServers(), nil
		}
		return nil, err
	}
	defer f.Close()

	var raw iceFile
	if err := yaml.NewDecoder(f).Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			log.Warn().Str("module", "config").Str("file", path).Msg("ice file is empty, using defaults")
			return DefaultICEServers(), nil
		}
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}

	servers := make([]ICEServer, 0, len(raw.ICEServers))
	for i, s := range raw.ICEServers {
		if len(s.URLs) == 0 {
			return nil, fmt.Errorf("%s: iceServers[%d] has no urls", path, i)
		}
		servers = append(servers, s)
	}
	if len(servers) == 0 {
		return DefaultICEServers(), nil
	}
	return servers, nil
}

// ICEProvider holds the current ICE server list and reloads it when the
// backing file changes.
type ICEProvider struct {
	mu      sync.RWMutex
	path    string
	servers []ICEServer
}

func NewICEProvider(path string) (*ICEProvider, error) {
	p := &ICEProvider{path: path}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// Servers returns a copy of the current list.
func (p *ICEProvider) Servers() []ICEServer {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]ICEServer(nil), p.servers...)
}

func (p *ICEProvider) Reload() error {
	servers, err := LoadICEServers(p.path)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.servers = servers
	p.mu.Unlock()

	log.Info().Str("module", "config").Int("servers", len(servers)).Msg("ice servers loaded")
	return nil
}

// Watch reloads the list on writes to the ICE file until done is closed.
// The parent directory is watched so editors that replace the file are seen.
func (p *ICEProvider) Watch(done <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create ice watcher: %w", err)
	}

	dir := filepath.Dir(p.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()
		target := filepath.Clean(p.path)
		for {
			select {
			case <-done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					if err := p.Reload(); err != nil {
						log.Error().Err(err).Str("module", "config").Msg("error reloading ice servers")
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Error().Err(err).Str("module", "config").Msg("ice watcher error")
			}
		}
	}()
	return nil
}
