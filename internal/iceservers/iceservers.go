// Package iceservers resolves the ICE server list handed to clients during
// the handshake.
//
// The primary source is Twilio's token endpoint (HTTPS POST with basic auth
// from the two configured secrets). Any failure there is fully absorbed: the
// provider falls back to a single public STUN entry and never surfaces an
// error to the handshake path.
package iceservers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/superviral-word-game/signaller/internal/config"
	"github.com/superviral-word-game/signaller/internal/metrics"
)

// DefaultEndpointFormat is Twilio's token API; the account SID is
// interpolated into the path and also used as the basic-auth username.
const DefaultEndpointFormat = "https://api.twilio.com/2010-04-01/Accounts/%s/Tokens.json"

// Provider yields the ICE server list for a handshake reply. Implementations
// must not return an empty list and must not block past their configured
// timeout.
type Provider interface {
	ICEServers(ctx context.Context) []webrtc.ICEServer
}

// Static always returns a fixed list. Used when no Twilio credentials are
// configured, and in tests.
type Static struct {
	Servers []webrtc.ICEServer
}

func (s Static) ICEServers(context.Context) []webrtc.ICEServer {
	return s.Servers
}

// Fallback builds the single-entry public STUN list used whenever the
// credential fetch is unavailable or fails.
func Fallback(stunURL string) []webrtc.ICEServer {
	if stunURL == "" {
		stunURL = config.DefaultFallbackSTUNURL
	}
	return []webrtc.ICEServer{{URLs: []string{stunURL}}}
}

type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	// Endpoint overrides the token URL, for tests. Defaults to
	// DefaultEndpointFormat with the account SID applied.
	Endpoint string
	Timeout  time.Duration
	Fallback []webrtc.ICEServer

	HTTPClient *http.Client
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

type Twilio struct {
	endpoint string
	sid      string
	token    string
	timeout  time.Duration
	fallback []webrtc.ICEServer

	client  *http.Client
	log     *slog.Logger
	metrics *metrics.Metrics
}

func NewTwilio(cfg TwilioConfig) *Twilio {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf(DefaultEndpointFormat, cfg.AccountSID)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = config.DefaultICEFetchTimeout
	}
	fallback := cfg.Fallback
	if len(fallback) == 0 {
		fallback = Fallback("")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Twilio{
		endpoint: endpoint,
		sid:      cfg.AccountSID,
		token:    cfg.AuthToken,
		timeout:  timeout,
		fallback: fallback,
		client:   client,
		log:      logger,
		metrics:  cfg.Metrics,
	}
}

// ICEServers fetches an ephemeral token from Twilio. The fetch is bounded by
// the configured timeout; on any error the fallback list is returned and the
// failure is only logged, never propagated.
func (t *Twilio) ICEServers(ctx context.Context) []webrtc.ICEServer {
	servers, err := t.fetch(ctx)
	if err != nil {
		t.metrics.Inc(metrics.EventICEFetchFallback)
		t.log.Warn("ice credential fetch failed, using fallback STUN", "err", err)
		return t.fallback
	}
	return servers
}

// twilioToken is the relevant subset of the Tokens.json response. Twilio
// emits both the legacy singular "url" and the standard "urls" per entry.
type twilioToken struct {
	ICEServers []struct {
		URL        string `json:"url"`
		URLs       string `json:"urls"`
		Username   string `json:"username"`
		Credential string `json:"credential"`
	} `json:"ice_servers"`
}

func (t *Twilio) fetch(ctx context.Context) ([]webrtc.ICEServer, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(t.sid, t.token)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("token endpoint returned %s", resp.Status)
	}

	var token twilioToken
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if len(token.ICEServers) == 0 {
		return nil, fmt.Errorf("token response carried no ice servers")
	}

	servers := make([]webrtc.ICEServer, 0, len(token.ICEServers))
	for _, entry := range token.ICEServers {
		url := entry.URLs
		if url == "" {
			url = entry.URL
		}
		if url == "" {
			continue
		}
		server := webrtc.ICEServer{URLs: []string{url}, Username: entry.Username}
		if entry.Credential != "" {
			server.Credential = entry.Credential
		}
		servers = append(servers, server)
	}
	if len(servers) == 0 {
		return nil, fmt.Errorf("token response carried no usable ice servers")
	}
	return servers, nil
}
