package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// PollInterval is how often the discovery view refreshes its listing.
const PollInterval = 10 * time.Second

// Client talks to the directory service. Adverts are best effort:
// failures are logged and swallowed because discovery is never a
// correctness dependency for an already-joined lobby.
type Client struct {
	base  string
	httpc *http.Client
	log   *zap.Logger
}

// NewClient builds a client against the API base URL (no trailing
// slash), e.g. "https://example.net".
func NewClient(base string, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		base:  base,
		httpc: &http.Client{Timeout: 10 * time.Second},
		log:   log,
	}
}

// Advertise upserts the lobby's discovery row in the background.
func (c *Client) Advertise(ad Advert) {
	go func() {
		body, err := json.Marshal(ad)
		if err != nil {
			c.log.Debug("advertise encode", zap.Error(err))
			return
		}
		resp, err := c.httpc.Post(c.base+"/api/lobby", "application/json", bytes.NewReader(body))
		if err != nil {
			c.log.Debug("advertise", zap.String("code", ad.LobbyCode), zap.Error(err))
			return
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			c.log.Debug("advertise status", zap.String("code", ad.LobbyCode), zap.Int("status", resp.StatusCode))
		}
	}()
}

// List fetches the joinable lobbies.
func (c *Client) List(ctx context.Context) ([]Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/lobbies", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list lobbies: status %d", resp.StatusCode)
	}

	var out struct {
		Lobbies []Entry `json:"lobbies"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out.Lobbies, nil
}

// Poll invokes fn with a fresh listing every PollInterval until ctx is
// done. List failures are reported through fn's err so the view can
// show a status indicator without stopping the poll.
func (c *Client) Poll(ctx context.Context, fn func(entries []Entry, err error)) {
	t := time.NewTicker(PollInterval)
	defer t.Stop()
	for {
		entries, err := c.List(ctx)
		fn(entries, err)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
