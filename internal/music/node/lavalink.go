package node

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/keshon/playdeck/internal/music/track"
	"github.com/keshon/playdeck/pkg/retrylimit"
)

// HTTPError is a non-2xx answer from the node REST API.
type HTTPError struct {
	Status  int
	Method  string
	Path    string
	Message string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Status, e.Message)
}

func (e *HTTPError) StatusCode() int { return e.Status }

type Options struct {
	URI        string
	Password   string
	UserID     string
	ClientName string

	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	Limiter    *retrylimit.AdaptiveLimiter
	Retry      retrylimit.Config
	Logger     zerolog.Logger

	// ReconnectMin and ReconnectMax bound the websocket reconnect backoff.
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

// Client is a Lavalink v4 node client.
type Client struct {
	opts   Options
	base   *url.URL
	http   *http.Client
	log    zerolog.Logger
	events chan Event

	mu        sync.RWMutex
	sessionID string
	voice     map[string]VoiceUpdate
}

func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.URI, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse node uri: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("node uri must be http or https, got %q", opts.URI)
	}
	if opts.ClientName == "" {
		opts.ClientName = "playdeck"
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Limiter == nil {
		opts.Limiter = retrylimit.NewAdaptiveLimiter(20, 2, 50, 1, 0.5)
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retrylimit.DefaultConfig()
		opts.Retry.Logger = opts.Logger
	}
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = time.Second
	}
	if opts.ReconnectMax < opts.ReconnectMin {
		opts.ReconnectMax = 30 * time.Second
	}

	return &Client{
		opts:   opts,
		base:   base,
		http:   opts.HTTPClient,
		log:    opts.Logger,
		events: make(chan Event, 256),
		voice:  make(map[string]VoiceUpdate),
	}, nil
}

func (c *Client) Events() <-chan Event { return c.events }

// SessionID returns the websocket session id, empty before the first ready.
func (c *Client) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// =============================================================================
// Websocket
// =============================================================================

// Run keeps the websocket connected until ctx is done, reconnecting with
// exponential backoff. The events channel is closed when Run returns.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.events)

	backoff := c.opts.ReconnectMin
	for {
		connected, err := c.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			backoff = c.opts.ReconnectMin
		}
		c.log.Warn().Err(err).Dur("retry_in", backoff).Msg("[Node] websocket disconnected")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, c.opts.ReconnectMax)
	}
}

func (c *Client) listen(ctx context.Context) (bool, error) {
	u := *c.base
	u.Path = "/v4/websocket"
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}

	header := http.Header{}
	header.Set("Authorization", c.opts.Password)
	header.Set("User-Id", c.opts.UserID)
	header.Set("Client-Name", c.opts.ClientName)

	conn, resp, err := c.opts.Dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return false, &HTTPError{Status: resp.StatusCode, Method: http.MethodGet, Path: u.Path, Message: "websocket upgrade refused"}
		}
		return false, fmt.Errorf("dial node: %w", err)
	}
	defer conn.Close()
	c.log.Info().Str("uri", u.String()).Msg("[Node] websocket connected")

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.setSession("")
			return true, err
		}
		ev, ok, err := decodeMessage(data)
		if err != nil {
			c.log.Warn().Err(err).Msg("[Node] bad frame")
			continue
		}
		if !ok {
			continue
		}
		if ev.Type == EventNodeReady {
			c.setSession(ev.SessionID)
		}
		select {
		case c.events <- ev:
		case <-ctx.Done():
			return true, ctx.Err()
		}
	}
}

func (c *Client) setSession(id string) {
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}

// =============================================================================
// REST
// =============================================================================

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
	}

	u := *c.base
	u.Path = path
	u.RawQuery = query.Encode()

	var out []byte
	err := retrylimit.Do(ctx, c.opts.Limiter, c.opts.Retry, func() error {
		req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(payload))
		if err != nil {
			return retrylimit.Fatal(err)
		}
		req.Header.Set("Authorization", c.opts.Password)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode/100 != 2 {
			return &HTTPError{Status: resp.StatusCode, Method: method, Path: path, Message: errorMessage(data)}
		}
		out = data
		return nil
	})
	return out, err
}

func errorMessage(data []byte) string {
	var e struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(data, &e) == nil {
		if e.Message != "" {
			return e.Message
		}
		return e.Error
	}
	return strings.TrimSpace(string(data))
}

// Search loads tracks for a URL or a free-text query.
func (c *Client) Search(ctx context.Context, query string, source track.SourceKind) (*SearchResult, error) {
	data, err := c.do(ctx, http.MethodGet, "/v4/loadtracks", url.Values{"identifier": {Identifier(query, source)}}, nil)
	if err != nil {
		return nil, err
	}
	return decodeLoad(data)
}

func (c *Client) playerPath() (string, error) {
	sid := c.SessionID()
	if sid == "" {
		return "", ErrNoSession
	}
	return "/v4/sessions/" + sid + "/players/", nil
}

func (c *Client) patch(ctx context.Context, guildID string, upd playerUpdate) error {
	prefix, err := c.playerPath()
	if err != nil {
		return err
	}
	_, err = c.do(ctx, http.MethodPatch, prefix+guildID, url.Values{"noReplace": {"false"}}, upd)
	return err
}

// UpdateVoice merges a partial gateway voice handshake and forwards it to the
// node once token, endpoint and session id are all known.
func (c *Client) UpdateVoice(ctx context.Context, guildID string, v VoiceUpdate) error {
	c.mu.Lock()
	cur := c.voice[guildID]
	if v.ChannelID == LeftChannel {
		delete(c.voice, guildID)
		c.mu.Unlock()
		return nil
	}
	if v.SessionID != "" {
		cur.SessionID = v.SessionID
	}
	if v.ChannelID != "" {
		cur.ChannelID = v.ChannelID
	}
	if v.Token != "" {
		cur.Token = v.Token
	}
	if v.Endpoint != "" {
		cur.Endpoint = v.Endpoint
	}
	c.voice[guildID] = cur
	c.mu.Unlock()

	if cur.SessionID == "" || cur.Token == "" || cur.Endpoint == "" {
		return nil
	}
	return c.patch(ctx, guildID, playerUpdate{Voice: &wireVoice{
		Token:     cur.Token,
		Endpoint:  cur.Endpoint,
		SessionID: cur.SessionID,
	}})
}

// Player returns the handle for guildID. Handles are cheap; the node keeps
// the actual state.
func (c *Client) Player(guildID string) Player {
	return &guildPlayer{c: c, guildID: guildID}
}

type guildPlayer struct {
	c       *Client
	guildID string
}

func (p *guildPlayer) Play(ctx context.Context, t *track.Track, opts PlayOptions) error {
	if t == nil {
		return errors.New("play: nil track")
	}
	enc := t.Encoded()
	pos := opts.Position.Milliseconds()
	vol := opts.Volume
	paused := opts.Paused
	return p.c.patch(ctx, p.guildID, playerUpdate{
		Track:    &updateTrack{Encoded: &enc},
		Position: &pos,
		Volume:   &vol,
		Paused:   &paused,
	})
}

func (p *guildPlayer) Stop(ctx context.Context) error {
	return p.c.patch(ctx, p.guildID, playerUpdate{Track: &updateTrack{Encoded: nil}})
}

func (p *guildPlayer) Seek(ctx context.Context, pos time.Duration) error {
	ms := pos.Milliseconds()
	return p.c.patch(ctx, p.guildID, playerUpdate{Position: &ms})
}

func (p *guildPlayer) SetVolume(ctx context.Context, volume int) error {
	return p.c.patch(ctx, p.guildID, playerUpdate{Volume: &volume})
}

func (p *guildPlayer) Pause(ctx context.Context, paused bool) error {
	return p.c.patch(ctx, p.guildID, playerUpdate{Paused: &paused})
}

func (p *guildPlayer) Destroy(ctx context.Context) error {
	prefix, err := p.c.playerPath()
	if err != nil {
		return err
	}
	_, err = p.c.do(ctx, http.MethodDelete, prefix+p.guildID, nil, nil)
	var he *HTTPError
	if errors.As(err, &he) && he.Status == http.StatusNotFound {
		return nil
	}
	return err
}
