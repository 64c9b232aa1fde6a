// Package node talks to the remote audio node that decodes and streams audio
// into voice channels. The engine only ever sees the Node and Player
// interfaces; Client is the Lavalink v4 implementation.
package node

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/keshon/playdeck/internal/music/track"
)

var (
	ErrNoSession = errors.New("audio node session not established")
	ErrLoadError = errors.New("audio node failed to load tracks")
)

type EventType int

const (
	EventNodeReady EventType = iota
	EventPlayerUpdate
	EventTrackStart
	EventTrackEnd
	EventTrackException
	EventTrackStuck
	EventWebsocketClosed
)

func (t EventType) String() string {
	switch t {
	case EventNodeReady:
		return "node_ready"
	case EventPlayerUpdate:
		return "player_update"
	case EventTrackStart:
		return "track_start"
	case EventTrackEnd:
		return "track_end"
	case EventTrackException:
		return "track_exception"
	case EventTrackStuck:
		return "track_stuck"
	case EventWebsocketClosed:
		return "websocket_closed"
	}
	return "unknown"
}

// EndReason is why the node finished a track.
type EndReason string

const (
	EndFinished   EndReason = "finished"
	EndLoadFailed EndReason = "loadFailed"
	EndStopped    EndReason = "stopped"
	EndReplaced   EndReason = "replaced"
	EndCleanup    EndReason = "cleanup"
)

// MayStartNext reports whether the queue should advance after this reason.
func (r EndReason) MayStartNext() bool {
	return r == EndFinished || r == EndLoadFailed
}

// Event is a decoded node callback.
type Event struct {
	Type    EventType
	GuildID string

	// Encoded is the node handle of the track the event refers to.
	Encoded string
	Track   *track.Track

	Reason  EndReason
	Message string

	// WebsocketClosed only.
	Code     int
	ByRemote bool

	// PlayerUpdate only.
	Position  time.Duration
	Connected bool

	// NodeReady only.
	SessionID string
	Resumed   bool
}

type LoadType string

const (
	LoadTrack    LoadType = "track"
	LoadPlaylist LoadType = "playlist"
	LoadSearch   LoadType = "search"
	LoadEmpty    LoadType = "empty"
	LoadError    LoadType = "error"
)

type SearchResult struct {
	LoadType     LoadType
	Tracks       []*track.Track
	PlaylistName string
	// Selected is the playlist's preselected index, or -1.
	Selected int
}

// IsPlaylist reports whether the result should be enqueued as a whole.
func (r *SearchResult) IsPlaylist() bool {
	return r != nil && r.LoadType == LoadPlaylist
}

type PlayOptions struct {
	Volume   int
	Position time.Duration
	Paused   bool
}

// VoiceUpdate carries the parts of a gateway voice handshake. Fields left
// empty keep their previous value; ChannelID "-" means the bot left voice.
type VoiceUpdate struct {
	SessionID string
	ChannelID string
	Token     string
	Endpoint  string
}

const LeftChannel = "-"

// Player is the per-guild playback handle on the node. It is owned by one
// session.
type Player interface {
	Play(ctx context.Context, t *track.Track, opts PlayOptions) error
	Stop(ctx context.Context) error
	Seek(ctx context.Context, pos time.Duration) error
	SetVolume(ctx context.Context, volume int) error
	Pause(ctx context.Context, paused bool) error
	Destroy(ctx context.Context) error
}

type Node interface {
	Search(ctx context.Context, query string, source track.SourceKind) (*SearchResult, error)
	Player(guildID string) Player
	Events() <-chan Event
	UpdateVoice(ctx context.Context, guildID string, v VoiceUpdate) error
}

// Identifier turns user input into a load identifier: URLs are passed
// through, anything else becomes a prefixed search.
func Identifier(query string, source track.SourceKind) string {
	query = strings.TrimSpace(query)
	if u, err := url.Parse(query); err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != "" {
		return query
	}
	return source.SearchPrefix() + ":" + query
}
