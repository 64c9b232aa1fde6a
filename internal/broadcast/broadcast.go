// Package broadcast publishes now-playing changes to Redis so other services
// (dashboards, overlays) can follow a guild's playback.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/keshon/playdeck/internal/music/node"
	"github.com/keshon/playdeck/internal/music/player"
	"github.com/keshon/playdeck/internal/music/track"
)

const channelPrefix = "playdeck:nowplaying:"

// Channel is the pub/sub channel of guildID.
func Channel(guildID string) string { return channelPrefix + guildID }

type Track struct {
	Title    string `json:"title"`
	Author   string `json:"author,omitempty"`
	URI      string `json:"uri,omitempty"`
	LengthMS int64  `json:"length_ms"`
}

type Event struct {
	Kind    string    `json:"kind"`
	GuildID string    `json:"guild_id"`
	Status  string    `json:"status,omitempty"`
	Node    string    `json:"node_event,omitempty"`
	Reason  string    `json:"reason,omitempty"`
	Track   *Track    `json:"track,omitempty"`
	At      time.Time `json:"at"`
}

func trackOf(t *track.Track) *Track {
	if t == nil {
		return nil
	}
	return &Track{Title: t.Title(), Author: t.Author(), URI: t.URI(), LengthMS: t.Length().Milliseconds()}
}

type Broadcaster struct {
	rdb *redis.Client
	now func() time.Time
	log zerolog.Logger
}

// Dial connects to a redis:// URL.
func Dial(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

func New(rdb *redis.Client, logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{rdb: rdb, now: time.Now, log: logger}
}

func (b *Broadcaster) Publish(ctx context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = b.now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.rdb.Publish(ctx, Channel(ev.GuildID), string(data)).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Forward publishes every status change of a session until the channel is
// closed or ctx is done.
func (b *Broadcaster) Forward(ctx context.Context, statuses <-chan player.StatusChange) {
	for {
		select {
		case <-ctx.Done():
			return
		case sc, ok := <-statuses:
			if !ok {
				return
			}
			ev := Event{Kind: "status", GuildID: sc.GuildID, Status: string(sc.Status), Track: trackOf(sc.Track)}
			if err := b.Publish(ctx, ev); err != nil {
				b.log.Warn().Err(err).Msg("[Broadcast] status not published")
			}
		}
	}
}

// ObserveNode publishes node events that end or break a track. It has the
// shape of an event dispatcher hook.
func (b *Broadcaster) ObserveNode(ctx context.Context, ev node.Event) {
	switch ev.Type {
	case node.EventTrackEnd, node.EventTrackException, node.EventTrackStuck, node.EventWebsocketClosed:
	default:
		return
	}
	out := Event{Kind: "node", GuildID: ev.GuildID, Node: ev.Type.String(), Reason: string(ev.Reason), Track: trackOf(ev.Track)}
	if err := b.Publish(ctx, out); err != nil {
		b.log.Warn().Err(err).Msg("[Broadcast] node event not published")
	}
}
