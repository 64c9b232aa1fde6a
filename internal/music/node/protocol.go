package node

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/keshon/playdeck/internal/music/track"
)

// Lavalink v4 wire types.

type wireTrack struct {
	Encoded string        `json:"encoded"`
	Info    wireTrackInfo `json:"info"`
}

type wireTrackInfo struct {
	Identifier string `json:"identifier"`
	IsSeekable bool   `json:"isSeekable"`
	Author     string `json:"author"`
	Length     int64  `json:"length"`
	IsStream   bool   `json:"isStream"`
	Title      string `json:"title"`
	URI        string `json:"uri"`
	ArtworkURL string `json:"artworkUrl"`
	SourceName string `json:"sourceName"`
}

func (w wireTrack) toTrack() (*track.Track, error) {
	return track.New(track.Info{
		Encoded:    w.Encoded,
		Identifier: w.Info.Identifier,
		URI:        w.Info.URI,
		Title:      w.Info.Title,
		Author:     w.Info.Author,
		ArtworkURL: w.Info.ArtworkURL,
		Length:     time.Duration(w.Info.Length) * time.Millisecond,
		Source:     track.ParseSourceKind(w.Info.SourceName),
		Stream:     w.Info.IsStream,
		Seekable:   w.Info.IsSeekable,
	})
}

type wireException struct {
	Message  string `json:"message"`
	Severity string `json:"severity"`
	Cause    string `json:"cause"`
}

type loadResponse struct {
	LoadType LoadType        `json:"loadType"`
	Data     json.RawMessage `json:"data"`
}

type wirePlaylist struct {
	Info struct {
		Name          string `json:"name"`
		SelectedTrack int    `json:"selectedTrack"`
	} `json:"info"`
	Tracks []wireTrack `json:"tracks"`
}

func decodeLoad(body []byte) (*SearchResult, error) {
	var resp loadResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode load result: %w", err)
	}

	res := &SearchResult{LoadType: resp.LoadType, Selected: -1}
	var raw []wireTrack
	switch resp.LoadType {
	case LoadTrack:
		var t wireTrack
		if err := json.Unmarshal(resp.Data, &t); err != nil {
			return nil, fmt.Errorf("decode track: %w", err)
		}
		raw = []wireTrack{t}
	case LoadSearch:
		if err := json.Unmarshal(resp.Data, &raw); err != nil {
			return nil, fmt.Errorf("decode search: %w", err)
		}
	case LoadPlaylist:
		var pl wirePlaylist
		if err := json.Unmarshal(resp.Data, &pl); err != nil {
			return nil, fmt.Errorf("decode playlist: %w", err)
		}
		res.PlaylistName = pl.Info.Name
		res.Selected = pl.Info.SelectedTrack
		raw = pl.Tracks
	case LoadEmpty:
		return res, nil
	case LoadError:
		var ex wireException
		_ = json.Unmarshal(resp.Data, &ex)
		return nil, fmt.Errorf("%w: %s", ErrLoadError, ex.Message)
	default:
		return nil, fmt.Errorf("unknown load type %q", resp.LoadType)
	}

	for _, w := range raw {
		t, err := w.toTrack()
		if err != nil {
			continue
		}
		res.Tracks = append(res.Tracks, t)
	}
	return res, nil
}

// playerUpdate is the PATCH body for /v4/sessions/{sid}/players/{guild}.
// A track with a nil Encoded is sent as an explicit null, which stops playback.
type playerUpdate struct {
	Track    *updateTrack `json:"track,omitempty"`
	Position *int64       `json:"position,omitempty"`
	Volume   *int         `json:"volume,omitempty"`
	Paused   *bool        `json:"paused,omitempty"`
	Voice    *wireVoice   `json:"voice,omitempty"`
}

type updateTrack struct {
	Encoded *string `json:"encoded"`
}

type wireVoice struct {
	Token     string `json:"token"`
	Endpoint  string `json:"endpoint"`
	SessionID string `json:"sessionId"`
}

type wsMessage struct {
	Op        string          `json:"op"`
	Type      string          `json:"type"`
	GuildID   string          `json:"guildId"`
	SessionID string          `json:"sessionId"`
	Resumed   bool            `json:"resumed"`
	Track     *wireTrack      `json:"track"`
	Reason    json.RawMessage `json:"reason"`
	Exception *wireException  `json:"exception"`
	Threshold int64           `json:"thresholdMs"`
	Code      int             `json:"code"`
	ByRemote  bool            `json:"byRemote"`
	State     *struct {
		Time      int64 `json:"time"`
		Position  int64 `json:"position"`
		Connected bool  `json:"connected"`
		Ping      int   `json:"ping"`
	} `json:"state"`
}

// decodeMessage maps a websocket frame to an Event. ok is false for frames
// the engine does not care about (stats, unknown ops).
func decodeMessage(data []byte) (ev Event, ok bool, err error) {
	var m wsMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return Event{}, false, fmt.Errorf("decode frame: %w", err)
	}

	switch m.Op {
	case "ready":
		return Event{Type: EventNodeReady, SessionID: m.SessionID, Resumed: m.Resumed}, true, nil
	case "playerUpdate":
		ev = Event{Type: EventPlayerUpdate, GuildID: m.GuildID}
		if m.State != nil {
			ev.Position = time.Duration(m.State.Position) * time.Millisecond
			ev.Connected = m.State.Connected
		}
		return ev, true, nil
	case "event":
	default:
		return Event{}, false, nil
	}

	ev = Event{GuildID: m.GuildID}
	if m.Track != nil {
		ev.Encoded = m.Track.Encoded
		if t, err := m.Track.toTrack(); err == nil {
			ev.Track = t
		}
	}

	switch m.Type {
	case "TrackStartEvent":
		ev.Type = EventTrackStart
	case "TrackEndEvent":
		ev.Type = EventTrackEnd
		var reason string
		_ = json.Unmarshal(m.Reason, &reason)
		ev.Reason = EndReason(reason)
	case "TrackExceptionEvent":
		ev.Type = EventTrackException
		if m.Exception != nil {
			ev.Message = m.Exception.Message
		}
	case "TrackStuckEvent":
		ev.Type = EventTrackStuck
		ev.Message = fmt.Sprintf("stuck for %dms", m.Threshold)
	case "WebSocketClosedEvent":
		ev.Type = EventWebsocketClosed
		ev.Code = m.Code
		ev.ByRemote = m.ByRemote
		var reason string
		_ = json.Unmarshal(m.Reason, &reason)
		ev.Message = reason
	default:
		return Event{}, false, nil
	}
	return ev, true, nil
}
