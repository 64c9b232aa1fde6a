// Package track defines the immutable track value shared by the queue, the
// playback session and the audio node client.
package track

import (
	"errors"
	"fmt"
	"time"
)

// SourceKind identifies the search provider a track was resolved from.
type SourceKind string

const (
	SourceYouTube      SourceKind = "youtube"
	SourceYouTubeMusic SourceKind = "youtube-music"
	SourceSoundCloud   SourceKind = "soundcloud"
	SourceSpotify      SourceKind = "spotify"
	SourceHTTP         SourceKind = "http"
	SourceUnknown      SourceKind = "unknown"
)

// SearchPrefix returns the node search prefix for the source.
func (k SourceKind) SearchPrefix() string {
	switch k {
	case SourceYouTube:
		return "ytsearch"
	case SourceSoundCloud:
		return "scsearch"
	case SourceSpotify:
		return "spsearch"
	default:
		return "ytmsearch"
	}
}

// ParseSourceKind maps node source names and short command flags to a SourceKind.
func ParseSourceKind(s string) SourceKind {
	switch s {
	case "youtube", "yt":
		return SourceYouTube
	case "youtube-music", "ytm", "":
		return SourceYouTubeMusic
	case "soundcloud", "sc":
		return SourceSoundCloud
	case "spotify", "sp":
		return SourceSpotify
	case "http":
		return SourceHTTP
	default:
		return SourceUnknown
	}
}

var (
	ErrMissingEncoded = errors.New("track has no encoded node handle")
	ErrMissingTitle   = errors.New("track has no title")
	ErrNegativeLength = errors.New("track length is negative")
)

// Info is the raw metadata used to build a Track.
type Info struct {
	Encoded     string
	Identifier  string
	URI         string
	Title       string
	Author      string
	ArtworkURL  string
	Length      time.Duration
	Source      SourceKind
	Stream      bool
	Seekable    bool
	Recommended bool
	RequesterID string
}

// Track is a single resolved, playable item. Tracks are never mutated after
// construction; the queue compares them by pointer.
type Track struct {
	info Info
}

// New validates info and returns a new track instance.
func New(info Info) (*Track, error) {
	if info.Encoded == "" {
		return nil, ErrMissingEncoded
	}
	if info.Title == "" {
		return nil, ErrMissingTitle
	}
	if info.Length < 0 {
		return nil, fmt.Errorf("%w: %s", ErrNegativeLength, info.Length)
	}
	if info.Source == "" {
		info.Source = SourceUnknown
	}
	return &Track{info: info}, nil
}

// MustNew is New for fixtures and tests.
func MustNew(info Info) *Track {
	t, err := New(info)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *Track) Encoded() string         { return t.info.Encoded }
func (t *Track) Identifier() string      { return t.info.Identifier }
func (t *Track) URI() string             { return t.info.URI }
func (t *Track) Title() string           { return t.info.Title }
func (t *Track) Author() string          { return t.info.Author }
func (t *Track) ArtworkURL() string      { return t.info.ArtworkURL }
func (t *Track) Length() time.Duration   { return t.info.Length }
func (t *Track) Source() SourceKind      { return t.info.Source }
func (t *Track) IsStream() bool          { return t.info.Stream }
func (t *Track) IsSeekable() bool        { return t.info.Seekable && !t.info.Stream }
func (t *Track) Recommended() bool       { return t.info.Recommended }
func (t *Track) RequesterID() string     { return t.info.RequesterID }
func (t *Track) Info() Info              { return t.info }

// WithRequester returns a new instance stamped with the requesting user.
func (t *Track) WithRequester(userID string) *Track {
	info := t.info
	info.RequesterID = userID
	return &Track{info: info}
}

// AsRecommended returns a new instance flagged as an autoplay recommendation.
func (t *Track) AsRecommended() *Track {
	info := t.info
	info.Recommended = true
	return &Track{info: info}
}

func (t *Track) String() string {
	if t.info.Author == "" {
		return t.info.Title
	}
	return t.info.Title + " by " + t.info.Author
}
