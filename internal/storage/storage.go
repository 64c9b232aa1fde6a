// Package storage persists per-guild bot settings in a JSON datastore.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/keshon/datastore"

	"github.com/keshon/playdeck/internal/music/panel"
)

type Storage struct {
	ds *datastore.DataStore
	// mu makes read-modify-write of a guild record atomic.
	mu sync.Mutex
}

// Record is everything stored for one guild.
type Record struct {
	MusicChannel   string `json:"music_channel"`
	PanelMessageID string `json:"panel_message_id"`
	Volume         int    `json:"volume,omitempty"`
}

func New(filePath string) (*Storage, error) {
	ds, err := datastore.New(filePath)
	if err != nil {
		return nil, err
	}
	return &Storage{ds: ds}, nil
}

func (s *Storage) Close() error {
	return s.ds.Close()
}

func (s *Storage) getOrCreateGuildRecord(guildID string) (*Record, error) {
	data, exists := s.ds.Get(guildID)
	if !exists {
		return &Record{}, nil
	}

	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("error marshalling data: %w", err)
	}

	var record Record
	if err := json.Unmarshal(jsonData, &record); err != nil {
		return nil, fmt.Errorf("error unmarshalling to *Record: %w", err)
	}
	return &record, nil
}

func (s *Storage) update(guildID string, fn func(r *Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, err := s.getOrCreateGuildRecord(guildID)
	if err != nil {
		return err
	}
	fn(record)
	s.ds.Add(guildID, record)
	return nil
}

func (s *Storage) Record(guildID string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.getOrCreateGuildRecord(guildID)
	if err != nil {
		return Record{}, err
	}
	return *r, nil
}

// Binding returns where the guild's panel lives.
func (s *Storage) Binding(_ context.Context, guildID string) (panel.Binding, error) {
	r, err := s.Record(guildID)
	if err != nil {
		return panel.Binding{}, err
	}
	return panel.Binding{ChannelID: r.MusicChannel, MessageID: r.PanelMessageID}, nil
}

func (s *Storage) SaveBinding(_ context.Context, guildID string, b panel.Binding) error {
	return s.update(guildID, func(r *Record) {
		r.MusicChannel = b.ChannelID
		r.PanelMessageID = b.MessageID
	})
}

// SetMusicChannel moves the guild's panel to channelID. The old panel
// message is forgotten.
func (s *Storage) SetMusicChannel(guildID, channelID string) error {
	return s.update(guildID, func(r *Record) {
		if r.MusicChannel != channelID {
			r.PanelMessageID = ""
		}
		r.MusicChannel = channelID
	})
}

// Volume returns the guild's last volume, or def when none was stored.
func (s *Storage) Volume(guildID string, def int) int {
	r, err := s.Record(guildID)
	if err != nil || r.Volume <= 0 {
		return def
	}
	return r.Volume
}

func (s *Storage) SetVolume(guildID string, v int) error {
	return s.update(guildID, func(r *Record) { r.Volume = v })
}
