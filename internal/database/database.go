// Package database is the relational store behind the track blacklist and
// the users' "Liked Songs" playlists.
package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/keshon/playdeck/internal/music/track"
)

// LikedSongs is the name of the playlist the like button writes to.
const LikedSongs = "Liked Songs"

// DB is implemented by *pgxpool.Pool and can be mocked for testing.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Store struct {
	db  DB
	log zerolog.Logger
}

func New(db DB, logger zerolog.Logger) *Store {
	return &Store{db: db, log: logger}
}

// Open connects to url, migrates the schema and returns the store with the
// pool's close function.
func Open(ctx context.Context, url string, logger zerolog.Logger) (*Store, func(), error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, nil, fmt.Errorf("pg: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("pg ping: %w", err)
	}
	if err := AutoMigrate(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return New(pool, logger), pool.Close, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS track_blacklist (
		url TEXT PRIMARY KEY
	)`,
	`CREATE TABLE IF NOT EXISTS playlist (
		id      BIGSERIAL PRIMARY KEY,
		user_id TEXT NOT NULL,
		name    TEXT NOT NULL,
		created TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (user_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS playlist_lookup (
		id          BIGSERIAL PRIMARY KEY,
		playlist_id BIGINT NOT NULL REFERENCES playlist(id) ON DELETE CASCADE,
		name        TEXT NOT NULL,
		url         TEXT NOT NULL,
		UNIQUE (playlist_id, url)
	)`,
}

func AutoMigrate(ctx context.Context, db DB) error {
	for _, stmt := range schema {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) IsBlacklisted(ctx context.Context, uri string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM track_blacklist WHERE url = $1)`, uri).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("blacklist lookup: %w", err)
	}
	return exists, nil
}

// ToggleLike adds t to the user's Liked Songs, or removes it when it is
// already there. It reports whether the track is liked afterwards.
func (s *Store) ToggleLike(ctx context.Context, userID string, t *track.Track) (bool, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	liked, err := toggleLike(ctx, tx, userID, t)
	if err != nil {
		_ = tx.Rollback(ctx)
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	s.log.Debug().Str("user", userID).Str("uri", t.URI()).Bool("liked", liked).Msg("[Database] like toggled")
	return liked, nil
}

func toggleLike(ctx context.Context, tx pgx.Tx, userID string, t *track.Track) (bool, error) {
	var playlistID int64
	err := tx.QueryRow(ctx,
		`INSERT INTO playlist (user_id, name) VALUES ($1, $2)
		 ON CONFLICT (user_id, name) DO UPDATE SET name = EXCLUDED.name
		 RETURNING id`, userID, LikedSongs).Scan(&playlistID)
	if err != nil {
		return false, fmt.Errorf("liked songs playlist: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`DELETE FROM playlist_lookup WHERE playlist_id = $1 AND url = $2`, playlistID, t.URI())
	if err != nil {
		return false, fmt.Errorf("unlike: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return false, nil
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO playlist_lookup (playlist_id, name, url) VALUES ($1, $2, $3)`,
		playlistID, t.Title(), t.URI()); err != nil {
		return false, fmt.Errorf("like: %w", err)
	}
	return true, nil
}
