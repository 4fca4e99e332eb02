package database

import (
	"fmt"
	"time"
)

const defaultListLimit = 100

func (db *PgTrackRepository) Ping() error {
	return db.conn.Ping()
}

func (db *PgTrackRepository) GetTrack(id string) (Track, error) {
	row := db.conn.QueryRow(
		"SELECT id, title, artist, media_url, cover_art_url, duration_seconds, created_at, updated_at "+
			"FROM tracks WHERE id = $1 LIMIT 1",
		id,
	)

	var t Track
	err := row.Scan(
		&t.Id,
		&t.Title,
		&t.Artist,
		&t.MediaUrl,
		&t.CoverArtUrl,
		&t.DurationSeconds,
		&t.CreatedAt,
		&t.UpdatedAt,
	)

	return t, err
}

func (db *PgTrackRepository) ListTracks(limit, offset int) ([]Track, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	rows, err := db.conn.Query(
		"SELECT id, title, artist, media_url, cover_art_url, duration_seconds, created_at, updated_at "+
			"FROM tracks ORDER BY artist, title LIMIT $1 OFFSET $2",
		limit,
		offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list tracks: %w", err)
	}
	defer rows.Close()

	var tracks []Track
	for rows.Next() {
		var t Track
		if err := rows.Scan(
			&t.Id,
			&t.Title,
			&t.Artist,
			&t.MediaUrl,
			&t.CoverArtUrl,
			&t.DurationSeconds,
			&t.CreatedAt,
			&t.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		tracks = append(tracks, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return tracks, nil
}

func (db *PgTrackRepository) UpsertTrack(params UpsertTrackParams) (Track, error) {
	now := time.Now().UTC()
	row := db.conn.QueryRow(
		"INSERT INTO tracks (id, title, artist, media_url, cover_art_url, duration_seconds, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7, $7) "+
			"ON CONFLICT (id) DO UPDATE SET title = $2, artist = $3, media_url = $4, "+
			"cover_art_url = $5, duration_seconds = $6, updated_at = $7 "+
			"RETURNING id, title, artist, media_url, cover_art_url, duration_seconds, created_at, updated_at",
		params.Id,
		params.Title,
		params.Artist,
		params.MediaUrl,
		params.CoverArtUrl,
		params.DurationSeconds,
		now,
	)

	var t Track
	err := row.Scan(
		&t.Id,
		&t.Title,
		&t.Artist,
		&t.MediaUrl,
		&t.CoverArtUrl,
		&t.DurationSeconds,
		&t.CreatedAt,
		&t.UpdatedAt,
	)

	return t, err
}
