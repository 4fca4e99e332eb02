package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"
)

// MemTrackRepository is an in-memory catalog used when no database is
// configured.
type MemTrackRepository struct {
	mu     sync.RWMutex
	tracks map[string]Track
}

func NewMemTrackRepository() *MemTrackRepository {
	return &MemTrackRepository{
		tracks: make(map[string]Track),
	}
}

func (r *MemTrackRepository) Ping() error {
	return nil
}

func (r *MemTrackRepository) GetTrack(id string) (Track, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tracks[id]
	if !ok {
		return Track{}, sql.ErrNoRows
	}
	return t, nil
}

func (r *MemTrackRepository) ListTracks(limit, offset int) ([]Track, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	r.mu.RLock()
	tracks := make([]Track, 0, len(r.tracks))
	for _, t := range r.tracks {
		tracks = append(tracks, t)
	}
	r.mu.RUnlock()

	sort.Slice(tracks, func(i, j int) bool {
		if tracks[i].Artist != tracks[j].Artist {
			return tracks[i].Artist < tracks[j].Artist
		}
		return tracks[i].Title < tracks[j].Title
	})

	if offset >= len(tracks) {
		return nil, nil
	}
	end := min(offset+limit, len(tracks))
	return tracks[offset:end], nil
}

func (r *MemTrackRepository) UpsertTrack(params UpsertTrackParams) (Track, error) {
	if params.Id == "" || params.MediaUrl == "" {
		return Track{}, fmt.Errorf("track id and media url are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	t, ok := r.tracks[params.Id]
	if !ok {
		t.CreatedAt = now
	}
	t.Id = params.Id
	t.Title = params.Title
	t.Artist = params.Artist
	t.MediaUrl = params.MediaUrl
	t.CoverArtUrl = params.CoverArtUrl
	t.DurationSeconds = params.DurationSeconds
	t.UpdatedAt = now

	r.tracks[t.Id] = t
	return t, nil
}

// SeedFromFile upserts every track listed in the JSON array at path into repo.
func SeedFromFile(repo TrackRepository, path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read catalog: %w", err)
	}

	var params []UpsertTrackParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return 0, fmt.Errorf("parse catalog: %w", err)
	}

	for i, p := range params {
		if _, err := repo.UpsertTrack(p); err != nil {
			return i, fmt.Errorf("upsert track %q: %w", p.Id, err)
		}
	}

	return len(params), nil
}
