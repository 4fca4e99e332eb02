package database

import (
	"time"

	"github.com/npezzotti/go-jam/internal/types"
)

type Track struct {
	Id              string
	Title           string
	Artist          string
	MediaUrl        string
	CoverArtUrl     string
	DurationSeconds float64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type UpsertTrackParams struct {
	Id              string  `json:"id"`
	Title           string  `json:"title"`
	Artist          string  `json:"artist"`
	MediaUrl        string  `json:"media_url"`
	CoverArtUrl     string  `json:"cover_art_url"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// Public returns the catalog entry as carried in room state.
func (t Track) Public() types.Track {
	return types.Track{
		Id:              t.Id,
		Title:           t.Title,
		Artist:          t.Artist,
		MediaUrl:        t.MediaUrl,
		CoverArtUrl:     t.CoverArtUrl,
		DurationSeconds: t.DurationSeconds,
	}
}
