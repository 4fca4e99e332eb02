package database

// TrackRepository is the catalog of playable tracks. Lookups of unknown
// ids return sql.ErrNoRows.
type TrackRepository interface {
	Ping() error
	GetTrack(id string) (Track, error)
	ListTracks(limit, offset int) ([]Track, error)
	UpsertTrack(params UpsertTrackParams) (Track, error)
}
