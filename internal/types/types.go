package types

import (
	"time"
)

type Role string

const (
	RoleHost  Role = "host"
	RoleGuest Role = "guest"
)

type Track struct {
	Id              string  `json:"id"`
	Title           string  `json:"title"`
	Artist          string  `json:"artist"`
	MediaUrl        string  `json:"media_url"`
	CoverArtUrl     string  `json:"cover_art_url,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
}

type Participant struct {
	Id        string    `json:"id"`
	Username  string    `json:"username"`
	AvatarUrl string    `json:"avatar_url,omitempty"`
	Role      Role      `json:"role,omitempty"`
	JoinedAt  time.Time `json:"joined_at,omitempty"`
}

// RoomState is the full snapshot of a room. PositionSeconds is the position
// at LastUpdateTimestamp; use PositionAt to extrapolate it.
type RoomState struct {
	RoomId              string        `json:"room_id"`
	HostId              string        `json:"host_id"`
	Participants        []Participant `json:"participants"`
	CurrentTrack        *Track        `json:"current_track,omitempty"`
	Queue               []Track       `json:"queue"`
	IsPlaying           bool          `json:"is_playing"`
	PositionSeconds     float64       `json:"position_seconds"`
	LastUpdateTimestamp time.Time     `json:"last_update_timestamp"`
	Version             int64         `json:"version"`
}

type RoomSummary struct {
	RoomId          string `json:"room_id"`
	HostId          string `json:"host_id,omitempty"`
	NumParticipants int    `json:"num_participants"`
	IsPlaying       bool   `json:"is_playing"`
	CurrentTrack    *Track `json:"current_track,omitempty"`
}

// PositionAt returns the playback position at now, clamped to [0, duration]
// when the duration of the current track is known.
func (s RoomState) PositionAt(now time.Time) float64 {
	pos := s.PositionSeconds
	if s.IsPlaying && !s.LastUpdateTimestamp.IsZero() {
		if elapsed := now.Sub(s.LastUpdateTimestamp).Seconds(); elapsed > 0 {
			pos += elapsed
		}
	}

	return s.ClampPosition(pos)
}

// ClampPosition bounds pos to the playable range of the current track.
func (s RoomState) ClampPosition(pos float64) float64 {
	if pos < 0 {
		return 0
	}
	if s.CurrentTrack != nil && s.CurrentTrack.DurationSeconds > 0 && pos > s.CurrentTrack.DurationSeconds {
		return s.CurrentTrack.DurationSeconds
	}
	return pos
}

// Clone returns a deep copy so that mirrors never alias the slices of the
// state they were copied from.
func (s RoomState) Clone() RoomState {
	c := s
	if s.CurrentTrack != nil {
		t := *s.CurrentTrack
		c.CurrentTrack = &t
	}
	c.Participants = make([]Participant, len(s.Participants))
	copy(c.Participants, s.Participants)
	c.Queue = make([]Track, len(s.Queue))
	copy(c.Queue, s.Queue)
	return c
}

func (s RoomState) Participant(id string) (Participant, bool) {
	for _, p := range s.Participants {
		if p.Id == id {
			return p, true
		}
	}
	return Participant{}, false
}

func (s RoomState) Summary() RoomSummary {
	return RoomSummary{
		RoomId:          s.RoomId,
		HostId:          s.HostId,
		NumParticipants: len(s.Participants),
		IsPlaying:       s.IsPlaying,
		CurrentTrack:    s.CurrentTrack,
	}
}
