package playback

import (
	"fmt"
	"time"

	"github.com/npezzotti/go-jam/internal/types"
)

var (
	ErrNoTrack    = fmt.Errorf("%w: no track selected", types.ErrInvalid)
	ErrQueueEmpty = fmt.Errorf("%w: queue is empty", types.ErrInvalid)
	ErrBadTime    = fmt.Errorf("%w: time must not be negative", types.ErrInvalid)
)

// Apply returns the state that results from applying cmd at now. The
// position is rebased to now before the command takes effect, and every
// change stamps LastUpdateTimestamp and bumps Version. track must be the
// resolved catalog entry for commands that reference one.
//
// changed is false when the command is a no-op, e.g. a stale Ended.
func Apply(s types.RoomState, cmd Command, track *types.Track, now time.Time) (next types.RoomState, changed bool, err error) {
	next = s.Clone()
	pos := s.PositionAt(now)

	switch c := cmd.(type) {
	case Play:
		if next.CurrentTrack == nil {
			return s, false, ErrNoTrack
		}
		if c.At != nil {
			if *c.At < 0 {
				return s, false, ErrBadTime
			}
			pos = *c.At
		} else if d := next.CurrentTrack.DurationSeconds; d > 0 && pos >= d {
			pos = 0
		}
		next.IsPlaying = true
	case Pause:
		if c.At != nil {
			if *c.At < 0 {
				return s, false, ErrBadTime
			}
			pos = *c.At
		}
		next.IsPlaying = false
	case Seek:
		if next.CurrentTrack == nil {
			return s, false, ErrNoTrack
		}
		if c.Time < 0 {
			return s, false, ErrBadTime
		}
		pos = c.Time
	case TrackChange:
		if track == nil || track.Id != c.TrackId {
			return s, false, fmt.Errorf("track %q: %w", c.TrackId, types.ErrNotFound)
		}
		t := *track
		next.CurrentTrack = &t
		next.Queue = removeQueued(next.Queue, t.Id)
		next.IsPlaying = false
		pos = 0
	case Enqueue:
		if track == nil || track.Id != c.TrackId {
			return s, false, fmt.Errorf("track %q: %w", c.TrackId, types.ErrNotFound)
		}
		next.Queue = append(next.Queue, *track)
	case Skip:
		if len(next.Queue) == 0 {
			return s, false, ErrQueueEmpty
		}
		pos = advance(&next, next.IsPlaying, pos)
	case Ended:
		if next.CurrentTrack == nil || next.CurrentTrack.Id != c.TrackId {
			return s, false, nil
		}
		pos = advance(&next, true, pos)
	default:
		return s, false, fmt.Errorf("%w: unknown command %T", types.ErrInvalid, cmd)
	}

	next.PositionSeconds = next.ClampPosition(pos)
	next.LastUpdateTimestamp = now
	next.Version = s.Version + 1
	return next, true, nil
}

// Rebase re-stamps the state at now without changing the timeline. It is
// used for heartbeats so late receivers extrapolate from a fresh instant.
func Rebase(s types.RoomState, now time.Time) types.RoomState {
	next := s.Clone()
	next.PositionSeconds = s.PositionAt(now)
	next.LastUpdateTimestamp = now
	return next
}

// TrackFinished reports whether a playing track has reached its known duration.
func TrackFinished(s types.RoomState, now time.Time) bool {
	if !s.IsPlaying || s.CurrentTrack == nil || s.CurrentTrack.DurationSeconds <= 0 {
		return false
	}
	return s.PositionAt(now) >= s.CurrentTrack.DurationSeconds
}

// advance moves to the head of the queue. With an empty queue playback
// stops at the end of the current track.
func advance(s *types.RoomState, autoplay bool, pos float64) float64 {
	if len(s.Queue) == 0 {
		s.IsPlaying = false
		if s.CurrentTrack != nil && s.CurrentTrack.DurationSeconds > 0 {
			return s.CurrentTrack.DurationSeconds
		}
		return pos
	}

	t := s.Queue[0]
	s.CurrentTrack = &t
	s.Queue = s.Queue[1:]
	s.IsPlaying = autoplay
	return 0
}

func removeQueued(queue []types.Track, id string) []types.Track {
	for i, t := range queue {
		if t.Id == id {
			return append(queue[:i:i], queue[i+1:]...)
		}
	}
	return queue
}
