package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/npezzotti/go-jam/internal/playback"
	"github.com/npezzotti/go-jam/internal/types"
)

// PlaybackControl is the playback:control event. On the wire it is a flat
// object with an action discriminator; in memory it always holds a valid
// playback.Command.
type PlaybackControl struct {
	RoomId  string
	Command playback.Command
	// IssuerId is set by the coordinator on broadcasts.
	IssuerId string
}

type wireControl struct {
	RoomId   string          `json:"room_id,omitempty"`
	Action   playback.Action `json:"action"`
	Time     *float64        `json:"time,omitempty"`
	TrackId  string          `json:"track_id,omitempty"`
	IssuerId string          `json:"issuer_id,omitempty"`
}

func NewPlaybackControl(roomId string, cmd playback.Command) *PlaybackControl {
	return &PlaybackControl{RoomId: roomId, Command: cmd}
}

func (pc PlaybackControl) MarshalJSON() ([]byte, error) {
	w := wireControl{RoomId: pc.RoomId, IssuerId: pc.IssuerId}
	if pc.Command == nil {
		return nil, fmt.Errorf("marshal playback control: %w: missing command", types.ErrInvalid)
	}

	w.Action = pc.Command.Action()
	switch c := pc.Command.(type) {
	case playback.Play:
		w.Time = c.At
	case playback.Pause:
		w.Time = c.At
	case playback.Seek:
		t := c.Time
		w.Time = &t
	case playback.TrackChange:
		w.TrackId = c.TrackId
	case playback.Enqueue:
		w.TrackId = c.TrackId
	case playback.Ended:
		w.TrackId = c.TrackId
	}

	return json.Marshal(w)
}

func (pc *PlaybackControl) UnmarshalJSON(data []byte) error {
	var w wireControl
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	cmd, err := w.command()
	if err != nil {
		return err
	}

	pc.RoomId = w.RoomId
	pc.Command = cmd
	pc.IssuerId = w.IssuerId
	return nil
}

func (w wireControl) command() (playback.Command, error) {
	switch w.Action {
	case playback.ActionPlay:
		if w.TrackId != "" {
			return nil, invalidControl(w, "unexpected track_id")
		}
		return playback.Play{At: w.Time}, nil
	case playback.ActionPause:
		if w.TrackId != "" {
			return nil, invalidControl(w, "unexpected track_id")
		}
		return playback.Pause{At: w.Time}, nil
	case playback.ActionSeek:
		if w.Time == nil {
			return nil, invalidControl(w, "missing time")
		}
		if w.TrackId != "" {
			return nil, invalidControl(w, "unexpected track_id")
		}
		return playback.Seek{Time: *w.Time}, nil
	case playback.ActionTrackChange, playback.ActionEnqueue, playback.ActionEnded:
		if w.TrackId == "" {
			return nil, invalidControl(w, "missing track_id")
		}
		if w.Time != nil {
			return nil, invalidControl(w, "unexpected time")
		}
		switch w.Action {
		case playback.ActionTrackChange:
			return playback.TrackChange{TrackId: w.TrackId}, nil
		case playback.ActionEnqueue:
			return playback.Enqueue{TrackId: w.TrackId}, nil
		default:
			return playback.Ended{TrackId: w.TrackId}, nil
		}
	case playback.ActionSkip:
		if w.TrackId != "" || w.Time != nil {
			return nil, invalidControl(w, "skip takes no arguments")
		}
		return playback.Skip{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown action %q", types.ErrInvalid, w.Action)
	}
}

func invalidControl(w wireControl, reason string) error {
	return fmt.Errorf("%w: %s: %s", types.ErrInvalid, w.Action, reason)
}
