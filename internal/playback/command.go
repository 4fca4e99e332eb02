package playback

type Action string

const (
	ActionPlay        Action = "play"
	ActionPause       Action = "pause"
	ActionSeek        Action = "seek"
	ActionTrackChange Action = "track-change"
	ActionEnqueue     Action = "enqueue"
	ActionSkip        Action = "skip"
	ActionEnded       Action = "ended"
)

// Command is a playback mutation submitted by the host. The set of
// implementations is closed.
type Command interface {
	Action() Action
	command()
}

// Play resumes playback, optionally from At seconds.
type Play struct {
	At *float64
}

// Pause stops playback, optionally pinning the position to At seconds.
type Pause struct {
	At *float64
}

type Seek struct {
	Time float64
}

type TrackChange struct {
	TrackId string
}

type Enqueue struct {
	TrackId string
}

// Skip advances to the next queued track.
type Skip struct{}

// Ended reports that the host's local player reached the end of TrackId.
type Ended struct {
	TrackId string
}

func (Play) Action() Action        { return ActionPlay }
func (Pause) Action() Action       { return ActionPause }
func (Seek) Action() Action        { return ActionSeek }
func (TrackChange) Action() Action { return ActionTrackChange }
func (Enqueue) Action() Action     { return ActionEnqueue }
func (Skip) Action() Action        { return ActionSkip }
func (Ended) Action() Action       { return ActionEnded }

func (Play) command()        {}
func (Pause) command()       {}
func (Seek) command()        {}
func (TrackChange) command() {}
func (Enqueue) command()     {}
func (Skip) command()        {}
func (Ended) command()       {}

// TrackRef returns the id of the catalog track a command needs resolved
// before it can be applied.
func TrackRef(cmd Command) (string, bool) {
	switch c := cmd.(type) {
	case TrackChange:
		return c.TrackId, true
	case Enqueue:
		return c.TrackId, true
	default:
		return "", false
	}
}

// At is a helper for building Play and Pause commands with a position.
func At(seconds float64) *float64 {
	return &seconds
}
