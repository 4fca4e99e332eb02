package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/npezzotti/go-jam/internal/types"
)

// Player is the local media engine a session keeps in line with the room.
type Player interface {
	Load(url string) error
	Play() error
	Pause() error
	Seek(seconds float64) error
	CurrentTime() float64
	Duration() float64
	// Ended receives a value whenever the loaded track plays to its end.
	Ended() <-chan struct{}
}

var ErrGestureRequired = fmt.Errorf("%w: playback requires a user gesture", types.ErrPlayback)

// ClockPlayer is a Player without audio output. Its position advances with
// the wall clock while playing, which makes it useful for headless
// listeners and tests.
type ClockPlayer struct {
	mu       sync.Mutex
	clock    func() time.Time
	url      string
	playing  bool
	pos      float64
	since    time.Time
	duration float64
	// Durations maps media urls to their length in seconds. Tracks not in
	// the map have an unknown duration and never end on their own.
	Durations map[string]float64
	// RequireGesture makes Play fail until AllowPlayback is called.
	RequireGesture bool
	ended          chan struct{}
	endTimer       *time.Timer
	timerGen       int
}

func NewClockPlayer() *ClockPlayer {
	return &ClockPlayer{
		clock:     time.Now,
		Durations: make(map[string]float64),
		ended:     make(chan struct{}, 1),
	}
}

func (p *ClockPlayer) Load(url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if url == "" {
		return fmt.Errorf("%w: empty media url", types.ErrPlayback)
	}

	p.stopTimer()
	p.url = url
	p.playing = false
	p.pos = 0
	p.duration = p.Durations[url]
	return nil
}

func (p *ClockPlayer) Play() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.url == "" {
		return fmt.Errorf("%w: nothing loaded", types.ErrPlayback)
	}
	if p.RequireGesture {
		return ErrGestureRequired
	}
	if p.playing {
		return nil
	}

	p.playing = true
	p.since = p.clock()
	p.armTimer()
	return nil
}

func (p *ClockPlayer) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pos = p.position()
	p.playing = false
	p.stopTimer()
	return nil
}

func (p *ClockPlayer) Seek(seconds float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.url == "" {
		return fmt.Errorf("%w: nothing loaded", types.ErrPlayback)
	}
	if seconds < 0 {
		seconds = 0
	}
	if p.duration > 0 && seconds > p.duration {
		seconds = p.duration
	}

	p.pos = seconds
	p.since = p.clock()
	if p.playing {
		p.stopTimer()
		p.armTimer()
	}
	return nil
}

func (p *ClockPlayer) CurrentTime() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.position()
}

func (p *ClockPlayer) Duration() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.duration
}

func (p *ClockPlayer) Ended() <-chan struct{} {
	return p.ended
}

// Playing reports whether the player is currently playing.
func (p *ClockPlayer) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

// URL returns the loaded media url.
func (p *ClockPlayer) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

// AllowPlayback simulates the user gesture a browser asks for.
func (p *ClockPlayer) AllowPlayback() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.RequireGesture = false
}

func (p *ClockPlayer) position() float64 {
	pos := p.pos
	if p.playing {
		pos += p.clock().Sub(p.since).Seconds()
	}
	if p.duration > 0 && pos > p.duration {
		pos = p.duration
	}
	return pos
}

func (p *ClockPlayer) armTimer() {
	if p.duration <= 0 {
		return
	}

	p.timerGen++
	gen := p.timerGen
	remaining := time.Duration((p.duration - p.position()) * float64(time.Second))
	p.endTimer = time.AfterFunc(max(remaining, 0), func() { p.finish(gen) })
}

func (p *ClockPlayer) stopTimer() {
	p.timerGen++
	if p.endTimer != nil {
		p.endTimer.Stop()
		p.endTimer = nil
	}
}

func (p *ClockPlayer) finish(gen int) {
	p.mu.Lock()
	if !p.playing || gen != p.timerGen {
		p.mu.Unlock()
		return
	}
	p.pos = p.duration
	p.playing = false
	p.endTimer = nil
	p.mu.Unlock()

	select {
	case p.ended <- struct{}{}:
	default:
	}
}
