package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/npezzotti/go-jam/internal/playback"
	"github.com/npezzotti/go-jam/internal/protocol"
	"github.com/npezzotti/go-jam/internal/types"
)

type Options struct {
	// JoinTimeout bounds the wait for the join acknowledgment.
	JoinTimeout time.Duration
	// EchoTimeout is how long a command may go without its broadcast
	// before a full snapshot is requested.
	EchoTimeout time.Duration
	// DriftTolerance is the largest position error, in seconds, left
	// uncorrected.
	DriftTolerance float64
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (o Options) withDefaults() Options {
	if o.JoinTimeout <= 0 {
		o.JoinTimeout = 5 * time.Second
	}
	if o.EchoTimeout <= 0 {
		o.EchoTimeout = 3 * time.Second
	}
	if o.DriftTolerance <= 0 {
		o.DriftTolerance = 1
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 250 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 5 * time.Second
	}
	return o
}

type EventKind string

const (
	EventState         EventKind = "state"
	EventJoined        EventKind = "participant-joined"
	EventLeft          EventKind = "participant-left"
	EventKicked        EventKind = "kicked"
	EventClosed        EventKind = "closed"
	EventPlaybackError EventKind = "playback-error"
	EventReconnecting  EventKind = "reconnecting"
	EventReconnected   EventKind = "reconnected"
	EventError         EventKind = "error"
)

// Event is a notification for the presentation layer.
type Event struct {
	Kind        EventKind
	State       types.RoomState
	Participant types.Participant
	Err         error
}

// Session mirrors one room on the client side and keeps a local Player in
// line with it. The mirror is never authoritative: every broadcast from
// the coordinator replaces it.
type Session struct {
	log    *log.Logger
	dial   Dialer
	player Player
	roomId string
	opts   Options
	clock  func() time.Time

	mu        sync.Mutex
	conn      Conn
	self      types.Participant
	mirror    types.RoomState
	joined    bool
	closed    bool
	outOfSync bool
	loadedUrl string
	nextId    int
	joinId    int
	pending   map[int]chan *protocol.ServerMessage
	echoTimer *time.Timer

	writeLock sync.Mutex
	events    chan Event
	cancel    context.CancelFunc
	done      chan struct{}
	watching  chan struct{}
}

func New(logger *log.Logger, dial Dialer, player Player, roomId string, opts Options) *Session {
	return &Session{
		log:      logger,
		dial:     dial,
		player:   player,
		roomId:   roomId,
		opts:     opts.withDefaults(),
		clock:    time.Now,
		pending:  make(map[int]chan *protocol.ServerMessage),
		events:   make(chan Event, 64),
		done:     make(chan struct{}),
		watching: make(chan struct{}),
	}
}

// Events delivers notifications for the presentation layer. Events are
// dropped when the channel is not drained.
func (s *Session) Events() <-chan Event {
	return s.events
}

// State returns a copy of the mirrored room state.
func (s *Session) State() types.RoomState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mirror.Clone()
}

// Self returns the local participant as last seen in the room.
func (s *Session) Self() types.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self
}

func (s *Session) IsHost() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joined && s.self.Id != "" && s.self.Id == s.mirror.HostId
}

// OutOfSync reports whether the local player could not follow the room.
func (s *Session) OutOfSync() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outOfSync
}

// Connect opens the channel, joins the room and brings the local player
// to the room's current position. On success the session keeps itself
// connected until Disconnect is called.
func (s *Session) Connect(ctx context.Context) error {
	connDone, err := s.establish(ctx)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	go s.run(runCtx, cancel, connDone)
	go s.watchEnded(runCtx)

	return nil
}

// establish dials and joins. The returned channel is closed when the new
// connection drops.
func (s *Session) establish(ctx context.Context) (<-chan struct{}, error) {
	conn, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.conn = conn
	s.nextId++
	s.joinId = s.nextId
	joinId := s.joinId
	ch := make(chan *protocol.ServerMessage, 1)
	s.pending[joinId] = ch
	s.mu.Unlock()

	connDone := make(chan struct{})
	go s.readLoop(conn, connDone)

	err = s.write(&protocol.ClientMessage{
		BaseMessage: protocol.BaseMessage{Id: joinId, Timestamp: protocol.Now()},
		Join:        &protocol.Join{RoomId: s.roomId},
	})
	if err == nil {
		err = s.await(ctx, joinId, ch, s.opts.JoinTimeout)
	}
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("join room %q: %w", s.roomId, err)
	}

	return connDone, nil
}

func (s *Session) await(ctx context.Context, id int, ch chan *protocol.ServerMessage, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	select {
	case msg := <-ch:
		if msg.Error != nil {
			return msg.Error.Err()
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: no acknowledgment within %s", types.ErrConnection, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) readLoop(conn Conn, connDone chan struct{}) {
	defer close(connDone)

	for {
		var msg protocol.ServerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				s.log.Printf("room %q: read: %v", s.roomId, err)
			}
			return
		}

		s.handle(&msg)
	}
}

func (s *Session) handle(msg *protocol.ServerMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, awaited := s.pending[msg.Id]
	if awaited && msg.Id == s.joinId && msg.Response != nil {
		var res protocol.JoinResult
		if err := msg.Response.DecodeData(&res); err != nil {
			s.log.Printf("room %q: bad join result: %v", s.roomId, err)
			msg = protocol.ErrMessage(msg.Id, fmt.Errorf("%w: bad join result", types.ErrInvalid))
		} else {
			s.adopt(res)
		}
	}

	if awaited && (msg.Response != nil || msg.Error != nil) {
		ch := s.pending[msg.Id]
		delete(s.pending, msg.Id)
		ch <- msg
		return
	}

	switch {
	case msg.Closed != nil:
		s.joined = false
		s.closed = true
		s.emit(Event{Kind: EventClosed, State: s.mirror.Clone(), Err: fmt.Errorf("%w: %s", types.ErrRoomClosed, msg.Closed.Reason)})
		s.player.Pause()
		go s.closeConn()
		return
	case msg.Left != nil && msg.Left.Participant.Id == s.self.Id:
		s.joined = false
		s.closed = true
		s.emit(Event{Kind: EventKicked, Participant: msg.Left.Participant})
		s.player.Pause()
		go s.closeConn()
		return
	case msg.Error != nil:
		s.emit(Event{Kind: EventError, Err: msg.Error.Err()})
	}

	if msg.State != nil {
		s.onBroadcast(*msg.State)
	}
	if msg.Joined != nil {
		s.emit(Event{Kind: EventJoined, Participant: msg.Joined.Participant, State: s.mirror.Clone()})
	}
	if msg.Left != nil {
		s.emit(Event{Kind: EventLeft, Participant: msg.Left.Participant, State: s.mirror.Clone()})
	}
}

// adopt installs a join snapshot. It is authoritative regardless of its
// version, since anything the mirror held may be stale after a reconnect.
func (s *Session) adopt(res protocol.JoinResult) {
	s.self = res.Participant
	s.mirror = res.State.Clone()
	s.joined = true
	s.reconcile(s.mirror)
	s.emit(Event{Kind: EventState, State: s.mirror.Clone()})
}

// onBroadcast replaces the mirror with st unless st is older than it.
// Applying the same state twice leaves the player where the first
// application put it.
func (s *Session) onBroadcast(st types.RoomState) {
	if st.RoomId != s.roomId || !s.joined {
		return
	}
	if st.Version < s.mirror.Version {
		return
	}

	s.mirror = st.Clone()
	if p, ok := st.Participant(s.self.Id); ok {
		s.self = p
	}

	s.reconcile(s.mirror)
	s.emit(Event{Kind: EventState, State: s.mirror.Clone()})
}

// reconcile moves the local player to target. A player that refuses to
// play is paused and the session is flagged out of sync; the mirror is
// left untouched so a later heartbeat or Resume can retry.
func (s *Session) reconcile(target types.RoomState) {
	if target.CurrentTrack == nil {
		s.player.Pause()
		return
	}

	if url := target.CurrentTrack.MediaUrl; url != s.loadedUrl {
		if err := s.player.Load(url); err != nil {
			s.playbackFailed(err)
			return
		}
		s.loadedUrl = url
	}

	pos := target.PositionAt(s.clock())
	if math.Abs(s.player.CurrentTime()-pos) > s.opts.DriftTolerance {
		if err := s.player.Seek(pos); err != nil {
			s.playbackFailed(err)
			return
		}
	}

	if !target.IsPlaying {
		s.player.Pause()
		s.outOfSync = false
		return
	}

	if err := s.player.Play(); err != nil {
		s.playbackFailed(err)
		return
	}
	s.outOfSync = false
}

func (s *Session) playbackFailed(err error) {
	s.player.Pause()
	if !errors.Is(err, types.ErrPlayback) {
		err = fmt.Errorf("%w: %v", types.ErrPlayback, err)
	}

	if !s.outOfSync {
		s.log.Printf("room %q: local playback failed: %v", s.roomId, err)
		s.emit(Event{Kind: EventPlaybackError, State: s.mirror.Clone(), Err: err})
	}
	s.outOfSync = true
}

// Resume retries reconciliation, typically after the user interacted
// with the page.
func (s *Session) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.outOfSync = false
	s.reconcile(s.mirror)
	if s.outOfSync {
		return fmt.Errorf("%w: player is still out of sync", types.ErrPlayback)
	}
	return nil
}

// SendCommand submits a playback command. The local player follows the
// predicted outcome immediately; the coordinator's broadcast then
// overwrites it. Only the host may send commands.
func (s *Session) SendCommand(ctx context.Context, cmd playback.Command) error {
	s.mu.Lock()
	if !s.joined {
		s.mu.Unlock()
		return fmt.Errorf("%w: not joined to room %q", types.ErrConnection, s.roomId)
	}
	if s.self.Id != s.mirror.HostId {
		s.mu.Unlock()
		return fmt.Errorf("%w: only the host may control playback", types.ErrUnauthorized)
	}

	// a command that leaves the state untouched is acked without a broadcast
	noop := false
	if predicted, changed, err := playback.Apply(s.mirror, cmd, s.localTrack(cmd), s.clock()); err == nil {
		if changed {
			s.reconcile(predicted)
		} else {
			noop = true
		}
	}

	s.nextId++
	id := s.nextId
	expected := s.mirror.Version + 1
	ch := make(chan *protocol.ServerMessage, 1)
	s.pending[id] = ch
	s.mu.Unlock()

	err := s.write(&protocol.ClientMessage{
		BaseMessage: protocol.BaseMessage{Id: id, Timestamp: protocol.Now()},
		Control:     protocol.NewPlaybackControl(s.roomId, cmd),
	})
	if err == nil {
		err = s.await(ctx, id, ch, s.opts.JoinTimeout)
	}
	if err != nil {
		// undo the prediction
		s.mu.Lock()
		s.reconcile(s.mirror)
		s.mu.Unlock()
		return err
	}

	if !noop {
		s.armEcho(expected)
	}
	return nil
}

// localTrack finds the track a command refers to among what the mirror
// already knows. Unknown tracks are not predicted.
func (s *Session) localTrack(cmd playback.Command) *types.Track {
	id, ok := playback.TrackRef(cmd)
	if !ok {
		return nil
	}
	for _, t := range s.mirror.Queue {
		if t.Id == id {
			return &t
		}
	}
	if s.mirror.CurrentTrack != nil && s.mirror.CurrentTrack.Id == id {
		t := *s.mirror.CurrentTrack
		return &t
	}
	return nil
}

func (s *Session) armEcho(expected int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.echoTimer != nil {
		s.echoTimer.Stop()
	}
	s.echoTimer = time.AfterFunc(s.opts.EchoTimeout, func() {
		s.mu.Lock()
		missing := s.joined && s.mirror.Version < expected
		s.mu.Unlock()

		if missing {
			s.log.Printf("room %q: no broadcast for version %d, resyncing", s.roomId, expected)
			if err := s.RequestSync(); err != nil {
				s.log.Printf("room %q: resync: %v", s.roomId, err)
			}
		}
	})
}

// RequestSync asks the coordinator for a full snapshot.
func (s *Session) RequestSync() error {
	s.mu.Lock()
	s.nextId++
	id := s.nextId
	s.mu.Unlock()

	return s.write(&protocol.ClientMessage{
		BaseMessage: protocol.BaseMessage{Id: id, Timestamp: protocol.Now()},
		Sync:        &protocol.Sync{RoomId: s.roomId},
	})
}

func (s *Session) write(msg *protocol.ClientMessage) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("%w: not connected", types.ErrConnection)
	}

	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("%w: write: %v", types.ErrConnection, err)
	}
	return nil
}

// run reconnects whenever the current connection drops, until the session
// is closed. Returning cancels ctx, which stops the track end watcher.
func (s *Session) run(ctx context.Context, cancel context.CancelFunc, connDone <-chan struct{}) {
	defer close(s.done)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case <-connDone:
		}

		s.mu.Lock()
		s.joined = false
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}

		s.emit(Event{Kind: EventReconnecting, Err: types.ErrConnection})
		connDone = s.reconnect(ctx)
		if connDone == nil {
			return
		}
		s.emit(Event{Kind: EventReconnected, State: s.State()})
	}
}

func (s *Session) reconnect(ctx context.Context) <-chan struct{} {
	backoff := s.opts.InitialBackoff
	for {
		connDone, err := s.establish(ctx)
		if err == nil {
			return connDone
		}

		s.log.Printf("room %q: reconnect failed: %v", s.roomId, err)
		if errors.Is(err, types.ErrNotFound) || errors.Is(err, types.ErrRoomClosed) {
			s.mu.Lock()
			s.closed = true
			s.mu.Unlock()
			s.emit(Event{Kind: EventClosed, Err: err})
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		if backoff < s.opts.MaxBackoff {
			backoff = min(backoff*2, s.opts.MaxBackoff)
		}
	}
}

// watchEnded reports the end of the local track to the room while this
// session is the host.
func (s *Session) watchEnded(ctx context.Context) {
	defer close(s.watching)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.player.Ended():
		}

		s.mu.Lock()
		isHost := s.joined && s.self.Id == s.mirror.HostId
		track := s.mirror.CurrentTrack
		s.mu.Unlock()

		if !isHost || track == nil {
			continue
		}
		if err := s.SendCommand(ctx, playback.Ended{TrackId: track.Id}); err != nil {
			s.log.Printf("room %q: report end of %q: %v", s.roomId, track.Id, err)
		}
	}
}

// Disconnect leaves the room and closes the channel. The coordinator sees
// this as a leave.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	cancel := s.cancel
	if s.closed && cancel == nil {
		s.mu.Unlock()
		return nil
	}
	wasJoined := s.joined
	s.closed = true
	s.joined = false
	s.cancel = nil
	if s.echoTimer != nil {
		s.echoTimer.Stop()
	}
	s.mu.Unlock()

	if wasJoined {
		if err := s.write(&protocol.ClientMessage{
			BaseMessage: protocol.BaseMessage{Timestamp: protocol.Now()},
			Leave:       &protocol.Leave{RoomId: s.roomId},
		}); err != nil {
			s.log.Printf("room %q: leave: %v", s.roomId, err)
		}
	}

	s.closeConn()
	s.player.Pause()

	if cancel != nil {
		cancel()
		<-s.done
	}
	return nil
}

func (s *Session) closeConn() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.log.Printf("room %q: dropping %s event", s.roomId, ev.Kind)
	}
}
