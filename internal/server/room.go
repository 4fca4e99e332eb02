package server

import (
	"context"
	"fmt"
	"log"
	"slices"
	"time"

	"github.com/npezzotti/go-jam/internal/playback"
	"github.com/npezzotti/go-jam/internal/protocol"
	"github.com/npezzotti/go-jam/internal/types"
)

// clientMsg is a decoded client message together with the connection it
// arrived on. track is the resolved catalog entry for commands that
// reference one, looked up before the message reaches the room.
type clientMsg struct {
	*protocol.ClientMessage
	client *Client
	track  *types.Track
}

type kickReq struct {
	callerId string
	targetId string
	result   chan error
}

type closeReq struct {
	callerId string
	result   chan error
}

type snapshotReq struct {
	result chan types.RoomState
}

// Room is the single owner of a room's state. All mutations happen on the
// goroutine running start.
type Room struct {
	id    string
	c     *Coordinator
	log   *log.Logger
	state types.RoomState
	// members maps participant ids to their live connection
	members       map[string]*Client
	joinChan      chan *clientMsg
	leaveChan     chan *clientMsg
	clientMsgChan chan *clientMsg
	kickChan      chan kickReq
	closeChan     chan closeReq
	snapshotChan  chan snapshotReq
	clock         func() time.Time
	// killTimer unloads the room once it has been empty for the idle timeout
	killTimer *time.Timer
	exit      chan struct{}
	done      chan struct{}
}

func newRoom(id string, c *Coordinator) *Room {
	return &Room{
		id:  id,
		c:   c,
		log: c.log,
		state: types.RoomState{
			RoomId:       id,
			Participants: []types.Participant{},
			Queue:        []types.Track{},
		},
		members:       make(map[string]*Client),
		joinChan:      make(chan *clientMsg),
		leaveChan:     make(chan *clientMsg),
		clientMsgChan: make(chan *clientMsg),
		kickChan:      make(chan kickReq),
		closeChan:     make(chan closeReq),
		snapshotChan:  make(chan snapshotReq),
		clock:         protocol.Now,
		exit:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

func (r *Room) start() {
	r.log.Printf("starting room %q", r.id)
	r.killTimer = time.NewTimer(r.c.opts.IdleRoomTimeout)
	heartbeat := time.NewTicker(r.c.opts.HeartbeatInterval)

	defer func() {
		heartbeat.Stop()
		r.killTimer.Stop()
		close(r.done)
		r.log.Printf("room %q stopped", r.id)
	}()

	for {
		select {
		case msg := <-r.joinChan:
			r.handleJoin(msg)
		case msg := <-r.leaveChan:
			r.handleLeave(msg)
		case msg := <-r.clientMsgChan:
			if closed := r.handleClientMsg(msg); closed {
				return
			}
		case req := <-r.kickChan:
			req.result <- r.kick(req.callerId, req.targetId)
		case req := <-r.snapshotChan:
			req.result <- r.state.Clone()
		case req := <-r.closeChan:
			err := r.authorizeHost(req.callerId)
			if err == nil {
				r.close("closed by host")
			}
			req.result <- err
			if err == nil {
				return
			}
		case <-heartbeat.C:
			r.handleHeartbeat()
		case <-r.killTimer.C:
			if len(r.members) == 0 {
				r.log.Printf("room %q timed out", r.id)
				r.c.unloadRoom(r)
				return
			}
		case <-r.exit:
			r.close("server shutting down")
			return
		}
	}
}

func (r *Room) handleClientMsg(msg *clientMsg) bool {
	switch {
	case msg.Control != nil:
		r.handleControl(msg)
	case msg.Sync != nil:
		r.handleSync(msg)
	case msg.Kick != nil:
		r.handleKick(msg)
	case msg.Close != nil:
		return r.handleClose(msg)
	}
	return false
}

// now returns the timestamp for the next state change. It never goes
// backwards so broadcast states are ordered by LastUpdateTimestamp.
func (r *Room) now() time.Time {
	now := r.clock()
	if !now.After(r.state.LastUpdateTimestamp) {
		now = r.state.LastUpdateTimestamp.Add(time.Millisecond)
	}
	return now
}

func (r *Room) handleJoin(msg *clientMsg) {
	c := msg.client
	id := c.participant.Id

	if existing, ok := r.members[id]; ok {
		p, _ := r.state.Participant(id)
		if existing != c {
			// a participant has one channel per room, the newest one wins
			r.log.Printf("replacing connection of %q in room %q", c.participant.Username, r.id)
			existing.delRoom(r.id)
			existing.queueMessage(protocol.ErrMessage(0, fmt.Errorf("%w: session replaced", types.ErrConnection)))
			r.members[id] = c
			c.addRoom(r)
		}
		c.queueMessage(protocol.NoErrOK(msg.Id, protocol.JoinResult{Participant: p, State: r.state.Clone()}))
		return
	}

	if limit := r.c.opts.MaxParticipants; limit > 0 && len(r.members) >= limit {
		r.log.Printf("room %q is full, rejecting %q", r.id, c.participant.Username)
		c.queueMessage(protocol.ErrRoomFull(msg.Id))
		return
	}

	r.killTimer.Stop()

	p := c.participant
	p.JoinedAt = r.clock()
	p.Role = types.RoleGuest
	if r.state.HostId == "" {
		p.Role = types.RoleHost
		r.state.HostId = p.Id
	}

	r.members[id] = c
	r.state.Participants = append(r.state.Participants, p)
	c.addRoom(r)
	r.log.Printf("%q joined room %q as %s", p.Username, r.id, p.Role)

	c.queueMessage(protocol.NoErrOK(msg.Id, protocol.JoinResult{Participant: p, State: r.state.Clone()}))

	r.broadcastState(&protocol.ServerMessage{
		Joined: &protocol.ParticipantEvent{RoomId: r.id, Participant: p},
	}, c)
}

func (r *Room) handleLeave(msg *clientMsg) {
	c := msg.client
	if r.members[c.participant.Id] != c {
		if msg.Id > 0 {
			c.queueMessage(protocol.ErrNotJoined(msg.Id))
		}
		return
	}

	c.delRoom(r.id)
	r.removeParticipant(c.participant.Id, false)

	if msg.Id > 0 {
		c.queueMessage(protocol.NoErrOK(msg.Id, nil))
	}
}

// removeParticipant drops id from the roster, hands the host role to the
// earliest remaining joiner if needed and broadcasts the resulting state.
func (r *Room) removeParticipant(id string, kicked bool) types.Participant {
	delete(r.members, id)

	var removed types.Participant
	if idx := slices.IndexFunc(r.state.Participants, func(p types.Participant) bool { return p.Id == id }); idx >= 0 {
		removed = r.state.Participants[idx]
		r.state.Participants = slices.Delete(r.state.Participants, idx, idx+1)
	}
	r.log.Printf("%q left room %q", removed.Username, r.id)

	if r.state.HostId == id {
		r.succeedHost()
	}

	r.broadcastState(&protocol.ServerMessage{
		Left: &protocol.ParticipantEvent{RoomId: r.id, Participant: removed, Kicked: kicked},
	}, nil)

	if len(r.members) == 0 {
		r.log.Printf("no participants in %q, starting kill timer", r.id)
		r.killTimer.Reset(r.c.opts.IdleRoomTimeout)
	}

	return removed
}

func (r *Room) succeedHost() {
	r.state.HostId = ""
	if len(r.state.Participants) == 0 {
		return
	}

	// participants are kept in join order
	r.state.Participants[0].Role = types.RoleHost
	r.state.HostId = r.state.Participants[0].Id
	r.log.Printf("%q is now host of room %q", r.state.Participants[0].Username, r.id)
}

func (r *Room) authorizeHost(callerId string) error {
	if callerId == "" || callerId != r.state.HostId {
		return fmt.Errorf("room %q: %w", r.id, types.ErrUnauthorized)
	}
	return nil
}

func (r *Room) isMember(c *Client) bool {
	return r.members[c.participant.Id] == c
}

func (r *Room) handleControl(msg *clientMsg) {
	c := msg.client
	if !r.isMember(c) {
		c.queueMessage(protocol.ErrNotJoined(msg.Id))
		return
	}

	cmd := msg.Control.Command
	if err := r.authorizeHost(c.participant.Id); err != nil {
		r.log.Printf("rejected %s from non-host %q in room %q", cmd.Action(), c.participant.Username, r.id)
		r.c.stats.Incr(metricCommandsRejected)
		c.queueMessage(protocol.ErrNotAuthorized(msg.Id))
		return
	}

	next, changed, err := playback.Apply(r.state, cmd, msg.track, r.now())
	if err != nil {
		r.log.Printf("rejected %s in room %q: %v", cmd.Action(), r.id, err)
		r.c.stats.Incr(metricCommandsRejected)
		c.queueMessage(protocol.ErrMessage(msg.Id, err))
		return
	}

	c.queueMessage(protocol.NoErrAccepted(msg.Id))
	if !changed {
		return
	}

	r.state = next
	r.c.stats.Incr(metricCommandsApplied)
	r.broadcastState(&protocol.ServerMessage{
		Control: &protocol.PlaybackControl{RoomId: r.id, Command: cmd, IssuerId: c.participant.Id},
	}, nil)
}

func (r *Room) handleSync(msg *clientMsg) {
	c := msg.client
	if !r.isMember(c) {
		c.queueMessage(protocol.ErrNotJoined(msg.Id))
		return
	}

	st := r.state.Clone()
	c.queueMessage(&protocol.ServerMessage{
		BaseMessage: protocol.BaseMessage{Id: msg.Id, Timestamp: protocol.Now()},
		State:       &st,
	})
}

func (r *Room) handleKick(msg *clientMsg) {
	c := msg.client
	if !r.isMember(c) {
		c.queueMessage(protocol.ErrNotJoined(msg.Id))
		return
	}

	if err := r.kick(c.participant.Id, msg.Kick.ParticipantId); err != nil {
		c.queueMessage(protocol.ErrMessage(msg.Id, err))
		return
	}
	c.queueMessage(protocol.NoErrOK(msg.Id, nil))
}

func (r *Room) kick(callerId, targetId string) error {
	if err := r.authorizeHost(callerId); err != nil {
		r.log.Printf("rejected kick from non-host %q in room %q", callerId, r.id)
		return err
	}
	if targetId == callerId {
		return fmt.Errorf("%w: host cannot kick itself", types.ErrInvalid)
	}

	target, ok := r.members[targetId]
	if !ok {
		return fmt.Errorf("participant %q: %w", targetId, types.ErrNotFound)
	}

	target.delRoom(r.id)
	removed := r.removeParticipant(targetId, true)

	st := r.state.Clone()
	target.queueMessage(&protocol.ServerMessage{
		BaseMessage: protocol.BaseMessage{Timestamp: protocol.Now()},
		State:       &st,
		Left:        &protocol.ParticipantEvent{RoomId: r.id, Participant: removed, Kicked: true},
	})
	target.stopClient()

	return nil
}

func (r *Room) handleClose(msg *clientMsg) bool {
	c := msg.client
	if !r.isMember(c) {
		c.queueMessage(protocol.ErrNotJoined(msg.Id))
		return false
	}
	if err := r.authorizeHost(c.participant.Id); err != nil {
		c.queueMessage(protocol.ErrNotAuthorized(msg.Id))
		return false
	}

	c.queueMessage(protocol.NoErrOK(msg.Id, nil))
	r.close("closed by host")
	return true
}

// handleHeartbeat re-stamps and broadcasts the state so that clients that
// missed an event converge. A playing track that has run past its
// duration is advanced here.
func (r *Room) handleHeartbeat() {
	if len(r.members) == 0 {
		return
	}

	now := r.now()
	if playback.TrackFinished(r.state, now) {
		ended := playback.Ended{TrackId: r.state.CurrentTrack.Id}
		next, changed, err := playback.Apply(r.state, ended, nil, now)
		if err == nil && changed {
			r.log.Printf("track %q finished in room %q", ended.TrackId, r.id)
			r.state = next
			r.c.stats.Incr(metricCommandsApplied)
			r.broadcastState(&protocol.ServerMessage{
				Control: &protocol.PlaybackControl{RoomId: r.id, Command: ended},
			}, nil)
			return
		}
	}

	r.state = playback.Rebase(r.state, now)
	r.broadcastState(&protocol.ServerMessage{}, nil)
}

func (r *Room) close(reason string) {
	r.log.Printf("room %q is closing: %s", r.id, reason)
	r.c.unloadRoom(r)

	msg := &protocol.ServerMessage{
		BaseMessage: protocol.BaseMessage{Timestamp: protocol.Now()},
		Closed:      &protocol.RoomClosed{RoomId: r.id, Reason: reason},
	}
	for _, c := range r.members {
		c.delRoom(r.id)
		c.queueMessage(msg)
	}
	clear(r.members)
}

// broadcastState attaches a copy of the current state to msg and queues it
// for every member except skip.
func (r *Room) broadcastState(msg *protocol.ServerMessage, skip *Client) {
	st := r.state.Clone()
	msg.State = &st
	msg.Timestamp = protocol.Now()

	for _, p := range r.state.Participants {
		c := r.members[p.Id]
		if c == nil || c == skip {
			continue
		}
		c.queueMessage(msg)
	}
}

// send hands msg to the room loop. It reports false if the room has
// already stopped.
func (r *Room) send(ch chan *clientMsg, msg *clientMsg) bool {
	select {
	case ch <- msg:
		return true
	case <-r.done:
		return false
	}
}

func (r *Room) snapshot(ctx context.Context) (types.RoomState, error) {
	req := snapshotReq{result: make(chan types.RoomState, 1)}
	select {
	case r.snapshotChan <- req:
	case <-r.done:
		return types.RoomState{}, fmt.Errorf("room %q: %w", r.id, types.ErrNotFound)
	case <-ctx.Done():
		return types.RoomState{}, ctx.Err()
	}

	return <-req.result, nil
}

func (r *Room) requestKick(ctx context.Context, callerId, targetId string) error {
	req := kickReq{callerId: callerId, targetId: targetId, result: make(chan error, 1)}
	select {
	case r.kickChan <- req:
	case <-r.done:
		return fmt.Errorf("room %q: %w", r.id, types.ErrNotFound)
	case <-ctx.Done():
		return ctx.Err()
	}

	return <-req.result
}

func (r *Room) requestClose(ctx context.Context, callerId string) error {
	req := closeReq{callerId: callerId, result: make(chan error, 1)}
	select {
	case r.closeChan <- req:
	case <-r.done:
		return fmt.Errorf("room %q: %w", r.id, types.ErrNotFound)
	case <-ctx.Done():
		return ctx.Err()
	}

	return <-req.result
}
