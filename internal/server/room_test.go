package server

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/npezzotti/go-jam/internal/database"
	"github.com/npezzotti/go-jam/internal/playback"
	"github.com/npezzotti/go-jam/internal/protocol"
	"github.com/npezzotti/go-jam/internal/stats"
	"github.com/npezzotti/go-jam/internal/testutil"
	"github.com/npezzotti/go-jam/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func newTestStats() *stats.MockStatsUpdater {
	st := &stats.MockStatsUpdater{}
	st.On("RegisterMetric", mock.Anything).Maybe()
	st.On("RegisterCounter", mock.Anything).Maybe()
	st.On("Incr", mock.Anything).Maybe()
	st.On("Decr", mock.Anything).Maybe()
	return st
}

func newTestCatalog(t *testing.T, tracks ...database.UpsertTrackParams) *database.MemTrackRepository {
	repo := database.NewMemTrackRepository()
	for _, tr := range tracks {
		_, err := repo.UpsertTrack(tr)
		assert.NoError(t, err, "failed to seed track %q", tr.Id)
	}
	return repo
}

func newTestCoordinator(t *testing.T, tracks database.TrackRepository, opts Options) *Coordinator {
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = time.Hour
	}
	if opts.IdleRoomTimeout == 0 {
		opts.IdleRoomTimeout = time.Hour
	}
	if tracks == nil {
		tracks = database.NewMemTrackRepository()
	}

	c := NewCoordinator(testutil.TestLogger(t), tracks, newTestStats(), opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		c.Shutdown(ctx)
	})
	return c
}

func newTestClient(c *Coordinator, id, username string) *Client {
	return &Client{
		coord:       c,
		log:         c.log,
		participant: types.Participant{Id: id, Username: username},
		send:        make(chan *protocol.ServerMessage, 256),
		rooms:       make(map[string]*Room),
		stop:        make(chan struct{}),
	}
}

func nextMessage(t *testing.T, cl *Client) *protocol.ServerMessage {
	t.Helper()
	select {
	case msg := <-cl.send:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a message to %q", cl.participant.Username)
		return nil
	}
}

// waitFor discards messages to cl until one matches.
func waitFor(t *testing.T, cl *Client, match func(*protocol.ServerMessage) bool) *protocol.ServerMessage {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-cl.send:
			if match(msg) {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for a matching message to %q", cl.participant.Username)
			return nil
		}
	}
}

func assertNoMessage(t *testing.T, cl *Client) {
	t.Helper()
	select {
	case msg := <-cl.send:
		t.Errorf("expected no message to %q, got %+v", cl.participant.Username, msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func joinRoom(t *testing.T, cl *Client, roomId string) protocol.JoinResult {
	t.Helper()
	cl.dispatch(&clientMsg{
		ClientMessage: &protocol.ClientMessage{BaseMessage: protocol.BaseMessage{Id: 1}, Join: &protocol.Join{RoomId: roomId}},
		client:        cl,
	})

	msg := waitFor(t, cl, func(m *protocol.ServerMessage) bool { return m.Response != nil || m.Error != nil })
	if !assert.NotNil(t, msg.Response, "expected join response, got %+v", msg.Error) {
		t.FailNow()
	}
	assert.Equal(t, http.StatusOK, msg.Response.ResponseCode)

	res, ok := msg.Response.Data.(protocol.JoinResult)
	assert.True(t, ok, "expected join result data")
	return res
}

func sendControl(cl *Client, id int, roomId string, cmd playback.Command) {
	cl.dispatch(&clientMsg{
		ClientMessage: &protocol.ClientMessage{
			BaseMessage: protocol.BaseMessage{Id: id},
			Control:     protocol.NewPlaybackControl(roomId, cmd),
		},
		client: cl,
	})
}

func isState(msg *protocol.ServerMessage) bool {
	return msg.State != nil && msg.Response == nil && msg.Error == nil
}

func isControl(msg *protocol.ServerMessage) bool {
	return msg.Control != nil && msg.State != nil
}

// setupJam creates a room with host A and guest B and drains the join traffic.
func setupJam(t *testing.T, c *Coordinator) (string, *Client, *Client) {
	t.Helper()
	roomId, err := c.CreateRoom()
	assert.NoError(t, err)

	host := newTestClient(c, "a", "alice")
	guest := newTestClient(c, "b", "bob")

	res := joinRoom(t, host, roomId)
	assert.Equal(t, types.RoleHost, res.Participant.Role)
	assert.Equal(t, "a", res.State.HostId)

	res = joinRoom(t, guest, roomId)
	assert.Equal(t, types.RoleGuest, res.Participant.Role)
	assert.Len(t, res.State.Participants, 2)

	joined := waitFor(t, host, func(m *protocol.ServerMessage) bool { return m.Joined != nil })
	assert.Equal(t, "b", joined.Joined.Participant.Id)
	assert.Len(t, joined.State.Participants, 2, "roster delta must carry the resulting roster")

	return roomId, host, guest
}

var testTracks = []database.UpsertTrackParams{
	{Id: "42", Title: "Answer", Artist: "Deep Thought", MediaUrl: "https://cdn.example/42.mp3", DurationSeconds: 240},
	{Id: "43", Title: "Question", Artist: "Deep Thought", MediaUrl: "https://cdn.example/43.mp3", DurationSeconds: 180},
}

func TestRoom_playbackScenarios(t *testing.T) {
	c := newTestCoordinator(t, newTestCatalog(t, testTracks...), Options{MaxParticipants: 10})
	roomId, host, guest := setupJam(t, c)

	t.Run("host changes track", func(t *testing.T) {
		sendControl(host, 2, roomId, playback.TrackChange{TrackId: "42"})

		ack := nextMessage(t, host)
		assert.NotNil(t, ack.Response)
		assert.Equal(t, http.StatusAccepted, ack.Response.ResponseCode)

		for _, cl := range []*Client{host, guest} {
			msg := nextMessage(t, cl)
			if !assert.True(t, isControl(msg), "expected state broadcast to %q", cl.participant.Username) {
				continue
			}
			assert.Equal(t, "42", msg.State.CurrentTrack.Id)
			assert.False(t, msg.State.IsPlaying)
			assert.Equal(t, 0.0, msg.State.PositionSeconds)
			assert.Equal(t, "a", msg.Control.IssuerId)
			assert.Equal(t, playback.TrackChange{TrackId: "42"}, msg.Control.Command)
		}
	})

	t.Run("host plays", func(t *testing.T) {
		sendControl(host, 3, roomId, playback.Play{At: playback.At(0)})
		nextMessage(t, host) // ack

		for _, cl := range []*Client{host, guest} {
			msg := nextMessage(t, cl)
			assert.True(t, msg.State.IsPlaying)
			assert.InDelta(t, 0, msg.State.PositionAt(time.Now()), 0.5)
		}
	})

	t.Run("guest pause is rejected", func(t *testing.T) {
		before, err := c.Snapshot(context.Background(), roomId)
		assert.NoError(t, err)

		sendControl(guest, 4, roomId, playback.Pause{})

		msg := nextMessage(t, guest)
		if assert.NotNil(t, msg.Error, "expected guest to receive an error") {
			assert.Equal(t, http.StatusForbidden, msg.Error.Code)
			assert.Equal(t, 4, msg.Id)
		}
		assertNoMessage(t, host)

		after, err := c.Snapshot(context.Background(), roomId)
		assert.NoError(t, err)
		assert.Equal(t, before, after, "expected state to be unchanged")
	})

	t.Run("unknown track is not found", func(t *testing.T) {
		sendControl(host, 5, roomId, playback.Enqueue{TrackId: "nope"})

		msg := nextMessage(t, host)
		if assert.NotNil(t, msg.Error) {
			assert.Equal(t, http.StatusNotFound, msg.Error.Code)
		}
		assertNoMessage(t, guest)
	})

	t.Run("stale ended is ignored", func(t *testing.T) {
		sendControl(host, 6, roomId, playback.Ended{TrackId: "43"})

		msg := nextMessage(t, host)
		assert.NotNil(t, msg.Response)
		assertNoMessage(t, guest)
	})

	t.Run("sync answers only the caller", func(t *testing.T) {
		guest.dispatch(&clientMsg{
			ClientMessage: &protocol.ClientMessage{BaseMessage: protocol.BaseMessage{Id: 7}, Sync: &protocol.Sync{RoomId: roomId}},
			client:        guest,
		})

		msg := nextMessage(t, guest)
		assert.Equal(t, 7, msg.Id)
		if assert.NotNil(t, msg.State) {
			assert.Equal(t, "42", msg.State.CurrentTrack.Id)
		}
		assertNoMessage(t, host)
	})
}

func TestRoom_hostDisconnectPromotesGuest(t *testing.T) {
	c := newTestCoordinator(t, nil, Options{})
	roomId, host, guest := setupJam(t, c)

	host.leaveAllRooms()

	msg := waitFor(t, guest, func(m *protocol.ServerMessage) bool { return m.Left != nil })
	assert.Equal(t, "a", msg.Left.Participant.Id)
	assert.False(t, msg.Left.Kicked)
	assert.Equal(t, "b", msg.State.HostId)
	if assert.Len(t, msg.State.Participants, 1) {
		assert.Equal(t, types.RoleHost, msg.State.Participants[0].Role)
	}
	assert.Nil(t, host.getRoom(roomId))

	// the promoted guest may now control playback
	sendControl(guest, 2, roomId, playback.Pause{})
	ack := nextMessage(t, guest)
	assert.NotNil(t, ack.Response)
}

func TestRoom_leaveAndRejoinWithinGrace(t *testing.T) {
	c := newTestCoordinator(t, newTestCatalog(t, testTracks...), Options{})
	roomId, host, guest := setupJam(t, c)

	sendControl(host, 2, roomId, playback.TrackChange{TrackId: "43"})
	waitFor(t, guest, isControl)

	host.leaveAllRooms()
	waitFor(t, guest, func(m *protocol.ServerMessage) bool { return m.Left != nil })
	guest.leaveAllRooms()

	assert.Eventually(t, func() bool {
		st, err := c.Snapshot(context.Background(), roomId)
		return err == nil && len(st.Participants) == 0
	}, time.Second, 10*time.Millisecond)

	res := joinRoom(t, guest, roomId)
	assert.Equal(t, types.RoleHost, res.Participant.Role, "first joiner of an empty room becomes host")
	if assert.NotNil(t, res.State.CurrentTrack) {
		assert.Equal(t, "43", res.State.CurrentTrack.Id, "expected the timeline to survive the grace period")
	}
}

func TestRoom_capacity(t *testing.T) {
	c := newTestCoordinator(t, nil, Options{MaxParticipants: 1})
	roomId, err := c.CreateRoom()
	assert.NoError(t, err)

	joinRoom(t, newTestClient(c, "a", "alice"), roomId)

	late := newTestClient(c, "b", "bob")
	late.dispatch(&clientMsg{
		ClientMessage: &protocol.ClientMessage{BaseMessage: protocol.BaseMessage{Id: 1}, Join: &protocol.Join{RoomId: roomId}},
		client:        late,
	})

	msg := nextMessage(t, late)
	if assert.NotNil(t, msg.Error) {
		assert.Equal(t, http.StatusConflict, msg.Error.Code)
	}
	assert.Nil(t, late.getRoom(roomId))
}

func TestRoom_joinUnknownRoom(t *testing.T) {
	c := newTestCoordinator(t, nil, Options{})
	cl := newTestClient(c, "a", "alice")

	cl.dispatch(&clientMsg{
		ClientMessage: &protocol.ClientMessage{BaseMessage: protocol.BaseMessage{Id: 9}, Join: &protocol.Join{RoomId: "missing"}},
		client:        cl,
	})

	msg := nextMessage(t, cl)
	if assert.NotNil(t, msg.Error) {
		assert.Equal(t, http.StatusNotFound, msg.Error.Code)
		assert.Equal(t, 9, msg.Id)
	}
}

func TestRoom_duplicateConnectionReplacesOld(t *testing.T) {
	c := newTestCoordinator(t, nil, Options{})
	roomId, err := c.CreateRoom()
	assert.NoError(t, err)

	first := newTestClient(c, "a", "alice")
	joinRoom(t, first, roomId)

	second := newTestClient(c, "a", "alice")
	res := joinRoom(t, second, roomId)
	assert.Equal(t, types.RoleHost, res.Participant.Role)
	assert.Len(t, res.State.Participants, 1, "expected no duplicate roster entry")

	msg := nextMessage(t, first)
	if assert.NotNil(t, msg.Error) {
		assert.Equal(t, http.StatusServiceUnavailable, msg.Error.Code)
	}
	assert.Nil(t, first.getRoom(roomId))

	// a leave from the replaced connection must not drop the participant
	first.dispatch(&clientMsg{
		ClientMessage: &protocol.ClientMessage{Leave: &protocol.Leave{RoomId: roomId}},
		client:        first,
	})
	st, err := c.Snapshot(context.Background(), roomId)
	assert.NoError(t, err)
	assert.Len(t, st.Participants, 1)
}

func TestRoom_kick(t *testing.T) {
	c := newTestCoordinator(t, nil, Options{})
	roomId, host, guest := setupJam(t, c)

	t.Run("guest cannot kick", func(t *testing.T) {
		guest.dispatch(&clientMsg{
			ClientMessage: &protocol.ClientMessage{
				BaseMessage: protocol.BaseMessage{Id: 2},
				Kick:        &protocol.Kick{RoomId: roomId, ParticipantId: "a"},
			},
			client: guest,
		})

		msg := nextMessage(t, guest)
		if assert.NotNil(t, msg.Error) {
			assert.Equal(t, http.StatusForbidden, msg.Error.Code)
		}
		assert.ErrorIs(t, c.KickParticipant(context.Background(), roomId, "b", "a"), types.ErrUnauthorized)
	})

	t.Run("unknown target", func(t *testing.T) {
		err := c.KickParticipant(context.Background(), roomId, "a", "zed")
		assert.ErrorIs(t, err, types.ErrNotFound)
	})

	t.Run("host kicks guest", func(t *testing.T) {
		err := c.KickParticipant(context.Background(), roomId, "a", "b")
		assert.NoError(t, err)

		msg := waitFor(t, guest, func(m *protocol.ServerMessage) bool { return m.Left != nil })
		assert.True(t, msg.Left.Kicked)
		assert.Equal(t, "b", msg.Left.Participant.Id)

		select {
		case <-guest.stop:
		default:
			t.Error("expected kicked client to be stopped")
		}

		msg = waitFor(t, host, func(m *protocol.ServerMessage) bool { return m.Left != nil })
		assert.True(t, msg.Left.Kicked)
		assert.Len(t, msg.State.Participants, 1)
	})
}

func TestRoom_close(t *testing.T) {
	c := newTestCoordinator(t, nil, Options{})
	roomId, host, guest := setupJam(t, c)

	err := c.CloseRoom(context.Background(), roomId, "b")
	assert.ErrorIs(t, err, types.ErrUnauthorized)

	err = c.CloseRoom(context.Background(), roomId, "a")
	assert.NoError(t, err)

	for _, cl := range []*Client{host, guest} {
		msg := waitFor(t, cl, func(m *protocol.ServerMessage) bool { return m.Closed != nil })
		assert.Equal(t, roomId, msg.Closed.RoomId)
		assert.Nil(t, cl.getRoom(roomId))
	}

	_, err = c.Snapshot(context.Background(), roomId)
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.ErrorIs(t, c.CloseRoom(context.Background(), roomId, "a"), types.ErrNotFound)
}

func TestRoom_idleTimeout(t *testing.T) {
	c := newTestCoordinator(t, nil, Options{IdleRoomTimeout: 20 * time.Millisecond})

	roomId, err := c.CreateRoom()
	assert.NoError(t, err)

	assert.Eventually(t, func() bool { return c.room(roomId) == nil }, time.Second, 10*time.Millisecond,
		"expected never-joined room to be unloaded")
}

func TestRoom_heartbeatAdvancesFinishedTrack(t *testing.T) {
	catalog := newTestCatalog(t,
		database.UpsertTrackParams{Id: "short", MediaUrl: "https://cdn.example/short.mp3", DurationSeconds: 0.05},
		database.UpsertTrackParams{Id: "next", MediaUrl: "https://cdn.example/next.mp3", DurationSeconds: 300},
	)
	c := newTestCoordinator(t, catalog, Options{HeartbeatInterval: 20 * time.Millisecond})
	roomId, host, guest := setupJam(t, c)

	sendControl(host, 2, roomId, playback.TrackChange{TrackId: "short"})
	sendControl(host, 3, roomId, playback.Enqueue{TrackId: "next"})
	sendControl(host, 4, roomId, playback.Play{})

	msg := waitFor(t, guest, func(m *protocol.ServerMessage) bool {
		return m.State != nil && m.State.CurrentTrack != nil && m.State.CurrentTrack.Id == "next"
	})
	assert.True(t, msg.State.IsPlaying)
	assert.Empty(t, msg.State.Queue)
	if assert.NotNil(t, msg.Control) {
		assert.Equal(t, playback.Ended{TrackId: "short"}, msg.Control.Command)
	}

	// plain heartbeats keep the version and move the timestamp forward
	hb := waitFor(t, guest, func(m *protocol.ServerMessage) bool { return isState(m) && m.Control == nil })
	assert.Equal(t, msg.State.Version, hb.State.Version)
	assert.True(t, hb.State.LastUpdateTimestamp.After(msg.State.LastUpdateTimestamp))
}

func TestRoom_concurrentCommandsAreSerialized(t *testing.T) {
	const n = 40

	c := newTestCoordinator(t, newTestCatalog(t, testTracks...), Options{})
	roomId, host, guest := setupJam(t, c)

	others := make([]*Client, 3)
	for i := range others {
		others[i] = newTestClient(c, string(rune('c'+i)), "guest")
		joinRoom(t, others[i], roomId)
	}

	sendControl(host, 2, roomId, playback.TrackChange{TrackId: "42"})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := range n {
			sendControl(host, 100+i, roomId, playback.Seek{Time: float64(i)})
		}
	}()
	for _, g := range others {
		wg.Add(1)
		go func(g *Client) {
			defer wg.Done()
			for i := range n {
				sendControl(g, 100+i, roomId, playback.Play{})
			}
		}(g)
	}
	wg.Wait()

	st, err := c.Snapshot(context.Background(), roomId)
	assert.NoError(t, err)
	assert.Equal(t, int64(n+1), st.Version, "expected exactly the host's commands to be applied")
	assert.False(t, st.IsPlaying, "guest commands must never take effect")
	assert.Equal(t, float64(n-1), st.PositionSeconds)

	// the observer sees every applied state exactly once, in order
	var last types.RoomState
	for range n + 1 {
		msg := waitFor(t, guest, isControl)
		assert.Equal(t, last.Version+1, msg.State.Version)
		assert.True(t, msg.State.LastUpdateTimestamp.After(last.LastUpdateTimestamp))
		last = *msg.State
	}
}

func TestRoom_roomStopped(t *testing.T) {
	c := newTestCoordinator(t, nil, Options{})
	roomId, err := c.CreateRoom()
	assert.NoError(t, err)

	r := c.room(roomId)
	close(r.exit)
	<-r.done
	assert.Nil(t, c.room(roomId), "expected stopped room to be unloaded")

	cl := newTestClient(c, "a", "alice")
	assert.False(t, r.send(r.joinChan, &clientMsg{client: cl}))

	_, err = r.snapshot(context.Background())
	assert.ErrorIs(t, err, types.ErrNotFound)
}
