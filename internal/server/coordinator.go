package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/npezzotti/go-jam/internal/database"
	"github.com/npezzotti/go-jam/internal/stats"
	"github.com/npezzotti/go-jam/internal/types"
	"github.com/teris-io/shortid"
)

const (
	metricActiveRooms      = "active_rooms"
	metricActiveClients    = "active_clients"
	metricCommandsApplied  = "commands_applied_total"
	metricCommandsRejected = "commands_rejected_total"

	maxIdAttempts = 5
)

var ErrShuttingDown = fmt.Errorf("%w: server is shutting down", types.ErrConnection)

type Options struct {
	MaxParticipants   int
	HeartbeatInterval time.Duration
	IdleRoomTimeout   time.Duration
	PongWait          time.Duration
}

// Coordinator owns every live room. Each room is served by its own
// goroutine, so commands for one room are applied one at a time while
// different rooms run in parallel.
type Coordinator struct {
	log         *log.Logger
	tracks      database.TrackRepository
	stats       stats.StatsProvider
	opts        Options
	generateId  func() (string, error)
	rooms       map[string]*Room
	roomsLock   sync.RWMutex
	clients     map[*Client]struct{}
	clientsLock sync.Mutex
	closed      bool
}

func NewCoordinator(logger *log.Logger, tracks database.TrackRepository, st stats.StatsProvider, opts Options) *Coordinator {
	for _, name := range []string{metricActiveRooms, metricActiveClients} {
		st.RegisterMetric(name)
	}
	for _, name := range []string{metricCommandsApplied, metricCommandsRejected} {
		st.RegisterCounter(name)
	}

	return &Coordinator{
		log:        logger,
		tracks:     tracks,
		stats:      st,
		opts:       opts,
		generateId: shortid.Generate,
		rooms:      make(map[string]*Room),
		clients:    make(map[*Client]struct{}),
	}
}

// CreateRoom allocates an empty room and starts serving it. Id collisions
// are retried with a fresh id; ErrResource is returned when no unique id
// could be generated.
func (c *Coordinator) CreateRoom() (string, error) {
	for range maxIdAttempts {
		id, err := c.generateId()
		if err != nil {
			return "", fmt.Errorf("%w: generate room id: %v", types.ErrResource, err)
		}

		c.roomsLock.Lock()
		if c.closed {
			c.roomsLock.Unlock()
			return "", ErrShuttingDown
		}
		if _, exists := c.rooms[id]; exists {
			c.roomsLock.Unlock()
			c.log.Printf("room id %q already in use, retrying", id)
			continue
		}

		r := newRoom(id, c)
		c.rooms[id] = r
		c.roomsLock.Unlock()

		c.stats.Incr(metricActiveRooms)
		go r.start()

		return id, nil
	}

	return "", fmt.Errorf("%w: could not allocate a unique room id", types.ErrResource)
}

func (c *Coordinator) room(id string) *Room {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()
	return c.rooms[id]
}

func (c *Coordinator) unloadRoom(r *Room) {
	c.roomsLock.Lock()
	current, ok := c.rooms[r.id]
	if ok && current == r {
		delete(c.rooms, r.id)
	}
	c.roomsLock.Unlock()

	if ok && current == r {
		c.log.Printf("removed room %q", r.id)
		c.stats.Decr(metricActiveRooms)
	}
}

func (c *Coordinator) liveRooms() []*Room {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()

	rooms := make([]*Room, 0, len(c.rooms))
	for _, r := range c.rooms {
		rooms = append(rooms, r)
	}
	return rooms
}

// ListRooms returns a summary of every live room. Rooms that close while
// the list is being built are left out.
func (c *Coordinator) ListRooms(ctx context.Context) ([]types.RoomSummary, error) {
	summaries := []types.RoomSummary{}
	for _, r := range c.liveRooms() {
		st, err := r.snapshot(ctx)
		if err != nil {
			if errors.Is(err, types.ErrNotFound) {
				continue
			}
			return nil, err
		}
		summaries = append(summaries, st.Summary())
	}

	return summaries, nil
}

// Snapshot returns the current state of a room.
func (c *Coordinator) Snapshot(ctx context.Context, roomId string) (types.RoomState, error) {
	r := c.room(roomId)
	if r == nil {
		return types.RoomState{}, fmt.Errorf("room %q: %w", roomId, types.ErrNotFound)
	}
	return r.snapshot(ctx)
}

// KickParticipant removes targetId from the room and disconnects its
// channel. Only the current host may kick.
func (c *Coordinator) KickParticipant(ctx context.Context, roomId, callerId, targetId string) error {
	r := c.room(roomId)
	if r == nil {
		return fmt.Errorf("room %q: %w", roomId, types.ErrNotFound)
	}
	return r.requestKick(ctx, callerId, targetId)
}

// CloseRoom closes a room on behalf of its host.
func (c *Coordinator) CloseRoom(ctx context.Context, roomId, callerId string) error {
	r := c.room(roomId)
	if r == nil {
		return fmt.Errorf("room %q: %w", roomId, types.ErrNotFound)
	}
	return r.requestClose(ctx, callerId)
}

// ResolveTrack looks up a track in the catalog.
func (c *Coordinator) ResolveTrack(id string) (*types.Track, error) {
	t, err := c.tracks.GetTrack(id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("track %q: %w", id, types.ErrNotFound)
		}
		return nil, fmt.Errorf("%w: get track %q: %v", types.ErrResource, id, err)
	}

	track := t.Public()
	return &track, nil
}

func (c *Coordinator) RegisterClient(cl *Client) {
	c.clientsLock.Lock()
	defer c.clientsLock.Unlock()

	c.log.Printf("adding connection from %q", cl.participant.Username)
	c.clients[cl] = struct{}{}
	c.stats.Incr(metricActiveClients)
}

func (c *Coordinator) deregisterClient(cl *Client) {
	c.clientsLock.Lock()
	defer c.clientsLock.Unlock()

	if _, ok := c.clients[cl]; ok {
		c.log.Printf("removing connection from %q", cl.participant.Username)
		delete(c.clients, cl)
		c.stats.Decr(metricActiveClients)
	}
}

// Shutdown disconnects every client and stops every room, waiting for the
// rooms to finish or ctx to expire.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.log.Println("received shutdown signal")

	c.roomsLock.Lock()
	if c.closed {
		c.roomsLock.Unlock()
		return nil
	}
	c.closed = true
	c.roomsLock.Unlock()

	rooms := c.liveRooms()
	for _, r := range rooms {
		c.log.Println("shutting down room", r.id)
		close(r.exit)
	}

	for _, r := range rooms {
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.clientsLock.Lock()
	for cl := range c.clients {
		cl.stopClient()
	}
	c.clientsLock.Unlock()

	return nil
}
