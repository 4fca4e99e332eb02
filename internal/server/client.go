package server

import (
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-jam/internal/playback"
	"github.com/npezzotti/go-jam/internal/protocol"
	"github.com/npezzotti/go-jam/internal/types"
)

const (
	writeWait       = 10 * time.Second
	defaultPongWait = 60 * time.Second
	maxMessageSize  = 4096
)

// Client is one websocket connection. A connection may be a member of
// several rooms, but holds at most one membership per room.
type Client struct {
	conn        *websocket.Conn
	coord       *Coordinator
	log         *log.Logger
	participant types.Participant
	send        chan *protocol.ServerMessage
	rooms       map[string]*Room
	roomsLock   sync.RWMutex
	stop        chan struct{}
	stopOnce    sync.Once
	pongWait    time.Duration
}

func NewClient(p types.Participant, conn *websocket.Conn, coord *Coordinator, l *log.Logger) *Client {
	pongWait := coord.opts.PongWait
	if pongWait <= 0 {
		pongWait = defaultPongWait
	}

	return &Client{
		conn:        conn,
		coord:       coord,
		log:         l,
		participant: p,
		send:        make(chan *protocol.ServerMessage, 256),
		rooms:       make(map[string]*Room),
		stop:        make(chan struct{}),
		pongWait:    pongWait,
	}
}

func (c *Client) Write() {
	ticker := time.NewTicker((c.pongWait * 9) / 10)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if !c.writeJSON(msg) {
				return
			}
		case <-c.stop:
			c.flush()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

// flush writes whatever is still queued, e.g. the notice sent to a kicked
// participant right before its connection is stopped.
func (c *Client) flush() {
	for {
		select {
		case msg := <-c.send:
			if !c.writeJSON(msg) {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(c.pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			return
		}

		var msg protocol.ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Println("error parsing message:", err)
			if errors.Is(err, types.ErrInvalid) {
				c.queueMessage(protocol.ErrMessage(msg.Id, err))
			} else {
				c.queueMessage(protocol.ErrInvalidMessage(msg.Id))
			}
			continue
		}

		msg.Timestamp = protocol.Now()
		c.dispatch(&clientMsg{ClientMessage: &msg, client: c})
	}
}

func (c *Client) dispatch(msg *clientMsg) {
	switch {
	case msg.Join != nil:
		r := c.coord.room(msg.Join.RoomId)
		if r == nil || !r.send(r.joinChan, msg) {
			c.queueMessage(protocol.ErrRoomNotFound(msg.Id))
		}
	case msg.Leave != nil:
		c.toRoom(msg.Leave.RoomId, msg, func(r *Room) chan *clientMsg { return r.leaveChan })
	case msg.Sync != nil:
		c.toRoom(msg.Sync.RoomId, msg, nil)
	case msg.Close != nil:
		c.toRoom(msg.Close.RoomId, msg, nil)
	case msg.Kick != nil:
		c.toRoom(msg.Kick.RoomId, msg, nil)
	case msg.Control != nil:
		if trackId, ok := playback.TrackRef(msg.Control.Command); ok {
			track, err := c.coord.ResolveTrack(trackId)
			if err != nil {
				c.queueMessage(protocol.ErrMessage(msg.Id, err))
				return
			}
			msg.track = track
		}
		c.toRoom(msg.Control.RoomId, msg, nil)
	default:
		c.queueMessage(protocol.ErrInvalidMessage(msg.Id))
	}
}

// toRoom forwards msg to a room this client has joined. A nil chanFor
// selects the room's general message channel.
func (c *Client) toRoom(roomId string, msg *clientMsg, chanFor func(*Room) chan *clientMsg) {
	r := c.getRoom(roomId)
	if r == nil {
		c.queueMessage(protocol.ErrNotJoined(msg.Id))
		return
	}

	ch := r.clientMsgChan
	if chanFor != nil {
		ch = chanFor(r)
	}
	if !r.send(ch, msg) {
		c.queueMessage(protocol.ErrRoomNotFound(msg.Id))
	}
}

func (c *Client) queueMessage(msg *protocol.ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Printf("failed to send message to %q, channel is full", c.participant.Username)
		return false
	}

	return true
}

func (c *Client) writeJSON(msg *protocol.ServerMessage) bool {
	bytes, err := json.Marshal(msg)
	if err != nil {
		c.log.Println("failed to serialize message:", err)
		return true
	}

	return c.sendMessage(websocket.TextMessage, bytes)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Client) cleanup() {
	c.coord.deregisterClient(c)
	c.leaveAllRooms()
	c.stopClient()
}

func (c *Client) leaveAllRooms() {
	c.roomsLock.RLock()
	rooms := make([]*Room, 0, len(c.rooms))
	for _, r := range c.rooms {
		rooms = append(rooms, r)
	}
	c.roomsLock.RUnlock()

	for _, r := range rooms {
		r.send(r.leaveChan, &clientMsg{
			ClientMessage: &protocol.ClientMessage{Leave: &protocol.Leave{RoomId: r.id}},
			client:        c,
		})
	}
}

func (c *Client) delRoom(id string) {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()

	delete(c.rooms, id)
}

func (c *Client) addRoom(r *Room) {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()

	c.rooms[r.id] = r
}

func (c *Client) getRoom(id string) *Room {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()

	return c.rooms[id]
}
