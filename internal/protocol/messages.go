package protocol

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/npezzotti/go-jam/internal/types"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientMessage is sent from a session client to the server. Exactly one
// event field is set.
type ClientMessage struct {
	BaseMessage
	Join    *Join            `json:"room:join,omitempty"`
	Leave   *Leave           `json:"room:leave,omitempty"`
	Sync    *Sync            `json:"room:sync,omitempty"`
	Close   *Close           `json:"room:close,omitempty"`
	Control *PlaybackControl `json:"playback:control,omitempty"`
	Kick    *Kick            `json:"participant:kick,omitempty"`
}

type Join struct {
	RoomId string `json:"room_id"`
}

type Leave struct {
	RoomId string `json:"room_id"`
}

type Sync struct {
	RoomId string `json:"room_id"`
}

type Close struct {
	RoomId string `json:"room_id"`
}

type Kick struct {
	RoomId        string `json:"room_id"`
	ParticipantId string `json:"participant_id"`
}

// ServerMessage is sent from the server to session clients. A mutation
// broadcast carries State together with the applied Control, and roster
// changes carry the resulting State so the two never disagree.
type ServerMessage struct {
	BaseMessage
	Response *Response         `json:"response,omitempty"`
	Error    *ErrorEvent       `json:"error,omitempty"`
	State    *types.RoomState  `json:"room:state,omitempty"`
	Control  *PlaybackControl  `json:"playback:control,omitempty"`
	Joined   *ParticipantEvent `json:"participant:joined,omitempty"`
	Left     *ParticipantEvent `json:"participant:left,omitempty"`
	Closed   *RoomClosed       `json:"room:closed,omitempty"`
}

type Response struct {
	ResponseCode int `json:"response_code"`
	Data         any `json:"data,omitempty"`
}

type ErrorEvent struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorEvent) Err() error {
	return &RemoteError{Code: e.Code, Message: e.Message}
}

// RemoteError is an error reported by the server. It unwraps to the
// matching sentinel in the types package.
type RemoteError struct {
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

func (e *RemoteError) Unwrap() error {
	return types.ErrorFromCode(e.Code)
}

type ParticipantEvent struct {
	RoomId      string            `json:"room_id"`
	Participant types.Participant `json:"participant"`
	// Kicked is set when the participant was removed by the host.
	Kicked bool `json:"kicked,omitempty"`
}

type RoomClosed struct {
	RoomId string `json:"room_id"`
	Reason string `json:"reason"`
}

// JoinResult is the response data for a successful room:join.
type JoinResult struct {
	Participant types.Participant `json:"participant"`
	State       types.RoomState   `json:"state"`
}

func NoErrOK(id int, data any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusOK,
			Data:         data,
		},
	}
}

func NoErrAccepted(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusAccepted,
		},
	}
}

// ErrMessage builds the error event for err, using its taxonomy code.
func ErrMessage(id int, err error) *ServerMessage {
	msg := err.Error()
	var remote *RemoteError
	if errors.As(err, &remote) {
		msg = remote.Message
	}

	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Error: &ErrorEvent{
			Code:    types.StatusCode(err),
			Message: msg,
		},
	}
}

func ErrRoomNotFound(id int) *ServerMessage {
	return errMessage(id, http.StatusNotFound, "room not found")
}

func ErrNotAuthorized(id int) *ServerMessage {
	return errMessage(id, http.StatusForbidden, "only the host may do that")
}

func ErrRoomFull(id int) *ServerMessage {
	return errMessage(id, http.StatusConflict, "room is full")
}

func ErrNotJoined(id int) *ServerMessage {
	return errMessage(id, http.StatusNotFound, "not joined to room")
}

func ErrInternalError(id int) *ServerMessage {
	return errMessage(id, http.StatusInternalServerError, "internal server error")
}

func ErrServiceUnavailable(id int) *ServerMessage {
	return errMessage(id, http.StatusServiceUnavailable, "service unavailable")
}

func ErrInvalidMessage(id int) *ServerMessage {
	msg := errMessage(0, http.StatusBadRequest, "invalid message format")
	if id > 0 {
		msg.Id = id
	}
	return msg
}

func errMessage(id, code int, message string) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Error: &ErrorEvent{
			Code:    code,
			Message: message,
		},
	}
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}

// DecodeData converts the generic response payload into v.
func (r *Response) DecodeData(v any) error {
	raw, err := json.Marshal(r.Data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
