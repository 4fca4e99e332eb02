package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-jam/internal/server"
	"github.com/npezzotti/go-jam/internal/types"
)

const (
	maxUsernameLength = 64
	defaultTrackLimit = 50
	maxTrackLimit     = 200
)

type AnonymousSessionRequest struct {
	Username  string `json:"username"`
	AvatarUrl string `json:"avatar_url,omitempty"`
}

type SessionResponse struct {
	Token       string            `json:"token,omitempty"`
	Participant types.Participant `json:"participant"`
}

type CreateRoomResponse struct {
	RoomId string `json:"room_id"`
}

type KickRequest struct {
	ParticipantId string `json:"participant_id"`
}

func (s *JamApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *JamApp) writeError(w http.ResponseWriter, errResp *ApiError) {
	if errResp.StatusCode == http.StatusInternalServerError {
		s.log.Println(errResp.Error())
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}

func (s *JamApp) healthCheck(w http.ResponseWriter, _ *http.Request) {
	if err := s.tracks.Ping(); err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *JamApp) anonymousSession(w http.ResponseWriter, r *http.Request) {
	var req AnonymousSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || len(req.Username) > maxUsernameLength {
		s.writeError(w, NewBadRequestError())
		return
	}

	p := types.Participant{
		Id:        uuid.NewString(),
		Username:  req.Username,
		AvatarUrl: req.AvatarUrl,
	}

	token, err := s.createJwtForSession(p, defaultJwtExpiration)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	http.SetCookie(w, createJwtCookie(token, defaultJwtExpiration))
	s.writeJson(w, http.StatusCreated, SessionResponse{Token: token, Participant: p})
}

func (s *JamApp) session(w http.ResponseWriter, r *http.Request) {
	p, ok := ParticipantFromContext(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	s.writeJson(w, http.StatusOK, SessionResponse{Participant: p})
}

func (s *JamApp) logout(w http.ResponseWriter, _ *http.Request) {
	// overwrite the cookie with an expired one so the browser drops it
	http.SetCookie(w, createJwtCookie("", -time.Hour))
	w.WriteHeader(http.StatusNoContent)
}

func (s *JamApp) createRoom(w http.ResponseWriter, r *http.Request) {
	p, ok := ParticipantFromContext(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	roomId, err := s.coord.CreateRoom()
	if err != nil {
		s.writeError(w, NewErrorFor(err))
		return
	}

	s.log.Printf("%q created room %q", p.Username, roomId)
	s.writeJson(w, http.StatusCreated, CreateRoomResponse{RoomId: roomId})
}

func (s *JamApp) listRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := s.coord.ListRooms(r.Context())
	if err != nil {
		s.writeError(w, NewErrorFor(err))
		return
	}

	s.writeJson(w, http.StatusOK, rooms)
}

func (s *JamApp) getRoom(w http.ResponseWriter, r *http.Request) {
	st, err := s.coord.Snapshot(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, NewErrorFor(err))
		return
	}

	s.writeJson(w, http.StatusOK, st)
}

func (s *JamApp) deleteRoom(w http.ResponseWriter, r *http.Request) {
	p, ok := ParticipantFromContext(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	if err := s.coord.CloseRoom(r.Context(), r.PathValue("id"), p.Id); err != nil {
		s.writeError(w, NewErrorFor(err))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *JamApp) kickParticipant(w http.ResponseWriter, r *http.Request) {
	p, ok := ParticipantFromContext(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	var req KickRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ParticipantId == "" {
		s.writeError(w, NewBadRequestError())
		return
	}

	if err := s.coord.KickParticipant(r.Context(), r.PathValue("id"), p.Id, req.ParticipantId); err != nil {
		s.writeError(w, NewErrorFor(err))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *JamApp) listTracks(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultTrackLimit)
	if err != nil || limit <= 0 || limit > maxTrackLimit {
		s.writeError(w, NewBadRequestError())
		return
	}

	offset, err := queryInt(r, "offset", 0)
	if err != nil || offset < 0 {
		s.writeError(w, NewBadRequestError())
		return
	}

	dbTracks, err := s.tracks.ListTracks(limit, offset)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	tracks := make([]types.Track, 0, len(dbTracks))
	for _, t := range dbTracks {
		tracks = append(tracks, t.Public())
	}

	s.writeJson(w, http.StatusOK, tracks)
}

func (s *JamApp) getTrack(w http.ResponseWriter, r *http.Request) {
	t, err := s.tracks.GetTrack(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.writeError(w, NewNotFoundError())
		} else {
			s.writeError(w, NewInternalServerError(err))
		}
		return
	}

	s.writeJson(w, http.StatusOK, t.Public())
}

func (s *JamApp) serveWs(w http.ResponseWriter, r *http.Request) {
	p, ok := ParticipantFromContext(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// non-browser clients send no origin
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	client := server.NewClient(p, conn, s.coord, s.log)

	s.coord.RegisterClient(client)
	go client.Write()
	go client.Read()
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}
