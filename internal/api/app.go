package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/go-jam/internal/config"
	"github.com/npezzotti/go-jam/internal/database"
	"github.com/npezzotti/go-jam/internal/server"
)

type JamApp struct {
	log            *log.Logger
	tracks         database.TrackRepository
	srv            *http.Server
	coord          *server.Coordinator
	signingKey     []byte
	allowedOrigins []string
}

func NewJamApp(mux *http.ServeMux, logger *log.Logger, coord *server.Coordinator, tracks database.TrackRepository, cfg *config.Config) *JamApp {
	s := &JamApp{
		log:            logger,
		tracks:         tracks,
		coord:          coord,
		signingKey:     cfg.SigningKey,
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.HandleFunc("GET /healthz", s.healthCheck)
	mux.HandleFunc("POST /api/auth/anonymous", s.anonymousSession)
	mux.HandleFunc("GET /api/auth/session", s.authMiddleware(s.session))
	mux.HandleFunc("GET /api/auth/logout", s.logout)
	mux.HandleFunc("POST /api/rooms", s.authMiddleware(s.createRoom))
	mux.HandleFunc("GET /api/rooms", s.authMiddleware(s.listRooms))
	mux.HandleFunc("GET /api/rooms/{id}", s.authMiddleware(s.getRoom))
	mux.HandleFunc("DELETE /api/rooms/{id}", s.authMiddleware(s.deleteRoom))
	mux.HandleFunc("POST /api/rooms/{id}/kick", s.authMiddleware(s.kickParticipant))
	mux.HandleFunc("GET /api/tracks", s.authMiddleware(s.listTracks))
	mux.HandleFunc("GET /api/tracks/{id}", s.authMiddleware(s.getTrack))
	mux.HandleFunc("GET /ws", s.authMiddleware(s.serveWs))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	s.srv = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	return s
}

// Handler returns the fully wrapped HTTP handler.
func (s *JamApp) Handler() http.Handler {
	return s.srv.Handler
}

func (s *JamApp) Start() error {
	s.log.Printf("starting server on %s\n", s.srv.Addr)
	return s.srv.ListenAndServe()
}

func (s *JamApp) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
