package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/npezzotti/go-jam/internal/types"
)

const (
	defaultJwtExpiration = time.Hour * 24
	tokenCookieKey       = "token"
	tokenQueryKey        = "token"

	participantIdClaim = "participant-id"
	usernameClaim      = "username"
	avatarUrlClaim     = "avatar-url"
	expClaim           = "exp"
)

type contextKey string

const participantKey contextKey = "participant"

func WithParticipant(ctx context.Context, p types.Participant) context.Context {
	return context.WithValue(ctx, participantKey, p)
}

func ParticipantFromContext(ctx context.Context) (types.Participant, bool) {
	p, ok := ctx.Value(participantKey).(types.Participant)
	return p, ok
}

// tokenFromRequest looks for a session token in the cookie, then the
// Authorization header, then the query string. Browsers cannot set headers
// on a websocket handshake, so the query parameter is accepted there.
func tokenFromRequest(r *http.Request) (string, error) {
	if c, err := r.Cookie(tokenCookieKey); err == nil && c.Value != "" {
		return c.Value, nil
	}

	if h := r.Header.Get("Authorization"); h != "" {
		token, ok := strings.CutPrefix(h, "Bearer ")
		if !ok || token == "" {
			return "", fmt.Errorf("malformed authorization header")
		}
		return token, nil
	}

	if token := r.URL.Query().Get(tokenQueryKey); token != "" {
		return token, nil
	}

	return "", fmt.Errorf("no token in request")
}

func (s *JamApp) participantFromRequest(r *http.Request) (types.Participant, error) {
	tokenString, err := tokenFromRequest(r)
	if err != nil {
		return types.Participant{}, err
	}

	token, err := s.verifyToken(tokenString)
	if err != nil {
		return types.Participant{}, fmt.Errorf("verify token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return types.Participant{}, fmt.Errorf("invalid token claims")
	}

	id, ok := claims[participantIdClaim].(string)
	if !ok || id == "" {
		return types.Participant{}, fmt.Errorf("invalid participant id claim")
	}

	username, _ := claims[usernameClaim].(string)
	avatarUrl, _ := claims[avatarUrlClaim].(string)

	return types.Participant{
		Id:        id,
		Username:  username,
		AvatarUrl: avatarUrl,
	}, nil
}

func (s *JamApp) createJwtForSession(p types.Participant, exp time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		participantIdClaim: p.Id,
		usernameClaim:      p.Username,
		avatarUrlClaim:     p.AvatarUrl,
		expClaim:           time.Now().Add(exp).Unix(),
	})

	return token.SignedString(s.signingKey)
}

func (s *JamApp) verifyToken(tokenString string) (*jwt.Token, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.signingKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	return token, nil
}

func createJwtCookie(tokenString string, exp time.Duration) *http.Cookie {
	return &http.Cookie{
		Name:     tokenCookieKey,
		Value:    tokenString,
		Path:     "/",
		Expires:  time.Now().Add(exp),
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	}
}
