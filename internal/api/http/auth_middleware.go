package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// requireAuth resolves the actor. With a JWT secret configured only a valid
// HS256 bearer token is accepted; without one the X-Actor header is trusted.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var u *AuthUser
		if len(s.jwtSecret) > 0 {
			actor, err := s.actorFromToken(extractToken(r))
			if err != nil {
				respondError(w, http.StatusUnauthorized, "UNAUTHENTICATED", err.Error())
				return
			}
			u = &AuthUser{ActorID: actor, Source: "jwt"}
		} else {
			actor := strings.TrimSpace(r.Header.Get("X-Actor"))
			if actor == "" {
				respondError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing X-Actor header")
				return
			}
			u = &AuthUser{ActorID: actor, Source: "header"}
		}
		next.ServeHTTP(w, r.WithContext(withAuthUser(r.Context(), u)))
	})
}

func (s *Server) requireStaff(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, err := s.isStaff(r, actorFromContext(r.Context()))
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		if !ok {
			respondError(w, http.StatusForbidden, "UNAUTHORIZED", "mediation staff only")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) actorFromToken(raw string) (string, error) {
	if raw == "" {
		return "", errors.New("missing bearer token")
	}
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		return s.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}
	for _, key := range []string{"sub", "user_id"} {
		if v, ok := claims[key].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v), nil
		}
	}
	return "", errors.New("token carries no subject")
}

func extractToken(r *http.Request) string {
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(authz, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(authz, "Bearer "))
	}
	return ""
}
