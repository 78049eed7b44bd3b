package api

import (
	"net/http"
	"strings"

	"lingualink/pkg/interfaces"
	"lingualink/pkg/types"
)

type partyHandler func(w http.ResponseWriter, r *http.Request, party interfaces.Party)

// authenticated resolves the bearer token to a party before calling next.
func (s *Server) authenticated(next partyHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if s.deps.Issuer == nil || !strings.HasPrefix(header, "Bearer ") {
			s.sendError(w, types.ErrIdentityMismatch)
			return
		}
		claims, err := s.deps.Issuer.Verify(strings.TrimSpace(strings.TrimPrefix(header, "Bearer ")))
		if err != nil {
			s.sendError(w, types.ErrIdentityMismatch.Wrap(err))
			return
		}
		next(w, r, interfaces.Party{ID: claims.PartyID, Role: claims.Role})
	}
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
