package api

import (
	"fmt"
	"net/http"
	"strings"
)

// errorHandler turns a panicking handler into a 500 and closes the
// connection.
func (s *CodeCollabApp) errorHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			p := recover()
			if p == nil {
				return
			}

			err, ok := p.(error)
			if !ok {
				err = fmt.Errorf("%v", p)
			}
			s.log.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("panic")

			errResp := NewInternalServerError(err)
			w.Header().Set("Connection", "close")
			s.writeJson(w, errResp.StatusCode, errResp)
		}()

		next.ServeHTTP(w, r)
	})
}

// authMiddleware accepts a bearer token from API clients or the token cookie
// set for browsers. A present Authorization header always wins, even when it
// is unusable, so a bad header is never masked by a stale cookie.
func (s *CodeCollabApp) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var tokenString, source string

		if h := r.Header.Get("Authorization"); h != "" {
			scheme, token, found := strings.Cut(h, " ")
			if !found || !strings.EqualFold(scheme, "Bearer") || token == "" {
				s.unauthorized(w, `Bearer error="invalid_request"`)
				return
			}
			tokenString, source = token, "bearer"
		} else if c, err := r.Cookie(tokenCookieKey); err == nil && c.Value != "" {
			tokenString, source = c.Value, "cookie"
		} else {
			s.unauthorized(w, "Bearer")
			return
		}

		userId, err := s.extractUserIdFromToken(tokenString)
		if err != nil {
			s.log.Debug().Err(err).Str("source", source).Msg("rejected token")
			s.unauthorized(w, `Bearer error="invalid_token"`)
			return
		}

		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
		next(w, r.WithContext(WithUserId(r.Context(), userId)))
	}
}

func (s *CodeCollabApp) unauthorized(w http.ResponseWriter, challenge string) {
	w.Header().Set("WWW-Authenticate", challenge)
	errResp := NewUnauthorizedError()
	s.writeJson(w, errResp.StatusCode, errResp)
}
