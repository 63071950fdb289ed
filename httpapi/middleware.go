package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"signflow/eventlog"
	"signflow/logging"
	"signflow/signing"
	"signflow/token"
)

var errUnauthenticated = errors.New("httpapi: authentication required")

const requestIDHeader = "X-Request-ID"

func newRequestID() string { return "req_" + uuid.NewString() }

// requestContext tags the request with an id and the origin recorded on audit events.
func requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := newRequestID()
		w.Header().Set(requestIDHeader, id)
		ctx := logging.WithRequestID(r.Context(), id)
		ctx = eventlog.WithOrigin(ctx, eventlog.OriginFromRequest(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		logging.WithContext(r.Context(), s.logger).Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("client_ip", eventlog.OriginFromRequest(r).IPAddress),
		)
	})
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logging.WithContext(r.Context(), s.logger).Error("panic recovered",
					zap.Any("panic", rec),
					zap.String("path", r.URL.Path),
				)
				s.writeError(w, r, errors.New("panic"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type accountKey struct{}

// Account is the authenticated owner behind an access token.
type Account struct {
	UserID string
	Email  string
	Name   string
}

func accountFrom(ctx context.Context) (Account, bool) {
	a, ok := ctx.Value(accountKey{}).(Account)
	return a, ok
}

// requireAccount admits requests carrying a valid access token and binds the
// account as the coordinator actor.
func (s *Server) requireAccount(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		credential := bearer(r)
		if credential == "" {
			s.writeError(w, r, errUnauthenticated)
			return
		}
		claims, err := s.tokens.VerifyAccess(credential)
		if err != nil {
			if errors.Is(err, token.ErrExpiredToken) {
				s.writeError(w, r, err)
				return
			}
			s.writeError(w, r, errUnauthenticated)
			return
		}
		acct := Account{UserID: claims.UserID(), Email: claims.Email, Name: claims.Name}
		ctx := context.WithValue(r.Context(), accountKey{}, acct)
		ctx = signing.WithActor(ctx, acct.UserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
