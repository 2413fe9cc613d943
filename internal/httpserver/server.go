// Package httpserver is the HTTP surface of the assistant: the blocking and
// streaming chat endpoints, conversation management and the health probes.
package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/google/uuid"

	"courseassist/internal/chat"
	"courseassist/internal/config"
	"courseassist/internal/genai"
	"courseassist/internal/storage"
)

const sessionCookie = "session_id"

// HealthProber reports upstream reachability for the health endpoint.
type HealthProber interface {
	Healthy(ctx context.Context) bool
}

type Server struct {
	relay    *chat.Relay
	sessions *chat.SessionStore
	store    *storage.Store
	upstream HealthProber
	cfg      config.Config
	logger   *slog.Logger
}

// ServerDeps wires the server. Sessions is nil in persistent mode, Store is
// nil in ephemeral mode; exactly one of the two is set.
type ServerDeps struct {
	Relay    *chat.Relay
	Sessions *chat.SessionStore
	Store    *storage.Store
	Upstream HealthProber
	Config   config.Config
	Logger   *slog.Logger
}

func NewServer(deps ServerDeps) *Server {
	return &Server{
		relay:    deps.Relay,
		sessions: deps.Sessions,
		store:    deps.Store,
		upstream: deps.Upstream,
		cfg:      deps.Config,
		logger:   deps.Logger,
	}
}

// sessionID returns the caller's session id, minting one into a cookie on
// first contact.
func (s *Server) sessionID(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(sessionCookie); err == nil && c.Value != "" {
		return c.Value
	}
	id := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return id
}

// owner identifies the caller for conversation ownership: the session cookie
// when one exists, the peer address otherwise.
func (s *Server) owner(r *http.Request) string {
	if c, err := r.Cookie(sessionCookie); err == nil && c.Value != "" {
		return c.Value
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// exchangeStatus maps a relay error to the status and user-facing message of
// the flat error body.
func exchangeStatus(err error) (int, string) {
	var verr *chat.ValidationError
	if errors.As(err, &verr) {
		return http.StatusBadRequest, verr.Message
	}
	if errors.Is(err, chat.ErrNoAPIKey) {
		return http.StatusServiceUnavailable, "API key not configured. Please contact the administrator."
	}
	if errors.Is(err, genai.ErrTimeout) {
		return http.StatusGatewayTimeout, "Request timeout. Please try again."
	}
	if errors.Is(err, genai.ErrStreamCapExceeded) {
		return http.StatusGatewayTimeout, genai.ErrStreamCapExceeded.Error()
	}
	var uerr *genai.UpstreamError
	if errors.As(err, &uerr) {
		detail := uerr.Detail
		if detail == "" {
			detail = uerr.Error()
		}
		return http.StatusBadGateway, "API error: " + detail
	}
	var serr *chat.StorageError
	if errors.As(err, &serr) {
		return http.StatusInternalServerError, "Failed to save conversation"
	}
	return http.StatusBadGateway, "Failed to get response from API"
}
