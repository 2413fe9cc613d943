package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	"courseassist/internal/middleware"
)

// NewRouter assembles the chi router with the shared middleware chain.
// Conversation routes are mounted only in persistent mode.
func NewRouter(deps ServerDeps) http.Handler {
	s := NewServer(deps)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recover(deps.Logger))
	r.Use(middleware.Logging(deps.Logger))

	if deps.Config.Security.CORS.Enabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   deps.Config.Security.CORS.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
			AllowCredentials: true,
		}))
	}

	r.Get("/health", s.handleHealth)
	r.Get("/config-info", s.handleConfigInfo)
	r.Post("/clear-session", s.handleClearSession)

	r.Group(func(r chi.Router) {
		if deps.Config.Security.RateLimit.Enabled {
			r.Use(httprate.Limit(
				deps.Config.Security.RateLimit.RequestsPerMinute,
				time.Minute,
				httprate.WithKeyFuncs(httprate.KeyByIP),
				httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
					writeError(w, http.StatusTooManyRequests,
						"Rate limit exceeded. Please wait a moment and try again.")
				}),
			))
		}
		r.Post("/chat", s.handleChat)
		r.Post("/chat/stream", s.handleChatStream)
	})

	if s.store != nil {
		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", s.handleListConversations)
			r.Get("/{id}", s.handleGetConversation)
			r.Delete("/{id}", s.handleDeleteConversation)
			r.Get("/{id}/export", s.handleExportConversation)
		})
		r.Get("/stats", s.handleStats)
	}

	return r
}
