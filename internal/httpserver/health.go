package httpserver

import (
	"net/http"
	"time"
)

// handleHealth reports upstream and storage reachability plus store totals.
// A degraded dependency shows up in the body; the endpoint itself stays 200
// so probes distinguish "down" from "degraded".
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	if s.upstream != nil && s.upstream.Healthy(r.Context()) {
		body["api"] = "connected"
	} else {
		body["api"] = "unreachable"
		body["status"] = "degraded"
	}

	switch {
	case s.store == nil:
		body["database"] = "not configured"
	case s.store.Ping(r.Context()) != nil:
		body["database"] = "error"
		body["status"] = "degraded"
	default:
		body["database"] = "connected"
		if conversations, messages, err := s.store.Totals(r.Context()); err == nil {
			body["conversations"] = conversations
			body["messages"] = messages
		}
	}

	writeJSON(w, http.StatusOK, body)
}

// handleConfigInfo exposes the client-relevant slice of the configuration.
// Never includes credentials.
func (s *Server) handleConfigInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"course_name":             s.cfg.Course.Name,
		"assistant_name":          s.cfg.Course.AssistantName,
		"model":                   s.cfg.GenAI.Model,
		"file_upload_enabled":     s.cfg.Upload.Enabled,
		"max_file_size_mb":        s.cfg.Upload.MaxSizeMB,
		"allowed_extensions":      s.cfg.Upload.AllowedExtensions,
		"memory_per_conversation": s.cfg.Advanced.MemoryPerConversation,
		"persistent_storage":      s.cfg.Storage.Persistent(),
	})
}

// handleClearSession drops the caller's ephemeral context.
func (s *Server) handleClearSession(w http.ResponseWriter, r *http.Request) {
	if s.sessions != nil {
		if c, err := r.Cookie(sessionCookie); err == nil && c.Value != "" {
			if err := s.sessions.Clear(r.Context(), c.Value); err != nil {
				writeError(w, http.StatusInternalServerError, "Failed to clear session")
				return
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
