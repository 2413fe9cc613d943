package httpserver

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"courseassist/internal/storage"
)

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)
	if limit < 1 {
		limit = 1
	}
	if limit > 100 {
		limit = 100
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	conversations, total, err := s.store.List(r.Context(), s.owner(r), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load conversations")
		return
	}
	if conversations == nil {
		conversations = []storage.ConversationSummary{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"conversations": conversations,
		"total":         total,
		"limit":         limit,
		"offset":        offset,
	})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, messages, err := s.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Conversation not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to load conversation")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":         conv.ID,
		"title":      conv.Title,
		"created_at": conv.CreatedAt,
		"updated_at": conv.UpdatedAt,
		"messages":   messages,
	})
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	err := s.store.Delete(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Conversation not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to delete conversation")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleExportConversation renders one conversation as a JSON document
// download.
func (s *Server) handleExportConversation(w http.ResponseWriter, r *http.Request) {
	conv, messages, err := s.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Conversation not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to load conversation")
		return
	}

	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=conversation_%s.json", conv.ID))
	writeJSON(w, http.StatusOK, map[string]any{
		"course":          s.cfg.Course.Name,
		"conversation_id": conv.ID,
		"title":           conv.Title,
		"created_at":      conv.CreatedAt,
		"exported_at":     time.Now().UTC(),
		"messages":        messages,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	conversations, messages, err := s.store.Totals(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load stats")
		return
	}
	ownerConvs, ownerMsgs, err := s.store.OwnerStats(r.Context(), s.owner(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load stats")
		return
	}

	writeJSON(w, http.StatusOK, map[string]int64{
		"total_conversations": conversations,
		"total_messages":      messages,
		"your_conversations":  ownerConvs,
		"your_messages":       ownerMsgs,
	})
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
