package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"courseassist/internal/attach"
	"courseassist/internal/chat"
)

type chatRequest struct {
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
}

// handleChat runs one blocking exchange. The body is either JSON or, when
// attachments ride along, multipart form data with the same field names.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	sessionKey := s.sessionID(w, r)

	req, files, ok := s.parseChatRequest(w, r)
	if !ok {
		return
	}

	result, err := s.relay.Exchange(r.Context(), chat.ExchangeRequest{
		ConversationID: req.ConversationID,
		SessionKey:     sessionKey,
		Owner:          s.owner(r),
		Message:        req.Message,
		Files:          files,
	})
	if err != nil {
		status, message := exchangeStatus(err)
		if status >= 500 && s.logger != nil {
			s.logger.Error("chat exchange failed", slog.String("error", err.Error()))
		}
		writeError(w, status, message)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) parseChatRequest(w http.ResponseWriter, r *http.Request) (chatRequest, []attach.File, bool) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if !strings.HasPrefix(mediaType, "multipart/") {
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body")
			return chatRequest{}, nil, false
		}
		return req, nil, true
	}

	maxBytes := int64(s.cfg.Upload.MaxSizeMB) << 20
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := r.ParseMultipartForm(maxBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("File too large. Maximum size is %dMB", s.cfg.Upload.MaxSizeMB))
			return chatRequest{}, nil, false
		}
		writeError(w, http.StatusBadRequest, "Invalid multipart body")
		return chatRequest{}, nil, false
	}

	req := chatRequest{
		ConversationID: r.FormValue("conversation_id"),
		Message:        r.FormValue("message"),
	}

	var files []attach.File
	if s.cfg.Upload.Enabled && r.MultipartForm != nil {
		for _, header := range r.MultipartForm.File["files"] {
			f, err := header.Open()
			if err != nil {
				continue
			}
			data, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				continue
			}
			files = append(files, attach.File{Name: header.Filename, Data: data})
		}
	}
	return req, files, true
}
