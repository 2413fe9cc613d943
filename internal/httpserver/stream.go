package httpserver

import (
	"encoding/json"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"courseassist/internal/attach"
	"courseassist/internal/chat"
)

type streamRequest struct {
	ConversationID string        `json:"conversation_id"`
	Message        string        `json:"message"`
	Messages       []wireHistory `json:"messages"`
}

type wireHistory struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// handleChatStream relays one exchange as server-sent events. Clients either
// send a bare message against the server-held session context, or a full
// messages list whose last user entry is the new message. Attachments ride
// along as multipart form data, same as the blocking endpoint.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	sessionKey := s.sessionID(w, r)

	var req streamRequest
	var files []attach.File
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if strings.HasPrefix(mediaType, "multipart/") {
		creq, f, ok := s.parseChatRequest(w, r)
		if !ok {
			return
		}
		req = streamRequest{ConversationID: creq.ConversationID, Message: creq.Message}
		files = f
	} else if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	message := req.Message
	if len(req.Messages) > 0 {
		// Client-supplied history replaces the session context; the last
		// entry carries the new message.
		last := req.Messages[len(req.Messages)-1]
		if message == "" {
			message = last.Content
		}
		if s.sessions != nil {
			history := make([]chat.Turn, 0, len(req.Messages)-1)
			for _, m := range req.Messages[:len(req.Messages)-1] {
				history = append(history, chat.Turn{Role: chat.Role(m.Role), Content: m.Content})
			}
			if err := s.sessions.Set(r.Context(), sessionKey, history); err != nil {
				writeError(w, http.StatusInternalServerError, "Failed to save conversation")
				return
			}
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}

	started := false
	startSSE := func() {
		if started {
			return
		}
		started = true
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
	}

	send := func(ev chat.StreamEvent) error {
		startSSE()
		var err error
		if ev.Done {
			_, err = w.Write([]byte("data: [DONE]\n\n"))
		} else {
			_, err = w.Write(append(append([]byte("data: "), ev.Data...), '\n', '\n'))
		}
		if err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	err := s.relay.ExchangeStream(r.Context(), chat.ExchangeRequest{
		ConversationID: req.ConversationID,
		SessionKey:     sessionKey,
		Owner:          s.owner(r),
		Message:        message,
		Files:          files,
	}, send)
	if err == nil {
		return
	}

	status, errMessage := exchangeStatus(err)
	if status >= 500 && s.logger != nil {
		s.logger.Error("stream exchange failed", slog.String("error", err.Error()))
	}
	if !started {
		// Nothing streamed yet; a plain error response is still possible.
		writeError(w, status, errMessage)
		return
	}

	frame, _ := json.Marshal(map[string]string{"error": errMessage})
	_, _ = w.Write(append(append([]byte("data: "), frame...), '\n', '\n'))
	flusher.Flush()
}
