package chat

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"courseassist/internal/attach"
)

// Completer is the upstream completion client as the relay sees it.
type Completer interface {
	Complete(ctx context.Context, turns []Turn) (*Completion, error)
	Stream(ctx context.Context, turns []Turn) <-chan StreamEvent
}

// Relay orchestrates one exchange: validate, merge attachments, load the
// windowed context, call the upstream and commit the outcome. It is the
// single path shared by both delivery modes; the store and the optional
// conversation manager decide which mode this instance runs in.
type Relay struct {
	store  ContextStore
	convs  ConversationManager
	client Completer
	attach *attach.Normalizer
	window int
	hasKey bool
	logger *slog.Logger

	now func() time.Time
}

// RelayConfig carries the relay's collaborators. Convs is nil in ephemeral
// mode; Attach is nil when attachments are not accepted on this surface.
type RelayConfig struct {
	Store  ContextStore
	Convs  ConversationManager
	Client Completer
	Attach *attach.Normalizer
	Window int
	HasKey bool
	Logger *slog.Logger
}

func NewRelay(cfg RelayConfig) *Relay {
	return &Relay{
		store:  cfg.Store,
		convs:  cfg.Convs,
		client: cfg.Client,
		attach: cfg.Attach,
		window: cfg.Window,
		hasKey: cfg.HasKey,
		logger: cfg.Logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// ExchangeRequest is one inbound user message. ConversationID addresses a
// persistent conversation; SessionKey addresses ephemeral session state.
type ExchangeRequest struct {
	ConversationID string
	SessionKey     string
	Owner          string
	Message        string
	Files          []attach.File
}

// ExchangeResult is the blocking-mode response body.
type ExchangeResult struct {
	Content        string `json:"content"`
	ConversationID string `json:"conversation_id"`
	Model          string `json:"model"`
	Usage          Usage  `json:"usage"`
	MessageCount   int    `json:"message_count"`
}

// prepare runs the shared pre-dispatch pipeline and returns the conversation
// key, the prior history and the staged user turn, with the upstream payload
// already windowed.
func (r *Relay) prepare(ctx context.Context, req ExchangeRequest) (key string, history, payload []Turn, user Turn, err error) {
	if !r.hasKey {
		return "", nil, nil, Turn{}, ErrNoAPIKey
	}

	message := strings.TrimSpace(req.Message)
	if message == "" {
		return "", nil, nil, Turn{}, &ValidationError{Message: "Message cannot be empty"}
	}

	content := message
	if r.attach != nil && len(req.Files) > 0 {
		content += r.attach.FileContext(req.Files)
	}

	key = req.SessionKey
	if r.convs != nil {
		conv, cerr := r.convs.GetOrCreate(ctx, req.ConversationID, req.Owner)
		if cerr != nil {
			return "", nil, nil, Turn{}, &StorageError{Op: "get conversation", Err: cerr}
		}
		key = conv.ID
	}

	history, err = r.store.LoadContext(ctx, key)
	if err != nil {
		return "", nil, nil, Turn{}, &StorageError{Op: "load context", Err: err}
	}

	user = Turn{Role: RoleUser, Content: content, CreatedAt: r.now()}
	if err := r.store.StageUserTurn(ctx, key, user); err != nil {
		return "", nil, nil, Turn{}, &StorageError{Op: "stage user turn", Err: err}
	}

	payload = Window(append(append([]Turn(nil), history...), user), r.window)
	return key, history, payload, user, nil
}

// Exchange runs one blocking exchange end to end. Upstream errors pass
// through untouched for the transport layer to classify; the staged user
// turn stays committed even then.
func (r *Relay) Exchange(ctx context.Context, req ExchangeRequest) (*ExchangeResult, error) {
	key, history, payload, user, err := r.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	completion, err := r.client.Complete(ctx, payload)
	if err != nil {
		return nil, err
	}

	assistant := Turn{
		Role:       RoleAssistant,
		Content:    completion.Content,
		CreatedAt:  r.now(),
		Model:      completion.Model,
		TokensUsed: completion.Usage.TotalTokens,
	}
	if err := r.store.SaveExchange(ctx, key, history, user, assistant); err != nil {
		return nil, &StorageError{Op: "save exchange", Err: err}
	}

	count := len(history) + 2
	if r.convs != nil {
		if c, err := r.convs.MessageCount(ctx, key); err == nil {
			count = c
		}
	}

	return &ExchangeResult{
		Content:        completion.Content,
		ConversationID: key,
		Model:          completion.Model,
		Usage:          completion.Usage,
		MessageCount:   count,
	}, nil
}

// ExchangeStream runs one streaming exchange, forwarding every upstream
// event through send. Errors raised before the first event are returned for
// the caller to report; once relaying has started, a send failure means the
// client is gone and the exchange is abandoned without saving. The
// accumulated assistant reply is committed only after a clean completion
// sentinel.
func (r *Relay) ExchangeStream(ctx context.Context, req ExchangeRequest, send func(StreamEvent) error) error {
	key, history, payload, user, err := r.prepare(ctx, req)
	if err != nil {
		return err
	}

	var assistant strings.Builder
	model := ""

	for ev := range r.client.Stream(ctx, payload) {
		if ev.Err != nil {
			return ev.Err
		}
		if ev.Done {
			if err := send(ev); err != nil {
				return nil
			}
			r.saveStreamed(ctx, key, history, user, assistant.String(), model)
			return nil
		}

		if fragment := gjson.GetBytes(ev.Data, "choices.0.delta.content"); fragment.Exists() {
			assistant.WriteString(fragment.String())
		}
		if model == "" {
			model = gjson.GetBytes(ev.Data, "model").String()
		}
		if err := send(ev); err != nil {
			return nil
		}
	}
	return nil
}

// saveStreamed commits the assembled assistant turn. A failed save cannot be
// reported mid-stream, so it only logs.
func (r *Relay) saveStreamed(ctx context.Context, key string, history []Turn, user Turn, content, model string) {
	if content == "" {
		return
	}
	assistant := Turn{Role: RoleAssistant, Content: content, CreatedAt: r.now(), Model: model}
	if err := r.store.SaveExchange(ctx, key, history, user, assistant); err != nil && r.logger != nil {
		r.logger.Error("failed to save streamed exchange",
			slog.String("conversation_key", key),
			slog.String("error", err.Error()))
	}
}
